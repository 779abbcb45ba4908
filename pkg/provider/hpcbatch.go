package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/desipipe/pkg/log"
	"github.com/cuemby/desipipe/pkg/types"
	"github.com/rs/zerolog"
)

// BatchConfig carries the allocation-shape knobs spec.md §4.7 names for
// the batch provider: "adapt worker count via max_workers, nodes,
// mpiprocs_per_worker, mpithreads_per_worker, walltime".
type BatchConfig struct {
	SubmitCmd   string // e.g. "sbatch", defaults applied by NewHPCBatchProvider
	StatusCmd   string // e.g. "squeue"
	CancelCmd   string // e.g. "scancel"
	Nodes       int
	MPIProcsPerWorker   int
	MPIThreadsPerWorker int
	Walltime    time.Duration
}

// HPCBatchProvider submits tasks to an external workload manager by
// generating a job script and shelling out to the site's submit/status/
// cancel commands. It satisfies the same Provider contract as
// LocalProcessProvider so the scheduler is indifferent to which one is
// configured; the default SubmitCmd/StatusCmd/CancelCmd target Slurm
// since that's the most common target for this kind of workload, but any
// workload manager with an sbatch-like CLI can be wired in via BatchConfig.
type HPCBatchProvider struct {
	cfg       BatchConfig
	workerBin string
	logger    zerolog.Logger

	mu          sync.Mutex
	resultPaths map[JobID]string
}

// NewHPCBatchProvider returns a batch provider that runs workerBinPath
// inside each submitted job's allocation.
func NewHPCBatchProvider(workerBinPath string, cfg BatchConfig) *HPCBatchProvider {
	if cfg.SubmitCmd == "" {
		cfg.SubmitCmd = "sbatch"
	}
	if cfg.StatusCmd == "" {
		cfg.StatusCmd = "squeue"
	}
	if cfg.CancelCmd == "" {
		cfg.CancelCmd = "scancel"
	}
	return &HPCBatchProvider{
		cfg:         cfg,
		workerBin:   workerBinPath,
		logger:      log.WithComponent("provider.hpcbatch"),
		resultPaths: make(map[JobID]string),
	}
}

func (p *HPCBatchProvider) jobScript(spec JobSpec, specPath, resultPath string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#!/bin/sh\n")
	fmt.Fprintf(&b, "#SBATCH --nodes=%d\n", max(1, p.cfg.Nodes))
	if p.cfg.Walltime > 0 {
		fmt.Fprintf(&b, "#SBATCH --time=%s\n", formatWalltime(p.cfg.Walltime))
	}
	if p.cfg.MPIProcsPerWorker > 0 {
		fmt.Fprintf(&b, "#SBATCH --ntasks-per-node=%d\n", p.cfg.MPIProcsPerWorker)
	}
	if p.cfg.MPIThreadsPerWorker > 0 {
		fmt.Fprintf(&b, "#SBATCH --cpus-per-task=%d\n", p.cfg.MPIThreadsPerWorker)
	}
	fmt.Fprintf(&b, "exec %s --spec %s --result %s\n", p.workerBin, specPath, resultPath)
	return b.String()
}

func formatWalltime(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Spawn writes a job script for spec and submits it, returning the
// workload manager's job id as the JobID.
func (p *HPCBatchProvider) Spawn(ctx context.Context, spec JobSpec) (JobID, error) {
	workDir := spec.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	taskDir := filepath.Join(workDir, fmt.Sprintf("task-%d", spec.TaskID))
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return "", &types.ProviderError{TaskID: spec.TaskID, Err: err}
	}

	specPath := filepath.Join(taskDir, "spec.json")
	resultPath := filepath.Join(taskDir, "result.json")
	scriptPath := filepath.Join(taskDir, "job.sh")

	specData, err := json.Marshal(workerSpecFile{
		TaskID:     spec.TaskID,
		Kind:       spec.Kind,
		AppName:    spec.AppName,
		CodeBlob:   spec.CodeBlob,
		ArgsBlob:   spec.ArgsBlob,
		KwargsBlob: spec.KwargsBlob,
	})
	if err != nil {
		return "", &types.ProviderError{TaskID: spec.TaskID, Err: err}
	}
	if err := os.WriteFile(specPath, specData, 0o644); err != nil {
		return "", &types.ProviderError{TaskID: spec.TaskID, Err: err}
	}

	if err := os.WriteFile(scriptPath, []byte(p.jobScript(spec, specPath, resultPath)), 0o755); err != nil {
		return "", &types.ProviderError{TaskID: spec.TaskID, Err: err}
	}

	cmd := exec.CommandContext(ctx, p.cfg.SubmitCmd, scriptPath)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", &types.ProviderError{TaskID: spec.TaskID, Err: fmt.Errorf("%s: %w", p.cfg.SubmitCmd, err)}
	}

	// sbatch prints "Submitted batch job <id>"; the id is the last field.
	fields := strings.Fields(out.String())
	if len(fields) == 0 {
		return "", &types.ProviderError{TaskID: spec.TaskID, Err: fmt.Errorf("%s: no job id in output", p.cfg.SubmitCmd)}
	}
	jobID := JobID(fields[len(fields)-1])
	p.mu.Lock()
	p.resultPaths[jobID] = resultPath
	p.mu.Unlock()

	p.logger.Debug().Int64("task_id", spec.TaskID).Str("job_id", string(jobID)).Msg("submitted batch job")
	return jobID, nil
}

// Poll shells out to the status command to check whether id is still
// queued/running. When the workload manager no longer reports the job,
// it's assumed finished and the result file (written by cmd/desipipe-worker
// inside the allocation) is read the same way LocalProcessProvider does.
func (p *HPCBatchProvider) Poll(ctx context.Context, id JobID) (Status, error) {
	cmd := exec.CommandContext(ctx, p.cfg.StatusCmd, "-j", string(id))
	if err := cmd.Run(); err == nil {
		return Status{Done: false}, nil
	}

	p.mu.Lock()
	resultPath, ok := p.resultPaths[id]
	p.mu.Unlock()
	if !ok {
		return Status{Done: true, Errno: types.ErrnoProviderLaunch, Err: "no result path tracked for job"}, nil
	}

	data, err := os.ReadFile(resultPath)
	if err != nil {
		return Status{Done: true, Errno: types.ErrnoProviderLaunch, Err: fmt.Sprintf("no result file: %v", err)}, nil
	}
	var result workerResultFile
	if err := json.Unmarshal(data, &result); err != nil {
		return Status{Done: true, Errno: types.ErrnoProviderLaunch, Err: fmt.Sprintf("malformed result file: %v", err)}, nil
	}
	return Status{Done: true, Errno: result.Errno, Out: result.Out, Err: result.Err, ResultRaw: result.ResultRaw}, nil
}

// Kill cancels a queued or running batch job.
func (p *HPCBatchProvider) Kill(ctx context.Context, id JobID) error {
	cmd := exec.CommandContext(ctx, p.cfg.CancelCmd, string(id))
	return cmd.Run()
}
