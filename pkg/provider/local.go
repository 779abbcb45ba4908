package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/cuemby/desipipe/pkg/log"
	"github.com/cuemby/desipipe/pkg/types"
	"github.com/rs/zerolog"
)

// workerSpecFile is the on-disk contract between the local process
// provider and the cmd/desipipe-worker binary it forks: one JSON file
// describing the task, one JSON file the worker writes back with the
// outcome. This mirrors spec.md §4.7's "providers communicate over the
// filesystem, never RPC" constraint.
type workerSpecFile struct {
	TaskID     int64  `json:"task_id"`
	Kind       string `json:"kind"`
	AppName    string `json:"app_name"`
	CodeBlob   []byte `json:"code_blob"`
	ArgsBlob   []byte `json:"args_blob"`
	KwargsBlob []byte `json:"kwargs_blob"`
}

type workerResultFile struct {
	Errno     int    `json:"errno"`
	Out       string `json:"out"`
	Err       string `json:"err"`
	ResultRaw []byte `json:"result_raw"`
}

type localJob struct {
	cmd      *exec.Cmd
	resultPath string
	done     chan struct{}
	status   Status
	waitErr  error
}

// LocalProcessProvider forks one short-lived cmd/desipipe-worker process
// per task, the reference execution back-end for "a worker process on the
// submitting host or a shared-filesystem peer" (spec.md §4.7).
type LocalProcessProvider struct {
	workerBin string
	logger    zerolog.Logger

	mu   sync.Mutex
	jobs map[JobID]*localJob
}

// NewLocalProcessProvider returns a provider that launches workerBinPath
// (typically the built cmd/desipipe-worker binary) for every spawned task.
func NewLocalProcessProvider(workerBinPath string) *LocalProcessProvider {
	return &LocalProcessProvider{
		workerBin: workerBinPath,
		logger:    log.WithComponent("provider.local"),
		jobs:      make(map[JobID]*localJob),
	}
}

// Spawn writes spec's task-spec file to a fresh subdirectory of
// spec.WorkDir, forks the worker binary against it, and tracks completion
// in the background so Poll never blocks.
func (p *LocalProcessProvider) Spawn(ctx context.Context, spec JobSpec) (JobID, error) {
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

	cmd := exec.Command(p.workerBin, "--spec", specPath, "--result", resultPath)
	cmd.Dir = taskDir
	if err := cmd.Start(); err != nil {
		return "", &types.ProviderError{TaskID: spec.TaskID, Err: err}
	}

	id := JobID(strconv.Itoa(cmd.Process.Pid))
	job := &localJob{cmd: cmd, resultPath: resultPath, done: make(chan struct{})}

	p.mu.Lock()
	p.jobs[id] = job
	p.mu.Unlock()

	go p.await(id, job, spec.TaskID)

	p.logger.Debug().Int64("task_id", spec.TaskID).Str("job_id", string(id)).Msg("spawned worker process")
	return id, nil
}

func (p *LocalProcessProvider) await(id JobID, job *localJob, taskID int64) {
	waitErr := job.cmd.Wait()

	status := Status{Done: true}
	if waitErr != nil {
		status.Errno = types.ErrnoProviderLaunch
		status.Err = waitErr.Error()
		p.logger.Warn().Int64("task_id", taskID).Err(waitErr).Msg("worker process exited with error")
	} else if data, err := os.ReadFile(job.resultPath); err == nil {
		var result workerResultFile
		if err := json.Unmarshal(data, &result); err != nil {
			status.Errno = types.ErrnoProviderLaunch
			status.Err = fmt.Sprintf("malformed result file: %v", err)
		} else {
			status.Errno = result.Errno
			status.Out = result.Out
			status.Err = result.Err
			status.ResultRaw = result.ResultRaw
		}
	} else {
		status.Errno = types.ErrnoProviderLaunch
		status.Err = fmt.Sprintf("worker exited cleanly but left no result file: %v", err)
	}

	p.mu.Lock()
	job.status = status
	p.mu.Unlock()
	close(job.done)
}

// Poll reports the job's status without blocking.
func (p *LocalProcessProvider) Poll(_ context.Context, id JobID) (Status, error) {
	p.mu.Lock()
	job, ok := p.jobs[id]
	p.mu.Unlock()
	if !ok {
		return Status{}, fmt.Errorf("provider: unknown job %s", id)
	}

	select {
	case <-job.done:
		p.mu.Lock()
		status := job.status
		p.mu.Unlock()
		return status, nil
	default:
		return Status{Done: false}, nil
	}
}

// Kill sends SIGKILL to the job's process. Killing a finished job is a
// no-op.
func (p *LocalProcessProvider) Kill(_ context.Context, id JobID) error {
	p.mu.Lock()
	job, ok := p.jobs[id]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("provider: unknown job %s", id)
	}

	select {
	case <-job.done:
		return nil
	default:
	}

	if job.cmd.Process == nil {
		return nil
	}
	return job.cmd.Process.Kill()
}
