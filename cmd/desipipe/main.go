// Command desipipe is the operator-facing CLI (spec.md §6): it lists and
// manages queues and tasks, and can launch a manager loop itself so a
// queue doesn't need a separate long-running process to drain.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/cuemby/desipipe/pkg/log"
	"github.com/cuemby/desipipe/pkg/manager"
	"github.com/cuemby/desipipe/pkg/provider"
	"github.com/cuemby/desipipe/pkg/queuestore"
	"github.com/cuemby/desipipe/pkg/types"
	"github.com/spf13/cobra"
)

// Version is set via ldflags at build time.
var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "desipipe",
	Short: "desipipe - a persistent task queue for scientific data pipelines",
	Long: `desipipe schedules Python- and shell-backed tasks onto a
dependency-ordered queue, caches results by content fingerprint, and
drains the queue with one manager process at a time.`,
}

func init() {
	rootCmd.PersistentFlags().String("base-dir", defaultBaseDir(), "root directory holding queue databases and the result cache")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(queuesCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(spawnCmd)
	rootCmd.AddCommand(deleteCmd)

	tasksCmd.Flags().StringP("queue", "q", "", "queue name (required)")
	tasksCmd.Flags().String("state", "", "filter by state (WAITING, PENDING, RUNNING, SUCCEEDED, FAILED, KILLED, UNKNOWN)")
	tasksCmd.MarkFlagRequired("queue")

	queuesCmd.Flags().StringP("queue", "q", "*", "glob pattern over queue names")

	pauseCmd.Flags().StringP("queue", "q", "", "queue name (required)")
	pauseCmd.MarkFlagRequired("queue")

	resumeCmd.Flags().StringP("queue", "q", "", "queue name (required)")
	resumeCmd.Flags().Bool("spawn", false, "also launch a detached manager for this queue")
	resumeCmd.MarkFlagRequired("queue")

	retryCmd.Flags().StringP("queue", "q", "", "queue name (required)")
	retryCmd.Flags().String("state", "", "state whose records should be moved back to PENDING (required)")
	retryCmd.Flags().Bool("force", false, "retry RUNNING records too, killing their worker first")
	retryCmd.Flags().String("provider", "local", "dispatch backend whose Kill to call under --force: local or hpc-batch")
	retryCmd.Flags().String("submit-cmd", "", "hpc-batch: job submission command (default sbatch)")
	retryCmd.Flags().String("status-cmd", "", "hpc-batch: job status command (default squeue)")
	retryCmd.Flags().String("cancel-cmd", "", "hpc-batch: job cancellation command (default scancel)")
	retryCmd.MarkFlagRequired("queue")
	retryCmd.MarkFlagRequired("state")

	spawnCmd.Flags().StringP("queue", "q", "", "queue name (required)")
	spawnCmd.Flags().Int("max-workers", 4, "maximum tasks to run concurrently")
	spawnCmd.Flags().String("work-dir", "", "working directory handed to each worker process")
	spawnCmd.Flags().Bool("detached", false, "fork into the background and return immediately")
	spawnCmd.Flags().String("provider", "local", "dispatch backend: local or hpc-batch")
	spawnCmd.Flags().String("submit-cmd", "", "hpc-batch: job submission command (default sbatch)")
	spawnCmd.Flags().String("status-cmd", "", "hpc-batch: job status command (default squeue)")
	spawnCmd.Flags().String("cancel-cmd", "", "hpc-batch: job cancellation command (default scancel)")
	spawnCmd.Flags().Int("nodes", 1, "hpc-batch: nodes requested per job")
	spawnCmd.Flags().Int("mpiprocs-per-worker", 1, "hpc-batch: MPI processes per worker")
	spawnCmd.Flags().Int("mpithreads-per-worker", 1, "hpc-batch: MPI threads per worker")
	spawnCmd.Flags().Duration("walltime", 0, "hpc-batch: requested walltime")
	spawnCmd.Flags().String("metrics-addr", "", "serve /metrics, /health, /ready, /live on this address (empty disables)")
	spawnCmd.MarkFlagRequired("queue")

	deleteCmd.Flags().StringP("queue", "q", "", "glob pattern over queue names (required)")
	deleteCmd.Flags().Bool("force", false, "actually delete rather than preview")
	deleteCmd.MarkFlagRequired("queue")
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func defaultBaseDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".desipipe")
	}
	return ".desipipe"
}

func baseDirFlag(cmd *cobra.Command) string {
	base, _ := cmd.Flags().GetString("base-dir")
	if base == "" {
		base, _ = rootCmd.PersistentFlags().GetString("base-dir")
	}
	return base
}

// queuesCmd lists every queue database under base_dir whose name matches
// the glob, with counts by state (spec.md §6: "list matching queues with
// counts by state").
var queuesCmd = &cobra.Command{
	Use:   "queues",
	Short: "List queues and their task counts by state",
	RunE: func(cmd *cobra.Command, args []string) error {
		pattern, _ := cmd.Flags().GetString("queue")
		reg := queuestore.NewReadOnlyRegistry(baseDirFlag(cmd))
		defer reg.CloseAll()

		infos, err := reg.List()
		if err != nil {
			return fmt.Errorf("list queues: %v", err)
		}

		fmt.Printf("%-20s %-8s %-8s %-8s %-8s %-10s %-8s %-8s %-8s\n",
			"QUEUE", "STATE", "WAITING", "PENDING", "RUNNING", "SUCCEEDED", "FAILED", "KILLED", "UNKNOWN")
		for _, info := range infos {
			matched, err := filepath.Match(pattern, info.Name)
			if err != nil {
				return fmt.Errorf("invalid glob %q: %v", pattern, err)
			}
			if !matched {
				continue
			}
			store, err := reg.Queue(info.Name)
			if err != nil {
				return fmt.Errorf("open queue %q: %v", info.Name, err)
			}
			counts, err := countByState(store)
			if err != nil {
				return fmt.Errorf("count queue %q: %v", info.Name, err)
			}
			fmt.Printf("%-20s %-8s %-8d %-8d %-8d %-10d %-8d %-8d %-8d\n",
				info.Name, info.State,
				counts[types.Waiting], counts[types.Pending], counts[types.Running],
				counts[types.Succeeded], counts[types.Failed], counts[types.Killed], counts[types.Unknown])
		}
		return nil
	},
}

func countByState(store *queuestore.Store) (map[types.TaskState]int, error) {
	recs, err := store.List(context.Background())
	if err != nil {
		return nil, err
	}
	counts := make(map[types.TaskState]int)
	for _, rec := range recs {
		counts[rec.State]++
	}
	return counts, nil
}

// tasksCmd lists the task records in one queue, optionally filtered by
// state. Unlike queuesCmd it shows one row per task rather than a count.
var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List tasks in a queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		queue, _ := cmd.Flags().GetString("queue")
		stateFilter, _ := cmd.Flags().GetString("state")

		store, err := queuestore.OpenReadOnly(baseDirFlag(cmd), queue)
		if err != nil {
			return fmt.Errorf("open queue %q: %v", queue, err)
		}
		defer store.Close()

		recs, err := store.List(context.Background())
		if err != nil {
			return fmt.Errorf("list tasks: %v", err)
		}
		sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })

		fmt.Printf("%-6s %-24s %-10s %-10s %-6s %s\n", "ID", "APP", "KIND", "STATE", "ERRNO", "DEPS")
		for _, rec := range recs {
			if stateFilter != "" && string(rec.State) != stateFilter {
				continue
			}
			fmt.Printf("%-6d %-24s %-10s %-10s %-6d %v\n",
				rec.ID, truncate(rec.AppName, 24), rec.Kind, rec.State, rec.Errno, rec.DepIDs)
		}
		return nil
	},
}

// pauseCmd sets a queue's state to PAUSED; a running manager notices on
// its next poll and exits once nothing is in-flight (spec.md §4.8).
var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause a queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		queue, _ := cmd.Flags().GetString("queue")
		store, err := queuestore.Open(baseDirFlag(cmd), queue)
		if err != nil {
			return fmt.Errorf("open queue %q: %v", queue, err)
		}
		defer store.Close()

		if err := store.SetQueueState(cmd.Context(), types.QueuePaused); err != nil {
			return fmt.Errorf("pause queue %q: %v", queue, err)
		}
		fmt.Printf("queue %q paused\n", queue)
		return nil
	},
}

// resumeCmd sets a queue's state back to ACTIVE, and with --spawn also
// launches a detached manager so WAITING/PENDING work starts draining
// immediately rather than waiting for the next enqueue's auto-spawn.
var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a paused queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		queue, _ := cmd.Flags().GetString("queue")
		doSpawn, _ := cmd.Flags().GetBool("spawn")

		store, err := queuestore.Open(baseDirFlag(cmd), queue)
		if err != nil {
			return fmt.Errorf("open queue %q: %v", queue, err)
		}
		if err := store.SetQueueState(cmd.Context(), types.QueueActive); err != nil {
			store.Close()
			return fmt.Errorf("resume queue %q: %v", queue, err)
		}
		store.Close()
		fmt.Printf("queue %q resumed\n", queue)

		if !doSpawn {
			return nil
		}
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve desipipe binary: %v", err)
		}
		proc := exec.Command(self, "spawn", "-q", queue, "--base-dir", baseDirFlag(cmd), "--detached")
		if err := proc.Start(); err != nil {
			return fmt.Errorf("launch manager: %v", err)
		}
		fmt.Printf("manager launched for queue %q (pid %d)\n", queue, proc.Process.Pid)
		return nil
	},
}

// retryCmd moves every record in --state back to PENDING, resolving
// spec.md §9's open question on retrying RUNNING records: without
// --force they are left alone, since a worker may still be making
// progress (see pkg/queuestore/retry.go).
var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Move tasks in a given state back to PENDING",
	RunE: func(cmd *cobra.Command, args []string) error {
		queue, _ := cmd.Flags().GetString("queue")
		stateFlag, _ := cmd.Flags().GetString("state")
		force, _ := cmd.Flags().GetBool("force")

		store, err := queuestore.Open(baseDirFlag(cmd), queue)
		if err != nil {
			return fmt.Errorf("open queue %q: %v", queue, err)
		}
		defer store.Close()

		prov, err := resolveProvider(cmd)
		if err != nil {
			return err
		}
		kill := func(ctx context.Context, jobID string) error {
			return prov.Kill(ctx, provider.JobID(jobID))
		}

		retried, err := store.Retry(cmd.Context(), types.TaskState(stateFlag), force, kill)
		if err != nil {
			return fmt.Errorf("retry queue %q: %v", queue, err)
		}
		fmt.Printf("retried %d task(s) in queue %q\n", len(retried), queue)
		return nil
	},
}

// spawnCmd runs a manager loop for one queue, in the foreground by
// default, until spec.md §4.8's exit conditions are met or the process
// receives SIGINT/SIGTERM. --detached re-execs itself as a background
// process and returns immediately, matching pkg/taskmanager's own
// auto-spawn behavior.
var spawnCmd = &cobra.Command{
	Use:   "spawn",
	Short: "Launch a manager loop for a queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		queue, _ := cmd.Flags().GetString("queue")
		maxWorkers, _ := cmd.Flags().GetInt("max-workers")
		workDir, _ := cmd.Flags().GetString("work-dir")
		detached, _ := cmd.Flags().GetBool("detached")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		baseDir := baseDirFlag(cmd)

		if detached {
			self, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve desipipe binary: %v", err)
			}
			proc := exec.Command(self, "spawn", "-q", queue, "--base-dir", baseDir,
				"--max-workers", fmt.Sprint(maxWorkers), "--work-dir", workDir)
			if err := proc.Start(); err != nil {
				return fmt.Errorf("launch detached manager: %v", err)
			}
			fmt.Printf("manager launched for queue %q (pid %d)\n", queue, proc.Process.Pid)
			return nil
		}

		prov, err := resolveProvider(cmd)
		if err != nil {
			return err
		}
		mgr, err := manager.New(manager.Config{
			BaseDir:    baseDir,
			Queue:      queue,
			MaxWorkers: maxWorkers,
			Provider:   prov,
			WorkDir:    workDir,
			HTTPAddr:   metricsAddr,
			Version:    Version,
		})
		if err != nil {
			return fmt.Errorf("start manager: %v", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("manager %s draining queue %q\n", mgr.ID(), queue)
		if metricsAddr != "" {
			fmt.Printf("serving /metrics, /health, /ready, /live on http://%s\n", metricsAddr)
		}
		return mgr.Run(ctx)
	},
}

// deleteCmd previews (by default) or deletes every queue matching the
// glob. Preview mode never touches disk; --force removes the database
// file outright.
var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete queues matching a glob",
	RunE: func(cmd *cobra.Command, args []string) error {
		pattern, _ := cmd.Flags().GetString("queue")
		force, _ := cmd.Flags().GetBool("force")
		baseDir := baseDirFlag(cmd)

		reg := queuestore.NewReadOnlyRegistry(baseDir)
		infos, err := reg.List()
		if err != nil {
			reg.CloseAll()
			return fmt.Errorf("list queues: %v", err)
		}

		var matched []types.QueueInfo
		for _, info := range infos {
			ok, err := filepath.Match(pattern, info.Name)
			if err != nil {
				reg.CloseAll()
				return fmt.Errorf("invalid glob %q: %v", pattern, err)
			}
			if ok {
				matched = append(matched, info)
			}
		}
		reg.CloseAll()

		if !force {
			fmt.Printf("would delete %d queue(s):\n", len(matched))
			for _, info := range matched {
				fmt.Printf("  %s\n", info.Name)
			}
			fmt.Println("(pass --force to actually delete)")
			return nil
		}

		for _, info := range matched {
			store, err := queuestore.OpenReadOnly(baseDir, info.Name)
			if err != nil {
				return fmt.Errorf("open queue %q: %v", info.Name, err)
			}
			path := store.Path()
			store.Close()
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("delete queue %q: %v", info.Name, err)
			}
			fmt.Printf("deleted queue %q\n", info.Name)
		}
		return nil
	},
}

// workerBinPath resolves the desipipe-worker binary path relative to
// this process's own executable, so a provider forked from an installed
// desipipe finds its sibling worker without needing $PATH configured.
func workerBinPath() string {
	self, err := os.Executable()
	if err != nil {
		return "desipipe-worker"
	}
	return filepath.Join(filepath.Dir(self), "desipipe-worker")
}

// resolveProvider builds the dispatch backend spawnCmd's --provider flag
// names, so an operator on an HPC site can point desipipe at sbatch/squeue/
// scancel instead of forking local processes (spec.md §4.7's "local
// subprocess pool, HPC-allocation submitters").
func resolveProvider(cmd *cobra.Command) (provider.Provider, error) {
	kind, _ := cmd.Flags().GetString("provider")
	switch kind {
	case "", "local":
		return provider.NewLocalProcessProvider(workerBinPath()), nil
	case "hpc-batch":
		submitCmd, _ := cmd.Flags().GetString("submit-cmd")
		statusCmd, _ := cmd.Flags().GetString("status-cmd")
		cancelCmd, _ := cmd.Flags().GetString("cancel-cmd")
		nodes, _ := cmd.Flags().GetInt("nodes")
		mpiProcs, _ := cmd.Flags().GetInt("mpiprocs-per-worker")
		mpiThreads, _ := cmd.Flags().GetInt("mpithreads-per-worker")
		walltime, _ := cmd.Flags().GetDuration("walltime")
		return provider.NewHPCBatchProvider(workerBinPath(), provider.BatchConfig{
			SubmitCmd:           submitCmd,
			StatusCmd:           statusCmd,
			CancelCmd:           cancelCmd,
			Nodes:               nodes,
			MPIProcsPerWorker:   mpiProcs,
			MPIThreadsPerWorker: mpiThreads,
			Walltime:            walltime,
		}), nil
	default:
		return nil, fmt.Errorf("unknown provider %q (want local or hpc-batch)", kind)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
