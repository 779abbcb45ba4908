// Command desipipe-worker is the short-lived process the local process
// provider forks per task (spec.md §4.7's Worker definition): it reads a
// task-spec file, executes the task, and writes a result file, then
// exits. It never talks to the queue store directly — the scheduler that
// spawned it owns that relationship.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/exec"

	"github.com/cuemby/desipipe/pkg/taskmanager"
	"github.com/cuemby/desipipe/pkg/types"
)

// specFile mirrors pkg/provider/local.go's workerSpecFile — kept as a
// private duplicate rather than an exported shared type since the two
// binaries' only coupling should be this JSON contract, not a Go
// dependency on provider internals.
type specFile struct {
	TaskID     int64  `json:"task_id"`
	Kind       string `json:"kind"`
	AppName    string `json:"app_name"`
	CodeBlob   []byte `json:"code_blob"`
	ArgsBlob   []byte `json:"args_blob"`
	KwargsBlob []byte `json:"kwargs_blob"`
}

type resultFile struct {
	Errno     int    `json:"errno"`
	Out       string `json:"out"`
	Err       string `json:"err"`
	ResultRaw []byte `json:"result_raw"`
}

func main() {
	specPath := flag.String("spec", "", "path to the task-spec JSON file")
	resultPath := flag.String("result", "", "path to write the result JSON file")
	flag.Parse()

	if *specPath == "" || *resultPath == "" {
		fmt.Fprintln(os.Stderr, "desipipe-worker: --spec and --result are required")
		os.Exit(types.ErrnoProviderLaunch)
	}

	result := run(*specPath)

	data, err := json.Marshal(result)
	if err != nil {
		fmt.Fprintf(os.Stderr, "desipipe-worker: encode result: %v\n", err)
		os.Exit(types.ErrnoProviderLaunch)
	}
	if err := os.WriteFile(*resultPath, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "desipipe-worker: write result: %v\n", err)
		os.Exit(types.ErrnoProviderLaunch)
	}
}

// run executes the task described at specPath and always returns a
// resultFile — a task-internal failure becomes a non-zero Errno plus a
// captured Err string, never a process panic, so the scheduler can turn
// it into a FAILED record (spec.md §7's "worker-internal failures become
// FAILED records, data not exceptions").
func run(specPath string) resultFile {
	raw, err := os.ReadFile(specPath)
	if err != nil {
		return resultFile{Errno: types.ErrnoProviderLaunch, Err: fmt.Sprintf("read spec file: %v", err)}
	}
	var spec specFile
	if err := json.Unmarshal(raw, &spec); err != nil {
		return resultFile{Errno: types.ErrnoProviderLaunch, Err: fmt.Sprintf("decode spec file: %v", err)}
	}

	switch types.TaskKind(spec.Kind) {
	case types.BashApp:
		return runBashApp(spec)
	case types.PythonApp:
		return runPythonApp(spec)
	default:
		return resultFile{Errno: types.ErrnoProviderLaunch, Err: fmt.Sprintf("unknown task kind %q", spec.Kind)}
	}
}

// runBashApp decodes ArgsBlob as a JSON array of argv strings (already
// materialized by the scheduler) and executes it, capturing stdout
// verbatim as the task's output (per spec.md S4) and stderr as its Err.
// A failed command with empty stderr reports the exit error as Err.
func runBashApp(spec specFile) resultFile {
	var argv []string
	if err := json.Unmarshal(spec.ArgsBlob, &argv); err != nil {
		return resultFile{Errno: types.ErrnoProviderLaunch, Err: fmt.Sprintf("decode argv: %v", err)}
	}
	if len(argv) == 0 {
		return resultFile{Errno: types.ErrnoProviderLaunch, Err: "bash_app requires a non-empty argv"}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	out := stdout.String()
	result := resultFile{Out: out, Err: stderr.String()}
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			result.Errno = exitErr.ExitCode()
		} else {
			result.Errno = types.ErrnoProviderLaunch
		}
		if result.Err == "" {
			result.Err = runErr.Error()
		}
		return result
	}

	payload, err := json.Marshal(out)
	if err != nil {
		result.Errno = types.ErrnoProviderLaunch
		result.Err = fmt.Sprintf("encode result payload: %v", err)
		return result
	}
	result.ResultRaw = payload
	return result
}

// runPythonApp looks up spec.AppName in the process-wide handler table —
// populated by whichever PythonApp declarations this binary was built
// with linked in — and invokes it with the materialized arguments.
func runPythonApp(spec specFile) (result resultFile) {
	defer func() {
		if r := recover(); r != nil {
			result = resultFile{Errno: 1, Err: fmt.Sprintf("panic: %v", r)}
		}
	}()

	fn, ok := taskmanager.Lookup(spec.AppName)
	if !ok {
		return resultFile{
			Errno: types.ErrnoProviderLaunch,
			Err:   fmt.Sprintf("no handler registered for app %q in this worker binary", spec.AppName),
		}
	}

	var args []interface{}
	if len(spec.ArgsBlob) > 0 {
		if err := json.Unmarshal(spec.ArgsBlob, &args); err != nil {
			return resultFile{Errno: types.ErrnoProviderLaunch, Err: fmt.Sprintf("decode args: %v", err)}
		}
	}
	var kwargs map[string]interface{}
	if len(spec.KwargsBlob) > 0 {
		if err := json.Unmarshal(spec.KwargsBlob, &kwargs); err != nil {
			return resultFile{Errno: types.ErrnoProviderLaunch, Err: fmt.Sprintf("decode kwargs: %v", err)}
		}
	}

	value, err := fn(args, kwargs)
	if err != nil {
		return resultFile{Errno: 1, Err: err.Error()}
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return resultFile{Errno: types.ErrnoProviderLaunch, Err: fmt.Sprintf("encode result payload: %v", err)}
	}
	return resultFile{ResultRaw: payload}
}
