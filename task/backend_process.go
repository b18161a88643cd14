package task

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	codec "github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/taskline/taskline/logrecord"
)

// envWorkerFlag, set in the child's environment, is how a re-executed
// copy of the host binary recognizes it is running as a taskline
// worker rather than the original program. There is no other signal
// available: Go has no notion of "the process that forked me asked
// for this" short of an explicit marker.
const envWorkerFlag = "TASKLINE_WORKER"

// envTaskFile names the temp file the parent wrote the task's
// Snapshot to. A Go closure cannot be pickled like the source's task
// body, so everything the child needs is either a plain value in this
// file or a string key resolved against RegisterBody/
// RegisterParamFactory in the child's own address space.
const envTaskFile = "TASKLINE_TASK_FILE"

// bridgeFD is the file descriptor the child inherits its bridge pipe
// write end on; ExtraFiles always starts numbering at 3 (0-2 are
// stdin/stdout/stderr).
const bridgeFD = 3

// wireSnapshot is Snapshot's on-disk transport shape. Params travel
// pre-encoded (see Params.encodeForTransport) so a process boundary
// crossing is the one place that format is actually exercised.
type wireSnapshot struct {
	Name       string
	BodyKey    string
	Execution  string
	Priority   int
	ParamBytes []byte
}

func writeSnapshotFile(snap Snapshot) (path string, cleanup func(), err error) {
	noop := func() {}
	paramBytes, err := snap.Params.encodeForTransport()
	if err != nil {
		return "", noop, err
	}
	wire := wireSnapshot{
		Name:       snap.Name,
		BodyKey:    snap.BodyKey,
		Execution:  string(snap.Execution),
		Priority:   snap.Priority,
		ParamBytes: paramBytes,
	}

	f, err := os.CreateTemp("", "taskline-task-*.msgpack")
	if err != nil {
		return "", noop, fmt.Errorf("task: create task snapshot file: %w", err)
	}
	cleanup = func() { os.Remove(f.Name()) }

	enc := codec.NewEncoder(f, &codec.MsgpackHandle{})
	if encErr := enc.Encode(wire); encErr != nil {
		f.Close()
		cleanup()
		return "", noop, fmt.Errorf("task: encode task snapshot: %w", encErr)
	}
	if closeErr := f.Close(); closeErr != nil {
		cleanup()
		return "", noop, fmt.Errorf("task: close task snapshot file: %w", closeErr)
	}
	return f.Name(), cleanup, nil
}

func readSnapshotFile(path string) (Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("task: open task snapshot file: %w", err)
	}
	defer f.Close()

	var wire wireSnapshot
	dec := codec.NewDecoder(f, &codec.MsgpackHandle{})
	if err := dec.Decode(&wire); err != nil {
		return Snapshot{}, fmt.Errorf("task: decode task snapshot: %w", err)
	}
	params, err := decodeParamsFromTransport(wire.ParamBytes)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Name:      wire.Name,
		BodyKey:   wire.BodyKey,
		Params:    params,
		Execution: ExecutionMode(wire.Execution),
		Priority:  wire.Priority,
	}, nil
}

// processWorker is the workerHandle for ExecutionProcess: a real OS
// process, with its lifecycle tracked through the Bridge's drain
// goroutine rather than a blocking Wait in the dispatching goroutine.
type processWorker struct {
	cmd    *exec.Cmd
	bridge *Bridge
	alive  atomic.Bool
	done   chan Result
}

func (w *processWorker) isAlive() bool { return w.alive.Load() }

func (w *processWorker) kill() error {
	if w.cmd.Process == nil {
		return nil
	}
	return w.cmd.Process.Kill()
}

func (w *processWorker) wait() Result { return <-w.done }

// dispatchProcess re-executes the current binary with envWorkerFlag
// set, hands it the task's Snapshot over a temp file and a bridge pipe
// over an inherited fd, and returns once the bridge has produced proof
// of start or the 10-second setup timeout elapses.
func (t *Task) dispatchProcess(ctx context.Context) error {
	snap := t.Snapshot()

	bridge, err := newBridge()
	if err != nil {
		return err
	}

	payloadPath, cleanup, err := writeSnapshotFile(snap)
	if err != nil {
		bridge.close()
		return err
	}

	exe, err := os.Executable()
	if err != nil {
		cleanup()
		bridge.close()
		return fmt.Errorf("task: resolve host executable: %w", err)
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), envWorkerFlag+"=1", envTaskFile+"="+payloadPath)
	cmd.ExtraFiles = []*os.File{bridge.writerEnd()}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		cleanup()
		bridge.close()
		return fmt.Errorf("task: start worker process: %w", err)
	}
	// The parent's copy of the write end must close once the child has
	// its own (inherited) copy, or EOF never arrives on the read side.
	bridge.closeWriter()

	w := &processWorker{cmd: cmd, bridge: bridge, done: make(chan Result, 1)}
	w.alive.Store(true)

	t.mu.Lock()
	t.worker = w
	t.mu.Unlock()

	proofRec, proofErr := bridge.drainUntilRun(processProofOfStartTimeout)
	if proofErr != nil {
		cmd.Process.Kill()
		cmd.Wait()
		cleanup()
		w.alive.Store(false)
		t.mu.Lock()
		t.worker = nil
		t.mu.Unlock()
		if _, crashErr := t.ReportCrash(proofErr.Error()); crashErr != nil {
			return crashErr
		}
		return proofErr
	}
	if err := t.LogRecord(proofRec); err != nil {
		return err
	}

	go t.watchProcess(w, cleanup, proofRec.Action)
	return nil
}

// watchProcess drains every remaining bridge record into the task's
// own log, then waits for the child to exit. lastAction is the action
// of the record already consumed as proof of start. A child that exits
// without ever producing a terminal record (crashed mid-run, after
// proof of start) is logged as a failure — distinct from ReportCrash,
// which covers a crash before proof of start.
func (t *Task) watchProcess(w *processWorker, cleanup func(), lastAction logrecord.Action) {
	defer w.alive.Store(false)
	defer cleanup()

	for rec := range w.bridge.records {
		t.LogRecord(rec)
		lastAction = rec.Action
	}
	waitErr := w.cmd.Wait()

	if !lastAction.Terminal() {
		msg := "worker process exited without reporting a terminal status"
		if waitErr != nil {
			msg = waitErr.Error()
		}
		t.finish(Failed(fmt.Errorf("task: %s", msg)))
	}
	w.done <- Result{}
}

// RunWorker must be called early in a host program's main, before any
// other taskline-dependent setup. If the process was re-executed as a
// taskline worker it runs the assigned task body and calls os.Exit;
// otherwise it returns immediately and the caller's main proceeds
// normally. This mirrors the self-reexec pattern the teacher's own
// e2e harness binaries use to distinguish a top-level run from a
// spawned one, adapted from "fork + pickle a closure" to "reexec +
// resolve a registered key" since Go cannot ship a closure to a child.
func RunWorker() {
	if os.Getenv(envWorkerFlag) == "" {
		return
	}
	os.Exit(runWorkerProcess())
}

// runWorkerProcess is RunWorker's testable body: it never calls
// os.Exit itself so tests can invoke it directly against a fake
// environment.
func runWorkerProcess() int {
	bridgeFile := os.NewFile(bridgeFD, "taskline-bridge")
	if bridgeFile == nil {
		fmt.Fprintln(os.Stderr, "task: worker process missing bridge file descriptor")
		return 1
	}
	defer bridgeFile.Close()

	snap, err := readSnapshotFile(os.Getenv(envTaskFile))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	body, ok := lookupBody(snap.BodyKey)
	if !ok {
		fmt.Fprintf(os.Stderr, "task: no registered body %q\n", snap.BodyKey)
		return 1
	}

	materialized, err := snap.Params.Materialize()
	if err != nil {
		now := time.Now()
		writeRecord(bridgeFile, logrecord.Record{
			TaskName: snap.Name, Action: logrecord.ActionFail,
			Start: now, End: now, Message: err.Error(),
		})
		return 1
	}

	start := time.Now()
	if err := writeRecord(bridgeFile, logrecord.Record{
		TaskName: snap.Name, Action: logrecord.ActionRun, Start: start, End: start,
	}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	result := safeRunBody(context.Background(), body, materialized)
	end := time.Now()

	action, message := outcomeToAction(result)
	if err := writeRecord(bridgeFile, logrecord.Record{
		TaskName: snap.Name, Action: action, Start: start, End: end,
		Runtime: end.Sub(start), Message: message,
	}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if action == logrecord.ActionFail {
		return 1
	}
	return 0
}
