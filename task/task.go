// Package task implements the core task entity: its lifecycle state
// machine, the three execution back-ends, and the cross-process log
// bridge.
package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	metrics "github.com/armon/go-metrics"
	hclog "github.com/hashicorp/go-hclog"
	set "github.com/hashicorp/go-set/v3"
	uuid "github.com/hashicorp/go-uuid"

	"github.com/taskline/taskline/condition"
	"github.com/taskline/taskline/logrecord"
)

// workerHandle is satisfied by both asynchronous back-end attachments
// (thread, process) so Task can manage either uniformly. Main
// execution never attaches one — it isn't cancellable.
type workerHandle interface {
	isAlive() bool
	kill() error
	wait() Result
}

// Config constructs a Task. Everything the scheduler needs to know
// about a task up front lives here; runtime state is not part of it.
type Config struct {
	Name   string
	Logger hclog.Logger
	Sink   logrecord.Sink

	Body    Body
	BodyKey string // required when Policy.Execution == ExecutionProcess

	Params Params
	Policy Policy

	OnSuccess func(output interface{})
	OnFailure func(err error)
	OnFinish  func(status Status)
}

// Task is the unit of work: it holds policy, exposes transition
// methods that both mutate in-memory status and emit log records, and
// coordinates exactly one attached worker at a time.
type Task struct {
	mu         sync.Mutex // guards the fields below
	dispatchMu sync.Mutex // serializes Dispatch calls; also taken by Lock/Unlock

	name    string
	logger  hclog.Logger
	adapter *logrecord.TaskAdapter

	policy  Policy
	body    Body
	bodyKey string
	params  Params

	onSuccess func(output interface{})
	onFailure func(err error)
	onFinish  func(status Status)

	status    Status
	startTime time.Time
	lastError error

	// lastLogStatus caches StatusFromLog's last derived status, and
	// lastLogRecord the record it was derived from, so a repeated poll
	// against an unchanged record can skip straight to the cached value
	// instead of re-deriving it.
	lastLogStatus Status
	lastLogRecord logrecord.Record

	worker    workerHandle
	terminate *TerminateSignal

	labels []metrics.Label
}

// New constructs a Task. A name is generated if cfg.Name is empty;
// callers that want collision handling should register through
// session.Session instead of relying on this fallback.
func New(cfg Config) (*Task, error) {
	if cfg.Body == nil {
		return nil, fmt.Errorf("task: Config.Body is required")
	}
	if cfg.Policy.Execution == "" {
		cfg.Policy.Execution = ExecutionMain
	}
	if cfg.Policy.Execution == ExecutionProcess {
		if cfg.BodyKey == "" {
			return nil, ErrNoRegisteredBody
		}
		if _, ok := lookupBody(cfg.BodyKey); !ok {
			return nil, fmt.Errorf("task: %w: %q", ErrNoRegisteredBody, cfg.BodyKey)
		}
	}
	if cfg.Policy.StartCond == nil {
		// With no start condition set, a task never runs on its own —
		// only ForceRun (or an explicit Dispatch call) starts it.
		cfg.Policy.StartCond = condition.AlwaysFalse{}
	}
	if cfg.Policy.Dependent == nil {
		cfg.Policy.Dependent = set.New[string](0)
	}

	name := cfg.Name
	if name == "" {
		generated, err := uuid.GenerateUUID()
		if err != nil {
			return nil, fmt.Errorf("task: generate default name: %w", err)
		}
		name = "task-" + generated
	}

	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("task").With("task", name)

	sink := cfg.Sink
	if sink == nil {
		sink = logrecord.NewMemorySink(0)
	}

	startCond, err := condition.Copy(cfg.Policy.StartCond)
	if err != nil {
		return nil, fmt.Errorf("task: copy start_cond: %w", err)
	}
	condition.SetStatementDefaults(startCond, name)
	cfg.Policy.StartCond = startCond

	if cfg.Policy.RunCond != nil {
		runCond, err := condition.Copy(cfg.Policy.RunCond)
		if err != nil {
			return nil, fmt.Errorf("task: copy run_cond: %w", err)
		}
		condition.SetStatementDefaults(runCond, name)
		cfg.Policy.RunCond = runCond
	}
	if cfg.Policy.EndCond != nil {
		endCond, err := condition.Copy(cfg.Policy.EndCond)
		if err != nil {
			return nil, fmt.Errorf("task: copy end_cond: %w", err)
		}
		condition.SetStatementDefaults(endCond, name)
		cfg.Policy.EndCond = endCond
	}

	t := &Task{
		name:      name,
		logger:    logger,
		adapter:   logrecord.NewTaskAdapter(name, sink, logger),
		policy:    cfg.Policy,
		body:      cfg.Body,
		bodyKey:   cfg.BodyKey,
		params:    cfg.Params,
		onSuccess: cfg.OnSuccess,
		onFailure: cfg.OnFailure,
		onFinish:  cfg.OnFinish,
		status:    StatusNull,
	}
	t.labels = []metrics.Label{{Name: "task", Value: name}}
	return t, nil
}

// Name returns the task's current name.
func (t *Task) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

// Rename re-scopes the task's logger, adapter and condition subjects
// to a new name. The registry-side half of a rename (the map key
// swap) belongs to session.Session, which removes the old key, calls
// this, then inserts the new key, all under its own lock, so the two
// halves stay atomic from a caller's point of view.
func (t *Task) Rename(newName string, sink logrecord.Sink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if newName == t.name {
		return
	}
	t.name = newName
	t.logger = t.logger.ResetNamed("task").With("task", newName)
	t.adapter = logrecord.NewTaskAdapter(newName, sink, t.logger)
	t.labels = []metrics.Label{{Name: "task", Value: newName}}
	condition.SetStatementDefaults(t.policy.StartCond, newName)
	condition.SetStatementDefaults(t.policy.RunCond, newName)
	condition.SetStatementDefaults(t.policy.EndCond, newName)
}

// Status returns the task's cached status (memory mode).
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// StatusFromLog returns the action of the task's most recent log
// record (log-authoritative mode). If the sink cannot answer the
// query, (StatusNull, false) is returned and a warning already logged
// by the adapter. A poller calling this repeatedly against a sink that
// supports the cheap Unchanged check skips re-deriving the cached
// status when the latest record is the same one already seen.
func (t *Task) StatusFromLog() (Status, bool) {
	rec, ok, err := t.adapter.Latest()
	if err != nil || !ok {
		return StatusNull, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastLogStatus != "" && t.adapter.Unchanged(t.lastLogRecord) {
		return t.lastLogStatus, true
	}
	t.lastLogRecord = rec
	t.lastLogStatus = Status(rec.Action)
	return t.lastLogStatus, true
}

// IsRunning reports whether the task's cached status is "run".
func (t *Task) IsRunning() bool {
	return t.Status() == StatusRun
}

// IsAlive reports whether a worker is currently attached and alive.
// Main execution never attaches a worker, so an inline task that has
// already returned from Dispatch is never "alive".
func (t *Task) IsAlive() bool {
	t.mu.Lock()
	w := t.worker
	t.mu.Unlock()
	return w != nil && w.isAlive()
}

// HasRun reports whether the task has ever produced a "run" record —
// broader than IsAlive, used for scheduler-restart reconciliation.
func (t *Task) HasRun() bool {
	records, err := t.adapter.History()
	if err != nil {
		return false
	}
	for _, r := range records {
		if r.Action == logrecord.ActionRun {
			return true
		}
	}
	return false
}

// LastError returns the error from the task's most recent Fail
// transition, if any.
func (t *Task) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastError
}

// LastAction returns the most recent record carrying the given action.
func (t *Task) LastAction(action logrecord.Action) (logrecord.Record, bool) {
	records, err := t.adapter.History()
	if err != nil {
		return logrecord.Record{}, false
	}
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Action == action {
			return records[i], true
		}
	}
	return logrecord.Record{}, false
}

// GetHistory returns every record for this task, oldest first.
func (t *Task) GetHistory() ([]logrecord.Record, error) {
	return t.adapter.History()
}

// Lock acquires the dispatch mutex, letting a scheduler coordinate a
// status read or policy change against a concurrent Dispatch.
func (t *Task) Lock() { t.dispatchMu.Lock() }

// Unlock releases the mutex acquired by Lock.
func (t *Task) Unlock() { t.dispatchMu.Unlock() }

// Period reports the interval the scheduler should use to compute this
// task's next-fire time, if its start condition exposes one.
func (t *Task) Period() time.Duration {
	t.mu.Lock()
	cond := t.policy.StartCond
	t.mu.Unlock()
	type periodic interface{ Period() time.Duration }
	if p, ok := cond.(periodic); ok {
		return p.Period()
	}
	return 0
}

// ShouldRun implements should_run: force_run wins, then disabled, then
// the start condition.
func (t *Task) ShouldRun() bool {
	t.mu.Lock()
	force := t.policy.ForceRun
	disabled := t.policy.Disabled
	cond := t.policy.StartCond
	t.mu.Unlock()

	if force {
		return true
	}
	if disabled {
		return false
	}
	if cond == nil {
		return false
	}
	return cond.Evaluate(t.adapter.Log())
}

// ShouldKeepRunning evaluates run_cond (deprecated, still enforced) —
// false means the scheduler should terminate the task. A nil run_cond
// always permits continuing.
func (t *Task) ShouldKeepRunning() bool {
	t.mu.Lock()
	cond := t.policy.RunCond
	t.mu.Unlock()
	if cond == nil {
		return true
	}
	return cond.Evaluate(t.adapter.Log())
}

// ShouldEnd evaluates end_cond — true means the scheduler should
// terminate the task. A nil end_cond never ends it.
func (t *Task) ShouldEnd() bool {
	t.mu.Lock()
	cond := t.policy.EndCond
	t.mu.Unlock()
	if cond == nil {
		return false
	}
	return cond.Evaluate(t.adapter.Log())
}

// SetDependent replaces the task's whole start condition with the
// conjunction of a DependSuccess leaf per name in names; whatever start
// condition was in place before, dependency-based or not, is discarded.
// Passing an empty (or nil) set clears dependency gating entirely by
// setting the start condition to AlwaysTrue — the resolved reading of
// the spec's Open Question, recorded in DESIGN.md.
func (t *Task) SetDependent(names *set.Set[string]) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if names == nil {
		names = set.New[string](0)
	}
	t.policy.Dependent = names

	if names.Size() == 0 {
		t.policy.StartCond = condition.AlwaysTrue{}
		return
	}
	parts := make([]condition.Condition, 0, names.Size())
	for _, n := range names.Slice() {
		leaf := &condition.DependSuccess{DependTask: n, Task: t.name}
		parts = append(parts, leaf)
	}
	t.policy.StartCond = &condition.All{Parts: parts}
}

// SetStartCond validates and assigns the task's start condition. Per
// §4.1, assignment accepts either a Condition or a plain bool (coerced
// to AlwaysTrue/AlwaysFalse) and rejects anything else; the accepted
// value is then deep-copied and subject-bound the same way New does
// for the condition supplied at construction.
func (t *Task) SetStartCond(v interface{}) error {
	return t.setCond(v, func(c condition.Condition) { t.policy.StartCond = c })
}

// SetRunCond validates and assigns the task's (deprecated, still
// enforced) run condition. See SetStartCond.
func (t *Task) SetRunCond(v interface{}) error {
	return t.setCond(v, func(c condition.Condition) { t.policy.RunCond = c })
}

// SetEndCond validates and assigns the task's end condition. See
// SetStartCond.
func (t *Task) SetEndCond(v interface{}) error {
	return t.setCond(v, func(c condition.Condition) { t.policy.EndCond = c })
}

func (t *Task) setCond(v interface{}, assign func(condition.Condition)) error {
	coerced, err := condition.Coerce(v)
	if err != nil {
		return fmt.Errorf("task: %w", err)
	}
	copied, err := condition.Copy(coerced)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	condition.SetStatementDefaults(copied, t.name)
	assign(copied)
	return nil
}

// ForceRun marks the task to run on the scheduler's next pass
// regardless of its start condition, clearing automatically once that
// run has finished.
func (t *Task) ForceRun() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.policy.ForceRun = true
}

// SetDisabled toggles whether the scheduler may ever dispatch this
// task.
func (t *Task) SetDisabled(disabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.policy.Disabled = disabled
}

// Priority returns the task's scheduling priority.
func (t *Task) Priority() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.policy.Priority
}

// transitionRecord stamps and appends a terminal or run record,
// incrementing the matching metrics counter the way the teacher's
// SetState increments one per transition.
func (t *Task) transitionRecord(action logrecord.Action, start, end time.Time, message string) (logrecord.Record, error) {
	rec, err := t.adapter.Emit(action, start, end, message)
	metrics.IncrCounterWithLabels([]string{"task", string(action)}, 1, t.labels)
	return rec, err
}

// LogRunning transitions the task to "run" and records the start
// time used to compute Runtime on the terminal record. It must be
// called exactly once per dispatch, before the body executes.
func (t *Task) LogRunning() (logrecord.Record, error) {
	now := time.Now()
	t.mu.Lock()
	t.status = StatusRun
	t.startTime = now
	t.mu.Unlock()
	return t.transitionRecord(logrecord.ActionRun, now, now, "")
}

// finish applies a Body's Result as the terminal transition: it
// emits the matching record, updates cached status and lastError,
// fires the success/failure callback, then (outside any lock) fires
// onFinish and resets status to idle. RestartRequested is logged as
// success and reported to the caller as ErrSchedulerRestart once
// onFinish has run. OutcomeError is reported to the caller as
// result.Err itself, so a synchronous ExecutionMain dispatch re-raises
// the body's own failure instead of swallowing it.
func (t *Task) finish(result Result) (logrecord.Record, error) {
	t.mu.Lock()
	start := t.startTime
	t.mu.Unlock()
	end := time.Now()

	action, message := outcomeToAction(result)

	rec, err := t.transitionRecord(action, start, end, message)

	t.mu.Lock()
	t.status = Status(action)
	if action == logrecord.ActionFail {
		t.lastError = result.Err
	} else {
		t.lastError = nil
	}
	onSuccess, onFailure, onFinish := t.onSuccess, t.onFailure, t.onFinish
	t.mu.Unlock()

	switch {
	case action == logrecord.ActionFail && onFailure != nil:
		onFailure(result.Err)
	case action == logrecord.ActionSuccess && onSuccess != nil:
		onSuccess(result.Output)
	}

	finalStatus := Status(action)
	if onFinish != nil {
		onFinish(finalStatus)
	}

	t.mu.Lock()
	t.policy.ForceRun = false
	t.status = StatusNull
	t.worker = nil
	t.mu.Unlock()

	if err != nil {
		return rec, err
	}
	switch result.Outcome {
	case OutcomeRestartRequested:
		return rec, ErrSchedulerRestart
	case OutcomeError:
		return rec, result.Err
	default:
		return rec, nil
	}
}

// ReportCrash logs a crash_release record for a worker that died
// before producing any proof-of-start record, and clears the attached
// worker. Per the spec's crash-release exception, onFinish does not
// fire for this transition.
func (t *Task) ReportCrash(message string) (logrecord.Record, error) {
	now := time.Now()
	t.mu.Lock()
	start := t.startTime
	if start.IsZero() {
		start = now
	}
	t.mu.Unlock()

	rec, err := t.transitionRecord(logrecord.ActionCrashRelease, start, now, message)

	t.mu.Lock()
	t.status = StatusNull
	t.lastError = fmt.Errorf("task: crashed before starting: %s", message)
	t.worker = nil
	t.mu.Unlock()
	return rec, err
}

// LogRecord replays a record produced out-of-process (via the bridge)
// into this task's own sink. A "run" record flips the cached status to
// running immediately, the way LogRunning would. A terminal record
// runs the same callback/reset sequence finish does for an in-process
// result — except the Output value never crosses the process boundary
// (the wire record carries only a status and a message), so a process
// task's OnSuccess always observes a nil output.
func (t *Task) LogRecord(rec logrecord.Record) error {
	if err := t.adapter.Replay(rec); err != nil {
		return err
	}
	metrics.IncrCounterWithLabels([]string{"task", string(rec.Action)}, 1, t.labels)

	if rec.Action == logrecord.ActionRun {
		t.mu.Lock()
		t.status = StatusRun
		t.startTime = rec.Start
		t.mu.Unlock()
		return nil
	}

	t.mu.Lock()
	t.status = Status(rec.Action)
	var remoteErr error
	if rec.Action == logrecord.ActionFail {
		remoteErr = fmt.Errorf("task: %s", rec.Message)
	}
	t.lastError = remoteErr
	onSuccess, onFailure, onFinish := t.onSuccess, t.onFailure, t.onFinish
	t.mu.Unlock()

	switch {
	case rec.Action == logrecord.ActionFail && onFailure != nil:
		onFailure(remoteErr)
	case rec.Action == logrecord.ActionSuccess && onSuccess != nil:
		onSuccess(nil)
	}
	if onFinish != nil {
		onFinish(Status(rec.Action))
	}

	t.mu.Lock()
	t.policy.ForceRun = false
	t.status = StatusNull
	t.mu.Unlock()
	return nil
}

// clearStaleWorkerLocked drops a worker reference that has already
// died without the normal finish path clearing it (e.g. a thread
// worker whose goroutine panicked outside safeRunBody). Caller must
// hold t.mu.
func (t *Task) clearStaleWorkerLocked() {
	if t.worker != nil && !t.worker.isAlive() {
		t.worker = nil
	}
}

// Dispatch runs the task's body using the configured execution mode
// and returns once a run record has been observed (proof of start) for
// thread/process back-ends, or once the body has fully completed for
// main. It returns ErrAlreadyRunning if a live worker is already
// attached — invariant: at most one worker per task at a time.
func (t *Task) Dispatch(ctx context.Context) error {
	t.dispatchMu.Lock()
	defer t.dispatchMu.Unlock()

	t.mu.Lock()
	t.clearStaleWorkerLocked()
	if t.worker != nil {
		t.mu.Unlock()
		return ErrAlreadyRunning
	}
	mode := t.policy.Execution
	t.terminate = NewTerminateSignal()
	t.mu.Unlock()

	switch mode {
	case ExecutionMain:
		return t.dispatchMain(ctx)
	case ExecutionThread:
		return t.dispatchThread(ctx)
	case ExecutionProcess:
		return t.dispatchProcess(ctx)
	default:
		return fmt.Errorf("task: unknown execution mode %q", mode)
	}
}

// Terminate asks the attached worker to stop. Main execution is not
// cancellable and always returns ErrNotCancellable; thread execution
// signals cooperative cancellation via TerminateSignal; process
// execution kills the child.
func (t *Task) Terminate() error {
	t.mu.Lock()
	mode := t.policy.Execution
	worker := t.worker
	signal := t.terminate
	t.mu.Unlock()

	if mode == ExecutionMain {
		return ErrNotCancellable
	}
	if signal != nil {
		signal.Raise()
	}
	if worker == nil {
		return nil
	}
	return worker.kill()
}

// Snapshot captures everything a worker process needs to reconstruct
// and run this task's body in a fresh address space. Callbacks never
// travel with it — a Go func value has no cross-process identity, so
// OnSuccess/OnFailure/OnFinish are always invoked back in the parent
// once the bridge replays the corresponding record, never inside the
// worker itself.
type Snapshot struct {
	Name      string
	BodyKey   string
	Params    Params
	Execution ExecutionMode
	Priority  int
}

// Snapshot builds a transport-safe description of the task for the
// process back-end to hand to its child.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		Name:      t.name,
		BodyKey:   t.bodyKey,
		Params:    t.params,
		Execution: t.policy.Execution,
		Priority:  t.policy.Priority,
	}
}
