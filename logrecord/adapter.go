package logrecord

import (
	"time"

	hclog "github.com/hashicorp/go-hclog"
)

// SinkHistory adapts any Sink into the read surface conditions need
// (condition.History is satisfied structurally — no import cycle).
type SinkHistory struct {
	Sink Sink
}

// LastOccurrence scans taskName's history for the most recent record
// carrying action. Sinks that can answer this more cheaply (memSink
// does) are free to implement the same method directly; this wrapper
// exists for Sink implementations that only offer History/Latest.
func (h SinkHistory) LastOccurrence(taskName string, action Action) (time.Time, bool) {
	records, err := h.Sink.History(taskName)
	if err != nil {
		return time.Time{}, false
	}
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Action == action {
			return records[i].Start, true
		}
	}
	return time.Time{}, false
}

// TaskAdapter wraps a Sink so the core emits records tagged with one
// task's identity and timing metadata, without every caller having to
// stamp TaskName/Start/End/Runtime by hand. It is the log-record
// analogue of the teacher's per-task scoped hclog.Logger
// (config.Logger.Named("task_runner").With("task", taskName)).
type TaskAdapter struct {
	taskName string
	sink     Sink
	logger   hclog.Logger
}

// NewTaskAdapter builds an adapter bound to one task's name over the
// shared sink. logger may be nil, in which case a discarding logger is
// used.
func NewTaskAdapter(taskName string, sink Sink, logger hclog.Logger) *TaskAdapter {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &TaskAdapter{
		taskName: taskName,
		sink:     sink,
		logger:   logger.Named("log_adapter").With("task", taskName),
	}
}

// Emit stamps and appends one record for this adapter's task.
func (a *TaskAdapter) Emit(action Action, start, end time.Time, message string) (Record, error) {
	rec := Record{
		TaskName: a.taskName,
		Action:   action,
		Start:    start,
		End:      end,
		Runtime:  end.Sub(start),
		Message:  message,
	}
	if err := a.sink.Append(rec); err != nil {
		a.logger.Warn("failed to append log record", "action", action, "error", err)
		return rec, err
	}
	return rec, nil
}

// Replay appends a record produced elsewhere (e.g. shipped across the
// cross-process bridge) verbatim, without re-deriving Runtime.
func (a *TaskAdapter) Replay(rec Record) error {
	if err := a.sink.Append(rec); err != nil {
		a.logger.Warn("failed to replay log record", "action", rec.Action, "error", err)
		return err
	}
	return nil
}

// Latest returns this adapter's task's most recent record. Per §4.5,
// a non-queryable sink is logged as a warning and reported as "none".
func (a *TaskAdapter) Latest() (Record, bool, error) {
	rec, ok, err := a.sink.Latest(a.taskName)
	if err != nil {
		a.logger.Warn("log sink not queryable", "error", err)
		return Record{}, false, err
	}
	return rec, ok, nil
}

// unchangedChecker is implemented by sinks (memSink does) that can
// tell cheaply whether a candidate record duplicates the last one they
// appended for a task, without the caller re-deriving that from a full
// History scan.
type unchangedChecker interface {
	Unchanged(taskName string, candidate Record) bool
}

// Unchanged reports whether candidate duplicates the last record this
// adapter's underlying sink appended for its task — the hook a
// log-authoritative status poller (§4.5) uses to skip redundant work
// on repeated polls. Sinks that don't implement the cheap check fall
// back to false, so correctness never depends on the optimization.
func (a *TaskAdapter) Unchanged(candidate Record) bool {
	checker, ok := a.sink.(unchangedChecker)
	if !ok {
		return false
	}
	return checker.Unchanged(a.taskName, candidate)
}

// History returns every record for this adapter's task.
func (a *TaskAdapter) History() ([]Record, error) {
	return a.sink.History(a.taskName)
}

// Log exposes the shared-sink read surface conditions need to query
// *other* tasks' history (e.g. DependSuccess's DependTask).
func (a *TaskAdapter) Log() SinkHistory {
	return SinkHistory{Sink: a.sink}
}
