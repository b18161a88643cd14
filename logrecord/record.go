// Package logrecord defines the structured shape of one task-lifecycle
// transition and the minimal query surface the rest of the core
// consumes against it. Concrete sinks (file, memory, SQL) are mostly
// external collaborators; this package only ships the in-memory
// reference sink needed to make the contract testable.
package logrecord

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Action is the exit/status taxonomy a Record's Action field is
// restricted to. No other strings are accepted.
type Action string

const (
	ActionRun          Action = "run"
	ActionSuccess      Action = "success"
	ActionFail         Action = "fail"
	ActionTerminate    Action = "terminate"
	ActionInaction     Action = "inaction"
	ActionCrashRelease Action = "crash_release"
)

// Valid reports whether a is one of the accepted action strings.
func (a Action) Valid() bool {
	switch a {
	case ActionRun, ActionSuccess, ActionFail, ActionTerminate, ActionInaction, ActionCrashRelease:
		return true
	default:
		return false
	}
}

// Terminal reports whether a ends a run (anything but "run" itself).
func (a Action) Terminal() bool {
	return a.Valid() && a != ActionRun
}

// Record is a structured tuple describing one task-lifecycle
// transition, produced by the Adapter on every status write.
type Record struct {
	TaskName string
	Action   Action
	Start    time.Time
	End      time.Time
	Runtime  time.Duration
	Message  string
}

// ErrUnknownAction is returned when a Record carries an Action outside
// the accepted taxonomy; assigning one is an error, not a silent drop.
var ErrUnknownAction = errors.New("logrecord: unknown action")

// ErrNotQueryable is returned by a Sink that cannot answer Latest/History
// queries (e.g. a pure write-behind sink). Callers in log-authoritative
// status mode (spec §4.5) treat this as "emit a warning, return null".
var ErrNotQueryable = errors.New("logrecord: sink is not queryable")

// Sink is the abstract destination every task-lifecycle record is
// written to, and the query surface the core reads back from it.
type Sink interface {
	// Append writes a new record. Implementations must reject records
	// whose Action fails Valid().
	Append(Record) error

	// Latest returns the most recent record for taskName, if any.
	Latest(taskName string) (Record, bool, error)

	// History returns every record for taskName, oldest first.
	History(taskName string) ([]Record, error)
}

// memSink is the reference in-memory Sink: a capacity-bounded,
// per-task ring buffer. It mirrors the capacity-10 shift-on-overflow
// buffer the teacher's appendTaskEvent keeps on structs.TaskState.
type memSink struct {
	mu       sync.RWMutex
	capacity int
	byTask   map[string][]Record
	lastHash map[string][32]byte
}

// NewMemorySink builds the default reference Sink used by tests and by
// a Session that isn't given one explicitly. capacity bounds how many
// records are retained per task; 0 means unbounded.
func NewMemorySink(capacity int) Sink {
	return &memSink{
		capacity: capacity,
		byTask:   make(map[string][]Record),
		lastHash: make(map[string][32]byte),
	}
}

func (m *memSink) Append(r Record) error {
	if !r.Action.Valid() {
		return ErrUnknownAction
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	records := m.byTask[r.TaskName]
	if m.capacity > 0 && len(records) == m.capacity {
		shifted := make([]Record, 0, m.capacity)
		records = append(shifted, records[1:]...)
	}
	records = append(records, r)
	m.byTask[r.TaskName] = records
	m.lastHash[r.TaskName] = hashRecord(r)
	return nil
}

func (m *memSink) Latest(taskName string) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := m.byTask[taskName]
	if len(records) == 0 {
		return Record{}, false, nil
	}
	return records[len(records)-1], true, nil
}

func (m *memSink) History(taskName string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := m.byTask[taskName]
	out := make([]Record, len(records))
	copy(out, records)
	return out, nil
}

// LastOccurrence implements condition.History structurally (no import
// of the condition package needed — Go interfaces are duck-typed).
func (m *memSink) LastOccurrence(taskName string, action Action) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := m.byTask[taskName]
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Action == action {
			return records[i].Start, true
		}
	}
	return time.Time{}, false
}

// Unchanged reports whether candidate hashes the same as the last
// record appended for taskName — a cheap way for a log-authoritative poller
// (§4.5) to skip redundant work, mirroring the teacher's
// persistLocalState hash-then-skip-write.
func (m *memSink) Unchanged(taskName string, candidate Record) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.lastHash[taskName]
	if !ok {
		return false
	}
	return h == hashRecord(candidate)
}

func hashRecord(r Record) [32]byte {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(r.TaskName))
	h.Write([]byte(r.Action))
	h.Write([]byte(r.Start.String()))
	h.Write([]byte(r.Message))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
