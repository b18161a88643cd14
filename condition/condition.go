// Package condition implements the boolean predicate trees that gate
// whether a task may start, must keep running, or must stop.
//
// A Condition is evaluated on demand against a History — the subset of
// the shared log a predicate needs to answer "has X happened yet". Leaves
// that need "this task" resolve the reference lazily, by name, through
// whatever History the caller supplies; they never hold a direct task
// handle.
package condition

import (
	"fmt"
	"time"

	"github.com/mitchellh/copystructure"

	"github.com/taskline/taskline/logrecord"
)

// History is the read-only log surface a Condition needs. Any
// logrecord.Sink satisfies it through the logrecord.SinkHistory
// wrapper, which *logrecord.TaskAdapter returns from its Log method.
type History interface {
	// LastOccurrence reports the most recent timestamp the named task
	// produced a record carrying the given action, and whether one
	// exists at all.
	LastOccurrence(taskName string, action logrecord.Action) (time.Time, bool)
}

// Condition is any predicate that can be evaluated against a History.
type Condition interface {
	Evaluate(log History) bool
}

// defaultSetter is implemented by leaves that carry an implicit "this
// task" subject slot, filled in lazily by SetStatementDefaults.
type defaultSetter interface {
	setDefaultSubject(taskName string)
}

// branch is implemented by combinators so the tree can be walked
// generically by SetStatementDefaults.
type branch interface {
	children() []Condition
}

// AlwaysTrue is a leaf Condition that always evaluates true.
type AlwaysTrue struct{}

func (AlwaysTrue) Evaluate(History) bool { return true }

// AlwaysFalse is a leaf Condition that always evaluates false.
type AlwaysFalse struct{}

func (AlwaysFalse) Evaluate(History) bool { return false }

// DependSuccess is true iff DependTask's most recent success record is
// newer than Task's most recent run record (or Task has never run at
// all). Task defaults to the owning task's own name via
// SetStatementDefaults when left empty at construction.
type DependSuccess struct {
	DependTask string
	Task       string
}

func (d *DependSuccess) setDefaultSubject(taskName string) {
	if d.Task == "" {
		d.Task = taskName
	}
}

func (d *DependSuccess) Evaluate(log History) bool {
	succeededAt, ok := log.LastOccurrence(d.DependTask, logrecord.ActionSuccess)
	if !ok {
		return false
	}
	lastRunAt, ok := log.LastOccurrence(d.Task, logrecord.ActionRun)
	if !ok {
		// Subject has never run: any success is "more recent".
		return true
	}
	return succeededAt.After(lastRunAt)
}

// All is the conjunction of its parts; empty All is vacuously true.
type All struct {
	Parts []Condition
}

func (a *All) children() []Condition { return a.Parts }

func (a *All) Evaluate(log History) bool {
	for _, p := range a.Parts {
		if !p.Evaluate(log) {
			return false
		}
	}
	return true
}

// Any is the disjunction of its parts; empty Any is vacuously false.
type Any struct {
	Parts []Condition
}

func (a *Any) children() []Condition { return a.Parts }

func (a *Any) Evaluate(log History) bool {
	for _, p := range a.Parts {
		if p.Evaluate(log) {
			return true
		}
	}
	return false
}

// Not negates a single Condition.
type Not struct {
	Inner Condition
}

func (n *Not) children() []Condition { return []Condition{n.Inner} }

func (n *Not) Evaluate(log History) bool {
	return !n.Inner.Evaluate(log)
}

// SetStatementDefaults walks tree and binds any leaf whose subject
// slot is empty to taskName. Called once, at assignment time.
func SetStatementDefaults(tree Condition, taskName string) {
	if tree == nil {
		return
	}
	if ds, ok := tree.(defaultSetter); ok {
		ds.setDefaultSubject(taskName)
	}
	if b, ok := tree.(branch); ok {
		for _, child := range b.children() {
			SetStatementDefaults(child, taskName)
		}
	}
}

// Copy deep-copies a Condition tree so that mutating the caller's tree
// after assignment cannot affect the task it was assigned to.
func Copy(c Condition) (Condition, error) {
	if c == nil {
		return nil, nil
	}
	dup, err := copystructure.Copy(c)
	if err != nil {
		return nil, fmt.Errorf("condition: copy: %w", err)
	}
	cond, ok := dup.(Condition)
	if !ok {
		return nil, fmt.Errorf("condition: copy produced %T, not a Condition", dup)
	}
	return cond, nil
}

// Coerce validates a value destined for a Condition-typed field: it
// must be a bool or a Condition. A bare bool is promoted to
// AlwaysTrue/AlwaysFalse. Anything else is rejected synchronously, per
// the "validation on assignment" rule in §4.1.
func Coerce(v interface{}) (Condition, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool:
		if t {
			return AlwaysTrue{}, nil
		}
		return AlwaysFalse{}, nil
	case Condition:
		return t, nil
	default:
		return nil, fmt.Errorf("condition: %T is neither a bool nor a Condition", v)
	}
}
