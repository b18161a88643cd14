package task

import (
	"time"

	set "github.com/hashicorp/go-set/v3"

	"github.com/taskline/taskline/condition"
)

// ExecutionMode selects which back-end runs a task's body.
type ExecutionMode string

const (
	ExecutionMain    ExecutionMode = "main"
	ExecutionThread  ExecutionMode = "thread"
	ExecutionProcess ExecutionMode = "process"
)

// TriState models daemon's inherit/true/false range — a plain bool
// cannot express "unset, defer to the scheduler's default".
type TriState int

const (
	Inherit TriState = iota
	True
	False
)

// Policy holds everything that decides *whether* and *how* a task runs,
// as distinct from its runtime state (§3).
type Policy struct {
	StartCond condition.Condition
	RunCond   condition.Condition // deprecated per the original, still enforced (§4.1)
	EndCond   condition.Condition

	// Timeout is unbounded when nil.
	Timeout *time.Duration

	Priority   int
	Execution  ExecutionMode
	Daemon     TriState
	Disabled   bool
	ForceRun   bool
	OnStartup  bool
	OnShutdown bool

	Dependent *set.Set[string]
}

// DefaultPolicy returns a Policy with an always-false start condition —
// with no start condition set, a task runs only when forced manually,
// never on its own — main execution, and every other field at its zero
// value.
func DefaultPolicy() Policy {
	return Policy{
		StartCond: condition.AlwaysFalse{},
		Execution: ExecutionMain,
		Dependent: set.New[string](0),
	}
}
