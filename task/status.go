package task

import "github.com/taskline/taskline/logrecord"

// Status is a task's cached runtime state. Per the glossary, action
// and status share one taxonomy; Status adds the one value ("null")
// that is never itself written to the log.
type Status string

const (
	StatusNull         Status = "null"
	StatusRun          Status = Status(logrecord.ActionRun)
	StatusSuccess      Status = Status(logrecord.ActionSuccess)
	StatusFail         Status = Status(logrecord.ActionFail)
	StatusTerminate    Status = Status(logrecord.ActionTerminate)
	StatusInaction     Status = Status(logrecord.ActionInaction)
	StatusCrashRelease Status = Status(logrecord.ActionCrashRelease)
)

// Label returns the friendlier lifecycle name (§4.2) for statuses whose
// wire action spelling reads awkwardly as a state name — "null" reads
// as "idle", "run" as "running", "terminate" as "terminated". Every
// other status's label is its own string form.
func (s Status) Label() string {
	switch s {
	case StatusNull:
		return "idle"
	case StatusRun:
		return "running"
	case StatusTerminate:
		return "terminated"
	default:
		return string(s)
	}
}

func (s Status) String() string { return s.Label() }

// Outcome tags what a task body's execution produced. Inaction,
// Terminated and RestartRequested are sentinel outcomes, not errors —
// branch on the tag instead of unwinding a stack (§9 design note).
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeInaction
	OutcomeTerminated
	OutcomeRestartRequested
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeInaction:
		return "inaction"
	case OutcomeTerminated:
		return "terminated"
	case OutcomeRestartRequested:
		return "restart_requested"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// Result is the tagged variant a Body's Run returns.
type Result struct {
	Outcome Outcome
	Output  interface{}
	Err     error
}

// Ok builds a successful Result carrying output.
func Ok(output interface{}) Result { return Result{Outcome: OutcomeSuccess, Output: output} }

// Inaction builds a Result signaling the body determined no work was needed.
func Inaction() Result { return Result{Outcome: OutcomeInaction} }

// Terminated builds a Result signaling the body observed a terminate
// signal and stopped cooperatively.
func Terminated() Result { return Result{Outcome: OutcomeTerminated} }

// RestartRequested builds a Result asking the outer scheduler to restart.
func RestartRequested(output interface{}) Result {
	return Result{Outcome: OutcomeRestartRequested, Output: output}
}

// Failed builds a Result wrapping a genuine error.
func Failed(err error) Result { return Result{Outcome: OutcomeError, Err: err} }

// outcomeToAction maps a Body's Result onto the wire/log action
// taxonomy, shared by the in-process finish path and the worker-
// process wire-writing path so the two can never drift apart.
// RestartRequested is logged as success; the dispatcher that asked
// for the restart is the one that reacts to it, not the log.
func outcomeToAction(result Result) (logrecord.Action, string) {
	switch result.Outcome {
	case OutcomeSuccess, OutcomeRestartRequested:
		return logrecord.ActionSuccess, ""
	case OutcomeInaction:
		return logrecord.ActionInaction, ""
	case OutcomeTerminated:
		return logrecord.ActionTerminate, ""
	case OutcomeError:
		message := ""
		if result.Err != nil {
			message = result.Err.Error()
		}
		return logrecord.ActionFail, message
	default:
		return logrecord.ActionFail, "task: unknown outcome"
	}
}
