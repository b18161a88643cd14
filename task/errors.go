package task

import "errors"

var (
	// ErrAlreadyRunning is returned by Dispatch when a live worker is
	// already attached — invariant #3 (§3): at most one worker at a time.
	ErrAlreadyRunning = errors.New("task: already has a live worker attached")

	// ErrSchedulerRestart is returned from Dispatch (main execution
	// only) after a RestartRequested outcome has been logged as
	// success and callbacks have fired, so the outer loop can restart.
	ErrSchedulerRestart = errors.New("task: scheduler restart requested")

	// ErrNoRegisteredBody is returned when a "process" execution task
	// has no BodyKey registered via RegisterBody.
	ErrNoRegisteredBody = errors.New("task: execution mode \"process\" requires a registered body key")

	// ErrNotCancellable is returned by Terminate for main-execution
	// tasks, which the spec defines as not cancellable (§5).
	ErrNotCancellable = errors.New("task: main execution is not cancellable")
)
