package task

import "context"

// dispatchMain runs the body synchronously in the calling goroutine.
// It is not cancellable: Terminate on a main-execution task always
// returns ErrNotCancellable, matching the spec's "main execution
// cannot be stopped mid-flight" rule.
func (t *Task) dispatchMain(ctx context.Context) error {
	t.mu.Lock()
	body := t.body
	params := t.params
	t.mu.Unlock()

	if _, err := t.LogRunning(); err != nil {
		return err
	}

	materialized, err := params.Materialize()
	if err != nil {
		_, finishErr := t.finish(Failed(err))
		if finishErr != nil {
			return finishErr
		}
		return err
	}

	result := safeRunBody(ctx, body, materialized)
	_, err = t.finish(result)
	return err
}
