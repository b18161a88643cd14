package task_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/taskline/taskline/condition"
	"github.com/taskline/taskline/logrecord"
	"github.com/taskline/taskline/task"
)

func echoBody(result task.Result) task.Body {
	return task.BodyFunc(func(ctx context.Context, params map[string]interface{}) task.Result {
		return result
	})
}

func TestDispatch_InlineSuccess(t *testing.T) {
	var finished task.Status
	tk, err := task.New(task.Config{
		Name: "inline-success",
		Body: echoBody(task.Ok("payload")),
		OnFinish: func(s task.Status) {
			finished = s
		},
	})
	must.NoError(t, err)

	must.NoError(t, tk.Dispatch(context.Background()))
	must.Eq(t, task.StatusNull, tk.Status())
	must.Eq(t, task.StatusSuccess, finished)

	rec, ok := tk.LastAction(logrecord.ActionSuccess)
	must.True(t, ok)
	must.Eq(t, "inline-success", rec.TaskName)
}

func TestStatusFromLog_TracksLatestRecord(t *testing.T) {
	tk, err := task.New(task.Config{
		Name: "log-authoritative",
		Body: echoBody(task.Ok(nil)),
	})
	must.NoError(t, err)

	_, ok := tk.StatusFromLog()
	must.False(t, ok)

	must.NoError(t, tk.Dispatch(context.Background()))

	status, ok := tk.StatusFromLog()
	must.True(t, ok)
	must.Eq(t, task.StatusSuccess, status)

	// Polling again with nothing new appended still reports the same
	// status, by way of the sink's Unchanged short-circuit.
	status, ok = tk.StatusFromLog()
	must.True(t, ok)
	must.Eq(t, task.StatusSuccess, status)
}

func TestDispatch_InlineFailureInvokesOnFailure(t *testing.T) {
	wantErr := errors.New("disk full")
	var gotErr error
	tk, err := task.New(task.Config{
		Name:      "inline-fail",
		Body:      echoBody(task.Failed(wantErr)),
		OnFailure: func(err error) { gotErr = err },
	})
	must.NoError(t, err)

	must.ErrorIs(t, tk.Dispatch(context.Background()), wantErr)
	must.Eq(t, wantErr, gotErr)
	must.Eq(t, wantErr, tk.LastError())

	_, ok := tk.LastAction(logrecord.ActionFail)
	must.True(t, ok)
}

func TestDispatch_InlineInaction(t *testing.T) {
	tk, err := task.New(task.Config{
		Name: "inline-inaction",
		Body: echoBody(task.Inaction()),
	})
	must.NoError(t, err)

	must.NoError(t, tk.Dispatch(context.Background()))
	_, ok := tk.LastAction(logrecord.ActionInaction)
	must.True(t, ok)
}

func TestDispatch_RestartRequestedReturnsErrSchedulerRestart(t *testing.T) {
	tk, err := task.New(task.Config{
		Name: "inline-restart",
		Body: echoBody(task.RestartRequested("again")),
	})
	must.NoError(t, err)

	err = tk.Dispatch(context.Background())
	must.ErrorIs(t, err, task.ErrSchedulerRestart)

	rec, ok := tk.LastAction(logrecord.ActionSuccess)
	must.True(t, ok)
	must.Eq(t, "inline-restart", rec.TaskName)
}

func TestDispatch_AlreadyRunningIsRejected(t *testing.T) {
	release := make(chan struct{})
	tk, err := task.New(task.Config{
		Name: "thread-busy",
		Body: task.BodyFunc(func(ctx context.Context, params map[string]interface{}) task.Result {
			<-release
			return task.Ok(nil)
		}),
		Policy: task.Policy{Execution: task.ExecutionThread},
	})
	must.NoError(t, err)

	must.NoError(t, tk.Dispatch(context.Background()))
	must.True(t, tk.IsAlive())

	err = tk.Dispatch(context.Background())
	must.ErrorIs(t, err, task.ErrAlreadyRunning)

	close(release)
}

func TestShouldRun_ForceRunWinsOverDisabled(t *testing.T) {
	tk, err := task.New(task.Config{
		Name:   "gated",
		Body:   echoBody(task.Ok(nil)),
		Policy: task.Policy{StartCond: condition.AlwaysFalse{}, Disabled: true},
	})
	must.NoError(t, err)
	must.False(t, tk.ShouldRun())

	tk.ForceRun()
	must.True(t, tk.ShouldRun())
}

func TestShouldRun_DependencyGating(t *testing.T) {
	sink := logrecord.NewMemorySink(0)
	upstream, err := task.New(task.Config{Name: "upstream", Body: echoBody(task.Ok(nil)), Sink: sink})
	must.NoError(t, err)

	downstream, err := task.New(task.Config{
		Name: "downstream",
		Body: echoBody(task.Ok(nil)),
		Sink: sink,
		Policy: task.Policy{
			StartCond: &condition.DependSuccess{DependTask: "upstream"},
		},
	})
	must.NoError(t, err)

	must.False(t, downstream.ShouldRun())
	must.NoError(t, upstream.Dispatch(context.Background()))
	must.True(t, downstream.ShouldRun())
}

func TestTerminate_MainExecutionNotCancellable(t *testing.T) {
	tk, err := task.New(task.Config{Name: "main-task", Body: echoBody(task.Ok(nil))})
	must.NoError(t, err)
	must.ErrorIs(t, tk.Terminate(), task.ErrNotCancellable)
}

func TestDispatch_ThreadCancellation(t *testing.T) {
	started := make(chan struct{})
	tk, err := task.New(task.Config{
		Name: "cancellable",
		Body: task.BodyFunc(func(ctx context.Context, params map[string]interface{}) task.Result {
			close(started)
			<-ctx.Done()
			return task.Terminated()
		}),
		Policy: task.Policy{Execution: task.ExecutionThread},
	})
	must.NoError(t, err)

	must.NoError(t, tk.Dispatch(context.Background()))
	<-started
	must.NoError(t, tk.Terminate())

	deadline := time.After(time.Second)
	for tk.IsAlive() {
		select {
		case <-deadline:
			t.Fatal("worker did not terminate in time")
		case <-time.After(time.Millisecond):
		}
	}

	_, ok := tk.LastAction(logrecord.ActionTerminate)
	must.True(t, ok)
}

func TestSetStartCond_CoercesBoolAndRejectsOther(t *testing.T) {
	tk, err := task.New(task.Config{Name: "coerce-cond", Body: echoBody(task.Ok(nil))})
	must.NoError(t, err)

	// Default is AlwaysFalse: no start condition means it never runs
	// on its own.
	must.False(t, tk.ShouldRun())

	must.NoError(t, tk.SetStartCond(true))
	must.True(t, tk.ShouldRun())

	must.NoError(t, tk.SetStartCond(false))
	must.False(t, tk.ShouldRun())

	err = tk.SetStartCond(42)
	must.Error(t, err)
}

func TestSetDependent_EmptySetClearsGating(t *testing.T) {
	tk, err := task.New(task.Config{
		Name: "reconfigured",
		Body: echoBody(task.Ok(nil)),
		Policy: task.Policy{
			StartCond: &condition.DependSuccess{DependTask: "never-runs"},
		},
	})
	must.NoError(t, err)
	must.False(t, tk.ShouldRun())

	tk.SetDependent(nil)
	must.True(t, tk.ShouldRun())
}
