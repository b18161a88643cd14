package task_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/taskline/taskline/logrecord"
	"github.com/taskline/taskline/task"
)

// TestMain lets this test binary double as the re-executed worker
// binary: task.RunWorker checks TASKLINE_WORKER and, if set, runs the
// assigned task body and exits before the testing package ever parses
// flags or runs a single Test* function. This is the same helper-
// process pattern exec.Command-based tests throughout the standard
// library and its ecosystem use, adapted so the "helper process" is
// the production RunWorker entrypoint itself rather than a bespoke
// test-only one.
func TestMain(m *testing.M) {
	task.RunWorker()
	os.Exit(m.Run())
}

func init() {
	task.RegisterBody("backend_process_test.success", func() task.Body {
		return task.BodyFunc(func(ctx context.Context, params map[string]interface{}) task.Result {
			return task.Ok(params["echo"])
		})
	})
	task.RegisterBody("backend_process_test.fail", func() task.Body {
		return task.BodyFunc(func(ctx context.Context, params map[string]interface{}) task.Result {
			return task.Failed(errors.New("process body failed"))
		})
	})
}

func TestDispatch_ProcessSuccess(t *testing.T) {
	tk, err := task.New(task.Config{
		Name:    "process-success",
		BodyKey: "backend_process_test.success",
		Body: task.BodyFunc(func(ctx context.Context, params map[string]interface{}) task.Result {
			return task.Ok(nil)
		}),
		Params: task.Params{"echo": "hello"},
		Policy: task.Policy{Execution: task.ExecutionProcess},
	})
	must.NoError(t, err)

	must.NoError(t, tk.Dispatch(context.Background()))

	deadline := time.After(10 * time.Second)
	for tk.IsAlive() {
		select {
		case <-deadline:
			t.Fatal("process worker did not finish in time")
		case <-time.After(20 * time.Millisecond):
		}
	}

	_, ok := tk.LastAction(logrecord.ActionSuccess)
	must.True(t, ok)
}

func TestDispatch_ProcessFailure(t *testing.T) {
	tk, err := task.New(task.Config{
		Name:    "process-failure",
		BodyKey: "backend_process_test.fail",
		Body: task.BodyFunc(func(ctx context.Context, params map[string]interface{}) task.Result {
			return task.Ok(nil)
		}),
		Policy: task.Policy{Execution: task.ExecutionProcess},
	})
	must.NoError(t, err)

	must.NoError(t, tk.Dispatch(context.Background()))

	deadline := time.After(10 * time.Second)
	for tk.IsAlive() {
		select {
		case <-deadline:
			t.Fatal("process worker did not finish in time")
		case <-time.After(20 * time.Millisecond):
		}
	}

	rec, ok := tk.LastAction(logrecord.ActionFail)
	must.True(t, ok)
	must.Eq(t, "process body failed", rec.Message)
}
