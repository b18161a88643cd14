// Command taskline-worker is a minimal host program for process-mode
// tasks: it calls task.RunWorker before doing anything else, so a
// re-executed copy of this same binary can serve as a dispatched
// worker process instead of running the demo schedule below.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/taskline/taskline/session"
	"github.com/taskline/taskline/task"
)

func init() {
	task.RegisterBody("taskline-worker.hello", func() task.Body {
		return task.BodyFunc(func(ctx context.Context, params map[string]interface{}) task.Result {
			fmt.Printf("hello from worker process, params=%v\n", params)
			return task.Ok(nil)
		})
	})
}

func main() {
	// Must run before any other taskline setup: if this process was
	// re-executed as a worker, RunWorker runs the assigned body and
	// exits here, never reaching the scheduling code below.
	task.RunWorker()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "taskline-worker",
		Level: hclog.Info,
	})

	sess := session.New(
		session.WithLogger(logger),
		session.WithCollisionPolicy(session.CollisionRename),
	)

	_, err := sess.Register(task.Config{
		Name:    "hello",
		BodyKey: "taskline-worker.hello",
		Body: task.BodyFunc(func(ctx context.Context, params map[string]interface{}) task.Result {
			return task.Ok(nil)
		}),
		Params: task.Params{"greeting": "hi"},
		// No start condition: ForceRun is the manual trigger a task
		// with nothing else set needs to ever be dispatched.
		Policy: task.Policy{Execution: task.ExecutionProcess, ForceRun: true},
	})
	if err != nil {
		logger.Error("register task failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := sess.DispatchEligible(ctx); err != nil {
		logger.Error("dispatch failed", "error", err)
		os.Exit(1)
	}

	logger.Info("dispatched", "tasks", sess.Names())
}
