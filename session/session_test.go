package session_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/taskline/taskline/condition"
	"github.com/taskline/taskline/session"
	"github.com/taskline/taskline/task"
)

func noopBody() task.Body {
	return task.BodyFunc(func(ctx context.Context, params map[string]interface{}) task.Result {
		return task.Ok(nil)
	})
}

func TestRegister_DefaultPolicyRaisesOnCollision(t *testing.T) {
	s := session.New()

	_, err := s.Register(task.Config{Name: "dup", Body: noopBody()})
	must.NoError(t, err)

	_, err = s.Register(task.Config{Name: "dup", Body: noopBody()})
	must.ErrorIs(t, err, session.ErrNameCollision)
}

func TestRegister_IgnorePolicyKeepsExisting(t *testing.T) {
	s := session.New(session.WithCollisionPolicy(session.CollisionIgnore))

	first, err := s.Register(task.Config{Name: "dup", Body: noopBody()})
	must.NoError(t, err)

	second, err := s.Register(task.Config{Name: "dup", Body: noopBody()})
	must.NoError(t, err)
	must.Eq(t, first, second)
}

func TestRegister_RenamePolicyAppendsSuffix(t *testing.T) {
	s := session.New(session.WithCollisionPolicy(session.CollisionRename))

	_, err := s.Register(task.Config{Name: "worker", Body: noopBody()})
	must.NoError(t, err)

	second, err := s.Register(task.Config{Name: "worker", Body: noopBody()})
	must.NoError(t, err)
	must.Eq(t, "worker0", second.Name())

	third, err := s.Register(task.Config{Name: "worker", Body: noopBody()})
	must.NoError(t, err)
	must.Eq(t, "worker1", third.Name())
}

// TestRegister_RenamePolicySkipsTakenSuffix matches the rename scenario
// verbatim: registering "t", then "t0", then a third "t" must skip the
// already-taken "t0" suffix and land on "t1", leaving the registry
// holding exactly {t, t0, t1}.
func TestRegister_RenamePolicySkipsTakenSuffix(t *testing.T) {
	s := session.New(session.WithCollisionPolicy(session.CollisionRename))

	_, err := s.Register(task.Config{Name: "t", Body: noopBody()})
	must.NoError(t, err)
	_, err = s.Register(task.Config{Name: "t0", Body: noopBody()})
	must.NoError(t, err)

	third, err := s.Register(task.Config{Name: "t", Body: noopBody()})
	must.NoError(t, err)
	must.Eq(t, "t1", third.Name())

	names := s.Names()
	must.Eq(t, 3, len(names))
	_, ok := s.Get("t")
	must.True(t, ok)
	_, ok = s.Get("t0")
	must.True(t, ok)
	_, ok = s.Get("t1")
	must.True(t, ok)
}

func TestRegister_ReplacePolicyOverwrites(t *testing.T) {
	s := session.New(session.WithCollisionPolicy(session.CollisionReplace))

	first, err := s.Register(task.Config{Name: "dup", Body: noopBody()})
	must.NoError(t, err)

	second, err := s.Register(task.Config{Name: "dup", Body: noopBody()})
	must.NoError(t, err)
	must.Eq(t, 1, s.Len())

	got, ok := s.Get("dup")
	must.True(t, ok)
	must.Eq(t, second, got)
	must.NotEq(t, first, got)
}

func TestRename_MovesUnderNewKey(t *testing.T) {
	s := session.New()
	_, err := s.Register(task.Config{Name: "old-name", Body: noopBody()})
	must.NoError(t, err)

	must.NoError(t, s.Rename("old-name", "new-name"))

	_, ok := s.Get("old-name")
	must.False(t, ok)

	renamed, ok := s.Get("new-name")
	must.True(t, ok)
	must.Eq(t, "new-name", renamed.Name())
}

func TestRename_CollidesWithExistingName(t *testing.T) {
	s := session.New()
	_, err := s.Register(task.Config{Name: "a", Body: noopBody()})
	must.NoError(t, err)
	_, err = s.Register(task.Config{Name: "b", Body: noopBody()})
	must.NoError(t, err)

	err = s.Rename("a", "b")
	must.ErrorIs(t, err, session.ErrNameCollision)
}

func TestRename_UnknownSourceIsNotFound(t *testing.T) {
	s := session.New()
	err := s.Rename("ghost", "anything")
	must.ErrorIs(t, err, session.ErrNotFound)
}

func TestTasksByPriority_DescendingOrder(t *testing.T) {
	s := session.New()
	_, err := s.Register(task.Config{Name: "low", Body: noopBody(), Policy: task.Policy{Priority: 1}})
	must.NoError(t, err)
	_, err = s.Register(task.Config{Name: "high", Body: noopBody(), Policy: task.Policy{Priority: 10}})
	must.NoError(t, err)
	_, err = s.Register(task.Config{Name: "mid", Body: noopBody(), Policy: task.Policy{Priority: 5}})
	must.NoError(t, err)

	ordered := s.TasksByPriority()
	must.Eq(t, 3, len(ordered))
	must.Eq(t, "high", ordered[0].Name())
	must.Eq(t, "mid", ordered[1].Name())
	must.Eq(t, "low", ordered[2].Name())
}

func TestDispatchEligible_SkipsDisabledRunsRest(t *testing.T) {
	s := session.New()
	var ran atomic.Int32

	countingBody := task.BodyFunc(func(ctx context.Context, params map[string]interface{}) task.Result {
		ran.Add(1)
		return task.Ok(nil)
	})

	_, err := s.Register(task.Config{Name: "enabled-1", Body: countingBody, Policy: task.Policy{StartCond: condition.AlwaysTrue{}}})
	must.NoError(t, err)
	_, err = s.Register(task.Config{Name: "enabled-2", Body: countingBody, Policy: task.Policy{StartCond: condition.AlwaysTrue{}}})
	must.NoError(t, err)
	_, err = s.Register(task.Config{
		Name:   "disabled",
		Body:   countingBody,
		Policy: task.Policy{StartCond: condition.AlwaysTrue{}, Disabled: true},
	})
	must.NoError(t, err)

	must.NoError(t, s.DispatchEligible(context.Background()))
	must.Eq(t, int32(2), ran.Load())
}
