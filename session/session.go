// Package session implements the name-keyed task registry: a
// Session owns every Task a program has registered, resolves name
// collisions according to a configurable policy, and provides the
// shared log sink and logger new tasks inherit unless they specify
// their own.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	hclog "github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/taskline/taskline/logrecord"
	"github.com/taskline/taskline/task"
)

// CollisionPolicy decides what Register does when the requested name
// is already taken.
type CollisionPolicy string

const (
	// CollisionRaise rejects the registration with ErrNameCollision.
	// The default: a silent overwrite or silent rename is the kind of
	// thing that should need to be opted into.
	CollisionRaise CollisionPolicy = "raise"
	// CollisionReplace discards the existing task and installs the new
	// one under the same name.
	CollisionReplace CollisionPolicy = "replace"
	// CollisionIgnore keeps the existing task and hands it back instead
	// of constructing the new one.
	CollisionIgnore CollisionPolicy = "ignore"
	// CollisionRename installs the new task under the first available
	// "name0", "name1", ... suffix.
	CollisionRename CollisionPolicy = "rename"
)

// ErrNameCollision is returned by Register under CollisionRaise (the
// default) when name is already registered.
var ErrNameCollision = errors.New("session: task name already registered")

// ErrNotFound is returned by a Rename call naming a task the Session
// does not hold. Get reports a missing task through its bool result.
var ErrNotFound = errors.New("session: no such task")

// Option configures a Session at construction time.
type Option func(*Session)

// WithSink sets the logrecord.Sink every task registered without its
// own Sink will share.
func WithSink(sink logrecord.Sink) Option {
	return func(s *Session) { s.sink = sink }
}

// WithLogger sets the base hclog.Logger tasks registered without their
// own Logger are scoped from.
func WithLogger(logger hclog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithCollisionPolicy sets how Register resolves a name already in
// use. Defaults to CollisionRaise.
func WithCollisionPolicy(policy CollisionPolicy) Option {
	return func(s *Session) { s.policy = policy }
}

// Session is the name-keyed registry of every Task a program has
// created through it.
type Session struct {
	mu     sync.RWMutex
	tasks  map[string]*task.Task
	sink   logrecord.Sink
	logger hclog.Logger
	policy CollisionPolicy
}

// New builds an empty Session. A memory sink and null logger are used
// if WithSink/WithLogger are not supplied.
func New(opts ...Option) *Session {
	s := &Session{
		tasks:  make(map[string]*task.Task),
		sink:   logrecord.NewMemorySink(0),
		logger: hclog.NewNullLogger(),
		policy: CollisionRaise,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register builds a Task from cfg — inheriting the Session's sink and
// logger where cfg leaves them unset — and adds it to the registry
// under the resolved name, applying the Session's CollisionPolicy if
// cfg.Name is already taken.
func (s *Session) Register(cfg task.Config) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.Sink == nil {
		cfg.Sink = s.sink
	}
	if cfg.Logger == nil {
		cfg.Logger = s.logger
	}

	if cfg.Name != "" {
		if existing, collide := s.tasks[cfg.Name]; collide {
			switch s.policy {
			case CollisionIgnore:
				return existing, nil
			case CollisionReplace:
				// fall through: New below overwrites the map entry.
			case CollisionRename:
				cfg.Name = s.nextAvailableNameLocked(cfg.Name)
			default:
				return nil, fmt.Errorf("%w: %q", ErrNameCollision, cfg.Name)
			}
		}
	}

	t, err := task.New(cfg)
	if err != nil {
		return nil, err
	}
	s.tasks[t.Name()] = t
	return t, nil
}

// nextAvailableNameLocked tries base+"0", base+"1", ... in order,
// matching the original's name + str(i) renaming scheme.
func (s *Session) nextAvailableNameLocked(base string) string {
	for i := 0; ; i++ {
		candidate := fmt.Sprintf("%s%d", base, i)
		if _, taken := s.tasks[candidate]; !taken {
			return candidate
		}
	}
}

// Get returns the task registered under name, if any.
func (s *Session) Get(name string) (*task.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[name]
	return t, ok
}

// Remove drops the task registered under name, if any, and reports
// whether one was present.
func (s *Session) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[name]; !ok {
		return false
	}
	delete(s.tasks, name)
	return true
}

// Rename moves a task from oldName to newName atomically: the map key
// swap and the task's own view of its name (task.Task.Rename) happen
// under the same lock, so no concurrent Register/Get can observe the
// task registered under both or neither name.
func (s *Session) Rename(oldName, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[oldName]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, oldName)
	}
	if oldName == newName {
		return nil
	}
	if _, collide := s.tasks[newName]; collide {
		return fmt.Errorf("%w: %q", ErrNameCollision, newName)
	}

	delete(s.tasks, oldName)
	t.Rename(newName, s.sink)
	s.tasks[newName] = t
	return nil
}

// Names returns every registered task name in no particular order.
func (s *Session) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	return names
}

// Tasks returns every registered Task in no particular order.
func (s *Session) Tasks() []*task.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}

// TasksByPriority returns every registered Task sorted by descending
// Policy.Priority, the order a scheduler should consider them for
// dispatch in when more than one is eligible to run.
func (s *Session) TasksByPriority() []*task.Task {
	out := s.Tasks()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority() > out[j].Priority()
	})
	return out
}

// DispatchEligible dispatches every registered task whose ShouldRun
// reports true, concurrently, and waits for all of them to reach
// proof of start (or, for main execution, to fully complete). The
// first dispatch error cancels ctx for the rest of the group, mirroring
// the fail-fast semantics golang.org/x/sync/errgroup gives a fan-out
// of independent operations.
func (s *Session) DispatchEligible(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, t := range s.TasksByPriority() {
		t := t
		if !t.ShouldRun() {
			continue
		}
		group.Go(func() error {
			return t.Dispatch(groupCtx)
		})
	}
	return group.Wait()
}

// Len returns the number of registered tasks.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}
