package taskmaster

import "sync"

// CallArgs carries the payload a running task passes when invoking one of
// its callbacks via an ExecuteFunctionRequest.
type CallArgs struct {
	Args any
}

// Task describes one unit of work dispatched to a worker instance: which
// handler the child binary should run, what arguments it gets, and which
// parent-side callbacks that handler may call back into while it runs.
// Group is a strict affinity label: the scheduler only assigns a task to
// a worker whose Group is equal to it, and an ungrouped task only to an
// ungrouped worker (spec §4.8).
type Task struct {
	Group   *string
	Handler string
	Args    any

	// OnResult and OnError are invoked by the owning WorkerInstance when
	// RunTask settles, matching spec's task.handleResult/handleError.
	OnResult func(data any)
	OnError  func(resp ErrorResponse)

	mu        sync.Mutex
	callbacks map[string]func(CallArgs) (any, error)
}

// ErrorResponse is the data a failed task's OnError receives: either a
// child-reported error or a synthetic one describing why the worker
// instance running it failed.
type ErrorResponse struct {
	Message string
}

// NewTask returns a Task ready to register callbacks on.
func NewTask(handler string, args any) *Task {
	return &Task{Handler: handler, Args: args, callbacks: make(map[string]func(CallArgs) (any, error))}
}

// WithGroup sets the task's affinity group and returns the task for
// chaining.
func (t *Task) WithGroup(group string) *Task {
	t.Group = &group
	return t
}

// RegisterCallback binds name to fn. ExecuteFunctionRequest dispatch looks
// names up here; this is the finite, statically declared alternative to
// reflecting into the task's type.
func (t *Task) RegisterCallback(name string, fn func(CallArgs) (any, error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks[name] = fn
}

// Call invokes the named callback, returning an error if none is
// registered under that name.
func (t *Task) Call(name string, args any) (any, error) {
	t.mu.Lock()
	fn, ok := t.callbacks[name]
	t.mu.Unlock()
	if !ok {
		return nil, errUnknownCallback(name)
	}
	return fn(CallArgs{Args: args})
}

// TaskFactory produces Task values on demand, letting the orchestrator
// pull fresh tasks instead of requiring every task to be enqueued up
// front. Groups, when non-nil, restricts which scheduler groups this
// factory is consulted for; CreateNextTask returns ok=false once the
// factory is (currently) exhausted for the requested group.
type TaskFactory interface {
	Groups() []string
	CreateNextTask(group *string) (task *Task, ok bool)
}

// FuncTaskFactory adapts a plain function into an unrestricted TaskFactory.
type FuncTaskFactory func(group *string) (*Task, bool)

func (f FuncTaskFactory) Groups() []string { return nil }

func (f FuncTaskFactory) CreateNextTask(group *string) (*Task, bool) { return f(group) }

// QueueTaskFactory serves tasks from a fixed, pre-built slice — the
// common case of "I already have N tasks to run" — grounded on the
// teacher's target-queue shift/size pattern.
type QueueTaskFactory struct {
	mu     sync.Mutex
	tasks  []*Task
	groups []string
}

// NewQueueTaskFactory returns a factory unrestricted by group.
func NewQueueTaskFactory(tasks []*Task) *QueueTaskFactory {
	return &QueueTaskFactory{tasks: tasks}
}

// NewGroupedQueueTaskFactory restricts the factory to the given groups;
// the orchestrator skips it entirely for any other group.
func NewGroupedQueueTaskFactory(tasks []*Task, groups []string) *QueueTaskFactory {
	return &QueueTaskFactory{tasks: tasks, groups: groups}
}

func (q *QueueTaskFactory) Groups() []string { return q.groups }

func (q *QueueTaskFactory) CreateNextTask(group *string) (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, t := range q.tasks {
		if matchesGroup(t.Group, group) {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			return t, true
		}
	}
	return nil, false
}

func (q *QueueTaskFactory) Remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func matchesGroup(taskGroup, requested *string) bool {
	if taskGroup == nil && requested == nil {
		return true
	}
	if taskGroup == nil || requested == nil {
		return false
	}
	return *taskGroup == *requested
}
