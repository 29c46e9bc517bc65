package taskmaster

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/logging"
)

// Taskmaster is the orchestrator described in spec §4.8: it owns a pool
// of Workers and Proxies, pulls tasks from queued tasks and factories,
// and drives the single-threaded update cycle that assigns, pumps, and
// waits.
type Taskmaster struct {
	cfg *Config
	log logging.LeveledLogger

	mu         sync.Mutex
	workers    []*Worker
	proxies    []*Proxy
	factories  []TaskFactory
	queued     []*Task
	stats      *Stats
	dashboard  *Dashboard
	stopped    bool
}

// New returns a Taskmaster using cfg (see LoadConfig for the conventional
// way to build one).
func New(cfg *Config) *Taskmaster {
	return &Taskmaster{
		cfg:   cfg,
		log:   scopedLogger("taskmaster"),
		stats: NewStats(0),
	}
}

// AttachDashboard wires a websocket dashboard that receives a stats
// snapshot once per update cycle; purely an observer, never on the
// critical path of task assignment.
func (tm *Taskmaster) AttachDashboard(d *Dashboard) {
	tm.mu.Lock()
	tm.dashboard = d
	tm.mu.Unlock()
}

// AddTask enqueues a single task for assignment.
func (tm *Taskmaster) AddTask(task *Task) {
	tm.mu.Lock()
	tm.queued = append(tm.queued, task)
	tm.stats.tasksTotal++
	tm.mu.Unlock()
}

// AddTaskFactory registers a factory the scheduler consults before the
// queued task list, in the order factories were added.
func (tm *Taskmaster) AddTaskFactory(f TaskFactory) {
	tm.mu.Lock()
	tm.factories = append(tm.factories, f)
	tm.mu.Unlock()
}

// AddWorker enrolls w into the pool, and — if w references a Proxy
// (spec §3: "adding multiple workers with the same Proxy object enrolls
// the proxy exactly once") — enrolls that Proxy uniquely by identity.
func (tm *Taskmaster) AddWorker(w *Worker) error {
	tm.mu.Lock()
	tm.workers = append(tm.workers, w)
	if w.Proxy != nil && !tm.hasProxyLocked(w.Proxy) {
		tm.proxies = append(tm.proxies, w.Proxy)
	}
	tm.mu.Unlock()
	return w.Start()
}

// hasProxyLocked reports whether p is already enrolled. Callers must hold
// tm.mu.
func (tm *Taskmaster) hasProxyLocked(p *Proxy) bool {
	for _, existing := range tm.proxies {
		if existing == p {
			return true
		}
	}
	return false
}

// AddWorkers clones w n times and enrolls each clone, the bulk variant of
// AddWorker used to pre-size a pool.
func (tm *Taskmaster) AddWorkers(w *Worker, n int) error {
	for i := 0; i < n; i++ {
		if err := tm.AddWorker(w.Clone()); err != nil {
			return fmt.Errorf("adding worker %d/%d: %w", i+1, n, err)
		}
	}
	return nil
}

// SetWorkers replaces the entire pool with the given list, enrolling each
// distinct referenced Proxy and starting any worker that hasn't been
// started yet.
func (tm *Taskmaster) SetWorkers(workers []*Worker) error {
	tm.mu.Lock()
	tm.workers = workers
	for _, w := range workers {
		if w.Proxy != nil && !tm.hasProxyLocked(w.Proxy) {
			tm.proxies = append(tm.proxies, w.Proxy)
		}
	}
	tm.mu.Unlock()

	for _, w := range workers {
		if w.Instance() == nil {
			if err := w.Start(); err != nil {
				return err
			}
		}
	}
	return nil
}

// AutoDetectWorkers spawns n direct workers against cfg.Executable,
// routing them through a ProcessProxy when TASKMASTER_FORK_VIA_PROXY
// (cfg.ForkViaProxy) is set.
func (tm *Taskmaster) AutoDetectWorkers(n int) error {
	if tm.cfg.ForkViaProxy {
		pp, err := StartProcessProxy(tm.cfg, tm.cfg.Bootstrap)
		if err != nil {
			return fmt.Errorf("starting process proxy: %w", err)
		}

		for i := 0; i < n; i++ {
			logicalID := fmt.Sprintf("worker-%d", i)
			w := NewWorker(tm.cfg, func() (*WorkerInstance, error) {
				return pp.StartWorkerInstance(logicalID)
			})
			w.Proxy = pp.Proxy
			if err := tm.AddWorker(w); err != nil {
				return err
			}
		}
		return nil
	}

	base := NewWorker(tm.cfg, func() (*WorkerInstance, error) {
		inst, _, err := spawnChild(tm.cfg, tm.cfg.Bootstrap)
		return inst, err
	})
	return tm.AddWorkers(base, n)
}

// getNextTask implements the scheduler's task-selection algorithm: ask
// factories in insertion order first, then fall back to the queued list.
func (tm *Taskmaster) getNextTask(group *string) *Task {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	for _, f := range tm.factories {
		if !factoryHandlesGroup(f, group) {
			continue
		}
		if task, ok := f.CreateNextTask(group); ok {
			return task
		}
	}

	for i, t := range tm.queued {
		if matchesGroup(t.Group, group) {
			tm.queued = append(tm.queued[:i], tm.queued[i+1:]...)
			return t
		}
	}
	return nil
}

func factoryHandlesGroup(f TaskFactory, group *string) bool {
	groups := f.Groups()
	if groups == nil {
		return true
	}
	if group == nil {
		return false
	}
	for _, g := range groups {
		if g == *group {
			return true
		}
	}
	return false
}

// updateOnce runs one iteration of the update cycle described in spec
// §4.8: assign tasks to available workers, pump every worker and proxy,
// then bound-wait for new I/O.
func (tm *Taskmaster) updateOnce() {
	tm.mu.Lock()
	workers := append([]*Worker(nil), tm.workers...)
	proxies := append([]*Proxy(nil), tm.proxies...)
	tm.mu.Unlock()

	for _, w := range workers {
		tm.tryAssign(w)
		w.Update()
		tm.tryAssign(w)
		tm.stats.setInstanceStatus(instanceKey(w), w.Status())
	}

	for _, p := range proxies {
		if err := p.Pump(); err != nil {
			tm.log.Warnf("proxy pump error: %v", err)
			p.FailAll(err)
		}
	}

	tm.mu.Lock()
	dash := tm.dashboard
	tm.mu.Unlock()
	if dash != nil {
		dash.Broadcast(tm.stats.Snapshot())
	}

	tm.waitForNewUpdate(workers, proxies)
}

func instanceKey(w *Worker) string {
	if inst := w.Instance(); inst != nil {
		return inst.ID
	}
	return fmt.Sprintf("%p", w)
}

func (tm *Taskmaster) tryAssign(w *Worker) {
	if w.Status() != StatusAvailable {
		return
	}
	task := tm.getNextTask(w.Group)
	if task == nil {
		return
	}
	if w.TryAssign(task) {
		task.OnResult = wrapCompletion(task.OnResult, tm.stats)
	}
}

func wrapCompletion(orig func(any), stats *Stats) func(any) {
	return func(data any) {
		stats.recordTaskCompletion()
		if orig != nil {
			orig(data)
		}
	}
}

// waitForNewUpdate sleeps up to cfg.SocketWaitTime. A real select() over
// every selectable read handle is the teacher/examples' idiom for this
// bound; in the absence of a portable cross-platform multi-fd select in
// the standard library this collapses to a duration sleep, which is
// observably equivalent for a single-threaded cooperative loop: either
// way, Update() is called again at most SocketWaitTime later.
func (tm *Taskmaster) waitForNewUpdate(workers []*Worker, proxies []*Proxy) {
	allSync := true
	for _, w := range workers {
		if inst := w.Instance(); inst != nil {
			if _, ok := inst.socket.ReadHandle(); ok {
				allSync = false
				break
			}
		}
	}
	if allSync {
		return
	}
	time.Sleep(tm.cfg.SocketWaitTime)
}

// Wait runs the update cycle until no worker is StatusWorking.
func (tm *Taskmaster) Wait() {
	for {
		tm.updateOnce()
		if tm.noneWorking() {
			return
		}
	}
}

func (tm *Taskmaster) noneWorking() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for _, w := range tm.workers {
		if w.Status() == StatusWorking {
			return false
		}
	}
	return true
}

// WaitUntilAllTasksAreAssigned runs the update cycle until the queued
// task list (not factories) is empty.
func (tm *Taskmaster) WaitUntilAllTasksAreAssigned() {
	for {
		tm.updateOnce()
		tm.mu.Lock()
		empty := len(tm.queued) == 0
		tm.mu.Unlock()
		if empty {
			return
		}
	}
}

// Stop stops every worker and every enrolled proxy.
func (tm *Taskmaster) Stop() {
	tm.mu.Lock()
	if tm.stopped {
		tm.mu.Unlock()
		return
	}
	tm.stopped = true
	workers := append([]*Worker(nil), tm.workers...)
	proxies := append([]*Proxy(nil), tm.proxies...)
	tm.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}
	for _, p := range proxies {
		if err := p.Stop(); err != nil {
			tm.log.Warnf("error stopping proxy: %v", err)
		}
	}
}

// Stats exposes the orchestrator's in-memory stats for callers that want
// to read them without a dashboard attached.
func (tm *Taskmaster) Stats() *Stats {
	return tm.stats
}
