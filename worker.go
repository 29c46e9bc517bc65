package taskmaster

import (
	"sync"
	"time"

	"github.com/pion/logging"
)

// Worker owns a single logical slot in the pool: it spawns a
// WorkerInstance, watches it for failure, and respawns it up to
// MaxRestartAttempts with a linear backoff between attempts — the same
// "detect a dead connection, wait, retry" shape the teacher's proxy
// health-check loop applies to HTTP proxies, generalized here to worker
// instances.
type Worker struct {
	// Group, when set, restricts this worker to tasks sharing the same
	// affinity group in the scheduler's task selection (spec §4.8).
	Group *string
	// Proxy, when set, is the shared Proxy this worker's instances are
	// routed through (spec §3/§4.6). The orchestrator enrolls it exactly
	// once no matter how many Workers reference the same Proxy.
	Proxy *Proxy

	spawner func() (*WorkerInstance, error)
	cfg     *Config
	log     logging.LeveledLogger

	mu       sync.Mutex
	instance *WorkerInstance
	attempts int
	dead     bool
}

// NewWorker constructs a Worker that uses spawn to create fresh instances
// on startup and after a failure.
func NewWorker(cfg *Config, spawn func() (*WorkerInstance, error)) *Worker {
	return &Worker{spawner: spawn, cfg: cfg, log: scopedLogger("worker")}
}

// Start spawns the first instance and begins watching it for failure.
func (w *Worker) Start() error {
	inst, err := w.spawner()
	if err != nil {
		return err
	}
	if err := inst.Start(); err != nil {
		return err
	}

	w.mu.Lock()
	w.instance = inst
	w.mu.Unlock()

	inst.OnFail(w.handleInstanceFailure)
	return nil
}

// Instance returns the Worker's currently live instance, or nil if none.
func (w *Worker) Instance() *WorkerInstance {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.instance
}

// Clone returns a new Worker sharing this Worker's config, spawn function,
// group and Proxy, letting the orchestrator grow the pool with
// addWorkers(n) without re-specifying how to spawn an instance each time.
func (w *Worker) Clone() *Worker {
	c := NewWorker(w.cfg, w.spawner)
	c.Group = w.Group
	c.Proxy = w.Proxy
	return c
}

// WithProxy sets the Worker's Proxy reference and returns the Worker for
// chaining.
func (w *Worker) WithProxy(p *Proxy) *Worker {
	w.Proxy = p
	return w
}

// Status reports this Worker's externally visible status: the instance's
// IDLE is reported as AVAILABLE, the scheduler's vocabulary for "ready to
// accept a task", and a nil instance (not yet started) is STARTING.
func (w *Worker) Status() WorkerStatus {
	inst := w.Instance()
	if inst == nil {
		return StatusStarting
	}
	if s := inst.Status(); s == StatusIdle {
		return StatusAvailable
	} else {
		return s
	}
}

// MatchesGroup reports whether this worker may be assigned a task from
// the given group, using the scheduler's exact-equality rule (a nil group
// only matches a nil group).
func (w *Worker) MatchesGroup(group *string) bool {
	return matchesGroup(w.Group, group)
}

// handleInstanceFailure is the failed instance's onFail callback. Only the
// cheap bookkeeping (attempt count, dead check) runs on the caller's
// goroutine; per spec §5 the only places the parent may block are the
// update loop's OS select and proxy.stop()'s isRunning poll, so the
// backoff sleep and the respawn itself — which can block up to
// helloTimeout waiting for the new instance's handshake — run on a
// detached goroutine instead of inline inside WorkerInstance.Update(),
// which would otherwise freeze every other worker's I/O for the duration.
func (w *Worker) handleInstanceFailure(inst *WorkerInstance, err error) {
	w.log.Warnf("worker instance %s failed: %v", inst.ID, err)

	w.mu.Lock()
	if w.dead {
		w.mu.Unlock()
		return
	}
	w.attempts++
	attempt := w.attempts
	maxAttempts := w.cfg.MaxRestartAttempts
	w.mu.Unlock()

	if attempt > maxAttempts {
		w.mu.Lock()
		w.dead = true
		w.mu.Unlock()
		w.log.Errorf("worker exhausted %d restart attempts, giving up", maxAttempts)
		return
	}

	go w.respawnAfterBackoff(attempt)
}

// respawnAfterBackoff sleeps a linear backoff then respawns a fresh
// instance, off the orchestrator's update-loop goroutine.
func (w *Worker) respawnAfterBackoff(attempt int) {
	backoff := time.Duration(attempt) * 200 * time.Millisecond
	time.Sleep(backoff)

	newInst, spawnErr := w.spawner()
	if spawnErr != nil {
		w.log.Errorf("failed to respawn worker instance: %v", spawnErr)
		return
	}
	if err := newInst.Start(); err != nil {
		w.log.Errorf("respawned worker instance failed to start: %v", err)
		return
	}
	newInst.OnFail(w.handleInstanceFailure)

	w.mu.Lock()
	w.instance = newInst
	w.mu.Unlock()
}

// IsDead reports whether the Worker has exhausted its restart budget.
func (w *Worker) IsDead() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dead
}

// TryAssign hands task to the Worker's instance if it is currently
// AVAILABLE, returning false without side effects otherwise.
func (w *Worker) TryAssign(task *Task) bool {
	if w.Status() != StatusAvailable {
		return false
	}
	inst := w.Instance()
	if inst == nil {
		return false
	}
	inst.RunTask(task)
	return true
}

// Update pumps the Worker's current instance, if any.
func (w *Worker) Update() {
	if inst := w.Instance(); inst != nil {
		inst.Update()
	}
}

// Stop terminates the Worker's current instance.
func (w *Worker) Stop() {
	w.mu.Lock()
	inst := w.instance
	w.mu.Unlock()
	if inst != nil {
		inst.Stop()
	}
}
