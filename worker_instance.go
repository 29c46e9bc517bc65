package taskmaster

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grishkovelli/taskmaster/pkg/wire"
)

// WorkerStatus enumerates the lifecycle a WorkerInstance moves through,
// per spec §3/§4.5.
type WorkerStatus string

const (
	StatusStarting  WorkerStatus = "starting"
	StatusIdle      WorkerStatus = "idle"
	StatusWorking   WorkerStatus = "working"
	StatusAvailable WorkerStatus = "available"
	StatusFailed    WorkerStatus = "failed"
	StatusFinished  WorkerStatus = "finished"
)

// helloTimeout bounds how long a freshly spawned instance gets to send
// its Hello before start() gives up and reports failure.
const helloTimeout = 5 * time.Second

// WorkerInstance is one running child process (or proxied remote
// runtime) and the state machine tracking it: starting, idle, working,
// failed, finished. It owns the FramedSocket and Mux for its connection
// and the Promise of any in-flight task.
type WorkerInstance struct {
	ID     string
	socket wire.FramedSocket
	mux    *wire.Mux
	ids    wire.IDGenerator

	mu       sync.Mutex
	status   WorkerStatus
	current  *Task
	currentP *wire.Promise
	l5       [5]bool
	l5i      int
	onFail   func(*WorkerInstance, error)
	stopOnce sync.Once
	stopWatch chan struct{}
}

// NewWorkerInstance wraps socket (a direct pipe or a ProxiedSocket) with
// an instance id and the starting state.
func NewWorkerInstance(socket wire.FramedSocket) *WorkerInstance {
	wi := &WorkerInstance{
		ID:        uuid.NewString(),
		socket:    socket,
		mux:       wire.NewMux(),
		status:    StatusStarting,
		l5:        [5]bool{true, true, true, true, true},
		stopWatch: make(chan struct{}),
	}
	wi.registerHandlers()
	return wi
}

// OnFail registers a callback invoked once the instance transitions to
// StatusFailed.
func (wi *WorkerInstance) OnFail(fn func(*WorkerInstance, error)) {
	wi.mu.Lock()
	wi.onFail = fn
	wi.mu.Unlock()
}

func (wi *WorkerInstance) registerHandlers() {
	wi.mux.Handle(wire.KindExecuteFunctionRequest, func(req wire.Message) (any, error) {
		var body wire.ExecuteFunctionRequest
		if err := wire.Decode(req, &body); err != nil {
			return nil, err
		}

		wi.mu.Lock()
		task := wi.current
		wi.mu.Unlock()
		if task == nil {
			return nil, fmt.Errorf("execute_function with no running task")
		}
		return task.Call(body.Name, body.Args)
	})

	wi.mux.Handle(wire.KindWorkerFailedResponse, func(req wire.Message) (any, error) {
		var body wire.WorkerFailedResponse
		_ = wire.Decode(req, &body)
		wi.handleFail(newError(ErrWorkerFailed, body.Reason, nil))
		return nil, nil
	})
}

// Start waits (polling socket.Receive every 5ms) for the instance's Hello
// handshake, transitioning StatusStarting -> StatusIdle on success or
// StatusFailed on timeout.
func (wi *WorkerInstance) Start() error {
	deadline := time.Now().Add(helloTimeout)
	for time.Now().Before(deadline) {
		frames, err := wi.socket.Receive()
		if err != nil {
			wi.handleFail(err)
			return err
		}
		for _, raw := range frames {
			msg, err := wire.Unmarshal(raw)
			if err != nil {
				continue
			}
			if msg.Kind == wire.KindHello {
				wi.mu.Lock()
				wi.status = StatusIdle
				wi.mu.Unlock()
				return nil
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	err := newError(ErrTransport, fmt.Sprintf("worker instance did not send hello within %s", helloTimeout), nil)
	wi.handleFail(err)
	return err
}

// Status reports the instance's current lifecycle state.
func (wi *WorkerInstance) Status() WorkerStatus {
	wi.mu.Lock()
	defer wi.mu.Unlock()
	return wi.status
}

// IsAvailable reports whether the instance can accept a new task.
func (wi *WorkerInstance) IsAvailable() bool {
	return wi.Status() == StatusIdle
}

// RunTask dispatches task to the instance and returns a Promise that
// resolves with the task's final Response or rejects on failure.
func (wi *WorkerInstance) RunTask(task *Task) *wire.Promise {
	p := wire.NewPromise()

	wi.mu.Lock()
	if wi.status != StatusIdle {
		wi.mu.Unlock()
		p.Reject(fmt.Errorf("worker instance %s is not idle", wi.ID))
		return p
	}
	wi.status = StatusWorking
	wi.current = task
	wi.currentP = p
	wi.mu.Unlock()

	id := wi.ids.Next()
	msg, err := wire.Encode(wire.KindRunTaskRequest, id, 0, wire.RunTaskRequest{
		TaskID:  id,
		Handler: task.Handler,
		Args:    task.Args,
	})
	if err != nil {
		wi.finishTask(nil, err)
		return p
	}

	raw, err := wire.Marshal(msg)
	if err != nil {
		wi.finishTask(nil, err)
		return p
	}
	if !wi.socket.Send(raw) {
		wi.finishTask(nil, fmt.Errorf("failed to send run_task to instance %s", wi.ID))
	}
	return p
}

// Update drains the socket once, routing responses to the in-flight
// task's promise and everything else through the Mux. Call this once per
// Taskmaster update cycle.
func (wi *WorkerInstance) Update() {
	frames, err := wi.socket.Receive()
	if err != nil {
		wi.handleFail(err)
		return
	}

	for _, raw := range frames {
		msg, err := wire.Unmarshal(raw)
		if err != nil {
			continue
		}

		switch msg.Kind {
		case wire.KindResponse, wire.KindErrorResponse, wire.KindExceptionResponse:
			wi.finishTask(&msg, nil)
		default:
			resp := wi.mux.Dispatch(msg)
			raw, err := wire.Marshal(resp)
			if err == nil {
				wi.socket.Send(raw)
			}
		}
	}
}

func (wi *WorkerInstance) finishTask(resp *wire.Message, sendErr error) {
	ok := sendErr == nil && resp != nil && resp.Kind == wire.KindResponse

	wi.mu.Lock()
	p := wi.currentP
	task := wi.current
	wi.current = nil
	wi.currentP = nil
	if wi.status == StatusWorking {
		wi.status = StatusIdle
	}
	wi.recordOutcome(ok)
	failing := !ok && wi.fiveFailInRow()
	wi.mu.Unlock()

	switch {
	case sendErr != nil:
		if p != nil {
			p.Reject(sendErr)
		}
		if task != nil && task.OnError != nil {
			task.OnError(ErrorResponse{Message: sendErr.Error()})
		}
	case resp.Kind == wire.KindResponse:
		if p != nil {
			p.Resolve(*resp)
		}
		if task != nil && task.OnResult != nil {
			var body wire.Response
			_ = wire.Decode(*resp, &body)
			task.OnResult(body.Result)
		}
	default:
		var body wire.ErrorResponse
		_ = wire.Decode(*resp, &body)
		if p != nil {
			p.Reject(fmt.Errorf("%s", body.Message))
		}
		if task != nil && task.OnError != nil {
			task.OnError(ErrorResponse{Message: body.Message})
		}
	}

	if failing {
		wi.handleFail(fmt.Errorf("worker instance %s failed five tasks in a row", wi.ID))
	}
}

// recordOutcome keeps a five-slot ring of recent task outcomes; five
// failures in a row is treated the same way the restart policy treats a
// dead connection.
func (wi *WorkerInstance) recordOutcome(ok bool) {
	wi.l5[wi.l5i] = ok
	if wi.l5i == 4 {
		wi.l5i = 0
	} else {
		wi.l5i++
	}
}

func (wi *WorkerInstance) fiveFailInRow() bool {
	for _, ok := range wi.l5 {
		if ok {
			return false
		}
	}
	return true
}

func (wi *WorkerInstance) handleFail(err error) {
	wi.mu.Lock()
	if wi.status == StatusFailed || wi.status == StatusFinished {
		wi.mu.Unlock()
		return
	}
	wi.status = StatusFailed
	p := wi.currentP
	task := wi.current
	wi.currentP = nil
	wi.current = nil
	cb := wi.onFail
	wi.mu.Unlock()

	if p != nil {
		p.Reject(err)
	}
	if task != nil && task.OnError != nil {
		task.OnError(ErrorResponse{Message: err.Error()})
	}
	if cb != nil {
		cb(wi, err)
	}
}

// Stop asks the instance to terminate and marks it finished.
func (wi *WorkerInstance) Stop() {
	wi.stopOnce.Do(func() {
		msg, _ := wire.Encode(wire.KindTerminateRequest, wi.ids.Next(), 0, wire.TerminateRequest{})
		raw, _ := wire.Marshal(msg)
		wi.socket.Send(raw)
		close(wi.stopWatch)

		wi.mu.Lock()
		wi.status = StatusFinished
		wi.mu.Unlock()

		wi.socket.Close()
	})
}
