package taskmaster

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/grishkovelli/taskmaster/pkg/wire"
)

// Proxy is the parent-side client of a remote runtime: one real
// FramedSocket multiplexed, via a ProxySocket, into many logical worker
// instances. It mirrors spec §4.7: startWorkerInstance/stopWorkerInstance
// ask the remote runtime to spin a logical instance up or down, and
// ProcessProxy is the concrete case where that runtime is a child process
// this module itself spawned.
type Proxy struct {
	socket *wire.ProxySocket
	ids    wire.IDGenerator
	log    logging.LeveledLogger

	mu        sync.Mutex
	instances map[string]*WorkerInstance
}

// NewProxy wraps an underlying FramedSocket to the remote runtime.
func NewProxy(underlying wire.FramedSocket, maxBacklog int) *Proxy {
	return &Proxy{
		socket:    wire.NewProxySocket(underlying, maxBacklog),
		log:       scopedLogger("proxy"),
		instances: make(map[string]*WorkerInstance),
	}
}

// StartWorkerInstance asks the remote runtime to boot one logical worker
// instance and returns a WorkerInstance wired to its demuxed slice of the
// proxy connection.
func (p *Proxy) StartWorkerInstance(logicalID string) (*WorkerInstance, error) {
	msg, err := wire.Encode(wire.KindStartWorkerInstanceReq, p.ids.Next(), 0,
		wire.StartWorkerInstanceRequest{InstanceID: logicalID})
	if err != nil {
		return nil, err
	}
	if !p.socket.Send(nil, msg) {
		return nil, fmt.Errorf("proxy: failed to request start of %s", logicalID)
	}

	proxied := wire.NewProxiedSocket(p.socket, logicalID)
	inst := NewWorkerInstance(proxied)
	inst.ID = logicalID

	p.mu.Lock()
	p.instances[logicalID] = inst
	p.mu.Unlock()

	return inst, nil
}

// StopWorkerInstance asks the remote runtime to tear the logical instance
// down and releases the proxy's claim on its id.
func (p *Proxy) StopWorkerInstance(logicalID string) error {
	msg, err := wire.Encode(wire.KindStopWorkerInstanceReq, p.ids.Next(), 0,
		wire.StopWorkerInstanceRequest{InstanceID: logicalID})
	if err != nil {
		return err
	}
	p.socket.Send(nil, msg)

	p.mu.Lock()
	inst := p.instances[logicalID]
	delete(p.instances, logicalID)
	p.mu.Unlock()

	if inst != nil {
		inst.Stop()
	}
	return nil
}

// Pump drains the underlying connection once, per update cycle, routing
// frames to whichever logical instance claimed that id.
func (p *Proxy) Pump() error {
	return p.socket.Pump()
}

// FailAll marks every WorkerInstance currently routed through this proxy
// as failed with err. Per spec §7, a proxy failure fails every instance
// routed through it — the orchestrator calls this when Pump reports an
// error on the underlying connection.
func (p *Proxy) FailAll(err error) {
	p.mu.Lock()
	instances := make([]*WorkerInstance, 0, len(p.instances))
	for _, inst := range p.instances {
		instances = append(instances, inst)
	}
	p.mu.Unlock()

	for _, inst := range instances {
		inst.handleFail(err)
	}
}

// Stop closes the underlying connection to the remote runtime.
func (p *Proxy) Stop() error {
	return p.socket.Close()
}

// ProcessProxy is a Proxy whose remote runtime is a child process this
// module spawned itself, the TASKMASTER_FORK_VIA_PROXY path described in
// SPEC_FULL §6.
type ProcessProxy struct {
	*Proxy
	cmd          *exec.Cmd
	done         chan struct{}
	pollInterval time.Duration
}

// StartProcessProxy spawns cfg.Executable as a long-lived runtime process
// and wraps its stdio in a Proxy.
func StartProcessProxy(cfg *Config, bootstrap string) (*ProcessProxy, error) {
	cmd := exec.Command(cfg.Executable, bootstrap, "--proxy")

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("obtaining proxy stdin: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("obtaining proxy stdout: %w", err)
	}
	cmd.Stderr = os.Stderr

	stdin, ok := stdinPipe.(*os.File)
	if !ok {
		return nil, fmt.Errorf("proxy stdin pipe is not backed by an *os.File")
	}
	stdout, ok := stdoutPipe.(*os.File)
	if !ok {
		return nil, fmt.Errorf("proxy stdout pipe is not backed by an *os.File")
	}
	if err := wire.SetNonblock(stdout); err != nil {
		return nil, fmt.Errorf("setting proxy stdout non-blocking: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting proxy process: %w", err)
	}

	socket := wire.NewDuplexPipeSocket(stdout, stdin)
	pp := &ProcessProxy{
		Proxy:        NewProxy(socket, cfg.MaxUnhandledBacklog),
		cmd:          cmd,
		done:         make(chan struct{}),
		pollInterval: cfg.SocketWaitTime,
	}
	go func() {
		cmd.Wait()
		close(pp.done)
	}()
	return pp, nil
}

// isRunning reports whether the remote runtime process has not yet
// exited.
func (pp *ProcessProxy) isRunning() bool {
	select {
	case <-pp.done:
		return false
	default:
		return true
	}
}

// Stop sends a TerminateRequest to the remote runtime and polls
// isRunning() — the same micro-sleep the update loop's OS select uses —
// until the process exits (spec §4.7), then closes the underlying
// connection.
func (pp *ProcessProxy) Stop() error {
	msg, err := wire.Encode(wire.KindTerminateRequest, pp.ids.Next(), 0, wire.TerminateRequest{})
	if err == nil {
		pp.socket.Send(nil, msg)
	}

	for pp.isRunning() {
		time.Sleep(pp.pollInterval)
	}

	return pp.Proxy.Stop()
}
