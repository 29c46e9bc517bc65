package wire

import (
	"errors"
	"sync"
)

// ErrBacklogExceeded is returned by Pump when a ProxySocket's
// unhandled-frame backlog for one logical id grows past its watermark,
// per spec §4.4.
var ErrBacklogExceeded = errors.New("wire: proxy unhandled backlog exceeded")

// DefaultMaxUnhandledBacklog is the watermark applied when a ProxySocket
// is constructed with a zero value.
const DefaultMaxUnhandledBacklog = 256

// ProxyMessage wraps an inner Message with the logical worker instance it
// is addressed to or originates from. A nil LogicalWorkerID addresses the
// proxy connection itself rather than a specific worker instance.
type ProxyMessage struct {
	LogicalWorkerID *string `json:"logicalWorkerId,omitempty"`
	Inner           Message `json:"innerMessage"`
}

// ProxySocket multiplexes many logical worker-instance connections over
// one underlying FramedSocket. Frames for logical ids nobody has claimed
// yet via Demux are parked on an "unhandled" backlog, per (sender, id)
// pair, preserving arrival order; the backlog is bounded so a logical
// worker that nobody ever claims can't grow memory unbounded.
type ProxySocket struct {
	underlying FramedSocket
	maxBacklog int

	mu        sync.Mutex
	unhandled map[string][]Message // logical id -> queued frames
	claimed   map[string]chan Message
}

// NewProxySocket wraps underlying. maxBacklog <= 0 selects
// DefaultMaxUnhandledBacklog.
func NewProxySocket(underlying FramedSocket, maxBacklog int) *ProxySocket {
	if maxBacklog <= 0 {
		maxBacklog = DefaultMaxUnhandledBacklog
	}
	return &ProxySocket{
		underlying: underlying,
		maxBacklog: maxBacklog,
		unhandled:  make(map[string][]Message),
		claimed:    make(map[string]chan Message),
	}
}

// Pump drains the underlying socket and routes each ProxyMessage to its
// logical id's claimed channel, or onto the unhandled backlog if nothing
// has claimed that id yet. Call this once per update cycle. Every frame
// drained is routed; if any backlog overflowed, ErrBacklogExceeded is
// returned afterwards.
func (p *ProxySocket) Pump() error {
	frames, err := p.underlying.Receive()
	if err != nil {
		return err
	}

	var routeErr error
	for _, raw := range frames {
		msg, err := Unmarshal(raw)
		if err != nil {
			continue
		}
		var pm ProxyMessage
		if err := Decode(msg, &pm); err != nil {
			continue
		}
		if err := p.route(pm); err != nil {
			routeErr = err
		}
	}
	return routeErr
}

// route delivers pm to its claimant or parks it on the backlog. When the
// backlog for that id passes maxBacklog the oldest frames are dropped and
// ErrBacklogExceeded is returned.
func (p *ProxySocket) route(pm ProxyMessage) error {
	id := ""
	if pm.LogicalWorkerID != nil {
		id = *pm.LogicalWorkerID
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if ch, ok := p.claimed[id]; ok {
		select {
		case ch <- pm.Inner:
			return nil
		default:
			// claimant isn't draining fast enough; fall through to backlog
		}
	}

	p.unhandled[id] = append(p.unhandled[id], pm.Inner)
	if len(p.unhandled[id]) > p.maxBacklog {
		p.unhandled[id] = p.unhandled[id][len(p.unhandled[id])-p.maxBacklog:]
		return ErrBacklogExceeded
	}
	return nil
}

// Send addresses a Message to a logical worker instance id (or the proxy
// connection itself when id is nil).
func (p *ProxySocket) Send(logicalID *string, msg Message) bool {
	pm := ProxyMessage{LogicalWorkerID: logicalID, Inner: msg}
	raw, err := Marshal(Message{Kind: "proxy_envelope", Payload: mustJSON(pm)})
	if err != nil {
		return false
	}
	return p.underlying.Send(raw)
}

// Claim returns a channel fed by Pump with every Message addressed to
// logicalID, and drains any backlog accumulated for it before Pump saw a
// claimant. Call Unclaim when done to stop routing into the channel.
func (p *ProxySocket) Claim(logicalID string) <-chan Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan Message, p.maxBacklog)
	for _, m := range p.unhandled[logicalID] {
		select {
		case ch <- m:
		default:
		}
	}
	delete(p.unhandled, logicalID)
	p.claimed[logicalID] = ch
	return ch
}

func (p *ProxySocket) Unclaim(logicalID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.claimed, logicalID)
}

func (p *ProxySocket) Close() error { return p.underlying.Close() }

// ProxiedSocket adapts one logical worker instance's slice of a
// ProxySocket back into the FramedSocket interface, so a WorkerInstance
// can treat a proxied connection identically to a direct pipe.
type ProxiedSocket struct {
	proxy      *ProxySocket
	logicalID  string
	inbound    <-chan Message
}

func NewProxiedSocket(proxy *ProxySocket, logicalID string) *ProxiedSocket {
	return &ProxiedSocket{proxy: proxy, logicalID: logicalID, inbound: proxy.Claim(logicalID)}
}

func (s *ProxiedSocket) Send(payload []byte) bool {
	msg, err := Unmarshal(payload)
	if err != nil {
		return false
	}
	id := s.logicalID
	return s.proxy.Send(&id, msg)
}

func (s *ProxiedSocket) Receive() ([][]byte, error) {
	var out [][]byte
	for {
		select {
		case msg := <-s.inbound:
			raw, err := Marshal(msg)
			if err != nil {
				continue
			}
			out = append(out, raw)
		default:
			return out, nil
		}
	}
}

func (s *ProxiedSocket) ReadHandle() (int, bool) { return 0, false }
func (s *ProxiedSocket) IsOpen() bool            { return true }
func (s *ProxiedSocket) Close() error {
	s.proxy.Unclaim(s.logicalID)
	return nil
}
