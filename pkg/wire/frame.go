// Package wire implements the length-prefixed framing, message envelope,
// promise and multiplexing layer that the parent process uses to talk to
// worker instances over a non-blocking socket.
package wire

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sync"
)

// ErrClosed is returned by Receive once the socket has been closed; Send
// reports the same condition by returning false.
var ErrClosed = errors.New("wire: socket closed")

// lengthPrefixSize is the width of the frame length header: a raw
// big-endian uint32 byte count of the payload that follows.
const lengthPrefixSize = 4

// maxFrameSize bounds a single frame so a corrupt or hostile peer cannot
// make the reader allocate an unbounded buffer.
const maxFrameSize = 64 << 20

// FramedSocket is a duplex, non-blocking transport that exchanges
// length-prefixed frames. Receive never blocks: it drains whatever
// complete frames are currently buffered and returns immediately.
type FramedSocket interface {
	// Send enqueues a frame. It reports whether the socket accepted it;
	// false means the socket is closed or backed up beyond recovery.
	Send(payload []byte) bool

	// Receive drains any complete frames currently available. It never
	// blocks waiting for more data to arrive.
	Receive() ([][]byte, error)

	// ReadHandle returns an OS file descriptor suitable for select/poll
	// readiness notification, and whether one exists. Sync-only sockets
	// (e.g. InMemorySocket) return ok=false.
	ReadHandle() (fd int, ok bool)

	IsOpen() bool
	Close() error
}

// PipeSocket is a FramedSocket backed by *os.File handles placed in
// non-blocking mode: either one end of an os.Pipe()/unix socket used for
// both directions, or a separate read/write pair such as the
// stdout/stdin pipes os/exec hands back for a spawned child.
type PipeSocket struct {
	mu     sync.Mutex
	r      *os.File
	w      *os.File
	buf    []byte
	closed bool
}

// NewPipeSocket wraps f, which the caller must already have placed in
// non-blocking mode, using it for both reads and writes.
func NewPipeSocket(f *os.File) *PipeSocket {
	return &PipeSocket{r: f, w: f}
}

// NewDuplexPipeSocket wraps a separate read and write file, the shape
// os/exec's StdoutPipe/StdinPipe produce for a spawned child.
func NewDuplexPipeSocket(r, w *os.File) *PipeSocket {
	return &PipeSocket{r: r, w: w}
}

func (p *PipeSocket) Send(payload []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}

	header := make([]byte, lengthPrefixSize)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := p.w.Write(header); err != nil {
		return false
	}
	if _, err := p.w.Write(payload); err != nil {
		return false
	}
	return true
}

// Receive performs one non-blocking read, appends it to the internal
// buffer, and peels off every complete frame currently available.
func (p *PipeSocket) Receive() ([][]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	chunk := make([]byte, 32*1024)
	n, err := p.r.Read(chunk)
	if n > 0 {
		p.buf = append(p.buf, chunk[:n]...)
	}
	if err != nil && !errors.Is(err, io.EOF) && !isWouldBlock(err) {
		return nil, err
	}

	var frames [][]byte
	for {
		if len(p.buf) < lengthPrefixSize {
			break
		}
		size := binary.BigEndian.Uint32(p.buf[:lengthPrefixSize])
		if size > maxFrameSize {
			return frames, errors.New("wire: frame exceeds maximum size")
		}
		total := lengthPrefixSize + int(size)
		if len(p.buf) < total {
			break
		}
		frame := make([]byte, size)
		copy(frame, p.buf[lengthPrefixSize:total])
		frames = append(frames, frame)
		p.buf = p.buf[total:]
	}
	return frames, nil
}

func (p *PipeSocket) ReadHandle() (int, bool) {
	if p.r == nil {
		return 0, false
	}
	return int(p.r.Fd()), true
}

func (p *PipeSocket) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

func (p *PipeSocket) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	rErr := p.r.Close()
	if p.w != p.r {
		if wErr := p.w.Close(); wErr != nil {
			return wErr
		}
	}
	return rErr
}

// InMemorySocket is the synchronous half of an in-process duplex pipe.
// It has no OS handle and is intended for tests and for in-process
// "sync worker" usage described in spec §4.1.
type InMemorySocket struct {
	mu     sync.Mutex
	out    chan []byte
	in     chan []byte
	closed bool
	once   sync.Once
}

// NewInMemoryPair returns two InMemorySocket values wired to each other:
// anything sent on a is received on b, and vice versa.
func NewInMemoryPair() (a, b *InMemorySocket) {
	c1 := make(chan []byte, 64)
	c2 := make(chan []byte, 64)
	a = &InMemorySocket{out: c1, in: c2}
	b = &InMemorySocket{out: c2, in: c1}
	return a, b
}

func (s *InMemorySocket) Send(payload []byte) bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	select {
	case s.out <- cp:
		return true
	default:
		return false
	}
}

func (s *InMemorySocket) Receive() ([][]byte, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	var frames [][]byte
	for {
		select {
		case f, ok := <-s.in:
			if !ok {
				// The peer closed its end; nothing more will arrive.
				return frames, nil
			}
			frames = append(frames, f)
		default:
			return frames, nil
		}
	}
}

func (s *InMemorySocket) ReadHandle() (int, bool) { return 0, false }

func (s *InMemorySocket) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *InMemorySocket) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.once.Do(func() { close(s.out) })
	return nil
}
