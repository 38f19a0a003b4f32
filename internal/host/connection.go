package host

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"

	"graphhost/internal/domain"
	"graphhost/internal/wire"
)

type connState int

const (
	stateActive connState = iota
	stateClosing
)

// connection is the per-socket state. Fields below mu are guarded by Host.mu;
// inbound and fill belong to the reader goroutine.
type connection struct {
	id   string
	sock net.Conn
	log  zerolog.Logger

	// mu: Host.mu
	state    connState
	reason   domain.DisconnectReason
	subs     subscriptions
	queue    [][]byte
	offset   int
	inflight bool

	inbound [wire.CommandSize]byte
	fill    int

	writable chan struct{}
	done     chan struct{}
}

func newConnection(id string, sock net.Conn, log zerolog.Logger) *connection {
	return &connection{
		id:       id,
		sock:     sock,
		log:      log,
		subs:     newSubscriptions(),
		writable: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

type enqueueResult struct {
	dropped  domain.DropReason
	overflow bool
}

// enqueue appends frame under policy. The first frame in an empty queue
// raises write interest.
func (c *connection) enqueue(frame []byte, max int, policy OverflowPolicy) enqueueResult {
	var res enqueueResult
	if max > 0 && len(c.queue) >= max {
		switch policy {
		case OverflowDropNewest:
			res.dropped = domain.DropNewest
			return res
		case OverflowDisconnect:
			res.overflow = true
			return res
		default:
			if !c.dropOldest() {
				res.dropped = domain.DropNewest
				return res
			}
			res.dropped = domain.DropOldest
		}
	}
	c.queue = append(c.queue, frame)
	if len(c.queue) == 1 {
		c.wantWrite()
	}
	return res
}

// dropOldest removes the oldest frame that is not being written.
func (c *connection) dropOldest() bool {
	i := 0
	if c.inflight || c.offset > 0 {
		i = 1
	}
	if i >= len(c.queue) {
		return false
	}
	c.queue[i] = nil
	c.queue = append(c.queue[:i], c.queue[i+1:]...)
	return true
}

func (c *connection) wantWrite() {
	select {
	case c.writable <- struct{}{}:
	default:
	}
}

// head hands the in-flight frame and its write offset to the writer.
func (c *connection) head() ([]byte, int, bool) {
	if len(c.queue) == 0 {
		return nil, 0, false
	}
	c.inflight = true
	return c.queue[0], c.offset, true
}

// advance records n written bytes of the head frame and reports whether the
// frame completed.
func (c *connection) advance(n int) bool {
	c.inflight = false
	if len(c.queue) == 0 {
		return false
	}
	c.offset += n
	if c.offset < len(c.queue[0]) {
		return false
	}
	c.queue[0] = nil
	c.queue = c.queue[1:]
	c.offset = 0
	return true
}

func (c *connection) discardQueue() int {
	n := len(c.queue)
	c.queue = nil
	c.offset = 0
	c.inflight = false
	return n
}

// readLoop is the connection's readable handler: each read fills the
// remaining space of the command buffer, and a full buffer is decoded and
// applied before the next read.
func (h *Host) readLoop(c *connection) {
	defer h.wg.Done()
	for {
		n, err := c.sock.Read(c.inbound[c.fill:])
		c.fill += n
		if c.fill == wire.CommandSize {
			h.handleCommand(c, c.inbound[:])
			c.fill = 0
		}
		if err != nil {
			reason := domain.DisconnectReadError
			if errors.Is(err, io.EOF) {
				reason = domain.DisconnectEOF
			}
			h.markClosing(c, reason, err)
			return
		}
	}
}

// writeLoop is the connection's writable handler. It sleeps until the queue
// gains its first frame and then drains it.
func (h *Host) writeLoop(c *connection) {
	defer h.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case <-c.writable:
		}
		if !h.drain(c) {
			return
		}
	}
}

func (h *Host) drain(c *connection) bool {
	for {
		h.mu.Lock()
		if c.state == stateClosing {
			h.mu.Unlock()
			return false
		}
		frame, off, ok := c.head()
		h.mu.Unlock()
		if !ok {
			return true
		}

		if h.cfg.WriteTimeout > 0 {
			_ = c.sock.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
		}
		n, err := c.sock.Write(frame[off:])
		h.metrics.BytesSent(n)

		h.mu.Lock()
		if c.state == stateClosing {
			h.mu.Unlock()
			return false
		}
		complete := c.advance(n)
		h.mu.Unlock()
		if complete {
			h.metrics.FrameSent(frameKind(frame))
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				c.log.Debug().Int("written", off+n).Int("frame", len(frame)).Msg("partial write, will resume")
				continue
			}
			h.markClosing(c, domain.DisconnectWriteError, err)
			return false
		}
	}
}

func frameKind(frame []byte) string {
	if len(frame) > 0 && wire.Tag(frame[0]) == wire.TagListEntry {
		return "list"
	}
	return "data"
}

// subscriptions is an insertion-ordered set of series names.
type subscriptions struct {
	names []string
	index map[string]struct{}
}

func newSubscriptions() subscriptions {
	return subscriptions{index: make(map[string]struct{})}
}

func (s *subscriptions) add(name string) bool {
	if _, ok := s.index[name]; ok {
		return false
	}
	s.index[name] = struct{}{}
	s.names = append(s.names, name)
	return true
}

func (s *subscriptions) remove(name string) bool {
	if _, ok := s.index[name]; !ok {
		return false
	}
	delete(s.index, name)
	for i, n := range s.names {
		if n == name {
			s.names = append(s.names[:i], s.names[i+1:]...)
			break
		}
	}
	return true
}

func (s *subscriptions) has(name string) bool {
	_, ok := s.index[name]
	return ok
}

func (s *subscriptions) list() []string {
	return append([]string(nil), s.names...)
}
