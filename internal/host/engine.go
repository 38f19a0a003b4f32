package host

import (
	"errors"
	"net"
	"time"

	"github.com/google/uuid"

	"graphhost/internal/domain"
)

const acceptBackoff = 5 * time.Millisecond

// acceptLoop hands accepted sockets to the engine goroutine.
func (h *Host) acceptLoop(ln net.Listener) {
	defer h.acceptWG.Done()
	for {
		raw, err := ln.Accept()
		if err != nil {
			select {
			case <-h.stop:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			h.log.Warn().Err(err).Msg("accept failed")
			time.Sleep(acceptBackoff)
			continue
		}
		select {
		case h.accepted <- raw:
		case <-h.stop:
			_ = raw.Close()
			return
		}
	}
}

// run is the engine loop. Every wake-up is followed by a sweep of closing
// connections.
func (h *Host) run(ln net.Listener) {
	defer close(h.done)
	for {
		select {
		case <-h.stop:
			h.shutdown(ln)
			return
		case raw := <-h.accepted:
			h.addConnection(raw)
		case <-h.wake:
		}
		h.sweep()
	}
}

func (h *Host) addConnection(raw net.Conn) {
	id := uuid.NewString()
	c := newConnection(id, raw, h.log.With().Str("conn", id).Str("remote", raw.RemoteAddr().String()).Logger())

	h.mu.Lock()
	if h.state != lifecycleRunning {
		h.mu.Unlock()
		_ = raw.Close()
		return
	}
	h.conns[id] = c
	h.wg.Add(2)
	h.mu.Unlock()

	h.metrics.ConnectionAccepted()
	c.log.Info().Msg("client connected")
	go h.readLoop(c)
	go h.writeLoop(c)
}

// markClosing moves c to its terminal state and wakes the engine to reap it.
func (h *Host) markClosing(c *connection, reason domain.DisconnectReason, err error) {
	h.mu.Lock()
	h.markClosingLocked(c, reason, err)
	h.mu.Unlock()
}

func (h *Host) markClosingLocked(c *connection, reason domain.DisconnectReason, err error) {
	if c.state == stateClosing {
		return
	}
	c.state = stateClosing
	c.reason = reason
	if err != nil && reason != domain.DisconnectEOF {
		c.log.Debug().Err(err).Str("reason", string(reason)).Msg("connection closing")
	}
	h.signalWake()
}

func (h *Host) signalWake() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// sweep removes and frees every closing connection. It holds the shared lock
// so no publish can touch a queue that is being released.
func (h *Host) sweep() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.conns {
		if c.state != stateClosing {
			continue
		}
		delete(h.conns, id)
		h.metrics.FramesDropped(domain.DropDisconnect, c.discardQueue())
		_ = c.sock.Close()
		close(c.done)
		h.metrics.ConnectionClosed(c.reason)
		c.log.Info().Str("reason", string(c.reason)).Msg("client disconnected")
	}
}

func (h *Host) shutdown(ln net.Listener) {
	h.mu.Lock()
	for _, c := range h.conns {
		h.markClosingLocked(c, domain.DisconnectShutdown, nil)
	}
	h.mu.Unlock()
	h.sweep()
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		h.log.Warn().Err(err).Msg("close listener")
	}
}
