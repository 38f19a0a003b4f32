// Package host serves live telemetry series to remote graphing clients.
//
// Producers call Publish from any goroutine. Clients connect over TCP, list the
// known series, subscribe to some of them and receive one data frame per
// published sample of each subscribed series. Publish only appends to
// in-memory queues; all socket I/O runs on the host's own goroutines.
package host

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"graphhost/internal/domain"
	"graphhost/internal/metrics"
	"graphhost/internal/series"
	"graphhost/internal/wire"
)

var (
	ErrNotRunning = errors.New("graph host not running")
	ErrStarted    = errors.New("graph host already started")
	ErrClosed     = errors.New("graph host closed")
)

type lifecycle int

const (
	lifecycleIdle lifecycle = iota
	lifecycleRunning
	lifecycleStopped
)

type Host struct {
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.Metrics

	// mu is the shared-state lock: registry, connection set, subscription
	// sets and outbound queues.
	mu       sync.Mutex
	state    lifecycle
	epoch    time.Time
	registry *series.Registry
	conns    map[string]*connection
	addr     string

	accepted chan net.Conn
	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	acceptWG sync.WaitGroup
	wg       sync.WaitGroup
}

type Stats struct {
	Running     bool
	Connections int
	Series      int
}

// New constructs a host and starts its sample clock. Call Start to bind.
func New(cfg Config, opts ...Option) *Host {
	cfg.withDefaults()
	h := &Host{
		cfg:      cfg,
		log:      zerolog.Nop(),
		epoch:    time.Now(),
		registry: series.NewRegistry(),
		conns:    make(map[string]*connection),
		accepted: make(chan net.Conn),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Listen is New followed by Start.
func Listen(cfg Config, opts ...Option) (*Host, error) {
	h := New(cfg, opts...)
	if err := h.Start(); err != nil {
		return nil, err
	}
	return h, nil
}

// Start binds the listening socket and launches the engine. A bind failure is
// returned and leaves the host not running.
func (h *Host) Start() error {
	if err := h.cfg.Validate(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case lifecycleRunning:
		return ErrStarted
	case lifecycleStopped:
		return ErrClosed
	}
	ln, err := net.Listen("tcp", h.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", h.cfg.Address, err)
	}
	h.addr = ln.Addr().String()
	h.state = lifecycleRunning

	h.acceptWG.Add(1)
	go h.acceptLoop(ln)
	go h.run(ln)
	h.log.Info().Str("addr", h.addr).Msg("graph host listening")
	return nil
}

// Stop closes every connection, discarding queued frames, closes the listener
// and waits for all host goroutines to exit.
func (h *Host) Stop() error {
	h.mu.Lock()
	if h.state != lifecycleRunning {
		h.state = lifecycleStopped
		h.mu.Unlock()
		return nil
	}
	h.state = lifecycleStopped
	h.mu.Unlock()

	close(h.stop)
	<-h.done
	h.acceptWG.Wait()
	h.wg.Wait()
	h.log.Info().Msg("graph host stopped")
	return nil
}

func (h *Host) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addr
}

// ResetClock restarts sample timestamps at zero.
func (h *Host) ResetClock() {
	h.mu.Lock()
	h.epoch = time.Now()
	h.mu.Unlock()
}

func (h *Host) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{Running: h.state == lifecycleRunning, Connections: len(h.conns), Series: h.registry.Len()}
}

// Publish records name if it is new and queues one data frame on every
// connection subscribed to it. It never blocks on network I/O.
func (h *Host) Publish(name string, value float32) error {
	key := series.Canonicalize(name)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != lifecycleRunning {
		return ErrNotRunning
	}
	isNew := h.registry.RecordIfNew(key)
	h.metrics.SamplePublished(isNew)
	if isNew {
		h.log.Debug().Str("series", key).Msg("new series")
	}

	var frame []byte
	for _, c := range h.conns {
		if c.state != stateActive || !c.subs.has(key) {
			continue
		}
		if frame == nil {
			frame = wire.EncodeData(key, uint64(time.Since(h.epoch).Milliseconds()), value)
		}
		h.enqueueLocked(c, frame)
	}
	return nil
}

func (h *Host) enqueueLocked(c *connection, frame []byte) {
	res := c.enqueue(frame, h.cfg.MaxQueuedFrames, h.cfg.OverflowPolicy)
	if res.overflow {
		h.markClosingLocked(c, domain.DisconnectOverflow, nil)
		c.log.Warn().Int("queued", len(c.queue)).Msg("outbound queue full, disconnecting")
		return
	}
	if res.dropped != "" {
		h.metrics.FramesDropped(res.dropped, 1)
	}
}

// handleCommand applies one fully buffered command frame. Unknown tags are
// ignored without a reply.
func (h *Host) handleCommand(c *connection, buf []byte) {
	cmd, ok := wire.DecodeCommand(buf)
	if !ok {
		h.metrics.ProtocolError()
		c.log.Debug().Uint8("tag", buf[0]).Msg("ignoring unknown command")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if c.state != stateActive {
		return
	}
	switch cmd.Tag {
	case wire.TagSubscribe:
		if c.subs.add(cmd.Name) {
			c.log.Debug().Str("series", cmd.Name).Msg("subscribed")
		}
	case wire.TagUnsubscribe:
		if c.subs.remove(cmd.Name) {
			c.log.Debug().Str("series", cmd.Name).Msg("unsubscribed")
		}
	case wire.TagList:
		names := h.registry.Snapshot()
		for i, name := range names {
			h.enqueueLocked(c, wire.EncodeListEntry(name, i == len(names)-1))
			if c.state != stateActive {
				return
			}
		}
	}
}
