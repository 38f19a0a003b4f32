package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"graphhost/internal/domain"
	"graphhost/internal/ingest/envelope"
	"graphhost/internal/metrics"
)

const bridgeName = "kafka"

// Publisher is the graph host publish API.
type Publisher interface {
	Publish(series string, value float32) error
}

type Config struct {
	Enabled        bool
	Brokers        []string
	Topics         []string
	GroupID        string
	ClientID       string
	WorkerCount    int
	MaxPollRecords int
	QueueCapacity  int
	ParseMode      string
	TLS            TLSConfig
	Fetch          FetchConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

type Adapter struct {
	cfg Config
	log zerolog.Logger
	met *metrics.Metrics

	client  *kgo.Client
	kopts   []kgo.Opt
	workers []chan *kgo.Record
	acks    chan recordAck
	closed  atomic.Bool

	pauseMux sync.Mutex
	paused   bool

	publisher    Publisher
	markCommit   func(*kgo.Record)
	commitMarked func(context.Context) error
	pauseFetch   func(...string)
	resumeFetch  func(...string)
}

type recordAck struct {
	record *kgo.Record
	err    error
}

type Option func(*Adapter)

func WithLogger(log zerolog.Logger) Option  { return func(a *Adapter) { a.log = log } }
func WithMetrics(m *metrics.Metrics) Option { return func(a *Adapter) { a.met = m } }

// WithClientOpts appends raw franz-go options, e.g. SASL mechanisms.
func WithClientOpts(opts ...kgo.Opt) Option {
	return func(a *Adapter) { a.kopts = append(a.kopts, opts...) }
}

func NewAdapter(cfg Config, publisher Publisher, opts ...Option) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	base := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(cfg.Fetch.MaxBytes),
	}
	if cfg.ClientID != "" {
		base = append(base, kgo.ClientID(cfg.ClientID))
	}
	if cfg.TLS.Enabled {
		base = append(base, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.TLS.InsecureSkipVerify}))
	}
	a := newAdapter(cfg, publisher)
	for _, opt := range opts {
		opt(a)
	}
	base = append(base, a.kopts...)

	cl, err := kgo.NewClient(base...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	a.client = cl
	a.markCommit = func(r *kgo.Record) { cl.MarkCommitRecords(r) }
	a.commitMarked = func(ctx context.Context) error { return cl.CommitMarkedOffsets(ctx) }
	a.pauseFetch = func(topics ...string) { _ = cl.PauseFetchTopics(topics...) }
	a.resumeFetch = func(topics ...string) { cl.ResumeFetchTopics(topics...) }
	return a, nil
}

func newAdapter(cfg Config, publisher Publisher) *Adapter {
	a := &Adapter{
		cfg:       cfg,
		log:       zerolog.Nop(),
		publisher: publisher,
		workers:   make([]chan *kgo.Record, cfg.WorkerCount),
		acks:      make(chan recordAck, cfg.QueueCapacity),
	}
	for i := range a.workers {
		a.workers[i] = make(chan *kgo.Record, cfg.QueueCapacity)
	}
	return a
}

func (c *Config) withDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.ParseMode == "" {
		c.ParseMode = envelope.ParseModeJSON
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = 250 * time.Millisecond
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 16 << 20
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if len(c.Topics) == 0 {
		return errors.New("kafka.topics is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka.group_id is required")
	}
	if c.ParseMode != "" && !envelope.ValidParseMode(c.ParseMode) {
		return fmt.Errorf("unsupported kafka parse mode %q", c.ParseMode)
	}
	return nil
}

// Start polls until ctx ends or Close is called.
func (a *Adapter) Start(ctx context.Context) error {
	defer a.client.Close()
	var wg sync.WaitGroup
	ackCtx, stopAcks := context.WithCancel(context.WithoutCancel(ctx))
	ackDone := make(chan struct{})
	go func() {
		defer close(ackDone)
		a.handleAcks(ackCtx)
	}()

	for _, ch := range a.workers {
		wg.Add(1)
		go func(ch chan *kgo.Record) {
			defer wg.Done()
			a.runWorker(ch)
		}(ch)
	}
	shutdown := func() {
		for _, ch := range a.workers {
			close(ch)
		}
		wg.Wait()
		stopAcks()
		<-ackDone
	}

	for {
		if ctx.Err() != nil || a.closed.Load() {
			shutdown()
			return ctx.Err()
		}
		fetches := a.client.PollRecords(ctx, a.cfg.MaxPollRecords)
		if fetches.IsClientClosed() {
			shutdown()
			return nil
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			if ctx.Err() != nil {
				continue
			}
			shutdown()
			return errs[0].Err
		}
		fetches.EachRecord(func(rec *kgo.Record) {
			a.dispatch(ctx, rec)
		})
		a.client.AllowRebalance()
	}
}

func (a *Adapter) Close() {
	a.closed.Store(true)
}

// dispatch hands rec to the worker owning its partition so samples from one
// partition publish in order.
func (a *Adapter) dispatch(ctx context.Context, rec *kgo.Record) {
	ch := a.workers[int(rec.Partition)%len(a.workers)]
	for {
		select {
		case ch <- rec:
			a.maybeResume(ch)
			return
		case <-ctx.Done():
			return
		default:
			a.maybePause(ch)
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func (a *Adapter) runWorker(records <-chan *kgo.Record) {
	for rec := range records {
		s, err := a.normalizeRecord(rec)
		if err != nil {
			a.met.BridgeMessage(bridgeName, "rejected")
			a.log.Debug().Err(err).Str("ref", sourceRef(rec)).Msg("dropping unparseable record")
			a.acks <- recordAck{record: rec}
			continue
		}
		err = a.publisher.Publish(s.Series, s.Value)
		if err != nil {
			a.met.BridgeMessage(bridgeName, "retry")
		} else {
			a.met.BridgeMessage(bridgeName, "published")
		}
		a.acks <- recordAck{record: rec, err: err}
	}
}

// handleAcks commits offsets once a record has been handed to the host or
// rejected as unparseable. Publish failures leave the offset uncommitted.
func (a *Adapter) handleAcks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ack := <-a.acks:
			if ack.record == nil || ack.err != nil {
				continue
			}
			a.markCommit(ack.record)
			if err := a.commitMarked(ctx); err != nil {
				a.log.Warn().Err(err).Msg("commit offsets")
			}
		}
	}
}

func (a *Adapter) normalizeRecord(rec *kgo.Record) (domain.Sample, error) {
	s, err := envelope.Decode(a.cfg.ParseMode, rec.Value, string(rec.Key))
	if err != nil {
		return s, err
	}
	s.Source = bridgeName
	s.SourceRef = sourceRef(rec)
	s.ReceivedAtUTC = time.Now().UTC()
	return s, nil
}

func sourceRef(rec *kgo.Record) string {
	return fmt.Sprintf("%s/%d/%d", rec.Topic, rec.Partition, rec.Offset)
}

func (a *Adapter) maybePause(ch chan *kgo.Record) {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if a.paused || len(ch) < cap(ch) {
		return
	}
	a.pauseFetch(a.cfg.Topics...)
	a.paused = true
}

func (a *Adapter) maybeResume(ch chan *kgo.Record) {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if !a.paused || len(ch) > cap(ch)/2 {
		return
	}
	a.resumeFetch(a.cfg.Topics...)
	a.paused = false
}
