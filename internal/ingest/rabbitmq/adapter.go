package rabbitmq

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"graphhost/internal/domain"
	"graphhost/internal/host"
	"graphhost/internal/ingest/envelope"
	"graphhost/internal/metrics"
)

const bridgeName = "rabbitmq"

// Publisher is the graph host publish API.
type Publisher interface {
	Publish(series string, value float32) error
}

type Config struct {
	Enabled       bool
	URL           string
	Endpoints     []string
	Exchange      string
	Queue         string
	RoutingKeys   []string
	ConsumerTag   string
	PrefetchCount int
	ManualAck     bool
	ParseMode     string
	TLS           TLSConfig
	Auth          AuthConfig
	Workers       int
	DeliveryQueue int
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
}

type AuthConfig struct {
	Username string
	Password string
}

type Adapter struct {
	cfg      Config
	pub      Publisher
	log      zerolog.Logger
	met      *metrics.Metrics
	conn     *amqp091.Connection
	ch       *amqp091.Channel
	deliver  <-chan amqp091.Delivery
	ops      chan amqp091.Delivery
	closed   chan struct{}
	closeErr atomic.Value
	wg       sync.WaitGroup
}

type Option func(*Adapter)

func WithLogger(log zerolog.Logger) Option  { return func(a *Adapter) { a.log = log } }
func WithMetrics(m *metrics.Metrics) Option { return func(a *Adapter) { a.met = m } }

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if !c.ManualAck {
		return fmt.Errorf("rabbitmq manual_ack must be true")
	}
	if c.Queue == "" {
		return fmt.Errorf("rabbitmq queue is required")
	}
	if c.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange is required")
	}
	if c.PrefetchCount < 1 {
		return fmt.Errorf("rabbitmq prefetch_count must be >= 1")
	}
	if c.Workers < 1 {
		return fmt.Errorf("rabbitmq workers must be >= 1")
	}
	if c.DeliveryQueue < 1 {
		return fmt.Errorf("rabbitmq delivery_queue must be >= 1")
	}
	if c.endpoint() == "" {
		return fmt.Errorf("rabbitmq url or endpoints is required")
	}
	if c.ParseMode != "" && !envelope.ValidParseMode(c.ParseMode) {
		return fmt.Errorf("unsupported rabbitmq parse mode %q", c.ParseMode)
	}
	return nil
}

func (c Config) endpoint() string {
	if strings.TrimSpace(c.URL) != "" {
		return strings.TrimSpace(c.URL)
	}
	for _, e := range c.Endpoints {
		if strings.TrimSpace(e) != "" {
			return strings.TrimSpace(e)
		}
	}
	return ""
}

func NewAdapter(cfg Config, pub Publisher, opts ...Option) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if pub == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "graphhost-rabbitmq"
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = envelope.ParseModeJSON
	}
	a := &Adapter{cfg: cfg, pub: pub, log: zerolog.Nop(), closed: make(chan struct{}), ops: make(chan amqp091.Delivery, cfg.DeliveryQueue)}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Adapter) Start(ctx context.Context) error {
	dialCfg := amqp091.Config{}
	if a.cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: a.cfg.Auth.Username, Password: a.cfg.Auth.Password}}
	}
	if tlsCfg, err := a.buildTLSConfig(); err != nil {
		return err
	} else if tlsCfg != nil {
		dialCfg.TLSClientConfig = tlsCfg
	}
	conn, err := amqp091.DialConfig(a.cfg.endpoint(), dialCfg)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.Qos(a.cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("set prefetch: %w", err)
	}
	if err := ch.ExchangeDeclare(a.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(a.cfg.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	routingKeys := a.cfg.RoutingKeys
	if len(routingKeys) == 0 {
		routingKeys = []string{"#"}
	}
	for _, key := range routingKeys {
		if err := ch.QueueBind(a.cfg.Queue, key, a.cfg.Exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return fmt.Errorf("bind queue key=%s: %w", key, err)
		}
	}
	deliveries, err := ch.Consume(a.cfg.Queue, a.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("consume queue: %w", err)
	}
	a.conn, a.ch, a.deliver = conn, ch, deliveries

	a.wg.Add(1)
	go a.readLoop(ctx)
	for i := 0; i < a.cfg.Workers; i++ {
		a.wg.Add(1)
		go a.workerLoop(ctx)
	}
	return nil
}

func (a *Adapter) Close() error {
	select {
	case <-a.closed:
		if v := a.closeErr.Load(); v != nil {
			return v.(error)
		}
		return nil
	default:
		close(a.closed)
	}
	if a.ch != nil {
		_ = a.ch.Cancel(a.cfg.ConsumerTag, false)
	}
	a.wg.Wait()
	var errs []error
	if a.ch != nil {
		if err := a.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	a.closeErr.Store(err)
	return err
}

func (a *Adapter) readLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		case d, ok := <-a.deliver:
			if !ok {
				return
			}
			select {
			case a.ops <- d:
			case <-ctx.Done():
				return
			case <-a.closed:
				return
			}
		}
	}
}

func (a *Adapter) workerLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		case d, ok := <-a.ops:
			if !ok {
				return
			}
			a.processDelivery(d)
		}
	}
}

// processDelivery acks once the sample reached the host. Unparseable bodies
// are dropped; a stopped host or a temporary failure requeues.
func (a *Adapter) processDelivery(d amqp091.Delivery) {
	s, err := a.parseDelivery(d)
	if err != nil {
		a.met.BridgeMessage(bridgeName, "rejected")
		a.log.Debug().Err(err).Uint64("delivery_tag", d.DeliveryTag).Msg("dropping unparseable delivery")
		_ = d.Nack(false, false)
		return
	}
	if err := a.pub.Publish(s.Series, s.Value); err != nil {
		if isRetryable(err) {
			a.met.BridgeMessage(bridgeName, "retry")
			_ = d.Nack(false, true)
			return
		}
		a.met.BridgeMessage(bridgeName, "rejected")
		a.log.Warn().Err(err).Str("series", s.Series).Msg("publish failed")
		_ = d.Nack(false, false)
		return
	}
	a.met.BridgeMessage(bridgeName, "published")
	_ = d.Ack(false)
}

// parseDelivery names the sample from the body, then a "series" header, then
// the routing key.
func (a *Adapter) parseDelivery(d amqp091.Delivery) (domain.Sample, error) {
	fallback := headerString(d.Headers, "series")
	if fallback == "" {
		fallback = d.RoutingKey
	}
	s, err := envelope.Decode(a.cfg.ParseMode, d.Body, fallback)
	if err != nil {
		return s, err
	}
	s.Source = bridgeName
	s.SourceRef = fmt.Sprintf("%s/%s/%d", d.Exchange, d.RoutingKey, d.DeliveryTag)
	s.ReceivedAtUTC = time.Now().UTC()
	return s, nil
}

func headerString(table amqp091.Table, key string) string {
	if table == nil {
		return ""
	}
	v, ok := table[key]
	if !ok {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func (a *Adapter) buildTLSConfig() (*tls.Config, error) {
	if !a.cfg.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: a.cfg.TLS.InsecureSkipVerify, ServerName: a.cfg.TLS.ServerName}
	if a.cfg.TLS.CAFile != "" {
		pemBytes, err := os.ReadFile(a.cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read rabbitmq ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("parse rabbitmq ca_file")
		}
		tlsCfg.RootCAs = pool
	}
	if a.cfg.TLS.CertFile != "" || a.cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(a.cfg.TLS.CertFile, a.cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load rabbitmq cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

type retryable interface{ Temporary() bool }

func isRetryable(err error) bool {
	if errors.Is(err, host.ErrNotRunning) {
		return true
	}
	var te retryable
	if errors.As(err, &te) {
		return te.Temporary()
	}
	return false
}
