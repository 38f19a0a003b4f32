// Package nats bridges samples published on NATS subjects into the graph host.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"graphhost/internal/domain"
	"graphhost/internal/ingest/envelope"
	"graphhost/internal/metrics"
)

const bridgeName = "nats"

// Publisher is the graph host publish API.
type Publisher interface {
	Publish(series string, value float32) error
}

type Config struct {
	Enabled       bool
	URL           string
	Subjects      []string
	QueueGroup    string
	ClientName    string
	ParseMode     string
	MaxReconnects int
	ReconnectWait time.Duration
	Auth          AuthConfig
	TLS           TLSConfig
}

type AuthConfig struct {
	Username string
	Password string
	Token    string
}

type TLSConfig struct {
	Enabled  bool
	CertFile string
	KeyFile  string
	CAFile   string
}

func (c *Config) withDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.ParseMode == "" {
		c.ParseMode = envelope.ParseModeJSON
	}
	if c.ClientName == "" {
		c.ClientName = "graphhost"
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Subjects) == 0 {
		return errors.New("nats.subjects is required")
	}
	for _, s := range c.Subjects {
		if strings.TrimSpace(s) == "" {
			return errors.New("nats.subjects must not contain empty subjects")
		}
	}
	if c.ParseMode != "" && !envelope.ValidParseMode(c.ParseMode) {
		return fmt.Errorf("unsupported nats parse mode %q", c.ParseMode)
	}
	return nil
}

type Adapter struct {
	cfg Config
	pub Publisher
	log zerolog.Logger
	met *metrics.Metrics

	mu   sync.Mutex
	conn *nats.Conn
	subs []*nats.Subscription
}

type Option func(*Adapter)

func WithLogger(log zerolog.Logger) Option  { return func(a *Adapter) { a.log = log } }
func WithMetrics(m *metrics.Metrics) Option { return func(a *Adapter) { a.met = m } }

func NewAdapter(cfg Config, pub Publisher, opts ...Option) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	a := &Adapter{cfg: cfg, pub: pub, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Adapter) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.Name(a.cfg.ClientName),
		nats.MaxReconnects(a.cfg.MaxReconnects),
		nats.ReconnectWait(a.cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				a.log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			a.log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			ev := a.log.Error().Err(err)
			if sub != nil {
				ev = ev.Str("subject", sub.Subject)
			}
			ev.Msg("nats async error")
		}),
	}
	if a.cfg.Auth.Username != "" && a.cfg.Auth.Password != "" {
		opts = append(opts, nats.UserInfo(a.cfg.Auth.Username, a.cfg.Auth.Password))
	}
	if a.cfg.Auth.Token != "" {
		opts = append(opts, nats.Token(a.cfg.Auth.Token))
	}
	if a.cfg.TLS.Enabled {
		if a.cfg.TLS.CertFile != "" && a.cfg.TLS.KeyFile != "" {
			opts = append(opts, nats.ClientCert(a.cfg.TLS.CertFile, a.cfg.TLS.KeyFile))
		}
		if a.cfg.TLS.CAFile != "" {
			opts = append(opts, nats.RootCAs(a.cfg.TLS.CAFile))
		}
	}
	return opts
}

// Start connects and subscribes. Messages are handled on the client's
// per-subscription goroutines until Close or ctx ends.
func (a *Adapter) Start(ctx context.Context) error {
	conn, err := nats.Connect(a.cfg.URL, a.connectionOptions()...)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	subs := make([]*nats.Subscription, 0, len(a.cfg.Subjects))
	for _, subject := range a.cfg.Subjects {
		var sub *nats.Subscription
		if a.cfg.QueueGroup != "" {
			sub, err = conn.QueueSubscribe(subject, a.cfg.QueueGroup, a.handleMsg)
		} else {
			sub, err = conn.Subscribe(subject, a.handleMsg)
		}
		if err != nil {
			conn.Close()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	if err := conn.Flush(); err != nil {
		conn.Close()
		return fmt.Errorf("flush subscriptions: %w", err)
	}
	a.mu.Lock()
	a.conn, a.subs = conn, subs
	a.mu.Unlock()
	a.log.Info().Strs("subjects", a.cfg.Subjects).Str("queue_group", a.cfg.QueueGroup).Msg("nats bridge subscribed")

	go func() {
		<-ctx.Done()
		_ = a.Close()
	}()
	return nil
}

// Close drains the subscriptions so in-flight messages reach the host.
func (a *Adapter) Close() error {
	a.mu.Lock()
	conn := a.conn
	a.conn, a.subs = nil, nil
	a.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Drain()
}

func (a *Adapter) handleMsg(msg *nats.Msg) {
	s, err := a.parseMsg(msg)
	if err != nil {
		a.met.BridgeMessage(bridgeName, "rejected")
		a.log.Debug().Err(err).Str("subject", msg.Subject).Msg("dropping unparseable message")
		return
	}
	if err := a.pub.Publish(s.Series, s.Value); err != nil {
		// Core NATS has no redelivery; the sample is lost.
		a.met.BridgeMessage(bridgeName, "retry")
		a.log.Warn().Err(err).Str("series", s.Series).Msg("publish failed")
		return
	}
	a.met.BridgeMessage(bridgeName, "published")
}

func (a *Adapter) parseMsg(msg *nats.Msg) (domain.Sample, error) {
	s, err := envelope.Decode(a.cfg.ParseMode, msg.Data, lastToken(msg.Subject))
	if err != nil {
		return s, err
	}
	s.Source = bridgeName
	s.SourceRef = msg.Subject
	s.ReceivedAtUTC = time.Now().UTC()
	return s, nil
}

func lastToken(subject string) string {
	if i := strings.LastIndexByte(subject, '.'); i >= 0 {
		return subject[i+1:]
	}
	return subject
}
