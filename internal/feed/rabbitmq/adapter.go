// Package rabbitmq subscribes to the complaint change feed published on a
// RabbitMQ topic exchange and drives the synchronization engine from it.
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
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"civicsync/internal/domain"
	"civicsync/internal/feed"
	"civicsync/internal/feed/lane"
	"civicsync/internal/ledger"
)

// State is the connection lifecycle position. Transitions:
// Connecting -> Subscribed -> (Error | Disconnected) -> Connecting.
type State string

const (
	StateConnecting   State = "connecting"
	StateSubscribed   State = "subscribed"
	StateError        State = "error"
	StateDisconnected State = "disconnected"
)

type Config struct {
	Enabled       bool
	URL           string
	Exchange      string
	Queue         string
	RoutingKeys   []string
	ConsumerTag   string
	PrefetchCount int
	Workers       int
	DeliveryQueue int
	// ReconnectMaxInterval caps the exponential backoff between reconnect
	// attempts after the subscription drops.
	ReconnectMaxInterval time.Duration
	TLS                  TLSConfig
	Auth                 AuthConfig
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

func (c *Config) withDefaults() {
	if c.ConsumerTag == "" {
		c.ConsumerTag = "civicsync-feed"
	}
	if c.PrefetchCount <= 0 {
		c.PrefetchCount = 32
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.DeliveryQueue <= 0 {
		c.DeliveryQueue = 256
	}
	if c.ReconnectMaxInterval <= 0 {
		c.ReconnectMaxInterval = 30 * time.Second
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("rabbitmq url is required")
	}
	if c.Queue == "" {
		return fmt.Errorf("rabbitmq queue is required")
	}
	if c.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange is required")
	}
	return nil
}

// Adapter is the RabbitMQ change-event listener. Deliveries fan out to worker
// lanes keyed by complaint id, so a suspended ledger submission never blocks
// intake of unrelated notifications while events for one complaint stay in
// arrival order.
type Adapter struct {
	cfg     Config
	log     zerolog.Logger
	handler feed.Handler

	lanes  []chan routedDelivery
	closed chan struct{}
	wg     sync.WaitGroup

	mu    sync.Mutex
	conn  *amqp091.Connection
	ch    *amqp091.Channel
	state State
}

type routedDelivery struct {
	d  amqp091.Delivery
	ev domain.ChangeEvent
}

func NewAdapter(cfg Config, handler feed.Handler, log zerolog.Logger) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	lanes := make([]chan routedDelivery, cfg.Workers)
	depth := cfg.DeliveryQueue / cfg.Workers
	if depth < 1 {
		depth = 1
	}
	for i := range lanes {
		lanes[i] = make(chan routedDelivery, depth)
	}
	return &Adapter{
		cfg:     cfg,
		log:     log.With().Str("component", "feed-rabbitmq").Logger(),
		handler: handler,
		lanes:   lanes,
		closed:  make(chan struct{}),
	}, nil
}

// Start subscribes and spawns the consume loop. The initial connection is
// fatal on failure; later drops reconnect with backoff. While disconnected no
// notifications arrive, so records changed in that window are only caught up
// by the next backlog reconciliation.
func (a *Adapter) Start(ctx context.Context) error {
	a.setState(StateConnecting)
	deliveries, closeCh, err := a.connect()
	if err != nil {
		return fmt.Errorf("initial feed connect: %w", err)
	}
	a.setState(StateSubscribed)

	for _, laneCh := range a.lanes {
		a.wg.Add(1)
		go func(ch <-chan routedDelivery) {
			defer a.wg.Done()
			a.workerLoop(ctx, ch)
		}(laneCh)
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			for _, ch := range a.lanes {
				close(ch)
			}
		}()
		a.run(ctx, deliveries, closeCh)
	}()
	return nil
}

func (a *Adapter) run(ctx context.Context, deliveries <-chan amqp091.Delivery, closeCh chan *amqp091.Error) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = a.cfg.ReconnectMaxInterval
	bo.MaxElapsedTime = 0

	for {
		err := a.consume(ctx, deliveries, closeCh)
		a.closeSession()
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		default:
		}
		a.setState(StateDisconnected)
		a.log.Warn().Err(err).Msg("subscription dropped")

		for {
			a.setState(StateConnecting)
			deliveries, closeCh, err = a.connect()
			if err == nil {
				bo.Reset()
				a.setState(StateSubscribed)
				break
			}
			a.setState(StateError)
			wait := bo.NextBackOff()
			a.log.Warn().Err(err).Dur("retry_in", wait).Msg("reconnect failed")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			case <-a.closed:
				return
			}
		}
	}
}

// Close stops intake and waits for in-flight deliveries to finish.
func (a *Adapter) Close() error {
	select {
	case <-a.closed:
		return nil
	default:
		close(a.closed)
	}
	a.closeSession()
	a.wg.Wait()
	return nil
}

func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Adapter) setState(s State) {
	a.mu.Lock()
	prev := a.state
	a.state = s
	a.mu.Unlock()
	if prev != s {
		a.log.Info().Str("from", string(prev)).Str("to", string(s)).Msg("feed state changed")
	}
}

func (a *Adapter) connect() (<-chan amqp091.Delivery, chan *amqp091.Error, error) {
	dialCfg := amqp091.Config{}
	if a.cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: a.cfg.Auth.Username, Password: a.cfg.Auth.Password}}
	}
	if tlsCfg, err := a.buildTLSConfig(); err != nil {
		return nil, nil, err
	} else if tlsCfg != nil {
		dialCfg.TLSClientConfig = tlsCfg
	}
	conn, err := amqp091.DialConfig(a.cfg.URL, dialCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Qos(a.cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("set prefetch: %w", err)
	}
	if err := ch.ExchangeDeclare(a.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(a.cfg.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("declare queue: %w", err)
	}
	keys := a.cfg.RoutingKeys
	if len(keys) == 0 {
		keys = []string{"#"}
	}
	for _, key := range keys {
		if err := ch.QueueBind(a.cfg.Queue, key, a.cfg.Exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, nil, fmt.Errorf("bind queue key=%s: %w", key, err)
		}
	}
	deliveries, err := ch.Consume(a.cfg.Queue, a.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("consume queue: %w", err)
	}
	closeCh := conn.NotifyClose(make(chan *amqp091.Error, 1))

	a.mu.Lock()
	a.conn, a.ch = conn, ch
	a.mu.Unlock()
	return deliveries, closeCh, nil
}

func (a *Adapter) closeSession() {
	a.mu.Lock()
	conn, ch := a.conn, a.ch
	a.conn, a.ch = nil, nil
	a.mu.Unlock()
	if ch != nil {
		_ = ch.Cancel(a.cfg.ConsumerTag, false)
		_ = ch.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (a *Adapter) consume(ctx context.Context, deliveries <-chan amqp091.Delivery, closeCh chan *amqp091.Error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.closed:
			return nil
		case err := <-closeCh:
			if err == nil {
				return errors.New("connection closed")
			}
			return err
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			if err := a.routeDelivery(ctx, d); err != nil {
				return err
			}
		}
	}
}

// routeDelivery parses the body and dispatches to the complaint's lane.
// Malformed bodies are dropped here; a redelivery would fail the same way.
func (a *Adapter) routeDelivery(ctx context.Context, d amqp091.Delivery) error {
	ev, err := feed.ParseEnvelope(d.Body)
	if err != nil {
		a.log.Warn().Err(err).Str("routing_key", d.RoutingKey).Msg("dropping malformed change event")
		_ = d.Nack(false, false)
		return nil
	}
	ev.Source = "rabbitmq"
	ev.SourceRef = fmt.Sprintf("%s/%s/%d", d.Exchange, d.RoutingKey, d.DeliveryTag)

	var id int64
	if ev.After != nil {
		id = ev.After.ID
	} else if ev.Before != nil {
		id = ev.Before.ID
	}
	select {
	case a.lanes[lane.For(id, len(a.lanes))] <- routedDelivery{d: d, ev: ev}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-a.closed:
		return nil
	}
}

func (a *Adapter) workerLoop(ctx context.Context, laneCh <-chan routedDelivery) {
	for item := range laneCh {
		a.handleDelivery(ctx, item.d, item.ev)
	}
}

func (a *Adapter) handleDelivery(ctx context.Context, d amqp091.Delivery, ev domain.ChangeEvent) {
	if err := a.handler.HandleChange(ctx, ev); err != nil {
		if ledger.IsTransient(err) {
			// The ledger may be back for a redelivery; requeue.
			_ = d.Nack(false, true)
			return
		}
		// Terminal outcomes were already recorded as failure markers.
		a.log.Warn().Err(err).Str("source_ref", ev.SourceRef).Msg("change event handled with terminal failure")
		_ = d.Ack(false)
		return
	}
	_ = d.Ack(false)
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
