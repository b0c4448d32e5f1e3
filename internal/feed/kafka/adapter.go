// Package kafka subscribes to the complaint change feed published as a CDC
// topic and drives the synchronization engine from it. Offsets are committed
// only after the engine has handled the record, so an in-flight ledger
// submission is never lost to a crash.
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

	"civicsync/internal/domain"
	"civicsync/internal/feed"
	"civicsync/internal/feed/lane"
	"civicsync/internal/ledger"
)

type Config struct {
	Enabled        bool
	Brokers        []string
	Topics         []string
	GroupID        string
	ClientID       string
	WorkerCount    int
	MaxPollRecords int
	QueueCapacity  int
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
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
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
	return nil
}

// Adapter is the Kafka change-event listener. Records fan out to worker lanes
// keyed by complaint id, keeping per-complaint arrival order; fetching pauses
// when a lane backs up so a slow ledger cannot grow the in-memory queue
// without bound.
type Adapter struct {
	cfg     Config
	log     zerolog.Logger
	handler feed.Handler

	client *kgo.Client
	lanes  []chan routedRecord
	acks   chan recordAck
	closed atomic.Bool

	pauseMux sync.Mutex
	paused   bool

	markCommit   func(*kgo.Record)
	commitMarked func(context.Context) error
	pauseFetch   func(...string)
	resumeFetch  func(...string)
}

type routedRecord struct {
	rec *kgo.Record
	ev  domain.ChangeEvent
}

type recordAck struct {
	record *kgo.Record
	err    error
}

func NewAdapter(cfg Config, handler feed.Handler, log zerolog.Logger, opts ...kgo.Opt) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	kopts := []kgo.Opt{
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
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: cfg.TLS.InsecureSkipVerify}))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	lanes := make([]chan routedRecord, cfg.WorkerCount)
	depth := cfg.QueueCapacity / cfg.WorkerCount
	if depth < 1 {
		depth = 1
	}
	for i := range lanes {
		lanes[i] = make(chan routedRecord, depth)
	}
	a := &Adapter{
		cfg:     cfg,
		log:     log.With().Str("component", "feed-kafka").Logger(),
		handler: handler,
		client:  cl,
		lanes:   lanes,
		acks:    make(chan recordAck, cfg.QueueCapacity),
	}
	a.markCommit = func(r *kgo.Record) { cl.MarkCommitRecords(r) }
	a.commitMarked = func(ctx context.Context) error { return cl.CommitMarkedOffsets(ctx) }
	a.pauseFetch = func(topics ...string) { _ = cl.PauseFetchTopics(topics...) }
	a.resumeFetch = func(topics ...string) { cl.ResumeFetchTopics(topics...) }
	return a, nil
}

// Start polls until ctx ends or Close is called. It blocks; run it on its own
// goroutine.
func (a *Adapter) Start(ctx context.Context) error {
	defer a.client.Close()
	acksDone := make(chan struct{})
	go func() {
		defer close(acksDone)
		a.handleAcks(ctx)
	}()

	var workers sync.WaitGroup
	for _, laneCh := range a.lanes {
		workers.Add(1)
		go func(ch <-chan routedRecord) {
			defer workers.Done()
			a.runWorker(ctx, ch)
		}(laneCh)
	}

	// Workers drain their lanes into the ack channel, so the ack channel
	// must close after the last worker exits, never before.
	shutdown := func() {
		for _, ch := range a.lanes {
			close(ch)
		}
		workers.Wait()
		close(a.acks)
		<-acksDone
	}
	for {
		if ctx.Err() != nil || a.closed.Load() {
			shutdown()
			return ctx.Err()
		}
		fetches := a.client.PollRecords(ctx, a.cfg.MaxPollRecords)
		if errs := fetches.Errors(); len(errs) > 0 {
			shutdown()
			return errs[0].Err
		}
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for _, rec := range p.Records {
				a.routeRecord(rec)
			}
		})
		a.client.AllowRebalance()
	}
}

// routeRecord normalizes and dispatches to the complaint's lane, spinning
// with fetch paused while the lane is full. Malformed records are acked
// straight away; a redelivery would fail the same way.
func (a *Adapter) routeRecord(rec *kgo.Record) {
	ev, err := a.normalizeRecord(rec)
	if err != nil {
		a.log.Warn().Err(err).Str("topic", rec.Topic).Int64("offset", rec.Offset).Msg("dropping malformed change event")
		a.acks <- recordAck{record: rec, err: err}
		return
	}
	var id int64
	if ev.After != nil {
		id = ev.After.ID
	} else if ev.Before != nil {
		id = ev.Before.ID
	}
	laneCh := a.lanes[lane.For(id, len(a.lanes))]
	for {
		select {
		case laneCh <- routedRecord{rec: rec, ev: ev}:
			a.maybeResume()
			return
		default:
			a.maybePause()
			time.Sleep(5 * time.Millisecond)
		}
	}
}

// Close stops the poll loop after the in-flight batch.
func (a *Adapter) Close() error {
	a.closed.Store(true)
	return nil
}

func (a *Adapter) runWorker(ctx context.Context, laneCh <-chan routedRecord) {
	for item := range laneCh {
		a.acks <- recordAck{record: item.rec, err: a.handler.HandleChange(ctx, item.ev)}
	}
}

// handleAcks commits offsets for everything except transient ledger failures.
// Malformed records commit (a redelivery would fail the same way) and terminal
// failures commit because the engine already recorded the failure marker; a
// transient failure holds the offset so the record replays after a restart or
// rebalance. It runs until the ack channel closes, draining acks from workers
// finishing their last record even after ctx is canceled.
func (a *Adapter) handleAcks(ctx context.Context) {
	for ack := range a.acks {
		if ack.record == nil {
			continue
		}
		if ack.err != nil && ledger.IsTransient(ack.err) {
			continue
		}
		a.markCommit(ack.record)
		_ = a.commitMarked(ctx)
	}
}

func (a *Adapter) normalizeRecord(rec *kgo.Record) (domain.ChangeEvent, error) {
	ev, err := feed.ParseEnvelope(rec.Value)
	if err != nil {
		return domain.ChangeEvent{}, err
	}
	ev.Source = "kafka"
	ev.SourceRef = fmt.Sprintf("%s/%d/%d", rec.Topic, rec.Partition, rec.Offset)
	return ev, nil
}

func (a *Adapter) queued() (n, capacity int) {
	for _, ch := range a.lanes {
		n += len(ch)
		capacity += cap(ch)
	}
	return n, capacity
}

func (a *Adapter) maybePause() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if a.paused {
		return
	}
	a.pauseFetch(a.cfg.Topics...)
	a.paused = true
}

func (a *Adapter) maybeResume() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if !a.paused {
		return
	}
	if n, capacity := a.queued(); n > capacity/2 {
		return
	}
	a.resumeFetch(a.cfg.Topics...)
	a.paused = false
}
