package kafka

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"civicsync/internal/domain"
	"civicsync/internal/ledger"
)

type stubHandler struct {
	mu      sync.Mutex
	events  []domain.ChangeEvent
	errByID map[int64]error
	waitCh  chan struct{}
}

func (s *stubHandler) HandleChange(_ context.Context, ev domain.ChangeEvent) error {
	if s.waitCh != nil {
		<-s.waitCh
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	if ev.After != nil {
		return s.errByID[ev.After.ID]
	}
	return nil
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Enabled: true, Brokers: []string{"127.0.0.1:9092"}, Topics: []string{"cdc.complaints"}, GroupID: "civicsync"}
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.WorkerCount <= 0 || cfg.QueueCapacity <= 0 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestConfigValidateRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"no brokers", Config{Enabled: true, Topics: []string{"t"}, GroupID: "g"}},
		{"no topics", Config{Enabled: true, Brokers: []string{"b"}, GroupID: "g"}},
		{"no group", Config{Enabled: true, Brokers: []string{"b"}, Topics: []string{"t"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestNormalizeRecordStampsSource(t *testing.T) {
	a := &Adapter{log: zerolog.Nop()}
	rec := &kgo.Record{Topic: "cdc.complaints", Partition: 2, Offset: 7, Value: []byte(`{"operation":"UPDATE","table":"complaints","before":{"id":5,"status":"Pending"},"after":{"id":5,"status":"Resolved"}}`)}
	ev, err := a.normalizeRecord(rec)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.Source != "kafka" || ev.SourceRef != "cdc.complaints/2/7" {
		t.Fatalf("unexpected source fields: %+v", ev)
	}
	if ev.Operation != domain.ChangeUpdate || ev.After == nil || ev.After.Status != "Resolved" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestOffsetCommitOnlyAfterHandled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wait := make(chan struct{})
	handler := &stubHandler{waitCh: wait, errByID: map[int64]error{}}
	a := &Adapter{
		cfg:     Config{Topics: []string{"cdc.complaints"}},
		log:     zerolog.Nop(),
		handler: handler,
		lanes:   []chan routedRecord{make(chan routedRecord, 1)},
		acks:    make(chan recordAck, 1),
	}
	committed := make(chan struct{}, 1)
	a.markCommit = func(*kgo.Record) { committed <- struct{}{} }
	a.commitMarked = func(context.Context) error { return nil }
	a.pauseFetch = func(...string) {}
	a.resumeFetch = func(...string) {}

	go a.handleAcks(ctx)
	go a.runWorker(ctx, a.lanes[0])

	a.routeRecord(&kgo.Record{Topic: "cdc.complaints", Partition: 0, Offset: 1, Value: []byte(`{"operation":"INSERT","table":"complaints","after":{"id":1,"status":"Pending"}}`)})

	select {
	case <-committed:
		t.Fatal("offset committed before the event was handled")
	case <-time.After(75 * time.Millisecond):
	}
	close(wait)
	select {
	case <-committed:
	case <-time.After(time.Second):
		t.Fatal("expected commit after handling")
	}
}

func TestCommitSkipsOnTransientFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := &stubHandler{errByID: map[int64]error{1: ledger.ErrUnreachable}}
	a := &Adapter{
		cfg:     Config{Topics: []string{"cdc.complaints"}},
		log:     zerolog.Nop(),
		handler: handler,
		lanes:   []chan routedRecord{make(chan routedRecord, 1)},
		acks:    make(chan recordAck, 1),
	}
	commits := 0
	a.markCommit = func(*kgo.Record) { commits++ }
	a.commitMarked = func(context.Context) error { return nil }
	a.pauseFetch = func(...string) {}
	a.resumeFetch = func(...string) {}
	go a.handleAcks(ctx)
	go a.runWorker(ctx, a.lanes[0])
	a.routeRecord(&kgo.Record{Topic: "cdc.complaints", Partition: 0, Offset: 1, Value: []byte(`{"operation":"INSERT","table":"complaints","after":{"id":1,"status":"Pending"}}`)})
	time.Sleep(60 * time.Millisecond)
	if commits != 0 {
		t.Fatal("expected no offset commit while the ledger is unreachable")
	}
}

func TestCommitProceedsOnTerminalFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := &stubHandler{errByID: map[int64]error{1: &ledger.RejectedError{Reason: "duplicate mint"}}}
	a := &Adapter{
		cfg:     Config{Topics: []string{"cdc.complaints"}},
		log:     zerolog.Nop(),
		handler: handler,
		lanes:   []chan routedRecord{make(chan routedRecord, 1)},
		acks:    make(chan recordAck, 1),
	}
	committed := make(chan struct{}, 1)
	a.markCommit = func(*kgo.Record) { committed <- struct{}{} }
	a.commitMarked = func(context.Context) error { return nil }
	a.pauseFetch = func(...string) {}
	a.resumeFetch = func(...string) {}
	go a.handleAcks(ctx)
	go a.runWorker(ctx, a.lanes[0])
	a.routeRecord(&kgo.Record{Topic: "cdc.complaints", Partition: 0, Offset: 1, Value: []byte(`{"operation":"INSERT","table":"complaints","after":{"id":1,"status":"Pending"}}`)})
	select {
	case <-committed:
	case <-time.After(time.Second):
		t.Fatal("terminal failure should still commit the offset")
	}
}

func TestMalformedRecordIsCommitted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := &stubHandler{}
	a := &Adapter{
		cfg:     Config{Topics: []string{"cdc.complaints"}},
		log:     zerolog.Nop(),
		handler: handler,
		lanes:   []chan routedRecord{make(chan routedRecord, 1)},
		acks:    make(chan recordAck, 1),
	}
	committed := make(chan struct{}, 1)
	a.markCommit = func(*kgo.Record) { committed <- struct{}{} }
	a.commitMarked = func(context.Context) error { return nil }
	a.pauseFetch = func(...string) {}
	a.resumeFetch = func(...string) {}
	go a.handleAcks(ctx)
	a.routeRecord(&kgo.Record{Topic: "cdc.complaints", Partition: 0, Offset: 3, Value: []byte(`{not json`)})
	select {
	case <-committed:
	case <-time.After(time.Second):
		t.Fatal("malformed record should be committed and skipped")
	}
	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.events) != 0 {
		t.Fatal("malformed record must not reach the handler")
	}
}

func TestShutdownDrainsPendingAcks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	handler := &stubHandler{}
	a := &Adapter{
		cfg:     Config{Topics: []string{"cdc.complaints"}},
		log:     zerolog.Nop(),
		handler: handler,
		lanes:   []chan routedRecord{make(chan routedRecord, 4)},
		acks:    make(chan recordAck, 1),
	}
	committed := make(chan struct{}, 8)
	a.markCommit = func(*kgo.Record) { committed <- struct{}{} }
	a.commitMarked = func(context.Context) error { return nil }
	a.pauseFetch = func(...string) {}
	a.resumeFetch = func(...string) {}

	acksDone := make(chan struct{})
	go func() {
		defer close(acksDone)
		a.handleAcks(ctx)
	}()
	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		a.runWorker(ctx, a.lanes[0])
	}()

	for i := int64(1); i <= 4; i++ {
		a.routeRecord(&kgo.Record{Topic: "cdc.complaints", Offset: i, Value: []byte(fmt.Sprintf(`{"operation":"INSERT","table":"complaints","after":{"id":%d,"status":"Pending"}}`, i))})
	}

	// Queued acks exceed the ack buffer, so the worker finishes only if the
	// ack loop keeps draining past the cancellation.
	cancel()
	close(a.lanes[0])

	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(a.acks)
		<-acksDone
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown wedged with acks pending")
	}
	if n := len(committed); n != 4 {
		t.Fatalf("expected 4 committed offsets, got %d", n)
	}
}

func TestBackpressurePauseAndResume(t *testing.T) {
	a := &Adapter{cfg: Config{Topics: []string{"cdc.complaints"}}, log: zerolog.Nop(), lanes: []chan routedRecord{make(chan routedRecord, 2)}}
	paused := 0
	resumed := 0
	a.pauseFetch = func(...string) { paused++ }
	a.resumeFetch = func(...string) { resumed++ }

	a.lanes[0] <- routedRecord{}
	a.lanes[0] <- routedRecord{}
	a.maybePause()
	if paused != 1 {
		t.Fatalf("expected pause, got %d", paused)
	}
	a.maybeResume()
	if resumed != 0 {
		t.Fatal("must not resume while the lane is above half capacity")
	}
	<-a.lanes[0]
	a.maybeResume()
	if resumed != 1 {
		t.Fatalf("expected resume, got %d", resumed)
	}
}

func TestRouteRecordPinsComplaintToLane(t *testing.T) {
	a := &Adapter{
		cfg:   Config{Topics: []string{"cdc.complaints"}},
		log:   zerolog.Nop(),
		lanes: []chan routedRecord{make(chan routedRecord, 2), make(chan routedRecord, 2), make(chan routedRecord, 2)},
	}
	a.pauseFetch = func(...string) {}
	a.resumeFetch = func(...string) {}

	a.routeRecord(&kgo.Record{Topic: "cdc.complaints", Offset: 1, Value: []byte(`{"operation":"INSERT","table":"complaints","after":{"id":9,"status":"Pending"}}`)})
	a.routeRecord(&kgo.Record{Topic: "cdc.complaints", Offset: 2, Value: []byte(`{"operation":"UPDATE","table":"complaints","before":{"id":9,"status":"Pending"},"after":{"id":9,"status":"Resolved"}}`)})

	occupied := -1
	for i, ch := range a.lanes {
		if n := len(ch); n > 0 {
			if occupied >= 0 {
				t.Fatalf("events for one complaint split across lanes %d and %d", occupied, i)
			}
			if n != 2 {
				t.Fatalf("expected both events on one lane, got %d", n)
			}
			occupied = i
		}
	}
	if occupied < 0 {
		t.Fatal("no lane received the records")
	}
}
