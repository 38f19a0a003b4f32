package kafka

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"graphhost/internal/ingest/envelope"
)

type published struct {
	series string
	value  float32
}

type stubPublisher struct {
	mu      sync.Mutex
	samples []published
	err     error
	waitCh  chan struct{}
}

func (s *stubPublisher) Publish(series string, value float32) error {
	if s.waitCh != nil {
		<-s.waitCh
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, published{series, value})
	return s.err
}

func (s *stubPublisher) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

func testAdapter(pub Publisher, commits *atomic.Int32) *Adapter {
	cfg := Config{Topics: []string{"samples"}, WorkerCount: 1, QueueCapacity: 4}
	cfg.withDefaults()
	a := newAdapter(cfg, pub)
	a.markCommit = func(*kgo.Record) { commits.Add(1) }
	a.commitMarked = func(context.Context) error { return nil }
	a.pauseFetch = func(...string) {}
	a.resumeFetch = func(...string) {}
	return a
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Enabled: true, Brokers: []string{"127.0.0.1:9092"}, Topics: []string{"samples"}, GroupID: "g1"}
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.ParseMode != envelope.ParseModeJSON {
		t.Fatalf("default parse mode = %q", cfg.ParseMode)
	}
	cfg.ParseMode = "xml"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected parse mode error")
	}
	if err := (Config{Enabled: true, Topics: []string{"x"}, GroupID: "g"}).Validate(); err == nil {
		t.Fatalf("expected brokers error")
	}
	if err := (Config{}).Validate(); err != nil {
		t.Fatalf("disabled config should validate: %v", err)
	}
}

func TestNormalizeUsesRecordKeyAsFallbackName(t *testing.T) {
	a := &Adapter{cfg: Config{ParseMode: envelope.ParseModeRawFloat}}
	rec := &kgo.Record{Topic: "samples", Partition: 2, Offset: 7, Key: []byte("Elevator"), Value: envelope.EncodeRawFloat(9.5)}
	s, err := a.normalizeRecord(rec)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if s.Source != "kafka" || s.SourceRef != "samples/2/7" {
		t.Fatalf("unexpected source fields: %+v", s)
	}
	if s.Series != "Elevator" || s.Value != 9.5 {
		t.Fatalf("unexpected sample: %+v", s)
	}
}

func TestOffsetCommitOnlyAfterPublish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wait := make(chan struct{})
	pub := &stubPublisher{waitCh: wait}
	var commits atomic.Int32
	a := testAdapter(pub, &commits)

	go a.handleAcks(ctx)
	go a.runWorker(a.workers[0])
	a.workers[0] <- &kgo.Record{Topic: "samples", Offset: 1, Value: []byte(`{"series":"PID0","value":1}`)}

	time.Sleep(75 * time.Millisecond)
	if commits.Load() != 0 {
		t.Fatalf("offset committed before publish returned")
	}
	close(wait)
	deadline := time.Now().Add(time.Second)
	for commits.Load() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected commit after publish")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(a.workers[0])
	if pub.count() != 1 || pub.samples[0] != (published{"PID0", 1}) {
		t.Fatalf("published = %+v", pub.samples)
	}
}

func TestUnparseableRecordIsCommittedWithoutPublish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pub := &stubPublisher{}
	var commits atomic.Int32
	a := testAdapter(pub, &commits)

	go a.handleAcks(ctx)
	go a.runWorker(a.workers[0])
	a.workers[0] <- &kgo.Record{Topic: "samples", Offset: 3, Value: []byte(`not json`)}

	deadline := time.Now().Add(time.Second)
	for commits.Load() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected rejected record to be committed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if pub.count() != 0 {
		t.Fatalf("rejected record was published")
	}
}

func TestCommitSkipsOnPublishFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pub := &stubPublisher{err: errors.New("graph host is not running")}
	var commits atomic.Int32
	a := testAdapter(pub, &commits)

	go a.handleAcks(ctx)
	go a.runWorker(a.workers[0])
	a.workers[0] <- &kgo.Record{Topic: "samples", Offset: 1, Value: []byte(`{"series":"PID0","value":1}`)}

	deadline := time.Now().Add(time.Second)
	for pub.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("record never reached the publisher")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if commits.Load() != 0 {
		t.Fatalf("expected no offset commit on publish failure")
	}
}

func TestDispatchKeepsPartitionOnOneWorker(t *testing.T) {
	cfg := Config{Topics: []string{"samples"}, WorkerCount: 3, QueueCapacity: 8}
	cfg.withDefaults()
	a := newAdapter(cfg, &stubPublisher{})
	a.pauseFetch = func(...string) {}
	a.resumeFetch = func(...string) {}
	for off := int64(0); off < 4; off++ {
		a.dispatch(context.Background(), &kgo.Record{Partition: 4, Offset: off})
	}
	if got := len(a.workers[1]); got != 4 {
		t.Fatalf("worker 1 holds %d records, want 4", got)
	}
	for off := int64(0); off < 4; off++ {
		if rec := <-a.workers[1]; rec.Offset != off {
			t.Fatalf("offset %d out of order", rec.Offset)
		}
	}
}

func TestBackpressurePauseAndResume(t *testing.T) {
	a := &Adapter{cfg: Config{Topics: []string{"samples"}}}
	ch := make(chan *kgo.Record, 2)
	paused, resumed := 0, 0
	a.pauseFetch = func(...string) { paused++ }
	a.resumeFetch = func(...string) { resumed++ }

	ch <- &kgo.Record{}
	ch <- &kgo.Record{}
	a.maybePause(ch)
	a.maybePause(ch)
	if paused != 1 {
		t.Fatalf("expected one pause, got %d", paused)
	}
	<-ch
	a.maybeResume(ch)
	if resumed != 1 {
		t.Fatalf("expected resume, got %d", resumed)
	}
}
