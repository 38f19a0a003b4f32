package nats

import (
	"errors"
	"testing"

	"github.com/nats-io/nats.go"

	"graphhost/internal/ingest/envelope"
)

type fakePublisher struct {
	err    error
	series []string
	values []float32
}

func (f *fakePublisher) Publish(series string, value float32) error {
	f.series = append(f.series, series)
	f.values = append(f.values, value)
	return f.err
}

func TestLastToken(t *testing.T) {
	cases := map[string]string{
		"graphhost.samples.PID0": "PID0",
		"PID0":                   "PID0",
		"samples.":               "",
	}
	for in, want := range cases {
		if got := lastToken(in); got != want {
			t.Fatalf("lastToken(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHandleMsgPublishesWithSubjectFallback(t *testing.T) {
	pub := &fakePublisher{}
	a, err := NewAdapter(Config{Enabled: true, Subjects: []string{"graphhost.samples.>"}, ParseMode: envelope.ParseModeRawFloat}, pub)
	if err != nil {
		t.Fatal(err)
	}
	a.handleMsg(&nats.Msg{Subject: "graphhost.samples.Elevator", Data: envelope.EncodeRawFloat(3)})
	if len(pub.series) != 1 || pub.series[0] != "Elevator" || pub.values[0] != 3 {
		t.Fatalf("published %v %v", pub.series, pub.values)
	}
}

func TestHandleMsgEnvelopeNameWins(t *testing.T) {
	pub := &fakePublisher{}
	a, err := NewAdapter(Config{Enabled: true, Subjects: []string{"samples"}}, pub)
	if err != nil {
		t.Fatal(err)
	}
	a.handleMsg(&nats.Msg{Subject: "samples", Data: []byte(`{"series":"PID0","value":-1}`)})
	if len(pub.series) != 1 || pub.series[0] != "PID0" || pub.values[0] != -1 {
		t.Fatalf("published %v %v", pub.series, pub.values)
	}
}

func TestHandleMsgDropsUnparseable(t *testing.T) {
	pub := &fakePublisher{}
	a, err := NewAdapter(Config{Enabled: true, Subjects: []string{"samples"}}, pub)
	if err != nil {
		t.Fatal(err)
	}
	a.handleMsg(&nats.Msg{Subject: "samples", Data: []byte(`nope`)})
	if len(pub.series) != 0 {
		t.Fatalf("unparseable message was published")
	}
}

func TestHandleMsgSurvivesPublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("graph host is not running")}
	a, err := NewAdapter(Config{Enabled: true, Subjects: []string{"samples"}}, pub)
	if err != nil {
		t.Fatal(err)
	}
	a.handleMsg(&nats.Msg{Subject: "samples", Data: []byte(`{"series":"PID0","value":1}`)})
	if len(pub.series) != 1 {
		t.Fatalf("publish attempts = %d", len(pub.series))
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{Enabled: true}).Validate(); err == nil {
		t.Fatalf("expected subjects error")
	}
	if err := (Config{Enabled: true, Subjects: []string{" "}}).Validate(); err == nil {
		t.Fatalf("expected empty subject error")
	}
	if err := (Config{Enabled: true, Subjects: []string{"a"}, ParseMode: "yaml"}).Validate(); err == nil {
		t.Fatalf("expected parse mode error")
	}
	cfg := Config{Enabled: true, Subjects: []string{"a"}}
	cfg.withDefaults()
	if cfg.URL != nats.DefaultURL || cfg.ParseMode != envelope.ParseModeJSON || cfg.MaxReconnects != -1 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}
