package kafka

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/twmb/franz-go/pkg/kgo"

	"graphhost/internal/client"
	"graphhost/internal/host"
	"graphhost/internal/wire"
)

func TestKafkaContainerIntegration(t *testing.T) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("docker/container runtime unavailable: %v", r)
		}
	}()

	req := testcontainers.ContainerRequest{
		Image:        "docker.redpanda.com/redpandadata/redpanda:v24.1.8",
		ExposedPorts: []string{"9092/tcp"},
		Cmd:          []string{"redpanda", "start", "--overprovisioned", "--smp", "1", "--memory", "512M", "--reserve-memory", "0M", "--check=false", "--node-id", "0", "--kafka-addr", "0.0.0.0:9092", "--advertise-kafka-addr", "127.0.0.1:9092"},
		WaitingFor:   wait.ForLog("Successfully started Redpanda"),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("docker/container runtime unavailable: %v", err)
	}
	defer func() { _ = ctr.Terminate(ctx) }()

	hostName, _ := ctr.Host(ctx)
	port, _ := ctr.MappedPort(ctx, "9092")
	broker := fmt.Sprintf("%s:%s", hostName, port.Port())

	h, err := host.Listen(host.Config{Address: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("start host: %v", err)
	}
	defer h.Stop()
	// An existing series makes the list reply non-empty, so it can order the
	// subscribe ahead of the produced record.
	if err := h.Publish("warmup", 0); err != nil {
		t.Fatal(err)
	}
	viewer, err := client.Dial(ctx, h.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer viewer.Close()
	if err := viewer.Subscribe("PID0"); err != nil {
		t.Fatal(err)
	}
	if _, err := viewer.List(ctx, time.Second, nil); err != nil {
		t.Fatal(err)
	}

	producer, err := kgo.NewClient(kgo.SeedBrokers(broker), kgo.DefaultProduceTopic("samples"), kgo.AllowAutoTopicCreation())
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer producer.Close()
	rec := &kgo.Record{Topic: "samples", Key: []byte("PID0"), Value: []byte(`{"value":12.5}`)}
	if err := producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		t.Fatalf("produce: %v", err)
	}

	adapter, err := NewAdapter(Config{Enabled: true, Brokers: []string{broker}, Topics: []string{"samples"}, GroupID: "graphhost-it"}, h)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	consumeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	go func() { _ = adapter.Start(consumeCtx) }()

	f, err := viewer.Next(time.Now().Add(15 * time.Second))
	if err != nil {
		t.Fatalf("waiting for bridged sample: %v", err)
	}
	if f.Tag != wire.TagData || f.Name != "PID0" || f.Value != 12.5 {
		t.Fatalf("unexpected frame: %+v", f)
	}
}
