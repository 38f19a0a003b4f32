package nats

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"graphhost/internal/client"
	"graphhost/internal/host"
	"graphhost/internal/wire"
)

func runNATS(t *testing.T) (string, func()) {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "nats:2.10-alpine",
		ExposedPorts: []string{"4222/tcp"},
		Cmd:          []string{"--port", "4222"},
		WaitingFor:   wait.ForListeningPort("4222/tcp").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("nats container unavailable: %v", err)
	}
	hostName, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(ctx)
		t.Fatalf("container host: %v", err)
	}
	port, err := c.MappedPort(ctx, "4222")
	if err != nil {
		_ = c.Terminate(ctx)
		t.Fatalf("mapped port: %v", err)
	}
	return fmt.Sprintf("nats://%s:%s", hostName, port.Port()), func() { _ = c.Terminate(ctx) }
}

func TestNATSBridgeIntegration(t *testing.T) {
	url, cleanup := runNATS(t)
	defer cleanup()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := host.Listen(host.Config{Address: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("start host: %v", err)
	}
	defer h.Stop()
	if err := h.Publish("warmup", 0); err != nil {
		t.Fatal(err)
	}
	viewer, err := client.Dial(ctx, h.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer viewer.Close()
	if err := viewer.Subscribe("Drive"); err != nil {
		t.Fatal(err)
	}
	if _, err := viewer.List(ctx, time.Second, nil); err != nil {
		t.Fatal(err)
	}

	adapter, err := NewAdapter(Config{Enabled: true, URL: url, Subjects: []string{"graphhost.samples.*"}, QueueGroup: "graphhost"}, h)
	if err != nil {
		t.Fatal(err)
	}
	if err := adapter.Start(ctx); err != nil {
		t.Fatalf("adapter start: %v", err)
	}
	defer adapter.Close()

	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("producer connect: %v", err)
	}
	defer nc.Close()
	if err := nc.Publish("graphhost.samples.Drive", []byte(`{"value":88}`)); err != nil {
		t.Fatal(err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatal(err)
	}

	f, err := viewer.Next(time.Now().Add(5 * time.Second))
	if err != nil {
		t.Fatalf("waiting for bridged sample: %v", err)
	}
	if f.Tag != wire.TagData || f.Name != "Drive" || f.Value != 88 {
		t.Fatalf("unexpected frame: %+v", f)
	}
}
