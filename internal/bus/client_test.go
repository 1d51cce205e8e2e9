package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-transcriber/internal/config"
	"github.com/loqalabs/loqa-transcriber/internal/natsserver"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := Connect(context.Background(), config.BusConfig{}, "test", newLogger()); err == nil {
		t.Fatal("expected error without servers")
	}
}

func TestRequestJSON(t *testing.T) {
	log := newLogger()
	es, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(es.Shutdown)
	if !es.Healthy() {
		t.Fatal("expected embedded server healthy")
	}

	client, err := Connect(context.Background(), config.BusConfig{Servers: []string{es.ClientURL()}, ConnectTimeout: 2000}, "bus-test", log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	if !client.Healthy() {
		t.Fatal("expected healthy client")
	}

	type ping struct {
		Word string `json:"word"`
	}
	sub, err := client.Conn().Subscribe("test.echo", func(msg *nats.Msg) {
		var in ping
		_ = json.Unmarshal(msg.Data, &in)
		out, _ := json.Marshal(ping{Word: in.Word + "!"})
		_ = msg.Respond(out)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var resp ping
	if err := client.RequestJSON(ctx, "test.echo", ping{Word: "hello"}, &resp); err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.Word != "hello!" {
		t.Fatalf("unexpected reply %q", resp.Word)
	}

	short, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	if err := client.RequestJSON(short, "test.nobody", ping{}, &resp); err == nil {
		t.Fatal("expected error without responders")
	}
}
