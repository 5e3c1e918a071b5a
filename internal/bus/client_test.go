package bus

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/loqalabs/loqa-dictation/internal/natsserver"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func connect(t *testing.T) *Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := Connect(config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, "bus-test", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	return client
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := Connect(config.BusConfig{}, "bus-test", newLogger()); err == nil {
		t.Fatal("expected error without servers")
	}
}

func TestClientHealthFollowsConnection(t *testing.T) {
	client := connect(t)
	if !client.Healthy() {
		t.Fatal("expected healthy client after connect")
	}
	client.Close()
	if client.Healthy() {
		t.Fatal("expected unhealthy client after close")
	}

	var missing *Client
	if missing.Healthy() {
		t.Fatal("nil client reported healthy")
	}
	missing.Close()
}

type ping struct {
	Device string `json:"device"`
}

type pong struct {
	Device string `json:"device"`
	OK     bool   `json:"ok"`
}

func TestRequestJSONRoundTrip(t *testing.T) {
	client := connect(t)
	t.Cleanup(client.Close)

	_, err := client.Conn().Subscribe("dictation.control.kitchen", func(msg *nats.Msg) {
		_ = msg.Respond([]byte(`{"device":"kitchen","ok":true}`))
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	var reply pong
	if err := client.RequestJSON("dictation.control.kitchen", ping{Device: "kitchen"}, &reply, 2*time.Second); err != nil {
		t.Fatalf("request: %v", err)
	}
	if !reply.OK || reply.Device != "kitchen" {
		t.Fatalf("unexpected reply %+v", reply)
	}

	if err := client.RequestJSON("dictation.control.nobody", ping{}, &reply, 200*time.Millisecond); err == nil {
		t.Fatal("expected error without a responder")
	}
}

func TestPublishJSONEncodesPayload(t *testing.T) {
	client := connect(t)
	t.Cleanup(client.Close)

	msgs := make(chan *nats.Msg, 1)
	if _, err := client.Conn().ChanSubscribe("dictation.session.status", msgs); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := client.PublishJSON("dictation.session.status", ping{Device: "kitchen"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-msgs:
		if string(msg.Data) != `{"device":"kitchen"}` {
			t.Fatalf("unexpected payload %s", msg.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	if err := client.PublishJSON("dictation.session.status", make(chan int)); err == nil {
		t.Fatal("expected encode error")
	}
}
