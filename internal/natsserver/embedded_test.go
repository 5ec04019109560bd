package natsserver

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/nats-io/nats.go"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStartSkipsWhenNotEmbedded(t *testing.T) {
	for _, cfg := range []config.BusConfig{
		{Enabled: false, Embedded: true},
		{Enabled: true, Embedded: false},
	} {
		srv, err := Start(cfg, discard())
		if err != nil || srv != nil {
			t.Fatalf("expected no server for %+v, got %v (%v)", cfg, srv, err)
		}
	}
	var srv *EmbeddedServer
	srv.Shutdown()
}

func TestEmbeddedAcceptsLargeAudioFrames(t *testing.T) {
	srv, err := Start(config.BusConfig{Enabled: true, Embedded: true, Host: "0.0.0.0", Port: -1, MaxPayloadKB: 2048}, discard())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	url := srv.ClientURL()
	if !strings.HasPrefix(url, "nats://127.0.0.1:") {
		t.Fatalf("expected loopback client url, got %s", url)
	}

	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()

	if got := nc.MaxPayload(); got != 2048*1024 {
		t.Fatalf("expected 2MiB max payload, got %d", got)
	}
	sub, err := nc.SubscribeSync("audio.frame.test")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// Forty seconds of 16 kHz PCM16 exceeds the 1MiB broker default.
	frame := make([]byte, 16000*2*40)
	if err := nc.Publish("audio.frame.test", frame); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	if len(msg.Data) != len(frame) {
		t.Fatalf("frame truncated: %d bytes", len(msg.Data))
	}
}
