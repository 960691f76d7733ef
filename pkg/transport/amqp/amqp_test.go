package amqp

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"omotes/pkg/transport"
)

func TestConfig_URL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "defaults", cfg: DefaultConfig()},
		{name: "custom port and vhost", cfg: Config{Host: "rabbitmq", Port: 5673, Username: "omotes", Password: "s3cret", VirtualHost: "prod"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			uri, err := amqp091.ParseURI(tt.cfg.URL())
			if err != nil {
				t.Fatalf("URL() %q not parseable: %v", tt.cfg.URL(), err)
			}
			if uri.Host != tt.cfg.Host || uri.Port != tt.cfg.Port {
				t.Errorf("address = %s:%d, want %s:%d", uri.Host, uri.Port, tt.cfg.Host, tt.cfg.Port)
			}
			if uri.Username != tt.cfg.Username || uri.Password != tt.cfg.Password {
				t.Errorf("credentials = %s/%s", uri.Username, uri.Password)
			}
			if uri.Vhost != tt.cfg.VirtualHost {
				t.Errorf("Vhost = %q, want %q", uri.Vhost, tt.cfg.VirtualHost)
			}
		})
	}
}

func TestConfig_RedactedHidesPassword(t *testing.T) {
	t.Parallel()
	cfg := Config{Host: "rabbitmq", Port: 5672, Username: "omotes", Password: "s3cret", VirtualHost: "omotes"}
	got := cfg.Redacted()
	if strings.Contains(got, "s3cret") {
		t.Errorf("Redacted() = %q leaks the password", got)
	}
	if !strings.Contains(got, "omotes@rabbitmq") {
		t.Errorf("Redacted() = %q, want user and host", got)
	}
	if cfg.Password != "s3cret" {
		t.Error("Redacted() must not modify the config")
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	t.Parallel()
	cfg := Config{Username: "u", Password: "p"}.withDefaults()
	if cfg.Host != "localhost" || cfg.Port != 5672 {
		t.Errorf("address = %s:%d", cfg.Host, cfg.Port)
	}
	if cfg.Prefetch != 1 {
		t.Errorf("Prefetch = %d, want 1", cfg.Prefetch)
	}
	if cfg.Reconnect.Initial != 500*time.Millisecond {
		t.Errorf("Reconnect.Initial = %v", cfg.Reconnect.Initial)
	}
	if cfg.Username != "u" || cfg.Password != "p" {
		t.Error("explicit credentials were overwritten")
	}
}

func TestQueueArgumentsAsTable(t *testing.T) {
	t.Parallel()
	args := transport.QueueArguments{Expires: 48 * time.Hour, MessageTTL: 24 * time.Hour}
	table := amqp091.Table(args.Table())
	if err := table.Validate(); err != nil {
		t.Fatalf("table rejected by client: %v", err)
	}
	if table["x-expires"] != int64(48*time.Hour/time.Millisecond) {
		t.Errorf("x-expires = %v", table["x-expires"])
	}
}

func TestTransport_ClosedBeforeStart(t *testing.T) {
	t.Parallel()
	tr := New(DefaultConfig())
	if err := tr.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if err := tr.Start(context.Background()); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Start() after Close = %v, want ErrClosed", err)
	}
	if err := tr.Ready(context.Background()); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Ready() after Close = %v, want ErrClosed", err)
	}
}

func TestTransport_NotReadyBeforeStart(t *testing.T) {
	t.Parallel()
	tr := New(DefaultConfig())
	defer tr.Close()
	if err := tr.Ready(context.Background()); !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("Ready() = %v, want ErrNotConnected", err)
	}
}

func TestTransport_CloseNotifiesObservers(t *testing.T) {
	t.Parallel()
	tr := New(DefaultConfig())
	var got []transport.ConnectionState
	tr.OnConnectionChange(func(ev transport.ConnectionEvent) { got = append(got, ev.State) })
	_ = tr.Close()
	_ = tr.Close()
	if len(got) != 1 || got[0] != transport.StateClosed {
		t.Errorf("events = %v, want [closed]", got)
	}
}
