package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"chat-dispatch/internal/observability"
)

// NATSRelay publishes bus topics as NATS subjects and relays every room
// subject back into the local hub, so subscribers on any instance see events
// consumed on any other.
type NATSRelay struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	prefix string
	local  *Hub
	log    *slog.Logger
}

// NewNATSRelay connects to url and subscribes to <prefix>.room.>.
func NewNATSRelay(url, prefix string, local *Hub, log *slog.Logger) (*NATSRelay, error) {
	nc, err := nats.Connect(url,
		nats.Name("chat-dispatch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	r := &NATSRelay{nc: nc, prefix: prefix, local: local, log: log}
	r.sub, err = nc.Subscribe(prefix+".room.>", r.relay)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe nats: %w", err)
	}
	log.Info("nats relay connected", "url", nc.ConnectedUrl(), "prefix", prefix)
	return r, nil
}

func (r *NATSRelay) relay(m *nats.Msg) {
	topic := strings.TrimPrefix(m.Subject, r.prefix+".")
	observability.IncBusEvent("relayed")
	_ = r.local.Publish(context.Background(), topic, m.Data)
}

func (r *NATSRelay) subject(topic string) string {
	return r.prefix + "." + topic
}

// Publish sends payload on the subject for topic. Local subscribers receive
// it through the relay subscription.
func (r *NATSRelay) Publish(_ context.Context, topic string, payload []byte) error {
	return r.nc.Publish(r.subject(topic), payload)
}

// Close drains the subscription and the connection.
func (r *NATSRelay) Close() error {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
	return r.nc.Drain()
}
