package pubsub

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-dispatch/internal/logger"
)

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.got))
	for _, p := range r.got {
		out = append(out, string(p))
	}
	return out
}

func TestNATSRelayFansOutAcrossInstances(t *testing.T) {
	srv := natsserver.RunRandClientPortServer()
	t.Cleanup(srv.Shutdown)

	hubA, hubB := NewHub(logger.Nop()), NewHub(logger.Nop())
	relayA, err := NewNATSRelay(srv.ClientURL(), "chat", hubA, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = relayA.Close() })
	relayB, err := NewNATSRelay(srv.ClientURL(), "chat", hubB, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = relayB.Close() })
	require.NoError(t, relayB.nc.Flush())

	onB := &recorder{id: "b"}
	hubB.Subscribe("room.7.messages", onB)
	other := &recorder{id: "other"}
	hubB.Subscribe("room.8.messages", other)

	require.NoError(t, relayA.Publish(context.Background(), "room.7.messages", []byte(`{"id":1}`)))
	require.NoError(t, relayA.nc.Flush())

	assert.Eventually(t, func() bool { return len(onB.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{`{"id":1}`}, onB.messages())
	assert.Empty(t, other.messages())
}

func TestNATSRelayIgnoresOtherPrefixes(t *testing.T) {
	srv := natsserver.RunRandClientPortServer()
	t.Cleanup(srv.Shutdown)

	hub := NewHub(logger.Nop())
	relay, err := NewNATSRelay(srv.ClientURL(), "chat", hub, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = relay.Close() })
	foreign, err := NewNATSRelay(srv.ClientURL(), "billing", NewHub(logger.Nop()), logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = foreign.Close() })
	require.NoError(t, relay.nc.Flush())

	sub := &recorder{id: "s"}
	hub.Subscribe("room.1.messages", sub)

	require.NoError(t, foreign.Publish(context.Background(), "room.1.messages", []byte("foreign")))
	require.NoError(t, relay.Publish(context.Background(), "room.1.messages", []byte("local")))

	assert.Eventually(t, func() bool { return len(sub.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"local"}, sub.messages())
}

func TestNewNATSRelayFailsWithoutServer(t *testing.T) {
	_, err := NewNATSRelay("nats://127.0.0.1:1", "chat", NewHub(logger.Nop()), logger.Nop())
	assert.Error(t, err)
}
