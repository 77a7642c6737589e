package rpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/elima/filetea/internal/peerhub"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMuxRequestResponseRoundTrip(t *testing.T) {
	hub := peerhub.New(zerolog.Nop())
	var gotMethod string
	mux := NewMux(hub, zerolog.Nop(), func(method string, params json.RawMessage, peer *peerhub.Peer, inv *Invocation) {
		gotMethod = method
		require.NoError(t, inv.Respond(map[string]int{"ok": 1}))
	})

	// Simulate a client by registering a peer directly through the hub and
	// feeding it the server's own request, as a stand-in for a browser that
	// both receives and answers requests.
	peer := hub.Register()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Drain whatever the relay sends this peer and answer it as if we were
	// the browser, to exercise Call's response path.
	go func() {
		frame := <-peer.Outbox()
		var env Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		result, _ := json.Marshal(map[string]bool{"ack": true})
		reply, _ := json.Marshal(Envelope{ID: env.ID, Result: result})
		hub.Deliver(peer, reply)
	}()

	result, err := mux.Call(ctx, peer, "ping", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"ack":true}`, string(result))
	require.Empty(t, gotMethod) // dispatch only fires for inbound, not our own Call
}

func TestMuxNotificationHasNoResponse(t *testing.T) {
	hub := peerhub.New(zerolog.Nop())
	got := make(chan string, 1)
	NewMux(hub, zerolog.Nop(), func(method string, params json.RawMessage, peer *peerhub.Peer, inv *Invocation) {
		require.Nil(t, inv)
		got <- method
	})

	peer := hub.Register()
	hub.Deliver(peer, []byte(`{"method":"push-request","params":[]}`))

	select {
	case m := <-got:
		require.Equal(t, "push-request", m)
	case <-time.After(time.Second):
		t.Fatal("notification never dispatched")
	}
}

func TestInvocationDoubleRespondPanicsButDoesNotCrashMux(t *testing.T) {
	hub := peerhub.New(zerolog.Nop())
	NewMux(hub, zerolog.Nop(), func(method string, params json.RawMessage, peer *peerhub.Peer, inv *Invocation) {
		require.NoError(t, inv.Respond("first"))
		require.Panics(t, func() { _ = inv.Respond("second") })
	})

	peer := hub.Register()
	hub.Deliver(peer, []byte(`{"id":"1","method":"register","params":[]}`))

	// The peer must still be usable afterwards: the panic was isolated.
	select {
	case <-peer.Outbox():
	case <-time.After(time.Second):
		t.Fatal("first response never sent")
	}
}
