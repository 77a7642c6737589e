package protocol

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/elima/filetea/internal/peerhub"
	"github.com/elima/filetea/internal/registry"
	"github.com/elima/filetea/internal/rpc"
	"github.com/elima/filetea/internal/transfer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testHarness ties the three components together the way the top-level
// wiring will: the Mux needs a dispatch func at construction, the
// Dispatcher needs a built Engine, and the Engine needs a built Mux. The
// indirection closure breaks that cycle by deferring the actual dispatch
// lookup until the first frame arrives, by which point d is set.
func testHarness(t *testing.T) (*peerhub.Hub, *rpc.Mux, *registry.Registry, *transfer.Engine) {
	t.Helper()
	hub := peerhub.New(zerolog.Nop())
	reg := registry.New("ft", []byte("k"), 8, 24, zerolog.Nop())

	var d *Dispatcher
	mux := rpc.NewMux(hub, zerolog.Nop(), func(method string, params json.RawMessage, peer *peerhub.Peer, inv *rpc.Invocation) {
		d.Dispatch(method, params, peer, inv)
	})
	eng := transfer.New(hub, mux, reg, transfer.Options{}, zerolog.Nop())
	d = New(reg, eng, zerolog.Nop())

	hub.OnPeerClosed(func(p *peerhub.Peer, graceful bool) { eng.HandlePeerClosed(p.ID) })
	return hub, mux, reg, eng
}

func callAndWait(t *testing.T, hub *peerhub.Hub, peer *peerhub.Peer, id, method, paramsJSON string) rpc.Envelope {
	t.Helper()
	frame := []byte(`{"id":"` + id + `","method":"` + method + `","params":` + paramsJSON + `}`)
	hub.Deliver(peer, frame)

	select {
	case raw := <-peer.Outbox():
		var env rpc.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		return env
	case <-time.After(time.Second):
		t.Fatalf("%s never responded", method)
		return rpc.Envelope{}
	}
}

// awaitFileTransferNew consumes the fileTransferNew notification the
// Engine sends the seeder when a leecher's GET creates a transfer, so the
// next frame callAndWait reads is the response it is waiting for.
func awaitFileTransferNew(t *testing.T, peer *peerhub.Peer) {
	t.Helper()
	select {
	case raw := <-peer.Outbox():
		var env rpc.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		require.Equal(t, "fileTransferNew", env.Method)
	case <-time.After(time.Second):
		t.Fatal("seeder never received fileTransferNew")
	}
}

func TestRegisterMintsIDPerElement(t *testing.T) {
	hub, _, reg, _ := testHarness(t)
	peer := hub.Register()

	env := callAndWait(t, hub, peer, "1", "register", `[{"name":"hi.txt","type":"text/plain","flags":8,"size":5}]`)
	require.Nil(t, env.Error)

	var results []registerResultWire
	require.NoError(t, json.Unmarshal(env.Result, &results))
	require.Len(t, results, 1)
	require.Nil(t, results[0].Error)
	require.NotEmpty(t, results[0].ID)
	require.NotEmpty(t, results[0].Signature)

	src, ok := reg.Get(results[0].ID)
	require.True(t, ok)
	require.Equal(t, "hi.txt", src.Name)
}

func TestRegisterRejectsBadReclaimSignatureButKeepsBatchAlive(t *testing.T) {
	hub, _, _, _ := testHarness(t)
	peer := hub.Register()

	env := callAndWait(t, hub, peer, "1", "register",
		`[{"name":"a","type":"text/plain","id":"bogus","signature":"bogus"},{"name":"b","type":"text/plain"}]`)
	require.Nil(t, env.Error)

	var results []registerResultWire
	require.NoError(t, json.Unmarshal(env.Result, &results))
	require.Len(t, results, 2)
	require.NotNil(t, results[0].Error)
	require.Equal(t, registry.ErrCodeInvalidArgument, *results[0].Error)
	require.Nil(t, results[1].Error)
	require.NotEmpty(t, results[1].ID)
}

func TestUnregisterAlwaysRespondsTrueEvenForUnknownID(t *testing.T) {
	hub, _, _, _ := testHarness(t)
	peer := hub.Register()

	env := callAndWait(t, hub, peer, "1", "unregister", `[{"id":"no-such-id"}]`)
	require.Nil(t, env.Error)
	var ok bool
	require.NoError(t, json.Unmarshal(env.Result, &ok))
	require.True(t, ok)
}

func TestUnregisterForceAbortsLiveTransfers(t *testing.T) {
	hub, _, reg, eng := testHarness(t)
	peer := hub.Register()

	res := reg.Register(peer.ID, registry.RegisterArgs{Name: "f", ContentType: "text/plain", Size: 4})
	require.Empty(t, res.Error)

	rec := httptest.NewRecorder()
	resultCh := make(chan error, 1)
	go func() {
		_, err := eng.Serve(res.ID, transfer.DownloadOptions{}, transfer.NewLeecherConn(rec, nil, make(chan struct{})), nil)
		resultCh <- err
	}()

	require.Eventually(t, func() bool { return eng.Len() == 1 }, time.Second, time.Millisecond)
	awaitFileTransferNew(t, peer)

	env := callAndWait(t, hub, peer, "2", "unregister", `[{"id":"`+res.ID+`","force":true}]`)
	require.Nil(t, env.Error)

	select {
	case err := <-resultCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("forced unregister never cancelled the waiting transfer")
	}
}

func TestCancelTransferUnknownIDIsApplicationError(t *testing.T) {
	hub, _, _, _ := testHarness(t)
	peer := hub.Register()

	env := callAndWait(t, hub, peer, "1", "cancelTransfer", `["no-such-transfer"]`)
	require.NotNil(t, env.Error)
	require.Equal(t, rpc.CodeApplicationErr, env.Error.Code)
}

func TestPushRequestUnknownTransferIsApplicationError(t *testing.T) {
	hub, _, reg, eng := testHarness(t)
	peer := hub.Register()

	res := reg.Register(peer.ID, registry.RegisterArgs{Name: "f", ContentType: "text/plain", Size: 4})
	require.Empty(t, res.Error)

	rec := httptest.NewRecorder()
	resultCh := make(chan error, 1)
	go func() {
		_, err := eng.Serve(res.ID, transfer.DownloadOptions{}, transfer.NewLeecherConn(rec, nil, make(chan struct{})), nil)
		resultCh <- err
	}()
	require.Eventually(t, func() bool { return eng.Len() == 1 }, time.Second, time.Millisecond)
	awaitFileTransferNew(t, peer)

	env := callAndWait(t, hub, peer, "1", "push-request", `["`+res.ID+`","wrong-transfer-id"]`)
	require.NotNil(t, env.Error)
	require.Equal(t, rpc.CodeApplicationErr, env.Error.Code)

	for _, snap := range eng.Snapshots() {
		require.True(t, eng.CancelTransfer(snap.ID))
	}
	select {
	case <-resultCh:
	case <-time.After(time.Second):
		t.Fatal("transfer never unblocked after cancellation")
	}
}

func TestUnrecognisedMethodIsMethodNotFound(t *testing.T) {
	hub, _, _, _ := testHarness(t)
	peer := hub.Register()

	env := callAndWait(t, hub, peer, "1", "totally-unknown", `[]`)
	require.NotNil(t, env.Error)
	require.Equal(t, rpc.CodeMethodNotFound, env.Error.Code)
}
