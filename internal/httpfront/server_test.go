package httpfront

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
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

func testHarness(t *testing.T, opts Options) (*httptest.Server, *registry.Registry, *transfer.Engine) {
	t.Helper()
	hub := peerhub.New(zerolog.Nop())
	mux := rpc.NewMux(hub, zerolog.Nop(), func(method string, params json.RawMessage, peer *peerhub.Peer, inv *rpc.Invocation) {})
	reg := registry.New("ft", []byte("k"), 8, 24, zerolog.Nop())
	eng := transfer.New(hub, mux, reg, transfer.Options{StartTimeout: 2 * time.Second}, zerolog.Nop())
	s := New(hub, reg, eng, opts, zerolog.Nop())
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return ts, reg, eng
}

func TestGetUnknownSourceIs404(t *testing.T) {
	ts, _, _ := testHarness(t, Options{})
	resp, err := http.Get(ts.URL + "/no-such-id")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBrowserUAWithNoActionRedirectsToFragment(t *testing.T) {
	ts, reg, _ := testHarness(t, Options{})
	src := reg.Register("seeder", registry.RegisterArgs{Name: "a.txt", ContentType: "text/plain", Size: 3})

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/"+src.ID, nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "Mozilla/5.0")
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Equal(t, "/#"+src.ID, resp.Header.Get("Location"))
}

func TestFullDownloadRoundTrip(t *testing.T) {
	ts, reg, eng := testHarness(t, Options{})
	src := reg.Register("seeder", registry.RegisterArgs{Name: "hi.txt", ContentType: "text/plain", Size: 5})

	type getResult struct {
		resp *http.Response
		err  error
	}
	getCh := make(chan getResult, 1)
	go func() {
		client := &http.Client{}
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/"+src.ID, nil)
		req.Header.Set("User-Agent", "curl/7.88")
		resp, err := client.Do(req)
		getCh <- getResult{resp, err}
	}()

	var transferID string
	require.Eventually(t, func() bool {
		snaps := eng.Snapshots()
		if len(snaps) != 1 {
			return false
		}
		transferID = snaps[0].ID
		return true
	}, time.Second, time.Millisecond)

	putReq, err := http.NewRequest(http.MethodPut, ts.URL+"/"+transferID, bytes.NewReader([]byte("hello")))
	require.NoError(t, err)
	putReq.ContentLength = 5
	putResp, err := http.DefaultClient.Do(putReq)
	require.NoError(t, err)
	defer putResp.Body.Close()
	require.Equal(t, http.StatusOK, putResp.StatusCode)

	res := <-getCh
	require.NoError(t, res.err)
	defer res.resp.Body.Close()
	require.Equal(t, http.StatusOK, res.resp.StatusCode)
	require.Equal(t, "text/plain", res.resp.Header.Get("Content-Type"))
	require.Equal(t, `attachment; filename="hi.txt"`, res.resp.Header.Get("Content-Disposition"))
	body, err := io.ReadAll(res.resp.Body)
	require.NoError(t, err)
	require.Equal(t, "hello", string(body))
}

func TestViewActionOmitsDisposition(t *testing.T) {
	ts, reg, eng := testHarness(t, Options{})
	src := reg.Register("seeder", registry.RegisterArgs{Name: "hi.txt", ContentType: "text/plain", Size: 5})

	getCh := make(chan *http.Response, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/"+src.ID+"/view", nil)
		req.Header.Set("User-Agent", "curl/7.88")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		getCh <- resp
	}()

	var transferID string
	require.Eventually(t, func() bool {
		snaps := eng.Snapshots()
		if len(snaps) != 1 {
			return false
		}
		transferID = snaps[0].ID
		return true
	}, time.Second, time.Millisecond)

	putReq, _ := http.NewRequest(http.MethodPut, ts.URL+"/"+transferID, bytes.NewReader([]byte("hello")))
	putReq.ContentLength = 5
	putResp, err := http.DefaultClient.Do(putReq)
	require.NoError(t, err)
	defer putResp.Body.Close()

	resp := <-getCh
	defer resp.Body.Close()
	require.Empty(t, resp.Header.Get("Content-Disposition"))
}

func TestMultiRangeIs416(t *testing.T) {
	ts, reg, _ := testHarness(t, Options{})
	src := reg.Register("seeder", registry.RegisterArgs{Name: "a.bin", ContentType: "application/octet-stream", Size: 100, Flags: registry.Chunkable})

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/"+src.ID, nil)
	req.Header.Set("Range", "bytes=0-10,20-30")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.StatusCode)
}

// TestNonChunkableBoundedRangeIs416 matches §8 Scenario 3: a genuine
// bounded sub-range against a non-chunkable source is unsatisfiable and no
// transfer is created.
func TestNonChunkableBoundedRangeIs416(t *testing.T) {
	ts, reg, eng := testHarness(t, Options{})
	src := reg.Register("seeder", registry.RegisterArgs{Name: "a.txt", ContentType: "text/plain", Size: 5})

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/"+src.ID, nil)
	req.Header.Set("Range", "bytes=0-2")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.StatusCode)
	require.Empty(t, eng.Snapshots())
}

// TestNonChunkableWholeEntityRangeServesFull covers the one range form a
// non-chunkable source does tolerate: "bytes=0-" names no explicit end and
// is libsoup's trivial whole-entity range, equivalent to no Range header
// at all.
func TestNonChunkableWholeEntityRangeServesFull(t *testing.T) {
	ts, reg, eng := testHarness(t, Options{})
	src := reg.Register("seeder", registry.RegisterArgs{Name: "a.txt", ContentType: "text/plain", Size: 5})

	getCh := make(chan *http.Response, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/"+src.ID, nil)
		req.Header.Set("Range", "bytes=0-")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		getCh <- resp
	}()

	var transferID string
	require.Eventually(t, func() bool {
		snaps := eng.Snapshots()
		if len(snaps) != 1 {
			return false
		}
		transferID = snaps[0].ID
		return true
	}, time.Second, time.Millisecond)

	putReq, _ := http.NewRequest(http.MethodPut, ts.URL+"/"+transferID, bytes.NewReader([]byte("hello")))
	putReq.ContentLength = 5
	putResp, err := http.DefaultClient.Do(putReq)
	require.NoError(t, err)
	defer putResp.Body.Close()

	resp := <-getCh
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "hello", string(body))
}

func TestPutUnknownTransferIs404(t *testing.T) {
	ts, _, _ := testHarness(t, Options{})
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/no-such-transfer", bytes.NewReader([]byte("x")))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
