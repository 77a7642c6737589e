package cli

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestRunServeRejectsForceHTTPSWithoutCert(t *testing.T) {
	err := runServe(context.Background(), zerolog.Nop(), confWithForceHTTPSNoCert(t), 0, 0)
	require.Error(t, err)
	require.Contains(t, err.Error(), "https.cert")
}

func confWithForceHTTPSNoCert(t *testing.T) string {
	t.Helper()
	return writeConf(t, "[http]\nforce-https = true\n")
}

func TestRunServeStartsAndStopsOnCancel(t *testing.T) {
	confPath := writeConf(t, "[http]\nport = 0\n")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- runServe(ctx, zerolog.Nop(), confPath, 0, 0)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runServe did not stop after context cancellation")
	}
}
