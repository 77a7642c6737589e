package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/rs/zerolog"

	"github.com/elima/filetea/internal/config"
)

type statsResponse struct {
	Peers           int `json:"peers"`
	Sources         int `json:"sources"`
	ActiveTransfers int `json:"activeTransfers"`
}

// StatsCommand polls a running relay's /mgmt/stats endpoint and prints the
// result, retrying with backoff while the relay is still coming up. The
// address is derived from the same config file `serve` would load
// (`http.port` on localhost), matching `filetea-relay stats --conf <path>`.
func StatsCommand(log zerolog.Logger) *ffcli.Command {
	fs := flag.NewFlagSet("filetea-relay stats", flag.ExitOnError)
	confPath := fs.String("conf", defaultConfPath, "path to the relay's TOML config file")
	retries := fs.Int("retries", 5, "number of attempts before giving up")

	return &ffcli.Command{
		Name:      "stats",
		ShortHelp: "Fetch a point-in-time snapshot of peers/sources/transfers from a running relay",
		LongHelp: strings.TrimSpace(`

The 'filetea-relay stats' command polls GET /mgmt/stats on a running
relay and prints the JSON response. The relay's address is derived from
http.port in the same config file 'serve' would load. It retries with
exponential backoff since the relay may still be starting up (e.g. right
after 'serve').

`),
		FlagSet: fs,
		Exec: func(ctx context.Context, args []string) error {
			return runStats(ctx, log, *confPath, *retries)
		},
	}
}

func runStats(ctx context.Context, log zerolog.Logger, confPath string, retries int) error {
	loadPath := confPath
	if loadPath == defaultConfPath {
		if _, err := os.Stat(loadPath); err != nil {
			loadPath = ""
		}
	}
	cfg, err := config.Load(loadPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	addr := fmt.Sprintf("http://127.0.0.1:%d", cfg.HTTP.Port)

	b := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    2 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		resp, err := fetchStats(ctx, addr)
		if err == nil {
			fmt.Printf("peers=%d sources=%d activeTransfers=%d\n", resp.Peers, resp.Sources, resp.ActiveTransfers)
			return nil
		}
		lastErr = err
		wait := b.Duration()
		log.Debug().Err(err).Dur("wait", wait).Int("attempt", attempt+1).Msg("stats fetch failed, retrying")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("fetching stats from %s after %d attempts: %w", addr, retries, lastErr)
}

func fetchStats(ctx context.Context, addr string) (statsResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/mgmt/stats", nil)
	if err != nil {
		return statsResponse{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return statsResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statsResponse{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var out statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return statsResponse{}, err
	}
	return out, nil
}
