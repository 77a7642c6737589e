package cli

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/rs/zerolog"

	"github.com/elima/filetea/internal/config"
	"github.com/elima/filetea/internal/relay"
)

// defaultConfPath matches the config location an installed relay reads
// from when no --conf flag is given.
const defaultConfPath = "/etc/filetea/filetea.conf"

// daemonizedEnvKey marks a process as the detached child of a --daemonize
// re-exec, so it doesn't fork again.
const daemonizedEnvKey = "FILETEA_RELAY_DAEMONIZED"

// ServeCommand runs the relay until interrupted.
func ServeCommand(log zerolog.Logger) *ffcli.Command {
	fs := flag.NewFlagSet("filetea-relay serve", flag.ExitOnError)
	confPath := fs.String("conf", defaultConfPath, "path to a TOML config file")
	daemonize := fs.Bool("daemonize", false, "detach and run in the background")
	httpPort := fs.Int("http-port", 0, "override http.port from the config")
	httpsPort := fs.Int("https-port", 0, "override https.port from the config")

	return &ffcli.Command{
		Name:      "serve",
		ShortHelp: "Run the relay, serving signalling and content over HTTP(S)",
		LongHelp: strings.TrimSpace(`

The 'filetea-relay serve' command loads a config file (or the built-in
defaults if none is given), wires up the peer transport, source registry,
transfer engine and HTTP front door, and serves until interrupted.

`),
		FlagSet: fs,
		Exec: func(ctx context.Context, args []string) error {
			if *daemonize && os.Getenv(daemonizedEnvKey) != "1" {
				return reExecDaemonized()
			}
			return runServe(ctx, log, *confPath, *httpPort, *httpsPort)
		},
	}
}

// reExecDaemonized detaches by re-executing the current process into a new
// session (syscall.SysProcAttr.Setsid), the same approach the corpus's own
// gopls remote-daemon launcher uses, then exits the parent.
func reExecDaemonized() error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable for daemonize: %w", err)
	}
	cmd := exec.Command(self, os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonizedEnvKey+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting daemonized relay: %w", err)
	}
	return nil
}

func runServe(ctx context.Context, log zerolog.Logger, confPath string, httpPortOverride, httpsPortOverride int) error {
	loadPath := confPath
	if loadPath == defaultConfPath {
		if _, err := os.Stat(loadPath); err != nil {
			// Fall back to built-in defaults rather than fail when the
			// operator hasn't installed a config file at the default path.
			loadPath = ""
		}
	}
	cfg, err := config.Load(loadPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if httpPortOverride > 0 {
		cfg.HTTP.Port = httpPortOverride
	}
	if httpsPortOverride > 0 {
		cfg.HTTPS.Port = httpsPortOverride
	}
	if cfg.HTTP.ForceHTTPS && (cfg.HTTPS.Cert == "" || cfg.HTTPS.Key == "") {
		return errors.New("http.force-https is set but https.cert/https.key are not configured")
	}

	opts, err := relay.FromConfig(cfg)
	if err != nil {
		return fmt.Errorf("deriving relay options: %w", err)
	}
	r := relay.New(opts, log)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	servers := []*http.Server{{Addr: fmt.Sprintf(":%d", cfg.HTTP.Port), Handler: r.Front}}
	log.Info().Int("port", cfg.HTTP.Port).Msg("relay listening (http)")

	var tlsCert *tls.Certificate
	if cfg.HTTPS.Cert != "" && cfg.HTTPS.Key != "" {
		cert, err := tls.LoadX509KeyPair(cfg.HTTPS.Cert, cfg.HTTPS.Key)
		if err != nil {
			return fmt.Errorf("loading TLS cert/key: %w", err)
		}
		tlsCert = &cert
		servers = append(servers, &http.Server{
			Addr:      fmt.Sprintf(":%d", cfg.HTTPS.Port),
			Handler:   r.Front,
			TLSConfig: &tls.Config{Certificates: []tls.Certificate{*tlsCert}},
		})
		log.Info().Int("port", cfg.HTTPS.Port).Msg("relay listening (https)")
	}
	// https.dh-depth configures ephemeral-DH group strength for the
	// original's GnuTLS stack; crypto/tls exposes no equivalent knob, so
	// there is nothing to wire it to here (see DESIGN.md).

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		srv := srv
		go func() {
			var err error
			if srv.TLSConfig != nil {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
				return
			}
			errCh <- nil
		}()
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info().Msg("shutting down")
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutting down: %w", err)
			}
		}
		return nil
	case err := <-errCh:
		return err
	}
}
