// Package config decodes the on-disk relay configuration and exposes it as a
// typed record. Parsing the command line and applying flag overrides is the
// caller's job (cmd/filetea-relay); this package only knows how to turn a
// TOML file into a Config and apply sane defaults.
package config

import (
	"fmt"
	"strconv"

	"github.com/BurntSushi/toml"
	units "github.com/docker/go-units"
)

// ByteSize decodes either a bare integer or a human size string ("10MB",
// "1GiB") from TOML, so operators can write node.max-bandwidth-in = "2MiB"
// instead of counting zeroes.
type ByteSize int64

// UnmarshalText implements encoding.TextUnmarshaler, used by the TOML
// decoder whenever the key is written as a quoted string.
func (b *ByteSize) UnmarshalText(text []byte) error {
	n, err := units.RAMInBytes(string(text))
	if err != nil {
		return fmt.Errorf("invalid byte size %q: %w", text, err)
	}
	*b = ByteSize(n)
	return nil
}

// UnmarshalTOML implements toml.Unmarshaler so a bare TOML integer (no
// quotes) is also accepted.
func (b *ByteSize) UnmarshalTOML(v interface{}) error {
	switch t := v.(type) {
	case int64:
		*b = ByteSize(t)
		return nil
	case string:
		return b.UnmarshalText([]byte(t))
	default:
		return fmt.Errorf("unsupported byte size value %v", v)
	}
}

// Node holds the keys under the [node] table.
type Node struct {
	// ID is the instance prefix stamped onto every generated source id.
	ID string `toml:"id"`
	// Key is the HMAC signing key for source claims. Generated randomly
	// (and therefore non-persistent) if left empty.
	Key string `toml:"key"`
	// SourceIDStartDepth is the initial total length of generated ids.
	SourceIDStartDepth int `toml:"source-id-start-depth"`
	// ServerName, when set, is the canonical Host the front door redirects to.
	ServerName string `toml:"server-name"`
	// MaxBandwidthIn/Out bound the pump's throughput in bytes/sec, with one
	// limit per direction shared by every transfer on the relay (there is
	// no separate per-transfer limit). Zero (the default) means unbounded.
	MaxBandwidthIn  ByteSize `toml:"max-bandwidth-in"`
	MaxBandwidthOut ByteSize `toml:"max-bandwidth-out"`
}

// HTTP holds the keys under the [http] table.
type HTTP struct {
	Port            int    `toml:"port"`
	ForceHTTPS      bool   `toml:"force-https"`
	ExternalBaseURL string `toml:"external-base-url"`
}

// HTTPS holds the keys under the [https] table.
type HTTPS struct {
	Port    int    `toml:"port"`
	Cert    string `toml:"cert"`
	Key     string `toml:"key"`
	DHDepth int    `toml:"dh-depth"`
}

// Config is the root of the TOML document.
type Config struct {
	Node  Node  `toml:"node"`
	HTTP  HTTP  `toml:"http"`
	HTTPS HTTPS `toml:"https"`
}

// Default returns a Config with every field set to the documented default.
func Default() Config {
	return Config{
		Node: Node{
			ID:                 "ft",
			SourceIDStartDepth: 8,
			MaxBandwidthIn:     0,
			MaxBandwidthOut:    0,
		},
		HTTP: HTTP{
			Port: 8080,
		},
		HTTPS: HTTPS{
			Port: 8443,
		},
	}
}

// Load decodes path over the defaults, so a config file only needs to
// mention the keys it wants to override.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("decoding config %s: %w", path, err)
	}
	if cfg.Node.SourceIDStartDepth <= 0 {
		cfg.Node.SourceIDStartDepth = 8
	}
	cap := 16 + len(cfg.Node.ID)
	if cfg.Node.SourceIDStartDepth > cap {
		cfg.Node.SourceIDStartDepth = cap
	}
	return cfg, nil
}

// ParseDepth parses a decimal source-id depth. No flag of the CLI layer
// currently uses it.
func ParseDepth(s string) (int, error) {
	return strconv.Atoi(s)
}
