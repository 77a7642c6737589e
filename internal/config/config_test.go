package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultHasSaneFallbacks(t *testing.T) {
	cfg := Default()
	require.Equal(t, "ft", cfg.Node.ID)
	require.Equal(t, 8, cfg.Node.SourceIDStartDepth)
	require.Equal(t, 8080, cfg.HTTP.Port)
	require.Equal(t, 8443, cfg.HTTPS.Port)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadOverridesOnlyMentionedKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "filetea.conf")
	require.NoError(t, os.WriteFile(path, []byte(`
[node]
id = "relay1"
max-bandwidth-in = "2MiB"

[http]
port = 9090
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "relay1", cfg.Node.ID)
	require.Equal(t, ByteSize(2*1024*1024), cfg.Node.MaxBandwidthIn)
	require.Equal(t, 9090, cfg.HTTP.Port)
	// Untouched keys keep their defaults.
	require.Equal(t, 8, cfg.Node.SourceIDStartDepth)
	require.Equal(t, 8443, cfg.HTTPS.Port)
}

func TestLoadClampsSourceIDStartDepthToCap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "filetea.conf")
	require.NoError(t, os.WriteFile(path, []byte(`
[node]
id = "x"
source-id-start-depth = 999
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 16+len("x"), cfg.Node.SourceIDStartDepth)
}

func TestLoadMissingFileIsError(t *testing.T) {
	_, err := Load("/no/such/path/filetea.conf")
	require.Error(t, err)
}

func TestByteSizeUnmarshalsBareIntegerAndHumanString(t *testing.T) {
	var plain ByteSize
	require.NoError(t, plain.UnmarshalTOML(int64(4096)))
	require.Equal(t, ByteSize(4096), plain)

	var human ByteSize
	require.NoError(t, human.UnmarshalTOML("1MiB"))
	require.Equal(t, ByteSize(1024*1024), human)

	var bad ByteSize
	require.Error(t, bad.UnmarshalTOML(3.14))
}
