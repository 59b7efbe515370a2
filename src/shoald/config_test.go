package shoald

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	require.NoError(t, c.Validate())
	require.Equal(t, "127.0.0.1:12000", c.ListenAddr)
	require.Equal(t, "cert.der", c.CertPath)
	require.Equal(t, "key.der", c.KeyPath)
	require.Equal(t, 10, c.MaxTransmitsPerDrain)
	require.Equal(t, 8192, c.ReceiveBufferSize)
	require.Equal(t, 0, c.AppEventsPerCycle)
	require.Empty(t, c.AdminAddr)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "shoal.yml")
	data := []byte(`
listen_addr: 127.0.0.1:13000
loops: 3
cert_path: creds/cert.der
key_path: /etc/shoal/key.der
app_events_per_cycle: 1
idle_timeout: 5s
log:
  level: debug
  format: json
`)
	require.NoError(t, os.WriteFile(p, data, 0o644))

	c, err := LoadConfig(p)
	require.NoError(t, err)
	require.Equal(t, 3, c.Loops)
	require.Equal(t, filepath.Join(dir, "creds/cert.der"), c.CertPath)
	require.Equal(t, "/etc/shoal/key.der", c.KeyPath)
	require.Equal(t, 1, c.AppEventsPerCycle)
	require.Equal(t, 5*time.Second, c.IdleTimeout)
	require.Equal(t, "debug", c.Log.Level)
	// unset fields keep their defaults.
	require.Equal(t, 10, c.MaxTransmitsPerDrain)
	require.Equal(t, []string{"stderr"}, c.Log.Outputs)

	addrs, err := c.LoopAddrs()
	require.NoError(t, err)
	require.Equal(t, []string{"127.0.0.1:13000", "127.0.0.1:13001", "127.0.0.1:13002"}, addrs)
}

func TestLoadConfigInvalid(t *testing.T) {
	dir := t.TempDir()
	tcs := map[string]string{
		"bad yaml":  "loops: [",
		"no loops":  "loops: 0",
		"bad addr":  "listen_addr: nowhere",
		"bad port":  "listen_addr: 127.0.0.1:99999",
		"too many":  "listen_addr: 127.0.0.1:65535\nloops: 2",
		"no cert":   "cert_path: \"\"",
		"negatives": "receive_buffer_size: -1",
	}
	for name, data := range tcs {
		t.Run(name, func(t *testing.T) {
			p := filepath.Join(dir, name+".yml")
			require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
			_, err := LoadConfig(p)
			require.Error(t, err)
		})
	}
	_, err := LoadConfig(filepath.Join(dir, "missing.yml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoopAddrsEphemeral(t *testing.T) {
	c := DefaultConfig()
	c.ListenAddr = "127.0.0.1:0"
	c.Loops = 2
	addrs, err := c.LoopAddrs()
	require.NoError(t, err)
	require.Equal(t, []string{"127.0.0.1:0", "127.0.0.1:0"}, addrs)
}

func TestSetupLogger(t *testing.T) {
	p := filepath.Join(t.TempDir(), "logs", "shoal.log")
	log, err := SetupLogger(LogConfig{Level: "info", Format: "json", Outputs: []string{p}})
	require.NoError(t, err)
	log.Debug("hidden")
	log.Info("shown")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	require.Contains(t, string(data), `"msg":"shown"`)
	require.NotContains(t, string(data), "hidden")

	_, err = SetupLogger(LogConfig{Level: "loud"})
	require.Error(t, err)
	_, err = SetupLogger(LogConfig{Format: "xml"})
	require.Error(t, err)
}
