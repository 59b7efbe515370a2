package shoald

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"go.shoal.dev/shoal/src/certs"
	"go.shoal.dev/shoal/src/shoalproto"
	"go.shoal.dev/shoal/src/transport"
)

const DefaultListenAddr = "127.0.0.1:12000"

type LogConfig struct {
	Level string `yaml:"level"`
	// Format is console or json.
	Format string `yaml:"format"`
	// Outputs are stdout, stderr or file paths.
	Outputs  []string       `yaml:"outputs"`
	Rotation RotationConfig `yaml:"rotation"`
}

// RotationConfig controls the rotation of file outputs.
type RotationConfig struct {
	Enable     bool `yaml:"enable"`
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	// Loops is the number of dispatch loops. Each binds its own socket on consecutive ports.
	Loops    int    `yaml:"loops"`
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
	// AdminAddr is where metrics are served. Empty disables the admin server.
	AdminAddr string `yaml:"admin_addr"`

	MaxTransmitsPerDrain    int           `yaml:"max_transmits_per_drain"`
	AppEventsPerCycle       int           `yaml:"app_events_per_cycle"`
	ReceiveBufferSize       int           `yaml:"receive_buffer_size"`
	IdleTimeout             time.Duration `yaml:"idle_timeout"`
	MaxNewSessionsPerSecond float64       `yaml:"max_new_sessions_per_second"`

	Log LogConfig `yaml:"log"`
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:              DefaultListenAddr,
		Loops:                   1,
		CertPath:                certs.DefaultCertPath,
		KeyPath:                 certs.DefaultKeyPath,
		MaxTransmitsPerDrain:    transport.DefaultMaxTransmitsPerDrain,
		ReceiveBufferSize:       transport.DefaultReceiveBufferSize,
		IdleTimeout:             shoalproto.DefaultIdleTimeout,
		MaxNewSessionsPerSecond: shoalproto.DefaultMaxNewSessionsPerSecond,
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
		},
	}
}

// LoadConfig reads a YAML config file over the defaults.
// Relative credential paths are resolved against the directory of the file.
func LoadConfig(p string) (*Config, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	c := DefaultConfig()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", p)
	}
	dir := filepath.Dir(p)
	for _, path := range []*string{&c.CertPath, &c.KeyPath} {
		if *path != "" && !filepath.IsAbs(*path) {
			*path = filepath.Join(dir, *path)
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c Config) Validate() error {
	if c.Loops < 1 {
		return errors.Errorf("loops must be at least 1, have %d", c.Loops)
	}
	if _, _, err := c.listenHostPort(); err != nil {
		return err
	}
	if c.CertPath == "" || c.KeyPath == "" {
		return errors.Errorf("cert_path and key_path are required")
	}
	if c.MaxTransmitsPerDrain < 0 || c.AppEventsPerCycle < 0 || c.ReceiveBufferSize < 0 {
		return errors.Errorf("negative loop parameter")
	}
	return nil
}

// LoopAddrs returns the address each loop listens on.
// A zero port gives every loop an ephemeral port.
func (c Config) LoopAddrs() ([]string, error) {
	host, port, err := c.listenHostPort()
	if err != nil {
		return nil, err
	}
	addrs := make([]string, c.Loops)
	for i := range addrs {
		p := port
		if port != 0 {
			p = port + i
		}
		addrs[i] = net.JoinHostPort(host, strconv.Itoa(p))
	}
	return addrs, nil
}

func (c Config) listenHostPort() (string, int, error) {
	host, portStr, err := net.SplitHostPort(c.ListenAddr)
	if err != nil {
		return "", 0, errors.Wrapf(err, "listen_addr %q", c.ListenAddr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, errors.Errorf("listen_addr %q has an invalid port", c.ListenAddr)
	}
	if port != 0 && port+c.Loops-1 > 65535 {
		return "", 0, errors.Errorf("not enough ports above %d for %d loops", port, c.Loops)
	}
	return host, port, nil
}
