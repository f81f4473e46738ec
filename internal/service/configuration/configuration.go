package configuration

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
)

// Defaults applied by Default and by Load when a field is absent.
const (
	DefaultExporterHost  = "localhost"
	DefaultExporterPort  = 61234
	DefaultRetryInterval = 30 * time.Second
	DefaultQueryTimeout  = 60 * time.Second
	DefaultMaxConcurrent = 10
	DefaultViewTTL       = 30 * time.Minute
	DefaultStreamViewTTL = 30 * time.Minute
	DefaultRefreshEvery  = 5 * time.Minute
	DefaultStreamMaxAge  = 5 * time.Minute
	DefaultListenAddress = ":8086"
)

// Duration is a time.Duration that loads from JSON strings such as
// "30s" or "5m".
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	*d = Duration(v)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Exporter is the configuration of the connection to the metric
// exporter.
type Exporter struct {
	Host          string   `json:"host"`
	Port          int      `json:"port"`
	RetryInterval Duration `json:"retryInterval"`
	// MaxRetries bounds the connect retry loop. 0 retries forever.
	MaxRetries int `json:"maxRetries"`
	// QueryTimeout bounds every exporter request. 0 disables the
	// bound.
	QueryTimeout Duration `json:"queryTimeout"`
	// MaxConcurrent caps the exporter sessions open at once. 0 leaves
	// them uncapped.
	MaxConcurrent int `json:"maxConcurrent"`
}

// Cache is the configuration of the result caches.
type Cache struct {
	ViewTTL       Duration `json:"viewTTL"`
	StreamViewTTL Duration `json:"streamViewTTL"`
}

// Refresh is the configuration of the stream index refresh cycle.
type Refresh struct {
	// Interval is how often the daemon refreshes every collection.
	Interval Duration `json:"interval"`
	// StreamMaxAge is the minimum time between exporter stream fetches
	// for a single collection.
	StreamMaxAge Duration `json:"streamMaxAge"`
}

// Listen is the configuration of the HTTP API.
type Listen struct {
	Address string `json:"address"`
}

// Sites maps mesh names to their member sites, one map per matrix
// axis.
type Sites struct {
	Sources      map[string][]string `json:"sources"`
	Destinations map[string][]string `json:"destinations"`
}

// Configuration is the runtime configuration of the daemon.
type Configuration struct {
	Exporter Exporter `json:"exporter"`
	Cache    Cache    `json:"cache"`
	Refresh  Refresh  `json:"refresh"`
	Listen   Listen   `json:"listen"`
	Sites    Sites    `json:"sites"`
}

// Default returns a Configuration with every field set to its default.
func Default() Configuration {
	return Configuration{
		Exporter: Exporter{
			Host:          DefaultExporterHost,
			Port:          DefaultExporterPort,
			RetryInterval: Duration(DefaultRetryInterval),
			QueryTimeout:  Duration(DefaultQueryTimeout),
			MaxConcurrent: DefaultMaxConcurrent,
		},
		Cache: Cache{
			ViewTTL:       Duration(DefaultViewTTL),
			StreamViewTTL: Duration(DefaultStreamViewTTL),
		},
		Refresh: Refresh{
			Interval:     Duration(DefaultRefreshEvery),
			StreamMaxAge: Duration(DefaultStreamMaxAge),
		},
		Listen: Listen{
			Address: DefaultListenAddress,
		},
	}
}

// Load reads a JSON configuration from r, filling absent fields with
// defaults.
func Load(r io.Reader) (*Configuration, error) {
	cfg := Default()
	if err := json.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, errors.Wrap(err, "decoding configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile reads a JSON configuration from the file at path.
func LoadFile(path string) (*Configuration, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening configuration file %s", path)
	}
	defer f.Close()
	return Load(f)
}

// Validate checks the configuration is usable.
func (c *Configuration) Validate() error {
	if c.Exporter.Host == "" {
		return errors.New("exporter host is required")
	}
	if c.Exporter.Port <= 0 || c.Exporter.Port > 65535 {
		return errors.Errorf("exporter port %d out of range", c.Exporter.Port)
	}
	if c.Exporter.RetryInterval <= 0 {
		return errors.New("exporter retry interval must be positive")
	}
	if c.Exporter.MaxRetries < 0 {
		return errors.New("exporter max retries can't be negative")
	}
	if c.Exporter.QueryTimeout < 0 {
		return errors.New("exporter query timeout can't be negative")
	}
	if c.Exporter.MaxConcurrent < 0 {
		return errors.New("exporter max concurrent sessions can't be negative")
	}
	if c.Cache.ViewTTL < 0 || c.Cache.StreamViewTTL < 0 {
		return errors.New("cache TTLs can't be negative")
	}
	if c.Refresh.Interval <= 0 {
		return errors.New("refresh interval must be positive")
	}
	if c.Refresh.StreamMaxAge < 0 {
		return errors.New("stream max age can't be negative")
	}
	if c.Listen.Address == "" {
		return errors.New("listen address is required")
	}
	return nil
}
