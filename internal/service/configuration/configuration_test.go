package configuration

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "localhost", cfg.Exporter.Host)
	assert.Equal(t, 61234, cfg.Exporter.Port)
	assert.Equal(t, 30*time.Second, cfg.Exporter.RetryInterval.Std())
	assert.Equal(t, 0, cfg.Exporter.MaxRetries, "retries should be unbounded by default")
	assert.Equal(t, time.Minute, cfg.Exporter.QueryTimeout.Std())
	assert.Equal(t, 10, cfg.Exporter.MaxConcurrent)
	assert.Equal(t, 30*time.Minute, cfg.Cache.ViewTTL.Std())
	assert.Equal(t, 5*time.Minute, cfg.Refresh.Interval.Std())
	assert.Equal(t, ":8086", cfg.Listen.Address)
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expErr   bool
		validate func(t *testing.T, cfg *Configuration)
	}{
		{
			name: "Partial configuration keeps defaults",
			raw:  `{"exporter": {"host": "exporter.example.org"}}`,
			validate: func(t *testing.T, cfg *Configuration) {
				assert.Equal(t, "exporter.example.org", cfg.Exporter.Host)
				assert.Equal(t, 61234, cfg.Exporter.Port)
				assert.Equal(t, 30*time.Second, cfg.Exporter.RetryInterval.Std())
			},
		},
		{
			name: "Durations load from strings",
			raw:  `{"exporter": {"retryInterval": "5s", "maxRetries": 3, "queryTimeout": "45s"}, "cache": {"viewTTL": "1h"}, "refresh": {"interval": "90s"}}`,
			validate: func(t *testing.T, cfg *Configuration) {
				assert.Equal(t, 5*time.Second, cfg.Exporter.RetryInterval.Std())
				assert.Equal(t, 3, cfg.Exporter.MaxRetries)
				assert.Equal(t, 45*time.Second, cfg.Exporter.QueryTimeout.Std())
				assert.Equal(t, time.Hour, cfg.Cache.ViewTTL.Std())
				assert.Equal(t, 90*time.Second, cfg.Refresh.Interval.Std())
			},
		},
		{
			name: "Sites load into mesh maps",
			raw:  `{"sites": {"sources": {"nz": ["ampz-auckland", "ampz-waikato"]}, "destinations": {"www": ["www.example.com"]}}}`,
			validate: func(t *testing.T, cfg *Configuration) {
				assert.Equal(t, []string{"ampz-auckland", "ampz-waikato"}, cfg.Sites.Sources["nz"])
				assert.Equal(t, []string{"www.example.com"}, cfg.Sites.Destinations["www"])
			},
		},
		{
			name:   "Invalid duration fails",
			raw:    `{"exporter": {"retryInterval": "soon"}}`,
			expErr: true,
		},
		{
			name:   "Invalid JSON fails",
			raw:    `{"exporter": `,
			expErr: true,
		},
		{
			name:   "Out of range port fails",
			raw:    `{"exporter": {"port": 70000}}`,
			expErr: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg, err := Load(strings.NewReader(test.raw))

			if test.expErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			test.validate(t, cfg)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *Configuration)
		expErr bool
	}{
		{
			name:   "Defaults are valid",
			mutate: func(cfg *Configuration) {},
		},
		{
			name:   "Empty host fails",
			mutate: func(cfg *Configuration) { cfg.Exporter.Host = "" },
			expErr: true,
		},
		{
			name:   "Negative retries fail",
			mutate: func(cfg *Configuration) { cfg.Exporter.MaxRetries = -1 },
			expErr: true,
		},
		{
			name:   "Negative query timeout fails",
			mutate: func(cfg *Configuration) { cfg.Exporter.QueryTimeout = Duration(-time.Second) },
			expErr: true,
		},
		{
			name:   "Negative session cap fails",
			mutate: func(cfg *Configuration) { cfg.Exporter.MaxConcurrent = -1 },
			expErr: true,
		},
		{
			name:   "Zero refresh interval fails",
			mutate: func(cfg *Configuration) { cfg.Refresh.Interval = 0 },
			expErr: true,
		},
		{
			name:   "Empty listen address fails",
			mutate: func(cfg *Configuration) { cfg.Listen.Address = "" },
			expErr: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := Default()
			test.mutate(&cfg)

			err := cfg.Validate()
			if test.expErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
