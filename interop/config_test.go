package interop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDurationYAMLForms(t *testing.T) {
	var cfg struct {
		A Duration `yaml:"a"`
		B Duration `yaml:"b"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("a: 1m30s\nb: 90\n"), &cfg))
	assert.Equal(t, 90*time.Second, cfg.A.Std())
	assert.Equal(t, 90*time.Second, cfg.B.Std())

	err := yaml.Unmarshal([]byte("a: soon\n"), &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "soon")
}

func TestConfigYAMLRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.TaskID = "8TuT5Z5fAuutsX9DZWSqkUw6pzDl96d3tdsDJgWH2VY"
	cfg.SettleDelay = Duration(500 * time.Millisecond)
	cfg.CollectorConfigFile = "/tmp/collector.json"

	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)

	var parsed Config
	require.NoError(t, yaml.Unmarshal(data, &parsed))
	assert.Equal(t, cfg, parsed)
	require.NoError(t, parsed.Validate())
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, Default().Validate())

	mutations := map[string]func(*Config){
		"leader URL without host": func(c *Config) { c.Leader = "localhost:8787" },
		"malformed task ID":       func(c *Config) { c.TaskID = "!!" },
		"unknown VDAF":            func(c *Config) { c.VdafType = "Prio3Mystery" },
		"non-numeric bits":        func(c *Config) { c.VdafBits = "eight" },
		"unknown query type":      func(c *Config) { c.QueryType = 9 },
		"zero time precision":     func(c *Config) { c.TimePrecision = 0 },
		"zero min batch size":     func(c *Config) { c.MinBatchSize = 0 },
		"missing collector token": func(c *Config) { c.CollectorToken = "" },
		"zero report count":       func(c *Config) { c.MinReportCount = 0 },
		"zero trigger rounds":     func(c *Config) { c.TriggerRounds = 0 },
		"zero poll attempts":      func(c *Config) { c.PollMaxAttempts = 0 },
		"zero network attempts":   func(c *Config) { c.NetworkAttempts = 0 },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
