package interop

import (
	"fmt"
	"net/url"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thibmeu/daphne/dap"
	"github.com/thibmeu/daphne/vdaf"
)

// Duration wraps time.Duration for YAML configs: "500ms" and "2s" parse as
// Go duration strings, bare integers are seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs int64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("duration must be a string like \"2s\" or a number of seconds")
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// Config is the complete description of one harness run. Every knob the
// sequencer consults is a field here; nothing hides in package state.
type Config struct {
	// Leader and Helper are aggregator base URLs including the version
	// path, e.g. "http://127.0.0.1:8787/v09".
	Leader string `yaml:"leader"`
	Helper string `yaml:"helper"`

	// TaskID is the base64url task identifier. Empty means a fresh random
	// ID is drawn at provisioning time.
	TaskID string `yaml:"task_id"`

	VdafType string `yaml:"vdaf_type"`
	VdafBits string `yaml:"vdaf_bits"`

	QueryType     dap.QueryType `yaml:"query_type"`
	TimePrecision uint64        `yaml:"time_precision"`
	MinBatchSize  uint64        `yaml:"min_batch_size"`
	MaxBatchSize  uint64        `yaml:"max_batch_size"`

	// TaskLifetime is how far past provisioning the task expires.
	TaskLifetime Duration `yaml:"task_lifetime"`

	LeaderToken    string `yaml:"leader_token"`
	CollectorToken string `yaml:"collector_token"`

	// CollectorConfigFile, when set, persists the collector's HPKE
	// receiver config as JSON: an existing file is loaded, otherwise fresh
	// key material is written there. The file never goes on the wire.
	CollectorConfigFile string `yaml:"collector_config_file"`

	// Measurement is the plaintext value each upload carries.
	Measurement uint64 `yaml:"measurement"`

	// MinReportCount is how many reports the sequencer uploads before it
	// opens a collection job. Aggregator batching can make a single report
	// uncollectable, so this is a knob rather than an assumption.
	MinReportCount int `yaml:"min_report_count"`

	// TriggerRounds caps how many aggregation sweeps one run requests,
	// counting the initial nudge and any re-nudges between polls.
	TriggerRounds int `yaml:"trigger_rounds"`

	// SettleDelay is an optional pause between the uploads and the first
	// sweep, for deployments where fresh reports take a moment to become
	// visible to aggregation. Zero skips it.
	SettleDelay Duration `yaml:"settle_delay"`

	PollInterval    Duration `yaml:"poll_interval"`
	PollMaxAttempts int      `yaml:"poll_max_attempts"`

	// ReadyTimeout ceils how long to wait for both aggregators to answer
	// their readiness probe.
	ReadyTimeout Duration `yaml:"ready_timeout"`

	// RequestTimeout bounds each individual HTTP round trip.
	RequestTimeout Duration `yaml:"request_timeout"`

	// NetworkAttempts is how many times transient transport failures are
	// retried on idempotent calls (provisioning, trigger).
	NetworkAttempts int `yaml:"network_attempts"`
}

// Default returns the configuration the CLI starts from: a local aggregator
// pair and the sum(bits=8) demo task.
func Default() Config {
	return Config{
		Leader:          "http://127.0.0.1:8787/v09",
		Helper:          "http://127.0.0.1:8788/v09",
		VdafType:        "Prio3Sum",
		VdafBits:        "8",
		QueryType:       dap.QueryTypeFixedSize,
		TimePrecision:   3600,
		MinBatchSize:    2,
		MaxBatchSize:    12,
		TaskLifetime:    Duration(7 * 24 * time.Hour),
		LeaderToken:     "I-am-the-leader",
		CollectorToken:  "I-am-the-collector",
		Measurement:     42,
		MinReportCount:  2,
		TriggerRounds:   2,
		PollInterval:    Duration(time.Second),
		PollMaxAttempts: 10,
		ReadyTimeout:    Duration(30 * time.Second),
		RequestTimeout:  Duration(30 * time.Second),
		NetworkAttempts: 3,
	}
}

// Validate rejects configurations the sequencer cannot run with.
func (c Config) Validate() error {
	for name, base := range map[string]string{"leader": c.Leader, "helper": c.Helper} {
		u, err := url.Parse(base)
		if err != nil {
			return fmt.Errorf("%s URL %q: %w", name, base, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s URL %q needs a scheme and host", name, base)
		}
	}
	if c.TaskID != "" {
		if _, err := dap.ParseTaskID(c.TaskID); err != nil {
			return err
		}
	}
	if _, err := vdaf.New(c.VdafType, c.VdafBits); err != nil {
		return err
	}
	if c.QueryType != dap.QueryTypeTimeInterval && c.QueryType != dap.QueryTypeFixedSize {
		return fmt.Errorf("unknown query type %d", c.QueryType)
	}
	if c.TimePrecision == 0 {
		return fmt.Errorf("time precision must be positive")
	}
	if c.MinBatchSize == 0 {
		return fmt.Errorf("min batch size must be positive")
	}
	if c.LeaderToken == "" || c.CollectorToken == "" {
		return fmt.Errorf("leader and collector tokens are required")
	}
	if c.MinReportCount < 1 {
		return fmt.Errorf("min report count must be at least 1")
	}
	if c.TriggerRounds < 1 {
		return fmt.Errorf("trigger rounds must be at least 1")
	}
	if c.PollMaxAttempts < 1 {
		return fmt.Errorf("poll max attempts must be at least 1")
	}
	if c.NetworkAttempts < 1 {
		return fmt.Errorf("network attempts must be at least 1")
	}
	return nil
}
