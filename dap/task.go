package dap

import (
	"encoding/json"
	"fmt"
)

// Aggregator roles as they appear in task descriptors.
const (
	RoleNameLeader = "leader"
	RoleNameHelper = "helper"
)

// VdafSpec is the descriptor form of a VDAF choice. Bits is a decimal
// string, not a number, and is empty for types without a bit width.
type VdafSpec struct {
	Type string `json:"type"`
	Bits string `json:"bits,omitempty"`
}

// TaskDescriptor is the provisioning payload for one aggregator's view of a
// task. The leader's descriptor carries the collector credentials and HPKE
// config; the helper's omits both, since the helper never talks to the
// collector.
type TaskDescriptor struct {
	TaskID TaskID `json:"task_id"`

	// Leader and Helper are base URLs including the version path.
	Leader string `json:"leader"`
	Helper string `json:"helper"`

	Vdaf VdafSpec `json:"vdaf"`

	// LeaderAuthToken authenticates leader-to-helper requests.
	LeaderAuthToken string `json:"leader_authentication_token"`

	// CollectorAuthToken authenticates collection requests. Leader only.
	CollectorAuthToken string `json:"collector_authentication_token,omitempty"`

	// Role is the recipient's own role, "leader" or "helper".
	Role string `json:"role"`

	VdafVerifyKey Bytes `json:"vdaf_verify_key"`

	QueryType    QueryType `json:"query_type"`
	MinBatchSize uint64    `json:"min_batch_size"`
	MaxBatchSize uint64    `json:"max_batch_size,omitempty"`

	// TimePrecision is the report timestamp bucket width in seconds.
	TimePrecision Duration `json:"time_precision"`

	// CollectorHpkeConfig is the TLS-encoded HpkeConfig reports' aggregate
	// shares are sealed to. Leader only.
	CollectorHpkeConfig Bytes `json:"collector_hpke_config,omitempty"`

	// TaskExpiration is the time after which reports are refused.
	TaskExpiration Time `json:"task_expiration"`
}

// Validate checks internal consistency and the role-specific field rules.
func (td *TaskDescriptor) Validate() error {
	if td.Leader == "" || td.Helper == "" {
		return fmt.Errorf("task %s: leader and helper URLs are required", td.TaskID)
	}
	if td.Vdaf.Type == "" {
		return fmt.Errorf("task %s: vdaf type is required", td.TaskID)
	}
	if td.LeaderAuthToken == "" {
		return fmt.Errorf("task %s: leader authentication token is required", td.TaskID)
	}
	if td.QueryType != QueryTypeTimeInterval && td.QueryType != QueryTypeFixedSize {
		return fmt.Errorf("task %s: unknown query type %d", td.TaskID, td.QueryType)
	}
	if td.MinBatchSize == 0 {
		return fmt.Errorf("task %s: min batch size must be positive", td.TaskID)
	}
	if td.MaxBatchSize != 0 && td.MaxBatchSize < td.MinBatchSize {
		return fmt.Errorf("task %s: max batch size %d below min batch size %d", td.TaskID, td.MaxBatchSize, td.MinBatchSize)
	}
	if td.TimePrecision == 0 {
		return fmt.Errorf("task %s: time precision must be positive", td.TaskID)
	}

	switch td.Role {
	case RoleNameLeader:
		if td.CollectorAuthToken == "" {
			return fmt.Errorf("task %s: leader descriptor needs the collector authentication token", td.TaskID)
		}
		if len(td.CollectorHpkeConfig) == 0 {
			return fmt.Errorf("task %s: leader descriptor needs the collector HPKE config", td.TaskID)
		}
	case RoleNameHelper:
		if td.CollectorAuthToken != "" {
			return fmt.Errorf("task %s: unexpected collector authentication token in helper descriptor", td.TaskID)
		}
		if len(td.CollectorHpkeConfig) != 0 {
			return fmt.Errorf("task %s: unexpected collector HPKE config in helper descriptor", td.TaskID)
		}
	default:
		return fmt.Errorf("task %s: role must be %q or %q, got %q", td.TaskID, RoleNameLeader, RoleNameHelper, td.Role)
	}
	return nil
}

// HelperView derives the helper's descriptor from the leader's: same task,
// collector-only fields stripped, role flipped.
func (td *TaskDescriptor) HelperView() *TaskDescriptor {
	cp := *td
	cp.Role = RoleNameHelper
	cp.CollectorAuthToken = ""
	cp.CollectorHpkeConfig = nil
	return &cp
}

// CollectorConfig decodes the embedded collector HPKE config.
func (td *TaskDescriptor) CollectorConfig() (HpkeConfig, error) {
	var cfg HpkeConfig
	if len(td.CollectorHpkeConfig) == 0 {
		return cfg, fmt.Errorf("task %s carries no collector HPKE config", td.TaskID)
	}
	if err := cfg.UnmarshalBinary(td.CollectorHpkeConfig); err != nil {
		return cfg, fmt.Errorf("task %s: %w", td.TaskID, err)
	}
	return cfg, nil
}

// Equal reports whether two descriptors are byte-for-byte the same
// provisioning request. Re-registering an identical descriptor is
// idempotent; a differing one for the same task ID is a conflict.
func (td *TaskDescriptor) Equal(other *TaskDescriptor) bool {
	a, errA := json.Marshal(td)
	b, errB := json.Marshal(other)
	return errA == nil && errB == nil && string(a) == string(b)
}
