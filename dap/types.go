package dap

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// Media types carried in Content-Type and Accept headers on DAP endpoints.
const (
	MediaTypeHpkeConfigList = "application/dap-hpke-config-list"
	MediaTypeReport         = "application/dap-report"
	MediaTypeCollectReq     = "application/dap-collect-req"
	MediaTypeCollection     = "application/dap-collect-resp"
	MediaTypeProblem        = "application/problem+json"
)

// AuthHeader is the header bearer tokens are carried in. DAP deployments use
// a dedicated header so intermediaries never confuse it with end-user
// Authorization credentials.
const AuthHeader = "DAP-Auth-Token"

// Protocol roles, in registry order. The byte values appear in HPKE
// application info strings to bind a ciphertext to its sender and recipient.
const (
	RoleCollector byte = 0
	RoleClient    byte = 1
	RoleLeader    byte = 2
	RoleHelper    byte = 3
)

// TaskID identifies a measurement campaign. It is opaque to every party and
// rendered as unpadded base64url in URLs and JSON.
type TaskID [32]byte

// BatchID identifies one fixed-size batch on the Leader.
type BatchID [32]byte

// ReportID is the unique nonce of a single report. Aggregators track seen
// IDs to reject replays.
type ReportID [16]byte

var b64 = base64.RawURLEncoding

func (id TaskID) String() string   { return b64.EncodeToString(id[:]) }
func (id BatchID) String() string  { return b64.EncodeToString(id[:]) }
func (id ReportID) String() string { return b64.EncodeToString(id[:]) }

func (id TaskID) MarshalText() ([]byte, error)   { return []byte(id.String()), nil }
func (id BatchID) MarshalText() ([]byte, error)  { return []byte(id.String()), nil }
func (id ReportID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *TaskID) UnmarshalText(text []byte) error {
	parsed, err := ParseTaskID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id *BatchID) UnmarshalText(text []byte) error {
	parsed, err := ParseBatchID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id *ReportID) UnmarshalText(text []byte) error {
	raw, err := b64.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("decoding report ID: %w", err)
	}
	if len(raw) != len(id) {
		return fmt.Errorf("report ID must be %d bytes, got %d", len(id), len(raw))
	}
	copy(id[:], raw)
	return nil
}

// ParseTaskID decodes the unpadded base64url text form of a task ID.
func ParseTaskID(s string) (TaskID, error) {
	var id TaskID
	raw, err := b64.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("decoding task ID: %w", err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("task ID must be %d bytes, got %d", len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// ParseBatchID decodes the unpadded base64url text form of a batch ID.
func ParseBatchID(s string) (BatchID, error) {
	var id BatchID
	raw, err := b64.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("decoding batch ID: %w", err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("batch ID must be %d bytes, got %d", len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// NewTaskID returns a fresh random task ID.
func NewTaskID() (TaskID, error) {
	var id TaskID
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("generating task ID: %w", err)
	}
	return id, nil
}

// NewBatchID returns a fresh random batch ID.
func NewBatchID() (BatchID, error) {
	var id BatchID
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("generating batch ID: %w", err)
	}
	return id, nil
}

// NewReportID returns a fresh random report ID.
func NewReportID() (ReportID, error) {
	var id ReportID
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("generating report ID: %w", err)
	}
	return id, nil
}

// Time is a timestamp in seconds since the Unix epoch.
type Time uint64

// Truncate rounds the timestamp down to the start of its time-precision
// bucket. Clients truncate report times before upload so that timestamps
// carry no more resolution than the task allows.
func (t Time) Truncate(precision Duration) Time {
	if precision == 0 {
		return t
	}
	return t - Time(uint64(t)%uint64(precision))
}

// Duration is a span in seconds.
type Duration uint64

// Interval is a half-open time range [Start, Start+Duration).
type Interval struct {
	Start    Time     `json:"start"`
	Duration Duration `json:"duration"`
}

// Contains reports whether the timestamp falls inside the interval.
func (iv Interval) Contains(t Time) bool {
	return t >= iv.Start && t < iv.Start+Time(iv.Duration)
}

// Validate checks the interval is aligned to the task's time precision and
// non-empty. Aggregators refuse misaligned collect queries.
func (iv Interval) Validate(precision Duration) error {
	if iv.Duration == 0 {
		return fmt.Errorf("interval duration must be positive")
	}
	if precision == 0 {
		return nil
	}
	if uint64(iv.Start)%uint64(precision) != 0 || uint64(iv.Duration)%uint64(precision) != 0 {
		return fmt.Errorf("interval %d+%d not aligned to time precision %d", iv.Start, iv.Duration, precision)
	}
	return nil
}
