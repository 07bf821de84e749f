package dap

import (
	"encoding/json"
	"fmt"
)

// QueryType selects how a task batches reports. The numeric values are the
// ones task descriptors carry.
type QueryType int

const (
	QueryTypeTimeInterval QueryType = 1
	QueryTypeFixedSize    QueryType = 2
)

func (qt QueryType) String() string {
	switch qt {
	case QueryTypeTimeInterval:
		return "time_interval"
	case QueryTypeFixedSize:
		return "fixed_size"
	default:
		return fmt.Sprintf("query_type(%d)", int(qt))
	}
}

// Query names the batch a collection job asks for. Exactly one variant is
// set:
//
//   - time_interval: all reports whose truncated time falls in BatchInterval
//   - fixed_size: the batch identified by BatchID
//   - current_batch: fixed-size shorthand the Leader resolves to its current
//     batch ID at job creation
type Query struct {
	Type          string    `json:"type"`
	BatchInterval *Interval `json:"batch_interval,omitempty"`
	BatchID       *BatchID  `json:"batch_id,omitempty"`
}

const (
	queryTimeInterval = "time_interval"
	queryFixedSize    = "fixed_size"
	queryCurrentBatch = "current_batch"
)

// TimeIntervalQuery queries every report in the given window.
func TimeIntervalQuery(iv Interval) Query {
	return Query{Type: queryTimeInterval, BatchInterval: &iv}
}

// FixedSizeQuery queries one known batch.
func FixedSizeQuery(id BatchID) Query {
	return Query{Type: queryFixedSize, BatchID: &id}
}

// CurrentBatchQuery asks the Leader to pick its current batch.
func CurrentBatchQuery() Query {
	return Query{Type: queryCurrentBatch}
}

// IsCurrentBatch reports whether the query still needs resolving to a
// concrete batch ID.
func (q Query) IsCurrentBatch() bool { return q.Type == queryCurrentBatch }

// Validate checks the variant fields are consistent.
func (q Query) Validate() error {
	switch q.Type {
	case queryTimeInterval:
		if q.BatchInterval == nil {
			return fmt.Errorf("time_interval query needs batch_interval")
		}
		if q.BatchID != nil {
			return fmt.Errorf("time_interval query must not carry batch_id")
		}
	case queryFixedSize:
		if q.BatchID == nil {
			return fmt.Errorf("fixed_size query needs batch_id")
		}
		if q.BatchInterval != nil {
			return fmt.Errorf("fixed_size query must not carry batch_interval")
		}
	case queryCurrentBatch:
		if q.BatchInterval != nil || q.BatchID != nil {
			return fmt.Errorf("current_batch query carries no parameters")
		}
	case "":
		return fmt.Errorf("query type missing")
	default:
		return fmt.Errorf("unknown query type %q", q.Type)
	}
	return nil
}

// MarshalBinary encodes a resolved query for use in authenticated data. A
// current_batch query has no stable encoding and must be resolved first.
func (q Query) MarshalBinary() ([]byte, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	var e encoder
	switch q.Type {
	case queryTimeInterval:
		e.u8(uint8(QueryTypeTimeInterval))
		e.u64(uint64(q.BatchInterval.Start))
		e.u64(uint64(q.BatchInterval.Duration))
	case queryFixedSize:
		e.u8(uint8(QueryTypeFixedSize))
		e.raw(q.BatchID[:])
	default:
		return nil, fmt.Errorf("%s query cannot be encoded before resolution", q.Type)
	}
	return e.buf, nil
}

// CollectionReq is the JSON body creating a collection job.
type CollectionReq struct {
	TaskID   TaskID `json:"task_id"`
	Query    Query  `json:"query"`
	AggParam Bytes  `json:"agg_param,omitempty"`
}

// Validate checks the request is well formed before it goes on the wire.
func (cr CollectionReq) Validate() error {
	if err := cr.Query.Validate(); err != nil {
		return fmt.Errorf("invalid query: %w", err)
	}
	return nil
}

// DecodeCollectionReq parses and validates a request body.
func DecodeCollectionReq(body []byte) (CollectionReq, error) {
	var cr CollectionReq
	if err := json.Unmarshal(body, &cr); err != nil {
		return cr, fmt.Errorf("parsing collection request: %w", err)
	}
	if err := cr.Validate(); err != nil {
		return cr, err
	}
	return cr, nil
}
