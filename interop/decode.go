package interop

import (
	"fmt"

	"github.com/thibmeu/daphne/dap"
	"github.com/thibmeu/daphne/hpke"
	"github.com/thibmeu/daphne/vdaf"
)

// AggregateResult is the decoded outcome of one collection.
type AggregateResult struct {
	Count uint64       `json:"count"`
	Sum   uint64       `json:"sum"`
	Span  dap.Interval `json:"span"`
}

// Decode opens both aggregate shares with the collector's key and combines
// them. Every failure here is a decode failure: the bytes arrived fine, the
// collector just cannot turn them into a number. That includes a VDAF
// parameter mismatch, which unsharding rejects rather than papering over
// with a wrong result.
//
// expectCount, when nonzero, pins the report count the collection must
// carry; the query must be the one the collection job was created with, or
// the AAD will not match.
func Decode(coll *dap.Collection, task *dap.TaskDescriptor, rc *hpke.ReceiverConfig, query dap.Query, expectCount uint64) (AggregateResult, error) {
	var res AggregateResult

	v, err := vdaf.New(task.Vdaf.Type, task.Vdaf.Bits)
	if err != nil {
		return res, decodeErr("decode", "", err)
	}
	if expectCount > 0 && coll.ReportCount != expectCount {
		return res, decodeErr("decode", "",
			fmt.Errorf("collection carries %d reports, expected %d", coll.ReportCount, expectCount))
	}

	aad, err := dap.AggShareAad(task.TaskID, query)
	if err != nil {
		return res, decodeErr("decode", "", err)
	}
	shares := make([][]byte, len(coll.EncryptedAggShares))
	for i, ct := range coll.EncryptedAggShares {
		sender := dap.RoleLeader
		if i == 1 {
			sender = dap.RoleHelper
		}
		share, err := rc.Open(ct, hpke.AggShareInfo(sender), aad)
		if err != nil {
			return res, decodeErr("decode", "", fmt.Errorf("opening aggregate share %d: %w", i, err))
		}
		shares[i] = share
	}

	sum, err := v.Unshard(shares[0], shares[1], coll.ReportCount)
	if err != nil {
		return res, decodeErr("decode", "", err)
	}
	res = AggregateResult{Count: coll.ReportCount, Sum: sum, Span: coll.Interval}
	return res, nil
}
