package hpke

import "github.com/thibmeu/daphne/dap"

// DAP binds every HPKE ciphertext to its purpose through the application
// info string: a fixed label plus the sender and recipient roles. Sealing
// and opening must agree on the exact bytes or decryption fails.
const (
	inputShareLabel = "dap-09 input share"
	aggShareLabel   = "dap-09 aggregate share"
)

// InputShareInfo is the info string for a client sealing an input share to
// the given aggregator role (dap.RoleLeader or dap.RoleHelper).
func InputShareInfo(recipient byte) []byte {
	info := make([]byte, 0, len(inputShareLabel)+2)
	info = append(info, inputShareLabel...)
	info = append(info, dap.RoleClient, recipient)
	return info
}

// AggShareInfo is the info string for an aggregator sealing its aggregate
// share to the collector.
func AggShareInfo(sender byte) []byte {
	info := make([]byte, 0, len(aggShareLabel)+2)
	info = append(info, aggShareLabel...)
	info = append(info, sender, dap.RoleCollector)
	return info
}
