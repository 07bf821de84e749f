package dap

import (
	"encoding/json"
	"fmt"
)

// Bytes is a byte string that serializes as unpadded base64url in JSON,
// matching how DAP task descriptors and config files carry binary fields.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(b64.EncodeToString(b))
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("byte field must be a base64url string: %w", err)
	}
	raw, err := b64.DecodeString(s)
	if err != nil {
		return fmt.Errorf("decoding base64url field: %w", err)
	}
	*b = raw
	return nil
}

func (b Bytes) String() string { return b64.EncodeToString(b) }
