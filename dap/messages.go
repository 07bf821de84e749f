package dap

import (
	"bytes"
	"fmt"
)

// HpkeConfig is the public half of an aggregator's or collector's HPKE
// configuration: the key-encapsulation suite codepoints and the public key.
type HpkeConfig struct {
	// ID distinguishes concurrently published configs; reports reference it
	// so the receiver knows which private key opens them.
	ID uint8 `json:"id"`

	// KemID, KdfID and AeadID are RFC 9180 registry codepoints.
	KemID  uint16 `json:"kem_id"`
	KdfID  uint16 `json:"kdf_id"`
	AeadID uint16 `json:"aead_id"`

	// PublicKey is the serialized KEM public key.
	PublicKey Bytes `json:"public_key"`
}

// MarshalBinary encodes the config in its TLS wire form.
func (c HpkeConfig) MarshalBinary() ([]byte, error) {
	var e encoder
	e.u8(c.ID)
	e.u16(c.KemID)
	e.u16(c.KdfID)
	e.u16(c.AeadID)
	if err := e.u16Bytes(c.PublicKey); err != nil {
		return nil, err
	}
	return e.buf, nil
}

// UnmarshalBinary decodes one config and rejects trailing bytes.
func (c *HpkeConfig) UnmarshalBinary(data []byte) error {
	d := decoder{buf: data}
	c.decodeFrom(&d)
	return d.finish()
}

func (c *HpkeConfig) decodeFrom(d *decoder) {
	c.ID = d.u8()
	c.KemID = d.u16()
	c.KdfID = d.u16()
	c.AeadID = d.u16()
	c.PublicKey = d.u16Bytes()
}

// EncodeConfigList encodes configs as a u16-prefixed concatenation, the
// payload of the hpke_config endpoint.
func EncodeConfigList(configs []HpkeConfig) ([]byte, error) {
	var body encoder
	for _, c := range configs {
		enc, err := c.MarshalBinary()
		if err != nil {
			return nil, err
		}
		body.raw(enc)
	}
	var e encoder
	if err := e.u16Bytes(body.buf); err != nil {
		return nil, err
	}
	return e.buf, nil
}

// DecodeConfigList parses the hpke_config payload. An empty list is an
// error: an aggregator with no active config cannot accept reports.
func DecodeConfigList(data []byte) ([]HpkeConfig, error) {
	d := decoder{buf: data}
	inner := d.u16Bytes()
	if err := d.finish(); err != nil {
		return nil, err
	}
	var configs []HpkeConfig
	id := decoder{buf: inner}
	for id.remaining() > 0 {
		var c HpkeConfig
		c.decodeFrom(&id)
		if id.err != nil {
			return nil, id.err
		}
		configs = append(configs, c)
	}
	if len(configs) == 0 {
		return nil, fmt.Errorf("empty HPKE config list")
	}
	return configs, nil
}

// HpkeCiphertext carries one HPKE-sealed payload together with the config ID
// it was sealed under and the encapsulated key.
type HpkeCiphertext struct {
	ConfigID uint8
	Enc      []byte
	Payload  []byte
}

func (c HpkeCiphertext) encodeTo(e *encoder) error {
	e.u8(c.ConfigID)
	if err := e.u16Bytes(c.Enc); err != nil {
		return err
	}
	return e.u32Bytes(c.Payload)
}

func (c *HpkeCiphertext) decodeFrom(d *decoder) {
	c.ConfigID = d.u8()
	c.Enc = d.u16Bytes()
	c.Payload = d.u32Bytes()
}

// MarshalBinary encodes the ciphertext in its TLS wire form.
func (c HpkeCiphertext) MarshalBinary() ([]byte, error) {
	var e encoder
	if err := c.encodeTo(&e); err != nil {
		return nil, err
	}
	return e.buf, nil
}

// UnmarshalBinary decodes one ciphertext and rejects trailing bytes.
func (c *HpkeCiphertext) UnmarshalBinary(data []byte) error {
	d := decoder{buf: data}
	c.decodeFrom(&d)
	return d.finish()
}

// ReportMetadata is the public, unencrypted part of a report.
type ReportMetadata struct {
	ID   ReportID
	Time Time
}

// ReportAad returns the additional authenticated data binding an input-share
// ciphertext to its task and report. Both the client sealing a share and the
// aggregator opening it must derive the identical byte string.
func ReportAad(taskID TaskID, md ReportMetadata, publicShare []byte) []byte {
	var e encoder
	e.raw(taskID[:])
	e.raw(md.ID[:])
	e.u64(uint64(md.Time))
	// public share length is implied by the remaining AAD bytes, but a
	// prefix keeps the encoding self-delimiting
	_ = e.u32Bytes(publicShare)
	return e.buf
}

// Report is one encrypted measurement: the leader's input share sealed to
// the leader config and the helper's sealed to the helper config, in that
// order.
type Report struct {
	TaskID               TaskID
	Metadata             ReportMetadata
	PublicShare          []byte
	EncryptedInputShares []HpkeCiphertext
}

// MarshalBinary encodes the report in its TLS wire form.
func (r Report) MarshalBinary() ([]byte, error) {
	var e encoder
	e.raw(r.TaskID[:])
	e.raw(r.Metadata.ID[:])
	e.u64(uint64(r.Metadata.Time))
	if err := e.u32Bytes(r.PublicShare); err != nil {
		return nil, err
	}
	var shares encoder
	for _, s := range r.EncryptedInputShares {
		if err := s.encodeTo(&shares); err != nil {
			return nil, err
		}
	}
	if err := e.u32Bytes(shares.buf); err != nil {
		return nil, err
	}
	return e.buf, nil
}

// UnmarshalBinary decodes a report and rejects trailing bytes.
func (r *Report) UnmarshalBinary(data []byte) error {
	d := decoder{buf: data}
	copy(r.TaskID[:], d.take(len(r.TaskID)))
	copy(r.Metadata.ID[:], d.take(len(r.Metadata.ID)))
	r.Metadata.Time = Time(d.u64())
	r.PublicShare = d.u32Bytes()
	shares := d.u32Bytes()
	if err := d.finish(); err != nil {
		return err
	}
	r.EncryptedInputShares = nil
	sd := decoder{buf: shares}
	for sd.remaining() > 0 {
		var c HpkeCiphertext
		c.decodeFrom(&sd)
		if sd.err != nil {
			return sd.err
		}
		r.EncryptedInputShares = append(r.EncryptedInputShares, c)
	}
	if n := len(r.EncryptedInputShares); n != 2 {
		return fmt.Errorf("report must carry 2 encrypted input shares, got %d", n)
	}
	return nil
}

// Collection is the payload of a completed collection job: how many reports
// contributed, the time window they fell in, and one HPKE-sealed aggregate
// share per aggregator (leader first), addressed to the collector.
type Collection struct {
	ReportCount        uint64
	Interval           Interval
	EncryptedAggShares []HpkeCiphertext
}

// MarshalBinary encodes the collection in its TLS wire form.
func (c Collection) MarshalBinary() ([]byte, error) {
	var e encoder
	e.u64(c.ReportCount)
	e.u64(uint64(c.Interval.Start))
	e.u64(uint64(c.Interval.Duration))
	var shares encoder
	for _, s := range c.EncryptedAggShares {
		if err := s.encodeTo(&shares); err != nil {
			return nil, err
		}
	}
	if err := e.u32Bytes(shares.buf); err != nil {
		return nil, err
	}
	return e.buf, nil
}

// UnmarshalBinary decodes a collection and rejects trailing bytes.
func (c *Collection) UnmarshalBinary(data []byte) error {
	d := decoder{buf: data}
	c.ReportCount = d.u64()
	c.Interval.Start = Time(d.u64())
	c.Interval.Duration = Duration(d.u64())
	shares := d.u32Bytes()
	if err := d.finish(); err != nil {
		return err
	}
	c.EncryptedAggShares = nil
	sd := decoder{buf: shares}
	for sd.remaining() > 0 {
		var s HpkeCiphertext
		s.decodeFrom(&sd)
		if sd.err != nil {
			return sd.err
		}
		c.EncryptedAggShares = append(c.EncryptedAggShares, s)
	}
	if n := len(c.EncryptedAggShares); n != 2 {
		return fmt.Errorf("collection must carry 2 encrypted aggregate shares, got %d", n)
	}
	return nil
}

// AggShareAad returns the additional authenticated data binding an
// aggregate-share ciphertext to its task and batch window.
func AggShareAad(taskID TaskID, q Query) ([]byte, error) {
	qb, err := q.MarshalBinary()
	if err != nil {
		return nil, err
	}
	var e encoder
	e.raw(taskID[:])
	e.raw(qb)
	return e.buf, nil
}

// Equal reports whether two configs are the same key material under the
// same identity.
func (c HpkeConfig) Equal(other HpkeConfig) bool {
	return c.ID == other.ID &&
		c.KemID == other.KemID &&
		c.KdfID == other.KdfID &&
		c.AeadID == other.AeadID &&
		bytes.Equal(c.PublicKey, other.PublicKey)
}
