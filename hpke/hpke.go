package hpke

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"

	"github.com/cloudflare/circl/hpke"

	"github.com/thibmeu/daphne/dap"
)

// Supported suite codepoints. These are the RFC 9180 registry values; circl
// uses the same numbering, so the cast in suiteFor is direct.
const (
	KemX25519HkdfSha256 = uint16(hpke.KEM_X25519_HKDF_SHA256)
	KdfHkdfSha256       = uint16(hpke.KDF_HKDF_SHA256)
	AeadAes128Gcm       = uint16(hpke.AEAD_AES128GCM)
)

func suiteFor(cfg dap.HpkeConfig) (hpke.Suite, hpke.KEM, error) {
	kem := hpke.KEM(cfg.KemID)
	kdf := hpke.KDF(cfg.KdfID)
	aead := hpke.AEAD(cfg.AeadID)
	if !kem.IsValid() {
		return hpke.Suite{}, 0, fmt.Errorf("unsupported KEM codepoint 0x%04x", cfg.KemID)
	}
	if !kdf.IsValid() {
		return hpke.Suite{}, 0, fmt.Errorf("unsupported KDF codepoint 0x%04x", cfg.KdfID)
	}
	if !aead.IsValid() {
		return hpke.Suite{}, 0, fmt.Errorf("unsupported AEAD codepoint 0x%04x", cfg.AeadID)
	}
	return hpke.NewSuite(kem, kdf, aead), kem, nil
}

// ReceiverConfig is an HPKE config together with its private key. The JSON
// form is what add_hpke_config provisioning accepts and what the collector
// keeps on disk for decoding.
type ReceiverConfig struct {
	Config     dap.HpkeConfig `json:"config"`
	PrivateKey dap.Bytes      `json:"private_key"`
}

// Generate creates a fresh receiver config for the given config ID using the
// X25519-HKDF-SHA256 / HKDF-SHA256 / AES-128-GCM suite.
func Generate(id uint8) (*ReceiverConfig, error) {
	kem := hpke.KEM_X25519_HKDF_SHA256
	pk, sk, err := kem.Scheme().GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generating HPKE key pair: %w", err)
	}
	pkBytes, err := pk.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("serializing public key: %w", err)
	}
	skBytes, err := sk.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("serializing private key: %w", err)
	}
	return &ReceiverConfig{
		Config: dap.HpkeConfig{
			ID:        id,
			KemID:     KemX25519HkdfSha256,
			KdfID:     KdfHkdfSha256,
			AeadID:    AeadAes128Gcm,
			PublicKey: pkBytes,
		},
		PrivateKey: skBytes,
	}, nil
}

// Seal encrypts plaintext to the holder of the config's private key in
// single-shot base mode.
func Seal(cfg dap.HpkeConfig, info, aad, plaintext []byte) (dap.HpkeCiphertext, error) {
	var out dap.HpkeCiphertext
	suite, kem, err := suiteFor(cfg)
	if err != nil {
		return out, err
	}
	pk, err := kem.Scheme().UnmarshalBinaryPublicKey(cfg.PublicKey)
	if err != nil {
		return out, fmt.Errorf("parsing receiver public key: %w", err)
	}
	sender, err := suite.NewSender(pk, info)
	if err != nil {
		return out, fmt.Errorf("constructing HPKE sender: %w", err)
	}
	enc, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return out, fmt.Errorf("HPKE setup: %w", err)
	}
	ct, err := sealer.Seal(plaintext, aad)
	if err != nil {
		return out, fmt.Errorf("HPKE seal: %w", err)
	}
	out = dap.HpkeCiphertext{ConfigID: cfg.ID, Enc: enc, Payload: ct}
	return out, nil
}

// Open decrypts a ciphertext sealed to this receiver config. The ciphertext
// must reference the config's ID; a mismatch means the sender used a stale
// or foreign config.
func (rc *ReceiverConfig) Open(ct dap.HpkeCiphertext, info, aad []byte) ([]byte, error) {
	if ct.ConfigID != rc.Config.ID {
		return nil, fmt.Errorf("ciphertext for config %d, receiver holds config %d", ct.ConfigID, rc.Config.ID)
	}
	suite, kem, err := suiteFor(rc.Config)
	if err != nil {
		return nil, err
	}
	sk, err := kem.Scheme().UnmarshalBinaryPrivateKey(rc.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parsing receiver private key: %w", err)
	}
	receiver, err := suite.NewReceiver(sk, info)
	if err != nil {
		return nil, fmt.Errorf("constructing HPKE receiver: %w", err)
	}
	opener, err := receiver.Setup(ct.Enc)
	if err != nil {
		return nil, fmt.Errorf("HPKE setup: %w", err)
	}
	pt, err := opener.Open(ct.Payload, aad)
	if err != nil {
		return nil, fmt.Errorf("HPKE open: %w", err)
	}
	return pt, nil
}

// WriteFile persists the receiver config as JSON readable only by the owner.
func (rc *ReceiverConfig) WriteFile(path string) error {
	data, err := json.MarshalIndent(rc, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing receiver config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("writing receiver config: %w", err)
	}
	return nil
}

// ReadFile loads a receiver config written by WriteFile.
func ReadFile(path string) (*ReceiverConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading receiver config: %w", err)
	}
	var rc ReceiverConfig
	if err := json.Unmarshal(data, &rc); err != nil {
		return nil, fmt.Errorf("parsing receiver config: %w", err)
	}
	if len(rc.Config.PublicKey) == 0 || len(rc.PrivateKey) == 0 {
		return nil, fmt.Errorf("receiver config %s is missing key material", path)
	}
	return &rc, nil
}
