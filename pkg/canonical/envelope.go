package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/kubeflow/asset-integrity/pkg/fault"
)

// multihash prefix for sha2-256 with a 32 byte digest.
var sha256Multihash = []byte{0x12, 0x20}

// Envelope is the unit that gets content-addressed: the critical metadata of
// one asset bound to the asset and its owner.
type Envelope struct {
	AssetID     string
	OwnerWallet string
	Critical    Metadata
}

func (e Envelope) object() map[string]any {
	critical := e.Critical
	if critical == nil {
		critical = Metadata{}
	}
	return map[string]any{
		"assetId":          e.AssetID,
		"ownerWallet":      e.OwnerWallet,
		"criticalMetadata": critical,
	}
}

// Canonicalize returns the canonical bytes of the envelope.
func Canonicalize(e Envelope) ([]byte, error) {
	if e.AssetID == "" {
		return nil, fault.New(fault.ValidationError, "canonicalize", "assetId is required")
	}
	return Marshal(e.object())
}

// ContentID returns the CIDv0-style identifier (base58btc sha2-256
// multihash) of b.
func ContentID(b []byte) string {
	sum := sha256.Sum256(b)
	mh := make([]byte, 0, len(sha256Multihash)+len(sum))
	mh = append(mh, sha256Multihash...)
	mh = append(mh, sum[:]...)
	return base58.Encode(mh)
}

// ComputeContentID canonicalizes e and returns its content id together with
// the canonical bytes.
func ComputeContentID(e Envelope) (string, []byte, error) {
	b, err := Canonicalize(e)
	if err != nil {
		return "", nil, err
	}
	return ContentID(b), b, nil
}

// VerifyContentID reports whether b hashes to id.
func VerifyContentID(id string, b []byte) error {
	raw, err := base58.Decode(id)
	if err != nil {
		return fmt.Errorf("decode content id %q: %w", id, err)
	}
	if len(raw) != len(sha256Multihash)+sha256.Size || !bytes.HasPrefix(raw, sha256Multihash) {
		return fmt.Errorf("content id %q is not a sha2-256 multihash", id)
	}
	sum := sha256.Sum256(b)
	if !bytes.Equal(raw[len(sha256Multihash):], sum[:]) {
		return fmt.Errorf("content does not match id %q", id)
	}
	return nil
}

// ParseEnvelope decodes canonical envelope bytes. Numbers are kept as
// json.Number so integers round-trip exactly.
func ParseEnvelope(b []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	var raw struct {
		AssetID     string         `json:"assetId"`
		OwnerWallet string         `json:"ownerWallet"`
		Critical    map[string]any `json:"criticalMetadata"`
	}
	if err := dec.Decode(&raw); err != nil {
		return Envelope{}, fault.Wrap(fault.ValidationError, "parseEnvelope", err, "malformed envelope")
	}
	if raw.AssetID == "" {
		return Envelope{}, fault.New(fault.ValidationError, "parseEnvelope", "envelope has no assetId")
	}
	return Envelope{
		AssetID:     raw.AssetID,
		OwnerWallet: raw.OwnerWallet,
		Critical:    Metadata(raw.Critical),
	}, nil
}
