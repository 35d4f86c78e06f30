// Package entry implements the immutable, signed, content-addressed record
// that forms the nodes of an Oplog's DAG (spec §4.1). An Entry's hash is a
// pure function of its canonical encoding, and that encoding excludes the
// hash field itself so the hash can be computed once the rest of the entry
// is fixed.
package entry

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"github.com/qri-io/oplogdb/clock"
)

// SignFunc signs bytes with the caller's identity key, returning a
// signature. Suspends (spec §5): it may call out to a Keystore.
type SignFunc func(data []byte) ([]byte, error)

// VerifyFunc checks a signature against bytes for a given identity.
// Suspends: it may call out to a Keystore for public key material.
type VerifyFunc func(identity string, data, signature []byte) (bool, error)

// Entry is a signed, content-addressed record carrying a payload and
// references to its parent entries. Entries are immutable once created;
// every field other than Hash participates in the canonical encoding that
// Hash is derived from.
type Entry struct {
	Payload   []byte      `json:"payload"`
	Next      []string    `json:"next"`
	Clock     clock.Clock `json:"clock"`
	Identity  string      `json:"identity"`
	Signature []byte      `json:"signature"`
	Hash      string      `json:"hash"`
}

// canonical is the subset of fields that feed the hash and signature. Field
// order here is the canonical field order the spec requires; Next is always
// sorted before encoding so that set-equal parent references produce
// identical bytes regardless of insertion order.
type canonical struct {
	Payload  []byte      `json:"payload"`
	Next     []string    `json:"next"`
	Clock    clock.Clock `json:"clock"`
	Identity string      `json:"identity"`
}

func canonicalBytes(payload []byte, next []string, clk clock.Clock, identity string) ([]byte, error) {
	sorted := append([]string(nil), next...)
	sort.Strings(sorted)
	return json.Marshal(canonical{
		Payload:  payload,
		Next:     sorted,
		Clock:    clk,
		Identity: identity,
	})
}

// signedBytes is what gets signed: the canonical encoding of every field
// that precedes the signature.
func signedBytes(payload []byte, next []string, clk clock.Clock, identity string) ([]byte, error) {
	return canonicalBytes(payload, next, clk, identity)
}

// hashBytes is what the content address is computed over: canonical fields
// plus the signature, but never the hash itself.
func hashBytes(payload []byte, next []string, clk clock.Clock, identity string, signature []byte) ([]byte, error) {
	sorted := append([]string(nil), next...)
	sort.Strings(sorted)
	return json.Marshal(struct {
		Payload   []byte      `json:"payload"`
		Next      []string    `json:"next"`
		Clock     clock.Clock `json:"clock"`
		Identity  string      `json:"identity"`
		Signature []byte      `json:"signature"`
	}{payload, sorted, clk, identity, signature})
}

// Hash computes the content address for a blob of bytes. Any component that
// needs an address for something other than an Entry (manifests, access
// controller lists) uses this same function, so the whole system shares one
// hash space.
func Hash(data []byte) (string, error) {
	sum, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("hashing bytes: %w", err)
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

// Create builds a fully populated, signed Entry. It canonically encodes the
// given fields, signs them, then hashes the encoding plus signature.
func Create(payload []byte, next []string, clk clock.Clock, identity string, sign SignFunc) (*Entry, error) {
	sb, err := signedBytes(payload, next, clk, identity)
	if err != nil {
		return nil, fmt.Errorf("encoding entry for signing: %w", err)
	}

	sig, err := sign(sb)
	if err != nil {
		return nil, fmt.Errorf("signing entry: %w", err)
	}

	hb, err := hashBytes(payload, next, clk, identity, sig)
	if err != nil {
		return nil, fmt.Errorf("encoding entry for hashing: %w", err)
	}

	hash, err := Hash(hb)
	if err != nil {
		return nil, fmt.Errorf("hashing entry: %w", err)
	}

	sorted := append([]string(nil), next...)
	sort.Strings(sorted)

	return &Entry{
		Payload:   payload,
		Next:      sorted,
		Clock:     clk,
		Identity:  identity,
		Signature: sig,
		Hash:      hash,
	}, nil
}

// Verify recomputes e's hash and checks it matches e.Hash, then recomputes
// the signed bytes and checks e.Signature against e.Identity using verify.
// Tampering with any field invalidates either the hash or the signature.
func Verify(e *Entry, verify VerifyFunc) (bool, error) {
	hb, err := hashBytes(e.Payload, e.Next, e.Clock, e.Identity, e.Signature)
	if err != nil {
		return false, fmt.Errorf("encoding entry for hashing: %w", err)
	}
	hash, err := Hash(hb)
	if err != nil {
		return false, fmt.Errorf("hashing entry: %w", err)
	}
	if hash != e.Hash {
		return false, nil
	}

	sb, err := signedBytes(e.Payload, e.Next, e.Clock, e.Identity)
	if err != nil {
		return false, fmt.Errorf("encoding entry for signature check: %w", err)
	}
	return verify(e.Identity, sb, e.Signature)
}

// Marshal serializes an Entry to its canonical-encoding-derived wire form,
// used by the Object Store (spec §6).
func Marshal(e *Entry) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal deserializes an Entry from the Object Store's wire form.
func Unmarshal(data []byte) (*Entry, error) {
	e := &Entry{}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("unmarshaling entry: %w", err)
	}
	return e, nil
}
