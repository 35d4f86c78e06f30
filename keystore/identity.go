// Package keystore implements the Keystore external interface (spec §6):
// getKey/createKey/sign/verify over libp2p keypairs. It generalizes the
// teacher's auth/key package (key.go, keybook.go, store.go), which bound
// keys to libp2p peer IDs, into the spec's plain getKey(id)/sign(key,
// bytes) contract.
package keystore

import (
	"encoding/base64"
	"fmt"

	"github.com/libp2p/go-libp2p-core/crypto"
)

// EncodePubKeyB64 serializes a public key to a base64-encoded string. An
// Entry's Identity field is exactly this string, so verifying a foreign
// entry never requires a local keybook lookup (spec §4.1 Verify).
func EncodePubKeyB64(pub crypto.PubKey) (string, error) {
	if pub == nil {
		return "", fmt.Errorf("keystore: cannot encode nil public key")
	}
	raw, err := crypto.MarshalPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("keystore: marshaling public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeB64PubKey deserializes a base64-encoded public key string, the
// inverse of EncodePubKeyB64.
func DecodeB64PubKey(s string) (crypto.PubKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("keystore: decoding base64 public key: %w", err)
	}
	pub, err := crypto.UnmarshalPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("keystore: public key %q is invalid: %w", s, err)
	}
	return pub, nil
}

// EncodePrivKeyB64 serializes a private key to a base64-encoded string, the
// form persisted by the file-backed Store.
func EncodePrivKeyB64(priv crypto.PrivKey) (string, error) {
	if priv == nil {
		return "", fmt.Errorf("keystore: cannot encode nil private key")
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeB64PrivKey deserializes a base64-encoded private key string.
func DecodeB64PrivKey(s string) (crypto.PrivKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("keystore: decoding base64 private key: %w", err)
	}
	priv, err := crypto.UnmarshalPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("keystore: invalid private key: %w", err)
	}
	return priv, nil
}
