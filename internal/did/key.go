// Package did resolves holder DIDs to public keys. Wallets identify
// themselves with did:key, which embeds the key itself, so resolution is
// purely local.
package did

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/ed25519"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-varint"
	"github.com/pkg/errors"
)

const keyMethodPrefix = "did:key:"

// multicodec identifiers for the key types wallets present.
const (
	secp256k1Codec uint64 = 0xe7
	ed25519Codec   uint64 = 0xed
	p256Codec      uint64 = 0x1200
	p384Codec      uint64 = 0x1201
)

// PublicKeyFromDIDKey decodes the public key embedded in a did:key
// identifier. A fragment, as found in JOSE kid headers, is ignored.
func PublicKeyFromDIDKey(did string) (crypto.PublicKey, error) {
	did, _, _ = strings.Cut(did, "#")
	if !strings.HasPrefix(did, keyMethodPrefix) {
		return nil, errors.Errorf("not a did:key identifier: %s", did)
	}

	encoding, decoded, err := multibase.Decode(strings.TrimPrefix(did, keyMethodPrefix))
	if err != nil {
		return nil, errors.Wrap(err, "decoding multibase value")
	}
	if encoding != multibase.Base58BTC {
		return nil, errors.Errorf("unexpected multibase encoding: %d", encoding)
	}

	codec, n, err := varint.FromUvarint(decoded)
	if err != nil {
		return nil, errors.Wrap(err, "reading multicodec prefix")
	}
	keyBytes := decoded[n:]

	switch codec {
	case ed25519Codec:
		if len(keyBytes) != ed25519.PublicKeySize {
			return nil, errors.Errorf("invalid ed25519 key length: %d", len(keyBytes))
		}
		return ed25519.PublicKey(keyBytes), nil
	case secp256k1Codec:
		pubKey, err := btcec.ParsePubKey(keyBytes)
		if err != nil {
			return nil, errors.Wrap(err, "parsing secp256k1 key")
		}
		return pubKey.ToECDSA(), nil
	case p256Codec:
		return unmarshalCompressed(elliptic.P256(), keyBytes)
	case p384Codec:
		return unmarshalCompressed(elliptic.P384(), keyBytes)
	default:
		return nil, errors.Errorf("unsupported key codec: %#x", codec)
	}
}

func unmarshalCompressed(curve elliptic.Curve, keyBytes []byte) (crypto.PublicKey, error) {
	x, y := elliptic.UnmarshalCompressed(curve, keyBytes)
	if x == nil {
		return nil, errors.Errorf("invalid compressed point on %s", curve.Params().Name)
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}
