// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"errors"
	"fmt"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// SignatureLen is the length of a compact recoverable signature.
const SignatureLen = 65

var errSignatureLen = errors.New("invalid signature length")

// Signer signs a digest with a producer or transaction key.
type Signer func(digest ids.ID) ([]byte, error)

// KeySigner returns a Signer for [key].
func KeySigner(key *secp256k1.PrivateKey) Signer {
	return func(digest ids.ID) ([]byte, error) {
		return ecdsa.SignCompact(key, digest[:], true), nil
	}
}

// PublicKeyOf returns the compressed public key of [key].
func PublicKeyOf(key *secp256k1.PrivateKey) PublicKey {
	var pk PublicKey
	copy(pk[:], key.PubKey().SerializeCompressed())
	return pk
}

// RecoverKey returns the key that produced [sig] over [digest].
func RecoverKey(digest ids.ID, sig []byte) (PublicKey, error) {
	if len(sig) != SignatureLen {
		return PublicKey{}, fmt.Errorf("%w: %d", errSignatureLen, len(sig))
	}
	pub, _, err := ecdsa.RecoverCompact(sig, digest[:])
	if err != nil {
		return PublicKey{}, err
	}
	var pk PublicKey
	copy(pk[:], pub.SerializeCompressed())
	return pk, nil
}

// SignTransaction signs [trx] for the chain [chainID].
func SignTransaction(chainID ids.ID, trx *Transaction, keys ...*secp256k1.PrivateKey) (*PackedTransaction, error) {
	b, err := trx.Bytes()
	if err != nil {
		return nil, err
	}
	digest := SigningDigest(chainID, b)
	packed := &PackedTransaction{PackedTrx: b}
	for _, key := range keys {
		sig, err := KeySigner(key)(digest)
		if err != nil {
			return nil, err
		}
		packed.Signatures = append(packed.Signatures, sig)
	}
	return packed, nil
}
