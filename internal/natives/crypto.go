// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ProbeChain is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ProbeChain. If not, see <http://www.gnu.org/licenses/>.

package natives

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/cloudflare/circl/sign/dilithium"
	"github.com/cloudflare/circl/sign/schemes"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"

	"raya/internal/value"
)

// registerCrypto installs the hash and signature-verification natives.
// Digests come back as 0x-prefixed hex words.
func registerCrypto(r *Registry) {
	r.Register("crypto.sha3", nativeSHA3)
	r.Register("crypto.shake256", nativeSHAKE256)
	r.Register("crypto.secp256k1Recover", nativeSecp256k1Recover)
	r.Register("crypto.mldsaVerify", nativeMLDSAVerify)
	r.Register("crypto.falcon512Verify", schemeVerifier("Falcon512"))
	r.Register("crypto.slhdsaVerify", schemeVerifier("SLH-DSA-SHAKE-128s"))
}

func hexWord(ctx *Context, digest []byte) value.Value {
	return ctx.Heap.AllocString(new(uint256.Int).SetBytes(digest).Hex())
}

func nativeSHA3(ctx *Context, argv []value.Value) (value.Value, error) {
	s, err := argString(ctx, argv, 0)
	if err != nil {
		return value.Null, err
	}
	d := sha3.Sum256([]byte(s))
	return hexWord(ctx, d[:]), nil
}

func nativeSHAKE256(ctx *Context, argv []value.Value) (value.Value, error) {
	s, err := argString(ctx, argv, 0)
	if err != nil {
		return value.Null, err
	}
	d := make([]byte, 32)
	sha3.ShakeSum256(d, []byte(s))
	return hexWord(ctx, d), nil
}

// nativeSecp256k1Recover recovers the compressed public key from a 65-byte
// compact signature over a 32-byte message hash, both hex-encoded.
func nativeSecp256k1Recover(ctx *Context, argv []value.Value) (value.Value, error) {
	sig, err := argHexBytes(ctx, argv, 0)
	if err != nil {
		return value.Null, err
	}
	hash, err := argHexBytes(ctx, argv, 1)
	if err != nil {
		return value.Null, err
	}
	if len(hash) != 32 {
		return value.Null, fmt.Errorf("natives: message hash must be 32 bytes, got %d", len(hash))
	}
	pub, _, err := ecdsa.RecoverCompact(sig, hash)
	if err != nil {
		return value.Null, fmt.Errorf("natives: signature recovery failed: %v", err)
	}
	return ctx.Heap.AllocString("0x" + fmt.Sprintf("%x", pub.SerializeCompressed())), nil
}

// nativeMLDSAVerify checks an ML-DSA (Dilithium3) signature: arguments are
// hex public key, message string, hex signature; result is a bool.
func nativeMLDSAVerify(ctx *Context, argv []value.Value) (value.Value, error) {
	pkBytes, err := argHexBytes(ctx, argv, 0)
	if err != nil {
		return value.Null, err
	}
	msg, err := argString(ctx, argv, 1)
	if err != nil {
		return value.Null, err
	}
	sig, err := argHexBytes(ctx, argv, 2)
	if err != nil {
		return value.Null, err
	}
	mode := dilithium.Mode3
	if len(pkBytes) != mode.PublicKeySize() {
		return value.Null, fmt.Errorf("natives: ML-DSA public key must be %d bytes", mode.PublicKeySize())
	}
	pk := mode.PublicKeyFromBytes(pkBytes)
	return value.Bool(mode.Verify(pk, []byte(msg), sig)), nil
}

// schemeVerifier builds a verify native backed by circl's generic scheme
// registry; schemes the linked circl build does not carry fail with a
// runtime error instead of a silent false.
func schemeVerifier(name string) Func {
	return func(ctx *Context, argv []value.Value) (value.Value, error) {
		sch := schemes.ByName(name)
		if sch == nil {
			return value.Null, fmt.Errorf("natives: signature scheme %s not available", name)
		}
		pkBytes, err := argHexBytes(ctx, argv, 0)
		if err != nil {
			return value.Null, err
		}
		msg, err := argString(ctx, argv, 1)
		if err != nil {
			return value.Null, err
		}
		sig, err := argHexBytes(ctx, argv, 2)
		if err != nil {
			return value.Null, err
		}
		pk, err := sch.UnmarshalBinaryPublicKey(pkBytes)
		if err != nil {
			return value.Null, fmt.Errorf("natives: bad %s public key: %v", name, err)
		}
		return value.Bool(sch.Verify(pk, []byte(msg), sig, nil)), nil
	}
}
