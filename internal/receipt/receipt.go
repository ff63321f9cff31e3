/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package receipt

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/kentakayama/token-bot/internal/domain/model"
	cose "github.com/veraison/go-cose"
)

// ContentType is the media type of a signed receipt.
const ContentType = `application/cose; cose-type="cose-sign1"`

var (
	ErrNoKey       = errors.New("receipt key is missing")
	ErrKeyMismatch = errors.New("receipt signed by another key")

	// ErrUnsupportedKey is returned for keys other than EC2 P-256.
	ErrUnsupportedKey = errors.New("receipt key must be an EC2 P-256 key")
)

// COSE_Key label of kty
const keyLabelKeyType = 1

var thumbprintMode = mustEncMode(cbor.CoreDetEncOptions())

func mustEncMode(opts cbor.EncOptions) cbor.EncMode {
	em, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

// Receipt is the signed statement handed to the login site about an issued token.
type Receipt struct {
	Value     string `cbor:"1,keyasint"`
	OwnerID   int64  `cbor:"2,keyasint"`
	IssuedAt  int64  `cbor:"3,keyasint"`
	ExpiresAt int64  `cbor:"4,keyasint"`
	IsNew     bool   `cbor:"5,keyasint"`
}

// FromToken builds the receipt payload of t.
func FromToken(t *model.Token, isNew bool) Receipt {
	return Receipt{
		Value:     t.Value,
		OwnerID:   t.OwnerID,
		IssuedAt:  t.IssuedAt.Unix(),
		ExpiresAt: t.ExpiresAt.Unix(),
		IsNew:     isNew,
	}
}

func (r Receipt) Expiry() time.Time {
	return time.Unix(r.ExpiresAt, 0).UTC()
}

// Signer produces COSE_Sign1 receipts with an EC2 key.
type Signer struct {
	key    *cose.Key
	signer cose.Signer
	alg    cose.Algorithm
	kid    []byte
}

// NewSigner wraps a private COSE key.
func NewSigner(key *cose.Key) (*Signer, error) {
	if key == nil {
		return nil, ErrNoKey
	}
	signer, err := key.Signer()
	if err != nil {
		return nil, fmt.Errorf("create signer: %w", err)
	}
	alg, err := key.AlgorithmOrDefault()
	if err != nil {
		return nil, fmt.Errorf("key algorithm: %w", err)
	}
	kid, err := KeyID(key)
	if err != nil {
		return nil, err
	}
	return &Signer{key: key, signer: signer, alg: alg, kid: kid}, nil
}

// GenerateKey creates a fresh ES256 key.
func GenerateKey() (*cose.Key, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	key, err := cose.NewKeyFromPrivate(priv)
	if err != nil {
		return nil, fmt.Errorf("convert key: %w", err)
	}
	return key, nil
}

// LoadKey reads a CBOR encoded COSE_Key from path.
func LoadKey(path string) (*cose.Key, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read receipt key: %w", err)
	}
	var key cose.Key
	if err := cbor.Unmarshal(raw, &key); err != nil {
		return nil, fmt.Errorf("decode receipt key: %w", err)
	}
	return &key, nil
}

// SaveKey writes key to path as a CBOR encoded COSE_Key readable only by the owner.
func SaveKey(path string, key *cose.Key) error {
	raw, err := cbor.Marshal(key)
	if err != nil {
		return fmt.Errorf("encode receipt key: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write receipt key: %w", err)
	}
	return nil
}

// KeyID is the SHA-256 COSE key thumbprint (RFC 9679) of the public key:
// the digest of the deterministically encoded kty, crv, x and y members.
func KeyID(key *cose.Key) ([]byte, error) {
	pub, err := key.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok || ecPub.Curve != elliptic.P256() {
		return nil, ErrUnsupportedKey
	}
	ecdhPub, err := ecPub.ECDH()
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	// uncompressed point: 0x04 || x || y
	point := ecdhPub.Bytes()
	size := (len(point) - 1) / 2

	members := map[int]any{
		keyLabelKeyType:            int(cose.KeyTypeEC2),
		int(cose.KeyLabelEC2Curve): int(cose.CurveP256),
		int(cose.KeyLabelEC2X):     point[1 : 1+size],
		int(cose.KeyLabelEC2Y):     point[1+size:],
	}
	encoded, err := thumbprintMode.Marshal(members)
	if err != nil {
		return nil, fmt.Errorf("encode thumbprint input: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return sum[:], nil
}

func (s *Signer) KeyID() []byte {
	return bytes.Clone(s.kid)
}

// Sign encodes r and signs it as COSE_Sign1.
func (s *Signer) Sign(r Receipt) ([]byte, error) {
	headers := cose.Headers{
		Protected: cose.ProtectedHeader{
			cose.HeaderLabelAlgorithm: s.alg,
		},
		Unprotected: cose.UnprotectedHeader{
			cose.HeaderLabelKeyID: s.kid,
		},
	}

	payload, err := cbor.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode receipt: %w", err)
	}
	return cose.Sign1(rand.Reader, s.signer, headers, payload, nil)
}

// Verify checks a COSE_Sign1 receipt against key and returns its payload.
func Verify(key *cose.Key, signed []byte) (*Receipt, error) {
	verifier, err := key.Verifier()
	if err != nil {
		return nil, fmt.Errorf("create verifier: %w", err)
	}

	var msg cose.Sign1Message
	if err := msg.UnmarshalCBOR(signed); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}

	if kid, ok := msg.Headers.Unprotected[cose.HeaderLabelKeyID].([]byte); ok {
		want, err := KeyID(key)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(kid, want) {
			return nil, ErrKeyMismatch
		}
	}

	if err := msg.Verify(nil, verifier); err != nil {
		return nil, fmt.Errorf("verify receipt: %w", err)
	}

	var r Receipt
	if err := cbor.Unmarshal(msg.Payload, &r); err != nil {
		return nil, fmt.Errorf("decode receipt payload: %w", err)
	}
	return &r, nil
}
