// Package eip3009 implements hashing, signing and signer recovery for the
// EIP-3009 TransferWithAuthorization typed message.
package eip3009

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

var (
	ErrInvalidV         = errors.New("invalid signature: v must be 27 or 28")
	ErrInvalidSignature = errors.New("invalid signature values")
)

// Authorization is one TransferWithAuthorization message.
type Authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
}

// Signature is the split ECDSA signature as carried on the wire.
type Signature struct {
	V uint8
	R [32]byte
	S [32]byte
}

// Domain holds the EIP-712 domain parameters of the token contract.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// GenerateNonce returns 32 random bytes for use as an authorization nonce.
func GenerateNonce() ([32]byte, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, err
	}
	return nonce, nil
}

func typedData(domain Domain, auth *Authorization) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From.Hex(),
			"to":          auth.To.Hex(),
			"value":       (*math.HexOrDecimal256)(auth.Value),
			"validAfter":  (*math.HexOrDecimal256)(auth.ValidAfter),
			"validBefore": (*math.HexOrDecimal256)(auth.ValidBefore),
			"nonce":       common.BytesToHash(auth.Nonce[:]).Hex(),
		},
	}
}

// Digest computes the EIP-712 signing hash: keccak256 of \x19\x01, the
// domain separator and the struct hash.
func Digest(domain Domain, auth *Authorization) ([]byte, error) {
	td := typedData(domain, auth)

	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}

	structHash, err := td.HashStruct("TransferWithAuthorization", td.Message)
	if err != nil {
		return nil, fmt.Errorf("hash message: %w", err)
	}

	rawData := append([]byte{0x19, 0x01}, append(domainSeparator, structHash...)...)
	return crypto.Keccak256(rawData), nil
}

// RecoverSigner recovers the address that signed the authorization.
// Malformed signatures (v outside {27, 28}, s above half the curve order,
// zero r or s) are rejected before any recovery is attempted; all failure
// modes are returned errors, never panics.
func RecoverSigner(domain Domain, auth *Authorization, sig Signature) (common.Address, error) {
	if sig.V != 27 && sig.V != 28 {
		return common.Address{}, ErrInvalidV
	}

	r := new(big.Int).SetBytes(sig.R[:])
	s := new(big.Int).SetBytes(sig.S[:])

	// homestead rules reject high-s signatures (malleability guard) and
	// zero r/s.
	if !crypto.ValidateSignatureValues(sig.V-27, r, s, true) {
		return common.Address{}, ErrInvalidSignature
	}

	digest, err := Digest(domain, auth)
	if err != nil {
		return common.Address{}, fmt.Errorf("compute digest: %w", err)
	}

	compact := make([]byte, 65)
	copy(compact[0:32], sig.R[:])
	copy(compact[32:64], sig.S[:])
	compact[64] = sig.V - 27

	pub, err := crypto.SigToPub(digest, compact)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}

	return crypto.PubkeyToAddress(*pub), nil
}

// SignAuthorization signs the authorization with the given key and returns
// the split signature. Used by tests and example clients.
func SignAuthorization(privateKey *ecdsa.PrivateKey, domain Domain, auth *Authorization) (Signature, error) {
	digest, err := Digest(domain, auth)
	if err != nil {
		return Signature{}, fmt.Errorf("compute digest: %w", err)
	}

	raw, err := crypto.Sign(digest, privateKey)
	if err != nil {
		return Signature{}, fmt.Errorf("sign authorization: %w", err)
	}

	var sig Signature
	copy(sig.R[:], raw[0:32])
	copy(sig.S[:], raw[32:64])
	sig.V = raw[64] + 27
	return sig, nil
}
