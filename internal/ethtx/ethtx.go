// Package ethtx provides the Ethereum transaction primitives the
// orchestrator and MPC coordinator need: EIP-155 legacy transaction
// encoding, the pre-signing digest, and EIP-55 checksummed address
// derivation from an uncompressed public key, using go-ethereum's crypto
// and rlp packages directly rather than the teacher's own bech32 address
// scheme (crypto/keys.go), which is not applicable to Ethereum-facing
// custody.
package ethtx

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/amijkko/custody-core/internal/errs"
)

// LegacyTx is the set of fields an EIP-155 legacy transaction needs, matching
// the RLP tuple [nonce, gasPrice, gas, to, value, data, v', r, s] of
// spec.md §4.5 "Signing completion".
type LegacyTx struct {
	Nonce    uint64
	GasPrice *big.Int
	Gas      uint64
	To       common.Address
	Value    *big.Int
	Data     []byte
	ChainID  int64
}

type unsignedRLP struct {
	Nonce    uint64
	GasPrice *big.Int
	Gas      uint64
	To       common.Address
	Value    *big.Int
	Data     []byte
	ChainID  *big.Int
	Zero1    uint8
	Zero2    uint8
}

type signedRLP struct {
	Nonce    uint64
	GasPrice *big.Int
	Gas      uint64
	To       common.Address
	Value    *big.Int
	Data     []byte
	V        *big.Int
	R        *big.Int
	S        *big.Int
}

// SigningHash computes the EIP-155 signing digest: keccak256 of the RLP
// encoding of [nonce, gasPrice, gas, to, value, data, chainId, 0, 0].
func SigningHash(tx LegacyTx) ([32]byte, error) {
	payload := unsignedRLP{
		Nonce:    tx.Nonce,
		GasPrice: tx.GasPrice,
		Gas:      tx.Gas,
		To:       tx.To,
		Value:    tx.Value,
		Data:     tx.Data,
		ChainID:  big.NewInt(tx.ChainID),
	}
	encoded, err := rlp.EncodeToBytes(payload)
	if err != nil {
		return [32]byte{}, errs.Wrap(errs.ProtocolViolation, "ethtx.encode_unsigned", "RLP-encode unsigned transaction", err)
	}
	return crypto.Keccak256Hash(encoded), nil
}

// Recovery carries the (r, s, v) triple a signing session produces, where v
// is the raw recovery parity {27, 28} per spec.md §4.5.
type Recovery struct {
	R *big.Int
	S *big.Int
	V uint8
}

// Encode recomputes the EIP-155 v' = chainId*2+35+(v-27), RLP-encodes the
// signed transaction tuple, and returns both the raw bytes and their
// keccak256 transaction hash.
func Encode(tx LegacyTx, sig Recovery) (raw []byte, txHash [32]byte, err error) {
	if sig.V != 27 && sig.V != 28 {
		return nil, [32]byte{}, errs.New(errs.ProtocolViolation, "ethtx.bad_recovery_parity",
			"recovery parity v must be 27 or 28")
	}
	recoveryID := int64(sig.V) - 27
	vPrime := new(big.Int).Add(new(big.Int).Mul(big.NewInt(tx.ChainID), big.NewInt(2)), big.NewInt(35+recoveryID))

	payload := signedRLP{
		Nonce:    tx.Nonce,
		GasPrice: tx.GasPrice,
		Gas:      tx.Gas,
		To:       tx.To,
		Value:    tx.Value,
		Data:     tx.Data,
		V:        vPrime,
		R:        sig.R,
		S:        sig.S,
	}
	encoded, err := rlp.EncodeToBytes(payload)
	if err != nil {
		return nil, [32]byte{}, errs.Wrap(errs.ProtocolViolation, "ethtx.encode_signed", "RLP-encode signed transaction", err)
	}
	return encoded, crypto.Keccak256Hash(encoded), nil
}

// AddressFromUncompressedPubKey derives the EIP-55 checksummed Ethereum
// address from an uncompressed secp256k1 public key (65 bytes, 0x04 prefix),
// per spec.md §4.5 "DKG completion":
// ethereum_address = keccak256(public_key[1..])[12..], EIP-55 checksummed.
func AddressFromUncompressedPubKey(pubKey []byte) (string, error) {
	if len(pubKey) != 65 || pubKey[0] != 0x04 {
		return "", errs.New(errs.ProtocolViolation, "ethtx.bad_pubkey",
			"expected a 65-byte uncompressed public key with 0x04 prefix")
	}
	hash := crypto.Keccak256(pubKey[1:])
	addr := common.BytesToAddress(hash[12:])
	return addr.Hex(), nil
}
