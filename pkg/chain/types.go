package chain

import (
	"encoding/hex"
	"errors"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Error variables for consistent error handling
var (
	ErrEmptyPayload = errors.New("signed transaction payload is empty")
	ErrInvalidHash  = errors.New("invalid transaction hash")
)

// Receipt status values as reported by the node.
const (
	ReceiptStatusFailed  = uint64(0)
	ReceiptStatusSuccess = uint64(1)
)

// SignedTx is an already-signed transaction ready for submission.
// Construction and signing happen outside this system.
type SignedTx struct {
	ChainID  uint64   `json:"chain_id"`
	Raw      []byte   `json:"raw"`
	From     string   `json:"from,omitempty"`
	To       string   `json:"to,omitempty"`
	Value    *big.Int `json:"value,omitempty"`
	GasLimit uint64   `json:"gas_limit,omitempty"`
}

// Hash returns the keccak-256 hash of the raw signed payload,
// hex-encoded with a 0x prefix.
func (tx *SignedTx) Hash() (string, error) {
	if len(tx.Raw) == 0 {
		return "", ErrEmptyPayload
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(tx.Raw)
	return "0x" + hex.EncodeToString(h.Sum(nil)), nil
}

// Receipt is the mined result of a transaction.
type Receipt struct {
	TxHash            string   `json:"transaction_hash"`
	Status            uint64   `json:"status"`
	BlockNumber       uint64   `json:"block_number"`
	BlockHash         string   `json:"block_hash"`
	GasUsed           uint64   `json:"gas_used"`
	EffectiveGasPrice *big.Int `json:"effective_gas_price,omitempty"`
}

// Succeeded reports whether the transaction executed successfully.
func (r *Receipt) Succeeded() bool {
	return r.Status == ReceiptStatusSuccess
}

// ValidateHash checks that a transaction hash is well-formed
// (0x prefix plus 32 hex-encoded bytes).
func ValidateHash(hash string) error {
	if !strings.HasPrefix(hash, "0x") || len(hash) != 66 {
		return ErrInvalidHash
	}
	if _, err := hex.DecodeString(hash[2:]); err != nil {
		return ErrInvalidHash
	}
	return nil
}
