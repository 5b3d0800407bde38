package security

import (
	"fmt"
	"math/big"
	"strings"

	"go.uber.org/zap"

	"tx_broadcast/pkg/chain"
	"tx_broadcast/pkg/config"
)

// ValidationError reports why a transaction was rejected before any
// provider was contacted.
type ValidationError struct {
	Check  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("security validation failed (%s): %s", e.Check, e.Reason)
}

// Manager performs structural, blacklist, gas and value checks on a
// signed transaction. It holds no mutable state after construction.
type Manager struct {
	maxGasLimit uint64
	maxValue    *big.Int // nil disables the value check
	blacklist   map[string]bool
	logger      *zap.Logger
}

// NewManager creates a security manager from configuration.
func NewManager(cfg config.SecurityConfig, logger *zap.Logger) (*Manager, error) {
	var maxValue *big.Int
	if cfg.MaxValueWei != "" {
		v, ok := new(big.Int).SetString(cfg.MaxValueWei, 10)
		if !ok || v.Sign() < 0 {
			return nil, fmt.Errorf("invalid max_value_wei: %q", cfg.MaxValueWei)
		}
		maxValue = v
	}

	blacklist := make(map[string]bool, len(cfg.BlacklistedAddrs))
	for _, addr := range cfg.BlacklistedAddrs {
		blacklist[strings.ToLower(addr)] = true
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		maxGasLimit: cfg.MaxGasLimit,
		maxValue:    maxValue,
		blacklist:   blacklist,
		logger:      logger,
	}, nil
}

// ValidateTransaction runs every check and returns a ValidationError
// on the first violation.
func (m *Manager) ValidateTransaction(tx *chain.SignedTx) error {
	if tx == nil || len(tx.Raw) == 0 {
		return &ValidationError{Check: "structural", Reason: "signed payload is empty"}
	}

	if tx.To != "" && m.blacklist[strings.ToLower(tx.To)] {
		m.logger.Warn("Blocked transaction to blacklisted address",
			zap.String("to", tx.To))
		return &ValidationError{Check: "blacklist", Reason: fmt.Sprintf("recipient %s is blacklisted", tx.To)}
	}

	if m.maxGasLimit > 0 && tx.GasLimit > m.maxGasLimit {
		return &ValidationError{
			Check:  "gas",
			Reason: fmt.Sprintf("gas limit %d exceeds maximum %d", tx.GasLimit, m.maxGasLimit),
		}
	}

	if m.maxValue != nil && tx.Value != nil && tx.Value.Cmp(m.maxValue) > 0 {
		return &ValidationError{
			Check:  "value",
			Reason: fmt.Sprintf("value %s exceeds maximum %s wei", tx.Value, m.maxValue),
		}
	}

	return nil
}
