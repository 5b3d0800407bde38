package broadcast

import (
	"fmt"
)

// ConsensusMode selects which response fields form the agreement key.
type ConsensusMode string

const (
	// ConsensusHashOnly keys on the transaction hash alone.
	ConsensusHashOnly ConsensusMode = "HASH_ONLY"
	// ConsensusBasic keys on (hash, gasUsed, status).
	ConsensusBasic ConsensusMode = "BASIC"
	// ConsensusStrict keys on every receipt field.
	ConsensusStrict ConsensusMode = "STRICT"
	// ConsensusMajority keys on (hash, gasUsed, blockNumber).
	ConsensusMajority ConsensusMode = "MAJORITY"
)

// ParseConsensusMode validates a mode string.
func ParseConsensusMode(s string) (ConsensusMode, error) {
	switch ConsensusMode(s) {
	case ConsensusHashOnly, ConsensusBasic, ConsensusStrict, ConsensusMajority:
		return ConsensusMode(s), nil
	default:
		return "", &ConfigurationError{Field: "consensus_mode", Reason: fmt.Sprintf("unknown mode %q", s)}
	}
}

// ConsensusGroup is one partition of successful attempts sharing an
// agreement key.
type ConsensusGroup struct {
	Key     string
	Results []ProviderAttempt
}

// ConsensusResult is the outcome of reconciling divergent provider
// responses.
type ConsensusResult struct {
	Mode          ConsensusMode
	Threshold     float64
	Agreement     float64 // percentage in [0,100]
	Valid         bool
	Groups        []ConsensusGroup
	PrimaryResult *ProviderResult
	TotalResults  int
}

// agreementKey derives the grouping key for one result under a mode.
func agreementKey(r *ProviderResult, mode ConsensusMode) string {
	switch mode {
	case ConsensusBasic:
		return fmt.Sprintf("%s|%d|%d", r.TxHash, r.GasUsed, r.Status)
	case ConsensusStrict:
		return fmt.Sprintf("%s|%d|%d|%s|%d|%s",
			r.TxHash, r.GasUsed, r.BlockNumber, r.BlockHash, r.Status, r.EffectiveGasPrice)
	case ConsensusMajority:
		return fmt.Sprintf("%s|%d|%d", r.TxHash, r.GasUsed, r.BlockNumber)
	default: // HASH_ONLY
		return r.TxHash
	}
}

// EvaluateConsensus groups successful attempts by agreement key and
// computes majority agreement. Groups partition the input exactly:
// every successful attempt lands in exactly one group.
//
// With fewer than two successful results agreement is defined as 100
// and trivially valid. That is a documented simplification, not a
// correctness guarantee.
func EvaluateConsensus(successful []ProviderAttempt, mode ConsensusMode, threshold float64) *ConsensusResult {
	result := &ConsensusResult{
		Mode:         mode,
		Threshold:    threshold,
		TotalResults: len(successful),
	}

	if len(successful) == 0 {
		result.Agreement = 100
		result.Valid = true
		return result
	}

	// Group in input order so ties between equal-size groups resolve
	// deterministically to the first group encountered.
	index := make(map[string]int, len(successful))
	for _, attempt := range successful {
		if attempt.Result == nil {
			continue
		}
		key := agreementKey(attempt.Result, mode)
		i, ok := index[key]
		if !ok {
			index[key] = len(result.Groups)
			result.Groups = append(result.Groups, ConsensusGroup{Key: key})
			i = index[key]
		}
		result.Groups[i].Results = append(result.Groups[i].Results, attempt)
	}

	largest := 0
	for i := range result.Groups {
		if len(result.Groups[i].Results) > len(result.Groups[largest].Results) {
			largest = i
		}
	}
	if len(result.Groups) > 0 {
		result.PrimaryResult = result.Groups[largest].Results[0].Result
	}

	if len(successful) < 2 {
		result.Agreement = 100
		result.Valid = true
		return result
	}

	// Multiple successes but no comparable results (every Result nil):
	// nothing agrees with anything, so agreement cannot be established.
	if len(result.Groups) == 0 {
		result.Valid = false
		return result
	}

	result.Agreement = float64(len(result.Groups[largest].Results)) / float64(len(successful)) * 100
	result.Valid = result.Agreement >= threshold*100
	return result
}
