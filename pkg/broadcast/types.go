package broadcast

import (
	"time"

	"github.com/google/uuid"

	"tx_broadcast/pkg/chain"
	"tx_broadcast/pkg/config"
)

// OutcomeState summarizes how a broadcast concluded.
type OutcomeState string

const (
	StateSuccess          OutcomeState = "SUCCESS"
	StatePartialSuccess   OutcomeState = "PARTIAL_SUCCESS"
	StateConsensusFailure OutcomeState = "CONSENSUS_FAILURE"
)

// Options are the per-request strategy tunables. A zero Options picks
// up every value from the strategy's configured defaults.
type Options struct {
	MaxProviders           int
	MinSuccessfulProviders int
	BroadcastTimeout       time.Duration
	ProviderTimeout        time.Duration
	TimeoutGracePeriod     time.Duration
	ConsensusEnabled       bool
	// ConsensusDisabled turns consensus off for this request even when
	// the strategy defaults enable it. It wins over ConsensusEnabled.
	ConsensusDisabled  bool
	ConsensusMode      ConsensusMode
	ConsensusThreshold float64
	Ordering           Ordering
	RetryDelay         time.Duration
}

// OptionsFromConfig converts the configured tunables into Options.
func OptionsFromConfig(cfg config.BroadcastConfig) Options {
	return Options{
		MaxProviders:           cfg.MaxProviders,
		MinSuccessfulProviders: cfg.MinSuccessfulProviders,
		BroadcastTimeout:       cfg.BroadcastTimeout,
		ProviderTimeout:        cfg.ProviderTimeout,
		TimeoutGracePeriod:     cfg.TimeoutGracePeriod,
		ConsensusEnabled:       cfg.ConsensusEnabled,
		ConsensusMode:          ConsensusMode(cfg.ConsensusMode),
		ConsensusThreshold:     cfg.ConsensusThreshold,
		Ordering:               Ordering(cfg.OrderingStrategy),
		RetryDelay:             cfg.RetryDelay,
	}
}

// Request is one logical submission. Its lifetime is a single call to
// a strategy; per-provider results are summarized into history rather
// than retained on the request.
type Request struct {
	BroadcastID string
	Tx          *chain.SignedTx
	Options     Options
	Metadata    map[string]string
}

// NewRequest builds a request with a fresh broadcast id.
func NewRequest(tx *chain.SignedTx, opts Options) *Request {
	return &Request{
		BroadcastID: uuid.New().String(),
		Tx:          tx,
		Options:     opts,
	}
}

// ProviderResult is the payload a provider returned for a successful
// submission. Only TxHash is guaranteed; receipt-derived fields are
// populated when the provider reports them.
type ProviderResult struct {
	TxHash            string
	Status            uint64
	GasUsed           uint64
	BlockNumber       uint64
	BlockHash         string
	EffectiveGasPrice string
}

// ProviderAttempt is the immutable outcome of one provider call.
type ProviderAttempt struct {
	ProviderID    string
	Success       bool
	Result        *ProviderResult
	Err           error
	ErrorCategory ErrorCategory
	ResponseTime  time.Duration
}

// Outcome is the caller-facing summary of one broadcast.
type Outcome struct {
	BroadcastID        string
	TxHash             string
	State              OutcomeState
	Successful         []ProviderAttempt
	Failed             []ProviderAttempt
	Consensus          *ConsensusResult
	SuccessfulProvider string
	TotalAttempts      int
	Duration           time.Duration
	Warnings           []string
	CompletedAt        time.Time
}
