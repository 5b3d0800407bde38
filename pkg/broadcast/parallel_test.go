package broadcast

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tx_broadcast/pkg/chain"
)

func testTx() *chain.SignedTx {
	return &chain.SignedTx{ChainID: 1, Raw: []byte{0x02, 0xf8, 0x6f, 0x01}}
}

func newParallel(t *testing.T, opts Options, providers ...*Provider) *ParallelStrategy {
	strategy, err := NewParallelStrategy(providers, Deps{Health: newTestTracker(t)}, opts)
	require.NoError(t, err)
	return strategy
}

func TestParallelBroadcastAllSucceed(t *testing.T) {
	opts := testOptions()
	opts.MinSuccessfulProviders = 2
	strategy := newParallel(t, opts,
		testProvider(t, "p1", 1, &fakeClient{hash: "0xaa"}),
		testProvider(t, "p2", 2, &fakeClient{hash: "0xaa"}),
		testProvider(t, "p3", 3, &fakeClient{hash: "0xaa"}),
	)

	outcome, err := strategy.Broadcast(context.Background(), NewRequest(testTx(), Options{}))
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, outcome.State)
	assert.Equal(t, "0xaa", outcome.TxHash)
	assert.Len(t, outcome.Successful, 3)
	assert.Empty(t, outcome.Failed)
	assert.Equal(t, 3, outcome.TotalAttempts)
	require.NotNil(t, outcome.Consensus)
	assert.Equal(t, 100.0, outcome.Consensus.Agreement)
	assert.Empty(t, outcome.Warnings)
}

// Five providers, two required: two agree on one hash, a third returns
// a different hash, two fail outright. The broadcast settles partial
// with majority agreement above the 51% threshold.
func TestParallelBroadcastPartialWithDisagreement(t *testing.T) {
	opts := testOptions()
	opts.MinSuccessfulProviders = 2
	strategy := newParallel(t, opts,
		testProvider(t, "p1", 1, &fakeClient{hash: "0xaa"}),
		testProvider(t, "p2", 2, &fakeClient{hash: "0xaa"}),
		testProvider(t, "p3", 3, &fakeClient{hash: "0xbb"}),
		testProvider(t, "p4", 4, &fakeClient{err: errors.New("connection refused")}),
		testProvider(t, "p5", 5, &fakeClient{err: errors.New("rate limit exceeded")}),
	)

	outcome, err := strategy.Broadcast(context.Background(), NewRequest(testTx(), Options{}))
	require.NoError(t, err)
	assert.Equal(t, StatePartialSuccess, outcome.State)
	assert.Equal(t, "0xaa", outcome.TxHash)
	assert.Len(t, outcome.Successful, 3)
	assert.Len(t, outcome.Failed, 2)
	require.NotNil(t, outcome.Consensus)
	assert.InDelta(t, 66.67, outcome.Consensus.Agreement, 0.01)
	assert.True(t, outcome.Consensus.Valid)
}

func TestParallelBroadcastBelowThreshold(t *testing.T) {
	opts := testOptions()
	opts.MinSuccessfulProviders = 3
	strategy := newParallel(t, opts,
		testProvider(t, "p1", 1, &fakeClient{hash: "0xaa"}),
		testProvider(t, "p2", 2, &fakeClient{err: errors.New("boom")}),
		testProvider(t, "p3", 3, &fakeClient{err: errors.New("boom")}),
	)

	_, err := strategy.Broadcast(context.Background(), NewRequest(testTx(), Options{}))
	var partial *PartialBroadcastFailureError
	require.ErrorAs(t, err, &partial)
	assert.Len(t, partial.Successful, 1)
	assert.Len(t, partial.Failed, 2)
	assert.Equal(t, 3, partial.Required)
}

func TestParallelBroadcastInsufficientProviders(t *testing.T) {
	opts := testOptions()
	opts.MinSuccessfulProviders = 2
	tracker := newTestTracker(t)
	strategy, err := NewParallelStrategy(
		[]*Provider{
			testProvider(t, "p1", 1, &fakeClient{hash: "0xaa"}),
			testProvider(t, "p2", 2, &fakeClient{hash: "0xaa"}),
		},
		Deps{Health: tracker}, opts)
	require.NoError(t, err)

	// Trip p2 past the failure threshold so only p1 is eligible.
	for i := 0; i < 3; i++ {
		tracker.RecordFailure("p2", errors.New("boom"))
	}

	_, err = strategy.Broadcast(context.Background(), NewRequest(testTx(), Options{}))
	var insufficient *InsufficientProvidersError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 1, insufficient.Eligible)
	assert.Equal(t, 2, insufficient.Required)
}

func TestParallelBroadcastDisabledProvidersSkipped(t *testing.T) {
	disabled := testProvider(t, "p2", 2, &fakeClient{err: errors.New("never called")})
	disabled.SetEnabled(false)

	strategy := newParallel(t, testOptions(),
		testProvider(t, "p1", 1, &fakeClient{hash: "0xaa"}),
		disabled,
	)

	outcome, err := strategy.Broadcast(context.Background(), NewRequest(testTx(), Options{}))
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.TotalAttempts)
	assert.Equal(t, StateSuccess, outcome.State)
}

func TestParallelBroadcastConsensusFailure(t *testing.T) {
	opts := testOptions()
	opts.MinSuccessfulProviders = 2
	opts.ConsensusThreshold = 0.75
	strategy := newParallel(t, opts,
		testProvider(t, "p1", 1, &fakeClient{hash: "0xaa"}),
		testProvider(t, "p2", 2, &fakeClient{hash: "0xbb"}),
	)

	_, err := strategy.Broadcast(context.Background(), NewRequest(testTx(), Options{}))
	var cf *ConsensusFailureError
	require.ErrorAs(t, err, &cf)
	assert.Equal(t, 50.0, cf.Consensus.Agreement)
	assert.Len(t, cf.Consensus.Groups, 2)
}

// One provider never settles. The global timeout fires, the settled
// successes carry the outcome, and the straggler is synthesized as a
// timeout failure with a warning on the outcome.
func TestParallelBroadcastTimeoutDowngradesToPartial(t *testing.T) {
	opts := testOptions()
	opts.BroadcastTimeout = 150 * time.Millisecond
	opts.ProviderTimeout = 150 * time.Millisecond
	opts.TimeoutGracePeriod = 50 * time.Millisecond
	strategy := newParallel(t, opts,
		testProvider(t, "p1", 1, &fakeClient{hash: "0xaa"}),
		testProvider(t, "p2", 2, &fakeClient{hash: "0xaa"}),
		testProvider(t, "p3", 3, &fakeClient{hang: true}),
	)

	outcome, err := strategy.Broadcast(context.Background(), NewRequest(testTx(), Options{}))
	require.NoError(t, err)
	assert.Equal(t, StatePartialSuccess, outcome.State)
	assert.Len(t, outcome.Successful, 2)
	require.Len(t, outcome.Failed, 1)
	assert.Equal(t, "p3", outcome.Failed[0].ProviderID)
	assert.Equal(t, CategoryTimeout, outcome.Failed[0].ErrorCategory)
	require.Len(t, outcome.Warnings, 1)
	assert.Contains(t, outcome.Warnings[0], "timeout")
}

func TestParallelBroadcastTimeoutBelowThreshold(t *testing.T) {
	opts := testOptions()
	opts.MinSuccessfulProviders = 2
	opts.BroadcastTimeout = 100 * time.Millisecond
	opts.TimeoutGracePeriod = 20 * time.Millisecond
	strategy := newParallel(t, opts,
		testProvider(t, "p1", 1, &fakeClient{hang: true}),
		testProvider(t, "p2", 2, &fakeClient{hang: true}),
	)

	_, err := strategy.Broadcast(context.Background(), NewRequest(testTx(), Options{}))
	var timeout *BroadcastTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Empty(t, timeout.Successful)
	assert.Len(t, timeout.Failed, 2)
}

func TestParallelBroadcastSecurityGate(t *testing.T) {
	tracker := newTestTracker(t)
	strategy, err := NewParallelStrategy(
		[]*Provider{testProvider(t, "p1", 1, &fakeClient{hash: "0xaa"})},
		Deps{
			Health:    tracker,
			Validator: rejectingValidator{reason: "blacklisted sender"},
		},
		testOptions())
	require.NoError(t, err)

	_, err = strategy.Broadcast(context.Background(), NewRequest(testTx(), Options{}))
	require.ErrorIs(t, err, ErrSecurityRejected)
	assert.Nil(t, tracker.Snapshot("p1"), "rejected transactions must not reach providers")
}

func TestParallelBroadcastEmptyPayload(t *testing.T) {
	strategy := newParallel(t, testOptions(),
		testProvider(t, "p1", 1, &fakeClient{hash: "0xaa"}))

	_, err := strategy.Broadcast(context.Background(), NewRequest(&chain.SignedTx{ChainID: 1}, Options{}))
	require.ErrorIs(t, err, chain.ErrEmptyPayload)
}

func TestParallelBroadcastRequestOverrides(t *testing.T) {
	opts := testOptions()
	opts.MinSuccessfulProviders = 1
	strategy := newParallel(t, opts,
		testProvider(t, "p1", 1, &fakeClient{hash: "0xaa"}),
		testProvider(t, "p2", 2, &fakeClient{hash: "0xaa"}),
		testProvider(t, "p3", 3, &fakeClient{hash: "0xaa"}),
	)

	req := NewRequest(testTx(), Options{MaxProviders: 2})
	outcome, err := strategy.Broadcast(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.TotalAttempts)
}

func TestResolveOptionsConsensusToggle(t *testing.T) {
	defaults := testOptions()
	require.True(t, defaults.ConsensusEnabled)

	// A request can switch consensus off without touching the mode.
	opts, err := resolveOptions(defaults, Options{ConsensusDisabled: true})
	require.NoError(t, err)
	assert.False(t, opts.ConsensusEnabled)
	assert.Equal(t, defaults.ConsensusMode, opts.ConsensusMode)

	// And switch it back on over disabled defaults.
	defaults.ConsensusEnabled = false
	opts, err = resolveOptions(defaults, Options{ConsensusEnabled: true})
	require.NoError(t, err)
	assert.True(t, opts.ConsensusEnabled)
}

func TestParallelBroadcastConsensusDisabledPerRequest(t *testing.T) {
	// Diverging hashes fail consensus under the defaults, but the
	// request opts out of consensus entirely.
	opts := testOptions()
	opts.MinSuccessfulProviders = 2
	strategy := newParallel(t, opts,
		testProvider(t, "p1", 1, &fakeClient{hash: "0xaa"}),
		testProvider(t, "p2", 2, &fakeClient{hash: "0xbb"}),
	)

	req := NewRequest(testTx(), Options{ConsensusDisabled: true})
	outcome, err := strategy.Broadcast(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, outcome.State)
	assert.Nil(t, outcome.Consensus)
}

func TestResolveOptionsRejectsInvalidOverride(t *testing.T) {
	_, err := resolveOptions(testOptions(), Options{MinSuccessfulProviders: 10, MaxProviders: 2})
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "min_successful_providers", cfgErr.Field)
}

func TestNewParallelStrategyRejectsEmptyProviders(t *testing.T) {
	_, err := NewParallelStrategy(nil, Deps{Health: newTestTracker(t)}, testOptions())
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "providers", cfgErr.Field)
}

type rejectingValidator struct {
	reason string
}

func (v rejectingValidator) ValidateTransaction(tx *chain.SignedTx) error {
	return errors.New(v.reason)
}
