package broadcast

import (
	"context"
	"time"

	"tx_broadcast/pkg/chain"
	"tx_broadcast/pkg/config"
)

// fakeClient scripts one provider's behavior for strategy tests.
type fakeClient struct {
	hash  string
	err   error
	delay time.Duration
	// hang blocks until the context is cancelled when set.
	hang bool
}

var _ chain.Client = (*fakeClient)(nil)

func (f *fakeClient) SendTransaction(ctx context.Context, tx *chain.SignedTx) (string, error) {
	if f.hang {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return f.hash, nil
}

func (f *fakeClient) TransactionReceipt(ctx context.Context, hash string) (*chain.Receipt, error) {
	return nil, nil
}

func (f *fakeClient) BlockNumber(ctx context.Context) (uint64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return 1, nil
}

func testHealthConfig() config.HealthConfig {
	return config.HealthConfig{
		FailureThreshold:    3,
		RecoveryThreshold:   2,
		HealthCheckInterval: time.Minute,
		ResponseTimeSamples: 10,
	}
}

func testOptions() Options {
	return Options{
		MaxProviders:           5,
		MinSuccessfulProviders: 1,
		BroadcastTimeout:       2 * time.Second,
		ProviderTimeout:        time.Second,
		TimeoutGracePeriod:     100 * time.Millisecond,
		ConsensusEnabled:       true,
		ConsensusMode:          ConsensusHashOnly,
		ConsensusThreshold:     0.51,
		Ordering:               OrderSequential,
	}
}

func testProvider(t interface{ Fatalf(string, ...interface{}) }, id string, priority int, client chain.Client) *Provider {
	p, err := NewProvider(config.ProviderConfig{
		ID:       id,
		Name:     id,
		Priority: priority,
		Enabled:  true,
	}, client)
	if err != nil {
		t.Fatalf("building provider %s: %v", id, err)
	}
	return p
}

func attemptWithHash(providerID, hash string) ProviderAttempt {
	return ProviderAttempt{
		ProviderID: providerID,
		Success:    true,
		Result:     &ProviderResult{TxHash: hash},
	}
}
