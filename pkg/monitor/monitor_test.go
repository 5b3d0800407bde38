package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tx_broadcast/pkg/chain"
	"tx_broadcast/pkg/config"
)

// stubClient scripts the chain state returned to the monitor.
type stubClient struct {
	mu      sync.Mutex
	receipt *chain.Receipt
	block   uint64
	err     error
}

var _ chain.Client = (*stubClient)(nil)

func (c *stubClient) set(receipt *chain.Receipt, block uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receipt, c.block, c.err = receipt, block, err
}

func (c *stubClient) SendTransaction(ctx context.Context, tx *chain.SignedTx) (string, error) {
	return "", errors.New("not a broadcast client")
}

func (c *stubClient) TransactionReceipt(ctx context.Context, hash string) (*chain.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return c.receipt, nil
}

func (c *stubClient) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	return c.block, nil
}

func testMonitorConfig() config.MonitorConfig {
	return config.MonitorConfig{
		ConfirmationBlocks: 12,
		Timeout:            30 * time.Minute,
		CheckInterval:      15 * time.Second,
		BatchSize:          25,
		MaxTracked:         100,
		FetchRetries:       0,
		RetryBaseDelay:     time.Millisecond,
		AssumedBlockTime:   12 * time.Second,
	}
}

func testHash(suffix byte) string {
	return "0x" + strings.Repeat("0", 62) + "0" + string([]byte{'a' + suffix%6})
}

func newTestMonitor(t *testing.T, client chain.Client, cfg config.MonitorConfig, clk clock.Clock) *Monitor {
	m, err := New(client, cfg, clk, nil, nil)
	require.NoError(t, err)
	return m
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func TestAddTransaction(t *testing.T) {
	cfg := testMonitorConfig()
	cfg.MaxTracked = 2
	m := newTestMonitor(t, &stubClient{}, cfg, clock.NewMock())

	assert.False(t, m.AddTransaction("0xdeadbeef", nil), "malformed hash rejected")

	assert.True(t, m.AddTransaction(testHash(0), map[string]string{"origin": "test"}))
	assert.False(t, m.AddTransaction(testHash(0), nil), "duplicate hash rejected")

	assert.True(t, m.AddTransaction(testHash(1), nil))
	assert.False(t, m.AddTransaction(testHash(2), nil), "capacity exceeded")
	assert.Equal(t, 2, m.ActiveCount())

	snap := m.GetStatus(testHash(0))
	require.NotNil(t, snap)
	assert.Equal(t, StatusPending, snap.Status)
	assert.Equal(t, 12, snap.RequiredConfirmations)
	assert.Equal(t, "test", snap.Metadata["origin"])
}

func TestRemoveTransaction(t *testing.T) {
	m := newTestMonitor(t, &stubClient{}, testMonitorConfig(), clock.NewMock())

	require.True(t, m.AddTransaction(testHash(0), nil))
	assert.True(t, m.RemoveTransaction(testHash(0)))
	assert.False(t, m.RemoveTransaction(testHash(0)))
	assert.Nil(t, m.GetStatus(testHash(0)))
}

// Receipt at block 100, head at 106: 7 confirmations of 12 required,
// so the transaction is CONFIRMING at 58% with an advisory estimate.
func TestMonitorConfirmingProgress(t *testing.T) {
	client := &stubClient{}
	client.set(&chain.Receipt{
		TxHash:      testHash(0),
		Status:      chain.ReceiptStatusSuccess,
		BlockNumber: 100,
	}, 106, nil)

	m := newTestMonitor(t, client, testMonitorConfig(), clock.NewMock())
	events := make(chan ProgressEvent, 1)
	m.Subscribe(Callbacks{Confirming: func(e ProgressEvent) { events <- e }})

	require.True(t, m.AddTransaction(testHash(0), nil))
	m.processBatch(context.Background())

	event := waitFor(t, events, "confirming event")
	assert.Equal(t, StatusConfirming, event.Status)
	assert.Equal(t, 7, event.Confirmations)
	assert.Equal(t, 58, event.Progress)
	assert.Equal(t, uint64(100), event.ReceiptBlock)

	snap := m.GetStatus(testHash(0))
	require.NotNil(t, snap, "confirming transactions stay tracked")
	assert.Equal(t, StatusConfirming, snap.Status)
}

func TestMonitorConfirmedAndRemoved(t *testing.T) {
	client := &stubClient{}
	client.set(&chain.Receipt{
		TxHash:      testHash(0),
		Status:      chain.ReceiptStatusSuccess,
		BlockNumber: 100,
	}, 111, nil) // 111-100+1 = 12 confirmations

	m := newTestMonitor(t, client, testMonitorConfig(), clock.NewMock())
	confirmed := make(chan Snapshot, 1)
	m.Subscribe(Callbacks{Confirmed: func(s Snapshot) { confirmed <- s }})

	require.True(t, m.AddTransaction(testHash(0), nil))
	m.processBatch(context.Background())

	snap := waitFor(t, confirmed, "confirmed event")
	assert.Equal(t, StatusConfirmed, snap.Status)
	assert.Equal(t, 12, snap.Confirmations)
	assert.Equal(t, 0, m.ActiveCount(), "terminal transactions leave the active set")
}

func TestMonitorRevertedReceiptIsTerminalFailure(t *testing.T) {
	client := &stubClient{}
	client.set(&chain.Receipt{
		TxHash:      testHash(0),
		Status:      chain.ReceiptStatusFailed,
		BlockNumber: 100,
	}, 100, nil)

	m := newTestMonitor(t, client, testMonitorConfig(), clock.NewMock())
	failed := make(chan Snapshot, 1)
	m.Subscribe(Callbacks{Failed: func(s Snapshot) { failed <- s }})

	require.True(t, m.AddTransaction(testHash(0), nil))
	m.processBatch(context.Background())

	snap := waitFor(t, failed, "failed event")
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, 0, m.ActiveCount())
}

func TestMonitorDropsAfterTimeout(t *testing.T) {
	mock := clock.NewMock()
	client := &stubClient{} // nil receipt: never mined
	cfg := testMonitorConfig()

	m := newTestMonitor(t, client, cfg, mock)
	dropped := make(chan Snapshot, 2)
	m.Subscribe(Callbacks{Dropped: func(s Snapshot) { dropped <- s }})

	require.True(t, m.AddTransaction(testHash(0), nil))

	// Before the deadline the record survives a nil receipt.
	m.processBatch(context.Background())
	assert.Equal(t, 1, m.ActiveCount())

	mock.Add(cfg.Timeout + time.Second)
	m.processBatch(context.Background())

	snap := waitFor(t, dropped, "dropped event")
	assert.Equal(t, StatusDropped, snap.Status)
	assert.Equal(t, 0, m.ActiveCount())

	// The terminal transition fires exactly once; a later batch sees an
	// empty set.
	m.processBatch(context.Background())
	select {
	case <-dropped:
		t.Fatal("dropped emitted twice for the same transaction")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMonitorFetchErrorCountsRetryWithoutDropping(t *testing.T) {
	client := &stubClient{}
	client.set(nil, 0, errors.New("provider unavailable"))

	m := newTestMonitor(t, client, testMonitorConfig(), clock.NewMock())
	require.True(t, m.AddTransaction(testHash(0), nil))

	m.processBatch(context.Background())

	snap := m.GetStatus(testHash(0))
	require.NotNil(t, snap, "transient fetch errors must not evict the record")
	assert.Equal(t, StatusPending, snap.Status)
	assert.Equal(t, 1, snap.RetryCount)
}

func TestMonitorBatchSizeBound(t *testing.T) {
	client := &stubClient{}
	client.set(&chain.Receipt{
		Status:      chain.ReceiptStatusSuccess,
		BlockNumber: 100,
	}, 200, nil)

	cfg := testMonitorConfig()
	cfg.BatchSize = 2
	mock := clock.NewMock()
	m := newTestMonitor(t, client, cfg, mock)

	for i := byte(0); i < 4; i++ {
		require.True(t, m.AddTransaction(testHash(i), nil))
		mock.Add(time.Second) // distinct addedAt for deterministic ordering
	}

	m.processBatch(context.Background())
	assert.Equal(t, 2, m.ActiveCount(), "only one batch worth of transactions settles per cycle")

	// Oldest first: the two earliest registrations were confirmed.
	assert.Nil(t, m.GetStatus(testHash(0)))
	assert.Nil(t, m.GetStatus(testHash(1)))
	assert.NotNil(t, m.GetStatus(testHash(2)))
	assert.NotNil(t, m.GetStatus(testHash(3)))
}

func TestNotePendingEmitsOnlyForTrackedPending(t *testing.T) {
	m := newTestMonitor(t, &stubClient{}, testMonitorConfig(), clock.NewMock())
	pending := make(chan Snapshot, 1)
	m.Subscribe(Callbacks{Pending: func(s Snapshot) { pending <- s }})

	m.NotePending(testHash(0))
	select {
	case <-pending:
		t.Fatal("pending emitted for an untracked hash")
	case <-time.After(50 * time.Millisecond):
	}

	require.True(t, m.AddTransaction(testHash(0), nil))
	m.NotePending(testHash(0))

	snap := waitFor(t, pending, "pending event")
	assert.Equal(t, StatusPending, snap.Status)
	assert.Equal(t, testHash(0), snap.TxHash)
}

func TestMonitorLifecycle(t *testing.T) {
	client := &stubClient{}
	client.set(&chain.Receipt{
		Status:      chain.ReceiptStatusSuccess,
		BlockNumber: 100,
	}, 200, nil)

	cfg := testMonitorConfig()
	cfg.CheckInterval = 5 * time.Millisecond
	m := newTestMonitor(t, client, cfg, nil) // real clock

	confirmed := make(chan Snapshot, 1)
	m.Subscribe(Callbacks{Confirmed: func(s Snapshot) { confirmed <- s }})

	require.NoError(t, m.Start())
	require.Error(t, m.Start(), "double start rejected")

	require.True(t, m.AddTransaction(testHash(0), nil))
	waitFor(t, confirmed, "confirmed event from the polling loop")

	m.Stop()
	m.Stop() // idempotent
}

func TestMonitorPauseSuspendsScheduling(t *testing.T) {
	client := &stubClient{}
	client.set(&chain.Receipt{
		Status:      chain.ReceiptStatusSuccess,
		BlockNumber: 100,
	}, 200, nil)

	cfg := testMonitorConfig()
	cfg.CheckInterval = 5 * time.Millisecond
	m := newTestMonitor(t, client, cfg, nil)

	confirmed := make(chan Snapshot, 1)
	m.Subscribe(Callbacks{Confirmed: func(s Snapshot) { confirmed <- s }})

	require.NoError(t, m.Start())
	defer m.Stop()
	m.Pause()

	require.True(t, m.AddTransaction(testHash(0), nil))
	select {
	case <-confirmed:
		t.Fatal("batch ran while paused")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 1, m.ActiveCount(), "paused monitor keeps its active set")

	m.Resume()
	waitFor(t, confirmed, "confirmed event after resume")
}

func TestNewMonitorValidatesConfig(t *testing.T) {
	cfg := testMonitorConfig()
	cfg.ConfirmationBlocks = 0
	_, err := New(&stubClient{}, cfg, nil, nil, nil)
	require.Error(t, err)

	_, err = New(nil, testMonitorConfig(), nil, nil, nil)
	require.Error(t, err)
}
