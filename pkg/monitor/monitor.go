package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"tx_broadcast/pkg/broadcast"
	"tx_broadcast/pkg/chain"
	"tx_broadcast/pkg/config"
)

// Monitor tracks already-broadcast transactions through to on-chain
// confirmation. A fixed-interval loop batches the active set and
// fetches (receipt, head block) for each record; state transitions and
// record mutations happen only on that loop.
type Monitor struct {
	client  chain.Client
	cfg     config.MonitorConfig
	clock   clock.Clock
	metrics broadcast.Collector
	logger  *zap.Logger

	// txs holds the active set; additions and removals race with the
	// polling batch snapshot, so the map itself is lock-guarded.
	txs map[string]*monitoredTx
	mu  sync.RWMutex

	callbacks []Callbacks
	cbMu      sync.RWMutex

	running bool
	paused  bool
	cancel  context.CancelFunc
	done    chan struct{}
	lifeMu  sync.Mutex
}

// New creates a monitor. A nil clk selects the real clock; tests
// inject a mock to drive the interval loop deterministically.
func New(client chain.Client, cfg config.MonitorConfig, clk clock.Clock, metrics broadcast.Collector, logger *zap.Logger) (*Monitor, error) {
	if client == nil {
		return nil, &broadcast.ConfigurationError{Field: "client", Reason: "chain client is required"}
	}
	if cfg.ConfirmationBlocks <= 0 {
		return nil, &broadcast.ConfigurationError{Field: "confirmation_blocks", Reason: "must be positive"}
	}
	if cfg.CheckInterval <= 0 {
		return nil, &broadcast.ConfigurationError{Field: "check_interval", Reason: "must be positive"}
	}
	if cfg.Timeout <= 0 {
		return nil, &broadcast.ConfigurationError{Field: "timeout", Reason: "must be positive"}
	}
	if cfg.BatchSize <= 0 {
		return nil, &broadcast.ConfigurationError{Field: "batch_size", Reason: "must be positive"}
	}
	if cfg.MaxTracked <= 0 {
		return nil, &broadcast.ConfigurationError{Field: "max_tracked", Reason: "must be positive"}
	}
	if clk == nil {
		clk = clock.New()
	}
	if metrics == nil {
		metrics = broadcast.NopCollector{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		client:  client,
		cfg:     cfg,
		clock:   clk,
		metrics: metrics,
		logger:  logger,
		txs:     make(map[string]*monitoredTx),
	}, nil
}

// Subscribe registers per-event callbacks.
func (m *Monitor) Subscribe(cb Callbacks) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// AddTransaction registers a hash for confirmation tracking. It
// returns false when the hash is already tracked or capacity is
// exceeded. Required confirmations are resolved once, here.
func (m *Monitor) AddTransaction(txHash string, metadata map[string]string) bool {
	if err := chain.ValidateHash(txHash); err != nil {
		m.logger.Warn("Rejected malformed transaction hash", zap.String("txHash", txHash))
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.txs[txHash]; exists {
		return false
	}
	if len(m.txs) >= m.cfg.MaxTracked {
		m.logger.Warn("Monitor at capacity, rejecting transaction",
			zap.String("txHash", txHash),
			zap.Int("capacity", m.cfg.MaxTracked))
		return false
	}

	now := m.clock.Now()
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	m.txs[txHash] = &monitoredTx{
		txHash:                txHash,
		status:                StatusPending,
		requiredConfirmations: m.cfg.ConfirmationBlocks,
		addedAt:               now,
		timeoutAt:             now.Add(m.cfg.Timeout),
		metadata:              meta,
	}
	m.metrics.SetGauge(broadcast.MetricMonitorActive, float64(len(m.txs)))

	m.logger.Debug("Tracking transaction",
		zap.String("txHash", txHash),
		zap.Int("requiredConfirmations", m.cfg.ConfirmationBlocks),
		zap.Time("timeoutAt", m.txs[txHash].timeoutAt))
	return true
}

// GetStatus returns a snapshot of a tracked transaction, or nil when
// the hash is unknown.
func (m *Monitor) GetStatus(txHash string) *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.txs[txHash]
	if !ok {
		return nil
	}
	snap := tx.snapshot()
	return &snap
}

// RemoveTransaction stops tracking a hash. Returns false when unknown.
func (m *Monitor) RemoveTransaction(txHash string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.txs[txHash]; !ok {
		return false
	}
	delete(m.txs, txHash)
	m.metrics.SetGauge(broadcast.MetricMonitorActive, float64(len(m.txs)))
	return true
}

// ActiveCount returns the size of the active set.
func (m *Monitor) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.txs)
}

// NotePending records a best-effort early sighting from the pending
// feed. It only emits a notification and never drives confirmation;
// the polling path remains authoritative.
func (m *Monitor) NotePending(txHash string) {
	m.mu.RLock()
	tx, ok := m.txs[txHash]
	var snap Snapshot
	if ok && tx.status == StatusPending {
		snap = tx.snapshot()
	} else {
		ok = false
	}
	m.mu.RUnlock()

	if ok {
		m.emit(func(cb Callbacks) {
			if cb.Pending != nil {
				cb.Pending(snap)
			}
		})
	}
}

// Start launches the polling loop.
func (m *Monitor) Start() error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if m.running {
		return fmt.Errorf("monitor already running")
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true
	m.paused = false

	go m.run(ctx)

	m.logger.Info("Broadcast monitor started",
		zap.Duration("checkInterval", m.cfg.CheckInterval),
		zap.Int("confirmationBlocks", m.cfg.ConfirmationBlocks))
	return nil
}

// Pause suspends scheduling of new batches. In-flight receipt fetches
// are not aborted.
func (m *Monitor) Pause() {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	m.paused = true
}

// Resume lifts a pause.
func (m *Monitor) Resume() {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	m.paused = false
}

// Stop cancels the loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.lifeMu.Lock()
	if !m.running {
		m.lifeMu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	done := m.done
	m.lifeMu.Unlock()

	<-done
	m.logger.Info("Broadcast monitor stopped")
}

func (m *Monitor) isPaused() bool {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	return m.paused
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := m.clock.Ticker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.isPaused() {
				continue
			}
			m.processBatch(ctx)
		}
	}
}

// checkResult is one transaction's fetched chain state, produced by
// the concurrent fetchers and applied sequentially by the loop.
type checkResult struct {
	txHash       string
	receipt      *chain.Receipt
	currentBlock uint64
	err          error
}

// processBatch snapshots the active set (bounded, oldest first),
// fetches chain state for each concurrently, then applies every
// transition on this goroutine — the records' single writer.
func (m *Monitor) processBatch(ctx context.Context) {
	m.mu.RLock()
	batch := make([]string, 0, len(m.txs))
	for hash := range m.txs {
		batch = append(batch, hash)
	}
	addedAt := make(map[string]time.Time, len(batch))
	for _, h := range batch {
		addedAt[h] = m.txs[h].addedAt
	}
	m.mu.RUnlock()

	if len(batch) == 0 {
		return
	}
	sort.Slice(batch, func(i, j int) bool {
		return addedAt[batch[i]].Before(addedAt[batch[j]])
	})
	if len(batch) > m.cfg.BatchSize {
		batch = batch[:m.cfg.BatchSize]
	}

	results := make(chan checkResult, len(batch))
	var wg sync.WaitGroup
	for _, hash := range batch {
		wg.Add(1)
		go func(hash string) {
			defer wg.Done()
			results <- m.fetchState(ctx, hash)
		}(hash)
	}
	wg.Wait()
	close(results)

	for res := range results {
		m.applyResult(res)
	}
}

// fetchState fetches (receipt, head block) with bounded
// retry-with-backoff on transient provider errors.
func (m *Monitor) fetchState(ctx context.Context, txHash string) checkResult {
	res := checkResult{txHash: txHash}
	res.err = retryWithBackoff(ctx, m.clock, m.cfg.FetchRetries, m.cfg.RetryBaseDelay, func(ctx context.Context) error {
		receipt, err := m.client.TransactionReceipt(ctx, txHash)
		if err != nil {
			return err
		}
		current, err := m.client.BlockNumber(ctx)
		if err != nil {
			return err
		}
		res.receipt = receipt
		res.currentBlock = current
		return nil
	})
	return res
}

func (m *Monitor) applyResult(res checkResult) {
	m.mu.Lock()
	tx, ok := m.txs[res.txHash]
	if !ok {
		// Removed while the fetch was in flight.
		m.mu.Unlock()
		return
	}

	now := m.clock.Now()

	if res.err != nil {
		tx.retryCount++
		expired := now.After(tx.timeoutAt)
		m.logger.Debug("Receipt fetch failed",
			zap.String("txHash", res.txHash),
			zap.Int("retryCount", tx.retryCount),
			zap.Error(res.err))
		if !expired {
			m.mu.Unlock()
			return
		}
		m.dropLocked(tx)
		m.mu.Unlock()
		return
	}

	if res.receipt == nil {
		if now.After(tx.timeoutAt) {
			m.dropLocked(tx)
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		return
	}

	if !res.receipt.Succeeded() {
		tx.status = StatusFailed
		snap := tx.snapshot()
		m.removeLocked(tx.txHash)
		m.mu.Unlock()

		m.logger.Info("Transaction failed on-chain",
			zap.String("txHash", snap.TxHash),
			zap.Uint64("block", snap.ReceiptBlock))
		m.emit(func(cb Callbacks) {
			if cb.Failed != nil {
				cb.Failed(snap)
			}
		})
		return
	}

	tx.receiptBlock = res.receipt.BlockNumber
	confirmations := 0
	if res.currentBlock >= res.receipt.BlockNumber {
		confirmations = int(res.currentBlock - res.receipt.BlockNumber + 1)
	}
	tx.confirmations = confirmations

	if confirmations >= tx.requiredConfirmations {
		tx.status = StatusConfirmed
		snap := tx.snapshot()
		m.removeLocked(tx.txHash)
		m.mu.Unlock()

		m.logger.Info("Transaction confirmed",
			zap.String("txHash", snap.TxHash),
			zap.Int("confirmations", snap.Confirmations))
		m.emit(func(cb Callbacks) {
			if cb.Confirmed != nil {
				cb.Confirmed(snap)
			}
		})
		return
	}

	tx.status = StatusConfirming
	snap := tx.snapshot()
	m.mu.Unlock()

	remaining := snap.RequiredConfirmations - snap.Confirmations
	event := ProgressEvent{
		Snapshot: snap,
		Progress: int(float64(confirmations)/float64(snap.RequiredConfirmations)*100 + 0.5),
		// Advisory only.
		EstimatedCompletion: now.Add(time.Duration(remaining) * m.cfg.AssumedBlockTime),
	}
	m.emit(func(cb Callbacks) {
		if cb.Confirming != nil {
			cb.Confirming(event)
		}
	})
}

// dropLocked transitions a record to DROPPED exactly once and removes
// it. Caller holds the write lock.
func (m *Monitor) dropLocked(tx *monitoredTx) {
	tx.status = StatusDropped
	snap := tx.snapshot()
	m.removeLocked(tx.txHash)

	m.logger.Warn("Transaction dropped: no receipt before timeout",
		zap.String("txHash", snap.TxHash),
		zap.Time("timeoutAt", snap.TimeoutAt))
	m.emit(func(cb Callbacks) {
		if cb.Dropped != nil {
			cb.Dropped(snap)
		}
	})
}

func (m *Monitor) removeLocked(txHash string) {
	delete(m.txs, txHash)
	m.metrics.SetGauge(broadcast.MetricMonitorActive, float64(len(m.txs)))
}

// emit dispatches an event to every subscriber off the monitor loop.
func (m *Monitor) emit(deliver func(Callbacks)) {
	m.cbMu.RLock()
	callbacks := make([]Callbacks, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.cbMu.RUnlock()

	for _, cb := range callbacks {
		go deliver(cb)
	}
}
