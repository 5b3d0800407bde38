package monitor

import (
	"time"
)

// TxStatus is a monitored transaction's lifecycle state.
type TxStatus string

const (
	StatusPending    TxStatus = "PENDING"
	StatusConfirming TxStatus = "CONFIRMING"
	StatusConfirmed  TxStatus = "CONFIRMED"
	StatusFailed     TxStatus = "FAILED"
	StatusDropped    TxStatus = "DROPPED"
)

// terminal reports whether a status removes the record from the
// active set.
func (s TxStatus) terminal() bool {
	return s == StatusConfirmed || s == StatusFailed || s == StatusDropped
}

// monitoredTx is the per-hash tracking record. It is only ever mutated
// by the monitor's own loop (single writer).
type monitoredTx struct {
	txHash                string
	status                TxStatus
	confirmations         int
	requiredConfirmations int
	receiptBlock          uint64
	addedAt               time.Time
	timeoutAt             time.Time
	retryCount            int
	metadata              map[string]string
}

// Snapshot is a read-only copy of a monitored transaction, safe to
// hand to callers and observers.
type Snapshot struct {
	TxHash                string
	Status                TxStatus
	Confirmations         int
	RequiredConfirmations int
	ReceiptBlock          uint64
	AddedAt               time.Time
	TimeoutAt             time.Time
	RetryCount            int
	Metadata              map[string]string
}

func (tx *monitoredTx) snapshot() Snapshot {
	meta := make(map[string]string, len(tx.metadata))
	for k, v := range tx.metadata {
		meta[k] = v
	}
	return Snapshot{
		TxHash:                tx.txHash,
		Status:                tx.status,
		Confirmations:         tx.confirmations,
		RequiredConfirmations: tx.requiredConfirmations,
		ReceiptBlock:          tx.receiptBlock,
		AddedAt:               tx.addedAt,
		TimeoutAt:             tx.timeoutAt,
		RetryCount:            tx.retryCount,
		Metadata:              meta,
	}
}

// ProgressEvent accompanies a CONFIRMING notification. The completion
// estimate is advisory only, for UI consumption.
type ProgressEvent struct {
	Snapshot
	Progress            int // percentage, rounded
	EstimatedCompletion time.Time
}

// Callbacks are per-event-kind observers. Each registered callback is
// invoked at least once per event, off the monitor loop; ordering
// across event kinds is not guaranteed. Nil entries are skipped.
type Callbacks struct {
	Pending    func(Snapshot) // best-effort early detection from the feed
	Confirming func(ProgressEvent)
	Confirmed  func(Snapshot)
	Failed     func(Snapshot)
	Dropped    func(Snapshot)
}
