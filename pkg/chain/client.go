package chain

import (
	"context"
)

// Client is the node-facing surface the broadcast engine depends on.
// Every call must honor context cancellation and deadlines.
type Client interface {
	// SendTransaction submits the signed payload and returns the
	// transaction hash acknowledged by the node.
	SendTransaction(ctx context.Context, tx *SignedTx) (string, error)

	// TransactionReceipt returns the receipt for a mined transaction,
	// or nil when the transaction is not yet mined.
	TransactionReceipt(ctx context.Context, hash string) (*Receipt, error)

	// BlockNumber returns the node's current head block number.
	BlockNumber(ctx context.Context) (uint64, error)
}
