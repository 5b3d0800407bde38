package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"tx_broadcast/pkg/chain"
	"tx_broadcast/pkg/config"
)

// Announcement is the wire format gossiped on the transactions topic.
// An empty Status marks a pending sighting; nodes that track their own
// submissions also relay the monitor's terminal verdicts.
type Announcement struct {
	TxHash  string    `json:"tx_hash"`
	Status  string    `json:"status,omitempty"`
	ChainID uint64    `json:"chain_id,omitempty"`
	SeenAt  time.Time `json:"seen_at,omitempty"`
}

// Handler receives validated pending-transaction hashes. Delivery is
// best effort: the feed accelerates PENDING detection but never
// substitutes for the polling confirmation path.
type Handler func(txHash string)

// Feed subscribes to a gossipsub mempool topic and forwards pending
// transaction sightings to the handler.
type Feed struct {
	host      host.Host
	ps        *pubsub.PubSub
	topic     *pubsub.Topic
	sub       *pubsub.Subscription
	topicName string
	handler   Handler
	logger    *zap.Logger
	cancel    context.CancelFunc
}

// New builds the libp2p host and joins the configured topic. Start
// begins message processing.
func New(ctx context.Context, cfg config.FeedConfig, handler Handler, logger *zap.Logger) (*Feed, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	h, err := libp2p.New(
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("creating gossipsub: %w", err)
	}

	topic, err := ps.Join(cfg.Topic)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("joining topic %s: %w", cfg.Topic, err)
	}

	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		h.Close()
		return nil, fmt.Errorf("subscribing to topic %s: %w", cfg.Topic, err)
	}

	f := &Feed{
		host:      h,
		ps:        ps,
		topic:     topic,
		sub:       sub,
		topicName: cfg.Topic,
		handler:   handler,
		logger:    logger,
	}
	f.connectBootstrapPeers(ctx, cfg.BootstrapPeers)
	return f, nil
}

// connectBootstrapPeers dials the configured static peers. Failures
// are logged, not fatal: gossipsub recovers as peers come and go.
func (f *Feed) connectBootstrapPeers(ctx context.Context, addrs []string) {
	for _, raw := range addrs {
		maddr, err := multiaddr.NewMultiaddr(raw)
		if err != nil {
			f.logger.Warn("Invalid bootstrap peer address",
				zap.String("addr", raw), zap.Error(err))
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			f.logger.Warn("Bootstrap address missing peer id",
				zap.String("addr", raw), zap.Error(err))
			continue
		}
		if err := f.host.Connect(ctx, *info); err != nil {
			f.logger.Warn("Failed to connect bootstrap peer",
				zap.String("peer", info.ID.String()), zap.Error(err))
		}
	}
}

// Addrs returns the host's listen addresses qualified with its peer
// id, suitable as bootstrap_peers entries for other nodes.
func (f *Feed) Addrs() []string {
	addrs := make([]string, 0, len(f.host.Addrs()))
	for _, a := range f.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", a, f.host.ID()))
	}
	return addrs
}

// Start begins consuming the subscription.
func (f *Feed) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	go f.processMessages(ctx)

	f.logger.Info("Pending-transaction feed started",
		zap.String("topic", f.topicName),
		zap.String("peerID", f.host.ID().String()))
}

// processMessages reads from the subscription until the context ends.
func (f *Feed) processMessages(ctx context.Context) {
	for {
		msg, err := f.sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.logger.Warn("Error reading from subscription", zap.Error(err))
			continue
		}
		// Ignore our own publishes.
		if msg.ReceivedFrom == f.host.ID() {
			continue
		}
		f.processMessage(msg.Data)
	}
}

func (f *Feed) processMessage(data []byte) {
	var ann Announcement
	if err := json.Unmarshal(data, &ann); err != nil {
		f.logger.Warn("Failed to unmarshal announcement", zap.Error(err))
		return
	}
	if err := chain.ValidateHash(ann.TxHash); err != nil {
		f.logger.Warn("Dropping announcement with malformed hash",
			zap.String("txHash", ann.TxHash))
		return
	}
	// Only pending sightings feed the monitor. Terminal verdicts are
	// informational for peers; this node trusts its own polling.
	if ann.Status != "" && ann.Status != "PENDING" {
		f.logger.Debug("Ignoring terminal announcement",
			zap.String("txHash", ann.TxHash),
			zap.String("status", ann.Status))
		return
	}
	f.handler(ann.TxHash)
}

// Publish announces a pending transaction to the topic. Used by nodes
// that also relay their own submissions.
func (f *Feed) Publish(ctx context.Context, txHash string, chainID uint64) error {
	if err := chain.ValidateHash(txHash); err != nil {
		return err
	}
	data, err := json.Marshal(Announcement{TxHash: txHash, ChainID: chainID, SeenAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshaling announcement: %w", err)
	}
	return f.topic.Publish(ctx, data)
}

// PublishStatus relays a terminal confirmation verdict for a
// transaction this node broadcast.
func (f *Feed) PublishStatus(ctx context.Context, txHash, status string) error {
	if err := chain.ValidateHash(txHash); err != nil {
		return err
	}
	if status == "" {
		return fmt.Errorf("status cannot be empty")
	}
	data, err := json.Marshal(Announcement{TxHash: txHash, Status: status, SeenAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshaling announcement: %w", err)
	}
	return f.topic.Publish(ctx, data)
}

// Stop tears the feed down.
func (f *Feed) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.sub.Cancel()
	if err := f.topic.Close(); err != nil {
		f.logger.Warn("Error closing topic", zap.Error(err))
	}
	if err := f.host.Close(); err != nil {
		f.logger.Warn("Error closing libp2p host", zap.Error(err))
	}
	f.logger.Info("Pending-transaction feed stopped")
}
