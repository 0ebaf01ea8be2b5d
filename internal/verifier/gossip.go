package verifier

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/ccoin/privutxo/internal/log"
	"github.com/ccoin/privutxo/internal/metrics"
	"github.com/ccoin/privutxo/internal/p2p"
	"github.com/ccoin/privutxo/pkg/types"
)

// Gossip directions reported to metrics
const (
	GossipOut     = "out"
	GossipIn      = "in"
	GossipDropped = "dropped"
)

const (
	statusVersion      = 1
	maxPendingReplicas = 1024
)

// Network is the part of p2p.Node gossip needs
type Network interface {
	BroadcastSpend(msg *p2p.Message) error
	BroadcastStatus(msg *p2p.Message) error
	SetSpendHandler(h p2p.MessageHandler)
	SetStatusHandler(h p2p.MessageHandler)
}

// GossipConfig configures replication
type GossipConfig struct {
	ChainID        uint64
	StatusInterval time.Duration
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

// Gossip replicates accepted operations between verifiers. Operations this verifier
// accepts are broadcast; operations from peers go through Local.Replicate and so
// face the same checks as direct submissions.
type Gossip struct {
	local   *Local
	net     Network
	chainID uint64
	every   time.Duration

	// replicas whose input is not known yet, retried after each accepted one
	pendingMu sync.Mutex
	pending   []interface{}

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewGossip wires local and net together. Call it before the node starts.
func NewGossip(local *Local, net Network, cfg *GossipConfig) *Gossip {
	if cfg == nil {
		cfg = &GossipConfig{}
	}
	every := cfg.StatusInterval
	if every <= 0 {
		every = 30 * time.Second
	}
	g := &Gossip{
		local:   local,
		net:     net,
		chainID: cfg.ChainID,
		every:   every,
		logger:  log.Module(cfg.Logger, "gossip"),
		metrics: cfg.Metrics,
	}
	local.Subscribe(g.broadcast)
	net.SetSpendHandler(g.handleSpend)
	net.SetStatusHandler(g.handleStatus)
	return g
}

// Run announces this verifier's status until ctx is done
func (g *Gossip) Run(ctx context.Context) {
	ticker := time.NewTicker(g.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.net.BroadcastStatus(p2p.EncodeStatus(g.status())); err != nil {
				g.logger.Debug("status broadcast failed", zap.Error(err))
			}
		}
	}
}

func (g *Gossip) status() *p2p.StatusMessage {
	return &p2p.StatusMessage{
		Version:  statusVersion,
		ChainID:  g.chainID,
		Sequence: g.local.Sequence(),
		Root:     g.local.Root(),
	}
}

func (g *Gossip) broadcast(a *Accepted) {
	msg, err := p2p.EncodeBundle(a.Bundle)
	if err != nil {
		g.logger.Error("failed to encode accepted bundle", zap.String("receipt", a.Receipt.ID), zap.Error(err))
		return
	}
	if err := g.net.BroadcastSpend(msg); err != nil {
		g.logger.Warn("failed to broadcast", zap.String("receipt", a.Receipt.ID), zap.Error(err))
		return
	}
	g.metrics.ObserveGossip(GossipOut)
}

func (g *Gossip) handleSpend(ctx context.Context, from peer.ID, msg *p2p.Message) error {
	bundle, err := p2p.DecodeBundle(msg)
	if err != nil {
		g.metrics.ObserveGossip(GossipDropped)
		return err
	}
	g.metrics.ObserveGossip(GossipIn)

	receipt, err := g.local.Replicate(ctx, bundle)
	switch {
	case err == nil:
		g.logger.Debug("replicated operation",
			zap.String("from", from.String()),
			zap.String("kind", string(receipt.Kind)),
			zap.Uint64("sequence", receipt.Sequence))
		g.retryPending(ctx)
		return nil
	case errors.Is(err, types.ErrUTXONotFound):
		g.hold(bundle)
		return nil
	case isDuplicate(err):
		// already applied, either locally or from another peer
		return nil
	default:
		g.metrics.ObserveGossip(GossipDropped)
		g.logger.Warn("peer operation rejected",
			zap.String("from", from.String()),
			zap.String("reason", string(types.KindOf(err))),
			zap.Error(err))
		return err
	}
}

func (g *Gossip) hold(bundle interface{}) {
	g.pendingMu.Lock()
	defer g.pendingMu.Unlock()
	if len(g.pending) >= maxPendingReplicas {
		g.pending = g.pending[1:]
		g.metrics.ObserveGossip(GossipDropped)
	}
	g.pending = append(g.pending, bundle)
}

// retryPending re-applies deferred replicas until no more of them succeed
func (g *Gossip) retryPending(ctx context.Context) {
	for {
		g.pendingMu.Lock()
		queue := g.pending
		g.pending = nil
		g.pendingMu.Unlock()

		progress := false
		var keep []interface{}
		for _, bundle := range queue {
			_, err := g.local.Replicate(ctx, bundle)
			switch {
			case err == nil:
				progress = true
			case errors.Is(err, types.ErrUTXONotFound):
				keep = append(keep, bundle)
			case !isDuplicate(err):
				g.metrics.ObserveGossip(GossipDropped)
			}
		}

		g.pendingMu.Lock()
		g.pending = append(keep, g.pending...)
		g.pendingMu.Unlock()
		if !progress || ctx.Err() != nil {
			return
		}
	}
}

// Pending returns the number of replicas waiting for their input
func (g *Gossip) Pending() int {
	g.pendingMu.Lock()
	defer g.pendingMu.Unlock()
	return len(g.pending)
}

func (g *Gossip) handleStatus(_ context.Context, from peer.ID, msg *p2p.Message) error {
	status, err := p2p.DecodeStatus(msg)
	if err != nil {
		return err
	}
	if status.ChainID != g.chainID {
		g.logger.Warn("peer on another chain", zap.String("from", from.String()), zap.Uint64("chain_id", status.ChainID))
		return nil
	}
	ours := g.status()
	switch {
	case status.Sequence == ours.Sequence && status.Root != ours.Root:
		g.logger.Warn("commitment tree diverged from peer",
			zap.String("from", from.String()),
			zap.Uint64("sequence", status.Sequence),
			zap.Stringer("peer_root", status.Root),
			zap.Stringer("root", ours.Root))
	case status.Sequence > ours.Sequence:
		g.logger.Info("peer is ahead",
			zap.String("from", from.String()),
			zap.Uint64("peer_sequence", status.Sequence),
			zap.Uint64("sequence", ours.Sequence))
	}
	return nil
}

func isDuplicate(err error) bool {
	return errors.Is(err, types.ErrNullifierAlreadyUsed) ||
		errors.Is(err, types.ErrCorruptedCommitment) ||
		errors.Is(err, types.ErrUTXOAlreadySpent)
}
