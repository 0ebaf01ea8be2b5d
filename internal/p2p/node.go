// Package p2p implements the libp2p gossip layer verifier nodes use to replicate
// accepted operations.
package p2p

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/ccoin/privutxo/internal/log"
)

// Gossip topics and discovery namespaces
const (
	DefaultSpendTopic = "privutxo/spends/1"
	StatusTopicSuffix = "/status"

	rendezvous  = "privutxo-verifiers"
	mdnsService = "privutxo-local"
)

// Node represents a verifier's P2P network node
type Node struct {
	mu sync.RWMutex

	host      host.Host
	dht       *dht.IpfsDHT
	pubsub    *pubsub.PubSub
	discovery *drouting.RoutingDiscovery
	mdns      mdns.Service

	// Topics
	spendTopic  *pubsub.Topic
	statusTopic *pubsub.Topic

	// Subscriptions
	spendSub  *pubsub.Subscription
	statusSub *pubsub.Subscription

	// Handlers
	spendHandler  MessageHandler
	statusHandler MessageHandler

	// Peer management
	peers    map[peer.ID]*PeerInfo
	maxPeers int

	logger *zap.Logger

	// State
	ctx    context.Context
	cancel context.CancelFunc
}

// PeerInfo holds information about a connected peer
type PeerInfo struct {
	ID          peer.ID
	Addrs       []multiaddr.Multiaddr
	ConnectedAt time.Time
	LastSeen    time.Time
}

// MessageHandler handles one decoded message from a peer
type MessageHandler func(ctx context.Context, from peer.ID, msg *Message) error

// Config holds P2P node configuration
type Config struct {
	ListenAddrs    []string
	BootstrapPeers []string
	PrivateKey     crypto.PrivKey
	Topic          string
	MaxPeers       int
	EnableMDNS     bool
	Logger         *zap.Logger
}

// DefaultConfig returns default P2P configuration
func DefaultConfig() *Config {
	return &Config{
		ListenAddrs: []string{"/ip4/0.0.0.0/tcp/9645"},
		Topic:       DefaultSpendTopic,
		MaxPeers:    50,
		EnableMDNS:  true,
	}
}

// NewNode creates a new P2P node
func NewNode(ctx context.Context, cfg *Config) (*Node, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultSpendTopic
	}

	nodeCtx, cancel := context.WithCancel(ctx)

	// Generate key if not provided
	privKey := cfg.PrivateKey
	if privKey == nil {
		var err error
		privKey, _, err = crypto.GenerateKeyPairWithReader(crypto.Ed25519, -1, rand.Reader)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}
	}

	// Parse listen addresses
	listenAddrs := make([]multiaddr.Multiaddr, len(cfg.ListenAddrs))
	for i, addr := range cfg.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("invalid listen address: %w", err)
		}
		listenAddrs[i] = ma
	}

	// Create libp2p host
	h, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.EnableNATService(),
		libp2p.EnableRelay(),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create host: %w", err)
	}

	// Create DHT for peer discovery
	kadDHT, err := dht.New(nodeCtx, h, dht.Mode(dht.ModeAuto))
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to create DHT: %w", err)
	}

	// Create pubsub with GossipSub
	ps, err := pubsub.NewGossipSub(nodeCtx, h)
	if err != nil {
		kadDHT.Close()
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}

	maxPeers := cfg.MaxPeers
	if maxPeers <= 0 {
		maxPeers = DefaultConfig().MaxPeers
	}
	node := &Node{
		host:     h,
		dht:      kadDHT,
		pubsub:   ps,
		peers:    make(map[peer.ID]*PeerInfo),
		maxPeers: maxPeers,
		logger:   log.Module(cfg.Logger, "p2p").With(zap.String("peer", h.ID().String())),
		ctx:      nodeCtx,
		cancel:   cancel,
	}

	// Set up connection handler
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF:    node.onPeerConnected,
		DisconnectedF: node.onPeerDisconnected,
	})

	// Bootstrap DHT
	if err := kadDHT.Bootstrap(nodeCtx); err != nil {
		node.Close()
		return nil, fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	// Connect to bootstrap peers
	for _, peerAddr := range cfg.BootstrapPeers {
		if err := node.Connect(peerAddr); err != nil {
			node.logger.Warn("failed to connect to bootstrap peer", zap.String("addr", peerAddr), zap.Error(err))
		}
	}

	// Set up mDNS for local peer discovery
	if cfg.EnableMDNS {
		if err := node.setupMDNS(); err != nil {
			node.logger.Warn("mDNS setup failed", zap.Error(err))
		}
	}

	node.discovery = drouting.NewRoutingDiscovery(kadDHT)

	if err := node.joinTopics(cfg.Topic); err != nil {
		node.Close()
		return nil, fmt.Errorf("failed to join topics: %w", err)
	}

	return node, nil
}

// joinTopics subscribes to the spend and status topics
func (n *Node) joinTopics(topic string) error {
	var err error

	n.spendTopic, err = n.pubsub.Join(topic)
	if err != nil {
		return fmt.Errorf("failed to join spend topic: %w", err)
	}
	n.spendSub, err = n.spendTopic.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to spends: %w", err)
	}

	n.statusTopic, err = n.pubsub.Join(topic + StatusTopicSuffix)
	if err != nil {
		return fmt.Errorf("failed to join status topic: %w", err)
	}
	n.statusSub, err = n.statusTopic.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to status: %w", err)
	}

	return nil
}

// Start begins processing messages. Handlers must be set before.
func (n *Node) Start() {
	go n.processMessages(n.spendSub, n.spendHandler)
	go n.processMessages(n.statusSub, n.statusHandler)
	go n.maintainPeers()
}

// processMessages handles incoming messages on a subscription
func (n *Node) processMessages(sub *pubsub.Subscription, handler MessageHandler) {
	for {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			if n.ctx.Err() != nil {
				return
			}
			continue
		}

		// Skip messages from self
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}

		n.mu.Lock()
		if p, exists := n.peers[msg.ReceivedFrom]; exists {
			p.LastSeen = time.Now()
		}
		n.mu.Unlock()

		if handler == nil {
			continue
		}
		decoded, err := ParseMessage(msg.Data)
		if err != nil {
			n.logger.Debug("dropping malformed message", zap.String("from", msg.ReceivedFrom.String()), zap.Error(err))
			continue
		}
		if err := handler(n.ctx, msg.ReceivedFrom, decoded); err != nil {
			n.logger.Debug("message handler error", zap.String("from", msg.ReceivedFrom.String()), zap.Error(err))
		}
	}
}

// maintainPeers periodically maintains peer connections
func (n *Node) maintainPeers() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	dutil.Advertise(n.ctx, n.discovery, rendezvous)

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.discoverPeers()
			n.pruneStale()
		}
	}
}

// discoverPeers finds new peers via DHT
func (n *Node) discoverPeers() {
	if n.PeerCount() >= n.maxPeers {
		return
	}

	ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
	defer cancel()

	peerChan, err := n.discovery.FindPeers(ctx, rendezvous)
	if err != nil {
		return
	}

	for p := range peerChan {
		if p.ID == n.host.ID() || len(p.Addrs) == 0 {
			continue
		}

		n.mu.RLock()
		_, exists := n.peers[p.ID]
		full := len(n.peers) >= n.maxPeers
		n.mu.RUnlock()

		if !exists && !full {
			if err := n.host.Connect(ctx, p); err == nil {
				n.addPeer(p.ID, p.Addrs)
			}
		}
	}
}

// pruneStale removes stale peer connections
func (n *Node) pruneStale() {
	n.mu.Lock()
	defer n.mu.Unlock()

	staleThreshold := time.Now().Add(-5 * time.Minute)
	for id, p := range n.peers {
		if p.LastSeen.Before(staleThreshold) {
			n.host.Network().ClosePeer(id)
			delete(n.peers, id)
		}
	}
}

// SetSpendHandler sets the handler for replicated operations
func (n *Node) SetSpendHandler(handler MessageHandler) {
	n.spendHandler = handler
}

// SetStatusHandler sets the handler for peer status announcements
func (n *Node) SetStatusHandler(handler MessageHandler) {
	n.statusHandler = handler
}

// BroadcastSpend publishes an accepted operation
func (n *Node) BroadcastSpend(msg *Message) error {
	return n.publish(n.spendTopic, msg)
}

// BroadcastStatus publishes this node's status
func (n *Node) BroadcastStatus(msg *Message) error {
	return n.publish(n.statusTopic, msg)
}

func (n *Node) publish(topic *pubsub.Topic, msg *Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}
	return topic.Publish(n.ctx, data)
}

// TopicPeers returns the peers currently in the spend topic mesh
func (n *Node) TopicPeers() []peer.ID {
	return n.spendTopic.ListPeers()
}

// Connect connects to a peer given its multiaddress
func (n *Node) Connect(addr string) error {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return err
	}

	peerInfo, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
	defer cancel()

	if err := n.host.Connect(ctx, *peerInfo); err != nil {
		return err
	}

	n.addPeer(peerInfo.ID, peerInfo.Addrs)
	return nil
}

// addPeer adds a peer to the peer list
func (n *Node) addPeer(id peer.ID, addrs []multiaddr.Multiaddr) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if p, ok := n.peers[id]; ok {
		p.LastSeen = time.Now()
		return
	}
	n.peers[id] = &PeerInfo{
		ID:          id,
		Addrs:       addrs,
		ConnectedAt: time.Now(),
		LastSeen:    time.Now(),
	}
}

// onPeerConnected handles new peer connections
func (n *Node) onPeerConnected(_ network.Network, conn network.Conn) {
	n.addPeer(conn.RemotePeer(), []multiaddr.Multiaddr{conn.RemoteMultiaddr()})
}

// onPeerDisconnected handles peer disconnections
func (n *Node) onPeerDisconnected(_ network.Network, conn network.Conn) {
	n.mu.Lock()
	delete(n.peers, conn.RemotePeer())
	n.mu.Unlock()
}

// setupMDNS sets up mDNS for local network peer discovery
func (n *Node) setupMDNS() error {
	n.mdns = mdns.NewMdnsService(n.host, mdnsService, &mdnsNotifee{node: n})
	return n.mdns.Start()
}

type mdnsNotifee struct {
	node *Node
}

func (m *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == m.node.host.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(m.node.ctx, 5*time.Second)
	defer cancel()
	if err := m.node.host.Connect(ctx, pi); err != nil {
		m.node.logger.Debug("mDNS peer unreachable", zap.String("peer", pi.ID.String()), zap.Error(err))
	}
}

// ID returns the node's peer ID
func (n *Node) ID() peer.ID {
	return n.host.ID()
}

// Addrs returns the node's full p2p addresses
func (n *Node) Addrs() []string {
	info := peer.AddrInfo{ID: n.host.ID(), Addrs: n.host.Addrs()}
	addrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}

// PeerCount returns the number of connected peers
func (n *Node) PeerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.peers)
}

// Peers returns information about connected peers
func (n *Node) Peers() []*PeerInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()

	peers := make([]*PeerInfo, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	return peers
}

// Close shuts down the node
func (n *Node) Close() error {
	n.cancel()

	if n.spendSub != nil {
		n.spendSub.Cancel()
	}
	if n.statusSub != nil {
		n.statusSub.Cancel()
	}
	if n.mdns != nil {
		n.mdns.Close()
	}
	if n.dht != nil {
		n.dht.Close()
	}

	return n.host.Close()
}
