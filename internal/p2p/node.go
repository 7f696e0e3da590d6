// Package p2p relays ledger submissions to relay peers over libp2p streams.
package p2p

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fitwager/coordinator/internal/services"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// AttestationProtocol carries one JSON submission per stream, answered by "ok"
const AttestationProtocol = protocol.ID("/fitwager/1.0.0/attestation")

const streamTimeout = 10 * time.Second

// SubmissionHandler receives submissions published by other coordinators
type SubmissionHandler func(ctx context.Context, from peer.ID, sub *services.LedgerSubmission) error

// Node represents a libp2p node
type Node struct {
	host   host.Host
	dht    *dht.IpfsDHT
	config NodeConfig
	logger *slog.Logger

	mu        sync.RWMutex
	relays    []peer.AddrInfo
	onReceive SubmissionHandler
}

// NodeConfig holds P2P node configuration
type NodeConfig struct {
	ListenAddresses []string
	EnableTCP       bool
	EnableQUIC      bool
	BootstrapPeers  []string
	RelayPeers      []string
}

// NewNode creates a new libp2p node. Peer addresses are validated here;
// nothing listens until Start.
func NewNode(config NodeConfig, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(config.ListenAddresses) == 0 {
		config.ListenAddresses = []string{
			"/ip4/0.0.0.0/tcp/0",
			"/ip4/0.0.0.0/udp/0/quic-v1",
		}
	}
	config.ListenAddresses = filterListenAddrs(config.ListenAddresses, config.EnableTCP, config.EnableQUIC)
	if len(config.ListenAddresses) == 0 {
		return nil, errors.New("no listen addresses left after applying transport settings")
	}

	n := &Node{config: config, logger: logger}
	for _, addr := range config.RelayPeers {
		if err := n.AddRelay(addr); err != nil {
			return nil, err
		}
	}
	for _, addr := range config.BootstrapPeers {
		if _, err := peer.AddrInfoFromString(addr); err != nil {
			return nil, fmt.Errorf("invalid bootstrap peer %q: %w", addr, err)
		}
	}
	return n, nil
}

func filterListenAddrs(addrs []string, tcp, quic bool) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		isQUIC := strings.Contains(a, "/quic")
		if isQUIC && !quic {
			continue
		}
		if !isQUIC && strings.Contains(a, "/tcp/") && !tcp {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Start starts the P2P node
func (n *Node) Start(ctx context.Context) error {
	h, err := libp2p.New(libp2p.ListenAddrStrings(n.config.ListenAddresses...))
	if err != nil {
		return fmt.Errorf("failed to create libp2p host: %w", err)
	}
	n.host = h

	// Client mode: the coordinator uses the DHT to reach relays, it does not serve records.
	kadDHT, err := dht.New(ctx, h, dht.Mode(dht.ModeClient))
	if err != nil {
		h.Close()
		return fmt.Errorf("failed to create DHT: %w", err)
	}
	n.dht = kadDHT

	if err := kadDHT.Bootstrap(ctx); err != nil {
		n.Stop()
		return fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	for _, addr := range n.config.BootstrapPeers {
		if err := n.Connect(ctx, addr); err != nil {
			n.logger.Warn("bootstrap peer unreachable", "addr", addr, "error", err)
		}
	}

	h.SetStreamHandler(AttestationProtocol, n.handleStream)
	return nil
}

// Stop stops the P2P node
func (n *Node) Stop() error {
	if n.dht != nil {
		if err := n.dht.Close(); err != nil {
			return err
		}
	}
	if n.host != nil {
		return n.host.Close()
	}
	return nil
}

// Close is an alias for Stop
func (n *Node) Close() error {
	return n.Stop()
}

// Host returns the libp2p host
func (n *Node) Host() host.Host {
	return n.host
}

// ID returns the peer ID
func (n *Node) ID() peer.ID {
	if n.host == nil {
		return ""
	}
	return n.host.ID()
}

// Addrs returns the full /p2p multiaddrs the node is reachable on
func (n *Node) Addrs() []string {
	if n.host == nil {
		return nil
	}

	var addrs []string
	for _, addr := range n.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", addr, n.host.ID()))
	}
	return addrs
}

// Connect connects to a peer
func (n *Node) Connect(ctx context.Context, peerAddr string) error {
	addrInfo, err := peer.AddrInfoFromString(peerAddr)
	if err != nil {
		return fmt.Errorf("failed to parse peer address: %w", err)
	}

	if err := n.host.Connect(ctx, *addrInfo); err != nil {
		return fmt.Errorf("failed to connect to peer: %w", err)
	}

	return nil
}

// AddRelay registers a relay peer that receives published submissions
func (n *Node) AddRelay(peerAddr string) error {
	info, err := peer.AddrInfoFromString(peerAddr)
	if err != nil {
		return fmt.Errorf("invalid relay peer %q: %w", peerAddr, err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for i, r := range n.relays {
		if r.ID == info.ID {
			n.relays[i] = *info
			return nil
		}
	}
	n.relays = append(n.relays, *info)
	return nil
}

// OnSubmission sets the handler for submissions received from other nodes
func (n *Node) OnSubmission(h SubmissionHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onReceive = h
}

// Publish sends sub to every relay peer and returns how many acknowledged it.
// It fails only when no relay accepted the submission.
func (n *Node) Publish(ctx context.Context, sub *services.LedgerSubmission) (int, error) {
	if n.host == nil {
		return 0, errors.New("p2p node is not started")
	}

	n.mu.RLock()
	relays := append([]peer.AddrInfo(nil), n.relays...)
	n.mu.RUnlock()

	if len(relays) == 0 {
		return 0, errors.New("no relay peers configured")
	}

	payload, err := json.Marshal(sub)
	if err != nil {
		return 0, fmt.Errorf("failed to encode submission: %w", err)
	}

	var (
		delivered int
		errs      []error
	)
	for _, relay := range relays {
		if err := n.send(ctx, relay, payload); err != nil {
			n.logger.Warn("relay delivery failed", "peer", relay.ID, "challenge_id", sub.ChallengeID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", relay.ID, err))
			continue
		}
		delivered++
	}

	if delivered == 0 {
		return 0, fmt.Errorf("no relay accepted the submission: %w", errors.Join(errs...))
	}

	n.logger.Info("submission published",
		"challenge_id", sub.ChallengeID,
		"identity", sub.Identity,
		"delivered", delivered,
		"relays", len(relays),
	)
	return delivered, nil
}

func (n *Node) send(ctx context.Context, relay peer.AddrInfo, payload []byte) error {
	if err := n.host.Connect(ctx, relay); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	stream, err := n.host.NewStream(ctx, relay.ID, AttestationProtocol)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	defer stream.Close()

	deadline := time.Now().Add(streamTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = stream.SetDeadline(deadline)

	if _, err := stream.Write(append(payload, '\n')); err != nil {
		stream.Reset()
		return fmt.Errorf("failed to write submission: %w", err)
	}
	if err := stream.CloseWrite(); err != nil {
		stream.Reset()
		return fmt.Errorf("failed to close write side: %w", err)
	}

	ack, err := bufio.NewReader(stream).ReadString('\n')
	if err != nil {
		return fmt.Errorf("failed to read acknowledgement: %w", err)
	}
	if ack = strings.TrimSpace(ack); ack != "ok" {
		return fmt.Errorf("relay rejected submission: %s", ack)
	}
	return nil
}

func (n *Node) handleStream(s network.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(streamTimeout))

	from := s.Conn().RemotePeer()
	reply := func(msg string) {
		if _, err := s.Write([]byte(msg + "\n")); err != nil {
			n.logger.Debug("failed to write reply", "peer", from, "error", err)
		}
	}

	line, err := bufio.NewReader(s).ReadBytes('\n')
	if err != nil && len(line) == 0 {
		s.Reset()
		return
	}

	var sub services.LedgerSubmission
	if err := json.Unmarshal(line, &sub); err != nil {
		reply("error: malformed submission")
		return
	}
	if _, err := services.HashToBytes(sub.Hash); err != nil {
		reply("error: " + err.Error())
		return
	}

	n.mu.RLock()
	handler := n.onReceive
	n.mu.RUnlock()

	if handler != nil {
		ctx, cancel := context.WithTimeout(context.Background(), streamTimeout)
		defer cancel()
		if err := handler(ctx, from, &sub); err != nil {
			reply("error: " + err.Error())
			return
		}
	}

	n.logger.Info("submission received", "peer", from, "challenge_id", sub.ChallengeID, "identity", sub.Identity)
	reply("ok")
}
