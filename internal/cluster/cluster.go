// Package cluster coordinates multiple brain instances over alan's UDP
// peer mesh. Two concerns live here: named distributed locks (the cron
// scheduler must have a single owner across the deployment) and
// encryption-key rotation broadcasts, so every peer re-seals its stored
// secrets when one instance rotates the key.
package cluster

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/rakunlabs/alan"
)

// Lock names shared across every instance of a deployment.
const (
	LockScheduler   = "cron-scheduler"
	LockKeyRotation = "encryption-key-rotation"
)

const msgRotateKey = "rotate-key"

// broadcastTimeout bounds how long a key-rotation broadcast waits for
// peer acknowledgements before giving up on the slow ones.
const broadcastTimeout = 30 * time.Second

// peerMessage is the JSON envelope exchanged between instances. Key is a
// base64-encoded replacement encryption key; empty means encryption was
// disabled.
type peerMessage struct {
	Type string `json:"type"`
	Key  string `json:"key,omitempty"`
}

// Cluster is one instance's handle on the peer mesh.
type Cluster struct {
	mesh *alan.Alan
}

// New joins the mesh described by cfg. A nil cfg means clustering is
// disabled and returns a nil Cluster, which callers treat as "no peers".
func New(cfg *alan.Config) (*Cluster, error) {
	if cfg == nil {
		return nil, nil
	}

	mesh, err := alan.New(*cfg)
	if err != nil {
		return nil, fmt.Errorf("join cluster mesh: %w", err)
	}

	return &Cluster{mesh: mesh}, nil
}

// Start runs peer discovery and message handling until ctx is cancelled.
// onKeyRotation fires when a peer broadcasts a rotated encryption key; a
// nil key means encryption was disabled. Run it in a goroutine.
func (c *Cluster) Start(ctx context.Context, onKeyRotation func(newKey []byte)) error {
	c.mesh.OnPeerJoin(func(addr *net.UDPAddr) {
		slog.Info("cluster: peer joined", "addr", addr.String())
	})
	c.mesh.OnPeerLeave(func(addr *net.UDPAddr) {
		slog.Info("cluster: peer left", "addr", addr.String())
	})

	return c.mesh.Start(ctx, func(_ context.Context, msg alan.Message) {
		c.handle(msg, onKeyRotation)
	})
}

func (c *Cluster) handle(msg alan.Message, onKeyRotation func([]byte)) {
	var pm peerMessage
	if err := json.Unmarshal(msg.Data, &pm); err != nil {
		slog.Warn("cluster: invalid peer message", "from", msg.Addr, "error", err)
		return
	}

	switch pm.Type {
	case msgRotateKey:
		var newKey []byte
		if pm.Key != "" {
			decoded, err := base64.StdEncoding.DecodeString(pm.Key)
			if err != nil {
				slog.Error("cluster: invalid key in rotation message", "from", msg.Addr, "error", err)
				return
			}
			newKey = decoded
		}

		slog.Info("cluster: key rotation received", "from", msg.Addr)
		if onKeyRotation != nil {
			onKeyRotation(newKey)
		}

		if msg.IsRequest() {
			c.mesh.Reply(msg, []byte("ok")) //nolint:errcheck
		}

	default:
		slog.Debug("cluster: unknown peer message", "type", pm.Type, "from", msg.Addr)
	}
}

// Lock acquires the named distributed lock, blocking until it is held or
// ctx is cancelled.
func (c *Cluster) Lock(ctx context.Context, name string) error {
	return c.mesh.Lock(ctx, name)
}

// Unlock releases the named distributed lock.
func (c *Cluster) Unlock(name string) error {
	return c.mesh.Unlock(name)
}

// BroadcastKeyRotation tells every peer to re-seal its secrets under
// newKey (nil disables encryption) and waits briefly for their acks.
// Callers should hold LockKeyRotation for the duration of the local
// rotation plus this broadcast.
func (c *Cluster) BroadcastKeyRotation(ctx context.Context, newKey []byte) error {
	peers := c.mesh.Peers()
	if len(peers) == 0 {
		slog.Info("cluster: no peers to notify of key rotation")
		return nil
	}

	pm := peerMessage{Type: msgRotateKey}
	if newKey != nil {
		pm.Key = base64.StdEncoding.EncodeToString(newKey)
	}

	data, err := json.Marshal(pm)
	if err != nil {
		return fmt.Errorf("marshal rotation message: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, broadcastTimeout)
	defer cancel()

	acks, err := c.mesh.SendAndWaitReply(waitCtx, data)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("broadcast key rotation: %w", err)
	}

	if len(acks) < len(peers) {
		slog.Warn("cluster: some peers did not acknowledge key rotation", "peers", len(peers), "acks", len(acks))
	} else {
		slog.Info("cluster: key rotation acknowledged by all peers", "peers", len(peers))
	}

	return nil
}

// Stop leaves the mesh gracefully.
func (c *Cluster) Stop() error {
	return c.mesh.Stop()
}

// Ready is closed once the mesh has settled.
func (c *Cluster) Ready() <-chan struct{} {
	return c.mesh.Ready()
}
