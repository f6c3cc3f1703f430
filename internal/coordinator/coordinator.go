// Package coordinator owns component lifetimes: load identity, start the
// overlay client, start the peer registry, start the transport server,
// start the sync engine; on shutdown, stop accepting new work, give the
// transport server DrainDeadline to finish in-flight inbound requests, close
// sessions, release the identity lock. Outbound sends already in flight are
// not waited for.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/post-sync/post/internal/clipboard"
	"github.com/post-sync/post/internal/config"
	"github.com/post-sync/post/internal/identity"
	"github.com/post-sync/post/internal/overlay"
	"github.com/post-sync/post/internal/posterr"
	"github.com/post-sync/post/internal/registry"
	"github.com/post-sync/post/internal/syncengine"
	"github.com/post-sync/post/internal/transport"
)

// DrainDeadline is the in-flight-request grace period the transport server
// gets on shutdown before the listener is forced closed.
const DrainDeadline = 2 * time.Second

// peerGrace is how long the registry tolerates a peer's absence from an
// overlay snapshot before dropping it, and also how long Run waits for the
// overlay to become reachable at startup before giving up.
const peerGrace = 5 * time.Minute

// overlayRetryInterval is how often Run retries overlayClient.FetchOnce
// while waiting out peerGrace at startup.
const overlayRetryInterval = 1 * time.Second

// ExitCode is the process exit status returned by cmd/post.
type ExitCode int

const (
	ExitClean          ExitCode = 0
	ExitConfigError    ExitCode = 1
	ExitOverlayAtStart ExitCode = 2
	ExitIdentityLocked ExitCode = 3
)

// Coordinator wires the five components together and drives their
// lifecycle.
type Coordinator struct {
	cfg config.Config

	identityStore *identity.Store
	clipAdapter   *clipboard.Adapter
	overlayClient *overlay.Client
	reg           *registry.Registry
	transportSrv  *transport.Server
	engine        *syncengine.Engine

	overlayGrace    time.Duration
	overlayInterval time.Duration
}

// New loads identity and wires every component, but does not start any
// background work; call Run to start.
func New(cfg config.Config) (*Coordinator, ExitCode, error) {
	idStore, err := identity.LoadOrCreate(cfg.DataDir, cfg.General.NodeID)
	if err != nil {
		if errors.Is(err, posterr.ErrLocked) {
			return nil, ExitIdentityLocked, err
		}
		return nil, ExitConfigError, err
	}

	trust, err := registry.LoadTrustStore(cfg.DataDir)
	if err != nil {
		idStore.Close()
		return nil, ExitConfigError, err
	}

	self := idStore.Current()
	selfInfo := transport.SelfInfo{
		NodeID:    string(self.NodeID),
		Agreement: self.Agreement,
		Signing:   self.Signing,
	}

	var backend clipboard.Backend
	execBackend, err := clipboard.NewExecBackend()
	if err != nil {
		log.Printf("coordinator: no platform clipboard tool available, using in-memory backend: %v", err)
		backend = clipboard.NewMemoryBackend()
	} else {
		backend = execBackend
	}
	clipAdapter := clipboard.New(backend, cfg.Clipboard.MaxSizeBytes)

	overlayClient := overlay.New(cfg.Network.OverlayBaseURL, 0)
	transportClient := transport.NewClient(selfInfo, 5*time.Second)
	reg := registry.New(selfInfo, transportClient, trust, cfg.Network.Port, peerGrace)

	engine := syncengine.New(self.NodeID, clipAdapter, transportClient, reg, reg, 0)

	transportSrv := transport.NewServer(transport.ServerConfig{
		Self:       selfInfo,
		Trust:      trust,
		Sessions:   reg,
		Inbox:      engine,
		Latest:     engine,
		SkewWindow: cfg.SkewWindow(),
	})

	idStore.OnRotate(func(identity.Identity) {
		reg.DropAllSessions()
	})

	c := &Coordinator{
		cfg:             cfg,
		identityStore:   idStore,
		clipAdapter:     clipAdapter,
		overlayClient:   overlayClient,
		reg:             reg,
		transportSrv:    transportSrv,
		engine:          engine,
		overlayGrace:    peerGrace,
		overlayInterval: overlayRetryInterval,
	}
	return c, ExitClean, nil
}

// Run starts every component's background work and blocks until ctx is
// cancelled, then drains and releases resources in dependency order. If the
// overlay never becomes reachable within overlayGrace, Run returns
// ExitOverlayAtStart without starting anything else.
func (c *Coordinator) Run(ctx context.Context) (ExitCode, error) {
	if code, err := c.waitForOverlay(ctx); err != nil {
		c.identityStore.Close()
		return code, err
	}

	addr := fmt.Sprintf(":%d", c.cfg.Network.Port)
	log.Printf("coordinator: starting node %s on %s", c.identityStore.Current().NodeID, addr)
	if lan, ok := overlay.LocalAddress(); ok {
		log.Printf("coordinator: reachable at %s%s when the overlay advertises this host", lan, addr)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- c.transportSrv.Serve(ctx, addr, DrainDeadline)
	}()

	go c.overlayClient.Run(ctx, c.reg.ReconcileLoop())
	go c.reg.Run(ctx)
	go c.rotationLoop(ctx)
	go c.engine.Run(ctx, c.cfg.SyncInterval())

	<-ctx.Done()
	log.Printf("coordinator: shutting down, draining up to %s", DrainDeadline)

	err := <-serveErr
	c.reg.DropAllSessions()
	c.identityStore.Close()
	return ExitClean, err
}

// waitForOverlay blocks until overlayClient.FetchOnce succeeds or
// overlayGrace elapses. An empty overlay_base_url means no overlay is
// configured at all, so the check is skipped entirely.
func (c *Coordinator) waitForOverlay(ctx context.Context) (ExitCode, error) {
	if c.cfg.Network.OverlayBaseURL == "" {
		return ExitClean, nil
	}

	deadline := time.Now().Add(c.overlayGrace)
	for {
		if _, err := c.overlayClient.FetchOnce(ctx); err == nil {
			return ExitClean, nil
		}

		if time.Now().After(deadline) {
			return ExitOverlayAtStart, posterr.New(posterr.KindOverlay, "startup", posterr.ErrOverlayUnavailable)
		}

		select {
		case <-ctx.Done():
			return ExitClean, ctx.Err()
		case <-time.After(c.overlayInterval):
		}
	}
}

// rotationLoop rotates identity every key_rotation_hours, invalidating all
// sessions so peers re-run the handshake against the new keys.
func (c *Coordinator) rotationLoop(ctx context.Context) {
	interval := c.cfg.KeyRotationInterval()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.identityStore.Rotate(); err != nil {
				log.Printf("coordinator: identity rotation failed: %v", err)
			}
		}
	}
}
