package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"alacrite/config"
	"alacrite/crypto"
	"alacrite/discovery"
	"alacrite/models"
	"alacrite/network"
	"alacrite/storage"
)

const peerPollInterval = 200 * time.Millisecond

type runFlags struct {
	mdns          bool
	discoveryWait time.Duration
}

func addRunFlags(cmd *cobra.Command, rf *runFlags) {
	cmd.Flags().BoolVar(&rf.mdns, "mdns", false, "Also advertise the session endpoint over mDNS")
	cmd.Flags().DurationVar(&rf.discoveryWait, "discovery-wait", time.Duration(config.DefaultDiscoveryWaitSeconds)*time.Second,
		"How long to wait for a discovered peer before listening")
}

func newRunCmd(flags *cliFlags) *cobra.Command {
	rf := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Discover a peer and hold one session with it (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCommand(cmd, flags, rf)
		},
	}
	addRunFlags(cmd, rf)
	return cmd
}

func runCommand(cmd *cobra.Command, flags *cliFlags, rf *runFlags) error {
	env, err := loadEnv(cmd, flags)
	if err != nil {
		return err
	}
	if changed(cmd, "mdns") {
		env.cfg.MDNSEnabled = rf.mdns
	}
	wait := env.cfg.DiscoveryWait()
	if changed(cmd, "discovery-wait") {
		wait = rf.discoveryWait
	}
	return runNode(cmd.Context(), env, wait)
}

// runNode starts discovery, picks a target and hands it to the negotiator.
// It returns when the session ends or ctx is cancelled.
func runNode(ctx context.Context, env *appEnv, wait time.Duration) error {
	cfg := env.cfg
	logger := env.logger

	identity, err := crypto.EnsureIdentity(config.KeysDir(env.dataDir))
	if err != nil {
		return fmt.Errorf("prepare identity key: %w", err)
	}

	store, err := storage.OpenPath(config.DatabasePath(env.dataDir), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("close history database")
		}
	}()

	disc, err := discovery.Start(discovery.Config{
		Port:     cfg.DiscoveryPort,
		Hostname: cfg.DeviceName,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer disc.Stop()

	local := disc.Local()
	logger.Info().
		Str("peer_id", local.ID).
		Str("device", cfg.DeviceName).
		Str("addr", disc.Addr().String()).
		Int("session_port", cfg.SessionPort).
		Str("fingerprint", identity.Fingerprint()).
		Str("data_dir", env.dataDir).
		Msg("started")

	if cfg.MDNSEnabled {
		advertiser, err := discovery.StartAdvertiser(discovery.AdvertiserConfig{
			PeerID:      local.ID,
			Hostname:    cfg.DeviceName,
			SessionPort: cfg.SessionPort,
			Logger:      logger,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("mDNS advertising unavailable")
		} else {
			defer advertiser.Stop()
		}
	}

	go logDiscoveryEvents(disc.Events(), logger)

	plan := dialPlan{target: cfg.Local, attempts: network.DefaultDialAttempts}
	if plan.target != "" {
		logger.Info().Str("addr", plan.target).Msg("using explicit peer address")
	} else {
		peer, found, err := waitForPeer(ctx, disc.KnownPeers, wait, peerPollInterval)
		if err != nil {
			return err
		}
		plan = planDial(local, peer, found, cfg.SessionPort)
		if found {
			logger.Info().
				Str("peer_id", peer.ID).
				Str("addr", plan.target).
				Int("attempts", plan.attempts).
				Msg("dialing discovered peer")
		} else {
			logger.Info().Dur("waited", wait).Msg("no peer discovered, listening")
		}
	}

	journal := journalEvents(store, logger)
	negotiator := network.NewNegotiator(network.Options{
		DialAttempts: plan.attempts,
		ListenAddr:   fmt.Sprintf(":%d", cfg.SessionPort),
		Logger:       logger,
		OnEvent:      journal,
	})
	return negotiator.Run(ctx, plan.target, network.SessionServer(network.SessionOptions{
		Logger:  logger,
		OnEvent: journal,
	}))
}

// waitForPeer polls known until it yields a peer, wait elapses, or ctx ends.
func waitForPeer(ctx context.Context, known func() []models.PeerInfo, wait, poll time.Duration) (models.PeerInfo, bool, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if peers := known(); len(peers) > 0 {
			return peers[0], true, nil
		}
		select {
		case <-ctx.Done():
			return models.PeerInfo{}, false, ctx.Err()
		case <-deadline.C:
			return models.PeerInfo{}, false, nil
		case <-ticker.C:
		}
	}
}

// dialPlan is the negotiator input chosen after discovery. An empty target
// means listen straight away.
type dialPlan struct {
	target   string
	attempts int
}

// planDial decides how hard to dial a discovered peer. Both sides dial. The
// greater ID retries for the full window; the lower ID tries once so that a
// peer that is already listening still gets paired, then falls back to
// listening for a simultaneous start.
func planDial(local, peer models.PeerInfo, found bool, sessionPort int) dialPlan {
	if !found {
		return dialPlan{}
	}
	attempts := network.DefaultDialAttempts
	if local.ID < peer.ID {
		attempts = 1
	}
	return dialPlan{target: peer.SessionAddress(sessionPort), attempts: attempts}
}

func logDiscoveryEvents(events <-chan discovery.Event, logger zerolog.Logger) {
	for event := range events {
		logger.Info().
			Str("event", string(event.Type)).
			Str("peer_id", event.Peer.ID).
			Str("hostname", event.Peer.Hostname).
			Str("addr", event.Peer.AddrPort().String()).
			Msg("discovery")
	}
}

// journalEvents records session lifecycle events in the history database.
func journalEvents(store *storage.Store, logger zerolog.Logger) network.EventFunc {
	return func(event network.Event) {
		var timestamp int64
		if !event.At.IsZero() {
			timestamp = event.At.UnixMilli()
		}
		_, err := store.RecordSessionEvent(storage.SessionEvent{
			Kind:       string(event.Kind),
			Role:       string(event.Role),
			RemoteAddr: event.RemoteAddr,
			Attempt:    event.Attempt,
			Detail:     event.Detail,
			Timestamp:  timestamp,
		})
		if err != nil {
			logger.Warn().Err(err).Str("kind", string(event.Kind)).Msg("record session event")
		}
	}
}
