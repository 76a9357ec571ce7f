package discovery

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"alacrite/models"
)

const (
	// DefaultPort is the UDP port used for discovery when no override exists.
	DefaultPort = 8080
	// DefaultReadTimeout bounds each blocking receive.
	DefaultReadTimeout = time.Second
	// DefaultAnnounceInterval is the idle period after which presence is re-announced.
	DefaultAnnounceInterval = 5 * time.Second
	// MaxDatagramSize is the largest UDP payload accepted.
	MaxDatagramSize = 65507
)

const (
	// EventPeerDiscovered is emitted the first time a peer is seen.
	EventPeerDiscovered EventType = "peer_discovered"
	// EventPeerRefreshed is emitted when a known peer announces again.
	EventPeerRefreshed EventType = "peer_refreshed"
)

// EventType identifies discovery updates.
type EventType string

// Event carries registry updates for consumers such as the CLI.
type Event struct {
	Type EventType
	Peer models.PeerInfo
}

// Config controls the UDP broadcast discovery service.
type Config struct {
	Port     int
	Hostname string

	// ListenIP defaults to 0.0.0.0.
	ListenIP netip.Addr
	// BroadcastIP defaults to 255.255.255.255.
	BroadcastIP netip.Addr
	// BroadcastPort defaults to the bound port.
	BroadcastPort int
	// AdvertiseIP is the address embedded in the local PeerInfo. Resolved from
	// the host interfaces when unset.
	AdvertiseIP netip.Addr

	ReadTimeout      time.Duration
	AnnounceInterval time.Duration

	Logger zerolog.Logger
}

func (c Config) withDefaults() Config {
	out := c
	if !out.ListenIP.IsValid() {
		out.ListenIP = netip.IPv4Unspecified()
	}
	if !out.BroadcastIP.IsValid() {
		out.BroadcastIP = netip.AddrFrom4([4]byte{255, 255, 255, 255})
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = DefaultReadTimeout
	}
	if out.AnnounceInterval <= 0 {
		out.AnnounceInterval = DefaultAnnounceInterval
	}
	return out
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Hostname) == "" {
		return errors.New("hostname is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.BroadcastPort < 0 || c.BroadcastPort > 65535 {
		return fmt.Errorf("broadcast port %d out of range", c.BroadcastPort)
	}
	return nil
}

// NewPeerID returns a fresh process identity.
func NewPeerID() string {
	return uuid.NewString()
}

// Service announces local presence and maintains the peer registry.
//
// The receive loop is the only writer of the registry.
type Service struct {
	cfg    Config
	conn   *net.UDPConn
	logger zerolog.Logger

	local     models.PeerInfo
	broadcast netip.AddrPort
	registry  *Registry

	// lastAnnounce is owned by the receive loop after Start returns.
	lastAnnounce time.Time

	events chan Event

	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Start binds the discovery socket, broadcasts a request and an announce,
// then runs the receive loop in the background.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	bind := netip.AddrPortFrom(cfg.ListenIP, uint16(cfg.Port))
	conn, err := listenBroadcastUDP(bind)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBind, bind, err)
	}

	boundPort := conn.LocalAddr().(*net.UDPAddr).Port
	if cfg.BroadcastPort == 0 {
		cfg.BroadcastPort = boundPort
	}
	advertise := cfg.AdvertiseIP
	if !advertise.IsValid() {
		advertise = resolveLocalIP()
	}

	local := models.PeerInfo{
		ID:       NewPeerID(),
		Hostname: cfg.Hostname,
		IP:       advertise,
		Port:     boundPort,
		LastSeen: time.Now().Unix(),
	}

	s := &Service{
		cfg:       cfg,
		conn:      conn,
		local:     local,
		broadcast: netip.AddrPortFrom(cfg.BroadcastIP, uint16(cfg.BroadcastPort)),
		registry:  NewRegistry(local.ID),
		events:    make(chan Event, 128),
	}
	s.logger = cfg.Logger.With().
		Str("component", "discovery").
		Str("peer_id", local.ID).
		Logger()

	s.logger.Info().
		Str("bind", conn.LocalAddr().String()).
		Str("hostname", local.Hostname).
		Str("ip", local.IP.String()).
		Msg("discovery socket bound")

	s.sendTo(DiscoveryRequest{From: s.localInfo()}, s.broadcast)
	s.announce()

	s.wg.Add(1)
	go s.loop()
	return s, nil
}

// Local returns the PeerInfo this process announces.
func (s *Service) Local() models.PeerInfo {
	return s.local
}

// Addr returns the bound UDP address.
func (s *Service) Addr() netip.AddrPort {
	return s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Registry exposes the read side of the peer registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

// KnownPeers returns a snapshot of the peer registry.
func (s *Service) KnownPeers() []models.PeerInfo {
	return s.registry.Snapshot()
}

// Events provides asynchronous registry updates. Slow consumers miss events.
func (s *Service) Events() <-chan Event {
	return s.events
}

// SendToPeer unicasts msg to the peer's announced endpoint.
func (s *Service) SendToPeer(peer models.PeerInfo, msg Message) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	target := peer.AddrPort()
	if _, err := s.conn.WriteToUDPAddrPort(payload, target); err != nil {
		return fmt.Errorf("send %s to %s: %w", msg.MessageType(), target, err)
	}
	return nil
}

// Stop closes the socket and waits for the receive loop to exit.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		_ = s.conn.Close()
		s.wg.Wait()
		close(s.events)
	})
}

func (s *Service) loop() {
	defer s.wg.Done()

	buf := make([]byte, MaxDatagramSize)
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("set read deadline failed")
		}

		n, from, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if time.Since(s.lastAnnounce) >= s.cfg.AnnounceInterval {
					s.announce()
				}
				continue
			}
			s.logger.Warn().Err(err).Msg("receive failed")
			continue
		}

		s.handleDatagram(buf[:n], netip.AddrPortFrom(from.Addr().Unmap(), from.Port()))
	}
}

func (s *Service) handleDatagram(payload []byte, from netip.AddrPort) {
	msg, err := Decode(payload)
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("addr", from.String()).
			Int("bytes", len(payload)).
			Msg("dropping malformed datagram")
		return
	}

	switch m := msg.(type) {
	case DiscoveryRequest:
		if m.From.ID == s.local.ID {
			return
		}
		s.logger.Info().
			Str("from_id", m.From.ID).
			Str("from_host", m.From.Hostname).
			Str("addr", from.String()).
			Msg("discovery request received")
		s.sendTo(DiscoveryResponse{Peer: s.localInfo()}, from)
	case DiscoveryResponse:
		s.observe(m.Peer, m.MessageType(), from)
	case Announce:
		s.observe(m.Peer, m.MessageType(), from)
	}
}

func (s *Service) observe(peer models.PeerInfo, variant string, from netip.AddrPort) {
	if peer.ID == s.local.ID {
		return
	}

	peer.LastSeen = time.Now().Unix()
	switch s.registry.InsertOrUpdate(peer) {
	case UpsertInserted:
		s.logger.Info().
			Str("variant", variant).
			Str("remote_id", peer.ID).
			Str("hostname", peer.Hostname).
			Str("ip", peer.IP.String()).
			Int("port", peer.Port).
			Msg("discovered peer")
		s.emitEvent(Event{Type: EventPeerDiscovered, Peer: peer})
	case UpsertRefreshed:
		s.logger.Debug().
			Str("variant", variant).
			Str("remote_id", peer.ID).
			Str("addr", from.String()).
			Msg("refreshed peer")
		s.emitEvent(Event{Type: EventPeerRefreshed, Peer: peer})
	case UpsertIgnored:
	}
}

func (s *Service) announce() {
	s.sendTo(Announce{Peer: s.localInfo()}, s.broadcast)
	s.lastAnnounce = time.Now()
}

func (s *Service) localInfo() models.PeerInfo {
	info := s.local
	info.LastSeen = time.Now().Unix()
	return info
}

// sendTo logs and drops send failures; a single lost datagram is not fatal.
func (s *Service) sendTo(msg Message, target netip.AddrPort) {
	payload, err := Encode(msg)
	if err != nil {
		s.logger.Error().Err(err).Str("variant", msg.MessageType()).Msg("encode failed")
		return
	}
	n, err := s.conn.WriteToUDPAddrPort(payload, target)
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("variant", msg.MessageType()).
			Str("addr", target.String()).
			Msg("send failed")
		return
	}
	s.logger.Debug().
		Str("variant", msg.MessageType()).
		Str("addr", target.String()).
		Int("bytes", n).
		Msg("sent")
}

func (s *Service) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}
