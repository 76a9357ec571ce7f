package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"

	"alacrite/models"
)

const (
	// DefaultMDNSService is the mDNS service name without domain suffix.
	DefaultMDNSService = "_alacrite._tcp"
	// DefaultMDNSDomain is the mDNS domain.
	DefaultMDNSDomain = "local."
	// MDNSVersion is the TXT record protocol version.
	MDNSVersion = 1
	// DefaultBrowseTimeout bounds a one-shot Browse.
	DefaultBrowseTimeout = 3 * time.Second

	txtPeerID  = "peer_id"
	txtVersion = "version"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// AdvertiserConfig controls mDNS registration of the session endpoint.
type AdvertiserConfig struct {
	Service string
	Domain  string

	PeerID      string
	Hostname    string
	SessionPort int

	Logger zerolog.Logger

	registerFn registerFunc
}

func (c AdvertiserConfig) withDefaults() AdvertiserConfig {
	out := c
	if out.Service == "" {
		out.Service = DefaultMDNSService
	}
	if out.Domain == "" {
		out.Domain = DefaultMDNSDomain
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c AdvertiserConfig) validate() error {
	if strings.TrimSpace(c.PeerID) == "" {
		return errors.New("peer ID is required")
	}
	if strings.TrimSpace(c.Hostname) == "" {
		return errors.New("hostname is required")
	}
	if c.SessionPort <= 0 || c.SessionPort > 65535 {
		return fmt.Errorf("session port %d out of range", c.SessionPort)
	}
	return nil
}

// Advertiser publishes this process on mDNS.
type Advertiser struct {
	server *zeroconf.Server
	logger zerolog.Logger
}

// StartAdvertiser registers the session endpoint as an mDNS service.
func StartAdvertiser(config AdvertiserConfig) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	txt := []string{
		txtPeerID + "=" + cfg.PeerID,
		txtVersion + "=" + strconv.Itoa(MDNSVersion),
	}

	server, err := cfg.registerFn(cfg.Hostname, cfg.Service, cfg.Domain, cfg.SessionPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	logger := cfg.Logger.With().Str("component", "mdns").Logger()
	logger.Info().
		Str("service", cfg.Service+"."+cfg.Domain).
		Str("instance", cfg.Hostname).
		Int("port", cfg.SessionPort).
		Msg("advertising")

	return &Advertiser{server: server, logger: logger}, nil
}

// Stop withdraws the mDNS registration.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
	a.logger.Debug().Msg("advertising stopped")
}

// BrowseConfig controls a one-shot mDNS lookup.
type BrowseConfig struct {
	Service string
	Domain  string
	Timeout time.Duration
	// SelfID is filtered out of the results.
	SelfID string

	Logger zerolog.Logger

	browseFn browseFunc
}

func (c BrowseConfig) withDefaults() BrowseConfig {
	out := c
	if out.Service == "" {
		out.Service = DefaultMDNSService
	}
	if out.Domain == "" {
		out.Domain = DefaultMDNSDomain
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultBrowseTimeout
	}
	return out
}

// Browse collects advertised peers until the timeout elapses or ctx is done.
// The returned PeerInfo.Port is the advertised session port. Results are
// sorted by hostname then ID.
func Browse(ctx context.Context, config BrowseConfig) ([]models.PeerInfo, error) {
	cfg := config.withDefaults()
	logger := cfg.Logger.With().Str("component", "mdns").Logger()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]models.PeerInfo)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, cfg.SelfID)
				if !ok {
					logger.Debug().Str("instance", entry.Instance).Msg("skipping mDNS entry")
					continue
				}
				peer.LastSeen = time.Now().Unix()
				collectedMu.Lock()
				collected[peer.ID] = peer
				collectedMu.Unlock()
			}
		}
	}()

	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		return nil, fmt.Errorf("browse mDNS: %w", err)
	}

	<-scanCtx.Done()
	<-collectorDone

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	collectedMu.Lock()
	out := make([]models.PeerInfo, 0, len(collected))
	for _, peer := range collected {
		out = append(out, peer)
	}
	collectedMu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Hostname == out[j].Hostname {
			return out[i].ID < out[j].ID
		}
		return out[i].Hostname < out[j].Hostname
	})
	logger.Debug().Int("peers", len(out)).Msg("browse finished")
	return out, nil
}

func parseEntry(entry *zeroconf.ServiceEntry, selfID string) (models.PeerInfo, bool) {
	txt := txtToMap(entry.Text)

	id := txt[txtPeerID]
	if id == "" || id == selfID {
		return models.PeerInfo{}, false
	}
	if entry.Port <= 0 || entry.Port > 65535 {
		return models.PeerInfo{}, false
	}

	var addr netip.Addr
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if parsed, ok := netip.AddrFromSlice(ip); ok {
			addr = parsed.Unmap()
			break
		}
	}
	if !addr.IsValid() {
		return models.PeerInfo{}, false
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSuffix(strings.TrimSpace(entry.HostName), ".")
	}
	if name == "" {
		name = id
	}

	return models.PeerInfo{
		ID:       id,
		Hostname: name,
		IP:       addr,
		Port:     entry.Port,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
