package discovery

import (
	"errors"
	"net"
	"net/netip"
	"runtime"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"alacrite/models"
)

var loopback = netip.MustParseAddr("127.0.0.1")

// segment is a plain UDP socket standing in for the broadcast segment.
type segment struct {
	t    *testing.T
	conn *net.UDPConn
}

func newSegment(t *testing.T) *segment {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &segment{t: t, conn: conn}
}

func (p *segment) port() int {
	return p.conn.LocalAddr().(*net.UDPAddr).Port
}

func (p *segment) send(to netip.AddrPort, payload []byte) {
	p.t.Helper()
	_, err := p.conn.WriteToUDPAddrPort(payload, to)
	require.NoError(p.t, err)
}

func (p *segment) sendMessage(to netip.AddrPort, msg Message) {
	p.t.Helper()
	payload, err := Encode(msg)
	require.NoError(p.t, err)
	p.send(to, payload)
}

// next reads datagrams until one decodes as want, or the deadline passes.
func (p *segment) next(want string, timeout time.Duration) Message {
	p.t.Helper()
	deadline := time.Now().Add(timeout)
	buf := make([]byte, MaxDatagramSize)
	for {
		require.NoError(p.t, p.conn.SetReadDeadline(deadline))
		n, _, err := p.conn.ReadFromUDPAddrPort(buf)
		require.NoError(p.t, err, "waiting for %s", want)
		msg, err := Decode(buf[:n])
		require.NoError(p.t, err)
		if msg.MessageType() == want {
			return msg
		}
	}
}

func startTestService(t *testing.T, p *segment, mutate func(*Config)) *Service {
	t.Helper()
	cfg := Config{
		Hostname:      "local-host",
		ListenIP:      loopback,
		BroadcastIP:   loopback,
		BroadcastPort: p.port(),
		AdvertiseIP:   loopback,
		ReadTimeout:   20 * time.Millisecond,
		Logger:        zerolog.New(zerolog.NewTestWriter(t)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := Start(cfg)
	require.NoError(t, err)
	t.Cleanup(svc.Stop)
	return svc
}

func remotePeer(id string) models.PeerInfo {
	return models.PeerInfo{
		ID:       id,
		Hostname: "remote-" + id,
		IP:       netip.MustParseAddr("127.0.0.1"),
		Port:     9999,
		LastSeen: 1,
	}
}

func TestStartSendsRequestThenAnnounce(t *testing.T) {
	p := newSegment(t)
	svc := startTestService(t, p, nil)

	local := svc.Local()
	require.NotEmpty(t, local.ID)
	require.Equal(t, "local-host", local.Hostname)
	require.Equal(t, loopback, local.IP)
	require.Equal(t, int(svc.Addr().Port()), local.Port)

	req := p.next(TypeDiscoveryRequest, 2*time.Second)
	require.Equal(t, local.ID, req.Sender().ID)

	ann := p.next(TypeAnnounce, 2*time.Second)
	require.Equal(t, local.ID, ann.Sender().ID)
}

func TestServiceRespondsToDiscoveryRequest(t *testing.T) {
	p := newSegment(t)
	svc := startTestService(t, p, nil)
	p.next(TypeAnnounce, 2*time.Second)

	p.sendMessage(svc.Addr(), DiscoveryRequest{From: remotePeer("asker")})

	resp := p.next(TypeDiscoveryResponse, 2*time.Second)
	require.Equal(t, svc.Local().ID, resp.Sender().ID)
	require.Equal(t, svc.Local().Port, resp.Sender().Port)

	// A request alone does not register the requester.
	require.Empty(t, svc.KnownPeers())
}

func TestServiceRecordsAnnouncesAndResponses(t *testing.T) {
	p := newSegment(t)
	svc := startTestService(t, p, nil)

	before := time.Now().Unix()
	p.sendMessage(svc.Addr(), Announce{Peer: remotePeer("one")})
	p.sendMessage(svc.Addr(), DiscoveryResponse{Peer: remotePeer("two")})

	require.Eventually(t, func() bool { return svc.Registry().Len() == 2 }, 2*time.Second, 10*time.Millisecond)

	for _, peer := range svc.KnownPeers() {
		require.GreaterOrEqual(t, peer.LastSeen, before, "last_seen is stamped on receipt")
		require.Equal(t, 9999, peer.Port)
	}

	event := <-svc.Events()
	require.Equal(t, EventPeerDiscovered, event.Type)
}

func TestServiceIgnoresOwnAnnounce(t *testing.T) {
	p := newSegment(t)
	svc := startTestService(t, p, nil)

	p.sendMessage(svc.Addr(), Announce{Peer: svc.Local()})
	p.sendMessage(svc.Addr(), DiscoveryResponse{Peer: svc.Local()})
	p.sendMessage(svc.Addr(), Announce{Peer: remotePeer("other")})

	require.Eventually(t, func() bool { return svc.Registry().Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	peers := svc.KnownPeers()
	require.Len(t, peers, 1)
	require.Equal(t, "other", peers[0].ID)
}

func TestServiceSurvivesMalformedDatagrams(t *testing.T) {
	p := newSegment(t)
	svc := startTestService(t, p, nil)

	p.send(svc.Addr(), []byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x7f})
	p.send(svc.Addr(), []byte(`{"type":"Unknown"}`))
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, svc.Registry().Len())

	p.sendMessage(svc.Addr(), Announce{Peer: remotePeer("after-garbage")})
	require.Eventually(t, func() bool {
		_, ok := svc.Registry().Get("after-garbage")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServiceReannouncesWhenIdle(t *testing.T) {
	p := newSegment(t)
	svc := startTestService(t, p, func(cfg *Config) {
		cfg.AnnounceInterval = 50 * time.Millisecond
	})

	for i := 0; i < 3; i++ {
		ann := p.next(TypeAnnounce, 2*time.Second)
		require.Equal(t, svc.Local().ID, ann.Sender().ID)
	}
}

func TestSendToPeerUnicasts(t *testing.T) {
	p := newSegment(t)
	svc := startTestService(t, p, nil)
	p.next(TypeAnnounce, 2*time.Second)

	target := remotePeer("remote")
	target.Port = p.port()
	require.NoError(t, svc.SendToPeer(target, DiscoveryRequest{From: svc.Local()}))

	req := p.next(TypeDiscoveryRequest, 2*time.Second)
	require.Equal(t, svc.Local().ID, req.Sender().ID)
}

func TestStartFailsWhenPortIsTaken(t *testing.T) {
	p := newSegment(t)
	first := startTestService(t, p, nil)

	_, err := Start(Config{
		Hostname:    "second",
		ListenIP:    loopback,
		Port:        int(first.Addr().Port()),
		BroadcastIP: loopback,
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrBind), "expected ErrBind, got %v", err)
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	_, err := Start(Config{Port: 1})
	require.Error(t, err)

	_, err = Start(Config{Hostname: "h", Port: 70000})
	require.Error(t, err)
}

func TestStopIsIdempotentAndClosesEvents(t *testing.T) {
	p := newSegment(t)
	svc := startTestService(t, p, nil)

	svc.Stop()
	svc.Stop()

	_, open := <-svc.Events()
	require.False(t, open)
}

func TestTwoServicesDiscoverEachOther(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("needs the 127.0.0.0/8 loopback range")
	}

	addrA := netip.MustParseAddr("127.0.0.1")
	addrB := netip.MustParseAddr("127.0.0.2")

	a, err := Start(Config{
		Hostname:    "host-a",
		ListenIP:    addrA,
		AdvertiseIP: addrA,
		BroadcastIP: addrB,
		ReadTimeout: 50 * time.Millisecond,
		Logger:      zerolog.New(zerolog.NewTestWriter(t)),
	})
	require.NoError(t, err)
	t.Cleanup(a.Stop)

	port := int(a.Addr().Port())
	b, err := Start(Config{
		Hostname:    "host-b",
		Port:        port,
		ListenIP:    addrB,
		AdvertiseIP: addrB,
		BroadcastIP: addrA,
		ReadTimeout: 50 * time.Millisecond,
		Logger:      zerolog.New(zerolog.NewTestWriter(t)),
	})
	require.NoError(t, err)
	t.Cleanup(b.Stop)

	require.Eventually(t, func() bool {
		return a.Registry().Len() == 1 && b.Registry().Len() == 1
	}, 5*time.Second, 20*time.Millisecond)

	now := time.Now().Unix()
	peersA := a.KnownPeers()
	peersB := b.KnownPeers()
	require.Len(t, peersA, 1)
	require.Len(t, peersB, 1)
	require.Equal(t, b.Local().ID, peersA[0].ID)
	require.Equal(t, a.Local().ID, peersB[0].ID)
	require.Equal(t, addrB, peersA[0].IP)
	require.Equal(t, port, peersB[0].Port)
	require.LessOrEqual(t, now-peersA[0].LastSeen, int64(5))
	require.LessOrEqual(t, now-peersB[0].LastSeen, int64(5))
}
