package discovery

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"alacrite/models"
)

func testPeer(id string) models.PeerInfo {
	return models.PeerInfo{
		ID:       id,
		Hostname: "host-" + id,
		IP:       netip.MustParseAddr("192.168.1.20"),
		Port:     8080,
		LastSeen: 1_706_000_000,
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Message{
		Announce{Peer: testPeer("a")},
		DiscoveryRequest{From: testPeer("b")},
		DiscoveryResponse{Peer: testPeer("c")},
	}

	for _, msg := range cases {
		t.Run(msg.MessageType(), func(t *testing.T) {
			payload, err := Encode(msg)
			require.NoError(t, err)

			decoded, err := Decode(payload)
			require.NoError(t, err)
			require.Equal(t, msg, decoded)
			require.Equal(t, msg.Sender(), decoded.Sender())
		})
	}
}

func TestEncodeUsesTypeDiscriminant(t *testing.T) {
	payload, err := Encode(DiscoveryRequest{From: testPeer("a")})
	require.NoError(t, err)
	require.JSONEq(t, `{
		"type": "DiscoveryRequest",
		"from": {"id": "a", "hostname": "host-a", "ip": "192.168.1.20", "port": 8080, "last_seen": 1706000000}
	}`, string(payload))
}

func TestDecodeRejectsMalformedPayloads(t *testing.T) {
	cases := map[string]string{
		"not json":      "\x00\x01garbage",
		"missing type":  `{"peer":{"id":"a","hostname":"h","ip":"10.0.0.1","port":1,"last_seen":1}}`,
		"unknown type":  `{"type":"Goodbye","peer":{"id":"a","hostname":"h","ip":"10.0.0.1","port":1,"last_seen":1}}`,
		"missing peer":  `{"type":"Announce"}`,
		"wrong field":   `{"type":"DiscoveryRequest","peer":{"id":"a","hostname":"h","ip":"10.0.0.1","port":1,"last_seen":1}}`,
		"empty id":      `{"type":"Announce","peer":{"id":"","hostname":"h","ip":"10.0.0.1","port":1,"last_seen":1}}`,
		"bad ip":        `{"type":"Announce","peer":{"id":"a","hostname":"h","ip":"nope","port":1,"last_seen":1}}`,
		"port too high": `{"type":"DiscoveryResponse","peer":{"id":"a","hostname":"h","ip":"10.0.0.1","port":70000,"last_seen":1}}`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			msg, err := Decode([]byte(raw))
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrDecode), "expected ErrDecode, got %v", err)
			require.Nil(t, msg)
		})
	}
}
