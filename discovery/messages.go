package discovery

import (
	"encoding/json"
	"errors"
	"fmt"

	"alacrite/models"
)

const (
	TypeAnnounce          = "Announce"
	TypeDiscoveryRequest  = "DiscoveryRequest"
	TypeDiscoveryResponse = "DiscoveryResponse"
)

var (
	// ErrDecode indicates a datagram that is not a valid discovery message.
	ErrDecode = errors.New("discovery: malformed message")
	// ErrBind indicates the discovery socket could not be acquired.
	ErrBind = errors.New("discovery: bind failed")
)

// Message is one of Announce, DiscoveryRequest or DiscoveryResponse.
type Message interface {
	MessageType() string
	// Sender returns the PeerInfo embedded in the message.
	Sender() models.PeerInfo
	isDiscoveryMessage()
}

// Announce is an unsolicited broadcast advertising a peer's presence.
type Announce struct {
	Peer models.PeerInfo `json:"peer"`
}

// DiscoveryRequest asks every listener to respond with its PeerInfo.
type DiscoveryRequest struct {
	From models.PeerInfo `json:"from"`
}

// DiscoveryResponse answers a DiscoveryRequest.
type DiscoveryResponse struct {
	Peer models.PeerInfo `json:"peer"`
}

func (Announce) MessageType() string          { return TypeAnnounce }
func (DiscoveryRequest) MessageType() string  { return TypeDiscoveryRequest }
func (DiscoveryResponse) MessageType() string { return TypeDiscoveryResponse }

func (m Announce) Sender() models.PeerInfo          { return m.Peer }
func (m DiscoveryRequest) Sender() models.PeerInfo  { return m.From }
func (m DiscoveryResponse) Sender() models.PeerInfo { return m.Peer }

func (Announce) isDiscoveryMessage()          {}
func (DiscoveryRequest) isDiscoveryMessage()  {}
func (DiscoveryResponse) isDiscoveryMessage() {}

// Encode marshals a discovery message as a JSON object tagged by "type".
func Encode(msg Message) ([]byte, error) {
	var wire any
	switch m := msg.(type) {
	case Announce:
		wire = struct {
			Type string `json:"type"`
			Announce
		}{TypeAnnounce, m}
	case DiscoveryRequest:
		wire = struct {
			Type string `json:"type"`
			DiscoveryRequest
		}{TypeDiscoveryRequest, m}
	case DiscoveryResponse:
		wire = struct {
			Type string `json:"type"`
			DiscoveryResponse
		}{TypeDiscoveryResponse, m}
	default:
		return nil, fmt.Errorf("discovery: cannot encode %T", msg)
	}

	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal discovery message: %w", err)
	}
	return payload, nil
}

// Decode parses one datagram. Every failure wraps ErrDecode.
func Decode(payload []byte) (Message, error) {
	var envelope struct {
		Type string           `json:"type"`
		Peer *models.PeerInfo `json:"peer"`
		From *models.PeerInfo `json:"from"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	switch envelope.Type {
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrDecode)
	case TypeAnnounce:
		peer, err := requirePeer(envelope.Peer, "peer")
		if err != nil {
			return nil, err
		}
		return Announce{Peer: peer}, nil
	case TypeDiscoveryRequest:
		peer, err := requirePeer(envelope.From, "from")
		if err != nil {
			return nil, err
		}
		return DiscoveryRequest{From: peer}, nil
	case TypeDiscoveryResponse:
		peer, err := requirePeer(envelope.Peer, "peer")
		if err != nil {
			return nil, err
		}
		return DiscoveryResponse{Peer: peer}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrDecode, envelope.Type)
	}
}

func requirePeer(peer *models.PeerInfo, field string) (models.PeerInfo, error) {
	if peer == nil {
		return models.PeerInfo{}, fmt.Errorf("%w: missing %q", ErrDecode, field)
	}
	if peer.ID == "" {
		return models.PeerInfo{}, fmt.Errorf("%w: %s.id is empty", ErrDecode, field)
	}
	if !peer.IP.IsValid() {
		return models.PeerInfo{}, fmt.Errorf("%w: %s.ip is invalid", ErrDecode, field)
	}
	if peer.Port <= 0 || peer.Port > 65535 {
		return models.PeerInfo{}, fmt.Errorf("%w: %s.port %d out of range", ErrDecode, field, peer.Port)
	}
	return *peer, nil
}
