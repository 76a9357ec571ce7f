package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultSessionPort is the WebSocket port used when no override exists.
	DefaultSessionPort = 9090
	// MaxMessageSize is the largest inbound WebSocket message accepted (10 MB).
	MaxMessageSize = 10 * 1024 * 1024
	// DefaultHandshakeTimeout bounds the WebSocket opening handshake.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultWriteTimeout bounds each frame write.
	DefaultWriteTimeout = 10 * time.Second
)

const (
	TypeAuth             = "Auth"
	TypeAuthResponse     = "AuthResponse"
	TypeFileOffer        = "FileOffer"
	TypeFileAccept       = "FileAccept"
	TypeTransferStart    = "TransferStart"
	TypeTransferChunk    = "TransferChunk"
	TypeTransferComplete = "TransferComplete"
	TypeError            = "Error"
)

var (
	// ErrDecode indicates a text frame that is not a valid session message.
	ErrDecode = errors.New("network: malformed message")
	// ErrBind indicates the session listener could not be acquired.
	ErrBind = errors.New("network: bind failed")
	// ErrConnect indicates a single dial attempt failed.
	ErrConnect = errors.New("network: connect failed")
	// ErrLivenessTimeout indicates no heartbeat acknowledgment arrived in time.
	ErrLivenessTimeout = errors.New("network: liveness timeout")
	// ErrSessionClosed is returned by sends after the session started closing.
	ErrSessionClosed = errors.New("network: session closed")
)

// Message is one of the session message variants.
type Message interface {
	MessageType() string
	isSessionMessage()
}

// Auth carries an authentication token.
type Auth struct {
	Token string `json:"token"`
}

// AuthResponse answers Auth.
type AuthResponse struct {
	Success bool    `json:"success"`
	Message *string `json:"message"`
}

// FileOffer proposes a file to the peer.
type FileOffer struct {
	Filename string `json:"filename"`
	Size     uint64 `json:"size"`
	Hash     string `json:"hash"`
	MimeType string `json:"mime_type"`
}

// FileAccept answers FileOffer.
type FileAccept struct {
	Accept bool    `json:"accept"`
	Reason *string `json:"reason"`
}

type TransferStart struct {
	ChunkSize uint64 `json:"chunk_size"`
}

// TransferChunk carries one slice of file content. Data is base64 on the wire.
type TransferChunk struct {
	Data   []byte `json:"data"`
	Offset uint64 `json:"offset"`
}

type TransferComplete struct {
	Hash string `json:"hash"`
}

// ErrorMessage reports a remote failure.
type ErrorMessage struct {
	Message string `json:"message"`
}

func (Auth) MessageType() string             { return TypeAuth }
func (AuthResponse) MessageType() string     { return TypeAuthResponse }
func (FileOffer) MessageType() string        { return TypeFileOffer }
func (FileAccept) MessageType() string       { return TypeFileAccept }
func (TransferStart) MessageType() string    { return TypeTransferStart }
func (TransferChunk) MessageType() string    { return TypeTransferChunk }
func (TransferComplete) MessageType() string { return TypeTransferComplete }
func (ErrorMessage) MessageType() string     { return TypeError }

func (Auth) isSessionMessage()             {}
func (AuthResponse) isSessionMessage()     {}
func (FileOffer) isSessionMessage()        {}
func (FileAccept) isSessionMessage()       {}
func (TransferStart) isSessionMessage()    {}
func (TransferChunk) isSessionMessage()    {}
func (TransferComplete) isSessionMessage() {}
func (ErrorMessage) isSessionMessage()     {}

// requiredFields lists the members that must be present and non-null per variant.
var requiredFields = map[string][]string{
	TypeAuth:             {"token"},
	TypeAuthResponse:     {"success"},
	TypeFileOffer:        {"filename", "size", "hash", "mime_type"},
	TypeFileAccept:       {"accept"},
	TypeTransferStart:    {"chunk_size"},
	TypeTransferChunk:    {"data", "offset"},
	TypeTransferComplete: {"hash"},
	TypeError:            {"message"},
}

// Encode marshals a session message as a JSON object tagged by "type".
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("network: cannot encode nil message")
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msg.MessageType(), err)
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msg.MessageType(), err)
	}
	msgType, err := json.Marshal(msg.MessageType())
	if err != nil {
		return nil, err
	}
	fields["type"] = msgType

	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msg.MessageType(), err)
	}
	return payload, nil
}

// DecodeMessageType extracts the discriminant without decoding the variant.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if envelope.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrDecode)
	}
	return envelope.Type, nil
}

// Decode parses one text frame. Every failure wraps ErrDecode.
func Decode(payload []byte) (Message, error) {
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	var msgType string
	if raw, ok := fields["type"]; ok {
		if err := json.Unmarshal(raw, &msgType); err != nil {
			return nil, fmt.Errorf("%w: type: %w", ErrDecode, err)
		}
	}
	if msgType == "" {
		return nil, fmt.Errorf("%w: missing type", ErrDecode)
	}

	required, ok := requiredFields[msgType]
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrDecode, msgType)
	}
	for _, name := range required {
		raw, ok := fields[name]
		if !ok || string(raw) == "null" {
			return nil, fmt.Errorf("%w: %s missing %q", ErrDecode, msgType, name)
		}
	}

	switch msgType {
	case TypeAuth:
		return decodeAs[Auth](payload)
	case TypeAuthResponse:
		return decodeAs[AuthResponse](payload)
	case TypeFileOffer:
		return decodeAs[FileOffer](payload)
	case TypeFileAccept:
		return decodeAs[FileAccept](payload)
	case TypeTransferStart:
		return decodeAs[TransferStart](payload)
	case TypeTransferChunk:
		return decodeAs[TransferChunk](payload)
	case TypeTransferComplete:
		return decodeAs[TransferComplete](payload)
	default:
		return decodeAs[ErrorMessage](payload)
	}
}

func decodeAs[T Message](payload []byte) (Message, error) {
	var msg T
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecode, msg.MessageType(), err)
	}
	return msg, nil
}
