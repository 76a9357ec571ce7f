package network

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Sender is the send side of an active session.
type Sender interface {
	Send(msg Message) error
	SendBinary(data []byte) error
	RemoteAddr() string
}

// Handler receives decoded session traffic. Calls happen on the session loop,
// one at a time. A returned error is logged and the session continues.
type Handler interface {
	HandleMessage(ctx context.Context, sender Sender, msg Message) error
	HandleBinary(ctx context.Context, sender Sender, data []byte) error
}

// LogHandler records every inbound message and binary payload.
type LogHandler struct {
	Logger zerolog.Logger
}

func (h LogHandler) HandleMessage(_ context.Context, sender Sender, msg Message) error {
	level := zerolog.InfoLevel
	if _, ok := msg.(ErrorMessage); ok {
		level = zerolog.ErrorLevel
	}
	event := h.Logger.WithLevel(level).Str("addr", sender.RemoteAddr()).Str("type", msg.MessageType())

	switch m := msg.(type) {
	case Auth:
		event.Msg("auth request received")
	case AuthResponse:
		if m.Message != nil {
			event = event.Str("message", *m.Message)
		}
		event.Bool("success", m.Success).Msg("auth response received")
	case FileOffer:
		event.
			Str("filename", m.Filename).
			Uint64("size", m.Size).
			Str("mime_type", m.MimeType).
			Str("hash", m.Hash).
			Msg("file offer received")
	case FileAccept:
		if m.Reason != nil {
			event = event.Str("reason", *m.Reason)
		}
		event.Bool("accept", m.Accept).Msg("file offer answered")
	case TransferStart:
		event.Uint64("chunk_size", m.ChunkSize).Msg("transfer started")
	case TransferChunk:
		event.Uint64("offset", m.Offset).Int("bytes", len(m.Data)).Msg("transfer chunk received")
	case TransferComplete:
		event.Str("hash", m.Hash).Msg("transfer complete")
	case ErrorMessage:
		event.Str("message", m.Message).Msg("peer reported error")
	default:
		event.Discard()
		return fmt.Errorf("unhandled message type %T", msg)
	}
	return nil
}

func (h LogHandler) HandleBinary(_ context.Context, sender Sender, data []byte) error {
	h.Logger.Info().
		Str("addr", sender.RemoteAddr()).
		Int("bytes", len(data)).
		Msg("binary payload received")
	return nil
}
