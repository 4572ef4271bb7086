// Package v1 defines the im-next Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server, the smoke tool and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypePrivateMessage is bidirectional: client -> server to send,
	// server -> client to deliver a message or acknowledge the sender.
	TypePrivateMessage = "private_message"

	// TypeOnlineUsers carries the full presence snapshot (server -> client).
	TypeOnlineUsers = "online_users"

	// TypeUnreadCounts carries unread totals for the receiving user (server -> client).
	TypeUnreadCounts = "unread_counts"

	// TypeMarkRead acknowledges a conversation as read (client -> server).
	TypeMarkRead = "mark_read"

	// TypeActivePeer declares the conversation currently on screen (client -> server).
	// An empty peer clears it.
	TypeActivePeer = "active_peer"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypePrivateMessage,
		TypeOnlineUsers,
		TypeUnreadCounts,
		TypeMarkRead,
		TypeActivePeer,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// SendPrivateMessagePayload is sent by a client to deliver a message to another user.
// ClientID is an optional correlation token used for optimistic echo reconciliation.
type SendPrivateMessagePayload struct {
	To       string `json:"to"`
	Content  string `json:"content"`
	ClientID string `json:"clientId,omitempty"`
}

// PrivateMessagePayload is a finalized, persisted message.
// Timestamp is unix milliseconds assigned by the server.
type PrivateMessagePayload struct {
	ID        string `json:"id,omitempty"`
	From      string `json:"from"`
	To        string `json:"to"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	ClientID  string `json:"clientId,omitempty"`
}

// OnlineUsersPayload is the full list of users with at least one live connection.
type OnlineUsersPayload struct {
	Users []string `json:"users"`
}

// UnreadCountsPayload carries per-peer unread counters and their sum.
type UnreadCountsPayload struct {
	ByPeer map[string]int `json:"byPeer"`
	Total  int            `json:"total"`
}

// MarkReadPayload resets the unread counter for Peer.
type MarkReadPayload struct {
	Peer string `json:"peer"`
}

// ActivePeerPayload declares which conversation the client is looking at.
type ActivePeerPayload struct {
	Peer string `json:"peer"`
}

// ErrorPayload is a generic error response payload.
// Ref echoes the id of the envelope that caused the error, when known.
type ErrorPayload struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Ref      string `json:"ref,omitempty"`
	ClientID string `json:"clientId,omitempty"`
}
