package connection

import (
	"encoding/json"
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no pong)")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrEmptyRoom       = errors.New("provider id is required")
)

// Client -> server intents.
const (
	EventJoinRoom    = "join-room"
	EventLeaveRoom   = "leave-room"
	EventReserveSlot = "reserve-slot"
	EventReleaseSlot = "release-slot"
)

// State is the lifecycle state of the managed connection.
type State int

const (
	StateUninitialized State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Envelope is the JSON frame exchanged in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// RoomParams is the payload of join-room and leave-room.
type RoomParams struct {
	ProviderID string `json:"providerId"`
}

// TimestampedMessage wraps raw frame data with its receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw frame bytes
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// RawMessage is a frame forwarded from the Connection Manager to the router.
type RawMessage struct {
	Data       []byte
	ReceivedAt time.Time
	Epoch      uint64 // Increments on every successful connect
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // Full endpoint including namespace (e.g., wss://api.example.com/slots)
	Token            string        // Bearer credential for the handshake ("" = anonymous)
	ClientID         string        // Sent as X-Client-ID for server-side log correlation
	HandshakeTimeout time.Duration // Dial + upgrade deadline
	PingInterval     time.Duration // Keepalive ping period
	PingTimeout      time.Duration // Max time without pong before considering connection stale
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     25 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1000,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	BaseURL              string        // Endpoint base address (e.g., wss://api.example.com)
	Namespace            string        // Sub-channel path for slot traffic (e.g., /slots)
	Token                string        // Bearer credential
	ClientID             string        // Session identifier
	ReconnectBaseWait    time.Duration // First backoff delay; doubles per failure
	MaxReconnectAttempts int           // Failed retries before giving up
	MessageBufferSize    int           // Buffer size for output message channel
	Client               ClientConfig  // Per-connection settings (URL and Token are filled in)
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Namespace:            "/slots",
		ReconnectBaseWait:    1 * time.Second,
		MaxReconnectAttempts: 5,
		MessageBufferSize:    10000,
		Client:               DefaultClientConfig(),
	}
}

// Diagnostic describes why the manager stopped retrying.
type Diagnostic struct {
	Terminal  bool
	Attempts  int
	LastError string
	URL       string
	HasToken  bool
	At        time.Time
	Causes    []string
}

// likelyCauses lists what usually makes a handshake fail repeatedly.
var likelyCauses = []string{
	"real-time server is down or unreachable",
	"wrong endpoint base address or namespace",
	"origin rejected by the server (CORS)",
	"missing, expired or invalid bearer credential",
}

// ManagerStats provides statistics about the connection manager.
type ManagerStats struct {
	State            State
	Epoch            uint64
	Attempts         int
	Rooms            int
	MessagesReceived int64
	MessagesDropped  int64
}
