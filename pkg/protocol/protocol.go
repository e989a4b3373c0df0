package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RadioConfig describes one K4 the bridge can connect to
type RadioConfig struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Host          string     `json:"host"`
	Port          int        `json:"port"`
	Password      string     `json:"password,omitempty"`
	Enabled       bool       `json:"enabled"`
	Description   string     `json:"description,omitempty"`
	LastConnected *time.Time `json:"last_connected,omitempty"`
}

// Address returns host:port for dialing
func (r RadioConfig) Address() string {
	port := r.Port
	if port == 0 {
		port = DefaultPort
	}
	return fmt.Sprintf("%s:%d", r.Host, port)
}

// ConnectionState is the connection manager state
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateReconnecting
	StateFailed
)

// String returns string representation of the state
func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Indicator collapses the state into what a status light shows
func (s ConnectionState) Indicator() string {
	switch s {
	case StateConnected:
		return "Connected"
	case StateConnecting, StateAuthenticating, StateReconnecting:
		return "Connecting"
	case StateFailed:
		return "Failed"
	default:
		return "Disconnected"
	}
}

// ConnectionStatus is broadcast whenever the active session changes state
type ConnectionStatus struct {
	RadioID   string `json:"radio_id"`
	RadioName string `json:"radio_name,omitempty"`
	State     string `json:"state"`
	Indicator string `json:"indicator"`
	LastError string `json:"last_error,omitempty"`
}

// Status represents the current daemon status
type Status struct {
	ActiveRadio string           `json:"active_radio"`
	Connection  ConnectionStatus `json:"connection"`
	Clients     int              `json:"clients"`
	PTT         bool             `json:"ptt"`
	AudioMode   string           `json:"audio_mode"`
	Uptime      string           `json:"uptime"`
	StartTime   time.Time        `json:"start_time"`
	Version     string           `json:"version"`
}

// Response is the reply envelope for request style client messages
type Response struct {
	Type    string                 `json:"type"`
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// String converts a Response to JSON
func (r *Response) String() string {
	data, _ := json.Marshal(r)
	return string(data)
}

// NewSuccessResponse creates a successful response
func NewSuccessResponse(msgType string, data map[string]interface{}) *Response {
	return &Response{
		Type:    msgType,
		Success: true,
		Data:    data,
	}
}

// NewErrorResponse creates an error response
func NewErrorResponse(msgType string, err string) *Response {
	return &Response{
		Type:    msgType,
		Success: false,
		Error:   err,
	}
}

// Client to server message types
const (
	MsgAudioControl  = "audio_control"
	MsgVFOControl    = "vfo_control"
	MsgFilterControl = "filter_control"
	MsgPTT           = "ptt"
	MsgCommand       = "command"
	MsgDisconnect    = "DISCONNECT"
)

// Server to client message types
const (
	MsgCAT              = "cat"
	MsgConnectionStatus = "connection_status"
	MsgSpectrum         = "spectrum_data"
	MsgBoundaryUpdate   = "boundary_update"
	MsgFilterUpdate     = "filter_update"
	MsgAudioMode        = "audio_mode"
	MsgAudioSettings    = "audio_settings"
	MsgWaterfall        = "waterfall_history"
	MsgVFOResponse      = "vfo_response"
	MsgFilterResponse   = "filter_response"
	MsgPTTResponse      = "ptt_response"
	MsgCommandResponse  = "command_response"
	MsgError            = "error"
)

// ClientMessage is a structured message from a UI client. Raw CAT text and the
// DISCONNECT keyword are normalised into the same shape.
type ClientMessage struct {
	Type    string          `json:"type"`
	Action  string          `json:"action,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	VFO     string          `json:"vfo,omitempty"`
	Command string          `json:"command,omitempty"`

	// vfo_control set_noise_control
	NB *NoiseSetting `json:"nb,omitempty"`
	NR *NoiseSetting `json:"nr,omitempty"`
}

// NoiseSetting is a noise blanker or reduction request
type NoiseSetting struct {
	Level   int  `json:"level"`
	Enabled bool `json:"enabled"`
	Filter  int  `json:"filter,omitempty"`
}

// ParseClientMessage parses a text message from a client
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil, fmt.Errorf("empty message")
	}

	if text == MsgDisconnect {
		return &ClientMessage{Type: MsgDisconnect}, nil
	}

	if strings.HasPrefix(text, "{") {
		var msg ClientMessage
		if err := json.Unmarshal([]byte(text), &msg); err != nil {
			return nil, fmt.Errorf("invalid json message: %w", err)
		}
		if msg.Type == "" {
			return nil, fmt.Errorf("message type is required")
		}
		return &msg, nil
	}

	if strings.HasSuffix(text, ";") {
		return &ClientMessage{Type: MsgCommand, Command: text}, nil
	}

	return nil, fmt.Errorf("unrecognised message %q", text)
}

// IntValue decodes Value as an integer, accepting numeric strings
func (m *ClientMessage) IntValue() (int, error) {
	var n int
	if err := json.Unmarshal(m.Value, &n); err == nil {
		return n, nil
	}
	var f float64
	if err := json.Unmarshal(m.Value, &f); err == nil {
		return int(f), nil
	}
	var s string
	if err := json.Unmarshal(m.Value, &s); err == nil {
		if _, err := fmt.Sscanf(s, "%d", &n); err == nil {
			return n, nil
		}
	}
	return 0, fmt.Errorf("value %s is not a number", string(m.Value))
}

// FloatValue decodes Value as a float
func (m *ClientMessage) FloatValue() (float64, error) {
	var f float64
	if err := json.Unmarshal(m.Value, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(m.Value, &s); err == nil {
		if _, err := fmt.Sscanf(s, "%g", &f); err == nil {
			return f, nil
		}
	}
	return 0, fmt.Errorf("value %s is not a number", string(m.Value))
}

// BoolValue decodes Value as a bool
func (m *ClientMessage) BoolValue() (bool, error) {
	var b bool
	if err := json.Unmarshal(m.Value, &b); err != nil {
		return false, fmt.Errorf("value %s is not a boolean", string(m.Value))
	}
	return b, nil
}

// StringValue decodes Value as a string
func (m *ClientMessage) StringValue() (string, error) {
	var s string
	if err := json.Unmarshal(m.Value, &s); err != nil {
		return "", fmt.Errorf("value %s is not a string", string(m.Value))
	}
	return s, nil
}
