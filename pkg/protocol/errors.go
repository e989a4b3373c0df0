package protocol

import "errors"

// Error taxonomy shared by every bridge component. Callers match with errors.Is;
// the wrapping layers add context with fmt.Errorf("...: %w", err).
var (
	ErrConnectionRefused        = errors.New("connection refused")
	ErrAuthenticationFailed     = errors.New("authentication failed")
	ErrConnectionTimeout        = errors.New("connection timeout")
	ErrProtocolDesync           = errors.New("protocol desync")
	ErrInvalidCommandValue      = errors.New("invalid command value")
	ErrUnknownCommand           = errors.New("unknown command")
	ErrAudioOverrun             = errors.New("audio overrun")
	ErrConfigInvariantViolation = errors.New("config invariant violation")

	ErrNotConnected  = errors.New("not connected")
	ErrRadioNotFound = errors.New("radio not found")
	ErrTXBusy        = errors.New("transmit stream owned by another client")
)
