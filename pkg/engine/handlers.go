package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dougsko/k4d/pkg/cat"
	"github.com/dougsko/k4d/pkg/events"
	"github.com/dougsko/k4d/pkg/logging"
	"github.com/dougsko/k4d/pkg/protocol"
)

// pttWriteTimeout bounds the RX; write when a stream ends on its own
const pttWriteTimeout = 2 * time.Second

// HandleClientMessage processes one control message from a client and
// returns the reply for that client only. A nil reply means the outcome
// is broadcast to every client instead.
func (s *Session) HandleClientMessage(ctx context.Context, clientID string, msg *protocol.ClientMessage) *protocol.Response {
	switch msg.Type {
	case protocol.MsgAudioControl:
		return s.handleAudioControl(msg)

	case protocol.MsgVFOControl:
		return s.handleVFOControl(ctx, msg)

	case protocol.MsgFilterControl:
		return s.handleFilterControl(ctx, msg)

	case protocol.MsgPTT:
		return s.handlePTT(ctx, clientID, msg.Action)

	case protocol.MsgCommand:
		return s.handleCommand(ctx, clientID, msg)

	default:
		return protocol.NewErrorResponse(protocol.MsgError, fmt.Sprintf("unknown message type: %s", msg.Type))
	}
}

func (s *Session) handleAudioControl(msg *protocol.ClientMessage) *protocol.Response {
	var err error
	switch msg.Action {
	case "set_main_volume", "set_sub_volume", "set_master_volume", "set_mic_gain":
		var v int
		if v, err = msg.IntValue(); err != nil {
			break
		}
		switch msg.Action {
		case "set_main_volume":
			_, err = s.controls.SetMainVolume(v)
		case "set_sub_volume":
			_, err = s.controls.SetSubVolume(v)
		case "set_master_volume":
			_, err = s.controls.SetMasterVolume(v)
		case "set_mic_gain":
			err = s.tx.SetMicGain(v)
		}
	case "set_sub_enabled":
		var on bool
		if on, err = msg.BoolValue(); err == nil {
			_, err = s.controls.SetSubEnabled(on)
		}
	case "set_audio_routing":
		var pattern string
		if pattern, err = msg.StringValue(); err == nil {
			_, err = s.controls.SetRouting(pattern)
		}
	default:
		err = fmt.Errorf("unknown audio action: %s", msg.Action)
	}
	if err != nil {
		return protocol.NewErrorResponse(protocol.MsgAudioSettings, err.Error())
	}

	s.pub.Publish(events.KindSettings, s.AudioSettings())
	return nil
}

func (s *Session) handleVFOControl(ctx context.Context, msg *protocol.ClientMessage) *protocol.Response {
	vfo, err := cat.ParseVFO(msg.VFO)
	if err != nil {
		return protocol.NewErrorResponse(protocol.MsgVFOResponse, err.Error())
	}

	var invs []cat.Invocation
	switch msg.Action {
	case "set_frequency":
		var hz int
		if hz, err = msg.IntValue(); err == nil {
			invs = append(invs, cat.FrequencyIntent(vfo, hz))
		}
	case "set_mode":
		var mode string
		if mode, err = msg.StringValue(); err != nil {
			var n int
			if n, err = msg.IntValue(); err == nil {
				mode = fmt.Sprint(n)
			}
		}
		if err == nil {
			invs = append(invs, cat.ModeIntent(vfo, mode))
		}
	case "set_noise_control":
		if msg.NB == nil && msg.NR == nil {
			err = errors.New("noise control needs nb or nr")
		}
		for _, n := range []struct {
			kind string
			set  *protocol.NoiseSetting
		}{{"NB", msg.NB}, {"NR", msg.NR}} {
			if n.set == nil || err != nil {
				continue
			}
			var inv cat.Invocation
			if inv, err = cat.NoiseIntent(vfo, n.kind, *n.set); err == nil {
				invs = append(invs, inv)
			}
		}
	case "toggle_sub_rx":
		invs = append(invs, cat.SubRXToggleIntent())
	default:
		err = fmt.Errorf("unknown vfo action: %s", msg.Action)
	}
	if err != nil {
		return protocol.NewErrorResponse(protocol.MsgVFOResponse, err.Error())
	}
	return s.send(ctx, protocol.MsgVFOResponse, msg.Action, invs...)
}

func (s *Session) handleFilterControl(ctx context.Context, msg *protocol.ClientMessage) *protocol.Response {
	vfo, err := cat.ParseVFO(msg.VFO)
	if err != nil {
		return protocol.NewErrorResponse(protocol.MsgFilterResponse, err.Error())
	}

	var inv cat.Invocation
	switch msg.Action {
	case "set_bandwidth", "set_shift":
		var khz float64
		if khz, err = msg.FloatValue(); err != nil {
			break
		}
		if msg.Action == "set_bandwidth" {
			inv = cat.BandwidthIntent(vfo, khz)
		} else {
			inv = cat.ShiftIntent(vfo, khz)
		}
	case "cycle_preset":
		inv = cat.CyclePresetIntent(vfo)
	default:
		err = fmt.Errorf("unknown filter action: %s", msg.Action)
	}
	if err != nil {
		return protocol.NewErrorResponse(protocol.MsgFilterResponse, err.Error())
	}
	return s.send(ctx, protocol.MsgFilterResponse, msg.Action, inv)
}

func (s *Session) send(ctx context.Context, replyType, action string, invs ...cat.Invocation) *protocol.Response {
	text, err := s.dispatcher.SendAll(ctx, invs...)
	if err != nil {
		return protocol.NewErrorResponse(replyType, err.Error())
	}
	return protocol.NewSuccessResponse(replyType, map[string]interface{}{
		"action":  action,
		"command": text,
	})
}

// pttCommand reports whether raw keys (TX) or unkeys (RX) the transmitter.
// A batch mixing TX or RX with other commands is rejected.
func (s *Session) pttCommand(raw string) (key, isPTT bool, err error) {
	invs, err := s.dispatcher.Registry().ParseCommands(raw)
	if err != nil {
		// SendRaw reports parse failures
		return false, false, nil
	}
	for _, inv := range invs {
		if inv.Mnemonic != "TX" && inv.Mnemonic != "RX" {
			continue
		}
		if len(invs) > 1 || inv.Value != "" {
			return false, false, fmt.Errorf("%w: %s must be sent on its own", protocol.ErrInvalidCommandValue, inv.Mnemonic)
		}
		return inv.Mnemonic == "TX", true, nil
	}
	return false, false, nil
}

func (s *Session) handlePTT(ctx context.Context, clientID, action string) *protocol.Response {
	var err error
	switch action {
	case "start":
		err = s.StartPTT(ctx, clientID)
	case "stop":
		err = s.StopPTT(ctx, clientID)
	default:
		err = fmt.Errorf("unknown ptt action: %s", action)
	}
	if err != nil {
		return protocol.NewErrorResponse(protocol.MsgPTTResponse, err.Error())
	}
	return protocol.NewSuccessResponse(protocol.MsgPTTResponse, map[string]interface{}{
		"action": action,
		"active": s.tx.Active(),
	})
}

func (s *Session) handleCommand(ctx context.Context, clientID string, msg *protocol.ClientMessage) *protocol.Response {
	raw := strings.TrimSpace(msg.Command)
	if raw == "" {
		raw, _ = msg.StringValue()
	}
	raw = strings.ToUpper(strings.TrimSpace(raw))
	if raw == "" {
		return protocol.NewErrorResponse(protocol.MsgCommandResponse, "command is required")
	}

	// keying from raw text still goes through the single TX owner
	switch raw {
	case "TX;":
		return s.handlePTT(ctx, clientID, "start")
	case "RX;":
		return s.handlePTT(ctx, clientID, "stop")
	}

	text, err := s.SendCommand(ctx, clientID, raw)
	if err != nil {
		return protocol.NewErrorResponse(protocol.MsgCommandResponse, err.Error())
	}
	return protocol.NewSuccessResponse(protocol.MsgCommandResponse, map[string]interface{}{
		"command": text,
	})
}

// SendCommand validates and forwards raw CAT text for a client and records
// it in the command history. TX; and RX; go through StartPTT/StopPTT and
// must be sent on their own.
func (s *Session) SendCommand(ctx context.Context, clientID, raw string) (string, error) {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	key, isPTT, err := s.pttCommand(raw)
	if err != nil {
		return "", err
	}
	if isPTT {
		if key {
			return "TX;", s.StartPTT(ctx, clientID)
		}
		return "RX;", s.StopPTT(ctx, clientID)
	}

	text, err := s.dispatcher.SendRaw(ctx, raw)
	if err != nil {
		return "", err
	}
	if s.recorder != nil {
		if err := s.recorder.RecordCommand(s.radio.ID, clientID, text); err != nil {
			logging.Warn(logging.CompSession, "Failed to record command", map[string]interface{}{
				"command": text,
				"error":   err.Error(),
			})
		}
	}
	return text, nil
}

// StartPTT opens the TX stream for clientID and keys the radio
func (s *Session) StartPTT(ctx context.Context, clientID string) error {
	if s.tx.Owner() == clientID && s.tx.Active() {
		return nil
	}
	if err := s.tx.Start(clientID); err != nil {
		return err
	}
	if _, err := s.dispatcher.Send(ctx, cat.PTTIntent(true)); err != nil {
		s.tx.Stop(clientID)
		return err
	}
	s.pub.Publish(events.KindPTT, map[string]interface{}{"active": true, "owner": clientID})
	return nil
}

// StopPTT closes the TX stream and unkeys the radio. Only the owner may
// stop a stream; an empty clientID stops any stream.
func (s *Session) StopPTT(ctx context.Context, clientID string) error {
	if err := s.tx.Stop(clientID); err != nil {
		return err
	}
	return s.unkey(ctx, "stop")
}

func (s *Session) unkey(ctx context.Context, reason string) error {
	_, err := s.dispatcher.Send(ctx, cat.PTTIntent(false))
	s.pub.Publish(events.KindPTT, map[string]interface{}{"active": false, "reason": reason})
	return err
}

// PushAudio feeds one microphone block from clientID
func (s *Session) PushAudio(clientID string, data []byte) error {
	return s.tx.Push(clientID, data)
}

// ClientGone releases anything a departed client held
func (s *Session) ClientGone(clientID string) {
	if s.tx.Owner() != clientID {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, pttWriteTimeout)
	defer cancel()
	if err := s.StopPTT(ctx, clientID); err != nil && !errors.Is(err, protocol.ErrNotConnected) {
		logging.Warn(logging.CompSession, "Failed to unkey after client left", map[string]interface{}{
			"client": clientID,
			"error":  err.Error(),
		})
	}
}

func (s *Session) pttTimedOut(owner string) {
	ctx, cancel := context.WithTimeout(s.ctx, pttWriteTimeout)
	defer cancel()
	if err := s.unkey(ctx, "timeout"); err != nil {
		logging.Warn(logging.CompSession, "Failed to unkey after PTT timeout", map[string]interface{}{
			"owner": owner,
			"error": err.Error(),
		})
	}
}

// SetAudio applies an audio_control action outside a client connection
func (s *Session) SetAudio(action string, value interface{}) (AudioSettings, error) {
	msg, err := audioMessage(action, value)
	if err != nil {
		return AudioSettings{}, err
	}
	if resp := s.handleAudioControl(msg); resp != nil {
		return AudioSettings{}, errors.New(resp.Error)
	}
	return s.AudioSettings(), nil
}

func audioMessage(action string, value interface{}) (*protocol.ClientMessage, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("invalid value for %s: %w", action, err)
	}
	return &protocol.ClientMessage{Type: protocol.MsgAudioControl, Action: action, Value: raw}, nil
}
