// Package relay implements the Dream Window broker: the single authenticated
// worker link, the viewer hub, and the binary wire protocol shared by both.
package relay

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Message type bytes, worker -> relay.
const (
	MsgFrame     byte = 0x01
	MsgState     byte = 0x02
	MsgHeartbeat byte = 0x03
	MsgStatus    byte = 0x04
)

// Control message type bytes, relay -> worker.
const (
	CtrlPause     byte = 0x10
	CtrlResume    byte = 0x11
	CtrlSaveState byte = 0x12
	CtrlShutdown  byte = 0x13
	CtrlLoadState byte = 0x14
)

// riffMagic opens a bare WebP payload; frames carrying it have no metadata
// header (legacy worker builds).
var riffMagic = []byte("RIFF")

// WorkerMessage is the decoded form of one inbound binary message.
// Exactly one concrete type per wire tag, so dispatch is a type switch the
// compiler can check.
type WorkerMessage interface {
	workerMessage()
}

// FrameMessage carries one encoded frame plus optional worker metadata.
type FrameMessage struct {
	// FrameNumber is 0 when the worker did not supply one; the link then
	// assigns from its own counter.
	FrameNumber      int64
	KeyframeNumber   int64
	Prompt           string
	GenerationTimeMs int64
	Payload          []byte
}

// StateSnapshot is an opaque serialized worker state for persistence.
type StateSnapshot struct {
	Data []byte
}

// Heartbeat is an empty liveness ping.
type Heartbeat struct{}

// StatusUpdate is a JSON status/config blob from the worker.
type StatusUpdate struct {
	// TargetFPS is > 0 when the worker configures viewer pacing.
	TargetFPS float64
	Raw       map[string]any
}

func (FrameMessage) workerMessage()  {}
func (StateSnapshot) workerMessage() {}
func (Heartbeat) workerMessage()     {}
func (StatusUpdate) workerMessage()  {}

// DecodeError marks inbound bytes the relay could not parse. Such messages
// are dropped, not fatal to the connection.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string { return "decode: " + e.Reason }

// IsDecodeError reports whether err is a protocol decode failure.
func IsDecodeError(err error) bool {
	_, ok := err.(*DecodeError)
	return ok
}

// frameMeta is the JSON header a v2 worker prepends to frame payloads.
type frameMeta struct {
	FrameNumber    int64  `json:"fn"`
	KeyframeNumber int64  `json:"kf"`
	Prompt         string `json:"p,omitempty"`
	GenTimeMs      int64  `json:"gt,omitempty"`
}

// DecodeWorkerMessage parses one binary message from the worker.
func DecodeWorkerMessage(data []byte) (WorkerMessage, error) {
	if len(data) < 1 {
		return nil, &DecodeError{Reason: "empty message"}
	}
	payload := data[1:]
	switch data[0] {
	case MsgFrame:
		return decodeFrame(payload)
	case MsgState:
		if len(payload) == 0 {
			return nil, &DecodeError{Reason: "empty state snapshot"}
		}
		return StateSnapshot{Data: payload}, nil
	case MsgHeartbeat:
		return Heartbeat{}, nil
	case MsgStatus:
		var raw map[string]any
		if err := json.Unmarshal(payload, &raw); err != nil {
			return nil, &DecodeError{Reason: fmt.Sprintf("status json: %v", err)}
		}
		upd := StatusUpdate{Raw: raw}
		if v, ok := raw["target_fps"].(float64); ok && v > 0 {
			upd.TargetFPS = v
		}
		return upd, nil
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown message type 0x%02x", data[0])}
	}
}

// decodeFrame handles both framings: a 4-byte big-endian metadata length
// followed by JSON and image bytes, or a bare image (RIFF leading).
func decodeFrame(payload []byte) (FrameMessage, error) {
	if len(payload) == 0 {
		return FrameMessage{}, &DecodeError{Reason: "empty frame payload"}
	}
	if len(payload) <= 4 || bytes.HasPrefix(payload, riffMagic) {
		return FrameMessage{Payload: payload}, nil
	}
	metaLen := int(binary.BigEndian.Uint32(payload[:4]))
	if metaLen <= 0 || metaLen >= len(payload)-4 {
		// Not a plausible header; treat as a bare image.
		return FrameMessage{Payload: payload}, nil
	}
	var meta frameMeta
	if err := json.Unmarshal(payload[4:4+metaLen], &meta); err != nil {
		return FrameMessage{}, &DecodeError{Reason: fmt.Sprintf("frame metadata: %v", err)}
	}
	return FrameMessage{
		FrameNumber:      meta.FrameNumber,
		KeyframeNumber:   meta.KeyframeNumber,
		Prompt:           meta.Prompt,
		GenerationTimeMs: meta.GenTimeMs,
		Payload:          payload[4+metaLen:],
	}, nil
}

// EncodeControl frames an outbound control message for the worker.
func EncodeControl(ctrl byte, payload []byte) []byte {
	out := make([]byte, 0, 1+len(payload))
	out = append(out, ctrl)
	return append(out, payload...)
}

// EncodeFramePush frames a payload for the viewer binary channel
// (same 0x01 tag as the worker side).
func EncodeFramePush(payload []byte) []byte {
	out := make([]byte, 0, 1+len(payload))
	out = append(out, MsgFrame)
	return append(out, payload...)
}

// EncodeFrameMessage builds a worker-side frame message with a metadata
// header. Used by tests and by worker emulators.
func EncodeFrameMessage(m FrameMessage) ([]byte, error) {
	meta, err := json.Marshal(frameMeta{
		FrameNumber:    m.FrameNumber,
		KeyframeNumber: m.KeyframeNumber,
		Prompt:         m.Prompt,
		GenTimeMs:      m.GenerationTimeMs,
	})
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 5+len(meta)+len(m.Payload))
	out = append(out, MsgFrame)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(meta)))
	out = append(out, lenBuf[:]...)
	out = append(out, meta...)
	return append(out, m.Payload...), nil
}
