package pushbullet

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
)

// ErrMalformedFrame is wrapped into every decode error. Malformed frames
// are per-event failures: callers log and drop them without tearing down
// the session.
var ErrMalformedFrame = errors.New("malformed frame")

// DecodeFrame parses the outer envelope of a raw websocket frame. The
// "type" discriminator selects the variant; unknown or missing types are
// malformed.
func DecodeFrame(data []byte) (StreamFrame, error) {
	if !gjson.ValidBytes(data) {
		return StreamFrame{}, fmt.Errorf("invalid JSON: %w", ErrMalformedFrame)
	}

	typ := gjson.GetBytes(data, "type").Str
	if typ == "" {
		return StreamFrame{}, fmt.Errorf("missing type discriminator: %w", ErrMalformedFrame)
	}

	var frame StreamFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return StreamFrame{}, fmt.Errorf("decoding frame: %w", ErrMalformedFrame)
	}

	switch frame.Type {
	case FrameNop, FrameTickle:
		return frame, nil
	case FramePush:
		if len(frame.Push) == 0 {
			return StreamFrame{}, fmt.Errorf("push frame without payload: %w", ErrMalformedFrame)
		}
		return frame, nil
	default:
		return StreamFrame{}, fmt.Errorf("unknown frame type %q: %w", frame.Type, ErrMalformedFrame)
	}
}

// Outer frame discriminator values.
const (
	FrameNop    = "nop"
	FrameTickle = "tickle"
	FramePush   = "push"
)

// Tickle subtypes.
const (
	TicklePush   = "push"
	TickleDevice = "device"
)

// IsEncrypted reports whether an ephemeral payload is end-to-end
// encrypted and must pass through the Cipher before DecodeEphemeral.
func IsEncrypted(payload []byte) bool {
	return gjson.GetBytes(payload, "encrypted").Bool()
}

// Ciphertext extracts the opaque ciphertext from an encrypted ephemeral
// payload.
func Ciphertext(payload []byte) (string, error) {
	ct := gjson.GetBytes(payload, "ciphertext").Str
	if ct == "" {
		return "", fmt.Errorf("encrypted payload without ciphertext: %w", ErrMalformedFrame)
	}
	return ct, nil
}

// DecodeEphemeral parses a plaintext ephemeral payload into a typed
// Event. The payload's own "type" field selects mirror or dismissal;
// anything else is dropped as malformed (SMS and clipboard ephemerals
// are not relayed).
func DecodeEphemeral(payload []byte) (Event, error) {
	var env ephemeralEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Event{}, fmt.Errorf("decoding ephemeral envelope: %w", ErrMalformedFrame)
	}
	if env.Encrypted {
		return Event{}, fmt.Errorf("ephemeral still encrypted: %w", ErrMalformedFrame)
	}

	switch env.Type {
	case "mirror":
		var m Mirror
		if err := json.Unmarshal(payload, &m); err != nil {
			return Event{}, fmt.Errorf("decoding mirror: %w", ErrMalformedFrame)
		}
		if m.PackageName == "" || m.NotificationID == "" {
			return Event{}, fmt.Errorf("mirror missing notification key fields: %w", ErrMalformedFrame)
		}

		return Event{
			Kind:         KindMirror,
			ID:           deriveEventID("mirror", m.SourceDeviceIden, m.NotificationKey(), m.Title, m.Body),
			SourceDevice: m.SourceDeviceIden,
			Mirror:       &m,
		}, nil

	case "dismissal":
		var d Dismissal
		if err := json.Unmarshal(payload, &d); err != nil {
			return Event{}, fmt.Errorf("decoding dismissal: %w", ErrMalformedFrame)
		}
		if d.PackageName == "" {
			return Event{}, fmt.Errorf("dismissal missing package name: %w", ErrMalformedFrame)
		}

		return Event{
			Kind:         KindDismissal,
			ID:           deriveEventID("dismissal", d.SourceDeviceIden, d.NotificationKey(), "", ""),
			SourceDevice: d.SourceDeviceIden,
			Dismissal:    &d,
		}, nil

	default:
		return Event{}, fmt.Errorf("unsupported ephemeral type %q: %w", env.Type, ErrMalformedFrame)
	}
}

// PushEvent wraps a REST push as an Event keyed by its server iden plus
// modification time, so an edited push renders again while a redelivered
// one does not.
func PushEvent(p Push) Event {
	return Event{
		Kind:         KindPush,
		ID:           p.Iden + ":" + strconv.FormatFloat(p.Modified, 'f', -1, 64),
		SourceDevice: p.SourceDeviceIden,
		Push:         &p,
	}
}

// deriveEventID builds a stable identifier for ephemerals, which carry no
// server-assigned iden. Two deliveries of the same ephemeral hash to the
// same id, so dedup holds across reconnects.
func deriveEventID(kind, sourceDevice, key, title, body string) string {
	h := sha256.New()
	for _, part := range []string{kind, sourceDevice, key, title, body} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
