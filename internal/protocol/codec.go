package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Wire framing: each message is a 4-byte big-endian payload length followed
// by one msgpack-encoded Envelope. The cap keeps a corrupt or hostile length
// prefix from turning into an unbounded allocation.
const (
	lenPrefixSize  = 4
	MaxMessageSize = 4 << 20
)

// WriteMsg frames env onto w. The prefix and payload go out in a single
// Write, so concurrent writers sharing a lock never interleave mid-frame.
func WriteMsg(w io.Writer, env *Envelope) error {
	payload, err := msgpack.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("frame too large: %d bytes (cap %d)", len(payload), MaxMessageSize)
	}

	frame := make([]byte, lenPrefixSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[lenPrefixSize:], payload)
	_, err = w.Write(frame)
	return err
}

// ReadMsg reads one frame from r and decodes its envelope. Read errors pass
// through unwrapped so callers can match io.EOF on a clean peer close.
func ReadMsg(r io.Reader) (*Envelope, error) {
	var prefix [lenPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxMessageSize {
		return nil, fmt.Errorf("frame too large: %d bytes (cap %d)", size, MaxMessageSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	env := new(Envelope)
	if err := msgpack.Unmarshal(payload, env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// DecodeBody unmarshals the envelope body into v.
func (e *Envelope) DecodeBody(v any) error {
	return msgpack.Unmarshal(e.Body, v)
}

// NewEnvelope builds an envelope carrying an encoded body.
func NewEnvelope(typ MsgType, id uint32, body any) (*Envelope, error) {
	raw, err := msgpack.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", typ, err)
	}
	return &Envelope{Type: typ, ID: id, Body: raw}, nil
}

// NewEnvelopeNoBody builds a bodyless envelope for control messages.
func NewEnvelopeNoBody(typ MsgType, id uint32) *Envelope {
	return &Envelope{Type: typ, ID: id}
}
