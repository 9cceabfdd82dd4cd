package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Message is a decoded frame. Payload always holds a pointer to the opcode's
// payload type (*Dispatch for OpDispatch and so on).
type Message struct {
	JobID   uint64
	Payload Payload
}

// New builds a message for payload p, scoped to jobID (0 when not job-scoped).
func New(jobID uint64, p Payload) *Message {
	return &Message{JobID: jobID, Payload: p}
}

// Opcode returns the payload's opcode.
func (m *Message) Opcode() Opcode {
	return m.Payload.Opcode()
}

func (m *Message) String() string {
	return fmt.Sprintf("%s(job=%d)", m.Opcode(), m.JobID)
}

// Encode renders m as a single frame.
func Encode(m *Message) ([]byte, error) {
	if m == nil || m.Payload == nil {
		return nil, errors.New("protocol: nil message")
	}
	if err := m.Payload.Validate(); err != nil {
		return nil, newError(ErrMalformedPayload, "%s: %v", m.Opcode(), err)
	}
	body, err := msgpack.Marshal(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", m.Opcode(), err)
	}
	if int64(len(body)) > MaxPayloadSize {
		return nil, newError(ErrPayloadTooLarge, "%d bytes", len(body))
	}
	frame := make([]byte, 0, HeaderSize+len(body))
	frame = AppendHeader(frame, Header{
		Version:       Version,
		Opcode:        m.Opcode(),
		JobID:         m.JobID,
		PayloadLength: uint32(len(body)),
	})
	return append(frame, body...), nil
}

// Decode parses exactly one frame from b. limit bounds the payload size.
func Decode(b []byte, limit int64) (*Message, error) {
	h, err := ParseHeader(b, limit)
	if err != nil {
		return nil, err
	}
	rest := b[HeaderSize:]
	switch {
	case len(rest) < int(h.PayloadLength):
		return nil, newError(ErrTruncatedPayload, "got %d of %d bytes", len(rest), h.PayloadLength)
	case len(rest) > int(h.PayloadLength):
		return nil, newError(ErrMalformedPayload, "%d trailing bytes", len(rest)-int(h.PayloadLength))
	}
	return decodePayload(h, rest)
}

func decodePayload(h Header, body []byte) (*Message, error) {
	p := newPayload(h.Opcode)
	if len(body) > 0 {
		dec := msgpack.NewDecoder(bytes.NewReader(body))
		dec.DisallowUnknownFields(true)
		if err := dec.Decode(p); err != nil {
			return nil, newError(ErrMalformedPayload, "%s: %v", h.Opcode, err)
		}
	}
	if err := p.Validate(); err != nil {
		return nil, newError(ErrMalformedPayload, "%s: %v", h.Opcode, err)
	}
	return &Message{JobID: h.JobID, Payload: p}, nil
}

// WriteMessage encodes m and writes it to w.
func WriteMessage(w io.Writer, m *Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadMessage reads one frame from a byte stream. It returns io.EOF when the
// stream ends cleanly between frames.
func ReadMessage(r io.Reader, limit int64) (*Message, error) {
	var hdr [HeaderSize]byte
	n, err := io.ReadFull(r, hdr[:])
	switch {
	case errors.Is(err, io.EOF) && n == 0:
		return nil, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return nil, newError(ErrTruncatedHeader, "got %d of %d bytes", n, HeaderSize)
	case err != nil:
		return nil, err
	}
	h, err := ParseHeader(hdr[:], limit)
	if err != nil {
		return nil, err
	}
	body := make([]byte, h.PayloadLength)
	if n, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, newError(ErrTruncatedPayload, "got %d of %d bytes", n, h.PayloadLength)
		}
		return nil, err
	}
	return decodePayload(h, body)
}
