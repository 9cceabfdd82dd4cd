// Package protocol implements the coordinator/worker wire format.
//
// Every message is a fixed 16-byte header followed by a payload:
//
//	offset size field
//	0      1    version         (always 1)
//	1      1    opcode
//	2      2    reserved        (written as zero, ignored on read)
//	4      8    job_id          (0 for messages not scoped to a job)
//	12     4    payload_length
//
// All integers are big-endian. The payload is a MessagePack map whose shape is fixed
// by the opcode.
package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	Version        uint8 = 1
	HeaderSize           = 16
	MaxPayloadSize       = math.MaxUint32
)

// Opcode identifies the message kind. Wire values are fixed.
type Opcode uint8

const (
	OpIdentify   Opcode = 1
	OpDispatch   Opcode = 2
	OpAbort      Opcode = 3
	OpHeartbeat  Opcode = 4
	OpConclude   Opcode = 5
	OpError      Opcode = 6
	OpPrepareEnv Opcode = 7
	OpEnvReady   Opcode = 8
	OpDeploy     Opcode = 9
	OpAck        Opcode = 10
)

var opcodeNames = map[Opcode]string{
	OpIdentify:   "IDENTIFY",
	OpDispatch:   "DISPATCH",
	OpAbort:      "ABORT",
	OpHeartbeat:  "HEARTBEAT",
	OpConclude:   "CONCLUDE",
	OpError:      "ERROR",
	OpPrepareEnv: "PREPARE_ENV",
	OpEnvReady:   "ENV_READY",
	OpDeploy:     "DEPLOY",
	OpAck:        "ACK",
}

func (o Opcode) String() string {
	if n, ok := opcodeNames[o]; ok {
		return n
	}
	return fmt.Sprintf("OPCODE(%d)", uint8(o))
}

// Valid reports whether o is a known opcode.
func (o Opcode) Valid() bool {
	_, ok := opcodeNames[o]
	return ok
}

// Header is the fixed message prefix.
type Header struct {
	Version       uint8
	Opcode        Opcode
	Reserved      uint16
	JobID         uint64
	PayloadLength uint32
}

// AppendHeader appends the 16-byte encoding of h to dst.
func AppendHeader(dst []byte, h Header) []byte {
	dst = append(dst, h.Version, byte(h.Opcode))
	dst = binary.BigEndian.AppendUint16(dst, h.Reserved)
	dst = binary.BigEndian.AppendUint64(dst, h.JobID)
	return binary.BigEndian.AppendUint32(dst, h.PayloadLength)
}

// ParseHeader decodes and validates a header. limit bounds the payload length;
// zero or negative means MaxPayloadSize.
func ParseHeader(b []byte, limit int64) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, newError(ErrTruncatedHeader, "got %d of %d bytes", len(b), HeaderSize)
	}
	h := Header{
		Version:       b[0],
		Opcode:        Opcode(b[1]),
		Reserved:      binary.BigEndian.Uint16(b[2:4]),
		JobID:         binary.BigEndian.Uint64(b[4:12]),
		PayloadLength: binary.BigEndian.Uint32(b[12:16]),
	}
	if h.Version != Version {
		return h, newError(ErrBadVersion, "version %d", h.Version)
	}
	if !h.Opcode.Valid() {
		return h, newError(ErrUnknownOpcode, "opcode %d", uint8(h.Opcode))
	}
	if limit <= 0 || limit > MaxPayloadSize {
		limit = MaxPayloadSize
	}
	if int64(h.PayloadLength) > limit {
		return h, newError(ErrPayloadTooLarge, "%d bytes exceeds limit of %d", h.PayloadLength, limit)
	}
	return h, nil
}
