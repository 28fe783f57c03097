package packet

import (
	"errors"
	"fmt"

	"github.com/opd-ai/vrlink/limits"
)

// Type identifies the kind of a vrlink message. It is the first byte of every datagram.
type Type byte

const (
	// Session lifecycle
	TypeDiscovery Type = iota + 1
	TypeHandshake

	// Opaque application payload (video, tracking, input)
	TypeData

	// Boundary synchronization
	TypeBoundaryReset
	TypeBoundarySegment
	TypeBoundaryResetAck
	TypeBoundarySegmentAck

	// Recovery and stream control
	TypeLossReport
	TypeStreamControl

	// Clock and statistics exchange
	TypeTimeSync
)

// ProtocolVersion is the local wire protocol version. A handshake carrying any
// other version never creates a session.
const ProtocolVersion uint32 = 1

var (
	// ErrMalformed indicates a datagram that cannot be decoded. Receivers drop
	// the datagram and keep going.
	ErrMalformed = errors.New("malformed packet")
	// ErrUnknownType indicates a discriminant that maps to no message kind.
	ErrUnknownType = errors.New("unknown packet type")
)

// String returns a short name for logging.
func (t Type) String() string {
	switch t {
	case TypeDiscovery:
		return "discovery"
	case TypeHandshake:
		return "handshake"
	case TypeData:
		return "data"
	case TypeBoundaryReset:
		return "boundary_reset"
	case TypeBoundarySegment:
		return "boundary_segment"
	case TypeBoundaryResetAck:
		return "boundary_reset_ack"
	case TypeBoundarySegmentAck:
		return "boundary_segment_ack"
	case TypeLossReport:
		return "loss_report"
	case TypeStreamControl:
		return "stream_control"
	case TypeTimeSync:
		return "time_sync"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Message is implemented by every wire message.
type Message interface {
	// Type returns the discriminant written in front of the body.
	Type() Type

	appendBody(dst []byte) []byte
}

// Marshal converts a message to a datagram: [type (1 byte)][body].
func Marshal(m Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("message cannot be nil")
	}
	if v, ok := m.(interface{ validate() error }); ok {
		if err := v.validate(); err != nil {
			return nil, fmt.Errorf("marshal %s: %w", m.Type(), err)
		}
	}

	buf := make([]byte, 1, 64)
	buf[0] = byte(m.Type())
	buf = m.appendBody(buf)

	if err := limits.ValidatePacket(buf); err != nil {
		return nil, fmt.Errorf("marshal %s: %w", m.Type(), err)
	}
	return buf, nil
}

// MustMarshal is Marshal for messages known to fit, such as fixed size control messages.
func MustMarshal(m Message) []byte {
	data, err := Marshal(m)
	if err != nil {
		panic(err)
	}
	return data
}

// PeekType returns the discriminant of a datagram without decoding the body.
func PeekType(data []byte) (Type, error) {
	if len(data) < limits.HeaderSize {
		return 0, fmt.Errorf("%w: empty datagram", ErrMalformed)
	}
	return Type(data[0]), nil
}

// Parse converts a datagram to a message. Any error wraps ErrMalformed.
func Parse(data []byte) (Message, error) {
	t, err := PeekType(data)
	if err != nil {
		return nil, err
	}

	d := &decoder{buf: data[limits.HeaderSize:]}
	var m Message

	switch t {
	case TypeDiscovery:
		m = &Discovery{}
	case TypeHandshake:
		m = decodeHandshake(d)
	case TypeData:
		m = decodeData(d)
	case TypeBoundaryReset:
		m = decodeBoundaryReset(d)
	case TypeBoundarySegment:
		m = decodeBoundarySegment(d)
	case TypeBoundaryResetAck:
		m = &BoundaryResetAck{Timestamp: d.u64()}
	case TypeBoundarySegmentAck:
		m = &BoundarySegmentAck{Timestamp: d.u64(), Index: d.u32()}
	case TypeLossReport:
		m = &LossReport{Kind: LostFrameKind(d.u32()), From: d.u32(), To: d.u32()}
	case TypeStreamControl:
		m = &StreamControl{Mode: StreamMode(d.u32())}
	case TypeTimeSync:
		m = decodeTimeSync(d)
	default:
		return nil, fmt.Errorf("%w: %w %d", ErrMalformed, ErrUnknownType, byte(t))
	}

	if d.err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, t, d.err)
	}
	return m, nil
}
