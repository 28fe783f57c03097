// Package limits provides centralized wire size limits for the vrlink protocol.
// This ensures consistent validation across the codec, the transport and the
// boundary synchronization components.
package limits

import (
	"errors"
	"fmt"
	"time"
)

const (
	// MaxPacketSize is the largest datagram either endpoint will emit (1400 bytes).
	// It stays below a typical 1500 byte Ethernet MTU after IP/UDP headers.
	MaxPacketSize = 1400

	// ReadBufferSize is the size of the receive buffer used by the socket loop.
	// Datagrams larger than MaxPacketSize are still read whole so they can be
	// rejected instead of silently truncated.
	ReadBufferSize = 2048

	// HeaderSize is the size of the one byte message discriminant.
	HeaderSize = 1

	// MaxDataPayload is the largest opaque payload carried by a data message.
	MaxDataPayload = MaxPacketSize - HeaderSize

	// MaxDeviceName is the maximum length of a device identity string.
	MaxDeviceName = 32

	// MaxPairingMessage is the maximum size of the pairing blob carried in a handshake.
	MaxPairingMessage = 256

	// BoundarySegmentSize is the number of points carried by one full boundary segment.
	BoundarySegmentSize = 100

	// PointRecordSize is the encoded size of one boundary point (3 x float32).
	PointRecordSize = 12

	// MaxBoundaryPoints caps the point count a reset may declare.
	// A reset is network input and sizes an allocation.
	MaxBoundaryPoints = 1 << 16

	// BoundaryResendCooldown is how long an unacknowledged boundary message
	// waits before it is sent again.
	BoundaryResendCooldown = time.Second
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")

	// ErrTooManyPoints indicates a boundary declares more points than allowed
	ErrTooManyPoints = errors.New("too many boundary points")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidatePacket validates an encoded datagram against MaxPacketSize.
func ValidatePacket(data []byte) error {
	return ValidateMessageSize(data, MaxPacketSize)
}

// ValidateDataPayload validates an application payload against MaxDataPayload.
// Empty payloads are allowed; a data message may be used as a keepalive.
func ValidateDataPayload(payload []byte) error {
	if len(payload) > MaxDataPayload {
		return fmt.Errorf("%w: payload size %d exceeds limit %d", ErrMessageTooLarge, len(payload), MaxDataPayload)
	}
	return nil
}

// ValidateBoundaryPoints validates a declared boundary point count.
func ValidateBoundaryPoints(total uint32) error {
	if total > MaxBoundaryPoints {
		return fmt.Errorf("%w: %d exceeds limit %d", ErrTooManyPoints, total, MaxBoundaryPoints)
	}
	return nil
}

// SegmentCount returns the number of segments needed for total points
// at the given segment size, i.e. ceil(total / segmentSize).
func SegmentCount(total, segmentSize int) int {
	if total <= 0 || segmentSize <= 0 {
		return 0
	}
	return (total + segmentSize - 1) / segmentSize
}
