// Package packet defines the vrlink wire messages and their binary encoding.
//
// Every datagram is a one byte Type followed by a type specific body.
// Multi-byte integers are big-endian and floats are IEEE-754 float32:
//
//	[type (1 byte)][body (variable)]
//
// Parse never panics on network input. Frames that are shorter than the
// type's minimum, that declare a sub-length larger than the remaining bytes,
// or that carry an unknown type fail with an error wrapping ErrMalformed.
// Callers drop such datagrams and keep receiving:
//
//	msg, err := packet.Parse(datagram)
//	if errors.Is(err, packet.ErrMalformed) {
//	    return
//	}
//
// The package holds no state.
package packet
