// Package limits provides centralized size constants and validation functions
// for the vrlink wire protocol.
//
// # Size Hierarchy
//
//   - MaxPacketSize (1400 bytes): the largest datagram either endpoint emits.
//   - MaxDataPayload: MaxPacketSize minus the one byte message discriminant.
//   - BoundarySegmentSize (100 points): one full boundary segment. With
//     12 byte point records a segment fits comfortably in one datagram.
//   - MaxBoundaryPoints: the largest point count a reset may declare.
//
// # Validation Functions
//
//	if err := limits.ValidatePacket(frame); err != nil {
//	    // ErrMessageEmpty or ErrMessageTooLarge
//	}
//
// SegmentCount computes ceil(total/segmentSize) and is shared by the boundary
// synchronizer and the boundary sender so both sides agree on segmentation.
package limits
