// Package boundary synchronizes the headset's play-area boundary (guardian
// or chaperone perimeter) to the host.
//
// A boundary is usually too large for one datagram. The headset announces a
// new update with a reset that declares the point count, then sends the
// points in fixed-size segments. Segments may arrive reordered or
// duplicated. The receiving Synchronizer copies each segment into its slot
// and publishes the update once every slot has been written:
//
//	rx := boundary.NewSynchronizer()
//	rx.Reset(reset.Timestamp, reset.TotalPoints, reset.PlayArea)
//	rx.WriteSegment(seg.Index, seg.Points)
//	if u, ok := rx.MaybePublish(); ok {
//	    provider.PublishBoundary(u)
//	}
//
// An update is published at most once per reset. A reset that declares no
// points publishes immediately with the standing perimeter of the play area.
//
// The Sender is the transmitting side. It offers the reset until it is
// acknowledged, then each unacknowledged segment, at most once per
// limits.BoundaryResendCooldown.
package boundary
