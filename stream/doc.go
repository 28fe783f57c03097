// Package stream runs one end of a vrlink session.
//
// A Link owns the datagram socket, the keyframe scheduler and the boundary
// synchronizer, and turns the socket's callbacks into typed events:
//
//	link, err := stream.NewLink(cfg, provider,
//	    stream.WithLogger(logrus.WithField("app", "vrlinkd")),
//	    stream.WithMetrics(collectors),
//	)
//	if err != nil {
//	    return err
//	}
//	defer link.Close()
//
//	for ev := range link.Events() {
//	    switch ev.Kind {
//	    case stream.EventConnected:
//	    case stream.EventData:
//	    case stream.EventBoundary:
//	    }
//	}
//
// # Roles
//
// The host binds the data port and broadcasts discovery requests to the
// discovery port until a headset answers with a handshake. It replies with
// its own handshake, arms a keyframe, and from then on feeds loss reports
// and stream starts to the scheduler and boundary messages to the
// synchronizer, acknowledging each reset and segment.
//
// The headset binds the discovery port and answers discovery requests with
// a broadcast handshake. While it has no session it also broadcasts the
// handshake every discovery interval, which lets it reach a host still
// holding the session of a previous headset process. SendBoundary transmits
// a boundary and resends whatever the host has not acknowledged. ReportLoss
// asks the host for a keyframe on video loss.
//
// # Time sync
//
// Once connected the headset sends a time sync request every second with
// its loss counters. The host answers with its clock and the headset
// confirms, so both ends learn the round trip time and the clock offset.
// ReportFECFailure sends a request at once and makes the host schedule a
// keyframe.
//
// # Pairing
//
// With a passphrase configured both ends run secure.Pairing inside the
// handshake and every data payload is sealed. A peer that fails pairing is
// dropped and the host resumes discovery.
package stream
