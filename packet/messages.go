package packet

import (
	"fmt"

	"github.com/opd-ai/vrlink/limits"
)

// Capability is a bitset advertised in the handshake.
type Capability uint32

const (
	// CapSixDoF means the headset tracks position as well as orientation.
	CapSixDoF Capability = 1 << iota
	// CapControllers means tracked controllers are present.
	CapControllers
	// CapHandTracking means hand skeletons are reported.
	CapHandTracking
	// CapMicrophone means the headset can stream microphone audio.
	CapMicrophone
	// CapPairing means the handshake carries a pairing message and data is sealed.
	CapPairing
)

// Has reports whether all bits in flag are set.
func (c Capability) Has(flag Capability) bool {
	return c&flag == flag
}

// Discovery asks listeners on the local network to announce themselves.
type Discovery struct{}

// Type implements Message.
func (*Discovery) Type() Type { return TypeDiscovery }

func (*Discovery) appendBody(dst []byte) []byte { return dst }

// ConnectionMessage is the content of a handshake.
type ConnectionMessage struct {
	Version      uint32
	DeviceName   string
	Capabilities Capability
	// DataPort is the port the sender receives data on; 0 means "reply to the source port".
	DataPort uint16
	// RecvBufferSize asks the receiver to size its socket receive buffer (bytes, 0 = leave as is).
	RecvBufferSize uint32
	// Pairing is an opaque secure-channel handshake message, empty when pairing is off.
	Pairing []byte
}

// Handshake carries a ConnectionMessage. A version-matching handshake creates a session.
type Handshake struct {
	ConnectionMessage
}

// Type implements Message.
func (*Handshake) Type() Type { return TypeHandshake }

func (h *Handshake) validate() error {
	if len(h.DeviceName) > limits.MaxDeviceName {
		return fmt.Errorf("device name length %d exceeds %d", len(h.DeviceName), limits.MaxDeviceName)
	}
	if len(h.Pairing) > limits.MaxPairingMessage {
		return fmt.Errorf("pairing message length %d exceeds %d", len(h.Pairing), limits.MaxPairingMessage)
	}
	return nil
}

// Wire format: [version(4)][caps(4)][data_port(2)][recv_buf(4)][name_len(1)][name][pairing_len(2)][pairing]
func (h *Handshake) appendBody(dst []byte) []byte {
	dst = appendU32(dst, h.Version)
	dst = appendU32(dst, uint32(h.Capabilities))
	dst = appendU16(dst, h.DataPort)
	dst = appendU32(dst, h.RecvBufferSize)
	dst = append(dst, byte(len(h.DeviceName)))
	dst = append(dst, h.DeviceName...)
	dst = appendU16(dst, uint16(len(h.Pairing)))
	return append(dst, h.Pairing...)
}

func decodeHandshake(d *decoder) *Handshake {
	h := &Handshake{}
	h.Version = d.u32()
	h.Capabilities = Capability(d.u32())
	h.DataPort = d.u16()
	h.RecvBufferSize = d.u32()

	nameLen := int(d.u8())
	if nameLen > limits.MaxDeviceName {
		d.fail("device name length %d exceeds %d", nameLen, limits.MaxDeviceName)
	}
	h.DeviceName = string(d.take(nameLen, "device name"))

	pairingLen := int(d.u16())
	if pairingLen > limits.MaxPairingMessage {
		d.fail("pairing length %d exceeds %d", pairingLen, limits.MaxPairingMessage)
	}
	if pairingLen > 0 {
		h.Pairing = d.bytes(pairingLen, "pairing")
	}
	return h
}

// Data carries an opaque application payload.
type Data struct {
	Payload []byte
}

// Type implements Message.
func (*Data) Type() Type { return TypeData }

func (m *Data) appendBody(dst []byte) []byte { return append(dst, m.Payload...) }

func decodeData(d *decoder) *Data {
	return &Data{Payload: d.rest()}
}

// PlayArea is the size of the tracked play area in meters.
type PlayArea struct {
	Width float32
	Depth float32
}

// BoundaryReset starts a new boundary update of TotalPoints points.
type BoundaryReset struct {
	Timestamp   uint64
	TotalPoints uint32
	PlayArea    PlayArea
}

// Type implements Message.
func (*BoundaryReset) Type() Type { return TypeBoundaryReset }

func (m *BoundaryReset) validate() error {
	return limits.ValidateBoundaryPoints(m.TotalPoints)
}

// Wire format: [timestamp(8)][total(4)][width(4)][depth(4)]
func (m *BoundaryReset) appendBody(dst []byte) []byte {
	dst = appendU64(dst, m.Timestamp)
	dst = appendU32(dst, m.TotalPoints)
	dst = appendF32(dst, m.PlayArea.Width)
	return appendF32(dst, m.PlayArea.Depth)
}

func decodeBoundaryReset(d *decoder) *BoundaryReset {
	m := &BoundaryReset{
		Timestamp:   d.u64(),
		TotalPoints: d.u32(),
		PlayArea:    PlayArea{Width: d.f32(), Depth: d.f32()},
	}
	if d.err == nil {
		if err := limits.ValidateBoundaryPoints(m.TotalPoints); err != nil {
			d.fail("%v", err)
		}
	}
	return m
}

// Point is one boundary perimeter point in tracking space (meters).
type Point struct {
	X, Y, Z float32
}

// BoundarySegment carries the points of one segment of a boundary update.
type BoundarySegment struct {
	Timestamp uint64
	Index     uint32
	Points    []Point
}

// Type implements Message.
func (*BoundarySegment) Type() Type { return TypeBoundarySegment }

func (m *BoundarySegment) validate() error {
	if len(m.Points) > limits.BoundarySegmentSize {
		return fmt.Errorf("segment holds %d points, max %d", len(m.Points), limits.BoundarySegmentSize)
	}
	return nil
}

// Wire format: [timestamp(8)][index(4)][count(2)][count x (x,y,z float32)]
func (m *BoundarySegment) appendBody(dst []byte) []byte {
	dst = appendU64(dst, m.Timestamp)
	dst = appendU32(dst, m.Index)
	dst = appendU16(dst, uint16(len(m.Points)))
	for _, p := range m.Points {
		dst = appendF32(dst, p.X)
		dst = appendF32(dst, p.Y)
		dst = appendF32(dst, p.Z)
	}
	return dst
}

func decodeBoundarySegment(d *decoder) *BoundarySegment {
	m := &BoundarySegment{
		Timestamp: d.u64(),
		Index:     d.u32(),
	}
	count := int(d.u16())
	if count > limits.BoundarySegmentSize {
		d.fail("segment declares %d points, max %d", count, limits.BoundarySegmentSize)
	}
	if d.err != nil || len(d.buf)-d.off < count*limits.PointRecordSize {
		d.fail("segment declares %d points, %d bytes remaining", count, len(d.buf)-d.off)
		return m
	}

	m.Points = make([]Point, count)
	for i := range m.Points {
		m.Points[i] = Point{X: d.f32(), Y: d.f32(), Z: d.f32()}
	}
	return m
}

// BoundaryResetAck acknowledges a BoundaryReset.
type BoundaryResetAck struct {
	Timestamp uint64
}

// Type implements Message.
func (*BoundaryResetAck) Type() Type { return TypeBoundaryResetAck }

func (m *BoundaryResetAck) appendBody(dst []byte) []byte { return appendU64(dst, m.Timestamp) }

// BoundarySegmentAck acknowledges one BoundarySegment.
type BoundarySegmentAck struct {
	Timestamp uint64
	Index     uint32
}

// Type implements Message.
func (*BoundarySegmentAck) Type() Type { return TypeBoundarySegmentAck }

func (m *BoundarySegmentAck) appendBody(dst []byte) []byte {
	dst = appendU64(dst, m.Timestamp)
	return appendU32(dst, m.Index)
}

// LostFrameKind says which stream lost packets.
type LostFrameKind uint32

const (
	LostVideo LostFrameKind = iota
	LostAudio
)

// LossReport tells the sender that packets From..To of a stream were lost.
type LossReport struct {
	Kind LostFrameKind
	From uint32
	To   uint32
}

// Type implements Message.
func (*LossReport) Type() Type { return TypeLossReport }

func (m *LossReport) appendBody(dst []byte) []byte {
	dst = appendU32(dst, uint32(m.Kind))
	dst = appendU32(dst, m.From)
	return appendU32(dst, m.To)
}

// StreamMode is the requested stream state.
type StreamMode uint32

const (
	StreamStart StreamMode = 1
	StreamStop  StreamMode = 2
)

func (m StreamMode) String() string {
	switch m {
	case StreamStart:
		return "start"
	case StreamStop:
		return "stop"
	default:
		return "unknown"
	}
}

// StreamControl starts or stops the stream.
type StreamControl struct {
	Mode StreamMode
}

// Type implements Message.
func (*StreamControl) Type() Type { return TypeStreamControl }

func (m *StreamControl) appendBody(dst []byte) []byte { return appendU32(dst, uint32(m.Mode)) }

// TimeSyncMode is the step of a time sync round trip.
type TimeSyncMode uint32

const (
	// TimeSyncRequest is sent by the headset with its clock and statistics.
	TimeSyncRequest TimeSyncMode = iota
	// TimeSyncResponse echoes a request with the host clock filled in.
	TimeSyncResponse
	// TimeSyncConfirm echoes a response with the headset clock refreshed,
	// letting the host measure the round trip too.
	TimeSyncConfirm
)

// TimeSync measures round trip time and clock offset and carries the
// headset's reception statistics. Clocks are microseconds.
type TimeSync struct {
	Mode        TimeSyncMode
	Sequence    uint64
	HostTime    uint64
	HeadsetTime uint64

	PacketsLostTotal    uint64
	PacketsLostInSecond uint64
	// FECFailure is set when the headset could not reconstruct a video frame.
	FECFailure bool
}

// Type implements Message.
func (*TimeSync) Type() Type { return TypeTimeSync }

// Wire format: [mode(4)][sequence(8)][host(8)][headset(8)][lost_total(8)][lost_second(8)][fec_failure(1)]
func (m *TimeSync) appendBody(dst []byte) []byte {
	dst = appendU32(dst, uint32(m.Mode))
	dst = appendU64(dst, m.Sequence)
	dst = appendU64(dst, m.HostTime)
	dst = appendU64(dst, m.HeadsetTime)
	dst = appendU64(dst, m.PacketsLostTotal)
	dst = appendU64(dst, m.PacketsLostInSecond)
	if m.FECFailure {
		return append(dst, 1)
	}
	return append(dst, 0)
}

func decodeTimeSync(d *decoder) *TimeSync {
	m := &TimeSync{
		Mode:                TimeSyncMode(d.u32()),
		Sequence:            d.u64(),
		HostTime:            d.u64(),
		HeadsetTime:         d.u64(),
		PacketsLostTotal:    d.u64(),
		PacketsLostInSecond: d.u64(),
		FECFailure:          d.u8() != 0,
	}
	if d.err == nil && m.Mode > TimeSyncConfirm {
		d.fail("time sync mode %d", m.Mode)
	}
	return m
}
