// Package telemetry encodes tracking telemetry for the message bus.
//
// The wire format is a single FlatBuffers table. Field slots, in order:
//
//	0  run_id          string
//	1  seq             uint64
//	2  timestamp_ns    int64
//	3  frame_width     int32
//	4  frame_height    int32
//	5  has_observation bool
//	6  x               int32
//	7  y               int32
//	8  area            int32
//	9  speed           int32
//	10 label           string
//	11 error_px        int32
//	12 status          string
//	13 lower           [ubyte] (h, s, v)
//	14 upper           [ubyte] (h, s, v)
//	15 dead_zone       int32
//	16 dispatched      bool
//	17 dispatch_error  string
//	18 lost_frames     int32
//	19 tick_ns         int64
//	20 factor          float64
//
// New fields are only ever appended.
package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/open-teleop/blobtracker/domain/motion"
	"github.com/open-teleop/blobtracker/domain/tracking"
	"github.com/open-teleop/blobtracker/domain/tuning"
	"github.com/open-teleop/blobtracker/domain/vision"
)

// Encodings understood by publishers.
const (
	EncodingFlatBuffers = "flatbuffers"
	EncodingJSON        = "json"
)

// Topic is the bus topic telemetry is published on.
const Topic = "tracker.telemetry"

const (
	slotRunID = iota
	slotSeq
	slotTimestamp
	slotFrameWidth
	slotFrameHeight
	slotHasObservation
	slotX
	slotY
	slotArea
	slotSpeed
	slotLabel
	slotError
	slotStatus
	slotLower
	slotUpper
	slotDeadZone
	slotDispatched
	slotDispatchError
	slotLostFrames
	slotTick
	slotFactor
	numSlots
)

// ErrMalformed is returned by Decode for buffers that are not telemetry tables.
var ErrMalformed = errors.New("malformed telemetry buffer")

// Encode serializes t. Frame and mask pixels are not included.
func Encode(t tracking.Telemetry) []byte {
	b := flatbuffers.NewBuilder(256)

	runID := b.CreateString(t.RunID)
	label := b.CreateString(t.Decision.Label)
	status := b.CreateString(t.Status)
	lower := b.CreateByteVector(hsvBytes(t.ColorRange.Lower))
	upper := b.CreateByteVector(hsvBytes(t.ColorRange.Upper))
	var dispatchErr flatbuffers.UOffsetT
	if t.DispatchError != "" {
		dispatchErr = b.CreateString(t.DispatchError)
	}

	b.StartObject(numSlots)
	b.PrependUOffsetTSlot(slotRunID, runID, 0)
	b.PrependUint64Slot(slotSeq, t.Seq, 0)
	b.PrependInt64Slot(slotTimestamp, t.Time.UnixNano(), 0)
	b.PrependInt32Slot(slotFrameWidth, int32(t.FrameWidth), 0)
	b.PrependInt32Slot(slotFrameHeight, int32(t.FrameHeight), 0)
	if obs := t.Observation; obs != nil {
		b.PrependBoolSlot(slotHasObservation, true, false)
		b.PrependInt32Slot(slotX, int32(obs.Position.X), 0)
		b.PrependInt32Slot(slotY, int32(obs.Position.Y), 0)
		b.PrependInt32Slot(slotArea, int32(obs.Area), 0)
	}
	b.PrependInt32Slot(slotSpeed, int32(t.Decision.Speed), 0)
	b.PrependUOffsetTSlot(slotLabel, label, 0)
	b.PrependInt32Slot(slotError, int32(t.Decision.Error), 0)
	b.PrependUOffsetTSlot(slotStatus, status, 0)
	b.PrependUOffsetTSlot(slotLower, lower, 0)
	b.PrependUOffsetTSlot(slotUpper, upper, 0)
	b.PrependInt32Slot(slotDeadZone, int32(t.DeadZone), 0)
	b.PrependBoolSlot(slotDispatched, t.Dispatched, false)
	if dispatchErr != 0 {
		b.PrependUOffsetTSlot(slotDispatchError, dispatchErr, 0)
	}
	b.PrependInt32Slot(slotLostFrames, int32(t.LostFrames), 0)
	b.PrependInt64Slot(slotTick, int64(t.TickDuration), 0)
	b.PrependFloat64Slot(slotFactor, t.Decision.Factor, 0)
	b.Finish(b.EndObject())

	return b.FinishedBytes()
}

// Decode parses a buffer produced by Encode.
func Decode(buf []byte) (t tracking.Telemetry, err error) {
	if len(buf) < flatbuffers.SizeUOffsetT {
		return tracking.Telemetry{}, ErrMalformed
	}
	// The runtime indexes without bounds checks of its own.
	defer func() {
		if r := recover(); r != nil {
			t, err = tracking.Telemetry{}, fmt.Errorf("%w: %v", ErrMalformed, r)
		}
	}()

	r := reader{tab: flatbuffers.Table{Bytes: buf, Pos: flatbuffers.GetUOffsetT(buf)}}

	t = tracking.Telemetry{
		RunID:       r.str(slotRunID),
		Seq:         r.u64(slotSeq),
		FrameWidth:  int(r.i32(slotFrameWidth)),
		FrameHeight: int(r.i32(slotFrameHeight)),
		Decision: motion.Decision{
			Speed:  int(r.i32(slotSpeed)),
			Label:  r.str(slotLabel),
			Error:  int(r.i32(slotError)),
			Factor: r.f64(slotFactor),
		},
		Status: r.str(slotStatus),
		ColorRange: tuning.ColorRange{
			Lower: bytesHSV(r.byteVector(slotLower)),
			Upper: bytesHSV(r.byteVector(slotUpper)),
		},
		DeadZone:      int(r.i32(slotDeadZone)),
		Dispatched:    r.boolean(slotDispatched),
		DispatchError: r.str(slotDispatchError),
		LostFrames:    int(r.i32(slotLostFrames)),
		TickDuration:  time.Duration(r.i64(slotTick)),
	}
	if ns := r.i64(slotTimestamp); ns != 0 {
		t.Time = time.Unix(0, ns)
	}
	if r.boolean(slotHasObservation) {
		t.Observation = &vision.Observation{
			Position: image.Pt(int(r.i32(slotX)), int(r.i32(slotY))),
			Area:     int(r.i32(slotArea)),
		}
	}
	return t, nil
}

// EncodeJSON renders t for browser clients.
func EncodeJSON(t tracking.Telemetry) ([]byte, error) {
	return json.Marshal(t)
}

type reader struct {
	tab flatbuffers.Table
}

func (r reader) offset(slot int) flatbuffers.UOffsetT {
	return flatbuffers.UOffsetT(r.tab.Offset(flatbuffers.VOffsetT(4 + 2*slot)))
}

func (r reader) str(slot int) string {
	if o := r.offset(slot); o != 0 {
		return r.tab.String(o + r.tab.Pos)
	}
	return ""
}

func (r reader) byteVector(slot int) []byte {
	if o := r.offset(slot); o != 0 {
		return r.tab.ByteVector(o + r.tab.Pos)
	}
	return nil
}

func (r reader) boolean(slot int) bool {
	if o := r.offset(slot); o != 0 {
		return r.tab.GetBool(o + r.tab.Pos)
	}
	return false
}

func (r reader) i32(slot int) int32 {
	if o := r.offset(slot); o != 0 {
		return r.tab.GetInt32(o + r.tab.Pos)
	}
	return 0
}

func (r reader) i64(slot int) int64 {
	if o := r.offset(slot); o != 0 {
		return r.tab.GetInt64(o + r.tab.Pos)
	}
	return 0
}

func (r reader) u64(slot int) uint64 {
	if o := r.offset(slot); o != 0 {
		return r.tab.GetUint64(o + r.tab.Pos)
	}
	return 0
}

func (r reader) f64(slot int) float64 {
	if o := r.offset(slot); o != 0 {
		return r.tab.GetFloat64(o + r.tab.Pos)
	}
	return 0
}

func hsvBytes(c tuning.HSV) []byte {
	return []byte{c.H, c.S, c.V}
}

func bytesHSV(b []byte) tuning.HSV {
	if len(b) < 3 {
		return tuning.HSV{}
	}
	return tuning.HSV{H: b[0], S: b[1], V: b[2]}
}
