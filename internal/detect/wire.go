package detect

import (
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the DetectionEvent wire message consumed by the web
// monitor client:
//
//	message BBox { int32 x = 1; int32 y = 2; int32 w = 3; int32 h = 4; }
//	message Detection { BBox bbox = 1; float confidence = 2; int32 class_id = 3; string label = 4; }
//	message DetectionEvent { uint64 frame_number = 1; double timestamp = 2; repeated Detection detections = 3; }
const (
	fieldEventFrame      protowire.Number = 1
	fieldEventTimestamp  protowire.Number = 2
	fieldEventDetections protowire.Number = 3

	fieldDetBBox       protowire.Number = 1
	fieldDetConfidence protowire.Number = 2
	fieldDetClassID    protowire.Number = 3
	fieldDetLabel      protowire.Number = 4
)

var errTruncated = errors.New("detect: truncated message")

// MarshalProto encodes r as a DetectionEvent.
func MarshalProto(r Result) []byte {
	var b []byte
	if r.FrameNumber != 0 {
		b = protowire.AppendTag(b, fieldEventFrame, protowire.VarintType)
		b = protowire.AppendVarint(b, r.FrameNumber)
	}
	if ts := r.Seconds(); ts != 0 {
		b = protowire.AppendTag(b, fieldEventTimestamp, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(ts))
	}
	for _, d := range r.Detections {
		b = protowire.AppendTag(b, fieldEventDetections, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalDetection(d))
	}
	return b
}

func marshalDetection(d Detection) []byte {
	var bbox []byte
	for i, v := range [4]int{d.BBox.X, d.BBox.Y, d.BBox.W, d.BBox.H} {
		if v == 0 {
			continue
		}
		bbox = protowire.AppendTag(bbox, protowire.Number(i+1), protowire.VarintType)
		bbox = protowire.AppendVarint(bbox, uint64(int64(int32(v))))
	}

	var b []byte
	b = protowire.AppendTag(b, fieldDetBBox, protowire.BytesType)
	b = protowire.AppendBytes(b, bbox)
	if d.Confidence != 0 {
		b = protowire.AppendTag(b, fieldDetConfidence, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(float32(d.Confidence)))
	}
	if d.ClassID != 0 {
		b = protowire.AppendTag(b, fieldDetClassID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(int32(d.ClassID))))
	}
	if d.ClassName != "" {
		b = protowire.AppendTag(b, fieldDetLabel, protowire.BytesType)
		b = protowire.AppendString(b, d.ClassName)
	}
	return b
}

// UnmarshalProto decodes a DetectionEvent. Unknown fields are skipped.
func UnmarshalProto(b []byte) (Result, error) {
	var r Result
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, scalar uint64) error {
		switch {
		case num == fieldEventFrame && typ == protowire.VarintType:
			r.FrameNumber = scalar
		case num == fieldEventTimestamp && typ == protowire.Fixed64Type:
			sec := math.Float64frombits(scalar)
			r.Timestamp = time.Unix(0, int64(sec*1e9))
		case num == fieldEventDetections && typ == protowire.BytesType:
			d, err := unmarshalDetection(v)
			if err != nil {
				return err
			}
			r.Detections = append(r.Detections, d)
		}
		return nil
	})
	return r, err
}

func unmarshalDetection(b []byte) (Detection, error) {
	var d Detection
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, scalar uint64) error {
		switch {
		case num == fieldDetBBox && typ == protowire.BytesType:
			return walkFields(v, func(num protowire.Number, typ protowire.Type, _ []byte, scalar uint64) error {
				if typ != protowire.VarintType {
					return nil
				}
				n := int(int32(scalar))
				switch num {
				case 1:
					d.BBox.X = n
				case 2:
					d.BBox.Y = n
				case 3:
					d.BBox.W = n
				case 4:
					d.BBox.H = n
				}
				return nil
			})
		case num == fieldDetConfidence && typ == protowire.Fixed32Type:
			d.Confidence = float64(math.Float32frombits(uint32(scalar)))
		case num == fieldDetClassID && typ == protowire.VarintType:
			d.ClassID = int(int32(scalar))
		case num == fieldDetLabel && typ == protowire.BytesType:
			d.ClassName = string(v)
		}
		return nil
	})
	return d, err
}

// walkFields visits every field of a message. For length-delimited fields v
// holds the payload, for fixed and varint fields scalar holds the value.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, scalar uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("detect: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		var (
			v      []byte
			scalar uint64
		)
		switch typ {
		case protowire.VarintType:
			scalar, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var x uint32
			x, n = protowire.ConsumeFixed32(b)
			scalar = uint64(x)
		case protowire.Fixed64Type:
			scalar, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("field %d: %w", num, errTruncated)
		}
		b = b[n:]
		if err := fn(num, typ, v, scalar); err != nil {
			return err
		}
	}
	return nil
}
