package types

import "time"

// EncodedFrame is one unit of encoder output handed to the transports.
type EncodedFrame struct {
	Data      []byte    // JPEG image or H.264 access unit
	Timestamp time.Time // Capture time of the source frame
	Seq       uint64    // Source frame index
	PTS       uint64    // Encoder presentation counter, starts at 0
	IsIDR     bool      // H.264 only: access unit carries an IDR slice
	Width     int
	Height    int
	MimeType  string
}

// Mime types carried by EncodedFrame.
const (
	MimeJPEG = "image/jpeg"
	MimeH264 = "video/h264"
)

// NALUnit is a single H.264 NAL unit including its start code.
type NALUnit struct {
	Type uint8
	Data []byte
}

// NAL unit types used by the pipeline.
const (
	NALTypeSlice     uint8 = 1
	NALTypeIDR       uint8 = 5
	NALTypeSEI       uint8 = 6
	NALTypeSPS       uint8 = 7
	NALTypePPS       uint8 = 8
	NALTypeAUD       uint8 = 9
	NALTypeEndSeq    uint8 = 10
	NALTypeEndStream uint8 = 11
	NALTypeFiller    uint8 = 12
)
