package core

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// FrameHeader describes a point-to-point message on the wire.
// Layout (little endian): [Magic(4)][Version(2)][Kind(2)][Tag(4)][Source(4)][Length(4)][Checksum(4)]
type FrameHeader struct {
	Magic    uint32 // "EXXF" magic number
	Version  uint16 // format version
	Kind     uint16 // payload kind
	Tag      int32  // message tag
	Source   int32  // sending rank
	Length   uint32 // payload length in bytes
	Checksum uint32 // IEEE CRC32 of the payload
}

// Frame kinds
const (
	KindRaw uint16 = iota
	KindCount
	KindStates
	KindForces
	KindOccupations
)

const (
	FrameMagic      = 0x46585845 // "EXXF" in little endian
	FrameVersion    = 1
	FrameHeaderSize = 24
)

var (
	// ErrFrameCorrupt reports a truncated frame or a failed integrity check.
	ErrFrameCorrupt = errors.New("core: corrupt frame")
	// ErrFrameMismatch reports a well-formed frame that was not the one expected.
	ErrFrameMismatch = errors.New("core: unexpected frame")
)

// AppendFrame appends the framed payload to dst and returns the extended slice.
func AppendFrame(dst []byte, kind uint16, tag, source int, payload []byte) []byte {
	var hdr [FrameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], FrameMagic)
	binary.LittleEndian.PutUint16(hdr[4:], FrameVersion)
	binary.LittleEndian.PutUint16(hdr[6:], kind)
	binary.LittleEndian.PutUint32(hdr[8:], uint32(int32(tag)))
	binary.LittleEndian.PutUint32(hdr[12:], uint32(int32(source)))
	binary.LittleEndian.PutUint32(hdr[16:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[20:], crc32.ChecksumIEEE(payload))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// EncodeFrame frames payload into a newly allocated slice.
func EncodeFrame(kind uint16, tag, source int, payload []byte) []byte {
	return AppendFrame(make([]byte, 0, FrameHeaderSize+len(payload)), kind, tag, source, payload)
}

// DecodeFrame parses a frame and verifies its checksum. The returned payload
// aliases frame.
func DecodeFrame(frame []byte) (FrameHeader, []byte, error) {
	var h FrameHeader
	if len(frame) < FrameHeaderSize {
		return h, nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrFrameCorrupt, len(frame))
	}
	h.Magic = binary.LittleEndian.Uint32(frame[0:])
	h.Version = binary.LittleEndian.Uint16(frame[4:])
	h.Kind = binary.LittleEndian.Uint16(frame[6:])
	h.Tag = int32(binary.LittleEndian.Uint32(frame[8:]))
	h.Source = int32(binary.LittleEndian.Uint32(frame[12:]))
	h.Length = binary.LittleEndian.Uint32(frame[16:])
	h.Checksum = binary.LittleEndian.Uint32(frame[20:])

	if h.Magic != FrameMagic {
		return h, nil, fmt.Errorf("%w: bad magic %#x", ErrFrameCorrupt, h.Magic)
	}
	if h.Version != FrameVersion {
		return h, nil, fmt.Errorf("%w: unsupported version %d", ErrFrameCorrupt, h.Version)
	}
	payload := frame[FrameHeaderSize:]
	if int(h.Length) != len(payload) {
		return h, nil, fmt.Errorf("%w: length %d, have %d bytes", ErrFrameCorrupt, h.Length, len(payload))
	}
	if crc32.ChecksumIEEE(payload) != h.Checksum {
		return h, nil, fmt.Errorf("%w: checksum mismatch", ErrFrameCorrupt)
	}
	return h, payload, nil
}

// ExpectFrame decodes a frame and checks that it came from source with tag.
func ExpectFrame(frame []byte, tag, source int) ([]byte, error) {
	h, payload, err := DecodeFrame(frame)
	if err != nil {
		return nil, err
	}
	if int(h.Tag) != tag || int(h.Source) != source {
		return nil, fmt.Errorf("%w: got tag %d from %d, want tag %d from %d",
			ErrFrameMismatch, h.Tag, h.Source, tag, source)
	}
	return payload, nil
}

// FrameStats summarizes the framing overhead of a set of frames
type FrameStats struct {
	Frames      int64
	TotalSize   int64
	PayloadSize int64
	Overhead    float64 // percent of bytes spent on headers
}

// AnalyzeFrames reports framing overhead for frames carrying payload bytes in total
func AnalyzeFrames(frames, payload int64) FrameStats {
	s := FrameStats{
		Frames:      frames,
		PayloadSize: payload,
		TotalSize:   frames*FrameHeaderSize + payload,
	}
	if s.TotalSize > 0 {
		s.Overhead = float64(s.TotalSize-s.PayloadSize) / float64(s.TotalSize) * 100.0
	}
	return s
}
