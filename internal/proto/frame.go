// Package proto implements the iDotMatrix binary frame formats: short
// control frames, the chunked upload headers for each transfer family, and
// the notification payloads the device sends back. All multibyte integers
// are little-endian on the wire.
package proto

import (
	"encoding/binary"
	"fmt"
)

// Family identifies one transfer family. The family selects the chunk
// header layout and the acknowledgement semantics.
type Family int

const (
	// FamilyShort covers single-frame control commands, which have no
	// chunk header and no acknowledgement flow.
	FamilyShort Family = iota - 1
	FamilyText
	FamilyGif
	FamilyImage
	FamilyDiy
	FamilyTimer
	FamilySchedule
	FamilyOta
)

func (f Family) String() string {
	switch f {
	case FamilyShort:
		return "short"
	case FamilyText:
		return "text"
	case FamilyGif:
		return "gif"
	case FamilyImage:
		return "image"
	case FamilyDiy:
		return "diy"
	case FamilyTimer:
		return "timer"
	case FamilySchedule:
		return "schedule"
	case FamilyOta:
		return "ota"
	default:
		return fmt.Sprintf("family(%d)", int(f))
	}
}

// Header and prefix lengths per family.
const (
	ShortHeaderLen    = 4
	MediaHeaderLen    = 16
	DiyPrefixLen      = 9
	TimerHeaderLen    = 24
	ScheduleHeaderLen = 23
	OtaHeaderLen      = 13
)

// ChunkFlag marks a logical chunk's position within an upload.
type ChunkFlag byte

const (
	ChunkFirst        ChunkFlag = 0x00
	ChunkContinuation ChunkFlag = 0x02
)

// Media header family bytes (header byte 2).
const (
	mediaFamilyGif   = 0x01
	mediaFamilyImage = 0x02
	mediaFamilyText  = 0x03
)

// Material slot values encoded in media-header byte 15.
const (
	SlotNoTimeSignature byte = 0x0C
	SlotShowNow         byte = 0x0D
)

// PayloadTooLargeError reports a payload that does not fit the family's
// length field.
type PayloadTooLargeError struct {
	Family Family
	Actual int
	Max    int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("proto: %s payload too large: %d bytes exceeds max %d", e.Family, e.Actual, e.Max)
}

// InvalidFieldError reports a frame field outside its accepted values.
type InvalidFieldError struct {
	Field  string
	Value  int
	Reason string
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("proto: invalid %s %d: %s", e.Field, e.Value, e.Reason)
}

const (
	shortMaxPayload  = 0xFFFF - ShortHeaderLen
	mediaMaxChunk    = 0xFFFF - MediaHeaderLen
	diyMaxChunk      = 0xFFFF - DiyPrefixLen
	timerMaxChunk    = 0xFFFF - TimerHeaderLen
	scheduleMaxChunk = 0xFFFF - ScheduleHeaderLen
	otaMaxChunk      = 0xFFFF - OtaHeaderLen
)

// EncodeShort builds a short control frame:
// [len:u16le][cmd_id][cmd_ns][payload...], len covering the full frame.
func EncodeShort(cmdID, cmdNS byte, payload []byte) ([]byte, error) {
	if len(payload) > shortMaxPayload {
		return nil, &PayloadTooLargeError{Family: FamilyShort, Actual: len(payload), Max: shortMaxPayload}
	}
	frame := make([]byte, 0, ShortHeaderLen+len(payload))
	frame = binary.LittleEndian.AppendUint16(frame, uint16(ShortHeaderLen+len(payload)))
	frame = append(frame, cmdID, cmdNS)
	frame = append(frame, payload...)
	return frame, nil
}

// ShortFrame is a decoded short control frame.
type ShortFrame struct {
	CmdID   byte
	CmdNS   byte
	Payload []byte
}

// DecodeShort validates and decodes a short control frame.
func DecodeShort(frame []byte) (ShortFrame, error) {
	if len(frame) < ShortHeaderLen {
		return ShortFrame{}, &InvalidFieldError{Field: "frame length", Value: len(frame), Reason: "shorter than 4-byte header"}
	}
	declared := int(binary.LittleEndian.Uint16(frame[0:2]))
	if declared != len(frame) {
		return ShortFrame{}, &InvalidFieldError{
			Field:  "declared length",
			Value:  declared,
			Reason: fmt.Sprintf("frame has %d bytes", len(frame)),
		}
	}
	return ShortFrame{CmdID: frame[2], CmdNS: frame[3], Payload: frame[4:]}, nil
}

// TimeSign is the stored material display duration selector.
type TimeSign byte

const (
	TimeSign5s   TimeSign = 0
	TimeSign10s  TimeSign = 1
	TimeSign30s  TimeSign = 2
	TimeSign60s  TimeSign = 3
	TimeSign300s TimeSign = 4
)

// Seconds returns the converted duration for a time-sign value, following
// the vendor ConvertTime mapping.
func (t TimeSign) Seconds() (uint16, error) {
	switch t {
	case TimeSign5s:
		return 5, nil
	case TimeSign10s:
		return 10, nil
	case TimeSign30s:
		return 30, nil
	case TimeSign60s:
		return 60, nil
	case TimeSign300s:
		return 300, nil
	default:
		return 0, &InvalidFieldError{Field: "time sign", Value: int(t), Reason: "supported values are 0..4"}
	}
}

// MediaTail is the policy for media header bytes 13..15.
type MediaTail struct {
	// Slot is the material slot byte written at offset 15.
	Slot byte
	// TimeSign selects the duration encoded at 13..14 for timed slots.
	TimeSign TimeSign
}

// NoTimeSignatureTail returns the immediate-display tail [00 00 0C].
func NoTimeSignatureTail() MediaTail {
	return MediaTail{Slot: SlotNoTimeSignature}
}

// TimedTail returns a timed tail for a material slot. Slot 0x0C is reserved
// for the no-time-signature policy.
func TimedTail(slot byte, sign TimeSign) (MediaTail, error) {
	if slot == SlotNoTimeSignature {
		return MediaTail{}, &InvalidFieldError{Field: "material slot", Value: int(slot), Reason: "slot 0x0C carries no time signature"}
	}
	return MediaTail{Slot: slot, TimeSign: sign}, nil
}

// Bytes returns the encoded tail bytes [13, 14, 15].
func (t MediaTail) Bytes() ([3]byte, error) {
	if t.Slot == SlotNoTimeSignature {
		return [3]byte{0x00, 0x00, SlotNoTimeSignature}, nil
	}
	seconds, err := t.TimeSign.Seconds()
	if err != nil {
		return [3]byte{}, err
	}
	var tail [3]byte
	binary.LittleEndian.PutUint16(tail[0:2], seconds)
	tail[2] = t.Slot
	return tail, nil
}

// MediaHeader carries the fields of the shared 16-byte upload header used
// by the text, GIF and image families.
type MediaHeader struct {
	Family   Family
	Flag     ChunkFlag
	ChunkLen int
	TotalLen uint32
	CRC32    uint32
	Tail     MediaTail
}

// Encode produces the 16-byte header:
// [block_len:u16le][family][00][flag][total_len:u32le][crc32:u32le][tail:3].
// block_len covers the header plus the chunk payload. CRC32 is always the
// checksum of the whole logical payload, never of one chunk.
func (h MediaHeader) Encode() ([MediaHeaderLen]byte, error) {
	var out [MediaHeaderLen]byte
	var familyByte byte
	switch h.Family {
	case FamilyText:
		familyByte = mediaFamilyText
	case FamilyGif:
		familyByte = mediaFamilyGif
	case FamilyImage:
		familyByte = mediaFamilyImage
	default:
		return out, &InvalidFieldError{Field: "media family", Value: int(h.Family), Reason: "only text, gif and image use the 16-byte header"}
	}
	if h.ChunkLen < 0 || h.ChunkLen > mediaMaxChunk {
		return out, &PayloadTooLargeError{Family: h.Family, Actual: h.ChunkLen, Max: mediaMaxChunk}
	}
	tail, err := h.Tail.Bytes()
	if err != nil {
		return out, err
	}

	binary.LittleEndian.PutUint16(out[0:2], uint16(MediaHeaderLen+h.ChunkLen))
	out[2] = familyByte
	out[3] = 0x00
	out[4] = byte(h.Flag)
	binary.LittleEndian.PutUint32(out[5:9], h.TotalLen)
	binary.LittleEndian.PutUint32(out[9:13], h.CRC32)
	out[13] = tail[0]
	out[14] = tail[1]
	out[15] = tail[2]
	return out, nil
}

// EncodeDiyPrefix produces the 9-byte DIY chunk prefix:
// [block_len:u16le][00][00][flag][total_len:u32le].
func EncodeDiyPrefix(flag ChunkFlag, chunkLen int, totalLen uint32) ([DiyPrefixLen]byte, error) {
	var out [DiyPrefixLen]byte
	if chunkLen < 0 || chunkLen > diyMaxChunk {
		return out, &PayloadTooLargeError{Family: FamilyDiy, Actual: chunkLen, Max: diyMaxChunk}
	}
	binary.LittleEndian.PutUint16(out[0:2], uint16(DiyPrefixLen+chunkLen))
	out[2] = 0x00
	out[3] = 0x00
	out[4] = byte(flag)
	binary.LittleEndian.PutUint32(out[5:9], totalLen)
	return out, nil
}

// EncodeTimerHeader produces the 24-byte timer chunk header. The leading
// fields mirror the media header with the timer namespace bytes at 2..3;
// bytes 13..23 are reserved and zero.
func EncodeTimerHeader(flag ChunkFlag, chunkLen int, totalLen, crc uint32) ([TimerHeaderLen]byte, error) {
	var out [TimerHeaderLen]byte
	if chunkLen < 0 || chunkLen > timerMaxChunk {
		return out, &PayloadTooLargeError{Family: FamilyTimer, Actual: chunkLen, Max: timerMaxChunk}
	}
	binary.LittleEndian.PutUint16(out[0:2], uint16(TimerHeaderLen+chunkLen))
	out[2] = 0x00
	out[3] = 0x80
	out[4] = byte(flag)
	binary.LittleEndian.PutUint32(out[5:9], totalLen)
	binary.LittleEndian.PutUint32(out[9:13], crc)
	return out, nil
}

// EncodeScheduleHeader produces the 23-byte schedule chunk header. The
// namespace bytes at 2..3 match the schedule setup command; bytes 13..22
// are reserved and zero.
func EncodeScheduleHeader(flag ChunkFlag, chunkLen int, totalLen, crc uint32) ([ScheduleHeaderLen]byte, error) {
	var out [ScheduleHeaderLen]byte
	if chunkLen < 0 || chunkLen > scheduleMaxChunk {
		return out, &PayloadTooLargeError{Family: FamilySchedule, Actual: chunkLen, Max: scheduleMaxChunk}
	}
	binary.LittleEndian.PutUint16(out[0:2], uint16(ScheduleHeaderLen+chunkLen))
	out[2] = 0x05
	out[3] = 0x80
	out[4] = byte(flag)
	binary.LittleEndian.PutUint32(out[5:9], totalLen)
	binary.LittleEndian.PutUint32(out[9:13], crc)
	return out, nil
}

// EncodeOtaChunkHeader produces the 13-byte OTA chunk header:
// [block_len:u16le][01][C0][pkg_idx][chunk_crc32:u32le][chunk_len:u32le].
// Unlike the media families, the CRC here covers only this chunk.
func EncodeOtaChunkHeader(pkgIndex byte, chunkCRC uint32, chunkLen int) ([OtaHeaderLen]byte, error) {
	var out [OtaHeaderLen]byte
	if chunkLen < 0 || chunkLen > otaMaxChunk {
		return out, &PayloadTooLargeError{Family: FamilyOta, Actual: chunkLen, Max: otaMaxChunk}
	}
	binary.LittleEndian.PutUint16(out[0:2], uint16(OtaHeaderLen+chunkLen))
	out[2] = 0x01
	out[3] = 0xC0
	out[4] = pkgIndex
	binary.LittleEndian.PutUint32(out[5:9], chunkCRC)
	binary.LittleEndian.PutUint32(out[9:13], uint32(chunkLen))
	return out, nil
}

// EncodeOtaSetup produces the OTA step-1 frame:
// [0D 00][ota_type][C0][pkg_count][crc32:u32le][bin_size:u32le].
func EncodeOtaSetup(otaType, pkgCount byte, crc, binSize uint32) []byte {
	out := make([]byte, OtaHeaderLen)
	binary.LittleEndian.PutUint16(out[0:2], OtaHeaderLen)
	out[2] = otaType
	out[3] = 0xC0
	out[4] = pkgCount
	binary.LittleEndian.PutUint32(out[5:9], crc)
	binary.LittleEndian.PutUint32(out[9:13], binSize)
	return out
}
