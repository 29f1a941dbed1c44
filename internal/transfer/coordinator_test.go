package transfer

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/idmctl/internal/ble"
	"github.com/chaz8081/idmctl/internal/ble/bletest"
	"github.com/chaz8081/idmctl/internal/proto"
	"github.com/chaz8081/idmctl/internal/session"
)

type harness struct {
	s      *session.Session
	write  *bletest.Characteristic
	notify *bletest.Characteristic
	ota    *bletest.Characteristic
	otaNtf *bletest.Characteristic
}

func newHarness(t *testing.T, mtu int, withOta bool) *harness {
	t.Helper()
	h := &harness{
		write:  bletest.NewCharacteristic(session.FAWriteUUID, false),
		notify: bletest.NewCharacteristic(session.FANotifyUUID, true),
	}
	services := []ble.Service{{
		UUID:            session.FAServiceUUID,
		Characteristics: []ble.Characteristic{h.write, h.notify},
	}}
	if withOta {
		h.ota = bletest.NewCharacteristic(session.OtaWriteUUID, false)
		h.otaNtf = bletest.NewCharacteristic(session.OtaNotifyUUID, true)
		services = append(services, ble.Service{
			UUID:            session.OtaServiceUUID,
			Characteristics: []ble.Characteristic{h.ota, h.otaNtf},
		})
	}
	conn := bletest.NewConnection(mtu, services...)
	s, err := session.Open(conn, zerolog.Nop())
	require.NoError(t, err)
	h.s = s
	return h
}

// respondPerBlock notifies an acknowledgement each time a full
// header+chunk block has been written, following blockSizes in order.
func respondPerBlock(char *bletest.Characteristic, notify *bletest.Characteristic, blockSizes []int, acks [][]byte) {
	var received int
	var block int
	char.OnWrite = func(data []byte) {
		received += len(data)
		for block < len(blockSizes) && received >= sum(blockSizes[:block+1]) {
			ack := acks[block]
			block++
			notify.Notify(ack)
		}
	}
}

func sum(values []int) int {
	total := 0
	for _, v := range values {
		total += v
	}
	return total
}

func fastTimeouts() []Option {
	var opts []Option
	for _, family := range []proto.Family{
		proto.FamilyText, proto.FamilyGif, proto.FamilyImage,
		proto.FamilyDiy, proto.FamilyTimer, proto.FamilySchedule, proto.FamilyOta,
	} {
		opts = append(opts, WithAckTimeout(family, 300*time.Millisecond))
	}
	return opts
}

func TestGifUploadAckSequence(t *testing.T) {
	h := newHarness(t, 247, false)
	c := New(h.s, zerolog.Nop(), fastTimeouts()...)

	payload := bytes.Repeat([]byte{0xA5}, LogicalChunkSize+904)
	blockSizes := []int{proto.MediaHeaderLen + LogicalChunkSize, proto.MediaHeaderLen + 904}
	respondPerBlock(h.write, h.notify, blockSizes, [][]byte{
		{0x05, 0x00, 0x01, 0x00, 0x01}, // next package
		{0x05, 0x00, 0x01, 0x00, 0x03}, // finished
	})

	receipt, err := c.Gif(context.Background(), payload, proto.NoTimeSignatureTail())
	require.NoError(t, err)
	assert.Equal(t, 2, receipt.LogicalChunks)
	assert.False(t, receipt.Cached)
	assert.Equal(t, sum(blockSizes), receipt.BytesWritten)

	// The written fragments reassemble into header||chunk per block with
	// the continuation flag from the second chunk onward.
	written := h.write.WrittenBytes()
	require.Len(t, written, sum(blockSizes))
	first := written[:blockSizes[0]]
	second := written[blockSizes[0]:]
	assert.Equal(t, byte(0x01), first[2], "gif family byte")
	assert.Equal(t, byte(0x00), first[4], "first chunk flag")
	assert.Equal(t, byte(0x02), second[4], "continuation flag")
	assert.Equal(t, payload[:LogicalChunkSize], first[proto.MediaHeaderLen:])
	assert.Equal(t, payload[LogicalChunkSize:], second[proto.MediaHeaderLen:])

	// CRC32 covers the whole logical payload in both headers.
	wantCRC := crc32.ChecksumIEEE(payload)
	assert.Equal(t, wantCRC, binary.LittleEndian.Uint32(first[9:13]))
	assert.Equal(t, wantCRC, binary.LittleEndian.Uint32(second[9:13]))
}

func TestGifUploadFragmentCount(t *testing.T) {
	h := newHarness(t, 247, false)
	c := New(h.s, zerolog.Nop(), fastTimeouts()...)

	payload := bytes.Repeat([]byte{0x11}, 1000)
	blockSize := proto.MediaHeaderLen + len(payload)
	respondPerBlock(h.write, h.notify, []int{blockSize}, [][]byte{{0x05, 0x00, 0x01, 0x00, 0x03}})

	receipt, err := c.Gif(context.Background(), payload, proto.NoTimeSignatureTail())
	require.NoError(t, err)

	wantFragments := (blockSize + session.FragmentSizeMTUReady - 1) / session.FragmentSizeMTUReady
	assert.Equal(t, wantFragments, receipt.Fragments)
	writes := h.write.Writes()
	require.Len(t, writes, wantFragments)
	for i, w := range writes[:len(writes)-1] {
		assert.Len(t, w, session.FragmentSizeMTUReady, "fragment %d", i)
	}
}

func TestGifUploadDeviceError(t *testing.T) {
	h := newHarness(t, 247, false)
	c := New(h.s, zerolog.Nop(), fastTimeouts()...)

	payload := []byte{0x01, 0x02, 0x03}
	respondPerBlock(h.write, h.notify, []int{proto.MediaHeaderLen + 3}, [][]byte{{0x05, 0x00, 0x01, 0x00, 0x02}})

	_, err := c.Gif(context.Background(), payload, proto.NoTimeSignatureTail())
	var deviceErr *DeviceError
	require.ErrorAs(t, err, &deviceErr)
	assert.Equal(t, proto.FamilyGif, deviceErr.Family)
	assert.Equal(t, byte(0x02), deviceErr.Code)
}

func TestGifUploadAckTimeout(t *testing.T) {
	h := newHarness(t, 247, false)
	c := New(h.s, zerolog.Nop(), WithAckTimeout(proto.FamilyGif, 100*time.Millisecond))

	_, err := c.Gif(context.Background(), []byte{0x01}, proto.NoTimeSignatureTail())
	var timeoutErr *AckTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, proto.FamilyGif, timeoutErr.Family)
	assert.Equal(t, 0, timeoutErr.ChunkIndex)
}

func TestGifUploadDeviceCacheHit(t *testing.T) {
	h := newHarness(t, 247, false)
	c := New(h.s, zerolog.Nop(), fastTimeouts()...)

	payload := bytes.Repeat([]byte{0x42}, LogicalChunkSize*2)
	respondPerBlock(h.write, h.notify,
		[]int{proto.MediaHeaderLen + LogicalChunkSize},
		[][]byte{{0x05, 0x00, 0x01, 0x00, 0x03}}) // finished right after chunk 0

	receipt, err := c.Gif(context.Background(), payload, proto.NoTimeSignatureTail())
	require.NoError(t, err)
	assert.True(t, receipt.Cached)
	assert.Equal(t, 1, receipt.LogicalChunks)
}

func TestTextUploadPrematureFinishIsError(t *testing.T) {
	h := newHarness(t, 247, false)
	c := New(h.s, zerolog.Nop(), fastTimeouts()...)

	payload := bytes.Repeat([]byte{0x42}, LogicalChunkSize*2)
	respondPerBlock(h.write, h.notify,
		[]int{proto.MediaHeaderLen + LogicalChunkSize},
		[][]byte{{0x05, 0x00, 0x03, 0x00, 0x03}})

	_, err := c.Text(context.Background(), payload)
	var premature *PrematureFinishError
	require.ErrorAs(t, err, &premature)
}

func TestTextUploadHeaderUsesTextFamilyAndWholePayloadCRC(t *testing.T) {
	h := newHarness(t, 247, false)
	c := New(h.s, zerolog.Nop(), fastTimeouts()...)

	payload := bytes.Repeat([]byte{0x37}, 64)
	respondPerBlock(h.write, h.notify, []int{proto.MediaHeaderLen + 64}, [][]byte{{0x05, 0x00, 0x03, 0x00, 0x03}})

	_, err := c.Text(context.Background(), payload)
	require.NoError(t, err)

	written := h.write.WrittenBytes()
	assert.Equal(t, byte(0x03), written[2])
	assert.Equal(t, crc32.ChecksumIEEE(payload), binary.LittleEndian.Uint32(written[9:13]))
	assert.Equal(t, []byte{0x00, 0x00, 0x0C}, written[13:16])
}

func TestSecondTransferRejectedWhileBusy(t *testing.T) {
	h := newHarness(t, 247, false)
	c := New(h.s, zerolog.Nop(), WithAckTimeout(proto.FamilyGif, time.Second))

	started := make(chan struct{})
	firstDone := make(chan error, 1)
	h.write.OnWrite = func([]byte) {
		select {
		case <-started:
		default:
			close(started)
		}
	}
	go func() {
		_, err := c.Gif(context.Background(), []byte{0x01}, proto.NoTimeSignatureTail())
		firstDone <- err
	}()
	<-started

	_, err := c.Text(context.Background(), []byte{0x02})
	assert.ErrorIs(t, err, session.ErrBusy)

	h.notify.Notify([]byte{0x05, 0x00, 0x01, 0x00, 0x03})
	require.NoError(t, <-firstDone)
}

func TestCancellationAtAckBoundary(t *testing.T) {
	h := newHarness(t, 247, false)
	c := New(h.s, zerolog.Nop(), WithAckTimeout(proto.FamilyGif, 5*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	h.write.OnWrite = func([]byte) { cancel() }

	_, err := c.Gif(ctx, []byte{0x01}, proto.NoTimeSignatureTail())
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestDisconnectMidTransferIsTerminal(t *testing.T) {
	h := newHarness(t, 247, false)
	c := New(h.s, zerolog.Nop(), WithAckTimeout(proto.FamilyGif, 5*time.Second))

	dropped := false
	h.write.OnWrite = func([]byte) {
		if !dropped {
			dropped = true
			h.s.Close()
		}
	}
	_, err := c.Gif(context.Background(), []byte{0x01}, proto.NoTimeSignatureTail())
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestDiyUploadModeSwitchAndInvertedAcks(t *testing.T) {
	h := newHarness(t, 247, false)
	c := New(h.s, zerolog.Nop(), fastTimeouts()...)

	frame := bytes.Repeat([]byte{200}, LogicalChunkSize+100)

	var writes int
	h.write.OnWrite = func(data []byte) {
		writes++
		if writes == 1 {
			// Mode switch acknowledged with a DIY completion status.
			h.notify.Notify([]byte{0x05, 0x00, 0x00, 0x00, 0x01})
			return
		}
		// After the mode switch, acknowledge each completed block.
		total := h.write.WrittenBytes()
		body := total[len(diyModeSwitch):]
		switch len(body) {
		case proto.DiyPrefixLen + LogicalChunkSize:
			h.notify.Notify([]byte{0x05, 0x00, 0x00, 0x00, 0x02}) // inverted: 02 continues
		case proto.DiyPrefixLen + LogicalChunkSize + proto.DiyPrefixLen + 100:
			h.notify.Notify([]byte{0x05, 0x00, 0x00, 0x00, 0x00}) // inverted: 00 finishes
		}
	}

	receipt, err := c.Diy(context.Background(), frame, 50)
	require.NoError(t, err)
	assert.Equal(t, 2, receipt.LogicalChunks)

	written := h.write.Writes()
	assert.Equal(t, diyModeSwitch, written[0], "mode switch precedes the transfer")

	body := h.write.WrittenBytes()[len(diyModeSwitch):]
	assert.Equal(t, byte(0x00), body[2])
	assert.Equal(t, byte(0x00), body[3])
}

func TestDiyBrightnessScalingPreservesChunkHeaderRegion(t *testing.T) {
	frame := bytes.Repeat([]byte{200}, LogicalChunkSize+32)
	scaled := scaleDiyPayload(frame, 50)

	// Bytes 0..4 of each logical chunk body are preserved.
	for _, base := range []int{0, LogicalChunkSize} {
		for i := 0; i < 5; i++ {
			assert.Equal(t, byte(200), scaled[base+i], "chunk base %d byte %d", base, i)
		}
		assert.Equal(t, byte(100), scaled[base+5], "chunk base %d first pixel byte", base)
	}

	// Full brightness leaves the payload untouched.
	assert.Equal(t, frame, scaleDiyPayload(frame, 100))
}

func TestTimerUploadTreatsNextPackageOnFinalChunkAsComplete(t *testing.T) {
	h := newHarness(t, 247, false)
	c := New(h.s, zerolog.Nop(), fastTimeouts()...)

	payload := bytes.Repeat([]byte{0x10}, 40)
	respondPerBlock(h.write, h.notify,
		[]int{proto.TimerHeaderLen + 40},
		[][]byte{{0x05, 0x00, 0x00, 0x80, 0x01}}) // next-or-finish overload

	receipt, err := c.Timer(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, 1, receipt.LogicalChunks)

	written := h.write.WrittenBytes()
	assert.Equal(t, byte(0x00), written[2])
	assert.Equal(t, byte(0x80), written[3])
	assert.Len(t, written, proto.TimerHeaderLen+40)
}

func TestTimerUploadFailStatusIsDeviceError(t *testing.T) {
	h := newHarness(t, 247, false)
	c := New(h.s, zerolog.Nop(), fastTimeouts()...)

	respondPerBlock(h.write, h.notify,
		[]int{proto.TimerHeaderLen + 1},
		[][]byte{{0x05, 0x00, 0x00, 0x80, 0x00}})

	_, err := c.Timer(context.Background(), []byte{0x01})
	var deviceErr *DeviceError
	require.ErrorAs(t, err, &deviceErr)
	assert.Equal(t, proto.FamilyTimer, deviceErr.Family)
}

func TestScheduleUploadRunsHandshakeFirst(t *testing.T) {
	h := newHarness(t, 247, false)
	c := New(h.s, zerolog.Nop(), fastTimeouts()...)

	payload := bytes.Repeat([]byte{0x21}, 30)
	var stage int
	h.write.OnWrite = func(data []byte) {
		stage++
		switch stage {
		case 1:
			h.notify.Notify([]byte{0x05, 0x00, 0x05, 0x80, 0x01}) // setup ok
		case 2:
			h.notify.Notify([]byte{0x05, 0x00, 0x07, 0x80, 0x01}) // master switch ok
		default:
			if len(h.write.WrittenBytes()) == 5+5+proto.ScheduleHeaderLen+len(payload) {
				h.notify.Notify([]byte{0x05, 0x00, 0x05, 0x80, 0x03})
			}
		}
	}

	receipt, err := c.Schedule(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, 1, receipt.LogicalChunks)

	writes := h.write.Writes()
	assert.Equal(t, []byte{0x05, 0x00, 0x05, 0x80, 0x01}, writes[0], "setup frame")
	assert.Equal(t, []byte{0x05, 0x00, 0x07, 0x80, 0x01}, writes[1], "master switch frame")
}

func TestScheduleUploadRejectedSetupFails(t *testing.T) {
	h := newHarness(t, 247, false)
	c := New(h.s, zerolog.Nop(), fastTimeouts()...)

	h.write.OnWrite = func([]byte) {
		h.notify.Notify([]byte{0x05, 0x00, 0x05, 0x80, 0x00})
	}
	_, err := c.Schedule(context.Background(), []byte{0x01})
	var handshakeErr *HandshakeError
	require.ErrorAs(t, err, &handshakeErr)
}

func TestOtaUploadSetupThenChunks(t *testing.T) {
	h := newHarness(t, 247, true)
	c := New(h.s, zerolog.Nop(), fastTimeouts()...)

	firmware := bytes.Repeat([]byte{0xF0}, LogicalChunkSize+512)
	var setupSeen bool
	h.ota.OnWrite = func(data []byte) {
		if !setupSeen {
			setupSeen = true
			// Both step-1 acknowledgement variants are accepted; answer
			// with the 0x02 shape.
			h.otaNtf.Notify([]byte{0x05, 0x00, 0x02, 0xC0, 0x01})
			return
		}
		body := h.ota.WrittenBytes()[proto.OtaHeaderLen:]
		switch len(body) {
		case proto.OtaHeaderLen + LogicalChunkSize:
			h.otaNtf.Notify([]byte{0x05, 0x00, 0x01, 0xC0, 0x01})
		case proto.OtaHeaderLen + LogicalChunkSize + proto.OtaHeaderLen + 512:
			h.otaNtf.Notify([]byte{0x05, 0x00, 0x01, 0xC0, 0x03})
		}
	}

	receipt, err := c.Ota(context.Background(), 0x01, firmware)
	require.NoError(t, err)
	assert.Equal(t, 2, receipt.LogicalChunks)

	writes := h.ota.Writes()
	setup := writes[0]
	assert.Equal(t, []byte{0x0D, 0x00, 0x01, 0xC0, 0x02}, setup[:5], "setup frame type/count")
	assert.Equal(t, crc32.ChecksumIEEE(firmware), binary.LittleEndian.Uint32(setup[5:9]))
	assert.Equal(t, uint32(len(firmware)), binary.LittleEndian.Uint32(setup[9:13]))

	// Chunk headers index packages and carry per-chunk CRCs.
	blocks := h.ota.WrittenBytes()[len(setup):]
	first := blocks[:proto.OtaHeaderLen+LogicalChunkSize]
	second := blocks[proto.OtaHeaderLen+LogicalChunkSize:]
	assert.Equal(t, byte(0x00), first[4])
	assert.Equal(t, byte(0x01), second[4])
	assert.Equal(t, crc32.ChecksumIEEE(firmware[:LogicalChunkSize]), binary.LittleEndian.Uint32(first[5:9]))
	assert.Equal(t, crc32.ChecksumIEEE(firmware[LogicalChunkSize:]), binary.LittleEndian.Uint32(second[5:9]))

	// Nothing touched the control characteristic.
	assert.Empty(t, h.write.Writes())
}

func TestOtaUploadRequiresOtaEndpoints(t *testing.T) {
	h := newHarness(t, 247, false)
	c := New(h.s, zerolog.Nop(), fastTimeouts()...)
	_, err := c.Ota(context.Background(), 0x01, []byte{0x01})
	assert.ErrorIs(t, err, session.ErrNoOta)
}

func TestUploadUsesFallbackFragmentsOnSmallMTU(t *testing.T) {
	h := newHarness(t, 99, false)
	c := New(h.s, zerolog.Nop(), fastTimeouts()...)

	payload := bytes.Repeat([]byte{0x08}, 100)
	blockSize := proto.MediaHeaderLen + 100
	respondPerBlock(h.write, h.notify, []int{blockSize}, [][]byte{{0x05, 0x00, 0x02, 0x00, 0x03}})

	receipt, err := c.Image(context.Background(), payload, proto.NoTimeSignatureTail())
	require.NoError(t, err)
	wantFragments := (blockSize + session.FragmentSizeFallback - 1) / session.FragmentSizeFallback
	assert.Equal(t, wantFragments, receipt.Fragments)
	for _, w := range h.write.Writes()[:receipt.Fragments-1] {
		assert.Len(t, w, session.FragmentSizeFallback)
	}
}
