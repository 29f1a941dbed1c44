// Package transfer drives chunked uploads over an active session: logical
// chunk formation, family headers, MTU-sized fragment writes with
// wall-clock pacing, and the ACK-driven flow control each family speaks.
package transfer

import (
	"context"
	"hash/crc32"
	"time"

	"github.com/rs/zerolog"

	"github.com/chaz8081/idmctl/internal/proto"
	"github.com/chaz8081/idmctl/internal/session"
)

// LogicalChunkSize is the maximum logical chunk carried under one family
// header.
const LogicalChunkSize = 4096

// DefaultAckTimeout bounds the wait for one per-chunk acknowledgement.
const DefaultAckTimeout = 5 * time.Second

// Per-family wall-clock pacing between transport fragments. Pacing is not
// tied to acknowledgements; it spaces every write.
const (
	textPacing  = 50 * time.Millisecond
	mediaPacing = 20 * time.Millisecond
)

// settleDelay keeps the link up after a finished media upload so the panel
// can apply the new material before the caller disconnects.
const settleDelay = 500 * time.Millisecond

// Stale acknowledgements from an aborted earlier transfer are drained
// before a new one starts.
const (
	drainPoll = 25 * time.Millisecond
	drainMax  = 8
)

func pacingFor(family proto.Family) time.Duration {
	if family == proto.FamilyText {
		return textPacing
	}
	return mediaPacing
}

// Receipt describes one completed upload.
type Receipt struct {
	Family        proto.Family
	BytesWritten  int
	Fragments     int
	LogicalChunks int
	// Cached is set when the device completed a multi-chunk upload after
	// the first chunk because it already held the payload.
	Cached bool
}

// Coordinator runs uploads over one session. The session enforces that
// only one transfer is in flight.
type Coordinator struct {
	s        *session.Session
	log      zerolog.Logger
	timeouts map[proto.Family]time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithAckTimeout overrides the acknowledgement timeout for one family.
func WithAckTimeout(family proto.Family, timeout time.Duration) Option {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.timeouts[family] = timeout
		}
	}
}

// New creates a coordinator for a session.
func New(s *session.Session, log zerolog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		s:        s,
		log:      log,
		timeouts: make(map[proto.Family]time.Duration),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) ackTimeout(family proto.Family) time.Duration {
	if timeout, ok := c.timeouts[family]; ok {
		return timeout
	}
	return DefaultAckTimeout
}

// headerFunc builds the family header for the logical chunk at index.
type headerFunc func(index int, flag proto.ChunkFlag, chunk []byte) ([]byte, error)

// splitChunks partitions a payload into logical chunks of at most
// LogicalChunkSize bytes.
func splitChunks(payload []byte) [][]byte {
	var chunks [][]byte
	for len(payload) > LogicalChunkSize {
		chunks = append(chunks, payload[:LogicalChunkSize])
		payload = payload[LogicalChunkSize:]
	}
	return append(chunks, payload)
}

func flagFor(index int) proto.ChunkFlag {
	if index == 0 {
		return proto.ChunkFirst
	}
	return proto.ChunkContinuation
}

// drainStale discards acknowledgements left over from a previous transfer.
func (c *Coordinator) drainStale() {
	drained := 0
	for drained < drainMax {
		select {
		case <-c.s.TransferEvents():
			drained++
		case <-time.After(drainPoll):
			if drained > 0 {
				c.log.Trace().Int("drained", drained).Msg("drained stale acknowledgements")
			}
			return
		}
	}
}

// pace sleeps the family's fragment interval, honouring cancellation and
// disconnects.
func (c *Coordinator) pace(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ErrCancelled
	case <-c.s.Disconnected():
		return ErrDisconnected
	}
}

type ackOutcome int

const (
	ackContinue ackOutcome = iota
	ackFinished
)

// awaitAck waits for one acknowledgement of the given family. The timer
// family overload (01 as next-or-finish) and the GIF device-cache case are
// resolved by the caller from the outcome and its chunk cursor.
func (c *Coordinator) awaitAck(ctx context.Context, family proto.Family, chunkIndex int) (ackOutcome, error) {
	timer := time.NewTimer(c.ackTimeout(family))
	defer timer.Stop()

	select {
	case event := <-c.s.TransferEvents():
		switch e := event.(type) {
		case proto.NextPackage:
			if e.Family != family {
				return 0, &InvalidAckError{Family: family, Event: event}
			}
			return ackContinue, nil
		case proto.Finished:
			if e.Family != family {
				return 0, &InvalidAckError{Family: family, Event: event}
			}
			return ackFinished, nil
		case proto.TransferError:
			if e.Family != family {
				return 0, &InvalidAckError{Family: family, Event: event}
			}
			return 0, &DeviceError{Family: family, Code: e.Code}
		case proto.ScheduleSetup:
			// Schedule resources are acknowledged on the setup response
			// shape: 01 and 03 both continue, anything else is a rejection.
			if family != proto.FamilySchedule {
				return 0, &InvalidAckError{Family: family, Event: event}
			}
			if e.Status == 0x01 || e.Status == 0x03 {
				return ackContinue, nil
			}
			return 0, &DeviceError{Family: family, Code: e.Status}
		default:
			return 0, &InvalidAckError{Family: family, Event: event}
		}
	case <-timer.C:
		return 0, &AckTimeoutError{Family: family, ChunkIndex: chunkIndex}
	case <-ctx.Done():
		return 0, ErrCancelled
	case <-c.s.Disconnected():
		return 0, ErrDisconnected
	}
}

// writeBlock splits one header+chunk block into transport fragments and
// writes them in order with pacing.
func (c *Coordinator) writeBlock(ctx context.Context, block []byte, pacing time.Duration, write func([]byte) error, receipt *Receipt) error {
	fragmentSize := c.s.FragmentSize()
	for offset := 0; offset < len(block); offset += fragmentSize {
		select {
		case <-ctx.Done():
			return ErrCancelled
		case <-c.s.Disconnected():
			return ErrDisconnected
		default:
		}

		end := min(offset+fragmentSize, len(block))
		fragment := block[offset:end]
		if err := write(fragment); err != nil {
			return err
		}
		receipt.BytesWritten += len(fragment)
		receipt.Fragments++

		if err := c.pace(ctx, pacing); err != nil {
			return err
		}
	}
	return nil
}

// run executes the shared upload algorithm: chunk, frame, fragment, pace,
// await, advance.
func (c *Coordinator) run(ctx context.Context, family proto.Family, payload []byte, header headerFunc, write func([]byte) error) (Receipt, error) {
	if err := c.s.AcquireTransfer(); err != nil {
		return Receipt{Family: family}, err
	}
	defer c.s.ReleaseTransfer()

	c.drainStale()
	return c.runLocked(ctx, family, payload, header, write)
}

// runLocked is the body of run for callers that already hold the transfer
// slot, such as the handshake-gated families.
func (c *Coordinator) runLocked(ctx context.Context, family proto.Family, payload []byte, header headerFunc, write func([]byte) error) (Receipt, error) {
	receipt := Receipt{Family: family}

	chunks := splitChunks(payload)
	pacing := pacingFor(family)
	c.log.Debug().
		Stringer("family", family).
		Int("payload_bytes", len(payload)).
		Int("logical_chunks", len(chunks)).
		Int("fragment_size", c.s.FragmentSize()).
		Msg("starting upload")

	for index, chunk := range chunks {
		head, err := header(index, flagFor(index), chunk)
		if err != nil {
			return receipt, err
		}
		block := make([]byte, 0, len(head)+len(chunk))
		block = append(block, head...)
		block = append(block, chunk...)

		if err := c.writeBlock(ctx, block, pacing, write, &receipt); err != nil {
			return receipt, err
		}
		receipt.LogicalChunks++

		outcome, err := c.awaitAck(ctx, family, index)
		if err != nil {
			return receipt, err
		}
		if outcome == ackFinished && index < len(chunks)-1 {
			// A completion ack on the first of several chunks means the
			// device already holds this payload.
			if family == proto.FamilyGif && index == 0 {
				receipt.Cached = true
				return receipt, nil
			}
			return receipt, &PrematureFinishError{Family: family, ChunkIndex: index + 1, TotalChunks: len(chunks)}
		}
		// On the final chunk either acknowledgement completes the
		// transfer; the timer family in particular reuses its
		// next-package status as the completion signal.
	}

	return receipt, nil
}

// settle keeps the link idle briefly after a finished media upload.
func (c *Coordinator) settle(ctx context.Context) {
	timer := time.NewTimer(settleDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-c.s.Disconnected():
	}
}

// Text uploads a built text payload (metadata plus glyph stream). The
// header CRC always covers the whole logical payload.
func (c *Coordinator) Text(ctx context.Context, payload []byte) (Receipt, error) {
	total := uint32(len(payload))
	crc := crc32.ChecksumIEEE(payload)
	header := func(_ int, flag proto.ChunkFlag, chunk []byte) ([]byte, error) {
		h, err := proto.MediaHeader{
			Family:   proto.FamilyText,
			Flag:     flag,
			ChunkLen: len(chunk),
			TotalLen: total,
			CRC32:    crc,
			Tail:     proto.NoTimeSignatureTail(),
		}.Encode()
		if err != nil {
			return nil, err
		}
		return h[:], nil
	}
	return c.run(ctx, proto.FamilyText, payload, header, c.s.Write)
}

// Gif uploads raw GIF file bytes; frames are never decoded here.
func (c *Coordinator) Gif(ctx context.Context, raw []byte, tail proto.MediaTail) (Receipt, error) {
	receipt, err := c.media(ctx, proto.FamilyGif, raw, tail)
	if err == nil {
		c.settle(ctx)
	}
	return receipt, err
}

// Image uploads a static image payload.
func (c *Coordinator) Image(ctx context.Context, raw []byte, tail proto.MediaTail) (Receipt, error) {
	receipt, err := c.media(ctx, proto.FamilyImage, raw, tail)
	if err == nil {
		c.settle(ctx)
	}
	return receipt, err
}

func (c *Coordinator) media(ctx context.Context, family proto.Family, raw []byte, tail proto.MediaTail) (Receipt, error) {
	total := uint32(len(raw))
	crc := crc32.ChecksumIEEE(raw)
	header := func(_ int, flag proto.ChunkFlag, chunk []byte) ([]byte, error) {
		h, err := proto.MediaHeader{
			Family:   family,
			Flag:     flag,
			ChunkLen: len(chunk),
			TotalLen: total,
			CRC32:    crc,
			Tail:     tail,
		}.Encode()
		if err != nil {
			return nil, err
		}
		return h[:], nil
	}
	return c.run(ctx, family, raw, header, c.s.Write)
}

// diyModeSwitch precedes every DIY transfer and is acknowledged with a
// DIY-family status.
var diyModeSwitch = []byte{0x05, 0x00, 0x04, 0x01, 0x01}

// Diy uploads one raw RGB frame. Brightness scaling is applied client-side
// to the chunk bodies; the first five bytes of each chunk carry frame
// header state and are preserved.
func (c *Coordinator) Diy(ctx context.Context, frame []byte, brightness int) (Receipt, error) {
	receipt := Receipt{Family: proto.FamilyDiy}
	if err := c.s.AcquireTransfer(); err != nil {
		return receipt, err
	}
	defer c.s.ReleaseTransfer()
	c.drainStale()

	if err := c.s.Write(diyModeSwitch); err != nil {
		return receipt, err
	}
	if _, err := c.awaitAck(ctx, proto.FamilyDiy, -1); err != nil {
		return receipt, err
	}

	scaled := scaleDiyPayload(frame, brightness)
	total := uint32(len(scaled))
	header := func(_ int, flag proto.ChunkFlag, chunk []byte) ([]byte, error) {
		h, err := proto.EncodeDiyPrefix(flag, len(chunk), total)
		if err != nil {
			return nil, err
		}
		return h[:], nil
	}
	return c.runLocked(ctx, proto.FamilyDiy, scaled, header, c.s.Write)
}

// scaleDiyPayload scales pixel bytes by brightness/100 per logical chunk,
// preserving bytes 0..4 of each chunk body. Short-command frames are never
// scaled.
func scaleDiyPayload(payload []byte, brightness int) []byte {
	if brightness < 0 {
		brightness = 0
	}
	if brightness >= 100 {
		out := make([]byte, len(payload))
		copy(out, payload)
		return out
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	for base := 0; base < len(out); base += LogicalChunkSize {
		end := min(base+LogicalChunkSize, len(out))
		start := min(base+5, end)
		for i := start; i < end; i++ {
			out[i] = byte(int(out[i]) * brightness / 100)
		}
	}
	return out
}

// Timer uploads a timer payload under the 24-byte header. The device
// answers the final chunk with its overloaded next-or-finish status.
func (c *Coordinator) Timer(ctx context.Context, payload []byte) (Receipt, error) {
	total := uint32(len(payload))
	crc := crc32.ChecksumIEEE(payload)
	header := func(_ int, flag proto.ChunkFlag, chunk []byte) ([]byte, error) {
		h, err := proto.EncodeTimerHeader(flag, len(chunk), total, crc)
		if err != nil {
			return nil, err
		}
		return h[:], nil
	}
	return c.run(ctx, proto.FamilyTimer, payload, header, c.s.Write)
}

// Schedule uploads queued schedule resources. The transfer is gated on a
// setup/master-switch handshake answered on the schedule response shapes.
func (c *Coordinator) Schedule(ctx context.Context, payload []byte) (Receipt, error) {
	receipt := Receipt{Family: proto.FamilySchedule}
	if err := c.s.AcquireTransfer(); err != nil {
		return receipt, err
	}
	defer c.s.ReleaseTransfer()
	c.drainStale()

	if err := c.scheduleHandshake(ctx); err != nil {
		return receipt, err
	}

	total := uint32(len(payload))
	crc := crc32.ChecksumIEEE(payload)
	header := func(_ int, flag proto.ChunkFlag, chunk []byte) ([]byte, error) {
		h, err := proto.EncodeScheduleHeader(flag, len(chunk), total, crc)
		if err != nil {
			return nil, err
		}
		return h[:], nil
	}
	return c.runLocked(ctx, proto.FamilySchedule, payload, header, c.s.Write)
}

func (c *Coordinator) scheduleHandshake(ctx context.Context) error {
	setup, err := proto.EncodeShort(0x05, 0x80, []byte{0x01})
	if err != nil {
		return err
	}
	if err := c.s.Write(setup); err != nil {
		return err
	}
	if err := c.awaitScheduleAck(ctx, true); err != nil {
		return err
	}

	masterSwitch, err := proto.EncodeShort(0x07, 0x80, []byte{0x01})
	if err != nil {
		return err
	}
	if err := c.s.Write(masterSwitch); err != nil {
		return err
	}
	return c.awaitScheduleAck(ctx, false)
}

// awaitScheduleAck validates one handshake response. Setup accepts 01
// (success) and 03 (continue with next); the master switch accepts 01.
func (c *Coordinator) awaitScheduleAck(ctx context.Context, setup bool) error {
	timer := time.NewTimer(c.ackTimeout(proto.FamilySchedule))
	defer timer.Stop()

	select {
	case event := <-c.s.TransferEvents():
		switch e := event.(type) {
		case proto.ScheduleSetup:
			if !setup {
				return &InvalidAckError{Family: proto.FamilySchedule, Event: event}
			}
			if e.Status == 0x01 || e.Status == 0x03 {
				return nil
			}
			return &HandshakeError{Family: proto.FamilySchedule, Reason: "setup rejected"}
		case proto.ScheduleMasterSwitch:
			if setup {
				return &InvalidAckError{Family: proto.FamilySchedule, Event: event}
			}
			if e.Status == 0x01 {
				return nil
			}
			return &HandshakeError{Family: proto.FamilySchedule, Reason: "master switch rejected"}
		default:
			return &InvalidAckError{Family: proto.FamilySchedule, Event: event}
		}
	case <-timer.C:
		return &AckTimeoutError{Family: proto.FamilySchedule, ChunkIndex: -1}
	case <-ctx.Done():
		return ErrCancelled
	case <-c.s.Disconnected():
		return ErrDisconnected
	}
}

// Ota runs a firmware upload: the step-1 setup frame, the accepted
// acknowledgement variants, then per-chunk transfers whose headers carry a
// per-chunk CRC.
func (c *Coordinator) Ota(ctx context.Context, otaType byte, firmware []byte) (Receipt, error) {
	receipt := Receipt{Family: proto.FamilyOta}
	if !c.s.HasOta() {
		return receipt, session.ErrNoOta
	}
	if err := c.s.AcquireTransfer(); err != nil {
		return receipt, err
	}
	defer c.s.ReleaseTransfer()
	c.drainStale()

	chunks := splitChunks(firmware)
	setup := proto.EncodeOtaSetup(otaType, byte(len(chunks)), crc32.ChecksumIEEE(firmware), uint32(len(firmware)))
	if err := c.s.WriteOta(setup); err != nil {
		return receipt, err
	}
	if err := c.awaitOtaSetupAck(ctx); err != nil {
		return receipt, err
	}

	header := func(index int, _ proto.ChunkFlag, chunk []byte) ([]byte, error) {
		h, err := proto.EncodeOtaChunkHeader(byte(index), crc32.ChecksumIEEE(chunk), len(chunk))
		if err != nil {
			return nil, err
		}
		return h[:], nil
	}
	return c.runLocked(ctx, proto.FamilyOta, firmware, header, c.s.WriteOta)
}

func (c *Coordinator) awaitOtaSetupAck(ctx context.Context) error {
	timer := time.NewTimer(c.ackTimeout(proto.FamilyOta))
	defer timer.Stop()

	select {
	case event := <-c.s.TransferEvents():
		if _, ok := event.(proto.OtaSetupAck); ok {
			return nil
		}
		return &InvalidAckError{Family: proto.FamilyOta, Event: event}
	case <-timer.C:
		return &AckTimeoutError{Family: proto.FamilyOta, ChunkIndex: -1}
	case <-ctx.Done():
		return ErrCancelled
	case <-c.s.Disconnected():
		return ErrDisconnected
	}
}
