package transfer

import (
	"errors"
	"fmt"

	"github.com/chaz8081/idmctl/internal/proto"
)

// ErrCancelled marks a caller-requested cancellation observed at a
// fragment or acknowledgement boundary.
var ErrCancelled = errors.New("transfer: cancelled")

// ErrDisconnected marks a link loss mid-transfer.
var ErrDisconnected = errors.New("transfer: device disconnected")

// AckTimeoutError reports a missing acknowledgement for one logical chunk.
type AckTimeoutError struct {
	Family     proto.Family
	ChunkIndex int
}

func (e *AckTimeoutError) Error() string {
	return fmt.Sprintf("transfer: %s acknowledgement for chunk %d timed out", e.Family, e.ChunkIndex)
}

// DeviceError reports a device-side transfer rejection. The status code is
// surfaced verbatim, never reinterpreted.
type DeviceError struct {
	Family proto.Family
	Code   byte
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("transfer: device reported %s error 0x%02X", e.Family, e.Code)
}

// InvalidAckError reports an acknowledgement that does not belong to the
// transfer in flight.
type InvalidAckError struct {
	Family proto.Family
	Event  proto.NotifyEvent
}

func (e *InvalidAckError) Error() string {
	return fmt.Sprintf("transfer: unexpected acknowledgement %#v while waiting on %s", e.Event, e.Family)
}

// PrematureFinishError reports a completion acknowledgement before the
// final logical chunk, outside the recognised device-cache case.
type PrematureFinishError struct {
	Family      proto.Family
	ChunkIndex  int
	TotalChunks int
}

func (e *PrematureFinishError) Error() string {
	return fmt.Sprintf("transfer: %s finished early at chunk %d of %d", e.Family, e.ChunkIndex, e.TotalChunks)
}

// HandshakeError reports a rejected schedule setup or master-switch
// exchange.
type HandshakeError struct {
	Family proto.Family
	Reason string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("transfer: %s handshake failed: %s", e.Family, e.Reason)
}
