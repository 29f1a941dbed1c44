// Package session owns one connected device: it negotiates the GATT
// endpoints, derives the transport fragment size from the negotiated MTU
// and splits the notification stream into transfer acknowledgements and
// side events.
package session

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/chaz8081/idmctl/internal/ble"
	"github.com/chaz8081/idmctl/internal/proto"
)

// Fragment sizes per the flow-control protocol: full-size fragments once
// the MTU supports them, a conservative legacy size otherwise.
const (
	FragmentSizeMTUReady = 509
	FragmentSizeFallback = 18

	// fragmentMTUThreshold is the smallest MTU that carries full
	// fragments.
	fragmentMTUThreshold = 100
)

// Event buffer depths. Side events are dropped oldest-first when the
// consumer lags; a transfer event that arrives while its buffer is full is
// dropped and logged.
const (
	transferEventBuffer = 16
	sideEventBuffer     = 32
)

// ErrClosed is returned when writing on a closed or disconnected session.
var ErrClosed = errors.New("session: closed")

// ErrBusy is returned when a transfer is started while another one holds
// the session.
var ErrBusy = errors.New("session: transfer already in flight")

// ErrNoOta is returned for OTA operations on a device without the ae00
// service triple.
var ErrNoOta = errors.New("session: device exposes no OTA endpoints")

// Session is an exclusive handle on one connected device.
type Session struct {
	conn      ble.Connection
	endpoints Endpoints
	fragment  int
	log       zerolog.Logger

	transferEvents chan proto.NotifyEvent
	sideEvents     chan proto.NotifyEvent
	disconnected   chan struct{}

	mu       sync.Mutex
	closed   bool
	inflight bool
}

// Open negotiates endpoints on a connected peripheral, subscribes to the
// notify characteristic and resolves the fragment size. MTU negotiation
// failure is not fatal: the session degrades to 18-byte fragments.
func Open(conn ble.Connection, log zerolog.Logger) (*Session, error) {
	services, err := conn.Services()
	if err != nil {
		return nil, err
	}
	endpoints, err := Negotiate(services)
	if err != nil {
		return nil, err
	}

	fragment := FragmentSizeFallback
	if mtu, err := conn.MTU(); err != nil {
		log.Warn().Err(err).Int("fragment_size", fragment).Msg("mtu negotiation failed, using fallback fragments")
	} else if mtu >= fragmentMTUThreshold {
		fragment = FragmentSizeMTUReady
	}

	s := &Session{
		conn:           conn,
		endpoints:      endpoints,
		fragment:       fragment,
		log:            log,
		transferEvents: make(chan proto.NotifyEvent, transferEventBuffer),
		sideEvents:     make(chan proto.NotifyEvent, sideEventBuffer),
		disconnected:   make(chan struct{}),
	}

	if err := endpoints.Notify.Subscribe(s.handleNotification); err != nil {
		return nil, err
	}
	// OTA acknowledgements arrive on the ae02 characteristic; merge them
	// into the same decoded stream.
	if endpoints.HasOta() {
		if err := endpoints.OtaNotify.Subscribe(s.handleNotification); err != nil {
			log.Warn().Err(err).Msg("ota notify subscription failed, ota transfers unavailable")
			s.endpoints.OtaWrite = nil
			s.endpoints.OtaNotify = nil
		}
	}
	conn.OnDisconnect(s.markDisconnected)

	log.Debug().
		Stringer("gatt_profile", endpoints.Profile).
		Int("fragment_size", fragment).
		Bool("ota", endpoints.HasOta()).
		Msg("session established")
	return s, nil
}

// handleNotification decodes one notify payload and routes it. Transfer
// acknowledgement families go to the coordinator; everything else is a
// side event observable by callers. Unknown payloads are logged, never
// fatal.
func (s *Session) handleNotification(payload []byte) {
	event, err := proto.DecodeNotify(payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("dropping undecodable notification")
		return
	}

	switch event.(type) {
	case proto.NextPackage, proto.Finished, proto.TransferError,
		proto.ScheduleSetup, proto.ScheduleMasterSwitch, proto.OtaSetupAck:
		select {
		case s.transferEvents <- event:
		default:
			s.log.Warn().Msg("transfer event buffer full, dropping acknowledgement")
		}
	default:
		if unknown, ok := event.(proto.Unknown); ok {
			s.log.Debug().Hex("payload", unknown.Raw).Msg("unknown notification")
		}
		select {
		case s.sideEvents <- event:
		default:
			// Drop the oldest side event so fresh state wins.
			select {
			case <-s.sideEvents:
			default:
			}
			select {
			case s.sideEvents <- event:
			default:
			}
		}
	}
}

func (s *Session) markDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.disconnected)
	s.log.Warn().Msg("device disconnected")
}

// FragmentSize returns the transport fragment size for this session.
func (s *Session) FragmentSize() int {
	return s.fragment
}

// Profile returns the negotiated GATT profile.
func (s *Session) Profile() GattProfile {
	return s.endpoints.Profile
}

// HasOta reports whether the device exposes the OTA endpoint triple.
func (s *Session) HasOta() bool {
	return s.endpoints.HasOta()
}

// Write sends one buffer to the control write characteristic. Callers are
// responsible for fragment sizing.
func (s *Session) Write(data []byte) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.endpoints.Write.Write(data)
}

// WriteOta sends one buffer to the OTA write characteristic.
func (s *Session) WriteOta(data []byte) error {
	if s.isClosed() {
		return ErrClosed
	}
	if !s.endpoints.HasOta() {
		return ErrNoOta
	}
	return s.endpoints.OtaWrite.Write(data)
}

// TransferEvents is the acknowledgement stream consumed by the transfer
// coordinator.
func (s *Session) TransferEvents() <-chan proto.NotifyEvent {
	return s.transferEvents
}

// SideEvents carries everything that is not a transfer acknowledgement:
// LED info, screen-light readbacks and unknown payloads.
func (s *Session) SideEvents() <-chan proto.NotifyEvent {
	return s.sideEvents
}

// Disconnected is closed when the link drops or the session is closed.
func (s *Session) Disconnected() <-chan struct{} {
	return s.disconnected
}

// AcquireTransfer reserves the session for one upload. Transfers are
// strictly serialised; a second acquisition fails with ErrBusy until the
// first releases.
func (s *Session) AcquireTransfer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.inflight {
		return ErrBusy
	}
	s.inflight = true
	return nil
}

// ReleaseTransfer returns the session to idle.
func (s *Session) ReleaseTransfer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight = false
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close unsubscribes and disconnects. The session is unusable afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.disconnected)
	s.mu.Unlock()

	if err := s.endpoints.Notify.Unsubscribe(); err != nil {
		s.log.Debug().Err(err).Msg("unsubscribe failed during close")
	}
	return s.conn.Disconnect()
}
