// Package control implements the single-frame device commands: power,
// brightness, time sync, colour fills, the built-in clock and counter
// screens, and the query commands answered over the notify stream.
package control

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/chaz8081/idmctl/internal/proto"
	"github.com/chaz8081/idmctl/internal/session"
)

// queryTimeout bounds the wait for a side-event answer to a query frame.
const queryTimeout = 1 * time.Second

// RangeError reports a command argument outside its accepted range.
type RangeError struct {
	Field string
	Value int
	Min   int
	Max   int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("control: %s %d is out of range (%d..=%d)", e.Field, e.Value, e.Min, e.Max)
}

// QueryTimeoutError reports a query frame that received no answer.
type QueryTimeoutError struct {
	Query string
}

func (e *QueryTimeoutError) Error() string {
	return fmt.Sprintf("control: %s query received no response", e.Query)
}

// Controller issues short commands over one session.
type Controller struct {
	s   *session.Session
	log zerolog.Logger
}

// New creates a controller for a session.
func New(s *session.Session, log zerolog.Logger) *Controller {
	return &Controller{s: s, log: log}
}

func (c *Controller) send(cmdID, cmdNS byte, payload []byte) error {
	frame, err := proto.EncodeShort(cmdID, cmdNS, payload)
	if err != nil {
		return err
	}
	c.log.Trace().Hex("frame", frame).Msg("short command")
	return c.s.Write(frame)
}

// SetPower turns the screen on or off.
func (c *Controller) SetPower(on bool) error {
	state := byte(0x00)
	if on {
		state = 0x01
	}
	return c.send(0x07, 0x01, []byte{state})
}

// SetBrightness sets panel brightness. The range is validated before any
// bytes reach the wire.
func (c *Controller) SetBrightness(value int) error {
	if value < 0 || value > 100 {
		return &RangeError{Field: "brightness", Value: value, Min: 0, Max: 100}
	}
	return c.send(0x04, 0x80, []byte{byte(value)})
}

// SyncTime synchronises the device clock. The payload carries two-digit
// year, month, day, ISO weekday (Monday = 1), hour, minute, second.
func (c *Controller) SyncTime(t time.Time) error {
	weekday := byte(t.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	payload := []byte{
		byte(t.Year() % 100),
		byte(t.Month()),
		byte(t.Day()),
		weekday,
		byte(t.Hour()),
		byte(t.Minute()),
		byte(t.Second()),
	}
	return c.send(0x01, 0x80, payload)
}

// SetColour fills the panel with one colour. An all-black fill is clamped
// to the dimmest blue: when red and green are zero, firmware treats a
// zero blue channel as transparent.
func (c *Controller) SetColour(r, g, b byte) error {
	if r == 0x00 && g == 0x00 && b < 0x01 {
		b = 0x01
	}
	return c.send(0x02, 0x02, []byte{r, g, b})
}

// ClockStyle selects one of the built-in clock faces.
type ClockStyle byte

// Clock visibility flags OR'd into the style byte.
const (
	clockShowDate byte = 0x80
	clockHour24   byte = 0x40
)

// ShowClock switches the panel to the built-in clock screen.
func (c *Controller) ShowClock(style ClockStyle, showDate, hour24 bool, r, g, b byte) error {
	flags := byte(style)
	if showDate {
		flags |= clockShowDate
	}
	if hour24 {
		flags |= clockHour24
	}
	return c.send(0x06, 0x01, []byte{flags, r, g, b})
}

// Countdown starts or stops the countdown screen.
func (c *Controller) Countdown(enabled bool, minutes, seconds int) error {
	if minutes < 0 || minutes > 99 {
		return &RangeError{Field: "minutes", Value: minutes, Min: 0, Max: 99}
	}
	if seconds < 0 || seconds > 59 {
		return &RangeError{Field: "seconds", Value: seconds, Min: 0, Max: 59}
	}
	state := byte(0x00)
	if enabled {
		state = 0x01
	}
	return c.send(0x08, 0x80, []byte{state, byte(minutes), byte(seconds)})
}

// ChronographMode controls the stopwatch screen.
type ChronographMode byte

const (
	ChronographReset    ChronographMode = 0
	ChronographStart    ChronographMode = 1
	ChronographPause    ChronographMode = 2
	ChronographContinue ChronographMode = 3
)

// Chronograph drives the stopwatch screen.
func (c *Controller) Chronograph(mode ChronographMode) error {
	return c.send(0x09, 0x80, []byte{byte(mode)})
}

// SetScoreboard shows the scoreboard screen with two counters.
func (c *Controller) SetScoreboard(player1, player2 int) error {
	if player1 < 0 || player1 > 999 {
		return &RangeError{Field: "player1", Value: player1, Min: 0, Max: 999}
	}
	if player2 < 0 || player2 > 999 {
		return &RangeError{Field: "player2", Value: player2, Min: 0, Max: 999}
	}
	payload := []byte{
		byte(player1), byte(player1 >> 8),
		byte(player2), byte(player2 >> 8),
	}
	return c.send(0x0A, 0x80, payload)
}

// SetFlip flips the panel orientation.
func (c *Controller) SetFlip(reversed bool) error {
	state := byte(0x00)
	if reversed {
		state = 0x01
	}
	return c.send(0x06, 0x80, []byte{state})
}

// SendJointMode informs the device of the resolved panel topology. Only
// ambiguous-shape devices need this frame.
func (c *Controller) SendJointMode(mode byte) error {
	return c.send(0x0C, 0x80, []byte{mode})
}

// QueryLedInfo issues the LED-info query and waits for the decoded
// response on the side-event stream.
func (c *Controller) QueryLedInfo(ctx context.Context) (proto.LedInfo, error) {
	if err := c.send(0x01, 0x80, nil); err != nil {
		return proto.LedInfo{}, err
	}
	event, err := c.awaitSide(ctx, "led info", func(e proto.NotifyEvent) bool {
		_, ok := e.(proto.LedInfo)
		return ok
	})
	if err != nil {
		return proto.LedInfo{}, err
	}
	return event.(proto.LedInfo), nil
}

// screenLightReadSentinel asks for a readback instead of setting a value.
const screenLightReadSentinel = 0xFF

// ReadScreenLightTimeout probes the screen-light timeout and waits for
// the readback notification.
func (c *Controller) ReadScreenLightTimeout(ctx context.Context) (byte, error) {
	if err := c.send(0x0F, 0x80, []byte{screenLightReadSentinel}); err != nil {
		return 0, err
	}
	event, err := c.awaitSide(ctx, "screen light timeout", func(e proto.NotifyEvent) bool {
		_, ok := e.(proto.ScreenLightTimeout)
		return ok
	})
	if err != nil {
		return 0, err
	}
	return event.(proto.ScreenLightTimeout).Value, nil
}

// SetScreenLightTimeout sets the screen-light timeout in minutes.
func (c *Controller) SetScreenLightTimeout(minutes int) error {
	if minutes < 0 || minutes > 254 {
		return &RangeError{Field: "minutes", Value: minutes, Min: 0, Max: 254}
	}
	return c.send(0x0F, 0x80, []byte{byte(minutes)})
}

// awaitSide waits for a matching side event, discarding non-matching ones
// that arrive in between.
func (c *Controller) awaitSide(ctx context.Context, query string, match func(proto.NotifyEvent) bool) (proto.NotifyEvent, error) {
	timer := time.NewTimer(queryTimeout)
	defer timer.Stop()
	for {
		select {
		case event := <-c.s.SideEvents():
			if match(event) {
				return event, nil
			}
			c.log.Trace().Type("event", event).Msg("skipping unrelated side event")
		case <-timer.C:
			return nil, &QueryTimeoutError{Query: query}
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.s.Disconnected():
			return nil, session.ErrClosed
		}
	}
}
