package proto

import (
	"errors"
	"fmt"
)

// ErrEmptyNotification is returned when a notify payload has no bytes.
var ErrEmptyNotification = errors.New("proto: notification payload was empty")

// NotifyEvent is one decoded device notification. The concrete types below
// are the only implementations.
type NotifyEvent interface {
	notifyEvent()
}

// NextPackage acknowledges a logical chunk and requests the next one.
type NextPackage struct {
	Family Family
}

// Finished acknowledges the final logical chunk of a transfer.
type Finished struct {
	Family Family
}

// TransferError reports a device-side transfer failure status.
type TransferError struct {
	Family Family
	Code   byte
}

// ScheduleSetup is the schedule setup handshake response.
type ScheduleSetup struct {
	Status byte
}

// ScheduleMasterSwitch is the schedule master-switch response.
type ScheduleMasterSwitch struct {
	Status byte
}

// LedInfo is the decoded LED-info query response.
type LedInfo struct {
	MCUMajor    byte
	MCUMinor    byte
	Status      byte
	ScreenType  byte
	PasswordSet bool
}

// ScreenLightTimeout is the screen-light timeout readback value.
type ScreenLightTimeout struct {
	Value byte
}

// OtaSetupAck acknowledges the OTA step-1 setup frame. Variant preserves
// the byte the two accepted shapes differ in.
type OtaSetupAck struct {
	Variant byte
}

// Unknown preserves an unclassified payload verbatim.
type Unknown struct {
	Raw []byte
}

func (NextPackage) notifyEvent()          {}
func (Finished) notifyEvent()             {}
func (TransferError) notifyEvent()        {}
func (ScheduleSetup) notifyEvent()        {}
func (ScheduleMasterSwitch) notifyEvent() {}
func (LedInfo) notifyEvent()              {}
func (ScreenLightTimeout) notifyEvent()   {}
func (OtaSetupAck) notifyEvent()          {}
func (Unknown) notifyEvent()              {}

func (e TransferError) String() string {
	return fmt.Sprintf("%s transfer error 0x%02X", e.Family, e.Code)
}

// ParseLedInfo parses a LED-info query response. The payload is accepted
// when it is at least 9 bytes and bytes 2..3 are 01 80.
func ParseLedInfo(payload []byte) (LedInfo, bool) {
	if len(payload) < 9 || payload[2] != 0x01 || payload[3] != 0x80 {
		return LedInfo{}, false
	}
	return LedInfo{
		MCUMajor:    payload[4],
		MCUMinor:    payload[5],
		Status:      payload[6],
		ScreenType:  payload[7],
		PasswordSet: payload[8] != 0x00,
	}, true
}

// DecodeNotify classifies one notify payload into a typed event. Payloads
// shorter than 5 bytes and payloads matching no known shape are preserved
// as Unknown; only an empty payload is an error.
//
// Dispatch is per family on the byte triple at offsets 1..3. The DIY
// family inverts the common status mapping (02 continues, 00/01 finish)
// and the timer family overloads 01 as next-or-finish; collapsing the
// families into one status table would mis-handle both.
func DecodeNotify(payload []byte) (NotifyEvent, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyNotification
	}
	if len(payload) < 5 {
		return Unknown{Raw: cloneBytes(payload)}, nil
	}

	if info, ok := ParseLedInfo(payload); ok {
		return info, nil
	}

	if payload[0] == 0x05 && payload[1] == 0x00 {
		switch {
		case payload[2] == 0x0F && payload[3] == 0x80:
			return ScreenLightTimeout{Value: payload[4]}, nil
		case payload[2] == 0x05 && payload[3] == 0x80:
			return ScheduleSetup{Status: payload[4]}, nil
		case payload[2] == 0x07 && payload[3] == 0x80:
			return ScheduleMasterSwitch{Status: payload[4]}, nil
		// Both observed OTA step-1 acknowledgement shapes are accepted.
		case (payload[2] == 0x00 || payload[2] == 0x02) && payload[3] == 0xC0 && payload[4] == 0x01:
			return OtaSetupAck{Variant: payload[2]}, nil
		}
	}

	status := payload[4]
	switch {
	case payload[1] == 0x00 && payload[2] == 0x03 && payload[3] == 0x00:
		return decodeCommonStatus(FamilyText, status), nil
	case payload[1] == 0x00 && payload[2] == 0x01 && payload[3] == 0x00:
		return decodeCommonStatus(FamilyGif, status), nil
	case payload[1] == 0x00 && payload[2] == 0x02 && payload[3] == 0x00:
		return decodeCommonStatus(FamilyImage, status), nil
	case payload[1] == 0x00 && payload[2] == 0x00 && payload[3] == 0x00:
		return decodeDiyStatus(status), nil
	case payload[1] == 0x00 && payload[2] == 0x00 && payload[3] == 0x80:
		return decodeTimerStatus(status), nil
	case payload[1] == 0x00 && payload[2] == 0x01 && payload[3] == 0xC0:
		return decodeOtaStatus(status), nil
	}

	return Unknown{Raw: cloneBytes(payload)}, nil
}

// decodeCommonStatus maps the shared text/gif/image status byte: 01 next,
// 03 finish, anything else (00 invalid, 02 error) is a device error.
func decodeCommonStatus(family Family, status byte) NotifyEvent {
	switch status {
	case 0x01:
		return NextPackage{Family: family}
	case 0x03:
		return Finished{Family: family}
	default:
		return TransferError{Family: family, Code: status}
	}
}

// decodeDiyStatus maps the inverted DIY semantics: 02 requests the next
// chunk, 00 and 01 both signal completion.
func decodeDiyStatus(status byte) NotifyEvent {
	switch status {
	case 0x02:
		return NextPackage{Family: FamilyDiy}
	case 0x00, 0x01:
		return Finished{Family: FamilyDiy}
	default:
		return TransferError{Family: FamilyDiy, Code: status}
	}
}

// decodeTimerStatus maps the timer statuses: 00 fail, 01 next-or-finish
// (the coordinator resolves which from its cursor), 03 save-ok.
func decodeTimerStatus(status byte) NotifyEvent {
	switch status {
	case 0x01:
		return NextPackage{Family: FamilyTimer}
	case 0x03:
		return Finished{Family: FamilyTimer}
	default:
		return TransferError{Family: FamilyTimer, Code: status}
	}
}

func decodeOtaStatus(status byte) NotifyEvent {
	switch status {
	case 0x01:
		return NextPackage{Family: FamilyOta}
	case 0x03:
		return Finished{Family: FamilyOta}
	default:
		return TransferError{Family: FamilyOta, Code: status}
	}
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
