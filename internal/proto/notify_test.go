package proto

import (
	"bytes"
	"errors"
	"testing"
)

func TestDecodeNotifyTransferFamilies(t *testing.T) {
	cases := []struct {
		name    string
		payload []byte
		want    NotifyEvent
	}{
		{"text next", []byte{0x05, 0x00, 0x03, 0x00, 0x01}, NextPackage{FamilyText}},
		{"text finish", []byte{0x05, 0x00, 0x03, 0x00, 0x03}, Finished{FamilyText}},
		{"text error", []byte{0x05, 0x00, 0x03, 0x00, 0x02}, TransferError{FamilyText, 0x02}},
		{"gif invalid", []byte{0x05, 0x00, 0x01, 0x00, 0x00}, TransferError{FamilyGif, 0x00}},
		{"gif next", []byte{0x05, 0x00, 0x01, 0x00, 0x01}, NextPackage{FamilyGif}},
		{"gif error", []byte{0x05, 0x00, 0x01, 0x00, 0x02}, TransferError{FamilyGif, 0x02}},
		{"gif finish", []byte{0x05, 0x00, 0x01, 0x00, 0x03}, Finished{FamilyGif}},
		{"image next", []byte{0x05, 0x00, 0x02, 0x00, 0x01}, NextPackage{FamilyImage}},
		{"image finish", []byte{0x05, 0x00, 0x02, 0x00, 0x03}, Finished{FamilyImage}},
		{"ota next", []byte{0x05, 0x00, 0x01, 0xC0, 0x01}, NextPackage{FamilyOta}},
		{"ota finish", []byte{0x05, 0x00, 0x01, 0xC0, 0x03}, Finished{FamilyOta}},
		{"ota error", []byte{0x05, 0x00, 0x01, 0xC0, 0x00}, TransferError{FamilyOta, 0x00}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeNotify(tc.payload)
			if err != nil {
				t.Fatalf("DecodeNotify() error = %v", err)
			}
			if got != tc.want {
				t.Errorf("DecodeNotify() = %#v, want %#v", got, tc.want)
			}
		})
	}
}

// The DIY family inverts the common mapping: 02 continues, 00 and 01 both
// complete. A shared ACK table would break this.
func TestDecodeNotifyDiyInversion(t *testing.T) {
	got, err := DecodeNotify([]byte{0x05, 0x00, 0x00, 0x00, 0x02})
	if err != nil {
		t.Fatalf("DecodeNotify() error = %v", err)
	}
	if got != (NextPackage{FamilyDiy}) {
		t.Errorf("status 02 = %#v, want NextPackage(diy)", got)
	}

	for _, status := range []byte{0x00, 0x01} {
		got, err := DecodeNotify([]byte{0x05, 0x00, 0x00, 0x00, status})
		if err != nil {
			t.Fatalf("DecodeNotify() error = %v", err)
		}
		if got != (Finished{FamilyDiy}) {
			t.Errorf("status %02X = %#v, want Finished(diy)", status, got)
		}
	}
}

// Timer status 01 is next-or-finish; the decoder surfaces NextPackage and
// the coordinator resolves the overload from its chunk cursor.
func TestDecodeNotifyTimerOverload(t *testing.T) {
	got, err := DecodeNotify([]byte{0x05, 0x00, 0x00, 0x80, 0x01})
	if err != nil {
		t.Fatalf("DecodeNotify() error = %v", err)
	}
	if got != (NextPackage{FamilyTimer}) {
		t.Errorf("status 01 = %#v, want NextPackage(timer)", got)
	}

	got, err = DecodeNotify([]byte{0x05, 0x00, 0x00, 0x80, 0x00})
	if err != nil {
		t.Fatalf("DecodeNotify() error = %v", err)
	}
	if got != (TransferError{FamilyTimer, 0x00}) {
		t.Errorf("status 00 = %#v, want TransferError(timer, 00)", got)
	}

	got, err = DecodeNotify([]byte{0x05, 0x00, 0x00, 0x80, 0x03})
	if err != nil {
		t.Fatalf("DecodeNotify() error = %v", err)
	}
	if got != (Finished{FamilyTimer}) {
		t.Errorf("status 03 = %#v, want Finished(timer)", got)
	}
}

func TestDecodeNotifyScheduleResponses(t *testing.T) {
	got, err := DecodeNotify([]byte{0x05, 0x00, 0x05, 0x80, 0x01})
	if err != nil {
		t.Fatalf("DecodeNotify() error = %v", err)
	}
	if got != (ScheduleSetup{Status: 0x01}) {
		t.Errorf("setup = %#v", got)
	}

	got, err = DecodeNotify([]byte{0x05, 0x00, 0x07, 0x80, 0x01})
	if err != nil {
		t.Fatalf("DecodeNotify() error = %v", err)
	}
	if got != (ScheduleMasterSwitch{Status: 0x01}) {
		t.Errorf("master switch = %#v", got)
	}
}

func TestDecodeNotifyOtaSetupAckVariants(t *testing.T) {
	for _, variant := range []byte{0x00, 0x02} {
		got, err := DecodeNotify([]byte{0x05, 0x00, variant, 0xC0, 0x01})
		if err != nil {
			t.Fatalf("DecodeNotify() error = %v", err)
		}
		if got != (OtaSetupAck{Variant: variant}) {
			t.Errorf("variant %02X = %#v, want OtaSetupAck", variant, got)
		}
	}
}

func TestDecodeNotifyLedInfo(t *testing.T) {
	got, err := DecodeNotify([]byte{0x09, 0x00, 0x01, 0x80, 0x02, 0x0A, 0x01, 0x04, 0x00})
	if err != nil {
		t.Fatalf("DecodeNotify() error = %v", err)
	}
	want := LedInfo{MCUMajor: 0x02, MCUMinor: 0x0A, Status: 0x01, ScreenType: 0x04, PasswordSet: false}
	if got != want {
		t.Errorf("DecodeNotify() = %#v, want %#v", got, want)
	}

	// Truncated LED info is not misclassified.
	short, err := DecodeNotify([]byte{0x08, 0x00, 0x01, 0x80, 0x02, 0x0A, 0x01, 0x04})
	if err != nil {
		t.Fatalf("DecodeNotify() error = %v", err)
	}
	if _, ok := short.(LedInfo); ok {
		t.Error("8-byte payload decoded as LedInfo")
	}
}

func TestDecodeNotifyScreenLightTimeout(t *testing.T) {
	got, err := DecodeNotify([]byte{0x05, 0x00, 0x0F, 0x80, 0x1E})
	if err != nil {
		t.Fatalf("DecodeNotify() error = %v", err)
	}
	if got != (ScreenLightTimeout{Value: 0x1E}) {
		t.Errorf("DecodeNotify() = %#v", got)
	}
}

func TestDecodeNotifyPreservesUnknownPayloads(t *testing.T) {
	payload := []byte{0xAA, 0x55, 0x01}
	got, err := DecodeNotify(payload)
	if err != nil {
		t.Fatalf("DecodeNotify() error = %v", err)
	}
	unknown, ok := got.(Unknown)
	if !ok {
		t.Fatalf("DecodeNotify() = %#v, want Unknown", got)
	}
	if !bytes.Equal(unknown.Raw, payload) {
		t.Errorf("Raw = % X, want % X", unknown.Raw, payload)
	}

	// The preserved copy is independent of the caller's buffer.
	payload[0] = 0x00
	if unknown.Raw[0] != 0xAA {
		t.Error("Unknown aliases the caller's payload buffer")
	}
}

func TestDecodeNotifyRejectsEmptyPayload(t *testing.T) {
	_, err := DecodeNotify(nil)
	if !errors.Is(err, ErrEmptyNotification) {
		t.Errorf("DecodeNotify(nil) error = %v, want ErrEmptyNotification", err)
	}
}
