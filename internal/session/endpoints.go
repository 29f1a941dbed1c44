package session

import (
	"fmt"
	"strings"

	"github.com/chaz8081/idmctl/internal/ble"
)

// Known iDotMatrix GATT endpoints.
const (
	FAServiceUUID = "000000fa-0000-1000-8000-00805f9b34fb"
	FAWriteUUID   = "0000fa02-0000-1000-8000-00805f9b34fb"
	FANotifyUUID  = "0000fa03-0000-1000-8000-00805f9b34fb"

	FEE9ServiceUUID = "0000fee9-0000-1000-8000-00805f9b34fb"
	D44WriteUUID    = "d44bc439-abfd-45a2-b575-925416129600"
	D44NotifyUUID   = "d44bc439-abfd-45a2-b575-925416129601"
	D44ReadUUID     = "d44bc439-abfd-45a2-b575-925416129602"

	OtaServiceUUID = "0000ae00-0000-1000-8000-00805f9b34fb"
	OtaWriteUUID   = "0000ae01-0000-1000-8000-00805f9b34fb"
	OtaNotifyUUID  = "0000ae02-0000-1000-8000-00805f9b34fb"
)

// GattProfile names which control profile negotiation matched.
type GattProfile int

const (
	ProfileFA GattProfile = iota
	ProfileFEE9
)

func (p GattProfile) String() string {
	if p == ProfileFEE9 {
		return "fee9_d44"
	}
	return "fa_fa02"
}

// Endpoints is the negotiated characteristic set for one connection. The
// OTA pair is optional and gates OTA operations.
type Endpoints struct {
	Profile   GattProfile
	Write     ble.Characteristic
	Notify    ble.Characteristic
	OtaWrite  ble.Characteristic
	OtaNotify ble.Characteristic
}

// HasOta reports whether the optional ae00 service triple was present.
func (e Endpoints) HasOta() bool {
	return e.OtaWrite != nil && e.OtaNotify != nil
}

// EndpointError reports failed endpoint negotiation.
type EndpointError struct {
	Missing string
}

func (e *EndpointError) Error() string {
	return fmt.Sprintf("session: required endpoints missing: %s", e.Missing)
}

// Negotiate matches the discovered services against the two known control
// profiles, FA first. The notify characteristic is whichever one on the
// matched service carries NOTIFY or INDICATE, preferring the d44 read
// characteristic (…9602) then the d44 notify characteristic (…9601).
func Negotiate(services []ble.Service) (Endpoints, error) {
	candidates := []struct {
		profile GattProfile
		service string
		write   string
	}{
		{ProfileFA, FAServiceUUID, FAWriteUUID},
		{ProfileFEE9, FEE9ServiceUUID, D44WriteUUID},
	}

	for _, candidate := range candidates {
		service, ok := findService(services, candidate.service)
		if !ok {
			continue
		}
		write, ok := findCharacteristic(service, candidate.write)
		if !ok {
			continue
		}
		notify, ok := selectNotify(service)
		if !ok {
			continue
		}
		endpoints := Endpoints{
			Profile: candidate.profile,
			Write:   write,
			Notify:  notify,
		}
		if ota, ok := findService(services, OtaServiceUUID); ok {
			otaWrite, okWrite := findCharacteristic(ota, OtaWriteUUID)
			otaNotify, okNotify := findCharacteristic(ota, OtaNotifyUUID)
			if okWrite && okNotify {
				endpoints.OtaWrite = otaWrite
				endpoints.OtaNotify = otaNotify
			}
		}
		return endpoints, nil
	}

	return Endpoints{}, &EndpointError{
		Missing: fmt.Sprintf("no control profile matched (%s/%s or %s/%s)", FAServiceUUID, FAWriteUUID, FEE9ServiceUUID, D44WriteUUID),
	}
}

func findService(services []ble.Service, uuid string) (ble.Service, bool) {
	for _, service := range services {
		if strings.EqualFold(service.UUID, uuid) {
			return service, true
		}
	}
	return ble.Service{}, false
}

func findCharacteristic(service ble.Service, uuid string) (ble.Characteristic, bool) {
	for _, char := range service.Characteristics {
		if strings.EqualFold(char.UUID(), uuid) {
			return char, true
		}
	}
	return nil, false
}

func selectNotify(service ble.Service) (ble.Characteristic, bool) {
	if char, ok := findCharacteristic(service, D44ReadUUID); ok && char.Notifiable() {
		return char, true
	}
	if char, ok := findCharacteristic(service, D44NotifyUUID); ok && char.Notifiable() {
		return char, true
	}
	for _, char := range service.Characteristics {
		if char.Notifiable() {
			return char, true
		}
	}
	return nil, false
}
