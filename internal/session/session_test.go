package session

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/idmctl/internal/ble"
	"github.com/chaz8081/idmctl/internal/ble/bletest"
	"github.com/chaz8081/idmctl/internal/proto"
)

type testDevice struct {
	conn   *bletest.Connection
	write  *bletest.Characteristic
	notify *bletest.Characteristic
}

func faDevice(mtu int) testDevice {
	write := bletest.NewCharacteristic(FAWriteUUID, false)
	notify := bletest.NewCharacteristic(FANotifyUUID, true)
	conn := bletest.NewConnection(mtu, ble.Service{
		UUID:            FAServiceUUID,
		Characteristics: []ble.Characteristic{write, notify},
	})
	return testDevice{conn: conn, write: write, notify: notify}
}

func fee9Device(mtu int) testDevice {
	write := bletest.NewCharacteristic(D44WriteUUID, false)
	read := bletest.NewCharacteristic(D44ReadUUID, true)
	notify := bletest.NewCharacteristic(D44NotifyUUID, true)
	conn := bletest.NewConnection(mtu, ble.Service{
		UUID:            FEE9ServiceUUID,
		Characteristics: []ble.Characteristic{write, notify, read},
	})
	return testDevice{conn: conn, write: write, notify: read}
}

func TestNegotiatePrefersFAProfile(t *testing.T) {
	device := faDevice(247)
	s, err := Open(device.conn, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, ProfileFA, s.Profile())
	assert.False(t, s.HasOta())
}

func TestNegotiateFallsBackToFEE9PreferringReadCharacteristic(t *testing.T) {
	device := fee9Device(247)
	s, err := Open(device.conn, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, ProfileFEE9, s.Profile())

	// The preferred …9602 read characteristic received the subscription.
	delivered := make(chan struct{}, 1)
	go func() {
		<-s.SideEvents()
		delivered <- struct{}{}
	}()
	device.notify.Notify([]byte{0x05, 0x00, 0x0F, 0x80, 0x1E})
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("notification on the d44 read characteristic was not routed")
	}
}

func TestNegotiateFailsWithoutControlProfile(t *testing.T) {
	conn := bletest.NewConnection(247, ble.Service{UUID: "0000180a-0000-1000-8000-00805f9b34fb"})
	_, err := Open(conn, zerolog.Nop())
	var endpointErr *EndpointError
	require.ErrorAs(t, err, &endpointErr)
}

func TestNegotiateDetectsOtaTriple(t *testing.T) {
	device := faDevice(247)
	otaWrite := bletest.NewCharacteristic(OtaWriteUUID, false)
	otaNotify := bletest.NewCharacteristic(OtaNotifyUUID, true)
	services := []ble.Service{
		{UUID: FAServiceUUID, Characteristics: []ble.Characteristic{device.write, device.notify}},
		{UUID: OtaServiceUUID, Characteristics: []ble.Characteristic{otaWrite, otaNotify}},
	}
	conn := bletest.NewConnection(247, services...)
	s, err := Open(conn, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, s.HasOta())

	require.NoError(t, s.WriteOta([]byte{0x01}))
	assert.Len(t, otaWrite.Writes(), 1)
}

func TestWriteOtaWithoutEndpointsFails(t *testing.T) {
	device := faDevice(247)
	s, err := Open(device.conn, zerolog.Nop())
	require.NoError(t, err)
	assert.ErrorIs(t, s.WriteOta([]byte{0x01}), ErrNoOta)
}

func TestFragmentSizeFollowsMTUBoundary(t *testing.T) {
	cases := []struct {
		mtu  int
		want int
	}{
		{99, FragmentSizeFallback},
		{100, FragmentSizeMTUReady},
		{247, FragmentSizeMTUReady},
		{23, FragmentSizeFallback},
	}
	for _, tc := range cases {
		device := faDevice(tc.mtu)
		s, err := Open(device.conn, zerolog.Nop())
		require.NoError(t, err)
		assert.Equal(t, tc.want, s.FragmentSize(), "mtu %d", tc.mtu)
	}
}

func TestFragmentSizeDegradesWhenMTUUnavailable(t *testing.T) {
	device := faDevice(247)
	device.conn.SetMTUError(errors.New("att timeout"))
	s, err := Open(device.conn, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, FragmentSizeFallback, s.FragmentSize())
}

func TestNotificationRouting(t *testing.T) {
	device := faDevice(247)
	s, err := Open(device.conn, zerolog.Nop())
	require.NoError(t, err)

	device.notify.Notify([]byte{0x05, 0x00, 0x01, 0x00, 0x01})                         // gif next: transfer
	device.notify.Notify([]byte{0x09, 0x00, 0x01, 0x80, 0x02, 0x0A, 0x01, 0x04, 0x00}) // led info: side
	device.notify.Notify([]byte{0xAA, 0x55, 0x01, 0x02, 0x03})                         // unknown: side
	device.notify.Notify([]byte{0x05, 0x00, 0x05, 0x80, 0x01})                         // schedule setup: transfer

	assert.Equal(t, proto.NextPackage{Family: proto.FamilyGif}, <-s.TransferEvents())
	assert.Equal(t, proto.ScheduleSetup{Status: 0x01}, <-s.TransferEvents())

	info := <-s.SideEvents()
	assert.Equal(t, proto.LedInfo{MCUMajor: 0x02, MCUMinor: 0x0A, Status: 0x01, ScreenType: 0x04}, info)
	unknown := <-s.SideEvents()
	assert.IsType(t, proto.Unknown{}, unknown)
}

func TestAcquireTransferSerialises(t *testing.T) {
	device := faDevice(247)
	s, err := Open(device.conn, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, s.AcquireTransfer())
	assert.ErrorIs(t, s.AcquireTransfer(), ErrBusy)
	s.ReleaseTransfer()
	assert.NoError(t, s.AcquireTransfer())
}

func TestDisconnectClosesSession(t *testing.T) {
	device := faDevice(247)
	s, err := Open(device.conn, zerolog.Nop())
	require.NoError(t, err)

	device.conn.DropLink()
	select {
	case <-s.Disconnected():
	case <-time.After(time.Second):
		t.Fatal("Disconnected() not closed after link drop")
	}
	assert.ErrorIs(t, s.Write([]byte{0x01}), ErrClosed)
	assert.ErrorIs(t, s.AcquireTransfer(), ErrClosed)
}

func TestCloseDisconnects(t *testing.T) {
	device := faDevice(247)
	s, err := Open(device.conn, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.True(t, device.conn.Disconnected())
	assert.NoError(t, s.Close(), "Close is idempotent")
}
