package device

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/dbthost/internal/eir"
	"github.com/srg/dbthost/internal/hci"
	"github.com/srg/dbthost/internal/listener"
)

func testAddr(t byte) eir.Address48 {
	return eir.NewAddress48([6]byte{0, 0, 0, 0, 0, t}, eir.AddressLEPublic)
}

func TestNew_InitialState(t *testing.T) {
	d := New(0, testAddr(1), nil, nil, nil)

	assert.Equal(t, StateDiscovered, d.State())
	assert.False(t, d.IsConnected())
	assert.Equal(t, uint16(0), d.ConnectionHandle())
	assert.False(t, d.CreationTS.IsZero())
}

// TestConnectionHandleInvariant exercises spec.md section 8's invariant:
// connection_handle != 0 iff is_connected, across the NotifyConnected /
// NotifyDisconnected transitions.
func TestConnectionHandleInvariant(t *testing.T) {
	d := New(0, testAddr(1), nil, nil, nil)
	require.False(t, d.IsConnected())
	require.Equal(t, uint16(0), d.ConnectionHandle())

	d.NotifyConnected(0x0042)
	assert.True(t, d.IsConnected())
	assert.Equal(t, uint16(0x0042), d.ConnectionHandle())
	assert.Equal(t, StateConnected, d.State())

	d.NotifyDisconnected(0x13)
	assert.False(t, d.IsConnected())
	assert.Equal(t, uint16(0), d.ConnectionHandle())
	assert.Equal(t, StateDisconnected, d.State())
}

func TestNotifyConnected_FiresListener(t *testing.T) {
	logger := logrus.New()
	reg := listener.NewAdapterStatusRegistry(logger)
	d := New(0, testAddr(1), nil, reg, logger)

	var gotHandle uint16
	reg.Add(&listener.AdapterStatusFuncs{
		OnDeviceConnected: func(dev interface{}, handle uint16, ts time.Time) {
			gotHandle = handle
		},
	})

	d.NotifyConnected(0x0007)
	assert.Equal(t, uint16(0x0007), gotHandle)
}

func TestNotifyDisconnected_FiresListenerWithReason(t *testing.T) {
	logger := logrus.New()
	reg := listener.NewAdapterStatusRegistry(logger)
	d := New(0, testAddr(1), nil, reg, logger)
	d.NotifyConnected(0x0007)

	var gotReason uint8
	reg.Add(&listener.AdapterStatusFuncs{
		OnDeviceDisconnected: func(dev interface{}, reason uint8, handle uint16, ts time.Time) {
			gotReason = reason
		},
	})

	d.NotifyDisconnected(0x16)
	assert.Equal(t, uint8(0x16), gotReason)
}

func TestConnectLE_RejectsWhenAlreadyConnected(t *testing.T) {
	d := New(0, testAddr(1), nil, nil, nil)
	d.NotifyConnected(0x0001)

	_, err := d.ConnectLE(hci.DefaultLEConnParams())
	assert.ErrorIs(t, err, ConnectionAlreadyExistsError)
}

func TestConnectLE_RejectsWhileConnecting(t *testing.T) {
	d := New(0, testAddr(1), nil, nil, nil)
	d.state = StateConnecting

	_, err := d.ConnectLE(hci.DefaultLEConnParams())
	assert.ErrorIs(t, err, ConnectionAlreadyExistsError)
}

func TestConnectLE_UnacceptableRandomAddress(t *testing.T) {
	addr := eir.NewAddress48([6]byte{0xFE, 0, 0, 0, 0, 0}, eir.AddressLERandom)
	addr.RandomSub = eir.RandomResolvablePrivate
	d := New(0, addr, nil, nil, nil)

	pending, err := d.ConnectLE(hci.DefaultLEConnParams())
	assert.False(t, pending)
	assert.ErrorIs(t, err, hci.ErrUnacceptableAddress)
	assert.Equal(t, StateDiscovered, d.State())
}

// newPipeHCITransport builds a live *hci.Transport whose reader loop
// drives an in-memory net.Pipe -- the same fake-kernel pattern the hci
// package's own tests use -- so device.ConnectLE can be exercised without a
// real raw socket.
func newPipeHCITransport(t *testing.T) (*hci.Transport, net.Conn) {
	t.Helper()
	serverSide, kernelSide := net.Pipe()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	tr, err := hci.Open(context.Background(), 0, logger, serverSide, 50*time.Millisecond, 200*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	return tr, kernelSide
}

func encodeCommandStatusForTest(opcode uint16) []byte {
	buf := make([]byte, 2+1+1+1+2)
	buf[0] = hci.PacketEvent
	buf[1] = hci.EvtCommandStatus
	buf[2] = 4
	buf[3] = hci.StatusSuccess
	buf[4] = 1
	binary.LittleEndian.PutUint16(buf[5:7], opcode)
	return buf
}

func TestConnectLE_SuccessSetsAllowDisconnectBeforeComplete(t *testing.T) {
	hciT, kernel := newPipeHCITransport(t)
	d := New(0, testAddr(1), hciT, nil, nil)

	go func() {
		req := make([]byte, 1+2+1+25)
		_, _ = io.ReadFull(kernel, req)
		_, _ = kernel.Write(encodeCommandStatusForTest(hci.OpLECreateConn))
	}()

	pending, err := d.ConnectLE(hci.DefaultLEConnParams())
	require.NoError(t, err)
	assert.True(t, pending)
	assert.True(t, d.allowDisconnect.Load())
}

func TestDisconnect_NoopWhenNeverConnected(t *testing.T) {
	d := New(0, testAddr(1), nil, nil, nil)
	assert.NoError(t, d.Disconnect(false, true, ReasonRemoteUserTerminated))
	assert.NoError(t, d.Remove())
}

// TestDisconnect_CompareAndSwapOnlyOneProceeds exercises spec.md section 8's
// property: for any two concurrent disconnect calls on one device, exactly
// one actually issues the underlying teardown.
func TestDisconnect_CompareAndSwapOnlyOneProceeds(t *testing.T) {
	d := New(0, testAddr(1), nil, nil, nil)
	d.NotifyConnected(0x0009)

	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	proceeded := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.allowDisconnect.CompareAndSwap(true, false) {
				mu.Lock()
				proceeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, proceeded)
	assert.False(t, d.allowDisconnect.Load())

	// A subsequent real Disconnect call is now a documented no-op.
	assert.NoError(t, d.Disconnect(false, true, ReasonRemoteUserTerminated))
}

func TestPingGATT_FalseWithoutOpenChannel(t *testing.T) {
	d := New(0, testAddr(1), nil, nil, nil)
	assert.False(t, d.PingGATT())
}

func TestMergeEIR_UpdatesTimestampsAndFields(t *testing.T) {
	d := New(0, testAddr(1), nil, nil, nil)
	before := d.LastUpdate()

	report := &eir.EIRReport{}
	report.MergeOutOfBandRSSI(-55)
	changed, mask := d.MergeEIR(report)

	assert.True(t, changed)
	assert.True(t, mask.Has(eir.MaskRSSI))
	rssi, ok := d.RSSI()
	assert.True(t, ok)
	assert.Equal(t, int8(-55), rssi)
	assert.False(t, d.LastUpdate().Before(before))
}

func TestConnectDefault_DispatchesByAddressType(t *testing.T) {
	le := New(0, eir.NewAddress48([6]byte{1, 2, 3, 4, 5, 6}, eir.AddressLEPublic), nil, nil, nil)
	le.NotifyConnected(1) // force ConnectionAlreadyExistsError instead of a live HCI round trip
	_, err := le.ConnectDefault(hci.DefaultLEConnParams())
	assert.ErrorIs(t, err, ConnectionAlreadyExistsError)

	undefined := New(0, eir.NewAddress48([6]byte{1, 2, 3, 4, 5, 6}, eir.AddressUndefined), nil, nil, nil)
	_, err = undefined.ConnectDefault(hci.DefaultLEConnParams())
	assert.Error(t, err)
}
