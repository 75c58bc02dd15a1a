package adapter

import (
	"testing"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/dbthost/internal/device"
	"github.com/srg/dbthost/internal/eir"
	"github.com/srg/dbthost/internal/hci"
	"github.com/srg/dbthost/internal/listener"
	"github.com/srg/dbthost/internal/mgmt"
)

// newTestAdapter builds an Adapter without a live MGMT/HCI transport, for
// exercising the registry, discovery state machine, and event handlers in
// isolation. Any path that would need to reach the kernel (a live
// mgmtT.StartDiscovery, etc.) is left untouched by these tests.
func newTestAdapter() *Adapter {
	return &Adapter{
		Index:           0,
		logger:          logrus.New(),
		devices:         orderedmap.New[string, *device.Device](),
		whitelist:       hashmap.New[string, struct{}](),
		statusListeners: listener.NewAdapterStatusRegistry(logrus.New()),
		workCh:          make(chan func(), 4),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
}

func testAddr(last byte) eir.Address48 {
	return eir.NewAddress48([6]byte{0, 0, 0, 0, 0, last}, eir.AddressLEPublic)
}

func TestAddrKey_DistinguishesType(t *testing.T) {
	pub := eir.NewAddress48([6]byte{1, 2, 3, 4, 5, 6}, eir.AddressLEPublic)
	rand := eir.NewAddress48([6]byte{1, 2, 3, 4, 5, 6}, eir.AddressLERandom)
	assert.NotEqual(t, addrKey(pub), addrKey(rand))
}

func TestLookupOrInsert_InsertsOnce(t *testing.T) {
	a := newTestAdapter()
	addr := testAddr(1)

	dev1, inserted1 := a.lookupOrInsert(addr)
	require.True(t, inserted1)
	require.NotNil(t, dev1)

	dev2, inserted2 := a.lookupOrInsert(addr)
	assert.False(t, inserted2)
	assert.Same(t, dev1, dev2)
}

func TestGetDevices_InsertionOrder(t *testing.T) {
	a := newTestAdapter()
	var want []*device.Device
	for i := byte(1); i <= 3; i++ {
		dev, _ := a.lookupOrInsert(testAddr(i))
		want = append(want, dev)
	}

	got := a.GetDevices()
	require.Len(t, got, 3)
	for i, dev := range want {
		assert.Same(t, dev, got[i])
	}
}

func TestRemoveDevice_UnknownIsNoop(t *testing.T) {
	a := newTestAdapter()
	assert.NoError(t, a.RemoveDevice(testAddr(9)))
}

func TestRemoveDevice_DropsFromRegistry(t *testing.T) {
	a := newTestAdapter()
	addr := testAddr(1)
	a.lookupOrInsert(addr)

	require.NoError(t, a.RemoveDevice(addr))
	assert.Empty(t, a.GetDevices())
}

func TestOnDeviceFound_FiresFoundThenUpdated(t *testing.T) {
	a := newTestAdapter()

	var found, updated int
	a.statusListeners.Add(&listener.AdapterStatusFuncs{
		OnDeviceFound:   func(dev interface{}, ts time.Time) { found++ },
		OnDeviceUpdated: func(dev interface{}, mask uint32, ts time.Time) { updated++ },
	})

	frame := &mgmt.Frame{Params: deviceFoundParams(t, testAddr(1), "first", -40)}
	a.onDeviceFound(frame)
	assert.Equal(t, 1, found)
	assert.Equal(t, 0, updated)

	frame2 := &mgmt.Frame{Params: deviceFoundParams(t, testAddr(1), "second", -41)}
	a.onDeviceFound(frame2)
	assert.Equal(t, 1, found)
	assert.Equal(t, 1, updated)
}

func TestOnHCIConnectionComplete_ClearsPendingAndNotifies(t *testing.T) {
	a := newTestAdapter()
	addr := testAddr(1)
	dev, _ := a.lookupOrInsert(addr)
	a.pendingConn.Store(addrKey(addr), struct{}{})

	cc := &hci.LEConnectionComplete{Status: 0, ConnHandle: 0x0040, PeerAddr: addr.Bytes, PeerAddrType: hci.AddrLEPublic}
	a.onHCIConnectionComplete(cc)

	_, pending := a.pendingConn.Load(addrKey(addr))
	assert.False(t, pending)
	assert.True(t, dev.IsConnected())
}

func TestOnHCIConnectionComplete_FailureLeavesDeviceUnconnected(t *testing.T) {
	a := newTestAdapter()
	addr := testAddr(1)
	dev, _ := a.lookupOrInsert(addr)
	a.pendingConn.Store(addrKey(addr), struct{}{})

	cc := &hci.LEConnectionComplete{Status: 0x12, PeerAddr: addr.Bytes, PeerAddrType: hci.AddrLEPublic}
	a.onHCIConnectionComplete(cc)

	_, pending := a.pendingConn.Load(addrKey(addr))
	assert.False(t, pending)
	assert.False(t, dev.IsConnected())
}

func TestStopDiscovery_InvalidFromStopped(t *testing.T) {
	a := newTestAdapter()
	err := a.StopDiscovery()
	require.Error(t, err)
	var invalid *InvalidStateError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, DiscoveryStopped, invalid.State)
}

func TestStartDiscovery_InvalidWhenNotStopped(t *testing.T) {
	a := newTestAdapter()
	a.discState = DiscoveryActive

	err := a.StartDiscovery(ScanLE, false)
	require.Error(t, err)
	var invalid *InvalidStateError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, DiscoveryActive, invalid.State)
}

func TestAnyConnectionPending(t *testing.T) {
	a := newTestAdapter()
	assert.False(t, a.anyConnectionPending())
	a.pendingConn.Store("x", struct{}{})
	assert.True(t, a.anyConnectionPending())
}

func TestOnDiscovering_StoppedWithoutKeepAliveDoesNotRestart(t *testing.T) {
	a := newTestAdapter()
	a.discState = DiscoveryActive
	a.keepAlive = false

	a.onDiscovering(&mgmt.Frame{Params: []byte{0x01, 0x00}})

	assert.Equal(t, DiscoveryStopped, a.State())
	select {
	case <-a.workCh:
		t.Fatal("unexpected posted work without keepAlive")
	default:
	}
}

func TestOnDiscovering_KeepAlivePostsRestart(t *testing.T) {
	a := newTestAdapter()
	a.discState = DiscoveryActive
	a.keepAlive = true
	a.scanType = byte(ScanLE)

	a.onDiscovering(&mgmt.Frame{Params: []byte{0x01, 0x00}})

	select {
	case fn := <-a.workCh:
		require.NotNil(t, fn)
	default:
		t.Fatal("expected keepAlive restart to be posted")
	}
}

func TestOnDiscovering_KeepAliveSkippedWhileConnectionPending(t *testing.T) {
	a := newTestAdapter()
	a.discState = DiscoveryActive
	a.keepAlive = true
	a.pendingConn.Store("busy", struct{}{})

	a.onDiscovering(&mgmt.Frame{Params: []byte{0x01, 0x00}})

	select {
	case <-a.workCh:
		t.Fatal("must not restart discovery while a connection is in flight")
	default:
	}
}

func TestAddDeviceToWhitelist_RejectsDuplicate(t *testing.T) {
	a := newTestAdapter()
	addr := testAddr(1)
	a.whitelist.Set(addrKey(addr), struct{}{})

	err := a.AddDeviceToWhitelist(addr, 0)
	assert.ErrorIs(t, err, ErrAlreadyWhitelisted)
}

func TestMgmtAddrTypeRoundTrip(t *testing.T) {
	cases := []struct {
		mgmtType mgmt.AddressType
		eirType  eir.AddressType
	}{
		{mgmt.AddrTypeLEPublic, eir.AddressLEPublic},
		{mgmt.AddrTypeLERandom, eir.AddressLERandom},
		{mgmt.AddrTypeBREDR, eir.AddressPublic},
	}
	for _, c := range cases {
		assert.Equal(t, c.eirType, mgmtAddrType(c.mgmtType))
	}
}

func TestMgmtAddressTypeRoundTrip(t *testing.T) {
	assert.Equal(t, mgmt.AddrTypeLEPublic, mgmtAddressType(eir.AddressLEPublic))
	assert.Equal(t, mgmt.AddrTypeLERandom, mgmtAddressType(eir.AddressLERandom))
	assert.Equal(t, mgmt.AddrTypeBREDR, mgmtAddressType(eir.AddressPublic))
}

func TestHciAddrTypeToEIR(t *testing.T) {
	assert.Equal(t, eir.AddressLERandom, hciAddrTypeToEIR(hci.AddrLERandom))
	assert.Equal(t, eir.AddressLEPublic, hciAddrTypeToEIR(hci.AddrLEPublic))
}

// deviceFoundParams builds a DEVICE_FOUND payload carrying a single complete-
// local-name AD record, for exercising onDeviceFound without a real socket.
func deviceFoundParams(t *testing.T, addr eir.Address48, name string, rssi int8) []byte {
	t.Helper()
	nameField := append([]byte{byte(len(name) + 1), 0x09}, []byte(name)...)

	buf := make([]byte, 0, 14+len(nameField))
	buf = append(buf, addr.Bytes[:]...)
	buf = append(buf, byte(mgmt.AddrTypeLEPublic))
	buf = append(buf, byte(rssi))
	buf = append(buf, 0, 0, 0, 0) // flags
	eirLen := len(nameField)
	buf = append(buf, byte(eirLen), byte(eirLen>>8))
	buf = append(buf, nameField...)
	return buf
}
