// Package device implements the per-remote-peer lifecycle state machine:
// discovered, connecting, connected, GATT-open, disconnecting, plus the
// merge of inbound EIR data into a stable Device record.
package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/dbthost/internal/eir"
	"github.com/srg/dbthost/internal/gatt"
	"github.com/srg/dbthost/internal/hci"
	"github.com/srg/dbthost/internal/l2cap"
	"github.com/srg/dbthost/internal/listener"
)

// State is a device's position in the connection lifecycle.
type State int

const (
	StateDiscovered State = iota
	StateConnecting
	StateConnected
	StateGattOpen
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "DISCOVERED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateGattOpen:
		return "GATT_OPEN"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// ConnectionAlreadyExistsError is returned by Connect* when the device is
// already connected or a connection attempt is already in flight.
var ConnectionAlreadyExistsError = errors.New("device: connection already exists")

// ReasonRemoteUserTerminated is the HCI disconnect reason code used by Remove.
const ReasonRemoteUserTerminated byte = 0x13

// Device is one remote peer, owned by exactly one Adapter (by dev-id, not a
// strong back-reference -- see the package's Adapter for the registry that
// holds these).
type Device struct {
	Address      eir.Address48
	AdapterIndex uint16

	CreationTS    time.Time
	lastDiscovery time.Time
	lastUpdate    time.Time

	// mtxData guards the mutable EIR-merged fields below. Go's sync.Mutex is
	// not reentrant; every method that needs mtxData takes it once and
	// touches the fields directly, so no method holding mtxData ever calls
	// back into a public Device method.
	mtxData      sync.Mutex
	name         string
	rssi         int8
	hasRSSI      bool
	txPower      int8
	hasTxPower   bool
	appearance   uint16
	hasAppear    bool
	manufacturer eir.ManufacturerData
	hasMfg       bool
	services     []eir.UUID
	deviceClass  uint32
	hasClass     bool

	// mtxConnect guards state and connectionHandle, serializing connect
	// against disconnect.
	mtxConnect       sync.Mutex
	state            State
	connectionHandle uint16
	allowDisconnect  atomic.Bool

	// mtxGatt guards the GATT-handler reference slot; released before any
	// blocking ATT I/O, per the per-device locking discipline.
	mtxGatt     sync.Mutex
	l2capCh     *l2cap.Channel
	gattClient  *gatt.Client
	gattSvcs    []*gatt.Service

	hciT            *hci.Transport
	statusListeners *listener.AdapterStatusRegistry
	charListeners   *listener.CharacteristicRegistry
	logger          *logrus.Logger
}

// New constructs a newly-discovered Device.
func New(adapterIndex uint16, addr eir.Address48, hciT *hci.Transport, statusListeners *listener.AdapterStatusRegistry, logger *logrus.Logger) *Device {
	if logger == nil {
		logger = logrus.New()
	}
	now := time.Now()
	return &Device{
		Address:         addr,
		AdapterIndex:    adapterIndex,
		CreationTS:      now,
		lastDiscovery:   now,
		lastUpdate:      now,
		state:           StateDiscovered,
		hciT:            hciT,
		statusListeners: statusListeners,
		charListeners:   listener.NewCharacteristicRegistry(logger),
		logger:          logger,
	}
}

// State returns the device's current lifecycle state.
func (d *Device) State() State {
	d.mtxConnect.Lock()
	defer d.mtxConnect.Unlock()
	return d.state
}

// IsConnected reports whether the device currently holds a non-zero
// connection handle. Invariant: connectionHandle != 0 iff IsConnected().
func (d *Device) IsConnected() bool {
	d.mtxConnect.Lock()
	defer d.mtxConnect.Unlock()
	return d.connectionHandle != 0
}

// ConnectionHandle returns the current connection handle, 0 if none.
func (d *Device) ConnectionHandle() uint16 {
	d.mtxConnect.Lock()
	defer d.mtxConnect.Unlock()
	return d.connectionHandle
}

// LastDiscovery and LastUpdate report the two EIR-merge timestamps.
func (d *Device) LastDiscovery() time.Time {
	d.mtxData.Lock()
	defer d.mtxData.Unlock()
	return d.lastDiscovery
}

func (d *Device) LastUpdate() time.Time {
	d.mtxData.Lock()
	defer d.mtxData.Unlock()
	return d.lastUpdate
}

// Name, RSSI, Appearance, Services return the current merged EIR fields.
func (d *Device) Name() string {
	d.mtxData.Lock()
	defer d.mtxData.Unlock()
	return d.name
}

func (d *Device) RSSI() (int8, bool) {
	d.mtxData.Lock()
	defer d.mtxData.Unlock()
	return d.rssi, d.hasRSSI
}

func (d *Device) Appearance() (uint16, bool) {
	d.mtxData.Lock()
	defer d.mtxData.Unlock()
	return d.appearance, d.hasAppear
}

func (d *Device) Services() []eir.UUID {
	d.mtxData.Lock()
	defer d.mtxData.Unlock()
	return append([]eir.UUID(nil), d.services...)
}

// MergeEIR merges a decoded advertising/EIR report into the device record,
// updating last_discovery and last_update. It reports whether any
// non-presence field actually changed (distinguishing deviceUpdated from a
// re-seen-unchanged advertisement).
func (d *Device) MergeEIR(r *eir.EIRReport) (changed bool, mask eir.DataSetMask) {
	d.mtxData.Lock()
	defer d.mtxData.Unlock()

	now := time.Now()
	d.lastDiscovery = now
	d.lastUpdate = now

	if r.HasName() && r.Name() != d.name {
		d.name = r.Name()
		changed = true
		mask |= eir.MaskName
	}
	if r.HasRSSI() && (!d.hasRSSI || r.RSSI != d.rssi) {
		d.rssi, d.hasRSSI = r.RSSI, true
		changed = true
		mask |= eir.MaskRSSI
	}
	if r.HasTxPower() && (!d.hasTxPower || r.TxPower != d.txPower) {
		d.txPower, d.hasTxPower = r.TxPower, true
		changed = true
		mask |= eir.MaskTxPower
	}
	if r.HasAppearance() && (!d.hasAppear || r.Appearance != d.appearance) {
		d.appearance, d.hasAppear = r.Appearance, true
		changed = true
		mask |= eir.MaskAppearance
	}
	if r.HasManufacturer() && (!d.hasMfg || r.Manufacturer.CompanyID != d.manufacturer.CompanyID ||
		!bytes.Equal(r.Manufacturer.Data, d.manufacturer.Data)) {
		d.manufacturer, d.hasMfg = r.Manufacturer, true
		changed = true
		mask |= eir.MaskManufacturer
	}
	if r.HasServices() && !slices.Equal(r.Services, d.services) {
		d.services = append([]eir.UUID(nil), r.Services...)
		changed = true
		mask |= eir.MaskServices
	}
	if r.HasDeviceClass() && (!d.hasClass || r.DeviceClass != d.deviceClass) {
		d.deviceClass, d.hasClass = r.DeviceClass, true
		changed = true
		mask |= eir.MaskDeviceClass
	}

	return changed, mask
}

// ConnectDefault dispatches to ConnectLE or ConnectBREDR based on the
// device's address type.
func (d *Device) ConnectDefault(params hci.LEConnParams) (pending bool, err error) {
	switch d.Address.Type {
	case eir.AddressLEPublic, eir.AddressLERandom:
		return d.ConnectLE(params)
	case eir.AddressPublic:
		return d.ConnectBREDR()
	default:
		return false, fmt.Errorf("device: unsupported address type %v for connect", d.Address.Type)
	}
}

// ConnectLE issues LE_Create_Connection. On a success-pending result,
// allow_disconnect becomes true before Connection_Complete arrives so a
// racing disconnect is honored.
func (d *Device) ConnectLE(params hci.LEConnParams) (pending bool, err error) {
	d.mtxConnect.Lock()
	if d.connectionHandle != 0 || d.state == StateConnecting {
		d.mtxConnect.Unlock()
		return false, ConnectionAlreadyExistsError
	}
	d.state = StateConnecting
	d.mtxConnect.Unlock()

	peerType, ownType, err := hci.PeerAddressMapping(d.Address.Type, d.Address.RandomSub)
	if err != nil {
		d.mtxConnect.Lock()
		d.state = StateDiscovered
		d.mtxConnect.Unlock()
		return false, err
	}

	pending, err = d.hciT.LECreateConn(d.Address.Bytes, peerType, ownType, params)
	if err != nil {
		d.mtxConnect.Lock()
		d.state = StateDiscovered
		d.mtxConnect.Unlock()
		return false, err
	}

	d.allowDisconnect.Store(true)
	return pending, nil
}

// ConnectBREDR issues the legacy BR/EDR Create_Connection command.
func (d *Device) ConnectBREDR() (pending bool, err error) {
	d.mtxConnect.Lock()
	if d.connectionHandle != 0 || d.state == StateConnecting {
		d.mtxConnect.Unlock()
		return false, ConnectionAlreadyExistsError
	}
	d.state = StateConnecting
	d.mtxConnect.Unlock()

	pending, err = d.hciT.CreateConn(d.Address.Bytes, 0xCC18 /* DM1/DM3/DM5/DH1/DH3/DH5 */, 0x00, 0x0000, false)
	if err != nil {
		d.mtxConnect.Lock()
		d.state = StateDiscovered
		d.mtxConnect.Unlock()
		return false, err
	}
	d.allowDisconnect.Store(true)
	return pending, nil
}

// NotifyConnected transitions the device to CONNECTED on the HCI
// LE_Connection_Complete event, driven by the adapter's event handler.
func (d *Device) NotifyConnected(handle uint16) {
	d.mtxConnect.Lock()
	d.state = StateConnected
	d.connectionHandle = handle
	d.allowDisconnect.Store(true)
	d.mtxConnect.Unlock()

	if d.statusListeners != nil {
		d.statusListeners.FireDeviceConnected(d, handle, time.Now())
	}
}

// NotifyDisconnected tears down any open GATT channel and transitions to
// DISCONNECTED, driven by the adapter's MGMT DEVICE_DISCONNECTED handler.
func (d *Device) NotifyDisconnected(reason byte) {
	d.closeGatt()

	d.mtxConnect.Lock()
	handle := d.connectionHandle
	d.connectionHandle = 0
	d.state = StateDisconnected
	d.allowDisconnect.Store(false)
	d.mtxConnect.Unlock()

	if d.statusListeners != nil {
		d.statusListeners.FireDeviceDisconnected(d, reason, handle, time.Now())
	}
}

// Disconnect tears down the connection. fromCB indicates the caller is
// already processing a disconnect event (in which case the HCI command is
// skipped -- the link is already gone). A compare-and-set on
// allow_disconnect ensures at most one disconnect sequence runs per device.
func (d *Device) Disconnect(fromCB, ioError bool, reason byte) error {
	if !d.allowDisconnect.CompareAndSwap(true, false) {
		return nil // already terminated or terminating
	}

	d.mtxConnect.Lock()
	d.state = StateDisconnecting
	handle := d.connectionHandle
	d.mtxConnect.Unlock()

	d.closeGatt() // closes L2CAP first, unblocking any in-flight ATT request

	if !fromCB {
		if err := d.hciT.Disconnect(ioError, handle, reason); err != nil {
			return err
		}
		if ioError {
			// No HCI command was sent, so no disconnect event will arrive.
			d.NotifyDisconnected(reason)
		}
	}
	return nil
}

// Remove idempotently disconnects (reason: remote user terminated); the
// device keeps no removed state of its own, the caller (Adapter) drops it
// from its registries.
func (d *Device) Remove() error {
	return d.Disconnect(false, false, ReasonRemoteUserTerminated)
}

func (d *Device) closeGatt() {
	d.mtxGatt.Lock()
	ch := d.l2capCh
	client := d.gattClient
	d.l2capCh = nil
	d.gattClient = nil
	d.gattSvcs = nil
	d.mtxGatt.Unlock()

	if client != nil {
		_ = client.Close()
	} else if ch != nil {
		_ = ch.Disconnect()
	}
}

// GetGattServices lazily opens the L2CAP/ATT channel, discovers primary
// services, and merges Generic Access name/appearance into the device
// record. Subsequent calls return the cached list.
func (d *Device) GetGattServices(ctx context.Context, localAddr eir.Address48) ([]*gatt.Service, error) {
	d.mtxGatt.Lock()
	if d.gattSvcs != nil {
		svcs := d.gattSvcs
		d.mtxGatt.Unlock()
		return svcs, nil
	}
	client := d.gattClient
	d.mtxGatt.Unlock()

	if client == nil {
		ch, err := l2cap.Open(ctx, localAddr, d.Address, d.logger, nil)
		if err != nil {
			d.Disconnect(false, true, ReasonRemoteUserTerminated)
			return nil, err
		}
		client = gatt.Open(ctx, ch, d.logger, d.charListeners, 0)

		d.mtxGatt.Lock()
		d.l2capCh = ch
		d.gattClient = client
		d.mtxGatt.Unlock()

		d.mtxConnect.Lock()
		d.state = StateGattOpen
		d.mtxConnect.Unlock()
	}

	svcs, err := client.DiscoverPrimaryServices()
	if err != nil {
		d.Disconnect(false, true, ReasonRemoteUserTerminated)
		return nil, err
	}

	if name, appearance, ok, err := client.ReadGenericAccess(); err == nil && ok {
		d.mtxData.Lock()
		if name != "" {
			d.name = name
		}
		d.appearance, d.hasAppear = appearance, true
		d.mtxData.Unlock()
	}

	d.mtxGatt.Lock()
	d.gattSvcs = svcs
	d.mtxGatt.Unlock()
	return svcs, nil
}

// PingGATT reports whether the ATT channel is open and at least one
// service has been discovered; on failure it tears the connection down
// with io_error=true.
func (d *Device) PingGATT() bool {
	d.mtxGatt.Lock()
	client := d.gattClient
	haveSvcs := len(d.gattSvcs) > 0
	d.mtxGatt.Unlock()

	if client == nil || !client.IsOpen() || !haveSvcs {
		if client != nil {
			d.Disconnect(false, true, ReasonRemoteUserTerminated)
		}
		return false
	}
	return true
}

// CharacteristicListeners exposes the per-device notify/indicate registry
// so application code can register listeners by value handle.
func (d *Device) CharacteristicListeners() *listener.CharacteristicRegistry {
	return d.charListeners
}
