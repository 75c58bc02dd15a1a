package adapter

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/dbthost/internal/device"
	"github.com/srg/dbthost/internal/eir"
	"github.com/srg/dbthost/internal/hci"
	"github.com/srg/dbthost/internal/mgmt"
)

func hciAddrTypeToEIR(t byte) eir.AddressType {
	if t == hci.AddrLERandom {
		return eir.AddressLERandom
	}
	return eir.AddressLEPublic
}

func mgmtAddrType(t mgmt.AddressType) eir.AddressType {
	switch t {
	case mgmt.AddrTypeLEPublic:
		return eir.AddressLEPublic
	case mgmt.AddrTypeLERandom:
		return eir.AddressLERandom
	default:
		return eir.AddressPublic
	}
}

// lookupOrInsert returns the Device for addr, creating and registering a
// new one (in insertion order) if this is the first time it's been seen.
func (a *Adapter) lookupOrInsert(addr eir.Address48) (dev *device.Device, inserted bool) {
	key := addrKey(addr)

	a.regMu.Lock()
	defer a.regMu.Unlock()

	if existing, ok := a.devices.Get(key); ok {
		return existing, false
	}
	dev = device.New(a.Index, addr, a.hciT, a.statusListeners, a.logger)
	a.devices.Set(key, dev)
	return dev, true
}

func (a *Adapter) lookup(addr eir.Address48) (*device.Device, bool) {
	a.regMu.Lock()
	defer a.regMu.Unlock()
	return a.devices.Get(addrKey(addr))
}

// GetDevices returns a snapshot of the device registry in insertion order.
func (a *Adapter) GetDevices() []*device.Device {
	a.regMu.Lock()
	defer a.regMu.Unlock()

	out := make([]*device.Device, 0, a.devices.Len())
	for pair := a.devices.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// RemoveDevice idempotently disconnects addr (reason: remote user
// terminated) and drops it from the registry, per spec.md section 4.4.
func (a *Adapter) RemoveDevice(addr eir.Address48) error {
	key := addrKey(addr)

	a.regMu.Lock()
	dev, ok := a.devices.Get(key)
	if ok {
		a.devices.Delete(key)
	}
	a.regMu.Unlock()

	if !ok {
		return nil
	}
	return dev.Remove()
}

func (a *Adapter) onDeviceFound(f *mgmt.Frame) {
	ev, err := mgmt.DecodeDeviceFound(f.Params)
	if err != nil {
		a.logger.WithError(err).Warn("adapter: malformed DEVICE_FOUND, discarding")
		return
	}

	addr := eir.NewAddress48(ev.Address, mgmtAddrType(ev.AddrType))
	report := eir.DecodeRecordsWithAddress(ev.EIRData, eir.SourceAD, addr)
	report.MergeOutOfBandRSSI(ev.RSSI)

	dev, inserted := a.lookupOrInsert(addr)
	changed, mask := dev.MergeEIR(report)

	now := time.Now()
	if inserted {
		a.statusListeners.FireDeviceFound(dev, now)
	} else if changed {
		a.statusListeners.FireDeviceUpdated(dev, uint32(mask), now)
	}
}

func (a *Adapter) onDeviceDisconnected(f *mgmt.Frame) {
	ev, err := mgmt.DecodeDeviceDisconnected(f.Params)
	if err != nil {
		a.logger.WithError(err).Warn("adapter: malformed DEVICE_DISCONNECTED, discarding")
		return
	}
	addr := eir.NewAddress48(ev.Address, mgmtAddrType(ev.AddrType))
	dev, ok := a.lookup(addr)
	if !ok {
		return
	}
	a.pendingConn.Delete(addrKey(addr))
	dev.NotifyDisconnected(ev.Reason)
}

func (a *Adapter) onConnectFailed(f *mgmt.Frame) {
	ev, err := mgmt.DecodeConnectFailed(f.Params)
	if err != nil {
		a.logger.WithError(err).Warn("adapter: malformed CONNECT_FAILED, discarding")
		return
	}
	addr := eir.NewAddress48(ev.Address, mgmtAddrType(ev.AddrType))
	a.pendingConn.Delete(addrKey(addr))
	a.logger.WithFields(logrus.Fields{"addr": addr.String(), "status": ev.Status}).Warn("adapter: connect failed")
}

// onHCIConnectionComplete is invoked from this adapter's HCI reader
// goroutine on every LE_Connection_Complete sub-event (every connection on
// this physical controller passes through it, regardless of which
// component initiated it). It is the sole source of a device's connection
// handle, per the invariant that connection_handle != 0 iff connected.
func (a *Adapter) onHCIConnectionComplete(cc *hci.LEConnectionComplete) {
	addr := eir.NewAddress48(cc.PeerAddr, hciAddrTypeToEIR(cc.PeerAddrType))
	a.pendingConn.Delete(addrKey(addr))

	if cc.Status != 0 {
		a.logger.WithFields(logrus.Fields{"addr": addr.String(), "status": cc.Status}).Warn("adapter: LE connection failed")
		return
	}

	dev, _ := a.lookupOrInsert(addr)
	dev.NotifyConnected(cc.ConnHandle)
}

func (a *Adapter) onDeviceBlocked(f *mgmt.Frame) {
	a.dispatchAddrEvent(f, a.statusListeners.FireDeviceBlocked)
}

func (a *Adapter) onDeviceUnblocked(f *mgmt.Frame) {
	a.dispatchAddrEvent(f, a.statusListeners.FireDeviceUnblocked)
}

func (a *Adapter) onDeviceUnpaired(f *mgmt.Frame) {
	a.dispatchAddrEvent(f, a.statusListeners.FireDeviceUnpaired)
}

func (a *Adapter) dispatchAddrEvent(f *mgmt.Frame, fire func(dev interface{}, ts time.Time)) {
	ev, err := mgmt.DecodeDeviceAddrEvent(f.Params)
	if err != nil {
		a.logger.WithError(err).Warn("adapter: malformed device-address event, discarding")
		return
	}
	addr := eir.NewAddress48(ev.Address, mgmtAddrType(ev.AddrType))
	dev, ok := a.lookup(addr)
	if !ok {
		return
	}
	fire(dev, time.Now())
}

func (a *Adapter) onNewSettings(f *mgmt.Frame) {
	newSettings, err := mgmt.DecodeNewSettings(f.Params)
	if err != nil {
		a.logger.WithError(err).Warn("adapter: malformed NEW_SETTINGS, discarding")
		return
	}

	a.infoMu.Lock()
	old := a.info.CurrentSettings
	a.info.CurrentSettings = newSettings
	a.infoMu.Unlock()

	a.statusListeners.FireAdapterSettingsChanged(old, newSettings, old^newSettings, time.Now())
}
