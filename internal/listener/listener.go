// Package listener defines the adapter-status and characteristic-value
// listener interfaces shared by C4/C5 (adapter, device) and C7 (gatt), plus
// a small thread-safe registry used by each of them to fan events out.
package listener

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// AdapterStatusListener receives adapter- and device-lifecycle events.
// Implementations must not block; a panicking method is caught, logged,
// and does not prevent subsequent listeners from running.
type AdapterStatusListener interface {
	AdapterSettingsChanged(oldSettings, newSettings, changed uint32, ts time.Time)
	DiscoveringChanged(enabled, keepAlive bool, ts time.Time)
	DeviceFound(dev interface{}, ts time.Time)
	DeviceUpdated(dev interface{}, mask uint32, ts time.Time)
	DeviceConnected(dev interface{}, handle uint16, ts time.Time)
	DeviceDisconnected(dev interface{}, reason uint8, handle uint16, ts time.Time)
	DeviceBlocked(dev interface{}, ts time.Time)
	DeviceUnblocked(dev interface{}, ts time.Time)
	DeviceUnpaired(dev interface{}, ts time.Time)
}

// CharacteristicListener receives notify/indicate value updates for a
// connected device's GATT characteristics.
type CharacteristicListener interface {
	NotificationReceived(charRef interface{}, value []byte, ts time.Time)
	IndicationReceived(charRef interface{}, value []byte, ts time.Time, confirmationSent bool)
}

// AdapterStatusFuncs lets a caller register a subset of
// AdapterStatusListener's methods as plain functions instead of
// implementing the full interface; unset fields are no-ops.
type AdapterStatusFuncs struct {
	OnAdapterSettingsChanged func(oldSettings, newSettings, changed uint32, ts time.Time)
	OnDiscoveringChanged     func(enabled, keepAlive bool, ts time.Time)
	OnDeviceFound            func(dev interface{}, ts time.Time)
	OnDeviceUpdated          func(dev interface{}, mask uint32, ts time.Time)
	OnDeviceConnected        func(dev interface{}, handle uint16, ts time.Time)
	OnDeviceDisconnected     func(dev interface{}, reason uint8, handle uint16, ts time.Time)
	OnDeviceBlocked          func(dev interface{}, ts time.Time)
	OnDeviceUnblocked        func(dev interface{}, ts time.Time)
	OnDeviceUnpaired         func(dev interface{}, ts time.Time)
}

func (f *AdapterStatusFuncs) AdapterSettingsChanged(o, n, c uint32, ts time.Time) {
	if f.OnAdapterSettingsChanged != nil {
		f.OnAdapterSettingsChanged(o, n, c, ts)
	}
}

func (f *AdapterStatusFuncs) DiscoveringChanged(enabled, keepAlive bool, ts time.Time) {
	if f.OnDiscoveringChanged != nil {
		f.OnDiscoveringChanged(enabled, keepAlive, ts)
	}
}

func (f *AdapterStatusFuncs) DeviceFound(dev interface{}, ts time.Time) {
	if f.OnDeviceFound != nil {
		f.OnDeviceFound(dev, ts)
	}
}

func (f *AdapterStatusFuncs) DeviceUpdated(dev interface{}, mask uint32, ts time.Time) {
	if f.OnDeviceUpdated != nil {
		f.OnDeviceUpdated(dev, mask, ts)
	}
}

func (f *AdapterStatusFuncs) DeviceConnected(dev interface{}, handle uint16, ts time.Time) {
	if f.OnDeviceConnected != nil {
		f.OnDeviceConnected(dev, handle, ts)
	}
}

func (f *AdapterStatusFuncs) DeviceDisconnected(dev interface{}, reason uint8, handle uint16, ts time.Time) {
	if f.OnDeviceDisconnected != nil {
		f.OnDeviceDisconnected(dev, reason, handle, ts)
	}
}

func (f *AdapterStatusFuncs) DeviceBlocked(dev interface{}, ts time.Time) {
	if f.OnDeviceBlocked != nil {
		f.OnDeviceBlocked(dev, ts)
	}
}

func (f *AdapterStatusFuncs) DeviceUnblocked(dev interface{}, ts time.Time) {
	if f.OnDeviceUnblocked != nil {
		f.OnDeviceUnblocked(dev, ts)
	}
}

func (f *AdapterStatusFuncs) DeviceUnpaired(dev interface{}, ts time.Time) {
	if f.OnDeviceUnpaired != nil {
		f.OnDeviceUnpaired(dev, ts)
	}
}

// AdapterStatusRegistry is a thread-safe, panic-contained fan-out set of
// AdapterStatusListener. Invocation happens on whatever goroutine calls
// Fire* — for this stack, mostly the MGMT or HCI reader goroutine.
type AdapterStatusRegistry struct {
	mu        sync.RWMutex
	listeners []AdapterStatusListener
	logger    *logrus.Logger
}

// NewAdapterStatusRegistry builds an empty registry.
func NewAdapterStatusRegistry(logger *logrus.Logger) *AdapterStatusRegistry {
	if logger == nil {
		logger = logrus.New()
	}
	return &AdapterStatusRegistry{logger: logger}
}

// Add registers l. Safe to call concurrently with dispatch.
func (r *AdapterStatusRegistry) Add(l AdapterStatusListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Remove unregisters l, if present.
func (r *AdapterStatusRegistry) Remove(l AdapterStatusListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.listeners {
		if existing == l {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

func (r *AdapterStatusRegistry) snapshot() []AdapterStatusListener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AdapterStatusListener, len(r.listeners))
	copy(out, r.listeners)
	return out
}

func (r *AdapterStatusRegistry) invoke(name string, fn func(AdapterStatusListener)) {
	for _, l := range r.snapshot() {
		r.safeInvoke(name, l, fn)
	}
}

func (r *AdapterStatusRegistry) safeInvoke(name string, l AdapterStatusListener, fn func(AdapterStatusListener)) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.WithFields(logrus.Fields{"listener_method": name, "panic": rec}).Error("listener: adapter status callback panicked")
		}
	}()
	fn(l)
}

func (r *AdapterStatusRegistry) FireAdapterSettingsChanged(o, n, c uint32, ts time.Time) {
	r.invoke("AdapterSettingsChanged", func(l AdapterStatusListener) { l.AdapterSettingsChanged(o, n, c, ts) })
}

func (r *AdapterStatusRegistry) FireDiscoveringChanged(enabled, keepAlive bool, ts time.Time) {
	r.invoke("DiscoveringChanged", func(l AdapterStatusListener) { l.DiscoveringChanged(enabled, keepAlive, ts) })
}

func (r *AdapterStatusRegistry) FireDeviceFound(dev interface{}, ts time.Time) {
	r.invoke("DeviceFound", func(l AdapterStatusListener) { l.DeviceFound(dev, ts) })
}

func (r *AdapterStatusRegistry) FireDeviceUpdated(dev interface{}, mask uint32, ts time.Time) {
	r.invoke("DeviceUpdated", func(l AdapterStatusListener) { l.DeviceUpdated(dev, mask, ts) })
}

func (r *AdapterStatusRegistry) FireDeviceConnected(dev interface{}, handle uint16, ts time.Time) {
	r.invoke("DeviceConnected", func(l AdapterStatusListener) { l.DeviceConnected(dev, handle, ts) })
}

func (r *AdapterStatusRegistry) FireDeviceDisconnected(dev interface{}, reason uint8, handle uint16, ts time.Time) {
	r.invoke("DeviceDisconnected", func(l AdapterStatusListener) { l.DeviceDisconnected(dev, reason, handle, ts) })
}

func (r *AdapterStatusRegistry) FireDeviceBlocked(dev interface{}, ts time.Time) {
	r.invoke("DeviceBlocked", func(l AdapterStatusListener) { l.DeviceBlocked(dev, ts) })
}

func (r *AdapterStatusRegistry) FireDeviceUnblocked(dev interface{}, ts time.Time) {
	r.invoke("DeviceUnblocked", func(l AdapterStatusListener) { l.DeviceUnblocked(dev, ts) })
}

func (r *AdapterStatusRegistry) FireDeviceUnpaired(dev interface{}, ts time.Time) {
	r.invoke("DeviceUnpaired", func(l AdapterStatusListener) { l.DeviceUnpaired(dev, ts) })
}

// CharacteristicRegistry is a thread-safe, panic-contained fan-out set of
// CharacteristicListener, keyed by value handle so that notifications for
// one characteristic don't traverse listeners registered for another.
type CharacteristicRegistry struct {
	mu        sync.RWMutex
	listeners map[uint16][]CharacteristicListener
	logger    *logrus.Logger
}

// NewCharacteristicRegistry builds an empty registry.
func NewCharacteristicRegistry(logger *logrus.Logger) *CharacteristicRegistry {
	if logger == nil {
		logger = logrus.New()
	}
	return &CharacteristicRegistry{listeners: make(map[uint16][]CharacteristicListener), logger: logger}
}

// Add registers l for notifications/indications on the characteristic
// whose value handle is valueHandle.
func (r *CharacteristicRegistry) Add(valueHandle uint16, l CharacteristicListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[valueHandle] = append(r.listeners[valueHandle], l)
}

// Remove unregisters l for valueHandle, if present.
func (r *CharacteristicRegistry) Remove(valueHandle uint16, l CharacteristicListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.listeners[valueHandle]
	for i, existing := range set {
		if existing == l {
			r.listeners[valueHandle] = append(set[:i], set[i+1:]...)
			return
		}
	}
}

func (r *CharacteristicRegistry) snapshot(valueHandle uint16) []CharacteristicListener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.listeners[valueHandle]
	out := make([]CharacteristicListener, len(set))
	copy(out, set)
	return out
}

// FireNotification dispatches a HANDLE_VALUE_NOTIFICATION to every listener
// registered for valueHandle, in registration order, so that multiple
// notifications for the same handle are delivered in send order (the
// caller is expected to invoke this serially off its single receive
// thread).
func (r *CharacteristicRegistry) FireNotification(valueHandle uint16, charRef interface{}, value []byte, ts time.Time) {
	for _, l := range r.snapshot(valueHandle) {
		r.safeInvoke("NotificationReceived", l, func() { l.NotificationReceived(charRef, value, ts) })
	}
}

// FireIndication dispatches a HANDLE_VALUE_INDICATION the same way.
func (r *CharacteristicRegistry) FireIndication(valueHandle uint16, charRef interface{}, value []byte, ts time.Time, confirmationSent bool) {
	for _, l := range r.snapshot(valueHandle) {
		r.safeInvoke("IndicationReceived", l, func() { l.IndicationReceived(charRef, value, ts, confirmationSent) })
	}
}

func (r *CharacteristicRegistry) safeInvoke(name string, l CharacteristicListener, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.WithFields(logrus.Fields{"listener_method": name, "panic": rec}).Error("listener: characteristic callback panicked")
		}
	}()
	fn()
}
