package adapter

import (
	"time"

	"github.com/srg/dbthost/internal/mgmt"
)

// ScanType mirrors the MGMT START_DISCOVERY/STOP_DISCOVERY scan-type
// bitmask byte.
type ScanType byte

const (
	ScanBREDR ScanType = 1 << 0
	ScanLE    ScanType = 1 << 1
)

// State reports the adapter's current discovery state.
func (a *Adapter) State() DiscoveryState {
	a.discMu.Lock()
	defer a.discMu.Unlock()
	return a.discState
}

// StartDiscovery transitions STOPPED->STARTING, issues MGMT START_DISCOVERY,
// and on success moves to ACTIVE and fires DiscoveringChanged(true). When
// keepAlive is set, the adapter auto-restarts discovery whenever the kernel
// reports it disabled while no connection is currently in flight.
func (a *Adapter) StartDiscovery(scanType ScanType, keepAlive bool) error {
	a.discMu.Lock()
	if a.discState != DiscoveryStopped {
		state := a.discState
		a.discMu.Unlock()
		return &InvalidStateError{Op: "StartDiscovery", State: state}
	}
	a.discState = DiscoveryStarting
	a.scanType = byte(scanType)
	a.keepAlive = keepAlive
	a.discMu.Unlock()

	if err := a.mgmtT.StartDiscovery(a.Index, byte(scanType)); err != nil {
		a.discMu.Lock()
		a.discState = DiscoveryStopped
		a.discMu.Unlock()
		return err
	}

	a.discMu.Lock()
	a.discState = DiscoveryActive
	a.discMu.Unlock()
	a.statusListeners.FireDiscoveringChanged(true, keepAlive, time.Now())
	return nil
}

// StopDiscovery transitions to STOPPING, issues MGMT STOP_DISCOVERY, and on
// success moves to STOPPED and fires DiscoveringChanged(false).
func (a *Adapter) StopDiscovery() error {
	a.discMu.Lock()
	if a.discState != DiscoveryActive && a.discState != DiscoveryStarting {
		state := a.discState
		a.discMu.Unlock()
		return &InvalidStateError{Op: "StopDiscovery", State: state}
	}
	a.discState = DiscoveryStopping
	a.keepAlive = false
	scanType := a.scanType
	a.discMu.Unlock()

	if err := a.mgmtT.StopDiscovery(a.Index, scanType); err != nil {
		a.discMu.Lock()
		a.discState = DiscoveryActive
		a.discMu.Unlock()
		return err
	}

	a.discMu.Lock()
	a.discState = DiscoveryStopped
	a.discMu.Unlock()
	a.statusListeners.FireDiscoveringChanged(false, false, time.Now())
	return nil
}

// anyConnectionPending reports whether a device on this adapter has an
// LE_Create_Connection outstanding whose completion hasn't yet arrived --
// the "devices currently being processed" gate on keepAlive auto-restart.
func (a *Adapter) anyConnectionPending() bool {
	pending := false
	a.pendingConn.Range(func(_, _ any) bool {
		pending = true
		return false
	})
	return pending
}

func (a *Adapter) onDiscovering(f *mgmt.Frame) {
	ev, err := mgmt.DecodeDiscovering(f.Params)
	if err != nil {
		a.logger.WithError(err).Warn("adapter: malformed DISCOVERING, discarding")
		return
	}

	a.discMu.Lock()
	keepAlive := a.keepAlive
	wasActive := a.discState == DiscoveryActive
	if ev.Discovering {
		a.discState = DiscoveryActive
	} else {
		a.discState = DiscoveryStopped
	}
	a.discMu.Unlock()

	a.statusListeners.FireDiscoveringChanged(ev.Discovering, keepAlive, time.Now())

	if !ev.Discovering && wasActive && keepAlive && !a.anyConnectionPending() {
		scanType := a.scanType
		a.post(func() {
			if err := a.StartDiscovery(ScanType(scanType), true); err != nil {
				a.logger.WithError(err).Warn("adapter: keepAlive discovery restart failed")
			}
		})
	}
}
