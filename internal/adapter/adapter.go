// Package adapter implements the per-physical-adapter controller (C4): the
// discovery state machine, the shared device registry, and the whitelist,
// wired to the process-wide MGMT transport and this adapter's own HCI
// transport.
package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/dbthost/internal/device"
	"github.com/srg/dbthost/internal/eir"
	"github.com/srg/dbthost/internal/groutine"
	"github.com/srg/dbthost/internal/hci"
	"github.com/srg/dbthost/internal/listener"
	"github.com/srg/dbthost/internal/mgmt"
	"github.com/srg/dbthost/pkg/config"
)

// DiscoveryState is the adapter's discovery state machine position.
type DiscoveryState int

const (
	DiscoveryStopped DiscoveryState = iota
	DiscoveryStarting
	DiscoveryActive
	DiscoveryStopping
)

func (s DiscoveryState) String() string {
	switch s {
	case DiscoveryStarting:
		return "STARTING"
	case DiscoveryActive:
		return "ACTIVE"
	case DiscoveryStopping:
		return "STOPPING"
	default:
		return "STOPPED"
	}
}

// InvalidStateError reports an adapter operation attempted from the wrong
// discovery state (e.g. StopDiscovery while already STOPPED).
type InvalidStateError struct {
	Op    string
	State DiscoveryState
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("adapter: %s: invalid from state %s", e.Op, e.State)
}

// Adapter owns one physical controller: its MGMT-reported identity, its own
// HCI transport, the device registry (insertion-ordered for stable
// enumeration per spec), and the discovery state machine.
type Adapter struct {
	Index uint16

	mgmtT *mgmt.Transport
	hciT  *hci.Transport

	logger *logrus.Logger
	cfg    *config.Env

	infoMu sync.RWMutex
	info   *mgmt.AdapterInfo
	mode   mgmt.BTMode

	regMu   sync.Mutex
	devices *orderedmap.OrderedMap[string, *device.Device]

	discMu    sync.Mutex
	discState DiscoveryState
	scanType  byte
	keepAlive bool

	whitelist *hashmap.Map[string, struct{}]

	statusListeners *listener.AdapterStatusRegistry

	// pendingConn tracks devices whose LE_Create_Connection has been
	// accepted by the controller but whose connection handle has not yet
	// arrived via the HCI Connection_Complete event -- used to count
	// "devices currently being processed" for keepAlive auto-restart.
	pendingConn sync.Map // addrKey -> struct{}

	workCh chan func()
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func addrKey(addr eir.Address48) string {
	return fmt.Sprintf("%s/%d", addr.String(), int(addr.Type))
}

// Open runs the spec's adapter bring-up sequence (READ_INFO, mode-dependent
// SSP/BR-EDR/LE, disable connectable/fast-connectable, flush whitelist,
// power on, re-read info), starts this adapter's own HCI transport, and
// subscribes to the MGMT events that drive the device registry. Any
// InitAdapter failure aborts construction -- the adapter never exists in an
// invalid state.
func Open(ctx context.Context, mgmtT *mgmt.Transport, index uint16, mode mgmt.BTMode, cfg *config.Env, logger *logrus.Logger) (*Adapter, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg == nil {
		cfg = config.DefaultEnv()
	}

	info, err := mgmtT.InitAdapter(index, mode)
	if err != nil {
		return nil, err
	}

	hciT, err := hci.Open(ctx, index, logger, nil, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("adapter %d: open hci transport: %w", index, err)
	}

	a := &Adapter{
		Index:           index,
		mgmtT:           mgmtT,
		hciT:            hciT,
		logger:          logger,
		cfg:             cfg,
		info:            info,
		mode:            mode,
		devices:         orderedmap.New[string, *device.Device](),
		whitelist:       hashmap.New[string, struct{}](),
		statusListeners: listener.NewAdapterStatusRegistry(logger),
		workCh:          make(chan func(), 32),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}

	hciT.OnConnectionComplete = a.onHCIConnectionComplete

	a.subscribeMgmtEvents()
	groutine.Go(ctx, groutine.RoleAdapterWorker.Named(index), a.workerLoop)

	return a, nil
}

// workerLoop runs posted work (e.g. keepAlive discovery restarts) off the
// MGMT reader goroutine, per the no-callback-reentrancy discipline in
// spec.md section 4.2.
func (a *Adapter) workerLoop(ctx context.Context) {
	defer close(a.doneCh)
	for {
		select {
		case <-a.stopCh:
			return
		case fn := <-a.workCh:
			fn()
		}
	}
}

func (a *Adapter) post(fn func()) {
	select {
	case a.workCh <- fn:
	default:
		a.logger.Warn("adapter: worker queue full, dropping posted work")
	}
}

func (a *Adapter) subscribeMgmtEvents() {
	idx := int32(a.Index)
	a.mgmtT.OnEvent(mgmt.EvDeviceFound, idx, a.onDeviceFound)
	a.mgmtT.OnEvent(mgmt.EvDeviceDisconnected, idx, a.onDeviceDisconnected)
	a.mgmtT.OnEvent(mgmt.EvDiscovering, idx, a.onDiscovering)
	a.mgmtT.OnEvent(mgmt.EvNewSettings, idx, a.onNewSettings)
	a.mgmtT.OnEvent(mgmt.EvConnectFailed, idx, a.onConnectFailed)
	a.mgmtT.OnEvent(mgmt.EvDeviceBlocked, idx, a.onDeviceBlocked)
	a.mgmtT.OnEvent(mgmt.EvDeviceUnblocked, idx, a.onDeviceUnblocked)
	a.mgmtT.OnEvent(mgmt.EvDeviceUnpaired, idx, a.onDeviceUnpaired)
}

func (a *Adapter) unsubscribeMgmtEvents() {
	idx := int32(a.Index)
	a.mgmtT.RemoveEvent(mgmt.EvDeviceFound, idx)
	a.mgmtT.RemoveEvent(mgmt.EvDeviceDisconnected, idx)
	a.mgmtT.RemoveEvent(mgmt.EvDiscovering, idx)
	a.mgmtT.RemoveEvent(mgmt.EvNewSettings, idx)
	a.mgmtT.RemoveEvent(mgmt.EvConnectFailed, idx)
	a.mgmtT.RemoveEvent(mgmt.EvDeviceBlocked, idx)
	a.mgmtT.RemoveEvent(mgmt.EvDeviceUnblocked, idx)
	a.mgmtT.RemoveEvent(mgmt.EvDeviceUnpaired, idx)
}

// Info returns the most recently read adapter identity.
func (a *Adapter) Info() *mgmt.AdapterInfo {
	a.infoMu.RLock()
	defer a.infoMu.RUnlock()
	return a.info
}

// LocalAddress returns the adapter's own Bluetooth address, needed by
// devices to open their L2CAP/ATT channel.
func (a *Adapter) LocalAddress() eir.Address48 {
	a.infoMu.RLock()
	defer a.infoMu.RUnlock()
	return eir.NewAddress48(a.info.Address, eir.AddressPublic)
}

// StatusListeners exposes the adapter-status fan-out registry for
// application registration.
func (a *Adapter) StatusListeners() *listener.AdapterStatusRegistry {
	return a.statusListeners
}

// Close stops discovery, flushes the whitelist, unsubscribes from MGMT
// events, and releases this adapter's HCI transport.
func (a *Adapter) Close() error {
	_ = a.StopDiscovery()
	a.stopOnce.Do(func() {
		close(a.stopCh)
		<-a.doneCh
	})
	a.unsubscribeMgmtEvents()
	_ = a.FlushWhitelist()
	return a.hciT.Close()
}
