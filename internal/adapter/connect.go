package adapter

import (
	"github.com/srg/dbthost/internal/device"
	"github.com/srg/dbthost/internal/eir"
	"github.com/srg/dbthost/internal/hci"
	"github.com/srg/dbthost/internal/mgmt"
)

// Connect dispatches dev.ConnectDefault and, on a success-pending result,
// marks the device as having a connection outstanding so the discovery
// keepAlive gate (spec.md section 4.4, "no devices are currently being
// processed") sees it until the HCI Connection_Complete or CONNECT_FAILED
// event clears it.
func (a *Adapter) Connect(dev *device.Device, params hci.LEConnParams) (pending bool, err error) {
	pending, err = dev.ConnectDefault(params)
	if pending {
		a.pendingConn.Store(addrKey(dev.Address), struct{}{})
	}
	return pending, err
}

// ConnectionInfo wraps MGMT GET_CONN_INFO for a connected peer, returning
// its current RSSI and tx-power sample.
func (a *Adapter) ConnectionInfo(addr eir.Address48) (*mgmt.ConnInfo, error) {
	return a.mgmtT.GetConnInfo(a.Index, addr.Bytes, mgmtAddressType(addr.Type))
}

// SetConnectionParams loads the connection-interval/latency/supervision-
// timeout overrides applied the next time each listed peer connects.
func (a *Adapter) SetConnectionParams(params []mgmt.ConnParam) error {
	return a.mgmtT.LoadConnParam(a.Index, params)
}

func mgmtAddressType(t eir.AddressType) mgmt.AddressType {
	switch t {
	case eir.AddressLEPublic:
		return mgmt.AddrTypeLEPublic
	case eir.AddressLERandom:
		return mgmt.AddrTypeLERandom
	default:
		return mgmt.AddrTypeBREDR
	}
}
