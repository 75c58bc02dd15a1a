package adapter

import (
	"fmt"

	"github.com/srg/dbthost/internal/eir"
)

// ErrAlreadyWhitelisted is returned by AddDeviceToWhitelist for an address
// already present in the local shadow list.
var ErrAlreadyWhitelisted = fmt.Errorf("adapter: device already in whitelist")

// AddDeviceToWhitelist rejects duplicates against the local shadow list,
// then issues MGMT ADD_DEVICE; kernel acceptance is required before the
// address is recorded locally. connectType selects background-scan (0),
// direct-connect (1), or auto-connect (2).
func (a *Adapter) AddDeviceToWhitelist(addr eir.Address48, connectType byte) error {
	key := addrKey(addr)
	if _, exists := a.whitelist.Get(key); exists {
		return ErrAlreadyWhitelisted
	}

	addrType := byte(mgmtAddressType(addr.Type))
	if err := a.mgmtT.AddDevice(a.Index, addr.Bytes, addrType, connectType); err != nil {
		return err
	}

	a.whitelist.Set(key, struct{}{})
	return nil
}

// RemoveDeviceFromWhitelist issues MGMT REMOVE_DEVICE for a single
// whitelist entry and drops it from the local shadow list.
func (a *Adapter) RemoveDeviceFromWhitelist(addr eir.Address48) error {
	addrType := byte(mgmtAddressType(addr.Type))
	if err := a.mgmtT.RemoveDevice(a.Index, addr.Bytes, addrType); err != nil {
		return err
	}
	a.whitelist.Del(addrKey(addr))
	return nil
}

// FlushWhitelist issues MGMT REMOVE_DEVICE with a zero address, clearing
// every whitelist entry at once (used on shutdown).
func (a *Adapter) FlushWhitelist() error {
	if err := a.mgmtT.RemoveDevice(a.Index, [6]byte{}, 0); err != nil {
		return err
	}
	a.whitelist.Range(func(key string, _ struct{}) bool {
		a.whitelist.Del(key)
		return true
	})
	return nil
}
