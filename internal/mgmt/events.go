package mgmt

import (
	"encoding/binary"
	"fmt"
)

// AddressType mirrors the MGMT wire's address-type byte (0=BR/EDR,
// 1=LE public, 2=LE random) as used by DEVICE_FOUND/CONNECTED/DISCONNECTED
// and the whitelist/connection-parameter commands.
type AddressType byte

const (
	AddrTypeBREDR     AddressType = 0
	AddrTypeLEPublic  AddressType = 1
	AddrTypeLERandom  AddressType = 2
)

// DeviceFoundEvent is the decoded DEVICE_FOUND payload.
type DeviceFoundEvent struct {
	Address [6]byte
	AddrType AddressType
	RSSI     int8
	Flags    uint32
	EIRData  []byte
}

const deviceFoundHeaderLen = 6 + 1 + 1 + 4 + 2

// DecodeDeviceFound parses a DEVICE_FOUND event's params.
func DecodeDeviceFound(params []byte) (*DeviceFoundEvent, error) {
	if len(params) < deviceFoundHeaderLen {
		return nil, fmt.Errorf("mgmt: short DEVICE_FOUND payload: %d bytes", len(params))
	}
	e := &DeviceFoundEvent{AddrType: AddressType(params[6]), RSSI: int8(params[7])}
	copy(e.Address[:], params[0:6])
	e.Flags = binary.LittleEndian.Uint32(params[8:12])
	eirLen := int(binary.LittleEndian.Uint16(params[12:14]))
	if deviceFoundHeaderLen+eirLen > len(params) {
		return nil, fmt.Errorf("mgmt: DEVICE_FOUND declares eir_len=%d beyond payload", eirLen)
	}
	e.EIRData = append([]byte(nil), params[14:14+eirLen]...)
	return e, nil
}

// DeviceConnectedEvent is the decoded DEVICE_CONNECTED payload.
type DeviceConnectedEvent struct {
	Address  [6]byte
	AddrType AddressType
	Flags    uint32
	EIRData  []byte
}

const deviceConnectedHeaderLen = 6 + 1 + 4 + 2

// DecodeDeviceConnected parses a DEVICE_CONNECTED event's params.
func DecodeDeviceConnected(params []byte) (*DeviceConnectedEvent, error) {
	if len(params) < deviceConnectedHeaderLen {
		return nil, fmt.Errorf("mgmt: short DEVICE_CONNECTED payload: %d bytes", len(params))
	}
	e := &DeviceConnectedEvent{AddrType: AddressType(params[6])}
	copy(e.Address[:], params[0:6])
	e.Flags = binary.LittleEndian.Uint32(params[7:11])
	eirLen := int(binary.LittleEndian.Uint16(params[11:13]))
	if deviceConnectedHeaderLen+eirLen > len(params) {
		return nil, fmt.Errorf("mgmt: DEVICE_CONNECTED declares eir_len=%d beyond payload", eirLen)
	}
	e.EIRData = append([]byte(nil), params[13:13+eirLen]...)
	return e, nil
}

// DeviceDisconnectedEvent is the decoded DEVICE_DISCONNECTED payload.
type DeviceDisconnectedEvent struct {
	Address  [6]byte
	AddrType AddressType
	Reason   byte
}

const deviceDisconnectedLen = 6 + 1 + 1

// DecodeDeviceDisconnected parses a DEVICE_DISCONNECTED event's params.
func DecodeDeviceDisconnected(params []byte) (*DeviceDisconnectedEvent, error) {
	if len(params) < deviceDisconnectedLen {
		return nil, fmt.Errorf("mgmt: short DEVICE_DISCONNECTED payload: %d bytes", len(params))
	}
	e := &DeviceDisconnectedEvent{AddrType: AddressType(params[6]), Reason: params[7]}
	copy(e.Address[:], params[0:6])
	return e, nil
}

// DeviceAddrEvent covers the three address-only events: DEVICE_BLOCKED,
// DEVICE_UNBLOCKED, and DEVICE_UNPAIRED.
type DeviceAddrEvent struct {
	Address  [6]byte
	AddrType AddressType
}

const deviceAddrEventLen = 6 + 1

// DecodeDeviceAddrEvent parses DEVICE_BLOCKED/UNBLOCKED/UNPAIRED params.
func DecodeDeviceAddrEvent(params []byte) (*DeviceAddrEvent, error) {
	if len(params) < deviceAddrEventLen {
		return nil, fmt.Errorf("mgmt: short device-address event payload: %d bytes", len(params))
	}
	e := &DeviceAddrEvent{AddrType: AddressType(params[6])}
	copy(e.Address[:], params[0:6])
	return e, nil
}

// DiscoveringEvent is the decoded DISCOVERING payload.
type DiscoveringEvent struct {
	AddrType    byte
	Discovering bool
}

const discoveringEventLen = 1 + 1

// DecodeDiscovering parses a DISCOVERING event's params.
func DecodeDiscovering(params []byte) (*DiscoveringEvent, error) {
	if len(params) < discoveringEventLen {
		return nil, fmt.Errorf("mgmt: short DISCOVERING payload: %d bytes", len(params))
	}
	return &DiscoveringEvent{AddrType: params[0], Discovering: params[1] != 0}, nil
}

// DecodeNewSettings parses a NEW_SETTINGS event's params (a single u32).
func DecodeNewSettings(params []byte) (uint32, error) {
	if len(params) < 4 {
		return 0, fmt.Errorf("mgmt: short NEW_SETTINGS payload: %d bytes", len(params))
	}
	return binary.LittleEndian.Uint32(params[0:4]), nil
}

// ConnectFailedEvent is the decoded CONNECT_FAILED payload.
type ConnectFailedEvent struct {
	Address  [6]byte
	AddrType AddressType
	Status   byte
}

const connectFailedLen = 6 + 1 + 1

// DecodeConnectFailed parses a CONNECT_FAILED event's params.
func DecodeConnectFailed(params []byte) (*ConnectFailedEvent, error) {
	if len(params) < connectFailedLen {
		return nil, fmt.Errorf("mgmt: short CONNECT_FAILED payload: %d bytes", len(params))
	}
	e := &ConnectFailedEvent{AddrType: AddressType(params[6]), Status: params[7]}
	copy(e.Address[:], params[0:6])
	return e, nil
}

// ConnInfo is the decoded GET_CONN_INFO reply body.
type ConnInfo struct {
	Address    [6]byte
	AddrType   AddressType
	RSSI       int8
	TXPower    int8
	MaxTXPower int8
}

const connInfoLen = 6 + 1 + 1 + 1 + 1

// DecodeConnInfo parses a GET_CONN_INFO reply's command-specific params.
func DecodeConnInfo(params []byte) (*ConnInfo, error) {
	if len(params) < connInfoLen {
		return nil, fmt.Errorf("mgmt: short GET_CONN_INFO payload: %d bytes", len(params))
	}
	ci := &ConnInfo{
		AddrType:   AddressType(params[6]),
		RSSI:       int8(params[7]),
		TXPower:    int8(params[8]),
		MaxTXPower: int8(params[9]),
	}
	copy(ci.Address[:], params[0:6])
	return ci, nil
}

// GetConnInfo issues GET_CONN_INFO for the given connected peer.
func (t *Transport) GetConnInfo(index uint16, addr [6]byte, addrType AddressType) (*ConnInfo, error) {
	params := append(append([]byte{}, addr[:]...), byte(addrType))
	reply, err := t.SendWithReply(simpleCmd(OpGetConnInfo, index, params))
	if err != nil {
		return nil, err
	}
	if status, serr := requireSuccess(reply); serr != nil {
		return nil, &StatusError{Opcode: OpGetConnInfo, Status: status}
	}
	_, _, rest, err := CmdCompletePayload(reply)
	if err != nil {
		return nil, err
	}
	return DecodeConnInfo(rest)
}

// ConnParam is one entry of a LOAD_CONN_PARAM request: the connection
// interval/latency/timeout overrides applied the next time this peer
// connects.
type ConnParam struct {
	Address       [6]byte
	AddrType      AddressType
	MinConnInterval uint16
	MaxConnInterval uint16
	ConnLatency     uint16
	SupervisionTimeout uint16
}

func (p ConnParam) encode() []byte {
	buf := make([]byte, 6+1+2+2+2+2)
	copy(buf[0:6], p.Address[:])
	buf[6] = byte(p.AddrType)
	binary.LittleEndian.PutUint16(buf[7:9], p.MinConnInterval)
	binary.LittleEndian.PutUint16(buf[9:11], p.MaxConnInterval)
	binary.LittleEndian.PutUint16(buf[11:13], p.ConnLatency)
	binary.LittleEndian.PutUint16(buf[13:15], p.SupervisionTimeout)
	return buf
}

// LoadConnParam issues LOAD_CONN_PARAM, replacing the full connection
// parameter table for this adapter with params.
func (t *Transport) LoadConnParam(index uint16, params []ConnParam) error {
	body := make([]byte, 2, 2+15*len(params))
	binary.LittleEndian.PutUint16(body[0:2], uint16(len(params)))
	for _, p := range params {
		body = append(body, p.encode()...)
	}
	reply, err := t.SendWithReply(simpleCmd(OpLoadConnParam, index, body))
	if err != nil {
		return err
	}
	if status, serr := requireSuccess(reply); serr != nil {
		return &StatusError{Opcode: OpLoadConnParam, Status: status}
	}
	return nil
}

// BlockDevice issues BLOCK_DEVICE.
func (t *Transport) BlockDevice(index uint16, addr [6]byte, addrType AddressType) error {
	params := append(append([]byte{}, addr[:]...), byte(addrType))
	reply, err := t.SendWithReply(simpleCmd(OpBlockDevice, index, params))
	if err != nil {
		return err
	}
	if status, serr := requireSuccess(reply); serr != nil {
		return &StatusError{Opcode: OpBlockDevice, Status: status}
	}
	return nil
}

// UnblockDevice issues UNBLOCK_DEVICE.
func (t *Transport) UnblockDevice(index uint16, addr [6]byte, addrType AddressType) error {
	params := append(append([]byte{}, addr[:]...), byte(addrType))
	reply, err := t.SendWithReply(simpleCmd(OpUnblockDevice, index, params))
	if err != nil {
		return err
	}
	if status, serr := requireSuccess(reply); serr != nil {
		return &StatusError{Opcode: OpUnblockDevice, Status: status}
	}
	return nil
}

// Disconnect issues MGMT DISCONNECT for a connected peer.
func (t *Transport) Disconnect(index uint16, addr [6]byte, addrType AddressType) error {
	params := append(append([]byte{}, addr[:]...), byte(addrType))
	reply, err := t.SendWithReply(simpleCmd(OpDisconnect, index, params))
	if err != nil {
		return err
	}
	if status, serr := requireSuccess(reply); serr != nil {
		return &StatusError{Opcode: OpDisconnect, Status: status}
	}
	return nil
}
