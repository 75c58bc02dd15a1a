package hci

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/srg/dbthost/internal/eir"
)

// ErrUnacceptableAddress is returned when asked to connect to an LE random
// address whose sub-type this stack does not resolve.
var ErrUnacceptableAddress = errors.New("hci: unacceptable connection parameter (unsupported LE random address subtype)")

// PeerAddressMapping derives the (peer, own) HCI address-type pair for an LE
// connect attempt. LE_RANDOM addresses with a resolvable or unresolvable
// private sub-type are not supported by this stack (no IRK resolving-list
// path) and return ErrUnacceptableAddress.
func PeerAddressMapping(addrType eir.AddressType, randomSub eir.RandomSubType) (peerType, ownType byte, err error) {
	switch addrType {
	case eir.AddressLEPublic, eir.AddressPublic:
		return AddrLEPublic, AddrLEPublic, nil
	case eir.AddressLERandom:
		switch randomSub {
		case eir.RandomStaticPublic:
			return AddrLERandom, AddrLEPublic, nil
		default:
			return 0, 0, ErrUnacceptableAddress
		}
	default:
		return 0, 0, fmt.Errorf("hci: unsupported address type %v", addrType)
	}
}

// LEConnParams bundles the scan and connection interval parameters for
// LE_Create_Connection, mirroring the HCI command layout.
type LEConnParams struct {
	ScanInterval      uint16
	ScanWindow        uint16
	ConnIntervalMin   uint16
	ConnIntervalMax   uint16
	ConnLatency       uint16
	SupervisionTO     uint16
	MinCELen          uint16
	MaxCELen          uint16
}

// DefaultLEConnParams returns commonly-used LE connection parameters
// (60ms scan interval / 30ms scan window, 7.5ms-15ms connection interval, no latency, 2s
// supervision timeout).
func DefaultLEConnParams() LEConnParams {
	return LEConnParams{
		ScanInterval:    0x0060, // 60ms in 0.625ms units... conventional default
		ScanWindow:      0x0030,
		ConnIntervalMin: 0x0006,
		ConnIntervalMax: 0x000C,
		ConnLatency:     0x0000,
		SupervisionTO:   0x00C8, // 2s in 10ms units
		MinCELen:        0x0000,
		MaxCELen:        0x0000,
	}
}

// LECreateConn issues the LE_Create_Connection command. It returns
// immediately once the controller has acknowledged the command (success
// pending, COMMAND_DISALLOWED, CONNECTION_ALREADY_EXISTS, or a fatal
// status); the actual connection is reported asynchronously by MGMT's
// DEVICE_CONNECTED event / this transport's OnConnectionComplete.
func (t *Transport) LECreateConn(peerAddr [6]byte, peerType, ownType byte, p LEConnParams) (pending bool, err error) {
	params := make([]byte, 25)
	binary.LittleEndian.PutUint16(params[0:2], p.ScanInterval)
	binary.LittleEndian.PutUint16(params[2:4], p.ScanWindow)
	params[4] = 0 // initiator filter policy: use peer address, not whitelist
	params[5] = peerType
	copy(params[6:12], peerAddr[:])
	params[12] = ownType
	binary.LittleEndian.PutUint16(params[13:15], p.ConnIntervalMin)
	binary.LittleEndian.PutUint16(params[15:17], p.ConnIntervalMax)
	binary.LittleEndian.PutUint16(params[17:19], p.ConnLatency)
	binary.LittleEndian.PutUint16(params[19:21], p.SupervisionTO)
	binary.LittleEndian.PutUint16(params[21:23], p.MinCELen)
	binary.LittleEndian.PutUint16(params[23:25], p.MaxCELen)

	ev, err := t.sendCommand(&CommandFrame{Opcode: OpLECreateConn, Params: params})
	if err != nil {
		return false, err
	}
	op, status, err := statusAndOpcode(ev)
	if err != nil {
		return false, err
	}
	if op != OpLECreateConn {
		return false, fmt.Errorf("hci: reply answered opcode 0x%04x, expected LE_Create_Connection", op)
	}
	if status != StatusSuccess {
		return false, &StatusError{Opcode: OpLECreateConn, Status: status}
	}
	return true, nil
}

// CreateConn issues the legacy BR/EDR Create_Connection command.
func (t *Transport) CreateConn(peerAddr [6]byte, packetType uint16, pageScanRepMode byte, clockOffset uint16, allowRoleSwitch bool) (pending bool, err error) {
	params := make([]byte, 13)
	copy(params[0:6], peerAddr[:])
	binary.LittleEndian.PutUint16(params[6:8], packetType)
	params[8] = pageScanRepMode
	params[9] = 0 // reserved
	binary.LittleEndian.PutUint16(params[10:12], clockOffset)
	if allowRoleSwitch {
		params[12] = 1
	}

	ev, err := t.sendCommand(&CommandFrame{Opcode: OpCreateConnection, Params: params})
	if err != nil {
		return false, err
	}
	op, status, err := statusAndOpcode(ev)
	if err != nil {
		return false, err
	}
	if op != OpCreateConnection {
		return false, fmt.Errorf("hci: reply answered opcode 0x%04x, expected Create_Connection", op)
	}
	if status != StatusSuccess {
		return false, &StatusError{Opcode: OpCreateConnection, Status: status}
	}
	return true, nil
}

// Disconnect closes a connection. When ioErrorCause is true, the caller
// already knows the link is broken (an L2CAP I/O error), so the HCI command
// is elided entirely and no disconnect event follows: the caller reports
// the disconnect itself (device.Disconnect calls NotifyDisconnected).
func (t *Transport) Disconnect(ioErrorCause bool, connHandle uint16, reasonCode byte) error {
	if ioErrorCause {
		return nil
	}

	params := make([]byte, 3)
	binary.LittleEndian.PutUint16(params[0:2], connHandle)
	params[2] = reasonCode

	ev, err := t.sendCommand(&CommandFrame{Opcode: OpDisconnect, Params: params})
	if err != nil {
		return err
	}
	op, status, err := statusAndOpcode(ev)
	if err != nil {
		return err
	}
	if op != OpDisconnect {
		return fmt.Errorf("hci: reply answered opcode 0x%04x, expected Disconnect", op)
	}
	if status != StatusSuccess {
		return &StatusError{Opcode: OpDisconnect, Status: status}
	}
	return nil
}

// dispatchAdvertisingReports splits a (possibly multi-report) advertising
// event body and invokes OnAdvertisingReport once per contained report.
// Legacy LE_Advertising_Report layout (repeated num_reports times):
// event_type(1) address_type(1) address(6) data_len(1) data[data_len] rssi(1).
func (t *Transport) dispatchAdvertisingReports(subEvent byte, body []byte) {
	if t.OnAdvertisingReport == nil || len(body) < 1 {
		return
	}
	numReports := int(body[0])
	off := 1

	if subEvent == SubEvtLEAdvertisingReport {
		for i := 0; i < numReports; i++ {
			if off+1+1+6+1 > len(body) {
				return
			}
			off++ // event_type, carried separately if needed by the caller
			addrType := body[off]
			off++
			var addr [6]byte
			copy(addr[:], body[off:off+6])
			off += 6
			dataLen := int(body[off])
			off++
			if off+dataLen+1 > len(body) {
				return
			}
			adData := body[off : off+dataLen]
			off += dataLen
			rssi := int8(body[off])
			off++
			t.safeInvoke(func() { t.OnAdvertisingReport(addr, addrType, rssi, adData) })
		}
		return
	}

	// Extended advertising report: a denser per-entry header, same
	// (addr, adData, rssi) essentials this stack needs.
	for i := 0; i < numReports; i++ {
		if off+2+1+6+1+1+1+1+1+2+1+6+1 > len(body) {
			return
		}
		off += 2 // event_type (2 bytes in extended form)
		addrType := body[off]
		off++
		var addr [6]byte
		copy(addr[:], body[off:off+6])
		off += 6
		off += 1 + 1 + 1 // primary_phy, secondary_phy, advertising_sid
		off += 1         // tx_power
		rssi := int8(body[off])
		off++
		off += 2 + 1 + 6 // periodic_advertising_interval, direct_address_type, direct_address
		dataLen := int(body[off])
		off++
		if off+dataLen > len(body) {
			return
		}
		adData := body[off : off+dataLen]
		off += dataLen
		t.safeInvoke(func() { t.OnAdvertisingReport(addr, addrType, rssi, adData) })
	}
}
