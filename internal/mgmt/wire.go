// Package mgmt implements the client side of the Linux kernel Bluetooth
// management (MGMT) control channel: adapter lifecycle, discovery, and
// connection control, bypassing BlueZ's userspace daemon entirely.
package mgmt

import (
	"encoding/binary"
	"fmt"
)

// Command opcodes, per the kernel's mgmt-api.txt.
const (
	OpReadVersion        uint16 = 0x0001
	OpReadCommands       uint16 = 0x0002
	OpReadIndexList      uint16 = 0x0003
	OpReadInfo           uint16 = 0x0004
	OpSetPowered         uint16 = 0x0005
	OpSetDiscoverable    uint16 = 0x0006
	OpSetConnectable     uint16 = 0x0007
	OpSetFastConnectable uint16 = 0x0008
	OpSetBondable        uint16 = 0x0009
	OpSetLinkSecurity    uint16 = 0x000A
	OpSetSSP             uint16 = 0x000B
	OpSetHS              uint16 = 0x000C
	OpSetLE              uint16 = 0x000D
	OpSetLocalName       uint16 = 0x000F
	OpDisconnect         uint16 = 0x0014
	OpStartDiscovery     uint16 = 0x0023
	OpStopDiscovery      uint16 = 0x0024
	OpBlockDevice        uint16 = 0x0026
	OpUnblockDevice      uint16 = 0x0027
	OpSetBREDR           uint16 = 0x002A
	OpGetConnInfo        uint16 = 0x0031
	OpAddDevice          uint16 = 0x0033
	OpRemoveDevice       uint16 = 0x0034
	OpLoadConnParam      uint16 = 0x0035
)

// Event opcodes. CMD_COMPLETE and CMD_STATUS are replies; everything else is
// an asynchronous event.
const (
	EvCmdComplete          uint16 = 0x0001
	EvCmdStatus            uint16 = 0x0002
	EvControllerError      uint16 = 0x0003
	EvIndexAdded           uint16 = 0x0004
	EvIndexRemoved         uint16 = 0x0005
	EvNewSettings          uint16 = 0x0006
	EvClassOfDevChanged    uint16 = 0x0007
	EvLocalNameChanged     uint16 = 0x0008
	EvDeviceConnected      uint16 = 0x000B
	EvDeviceDisconnected   uint16 = 0x000C
	EvConnectFailed        uint16 = 0x000D
	EvPinCodeRequest       uint16 = 0x000E
	EvUserConfirmRequest   uint16 = 0x000F
	EvUserPasskeyRequest   uint16 = 0x0010
	EvDeviceFound          uint16 = 0x0012
	EvDiscovering          uint16 = 0x0013
	EvDeviceBlocked        uint16 = 0x0014
	EvDeviceUnblocked      uint16 = 0x0015
	EvDeviceUnpaired       uint16 = 0x0016
	EvDeviceWhitelistAdded uint16 = 0x001A
	EvDeviceWhitelistRem   uint16 = 0x001B
	EvNewConnParam         uint16 = 0x001C
)

// IndexNone is the "no/any adapter" index used by controller-wide events.
const IndexNone uint16 = 0xFFFF

const headerLen = 6 // opcode(2) + index(2) + param_len(2)

// Frame is one MGMT wire frame: opcode_le16 | index_le16 | param_len_le16 | params.
type Frame struct {
	Opcode uint16
	Index  uint16
	Params []byte
}

// Encode serializes the frame to wire bytes.
func (f *Frame) Encode() []byte {
	buf := make([]byte, headerLen+len(f.Params))
	binary.LittleEndian.PutUint16(buf[0:2], f.Opcode)
	binary.LittleEndian.PutUint16(buf[2:4], f.Index)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(len(f.Params)))
	copy(buf[6:], f.Params)
	return buf
}

// ErrShortFrame is returned when a buffer claims a param_len longer than
// the bytes actually available; the caller must discard this read.
type ErrShortFrame struct {
	Declared int
	Got      int
}

func (e *ErrShortFrame) Error() string {
	return fmt.Sprintf("mgmt: frame declares param_len=%d but only %d bytes were read", e.Declared, e.Got)
}

// DecodeFrame parses a single frame read from the MGMT socket. buf must hold
// exactly one read()'s worth of bytes (the kernel delivers one frame per
// datagram-style read on this channel).
func DecodeFrame(buf []byte) (*Frame, error) {
	if len(buf) < headerLen {
		return nil, &ErrShortFrame{Declared: headerLen, Got: len(buf)}
	}
	f := &Frame{
		Opcode: binary.LittleEndian.Uint16(buf[0:2]),
		Index:  binary.LittleEndian.Uint16(buf[2:4]),
	}
	paramLen := int(binary.LittleEndian.Uint16(buf[4:6]))
	if headerLen+paramLen > len(buf) {
		return nil, &ErrShortFrame{Declared: paramLen, Got: len(buf) - headerLen}
	}
	f.Params = append([]byte(nil), buf[headerLen:headerLen+paramLen]...)
	return f, nil
}

// IsReply reports whether opcode is one of the two reply event types
// (CMD_COMPLETE / CMD_STATUS) rather than an asynchronous notification.
func IsReply(opcode uint16) bool {
	return opcode == EvCmdComplete || opcode == EvCmdStatus
}

// cmdCompleteHeaderLen is the fixed prefix of a CMD_COMPLETE event's params:
// the opcode the reply answers (2 bytes) and a status byte.
const cmdCompleteHeaderLen = 3

// CmdCompletePayload splits a CMD_COMPLETE frame's params into the answered
// opcode, status code, and the command-specific return parameters.
func CmdCompletePayload(f *Frame) (answeredOpcode uint16, status byte, rest []byte, err error) {
	if f.Opcode != EvCmdComplete || len(f.Params) < cmdCompleteHeaderLen {
		return 0, 0, nil, fmt.Errorf("mgmt: not a well-formed CMD_COMPLETE frame")
	}
	answeredOpcode = binary.LittleEndian.Uint16(f.Params[0:2])
	status = f.Params[2]
	rest = f.Params[cmdCompleteHeaderLen:]
	return
}

// cmdStatusLen is the fixed length of a CMD_STATUS event's params: the
// answered opcode (2 bytes) and a status byte.
const cmdStatusLen = 3

// CmdStatusPayload splits a CMD_STATUS frame's params into the answered
// opcode and status code.
func CmdStatusPayload(f *Frame) (answeredOpcode uint16, status byte, err error) {
	if f.Opcode != EvCmdStatus || len(f.Params) < cmdStatusLen {
		return 0, 0, fmt.Errorf("mgmt: not a well-formed CMD_STATUS frame")
	}
	answeredOpcode = binary.LittleEndian.Uint16(f.Params[0:2])
	status = f.Params[2]
	return
}

// Status codes, per mgmt-api.txt.
const (
	StatusSuccess              byte = 0x00
	StatusUnknownCommand       byte = 0x01
	StatusNotConnected         byte = 0x02
	StatusFailed               byte = 0x03
	StatusConnectFailed        byte = 0x04
	StatusAuthFailed           byte = 0x05
	StatusNotPaired            byte = 0x06
	StatusNoResources          byte = 0x07
	StatusTimeout              byte = 0x08
	StatusAlreadyConnected     byte = 0x09
	StatusBusy                 byte = 0x0A
	StatusRejected             byte = 0x0B
	StatusNotSupported         byte = 0x0C
	StatusInvalidParams        byte = 0x0D
	StatusDisconnected         byte = 0x0E
	StatusNotPowered           byte = 0x0F
	StatusCancelled            byte = 0x10
	StatusInvalidIndex         byte = 0x11
	StatusRFKilled             byte = 0x12
	StatusAlreadyPaired        byte = 0x13
	StatusPermissionDenied     byte = 0x14
)

// AdapterInfo is the decoded READ_INFO reply.
type AdapterInfo struct {
	Address            [6]byte
	BluetoothVersion   byte
	Manufacturer       uint16
	SupportedSettings  uint32
	CurrentSettings    uint32
	ClassOfDevice      [3]byte
	Name               string
	ShortName          string
}

const adapterInfoLen = 6 + 1 + 2 + 4 + 4 + 3 + 249 + 11

// DecodeAdapterInfo parses the fixed-layout READ_INFO response body.
func DecodeAdapterInfo(params []byte) (*AdapterInfo, error) {
	if len(params) < adapterInfoLen {
		return nil, fmt.Errorf("mgmt: short READ_INFO payload: %d bytes", len(params))
	}
	info := &AdapterInfo{}
	copy(info.Address[:], params[0:6])
	info.BluetoothVersion = params[6]
	info.Manufacturer = binary.LittleEndian.Uint16(params[7:9])
	info.SupportedSettings = binary.LittleEndian.Uint32(params[9:13])
	info.CurrentSettings = binary.LittleEndian.Uint32(params[13:17])
	copy(info.ClassOfDevice[:], params[17:20])
	info.Name = cString(params[20:269])
	info.ShortName = cString(params[269:280])
	return info, nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Settings bitmask bits, shared by SupportedSettings/CurrentSettings and
// NEW_SETTINGS events.
const (
	SettingPowered         uint32 = 1 << 0
	SettingConnectable     uint32 = 1 << 1
	SettingFastConnectable uint32 = 1 << 2
	SettingDiscoverable    uint32 = 1 << 3
	SettingBondable        uint32 = 1 << 4
	SettingLinkSecurity    uint32 = 1 << 5
	SettingSSP             uint32 = 1 << 6
	SettingBREDR           uint32 = 1 << 7
	SettingHS              uint32 = 1 << 8
	SettingLE              uint32 = 1 << 9
)
