// Package hci implements the host side of a raw HCI user-channel socket:
// command/event framing, LE scan/connect commands, and the asynchronous
// connection-complete and advertising-report events driving C4/C5.
package hci

import (
	"encoding/binary"
	"fmt"
)

// HCI packet indicator bytes, prefixed on every frame read from or written
// to the socket.
const (
	PacketCommand byte = 0x01
	PacketACLData byte = 0x02
	PacketEvent   byte = 0x04
)

func opcode(ogf, ocf uint16) uint16 { return ogf<<10 | ocf }

// Command opcodes used by this stack.
var (
	OpDisconnect         = opcode(0x01, 0x0006) // Link Control
	OpCreateConnection   = opcode(0x01, 0x0005) // Link Control (BR/EDR)
	OpLECreateConn       = opcode(0x08, 0x000D) // LE Controller
	OpLECreateConnCancel = opcode(0x08, 0x000E)
)

// Event codes.
const (
	EvtDisconnectionComplete byte = 0x05
	EvtCommandComplete       byte = 0x0E
	EvtCommandStatus         byte = 0x0F
	EvtLEMeta                byte = 0x3E
)

// LE meta sub-event codes, nested under EvtLEMeta.
const (
	SubEvtLEConnectionComplete        byte = 0x01
	SubEvtLEAdvertisingReport         byte = 0x02
	SubEvtLEExtendedAdvertisingReport byte = 0x0D
)

// LE address types, per Vol 6.
const (
	AddrLEPublic byte = 0x00
	AddrLERandom byte = 0x01
)

// Status codes (the subset this stack inspects by name; others are
// surfaced verbatim as StatusError).
const (
	StatusSuccess                 byte = 0x00
	StatusUnknownConnectionID     byte = 0x02
	StatusCommandDisallowed       byte = 0x0C
	StatusConnectionAlreadyExists byte = 0x0B
	StatusUnacceptableConnParam   byte = 0x3B
)

// CommandFrame is one outbound HCI command packet.
type CommandFrame struct {
	Opcode uint16
	Params []byte
}

// Encode serializes the command with its leading packet-type byte.
func (c *CommandFrame) Encode() []byte {
	buf := make([]byte, 1+2+1+len(c.Params))
	buf[0] = PacketCommand
	binary.LittleEndian.PutUint16(buf[1:3], c.Opcode)
	buf[3] = byte(len(c.Params))
	copy(buf[4:], c.Params)
	return buf
}

// EventFrame is one inbound HCI event packet (packet-type byte already
// stripped).
type EventFrame struct {
	Code   byte
	Params []byte
}

// DecodeEvent parses a single read from the HCI socket, which must start
// with the PacketEvent indicator byte.
func DecodeEvent(buf []byte) (*EventFrame, error) {
	if len(buf) < 3 {
		return nil, fmt.Errorf("hci: short read (%d bytes)", len(buf))
	}
	if buf[0] != PacketEvent {
		return nil, fmt.Errorf("hci: unexpected packet type 0x%02x", buf[0])
	}
	code := buf[1]
	paramLen := int(buf[2])
	if 3+paramLen > len(buf) {
		return nil, fmt.Errorf("hci: event declares param_len=%d but only %d bytes were read", paramLen, len(buf)-3)
	}
	return &EventFrame{Code: code, Params: append([]byte(nil), buf[3:3+paramLen]...)}, nil
}

// CommandCompletePayload splits a Command_Complete event's params into the
// answered opcode and return parameters (the leading num_hci_command_packets
// byte is discarded).
func CommandCompletePayload(e *EventFrame) (op uint16, rest []byte, err error) {
	if e.Code != EvtCommandComplete || len(e.Params) < 3 {
		return 0, nil, fmt.Errorf("hci: not a well-formed Command_Complete event")
	}
	op = binary.LittleEndian.Uint16(e.Params[1:3])
	return op, e.Params[3:], nil
}

// CommandStatusPayload splits a Command_Status event's params into status
// and answered opcode (num_hci_command_packets is discarded).
func CommandStatusPayload(e *EventFrame) (status byte, op uint16, err error) {
	if e.Code != EvtCommandStatus || len(e.Params) < 4 {
		return 0, 0, fmt.Errorf("hci: not a well-formed Command_Status event")
	}
	status = e.Params[0]
	op = binary.LittleEndian.Uint16(e.Params[2:4])
	return status, op, nil
}

// LEConnectionComplete is the decoded LE_Connection_Complete sub-event.
type LEConnectionComplete struct {
	Status        byte
	ConnHandle    uint16
	Role          byte
	PeerAddrType  byte
	PeerAddr      [6]byte
	ConnInterval  uint16
	ConnLatency   uint16
	SupervisionTO uint16
}

// DecodeLEConnectionComplete parses the LE_Meta_Event sub-event payload
// (the sub-event code byte already stripped).
func DecodeLEConnectionComplete(params []byte) (*LEConnectionComplete, error) {
	if len(params) < 18 {
		return nil, fmt.Errorf("hci: short LE_Connection_Complete payload")
	}
	c := &LEConnectionComplete{
		Status:       params[0],
		ConnHandle:   binary.LittleEndian.Uint16(params[1:3]),
		Role:         params[3],
		PeerAddrType: params[4],
	}
	copy(c.PeerAddr[:], params[5:11])
	c.ConnInterval = binary.LittleEndian.Uint16(params[11:13])
	c.ConnLatency = binary.LittleEndian.Uint16(params[13:15])
	c.SupervisionTO = binary.LittleEndian.Uint16(params[15:17])
	return c, nil
}

// DisconnectionComplete is the decoded Disconnection_Complete event.
type DisconnectionComplete struct {
	Status     byte
	ConnHandle uint16
	Reason     byte
}

// DecodeDisconnectionComplete parses a Disconnection_Complete event's params.
func DecodeDisconnectionComplete(params []byte) (*DisconnectionComplete, error) {
	if len(params) < 4 {
		return nil, fmt.Errorf("hci: short Disconnection_Complete payload")
	}
	return &DisconnectionComplete{
		Status:     params[0],
		ConnHandle: binary.LittleEndian.Uint16(params[1:3]),
		Reason:     params[3],
	}, nil
}
