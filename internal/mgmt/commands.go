package mgmt

import "fmt"

// BTMode selects which radio modes an adapter is initialized with.
type BTMode int

const (
	BTModeNone BTMode = iota // maps to LE-only
	BTModeLE
	BTModeBREDR
	BTModeDual
)

func boolParam(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

func simpleCmd(opcode, index uint16, params []byte) *Frame {
	return &Frame{Opcode: opcode, Index: index, Params: params}
}

// ReadInfo issues READ_INFO and returns the decoded adapter info.
func (t *Transport) ReadInfo(index uint16) (*AdapterInfo, error) {
	reply, err := t.SendWithReply(simpleCmd(OpReadInfo, index, nil))
	if err != nil {
		return nil, err
	}
	if status, serr := requireSuccess(reply); serr != nil {
		return nil, &StatusError{Opcode: OpReadInfo, Status: status}
	}
	_, _, rest, err := CmdCompletePayload(reply)
	if err != nil {
		return nil, err
	}
	return DecodeAdapterInfo(rest)
}

// ReadIndexList issues READ_INDEX_LIST and returns the dev_ids of every
// adapter currently known to the kernel.
func (t *Transport) ReadIndexList() ([]uint16, error) {
	reply, err := t.SendWithReply(simpleCmd(OpReadIndexList, IndexNone, nil))
	if err != nil {
		return nil, err
	}
	if status, serr := requireSuccess(reply); serr != nil {
		return nil, &StatusError{Opcode: OpReadIndexList, Status: status}
	}
	_, _, rest, err := CmdCompletePayload(reply)
	if err != nil {
		return nil, err
	}
	if len(rest) < 2 {
		return nil, fmt.Errorf("mgmt: read index list: short payload")
	}
	count := int(rest[0]) | int(rest[1])<<8
	rest = rest[2:]
	if len(rest) < count*2 {
		return nil, fmt.Errorf("mgmt: read index list: truncated payload")
	}
	out := make([]uint16, count)
	for i := 0; i < count; i++ {
		out[i] = uint16(rest[i*2]) | uint16(rest[i*2+1])<<8
	}
	return out, nil
}

// SetPowered issues SET_POWERED(on).
func (t *Transport) SetPowered(index uint16, on bool) error {
	return t.sendSimpleSetting(OpSetPowered, index, on)
}

// SetConnectable issues SET_CONNECTABLE(on).
func (t *Transport) SetConnectable(index uint16, on bool) error {
	return t.sendSimpleSetting(OpSetConnectable, index, on)
}

// SetFastConnectable issues SET_FAST_CONNECTABLE(on).
func (t *Transport) SetFastConnectable(index uint16, on bool) error {
	return t.sendSimpleSetting(OpSetFastConnectable, index, on)
}

// SetSSP issues SET_SSP(on).
func (t *Transport) SetSSP(index uint16, on bool) error {
	return t.sendSimpleSetting(OpSetSSP, index, on)
}

// SetBREDR issues SET_BREDR(on).
func (t *Transport) SetBREDR(index uint16, on bool) error {
	return t.sendSimpleSetting(OpSetBREDR, index, on)
}

// SetLE issues SET_LE(on).
func (t *Transport) SetLE(index uint16, on bool) error {
	return t.sendSimpleSetting(OpSetLE, index, on)
}

func (t *Transport) sendSimpleSetting(opcode, index uint16, on bool) error {
	reply, err := t.SendWithReply(simpleCmd(opcode, index, boolParam(on)))
	if err != nil {
		return err
	}
	if status, serr := requireSuccess(reply); serr != nil {
		return &StatusError{Opcode: opcode, Status: status}
	}
	return nil
}

// StartDiscovery issues START_DISCOVERY(scanType).
func (t *Transport) StartDiscovery(index uint16, scanType byte) error {
	reply, err := t.SendWithReply(simpleCmd(OpStartDiscovery, index, []byte{scanType}))
	if err != nil {
		return err
	}
	if status, serr := requireSuccess(reply); serr != nil {
		return &StatusError{Opcode: OpStartDiscovery, Status: status}
	}
	return nil
}

// StopDiscovery issues STOP_DISCOVERY(scanType).
func (t *Transport) StopDiscovery(index uint16, scanType byte) error {
	reply, err := t.SendWithReply(simpleCmd(OpStopDiscovery, index, []byte{scanType}))
	if err != nil {
		return err
	}
	if status, serr := requireSuccess(reply); serr != nil {
		return &StatusError{Opcode: OpStopDiscovery, Status: status}
	}
	return nil
}

// RemoveDevice issues REMOVE_DEVICE, flushing one whitelist entry (or, with
// a zero address, every entry).
func (t *Transport) RemoveDevice(index uint16, addr [6]byte, addrType byte) error {
	params := append(append([]byte{}, addr[:]...), addrType)
	reply, err := t.SendWithReply(simpleCmd(OpRemoveDevice, index, params))
	if err != nil {
		return err
	}
	if status, serr := requireSuccess(reply); serr != nil {
		return &StatusError{Opcode: OpRemoveDevice, Status: status}
	}
	return nil
}

// AddDevice issues ADD_DEVICE for whitelisting addr with the given
// connect-action byte (0=background-scan, 1=direct-connect, 2=auto-connect).
func (t *Transport) AddDevice(index uint16, addr [6]byte, addrType byte, action byte) error {
	params := append(append([]byte{}, addr[:]...), addrType, action)
	reply, err := t.SendWithReply(simpleCmd(OpAddDevice, index, params))
	if err != nil {
		return err
	}
	if status, serr := requireSuccess(reply); serr != nil {
		return &StatusError{Opcode: OpAddDevice, Status: status}
	}
	return nil
}

func requireSuccess(f *Frame) (byte, error) {
	status, err := StatusOf(f)
	if err != nil {
		return 0, err
	}
	if status != StatusSuccess {
		return status, fmt.Errorf("mgmt: status 0x%02x", status)
	}
	return status, nil
}

// InitAdapter runs the spec's adapter-bring-up sequence: READ_INFO, set
// SSP/BR-EDR/LE per mode (NONE and LE both map to LE-only; DUAL enables
// all three; BREDR disables LE), disable connectable/fast-connectable,
// flush the whitelist, power on, re-read info. Any command failure aborts
// the sequence and reports the adapter as invalid.
func (t *Transport) InitAdapter(index uint16, mode BTMode) (*AdapterInfo, error) {
	if _, err := t.ReadInfo(index); err != nil {
		return nil, fmt.Errorf("mgmt: init adapter %d: read info: %w", index, err)
	}

	le, bredr := true, false
	switch mode {
	case BTModeNone, BTModeLE:
		le, bredr = true, false
	case BTModeBREDR:
		le, bredr = false, true
	case BTModeDual:
		le, bredr = true, true
	}

	if err := t.SetSSP(index, bredr); err != nil {
		return nil, fmt.Errorf("mgmt: init adapter %d: set ssp: %w", index, err)
	}
	if err := t.SetBREDR(index, bredr); err != nil {
		return nil, fmt.Errorf("mgmt: init adapter %d: set bredr: %w", index, err)
	}
	if err := t.SetLE(index, le); err != nil {
		return nil, fmt.Errorf("mgmt: init adapter %d: set le: %w", index, err)
	}
	if err := t.SetConnectable(index, false); err != nil {
		return nil, fmt.Errorf("mgmt: init adapter %d: set connectable: %w", index, err)
	}
	if err := t.SetFastConnectable(index, false); err != nil {
		return nil, fmt.Errorf("mgmt: init adapter %d: set fast connectable: %w", index, err)
	}
	if err := t.RemoveDevice(index, [6]byte{}, 0); err != nil {
		return nil, fmt.Errorf("mgmt: init adapter %d: flush whitelist: %w", index, err)
	}
	if err := t.SetPowered(index, true); err != nil {
		return nil, fmt.Errorf("mgmt: init adapter %d: power on: %w", index, err)
	}

	info, err := t.ReadInfo(index)
	if err != nil {
		return nil, fmt.Errorf("mgmt: init adapter %d: re-read info: %w", index, err)
	}
	return info, nil
}
