package mgmt

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	f := &Frame{Opcode: OpReadVersion, Index: IndexNone, Params: []byte{1, 2, 3}}

	decoded, err := DecodeFrame(f.Encode())
	require.NoError(t, err)

	assert.Equal(t, f.Opcode, decoded.Opcode)
	assert.Equal(t, f.Index, decoded.Index)
	assert.Equal(t, f.Params, decoded.Params)
}

func TestDecodeFrame_ShortHeader(t *testing.T) {
	_, err := DecodeFrame([]byte{1, 2, 3})
	require.Error(t, err)
	var shortErr *ErrShortFrame
	assert.ErrorAs(t, err, &shortErr)
}

func TestDecodeFrame_DeclaredLenExceedsBuffer(t *testing.T) {
	buf := []byte{0x01, 0x00, 0xFF, 0xFF, 0x05, 0x00, 0x01, 0x02} // param_len=5 but only 2 bytes follow
	_, err := DecodeFrame(buf)
	require.Error(t, err)
}

func TestCmdCompletePayload(t *testing.T) {
	f := &Frame{
		Opcode: EvCmdComplete,
		Index:  0,
		Params: []byte{0x04, 0x00, StatusSuccess, 0xAA, 0xBB},
	}

	opcode, status, rest, err := CmdCompletePayload(f)
	require.NoError(t, err)
	assert.Equal(t, OpReadInfo, opcode)
	assert.Equal(t, StatusSuccess, status)
	assert.Equal(t, []byte{0xAA, 0xBB}, rest)
}

func TestCmdStatusPayload(t *testing.T) {
	f := &Frame{Opcode: EvCmdStatus, Params: []byte{0x23, 0x00, StatusBusy}}

	opcode, status, err := CmdStatusPayload(f)
	require.NoError(t, err)
	assert.Equal(t, OpStartDiscovery, opcode)
	assert.Equal(t, StatusBusy, status)
}

func TestIsReply(t *testing.T) {
	assert.True(t, IsReply(EvCmdComplete))
	assert.True(t, IsReply(EvCmdStatus))
	assert.False(t, IsReply(EvDeviceFound))
}

func TestDecodeAdapterInfo(t *testing.T) {
	params := make([]byte, adapterInfoLen)
	copy(params[0:6], []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66})
	params[6] = 0x08 // bt version
	binary.LittleEndian.PutUint32(params[9:13], SettingPowered|SettingLE)
	copy(params[20:], []byte("MyAdapter"))

	info, err := DecodeAdapterInfo(params)
	require.NoError(t, err)
	assert.Equal(t, [6]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66}, info.Address)
	assert.Equal(t, "MyAdapter", info.Name)
	assert.Equal(t, uint32(SettingPowered|SettingLE), info.SupportedSettings)
}
