package hci

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/dbthost/internal/eir"
)

func TestCommandFrameEncode(t *testing.T) {
	c := &CommandFrame{Opcode: OpDisconnect, Params: []byte{0x01, 0x00, 0x13}}
	buf := c.Encode()
	assert.Equal(t, PacketCommand, buf[0])
	assert.Equal(t, OpDisconnect, binary.LittleEndian.Uint16(buf[1:3]))
	assert.Equal(t, byte(3), buf[3])
	assert.Equal(t, []byte{0x01, 0x00, 0x13}, buf[4:])
}

func TestDecodeEvent_CommandComplete(t *testing.T) {
	buf := []byte{PacketEvent, EvtCommandComplete, 0x04, 0x01, byte(OpLECreateConn), byte(OpLECreateConn >> 8), StatusSuccess}
	ev, err := DecodeEvent(buf)
	require.NoError(t, err)
	assert.Equal(t, EvtCommandComplete, ev.Code)

	op, rest, err := CommandCompletePayload(ev)
	require.NoError(t, err)
	assert.Equal(t, OpLECreateConn, op)
	assert.Equal(t, []byte{StatusSuccess}, rest)
}

func TestDecodeEvent_ShortPacket(t *testing.T) {
	_, err := DecodeEvent([]byte{PacketEvent, 0x0E})
	require.Error(t, err)
}

func TestDecodeEvent_DeclaredLenExceedsBuffer(t *testing.T) {
	_, err := DecodeEvent([]byte{PacketEvent, EvtCommandComplete, 0x10, 0x01})
	require.Error(t, err)
}

func TestDecodeLEConnectionComplete(t *testing.T) {
	params := make([]byte, 19)
	params[0] = StatusSuccess
	binary.LittleEndian.PutUint16(params[1:3], 0x0040)
	params[3] = 0 // role: master
	params[4] = AddrLEPublic
	copy(params[5:11], []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF})
	binary.LittleEndian.PutUint16(params[11:13], 0x0006)
	binary.LittleEndian.PutUint16(params[13:15], 0x0000)
	binary.LittleEndian.PutUint16(params[15:17], 0x00C8)

	cc, err := DecodeLEConnectionComplete(params)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0040), cc.ConnHandle)
	assert.Equal(t, [6]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}, cc.PeerAddr)
}

func TestPeerAddressMapping(t *testing.T) {
	peer, own, err := PeerAddressMapping(eir.AddressLEPublic, eir.RandomUndefined)
	require.NoError(t, err)
	assert.Equal(t, AddrLEPublic, peer)
	assert.Equal(t, AddrLEPublic, own)

	peer, own, err = PeerAddressMapping(eir.AddressLERandom, eir.RandomStaticPublic)
	require.NoError(t, err)
	assert.Equal(t, AddrLERandom, peer)
	assert.Equal(t, AddrLEPublic, own)

	// Boundary scenario: a resolvable private random address is rejected
	// outright, no HCI command issued.
	_, _, err = PeerAddressMapping(eir.AddressLERandom, eir.RandomResolvablePrivate)
	require.ErrorIs(t, err, ErrUnacceptableAddress)

	_, _, err = PeerAddressMapping(eir.AddressLERandom, eir.RandomUnresolvablePrivate)
	require.ErrorIs(t, err, ErrUnacceptableAddress)
}

func newTestTransport(t *testing.T) (*Transport, net.Conn) {
	t.Helper()
	serverSide, kernelSide := net.Pipe()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	tr, err := Open(context.Background(), 0, logger, serverSide, 50*time.Millisecond, 200*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	return tr, kernelSide
}

func TestTransport_LECreateConn_Success(t *testing.T) {
	tr, kernel := newTestTransport(t)

	go func() {
		req := make([]byte, 1+2+1+25)
		_, _ = io.ReadFull(kernel, req)

		ev := &EventFrame{
			Code:   EvtCommandStatus,
			Params: []byte{StatusSuccess, 0x01, byte(OpLECreateConn), byte(OpLECreateConn >> 8)},
		}
		_, _ = kernel.Write(encodeEventForTest(ev))
	}()

	pending, err := tr.LECreateConn([6]byte{1, 2, 3, 4, 5, 6}, AddrLEPublic, AddrLEPublic, DefaultLEConnParams())
	require.NoError(t, err)
	assert.True(t, pending)
}

func TestTransport_SendCommand_Timeout(t *testing.T) {
	tr, kernel := newTestTransport(t)

	// Consume the command but never reply.
	go func() {
		req := make([]byte, 1+2+1+25)
		_, _ = io.ReadFull(kernel, req)
	}()

	_, err := tr.LECreateConn([6]byte{1, 2, 3, 4, 5, 6}, AddrLEPublic, AddrLEPublic, DefaultLEConnParams())
	require.Error(t, err)
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
}

func TestTransport_ConnectionCompleteDispatch(t *testing.T) {
	tr, kernel := newTestTransport(t)

	received := make(chan *LEConnectionComplete, 1)
	tr.OnConnectionComplete = func(cc *LEConnectionComplete) { received <- cc }

	params := make([]byte, 1+18)
	params[0] = SubEvtLEConnectionComplete
	params[1] = StatusSuccess
	binary.LittleEndian.PutUint16(params[2:4], 0x0040)

	ev := &EventFrame{Code: EvtLEMeta, Params: params}
	go func() { _, _ = kernel.Write(encodeEventForTest(ev)) }()

	select {
	case cc := <-received:
		assert.Equal(t, uint16(0x0040), cc.ConnHandle)
	case <-time.After(time.Second):
		t.Fatal("OnConnectionComplete was not invoked")
	}
}

func TestTransport_DisconnectionDispatch(t *testing.T) {
	tr, kernel := newTestTransport(t)

	received := make(chan *DisconnectionComplete, 1)
	tr.OnDisconnection = func(dc *DisconnectionComplete) { received <- dc }

	params := []byte{StatusSuccess, 0x40, 0x00, 0x13}
	ev := &EventFrame{Code: EvtDisconnectionComplete, Params: params}
	go func() { _, _ = kernel.Write(encodeEventForTest(ev)) }()

	select {
	case dc := <-received:
		assert.Equal(t, uint16(0x0040), dc.ConnHandle)
		assert.Equal(t, byte(0x13), dc.Reason)
	case <-time.After(time.Second):
		t.Fatal("OnDisconnection was not invoked")
	}
}

func TestTransport_AdvertisingReportDispatch(t *testing.T) {
	tr, kernel := newTestTransport(t)

	type report struct {
		addr     [6]byte
		addrType byte
		rssi     int8
		adData   []byte
	}
	received := make(chan report, 1)
	tr.OnAdvertisingReport = func(addr [6]byte, addrType byte, rssi int8, adData []byte) {
		received <- report{addr, addrType, rssi, append([]byte(nil), adData...)}
	}

	adData := []byte{0x02, 0x01, 0x06}
	body := make([]byte, 0)
	body = append(body, 1)                             // num_reports
	body = append(body, 0x00)                          // event_type
	body = append(body, AddrLEPublic)                   // address_type
	body = append(body, []byte{1, 2, 3, 4, 5, 6}...)    // address
	body = append(body, byte(len(adData)))              // data_len
	body = append(body, adData...)                      // data
	rssiByte := int8(-60)
	body = append(body, byte(rssiByte))                 // rssi

	params := append([]byte{SubEvtLEAdvertisingReport}, body...)
	ev := &EventFrame{Code: EvtLEMeta, Params: params}
	go func() { _, _ = kernel.Write(encodeEventForTest(ev)) }()

	select {
	case r := <-received:
		assert.Equal(t, [6]byte{1, 2, 3, 4, 5, 6}, r.addr)
		assert.Equal(t, adData, r.adData)
		assert.Equal(t, int8(-60), r.rssi)
	case <-time.After(time.Second):
		t.Fatal("OnAdvertisingReport was not invoked")
	}
}

// encodeEventForTest mirrors DecodeEvent's expected wire shape: a single
// read containing the packet-type byte, event code, length, and params.
func encodeEventForTest(e *EventFrame) []byte {
	buf := make([]byte, 3+len(e.Params))
	buf[0] = PacketEvent
	buf[1] = e.Code
	buf[2] = byte(len(e.Params))
	copy(buf[3:], e.Params)
	return buf
}
