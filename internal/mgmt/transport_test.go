package mgmt

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/dbthost/pkg/config"
)

func newTestTransport(t *testing.T) (*Transport, net.Conn) {
	t.Helper()
	serverSide, kernelSide := net.Pipe()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := config.DefaultEnv()
	cfg.MgmtCmdTimeout = 200 * time.Millisecond
	cfg.MgmtReaderTimeout = 50 * time.Millisecond
	cfg.MgmtRingSize = 64

	tr, err := Open(context.Background(), cfg, logger, serverSide)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	return tr, kernelSide
}

func TestTransport_SendWithReply_Success(t *testing.T) {
	tr, kernel := newTestTransport(t)

	go func() {
		req := make([]byte, headerLen)
		_, _ = io.ReadFull(kernel, req)

		reply := &Frame{
			Opcode: EvCmdComplete,
			Index:  0,
			Params: append([]byte{byte(OpReadVersion), byte(OpReadVersion >> 8), StatusSuccess}, 0x01, 0x02),
		}
		_, _ = kernel.Write(reply.Encode())
	}()

	reply, err := tr.SendWithReply(&Frame{Opcode: OpReadVersion, Index: 0})
	require.NoError(t, err)

	_, status, rest, err := CmdCompletePayload(reply)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, status)
	assert.Equal(t, []byte{0x01, 0x02}, rest)
}

func TestTransport_SendWithReply_DropsStaleReply(t *testing.T) {
	// Boundary scenario: a reply to a previously timed-out READ_VERSION is
	// silently dropped; a subsequent READ_INDEX_LIST still succeeds.
	tr, kernel := newTestTransport(t)

	go func() {
		// First request (READ_VERSION) times out: consume it but never reply.
		req := make([]byte, headerLen)
		_, _ = io.ReadFull(kernel, req)

		// Second request (READ_INDEX_LIST) arrives; reply to both out of
		// order, stale-first.
		req2 := make([]byte, headerLen)
		_, _ = io.ReadFull(kernel, req2)

		stale := &Frame{
			Opcode: EvCmdComplete,
			Index:  0,
			Params: []byte{byte(OpReadVersion), byte(OpReadVersion >> 8), StatusSuccess},
		}
		_, _ = kernel.Write(stale.Encode())

		good := &Frame{
			Opcode: EvCmdComplete,
			Index:  0,
			Params: []byte{byte(OpReadIndexList), byte(OpReadIndexList >> 8), StatusSuccess},
		}
		_, _ = kernel.Write(good.Encode())
	}()

	_, err := tr.SendWithReply(&Frame{Opcode: OpReadVersion, Index: 0})
	require.Error(t, err, "first request times out waiting for its own reply")
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)

	reply, err := tr.SendWithReply(&Frame{Opcode: OpReadIndexList, Index: 0})
	require.NoError(t, err, "second request succeeds despite the stale reply queued ahead of it")

	opcode, status, _, err := CmdCompletePayload(reply)
	require.NoError(t, err)
	assert.Equal(t, OpReadIndexList, opcode)
	assert.Equal(t, StatusSuccess, status)
}

func TestTransport_EventFanOut(t *testing.T) {
	tr, kernel := newTestTransport(t)

	received := make(chan *Frame, 1)
	tr.OnEvent(EvDeviceFound, -1, func(f *Frame) { received <- f })

	ev := &Frame{Opcode: EvDeviceFound, Index: 0, Params: []byte{0xAA}}
	go func() { _, _ = kernel.Write(ev.Encode()) }()

	select {
	case f := <-received:
		assert.Equal(t, []byte{0xAA}, f.Params)
	case <-time.After(time.Second):
		t.Fatal("event callback was not invoked")
	}
}

func TestTransport_CallbackPanicIsContained(t *testing.T) {
	tr, kernel := newTestTransport(t)

	tr.OnEvent(EvDeviceFound, -1, func(f *Frame) { panic("boom") })

	followUp := make(chan *Frame, 1)
	tr.OnEvent(EvDiscovering, -1, func(f *Frame) { followUp <- f })

	go func() {
		_, _ = kernel.Write((&Frame{Opcode: EvDeviceFound, Index: 0}).Encode())
		_, _ = kernel.Write((&Frame{Opcode: EvDiscovering, Index: 0, Params: []byte{1}}).Encode())
	}()

	select {
	case f := <-followUp:
		assert.Equal(t, []byte{1}, f.Params)
	case <-time.After(time.Second):
		t.Fatal("a panicking callback must not stop subsequent event dispatch")
	}
}
