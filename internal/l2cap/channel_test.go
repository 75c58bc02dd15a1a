package l2cap

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

func newTestChannel(t *testing.T, serverMTU int) (*Channel, net.Conn) {
	t.Helper()
	clientSide, peerSide := net.Pipe()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	done := make(chan struct{})
	var ch *Channel
	var openErr error
	go func() {
		ch, openErr = Open(context.Background(), eir.Address48{}, eir.Address48{}, logger, clientSide)
		close(done)
	}()

	req := make([]byte, 3)
	_, err := io.ReadFull(peerSide, req)
	require.NoError(t, err)
	require.Equal(t, byte(opExchangeMTUReq), req[0])

	rsp := make([]byte, 3)
	rsp[0] = opExchangeMTURsp
	binary.LittleEndian.PutUint16(rsp[1:3], uint16(serverMTU))
	_, err = peerSide.Write(rsp)
	require.NoError(t, err)

	<-done
	require.NoError(t, openErr)
	t.Cleanup(func() { ch.Disconnect() })

	return ch, peerSide
}

func TestChannel_MTUExchange_AdoptsMinimum(t *testing.T) {
	ch, _ := newTestChannel(t, 185)
	assert.Equal(t, 185, ch.MTU())
}

func TestChannel_MTUExchange_ClampsToClientMTU(t *testing.T) {
	ch, _ := newTestChannel(t, 9000)
	assert.Equal(t, DefaultClientMTU, ch.MTU())
}

func TestChannel_MTUExchange_NeverBelowMinimum(t *testing.T) {
	ch, _ := newTestChannel(t, 5)
	assert.Equal(t, MinMTU, ch.MTU())
}

func TestChannel_SendRecv(t *testing.T) {
	ch, peer := newTestChannel(t, 185)

	go func() { _ = ch.Send([]byte{0x0A, 0x01, 0x00}) }()
	buf := make([]byte, 64)
	n, err := peer.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0A, 0x01, 0x00}, buf[:n])
}

func TestChannel_Disconnect_UnblocksRecv(t *testing.T) {
	ch, _ := newTestChannel(t, 185)

	errCh := make(chan error, 1)
	go func() {
		_, err := ch.Recv()
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, ch.Disconnect())

	select {
	case err := <-errCh:
		require.Error(t, err)
		var ioErr *IOError
		assert.ErrorAs(t, err, &ioErr)
	case <-time.After(time.Second):
		t.Fatal("Recv did not unblock after Disconnect")
	}
}
