// Package l2cap implements the ATT transport: one stream socket per
// connected device, bound to the fixed L2CAP channel identifier 0x0004,
// plus the MTU exchange that precedes GATT traffic.
package l2cap

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/dbthost/internal/eir"
)

const (
	// DefaultClientMTU is the MTU this stack requests in EXCHANGE_MTU_REQ.
	DefaultClientMTU = 512
	// MinMTU is the ATT-mandated minimum MTU, used until/unless exchange succeeds.
	MinMTU = 23

	opExchangeMTUReq = 0x02
	opExchangeMTURsp = 0x03
)

// frameConn is the byte-oriented transport the channel reads/writes PDUs
// over; abstracted so tests can supply an in-memory pipe instead of a real
// L2CAP socket.
type frameConn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadDeadline(t time.Time) error
}

// IOError wraps an underlying socket failure. The device layer tears the
// connection down with io_error_cause=true when GATT bring-up or PingGATT
// fails; an IOError in the GATT receive loop only marks the client broken.
type IOError struct {
	Cause error
}

func (e *IOError) Error() string { return fmt.Sprintf("l2cap: i/o error: %v", e.Cause) }
func (e *IOError) Unwrap() error { return e.Cause }

// Channel is one ATT stream over a connected device's fixed L2CAP channel.
type Channel struct {
	conn   frameConn
	logger *logrus.Logger
	mtu    int

	closeOnce sync.Once
}

// Open connects to the peer's ATT fixed channel and performs the MTU
// exchange, adopting min(clientMTU, server_mtu) as the channel MTU.
func Open(ctx context.Context, localAddr, peerAddr eir.Address48, logger *logrus.Logger, conn frameConn) (*Channel, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if conn == nil {
		sc, err := openATTChannel(localAddr, peerAddr)
		if err != nil {
			return nil, &IOError{Cause: err}
		}
		conn = sc
	}

	ch := &Channel{conn: conn, logger: logger, mtu: MinMTU}
	if err := ch.exchangeMTU(DefaultClientMTU); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return ch, nil
}

func (ch *Channel) exchangeMTU(clientMTU int) error {
	req := make([]byte, 3)
	req[0] = opExchangeMTUReq
	binary.LittleEndian.PutUint16(req[1:3], uint16(clientMTU))
	if err := ch.Send(req); err != nil {
		return err
	}

	rsp, err := ch.Recv()
	if err != nil {
		return err
	}
	if len(rsp) < 3 || rsp[0] != opExchangeMTURsp {
		return fmt.Errorf("l2cap: unexpected EXCHANGE_MTU response opcode")
	}
	serverMTU := int(binary.LittleEndian.Uint16(rsp[1:3]))

	negotiated := clientMTU
	if serverMTU < negotiated {
		negotiated = serverMTU
	}
	if negotiated < MinMTU {
		negotiated = MinMTU
	}
	ch.mtu = negotiated
	return nil
}

// MTU returns the negotiated ATT MTU.
func (ch *Channel) MTU() int { return ch.mtu }

// Send writes one complete ATT PDU. The underlying socket is sequential-
// packet (or behaves like one for test doubles), so one Write is one PDU.
func (ch *Channel) Send(pdu []byte) error {
	if _, err := ch.conn.Write(pdu); err != nil {
		return &IOError{Cause: err}
	}
	return nil
}

// Recv reads one complete ATT PDU.
func (ch *Channel) Recv() ([]byte, error) {
	buf := make([]byte, ch.readBufSize())
	n, err := ch.conn.Read(buf)
	if err != nil {
		return nil, &IOError{Cause: err}
	}
	return buf[:n], nil
}

func (ch *Channel) readBufSize() int {
	if ch.mtu > MinMTU {
		return ch.mtu
	}
	return DefaultClientMTU
}

// SetReadDeadline forwards to the underlying socket. The GATT receive loop
// does not use it; it is unblocked by Disconnect instead.
func (ch *Channel) SetReadDeadline(t time.Time) error {
	return ch.conn.SetReadDeadline(t)
}

// Disconnect closes the socket out-of-band so a blocked Recv in the GATT
// receive thread returns immediately with an IOError.
func (ch *Channel) Disconnect() error {
	var err error
	ch.closeOnce.Do(func() { err = ch.conn.Close() })
	return err
}
