//go:build linux

package l2cap

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/srg/dbthost/internal/eir"
)

// Bluetooth address family / protocol constants, shared with mgmt/hci's raw
// sockets but bound here to the ATT fixed channel.
const (
	afBluetooth = 31
	btProtoL2CAP = 6
	attCID       = 4 // fixed CID 0x0004, ATT over LE
)

// socketConn is a connected L2CAP stream socket bound to CID 0x0004 against
// one remote device.
type socketConn struct {
	fd *os.File
}

// openATTChannel opens and connects an L2CAP stream socket to the ATT fixed
// channel of the given peer, on the given local (adapter) address.
func openATTChannel(localAddr, peerAddr eir.Address48) (*socketConn, error) {
	fd, err := unix.Socket(afBluetooth, unix.SOCK_SEQPACKET, btProtoL2CAP)
	if err != nil {
		return nil, fmt.Errorf("l2cap: socket: %w", err)
	}

	localSA := &unix.SockaddrL2{PSM: 0, CID: attCID, Addr: localAddr.Bytes}
	if err := unix.Bind(fd, localSA); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("l2cap: bind local: %w", err)
	}

	peerSA := &unix.SockaddrL2{PSM: 0, CID: attCID, Addr: peerAddr.Bytes}
	peerSA.AddrType = addrTypeOf(peerAddr)
	if err := unix.Connect(fd, peerSA); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("l2cap: connect to %s: %w", peerAddr, err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("l2cap: set nonblocking: %w", err)
	}

	return &socketConn{fd: os.NewFile(uintptr(fd), fmt.Sprintf("l2cap-att-%s", peerAddr))}, nil
}

func addrTypeOf(a eir.Address48) uint8 {
	switch a.Type {
	case eir.AddressLERandom:
		return 1 // BDADDR_LE_RANDOM
	default:
		return 0 // BDADDR_LE_PUBLIC
	}
}

func (c *socketConn) Read(p []byte) (int, error)  { return c.fd.Read(p) }
func (c *socketConn) Write(p []byte) (int, error) { return c.fd.Write(p) }
func (c *socketConn) Close() error                { return c.fd.Close() }

func (c *socketConn) SetReadDeadline(t time.Time) error {
	return c.fd.SetReadDeadline(t)
}
