//go:build linux

package hci

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Bluetooth address family / protocol / channel constants, shared with the
// MGMT control channel's socket but bound to a specific adapter index here.
const (
	afBluetooth     = 31
	btProtoHCI      = 1
	hciChannelUser  = 1
	hciChannelRaw   = 0
)

// socketConn is a raw HCI user-channel socket bound to one adapter. Opening
// HCI_CHANNEL_USER hands this process exclusive control of the controller,
// which is why it fails outright if bluetoothd or another process is
// already bound to it; the caller is expected to treat that as fatal for
// that adapter rather than retry silently.
type socketConn struct {
	fd *os.File
}

// openUserChannel opens the HCI user channel for the adapter at the given
// index.
func openUserChannel(index uint16) (*socketConn, error) {
	fd, err := unix.Socket(afBluetooth, unix.SOCK_RAW, btProtoHCI)
	if err != nil {
		return nil, fmt.Errorf("hci: socket: %w", err)
	}
	sa := &unix.SockaddrHCI{Dev: index, Channel: hciChannelUser}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("hci: bind user channel for index %d: %w", index, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("hci: set nonblocking: %w", err)
	}
	return &socketConn{fd: os.NewFile(uintptr(fd), fmt.Sprintf("hci-user-%d", index))}, nil
}

func (c *socketConn) Read(p []byte) (int, error)  { return c.fd.Read(p) }
func (c *socketConn) Write(p []byte) (int, error) { return c.fd.Write(p) }
func (c *socketConn) Close() error                { return c.fd.Close() }

func (c *socketConn) SetReadDeadline(t time.Time) error {
	return c.fd.SetReadDeadline(t)
}
