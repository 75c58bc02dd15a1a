//go:build linux

package mgmt

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Bluetooth address family / protocol / channel constants, from
// <bluetooth/bluetooth.h> and <bluetooth/hci.h>.
const (
	afBluetooth         = 31
	btProtoHCI          = 1
	hciDevNone          = 0xFFFF
	hciChannelControl   = 3
)

// socketConn is a raw MGMT control-channel socket opened against
// HCI_CHANNEL_CONTROL, which is a process-global resource: binding it twice
// in one process is refused by the kernel, matching the MGMT transport's
// singleton requirement.
type socketConn struct {
	fd *os.File
}

// openControlSocket opens the kernel MGMT control channel.
func openControlSocket() (*socketConn, error) {
	fd, err := unix.Socket(afBluetooth, unix.SOCK_RAW, btProtoHCI)
	if err != nil {
		return nil, fmt.Errorf("mgmt: socket: %w", err)
	}
	sa := &unix.SockaddrHCI{Dev: hciDevNone, Channel: hciChannelControl}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mgmt: bind control channel: %w", err)
	}
	// Non-blocking so that os.File's runtime-poller-backed SetReadDeadline
	// actually bounds the reader loop's read instead of blocking forever.
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mgmt: set nonblocking: %w", err)
	}
	return &socketConn{fd: os.NewFile(uintptr(fd), "mgmt-control")}, nil
}

func (c *socketConn) Read(p []byte) (int, error)  { return c.fd.Read(p) }
func (c *socketConn) Write(p []byte) (int, error) { return c.fd.Write(p) }
func (c *socketConn) Close() error                { return c.fd.Close() }

func (c *socketConn) SetReadDeadline(t time.Time) error {
	return c.fd.SetReadDeadline(t)
}
