package gatt

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/dbthost/internal/eir"
	"github.com/srg/dbthost/internal/l2cap"
	"github.com/srg/dbthost/internal/listener"

	"github.com/srg/dbthost/internal/groutine"
)

// DefaultReplyTimeout is the default ATT request/response window; on
// expiry the channel is considered broken and closed.
const DefaultReplyTimeout = 500 * time.Millisecond

// Client is the per-device ATT/GATT engine: one receive goroutine
// demultiplexing solicited replies, notifications, and indications, plus
// a strictly-serialized request/reply path (ATT forbids more than one
// outstanding request per connection).
type Client struct {
	ch     *l2cap.Channel
	logger *logrus.Logger

	replyTimeout time.Duration
	writeMu      sync.Mutex
	replyCh      chan []byte

	charListeners *listener.CharacteristicRegistry
	handleIndex   map[uint16]interface{} // value handle -> *Characteristic, for listener dispatch

	services []*Service

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	broken bool
	brokenMu sync.Mutex
}

// Open starts the receive loop over an already MTU-exchanged l2cap.Channel.
func Open(ctx context.Context, ch *l2cap.Channel, logger *logrus.Logger, charListeners *listener.CharacteristicRegistry, replyTimeout time.Duration) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	if charListeners == nil {
		charListeners = listener.NewCharacteristicRegistry(logger)
	}
	if replyTimeout <= 0 {
		replyTimeout = DefaultReplyTimeout
	}

	c := &Client{
		ch:            ch,
		logger:        logger,
		replyTimeout:  replyTimeout,
		replyCh:       make(chan []byte, 1),
		charListeners: charListeners,
		handleIndex:   make(map[uint16]interface{}),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	groutine.Go(ctx, string(groutine.RoleGATTRecv), c.recvLoop)
	return c
}

// Close tears down the ATT channel, unblocking the receive loop.
func (c *Client) Close() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stopCh)
		err = c.ch.Disconnect()
		<-c.doneCh
	})
	return err
}

// IsOpen reports whether the channel is still usable (no I/O error has
// marked it broken, and Close has not been called).
func (c *Client) IsOpen() bool {
	c.brokenMu.Lock()
	defer c.brokenMu.Unlock()
	select {
	case <-c.stopCh:
		return false
	default:
	}
	return !c.broken
}

func (c *Client) markBroken() {
	c.brokenMu.Lock()
	c.broken = true
	c.brokenMu.Unlock()
}

func (c *Client) recvLoop(ctx context.Context) {
	defer close(c.doneCh)
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		pdu, err := c.ch.Recv()
		if err != nil {
			select {
			case <-c.stopCh:
				return
			default:
			}
			c.logger.WithError(err).Warn("gatt: receive loop i/o error, channel broken")
			c.markBroken()
			return
		}
		if len(pdu) == 0 {
			continue
		}

		switch pdu[0] {
		case opHandleValueNotification:
			c.dispatchNotification(pdu)
		case opHandleValueIndication:
			c.dispatchIndication(pdu)
		default:
			c.postReply(pdu)
		}
	}
}

func (c *Client) dispatchNotification(pdu []byte) {
	if len(pdu) < 3 {
		return
	}
	handle := binary.LittleEndian.Uint16(pdu[1:3])
	value := append([]byte(nil), pdu[3:]...)
	c.charListeners.FireNotification(handle, c.handleIndex[handle], value, time.Now())
}

func (c *Client) dispatchIndication(pdu []byte) {
	if len(pdu) < 3 {
		return
	}
	handle := binary.LittleEndian.Uint16(pdu[1:3])
	value := append([]byte(nil), pdu[3:]...)

	confSent := false
	if err := c.ch.Send([]byte{opHandleValueConfirmation}); err == nil {
		confSent = true
	}
	c.charListeners.FireIndication(handle, c.handleIndex[handle], value, time.Now(), confSent)
}

// postReply hands a reply to whichever sendRequest is waiting, replacing
// any stale unclaimed reply rather than blocking the receive loop.
func (c *Client) postReply(pdu []byte) {
	select {
	case c.replyCh <- pdu:
		return
	default:
	}
	select {
	case <-c.replyCh:
	default:
	}
	select {
	case c.replyCh <- pdu:
	default:
	}
}

// sendRequest writes req and waits for the next reply, serialized against
// any other outstanding request on this connection.
func (c *Client) sendRequest(req []byte) ([]byte, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.IsOpen() {
		return nil, ErrChannelClosed
	}

	select {
	case <-c.replyCh:
	default:
	}

	if err := c.ch.Send(req); err != nil {
		c.markBroken()
		return nil, err
	}

	select {
	case pdu := <-c.replyCh:
		if isErrorRsp(pdu) {
			ae, err := decodeErrorRsp(pdu)
			if err != nil {
				return nil, err
			}
			return nil, ae
		}
		return pdu, nil
	case <-time.After(c.replyTimeout):
		c.markBroken()
		_ = c.ch.Disconnect()
		return nil, &TimeoutError{Opcode: req[0]}
	}
}

// DiscoverPrimaryServices performs full primary-service, characteristic,
// and descriptor discovery, caching the result. Subsequent calls return
// the cached list without re-querying the device.
func (c *Client) DiscoverPrimaryServices() ([]*Service, error) {
	if c.services != nil {
		return c.services, nil
	}

	services, err := c.discoverServiceGroups()
	if err != nil {
		return nil, err
	}
	for _, svc := range services {
		if err := c.discoverCharacteristics(svc); err != nil {
			return nil, err
		}
		for _, ch := range svc.Characteristics {
			c.handleIndex[ch.ValueHandle] = ch
			if err := c.discoverDescriptors(ch, svc); err != nil {
				return nil, err
			}
		}
	}

	c.services = services
	return services, nil
}

// discoverServiceGroups issues Read-By-Group-Type requests starting at
// handle 0x0001 until a response returns end_handle 0xFFFF or an
// ERROR_RSP(ATTRIBUTE_NOT_FOUND) arrives.
func (c *Client) discoverServiceGroups() ([]*Service, error) {
	var services []*Service
	start := uint16(0x0001)

	for {
		req := make([]byte, 7)
		req[0] = opReadByGroupTypeReq
		binary.LittleEndian.PutUint16(req[1:3], start)
		binary.LittleEndian.PutUint16(req[3:5], 0xFFFF)
		binary.LittleEndian.PutUint16(req[5:7], gattPrimaryServiceGroupType)

		rsp, err := c.sendRequest(req)
		if err != nil {
			var ae *AttError
			if asAttError(err, &ae) && ae.Code == AttErrAttributeNotFound {
				break
			}
			return nil, err
		}

		entries, err := decodeReadByGroupTypeRsp(rsp)
		if err != nil {
			return nil, err
		}

		last := uint16(0)
		for _, e := range entries {
			services = append(services, &Service{StartHandle: e.startHandle, EndHandle: e.endHandle, Type: e.uuid})
			last = e.endHandle
		}

		if last == 0xFFFF || last == 0 {
			break
		}
		start = last + 1
	}
	return services, nil
}

func asAttError(err error, out **AttError) bool {
	ae, ok := err.(*AttError)
	if ok {
		*out = ae
	}
	return ok
}

// discoverCharacteristics issues Read-By-Type requests (type 0x2803) over
// svc's handle range, deriving each characteristic's end handle as
// min(next declaration handle - 1, service end handle).
func (c *Client) discoverCharacteristics(svc *Service) error {
	var entries []characteristicEntry
	start := svc.StartHandle

	for start <= svc.EndHandle {
		req := make([]byte, 7)
		req[0] = opReadByTypeReq
		binary.LittleEndian.PutUint16(req[1:3], start)
		binary.LittleEndian.PutUint16(req[3:5], svc.EndHandle)
		binary.LittleEndian.PutUint16(req[5:7], gattCharacteristicType)

		rsp, err := c.sendRequest(req)
		if err != nil {
			var ae *AttError
			if asAttError(err, &ae) && ae.Code == AttErrAttributeNotFound {
				break
			}
			return err
		}

		batch, err := decodeReadByTypeRsp(rsp)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}
		entries = append(entries, batch...)

		last := batch[len(batch)-1].declarationHandle
		if last >= svc.EndHandle {
			break
		}
		start = last + 1
	}

	for i, e := range entries {
		end := svc.EndHandle
		if i+1 < len(entries) {
			end = entries[i+1].declarationHandle - 1
		}
		svc.Characteristics = append(svc.Characteristics, &Characteristic{
			DeclarationHandle: e.declarationHandle,
			ValueHandle:       e.valueHandle,
			EndHandle:         end,
			Properties:        e.properties,
			ValueType:         e.valueType,
		})
	}
	return nil
}

// discoverDescriptors issues Find-Information requests over
// [char.ValueHandle+1, char.EndHandle].
func (c *Client) discoverDescriptors(ch *Characteristic, svc *Service) error {
	start := ch.ValueHandle + 1
	if start > ch.EndHandle {
		return nil
	}

	for start <= ch.EndHandle {
		req := make([]byte, 5)
		req[0] = opFindInformationReq
		binary.LittleEndian.PutUint16(req[1:3], start)
		binary.LittleEndian.PutUint16(req[3:5], ch.EndHandle)

		rsp, err := c.sendRequest(req)
		if err != nil {
			var ae *AttError
			if asAttError(err, &ae) && ae.Code == AttErrAttributeNotFound {
				break
			}
			return err
		}

		entries, err := decodeFindInformationRsp(rsp)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			ch.Descriptors = append(ch.Descriptors, &Descriptor{Handle: e.handle, Type: e.uuid})
		}

		last := entries[len(entries)-1].handle
		if last >= ch.EndHandle {
			break
		}
		start = last + 1
	}
	return nil
}

// Read reads a characteristic or descriptor value by handle, transparently
// following up with Read-Blob-Request whenever a response is exactly
// MTU-1 bytes (indicating truncation).
func (c *Client) Read(handle uint16) ([]byte, error) {
	req := []byte{opReadReq, byte(handle), byte(handle >> 8)}
	rsp, err := c.sendRequest(req)
	if err != nil {
		return nil, err
	}
	if len(rsp) < 1 {
		return nil, fmt.Errorf("gatt: short READ_RSP")
	}
	value := append([]byte(nil), rsp[1:]...)

	last := len(value)
	for last+1 == c.ch.MTU() {
		more, err := c.readBlob(handle, uint16(len(value)))
		if err != nil {
			return nil, err
		}
		if len(more) == 0 {
			break
		}
		value = append(value, more...)
		last = len(more)
	}
	return value, nil
}

func (c *Client) readBlob(handle, offset uint16) ([]byte, error) {
	req := make([]byte, 5)
	req[0] = opReadBlobReq
	binary.LittleEndian.PutUint16(req[1:3], handle)
	binary.LittleEndian.PutUint16(req[3:5], offset)

	rsp, err := c.sendRequest(req)
	if err != nil {
		return nil, err
	}
	if len(rsp) < 1 {
		return nil, fmt.Errorf("gatt: short READ_BLOB_RSP")
	}
	return rsp[1:], nil
}

// Write writes a characteristic's value. A characteristic with the Write
// property uses a confirmed Write-Request; one with only
// WriteWithoutResponse silently downgrades to an unconfirmed Write-Command
// and returns nil without awaiting a reply. Values larger than MTU-3
// bytes use Prepare/Execute-Write.
func (c *Client) Write(ch *Characteristic, value []byte) error {
	if len(value) > c.ch.MTU()-3 {
		return c.writeLong(ch, value)
	}

	if ch.Properties.Has(PropWrite) {
		req := make([]byte, 3+len(value))
		req[0] = opWriteReq
		binary.LittleEndian.PutUint16(req[1:3], ch.ValueHandle)
		copy(req[3:], value)
		_, err := c.sendRequest(req)
		return err
	}

	if ch.Properties.Has(PropWriteWithoutResponse) {
		req := make([]byte, 3+len(value))
		req[0] = opWriteCmd
		binary.LittleEndian.PutUint16(req[1:3], ch.ValueHandle)
		copy(req[3:], value)
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		if err := c.ch.Send(req); err != nil {
			c.markBroken()
			return err
		}
		return nil
	}

	return fmt.Errorf("gatt: characteristic %s has neither Write nor WriteWithoutResponse", ch.ValueType)
}

func (c *Client) writeLong(ch *Characteristic, value []byte) error {
	chunkSize := c.ch.MTU() - 5
	if chunkSize <= 0 {
		return fmt.Errorf("gatt: MTU too small for long write")
	}

	for off := 0; off < len(value); off += chunkSize {
		end := off + chunkSize
		if end > len(value) {
			end = len(value)
		}
		req := make([]byte, 5+(end-off))
		req[0] = opPrepareWriteReq
		binary.LittleEndian.PutUint16(req[1:3], ch.ValueHandle)
		binary.LittleEndian.PutUint16(req[3:5], uint16(off))
		copy(req[5:], value[off:end])
		if _, err := c.sendRequest(req); err != nil {
			return err
		}
	}

	exec := []byte{opExecuteWriteReq, 0x01}
	_, err := c.sendRequest(exec)
	return err
}

// ConfigNotificationIndication writes the characteristic's CCCD. It
// returns per-bit effective results: a characteristic lacking the Notify
// property cannot enable notify (returns false for that bit) even when
// the underlying write succeeded.
func (c *Client) ConfigNotificationIndication(ch *Characteristic, enableNotify, enableIndicate bool) (notifyOK, indicateOK bool, err error) {
	cccd := ch.CCCD()
	if cccd == nil {
		return false, false, fmt.Errorf("gatt: characteristic %s has no CCCD", ch.ValueType)
	}

	effectiveNotify := enableNotify && ch.Properties.Has(PropNotify)
	effectiveIndicate := enableIndicate && ch.Properties.Has(PropIndicate)

	value := EncodeCCCD(effectiveNotify, effectiveIndicate)
	req := make([]byte, 3, 5)
	req[0] = opWriteReq
	binary.LittleEndian.PutUint16(req[1:3], cccd.Handle)
	req = append(req, value...)

	if _, err := c.sendRequest(req); err != nil {
		return false, false, err
	}
	cccd.Value = value
	return effectiveNotify, effectiveIndicate, nil
}

// ReadGenericAccess reads the Device Name (0x2A00) and Appearance (0x2A01)
// characteristics from the Generic Access service (0x1800), if present.
func (c *Client) ReadGenericAccess() (name string, appearance uint16, ok bool, err error) {
	services, derr := c.DiscoverPrimaryServices()
	if derr != nil {
		return "", 0, false, derr
	}

	var gap *Service
	for _, s := range services {
		if s.IsGenericAccess() {
			gap = s
			break
		}
	}
	if gap == nil {
		return "", 0, false, nil
	}

	nameUUID := eir.NewUUID16(uuidDeviceNameChar)
	appearanceUUID := eir.NewUUID16(uuidAppearanceChar)

	for _, ch := range gap.Characteristics {
		switch {
		case ch.ValueType.Equal(nameUUID):
			raw, err := c.Read(ch.ValueHandle)
			if err != nil {
				return "", 0, false, err
			}
			name = string(raw)
		case ch.ValueType.Equal(appearanceUUID):
			raw, err := c.Read(ch.ValueHandle)
			if err != nil {
				return "", 0, false, err
			}
			if len(raw) >= 2 {
				appearance = binary.LittleEndian.Uint16(raw)
			}
		}
	}
	return name, appearance, true, nil
}
