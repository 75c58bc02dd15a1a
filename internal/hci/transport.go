package hci

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/dbthost/internal/groutine"
)

// frameConn is the byte-oriented transport the reader/writer loops drive;
// abstracted so tests can supply an in-memory pipe instead of a real raw
// HCI socket.
type frameConn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadDeadline(t time.Time) error
}

// StatusError wraps a non-success HCI status code, surfaced verbatim to the
// caller.
type StatusError struct {
	Opcode uint16
	Status byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hci: opcode=0x%04x status=0x%02x", e.Opcode, e.Status)
}

// TimeoutError reports that no Command_Complete/Command_Status arrived
// within the configured window.
type TimeoutError struct {
	Opcode uint16
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("hci: timeout waiting for reply to opcode=0x%04x", e.Opcode)
}

// ConnectionCompleteHandler is invoked from the reader goroutine on every
// LE_Connection_Complete sub-event.
type ConnectionCompleteHandler func(*LEConnectionComplete)

// DisconnectionHandler is invoked from the reader goroutine on
// Disconnection_Complete.
type DisconnectionHandler func(*DisconnectionComplete)

// AdvertisingReportHandler receives the raw per-report fields out of an
// LE_Advertising_Report / LE_Extended_Advertising_Report event; C1 decodes
// adData into an EIRReport.
type AdvertisingReportHandler func(addr [6]byte, addrType byte, rssi int8, adData []byte)

// Transport is one HCI user-channel socket, owned by a single adapter.
type Transport struct {
	conn   frameConn
	logger *logrus.Logger
	index  uint16

	writeMu sync.Mutex
	replyCh chan *EventFrame

	OnConnectionComplete ConnectionCompleteHandler
	OnDisconnection      DisconnectionHandler
	OnAdvertisingReport  AdvertisingReportHandler

	readerTimeout time.Duration
	cmdTimeout    time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Open starts the reader loop over conn (or, when nil, a real raw HCI
// socket bound to the given adapter index).
func Open(ctx context.Context, index uint16, logger *logrus.Logger, conn frameConn, readerTimeout, cmdTimeout time.Duration) (*Transport, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if conn == nil {
		sc, err := openUserChannel(index)
		if err != nil {
			return nil, err
		}
		conn = sc
	}
	if readerTimeout <= 0 {
		readerTimeout = 10 * time.Second
	}
	if cmdTimeout <= 0 {
		cmdTimeout = 3 * time.Second
	}

	t := &Transport{
		conn:          conn,
		logger:        logger,
		index:         index,
		replyCh:       make(chan *EventFrame, 1),
		readerTimeout: readerTimeout,
		cmdTimeout:    cmdTimeout,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	groutine.Go(ctx, groutine.RoleHCIReader.Named(index), t.readLoop)
	return t, nil
}

// Close stops the reader loop and releases the socket.
func (t *Transport) Close() error {
	t.stopOnce.Do(func() {
		close(t.stopCh)
		_ = t.conn.Close()
		<-t.doneCh
	})
	return nil
}

func (t *Transport) readLoop(ctx context.Context) {
	defer close(t.doneCh)

	scratch := make([]byte, 1+2+1+255)
	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		_ = t.conn.SetReadDeadline(time.Now().Add(t.readerTimeout))
		n, err := t.conn.Read(scratch)
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
			}
			if isTimeout(err) {
				continue
			}
			t.logger.WithError(err).Warn("hci: reader loop read error")
			continue
		}

		ev, err := DecodeEvent(scratch[:n])
		if err != nil {
			t.logger.WithError(err).Warn("hci: discarding malformed event")
			continue
		}
		t.dispatch(ev)
	}
}

func (t *Transport) dispatch(ev *EventFrame) {
	switch ev.Code {
	case EvtCommandComplete, EvtCommandStatus:
		t.postReply(ev)
	case EvtDisconnectionComplete:
		dc, err := DecodeDisconnectionComplete(ev.Params)
		if err != nil {
			t.logger.WithError(err).Warn("hci: malformed Disconnection_Complete")
			return
		}
		if t.OnDisconnection != nil {
			t.safeInvoke(func() { t.OnDisconnection(dc) })
		}
	case EvtLEMeta:
		t.dispatchLEMeta(ev.Params)
	}
}

// postReply hands a reply to whichever sendCommand is currently waiting,
// replacing any stale unclaimed reply rather than blocking the reader.
func (t *Transport) postReply(ev *EventFrame) {
	select {
	case t.replyCh <- ev:
		return
	default:
	}
	select {
	case <-t.replyCh:
	default:
	}
	select {
	case t.replyCh <- ev:
	default:
	}
}

func (t *Transport) dispatchLEMeta(params []byte) {
	if len(params) < 1 {
		return
	}
	sub := params[0]
	body := params[1:]
	switch sub {
	case SubEvtLEConnectionComplete:
		cc, err := DecodeLEConnectionComplete(body)
		if err != nil {
			t.logger.WithError(err).Warn("hci: malformed LE_Connection_Complete")
			return
		}
		if t.OnConnectionComplete != nil {
			t.safeInvoke(func() { t.OnConnectionComplete(cc) })
		}
	case SubEvtLEAdvertisingReport, SubEvtLEExtendedAdvertisingReport:
		t.dispatchAdvertisingReports(sub, body)
	}
}

func (t *Transport) safeInvoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.WithField("panic", r).Error("hci: event handler panicked")
		}
	}()
	fn()
}

func (t *Transport) sendCommand(cmd *CommandFrame) (*EventFrame, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	// Drain any stale reply left over from a previous timed-out command.
	select {
	case <-t.replyCh:
	default:
	}

	if _, err := t.conn.Write(cmd.Encode()); err != nil {
		return nil, fmt.Errorf("hci: write: %w", err)
	}

	select {
	case ev := <-t.replyCh:
		return ev, nil
	case <-time.After(t.cmdTimeout):
		return nil, &TimeoutError{Opcode: cmd.Opcode}
	}
}

// statusAndOpcode extracts the answered opcode and status byte from either
// reply event shape.
func statusAndOpcode(ev *EventFrame) (uint16, byte, error) {
	switch ev.Code {
	case EvtCommandComplete:
		op, rest, err := CommandCompletePayload(ev)
		if err != nil {
			return 0, 0, err
		}
		if len(rest) < 1 {
			return op, 0, fmt.Errorf("hci: Command_Complete missing status byte")
		}
		return op, rest[0], nil
	case EvtCommandStatus:
		status, op, err := CommandStatusPayload(ev)
		return op, status, err
	default:
		return 0, 0, fmt.Errorf("hci: not a reply event")
	}
}
