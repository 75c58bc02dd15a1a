package mgmt

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/dbthost/internal/groutine"
	"github.com/srg/dbthost/pkg/config"
)

// frameConn is the byte-oriented transport the reader/writer loops drive.
// Abstracted so tests can supply an in-memory pipe instead of a real
// AF_BLUETOOTH socket.
type frameConn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadDeadline(t time.Time) error
}

// ProtocolError reports a malformed inbound MGMT frame; the frame is
// discarded and the reader loop continues.
type ProtocolError struct {
	Cause error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("mgmt: protocol error: %v", e.Cause) }
func (e *ProtocolError) Unwrap() error { return e.Cause }

// TimeoutError reports that send_with_reply found no matching reply within
// its configured window. The channel remains usable.
type TimeoutError struct {
	Opcode uint16
	Index  uint16
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("mgmt: timeout waiting for reply to opcode=0x%04x index=%d", e.Opcode, e.Index)
}

// StatusError wraps a non-success MGMT status code returned for a command.
type StatusError struct {
	Opcode uint16
	Status byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("mgmt: opcode=0x%04x failed, status=0x%02x", e.Opcode, e.Status)
}

// EventCallback receives an asynchronous MGMT event. It must not call back
// into SendWithReply on the same goroutine (the reader thread): deadlock-free
// dispatch requires posting further work to the adapter's own worker instead
// of blocking here.
type EventCallback func(f *Frame)

var (
	singletonMu sync.Mutex
	singleton   *Transport
)

// Transport is the process-wide MGMT control channel. Only one instance
// exists per process because the kernel channel itself is a process-global
// resource: Open refuses a second concurrent instance.
type Transport struct {
	conn   frameConn
	logger *logrus.Logger
	cfg    *config.Env

	writeMu sync.Mutex // serializes writer-side operations

	ring *replyRing

	callbacks *hashmap.Map[string, EventCallback]

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Open establishes the singleton MGMT transport and starts its reader loop.
// conn, if non-nil, overrides the real socket (test seam); production
// callers pass nil to use the real AF_BLUETOOTH control channel.
func Open(ctx context.Context, cfg *config.Env, logger *logrus.Logger, conn frameConn) (*Transport, error) {
	singletonMu.Lock()
	defer singletonMu.Unlock()

	if singleton != nil {
		return nil, errors.New("mgmt: transport already open in this process")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if cfg == nil {
		cfg = config.DefaultEnv()
	}

	if conn == nil {
		sc, err := openControlSocket()
		if err != nil {
			return nil, err
		}
		conn = sc
	}

	t := &Transport{
		conn:      conn,
		logger:    logger,
		cfg:       cfg,
		ring:      newReplyRing(cfg.MgmtRingSize),
		callbacks: hashmap.New[string, EventCallback](),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	t.ring.onDropOldestQuarter = func(dropped int) {
		t.logger.WithField("dropped", dropped).Warn("mgmt: reply ring full, dropped oldest quarter")
	}

	groutine.Go(ctx, string(groutine.RoleMgmtReader), t.readLoop)

	singleton = t
	return t, nil
}

// Close stops the reader loop and releases the control socket, freeing the
// process to Open a new Transport.
func (t *Transport) Close() error {
	t.stopOnce.Do(func() {
		close(t.stopCh)
		_ = t.conn.Close()
		<-t.doneCh
	})

	singletonMu.Lock()
	if singleton == t {
		singleton = nil
	}
	singletonMu.Unlock()
	return nil
}

func (t *Transport) readLoop(ctx context.Context) {
	defer close(t.doneCh)

	scratch := make([]byte, 2+2+2+65535)
	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		_ = t.conn.SetReadDeadline(time.Now().Add(t.cfg.MgmtReaderTimeout))
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
			t.logger.WithError(err).Warn("mgmt: reader loop read error")
			continue
		}

		f, err := DecodeFrame(scratch[:n])
		if err != nil {
			t.logger.WithError(&ProtocolError{Cause: err}).Warn("mgmt: discarding malformed frame")
			continue
		}

		t.dispatch(f)
	}
}

func (t *Transport) dispatch(f *Frame) {
	if IsReply(f.Opcode) {
		t.ring.push(f)
		return
	}
	t.fireCallbacks(f)
}

func callbackKey(opcode uint16, devID int32) string {
	return strconv.Itoa(int(opcode)) + ":" + strconv.Itoa(int(devID))
}

func (t *Transport) fireCallbacks(f *Frame) {
	t.invokeSafely(callbackKey(f.Opcode, -1), f)
	t.invokeSafely(callbackKey(f.Opcode, int32(f.Index)), f)
}

func (t *Transport) invokeSafely(key string, f *Frame) {
	cb, ok := t.callbacks.Get(key)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.WithField("panic", r).Error("mgmt: event callback panicked")
		}
	}()
	cb(f)
}

// OnEvent registers cb for opcode events on the given adapter index; devID
// -1 subscribes to all adapters. Registering again under the same key
// replaces the previous callback.
func (t *Transport) OnEvent(opcode uint16, devID int32, cb EventCallback) {
	t.callbacks.Set(callbackKey(opcode, devID), cb)
}

// RemoveEvent unregisters a previously registered callback.
func (t *Transport) RemoveEvent(opcode uint16, devID int32) {
	t.callbacks.Del(callbackKey(opcode, devID))
}

const defaultSendRetries = 64

// SendWithReply serializes one writer-side operation: writes req, then
// blocks popping the reply ring (retrying up to defaultSendRetries times)
// until a frame matches req's opcode and index. Non-matching frames are
// discarded as stale replies to previously timed-out requests.
func (t *Transport) SendWithReply(req *Frame) (*Frame, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.conn.Write(req.Encode()); err != nil {
		return nil, fmt.Errorf("mgmt: write: %w", err)
	}

	for attempt := 0; attempt < defaultSendRetries; attempt++ {
		f, ok := t.ring.pop(t.cfg.MgmtCmdTimeout)
		if !ok {
			return nil, &TimeoutError{Opcode: req.Opcode, Index: req.Index}
		}
		if matchesReply(f, req) {
			return f, nil
		}
		// Stale reply to an earlier timed-out request; drop and keep trying.
	}
	return nil, &TimeoutError{Opcode: req.Opcode, Index: req.Index}
}

func matchesReply(f, req *Frame) bool {
	switch f.Opcode {
	case EvCmdComplete:
		op, _, _, err := CmdCompletePayload(f)
		return err == nil && op == req.Opcode && (f.Index == req.Index || req.Index == IndexNone)
	case EvCmdStatus:
		op, _, err := CmdStatusPayload(f)
		return err == nil && op == req.Opcode && (f.Index == req.Index || req.Index == IndexNone)
	default:
		return false
	}
}

// StatusOf extracts the status byte from a reply frame known to be a
// CMD_COMPLETE or CMD_STATUS for the given opcode.
func StatusOf(f *Frame) (byte, error) {
	switch f.Opcode {
	case EvCmdComplete:
		_, status, _, err := CmdCompletePayload(f)
		return status, err
	case EvCmdStatus:
		_, status, err := CmdStatusPayload(f)
		return status, err
	default:
		return 0, fmt.Errorf("mgmt: not a reply frame")
	}
}
