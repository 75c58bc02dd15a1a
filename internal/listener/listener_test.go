package listener

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func newTestLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestAdapterStatusRegistry_FanOut(t *testing.T) {
	reg := NewAdapterStatusRegistry(newTestLogger())

	var calls []string
	reg.Add(&AdapterStatusFuncs{
		OnDeviceFound: func(dev interface{}, ts time.Time) { calls = append(calls, "first") },
	})
	reg.Add(&AdapterStatusFuncs{
		OnDeviceFound: func(dev interface{}, ts time.Time) { calls = append(calls, "second") },
	})

	reg.FireDeviceFound("dev", time.Now())
	assert.Equal(t, []string{"first", "second"}, calls)
}

func TestAdapterStatusRegistry_PanicIsContained(t *testing.T) {
	reg := NewAdapterStatusRegistry(newTestLogger())

	reg.Add(&AdapterStatusFuncs{
		OnDeviceFound: func(dev interface{}, ts time.Time) { panic("boom") },
	})

	followUpCalled := false
	reg.Add(&AdapterStatusFuncs{
		OnDeviceFound: func(dev interface{}, ts time.Time) { followUpCalled = true },
	})

	assert.NotPanics(t, func() { reg.FireDeviceFound("dev", time.Now()) })
	assert.True(t, followUpCalled)
}

func TestAdapterStatusRegistry_Remove(t *testing.T) {
	reg := NewAdapterStatusRegistry(newTestLogger())

	calls := 0
	l := &AdapterStatusFuncs{OnDiscoveringChanged: func(enabled, keepAlive bool, ts time.Time) { calls++ }}
	reg.Add(l)
	reg.FireDiscoveringChanged(true, false, time.Now())
	reg.Remove(l)
	reg.FireDiscoveringChanged(true, false, time.Now())

	assert.Equal(t, 1, calls)
}

type recordingCharListener struct {
	notifications [][]byte
}

func (r *recordingCharListener) NotificationReceived(charRef interface{}, value []byte, ts time.Time) {
	r.notifications = append(r.notifications, value)
}
func (r *recordingCharListener) IndicationReceived(charRef interface{}, value []byte, ts time.Time, confirmationSent bool) {
}

func TestCharacteristicRegistry_KeyedByHandle(t *testing.T) {
	reg := NewCharacteristicRegistry(newTestLogger())

	l1 := &recordingCharListener{}
	l2 := &recordingCharListener{}
	reg.Add(0x0010, l1)
	reg.Add(0x0020, l2)

	reg.FireNotification(0x0010, nil, []byte{0x01}, time.Now())

	assert.Equal(t, [][]byte{{0x01}}, l1.notifications)
	assert.Empty(t, l2.notifications)
}

func TestCharacteristicRegistry_OrderingPreserved(t *testing.T) {
	reg := NewCharacteristicRegistry(newTestLogger())

	l := &recordingCharListener{}
	reg.Add(0x0010, l)

	reg.FireNotification(0x0010, nil, []byte{1}, time.Now())
	reg.FireNotification(0x0010, nil, []byte{2}, time.Now())

	assert.Equal(t, [][]byte{{1}, {2}}, l.notifications)
}
