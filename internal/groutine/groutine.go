package groutine

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"runtime/pprof"
	"strconv"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Role identifies which of the host stack's long-lived reader/worker
// goroutines a given Go call started, so pprof labeling and log fields
// stay consistent no matter which transport layer launched it.
type Role string

const (
	// RoleMgmtReader is the MGMT control channel's single reader loop.
	RoleMgmtReader Role = "mgmt-reader"
	// RoleHCIReader is a raw HCI socket's reader loop, one per adapter.
	RoleHCIReader Role = "hci-reader"
	// RoleAdapterWorker runs an adapter's keepAlive discovery restarts off
	// of MGMT/HCI event callbacks.
	RoleAdapterWorker Role = "adapter-worker"
	// RoleGATTRecv is a connected device's single ATT receive loop,
	// demultiplexing replies, notifications, and indications.
	RoleGATTRecv Role = "gatt-recv"
)

// Named renders a Role with its instance discriminator (an adapter or
// device index) the way HCI and adapter goroutines are labeled per index.
func (r Role) Named(index uint16) string {
	return fmt.Sprintf("%s-%d", r, index)
}

// Go starts a goroutine with a name, optional parent context
// Example usage:
//
//	groutine.Go(ctx, string(groutine.RoleGATTRecv), c.recvLoop)
//
// If parentCtx is nil, context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, goroutineNameKey, name)
		fn(ctx)
	})
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(goroutineNameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// GetGID returns the numeric goroutine ID (hacky, for debugging).
func GetGID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return 0
	}
	gid, _ := strconv.ParseUint(string(b[:i]), 10, 64)
	return gid
}
