package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// ErrIdleTimeout reports that the upstream stopped sending bytes for longer
// than the configured idle window while a response body was being read.
var ErrIdleTimeout = errors.New("upstream idle timeout: no bytes received within the idle window")

// idleBody wraps an upstream response body with an idle-read watchdog.
// Each successful Read re-arms the timer; if it fires, the upstream request
// context is canceled, which tears down the connection and unblocks any
// in-flight Read. The cancel func is also invoked on Close so the request's
// resources are always released.
type idleBody struct {
	rc       io.ReadCloser
	idle     time.Duration
	timer    *time.Timer
	cancel   context.CancelFunc
	timedOut atomic.Bool
	closed   sync.Once
}

// newIdleBody wraps rc. An idle duration of zero disables the watchdog but
// still ties cancel to Close.
func newIdleBody(rc io.ReadCloser, idle time.Duration, cancel context.CancelFunc) *idleBody {
	b := &idleBody{rc: rc, idle: idle, cancel: cancel}
	if idle > 0 {
		b.timer = time.AfterFunc(idle, func() {
			b.timedOut.Store(true)
			cancel()
		})
	}
	return b
}

func (b *idleBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err != nil && b.timedOut.Load() {
		// The cancellation we triggered surfaces as a context error from
		// the transport; report the real cause instead.
		if !errors.Is(err, io.EOF) {
			return n, ErrIdleTimeout
		}
	}
	if n > 0 && b.timer != nil {
		b.timer.Reset(b.idle)
	}
	return n, err
}

func (b *idleBody) Close() error {
	var err error
	b.closed.Do(func() {
		if b.timer != nil {
			b.timer.Stop()
		}
		err = b.rc.Close()
		b.cancel()
	})
	return err
}
