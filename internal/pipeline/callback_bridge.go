package pipeline

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ListenerHandle is an opaque reference to the registered notification target
type ListenerHandle struct {
	id      string
	target  Listener
	release func()
	once    sync.Once
}

// NewListenerHandle wraps target; release (optional) runs once when the
// handle is replaced, cleared or the bridge is closed.
func NewListenerHandle(target Listener, release func()) *ListenerHandle {
	return &ListenerHandle{
		id:      uuid.NewString(),
		target:  target,
		release: release,
	}
}

// ID returns the handle identifier
func (h *ListenerHandle) ID() string {
	return h.id
}

func (h *ListenerHandle) resolve() (Listener, error) {
	if h.target == nil {
		return nil, errors.New("listener target unresolved")
	}
	return h.target, nil
}

func (h *ListenerHandle) drop() {
	h.once.Do(func() {
		if h.release != nil {
			h.release()
		}
	})
}

// ThreadAttacher pins the calling goroutine to its OS thread for the duration
// of a delivery, which cgo-hosted listeners require.
type ThreadAttacher struct{}

func (ThreadAttacher) Attach() (func(), error) {
	runtime.LockOSThread()
	return runtime.UnlockOSThread, nil
}

// CallbackBridge delivers serialized results to the registered listener.
// Delivery is best-effort: failures are logged and dropped.
type CallbackBridge struct {
	handle   atomic.Pointer[ListenerHandle]
	attacher ContextAttacher
	logger   *zap.Logger

	delivered atomic.Uint64
	failed    atomic.Uint64
}

// NewCallbackBridge creates a bridge using attacher to enter the host context.
// A nil attacher means the caller is already in a valid context.
func NewCallbackBridge(attacher ContextAttacher, logger *zap.Logger) *CallbackBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CallbackBridge{
		attacher: attacher,
		logger:   logger.Named("bridge"),
	}
}

// RegisterListener replaces the current listener and releases the previous one.
// A nil handle clears the listener.
func (b *CallbackBridge) RegisterListener(h *ListenerHandle) {
	prev := b.handle.Swap(h)
	if prev != nil && prev != h {
		prev.drop()
	}
	if h != nil {
		b.logger.Debug("listener registered", zap.String("listener_id", h.id))
	} else {
		b.logger.Debug("listener cleared")
	}
}

// HasListener reports whether a listener is registered
func (b *CallbackBridge) HasListener() bool {
	return b.handle.Load() != nil
}

// Notify attempts delivery of payload to the current listener and reports
// whether it arrived. It never returns an error to the caller.
func (b *CallbackBridge) Notify(payload string) bool {
	h := b.handle.Load()
	if h == nil {
		return false
	}

	if err := b.deliver(h, payload); err != nil {
		b.failed.Add(1)
		b.logger.Debug("notification dropped", zap.Error(err))
		return false
	}
	b.delivered.Add(1)
	return true
}

func (b *CallbackBridge) deliver(h *ListenerHandle, payload string) (err error) {
	if b.attacher != nil {
		detach, aerr := b.attacher.Attach()
		if aerr != nil {
			return &ListenerDeliveryError{ListenerID: h.id, Err: fmt.Errorf("attach: %w", aerr)}
		}
		defer detach()
	}

	defer func() {
		if r := recover(); r != nil {
			err = &ListenerDeliveryError{ListenerID: h.id, Err: fmt.Errorf("listener panic: %v", r)}
		}
	}()

	target, rerr := h.resolve()
	if rerr != nil {
		return &ListenerDeliveryError{ListenerID: h.id, Err: rerr}
	}
	if derr := target.OnDetections(payload); derr != nil {
		return &ListenerDeliveryError{ListenerID: h.id, Err: derr}
	}
	return nil
}

// Counts returns delivered and failed notification totals
func (b *CallbackBridge) Counts() (delivered, failed uint64) {
	return b.delivered.Load(), b.failed.Load()
}

// Close releases the registered listener. Safe to call more than once.
func (b *CallbackBridge) Close() {
	if prev := b.handle.Swap(nil); prev != nil {
		prev.drop()
	}
}
