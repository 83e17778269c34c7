// Package session binds a serial operation queue and the error
// taxonomy to one BLE peripheral connection's lifecycle. Application
// calls become queued operations; raw driver callbacks become
// classified completions on the correct queue entry.
package session

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/bleq/internal/ringchan"
	"github.com/srg/bleq/pkg/queue"
)

// State represents the connection lifecycle of a PeripheralSession.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
)

// Options configures a PeripheralSession.
type Options struct {
	// ConnectTimeout bounds the connect operation. Zero means no bound
	// beyond the driver's own.
	ConnectTimeout time.Duration
	// OperationTimeout bounds each characteristic operation. Zero
	// means unbounded.
	OperationTimeout time.Duration
	// NotificationBuffer is the per-subscription ring buffer capacity.
	NotificationBuffer int
}

// DefaultOptions returns the default session options.
func DefaultOptions() *Options {
	return &Options{
		ConnectTimeout:     30 * time.Second,
		OperationTimeout:   10 * time.Second,
		NotificationBuffer: 128,
	}
}

type subscription struct {
	key    string
	values *ringchan.RingChannel[[]byte]
	// done is closed when the delivery goroutine exits; teardown
	// waits on it per subscription.
	done chan struct{}
}

// PeripheralSession is the façade consumed by application code. It owns
// one operation queue (its serial execution context) and holds a
// non-owning reference to the external driver; the driver owns the
// peripheral hardware lifetime.
type PeripheralSession struct {
	peripheral string
	driver     Driver
	opts       Options
	logger     *logrus.Logger
	queue      *queue.Queue

	stateMu sync.RWMutex
	state   State

	subMu sync.Mutex
	subs  map[string]*subscription

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a session for one peripheral. The session starts in
// StateDisconnected and is reusable across connect/disconnect cycles
// until Close.
func New(peripheralID string, drv Driver, opts *Options, logger *logrus.Logger) *PeripheralSession {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	s := &PeripheralSession{
		peripheral: peripheralID,
		driver:     drv,
		opts:       *opts,
		logger:     logger,
		queue:      queue.New(logger, queue.WithCancelError(ErrCanceled)),
		state:      StateDisconnected,
		subs:       make(map[string]*subscription),
		closed:     make(chan struct{}),
	}
	go s.pumpEvents()
	return s
}

// Peripheral returns the peripheral identity this session is bound to.
func (s *PeripheralSession) Peripheral() string { return s.peripheral }

// State returns the current connection state.
func (s *PeripheralSession) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *PeripheralSession) setState(st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

// Connect begins connecting to the peripheral. Valid only from
// StateDisconnected; any other state fails synchronously with
// KindInvalidCall, without enqueueing.
func (s *PeripheralSession) Connect() *queue.Handle {
	s.stateMu.Lock()
	if s.isClosed() {
		s.stateMu.Unlock()
		return s.queue.Failed(&Error{Kind: KindInvalidCall, Msg: "session closed"})
	}
	if s.state != StateDisconnected {
		st := s.state
		s.stateMu.Unlock()
		return s.queue.Failed(&Error{Kind: KindInvalidCall, Msg: fmt.Sprintf("connect not allowed in state %q", st)})
	}
	s.state = StateConnecting
	s.stateMu.Unlock()

	s.logger.WithField("peripheral", s.peripheral).Info("Connecting to peripheral...")

	h := s.queue.Enqueue(func(ctx context.Context, complete queue.CompleteFunc) {
		cctx, cancel := s.boundedContext(ctx, s.opts.ConnectTimeout)
		s.driver.SubmitConnect(cctx, func(err error) {
			cancel()
			complete(nil, classified(err))
		})
	})
	h.OnComplete(func(r queue.Result) {
		if r.Err != nil {
			s.logger.WithFields(logrus.Fields{
				"peripheral": s.peripheral,
				"error":      r.Err,
			}).Warn("Connect failed")
			s.setState(StateDisconnected)
			s.queue.DrainPending(&Error{Kind: KindDisconnected, Msg: "peripheral connect failed"})
			return
		}
		s.setState(StateConnected)
		s.logger.WithField("peripheral", s.peripheral).Info("Peripheral connected")
	})
	return h
}

// Disconnect tears the link down. Valid from StateConnecting or
// StateConnected; pending (not-yet-started) operations fail with
// KindCanceled, the in-flight operation completes via its own callback
// path, then the disconnect operation runs.
func (s *PeripheralSession) Disconnect() *queue.Handle {
	s.stateMu.Lock()
	if s.isClosed() {
		s.stateMu.Unlock()
		return s.queue.Failed(&Error{Kind: KindInvalidCall, Msg: "session closed"})
	}
	if s.state != StateConnecting && s.state != StateConnected {
		st := s.state
		s.stateMu.Unlock()
		return s.queue.Failed(&Error{Kind: KindInvalidCall, Msg: fmt.Sprintf("disconnect not allowed in state %q", st)})
	}
	s.state = StateDisconnecting
	s.stateMu.Unlock()

	s.logger.WithField("peripheral", s.peripheral).Info("Disconnecting from peripheral...")
	s.queue.DrainPending(&Error{Kind: KindCanceled, Msg: "disconnect requested"})

	h := s.queue.Enqueue(func(ctx context.Context, complete queue.CompleteFunc) {
		s.driver.SubmitDisconnect(ctx, func(err error) {
			complete(nil, classified(err))
		})
	})
	h.OnComplete(func(r queue.Result) {
		// The link state is unknown after a failed disconnect; treat
		// the session as disconnected either way.
		s.setState(StateDisconnected)
		s.teardownSubscriptions()
		if r.Err != nil {
			s.logger.WithFields(logrus.Fields{
				"peripheral": s.peripheral,
				"error":      r.Err,
			}).Warn("Peripheral disconnected with errors")
			return
		}
		s.logger.WithField("peripheral", s.peripheral).Info("Peripheral disconnected")
	})
	return h
}

// Read reads the value of a characteristic. Valid only when connected.
func (s *PeripheralSession) Read(service, characteristic string) *queue.Handle {
	if err := s.requireConnected("read"); err != nil {
		return s.queue.Failed(err)
	}
	if err := validateUUIDs(service, characteristic); err != nil {
		return s.queue.Failed(err)
	}
	return s.enqueueCharacteristic(CharacteristicOp{
		Type:           OpRead,
		Service:        service,
		Characteristic: characteristic,
	})
}

// Write writes data to a characteristic. Valid only when connected;
// data must be non-nil.
func (s *PeripheralSession) Write(service, characteristic string, data []byte, withResponse bool) *queue.Handle {
	if err := s.requireConnected("write"); err != nil {
		return s.queue.Failed(err)
	}
	if err := validateUUIDs(service, characteristic); err != nil {
		return s.queue.Failed(err)
	}
	if data == nil {
		return s.queue.Failed(&Error{Kind: KindInvalidParameters, Msg: "write requires a payload"})
	}
	return s.enqueueCharacteristic(CharacteristicOp{
		Type:           OpWrite,
		Service:        service,
		Characteristic: characteristic,
		Value:          data,
		WithResponse:   withResponse,
	})
}

// Subscribe registers notify for characteristic notifications and asks
// the driver to enable them. Valid only when connected. Notifications
// are delivered to notify on a dedicated goroutine through a bounded
// overwrite-oldest buffer, so a slow consumer drops old values instead
// of stalling the serial context.
func (s *PeripheralSession) Subscribe(service, characteristic string, notify func(data []byte)) *queue.Handle {
	if err := s.requireConnected("subscribe"); err != nil {
		return s.queue.Failed(err)
	}
	if err := validateUUIDs(service, characteristic); err != nil {
		return s.queue.Failed(err)
	}
	if notify == nil {
		return s.queue.Failed(&Error{Kind: KindInvalidParameters, Msg: "subscribe requires a notification callback"})
	}

	key := subscriptionKey(service, characteristic)
	sub := &subscription{
		key:    key,
		values: ringchan.New[[]byte](s.opts.NotificationBuffer),
		done:   make(chan struct{}),
	}

	s.subMu.Lock()
	if _, exists := s.subs[key]; exists {
		s.subMu.Unlock()
		return s.queue.Failed(&Error{Kind: KindInvalidCall, Msg: fmt.Sprintf("already subscribed to %s", key)})
	}
	s.subs[key] = sub
	s.subMu.Unlock()

	go func() {
		defer close(sub.done)
		for data := range sub.values.C() {
			notify(data)
		}
	}()

	h := s.enqueueCharacteristic(CharacteristicOp{
		Type:           OpSubscribe,
		Service:        service,
		Characteristic: characteristic,
		Notify: func(data []byte) {
			// Copy: the driver may reuse the buffer after we return.
			sub.values.Send(append([]byte(nil), data...))
		},
	})
	h.OnComplete(func(r queue.Result) {
		if r.Err != nil {
			s.removeSubscription(key)
		}
	})
	return h
}

// Unsubscribe disables notifications for a characteristic previously
// passed to Subscribe.
func (s *PeripheralSession) Unsubscribe(service, characteristic string) *queue.Handle {
	if err := s.requireConnected("unsubscribe"); err != nil {
		return s.queue.Failed(err)
	}
	if err := validateUUIDs(service, characteristic); err != nil {
		return s.queue.Failed(err)
	}

	key := subscriptionKey(service, characteristic)
	h := s.enqueueCharacteristic(CharacteristicOp{
		Type:           OpUnsubscribe,
		Service:        service,
		Characteristic: characteristic,
	})
	h.OnComplete(func(queue.Result) {
		// Local delivery stops regardless of what the radio reported.
		s.removeSubscription(key)
	})
	return h
}

// ReadRSSI reads the current signal strength. The handle's result
// value holds the varint-encoded RSSI; decode it with DecodeRSSI.
func (s *PeripheralSession) ReadRSSI() *queue.Handle {
	if err := s.requireConnected("read RSSI"); err != nil {
		return s.queue.Failed(err)
	}
	return s.queue.Enqueue(func(ctx context.Context, complete queue.CompleteFunc) {
		octx, cancel := s.boundedContext(ctx, s.opts.OperationTimeout)
		s.driver.SubmitReadRSSI(octx, func(rssi int, err error) {
			cancel()
			if err != nil {
				complete(nil, classified(err))
				return
			}
			complete(binary.AppendVarint(nil, int64(rssi)), nil)
		})
	})
}

// DecodeRSSI decodes the result value of a ReadRSSI operation.
func DecodeRSSI(value []byte) (int, error) {
	rssi, n := binary.Varint(value)
	if n <= 0 {
		return 0, &Error{Kind: KindInvalidParameters, Msg: "malformed RSSI value"}
	}
	return int(rssi), nil
}

// Close permanently tears the session down: all remaining operations
// fail with KindCanceled and the serial context stops. The session is
// not reusable after Close. Must not be called from a completion
// callback.
func (s *PeripheralSession) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.setState(StateDisconnected)
		s.queue.Close()
		s.teardownSubscriptions()
		s.logger.WithField("peripheral", s.peripheral).Debug("Session closed")
	})
}

// pumpEvents reposts unsolicited driver events onto the serial context,
// preserving the at-most-one-in-flight invariant even when the driver
// delivers callbacks from its own threads.
func (s *PeripheralSession) pumpEvents() {
	events := s.driver.Events()
	for {
		select {
		case <-s.closed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == EventDisconnected {
				s.handleUnexpectedDisconnect(ev.Reason)
			}
		}
	}
}

// handleUnexpectedDisconnect drives the session to StateDisconnected
// and fails all remaining operations, including the in-flight one: the
// link is gone and no further driver callback for it will arrive.
func (s *PeripheralSession) handleUnexpectedDisconnect(reason error) {
	s.stateMu.Lock()
	prev := s.state
	s.state = StateDisconnected
	s.stateMu.Unlock()
	if prev == StateDisconnected {
		return
	}

	msg := "peripheral disconnected"
	if reason != nil {
		msg = fmt.Sprintf("peripheral disconnected: %v", reason)
	}
	s.logger.WithFields(logrus.Fields{
		"peripheral": s.peripheral,
		"state":      prev,
		"reason":     reason,
	}).Warn("Unsolicited disconnect")

	s.queue.DrainAll(&Error{Kind: KindDisconnected, Msg: msg})
	s.teardownSubscriptions()
}

func (s *PeripheralSession) enqueueCharacteristic(op CharacteristicOp) *queue.Handle {
	return s.queue.Enqueue(func(ctx context.Context, complete queue.CompleteFunc) {
		octx, cancel := s.boundedContext(ctx, s.opts.OperationTimeout)
		s.logger.WithFields(logrus.Fields{
			"peripheral":     s.peripheral,
			"op":             op.Type.String(),
			"service":        op.Service,
			"characteristic": op.Characteristic,
		}).Debug("Submitting characteristic operation")
		s.driver.SubmitCharacteristic(octx, op, func(value []byte, err error) {
			cancel()
			complete(value, classified(err))
		})
	})
}

// requireConnected fails connected-only requests made in any other
// state, before they ever touch the queue.
func (s *PeripheralSession) requireConnected(what string) *Error {
	s.stateMu.RLock()
	st := s.state
	closed := s.isClosed()
	s.stateMu.RUnlock()
	if closed {
		return &Error{Kind: KindInvalidCall, Msg: fmt.Sprintf("%s not allowed: session closed", what)}
	}
	if st != StateConnected {
		return &Error{Kind: KindInvalidCall, Msg: fmt.Sprintf("%s not allowed in state %q", what, st)}
	}
	return nil
}

// isClosed reports whether Close has run. Callers hold stateMu so the
// check orders against Close's state reset.
func (s *PeripheralSession) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *PeripheralSession) boundedContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, timeout)
}

func (s *PeripheralSession) removeSubscription(key string) {
	s.subMu.Lock()
	sub, ok := s.subs[key]
	if ok {
		delete(s.subs, key)
	}
	s.subMu.Unlock()
	if ok {
		sub.values.Close()
	}
}

// teardownSubscriptions closes all notification buffers and waits for
// the delivery goroutines to exit.
func (s *PeripheralSession) teardownSubscriptions() {
	s.subMu.Lock()
	subs := s.subs
	s.subs = make(map[string]*subscription)
	s.subMu.Unlock()

	for _, sub := range subs {
		sub.values.Close()
	}
	for _, sub := range subs {
		<-sub.done
	}
}

func subscriptionKey(service, characteristic string) string {
	return normalizeUUID(service) + "/" + normalizeUUID(characteristic)
}

// normalizeUUID converts a UUID string to lowercase without dashes, the
// format the BLE library uses internally.
func normalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}

func validateUUIDs(service, characteristic string) *Error {
	if strings.TrimSpace(service) == "" {
		return &Error{Kind: KindInvalidParameters, Msg: "service UUID is not set"}
	}
	if strings.TrimSpace(characteristic) == "" {
		return &Error{Kind: KindInvalidParameters, Msg: "characteristic UUID is not set"}
	}
	return nil
}
