package session

import "context"

// OpType enumerates the characteristic operations a session can submit
// to the driver.
type OpType int

const (
	OpRead OpType = iota
	OpWrite
	OpSubscribe
	OpUnsubscribe
)

func (t OpType) String() string {
	switch t {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpSubscribe:
		return "subscribe"
	case OpUnsubscribe:
		return "unsubscribe"
	default:
		return "unknown"
	}
}

// CharacteristicOp describes one read, write, subscribe or unsubscribe
// request against a characteristic.
type CharacteristicOp struct {
	Type           OpType
	Service        string
	Characteristic string

	// Value is the write payload; nil for other operation types.
	Value []byte
	// WithResponse selects acknowledged writes.
	WithResponse bool
	// Notify receives notification payloads for OpSubscribe. It may be
	// invoked from arbitrary driver goroutines and must not block.
	Notify func(data []byte)
}

// EventType identifies an unsolicited driver notification.
type EventType int

const (
	// EventDisconnected reports that the link dropped outside of any
	// requested disconnect.
	EventDisconnected EventType = iota
)

// Event is an unsolicited notification from the driver, delivered
// asynchronously at any time regardless of in-flight operations.
type Event struct {
	Type   EventType
	Reason error
}

// Driver is the capability the core depends on: the platform BLE stack
// that performs actual radio I/O for one peripheral. Submit methods
// initiate an asynchronous request and return immediately; the outcome
// arrives via done, which may be called from any goroutine. ctx is
// canceled when the session abandons the request, for drivers that
// support mid-flight cancellation.
type Driver interface {
	SubmitConnect(ctx context.Context, done func(err error))
	SubmitDisconnect(ctx context.Context, done func(err error))
	SubmitCharacteristic(ctx context.Context, op CharacteristicOp, done func(value []byte, err error))
	SubmitReadRSSI(ctx context.Context, done func(rssi int, err error))

	// Events returns the stream of unsolicited notifications. The
	// channel is owned by the driver and closed when the driver shuts
	// down.
	Events() <-chan Event
}
