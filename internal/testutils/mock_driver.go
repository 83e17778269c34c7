package testutils

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/srg/bleq/pkg/session"
)

// MockCharacteristic describes one characteristic on the mock
// peripheral profile.
type MockCharacteristic struct {
	UUID       string
	Properties string // comma-separated: "read,write,write-nr,notify,indicate"
	Value      []byte
	ReadErr    error
	WriteErr   error
}

func (c *MockCharacteristic) hasProperty(p string) bool {
	for _, prop := range strings.Split(c.Properties, ",") {
		if strings.TrimSpace(prop) == p {
			return true
		}
	}
	return false
}

// MockDriver is a scripted session.Driver for suite tests. By default
// every submitted request completes immediately; Hold() switches to
// manual mode where requests stay in flight until Release, which lets
// tests observe in-flight windows, ordering and unsolicited
// disconnects against a non-empty queue.
//
// Configure the peripheral profile with the fluent builder:
//
//	drv := testutils.NewMockDriver().
//	    WithService("180D").
//	    WithCharacteristic("2A37", "notify", []byte{0, 75}).
//	    WithCharacteristic("2A39", "write", nil)
type MockDriver struct {
	mu             sync.Mutex
	holding        bool
	pending        []func()
	submitted      []string
	connectErr     error
	disconnectErr  error
	rssi           int
	services       map[string]map[string]*MockCharacteristic
	notifiers      map[string]func([]byte)
	currentService string

	events chan session.Event
}

// NewMockDriver creates a mock driver with an empty profile.
func NewMockDriver() *MockDriver {
	return &MockDriver{
		rssi:      -60,
		services:  make(map[string]map[string]*MockCharacteristic),
		notifiers: make(map[string]func([]byte)),
		events:    make(chan session.Event, 8),
	}
}

// WithService adds a service; subsequent WithCharacteristic calls
// attach to it.
func (d *MockDriver) WithService(uuid string) *MockDriver {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := normalizeUUID(uuid)
	if _, ok := d.services[key]; !ok {
		d.services[key] = make(map[string]*MockCharacteristic)
	}
	d.currentService = key
	return d
}

// WithCharacteristic adds a characteristic to the current service.
func (d *MockDriver) WithCharacteristic(uuid, properties string, value []byte) *MockDriver {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.currentService == "" {
		panic("testutils: WithCharacteristic called before WithService")
	}
	d.services[d.currentService][normalizeUUID(uuid)] = &MockCharacteristic{
		UUID:       normalizeUUID(uuid),
		Properties: properties,
		Value:      value,
	}
	return d
}

// WithConnectError makes connect attempts fail with err.
func (d *MockDriver) WithConnectError(err error) *MockDriver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectErr = err
	return d
}

// WithDisconnectError makes disconnect attempts fail with err.
func (d *MockDriver) WithDisconnectError(err error) *MockDriver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnectErr = err
	return d
}

// WithRSSI sets the RSSI reported by SubmitReadRSSI.
func (d *MockDriver) WithRSSI(rssi int) *MockDriver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rssi = rssi
	return d
}

// Hold switches the driver to manual completion: submitted requests
// stay in flight until Release or ReleaseAll.
func (d *MockDriver) Hold() *MockDriver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.holding = true
	return d
}

// Release completes the oldest held request. Reports whether one was
// pending.
func (d *MockDriver) Release() bool {
	d.mu.Lock()
	if len(d.pending) == 0 {
		d.mu.Unlock()
		return false
	}
	fn := d.pending[0]
	d.pending = d.pending[1:]
	d.mu.Unlock()
	fn()
	return true
}

// ReleaseAll completes every held request in order and returns how many
// there were.
func (d *MockDriver) ReleaseAll() int {
	n := 0
	for d.Release() {
		n++
	}
	return n
}

// Submitted returns the operations that actually reached the driver,
// in submission order.
func (d *MockDriver) Submitted() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.submitted...)
}

// InFlight reports how many held requests await Release.
func (d *MockDriver) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// EmitDisconnect delivers an unsolicited disconnect event.
func (d *MockDriver) EmitDisconnect(reason error) {
	d.events <- session.Event{Type: session.EventDisconnected, Reason: reason}
}

// Notify pushes a notification payload to the subscriber registered
// for the characteristic, if any.
func (d *MockDriver) Notify(service, characteristic string, data []byte) bool {
	d.mu.Lock()
	fn, ok := d.notifiers[charKey(service, characteristic)]
	d.mu.Unlock()
	if !ok {
		return false
	}
	fn(data)
	return true
}

// Events implements session.Driver.
func (d *MockDriver) Events() <-chan session.Event { return d.events }

// SubmitConnect implements session.Driver.
func (d *MockDriver) SubmitConnect(ctx context.Context, done func(error)) {
	d.submit("connect", func() { done(d.connectErr) })
}

// SubmitDisconnect implements session.Driver.
func (d *MockDriver) SubmitDisconnect(ctx context.Context, done func(error)) {
	d.submit("disconnect", func() { done(d.disconnectErr) })
}

// SubmitReadRSSI implements session.Driver.
func (d *MockDriver) SubmitReadRSSI(ctx context.Context, done func(int, error)) {
	d.submit("rssi", func() { done(d.rssi, nil) })
}

// SubmitCharacteristic implements session.Driver.
func (d *MockDriver) SubmitCharacteristic(ctx context.Context, op session.CharacteristicOp, done func([]byte, error)) {
	name := fmt.Sprintf("%s %s/%s", op.Type, normalizeUUID(op.Service), normalizeUUID(op.Characteristic))
	d.submit(name, func() {
		value, err := d.perform(ctx, op)
		done(value, err)
	})
}

func (d *MockDriver) perform(ctx context.Context, op session.CharacteristicOp) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	svc, ok := d.services[normalizeUUID(op.Service)]
	if !ok {
		return nil, fmt.Errorf("service %q not found", op.Service)
	}
	char, ok := svc[normalizeUUID(op.Characteristic)]
	if !ok {
		return nil, fmt.Errorf("characteristic %q not found in service %q", op.Characteristic, op.Service)
	}

	switch op.Type {
	case session.OpRead:
		if !char.hasProperty("read") {
			return nil, fmt.Errorf("characteristic %q does not have the read property", op.Characteristic)
		}
		if char.ReadErr != nil {
			return nil, char.ReadErr
		}
		return append([]byte(nil), char.Value...), nil

	case session.OpWrite:
		if op.WithResponse && !char.hasProperty("write") {
			return nil, fmt.Errorf("characteristic %q does not have the write property", op.Characteristic)
		}
		if !op.WithResponse && !char.hasProperty("write") && !char.hasProperty("write-nr") {
			return nil, fmt.Errorf("characteristic %q does not have the write-without-response property", op.Characteristic)
		}
		if char.WriteErr != nil {
			return nil, char.WriteErr
		}
		char.Value = append([]byte(nil), op.Value...)
		return nil, nil

	case session.OpSubscribe:
		if !char.hasProperty("notify") && !char.hasProperty("indicate") {
			return nil, fmt.Errorf("characteristic %q does not have the notify or indicate property", op.Characteristic)
		}
		d.notifiers[charKey(op.Service, op.Characteristic)] = op.Notify
		return nil, nil

	case session.OpUnsubscribe:
		delete(d.notifiers, charKey(op.Service, op.Characteristic))
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown characteristic operation %d", op.Type)
	}
}

// submit records the request and either completes it immediately or
// holds it for Release. Completion runs off the caller's goroutine in
// immediate mode, mirroring a real radio stack's callback delivery.
func (d *MockDriver) submit(name string, fn func()) {
	d.mu.Lock()
	d.submitted = append(d.submitted, name)
	if d.holding {
		d.pending = append(d.pending, fn)
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	go fn()
}

func charKey(service, characteristic string) string {
	return normalizeUUID(service) + "/" + normalizeUUID(characteristic)
}

func normalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}
