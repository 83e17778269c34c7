//go:build darwin

// Package goble adapts the go-ble radio stack to the session.Driver
// capability. One Driver serves one peripheral; the blocking go-ble
// calls run on short-lived goroutines and report through the done
// callbacks, with serialization guaranteed by the session's queue.
package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
	"github.com/sirupsen/logrus"

	"github.com/srg/bleq/pkg/session"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
var DeviceFactory = func() (ble.Device, error) {
	return darwin.NewDevice()
}

// Driver implements session.Driver on top of a go-ble client.
type Driver struct {
	address string
	logger  *logrus.Logger

	mu      sync.Mutex
	client  ble.Client
	profile *ble.Profile

	events chan session.Event
}

// NewDriver creates a driver bound to one peripheral address.
func NewDriver(address string, logger *logrus.Logger) *Driver {
	if logger == nil {
		logger = logrus.New()
	}
	return &Driver{
		address: address,
		logger:  logger,
		events:  make(chan session.Event, 8),
	}
}

// Events implements session.Driver.
func (d *Driver) Events() <-chan session.Event { return d.events }

// SubmitConnect implements session.Driver.
func (d *Driver) SubmitConnect(ctx context.Context, done func(error)) {
	go func() { done(d.connect(ctx)) }()
}

func (d *Driver) connect(ctx context.Context) error {
	if strings.TrimSpace(d.address) == "" {
		return fmt.Errorf("%w: device address is not set", session.ErrInvalidParameters)
	}

	dev, err := DeviceFactory()
	if err != nil {
		return fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)

	client, err := ble.Dial(ctx, ble.NewAddr(d.address))
	if err != nil {
		return normalizeError(fmt.Errorf("failed to connect to device %q: %w", d.address, err))
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		client.CancelConnection()
		return normalizeError(fmt.Errorf("failed to discover profile: %w", err))
	}

	d.mu.Lock()
	d.client = client
	d.profile = profile
	d.mu.Unlock()

	go d.watchDisconnect(client)

	d.logger.WithFields(logrus.Fields{
		"address":  d.address,
		"services": len(profile.Services),
	}).Info("BLE device connected")
	return nil
}

// watchDisconnect forwards go-ble's link-loss signal as an unsolicited
// event. A requested disconnect clears the client first and emits
// nothing.
func (d *Driver) watchDisconnect(client ble.Client) {
	<-client.Disconnected()

	d.mu.Lock()
	if d.client != client {
		d.mu.Unlock()
		return
	}
	d.client = nil
	d.profile = nil
	d.mu.Unlock()

	ev := session.Event{
		Type:   session.EventDisconnected,
		Reason: fmt.Errorf("link to %s lost", d.address),
	}
	select {
	case d.events <- ev:
	default:
		d.logger.WithField("address", d.address).Warn("Dropping disconnect event: event channel full")
	}
}

// SubmitDisconnect implements session.Driver.
func (d *Driver) SubmitDisconnect(ctx context.Context, done func(error)) {
	go func() {
		d.mu.Lock()
		client := d.client
		d.client = nil
		d.profile = nil
		d.mu.Unlock()

		if client == nil {
			done(nil)
			return
		}
		done(normalizeError(client.CancelConnection()))
	}()
}

// SubmitCharacteristic implements session.Driver.
func (d *Driver) SubmitCharacteristic(ctx context.Context, op session.CharacteristicOp, done func([]byte, error)) {
	go func() {
		value, err := d.characteristic(ctx, op)
		done(value, err)
	}()
}

func (d *Driver) characteristic(ctx context.Context, op session.CharacteristicOp) ([]byte, error) {
	d.mu.Lock()
	client, profile := d.client, d.profile
	d.mu.Unlock()
	if client == nil {
		return nil, fmt.Errorf("%w: no active link", session.ErrDisconnected)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	char, err := findCharacteristic(profile, op.Service, op.Characteristic)
	if err != nil {
		return nil, err
	}

	switch op.Type {
	case session.OpRead:
		if char.Property&ble.CharRead == 0 {
			return nil, fmt.Errorf("characteristic %q does not have the read property", op.Characteristic)
		}
		value, err := client.ReadCharacteristic(char)
		if err != nil {
			return nil, normalizeError(fmt.Errorf("failed to read characteristic %q: %w", op.Characteristic, err))
		}
		return value, nil

	case session.OpWrite:
		if op.WithResponse && char.Property&ble.CharWrite == 0 {
			return nil, fmt.Errorf("characteristic %q does not have the write property", op.Characteristic)
		}
		if !op.WithResponse && char.Property&ble.CharWriteNR == 0 {
			return nil, fmt.Errorf("characteristic %q does not have the write-without-response property", op.Characteristic)
		}
		if err := client.WriteCharacteristic(char, op.Value, !op.WithResponse); err != nil {
			return nil, normalizeError(fmt.Errorf("failed to write characteristic %q: %w", op.Characteristic, err))
		}
		return nil, nil

	case session.OpSubscribe:
		if char.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
			return nil, fmt.Errorf("characteristic %q does not have the notify or indicate property", op.Characteristic)
		}
		// Prefer notifications; fall back to indications.
		indicate := char.Property&ble.CharNotify == 0
		if err := client.Subscribe(char, indicate, op.Notify); err != nil {
			return nil, normalizeError(fmt.Errorf("failed to subscribe to characteristic %q: %w", op.Characteristic, err))
		}
		return nil, nil

	case session.OpUnsubscribe:
		// Try both modes; fail only when both fail.
		err1 := client.Unsubscribe(char, false)
		err2 := client.Unsubscribe(char, true)
		if err1 != nil && err2 != nil {
			return nil, normalizeError(fmt.Errorf("failed to unsubscribe from characteristic %q: notify=%v, indicate=%v", op.Characteristic, err1, err2))
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown characteristic operation %d", op.Type)
	}
}

// SubmitReadRSSI implements session.Driver.
func (d *Driver) SubmitReadRSSI(ctx context.Context, done func(int, error)) {
	go func() {
		d.mu.Lock()
		client := d.client
		d.mu.Unlock()
		if client == nil {
			done(0, fmt.Errorf("%w: no active link", session.ErrDisconnected))
			return
		}
		done(client.ReadRSSI(), nil)
	}()
}

// findCharacteristic resolves a characteristic in the discovered
// profile, matching UUIDs case-insensitively with or without dashes.
func findCharacteristic(profile *ble.Profile, service, characteristic string) (*ble.Characteristic, error) {
	if profile == nil {
		return nil, fmt.Errorf("%w: no discovered profile", session.ErrDisconnected)
	}
	svcUUID := normalizeUUID(service)
	charUUID := normalizeUUID(characteristic)

	for _, svc := range profile.Services {
		if normalizeUUID(svc.UUID.String()) != svcUUID {
			continue
		}
		for _, char := range svc.Characteristics {
			if normalizeUUID(char.UUID.String()) == charUUID {
				return char, nil
			}
		}
		return nil, fmt.Errorf("characteristic %q not found in service %q", characteristic, service)
	}
	return nil, fmt.Errorf("service %q not found", service)
}

// normalizeUUID converts a UUID string to the internal BLE library
// format (lowercase, no dashes).
func normalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}
