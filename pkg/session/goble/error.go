//go:build darwin

package goble

import (
	"fmt"
	"strings"

	"github.com/srg/bleq/pkg/session"
)

// normalizeError maps known go-ble error strings to classified session
// errors before they cross the driver boundary. It keeps handling
// consistent even if the upstream library changes messages slightly;
// unmatched errors pass through for session.Classify to pick up.
func normalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "central manager has invalid state"):
		return fmt.Errorf("%w: %v", session.ErrInvalidCall, err)
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "connection canceled"),
		containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", session.ErrDisconnected, err)
	case containsIgnoreCase(msg, "invalid handle"),
		containsIgnoreCase(msg, "attribute not found"):
		return fmt.Errorf("%w: %v", session.ErrInvalidParameters, err)
	default:
		return err
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
