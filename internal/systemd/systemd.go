package systemd

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Systemd provides operations for interacting with system units
type Systemd interface {
	// Enable enables the specified units so they start at boot
	Enable(ctx context.Context, units []string) error
	// Restart restarts the specified units, starting them if they are stopped
	Restart(ctx context.Context, units []string) error
	// IsAvailable checks if systemctl can talk to the service manager
	IsAvailable(ctx context.Context) (bool, error)
	// UnitStatus returns the active state of a unit (active, inactive, failed, ...)
	UnitStatus(ctx context.Context, unit string) (string, error)
}

// Client implements Systemd by shelling out to systemctl
type Client struct {
	binary string
}

// NewClient creates a new systemd client. An empty binary selects systemctl
// from PATH.
func NewClient(binary string) *Client {
	if binary == "" {
		binary = "systemctl"
	}
	return &Client{binary: binary}
}

// Enable enables the specified units
func (c *Client) Enable(ctx context.Context, units []string) error {
	if len(units) == 0 {
		return nil
	}

	args := append([]string{"enable"}, units...)
	cmd := exec.CommandContext(ctx, c.binary, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl enable failed: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// Restart restarts each unit separately so that one missing unit does not
// prevent the others from restarting. All failures are reported together.
func (c *Client) Restart(ctx context.Context, units []string) error {
	var failed []string
	for _, unit := range units {
		cmd := exec.CommandContext(ctx, c.binary, "restart", unit)
		output, err := cmd.CombinedOutput()
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v: %s", unit, err, strings.TrimSpace(string(output))))
		}
	}
	if len(failed) > 0 {
		// restart can fail for non-critical units (e.g. sesman folded into xrdp)
		return fmt.Errorf("systemctl restart had issues (may be non-fatal): %s", strings.Join(failed, "; "))
	}
	return nil
}

// IsAvailable checks if systemctl is accessible
func (c *Client) IsAvailable(ctx context.Context) (bool, error) {
	cmd := exec.CommandContext(ctx, c.binary, "is-system-running")
	err := cmd.Run()

	// is-system-running returns non-zero for degraded or starting systems, but
	// the manager is still reachable. Only a failure to run at all counts.
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			if exitErr.ExitCode() <= 3 {
				return true, nil
			}
		}
		return false, fmt.Errorf("systemctl not available: %w", err)
	}

	return true, nil
}

// UnitStatus returns the active state of a unit
func (c *Client) UnitStatus(ctx context.Context, unit string) (string, error) {
	cmd := exec.CommandContext(ctx, c.binary, "is-active", unit)
	output, err := cmd.Output()
	status := strings.TrimSpace(string(output))

	if err != nil {
		// is-active returns non-zero for inactive units, but that's not an error
		if _, ok := err.(*exec.ExitError); ok {
			return status, nil
		}
		return "", fmt.Errorf("systemctl is-active %s: %w", unit, err)
	}

	return status, nil
}
