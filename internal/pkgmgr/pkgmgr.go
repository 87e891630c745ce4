package pkgmgr

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Manager installs and removes system packages
type Manager interface {
	// Install installs the named packages, doing nothing for those already present
	Install(ctx context.Context, packages []string) error
	// Purge removes the named packages together with their configuration
	Purge(ctx context.Context, packages []string) error
}

// AptClient implements Manager by shelling out to apt-get
type AptClient struct {
	binary string
}

// NewAptClient creates a new apt-get backed package manager. An empty binary
// selects apt-get from PATH.
func NewAptClient(binary string) *AptClient {
	if binary == "" {
		binary = "apt-get"
	}
	return &AptClient{binary: binary}
}

// Install runs apt-get install for the given packages
func (c *AptClient) Install(ctx context.Context, packages []string) error {
	if len(packages) == 0 {
		return nil
	}

	args := append([]string{"install", "-y", "-q"}, packages...)
	if err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("apt-get install %s failed: %w", strings.Join(packages, " "), err)
	}
	return nil
}

// Purge runs apt-get purge for the given packages
func (c *AptClient) Purge(ctx context.Context, packages []string) error {
	if len(packages) == 0 {
		return nil
	}

	args := append([]string{"purge", "-y", "-q"}, packages...)
	if err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("apt-get purge %s failed: %w", strings.Join(packages, " "), err)
	}
	return nil
}

// run executes apt-get non-interactively and returns an error with its output on failure
func (c *AptClient) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Env = append(os.Environ(),
		"DEBIAN_FRONTEND=noninteractive",
		"NEEDRESTART_MODE=a",
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}
