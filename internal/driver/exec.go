package driver

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// CommandExecutor abstracts external process execution so drivers can be
// tested without spawning binaries.
type CommandExecutor interface {
	// RunCommand runs a command and returns its combined output.
	RunCommand(ctx context.Context, name string, args ...string) (string, error)
}

// RealCommandExecutor executes commands on the host.
type RealCommandExecutor struct{}

func (r *RealCommandExecutor) RunCommand(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w: %s",
			name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Sysfs abstracts /sys reads and writes (bridge STP toggles and the like).
type Sysfs interface {
	Read(path string) (string, error)
	Write(path, value string) error
}

// RealSysfs operates on the host filesystem.
type RealSysfs struct{}

func (r *RealSysfs) Read(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (r *RealSysfs) Write(path, value string) error {
	return os.WriteFile(path, []byte(value), 0644)
}
