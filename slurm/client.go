// Package slurm wraps the scheduler's native command-line control surface.
// Every capability is expressed through a generic "run command, capture
// output" primitive so tests can substitute the command runner.
package slurm

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/alessio/shellescape"
)

// ExecCommandFunc builds the command to run; tests inject their own.
type ExecCommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

type Client struct {
	execCommand ExecCommandFunc
	log         *slog.Logger
}

func NewClient(log *slog.Logger) *Client {
	return &Client{execCommand: exec.CommandContext, log: log}
}

// NewClientWithExec returns a client using a custom command runner.
func NewClientWithExec(log *slog.Logger, execCommand ExecCommandFunc) *Client {
	return &Client{execCommand: execCommand, log: log}
}

func (c *Client) run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := c.execCommand(ctx, name, args...)
	quoted := shellescape.QuoteCommand(append([]string{name}, args...))
	c.log.Debug("Running scheduler command", "cmd", quoted)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("command %s failed: %w: %s", quoted, err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// Hostnames expands a hostlist expression into individual node names.
func (c *Client) Hostnames(ctx context.Context, expr string) ([]string, error) {
	output, err := c.run(ctx, "scontrol", "show", "hostnames", expr)
	if err != nil {
		return nil, err
	}
	return strings.Fields(output), nil
}

// Hostlist folds node names into the scheduler's compact hostlist expression.
func (c *Client) Hostlist(ctx context.Context, names []string) (string, error) {
	output, err := c.run(ctx, "scontrol", "show", "hostlist", strings.Join(names, ","))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}

// NodeNames lists every node name the scheduler currently knows about.
func (c *Client) NodeNames(ctx context.Context) ([]string, error) {
	output, err := c.run(ctx, "sinfo", "-N", "-h", "-o", "%N")
	if err != nil {
		return nil, err
	}
	return strings.Fields(output), nil
}

// ShowConfig returns the scheduler's live configuration as a key/value map.
func (c *Client) ShowConfig(ctx context.Context) (map[string]string, error) {
	output, err := c.run(ctx, "scontrol", "show", "config")
	if err != nil {
		return nil, err
	}
	config := map[string]string{}
	for _, line := range strings.Split(output, "\n") {
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		config[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return config, nil
}

// IsAutoscaleEnabled reports whether the scheduler's power saving is active,
// derived from the SuspendTime configuration key. When the configuration
// cannot be read the answer defaults to true.
func (c *Client) IsAutoscaleEnabled(ctx context.Context) bool {
	config, err := c.ShowConfig(ctx)
	if err != nil {
		c.log.Warn("Could not read scheduler config, assuming autoscale is enabled", "error", err)
		return true
	}
	value, ok := config["SuspendTime"]
	if !ok || value == "" {
		return true
	}
	// SuspendTime values look like "300 sec" or "NONE"
	value = strings.Fields(value)[0]
	if value == "NONE" {
		return false
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds < 0 {
		return false
	}
	return true
}

// UpdateNodeState sets a node's administrative state with a diagnostic reason.
func (c *Client) UpdateNodeState(ctx context.Context, name, state, reason string) error {
	_, err := c.run(ctx, "scontrol", "update",
		fmt.Sprintf("NodeName=%s", name),
		fmt.Sprintf("State=%s", state),
		fmt.Sprintf("Reason=%s", reason),
	)
	return err
}

// UpdateNodeAddr records a node's address and hostname with the scheduler.
func (c *Client) UpdateNodeAddr(ctx context.Context, name, addr, hostname string) error {
	_, err := c.run(ctx, "scontrol", "update",
		fmt.Sprintf("NodeName=%s", name),
		fmt.Sprintf("NodeAddr=%s", addr),
		fmt.Sprintf("NodeHostName=%s", hostname),
	)
	return err
}

// SetNodeFuture resets a node to FUTURE state so the scheduler will not
// contact it until it is explicitly activated.
func (c *Client) SetNodeFuture(ctx context.Context, name string) error {
	_, err := c.run(ctx, "scontrol", "update",
		fmt.Sprintf("NodeName=%s", name),
		fmt.Sprintf("NodeAddr=%s", name),
		fmt.Sprintf("NodeHostName=%s", name),
		"State=FUTURE",
	)
	return err
}

// Reconfigure triggers a live scheduler reconfiguration.
func (c *Client) Reconfigure(ctx context.Context) error {
	_, err := c.run(ctx, "scontrol", "reconfig")
	return err
}

// RestartController restarts the scheduler control daemon.
func (c *Client) RestartController(ctx context.Context) error {
	_, err := c.run(ctx, "systemctl", "restart", "slurmctld")
	return err
}

// CurrentSuspendExcNodes returns the nodes currently excluded from suspend.
func (c *Client) CurrentSuspendExcNodes(ctx context.Context) ([]string, error) {
	config, err := c.ShowConfig(ctx)
	if err != nil {
		return nil, err
	}
	expr, ok := config["SuspendExcNodes"]
	if !ok || expr == "(null)" || expr == "" {
		return nil, nil
	}
	return c.Hostnames(ctx, expr)
}
