package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"slotguard/internal/domain"
)

type Shell struct{}

type Cmd struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// Handle runs kwargs {"command","args"}, or positional args as
// [command, arg...] when no command keyword is given.
func (h Shell) Handle(ctx context.Context, t domain.Task) error {
	c, err := parseCmd(t)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("shell error: %v; out=%s", err, string(out))
	}
	return nil
}

func parseCmd(t domain.Task) (Cmd, error) {
	var c Cmd
	if len(t.Kwargs) > 0 {
		if err := json.Unmarshal(t.Kwargs, &c); err != nil {
			return Cmd{}, fmt.Errorf("invalid shell kwargs: %w", err)
		}
	}
	if c.Command == "" && len(t.Args) > 0 {
		var argv []string
		if err := json.Unmarshal(t.Args, &argv); err != nil {
			return Cmd{}, fmt.Errorf("invalid shell args: %w", err)
		}
		if len(argv) > 0 {
			c.Command, c.Args = argv[0], argv[1:]
		}
	}
	if c.Command == "" {
		return Cmd{}, fmt.Errorf("command is required")
	}
	return c, nil
}
