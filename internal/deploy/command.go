package deploy

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

// BuildCommand constructs an *exec.Cmd for a configured command line.
// It avoids invoking a shell when not necessary to reduce command injection surface (G204 mitigation).
// If the command contains obvious shell metacharacters, it falls back to /bin/sh -c.
// The child runs in its own process group; cancelling ctx terminates the group.
func BuildCommand(ctx context.Context, command string) *exec.Cmd {
	cmdStr := strings.TrimSpace(command)
	var cmd *exec.Cmd
	switch {
	case cmdStr == "":
		// still create a command that will fail when started
		cmd = exec.CommandContext(ctx, "/bin/false")
	// #nosec G204 Detect shell metacharacters
	case strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~"):
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", cmdStr)
	default:
		parts := strings.Fields(cmdStr)
		// #nosec G204
		cmd = exec.CommandContext(ctx, parts[0], parts[1:]...)
	}
	configureGroup(cmd)
	cmd.WaitDelay = 5 * time.Second
	return cmd
}
