package ipmi

import (
	"bytes"
	"context"
	"os"
	"os/exec"
)

// Runner executes ipmitool. It returns stdout and stderr even when the
// process exits non-zero.
type Runner interface {
	Run(ctx context.Context, env []string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs the ipmitool binary found at Path.
type ExecRunner struct {
	Path string
}

// Run starts ipmitool and waits for it. The process is killed when ctx
// is done.
func (r ExecRunner) Run(ctx context.Context, env []string, args ...string) ([]byte, []byte, error) {
	path := r.Path
	if path == "" {
		path = "ipmitool"
	}
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = append(os.Environ(), env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	return stdout.Bytes(), stderr.Bytes(), err
}
