package migrate

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// killDelay is how long a signalled subprocess gets to wind down before the
// runtime escalates to SIGKILL.
const killDelay = 10 * time.Second

// cmdSpec describes one subprocess invocation. Secrets travel on stdin or in
// the environment, never on argv, so a process listing cannot leak them.
type cmdSpec struct {
	dir    string
	name   string
	args   []string
	env    []string     // appended to the inherited environment
	stdin  string       // written to the child's stdin
	onLine func(string) // invoked per stdout line when set
}

// cmdResult carries captured output. stderr is always captured; stdout only
// when no line callback consumed it.
type cmdResult struct {
	stdout string
	stderr string
}

// runner abstracts subprocess execution so tests can script svn and git
// without the real binaries.
type runner interface {
	run(ctx context.Context, spec cmdSpec) (*cmdResult, error)
}

// execRunner shells out for real. Children get their own process group so
// cancellation signals git-svn together with the helpers it spawns.
type execRunner struct{}

func (execRunner) run(ctx context.Context, spec cmdSpec) (*cmdResult, error) {
	cmd := exec.CommandContext(ctx, spec.name, spec.args...)
	cmd.Dir = spec.dir
	if len(spec.env) > 0 {
		cmd.Env = append(os.Environ(), spec.env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = killDelay

	if spec.stdin != "" {
		cmd.Stdin = strings.NewReader(spec.stdin)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	res := &cmdResult{}

	if spec.onLine == nil {
		var stdout bytes.Buffer
		cmd.Stdout = &stdout
		err := cmd.Run()
		res.stdout = stdout.String()
		res.stderr = stderr.String()
		return res, finishCommand(ctx, spec.name, res.stderr, err)
	}

	pipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe for %s: %w", spec.name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.name, err)
	}

	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		spec.onLine(scanner.Text())
	}
	scanErr := scanner.Err()

	err = cmd.Wait()
	res.stderr = stderr.String()
	if err := finishCommand(ctx, spec.name, res.stderr, err); err != nil {
		return res, err
	}
	if scanErr != nil {
		return res, fmt.Errorf("read %s output: %w", spec.name, scanErr)
	}
	return res, nil
}

// finishCommand folds a context end into the returned error so callers see
// the cancellation or deadline instead of the kill signal it caused.
func finishCommand(ctx context.Context, name, stderr string, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if tail := lastLine(stderr); tail != "" {
		return fmt.Errorf("%s: %s: %w", name, tail, err)
	}
	return fmt.Errorf("%s: %w", name, err)
}

// lastLine returns the trailing non-empty line, which is where both svn and
// git put the message that matters.
func lastLine(out string) string {
	lines := strings.Split(out, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" {
			return s
		}
	}
	return ""
}

// tailLines returns up to n trailing non-empty lines, oldest first.
func tailLines(out string, n int) []string {
	var kept []string
	for _, line := range strings.Split(out, "\n") {
		if s := strings.TrimSpace(line); s != "" {
			kept = append(kept, s)
		}
	}
	if len(kept) > n {
		kept = kept[len(kept)-n:]
	}
	return kept
}
