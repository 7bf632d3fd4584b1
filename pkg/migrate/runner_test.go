package migrate

import (
	"context"
	"strings"
	"sync"
)

// fakeRule scripts the response for commands whose joined argv contains the
// given substring. times bounds how often the rule fires; zero means
// unlimited. block parks the command until its context ends, standing in
// for a long-running fetch.
type fakeRule struct {
	contains string
	stdout   string
	stderr   string
	err      error
	times    int
	block    bool
}

type fakeCall struct {
	name  string
	args  []string
	dir   string
	env   []string
	stdin string
}

// fakeRunner substitutes scripted output for the svn and git binaries.
// Unscripted commands succeed with empty output, so tests only script the
// calls whose results matter.
type fakeRunner struct {
	mu      sync.Mutex
	rules   []fakeRule
	calls   []fakeCall
	started chan string
}

func newFakeRunner(rules ...fakeRule) *fakeRunner {
	return &fakeRunner{rules: rules, started: make(chan string, 16)}
}

func (f *fakeRunner) run(ctx context.Context, spec cmdSpec) (*cmdResult, error) {
	line := spec.name + " " + strings.Join(spec.args, " ")

	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{
		name:  spec.name,
		args:  append([]string(nil), spec.args...),
		dir:   spec.dir,
		env:   append([]string(nil), spec.env...),
		stdin: spec.stdin,
	})
	var rule *fakeRule
	for i := range f.rules {
		r := &f.rules[i]
		if r.times < 0 {
			continue
		}
		if strings.Contains(line, r.contains) {
			if r.times > 0 {
				r.times--
				if r.times == 0 {
					r.times = -1
				}
			}
			rule = r
			break
		}
	}
	f.mu.Unlock()

	if rule == nil {
		return &cmdResult{}, nil
	}

	select {
	case f.started <- rule.contains:
	default:
	}

	if rule.block {
		<-ctx.Done()
		return &cmdResult{stderr: "terminated"}, ctx.Err()
	}
	if rule.err != nil {
		return &cmdResult{stdout: rule.stdout, stderr: rule.stderr}, rule.err
	}
	if spec.onLine != nil {
		for _, l := range strings.Split(rule.stdout, "\n") {
			if l != "" {
				spec.onLine(l)
			}
		}
		return &cmdResult{stderr: rule.stderr}, nil
	}
	return &cmdResult{stdout: rule.stdout, stderr: rule.stderr}, nil
}

// commandLines returns every executed command as a joined string, in order.
func (f *fakeRunner) commandLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	lines := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		lines = append(lines, c.name+" "+strings.Join(c.args, " "))
	}
	return lines
}

func (f *fakeRunner) calledWith(substr string) bool {
	for _, line := range f.commandLines() {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}
