package migrate

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/pghoya2956/gitlab-bulk-manager/pkg/types"
)

type svnInfoDoc struct {
	Entry struct {
		Revision   int64  `xml:"revision,attr"`
		URL        string `xml:"url"`
		Repository struct {
			Root string `xml:"root"`
			UUID string `xml:"uuid"`
		} `xml:"repository"`
	} `xml:"entry"`
}

type svnLogDoc struct {
	Entries []struct {
		Revision int64  `xml:"revision,attr"`
		Author   string `xml:"author"`
	} `xml:"logentry"`
}

// svnBaseArgs builds the credential and interactivity flags shared by every
// svn invocation. The password goes through --password-from-stdin so it
// never shows up in a process listing.
func svnBaseArgs(conn types.SvnConnection) (args []string, stdin string) {
	args = []string{"--non-interactive", "--no-auth-cache"}
	if conn.Username != "" {
		args = append(args, "--username", conn.Username)
	}
	if conn.Password != "" {
		args = append(args, "--password-from-stdin")
		stdin = conn.Password
	}
	return args, stdin
}

// svnInfo probes a repository URL and reports root, UUID and head revision.
func svnInfo(ctx context.Context, r runner, conn types.SvnConnection, url string) (*types.SvnInfo, error) {
	base, stdin := svnBaseArgs(conn)
	args := append([]string{"info", "--xml"}, base...)
	args = append(args, url)

	res, err := r.run(ctx, cmdSpec{name: "svn", args: args, stdin: stdin})
	if err != nil {
		return nil, classifySvnError(res, err)
	}

	var doc svnInfoDoc
	if err := xml.Unmarshal([]byte(res.stdout), &doc); err != nil {
		return nil, fmt.Errorf("parse svn info output: %w", err)
	}
	return &types.SvnInfo{
		RepositoryRoot: doc.Entry.Repository.Root,
		RepositoryUUID: doc.Entry.Repository.UUID,
		Revision:       doc.Entry.Revision,
	}, nil
}

// svnAuthors walks the full history and returns the distinct commit
// authors, sorted.
func svnAuthors(ctx context.Context, r runner, conn types.SvnConnection) ([]string, error) {
	base, stdin := svnBaseArgs(conn)
	args := append([]string{"log", "--xml", "--quiet"}, base...)
	args = append(args, conn.URL)

	res, err := r.run(ctx, cmdSpec{name: "svn", args: args, stdin: stdin})
	if err != nil {
		return nil, classifySvnError(res, err)
	}

	var doc svnLogDoc
	if err := xml.Unmarshal([]byte(res.stdout), &doc); err != nil {
		return nil, fmt.Errorf("parse svn log output: %w", err)
	}

	seen := make(map[string]struct{})
	var authors []string
	for _, e := range doc.Entries {
		a := strings.TrimSpace(e.Author)
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		authors = append(authors, a)
	}
	sort.Strings(authors)
	return authors, nil
}

// checkLayout probes the configured trunk path so a wrong layout fails in
// validate instead of halfway through a clone.
func checkLayout(ctx context.Context, r runner, conn types.SvnConnection, layout types.SvnLayout) error {
	trunk := layout.Trunk
	if layout.Standard {
		trunk = "trunk"
	}
	if trunk == "" {
		return fmt.Errorf("layout names no trunk path: %w", types.ErrSvnLayout)
	}
	if _, err := svnInfo(ctx, r, conn, joinURL(conn.URL, trunk)); err != nil {
		if errors.Is(err, types.ErrSvnLayout) || errors.Is(err, types.ErrNotFound) {
			return fmt.Errorf("trunk path %q not found under %s: %w", trunk, conn.URL, types.ErrSvnLayout)
		}
		return err
	}
	return nil
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.Trim(path, "/")
}

// classifySvnError maps svn CLI failures onto the error taxonomy. The CLI
// prints E-prefixed codes on stderr; matching codes is sturdier than
// matching prose, with a few prose fallbacks for older servers.
func classifySvnError(res *cmdResult, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("svn did not respond in time: %w", types.ErrTimeout)
	}
	if errors.Is(err, context.Canceled) {
		return types.ErrCancelled
	}

	var stderr string
	if res != nil {
		stderr = res.stderr
	}
	msg := lastLine(stderr)
	switch {
	case containsAny(stderr, "E170001", "E215004", "Authentication failed", "authorization failed"):
		return fmt.Errorf("%s: %w", msg, types.ErrSvnAuth)
	case containsAny(stderr, "E170013", "E175002", "E731001", "Connection refused", "Could not resolve", "timed out"):
		return fmt.Errorf("%s: %w", msg, types.ErrSvnUnavailable)
	case containsAny(stderr, "E160013", "E200009", "path not found", "non-existent"):
		return fmt.Errorf("%s: %w", msg, types.ErrSvnLayout)
	}
	if msg == "" {
		return err
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
