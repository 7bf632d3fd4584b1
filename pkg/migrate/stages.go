package migrate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	glab "gitlab.com/gitlab-org/api/client-go"

	"github.com/pghoya2956/gitlab-bulk-manager/pkg/gitlab"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/metrics"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/types"
)

// stage binds a pipeline position to its implementation. Sync jobs enter
// partway through; the anchor persisted before each stage names where.
type stage struct {
	name types.MigrationStage
	run  func(*migration, context.Context) error
}

func pipeline() []stage {
	return []stage{
		{types.StageValidate, (*migration).stageValidate},
		{types.StageExtractAuthors, (*migration).stageExtractAuthors},
		{types.StageProvision, (*migration).stageProvision},
		{types.StageClone, (*migration).stageClone},
		{types.StageRewritePush, (*migration).stageRewritePush},
		{types.StageVerify, (*migration).stageVerify},
		{types.StageCleanup, (*migration).stageCleanup},
	}
}

var (
	revLineRe        = regexp.MustCompile(`^r(\d+) = ([0-9a-f]{7,40})`)
	unmappedAuthorRe = regexp.MustCompile(`Author: (\S+) not defined in`)
)

// stageValidate confirms the toolchain, the SVN server and the declared
// layout before anything gets written anywhere.
func (m *migration) stageValidate(ctx context.Context) error {
	if err := m.e.Preflight(ctx); err != nil {
		return err
	}
	info, err := svnInfo(ctx, m.e.proc, m.params.Connection, m.params.Connection.URL)
	if err != nil {
		return err
	}
	if err := checkLayout(ctx, m.e.proc, m.params.Connection, m.params.Layout); err != nil {
		return err
	}

	m.status.HeadRevision = info.Revision
	m.h.SetTotal(int(info.Revision))
	m.h.SetMigration(m.status)
	m.logger.Info().
		Str("repository", info.RepositoryRoot).
		Int64("head_revision", info.Revision).
		Msg("SVN repository validated")
	return nil
}

// stageExtractAuthors lists every committer in history and parks the job
// until each has a git identity mapped.
func (m *migration) stageExtractAuthors(ctx context.Context) error {
	authors, err := svnAuthors(ctx, m.e.proc, m.params.Connection)
	if err != nil {
		return err
	}
	if err := m.pauseForAuthors(ctx, missingAuthors(authors, m.params.Authors)); err != nil {
		return err
	}
	return renderAuthorsFile(m.ws, m.params.Authors)
}

// pauseForAuthors loops pause/resume until every listed identity has a
// mapping. A resume that leaves gaps parks the job again.
func (m *migration) pauseForAuthors(ctx context.Context, missing []string) error {
	if m.params.Authors == nil {
		m.params.Authors = make(map[string]types.Author)
	}
	for len(missing) > 0 {
		m.status.MissingAuthors = missing
		m.h.SetMigration(m.status)
		m.logger.Info().Strs("missing", missing).Msg("Migration waiting for author mappings")

		if err := m.h.Pause(missing); err != nil {
			return err
		}
		payload, err := m.h.AwaitResume(ctx)
		if err != nil {
			return err
		}
		if mapped, ok := payload.(map[string]types.Author); ok {
			for login, a := range mapped {
				m.params.Authors[login] = a
			}
		}
		missing = missingAuthors(missing, m.params.Authors)
	}
	m.status.MissingAuthors = nil
	m.h.SetMigration(m.status)
	return nil
}

// missingAuthors filters identities that have no mapping yet, preserving
// order.
func missingAuthors(authors []string, mapped map[string]types.Author) []string {
	var missing []string
	for _, a := range authors {
		if _, ok := mapped[a]; !ok {
			missing = append(missing, a)
		}
	}
	return missing
}

// stageProvision creates the target project, or adopts an existing one when
// resuming. A fresh migration hitting an existing project is a conflict.
func (m *migration) stageProvision(ctx context.Context) error {
	return m.withAPI(ctx, func(api *glab.Client) error {
		full := m.project()
		p, resp, err := api.Projects.GetProject(full, nil, glab.WithContext(ctx))
		if err == nil {
			if !m.resume {
				return fmt.Errorf("project %s already exists: %w", full, types.ErrConflict)
			}
			m.noteProject(p)
			return nil
		}
		if cerr := gitlab.ClassifyAPIError(resp, err); !errors.Is(cerr, types.ErrNotFound) {
			return cerr
		}

		g, resp, err := api.Groups.GetGroup(m.params.TargetNamespace, nil, glab.WithContext(ctx))
		if err != nil {
			cerr := gitlab.ClassifyAPIError(resp, err)
			if errors.Is(cerr, types.ErrNotFound) {
				return fmt.Errorf("namespace %q not found: %w", m.params.TargetNamespace, types.ErrParentMissing)
			}
			return cerr
		}

		name := m.params.TargetName
		if name == "" {
			name = m.params.TargetPath
		}
		opt := &glab.CreateProjectOptions{
			Name:        glab.Ptr(name),
			Path:        glab.Ptr(m.params.TargetPath),
			NamespaceID: glab.Ptr(g.ID),
		}
		p, resp, err = api.Projects.CreateProject(opt, glab.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("create project %s: %w", full, gitlab.ClassifyAPIError(resp, err))
		}
		m.noteProject(p)
		m.logger.Info().Int64("project_id", p.ID).Msg("Target project provisioned")
		return nil
	})
}

func (m *migration) noteProject(p *glab.Project) {
	m.status.ProjectID = p.ID
	m.repoURL = p.HTTPURLToRepo
	if p.DefaultBranch != "" {
		m.defaultBranch = p.DefaultBranch
	}
	m.h.SetMigration(m.status)
}

// targetRepoURL falls back to the conventional GitLab clone URL when the
// provision response is not at hand, as after a resume.
func (m *migration) targetRepoURL() string {
	if m.repoURL != "" {
		return m.repoURL
	}
	return strings.TrimRight(m.baseURL, "/") + "/" + m.project() + ".git"
}

// stageClone converts SVN history into git. An existing converted repo is
// fetched incrementally; git-svn picks up from its own metadata.
func (m *migration) stageClone(ctx context.Context) error {
	conn := m.params.Connection

	if _, err := os.Stat(filepath.Join(m.repoDir(), ".git")); err != nil {
		args := []string{"svn", "init", "--prefix=origin/"}
		args = append(args, layoutArgs(m.params.Layout)...)
		if conn.Username != "" {
			args = append(args, "--username", conn.Username)
		}
		args = append(args, conn.URL, repoDirName)
		res, err := m.e.proc.run(ctx, cmdSpec{
			dir:   m.ws,
			name:  "git",
			args:  args,
			env:   m.gitEnv(),
			stdin: gitSvnStdin(conn),
		})
		if err != nil {
			m.noteStderr(res)
			return classifyGitSvnError(res, err)
		}
	}

	onLine := func(line string) {
		m.appendLog(line)
		rev, ok := parseRevLine(line)
		if !ok {
			return
		}
		m.status.Revision = rev
		m.h.SetProgress(int(rev), "r"+strconv.FormatInt(rev, 10))
		metrics.MigrationRevisionsTotal.Inc()
		if rev-m.lastPersisted >= persistEvery {
			m.lastPersisted = rev
			m.h.SetMigration(m.status)
			m.persist(types.StageClone)
		}
	}

	fetchArgs := []string{"svn", "fetch", "--authors-file=" + filepath.Join(m.ws, authorsFile)}
	if conn.Username != "" {
		fetchArgs = append(fetchArgs, "--username", conn.Username)
	}
	for {
		res, err := m.e.proc.run(ctx, cmdSpec{
			dir:    m.repoDir(),
			name:   "git",
			args:   fetchArgs,
			env:    m.gitEnv(),
			stdin:  gitSvnStdin(conn),
			onLine: onLine,
		})
		if err == nil {
			break
		}
		login, ok := unmappedAuthor(res)
		if !ok {
			m.noteStderr(res)
			return classifyGitSvnError(res, err)
		}
		// An identity that joined after author extraction. Park for a
		// mapping, rewrite the file, pick the fetch back up.
		if err := m.pauseForAuthors(ctx, []string{login}); err != nil {
			return err
		}
		if err := renderAuthorsFile(m.ws, m.params.Authors); err != nil {
			return err
		}
	}

	m.h.SetMigration(m.status)
	m.persist(types.StageClone)
	m.logger.Info().Int64("revision", m.status.Revision).Msg("SVN history fetched")
	return nil
}

// stageRewritePush materializes branches and tags from the git-svn tracking
// refs and force-pushes them to the target project.
func (m *migration) stageRewritePush(ctx context.Context) error {
	res, err := m.git(ctx, nil, "for-each-ref", "refs/remotes/origin", "--format=%(refname) %(objectname)")
	if err != nil {
		return err
	}
	branches, tags := planRefs(parseRefLines(res.stdout), m.defaultBranch, m.params.Options)
	if len(branches) == 0 {
		return fmt.Errorf("no branches survived the conversion: %w", types.ErrMigrationMismatch)
	}

	for _, ref := range sortedRefs(branches) {
		if _, err := m.git(ctx, nil, "update-ref", "refs/heads/"+ref.name, ref.sha); err != nil {
			return err
		}
	}
	for _, ref := range sortedRefs(tags) {
		if _, err := m.git(ctx, nil, "update-ref", "refs/tags/"+ref.name, ref.sha); err != nil {
			return err
		}
	}
	if _, err := m.git(ctx, nil, "symbolic-ref", "HEAD", "refs/heads/"+m.defaultBranch); err != nil {
		return err
	}
	m.logger.Info().Int("branches", len(branches)).Int("tags", len(tags)).Msg("Refs rewritten")

	return m.e.sessions.WithToken(m.sessionID, func(token string) error {
		res, err := m.e.proc.run(ctx, cmdSpec{
			dir:  m.repoDir(),
			name: "git",
			args: []string{"push", "--force", m.targetRepoURL(), "refs/heads/*:refs/heads/*", "refs/tags/*:refs/tags/*"},
			env:  append(m.gitEnv(), pushEnv(token)...),
		})
		if err != nil {
			m.noteStderr(res)
			return classifyGitHTTPError(res, err)
		}
		return nil
	})
}

// stageVerify compares ref counts and HEAD between the local conversion and
// what GitLab reports.
func (m *migration) stageVerify(ctx context.Context) error {
	local, err := m.git(ctx, nil, "for-each-ref", "refs/heads", "refs/tags", "--format=%(refname)")
	if err != nil {
		return err
	}
	localRefs := countLines(local.stdout)

	headRes, err := m.git(ctx, nil, "rev-parse", "HEAD")
	if err != nil {
		return err
	}
	localHead := strings.TrimSpace(headRes.stdout)

	var remoteRefs int
	var remoteHead string
	err = m.e.sessions.WithToken(m.sessionID, func(token string) error {
		res, err := m.e.proc.run(ctx, cmdSpec{
			dir:  m.repoDir(),
			name: "git",
			args: []string{"ls-remote", m.targetRepoURL()},
			env:  append(m.gitEnv(), pushEnv(token)...),
		})
		if err != nil {
			m.noteStderr(res)
			return classifyGitHTTPError(res, err)
		}
		remoteRefs, remoteHead = parseLsRemote(res.stdout)
		return nil
	})
	if err != nil {
		return err
	}

	if remoteRefs != localRefs {
		return fmt.Errorf("pushed %d refs but remote reports %d: %w", localRefs, remoteRefs, types.ErrMigrationMismatch)
	}
	if remoteHead != "" && remoteHead != localHead {
		return fmt.Errorf("remote HEAD %s does not match local %s: %w", shortSha(remoteHead), shortSha(localHead), types.ErrMigrationMismatch)
	}
	m.logger.Info().Int("refs", localRefs).Msg("Migration verified against GitLab")
	return nil
}

// stageCleanup removes the workspace, or preserves it as the anchor for
// future incremental syncs.
func (m *migration) stageCleanup(ctx context.Context) error {
	if m.params.Options.KeepTemp || m.params.Options.Incremental {
		if m.dropOversizeWorkspace() {
			m.h.SetMigration(m.status)
			return nil
		}
		// A later sync re-enters the pipeline from the top: validate
		// re-probes the server and author extraction catches committers
		// who joined since this run.
		m.persist(types.StageValidate)
		m.logger.Info().Str("workspace", m.ws).Msg("Workspace preserved for incremental sync")
		return nil
	}
	if err := os.RemoveAll(m.ws); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	if err := m.e.index.DeleteMigration(m.project()); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to drop migration record")
	}
	m.status.Workspace = ""
	m.h.SetMigration(m.status)
	return nil
}

// layoutArgs maps the repository layout onto git svn init flags.
func layoutArgs(l types.SvnLayout) []string {
	if l.Standard {
		return []string{"--stdlayout"}
	}
	args := []string{"--trunk=" + l.Trunk}
	if l.Branches != "" {
		args = append(args, "--branches="+l.Branches)
	}
	if l.Tags != "" {
		args = append(args, "--tags="+l.Tags)
	}
	return args
}

func parseRevLine(line string) (int64, bool) {
	match := revLineRe.FindStringSubmatch(line)
	if match == nil {
		return 0, false
	}
	rev, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return rev, true
}

// unmappedAuthor extracts the identity git-svn choked on, if that is what
// killed the fetch.
func unmappedAuthor(res *cmdResult) (string, bool) {
	if res == nil {
		return "", false
	}
	match := unmappedAuthorRe.FindStringSubmatch(res.stderr)
	if match == nil {
		return "", false
	}
	return match[1], true
}

type refPair struct{ name, sha string }

func parseRefLines(out string) []refPair {
	var refs []refPair
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		refs = append(refs, refPair{name: fields[0], sha: fields[1]})
	}
	return refs
}

// planRefs converts git-svn tracking refs into the branches and tags to
// publish. Trunk becomes the default branch; revision-pegged refs like
// "feature@1042" are conversion artifacts and stay behind.
func planRefs(refs []refPair, defaultBranch string, opts types.MigrationOptions) (branches, tags map[string]string) {
	branches = make(map[string]string)
	tags = make(map[string]string)
	for _, r := range refs {
		short := strings.TrimPrefix(r.name, "refs/remotes/origin/")
		switch {
		case strings.Contains(short, "@"):
		case short == "trunk":
			branches[defaultBranch] = r.sha
		case strings.HasPrefix(short, "tags/"):
			tags[strings.TrimPrefix(short, "tags/")] = r.sha
		default:
			if includeBranch(short, opts) {
				branches[short] = r.sha
			}
		}
	}
	return branches, tags
}

// includeBranch applies the branch filters. Includes, when present, form an
// allowlist; excludes always win.
func includeBranch(name string, opts types.MigrationOptions) bool {
	for _, pat := range opts.ExcludeBranches {
		if matchBranch(pat, name) {
			return false
		}
	}
	if len(opts.IncludeBranches) == 0 {
		return true
	}
	for _, pat := range opts.IncludeBranches {
		if matchBranch(pat, name) {
			return true
		}
	}
	return false
}

func matchBranch(pattern, name string) bool {
	ok, err := path.Match(pattern, name)
	if err != nil {
		return pattern == name
	}
	return ok
}

func sortedRefs(m map[string]string) []refPair {
	refs := make([]refPair, 0, len(m))
	for name, sha := range m {
		refs = append(refs, refPair{name: name, sha: sha})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].name < refs[j].name })
	return refs
}

func countLines(out string) int {
	n := 0
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n
}

// parseLsRemote counts published branch and tag refs, skipping peeled tag
// entries, and picks out the advertised HEAD.
func parseLsRemote(out string) (refs int, head string) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		sha, ref := fields[0], fields[1]
		switch {
		case ref == "HEAD":
			head = sha
		case strings.HasSuffix(ref, "^{}"):
		case strings.HasPrefix(ref, "refs/heads/") || strings.HasPrefix(ref, "refs/tags/"):
			refs++
		}
	}
	return refs, head
}

func shortSha(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

// classifyGitSvnError maps git-svn failures onto the error taxonomy. The
// underlying svn layer surfaces the same codes the svn CLI would.
func classifyGitSvnError(res *cmdResult, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var stderr string
	if res != nil {
		stderr = res.stderr
	}
	msg := lastLine(stderr)
	switch {
	case containsAny(stderr, "Authorization failed", "Authentication failed", "E170001", "E215004"):
		return fmt.Errorf("%s: %w", msg, types.ErrSvnAuth)
	case containsAny(stderr, "Connection refused", "Could not resolve", "Unable to connect", "E170013"):
		return fmt.Errorf("%s: %w", msg, types.ErrSvnUnavailable)
	}
	if msg == "" {
		return err
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// classifyGitHTTPError maps git-over-HTTP failures against GitLab onto the
// error taxonomy.
func classifyGitHTTPError(res *cmdResult, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var stderr string
	if res != nil {
		stderr = res.stderr
	}
	msg := lastLine(stderr)
	switch {
	case containsAny(stderr, "Authentication failed", "returned error: 401"):
		return fmt.Errorf("%s: %w", msg, types.ErrBadCredentials)
	case containsAny(stderr, "returned error: 403", "403 Forbidden", "access denied"):
		return fmt.Errorf("%s: %w", msg, types.ErrForbidden)
	case containsAny(stderr, "Could not resolve host", "Failed to connect", "Connection refused", "returned error: 502", "returned error: 503"):
		return fmt.Errorf("%s: %w", msg, types.ErrUpstreamUnavailable)
	}
	if msg == "" {
		return err
	}
	return fmt.Errorf("%s: %w", msg, err)
}
