package migrate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pghoya2956/gitlab-bulk-manager/pkg/types"
)

const infoXML = `<?xml version="1.0" encoding="UTF-8"?>
<info>
<entry kind="dir" path="repo" revision="1042">
<url>https://svn.example.com/repo</url>
<repository>
<root>https://svn.example.com/repo</root>
<uuid>5b2cf6f1-d265-4bb6-9a3f-95b94a1fd7de</uuid>
</repository>
</entry>
</info>`

const logXML = `<?xml version="1.0" encoding="UTF-8"?>
<log>
<logentry revision="3"><author>carol</author><date>2019-04-01T10:00:00Z</date></logentry>
<logentry revision="2"><author>alice</author><date>2019-03-01T10:00:00Z</date></logentry>
<logentry revision="1"><author>alice</author><date>2019-02-01T10:00:00Z</date></logentry>
</log>`

func testConn() types.SvnConnection {
	return types.SvnConnection{
		URL:      "https://svn.example.com/repo",
		Username: "alice",
		Password: "hunter2",
	}
}

func TestSvnInfoParsesXML(t *testing.T) {
	proc := newFakeRunner(fakeRule{contains: "svn info", stdout: infoXML})

	info, err := svnInfo(context.Background(), proc, testConn(), testConn().URL)
	require.NoError(t, err)
	assert.Equal(t, "https://svn.example.com/repo", info.RepositoryRoot)
	assert.Equal(t, "5b2cf6f1-d265-4bb6-9a3f-95b94a1fd7de", info.RepositoryUUID)
	assert.Equal(t, int64(1042), info.Revision)
}

func TestSvnInfoKeepsPasswordOffArgv(t *testing.T) {
	proc := newFakeRunner(fakeRule{contains: "svn info", stdout: infoXML})

	_, err := svnInfo(context.Background(), proc, testConn(), testConn().URL)
	require.NoError(t, err)

	require.Len(t, proc.calls, 1)
	call := proc.calls[0]
	assert.NotContains(t, call.args, "hunter2")
	assert.Contains(t, call.args, "--password-from-stdin")
	assert.Contains(t, call.args, "--non-interactive")
	assert.Contains(t, call.args, "--no-auth-cache")
	assert.Equal(t, "hunter2", call.stdin)
}

func TestSvnBaseArgsAnonymous(t *testing.T) {
	args, stdin := svnBaseArgs(types.SvnConnection{URL: "https://svn.example.com/repo"})

	assert.Empty(t, stdin)
	assert.NotContains(t, args, "--username")
	assert.NotContains(t, args, "--password-from-stdin")
}

func TestSvnAuthorsUniqueAndSorted(t *testing.T) {
	proc := newFakeRunner(fakeRule{contains: "svn log", stdout: logXML})

	authors, err := svnAuthors(context.Background(), proc, testConn())
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "carol"}, authors)
}

func TestClassifySvnError(t *testing.T) {
	exitErr := errors.New("exit status 1")
	tests := []struct {
		name   string
		stderr string
		err    error
		want   error
	}{
		{
			name:   "auth code",
			stderr: "svn: E170001: Authorization failed",
			err:    exitErr,
			want:   types.ErrSvnAuth,
		},
		{
			name:   "auth prose",
			stderr: "svn: Authentication failed and interactive prompting is disabled",
			err:    exitErr,
			want:   types.ErrSvnAuth,
		},
		{
			name:   "unreachable",
			stderr: "svn: E170013: Unable to connect to a repository at URL\nsvn: E731001: Could not resolve hostname",
			err:    exitErr,
			want:   types.ErrSvnUnavailable,
		},
		{
			name:   "missing path",
			stderr: "svn: E160013: '/repo/trunk' path not found",
			err:    exitErr,
			want:   types.ErrSvnLayout,
		},
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: types.ErrTimeout,
		},
		{
			name: "cancelled",
			err:  context.Canceled,
			want: types.ErrCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifySvnError(&cmdResult{stderr: tt.stderr}, tt.err)
			assert.ErrorIs(t, got, tt.want)
		})
	}
}

func TestClassifySvnErrorPassesUnknownThrough(t *testing.T) {
	raw := errors.New("exit status 1")
	got := classifySvnError(&cmdResult{stderr: "svn: something odd"}, raw)
	assert.ErrorIs(t, got, raw)
}

func TestCheckLayoutProbesTrunk(t *testing.T) {
	proc := newFakeRunner(fakeRule{contains: "svn info", stdout: infoXML})

	err := checkLayout(context.Background(), proc, testConn(), types.SvnLayout{Standard: true})
	require.NoError(t, err)
	assert.True(t, proc.calledWith("https://svn.example.com/repo/trunk"))
}

func TestCheckLayoutRejectsMissingTrunk(t *testing.T) {
	proc := newFakeRunner(fakeRule{
		contains: "svn info",
		stderr:   "svn: E160013: '/repo/code' path not found",
		err:      errors.New("exit status 1"),
	})

	layout := types.SvnLayout{Trunk: "code"}
	err := checkLayout(context.Background(), proc, testConn(), layout)
	assert.ErrorIs(t, err, types.ErrSvnLayout)
}

func TestCheckLayoutNeedsATrunkPath(t *testing.T) {
	err := checkLayout(context.Background(), newFakeRunner(), testConn(), types.SvnLayout{})
	assert.ErrorIs(t, err, types.ErrSvnLayout)
}
