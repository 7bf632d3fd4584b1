package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pghoya2956/gitlab-bulk-manager/pkg/types"
)

func TestParseRevLine(t *testing.T) {
	tests := []struct {
		line string
		rev  int64
		ok   bool
	}{
		{"r1 = 9f4c2a18e0b3d4f5a6b7c8d9e0f1a2b3c4d5e6f7 (refs/remotes/origin/trunk)", 1, true},
		{"r1042 = 9f4c2a1 (refs/remotes/origin/trunk)", 1042, true},
		{"\tA\ttrunk/main.c", 0, false},
		{"W: something", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		rev, ok := parseRevLine(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		assert.Equal(t, tt.rev, rev, tt.line)
	}
}

func TestUnmappedAuthor(t *testing.T) {
	login, ok := unmappedAuthor(&cmdResult{stderr: "Author: ghost not defined in /tmp/ws/authors.txt file"})
	assert.True(t, ok)
	assert.Equal(t, "ghost", login)

	_, ok = unmappedAuthor(&cmdResult{stderr: "fatal: something else"})
	assert.False(t, ok)

	_, ok = unmappedAuthor(nil)
	assert.False(t, ok)
}

func TestPlanRefs(t *testing.T) {
	refs := []refPair{
		{"refs/remotes/origin/trunk", "aaa"},
		{"refs/remotes/origin/feature-x", "bbb"},
		{"refs/remotes/origin/feature-x@1042", "ccc"},
		{"refs/remotes/origin/tags/v1.0", "ddd"},
		{"refs/remotes/origin/tmp-rework", "eee"},
	}
	opts := types.MigrationOptions{ExcludeBranches: []string{"tmp-*"}}

	branches, tags := planRefs(refs, "main", opts)

	assert.Equal(t, map[string]string{"main": "aaa", "feature-x": "bbb"}, branches)
	assert.Equal(t, map[string]string{"v1.0": "ddd"}, tags)
}

func TestIncludeBranch(t *testing.T) {
	tests := []struct {
		name string
		opts types.MigrationOptions
		want bool
	}{
		{"feature-x", types.MigrationOptions{}, true},
		{"feature-x", types.MigrationOptions{IncludeBranches: []string{"feature-*"}}, true},
		{"hotfix-1", types.MigrationOptions{IncludeBranches: []string{"feature-*"}}, false},
		{"feature-x", types.MigrationOptions{IncludeBranches: []string{"feature-*"}, ExcludeBranches: []string{"feature-x"}}, false},
		{"release", types.MigrationOptions{ExcludeBranches: []string{"tmp-*"}}, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, includeBranch(tt.name, tt.opts), "%s with %+v", tt.name, tt.opts)
	}
}

func TestLayoutArgs(t *testing.T) {
	assert.Equal(t, []string{"--stdlayout"}, layoutArgs(types.SvnLayout{Standard: true}))

	custom := types.SvnLayout{Trunk: "code", Branches: "forks", Tags: "releases"}
	assert.Equal(t, []string{"--trunk=code", "--branches=forks", "--tags=releases"}, layoutArgs(custom))

	trunkOnly := types.SvnLayout{Trunk: "code"}
	assert.Equal(t, []string{"--trunk=code"}, layoutArgs(trunkOnly))
}

func TestParseLsRemote(t *testing.T) {
	out := "9f4c2a18e0b3d4f5a6b7c8d9e0f1a2b3c4d5e6f7\tHEAD\n" +
		"9f4c2a18e0b3d4f5a6b7c8d9e0f1a2b3c4d5e6f7\trefs/heads/main\n" +
		"1111111111111111111111111111111111111111\trefs/heads/feature-x\n" +
		"2222222222222222222222222222222222222222\trefs/tags/v1.0\n" +
		"3333333333333333333333333333333333333333\trefs/tags/v1.0^{}\n"

	refs, head := parseLsRemote(out)
	assert.Equal(t, 3, refs, "peeled tag entries must not count")
	assert.Equal(t, "9f4c2a18e0b3d4f5a6b7c8d9e0f1a2b3c4d5e6f7", head)
}

func TestParseRefLines(t *testing.T) {
	out := "refs/remotes/origin/trunk aaa\nrefs/remotes/origin/tags/v1 bbb\n\n"
	refs := parseRefLines(out)
	assert.Equal(t, []refPair{
		{"refs/remotes/origin/trunk", "aaa"},
		{"refs/remotes/origin/tags/v1", "bbb"},
	}, refs)
}

func TestMissingAuthors(t *testing.T) {
	mapped := map[string]types.Author{"alice": {Name: "Alice", Email: "a@example.com"}}
	missing := missingAuthors([]string{"alice", "bob", "carol"}, mapped)
	assert.Equal(t, []string{"bob", "carol"}, missing)

	assert.Empty(t, missingAuthors([]string{"alice"}, mapped))
	assert.Equal(t, []string{"bob"}, missingAuthors([]string{"bob"}, nil))
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "legacy-app", slugify("Legacy App"))
	assert.Equal(t, "core-lib-v2", slugify("Core  Lib (v2)"))
	assert.Equal(t, "app", slugify("  app  "))
	assert.Equal(t, "", slugify("***"))
}
