package migrate

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pghoya2956/gitlab-bulk-manager/pkg/types"
)

const (
	stateFile   = "state.json"
	authorsFile = "authors.txt"
	repoDirName = "repo"
)

// workspaceState anchors resumability inside the workspace itself, next to
// the clone it describes. The bbolt index holds the same anchor; the copy
// here survives an index wipe.
type workspaceState struct {
	Project   string               `json:"project"`
	Stage     types.MigrationStage `json:"stage"`
	Revision  int64                `json:"revision"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

// newWorkspace creates a private scratch directory for one migration. The
// 0700 mode keeps checked-out history and auth caches away from other
// users on the host.
func newWorkspace(root string) (string, error) {
	if root != "" {
		if err := os.MkdirAll(root, 0o700); err != nil {
			return "", fmt.Errorf("create workspace root: %w", err)
		}
	}
	dir, err := os.MkdirTemp(root, "gbm-migrate-")
	if err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

func saveWorkspaceState(ws string, st *workspaceState) error {
	st.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	tmp := filepath.Join(ws, stateFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write workspace state: %w", err)
	}
	return os.Rename(tmp, filepath.Join(ws, stateFile))
}

func loadWorkspaceState(ws string) (*workspaceState, error) {
	data, err := os.ReadFile(filepath.Join(ws, stateFile))
	if err != nil {
		return nil, err
	}
	var st workspaceState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// workspaceSize sums the regular files under ws. Entries that vanish or
// refuse a stat mid-walk are skipped, so the result can undercount.
func workspaceSize(ws string) int64 {
	var total int64
	_ = filepath.WalkDir(ws, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, ierr := d.Info(); ierr == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

// usableWorkspace reports whether a preserved workspace can anchor a resume
// for the given project. A missing or corrupt state file, or one written
// for a different project, means starting over.
func usableWorkspace(ws, project string) bool {
	if ws == "" {
		return false
	}
	st, err := loadWorkspaceState(ws)
	if err != nil {
		return false
	}
	return st.Project == project
}

// renderAuthorsFile writes the git-svn authors mapping, one identity per
// line in "login = Name <email>" form.
func renderAuthorsFile(ws string, authors map[string]types.Author) error {
	logins := make([]string, 0, len(authors))
	for login := range authors {
		logins = append(logins, login)
	}
	sort.Strings(logins)

	var b strings.Builder
	for _, login := range logins {
		a := authors[login]
		fmt.Fprintf(&b, "%s = %s <%s>\n", login, a.Name, a.Email)
	}
	return os.WriteFile(filepath.Join(ws, authorsFile), []byte(b.String()), 0o600)
}
