package ids

import (
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// Source is a "{file}:{line}" call-site string, optionally tagged with
// the package path relative to a configured manifest root.
type Source string

var (
	manifestRootMu sync.RWMutex
	manifestRoot   string
)

// SetManifestRoot configures the directory prefix stripped from captured
// file paths so Source values read as short, repo-relative strings
// instead of full filesystem paths. Call once during process init.
func SetManifestRoot(root string) {
	manifestRootMu.Lock()
	defer manifestRootMu.Unlock()
	manifestRoot = root
}

// CaptureSource walks up skip frames from its own caller and returns the
// file:line of that call site. Go has no compile-time "track caller"
// attribute, so every wrapper constructor that wants an accurate
// source calls this with skip=1 from its own outermost public function,
// which yields the file:line of that function's caller; future.Peep (the
// peep! equivalent) does exactly this.
func CaptureSource(skip int) Source {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return ""
	}
	return Source(stripManifestRoot(file) + ":" + strconv.Itoa(line))
}

func stripManifestRoot(file string) string {
	manifestRootMu.RLock()
	root := manifestRoot
	manifestRootMu.RUnlock()

	if root == "" {
		return file
	}
	if rel, err := filepath.Rel(root, file); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return file
}
