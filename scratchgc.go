package vmem

import (
	"os"
	"path/filepath"
	"strings"

	"k8s.io/klog/v2"
)

// gcScratchDir removes leftover backing files from a previous, crashed
// process before the dispatcher starts. internal/store.Store relies on
// unlink-after-open (or O_TMPFILE) for cleanup, which a crash defeats --
// this is the minimal supplement SPEC_FULL.md §4 calls for so a scratch
// directory doesn't accumulate garbage across restarts.
func gcScratchDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		// Nothing to sweep yet; Open will create the directory itself.
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !strings.HasPrefix(entry.Name(), "vmemcore-backing-") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			klog.Warningf("vmemcore: scratch gc: could not remove %s: %v", path, err)
		}
	}
}
