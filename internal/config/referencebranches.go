package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ReferenceBranches is a hot-reloadable ordered list of branch names used
// as statistical baselines for "expected time in status" (spec section
// 4.2.2 and 4.6). The first entry is the mainline; the rest are release
// branches. This resolves the spec's open question about the original
// cfbot hard-coding its reference branch list in Python: here it is a
// flat newline/`#`-comment file, reloaded the same way as the ignore
// list.
type ReferenceBranches struct {
	mu   sync.RWMutex
	list []string
	path string
}

// NewReferenceBranches loads path (if set) into a ReferenceBranches. A
// blank path yields a single-entry fallback of "master".
func NewReferenceBranches(path string) (*ReferenceBranches, error) {
	r := &ReferenceBranches{list: []string{"master"}, path: path}
	if path == "" {
		return r, nil
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// List returns a snapshot of the current reference branch list, mainline
// first.
func (r *ReferenceBranches) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.list))
	copy(out, r.list)
	return out
}

func (r *ReferenceBranches) reload() error {
	f, err := os.Open(r.path)
	if err != nil {
		return err
	}
	defer f.Close()

	var next []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		next = append(next, line)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if len(next) == 0 {
		return nil
	}

	r.mu.Lock()
	r.list = next
	r.mu.Unlock()
	return nil
}

// Watch mirrors IgnoreList.Watch: a debounced fsnotify reload on
// write/create, no-op if no path was configured.
func (r *ReferenceBranches) Watch(logger *zap.SugaredLogger) (stop func(), err error) {
	if r.path == "" {
		return func() {}, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != filepath.Base(r.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					time.Sleep(100 * time.Millisecond)
					if err := r.reload(); err != nil {
						logger.Warnf("reference branches: reload %s failed: %v", r.path, err)
					} else {
						logger.Infof("reference branches: reloaded from %s", r.path)
					}
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warnf("reference branches: watcher error: %v", werr)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		_ = watcher.Close()
	}, nil
}
