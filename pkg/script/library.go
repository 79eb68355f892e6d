package script

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/odvcencio/testpilot/pkg/errors"
)

// Library is the on-disk saved-script collection. One JSON file per script.
// External edits to the directory are picked up by a filesystem watcher.
type Library struct {
	dir string

	mu      sync.RWMutex
	scripts map[string]*Script

	watcher *fsnotify.Watcher
}

// NewLibrary opens (creating if needed) a script library directory and loads
// every script in it.
func NewLibrary(dir string) (*Library, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageWrite, "create script library").
			WithContext("dir", dir)
	}
	l := &Library{
		dir:     dir,
		scripts: make(map[string]*Script),
	}
	if err := l.reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Watch starts reloading the library when its directory changes. Returns
// when ctx is done.
func (l *Library) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "create library watcher")
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return errors.Wrap(err, errors.ErrCodeInternal, "watch library dir").
			WithContext("dir", l.dir)
	}
	l.watcher = watcher

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					_ = l.reload()
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

func (l *Library) reload() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageRead, "read script library").
			WithContext("dir", l.dir)
	}

	scripts := make(map[string]*Script)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(l.dir, entry.Name()))
		if err != nil {
			continue
		}
		var s Script
		if err := json.Unmarshal(data, &s); err != nil {
			continue // skip unparsable files, external edits may be mid-write
		}
		if s.ID == "" {
			continue
		}
		scripts[s.ID] = &s
	}

	l.mu.Lock()
	l.scripts = scripts
	l.mu.Unlock()
	return nil
}

// Get returns a copy of one script.
func (l *Library) Get(id string) (*Script, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.scripts[id]
	if !ok {
		return nil, errors.New(errors.ErrCodeScriptNotFound, "script not found").
			WithContext("scriptId", id)
	}
	return s.Clone(), nil
}

// List returns copies of every script sorted by name.
func (l *Library) List() []*Script {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Script, 0, len(l.scripts))
	for _, s := range l.scripts {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Save validates and persists a script, replacing any existing version.
func (l *Library) Save(s *Script) error {
	if err := s.Validate(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "encode script").
			WithContext("scriptId", s.ID)
	}
	path := filepath.Join(l.dir, s.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "write script").
			WithContext("scriptId", s.ID)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "commit script").
			WithContext("scriptId", s.ID)
	}

	l.mu.Lock()
	l.scripts[s.ID] = s.Clone()
	l.mu.Unlock()
	return nil
}

// Delete removes a script from disk and memory.
func (l *Library) Delete(id string) error {
	l.mu.Lock()
	_, ok := l.scripts[id]
	if ok {
		delete(l.scripts, id)
	}
	l.mu.Unlock()
	if !ok {
		return errors.New(errors.ErrCodeScriptNotFound, "script not found").
			WithContext("scriptId", id)
	}
	if err := os.Remove(filepath.Join(l.dir, id+".json")); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "delete script").
			WithContext("scriptId", id)
	}
	return nil
}
