package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Profile is the declarative per-target configuration referenced by
// Session.ConfigPath: authentication material and rule hints that prompt
// templates consume. The kernel never interprets prompt content (out of
// scope, spec.md §1); it only loads and hot-reloads this document.
type Profile struct {
	Auth  AuthProfile       `yaml:"auth"`
	Rules map[string]string `yaml:"rules"`
}

// AuthProfile carries credentials/session material for the target, whose
// exact shape is dictated by prompt templates, not by the kernel.
type AuthProfile struct {
	Type     string            `yaml:"type"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	TOTPSeed string            `yaml:"totp_seed"`
	Headers  map[string]string `yaml:"headers"`
	Extra    map[string]string `yaml:"extra"`
}

// LoadProfile reads and expands a YAML profile document.
func LoadProfile(path string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile %s: %w", path, err)
	}
	expanded := ExpandEnvVars(string(raw))

	var p Profile
	if err := yaml.Unmarshal([]byte(expanded), &p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return &p, nil
}

// ProfileWatcher re-reads a Profile whenever its file changes on disk, so a
// long-running assessment can pick up a corrected auth profile mid-run
// without a restart.
type ProfileWatcher struct {
	mu      sync.RWMutex
	path    string
	current *Profile
	watcher *fsnotify.Watcher
	done    chan struct{}
	onErr   func(error)
}

// NewProfileWatcher loads path once and begins watching it for changes.
// onErr, if non-nil, is called with any reload error (the watcher keeps
// running and keeps serving the last-good Profile).
func NewProfileWatcher(path string, onErr func(error)) (*ProfileWatcher, error) {
	initial, err := LoadProfile(path)
	if err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create profile watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch profile %s: %w", path, err)
	}

	pw := &ProfileWatcher{
		path:    path,
		current: initial,
		watcher: w,
		done:    make(chan struct{}),
		onErr:   onErr,
	}
	go pw.loop()
	return pw, nil
}

func (pw *ProfileWatcher) loop() {
	for {
		select {
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			reloaded, err := LoadProfile(pw.path)
			if err != nil {
				if pw.onErr != nil {
					pw.onErr(err)
				}
				continue
			}
			pw.mu.Lock()
			pw.current = reloaded
			pw.mu.Unlock()
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			if pw.onErr != nil {
				pw.onErr(err)
			}
		case <-pw.done:
			return
		}
	}
}

// Current returns the most recently loaded Profile.
func (pw *ProfileWatcher) Current() *Profile {
	pw.mu.RLock()
	defer pw.mu.RUnlock()
	return pw.current
}

// Close stops the watcher.
func (pw *ProfileWatcher) Close() error {
	close(pw.done)
	return pw.watcher.Close()
}
