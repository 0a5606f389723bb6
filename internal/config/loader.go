package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// LoadServerDefinitionsFile reads a server-definition file (JSON or YAML,
// by extension) from disk and parses it per the three shapes in spec §6.
//
// # Security considerations
//
// File permissions: files that are world- or group-readable are rejected
// (owner-only 0600/0400), since server definitions routinely carry bearer
// tokens and OAuth client secrets.
//
// File size limit: files larger than 1MB are rejected to bound memory use
// against a malformed or hostile config path.
func LoadServerDefinitionsFile(path string) ([]ServerDefinition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening server definitions file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat server definitions file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("server definitions file validation failed: %w", err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading server definitions file: %w", err)
	}

	if isYAMLPath(path) {
		k := koanf.New(".")
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing YAML server definitions: %w", err)
		}
		asJSON, err := json.Marshal(k.Raw())
		if err != nil {
			return nil, fmt.Errorf("re-encoding server definitions: %w", err)
		}
		return ParseServerDefinitions(asJSON)
	}

	return ParseServerDefinitions(content)
}

// validateConfigFileProperties checks file permissions and size. Only runs
// against an already-opened file's FileInfo, avoiding a TOCTOU race between
// stat and read.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

func isYAMLPath(path string) bool {
	n := len(path)
	return n >= 5 && path[n-5:] == ".yaml" || n >= 4 && path[n-4:] == ".yml"
}

// Watcher watches a server-definitions file for changes and invokes onChange
// with the freshly parsed definitions, so a long-lived host process can pick
// up edits without restarting.
type Watcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// WatchServerDefinitionsFile starts watching path for writes/renames and
// calls onChange(defs, nil) on success or onChange(nil, err) if a reload
// fails. Call Close to stop watching.
func WatchServerDefinitionsFile(path string, onChange func([]ServerDefinition, error)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching %s: %w", path, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				defs, err := LoadServerDefinitionsFile(path)
				onChange(defs, err)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				onChange(nil, err)
			case <-done:
				return
			}
		}
	}()

	return &Watcher{watcher: w, done: done}, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
