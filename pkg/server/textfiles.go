package server

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// trackedFiles are the text files served at connection lifecycle points,
// keyed by the name sessions ask for.
var trackedFiles = []struct {
	Key  string
	Name string
	Desc string
}{
	{"connect", "connect.txt", "welcome screen"},
	{"motd", "motd.txt", "post-login MOTD"},
	{"quit", "quit.txt", "quit message"},
	{"full", "full.txt", "too many connections"},
}

// TextFiles holds cached text file contents.
type TextFiles struct {
	dir   string
	mu    sync.RWMutex
	texts map[string]string
}

// LoadTextFiles reads the tracked files from dir. Missing or empty files
// result in empty strings. An empty dir yields an empty set.
func LoadTextFiles(dir string) *TextFiles {
	tf := &TextFiles{dir: dir, texts: make(map[string]string)}
	if dir != "" {
		tf.Reload()
	}
	return tf
}

// Get returns the text for key ("connect", "motd", "quit", "full").
func (tf *TextFiles) Get(key string) string {
	tf.mu.RLock()
	defer tf.mu.RUnlock()
	return tf.texts[key]
}

// Reload rereads every tracked file and returns how many are non-empty.
func (tf *TextFiles) Reload() int {
	texts := make(map[string]string, len(trackedFiles))
	count := 0
	for _, f := range trackedFiles {
		data, err := os.ReadFile(filepath.Join(tf.dir, f.Name))
		if err != nil {
			continue
		}
		text := strings.TrimRight(string(data), "\r\n")
		if text != "" {
			texts[f.Key] = text
			count++
		}
	}
	tf.mu.Lock()
	tf.texts = texts
	tf.mu.Unlock()
	log.Printf("Loaded %d text files from %s", count, tf.dir)
	return count
}

// Watch reloads the files whenever one of them changes on disk, until ctx
// is done. It returns once the watcher is installed.
func (tf *TextFiles) Watch(ctx context.Context) error {
	if tf.dir == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(tf.dir); err != nil {
		watcher.Close()
		return err
	}

	tracked := make(map[string]string, len(trackedFiles))
	for _, f := range trackedFiles {
		tracked[f.Name] = f.Desc
	}

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
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				name := filepath.Base(event.Name)
				desc, ok := tracked[name]
				if !ok {
					continue
				}
				log.Printf("Text file changed: %s (%s)", name, desc)
				tf.Reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("Text file watcher error: %v", err)
			}
		}
	}()
	log.Printf("Watching text directory for changes: %s", tf.dir)
	return nil
}
