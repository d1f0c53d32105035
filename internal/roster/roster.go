// Package roster loads class enrolment and student names from a YAML file.
package roster

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"beaconattend/internal/attendance"
)

// Student is one enrolled student.
type Student struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// Document is the on-disk roster format:
//
//	classes:
//	  CS101:
//	    - id: S1
//	      name: Ada Lovelace
//	students:
//	  S9: Grace Hopper
type Document struct {
	Classes  map[string][]Student `yaml:"classes"`
	Students map[string]string    `yaml:"students"`
}

// File serves enrolment and names from a YAML file and can reload it when the
// file changes.
type File struct {
	path string

	mu       sync.RWMutex
	classes  map[string][]string
	names    map[string]string
	onReload []func()
}

// Open reads path. A missing file yields an empty roster so the service still
// starts; every class then reports ErrRosterUnavailable.
func Open(path string) (*File, error) {
	f := &File{path: path, classes: map[string][]string{}, names: map[string]string{}}
	if path == "" {
		log.Println("no roster configured, absentee marking disabled")
		return f, nil
	}
	if err := f.Reload(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Printf("roster file %s not found, absentee marking disabled until it appears", path)
			return f, nil
		}
		return nil, err
	}
	return f, nil
}

// Parse decodes a roster document.
func Parse(data []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("parse roster: %w", err)
	}
	return doc, nil
}

// Reload re-reads the file and swaps the in-memory copy.
func (f *File) Reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return err
	}
	doc, err := Parse(data)
	if err != nil {
		return err
	}

	classes := make(map[string][]string, len(doc.Classes))
	names := make(map[string]string, len(doc.Students))
	for id, name := range doc.Students {
		names[id] = name
	}
	for classID, students := range doc.Classes {
		seen := make(map[string]bool, len(students))
		ids := make([]string, 0, len(students))
		for _, st := range students {
			if st.ID == "" || seen[st.ID] {
				continue
			}
			seen[st.ID] = true
			ids = append(ids, st.ID)
			if st.Name != "" {
				names[st.ID] = st.Name
			}
		}
		sort.Strings(ids)
		classes[classID] = ids
	}

	f.mu.Lock()
	f.classes = classes
	f.names = names
	hooks := append([]func(){}, f.onReload...)
	f.mu.Unlock()

	for _, h := range hooks {
		h()
	}
	log.Printf("roster loaded: path=%s classes=%d students=%d", f.path, len(classes), len(names))
	return nil
}

// OnReload registers fn to run after every successful reload.
func (f *File) OnReload(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onReload = append(f.onReload, fn)
}

// EnrolledStudents implements attendance.Roster.
func (f *File) EnrolledStudents(_ context.Context, classID string) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids, ok := f.classes[classID]
	if !ok {
		return nil, attendance.ErrRosterUnavailable
	}
	return append([]string(nil), ids...), nil
}

// StudentName implements attendance.Directory.
func (f *File) StudentName(_ context.Context, studentID string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	name, ok := f.names[studentID]
	return name, ok
}

// Watch reloads the roster whenever its file is written or replaced, until
// ctx is done. The parent directory is watched so editors that save by
// rename are picked up.
func (f *File) Watch(ctx context.Context) error {
	if f.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create roster watcher: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(f.path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := f.Reload(); err != nil {
					log.Printf("roster reload failed: %v", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("roster watcher error: %v", err)
			}
		}
	}()
	return nil
}
