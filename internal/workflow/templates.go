// Package workflow expands workflow templates into ordered task chains and
// advances runs as stages complete.
package workflow

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/jfenner/foreman/internal/models"
)

// Library holds the known workflow templates, loaded from a directory of
// YAML files and hot-reloaded when the directory changes.
type Library struct {
	dir string

	mu        sync.RWMutex
	templates map[string]*models.WorkflowTemplate

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewLibrary loads all templates from dir. A missing directory yields an
// empty library; templates can still be registered programmatically.
func NewLibrary(dir string) (*Library, error) {
	l := &Library{
		dir:       dir,
		templates: make(map[string]*models.WorkflowTemplate),
		done:      make(chan struct{}),
	}
	if dir == "" {
		return l, nil
	}
	if err := l.loadDir(); err != nil {
		return nil, err
	}
	return l, nil
}

// Watch starts reloading templates on filesystem changes. Stop with Close.
func (l *Library) Watch() error {
	if l.dir == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create template watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch template dir: %w", err)
	}
	l.watcher = watcher

	go func() {
		for {
			select {
			case <-l.done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := l.loadDir(); err != nil {
					log.Printf("workflow: template reload failed: %v", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("workflow: template watcher error: %v", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (l *Library) Close() error {
	close(l.done)
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

func (l *Library) loadDir() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read template dir: %w", err)
	}

	loaded := make(map[string]*models.WorkflowTemplate)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		tmpl, err := loadFile(filepath.Join(l.dir, name))
		if err != nil {
			log.Printf("workflow: skipping template %s: %v", name, err)
			continue
		}
		loaded[tmpl.ID] = tmpl
	}

	l.mu.Lock()
	l.templates = loaded
	l.mu.Unlock()
	return nil
}

func loadFile(path string) (*models.WorkflowTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	var tmpl models.WorkflowTemplate
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	if tmpl.ID == "" {
		tmpl.ID = strings.TrimSuffix(strings.TrimSuffix(filepath.Base(path), ".yaml"), ".yml")
	}
	if err := Validate(&tmpl); err != nil {
		return nil, err
	}
	return &tmpl, nil
}

// Validate checks a template is executable: at least one stage, each with
// a non-empty capability set.
func Validate(tmpl *models.WorkflowTemplate) error {
	if len(tmpl.Stages) == 0 {
		return fmt.Errorf("template %s has no stages", tmpl.ID)
	}
	for i, stage := range tmpl.Stages {
		if len(stage.Capabilities) == 0 {
			return fmt.Errorf("template %s stage %d (%s) declares no capabilities", tmpl.ID, i, stage.Name)
		}
	}
	return nil
}

// Register adds or replaces a template programmatically.
func (l *Library) Register(tmpl *models.WorkflowTemplate) error {
	if err := Validate(tmpl); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.templates[tmpl.ID] = tmpl
	return nil
}

// Get returns a template by ID, or nil if unknown.
func (l *Library) Get(id string) *models.WorkflowTemplate {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.templates[id]
}

// List returns all known templates.
func (l *Library) List() []*models.WorkflowTemplate {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*models.WorkflowTemplate, 0, len(l.templates))
	for _, t := range l.templates {
		out = append(out, t)
	}
	return out
}
