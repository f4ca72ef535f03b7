package rules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/proxyforge/interceptproxy/internal/model"
)

// fileDocument is the on-disk YAML shape: a flat list of rules.
type fileDocument struct {
	Rules []model.BlockRule `yaml:"rules"`
}

// FileStore is a RuleStore backed by a single YAML file. It holds an
// in-memory snapshot that is reloaded whenever the file changes on disk
// (edited by hand, or by another process such as the admin GUI), so
// PolicyEngine reads never touch the filesystem directly — see spec §9's
// note that a cached active-rule list with invalidation on CRUD is a valid
// reading of PolicyEngine's snapshot requirement.
type FileStore struct {
	path string
	log  *zap.Logger

	mu    sync.RWMutex
	rules map[string]model.BlockRule

	watcher *fsnotify.Watcher
	closeCh chan struct{}
	closeWg sync.WaitGroup
}

// NewFileStore loads path (creating an empty document if it doesn't exist
// yet) and starts watching it for external edits. The watch is on the
// file's directory, so it survives the file being replaced by a rename.
func NewFileStore(path string, log *zap.Logger) (*FileStore, error) {
	s := &FileStore{
		path:    path,
		log:     log,
		rules:   make(map[string]model.BlockRule),
		closeCh: make(chan struct{}),
	}

	if err := s.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create rule file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch rule file directory of %s: %w", path, err)
	}
	s.watcher = watcher

	s.closeWg.Add(1)
	go s.watchLoop()

	return s, nil
}

func (s *FileStore) watchLoop() {
	defer s.closeWg.Done()
	for {
		select {
		case <-s.closeCh:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := s.reload(); err != nil {
				s.log.Warn("reload rule file failed", zap.Error(err))
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("rule file watcher error", zap.Error(err))
		}
	}
}

func (s *FileStore) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s.save(nil)
		}
		return fmt.Errorf("read rule file %s: %w", s.path, err)
	}

	var doc fileDocument
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse rule file %s: %w", s.path, err)
		}
	}

	next := make(map[string]model.BlockRule, len(doc.Rules))
	for _, r := range doc.Rules {
		next[r.ID] = r
	}

	s.mu.Lock()
	s.rules = next
	s.mu.Unlock()
	return nil
}

// save writes the current in-memory snapshot to disk atomically
// (write-temp + rename, per spec §4.4/§5's atomic-write requirement for
// the response cache, applied here to rule persistence too).
func (s *FileStore) save(extra *model.BlockRule) error {
	s.mu.Lock()
	if extra != nil {
		s.rules[extra.ID] = *extra
	}
	doc := fileDocument{Rules: make([]model.BlockRule, 0, len(s.rules))}
	for _, r := range s.rules {
		doc.Rules = append(doc.Rules, r)
	}
	s.mu.Unlock()

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal rule file: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write rule file temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename rule file into place: %w", err)
	}
	return nil
}

func (s *FileStore) Add(_ context.Context, in AddInput) (model.BlockRule, error) {
	if err := validateAdd(in); err != nil {
		return model.BlockRule{}, err
	}
	now := time.Now().UTC()
	rule := model.BlockRule{
		ID:        uuid.NewString(),
		Pattern:   in.Pattern,
		Scope:     in.Scope,
		Subnet:    in.Subnet,
		Reason:    in.Reason,
		AddedBy:   in.AddedBy,
		CreatedAt: now,
		ExpiresAt: expiresAt(in.ExpiresInSeconds, now),
	}
	if err := s.save(&rule); err != nil {
		return model.BlockRule{}, err
	}
	return rule, nil
}

func (s *FileStore) Update(_ context.Context, id string, in UpdateInput) (model.BlockRule, bool, error) {
	s.mu.RLock()
	rule, ok := s.rules[id]
	s.mu.RUnlock()
	if !ok {
		return model.BlockRule{}, false, nil
	}

	if in.Pattern != nil {
		rule.Pattern = *in.Pattern
	}
	if in.Scope != nil {
		rule.Scope = *in.Scope
	}
	if in.Subnet != nil {
		rule.Subnet = *in.Subnet
	}
	if in.Reason != nil {
		rule.Reason = *in.Reason
	}
	if in.AddedBy != nil {
		rule.AddedBy = *in.AddedBy
	}
	if in.ExpiresInSeconds != nil {
		rule.ExpiresAt = expiresAt(in.ExpiresInSeconds, time.Now().UTC())
	}

	if err := s.save(&rule); err != nil {
		return model.BlockRule{}, false, err
	}
	return rule, true, nil
}

func (s *FileStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.rules, id)
	s.mu.Unlock()
	return s.save(nil)
}

func (s *FileStore) ListActive(_ context.Context) ([]model.BlockRule, error) {
	now := time.Now().UTC()
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.BlockRule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.Active(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *FileStore) Close() error {
	close(s.closeCh)
	err := s.watcher.Close()
	s.closeWg.Wait()
	return err
}
