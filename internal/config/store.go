package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Store is the persisted-configuration collaborator the routing core reads
// and performs field-level updates through. Its concrete backing (file,
// database, Cloudflare D1, …) is out of scope per spec.md §1; this package
// only needs get/save per-machine plus one merge-update call used by the
// credential manager and fallback controller.
type Store interface {
	Get(ctx context.Context, machineID string) (*MachineRecord, error)
	Save(ctx context.Context, record *MachineRecord) error
	UpdateProviderConnection(ctx context.Context, machineID, connectionID string, update ProviderConnectionUpdate) error
}

// FileStore is a default, file-backed Store: one YAML file per process,
// watched for external edits via fsnotify, matching the teacher's config
// hot-reload idiom.
type FileStore struct {
	path string

	mu      sync.RWMutex
	records map[string]*MachineRecord

	watcher *fsnotify.Watcher
}

// NewFileStore loads path (an absent file loads as an empty store; no file
// is created here) and starts watching path's directory for external
// changes to it.
func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path, records: make(map[string]*MachineRecord)}
	if err := fs.load(); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warnf("config: fsnotify unavailable, hot-reload disabled: %v", err)
		return fs, nil
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		log.Warnf("config: failed to watch %s: %v", filepath.Dir(path), err)
		_ = watcher.Close()
		return fs, nil
	}
	fs.watcher = watcher
	go fs.watchLoop()
	return fs, nil
}

func (s *FileStore) watchLoop() {
	for {
		select {
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
			if err := s.load(); err != nil {
				log.Warnf("config: reload after fs event failed: %v", err)
			} else {
				log.Infof("config: reloaded %s", s.path)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("config: watcher error: %v", err)
		}
	}
}

type fileFormat struct {
	Machines map[string]*MachineRecord `yaml:"machines"`
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.mu.Lock()
		s.records = make(map[string]*MachineRecord)
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: read %s: %w", s.path, err)
	}
	var parsed fileFormat
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", s.path, err)
	}
	if parsed.Machines == nil {
		parsed.Machines = make(map[string]*MachineRecord)
	}
	s.mu.Lock()
	s.records = parsed.Machines
	s.mu.Unlock()
	return nil
}

func (s *FileStore) persist() error {
	s.mu.RLock()
	snapshot := fileFormat{Machines: s.records}
	data, err := yaml.Marshal(snapshot)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", tmp, err)
	}
	return os.Rename(tmp, s.path)
}

// Get returns the MachineRecord for machineID, or an error if absent.
func (s *FileStore) Get(_ context.Context, machineID string) (*MachineRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[machineID]
	if !ok {
		return nil, fmt.Errorf("config: unknown machine %q", machineID)
	}
	return rec, nil
}

// Save upserts a whole MachineRecord and persists it to disk.
func (s *FileStore) Save(_ context.Context, record *MachineRecord) error {
	if record == nil || record.MachineID == "" {
		return fmt.Errorf("config: record missing machineId")
	}
	s.mu.Lock()
	s.records[record.MachineID] = record
	s.mu.Unlock()
	return s.persist()
}

// UpdateProviderConnection applies a field-level patch to one connection,
// merging rather than overwriting (invariant 4: refresh never clobbers an
// unrelated field, and never overwrites accessToken with empty).
func (s *FileStore) UpdateProviderConnection(_ context.Context, machineID, connectionID string, update ProviderConnectionUpdate) error {
	s.mu.Lock()
	rec, ok := s.records[machineID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("config: unknown machine %q", machineID)
	}
	conn, ok := rec.Providers[connectionID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("config: unknown connection %q", connectionID)
	}
	applyUpdate(conn, update)
	conn.UpdatedAt = time.Now()
	s.mu.Unlock()
	return s.persist()
}

func applyUpdate(conn *ProviderConnection, u ProviderConnectionUpdate) {
	if u.AccessToken != nil && *u.AccessToken != "" {
		conn.AccessToken = *u.AccessToken
	}
	if u.RefreshToken != nil {
		conn.RefreshToken = *u.RefreshToken
	}
	if u.ExpiresAt != nil {
		conn.ExpiresAt = *u.ExpiresAt
	}
	if u.IDToken != nil {
		conn.IDToken = *u.IDToken
	}
	if u.ProviderSpecific != nil {
		if conn.ProviderSpecificData == nil {
			conn.ProviderSpecificData = make(map[string]any, len(u.ProviderSpecific))
		}
		for k, v := range u.ProviderSpecific {
			conn.ProviderSpecificData[k] = v
		}
	}
	if u.ProjectID != nil {
		conn.ProjectID = *u.ProjectID
	}
	if u.Status != nil {
		conn.Status = *u.Status
	}
	if u.LastError != nil {
		conn.LastError = *u.LastError
	}
	if u.ErrorCode != nil {
		conn.ErrorCode = *u.ErrorCode
	}
	if u.RateLimitedUntil != nil {
		conn.RateLimitedUntil = *u.RateLimitedUntil
	}
	if u.BackoffLevel != nil {
		conn.BackoffLevel = *u.BackoffLevel
	}
}

// Close stops the config file watcher.
func (s *FileStore) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
