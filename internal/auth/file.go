package auth

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nextlevelbuilder/boardroom/internal/config"
)

// FileStore is the standalone auth store: a JSON file of profile state.
// Writes are write-behind (dirty flag + periodic flush) except MarkGood,
// which flushes synchronously so a profile is durable before it is
// reported good to a caller.
type FileStore struct {
	mu       sync.Mutex
	path     string
	profiles map[string]*Profile
	policy   CooldownPolicy
	dirty    bool
	stopCh   chan struct{}
	stopOnce sync.Once

	now func() time.Time // replaceable in tests
}

// persisted is the on-disk shape: credential state only, never credentials.
type persisted struct {
	CooldownUntil       time.Time `json:"cooldownUntil,omitzero"`
	LastUsedAt          time.Time `json:"lastUsedAt,omitzero"`
	ConsecutiveFailures int       `json:"consecutiveFailures,omitempty"`
}

// NewFileStore builds the store from configured profile specs, merging any
// previously persisted cooldown state from disk.
func NewFileStore(path string, specs []config.AuthProfileSpec, policy CooldownPolicy) *FileStore {
	s := &FileStore{
		path:     path,
		profiles: make(map[string]*Profile, len(specs)),
		policy:   policy,
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
	for _, spec := range specs {
		s.profiles[spec.ID] = &Profile{
			ID:            spec.ID,
			Provider:      spec.Provider,
			CredentialRef: spec.CredentialRef,
			Disabled:      spec.Disabled,
		}
	}
	s.loadState()
	go s.flushLoop()
	return s
}

func (s *FileStore) loadState() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var state map[string]persisted
	if err := json.Unmarshal(data, &state); err != nil {
		slog.Warn("auth state file unreadable, starting fresh", "path", s.path, "error", err)
		return
	}
	for id, st := range state {
		if p, ok := s.profiles[id]; ok {
			p.CooldownUntil = st.CooldownUntil
			p.LastUsedAt = st.LastUsedAt
			p.ConsecutiveFailures = st.ConsecutiveFailures
		}
	}
}

func (s *FileStore) flushLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.dirty {
				if err := s.flushLocked(); err != nil {
					slog.Warn("auth state flush failed", "error", err)
				}
			}
			s.mu.Unlock()
		}
	}
}

// flushLocked writes state atomically (temp file + rename). Caller holds mu.
func (s *FileStore) flushLocked() error {
	state := make(map[string]persisted, len(s.profiles))
	for id, p := range s.profiles {
		state[id] = persisted{
			CooldownUntil:       p.CooldownUntil,
			LastUsedAt:          p.LastUsedAt,
			ConsecutiveFailures: p.ConsecutiveFailures,
		}
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "auth-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	tmp.Close()
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	s.dirty = false
	return nil
}

func (s *FileStore) Order(provider, preferred string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		all = append(all, *p)
	}
	return OrderProfiles(all, provider, preferred, s.now())
}

func (s *FileStore) Get(id string) (Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return Profile{}, false
	}
	return *p, true
}

func (s *FileStore) MarkGood(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil
	}
	p.ConsecutiveFailures = 0
	p.CooldownUntil = time.Time{}
	s.dirty = true
	return s.flushLocked()
}

func (s *FileStore) MarkUsed(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.profiles[id]; ok {
		p.LastUsedAt = s.now()
		s.dirty = true
	}
}

func (s *FileStore) MarkFailure(id string, reason FailureReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return
	}
	p.ConsecutiveFailures++
	hold := s.policy.Duration(reason, p.ConsecutiveFailures)
	until := s.now().Add(hold)
	// Cooldown deadlines only move forward.
	if until.After(p.CooldownUntil) {
		p.CooldownUntil = until
	}
	s.dirty = true
	slog.Info("auth profile cooldown",
		"profile", id, "reason", string(reason),
		"failures", p.ConsecutiveFailures, "until", p.CooldownUntil)
}

func (s *FileStore) InCooldown(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return false
	}
	return !p.Usable(s.now()) && !p.Disabled
}

func (s *FileStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirty {
		return s.flushLocked()
	}
	return nil
}
