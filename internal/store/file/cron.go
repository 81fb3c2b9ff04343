package file

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/openclaw/gateway/internal/store"
)

// FileCronStore persists the cron job set as a single JSON document
// (cron/jobs.json), rewritten atomically after every mutation.
type FileCronStore struct {
	mu   sync.RWMutex
	path string
	jobs map[string]*store.CronJob
}

// NewFileCronStore loads (or initializes) the job set at path.
func NewFileCronStore(path string) (*FileCronStore, error) {
	s := &FileCronStore{
		path: path,
		jobs: make(map[string]*store.CronJob),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileCronStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("cron store: read %s: %w", s.path, err)
	}

	var jobs []*store.CronJob
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("cron store: parse %s: %w", s.path, err)
	}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return nil
}

// persist rewrites jobs.json atomically. Caller holds s.mu.
func (s *FileCronStore) persist() error {
	jobs := make([]*store.CronJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.Before(jobs[k].CreatedAt) })

	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "jobs-*.tmp")
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
	return os.Rename(tmpPath, s.path)
}

func (s *FileCronStore) Add(job *store.CronJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("cron store: duplicate job id %s", job.ID)
	}
	s.jobs[job.ID] = job
	return s.persist()
}

func (s *FileCronStore) Update(job *store.CronJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; !exists {
		return fmt.Errorf("cron store: unknown job id %s", job.ID)
	}
	s.jobs[job.ID] = job
	return s.persist()
}

func (s *FileCronStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[id]; !exists {
		return fmt.Errorf("cron store: unknown job id %s", id)
	}
	delete(s.jobs, id)
	return s.persist()
}

func (s *FileCronStore) Get(id string) (*store.CronJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("cron store: unknown job id %s", id)
	}
	cp := *j
	return &cp, nil
}

func (s *FileCronStore) List(agentID string) []*store.CronJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.CronJob
	for _, j := range s.jobs {
		if agentID != "" && j.AgentID != agentID {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}

func (s *FileCronStore) All() []*store.CronJob {
	return s.List("")
}

var _ store.CronStore = (*FileCronStore)(nil)
