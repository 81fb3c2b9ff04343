package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openclaw/gateway/internal/store"
)

// CronStore persists cron jobs as JSONB rows, keyed by job id.
type CronStore struct {
	pool *pgxpool.Pool
}

// NewCronStore wraps a connected pool.
func NewCronStore(pool *pgxpool.Pool) *CronStore {
	return &CronStore{pool: pool}
}

func (s *CronStore) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func (s *CronStore) Add(job *store.CronJob) error {
	def, err := json.Marshal(job)
	if err != nil {
		return err
	}
	ctx, cancel := s.ctx()
	defer cancel()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO cron_jobs (id, agent_id, definition)
		VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`, job.ID, job.AgentID, def)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("cron store: duplicate job id %s", job.ID)
	}
	return nil
}

func (s *CronStore) Update(job *store.CronJob) error {
	def, err := json.Marshal(job)
	if err != nil {
		return err
	}
	ctx, cancel := s.ctx()
	defer cancel()
	tag, err := s.pool.Exec(ctx, `
		UPDATE cron_jobs SET definition = $2, updated_at = now() WHERE id = $1`, job.ID, def)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("cron store: unknown job id %s", job.ID)
	}
	return nil
}

func (s *CronStore) Remove(id string) error {
	ctx, cancel := s.ctx()
	defer cancel()
	tag, err := s.pool.Exec(ctx, `DELETE FROM cron_jobs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("cron store: unknown job id %s", id)
	}
	return nil
}

func (s *CronStore) Get(id string) (*store.CronJob, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	var def []byte
	if err := s.pool.QueryRow(ctx, `SELECT definition FROM cron_jobs WHERE id = $1`, id).Scan(&def); err != nil {
		return nil, fmt.Errorf("cron store: unknown job id %s", id)
	}
	var job store.CronJob
	if err := json.Unmarshal(def, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *CronStore) List(agentID string) []*store.CronJob {
	ctx, cancel := s.ctx()
	defer cancel()

	query := `SELECT definition FROM cron_jobs`
	args := []interface{}{}
	if agentID != "" {
		query += ` WHERE agent_id = $1`
		args = append(args, agentID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []*store.CronJob
	for rows.Next() {
		var def []byte
		if rows.Scan(&def) != nil {
			continue
		}
		var job store.CronJob
		if json.Unmarshal(def, &job) == nil {
			out = append(out, &job)
		}
	}
	return out
}

func (s *CronStore) All() []*store.CronJob { return s.List("") }

var _ store.CronStore = (*CronStore)(nil)
