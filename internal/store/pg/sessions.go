package pg

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openclaw/gateway/internal/providers"
	"github.com/openclaw/gateway/internal/store"
)

// SessionStore implements store.SessionStore over Postgres. Message history
// lives in transcript_messages; everything else is a column on sessions.
type SessionStore struct {
	pool *pgxpool.Pool
}

// NewSessionStore wraps a connected pool.
func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

func (s *SessionStore) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

// ensure creates the session row if absent.
func (s *SessionStore) ensure(key string) {
	ctx, cancel := s.ctx()
	defer cancel()
	agentID := agentOf(key)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (key, session_id, agent_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO NOTHING`, key, uuid.New(), agentID)
	if err != nil {
		slog.Warn("pg: ensure session failed", "key", key, "error", err)
	}
}

func agentOf(key string) string {
	var agentID string
	if len(key) > 6 && key[:6] == "agent:" {
		rest := key[6:]
		for i := 0; i < len(rest); i++ {
			if rest[i] == ':' {
				agentID = rest[:i]
				break
			}
		}
		if agentID == "" {
			agentID = rest
		}
	}
	if agentID == "" {
		agentID = "main"
	}
	return agentID
}

// set updates one column for a session, creating the row first.
func (s *SessionStore) set(key, column string, value interface{}) {
	s.ensure(key)
	ctx, cancel := s.ctx()
	defer cancel()
	// column names come from the fixed call sites below, never from input
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET `+column+` = $2, updated_at = now() WHERE key = $1`, key, value)
	if err != nil {
		slog.Warn("pg: session update failed", "key", key, "column", column, "error", err)
	}
}

func (s *SessionStore) GetOrCreate(key string) *store.SessionData {
	s.ensure(key)
	ctx, cancel := s.ctx()
	defer cancel()

	data := &store.SessionData{Key: key, Messages: s.GetHistory(key)}
	var sessionID uuid.UUID
	err := s.pool.QueryRow(ctx, `
		SELECT session_id, summary, model, provider, channel, user_id,
		       input_tokens, output_tokens, compaction_count,
		       memory_flush_compaction_count, memory_flush_at, label,
		       spawned_by, spawn_depth, context_window, last_prompt_tokens,
		       last_message_count, created_at, updated_at
		FROM sessions WHERE key = $1`, key).Scan(
		&sessionID, &data.Summary, &data.Model, &data.Provider, &data.Channel,
		&data.UserID, &data.InputTokens, &data.OutputTokens, &data.CompactionCount,
		&data.MemoryFlushCompactionCount, &data.MemoryFlushAt, &data.Label,
		&data.SpawnedBy, &data.SpawnDepth, &data.ContextWindow,
		&data.LastPromptTokens, &data.LastMessageCount, &data.Created, &data.Updated)
	if err != nil {
		slog.Warn("pg: load session failed", "key", key, "error", err)
	}
	data.AgentUUID = sessionID
	return data
}

func (s *SessionStore) AddMessage(key string, msg providers.Message) {
	s.ensure(key)
	ctx, cancel := s.ctx()
	defer cancel()
	payload, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("pg: marshal message failed", "key", key, "error", err)
		return
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO transcript_messages (session_key, role, payload)
		VALUES ($1, $2, $3)`, key, msg.Role, payload)
	if err != nil {
		slog.Warn("pg: append message failed", "key", key, "error", err)
	}
	s.set(key, "last_activity_at", time.Now())
}

func (s *SessionStore) GetHistory(key string) []providers.Message {
	ctx, cancel := s.ctx()
	defer cancel()
	rows, err := s.pool.Query(ctx, `
		SELECT payload FROM transcript_messages
		WHERE session_key = $1 ORDER BY id`, key)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []providers.Message
	for rows.Next() {
		var payload []byte
		if rows.Scan(&payload) != nil {
			continue
		}
		var msg providers.Message
		if json.Unmarshal(payload, &msg) == nil {
			out = append(out, msg)
		}
	}
	return out
}

func (s *SessionStore) GetSummary(key string) string {
	ctx, cancel := s.ctx()
	defer cancel()
	var summary string
	s.pool.QueryRow(ctx, `SELECT summary FROM sessions WHERE key = $1`, key).Scan(&summary)
	return summary
}

func (s *SessionStore) SetSummary(key, summary string) { s.set(key, "summary", summary) }
func (s *SessionStore) SetLabel(key, label string)     { s.set(key, "label", label) }

func (s *SessionStore) SetAgentInfo(key string, agentUUID uuid.UUID, userID string) {
	s.set(key, "user_id", userID)
}

func (s *SessionStore) UpdateMetadata(key, model, provider, channel string) {
	s.ensure(key)
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions SET model = $2, provider = $3,
		       channel = CASE WHEN $4 = '' THEN channel ELSE $4 END,
		       updated_at = now()
		WHERE key = $1`, key, model, provider, channel)
	if err != nil {
		slog.Warn("pg: update metadata failed", "key", key, "error", err)
	}
}

func (s *SessionStore) AccumulateTokens(key string, input, output int64) {
	s.ensure(key)
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions SET input_tokens = input_tokens + $2,
		       output_tokens = output_tokens + $3, updated_at = now()
		WHERE key = $1`, key, input, output)
	if err != nil {
		slog.Warn("pg: accumulate tokens failed", "key", key, "error", err)
	}
}

func (s *SessionStore) IncrementCompaction(key string) {
	s.ensure(key)
	ctx, cancel := s.ctx()
	defer cancel()
	s.pool.Exec(ctx, `UPDATE sessions SET compaction_count = compaction_count + 1, updated_at = now() WHERE key = $1`, key)
}

func (s *SessionStore) GetCompactionCount(key string) int {
	ctx, cancel := s.ctx()
	defer cancel()
	var n int
	s.pool.QueryRow(ctx, `SELECT compaction_count FROM sessions WHERE key = $1`, key).Scan(&n)
	return n
}

func (s *SessionStore) GetMemoryFlushCompactionCount(key string) int {
	ctx, cancel := s.ctx()
	defer cancel()
	var n int
	s.pool.QueryRow(ctx, `SELECT memory_flush_compaction_count FROM sessions WHERE key = $1`, key).Scan(&n)
	return n
}

func (s *SessionStore) SetMemoryFlushDone(key string) {
	s.ensure(key)
	ctx, cancel := s.ctx()
	defer cancel()
	s.pool.Exec(ctx, `
		UPDATE sessions SET memory_flush_compaction_count = compaction_count,
		       memory_flush_at = $2, updated_at = now()
		WHERE key = $1`, key, time.Now().UnixMilli())
}

func (s *SessionStore) SetSpawnInfo(key, spawnedBy string, depth int) {
	s.ensure(key)
	ctx, cancel := s.ctx()
	defer cancel()
	s.pool.Exec(ctx, `UPDATE sessions SET spawned_by = $2, spawn_depth = $3, updated_at = now() WHERE key = $1`, key, spawnedBy, depth)
}

func (s *SessionStore) SetContextWindow(key string, cw int) { s.set(key, "context_window", cw) }

func (s *SessionStore) GetContextWindow(key string) int {
	ctx, cancel := s.ctx()
	defer cancel()
	var n int
	s.pool.QueryRow(ctx, `SELECT context_window FROM sessions WHERE key = $1`, key).Scan(&n)
	return n
}

func (s *SessionStore) SetLastPromptTokens(key string, tokens, msgCount int) {
	s.ensure(key)
	ctx, cancel := s.ctx()
	defer cancel()
	s.pool.Exec(ctx, `UPDATE sessions SET last_prompt_tokens = $2, last_message_count = $3, updated_at = now() WHERE key = $1`, key, tokens, msgCount)
}

func (s *SessionStore) GetLastPromptTokens(key string) (tokens, msgCount int) {
	ctx, cancel := s.ctx()
	defer cancel()
	s.pool.QueryRow(ctx, `SELECT last_prompt_tokens, last_message_count FROM sessions WHERE key = $1`, key).Scan(&tokens, &msgCount)
	return tokens, msgCount
}

func (s *SessionStore) TruncateHistory(key string, keepLast int) {
	if keepLast <= 0 {
		return
	}
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.pool.Exec(ctx, `
		DELETE FROM transcript_messages
		WHERE session_key = $1 AND id NOT IN (
			SELECT id FROM transcript_messages
			WHERE session_key = $1 ORDER BY id DESC LIMIT $2
		)`, key, keepLast)
	if err != nil {
		slog.Warn("pg: truncate history failed", "key", key, "error", err)
	}
}

func (s *SessionStore) Reset(key string) {
	ctx, cancel := s.ctx()
	defer cancel()
	s.pool.Exec(ctx, `DELETE FROM transcript_messages WHERE session_key = $1`, key)
	s.pool.Exec(ctx, `UPDATE sessions SET summary = '', updated_at = now() WHERE key = $1`, key)
}

func (s *SessionStore) Delete(key string) error {
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE key = $1`, key)
	return err
}

func (s *SessionStore) List(agentID string) []store.SessionInfo {
	res := s.ListPaged(store.SessionListOpts{AgentID: agentID})
	return res.Sessions
}

func (s *SessionStore) ListPaged(opts store.SessionListOpts) store.SessionListResult {
	ctx, cancel := s.ctx()
	defer cancel()

	query := `
		SELECT s.key, s.created_at, s.updated_at,
		       (SELECT count(*) FROM transcript_messages t WHERE t.session_key = s.key)
		FROM sessions s`
	args := []interface{}{}
	if opts.AgentID != "" {
		query += ` WHERE s.agent_id = $1`
		args = append(args, opts.AgentID)
	}
	query += ` ORDER BY s.last_activity_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return store.SessionListResult{}
	}
	defer rows.Close()

	var all []store.SessionInfo
	for rows.Next() {
		var info store.SessionInfo
		if rows.Scan(&info.Key, &info.Created, &info.Updated, &info.MessageCount) == nil {
			all = append(all, info)
		}
	}

	total := len(all)
	start := opts.Offset
	if start > total {
		start = total
	}
	end := total
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return store.SessionListResult{Sessions: all[start:end], Total: total}
}

func (s *SessionStore) Save(key string) error {
	// Every mutation is already persisted; Save exists for interface parity
	// with the file-backed store, whose registry is written only on Save.
	return nil
}

func (s *SessionStore) LastUsedChannel(agentID string) (channel, chatID string) {
	ctx, cancel := s.ctx()
	defer cancel()
	var key string
	err := s.pool.QueryRow(ctx, `
		SELECT key, channel FROM sessions
		WHERE agent_id = $1 AND channel <> ''
		ORDER BY last_activity_at DESC LIMIT 1`, agentID).Scan(&key, &channel)
	if err == pgx.ErrNoRows || err != nil {
		return "", ""
	}
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			chatID = key[i+1:]
			break
		}
	}
	return channel, chatID
}

var _ store.SessionStore = (*SessionStore)(nil)
