// Package file backs store.SessionStore with the gateway's two real,
// independently-owned persistence components: the Session Registry
// (internal/sessions) for metadata, and the Transcript Store
// (internal/transcript) for message content. FileSessionStore is a facade
// over that split, reconstructing the providers.Message history the Agent
// Run Controller expects from a session's transcript file, and caching it
// in memory so repeated GetHistory calls on the hot path don't re-parse the
// JSONL log.
package file

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/gateway/internal/providers"
	"github.com/openclaw/gateway/internal/sessions"
	"github.com/openclaw/gateway/internal/store"
	"github.com/openclaw/gateway/internal/transcript"
)

// FileSessionStore implements store.SessionStore over a sessions.Registry +
// transcript.Store pair.
type FileSessionStore struct {
	mu          sync.Mutex
	registry    *sessions.Registry
	transcripts *transcript.Store
	baseDir     string
	cache       map[string]*cacheEntry
}

type cacheEntry struct {
	messages []providers.Message
	loaded   bool
}

// NewFileSessionStore creates a session store persisting SessionEntry
// records and transcripts under baseDir,
// "~/.openclaw/sessions/<agent>/..." layout.
func NewFileSessionStore(baseDir string) *FileSessionStore {
	return &FileSessionStore{
		registry:    sessions.NewRegistry(baseDir, nil),
		transcripts: transcript.New(),
		baseDir:     baseDir,
		cache:       make(map[string]*cacheEntry),
	}
}

// Registry exposes the underlying Session Registry for components (the
// Ingress Normalizer, the RPC Hub's sessions.* methods) that need registry
// semantics — thinking/verbose levels, activation — beyond the
// store.SessionStore facade.
func (s *FileSessionStore) Registry() *sessions.Registry { return s.registry }

func (s *FileSessionStore) transcriptPath(e *sessions.Entry) string {
	return filepath.Join(s.baseDir, sanitize(e.AgentID), e.SessionID+".jsonl")
}

func sanitize(s string) string {
	if s == "" {
		return "_"
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == filepath.Separator || r == ':' {
			out = append(out, '_')
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

// ensureLoaded returns key's cache entry, hydrating it from the transcript
// file on first access. Caller holds s.mu.
func (s *FileSessionStore) ensureLoaded(key string, entry *sessions.Entry) *cacheEntry {
	ce, ok := s.cache[key]
	if !ok {
		ce = &cacheEntry{}
		s.cache[key] = ce
	}
	if ce.loaded {
		return ce
	}
	path := s.transcriptPath(entry)
	_ = s.transcripts.Ensure(path, entry.SessionID, "")
	records, err := s.transcripts.Read(path, transcript.ReadOptions{Limit: transcript.MaxReadLimit})
	if err == nil {
		for _, rec := range records {
			if msg, ok := decodeProvidersMessage(rec.Message); ok {
				ce.messages = append(ce.messages, msg)
			}
		}
	}
	ce.loaded = true
	return ce
}

func (s *FileSessionStore) entryFor(key string) *sessions.Entry {
	agentID, _ := sessions.ParseSessionKey(key)
	return s.registry.GetOrCreate(key, agentID)
}

func entryToSessionData(e *sessions.Entry, messages []providers.Message) *store.SessionData {
	agentUUID, _ := uuid.Parse(e.SessionID)
	out := make([]providers.Message, len(messages))
	copy(out, messages)
	return &store.SessionData{
		Key:                        e.Key,
		Messages:                   out,
		Summary:                    e.Summary,
		Created:                    e.CreatedAt,
		Updated:                    e.UpdatedAt,
		AgentUUID:                  agentUUID,
		UserID:                     e.UserID,
		Model:                      e.Model,
		Provider:                   e.Provider,
		Channel:                    e.Channel,
		InputTokens:                e.InputTokens,
		OutputTokens:               e.OutputTokens,
		CompactionCount:            e.CompactionCount,
		MemoryFlushCompactionCount: e.MemoryFlushCompactionCount,
		MemoryFlushAt:              e.MemoryFlushAt,
		Label:                      e.Label,
		SpawnedBy:                  e.SpawnedBy,
		SpawnDepth:                 e.SpawnDepth,
		ContextWindow:              e.ContextWindow,
		LastPromptTokens:           e.LastPromptTokens,
		LastMessageCount:           e.LastMessageCount,
	}
}

// providersMessageBlockType tags the single ContentBlock each transcript
// record carries: the full providers.Message, round-tripped losslessly
// rather than decomposed into generic content blocks, since
// the Run Controller only ever needs the provider wire format back.
const providersMessageBlockType = "providers_message"

func encodeProvidersMessage(msg providers.Message) transcript.Message {
	raw, _ := json.Marshal(msg)
	return transcript.Message{
		Role:      msg.Role,
		Timestamp: time.Now().UnixMilli(),
		Content: []transcript.ContentBlock{
			{Type: providersMessageBlockType, Raw: raw},
		},
	}
}

func decodeProvidersMessage(tm transcript.Message) (providers.Message, bool) {
	for _, blk := range tm.Content {
		if blk.Type != providersMessageBlockType || len(blk.Raw) == 0 {
			continue
		}
		var msg providers.Message
		if err := json.Unmarshal(blk.Raw, &msg); err == nil {
			return msg, true
		}
	}
	return providers.Message{}, false
}

func (s *FileSessionStore) GetOrCreate(key string) *store.SessionData {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entryFor(key)
	ce := s.ensureLoaded(key, entry)
	return entryToSessionData(entry, ce.messages)
}

func (s *FileSessionStore) AddMessage(key string, msg providers.Message) {
	s.mu.Lock()
	entry := s.entryFor(key)
	ce := s.ensureLoaded(key, entry)
	ce.messages = append(ce.messages, msg)
	path := s.transcriptPath(entry)
	s.mu.Unlock()

	_, _ = s.transcripts.Append(path, encodeProvidersMessage(msg))
	s.registry.Touch(key)
}

func (s *FileSessionStore) GetHistory(key string) []providers.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entryFor(key)
	ce := s.ensureLoaded(key, entry)
	out := make([]providers.Message, len(ce.messages))
	copy(out, ce.messages)
	return out
}

func (s *FileSessionStore) GetSummary(key string) string {
	if e := s.registry.Get(key); e != nil {
		return e.Summary
	}
	return ""
}

func (s *FileSessionStore) SetSummary(key, summary string) { s.registry.SetSummary(key, summary) }
func (s *FileSessionStore) SetLabel(key, label string)      { s.registry.SetLabel(key, label) }

func (s *FileSessionStore) SetAgentInfo(key string, agentUUID uuid.UUID, userID string) {
	s.registry.SetUserInfo(key, userID)
}

func (s *FileSessionStore) UpdateMetadata(key, model, provider, channel string) {
	s.registry.UpdateMetadata(key, model, provider, channel)
}

func (s *FileSessionStore) AccumulateTokens(key string, input, output int64) {
	s.registry.AccumulateTokens(key, input, output)
}

func (s *FileSessionStore) IncrementCompaction(key string) { s.registry.IncrementCompaction(key) }

func (s *FileSessionStore) GetCompactionCount(key string) int {
	if e := s.registry.Get(key); e != nil {
		return e.CompactionCount
	}
	return 0
}

func (s *FileSessionStore) GetMemoryFlushCompactionCount(key string) int {
	if e := s.registry.Get(key); e != nil {
		return e.MemoryFlushCompactionCount
	}
	return 0
}

func (s *FileSessionStore) SetMemoryFlushDone(key string) { s.registry.SetMemoryFlushDone(key) }

func (s *FileSessionStore) SetSpawnInfo(key, spawnedBy string, depth int) {
	s.registry.SetSpawnInfo(key, spawnedBy)
	s.registry.SetSpawnDepth(key, depth)
}

func (s *FileSessionStore) SetContextWindow(key string, cw int) {
	s.registry.SetContextWindow(key, cw)
}

func (s *FileSessionStore) GetContextWindow(key string) int {
	if e := s.registry.Get(key); e != nil {
		return e.ContextWindow
	}
	return 0
}

func (s *FileSessionStore) SetLastPromptTokens(key string, tokens, msgCount int) {
	s.registry.SetLastPromptTokens(key, tokens, msgCount)
}

func (s *FileSessionStore) GetLastPromptTokens(key string) (tokens, msgCount int) {
	if e := s.registry.Get(key); e != nil {
		return e.LastPromptTokens, e.LastMessageCount
	}
	return 0, 0
}

func (s *FileSessionStore) TruncateHistory(key string, keepLast int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entryFor(key)
	ce := s.ensureLoaded(key, entry)
	if keepLast <= 0 || len(ce.messages) <= keepLast {
		return
	}
	ce.messages = append([]providers.Message{}, ce.messages[len(ce.messages)-keepLast:]...)
}

func (s *FileSessionStore) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[key] = &cacheEntry{loaded: true}
}

func (s *FileSessionStore) Delete(key string) error {
	s.mu.Lock()
	entry := s.entryFor(key)
	path := s.transcriptPath(entry)
	delete(s.cache, key)
	s.mu.Unlock()

	s.registry.Delete(key)
	return s.transcripts.Delete(path)
}

func (s *FileSessionStore) List(agentID string) []store.SessionInfo {
	entries := s.registry.List(agentID)
	out := make([]store.SessionInfo, 0, len(entries))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		count := e.LastMessageCount
		if ce, ok := s.cache[e.Key]; ok && ce.loaded {
			count = len(ce.messages)
		}
		out = append(out, store.SessionInfo{
			Key:          e.Key,
			MessageCount: count,
			Created:      e.CreatedAt,
			Updated:      e.UpdatedAt,
		})
	}
	return out
}

func (s *FileSessionStore) ListPaged(opts store.SessionListOpts) store.SessionListResult {
	all := s.List(opts.AgentID)
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

func (s *FileSessionStore) Save(key string) error {
	agentID, _ := sessions.ParseSessionKey(key)
	return s.registry.Save(agentID)
}

func (s *FileSessionStore) LastUsedChannel(agentID string) (channel, chatID string) {
	entries := s.registry.List(agentID)
	var latest *sessions.Entry
	for _, e := range entries {
		if latest == nil || e.LastActivityAt.After(latest.LastActivityAt) {
			latest = e
		}
	}
	if latest == nil {
		return "", ""
	}
	_, rest := sessions.ParseSessionKey(latest.Key)
	chatID = rest
	if idx := lastColon(rest); idx >= 0 {
		chatID = rest[idx+1:]
	}
	return latest.Channel, chatID
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}

var _ store.SessionStore = (*FileSessionStore)(nil)
