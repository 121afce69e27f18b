// Package memory provides an in-memory store.Stores implementation used by
// tests and by `serve --memory` for local development without Postgres.
// It mirrors the semantics of the Postgres backend, including the
// uniqueness and ordering invariants.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leadpulse/leadpulse/internal/store"
)

// Store implements every store interface behind one mutex. Fine for tests
// and single-node dev; production uses store/pg.
type Store struct {
	mu            sync.RWMutex
	clients       map[uuid.UUID]*store.Client
	conversations map[uuid.UUID]*store.Conversation
	messages      map[uuid.UUID][]*store.Message // conversationID → append order
	byMessageID   map[uuid.UUID]*store.Message
	rules         map[uuid.UUID][]store.FollowUpRule // workspaceID
	cycles        map[uuid.UUID]*store.FollowUpCycle
	settings      map[uuid.UUID]*store.WorkspaceSettings
	credentials   map[credKey]*store.ChannelCredentials
	seq           int64
}

type credKey struct {
	workspace uuid.UUID
	channel   store.ProviderKind
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		clients:       make(map[uuid.UUID]*store.Client),
		conversations: make(map[uuid.UUID]*store.Conversation),
		messages:      make(map[uuid.UUID][]*store.Message),
		byMessageID:   make(map[uuid.UUID]*store.Message),
		rules:         make(map[uuid.UUID][]store.FollowUpRule),
		cycles:        make(map[uuid.UUID]*store.FollowUpCycle),
		settings:      make(map[uuid.UUID]*store.WorkspaceSettings),
		credentials:   make(map[credKey]*store.ChannelCredentials),
	}
}

// Stores returns the store wired into the interface container.
func (s *Store) Stores() *store.Stores {
	return &store.Stores{
		Clients:       s,
		Conversations: s,
		Messages:      s,
		FollowUps:     s,
		Workspaces:    s,
	}
}

// --- ClientStore ---

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*store.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) FindByExternalID(ctx context.Context, workspaceID uuid.UUID, externalID string, channel store.ProviderKind) (*store.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		if c.WorkspaceID == workspaceID && c.ExternalID == externalID && c.Channel == channel {
			cp := *c
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) Create(ctx context.Context, c *store.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.clients {
		if existing.WorkspaceID == c.WorkspaceID && existing.ExternalID == c.ExternalID && existing.Channel == c.Channel {
			return store.ErrConflict
		}
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.Must(uuid.NewV7())
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	cp := *c
	s.clients[c.ID] = &cp
	return nil
}

func (s *Store) Update(ctx context.Context, c *store.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c.ID]; !ok {
		return store.ErrNotFound
	}
	c.UpdatedAt = time.Now()
	cp := *c
	s.clients[c.ID] = &cp
	return nil
}

// --- ConversationStore ---

func (s *Store) GetConversation(ctx context.Context, id uuid.UUID) (*store.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) FindActiveByClient(ctx context.Context, clientID uuid.UUID) (*store.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conversations {
		if c.ClientID == clientID && c.Status == store.ConversationActive {
			cp := *c
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateConversation(ctx context.Context, c *store.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.Must(uuid.NewV7())
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	cp := *c
	s.conversations[c.ID] = &cp
	return nil
}

func (s *Store) AdvanceLastMessage(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return store.ErrNotFound
	}
	if at.After(c.LastMessageAt) {
		c.LastMessageAt = at
	}
	return nil
}

func (s *Store) BindChannelThread(ctx context.Context, id uuid.UUID, channelConversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return store.ErrNotFound
	}
	if c.ChannelConversationID == "" {
		c.ChannelConversationID = channelConversationID
	}
	return nil
}

func (s *Store) SetStatus(ctx context.Context, id uuid.UUID, status store.ConversationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return store.ErrNotFound
	}
	c.Status = status
	return nil
}

// --- MessageStore ---

func (s *Store) Append(ctx context.Context, m *store.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ProviderMessageID != "" {
		for _, existing := range s.messages[m.ConversationID] {
			if existing.ProviderMessageID == m.ProviderMessageID {
				return store.ErrConflict
			}
		}
	}

	if m.ID == uuid.Nil {
		m.ID = uuid.Must(uuid.NewV7())
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	// Keep per-conversation timestamps monotonically non-decreasing;
	// ties are ordered by insertion sequence.
	if msgs := s.messages[m.ConversationID]; len(msgs) > 0 {
		if last := msgs[len(msgs)-1].Timestamp; m.Timestamp.Before(last) {
			m.Timestamp = last
		}
	}
	s.seq++
	m.Seq = s.seq

	cp := cloneMessage(m)
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], cp)
	s.byMessageID[m.ID] = cp
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id uuid.UUID) (*store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byMessageID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneMessage(m), nil
}

func (s *Store) History(ctx context.Context, conversationID uuid.UUID, limit int) ([]store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.sorted(conversationID)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]store.Message, len(msgs))
	for i, m := range msgs {
		out[i] = *cloneMessage(m)
	}
	return out, nil
}

func (s *Store) ClientMessagesSince(ctx context.Context, conversationID uuid.UUID, since time.Time) ([]store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Message
	for _, m := range s.sorted(conversationID) {
		if m.Sender == store.SenderClient && m.Timestamp.After(since) {
			out = append(out, *cloneMessage(m))
		}
	}
	return out, nil
}

func (s *Store) LastBySender(ctx context.Context, conversationID uuid.UUID, sender store.SenderType) (*store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.sorted(conversationID)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Sender == sender {
			return cloneMessage(msgs[i]), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) HasSentOutbound(ctx context.Context, conversationID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages[conversationID] {
		if m.Sender != store.SenderClient && (m.Status == store.StatusSent || m.Status == store.StatusDelivered) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, status store.MessageStatus, providerMessageID, errDetail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byMessageID[id]
	if !ok {
		return store.ErrNotFound
	}
	m.Status = status
	if providerMessageID != "" {
		m.ProviderMessageID = providerMessageID
	}
	if errDetail != "" {
		if m.Metadata == nil {
			m.Metadata = make(map[string]string)
		}
		m.Metadata["error"] = errDetail
	}
	return nil
}

func (s *Store) sorted(conversationID uuid.UUID) []*store.Message {
	msgs := make([]*store.Message, len(s.messages[conversationID]))
	copy(msgs, s.messages[conversationID])
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Seq < msgs[j].Seq
		}
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	return msgs
}

func cloneMessage(m *store.Message) *store.Message {
	cp := *m
	if m.Metadata != nil {
		cp.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// --- FollowUpStore ---

func (s *Store) RulesForWorkspace(ctx context.Context, workspaceID uuid.UUID) ([]store.FollowUpRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rules := make([]store.FollowUpRule, len(s.rules[workspaceID]))
	copy(rules, s.rules[workspaceID])
	sort.Slice(rules, func(i, j int) bool { return rules[i].Order < rules[j].Order })
	return rules, nil
}

func (s *Store) ActiveCycleForClient(ctx context.Context, clientID, workspaceID uuid.UUID) (*store.FollowUpCycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.cycles {
		if c.ClientID == clientID && c.WorkspaceID == workspaceID &&
			(c.Status == store.CycleActive || c.Status == store.CyclePaused) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetCycle(ctx context.Context, id uuid.UUID) (*store.FollowUpCycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cycles[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) CreateCycle(ctx context.Context, c *store.FollowUpCycle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.cycles {
		if existing.ClientID == c.ClientID && existing.WorkspaceID == c.WorkspaceID &&
			(existing.Status == store.CycleActive || existing.Status == store.CyclePaused) {
			return store.ErrConflict
		}
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.Must(uuid.NewV7())
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	cp := *c
	s.cycles[c.ID] = &cp
	return nil
}

func (s *Store) UpdateCycle(ctx context.Context, c *store.FollowUpCycle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cycles[c.ID]; !ok {
		return store.ErrNotFound
	}
	c.UpdatedAt = time.Now()
	cp := *c
	s.cycles[c.ID] = &cp
	return nil
}

// --- WorkspaceStore ---

func (s *Store) Settings(ctx context.Context, workspaceID uuid.UUID) (*store.WorkspaceSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cfg, ok := s.settings[workspaceID]; ok {
		cp := *cfg
		return &cp, nil
	}
	// Unconfigured workspaces fall back to defaults rather than erroring.
	return &store.WorkspaceSettings{WorkspaceID: workspaceID}, nil
}

func (s *Store) Credentials(ctx context.Context, workspaceID uuid.UUID, channel store.ProviderKind) (*store.ChannelCredentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[credKey{workspaceID, channel}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// --- seeding helpers (dev mode and tests) ---

// SeedRules replaces the workspace's follow-up rules.
func (s *Store) SeedRules(workspaceID uuid.UUID, rules []store.FollowUpRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[workspaceID] = rules
}

// SeedSettings sets the workspace settings.
func (s *Store) SeedSettings(cfg *store.WorkspaceSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[cfg.WorkspaceID] = cfg
}

// SeedCredentials sets the workspace's channel credentials.
func (s *Store) SeedCredentials(c *store.ChannelCredentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[credKey{c.WorkspaceID, c.Channel}] = c
}
