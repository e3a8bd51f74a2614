package conversation

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/brainkernel/brain/brainerr"
	"github.com/brainkernel/brain/bus"
	"github.com/brainkernel/brain/clockid"
	"github.com/brainkernel/brain/internal/store"
	"github.com/brainkernel/brain/logging"
)

// JobEnqueuer is the narrow slice of the job queue conversation needs: just
// enough to enqueue a conversation-topic job without importing the queue
// package directly, the same decoupling entity.JobEnqueuer uses.
type JobEnqueuer interface {
	EnqueueJob(jobType string, data map[string]any, priority int, metadata map[string]any) (string, error)
}

// Config tunes the auto-summarization thresholds: after each AddMessage,
// summarization triggers once either N messages have accumulated since the
// last summary or T minutes have elapsed.
type Config struct {
	SummarizeEveryMessages int
	SummarizeEveryDuration time.Duration
}

// DefaultConfig returns the summarization thresholds' defaults.
func DefaultConfig() Config {
	return Config{
		SummarizeEveryMessages: DefaultWindowSize,
		SummarizeEveryDuration: 30 * time.Minute,
	}
}

// Store persists Conversations, ChatMessages, and per-conversation
// summarization tracking to the Conversation DB.
type Store struct {
	db     *store.DB
	bus    *bus.Bus
	ids    *clockid.IDGenerator
	clock  clockid.Clock
	jobs   JobEnqueuer
	cfg    Config
	logger *logging.Logger
}

// New builds a Store against an already-migrated Conversation DB. jobs may
// be nil; auto-summarization is then simply never triggered.
func New(db *store.DB, b *bus.Bus, ids *clockid.IDGenerator, clock clockid.Clock, jobs JobEnqueuer, logger *logging.Logger, cfg Config) *Store {
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.SummarizeEveryMessages <= 0 {
		cfg.SummarizeEveryMessages = DefaultWindowSize
	}
	if cfg.SummarizeEveryDuration <= 0 {
		cfg.SummarizeEveryDuration = 30 * time.Minute
	}
	return &Store{db: db, bus: b, ids: ids, clock: clock, jobs: jobs, cfg: cfg, logger: logger.Child("conversation")}
}

// StartConversation returns the conversation for (interfaceType, channelId),
// creating it if it doesn't exist yet. It is idempotent: the id is derived
// from exactly the inputs that identify a channel, so the same pair always
// resolves to the same row.
func (s *Store) StartConversation(channelID, interfaceType string) (Conversation, error) {
	id := ConversationID(interfaceType, channelID)
	if existing, err := s.GetConversation(id); err == nil {
		return existing, nil
	}

	now := s.clock.Now()
	conv := Conversation{ID: id, InterfaceType: interfaceType, ChannelID: channelID, Started: now, LastActive: now, Metadata: map[string]any{}}
	metaJSON, _ := json.Marshal(conv.Metadata)

	if _, err := s.db.Exec(`
		INSERT INTO conversations (id, interface_type, channel_id, started, last_active, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, conv.ID, conv.InterfaceType, conv.ChannelID, conv.Started, conv.LastActive, string(metaJSON)); err != nil {
		return Conversation{}, fmt.Errorf("start conversation: %w", err)
	}
	if _, err := s.db.Exec(`
		INSERT INTO summary_tracking (conversation_id, messages_since_summary, last_summary_message_seq)
		VALUES (?, 0, 0)
		ON CONFLICT(conversation_id) DO NOTHING
	`, conv.ID); err != nil {
		return Conversation{}, fmt.Errorf("init summary tracking: %w", err)
	}

	s.bus.Publish(bus.TopicConversationStart, StartEvent{ConversationID: conv.ID, InterfaceType: interfaceType, ChannelID: channelID}, "conversation")
	return s.GetConversation(id)
}

// GetConversation fetches one conversation by id.
func (s *Store) GetConversation(id string) (Conversation, error) {
	row := s.db.QueryRow(`SELECT id, interface_type, channel_id, started, last_active, metadata FROM conversations WHERE id=?`, id)
	var c Conversation
	var metaJSON string
	if err := row.Scan(&c.ID, &c.InterfaceType, &c.ChannelID, &c.Started, &c.LastActive, &metaJSON); err != nil {
		if err == sql.ErrNoRows {
			return Conversation{}, brainerr.New(brainerr.NotFound, "conversation not found", map[string]any{"id": id})
		}
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	_ = json.Unmarshal([]byte(metaJSON), &c.Metadata)
	return c, nil
}

// AddMessage appends one ChatMessage to conversationId, then checks the
// auto-summarization thresholds, enqueueing a non-blocking
// conversation-topic job when either is crossed.
func (s *Store) AddMessage(conversationID string, role Role, content string, metadata map[string]any) (ChatMessage, error) {
	conv, err := s.GetConversation(conversationID)
	if err != nil {
		return ChatMessage{}, err
	}

	now := s.clock.Now()
	msg := ChatMessage{
		ID:             s.ids.NewID(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Timestamp:      now,
		Metadata:       metadata,
	}
	if msg.Metadata == nil {
		msg.Metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(msg.Metadata)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("marshal message metadata: %w", err)
	}

	if _, err := s.db.Exec(`
		INSERT INTO messages (id, conversation_id, role, content, timestamp, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, string(msg.Role), msg.Content, msg.Timestamp, string(metaJSON)); err != nil {
		return ChatMessage{}, fmt.Errorf("insert message: %w", err)
	}

	if _, err := s.db.Exec(`UPDATE conversations SET last_active=? WHERE id=?`, now, conversationID); err != nil {
		s.logger.Warn("failed to update conversation last_active", "conversationId", conversationID, "error", err)
	}

	s.bus.Publish(bus.TopicConversationAddMessage, AddMessageEvent{ConversationID: conversationID, Role: string(role)}, "conversation")

	if err := s.bumpTracking(conv, now); err != nil {
		s.logger.Warn("failed to update summary tracking", "conversationId", conversationID, "error", err)
	}

	return msg, nil
}

// GetMessages returns conversationId's messages in chronological order,
// optionally limited to the most recent `limit` (0 means all).
func (s *Store) GetMessages(conversationID string, limit int) ([]ChatMessage, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, role, content, timestamp, metadata
		FROM messages WHERE conversation_id=? ORDER BY timestamp ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var all []ChatMessage
	for rows.Next() {
		var m ChatMessage
		var metaJSON, roleStr string
		if err := rows.Scan(&m.ID, &m.ConversationID, &roleStr, &m.Content, &m.Timestamp, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = Role(roleStr)
		_ = json.Unmarshal([]byte(metaJSON), &m.Metadata)
		all = append(all, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if limit > 0 && limit < len(all) {
		all = all[len(all)-limit:]
	}
	return all, nil
}

type tracking struct {
	MessagesSinceSummary  int
	LastSummaryAt         time.Time
	LastSummaryMessageSeq int
	Summarizing           bool
}

func (s *Store) getTracking(conversationID string) (tracking, error) {
	row := s.db.QueryRow(`
		SELECT messages_since_summary, last_summary_at, last_summary_message_seq, summarizing
		FROM summary_tracking WHERE conversation_id=?
	`, conversationID)
	var t tracking
	var lastSummaryAt sql.NullTime
	var summarizing int
	if err := row.Scan(&t.MessagesSinceSummary, &lastSummaryAt, &t.LastSummaryMessageSeq, &summarizing); err != nil {
		if err == sql.ErrNoRows {
			return tracking{}, nil
		}
		return tracking{}, fmt.Errorf("get summary tracking: %w", err)
	}
	if lastSummaryAt.Valid {
		t.LastSummaryAt = lastSummaryAt.Time
	}
	t.Summarizing = summarizing != 0
	return t, nil
}

// bumpTracking increments the message counter and, if either threshold is
// crossed and no summarization is already in flight, enqueues the
// conversation-topic job and marks one as pending so a burst of messages
// doesn't enqueue it repeatedly.
func (s *Store) bumpTracking(conv Conversation, now time.Time) error {
	t, err := s.getTracking(conv.ID)
	if err != nil {
		return err
	}
	t.MessagesSinceSummary++

	baseline := conv.Started
	if !t.LastSummaryAt.IsZero() {
		baseline = t.LastSummaryAt
	}
	triggered := t.MessagesSinceSummary >= s.cfg.SummarizeEveryMessages || now.Sub(baseline) >= s.cfg.SummarizeEveryDuration

	if _, err := s.db.Exec(`
		UPDATE summary_tracking SET messages_since_summary=? WHERE conversation_id=?
	`, t.MessagesSinceSummary, conv.ID); err != nil {
		return fmt.Errorf("update summary tracking: %w", err)
	}

	if triggered && !t.Summarizing && s.jobs != nil {
		if _, err := s.jobs.EnqueueJob(TopicJobType, map[string]any{"conversationId": conv.ID}, 0, map[string]any{
			"operationType":   TopicJobType,
			"operationTarget": conv.ID,
		}); err != nil {
			return fmt.Errorf("enqueue conversation-topic job: %w", err)
		}
		if _, err := s.db.Exec(`UPDATE summary_tracking SET summarizing=1 WHERE conversation_id=?`, conv.ID); err != nil {
			s.logger.Warn("failed to mark summarization pending", "conversationId", conv.ID, "error", err)
		}
	}
	return nil
}

// markSummarized resets the tracking counters after a conversation-topic
// job completes, recording how many messages it consumed so the next
// window can overlap correctly.
func (s *Store) markSummarized(conversationID string, messageCount int, at time.Time) error {
	_, err := s.db.Exec(`
		UPDATE summary_tracking
		SET messages_since_summary=0, last_summary_at=?, last_summary_message_seq=?, summarizing=0
		WHERE conversation_id=?
	`, at, messageCount, conversationID)
	return err
}

// StartEvent is the payload for bus.TopicConversationStart.
type StartEvent struct {
	ConversationID string `json:"conversationId"`
	InterfaceType  string `json:"interfaceType"`
	ChannelID      string `json:"channelId"`
}

// AddMessageEvent is the payload for bus.TopicConversationAddMessage.
type AddMessageEvent struct {
	ConversationID string `json:"conversationId"`
	Role           string `json:"role"`
}
