package relay

import (
	"database/sql"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dorkos-sh/dorkos/internal/dorkerr"
	"github.com/dorkos-sh/dorkos/internal/storage"
)

// Session strategies for adapter-originated sessions.
const (
	StrategyStateless = "stateless"
	StrategyPerUser   = "per-user"
	StrategyPerChat   = "per-chat"
)

// Binding maps an adapter (optionally narrowed by chat and channel type) to
// an agent working directory.
type Binding struct {
	ID          string `json:"id"`
	AdapterID   string `json:"adapterId"`
	AgentID     string `json:"agentId"`
	AgentDir    string `json:"agentDir"`
	Strategy    string `json:"sessionStrategy"`
	ChatID      string `json:"chatId,omitempty"`
	ChannelType string `json:"channelType,omitempty"`
	Label       string `json:"label,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
}

// BindingStore persists bindings in SQLite.
type BindingStore struct {
	db     *sql.DB
	logger *slog.Logger

	closeOnce sync.Once
}

func NewBindingStore(path string, logger *slog.Logger) (*BindingStore, error) {
	db, err := storage.Open(path)
	if err != nil {
		return nil, err
	}
	if err := storage.Migrate(db, migrationFS, "migrations/bindings"); err != nil {
		db.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BindingStore{db: db, logger: logger}, nil
}

// Create inserts a binding. Duplicate (adapter, agent, chat, channel)
// tuples are rejected.
func (s *BindingStore) Create(b Binding) (Binding, error) {
	switch b.Strategy {
	case StrategyStateless, StrategyPerUser, StrategyPerChat:
	default:
		return Binding{}, dorkerr.New(dorkerr.CodeValidationFailed, "unknown session strategy %q", b.Strategy)
	}
	if b.AdapterID == "" || b.AgentDir == "" {
		return Binding{}, dorkerr.New(dorkerr.CodeValidationFailed, "adapterId and agentDir are required")
	}

	b.ID = uuid.NewString()
	b.CreatedAt = time.Now().UnixMilli()
	_, err := s.db.Exec(`
		INSERT INTO bindings (id, adapter_id, agent_id, agent_dir, strategy, chat_id, channel_type, label, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.AdapterID, b.AgentID, b.AgentDir, b.Strategy, b.ChatID, b.ChannelType, b.Label, b.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return Binding{}, dorkerr.New(dorkerr.CodeBindingCreateFailed, "binding for (%s, %s, %s, %s) already exists",
				b.AdapterID, b.AgentID, b.ChatID, b.ChannelType)
		}
		return Binding{}, dorkerr.Wrap(dorkerr.CodeBindingCreateFailed, err, "insert binding")
	}
	s.logger.Info("relay.binding.created", "id", b.ID, "adapter", b.AdapterID, "dir", b.AgentDir)
	return b, nil
}

// Delete removes a binding by ID. Idempotent.
func (s *BindingStore) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM bindings WHERE id = ?`, id)
	return err
}

// GetAll returns every binding ordered by creation time.
func (s *BindingStore) GetAll() ([]Binding, error) {
	return s.query(`SELECT id, adapter_id, agent_id, agent_dir, strategy, chat_id, channel_type, label, created_at
		FROM bindings ORDER BY created_at`)
}

// Resolve returns the bindings matching an inbound message. Empty chat or
// channel filters on a binding match anything.
func (s *BindingStore) Resolve(adapterID, chatID, channelType string) ([]Binding, error) {
	return s.query(`SELECT id, adapter_id, agent_id, agent_dir, strategy, chat_id, channel_type, label, created_at
		FROM bindings
		WHERE adapter_id = ?
		  AND (chat_id = '' OR chat_id = ?)
		  AND (channel_type = '' OR channel_type = ?)
		ORDER BY created_at`, adapterID, chatID, channelType)
}

func (s *BindingStore) query(q string, args ...any) ([]Binding, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Binding
	for rows.Next() {
		var b Binding
		if err := rows.Scan(&b.ID, &b.AdapterID, &b.AgentID, &b.AgentDir, &b.Strategy,
			&b.ChatID, &b.ChannelType, &b.Label, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Close is idempotent.
func (s *BindingStore) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.db.Close() })
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
