package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/leadpulse/leadpulse/internal/store"
)

// WorkspaceStore implements store.WorkspaceStore backed by Postgres.
// Settings and credentials are written by the surrounding CRM application;
// this engine only reads them.
type WorkspaceStore struct {
	db *sql.DB
}

func NewWorkspaceStore(db *sql.DB) *WorkspaceStore {
	return &WorkspaceStore{db: db}
}

func (s *WorkspaceStore) Settings(ctx context.Context, workspaceID uuid.UUID) (*store.WorkspaceSettings, error) {
	var cfg store.WorkspaceSettings
	err := s.db.QueryRowContext(ctx,
		`SELECT workspace_id, system_prompt, model, send_window
		 FROM workspace_settings WHERE workspace_id = $1`,
		workspaceID).Scan(&cfg.WorkspaceID, &cfg.SystemPrompt, &cfg.Model, &cfg.SendWindow)
	if errors.Is(err, sql.ErrNoRows) {
		// Missing settings are a valid configuration: defaults apply.
		return &store.WorkspaceSettings{WorkspaceID: workspaceID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query workspace settings: %w", err)
	}
	return &cfg, nil
}

func (s *WorkspaceStore) Credentials(ctx context.Context, workspaceID uuid.UUID, channel store.ProviderKind) (*store.ChannelCredentials, error) {
	var c store.ChannelCredentials
	err := s.db.QueryRowContext(ctx,
		`SELECT workspace_id, channel, account_id, phone_number_id, api_version, api_base,
		        encrypted_token, template_name, template_lang, bridge_url
		 FROM channel_credentials WHERE workspace_id = $1 AND channel = $2`,
		workspaceID, channel).Scan(&c.WorkspaceID, &c.Channel, &c.AccountID, &c.PhoneNumberID,
		&c.APIVersion, &c.APIBase, &c.EncryptedToken, &c.TemplateName, &c.TemplateLang, &c.BridgeURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query channel credentials: %w", err)
	}
	return &c, nil
}
