package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/leadpulse/leadpulse/internal/store"
)

// HostedChatAdapter sends messages through the hosted chat gateway's REST
// API. Messages land in an existing conversation thread, so a thread id is
// required.
type HostedChatAdapter struct {
	httpClient *http.Client
}

func NewHostedChatAdapter() *HostedChatAdapter {
	return &HostedChatAdapter{
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *HostedChatAdapter) Kind() store.ProviderKind { return store.ProviderHostedChat }

type hostedChatSendRequest struct {
	Content     string   `json:"content"`
	MessageType string   `json:"message_type"`
	Attachments []string `json:"attachments,omitempty"`
}

type hostedChatSendResponse struct {
	ID json.Number `json:"id"`
}

func (a *HostedChatAdapter) Send(ctx context.Context, creds *store.ChannelCredentials, token string, target Target, payload Payload) (*SendResult, error) {
	if creds.BridgeURL == "" {
		return nil, Permanent(a.Kind(), "gateway base url not configured")
	}
	if target.ThreadID == "" {
		return nil, Permanent(a.Kind(), "conversation has no gateway thread id")
	}

	reqBody := hostedChatSendRequest{
		Content:     payload.Text,
		MessageType: "outgoing",
	}
	if payload.MediaURL != "" {
		reqBody.Attachments = []string{payload.MediaURL}
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/accounts/%s/conversations/%s/messages",
		strings.TrimRight(creds.BridgeURL, "/"), creds.AccountID, target.ThreadID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api_access_token", token)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, Transient(a.Kind(), "request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if resp.StatusCode >= 300 {
		return nil, classifyStatus(a.Kind(), resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var out hostedChatSendResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		// Delivered but the body is unexpected; keep the send as a success.
		return &SendResult{}, nil
	}
	return &SendResult{ProviderMessageID: out.ID.String()}, nil
}
