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

const graphAPIBase = "https://graph.facebook.com"

// WACloudAdapter sends messages through the WhatsApp Cloud API (Graph).
// The first outbound message of a conversation must use a pre-registered
// template; free-form text is only allowed inside the 24h customer window.
type WACloudAdapter struct {
	httpClient *http.Client
}

func NewWACloudAdapter() *WACloudAdapter {
	return &WACloudAdapter{
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *WACloudAdapter) Kind() store.ProviderKind { return store.ProviderWACloud }

type waCloudSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (a *WACloudAdapter) Send(ctx context.Context, creds *store.ChannelCredentials, token string, target Target, payload Payload) (*SendResult, error) {
	if creds.PhoneNumberID == "" {
		return nil, Permanent(a.Kind(), "phone number id not configured")
	}
	if target.Phone == "" {
		return nil, Permanent(a.Kind(), "recipient phone number missing")
	}

	body := map[string]any{
		"messaging_product": "whatsapp",
		"to":                target.Phone,
	}
	switch {
	case payload.FirstContact:
		if creds.TemplateName == "" {
			return nil, Permanent(a.Kind(), "first contact requires a registered template")
		}
		lang := creds.TemplateLang
		if lang == "" {
			lang = "en"
		}
		body["type"] = "template"
		body["template"] = map[string]any{
			"name":     creds.TemplateName,
			"language": map[string]any{"code": lang},
		}
	case payload.MediaURL != "":
		body["type"] = "image"
		body["image"] = map[string]any{"link": payload.MediaURL, "caption": payload.Text}
	default:
		body["type"] = "text"
		body["text"] = map[string]any{"body": payload.Text}
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	base := creds.APIBase
	if base == "" {
		base = graphAPIBase
	}
	version := creds.APIVersion
	if version == "" {
		version = "v20.0"
	}
	url := fmt.Sprintf("%s/%s/%s/messages", strings.TrimRight(base, "/"), version, creds.PhoneNumberID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, Transient(a.Kind(), "request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))

	var out waCloudSendResponse
	_ = json.Unmarshal(respBody, &out)

	if resp.StatusCode >= 300 {
		if out.Error != nil {
			return nil, classifyStatus(a.Kind(), resp.StatusCode,
				fmt.Sprintf("code %d: %s", out.Error.Code, out.Error.Message))
		}
		return nil, classifyStatus(a.Kind(), resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	res := &SendResult{}
	if len(out.Messages) > 0 {
		res.ProviderMessageID = out.Messages[0].ID
	}
	return res, nil
}
