package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/leadpulse/leadpulse/internal/jobs"
	"github.com/leadpulse/leadpulse/internal/store"
)

func TestWACloudSend_Text(t *testing.T) {
	var got map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if r.URL.Path != "/v20.0/555001/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Error(err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"messages":[{"id":"wamid.OUT1"}]}`))
	}))
	defer srv.Close()

	creds := &store.ChannelCredentials{PhoneNumberID: "555001", APIBase: srv.URL}
	res, err := NewWACloudAdapter().Send(context.Background(), creds, "secret-token",
		Target{Phone: "5511999999999"}, Payload{Text: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if res.ProviderMessageID != "wamid.OUT1" {
		t.Errorf("provider message id = %q", res.ProviderMessageID)
	}
	if auth != "Bearer secret-token" {
		t.Errorf("auth header = %q", auth)
	}
	if got["messaging_product"] != "whatsapp" || got["to"] != "5511999999999" || got["type"] != "text" {
		t.Errorf("request body = %+v", got)
	}
}

func TestWACloudSend_FirstContactUsesTemplate(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"messages":[{"id":"wamid.T"}]}`))
	}))
	defer srv.Close()

	creds := &store.ChannelCredentials{
		PhoneNumberID: "555001",
		APIBase:       srv.URL,
		TemplateName:  "first_touch",
		TemplateLang:  "pt_BR",
	}
	_, err := NewWACloudAdapter().Send(context.Background(), creds, "tok",
		Target{Phone: "5511999999999"}, Payload{Text: "ignored for templates", FirstContact: true})
	if err != nil {
		t.Fatal(err)
	}
	if got["type"] != "template" {
		t.Fatalf("type = %v, want template on first contact", got["type"])
	}
	tmpl := got["template"].(map[string]any)
	if tmpl["name"] != "first_touch" {
		t.Errorf("template = %+v", tmpl)
	}
}

func TestWACloudSend_FirstContactWithoutTemplateIsPermanent(t *testing.T) {
	creds := &store.ChannelCredentials{PhoneNumberID: "555001"}
	_, err := NewWACloudAdapter().Send(context.Background(), creds, "tok",
		Target{Phone: "5511999999999"}, Payload{Text: "hi", FirstContact: true})
	if err == nil || !jobs.IsPermanent(err) {
		t.Fatalf("got %v, want a permanent error", err)
	}
}

func TestWACloudSend_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		permanent bool
	}{
		{"server error retries", http.StatusBadGateway, false},
		{"rate limit retries", http.StatusTooManyRequests, false},
		{"bad request is permanent", http.StatusBadRequest, true},
		{"unauthorized is permanent", http.StatusUnauthorized, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":{"code":1,"message":"nope"}}`))
			}))
			defer srv.Close()

			creds := &store.ChannelCredentials{PhoneNumberID: "555001", APIBase: srv.URL}
			_, err := NewWACloudAdapter().Send(context.Background(), creds, "tok",
				Target{Phone: "5511999999999"}, Payload{Text: "hi"})
			if err == nil {
				t.Fatal("no error for failure status")
			}
			if jobs.IsPermanent(err) != tt.permanent {
				t.Errorf("IsPermanent = %v, want %v (%v)", jobs.IsPermanent(err), tt.permanent, err)
			}
		})
	}
}

func TestHostedChatSend(t *testing.T) {
	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("api_access_token")
		if r.URL.Path != "/api/v1/accounts/7/conversations/1234/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"id": 9005}`))
	}))
	defer srv.Close()

	creds := &store.ChannelCredentials{AccountID: "7", BridgeURL: srv.URL}
	res, err := NewHostedChatAdapter().Send(context.Background(), creds, "gw-token",
		Target{AccountID: "7", ThreadID: "1234"}, Payload{Text: "resposta"})
	if err != nil {
		t.Fatal(err)
	}
	if res.ProviderMessageID != "9005" {
		t.Errorf("provider message id = %q", res.ProviderMessageID)
	}
	if gotToken != "gw-token" {
		t.Errorf("token header = %q", gotToken)
	}
}

func TestHostedChatSend_NoThreadIsPermanent(t *testing.T) {
	creds := &store.ChannelCredentials{AccountID: "7", BridgeURL: "http://gateway"}
	_, err := NewHostedChatAdapter().Send(context.Background(), creds, "tok",
		Target{AccountID: "7"}, Payload{Text: "hi"})
	if err == nil || !jobs.IsPermanent(err) {
		t.Fatalf("got %v, want a permanent error without a thread id", err)
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{429, false},
		{500, false},
		{503, false},
		{400, true},
		{403, true},
		{404, true},
	}
	for _, tt := range tests {
		err := classifyStatus(store.ProviderWACloud, tt.status, "body")
		if err.Permanent() != tt.permanent {
			t.Errorf("status %d: Permanent = %v, want %v", tt.status, err.Permanent(), tt.permanent)
		}
	}
}
