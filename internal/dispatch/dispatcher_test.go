package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/leadpulse/leadpulse/internal/config"
	"github.com/leadpulse/leadpulse/internal/jobs"
	"github.com/leadpulse/leadpulse/internal/secrets"
	"github.com/leadpulse/leadpulse/internal/store"
	"github.com/leadpulse/leadpulse/internal/store/memory"
)

type fakeAdapter struct {
	kind     store.ProviderKind
	result   SendResult
	err      error
	lastCall struct {
		token   string
		target  Target
		payload Payload
	}
	calls int
}

func (f *fakeAdapter) Kind() store.ProviderKind { return f.kind }

func (f *fakeAdapter) Send(ctx context.Context, creds *store.ChannelCredentials, token string, target Target, payload Payload) (*SendResult, error) {
	f.calls++
	f.lastCall.token = token
	f.lastCall.target = target
	f.lastCall.payload = payload
	if f.err != nil {
		return nil, f.err
	}
	return &f.result, nil
}

type testEnv struct {
	mem        *memory.Store
	backend    *jobs.MemoryBackend
	dispatcher *Dispatcher
	adapter    *fakeAdapter
	conv       *store.Conversation
}

func newTestEnv(t *testing.T, kind store.ProviderKind) *testEnv {
	t.Helper()
	mem := memory.New()
	backend := jobs.NewMemoryBackend()
	adapter := &fakeAdapter{kind: kind, result: SendResult{ProviderMessageID: "prov-1"}}

	d := NewDispatcher(mem.Stores(), secrets.Plaintext{}, backend, nil,
		5*time.Second, config.RateLimitConfig{})
	d.Register(adapter)

	workspaceID := uuid.Must(uuid.NewV7())
	client := &store.Client{
		ID:          uuid.Must(uuid.NewV7()),
		WorkspaceID: workspaceID,
		ExternalID:  "5511988887777",
		Channel:     kind,
		DisplayName: "Ana",
	}
	if err := mem.Create(context.Background(), client); err != nil {
		t.Fatal(err)
	}
	conv := &store.Conversation{
		ID:                    uuid.Must(uuid.NewV7()),
		WorkspaceID:           workspaceID,
		ClientID:              client.ID,
		Status:                store.ConversationActive,
		BoundChannel:          kind,
		ChannelConversationID: "thread-9",
	}
	if err := mem.CreateConversation(context.Background(), conv); err != nil {
		t.Fatal(err)
	}
	mem.SeedCredentials(&store.ChannelCredentials{
		WorkspaceID:    workspaceID,
		Channel:        kind,
		AccountID:      "7",
		EncryptedToken: "tok-plain",
	})
	return &testEnv{mem: mem, backend: backend, dispatcher: d, adapter: adapter, conv: conv}
}

func (e *testEnv) pendingMessage(t *testing.T, content, mediaURL string) *store.Message {
	t.Helper()
	m := &store.Message{
		ID:             uuid.Must(uuid.NewV7()),
		ConversationID: e.conv.ID,
		Sender:         store.SenderAI,
		Content:        content,
		MediaURL:       mediaURL,
		Timestamp:      time.Now(),
		Status:         store.StatusPending,
	}
	if err := e.mem.Append(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestDispatch_SuccessMarksSent(t *testing.T) {
	env := newTestEnv(t, store.ProviderHostedChat)
	msg := env.pendingMessage(t, "olá", "")

	res, err := env.dispatcher.Dispatch(context.Background(), env.conv, msg)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.ProviderMessageID != "prov-1" {
		t.Fatalf("result = %+v", res)
	}
	if env.adapter.lastCall.token != "tok-plain" {
		t.Errorf("token = %q", env.adapter.lastCall.token)
	}
	if env.adapter.lastCall.target.ThreadID != "thread-9" {
		t.Errorf("target = %+v", env.adapter.lastCall.target)
	}

	stored, err := env.mem.GetMessage(context.Background(), msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != store.StatusSent || stored.ProviderMessageID != "prov-1" {
		t.Errorf("stored message = %+v", stored)
	}
}

func TestDispatch_MissingCredentialsFailsPermanently(t *testing.T) {
	env := newTestEnv(t, store.ProviderHostedChat)
	// Re-bind the conversation to a channel with no seeded credentials.
	env.dispatcher.Register(&fakeAdapter{kind: store.ProviderWABridge})
	env.conv.BoundChannel = store.ProviderWABridge
	msg := env.pendingMessage(t, "olá", "")

	res, err := env.dispatcher.Dispatch(context.Background(), env.conv, msg)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || !res.Permanent {
		t.Fatalf("result = %+v, want permanent failure", res)
	}
	if !strings.Contains(res.ErrorDetail, "not configured") {
		t.Errorf("detail = %q", res.ErrorDetail)
	}

	stored, _ := env.mem.GetMessage(context.Background(), msg.ID)
	if stored.Status != store.StatusFailed {
		t.Errorf("status = %s, want FAILED", stored.Status)
	}
}

func TestDispatch_ProviderErrorFailsMessage(t *testing.T) {
	env := newTestEnv(t, store.ProviderHostedChat)
	env.adapter.err = Permanent(store.ProviderHostedChat, "thread gone")
	msg := env.pendingMessage(t, "olá", "")

	res, err := env.dispatcher.Dispatch(context.Background(), env.conv, msg)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || !res.Permanent {
		t.Fatalf("result = %+v", res)
	}

	stored, _ := env.mem.GetMessage(context.Background(), msg.ID)
	if stored.Status != store.StatusFailed {
		t.Errorf("status = %s, want FAILED", stored.Status)
	}
	if stored.Metadata["error"] == "" {
		t.Error("error detail not recorded on message")
	}
}

func TestDispatch_TransientErrorGoesToRetryLane(t *testing.T) {
	env := newTestEnv(t, store.ProviderHostedChat)
	env.adapter.err = Transient(store.ProviderHostedChat, "upstream 502")
	msg := env.pendingMessage(t, "olá", "")

	res, err := env.dispatcher.Dispatch(context.Background(), env.conv, msg)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Deferred || res.Success || res.Permanent {
		t.Fatalf("result = %+v, want deferred to retry lane", res)
	}

	pending := env.backend.Pending(jobs.ClassDispatch)
	if len(pending) != 1 {
		t.Fatalf("pending dispatch jobs = %d, want 1", len(pending))
	}
	if want := "dispatch:" + msg.ID.String(); pending[0].DedupeKey != want {
		t.Errorf("dedupe key = %q, want %q", pending[0].DedupeKey, want)
	}

	// One transient failure must not end the message's lifecycle.
	stored, _ := env.mem.GetMessage(context.Background(), msg.ID)
	if stored.Status != store.StatusPending {
		t.Errorf("status = %s, want PENDING while retries remain", stored.Status)
	}
}

func TestDispatch_ServerErrorRetriesThenSends(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits == 1 {
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte(`{"error":{"code":1,"message":"upstream"}}`))
			return
		}
		w.Write([]byte(`{"messages":[{"id":"wamid.RETRY"}]}`))
	}))
	defer srv.Close()

	env := newTestEnv(t, store.ProviderWACloud)
	env.dispatcher.Register(NewWACloudAdapter())
	env.mem.SeedCredentials(&store.ChannelCredentials{
		WorkspaceID:    env.conv.WorkspaceID,
		Channel:        store.ProviderWACloud,
		PhoneNumberID:  "555001",
		APIBase:        srv.URL,
		EncryptedToken: "tok-plain",
		TemplateName:   "first_touch",
	})
	msg := env.pendingMessage(t, "olá", "")

	res, err := env.dispatcher.Dispatch(context.Background(), env.conv, msg)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Deferred {
		t.Fatalf("result = %+v, want deferred after a 500", res)
	}

	claimed, err := env.backend.ClaimDue(context.Background(), jobs.ClassDispatch, 10, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed = %d", len(claimed))
	}
	if err := env.dispatcher.HandleSend(context.Background(), &claimed[0]); err != nil {
		t.Fatal(err)
	}

	stored, _ := env.mem.GetMessage(context.Background(), msg.ID)
	if stored.Status != store.StatusSent || stored.ProviderMessageID != "wamid.RETRY" {
		t.Errorf("message = %+v, want SENT after the retry", stored)
	}
}

func TestHandleSend_MarksFailedAtAttemptCap(t *testing.T) {
	env := newTestEnv(t, store.ProviderHostedChat)
	env.adapter.err = Transient(store.ProviderHostedChat, "upstream 502")
	msg := env.pendingMessage(t, "olá", "")

	if _, err := env.dispatcher.Dispatch(context.Background(), env.conv, msg); err != nil {
		t.Fatal(err)
	}
	claimed, err := env.backend.ClaimDue(context.Background(), jobs.ClassDispatch, 10, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed = %d", len(claimed))
	}

	// Mid-budget attempts leave the message PENDING.
	job := claimed[0]
	job.MaxAttempts = 2
	if err := env.dispatcher.HandleSend(context.Background(), &job); err == nil || jobs.IsPermanent(err) {
		t.Fatalf("err = %v, want retryable", err)
	}
	stored, _ := env.mem.GetMessage(context.Background(), msg.ID)
	if stored.Status != store.StatusPending {
		t.Fatalf("status = %s, want PENDING mid-budget", stored.Status)
	}

	// The final attempt surfaces the failure on the message row.
	job.Attempts = job.MaxAttempts
	if err := env.dispatcher.HandleSend(context.Background(), &job); err == nil {
		t.Fatal("final attempt returned nil")
	}
	stored, _ = env.mem.GetMessage(context.Background(), msg.ID)
	if stored.Status != store.StatusFailed {
		t.Errorf("status = %s, want FAILED after the attempt cap", stored.Status)
	}
	if stored.Metadata["error"] == "" {
		t.Error("error detail not recorded on message")
	}
}

func TestDispatch_MediaDefersToQueue(t *testing.T) {
	env := newTestEnv(t, store.ProviderHostedChat)
	msg := env.pendingMessage(t, "", "https://cdn.example.com/brochure.pdf")

	res, err := env.dispatcher.Dispatch(context.Background(), env.conv, msg)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Deferred || res.Success {
		t.Fatalf("result = %+v, want deferred", res)
	}
	if env.adapter.calls != 0 {
		t.Error("adapter called on the synchronous path for media")
	}

	pending := env.backend.Pending(jobs.ClassMedia)
	if len(pending) != 1 {
		t.Fatalf("pending media jobs = %d, want 1", len(pending))
	}
	if pending[0].DedupeKey != "media:"+msg.ID.String() {
		t.Errorf("dedupe key = %q", pending[0].DedupeKey)
	}

	// Still PENDING until the media lane picks it up.
	stored, _ := env.mem.GetMessage(context.Background(), msg.ID)
	if stored.Status != store.StatusPending {
		t.Errorf("status = %s, want PENDING before the job runs", stored.Status)
	}
}

func TestHandleSend_Media(t *testing.T) {
	env := newTestEnv(t, store.ProviderHostedChat)
	msg := env.pendingMessage(t, "", "https://cdn.example.com/brochure.pdf")

	if _, err := env.dispatcher.Dispatch(context.Background(), env.conv, msg); err != nil {
		t.Fatal(err)
	}
	claimed, err := env.backend.ClaimDue(context.Background(), jobs.ClassMedia, 10, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed = %d", len(claimed))
	}

	if err := env.dispatcher.HandleSend(context.Background(), &claimed[0]); err != nil {
		t.Fatal(err)
	}
	if env.adapter.lastCall.payload.MediaURL != msg.MediaURL {
		t.Errorf("adapter payload = %+v", env.adapter.lastCall.payload)
	}
	stored, _ := env.mem.GetMessage(context.Background(), msg.ID)
	if stored.Status != store.StatusSent {
		t.Errorf("status = %s, want SENT", stored.Status)
	}

	// Redelivery after success skips, it does not resend.
	calls := env.adapter.calls
	err = env.dispatcher.HandleSend(context.Background(), &claimed[0])
	if !jobs.IsSkip(err) {
		t.Fatalf("redelivery err = %v, want skip", err)
	}
	if env.adapter.calls != calls {
		t.Error("redelivery reached the adapter")
	}
}

func TestSend_FirstContactOnlyForWACloud(t *testing.T) {
	env := newTestEnv(t, store.ProviderWACloud)
	msg := env.pendingMessage(t, "olá", "")

	if _, err := env.dispatcher.Dispatch(context.Background(), env.conv, msg); err != nil {
		t.Fatal(err)
	}
	if !env.adapter.lastCall.payload.FirstContact {
		t.Error("first outbound on wacloud should be flagged first contact")
	}

	second := env.pendingMessage(t, "seguimos", "")
	if _, err := env.dispatcher.Dispatch(context.Background(), env.conv, second); err != nil {
		t.Fatal(err)
	}
	if env.adapter.lastCall.payload.FirstContact {
		t.Error("second outbound flagged first contact after a SENT message")
	}
}
