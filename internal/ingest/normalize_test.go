package ingest

import (
	"testing"

	"github.com/google/uuid"
)

var testWorkspace = uuid.Must(uuid.NewV7())

func TestWACloudNormalize(t *testing.T) {
	body := []byte(`{
		"object": "whatsapp_business_account",
		"entry": [{
			"id": "biz-1",
			"changes": [{
				"field": "messages",
				"value": {
					"metadata": {"phone_number_id": "555001"},
					"contacts": [{"wa_id": "5511999999999", "profile": {"name": "Ana"}}],
					"messages": [
						{"from": "5511999999999", "id": "wamid.A", "timestamp": "1700000000", "type": "text", "text": {"body": " hi there "}},
						{"from": "5511999999999", "id": "wamid.B", "timestamp": "1700000001", "type": "image", "image": {"id": "media-1", "caption": "look"}}
					]
				}
			}]
		}]
	}`)

	events, err := (WACloudNormalizer{}).Normalize(testWorkspace, body)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}

	first := events[0]
	if first.SenderExternalID != "5511999999999" || first.SenderDisplayName != "Ana" {
		t.Errorf("sender = %q/%q", first.SenderExternalID, first.SenderDisplayName)
	}
	if first.Text != "hi there" {
		t.Errorf("text = %q, want trimmed body", first.Text)
	}
	if first.ProviderMessageID != "wamid.A" {
		t.Errorf("provider message id = %q", first.ProviderMessageID)
	}
	if first.ProviderChannelID != "555001" {
		t.Errorf("channel id = %q", first.ProviderChannelID)
	}
	if first.OccurredAt.Unix() != 1700000000 {
		t.Errorf("occurred at = %v", first.OccurredAt)
	}

	second := events[1]
	if second.MediaRef != "media-1" || second.Text != "look" {
		t.Errorf("image event = %+v", second)
	}
}

func TestWACloudNormalize_Rejections(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{not json`},
		{"wrong object", `{"object": "page"}`},
		{"missing sender", `{"object":"whatsapp_business_account","entry":[{"changes":[{"field":"messages","value":{"messages":[{"id":"wamid.X","type":"text","text":{"body":"hi"}}]}}]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := (WACloudNormalizer{}).Normalize(testWorkspace, []byte(tt.body))
			if !IsValidationError(err) {
				t.Fatalf("got %v, want ValidationError", err)
			}
		})
	}
}

func TestWACloudNormalize_IgnoresNonMessageChanges(t *testing.T) {
	body := []byte(`{
		"object": "whatsapp_business_account",
		"entry": [{"changes": [{"field": "message_template_status_update", "value": {}}]}]
	}`)
	events, err := (WACloudNormalizer{}).Normalize(testWorkspace, body)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("got %d events from a status-only delivery", len(events))
	}
}

func TestHostedChatNormalize(t *testing.T) {
	body := []byte(`{
		"event": "message_created",
		"account": {"id": 7},
		"conversation": {"id": 1234},
		"sender": {"id": 88, "name": "Bruno", "phone_number": "+5511988887777"},
		"id": 9001,
		"content": "preciso de ajuda",
		"message_type": "incoming",
		"created_at": "2026-08-20T14:00:00Z"
	}`)

	events, err := (HostedChatNormalizer{}).Normalize(testWorkspace, body)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.ProviderChannelID != "1234" {
		t.Errorf("channel id = %q, want numeric conversation id as string", ev.ProviderChannelID)
	}
	if ev.SenderExternalID != "+5511988887777" {
		t.Errorf("sender = %q, want phone number preferred over numeric id", ev.SenderExternalID)
	}
	if ev.ProviderMessageID != "9001" {
		t.Errorf("provider message id = %q", ev.ProviderMessageID)
	}
}

func TestHostedChatNormalize_SkipsOutgoingEcho(t *testing.T) {
	body := []byte(`{
		"event": "message_created",
		"conversation": {"id": 1234},
		"sender": {"id": 88},
		"id": 9002,
		"content": "our own reply",
		"message_type": "outgoing"
	}`)
	events, err := (HostedChatNormalizer{}).Normalize(testWorkspace, body)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatal("outgoing echo produced an inbound event")
	}
}

func TestWABridgeNormalize(t *testing.T) {
	body := []byte(`{
		"type": "message",
		"from": "5511999999999@c.us",
		"name": "Carla",
		"id": "3EB0538DA65B59",
		"body": "oi",
		"timestamp": 1700000000
	}`)

	events, err := (WABridgeNormalizer{}).Normalize(testWorkspace, body)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].SenderExternalID != "5511999999999" {
		t.Errorf("sender = %q, want the @c.us suffix stripped", events[0].SenderExternalID)
	}
	if events[0].ProviderChannelID != "5511999999999@c.us" {
		t.Errorf("channel id = %q, want the raw chat id", events[0].ProviderChannelID)
	}
}

func TestWABridgeNormalize_Skips(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"own message", `{"type":"message","from":"x@c.us","id":"1","body":"hi","from_me":true}`},
		{"non-message frame", `{"type":"presence","from":"x@c.us","id":"1"}`},
		{"empty content", `{"type":"message","from":"x@c.us","id":"1","body":"   "}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := (WABridgeNormalizer{}).Normalize(testWorkspace, []byte(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			if len(events) != 0 {
				t.Fatalf("got %d events, want 0", len(events))
			}
		})
	}
}
