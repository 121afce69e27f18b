package ingest

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/leadpulse/leadpulse/internal/store"
)

// wacloudPayload is the Graph API webhook envelope
// (entry → changes → value → messages/contacts).
type wacloudPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Metadata struct {
					PhoneNumberID string `json:"phone_number_id"`
				} `json:"metadata"`
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []struct {
					From      string `json:"from"`
					ID        string `json:"id"`
					Timestamp string `json:"timestamp"` // unix seconds as string
					Type      string `json:"type"`
					Text      struct {
						Body string `json:"body"`
					} `json:"text"`
					Image struct {
						ID      string `json:"id"`
						Caption string `json:"caption"`
					} `json:"image"`
					Document struct {
						ID      string `json:"id"`
						Caption string `json:"caption"`
					} `json:"document"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// WACloudNormalizer parses WhatsApp Cloud API webhook deliveries.
type WACloudNormalizer struct{}

func (WACloudNormalizer) Kind() store.ProviderKind { return store.ProviderWACloud }

func (WACloudNormalizer) Normalize(workspaceID uuid.UUID, body []byte) ([]InboundEvent, error) {
	var payload wacloudPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &ValidationError{Provider: store.ProviderWACloud, Reason: "malformed JSON"}
	}
	if payload.Object != "whatsapp_business_account" {
		return nil, &ValidationError{Provider: store.ProviderWACloud, Reason: "unexpected object " + payload.Object}
	}

	var events []InboundEvent
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				// Status updates and other fields are not inbound messages.
				continue
			}

			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}

			for _, m := range change.Value.Messages {
				from := strings.TrimSpace(m.From)
				if from == "" || m.ID == "" {
					return nil, &ValidationError{Provider: store.ProviderWACloud, Reason: "message missing sender or id"}
				}

				ev := InboundEvent{
					WorkspaceID:       workspaceID,
					Provider:          store.ProviderWACloud,
					ProviderChannelID: change.Value.Metadata.PhoneNumberID,
					SenderExternalID:  from,
					SenderDisplayName: names[from],
					ProviderMessageID: m.ID,
					OccurredAt:        parseUnixSeconds(m.Timestamp),
				}

				switch m.Type {
				case "text":
					ev.Text = strings.TrimSpace(m.Text.Body)
				case "image":
					ev.Text = strings.TrimSpace(m.Image.Caption)
					ev.MediaRef = m.Image.ID
				case "document":
					ev.Text = strings.TrimSpace(m.Document.Caption)
					ev.MediaRef = m.Document.ID
				default:
					// Reactions, locations etc. carry no processable content.
					continue
				}
				if ev.Text == "" && ev.MediaRef == "" {
					continue
				}
				events = append(events, ev)
			}
		}
	}
	return events, nil
}

func parseUnixSeconds(s string) time.Time {
	if secs, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0)
	}
	return time.Now()
}
