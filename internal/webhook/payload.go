package webhook

import (
	"strconv"
	"strings"
	"time"

	"appointment-bot/internal/common/validation"
	"appointment-bot/internal/models"
)

var envelopeSchema = validation.MustCompile(`{
	"type": "object",
	"required": ["object", "entry"],
	"properties": {
		"object": {"type": "string"},
		"entry": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["changes"],
				"properties": {
					"changes": {
						"type": "array",
						"items": {
							"type": "object",
							"properties": {
								"field": {"type": "string"},
								"value": {"type": "object"}
							}
						}
					}
				}
			}
		}
	}
}`)

type envelope struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID      string   `json:"id"`
	Changes []change `json:"changes"`
}

type change struct {
	Field string      `json:"field"`
	Value changeValue `json:"value"`
}

type changeValue struct {
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
		WaID string `json:"wa_id"`
	} `json:"contacts"`
	Messages []rawMessage `json:"messages"`
	Statuses []struct {
		ID          string `json:"id"`
		Status      string `json:"status"`
		RecipientID string `json:"recipient_id"`
	} `json:"statuses"`
}

type mediaPart struct {
	ID      string `json:"id"`
	Caption string `json:"caption"`
}

type rawMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Button *struct {
		Text    string `json:"text"`
		Payload string `json:"payload"`
	} `json:"button"`
	Interactive *struct {
		Type        string `json:"type"`
		ButtonReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply *struct {
			ID          string `json:"id"`
			Title       string `json:"title"`
			Description string `json:"description"`
		} `json:"list_reply"`
		NfmReply *struct {
			Name         string `json:"name"`
			Body         string `json:"body"`
			ResponseJSON string `json:"response_json"`
		} `json:"nfm_reply"`
	} `json:"interactive"`
	Image    *mediaPart `json:"image"`
	Document *mediaPart `json:"document"`
	Audio    *mediaPart `json:"audio"`
	Video    *mediaPart `json:"video"`
	Sticker  *mediaPart `json:"sticker"`
}

func (v changeValue) profileName(waID string) string {
	for _, c := range v.Contacts {
		if c.WaID == waID {
			return c.Profile.Name
		}
	}
	if len(v.Contacts) == 1 {
		return v.Contacts[0].Profile.Name
	}
	return ""
}

// Normalize converts one provider message into an InboundMessage. The
// tenant id is filled in by the caller.
func Normalize(m rawMessage, profileName string, fallback time.Time) models.InboundMessage {
	msg := models.InboundMessage{
		From:        m.From,
		ProfileName: profileName,
		MessageID:   m.ID,
		Timestamp:   parseTimestamp(m.Timestamp, fallback),
	}

	switch m.Type {
	case "text":
		msg.Kind = models.KindText
		if m.Text != nil {
			msg.Text = strings.TrimSpace(m.Text.Body)
		}
	case "button":
		msg.Kind = models.KindButton
		if m.Button != nil {
			msg.Text = m.Button.Text
			msg.ChoiceID = m.Button.Payload
		}
	case "interactive":
		normalizeInteractive(m, &msg)
	case "image":
		setMedia(&msg, m.Image, "[image]")
	case "document":
		setMedia(&msg, m.Document, "[document]")
	case "audio":
		setMedia(&msg, m.Audio, "[audio]")
	case "video":
		setMedia(&msg, m.Video, "[video]")
	case "sticker":
		setMedia(&msg, m.Sticker, "[sticker]")
	case "location":
		msg.Kind = models.KindMedia
		msg.Text = "[location]"
	case "contacts":
		msg.Kind = models.KindMedia
		msg.Text = "[contacts]"
	default:
		msg.Kind = models.KindUnsupported
		msg.Text = "[unsupported]"
	}
	return msg
}

func normalizeInteractive(m rawMessage, msg *models.InboundMessage) {
	in := m.Interactive
	switch {
	case in == nil:
		msg.Kind = models.KindUnsupported
		msg.Text = "[unsupported]"
	case in.ButtonReply != nil:
		msg.Kind = models.KindButton
		msg.Text = in.ButtonReply.Title
		msg.ChoiceID = in.ButtonReply.ID
	case in.ListReply != nil:
		msg.Kind = models.KindList
		msg.Text = in.ListReply.Title
		msg.ChoiceID = in.ListReply.ID
	case in.NfmReply != nil:
		msg.Kind = models.KindText
		msg.Text = in.NfmReply.Body
	default:
		msg.Kind = models.KindUnsupported
		msg.Text = "[unsupported]"
	}
}

func setMedia(msg *models.InboundMessage, part *mediaPart, placeholder string) {
	msg.Kind = models.KindMedia
	msg.Text = placeholder
	if part != nil && strings.TrimSpace(part.Caption) != "" {
		msg.Text = strings.TrimSpace(part.Caption)
	}
}

func parseTimestamp(s string, fallback time.Time) time.Time {
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil || secs <= 0 {
		return fallback
	}
	return time.Unix(secs, 0).UTC()
}
