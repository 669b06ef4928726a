package webhook

import (
	"encoding/json"
	"testing"
	"time"

	"appointment-bot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	fallback := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		raw        string
		wantKind   models.MessageKind
		wantText   string
		wantChoice string
	}{
		{"text", `{"type":"text","text":{"body":" hi "}}`, models.KindText, "hi", ""},
		{"button reply", `{"type":"interactive","interactive":{"type":"button_reply","button_reply":{"id":"yes","title":"Yes"}}}`, models.KindButton, "Yes", "yes"},
		{"list reply", `{"type":"interactive","interactive":{"type":"list_reply","list_reply":{"id":"time:09:00","title":"09:00"}}}`, models.KindList, "09:00", "time:09:00"},
		{"flow reply", `{"type":"interactive","interactive":{"type":"nfm_reply","nfm_reply":{"name":"flow","body":"Sent","response_json":"{}"}}}`, models.KindText, "Sent", ""},
		{"template button", `{"type":"button","button":{"text":"Menu","payload":"menu:booking"}}`, models.KindButton, "Menu", "menu:booking"},
		{"image with caption", `{"type":"image","image":{"id":"m1","caption":"my nails"}}`, models.KindMedia, "my nails", ""},
		{"image", `{"type":"image","image":{"id":"m1"}}`, models.KindMedia, "[image]", ""},
		{"document", `{"type":"document","document":{"id":"m1"}}`, models.KindMedia, "[document]", ""},
		{"audio", `{"type":"audio","audio":{"id":"m1"}}`, models.KindMedia, "[audio]", ""},
		{"video", `{"type":"video","video":{"id":"m1"}}`, models.KindMedia, "[video]", ""},
		{"sticker", `{"type":"sticker","sticker":{"id":"m1"}}`, models.KindMedia, "[sticker]", ""},
		{"location", `{"type":"location","location":{"latitude":1,"longitude":2}}`, models.KindMedia, "[location]", ""},
		{"contacts", `{"type":"contacts","contacts":[]}`, models.KindMedia, "[contacts]", ""},
		{"reaction", `{"type":"reaction","reaction":{"emoji":"👍"}}`, models.KindUnsupported, "[unsupported]", ""},
		{"empty interactive", `{"type":"interactive"}`, models.KindUnsupported, "[unsupported]", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m rawMessage
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &m))

			got := Normalize(m, "", fallback)
			assert.Equal(t, tt.wantKind, got.Kind)
			assert.Equal(t, tt.wantText, got.Text)
			assert.Equal(t, tt.wantChoice, got.ChoiceID)
		})
	}
}

func TestNormalize_Timestamp(t *testing.T) {
	fallback := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

	got := Normalize(rawMessage{Type: "text", Timestamp: "1760000000"}, "", fallback)
	assert.Equal(t, time.Unix(1760000000, 0).UTC(), got.Timestamp)

	got = Normalize(rawMessage{Type: "text", Timestamp: "soon"}, "", fallback)
	assert.Equal(t, fallback, got.Timestamp)
}

func TestVerifySignature(t *testing.T) {
	secret := []byte("s3cret")
	body := []byte(`{"object":"x"}`)

	assert.NoError(t, VerifySignature(secret, body, Sign(secret, body)))
	assert.NoError(t, VerifySignature(nil, body, ""))
	assert.ErrorIs(t, VerifySignature(secret, body, ""), ErrBadSignature)
	assert.ErrorIs(t, VerifySignature(secret, body, "sha256=zz"), ErrBadSignature)
	assert.ErrorIs(t, VerifySignature(secret, []byte(`{"object":"y"}`), Sign(secret, body)), ErrBadSignature)
}
