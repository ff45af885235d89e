package payload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Event
	}{
		{
			name: "data envelope with nested message",
			body: `{"event":"message","data":{"instanceId":"x","message":{
				"id":"ABC","body":"quero pão","type":"chat","fromMe":false,
				"from":"5585999999999@s.whatsapp.net",
				"chat":{"id":"5585988887777@s.whatsapp.net"}}}}`,
			want: Event{
				Candidates: []string{"5585988887777@s.whatsapp.net", "5585999999999@s.whatsapp.net"},
				Text:       "quero pão",
				Kind:       KindText,
				MessageID:  "ABC",
			},
		},
		{
			name: "message object on root is promoted",
			body: `{"chat":{"wa_id":"5511911112222"},"message":{"sender":"5585977776666@s.whatsapp.net"},"text":"oi","messageid":"M1"}`,
			want: Event{
				Candidates: []string{"5585977776666@s.whatsapp.net"},
				Kind:       KindText,
			},
		},
		{
			name: "messages array",
			body: `{"messages":[{"sender":"5585966665555@s.whatsapp.net","chatid":"5585966665555@s.whatsapp.net"}],"body":"bom dia","id":"Z"}`,
			want: Event{
				Candidates: []string{"5585966665555@s.whatsapp.net", "5585966665555@s.whatsapp.net", "5585966665555@s.whatsapp.net"},
				Text:       "bom dia",
				Kind:       KindText,
				MessageID:  "Z",
			},
		},
		{
			name: "baileys key fallback for audio",
			body: `{"key":{"remoteJid":"5585955554444@s.whatsapp.net","participant":""},"messageType":"audioMessage","id":"AUD"}`,
			want: Event{
				Candidates: []string{"5585955554444@s.whatsapp.net"},
				Kind:       KindAudio,
				MessageID:  "AUD",
			},
		},
		{
			name: "image by media url",
			body: `{"from":"5585944443333","type":"chat","mediaUrl":"https://cdn/x.jpg","body":"olha isso"}`,
			want: Event{
				Candidates: []string{"5585944443333"},
				Text:       "olha isso",
				Kind:       KindImage,
				MediaURL:   "https://cdn/x.jpg",
			},
		},
		{
			name: "legacy pdf by mimetype with caption content",
			body: `{"from":"5585933332222","mimetype":"application/pdf","content":{"caption":"comprovante"},"id":"DOC"}`,
			want: Event{
				Candidates: []string{"5585933332222"},
				Text:       "comprovante",
				Kind:       KindDocument,
				MessageID:  "DOC",
				MimeType:   "application/pdf",
			},
		},
		{
			name: "legacy text body object",
			body: `{"from":"5585922221111","text":{"body":"tem leite?"}}`,
			want: Event{
				Candidates: []string{"5585922221111"},
				Text:       "tem leite?",
				Kind:       KindText,
			},
		},
		{
			name: "ptt",
			body: `{"from":"5585911110000","type":"ptt","id":"P1"}`,
			want: Event{
				Candidates: []string{"5585911110000"},
				Kind:       KindAudio,
				MessageID:  "P1",
			},
		},
		{
			name: "outbound echo",
			body: `{"data":{"fromMe":true,"body":"já separei seu pedido","from":"5585900000000",
				"chat":{"wa_id":"5585912345678","phone":"+55 85 91234-5678"},"to":"5585912345678@s.whatsapp.net"}}`,
			want: Event{
				Candidates:     []string{"5585912345678", "+55 85 91234-5678", "5585900000000"},
				EchoCandidates: []string{"5585912345678", "+55 85 91234-5678", "5585912345678@s.whatsapp.net"},
				Text:           "já separei seu pedido",
				Kind:           KindText,
				FromMe:         true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize([]byte(tt.body))
			require.NoError(t, err)
			if len(tt.want.Candidates) == 0 {
				assert.Empty(t, got.Candidates)
				got.Candidates = nil
				tt.want.Candidates = nil
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalize_Invalid(t *testing.T) {
	for _, body := range []string{``, `not json`, `[1,2]`, `"str"`} {
		_, err := Normalize([]byte(body))
		assert.ErrorIs(t, err, ErrInvalidJSON, body)
	}
}

func TestEvent_IsMedia(t *testing.T) {
	assert.False(t, Event{Kind: KindText}.IsMedia())
	assert.True(t, Event{Kind: KindAudio}.IsMedia())
	assert.True(t, Event{Kind: KindImage}.IsMedia())
	assert.True(t, Event{Kind: KindDocument}.IsMedia())
}
