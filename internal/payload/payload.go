// Package payload turns raw provider webhook bodies into a canonical Event.
//
// Parsing is best effort: unknown shapes yield an Event with no candidates,
// which the engine reports as ignored.
package payload

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// Message kinds.
const (
	KindText     = "text"
	KindAudio    = "audio"
	KindImage    = "image"
	KindDocument = "document"
)

// ErrInvalidJSON is returned for bodies that are not a JSON object.
var ErrInvalidJSON = errors.New("payload: body is not a json object")

// Event is the canonical inbound event.
type Event struct {
	// Candidates are sender identifiers in priority order; the first one that
	// normalizes to a conversation key wins.
	Candidates []string
	// EchoCandidates identify the recipient of an outbound echo (FromMe).
	EchoCandidates []string

	Text      string
	Kind      string
	MessageID string
	MediaURL  string
	MimeType  string
	FromMe    bool
}

// IsMedia reports whether the event carries audio, image or document content.
func (e Event) IsMedia() bool {
	return e.Kind == KindAudio || e.Kind == KindImage || e.Kind == KindDocument
}

// Normalize parses a webhook body. Envelopes {"data": {...}} and
// {"message": {...}} are unwrapped before field lookup.
func Normalize(raw []byte) (Event, error) {
	if !gjson.ValidBytes(raw) {
		return Event{}, ErrInvalidJSON
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return Event{}, ErrInvalidJSON
	}

	if data := root.Get("data"); data.IsObject() {
		root = data
	}
	if m := root.Get("message"); m.IsObject() {
		root = m
	}

	msg := root.Get("message")
	chatID, chatWaID, chatPhone := root.Get("chat.id"), root.Get("chat.wa_id"), root.Get("chat.phone")
	if msgs := root.Get("messages"); msgs.IsArray() && len(msgs.Array()) > 0 {
		msg = msgs.Array()[0]
		chatID, chatPhone = gjson.Result{}, gjson.Result{}
		chatWaID = firstResult(msg.Get("sender"), msg.Get("chatid"))
	}

	ev := Event{
		Candidates: nonEmpty(
			str(msg.Get("sender")),
			str(msg.Get("chatid")),
			str(chatID),
			str(chatWaID),
			str(chatPhone),
			str(root.Get("from")),
			str(root.Get("sender")),
			str(root.Get("key.remoteJid")),
			str(root.Get("key.participant")),
		),
		Text:      firstString(root.Get("body"), root.Get("text")),
		MessageID: firstString(root.Get("id"), root.Get("messageid")),
		MediaURL:  str(root.Get("mediaUrl")),
		MimeType:  strings.ToLower(str(root.Get("mimetype"))),
		FromMe:    root.Get("fromMe").Bool(),
	}
	ev.Kind = detectKind(str(root.Get("type")), ev.MediaURL)

	if ev.Text == "" {
		ev.Kind = legacyKind(root, ev.Kind)
		ev.Text = legacyText(root)
	}

	if ev.FromMe {
		ev.EchoCandidates = nonEmpty(
			str(chatWaID),
			str(chatPhone),
			str(root.Get("sender")),
			str(root.Get("to")),
		)
	}
	return ev, nil
}

func detectKind(typ, mediaURL string) string {
	switch {
	case typ == "ptt" || typ == "audio":
		return KindAudio
	case typ == "image" || strings.Contains(mediaURL, "jpg"):
		return KindImage
	case typ == "document" || strings.Contains(mediaURL, "pdf"):
		return KindDocument
	}
	return KindText
}

// legacyKind refines the kind from older envelopes that carry
// messageType/mediaType/mimetype instead of type.
func legacyKind(m gjson.Result, current string) string {
	rawType := strings.ToLower(str(m.Get("messageType")))
	mediaType := strings.ToLower(str(m.Get("mediaType")))
	baseType := strings.ToLower(str(m.Get("type")))
	mime := strings.ToLower(str(m.Get("mimetype")))

	switch {
	case strings.Contains(rawType, "audio") || strings.Contains(mediaType, "ptt") || strings.Contains(baseType, "audio"):
		return KindAudio
	case strings.Contains(rawType, "image") || strings.Contains(mediaType, "image") || strings.Contains(baseType, "image"):
		return KindImage
	case strings.Contains(rawType, "document") || strings.Contains(baseType, "document") || strings.Contains(mime, "application/pdf"):
		return KindDocument
	}
	return current
}

func legacyText(m gjson.Result) string {
	content := m.Get("content")
	switch {
	case content.Type == gjson.String && content.Str != "":
		return content.Str
	case content.IsObject():
		if t := firstString(content.Get("text"), content.Get("caption")); t != "" {
			return t
		}
	}
	if t := m.Get("text"); t.IsObject() {
		return str(t.Get("body"))
	}
	return firstString(m.Get("text"), m.Get("body"))
}

// str returns r as a string only when it is a JSON string or number.
func str(r gjson.Result) string {
	switch r.Type {
	case gjson.String:
		return strings.TrimSpace(r.Str)
	case gjson.Number:
		return r.Raw
	}
	return ""
}

func firstString(rs ...gjson.Result) string {
	for _, r := range rs {
		if s := str(r); s != "" {
			return s
		}
	}
	return ""
}

func firstResult(rs ...gjson.Result) gjson.Result {
	for _, r := range rs {
		if str(r) != "" {
			return r
		}
	}
	return gjson.Result{}
}

func nonEmpty(ss ...string) []string {
	out := ss[:0]
	for _, s := range ss {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
