// Package media turns audio, image and document messages into text the
// response engine can read.
package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/samuelwildary2025/novo-agente/internal/payload"
)

const (
	maxDownloadBytes = 20 << 20
	pdfExcerptRunes  = 1200
)

// Placeholders surfaced when media cannot be processed.
const (
	AudioUnintelligible = "[Áudio inaudível]"
	AudioNoID           = "[Áudio sem ID]"
	ImageReceived       = "[Imagem recebida]"
	PDFNoLink           = "[PDF sem link]"
)

// Media is a downloaded attachment.
type Media struct {
	Data     []byte
	MimeType string
}

// Fetcher retrieves attachments from the messaging provider.
type Fetcher interface {
	FetchMedia(ctx context.Context, messageID string) (Media, error)
	MediaURL(ctx context.Context, messageID string) (string, error)
}

// Ref points at one attachment. Either MessageID or URL may be empty.
type Ref struct {
	MessageID string
	URL       string
	MimeType  string
}

// Converter extracts text from an attachment. An empty result means the
// attachment could not be processed.
type Converter interface {
	Convert(ctx context.Context, ref Ref) (string, error)
}

// Resolver builds the text fragment buffered for a media message.
type Resolver struct {
	Fetcher  Fetcher
	Audio    Converter
	Image    Converter
	Document Converter
}

// Resolve returns the fragment text for ev. Text events pass through.
// Converter failures degrade to placeholders and are never returned.
func (r *Resolver) Resolve(ctx context.Context, ev payload.Event) string {
	switch ev.Kind {
	case payload.KindAudio:
		if ev.Text != "" {
			return ev.Text
		}
		if ev.MessageID == "" {
			return AudioNoID
		}
		if t := r.convert(ctx, r.Audio, "audio", Ref{MessageID: ev.MessageID, URL: ev.MediaURL, MimeType: ev.MimeType}); t != "" {
			return "[Áudio]: " + t
		}
		return AudioUnintelligible

	case payload.KindImage:
		url := r.mediaURL(ctx, ev)
		caption := strings.TrimSpace(ev.Text)
		var text string
		if a := r.convert(ctx, r.Image, "image", Ref{MessageID: ev.MessageID, URL: url, MimeType: ev.MimeType}); a != "" {
			if caption != "" {
				text = caption + "\n[Análise da imagem]: " + a
			} else {
				text = "[Análise da imagem]: " + a
			}
		} else if caption != "" {
			text = caption
		} else {
			text = ImageReceived
		}
		if url != "" {
			text = strings.TrimSpace(text + " [MEDIA_URL: " + url + "]")
		}
		return text

	case payload.KindDocument:
		url := r.mediaURL(ctx, ev)
		var excerpt string
		if ev.MessageID != "" || url != "" {
			if t := r.convert(ctx, r.Document, "document", Ref{MessageID: ev.MessageID, URL: url, MimeType: ev.MimeType}); t != "" {
				excerpt = "\n[Conteúdo PDF]: " + truncateRunes(t, pdfExcerptRunes) + "..."
			}
		}
		if url != "" {
			return "Comprovante/PDF Recebido. " + excerpt + " [MEDIA_URL: " + url + "]"
		}
		return PDFNoLink + " " + excerpt
	}
	return ev.Text
}

func (r *Resolver) convert(ctx context.Context, c Converter, kind string, ref Ref) string {
	if c == nil {
		return ""
	}
	t, err := c.Convert(ctx, ref)
	if err != nil {
		slog.Warn("media: conversion failed", "kind", kind, "message_id", ref.MessageID, "error", err)
		return ""
	}
	return strings.TrimSpace(t)
}

func (r *Resolver) mediaURL(ctx context.Context, ev payload.Event) string {
	if ev.MediaURL != "" || ev.MessageID == "" || r.Fetcher == nil {
		return ev.MediaURL
	}
	url, err := r.Fetcher.MediaURL(ctx, ev.MessageID)
	if err != nil {
		slog.Warn("media: link lookup failed", "message_id", ev.MessageID, "error", err)
		return ""
	}
	return url
}

// load returns the attachment bytes, preferring the provider download by id
// and falling back to the public URL.
func load(ctx context.Context, f Fetcher, hc *http.Client, ref Ref) (Media, error) {
	if ref.MessageID != "" && f != nil {
		m, err := f.FetchMedia(ctx, ref.MessageID)
		if err == nil && len(m.Data) > 0 {
			if m.MimeType == "" {
				m.MimeType = ref.MimeType
			}
			return m, nil
		}
		if ref.URL == "" {
			if err == nil {
				err = fmt.Errorf("empty media for %s", ref.MessageID)
			}
			return Media{}, err
		}
	}
	if ref.URL == "" {
		return Media{}, fmt.Errorf("no message id or url")
	}
	return download(ctx, hc, ref.URL)
}

func download(ctx context.Context, hc *http.Client, url string) (Media, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Media{}, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return Media{}, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Media{}, fmt.Errorf("download: http %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
	if err != nil {
		return Media{}, fmt.Errorf("download: %w", err)
	}
	return Media{Data: data, MimeType: cleanMime(resp.Header.Get("Content-Type"))}, nil
}

func cleanMime(m string) string {
	m, _, _ = strings.Cut(m, ";")
	return strings.ToLower(strings.TrimSpace(m))
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
