package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"google.golang.org/genai"
)

const (
	DefaultTranscribeModel = "gemini-2.0-flash-lite"
	DefaultVisionModel     = "gemini-2.0-flash-lite"
	fallbackVisionModel    = "gemini-2.0-flash"
	DefaultMaxImagePx      = 1024
	maxVisionRunes         = 800
)

const transcribePrompt = "Transcreva este áudio para texto em português brasileiro. Retorne APENAS o texto transcrito, sem explicações."

const visionPrompt = "Analise cuidadosamente esta imagem e identifique o produto (se for um produto). " +
	"Retorne um texto curto em português com: nome do produto, marca, versão/sabor/variante, " +
	"tamanho/peso/volume e qualquer detalhe útil visível. " +
	"Se não for um produto (ex.: foto borrada, pessoa, conversa), diga apenas: 'Imagem não identificada'. " +
	"Não invente detalhes; só use o que estiver visível."

// GeminiConfig configures transcription and vision.
type GeminiConfig struct {
	APIKey          string
	TranscribeModel string
	VisionModel     string
	MaxImagePx      int
}

type generateFunc func(ctx context.Context, model string, parts ...*genai.Part) (string, error)

// Gemini transcribes audio and describes images with the Gemini API.
type Gemini struct {
	cfg      GeminiConfig
	fetcher  Fetcher
	http     *http.Client
	generate generateFunc
}

// NewGemini creates a Gemini-backed media converter pair.
func NewGemini(ctx context.Context, cfg GeminiConfig, fetcher Fetcher) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini api key not configured")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	g := newGemini(cfg, fetcher)
	g.generate = func(ctx context.Context, model string, parts ...*genai.Part) (string, error) {
		resp, err := client.Models.GenerateContent(ctx, model,
			[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, nil)
		if err != nil {
			return "", err
		}
		return resp.Text(), nil
	}
	return g, nil
}

func newGemini(cfg GeminiConfig, fetcher Fetcher) *Gemini {
	if cfg.TranscribeModel == "" {
		cfg.TranscribeModel = DefaultTranscribeModel
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = DefaultVisionModel
	}
	if cfg.MaxImagePx <= 0 {
		cfg.MaxImagePx = DefaultMaxImagePx
	}
	return &Gemini{
		cfg:     cfg,
		fetcher: fetcher,
		http:    &http.Client{Timeout: 20 * time.Second},
	}
}

// Transcriber returns the audio converter.
func (g *Gemini) Transcriber() Converter { return transcriber{g} }

// Vision returns the image converter.
func (g *Gemini) Vision() Converter { return vision{g} }

type transcriber struct{ g *Gemini }

func (t transcriber) Convert(ctx context.Context, ref Ref) (string, error) {
	m, err := load(ctx, t.g.fetcher, t.g.http, ref)
	if err != nil {
		return "", fmt.Errorf("load audio: %w", err)
	}
	mime := cleanMime(m.MimeType)
	if mime == "" {
		mime = "audio/ogg"
	}

	text, err := t.g.generate(ctx, t.g.cfg.TranscribeModel,
		genai.NewPartFromText(transcribePrompt),
		genai.NewPartFromBytes(m.Data, mime),
	)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		slog.Warn("media: empty transcription", "message_id", ref.MessageID)
	}
	return text, nil
}

type vision struct{ g *Gemini }

func (v vision) Convert(ctx context.Context, ref Ref) (string, error) {
	m, err := load(ctx, v.g.fetcher, v.g.http, ref)
	if err != nil {
		return "", fmt.Errorf("load image: %w", err)
	}
	data, mime := v.g.prepareImage(m)

	var lastErr error
	for _, model := range v.models() {
		text, err := v.g.generate(ctx, model,
			genai.NewPartFromText(visionPrompt),
			genai.NewPartFromBytes(data, mime),
		)
		if err != nil {
			lastErr = err
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			return truncateRunes(text, maxVisionRunes), nil
		}
	}
	if lastErr != nil {
		return "", fmt.Errorf("vision: %w", lastErr)
	}
	return "", nil
}

func (v vision) models() []string {
	if v.g.cfg.VisionModel == fallbackVisionModel {
		return []string{fallbackVisionModel}
	}
	return []string{v.g.cfg.VisionModel, fallbackVisionModel}
}

// prepareImage downscales large photos to MaxImagePx on the longest side and
// re-encodes them as JPEG. Undecodable formats are passed through.
func (g *Gemini) prepareImage(m Media) ([]byte, string) {
	mime := cleanMime(m.MimeType)
	if mime == "" {
		mime = "image/jpeg"
	}
	img, err := imaging.Decode(bytes.NewReader(m.Data), imaging.AutoOrientation(true))
	if err != nil {
		return m.Data, mime
	}
	b := img.Bounds()
	if b.Dx() <= g.cfg.MaxImagePx && b.Dy() <= g.cfg.MaxImagePx {
		return m.Data, mime
	}
	img = imaging.Fit(img, g.cfg.MaxImagePx, g.cfg.MaxImagePx, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return m.Data, mime
	}
	return buf.Bytes(), "image/jpeg"
}
