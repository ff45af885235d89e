package media

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/samuelwildary2025/novo-agente/internal/payload"
)

type fakeFetcher struct {
	media   map[string]Media
	urls    map[string]string
	urlErr  error
	fetched []string
}

func (f *fakeFetcher) FetchMedia(_ context.Context, id string) (Media, error) {
	f.fetched = append(f.fetched, id)
	m, ok := f.media[id]
	if !ok {
		return Media{}, errors.New("not found")
	}
	return m, nil
}

func (f *fakeFetcher) MediaURL(_ context.Context, id string) (string, error) {
	if f.urlErr != nil {
		return "", f.urlErr
	}
	return f.urls[id], nil
}

type convFunc func(ctx context.Context, ref Ref) (string, error)

func (c convFunc) Convert(ctx context.Context, ref Ref) (string, error) { return c(ctx, ref) }

func fixed(s string) Converter {
	return convFunc(func(context.Context, Ref) (string, error) { return s, nil })
}

func failing() Converter {
	return convFunc(func(context.Context, Ref) (string, error) { return "", errors.New("boom") })
}

func TestResolver_Audio(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		r    *Resolver
		ev   payload.Event
		want string
	}{
		{"transcribed", &Resolver{Audio: fixed("quero dois pães")}, payload.Event{Kind: payload.KindAudio, MessageID: "A1"}, "[Áudio]: quero dois pães"},
		{"failed", &Resolver{Audio: failing()}, payload.Event{Kind: payload.KindAudio, MessageID: "A1"}, AudioUnintelligible},
		{"empty", &Resolver{Audio: fixed("  ")}, payload.Event{Kind: payload.KindAudio, MessageID: "A1"}, AudioUnintelligible},
		{"no converter", &Resolver{}, payload.Event{Kind: payload.KindAudio, MessageID: "A1"}, AudioUnintelligible},
		{"no id", &Resolver{Audio: fixed("x")}, payload.Event{Kind: payload.KindAudio}, AudioNoID},
		{"has text", &Resolver{Audio: fixed("x")}, payload.Event{Kind: payload.KindAudio, Text: "legenda"}, "legenda"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.r.Resolve(ctx, tt.ev))
		})
	}
}

func TestResolver_Image(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{urls: map[string]string{"I1": "https://cdn/i1.jpg"}}

	tests := []struct {
		name string
		r    *Resolver
		ev   payload.Event
		want string
	}{
		{
			"analysis with caption and looked-up url",
			&Resolver{Fetcher: f, Image: fixed("Leite Integral Piracanjuba 1L")},
			payload.Event{Kind: payload.KindImage, MessageID: "I1", Text: " tem esse? "},
			"tem esse?\n[Análise da imagem]: Leite Integral Piracanjuba 1L [MEDIA_URL: https://cdn/i1.jpg]",
		},
		{
			"analysis without caption",
			&Resolver{Image: fixed("Café 500g")},
			payload.Event{Kind: payload.KindImage, MediaURL: "https://cdn/x.jpg"},
			"[Análise da imagem]: Café 500g [MEDIA_URL: https://cdn/x.jpg]",
		},
		{
			"failed analysis keeps caption",
			&Resolver{Image: failing()},
			payload.Event{Kind: payload.KindImage, Text: "olha"},
			"olha",
		},
		{
			"nothing at all",
			&Resolver{Fetcher: &fakeFetcher{urlErr: errors.New("down")}, Image: failing()},
			payload.Event{Kind: payload.KindImage, MessageID: "I9"},
			ImageReceived,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.r.Resolve(ctx, tt.ev))
		})
	}
}

func TestResolver_Document(t *testing.T) {
	ctx := context.Background()
	long := strings.Repeat("é", 1300)

	r := &Resolver{Document: fixed("PIX R$ 25,90")}
	got := r.Resolve(ctx, payload.Event{Kind: payload.KindDocument, MessageID: "D1", MediaURL: "https://cdn/d1.pdf"})
	assert.Equal(t, "Comprovante/PDF Recebido. \n[Conteúdo PDF]: PIX R$ 25,90... [MEDIA_URL: https://cdn/d1.pdf]", got)

	r = &Resolver{Document: fixed(long)}
	got = r.Resolve(ctx, payload.Event{Kind: payload.KindDocument, MessageID: "D1", MediaURL: "https://cdn/d1.pdf"})
	assert.Contains(t, got, strings.Repeat("é", 1200)+"...")
	assert.NotContains(t, got, strings.Repeat("é", 1201))

	r = &Resolver{Document: failing()}
	got = r.Resolve(ctx, payload.Event{Kind: payload.KindDocument, MessageID: "D1"})
	assert.Equal(t, PDFNoLink+" ", got)
}

func TestResolver_TextPassthrough(t *testing.T) {
	r := &Resolver{}
	assert.Equal(t, "oi", r.Resolve(context.Background(), payload.Event{Kind: payload.KindText, Text: "oi"}))
}

func TestLoad_FallsBackToURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png; charset=binary")
		w.Write([]byte("PNGDATA"))
	}))
	defer srv.Close()

	f := &fakeFetcher{}
	m, err := load(context.Background(), f, srv.Client(), Ref{MessageID: "missing", URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, []byte("PNGDATA"), m.Data)
	assert.Equal(t, "image/png", m.MimeType)
	assert.Equal(t, []string{"missing"}, f.fetched)

	_, err = load(context.Background(), f, srv.Client(), Ref{})
	require.Error(t, err)
}

func TestGemini_TranscriberSendsAudio(t *testing.T) {
	f := &fakeFetcher{media: map[string]Media{"A1": {Data: []byte("OGG"), MimeType: "audio/ogg; codecs=opus"}}}
	g := newGemini(GeminiConfig{}, f)
	var (
		gotModel string
		gotParts []*genai.Part
	)
	g.generate = func(_ context.Context, model string, parts ...*genai.Part) (string, error) {
		gotModel, gotParts = model, parts
		return "  quero leite  ", nil
	}

	text, err := g.Transcriber().Convert(context.Background(), Ref{MessageID: "A1"})
	require.NoError(t, err)
	assert.Equal(t, "quero leite", text)
	assert.Equal(t, DefaultTranscribeModel, gotModel)
	require.Len(t, gotParts, 2)
	assert.Equal(t, transcribePrompt, gotParts[0].Text)
	require.NotNil(t, gotParts[1].InlineData)
	assert.Equal(t, "audio/ogg", gotParts[1].InlineData.MIMEType)
	assert.Equal(t, []byte("OGG"), gotParts[1].InlineData.Data)
}

func TestGemini_VisionFallbackModelAndCap(t *testing.T) {
	f := &fakeFetcher{media: map[string]Media{"I1": {Data: []byte("not an image"), MimeType: "image/webp"}}}
	g := newGemini(GeminiConfig{VisionModel: "gemini-custom"}, f)
	var models []string
	g.generate = func(_ context.Context, model string, parts ...*genai.Part) (string, error) {
		models = append(models, model)
		if model == "gemini-custom" {
			return "", errors.New("quota")
		}
		return strings.Repeat("x", 900), nil
	}

	text, err := g.Vision().Convert(context.Background(), Ref{MessageID: "I1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"gemini-custom", fallbackVisionModel}, models)
	assert.Len(t, text, maxVisionRunes)
}

func TestGemini_PrepareImageDownscales(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3000, 1500))
	for x := 0; x < 3000; x += 7 {
		img.Set(x, x/2, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	g := newGemini(GeminiConfig{MaxImagePx: 1024}, nil)
	data, mime := g.prepareImage(Media{Data: buf.Bytes(), MimeType: "image/png"})
	assert.Equal(t, "image/jpeg", mime)

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 1024, cfg.Width)
	assert.Equal(t, 512, cfg.Height)

	small := image.NewRGBA(image.Rect(0, 0, 10, 10))
	buf.Reset()
	require.NoError(t, png.Encode(&buf, small))
	data, mime = g.prepareImage(Media{Data: buf.Bytes(), MimeType: "image/png"})
	assert.Equal(t, "image/png", mime)
	assert.Equal(t, buf.Bytes(), data)
}
