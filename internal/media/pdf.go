package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

const pdfMaxPages = 10

var (
	btBlock     = regexp.MustCompile(`(?s)BT\s(.*?)ET`)
	tjOp        = regexp.MustCompile(`\(((?:\\.|[^\\)])*)\)\s*(?:Tj|'|")`)
	tjArrayOp   = regexp.MustCompile(`(?s)\[(.*?)\]\s*TJ`)
	pdfString   = regexp.MustCompile(`\(((?:\\.|[^\\)])*)\)`)
	octalEscape = regexp.MustCompile(`\\([0-7]{1,3})`)
	spaces      = regexp.MustCompile(`\s+`)
)

// PDF extracts the text layer of PDF documents (receipts, invoices).
type PDF struct {
	fetcher Fetcher
	http    *http.Client
}

func NewPDF(fetcher Fetcher) *PDF {
	return &PDF{fetcher: fetcher, http: &http.Client{Timeout: 20 * time.Second}}
}

// Convert downloads the document and returns its text with whitespace
// collapsed. Image-only PDFs yield "".
func (p *PDF) Convert(ctx context.Context, ref Ref) (string, error) {
	m, err := load(ctx, p.fetcher, p.http, Ref{MessageID: ref.MessageID, URL: ref.URL})
	if err != nil {
		return "", fmt.Errorf("load pdf: %w", err)
	}
	return ExtractPDFText(m.Data)
}

// ExtractPDFText reads up to the first pages of a PDF and returns the
// whitespace-collapsed text.
func ExtractPDFText(data []byte) (string, error) {
	conf := model.NewDefaultConfiguration()
	pdfCtx, err := api.ReadContext(bytes.NewReader(data), conf)
	if err != nil {
		return "", fmt.Errorf("failed to read PDF: %w", err)
	}
	if err := api.ValidateContext(pdfCtx); err != nil {
		return "", fmt.Errorf("invalid PDF: %w", err)
	}

	pages := pdfCtx.PageCount
	if pages > pdfMaxPages {
		pages = pdfMaxPages
	}

	var out strings.Builder
	for pageNr := 1; pageNr <= pages; pageNr++ {
		r, err := pdfcpu.ExtractPageContent(pdfCtx, pageNr)
		if err != nil || r == nil {
			continue
		}
		raw, err := io.ReadAll(r)
		if err != nil {
			continue
		}
		out.WriteString(textFromContentStream(raw))
		out.WriteByte(' ')
	}
	return strings.TrimSpace(spaces.ReplaceAllString(out.String(), " ")), nil
}

// textFromContentStream scrapes string operands of the text-showing
// operators inside BT/ET blocks.
func textFromContentStream(raw []byte) string {
	var b strings.Builder
	for _, block := range btBlock.FindAllSubmatch(raw, -1) {
		body := block[1]
		for _, m := range tjOp.FindAllSubmatch(body, -1) {
			b.WriteString(decodePDFString(string(m[1])))
			b.WriteByte(' ')
		}
		for _, m := range tjArrayOp.FindAllSubmatch(body, -1) {
			for _, s := range pdfString.FindAllSubmatch(m[1], -1) {
				b.WriteString(decodePDFString(string(s[1])))
			}
			b.WriteByte(' ')
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func decodePDFString(s string) string {
	s = octalEscape.ReplaceAllStringFunc(s, func(m string) string {
		v, err := strconv.ParseUint(m[1:], 8, 8)
		if err != nil {
			return m
		}
		return string(rune(v))
	})
	return strings.NewReplacer(
		`\n`, "\n",
		`\r`, "\r",
		`\t`, "\t",
		`\(`, "(",
		`\)`, ")",
		`\\`, `\`,
	).Replace(s)
}
