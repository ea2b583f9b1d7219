// Package extract turns uploaded documents into prompt context.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/ledongthuc/pdf"

	"genaichat/internal/domain"
)

// MimePDF is the only document type the controller accepts.
const MimePDF = "application/pdf"

var ErrNotPDF = errors.New("not a PDF document")

// PDF implements domain.Extractor on top of github.com/ledongthuc/pdf.
type PDF struct {
	logger *slog.Logger
}

func NewPDF(logger *slog.Logger) *PDF {
	return &PDF{logger: logger}
}

// Open parses the cross-reference table of data. Pages are decoded lazily.
func (p *PDF) Open(ctx context.Context, data []byte) (doc domain.Document, err error) {
	if !bytes.HasPrefix(bytes.TrimLeft(data, "\x00\t\r\n "), []byte("%PDF-")) {
		return nil, ErrNotPDF
	}
	// The parser panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("open pdf: %v", r)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	return &pdfDocument{r: r, logger: p.logger}, nil
}

type pdfDocument struct {
	r      *pdf.Reader
	logger *slog.Logger
}

func (d *pdfDocument) NumPages() int { return d.r.NumPage() }

func (d *pdfDocument) PageItems(ctx context.Context, n int) (items []string, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("page %d: %v", n, r)
		}
	}()
	page := d.r.Page(n)
	if page.V.IsNull() {
		return nil, nil
	}
	return textRuns(page.Content().Text), nil
}

// textRuns merges consecutive glyphs drawn on the same baseline with the same
// font into a single run, which is how text items are reported by viewers.
func textRuns(glyphs []pdf.Text) []string {
	var (
		runs []string
		cur  strings.Builder
		last *pdf.Text
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			runs = append(runs, s)
		}
		cur.Reset()
	}
	for i := range glyphs {
		g := &glyphs[i]
		if last != nil && (g.Font != last.Font || math.Abs(g.Y-last.Y) > 0.5) {
			flush()
		}
		cur.WriteString(g.S)
		last = g
	}
	flush()
	return runs
}
