// Package docgen renders generated text into deliverable documents.
package docgen

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
)

// EbookInfo carries the cover-page fields.
type EbookInfo struct {
	Title     string
	Author    string
	Category  string
	CreatedAt time.Time
}

// RenderEbook paginates the content into a PDF: a cover page with the title
// and metadata, then body paragraphs split on blank lines with markdown
// headings set larger and bold.
func RenderEbook(info EbookInfo, content string) ([]byte, error) {
	doc := fpdf.New("P", "mm", "A4", "")
	doc.SetTitle(info.Title, true)
	doc.SetAuthor(info.Author, true)
	doc.SetCreator("knowledge-pipeline", true)
	doc.SetAutoPageBreak(true, 20)
	doc.SetMargins(20, 20, 20)

	// Cover page.
	doc.AddPage()
	doc.SetFont("Helvetica", "B", 24)
	doc.SetY(80)
	doc.MultiCell(0, 12, info.Title, "", "C", false)
	doc.Ln(8)
	doc.SetFont("Helvetica", "", 12)
	doc.SetTextColor(120, 120, 120)
	if info.Author != "" {
		doc.MultiCell(0, 8, "by "+info.Author, "", "C", false)
	}
	if info.Category != "" {
		doc.MultiCell(0, 8, info.Category, "", "C", false)
	}
	created := info.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	doc.MultiCell(0, 8, "Created on "+created.Format("January 2, 2006"), "", "C", false)
	doc.SetTextColor(0, 0, 0)

	// Body pages.
	doc.AddPage()
	for _, paragraph := range strings.Split(content, "\n\n") {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}
		if strings.HasPrefix(paragraph, "#") {
			doc.SetFont("Helvetica", "B", 16)
		} else {
			doc.SetFont("Helvetica", "", 12)
		}
		doc.MultiCell(0, 6, stripMarkdown(paragraph), "", "L", false)
		doc.Ln(4)
	}

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// stripMarkdown removes heading, bold, italic, and code markers from a
// paragraph before it is drawn.
func stripMarkdown(s string) string {
	s = strings.TrimLeft(s, "# ")
	s = strings.ReplaceAll(s, "**", "")
	s = strings.ReplaceAll(s, "`", "")
	// Lone asterisks mark italics; leave list bullets ("* ") intact.
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '*' && (i+1 >= len(s) || s[i+1] != ' ') {
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
