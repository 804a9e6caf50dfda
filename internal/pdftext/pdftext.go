// internal/pdftext/pdftext.go
//
// Package pdftext pulls searchable text out of the portal's receipt PDFs so
// the workflow can find which page belongs to which client. Only digitally
// generated PDFs are supported; scanned documents have no text layer.
package pdftext

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"go.uber.org/zap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Extractor reads page text from PDF files.
type Extractor struct {
	logger *zap.Logger
}

// NewExtractor builds an Extractor.
func NewExtractor(logger *zap.Logger) *Extractor {
	return &Extractor{logger: logger.Named("pdftext")}
}

// ExtractPages returns the visible text of each page, indexed from page 1 at
// position 0. Pages with no text layer come back empty, not as errors.
func (e *Extractor) ExtractPages(ctx context.Context, path string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	count, err := api.PageCountFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}

	outDir, err := os.MkdirTemp("", "pdftext-*")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	if err := api.ExtractContentFile(path, outDir, nil, nil); err != nil {
		return nil, fmt.Errorf("extracting content from %s: %w", filepath.Base(path), err)
	}

	pages := make([]string, count)
	entries, err := os.ReadDir(outDir)
	if err != nil {
		return nil, fmt.Errorf("listing extracted content: %w", err)
	}
	for _, entry := range entries {
		page := pageNumberFromName(entry.Name())
		if page < 1 || page > count {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(outDir, entry.Name()))
		if err != nil {
			e.logger.Debug("Could not read extracted page.", zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		pages[page-1] = decodeContentText(string(raw))
	}
	return pages, nil
}

var trailingNumber = regexp.MustCompile(`(\d+)\D*$`)

// pageNumberFromName pulls the page number out of an extracted content file
// name without depending on the exact naming scheme.
func pageNumberFromName(name string) int {
	m := trailingNumber.FindStringSubmatch(strings.TrimSuffix(name, filepath.Ext(name)))
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// decodeContentText scavenges the string operands of Tj/TJ text-show
// operators from a raw PDF content stream. It ignores font encodings beyond
// the basic escape sequences, which is enough for the Latin-1 text the
// portal generates.
func decodeContentText(content string) string {
	var b strings.Builder
	depth := 0
	escaped := false
	for i := 0; i < len(content); i++ {
		c := content[i]
		if depth == 0 {
			if c == '(' {
				depth = 1
			}
			continue
		}
		if escaped {
			switch c {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case '(', ')', '\\':
				b.WriteByte(c)
			}
			escaped = false
			continue
		}
		switch c {
		case '\\':
			escaped = true
		case '(':
			depth++
			b.WriteByte(c)
		case ')':
			depth--
			if depth == 0 {
				b.WriteByte(' ')
			} else {
				b.WriteByte(c)
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

var stripAccents = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize lowercases, strips diacritics and collapses whitespace so that
// "José Pérez" and "JOSE  PEREZ" compare equal.
func Normalize(s string) string {
	out, _, err := transform.String(stripAccents, s)
	if err != nil {
		out = s
	}
	return strings.Join(strings.Fields(strings.ToLower(out)), " ")
}

// FindClientPage locates the page that mentions the client. An exact
// normalized full-name match wins; failing that, the page matching the most
// name tokens (at least two) is chosen. Returns the 1-based page number, or
// 0 when no page qualifies.
func FindClientPage(pages []string, clientName string) int {
	name := Normalize(clientName)
	if name == "" {
		return 0
	}
	normalized := make([]string, len(pages))
	for i, p := range pages {
		normalized[i] = Normalize(p)
	}

	for i, p := range normalized {
		if strings.Contains(p, name) {
			return i + 1
		}
	}

	tokens := strings.Fields(name)
	if len(tokens) < 2 {
		return 0
	}
	type hit struct{ page, matches int }
	var hits []hit
	for i, p := range normalized {
		n := 0
		for _, tok := range tokens {
			if strings.Contains(p, tok) {
				n++
			}
		}
		if n >= 2 {
			hits = append(hits, hit{page: i + 1, matches: n})
		}
	}
	if len(hits) == 0 {
		return 0
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].matches > hits[b].matches })
	return hits[0].page
}

// snippetLimit caps the text returned for a matched page; WhatsApp captions
// do not need more.
const snippetLimit = 400

// FindClientMessage locates the client's page and returns its text trimmed
// to a caption-sized snippet. found is false when no page qualifies.
func FindClientMessage(pages []string, clientName string) (page int, snippet string, found bool) {
	page = FindClientPage(pages, clientName)
	if page == 0 {
		return 0, "", false
	}
	text := strings.Join(strings.Fields(pages[page-1]), " ")
	if len(text) > snippetLimit {
		cut := snippetLimit
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return page, strings.TrimSpace(text), true
}
