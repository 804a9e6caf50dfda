// internal/whatsapp/scoring.go
package whatsapp

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/mxtramites/tramitador/internal/browser"
	"github.com/mxtramites/tramitador/internal/config"
)

// scoreFileInput rates one file input by how likely it is to accept a PDF
// document. The accept attribute dominates; enablement and visibility only
// break ties between equally-typed inputs.
func scoreFileInput(ctx context.Context, el browser.Element, sc config.ScoringConfig) int {
	accept, _ := el.Attribute(ctx, "accept")
	accept = strings.ToLower(strings.TrimSpace(accept))

	score := 0
	switch {
	case strings.Contains(accept, "pdf"):
		score += sc.AcceptPDF
	case strings.Contains(accept, "application"):
		score += sc.AcceptApplication
	case accept == "" || accept == "*" || strings.Contains(accept, "*/*"):
		score += sc.AcceptWildcard
	case strings.HasPrefix(accept, "image"):
		score += sc.AcceptImageOnly
	case strings.HasPrefix(accept, "video"):
		score += sc.AcceptVideoOnly
	case strings.HasPrefix(accept, "audio"):
		score += sc.AcceptAudioOnly
	}

	if enabled, _ := el.Enabled(ctx); enabled {
		score += sc.EnabledBonus
	}
	if visible, _ := el.Visible(ctx); visible {
		score += sc.DisplayedBonus
	}
	return score
}

// mediaOnlyAccept reports whether a file input takes only images, video or
// audio, never documents.
func mediaOnlyAccept(ctx context.Context, el browser.Element) bool {
	accept, _ := el.Attribute(ctx, "accept")
	accept = strings.ToLower(strings.TrimSpace(accept))
	if accept == "" || accept == "*" || strings.Contains(accept, "*/*") ||
		strings.Contains(accept, "pdf") || strings.Contains(accept, "application") {
		return false
	}
	return strings.HasPrefix(accept, "image") ||
		strings.HasPrefix(accept, "video") ||
		strings.HasPrefix(accept, "audio")
}

// bestFileInput picks the highest-scoring file input among the candidates,
// preserving candidate order on ties.
func bestFileInput(ctx context.Context, els []browser.Element, sc config.ScoringConfig) (browser.Element, int) {
	var best browser.Element
	bestScore := math.MinInt
	for _, el := range els {
		if score := scoreFileInput(ctx, el, sc); score > bestScore {
			best, bestScore = el, score
		}
	}
	return best, bestScore
}

// sendCandidate is one clickable element under consideration as the send
// button, annotated for ranking.
type sendCandidate struct {
	el       browser.Element
	posScore int
	distance float64
}

// describe builds the lowercase text blob a candidate is judged by.
func describe(ctx context.Context, el browser.Element) string {
	var parts []string
	for _, attr := range []string{"aria-label", "data-icon", "data-testid", "title"} {
		if v, _ := el.Attribute(ctx, attr); v != "" {
			parts = append(parts, v)
		}
	}
	if text, _ := el.Text(ctx); text != "" {
		parts = append(parts, text)
	}
	return strings.ToLower(strings.Join(parts, " "))
}

func containsAny(blob string, tokens []string) bool {
	for _, t := range tokens {
		if strings.Contains(blob, strings.ToLower(t)) {
			return true
		}
	}
	return false
}

func countMatches(blob string, tokens []string) int {
	n := 0
	for _, t := range tokens {
		if strings.Contains(blob, strings.ToLower(t)) {
			n++
		}
	}
	return n
}

// rankSendButtons filters and orders send-button candidates. Anything whose
// description matches a negative token (microphone, voice recorder) is
// excluded outright, never merely demoted: a misclick there starts an audio
// recording. Survivors rank by positive-token matches, then by proximity to
// the anchor point (the attachment preview area); a survivor with no
// positive token at all still ranks, last, so a renamed icon degrades to
// the nearest non-negative candidate instead of no send at all.
func rankSendButtons(ctx context.Context, els []browser.Element, anchor browser.Point, sc config.ScoringConfig) []sendCandidate {
	var candidates []sendCandidate
	for _, el := range els {
		if visible, _ := el.Visible(ctx); !visible {
			continue
		}
		blob := describe(ctx, el)
		if containsAny(blob, sc.SendNegative) {
			continue
		}
		pos := countMatches(blob, sc.SendPositive)
		loc, err := el.Location(ctx)
		dist := math.MaxFloat64
		if err == nil {
			sz, _ := el.Size(ctx)
			cx := loc.X + sz.Width/2
			cy := loc.Y + sz.Height/2
			dist = math.Hypot(cx-anchor.X, cy-anchor.Y)
		}
		candidates = append(candidates, sendCandidate{el: el, posScore: pos, distance: dist})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].posScore != candidates[j].posScore {
			return candidates[i].posScore > candidates[j].posScore
		}
		return candidates[i].distance < candidates[j].distance
	})
	return candidates
}

// elementCenter returns the midpoint of an element's box, or the zero point
// when geometry is unavailable.
func elementCenter(ctx context.Context, el browser.Element) browser.Point {
	loc, err := el.Location(ctx)
	if err != nil {
		return browser.Point{}
	}
	sz, err := el.Size(ctx)
	if err != nil {
		return loc
	}
	return browser.Point{X: loc.X + sz.Width/2, Y: loc.Y + sz.Height/2}
}
