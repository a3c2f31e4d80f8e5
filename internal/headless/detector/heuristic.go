// Package detector recognizes bot-challenge pages served in place of real
// content, so callers can route a source through the browser client.
package detector

import (
	"bytes"
	"strings"
)

// Heuristic implements a handful of rule-based challenge checks.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var challengeMarkers = [][]byte{
	[]byte("cf-browser-verification"),
	[]byte("challenge-platform"),
	[]byte("cf_chl_opt"),
	[]byte("_incapsula_resource"),
	[]byte("request unsuccessful. incapsula"),
	[]byte("px-captcha"),
	[]byte("/_guard/"),
	[]byte("please enable javascript and cookies"),
	[]byte("<title>just a moment...</title>"),
	[]byte("<title>access denied</title>"),
}

// IsChallenge reports whether a response looks like a WAF challenge page.
func (h *Heuristic) IsChallenge(status int, body []byte) bool {
	if len(body) == 0 {
		return false
	}
	lower := bytes.ToLower(body)
	for _, marker := range challengeMarkers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	switch status {
	case 403, 429, 503:
		// Tiny script-only bodies on block statuses are interstitials.
		return len(body) < h.BodyLengthThreshold && scriptDensityHigh(body)
	}
	return false
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Treat the rest of the document as part of the malformed script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	if scriptCoverage == 0 {
		return false
	}
	return scriptCoverage*100/total >= 25
}
