package extract

import (
	"bytes"
	"strings"
)

// shellBodyThreshold is the body size below which a script-heavy page is
// treated as an application shell.
const shellBodyThreshold = 2048

var spaMarkers = [][]byte{
	[]byte(`id="__next"`),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

// ClientRendered reports whether html looks like a page whose content is
// rendered by JavaScript, so a plain fetch may miss most of its text.
func ClientRendered(html []byte) bool {
	if len(bytes.TrimSpace(html)) == 0 {
		return true
	}
	if len(html) < shellBodyThreshold && scriptDensityHigh(html) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(html, marker) {
			return true
		}
	}
	return false
}

// scriptDensityHigh reports whether script elements cover at least a quarter
// of the document.
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
	coverage := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagEnd := strings.IndexByte(lower[start:], '>')
		if tagEnd == -1 {
			// Malformed tag: the rest of the document counts as script.
			coverage += total - start
			break
		}
		contentStart := start + tagEnd + 1
		next := total
		if end := strings.Index(lower[contentStart:], closeTag); end != -1 {
			next = contentStart + end + len(closeTag)
		}
		coverage += next - start
		pos = next
	}
	return coverage*100/total >= 25
}
