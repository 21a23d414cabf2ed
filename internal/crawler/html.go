package crawler

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"codeheal/types"

	"golang.org/x/net/html"
)

var deprecatedTags = map[string]bool{
	"center":   true,
	"font":     true,
	"marquee":  true,
	"blink":    true,
	"frameset": true,
	"frame":    true,
	"big":      true,
	"strike":   true,
	"tt":       true,
}

// HTMLDetector reports deprecated markup, images without alt text and
// inline scripts.
type HTMLDetector struct{}

func (HTMLDetector) Name() string { return "html" }

func (HTMLDetector) Detect(path string, content []byte) ([]Finding, error) {
	if !hasExtension(path, []string{".html", ".htm"}) {
		return nil, nil
	}

	var findings []Finding
	z := html.NewTokenizer(bytes.NewReader(content))
	line := 1
	inScript := false
	scriptLine := 0

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if err := z.Err(); err != nil && err != io.EOF {
				return findings, fmt.Errorf("tokenize %s: %w", path, err)
			}
			return findings, nil
		}

		// line tracking: the tokenizer does not report positions
		tokenLine := line
		line += bytes.Count(z.Raw(), []byte("\n"))
		tok := z.Token()

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			name := tok.Data
			if deprecatedTags[name] {
				findings = append(findings, Finding{
					Line: tokenLine, Type: "deprecated_html", Severity: types.SeverityMedium,
					Message: fmt.Sprintf("Deprecated <%s> element", name),
					Tags:    []string{"markup"},
				})
			}
			if name == "img" && !hasAttr(tok, "alt") {
				findings = append(findings, Finding{
					Line: tokenLine, Type: "missing_alt", Severity: types.SeverityLow,
					Message: "Image without alt text",
					Tags:    []string{"markup", "accessibility"},
				})
			}
			if name == "script" && tt == html.StartTagToken && !hasAttr(tok, "src") {
				inScript, scriptLine = true, tokenLine
			}
		case html.TextToken:
			if inScript && strings.TrimSpace(tok.Data) != "" {
				findings = append(findings, Finding{
					Line: scriptLine, Type: "inline_script", Severity: types.SeverityLow,
					Message: "Inline script block",
					Tags:    []string{"markup", "security"},
				})
				inScript = false
			}
		case html.EndTagToken:
			if tok.Data == "script" {
				inScript = false
			}
		}
	}
}

func hasAttr(tok html.Token, key string) bool {
	for _, a := range tok.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}
