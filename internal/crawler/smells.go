package crawler

import (
	"fmt"
	"regexp"
	"strings"

	"codeheal/types"
)

var (
	todoRegex     = regexp.MustCompile(`\b(TODO|FIXME|XXX|HACK)\b`)
	magicNumRegex = regexp.MustCompile(`\b\d{2,}\b`)
	catchRegex    = regexp.MustCompile(`\bcatch\s*\([^)]*\)\s*\{\s*\}`)
	funcRegex     = regexp.MustCompile(`^\s*(?:func|function)\s+(?:\([^)]*\)\s*)?([A-Za-z_]\w*)`)
)

// SmellDetector applies line-oriented code smell rules to any source file
type SmellDetector struct {
	MaxFunctionLines int
	MaxNesting       int
	MaxLineLength    int
}

// NewSmellDetector returns a detector with the standard thresholds
func NewSmellDetector() *SmellDetector {
	return &SmellDetector{
		MaxFunctionLines: 50,
		MaxNesting:       3,
		MaxLineLength:    120,
	}
}

func (d *SmellDetector) Name() string { return "smells" }

// Detect performs rule-based code smell detection
func (d *SmellDetector) Detect(path string, content []byte) ([]Finding, error) {
	if hasExtension(path, []string{".html", ".htm"}) {
		return nil, nil
	}
	lines := strings.Split(string(content), "\n")

	var findings []Finding
	findings = append(findings, d.longFunctions(lines)...)

	for i, line := range lines {
		lineNo := i + 1

		// Deep nesting, four columns per level with tabs counted as one level
		indent := 0
		for _, ch := range line {
			if ch == '\t' {
				indent += 4
			} else if ch == ' ' {
				indent++
			} else {
				break
			}
		}
		if level := indent / 4; level > d.MaxNesting && strings.TrimSpace(line) != "" {
			findings = append(findings, Finding{
				Line: lineNo, Type: "deep_nesting", Severity: types.SeverityMedium,
				Message: fmt.Sprintf("Deep nesting detected (level %d)", level),
				Tags:    []string{"complexity"},
			})
		}

		if len(line) > d.MaxLineLength {
			findings = append(findings, Finding{
				Line: lineNo, Type: "long_line", Severity: types.SeverityLow,
				Message: fmt.Sprintf("Line too long (%d characters)", len(line)),
				Tags:    []string{"style"},
			})
		}

		if m := todoRegex.FindString(line); m != "" {
			findings = append(findings, Finding{
				Line: lineNo, Type: "todo_comment", Severity: types.SeverityLow,
				Message: m + " comment found",
				Tags:    []string{"style"},
			})
		}

		for _, loc := range magicNumRegex.FindAllStringIndex(line, -1) {
			match := line[loc[0]:loc[1]]
			if match == "10" || match == "100" || match == "1000" {
				continue
			}
			findings = append(findings, Finding{
				Line: lineNo, Column: loc[0] + 1, Type: "magic_number", Severity: types.SeverityLow,
				Message: fmt.Sprintf("Magic number '%s' detected", match),
				Tags:    []string{"style"},
			})
		}

		if catchRegex.MatchString(line) {
			findings = append(findings, Finding{
				Line: lineNo, Type: "empty_catch", Severity: types.SeverityHigh,
				Message: "Empty catch block",
				Tags:    []string{"correctness"},
			})
		}
	}
	return findings, nil
}

// longFunctions tracks brace depth from each function header to its close.
func (d *SmellDetector) longFunctions(lines []string) []Finding {
	var findings []Finding
	start, depth := -1, 0
	name := ""
	opened := false

	for i, line := range lines {
		if start == -1 {
			m := funcRegex.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			start, name, depth, opened = i, m[1], 0, false
		}

		for _, ch := range line {
			switch ch {
			case '{':
				depth++
				opened = true
			case '}':
				depth--
			}
		}

		if opened && depth <= 0 {
			if length := i - start + 1; length > d.MaxFunctionLines {
				findings = append(findings, Finding{
					Line: start + 1, EndLine: i + 1, Type: "long_function", Severity: types.SeverityMedium,
					Message: fmt.Sprintf("Function '%s' is too long (%d lines)", name, length),
					Tags:    []string{"complexity"},
				})
			}
			start = -1
		}
	}
	return findings
}
