package crawler

import (
	"strings"
	"testing"

	"codeheal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func byType(findings []Finding) map[string][]Finding {
	out := make(map[string][]Finding)
	for _, f := range findings {
		out[f.Type] = append(out[f.Type], f)
	}
	return out
}

func TestSmellDetector(t *testing.T) {
	var b strings.Builder
	b.WriteString("function big() {\n")
	for i := 0; i < 55; i++ {
		b.WriteString("  x++;\n")
	}
	b.WriteString("}\n")
	b.WriteString("// TODO: remove\n")
	b.WriteString("let timeout = 3600;\n")
	b.WriteString("let pct = 100;\n")
	b.WriteString("try { go(); } catch (e) {}\n")
	b.WriteString("                    deep();\n")
	b.WriteString("let s = \"" + strings.Repeat("a", 130) + "\";\n")

	findings, err := NewSmellDetector().Detect("app.js", []byte(b.String()))
	require.NoError(t, err)
	got := byType(findings)

	require.Len(t, got["long_function"], 1)
	assert.Equal(t, 1, got["long_function"][0].Line)
	assert.Equal(t, 57, got["long_function"][0].EndLine)
	assert.Contains(t, got["long_function"][0].Message, "big")

	require.Len(t, got["todo_comment"], 1)
	assert.Equal(t, 58, got["todo_comment"][0].Line)

	// 100 is a common value and not reported
	require.Len(t, got["magic_number"], 1)
	assert.Contains(t, got["magic_number"][0].Message, "3600")
	assert.Equal(t, 15, got["magic_number"][0].Column)

	require.Len(t, got["empty_catch"], 1)
	assert.Equal(t, types.SeverityHigh, got["empty_catch"][0].Severity)

	require.Len(t, got["deep_nesting"], 1)
	require.Len(t, got["long_line"], 1)
}

func TestSmellDetector_SkipsHTML(t *testing.T) {
	findings, err := NewSmellDetector().Detect("index.html", []byte("<p>TODO 12345</p>"))
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestGoDetector(t *testing.T) {
	src := `package store

import "os"

func Empty() {}

func Commented() {
	// intentionally blank
}

func Load(path string) {
	data, _ := os.ReadFile(path)
	_ = data
	if len(data) == 0 {
		panic("empty")
	}
}
`
	findings, err := GoDetector{}.Detect("store.go", []byte(src))
	require.NoError(t, err)
	got := byType(findings)

	require.Len(t, got["empty_function"], 1)
	assert.Contains(t, got["empty_function"][0].Message, "Empty")

	// data, _ := os.ReadFile(path); "_ = data" has no call on the right
	require.Len(t, got["unchecked_error"], 1)
	assert.Equal(t, 12, got["unchecked_error"][0].Line)
	assert.Contains(t, got["unchecked_error"][0].Message, "os.ReadFile")

	require.Len(t, got["library_panic"], 1)
	assert.Equal(t, 15, got["library_panic"][0].Line)
}

func TestGoDetector_MainAndTests(t *testing.T) {
	main := "package main\n\nfunc main() { panic(\"boom\") }\n"
	findings, err := GoDetector{}.Detect("main.go", []byte(main))
	require.NoError(t, err)
	assert.Empty(t, byType(findings)["library_panic"])

	findings, err = GoDetector{}.Detect("x_test.go", []byte("not go at all"))
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestGoDetector_ParseError(t *testing.T) {
	_, err := GoDetector{}.Detect("broken.go", []byte("package x\nfunc {"))
	assert.Error(t, err)
}

func TestHTMLDetector(t *testing.T) {
	src := `<html>
<body>
<center>Welcome</center>
<img src="a.png">
<img src="b.png" alt="b">
<script src="app.js"></script>
<script>
  alert(1)
</script>
</body>
</html>`
	findings, err := HTMLDetector{}.Detect("index.html", []byte(src))
	require.NoError(t, err)
	got := byType(findings)

	require.Len(t, got["deprecated_html"], 1)
	assert.Equal(t, 3, got["deprecated_html"][0].Line)

	require.Len(t, got["missing_alt"], 1)
	assert.Equal(t, 4, got["missing_alt"][0].Line)

	require.Len(t, got["inline_script"], 1)
	assert.Equal(t, 7, got["inline_script"][0].Line)
}

func TestFingerprintStable(t *testing.T) {
	f := Finding{Line: 3, Type: "long_line", Message: "Line too long (130 characters)"}
	assert.Equal(t, Fingerprint("a/b.go", f), Fingerprint("a/b.go", f))
	assert.NotEqual(t, Fingerprint("a/b.go", f), Fingerprint("a/c.go", f))
	assert.Len(t, Fingerprint("a/b.go", f), 16)
}
