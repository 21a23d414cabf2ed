package remediation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"codeheal/internal/config"
	apperrors "codeheal/internal/errors"
	"codeheal/types"

	"github.com/guiperry/gollm_cerebras/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCompleter struct {
	reply  string
	err    error
	system string
	prompt string
}

func (f *fakeCompleter) Name() string { return "fake" }

func (f *fakeCompleter) Complete(_ context.Context, system, prompt string) (string, error) {
	f.system, f.prompt = system, prompt
	return f.reply, f.err
}

func testIssue(path string) types.Issue {
	return types.Issue{
		ID:       "issue-1",
		FilePath: path,
		Line:     3,
		Type:     "magic_number",
		Severity: types.SeverityLow,
		Message:  "magic number 3600",
	}
}

func TestLLMGenerator_ParsesFencedReply(t *testing.T) {
	fc := &fakeCompleter{reply: "```json\n" + `{"start_line":3,"end_line":3,"replacement":"var timeout = defaultTimeout","safety":"SAFE","confidence":1.4,"explanation":"named constant"}` + "\n```"}
	g := NewLLMGenerator(fc, "claude-test", WithTokenCounter(ApproxTokens))

	fix, err := g.Generate(context.Background(), Request{
		Issue:  testIssue("/src/a.go"),
		Source: "package a\n\nvar timeout = 3600\n",
		Hints:  []string{"use a named constant"},
	})
	require.NoError(t, err)

	assert.Equal(t, "issue-1", fix.IssueID)
	assert.Equal(t, "/src/a.go", fix.Patch.FilePath)
	assert.Equal(t, 3, fix.Patch.StartLine)
	assert.Equal(t, 3, fix.Patch.EndLine)
	assert.Equal(t, types.SafetySafe, fix.Safety)
	assert.Equal(t, 1.0, fix.RawConfidence)
	assert.Equal(t, "llm:fake", fix.Method)
	assert.False(t, fix.Active)
	assert.NotEmpty(t, fix.ID)

	assert.Contains(t, fc.system, `"replacement"`)
	assert.Contains(t, fc.prompt, "use a named constant")
	assert.Contains(t, fc.prompt, "    3| var timeout = 3600")
}

func TestLLMGenerator_UnknownSafetyIsRisky(t *testing.T) {
	fc := &fakeCompleter{reply: `Here you go: {"start_line":1,"replacement":"x","safety":"probably","confidence":0.5}`}
	fix, err := NewLLMGenerator(fc, "m", WithTokenCounter(ApproxTokens)).Generate(context.Background(), Request{
		Issue: testIssue("/src/a.go"), Source: "a\nb\n",
	})
	require.NoError(t, err)
	assert.Equal(t, types.SafetyRisky, fix.Safety)
	assert.Equal(t, 1, fix.Patch.EndLine)
}

func TestLLMGenerator_Errors(t *testing.T) {
	req := Request{Issue: testIssue("/src/a.go"), Source: "a\n"}

	_, err := NewLLMGenerator(&fakeCompleter{reply: "not json"}, "m", WithTokenCounter(ApproxTokens)).Generate(context.Background(), req)
	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperrors.ErrorTypeValidation, appErr.Type)

	_, err = NewLLMGenerator(&fakeCompleter{reply: `{"start_line":5,"end_line":2,"replacement":"x"}`}, "m", WithTokenCounter(ApproxTokens)).Generate(context.Background(), req)
	assert.Error(t, err)

	boom := errors.New("quota exceeded")
	_, err = NewLLMGenerator(&fakeCompleter{err: boom}, "m", WithTokenCounter(ApproxTokens)).Generate(context.Background(), req)
	assert.ErrorIs(t, err, boom)
}

func TestLLMGenerator_ReadsSourceFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.go")
	require.NoError(t, os.WriteFile(path, []byte("package a\n// on disk\n"), 0644))
	fc := &fakeCompleter{reply: `{"start_line":2,"end_line":2,"replacement":"","safety":"safe","confidence":0.9}`}

	_, err := NewLLMGenerator(fc, "m", WithTokenCounter(ApproxTokens)).Generate(context.Background(), Request{Issue: testIssue(path)})
	require.NoError(t, err)
	assert.Contains(t, fc.prompt, "// on disk")
}

func TestLLMGenerator_PromptBudgetWindowsAroundIssue(t *testing.T) {
	var sb strings.Builder
	for i := 1; i <= 2000; i++ {
		fmt.Fprintf(&sb, "line number %d with some padding text\n", i)
	}
	fc := &fakeCompleter{reply: `{"start_line":1000,"replacement":"x","safety":"safe","confidence":0.9}`}
	issue := testIssue("/src/big.go")
	issue.Line = 1000

	g := NewLLMGenerator(fc, "m", WithPromptBudget(800), WithTokenCounter(ApproxTokens))
	_, err := g.Generate(context.Background(), Request{Issue: issue, Source: sb.String()})
	require.NoError(t, err)

	assert.Contains(t, fc.prompt, " 1000| line number 1000 ")
	assert.NotContains(t, fc.prompt, "line number 1 with")
	assert.LessOrEqual(t, ApproxTokens(fc.prompt), 800)
}

func TestNewCompleter_NoKeys(t *testing.T) {
	_, _, err := NewCompleter(context.Background(), config.AIProviderConfig{})
	assert.ErrorIs(t, err, apperrors.ErrGeneratorUnavailable)

	_, _, err = NewCompleter(context.Background(), config.AIProviderConfig{FixProvider: "gemini"})
	assert.ErrorIs(t, err, apperrors.ErrGeneratorUnavailable)

	_, _, err = NewCompleter(context.Background(), config.AIProviderConfig{FixProvider: "cerebras"})
	assert.ErrorIs(t, err, apperrors.ErrGeneratorUnavailable)
}

type fakeModel struct {
	reply string
	err   error
	input string
}

func (f *fakeModel) Generate(_ context.Context, prompt *llm.Prompt, _ ...llm.GenerateOption) (string, error) {
	f.input = prompt.Input
	return f.reply, f.err
}

func TestCerebrasCompleter_SendsSystemAheadOfPrompt(t *testing.T) {
	m := &fakeModel{reply: `{"start_line":3,"replacement":"x"}`}
	c := &CerebrasCompleter{model: m}
	assert.Equal(t, "cerebras", c.Name())

	out, err := c.Complete(context.Background(), "You fix code.", "Fix line 3")
	require.NoError(t, err)
	assert.Equal(t, m.reply, out)
	assert.Equal(t, "You fix code.\n\nFix line 3", m.input)

	gen := NewLLMGenerator(c, "llama", WithTokenCounter(ApproxTokens))
	m.reply = `{"start_line":3,"end_line":3,"replacement":"var timeout = defaultTimeout","safety":"safe","confidence":0.9}`
	fix, err := gen.Generate(context.Background(), Request{Issue: testIssue("a.go"), Source: "package a\n\nvar timeout = 3600\n"})
	require.NoError(t, err)
	assert.Equal(t, "var timeout = defaultTimeout", fix.Patch.Replacement)
	assert.Contains(t, m.input, "magic number 3600")
}

func TestCerebrasCompleter_Errors(t *testing.T) {
	c := &CerebrasCompleter{model: &fakeModel{err: errors.New("rate limited")}}
	_, err := c.Complete(context.Background(), "", "p")
	assert.ErrorContains(t, err, "rate limited")

	c = &CerebrasCompleter{model: &fakeModel{reply: "  "}}
	_, err = c.Complete(context.Background(), "", "p")
	assert.Error(t, err)
}

func TestNewCompleter_PicksAnthropicByKey(t *testing.T) {
	cfg := config.AIProviderConfig{}
	cfg.Anthropic.APIKey = "sk-test"
	c, _, err := NewCompleter(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", c.Name())
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "target.go")
	require.NoError(t, os.WriteFile(path, []byte(content), 0640))
	return path
}

func TestFileApplier_LineRangeAndRevert(t *testing.T) {
	path := writeTemp(t, "one\ntwo\nthree\nfour\n")
	backups := t.TempDir()
	a := NewFileApplier("", backups, nil)

	app, err := a.Apply(context.Background(), &types.Fix{ID: "fix-1", Patch: types.Patch{
		FilePath: path, StartLine: 2, EndLine: 3, Replacement: "TWO\nTHREE\nextra\n",
	}})
	require.NoError(t, err)

	got, _ := os.ReadFile(path)
	assert.Equal(t, "one\nTWO\nTHREE\nextra\nfour\n", string(got))
	info, _ := os.Stat(path)
	assert.Equal(t, os.FileMode(0640), info.Mode().Perm())

	backup, err := os.ReadFile(app.BackupPath)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\nthree\nfour\n", string(backup))

	require.NoError(t, a.Revert(context.Background(), app))
	got, _ = os.ReadFile(path)
	assert.Equal(t, "one\ntwo\nthree\nfour\n", string(got))
}

func TestFileApplier_FullFileAndDeletion(t *testing.T) {
	path := writeTemp(t, "a\nb\nc")
	a := NewFileApplier("", "", nil)

	_, err := a.Apply(context.Background(), &types.Fix{ID: "f", Patch: types.Patch{FilePath: path, StartLine: 2, EndLine: 2}})
	require.NoError(t, err)
	got, _ := os.ReadFile(path)
	assert.Equal(t, "a\nc", string(got))

	_, err = a.Apply(context.Background(), &types.Fix{ID: "g", Patch: types.Patch{FilePath: path, Replacement: "whole\n"}})
	require.NoError(t, err)
	got, _ = os.ReadFile(path)
	assert.Equal(t, "whole\n", string(got))
}

func TestFileApplier_RevertRefusesAfterExternalEdit(t *testing.T) {
	path := writeTemp(t, "x = 1\n")
	a := NewFileApplier("", "", nil)
	app, err := a.Apply(context.Background(), &types.Fix{ID: "f", Patch: types.Patch{FilePath: path, StartLine: 1, Replacement: "x = one"}})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("someone else\n"), 0644))
	err = a.Revert(context.Background(), app)
	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperrors.ErrorTypeConflict, appErr.Type)

	got, _ := os.ReadFile(path)
	assert.Equal(t, "someone else\n", string(got))
}

func TestFileApplier_RejectsBadPatches(t *testing.T) {
	path := writeTemp(t, "a\nb\n")
	a := NewFileApplier(filepath.Dir(path), "", nil)

	_, err := a.Apply(context.Background(), &types.Fix{Patch: types.Patch{FilePath: path, StartLine: 5}})
	assert.Error(t, err)
	_, err = a.Apply(context.Background(), &types.Fix{Patch: types.Patch{FilePath: path, StartLine: 2, EndLine: 1}})
	assert.Error(t, err)
	_, err = a.Apply(context.Background(), &types.Fix{Patch: types.Patch{FilePath: "/etc/passwd", Replacement: "x"}})
	assert.ErrorIs(t, err, apperrors.ErrInvalidTarget)
	_, err = a.Apply(context.Background(), nil)
	assert.Error(t, err)

	got, _ := os.ReadFile(path)
	assert.Equal(t, "a\nb\n", string(got))
}

func TestFileApplier_SerializesWritesPerFile(t *testing.T) {
	const n = 20
	var sb strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&sb, "line %d\n", i)
	}
	path := writeTemp(t, sb.String())
	a := NewFileApplier("", "", NewFileLocker())

	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Apply(context.Background(), &types.Fix{ID: fmt.Sprint(i), Patch: types.Patch{
				FilePath: path, StartLine: i, EndLine: i, Replacement: fmt.Sprintf("fixed %d", i),
			}})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, _ := os.ReadFile(path)
	for i := 1; i <= n; i++ {
		assert.Contains(t, string(got), fmt.Sprintf("fixed %d\n", i))
	}
}

func TestFileApplier_FollowsShiftedLinesAndRejectsStalePatch(t *testing.T) {
	ctx := context.Background()
	path := writeTemp(t, "a := 1\nb := 2\nc := 3\n")
	a := NewFileApplier("", "", nil)

	// both fixes were generated against the original file
	first := &types.Fix{ID: "first", Patch: types.Patch{FilePath: path, StartLine: 1, EndLine: 1, Original: "a := 1", Replacement: "a := one\nlog(a)"}}
	second := &types.Fix{ID: "second", Patch: types.Patch{FilePath: path, StartLine: 3, EndLine: 3, Original: "c := 3", Replacement: "c := three"}}

	_, err := a.Apply(ctx, first)
	require.NoError(t, err)
	_, err = a.Apply(ctx, second)
	require.NoError(t, err)

	got, _ := os.ReadFile(path)
	assert.Equal(t, "a := one\nlog(a)\nb := 2\nc := three\n", string(got))

	stale := &types.Fix{ID: "stale", Patch: types.Patch{FilePath: path, StartLine: 3, EndLine: 3, Original: "c := 3", Replacement: "c := 4"}}
	_, err = a.Apply(ctx, stale)
	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperrors.ErrorTypeConflict, appErr.Type)

	got, _ = os.ReadFile(path)
	assert.Equal(t, "a := one\nlog(a)\nb := 2\nc := three\n", string(got))
}

func TestLLMGenerator_RecordsOriginalLines(t *testing.T) {
	fc := &fakeCompleter{reply: `{"start_line":3,"end_line":3,"replacement":"var timeout = defaultTimeout","safety":"safe","confidence":0.9}`}
	fix, err := NewLLMGenerator(fc, "m", WithTokenCounter(ApproxTokens)).Generate(context.Background(), Request{
		Issue: testIssue("/src/a.go"), Source: "package a\n\nvar timeout = 3600\n",
	})
	require.NoError(t, err)
	assert.Equal(t, "var timeout = 3600", fix.Patch.Original)
}
