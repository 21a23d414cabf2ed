package crawler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"codeheal/internal/embedding"
	apperrors "codeheal/internal/errors"
	"codeheal/internal/issues"
	"codeheal/internal/knowledge"
	"codeheal/internal/review"
	"codeheal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestCrawl_FindsIssuesAndSubmitsForReview(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package a\n\nvar timeout = 3600\n")
	writeFile(t, dir, "clean.go", "package a\n")
	writeFile(t, dir, "node_modules/lib.js", "// TODO skipped\n")
	writeFile(t, dir, "notes.txt", "TODO not crawled\n")

	store := issues.NewMemoryStore()
	machine := review.NewMachine(store, nil, review.Settings{})
	c := New(Deps{Issues: store, Review: machine})

	summary, err := c.Crawl(context.Background(), dir, Options{})
	require.NoError(t, err)
	assert.False(t, summary.Partial)
	assert.Equal(t, int64(2), summary.Stats.FilesScanned)
	assert.Equal(t, int64(1), summary.Stats.IssuesFound)
	assert.Equal(t, int64(1), summary.Stats.IssuesNeedingReview)
	assert.Zero(t, summary.Stats.Errors)
	require.Len(t, summary.IssueIDs, 1)

	issue, err := store.GetIssue(context.Background(), summary.IssueIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "magic_number", issue.Type)
	assert.Equal(t, types.StatusPendingReview, issue.Status)
	assert.Equal(t, 3, issue.Line)

	assert.False(t, c.Status().IsRunning)
}

func TestCrawl_RecrawlDoesNotDuplicateOpenIssues(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package a\n\nvar timeout = 3600\n")
	store := issues.NewMemoryStore()
	c := New(Deps{Issues: store})

	_, err := c.Crawl(context.Background(), dir, Options{})
	require.NoError(t, err)
	second, err := c.Crawl(context.Background(), dir, Options{})
	require.NoError(t, err)
	assert.Zero(t, second.Stats.IssuesFound)

	all, err := store.ListIssues(context.Background(), issues.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestCrawl_PartialFailure(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 100; i++ {
		writeFile(t, dir, fmt.Sprintf("pkg/f%03d.go", i), "package pkg\n")
	}
	// dangling symlink: listed by the walk, unreadable on open
	require.NoError(t, os.Symlink(filepath.Join(dir, "missing.go"), filepath.Join(dir, "pkg", "broken.go")))

	c := New(Deps{Issues: issues.NewMemoryStore()})
	summary, err := c.Crawl(context.Background(), dir, Options{Workers: 4})
	require.NoError(t, err)

	assert.Equal(t, int64(100), summary.Stats.FilesScanned)
	assert.Equal(t, int64(1), summary.Stats.Errors)
	assert.False(t, summary.Partial)
}

type panicDetector struct{}

func (panicDetector) Name() string { return "panicky" }

func (panicDetector) Detect(path string, _ []byte) ([]Finding, error) {
	if filepath.Base(path) == "bad.go" {
		panic("boom")
	}
	return []Finding{{Line: 1, Type: "long_line", Severity: types.SeverityLow, Message: "x"}}, nil
}

func TestCrawl_DetectorPanicIsCounted(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.go", "package a\n")
	writeFile(t, dir, "good.go", "package a\n")

	c := New(Deps{Issues: issues.NewMemoryStore(), Detectors: []Detector{panicDetector{}}})
	summary, err := c.Crawl(context.Background(), dir, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.Stats.FilesScanned)
	assert.Equal(t, int64(1), summary.Stats.Errors)
	assert.Equal(t, int64(1), summary.Stats.IssuesFound)
}

func TestCrawl_InvalidRoot(t *testing.T) {
	c := New(Deps{Issues: issues.NewMemoryStore()})
	_, err := c.Crawl(context.Background(), filepath.Join(t.TempDir(), "nope"), Options{})
	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperrors.ErrorTypeValidation, appErr.Type)
}

// stoppingDetector stops its crawler while analyzing the first file.
type stoppingDetector struct {
	crawler *Crawler
	calls   atomic.Int32
}

func (d *stoppingDetector) Name() string { return "stopper" }

func (d *stoppingDetector) Detect(string, []byte) ([]Finding, error) {
	if d.calls.Add(1) == 1 {
		d.crawler.Stop()
	}
	return nil, nil
}

func TestCrawl_StopKeepsPartialSummary(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 10; i++ {
		writeFile(t, dir, fmt.Sprintf("f%d.go", i), "package a\n")
	}
	d := &stoppingDetector{}
	c := New(Deps{Issues: issues.NewMemoryStore(), Detectors: []Detector{d}})
	d.crawler = c

	summary, err := c.Crawl(context.Background(), dir, Options{Workers: 1})
	require.NoError(t, err)
	assert.True(t, summary.Partial)
	assert.Less(t, summary.Stats.FilesScanned, int64(10))
	assert.GreaterOrEqual(t, summary.Stats.FilesScanned, int64(1))
}

// blockingDetector holds the crawl open until released.
type blockingDetector struct {
	started chan struct{}
	release chan struct{}
}

func (d *blockingDetector) Name() string { return "blocker" }

func (d *blockingDetector) Detect(string, []byte) ([]Finding, error) {
	close(d.started)
	<-d.release
	return nil, nil
}

func TestCrawl_RejectsConcurrentRunAndReportsStatus(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package a\n")
	d := &blockingDetector{started: make(chan struct{}), release: make(chan struct{})}
	c := New(Deps{Issues: issues.NewMemoryStore(), Detectors: []Detector{d}})

	done := make(chan error, 1)
	go func() {
		_, err := c.Crawl(context.Background(), dir, Options{})
		done <- err
	}()
	<-d.started

	assert.True(t, c.Status().IsRunning)
	_, err := c.Crawl(context.Background(), dir, Options{})
	assert.True(t, errors.Is(err, apperrors.ErrCrawlActive))

	close(d.release)
	require.NoError(t, <-done)
	assert.False(t, c.Status().IsRunning)
}

func TestCrawl_KnowledgeHintAutoFix(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package a\n\nvar timeout = 3600\n")

	ks := knowledge.NewStore(knowledge.NewMemoryBackend(), embedding.Local{}, nil, nil, knowledge.DefaultSettings())
	_, _, err := ks.AddKnowledge(ctx, types.KnowledgeEntry{
		Type:       types.KnowledgeFix,
		Content:    "Replace literal timeouts with a named constant",
		Source:     "seed",
		Confidence: 0.95,
		Tags:       []string{"magic_number"},
		Metadata: map[string]string{
			"replacement": "var timeout = defaultTimeout",
			"original":    "var timeout = 3600",
			"patch_kind":  "range",
			"span":        "1",
			"safety":      "safe",
		},
	})
	require.NoError(t, err)

	store := issues.NewMemoryStore()
	machine := review.NewMachine(store, nil, review.Settings{Policy: review.SafeConfidentPolicy{Threshold: 0.85}})
	c := New(Deps{Issues: store, Knowledge: ks, Review: machine, HintThreshold: 0.8})

	summary, err := c.Crawl(ctx, dir, Options{AutoFix: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Stats.IssuesFound)
	assert.Equal(t, int64(1), summary.Stats.IssuesAutoApproved)
	assert.Zero(t, summary.Stats.IssuesNeedingReview)

	issueID := summary.IssueIDs[0]
	fix, err := store.ActiveFix(ctx, issueID)
	require.NoError(t, err)
	assert.Equal(t, "knowledge", fix.Method)
	assert.Equal(t, types.SafetySafe, fix.Safety)
	assert.Equal(t, 3, fix.Patch.StartLine)
	assert.Equal(t, "var timeout = defaultTimeout", fix.Patch.Replacement)
	assert.Equal(t, "var timeout = 3600", fix.Patch.Original)

	issue, err := store.GetIssue(ctx, issueID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusApproved, issue.Status)
}

func TestCrawl_LowConfidenceHintNeedsReview(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package a\n\nvar timeout = 3600\n")

	ks := knowledge.NewStore(knowledge.NewMemoryBackend(), embedding.Local{}, nil, nil, knowledge.DefaultSettings())
	_, _, err := ks.AddKnowledge(ctx, types.KnowledgeEntry{
		Type: types.KnowledgeFix, Content: "maybe a constant", Source: "seed", Confidence: 0.4,
		Tags: []string{"magic_number"}, Metadata: map[string]string{"replacement": "x", "patch_kind": "range", "span": "1"},
	})
	require.NoError(t, err)

	store := issues.NewMemoryStore()
	c := New(Deps{Issues: store, Knowledge: ks, Review: review.NewMachine(store, nil, review.Settings{})})

	summary, err := c.Crawl(ctx, dir, Options{AutoFix: true})
	require.NoError(t, err)
	assert.Zero(t, summary.Stats.IssuesAutoApproved)
	assert.Equal(t, int64(1), summary.Stats.IssuesNeedingReview)

	_, err = store.ActiveFix(ctx, summary.IssueIDs[0])
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestCrawl_KnowledgeHintsThatCannotBeReplayed(t *testing.T) {
	cases := []struct {
		name     string
		metadata map[string]string
	}{
		{"full file", map[string]string{
			"replacement": "package b\n\nconst limit = defaultLimit\n",
			"patch_kind":  "full_file",
			"span":        "0",
			"safety":      "safe",
		}},
		{"legacy entry without range", map[string]string{
			"replacement": "package b\n",
			"safety":      "safe",
		}},
		{"different span", map[string]string{
			"replacement": "var timeout = defaultTimeout\nvar retries = defaultRetries",
			"original":    "var timeout = 3600\nvar retries = 5",
			"patch_kind":  "range",
			"span":        "2",
			"safety":      "safe",
		}},
		{"different original text", map[string]string{
			"replacement": "const limit = defaultLimit",
			"original":    "const limit = 86400",
			"patch_kind":  "range",
			"span":        "1",
			"safety":      "safe",
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			writeFile(t, dir, "a.go", "package a\n\nvar timeout = 3600\n")

			ks := knowledge.NewStore(knowledge.NewMemoryBackend(), embedding.Local{}, nil, nil, knowledge.DefaultSettings())
			_, _, err := ks.AddKnowledge(ctx, types.KnowledgeEntry{
				Type: types.KnowledgeFix, Content: "learned fix", Source: "pipeline", Confidence: 0.97,
				Tags: []string{"magic_number"}, Metadata: tc.metadata,
			})
			require.NoError(t, err)

			store := issues.NewMemoryStore()
			machine := review.NewMachine(store, nil, review.Settings{Policy: review.SafeConfidentPolicy{Threshold: 0.85}})
			c := New(Deps{Issues: store, Knowledge: ks, Review: machine, HintThreshold: 0.8})

			summary, err := c.Crawl(ctx, dir, Options{AutoFix: true})
			require.NoError(t, err)
			require.Len(t, summary.IssueIDs, 1)
			assert.Zero(t, summary.Stats.IssuesAutoApproved)
			assert.Equal(t, int64(1), summary.Stats.IssuesNeedingReview)

			_, err = store.ActiveFix(ctx, summary.IssueIDs[0])
			assert.True(t, errors.Is(err, apperrors.ErrNotFound))
			issue, err := store.GetIssue(ctx, summary.IssueIDs[0])
			require.NoError(t, err)
			assert.Equal(t, types.StatusPendingReview, issue.Status)
		})
	}
}
