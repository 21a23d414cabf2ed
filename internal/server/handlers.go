package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"codeheal/internal/crawler"
	apperrors "codeheal/internal/errors"
	"codeheal/internal/issues"
	"codeheal/internal/knowledge"
	"codeheal/internal/pipeline"
	"codeheal/internal/review"
	"codeheal/internal/team"
	"codeheal/types"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// decodeBody decodes an optional JSON body into v. An empty body is not an error.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return apperrors.NewValidationError("invalid request body", map[string]interface{}{"error": err.Error()})
}

func (s *Server) sendErr(w http.ResponseWriter, err error) {
	appErr := apperrors.FromError(err)
	if appErr.StatusCode >= http.StatusInternalServerError {
		s.errs.HandleError(appErr)
	}
	apperrors.SendError(w, appErr)
}

// handleHealth reports liveness with a few host figures
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":     "healthy",
		"timestamp":  time.Now().Format(time.RFC3339),
		"goroutines": runtime.NumGoroutine(),
	}
	if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
		body["memory_percent"] = vm.UsedPercent
	}
	if up, err := host.UptimeWithContext(r.Context()); err == nil {
		body["host_uptime_seconds"] = up
	}
	apperrors.SendJSON(w, http.StatusOK, body)
}

type crawlRequest struct {
	RootDir string `json:"rootDir"`
	Options struct {
		AutoFix    bool     `json:"autoFix"`
		Extensions []string `json:"extensions"`
	} `json:"options"`
}

type crawlStatus struct {
	IsRunning bool          `json:"isRunning"`
	Stats     crawler.Stats `json:"stats"`
}

// currentStatus sums the counters of every tracked crawl
func (s *Server) currentStatus() crawlStatus {
	q := s.g.Scans.Status()
	st := crawlStatus{IsRunning: q.Active > 0 || q.Queued > 0}
	for _, job := range s.g.Scans.ListJobs() {
		st.Stats.FilesScanned += job.Stats.FilesScanned
		st.Stats.IssuesFound += job.Stats.IssuesFound
		st.Stats.IssuesAutoApproved += job.Stats.IssuesAutoApproved
		st.Stats.IssuesAutoFixed += job.Stats.IssuesAutoFixed
		st.Stats.IssuesNeedingReview += job.Stats.IssuesNeedingReview
		st.Stats.Errors += job.Stats.Errors
	}
	return st
}

// handleStartCrawl queues a crawl of one root; 409 when it is already active
func (s *Server) handleStartCrawl(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendErr(w, err)
		return
	}
	target := req.RootDir
	if target == "" {
		target = s.g.Config.ProjectPath
	}

	if s.g.Scans.IsActive(target) {
		s.sendErr(w, fmt.Errorf("%s: %w", target, apperrors.ErrCrawlActive))
		return
	}
	job, existing, err := s.g.Scans.Submit(target, s.g.CrawlOptions(req.Options.AutoFix, req.Options.Extensions))
	if err != nil {
		s.sendErr(w, err)
		return
	}
	if existing {
		s.sendErr(w, fmt.Errorf("%s: %w", job.Target, apperrors.ErrCrawlActive))
		return
	}

	apperrors.SendJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("Crawl %s for %s", job.State, job.Target),
		"crawlId": job.ID,
		"status":  s.currentStatus(),
	})
}

func (s *Server) handleCrawlStatus(w http.ResponseWriter, _ *http.Request) {
	apperrors.SendJSON(w, http.StatusOK, s.currentStatus())
}

func (s *Server) handleCrawlJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.g.Scans.GetJob(mux.Vars(r)["id"])
	if err != nil {
		s.sendErr(w, err)
		return
	}
	apperrors.SendSuccess(w, job)
}

// handleStopCrawl cancels one crawl and returns what it found so far
func (s *Server) handleStopCrawl(w http.ResponseWriter, r *http.Request) {
	job, err := s.g.Scans.Stop(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.sendErr(w, err)
		return
	}
	apperrors.SendSuccess(w, job)
}

type parallelRequest struct {
	Directories []string `json:"directories"`
	Options     struct {
		Concurrency int      `json:"concurrency"`
		AutoFix     bool     `json:"autoFix"`
		Extensions  []string `json:"extensions"`
	} `json:"options"`
}

// handleParallelCrawl queues several roots; each gets its own result
func (s *Server) handleParallelCrawl(w http.ResponseWriter, r *http.Request) {
	var req parallelRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendErr(w, err)
		return
	}
	if len(req.Directories) == 0 {
		s.sendErr(w, apperrors.NewValidationError("directories must not be empty", nil))
		return
	}
	if req.Options.Concurrency > 0 {
		s.g.Scans.SetConcurrency(req.Options.Concurrency)
	}

	handles := s.g.Scans.StartParallelCrawls(req.Directories, s.g.CrawlOptions(req.Options.AutoFix, req.Options.Extensions))
	success := false
	for _, h := range handles {
		success = success || h.Success
	}
	q := s.g.Scans.Status()
	apperrors.SendJSON(w, http.StatusOK, map[string]interface{}{
		"success": success,
		"results": handles,
		"queueStatus": map[string]int{
			"active":    q.Active,
			"queued":    q.Queued,
			"completed": q.Completed,
		},
	})
}

type reviewItem struct {
	ID    string      `json:"id"`
	Error reviewError `json:"error"`
	Fix   *reviewFix  `json:"fix,omitempty"`
}

type reviewError struct {
	Type     string         `json:"type"`
	Severity types.Severity `json:"severity"`
	Message  string         `json:"message"`
	File     string         `json:"file"`
	Line     int            `json:"line"`
}

type reviewFix struct {
	ID          string           `json:"id"`
	Safety      types.SafetyTier `json:"safety"`
	Confidence  float64          `json:"confidence"`
	Explanation string           `json:"explanation,omitempty"`
	Method      string           `json:"method"`
}

// handleReviewQueue lists pending issues with their active fix
func (s *Server) handleReviewQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pending, err := s.g.Issues.ListIssues(ctx, issues.Filter{Statuses: []types.IssueStatus{types.StatusPendingReview}})
	if err != nil {
		s.sendErr(w, err)
		return
	}

	items := make([]reviewItem, 0, len(pending))
	for _, issue := range pending {
		item := reviewItem{
			ID: issue.ID,
			Error: reviewError{
				Type:     issue.Type,
				Severity: issue.Severity,
				Message:  issue.Message,
				File:     issue.FilePath,
				Line:     issue.Line,
			},
		}
		fix, err := s.g.Issues.ActiveFix(ctx, issue.ID)
		switch {
		case err == nil:
			item.Fix = &reviewFix{
				ID:          fix.ID,
				Safety:      fix.Safety,
				Confidence:  fix.CalibratedConfidence,
				Explanation: fix.Explanation,
				Method:      fix.Method,
			}
		case !errors.Is(err, apperrors.ErrNotFound):
			s.sendErr(w, err)
			return
		}
		items = append(items, item)
	}
	apperrors.SendJSON(w, http.StatusOK, map[string]interface{}{"issues": items, "total": len(items)})
}

type reviewRequest struct {
	Action types.ReviewAction `json:"action"`
	Notes  string             `json:"notes"`
	Actor  string             `json:"actor"`
}

// handleReviewIssue applies approve, reject or defer
func (s *Server) handleReviewIssue(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendErr(w, err)
		return
	}
	switch strings.ToLower(strings.TrimSpace(req.Actor)) {
	case review.PolicyActor, pipeline.Actor:
		s.sendErr(w, apperrors.NewValidationError(fmt.Sprintf("actor %q is reserved for automatic decisions", req.Actor),
			map[string]interface{}{"actor": req.Actor}))
		return
	}
	decision, err := s.g.Review.Review(r.Context(), mux.Vars(r)["id"], req.Action, req.Actor, req.Notes)
	if err != nil {
		s.sendErr(w, err)
		return
	}
	apperrors.SendJSON(w, http.StatusOK, map[string]interface{}{"success": true, "decision": decision})
}

func (s *Server) handleIssueHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.g.Issues.GetIssue(r.Context(), id); err != nil {
		s.sendErr(w, err)
		return
	}
	history, err := s.g.Review.History(r.Context(), id)
	if err != nil {
		s.sendErr(w, err)
		return
	}
	apperrors.SendSuccess(w, history)
}

// handleBatchReview runs batch auto-approval under the requested policy
func (s *Server) handleBatchReview(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Policy string `json:"policy"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.sendErr(w, err)
		return
	}
	policy, err := review.PolicyByName(req.Policy, s.g.Config.Review.AutoApproveThreshold)
	if err != nil {
		s.sendErr(w, err)
		return
	}
	result, err := s.g.Review.BatchProcess(r.Context(), policy)
	if err != nil {
		s.sendErr(w, err)
		return
	}
	apperrors.SendSuccess(w, result)
}

// handleOrchestrateFix starts a pipeline for an approved issue
func (s *Server) handleOrchestrateFix(w http.ResponseWriter, r *http.Request) {
	result, err := s.g.Pipelines.Start(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.sendErr(w, err)
		return
	}
	apperrors.SendJSON(w, http.StatusAccepted, map[string]interface{}{"success": true, "pipeline": result})
}

func (s *Server) handleListPipelines(w http.ResponseWriter, _ *http.Request) {
	apperrors.SendSuccess(w, s.g.Pipelines.ListPipelines())
}

func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	result, err := s.g.Pipelines.GetPipelineStatus(mux.Vars(r)["id"])
	if err != nil {
		s.sendErr(w, err)
		return
	}
	apperrors.SendSuccess(w, result)
}

// handleCalibrationReport summarizes one method/domain bucket
func (s *Server) handleCalibrationReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	report, err := s.g.Calibrator.Report(r.Context(), q.Get("method"), q.Get("domain"))
	if err != nil {
		s.sendErr(w, err)
		return
	}
	apperrors.SendJSON(w, http.StatusOK, report)
}

// handleFixTeam picks fix methods whose observed success covers the most domains
func (s *Server) handleFixTeam(w http.ResponseWriter, r *http.Request) {
	k := 2
	if raw := r.URL.Query().Get("k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.sendErr(w, apperrors.NewValidationError("k must be an integer", nil))
			return
		}
		k = n
	}
	workers, err := team.FromCalibration(r.Context(), s.g.Calibrator, s.g.FixMethods)
	if err != nil {
		s.sendErr(w, err)
		return
	}
	selected, err := team.SelectComplementary(workers, k)
	if err != nil {
		s.sendErr(w, err)
		return
	}
	apperrors.SendSuccess(w, selected)
}

// handleKnowledgeSearch ranks knowledge for q with optional filters
func (s *Server) handleKnowledgeSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := knowledge.Filters{
		Type:   types.KnowledgeType(q.Get("type")),
		Source: q.Get("source"),
	}
	if tags := q.Get("tags"); tags != "" {
		for _, t := range strings.Split(tags, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filters.Tags = append(filters.Tags, t)
			}
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.sendErr(w, apperrors.NewValidationError("limit must be a non-negative integer", nil))
			return
		}
		filters.Limit = n
	}
	if raw := q.Get("min_confidence"); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			s.sendErr(w, apperrors.NewValidationError("min_confidence must be a number", nil))
			return
		}
		filters.MinConfidence = f
	}

	results, err := s.g.Knowledge.Search(r.Context(), q.Get("q"), filters)
	if err != nil {
		s.sendErr(w, err)
		return
	}
	apperrors.SendJSON(w, http.StatusOK, map[string]interface{}{"results": results, "total": len(results)})
}

// handleAddKnowledge stores an entry or merges it into a near duplicate
func (s *Server) handleAddKnowledge(w http.ResponseWriter, r *http.Request) {
	var entry types.KnowledgeEntry
	if err := decodeBody(r, &entry); err != nil {
		s.sendErr(w, err)
		return
	}
	stored, result, err := s.g.Knowledge.AddKnowledge(r.Context(), entry)
	if err != nil {
		s.sendErr(w, err)
		return
	}
	status := http.StatusCreated
	if result == knowledge.Duplicate {
		status = http.StatusOK
	}
	apperrors.SendJSON(w, status, map[string]interface{}{"success": true, "result": result, "entry": stored})
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	apperrors.SendJSON(w, http.StatusOK, map[string]interface{}{"breakers": s.g.Breakers.Snapshots()})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, _ *http.Request) {
	apperrors.SendJSON(w, http.StatusOK, map[string]interface{}{"capabilities": s.g.Capabilities.Statuses()})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	apperrors.SendSuccess(w, s.g.GetStatus())
}
