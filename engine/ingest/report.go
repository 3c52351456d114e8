package ingest

import (
	"time"

	"github.com/libroai/libro/engine/semantic"
)

// PageState tracks a content unit through the pipeline. Failure is terminal
// per unit and never aborts the run.
type PageState string

const (
	StatePending   PageState = "pending"
	StateCrawling  PageState = "crawling"
	StateChunking  PageState = "chunking"
	StateEmbedding PageState = "embedding"
	StateStoring   PageState = "storing"
	StateCompleted PageState = "completed"
	StateFailed    PageState = "failed"
)

// RunStatus summarizes a whole ingestion run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
)

// PageReport is the per-unit slice of a RunReport.
type PageReport struct {
	SourceURL string                 `json:"source_url"`
	State     PageState              `json:"state"`
	FailedAt  PageState              `json:"failed_at,omitempty"`
	Chunks    int                    `json:"chunks"`
	Outcome   semantic.UpsertOutcome `json:"outcome"`
	Orphans   int                    `json:"orphans"`
	Error     string                 `json:"error,omitempty"`
}

// RunReport is the value an ingestion run returns. It is a reporting
// artifact, not pipeline state: the orchestrator builds it as units finish
// and callers render or ship it as they see fit.
type RunReport struct {
	RunID      string                 `json:"run_id"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
	Status     RunStatus              `json:"status"`
	Discovered int                    `json:"discovered"`
	Processed  int                    `json:"processed"`
	Failed     int                    `json:"failed"`
	Totals     semantic.UpsertOutcome `json:"totals"`
	Orphans    int                    `json:"orphans"`
	Pages      []PageReport           `json:"pages,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// CrawlFailure reports a URL that never produced a content unit, so a
// crawl skip lands in the same report as a chunking or embedding failure.
func CrawlFailure(sourceURL string, err error) PageReport {
	return PageReport{
		SourceURL: sourceURL,
		State:     StateFailed,
		FailedAt:  StateCrawling,
		Error:     err.Error(),
	}
}

// AbsorbFailures folds failures from before the pipeline into the report
// and re-derives the run status.
func (r *RunReport) AbsorbFailures(pages ...PageReport) {
	if len(pages) == 0 {
		return
	}
	r.Pages = append(r.Pages, pages...)
	r.Discovered += len(pages)
	r.Failed += len(pages)
	r.Status = r.status()
}

// Failures returns the reports of units that did not complete.
func (r RunReport) Failures() []PageReport {
	var out []PageReport
	for _, p := range r.Pages {
		if p.State == StateFailed {
			out = append(out, p)
		}
	}
	return out
}

// status derives the terminal run status: every unit through means
// succeeded, every unit failed means failed, anything between is partial.
// An empty run succeeded trivially.
func (r RunReport) status() RunStatus {
	switch {
	case r.Error != "":
		return RunFailed
	case r.Failed == 0:
		return RunSucceeded
	case r.Processed == 0:
		return RunFailed
	default:
		return RunPartial
	}
}
