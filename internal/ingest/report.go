package ingest

import "fmt"

// State is the per-file pipeline state machine.
type State string

const (
	StateFetching  State = "fetching"
	StateParsing   State = "parsing"
	StateMapping   State = "mapping"
	StateLoading   State = "loading"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// IssueKind classifies a non-fatal, per-record problem or the fatal cause
// of a failed file.
type IssueKind string

const (
	IssueTransport             IssueKind = "transport"
	IssueStructural            IssueKind = "structural"
	IssueRecord                IssueKind = "record"
	IssueResolution            IssueKind = "resolution"
	IssuePersistenceTransient  IssueKind = "persistence_transient"
	IssuePersistenceConstraint IssueKind = "persistence_constraint"
)

// Issue is one reported problem.
type Issue struct {
	Kind  IssueKind
	Where string
	Err   string
}

// Report accumulates the outcome of one file's ingestion. Each pipeline
// stage owns its own Report and they are merged when the file completes,
// so no locking is needed.
type Report struct {
	SourceURL string
	State     State
	// FailedStage and Cause are set only when State is StateFailed.
	FailedStage State
	Cause       string

	Issues      []Issue
	RowsWritten map[string]int64
	RowsSkipped int64
}

// NewReport starts a report for url.
func NewReport(url string) *Report {
	return &Report{SourceURL: url, State: StateFetching, RowsWritten: make(map[string]int64)}
}

// Record appends a per-record issue without changing the terminal state.
func (r *Report) Record(kind IssueKind, where string, err error) {
	r.Issues = append(r.Issues, Issue{Kind: kind, Where: where, Err: err.Error()})
}

// Wrote bumps the written-row counter for a table.
func (r *Report) Wrote(table string, n int64) {
	if r.RowsWritten == nil {
		r.RowsWritten = make(map[string]int64)
	}
	r.RowsWritten[table] += n
}

// Fail marks the file failed at a stage. The first failure wins.
func (r *Report) Fail(stage State, err error) {
	if r.State == StateFailed {
		return
	}
	r.State = StateFailed
	r.FailedStage = stage
	r.Cause = err.Error()
}

// Merge folds another stage's report into this one. Ownership of other
// transfers to the caller; other must not be used afterwards.
func (r *Report) Merge(other *Report) {
	r.Issues = append(r.Issues, other.Issues...)
	for table, n := range other.RowsWritten {
		r.Wrote(table, n)
	}
	r.RowsSkipped += other.RowsSkipped
	if other.State == StateFailed && r.State != StateFailed {
		r.State = StateFailed
		r.FailedStage = other.FailedStage
		r.Cause = other.Cause
	}
}

// IssueCount returns how many issues of kind were reported.
func (r *Report) IssueCount(kind IssueKind) int {
	n := 0
	for _, is := range r.Issues {
		if is.Kind == kind {
			n++
		}
	}
	return n
}

// TotalRows sums the written-row counters.
func (r *Report) TotalRows() int64 {
	var n int64
	for _, c := range r.RowsWritten {
		n += c
	}
	return n
}

// Summary renders a one-file summary for the operational surface.
func (r *Report) Summary() string {
	return fmt.Sprintf("%s: state=%s rows=%d skipped=%d issues=%d",
		r.SourceURL, r.State, r.TotalRows(), r.RowsSkipped, len(r.Issues))
}

// IssueLines renders the reasons behind the skip and issue counters, at
// most max lines with a trailing elision when more were recorded.
func (r *Report) IssueLines(max int) []string {
	if len(r.Issues) == 0 {
		return nil
	}
	lines := make([]string, 0, min(len(r.Issues), max+1))
	for i, is := range r.Issues {
		if i == max {
			lines = append(lines, fmt.Sprintf("... and %d more", len(r.Issues)-max))
			break
		}
		if is.Where == "" {
			lines = append(lines, fmt.Sprintf("[%s] %s", is.Kind, is.Err))
			continue
		}
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", is.Kind, is.Where, is.Err))
	}
	return lines
}
