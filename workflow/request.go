package workflow

import (
	"strings"

	"github.com/google/uuid"

	"github.com/BaSui01/analystflow/types"
)

const (
	// DefaultNewsLimit is the number of news items requested when unset.
	DefaultNewsLimit = 5
	// DefaultSearchLimit is the number of search hits requested when unset.
	DefaultSearchLimit = 5

	// MaxRunIDLength and MaxSubjectLength match the run_id and subject
	// columns of the run store schema.
	MaxRunIDLength   = 64
	MaxSubjectLength = 32

	runIDPrefix = "wf_"
)

// Request describes one run of the pipeline.
type Request struct {
	// RunID is optional; a wf_<uuid> id is generated when empty. Reusing the
	// id of an earlier run resumes it from the Result Cache.
	RunID string `json:"workflow_id,omitempty"`

	Query       string `json:"query"`
	Ticker      string `json:"ticker"`
	CompanyName string `json:"company_name,omitempty"`
	NewsLimit   int    `json:"news_limit,omitempty"`
	SearchLimit int    `json:"search_limit,omitempty"`

	// OnlyStages and UntilStage are mutually exclusive filters.
	OnlyStages []StageName `json:"only_steps,omitempty"`
	UntilStage StageName   `json:"until_step,omitempty"`

	ForceRefresh bool `json:"force_refresh,omitempty"`
	// Ephemeral runs are never written to the Run Store.
	Ephemeral bool `json:"temp_workflow,omitempty"`
}

// Subject returns the identifier runs are filtered by in history listings.
func (r Request) Subject() string {
	return strings.ToUpper(strings.TrimSpace(r.Ticker))
}

// Validate checks the identifiers a run is stored under.
func (r Request) Validate() error {
	if n := len(strings.TrimSpace(r.RunID)); n > MaxRunIDLength {
		return types.NewInvalidRequestError("workflow_id must be at most %d bytes, got %d", MaxRunIDLength, n)
	}
	if n := len(r.Subject()); n > MaxSubjectLength {
		return types.NewInvalidRequestError("ticker must be at most %d bytes, got %d", MaxSubjectLength, n)
	}
	return nil
}

func (r Request) stageInput(runID string) StageInput {
	in := StageInput{
		RunID:       runID,
		Query:       r.Query,
		Ticker:      r.Ticker,
		CompanyName: r.CompanyName,
		NewsLimit:   r.NewsLimit,
		SearchLimit: r.SearchLimit,
	}
	if in.NewsLimit <= 0 {
		in.NewsLimit = DefaultNewsLimit
	}
	if in.SearchLimit <= 0 {
		in.SearchLimit = DefaultSearchLimit
	}
	return in
}

// NewRunID generates a run identifier.
func NewRunID() string {
	return runIDPrefix + uuid.NewString()
}
