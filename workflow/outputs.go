package workflow

import (
	"encoding/json"
	"fmt"
)

// StageOutput is the tagged union of stage outputs. Each concrete type
// reports the stage that produces it.
type StageOutput interface {
	Stage() StageName
}

// DecodeStageOutput decodes raw into the concrete output type of stage.
// An empty or null payload yields a nil output.
func DecodeStageOutput(stage StageName, raw json.RawMessage) (StageOutput, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var out StageOutput
	switch stage {
	case StageRetrieval:
		out = &RetrievalOutput{}
	case StageFundamental:
		out = &FundamentalOutput{}
	case StageNews:
		out = &NewsOutput{}
	case StageResearch:
		out = &ResearchOutput{}
	case StageInvestment:
		out = &InvestmentOutput{}
	default:
		return nil, fmt.Errorf("cannot decode output for unknown stage %q", stage)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("decode %s output: %w", stage, err)
	}
	return out, nil
}

// =============================================================================
// retrieval
// =============================================================================

// RetrievalOutput collects the documents the analysts work from.
type RetrievalOutput struct {
	Query  string           `json:"query"`
	RAG    *RAGResult       `json:"rag,omitempty"`
	Edgar  *EdgarResult     `json:"edgar,omitempty"`
	Errors []RetrievalError `json:"errors"`
}

func (*RetrievalOutput) Stage() StageName { return StageRetrieval }

// RetrievalError reports a source that could not be queried.
type RetrievalError struct {
	Source  string `json:"source"`
	Message string `json:"message"`
}

// RAGMatch is one vector-store hit.
type RAGMatch struct {
	Rank     int            `json:"rank,omitempty"`
	ID       string         `json:"id,omitempty"`
	Distance float64        `json:"distance,omitempty"`
	Document string         `json:"document,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RAGResult is the vector-store portion of a retrieval.
type RAGResult struct {
	Collections []string   `json:"collections"`
	Query       string     `json:"query"`
	TopK        int        `json:"top_k"`
	NumMatches  int        `json:"num_matches"`
	Matches     []RAGMatch `json:"matches"`
	Context     string     `json:"context"`
}

// EdgarFiling links one SEC filing.
type EdgarFiling struct {
	Form            string `json:"form"`
	FilingDate      string `json:"filing_date"`
	AccessionNumber string `json:"accession_number"`
	Href            string `json:"href"`
}

// EdgarResult is the filings portion of a retrieval.
type EdgarResult struct {
	Ticker              string         `json:"ticker"`
	CIK                 string         `json:"cik"`
	FilingCategories    []string       `json:"filing_categories"`
	Filings             []EdgarFiling  `json:"filings"`
	IngestedCollections []string       `json:"ingested_collections"`
	Ingestion           map[string]any `json:"ingestion,omitempty"`
}

// =============================================================================
// fundamental
// =============================================================================

// Signal is a single fundamental observation.
type Signal struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Impact      string `json:"impact"`
}

// FundamentalOutput scores the company's financial health.
type FundamentalOutput struct {
	Ticker      string   `json:"ticker"`
	HealthScore int      `json:"health_score"`
	Strengths   []Signal `json:"strengths"`
	Weaknesses  []Signal `json:"weaknesses"`
	RedFlags    []Signal `json:"red_flags"`
	Summary     string   `json:"summary"`
	Citations   []string `json:"citations"`
}

func (*FundamentalOutput) Stage() StageName { return StageFundamental }

// Validate checks the health score range.
func (o *FundamentalOutput) Validate() error {
	if o == nil {
		return fmt.Errorf("nil fundamental output")
	}
	if o.HealthScore < 0 || o.HealthScore > 100 {
		return fmt.Errorf("health_score %d out of range [0,100]", o.HealthScore)
	}
	return nil
}

// =============================================================================
// news
// =============================================================================

// NewsTickerRollup aggregates sentiment for one ticker.
type NewsTickerRollup struct {
	Ticker         string   `json:"ticker"`
	SentimentScore float64  `json:"sentiment_score"`
	SentimentLabel string   `json:"sentiment_label"`
	RelevanceScore float64  `json:"relevance_score"`
	TopHeadlines   []string `json:"top_headlines"`
}

// NewsItem is one scored article.
type NewsItem struct {
	Title            string   `json:"title"`
	Source           string   `json:"source"`
	URL              string   `json:"url"`
	Summary          string   `json:"summary"`
	Topics           string   `json:"topics"`
	OverallSentiment float64  `json:"overall_sentiment"`
	SentimentLabel   string   `json:"sentiment_label"`
	TickerSentiment  []string `json:"ticker_sentiment"`
	TimePublished    string   `json:"time_published"`
}

// NewsOutput summarizes market news sentiment.
type NewsOutput struct {
	Query                 string             `json:"query"`
	OverallSentimentScore float64            `json:"overall_sentiment_score"`
	OverallSentimentLabel string             `json:"overall_sentiment_label"`
	Rationale             string             `json:"rationale"`
	TickerRollups         []NewsTickerRollup `json:"ticker_rollups"`
	NewsItems             []NewsItem         `json:"news_items"`
	Warnings              []string           `json:"warnings"`
}

func (*NewsOutput) Stage() StageName { return StageNews }

// =============================================================================
// research
// =============================================================================

// ResearchOutput composes the fundamental and news analyses.
type ResearchOutput struct {
	Ticker              string             `json:"ticker"`
	ComposedAnalysis    string             `json:"composed_analysis"`
	FundamentalAnalysis *FundamentalOutput `json:"fundamental_analysis,omitempty"`
	NewsAnalysis        *NewsOutput        `json:"news_analysis,omitempty"`
	Warnings            []string           `json:"warnings"`
}

func (*ResearchOutput) Stage() StageName { return StageResearch }

// =============================================================================
// investment
// =============================================================================

// Decision is the investment manager's recommendation.
type Decision string

const (
	DecisionStrongBuy  Decision = "strong buy"
	DecisionBuy        Decision = "buy"
	DecisionHold       Decision = "hold"
	DecisionSell       Decision = "sell"
	DecisionStrongSell Decision = "strong sell"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	switch d {
	case DecisionStrongBuy, DecisionBuy, DecisionHold, DecisionSell, DecisionStrongSell:
		return true
	}
	return false
}

// InvestmentOutput is the final recommendation.
type InvestmentOutput struct {
	Ticker     string   `json:"ticker"`
	Decision   Decision `json:"decision"`
	Rationale  string   `json:"rationale"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning,omitempty"`
}

func (*InvestmentOutput) Stage() StageName { return StageInvestment }

// Validate checks the decision value.
func (o *InvestmentOutput) Validate() error {
	if o == nil {
		return fmt.Errorf("nil investment output")
	}
	if !o.Decision.Valid() {
		return fmt.Errorf("invalid decision %q", o.Decision)
	}
	return nil
}
