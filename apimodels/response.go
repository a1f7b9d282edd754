package apimodels

// AnalysisResponse is the aggregate-mode result of one document.
type AnalysisResponse struct {
	SessionID string `json:"sessionId,omitempty"`

	// Primary stage output every other stage is derived from
	Inferences string `json:"inferences"`

	SWOTAnalysis       string `json:"swotAnalysis"`
	CompetitorStrategy string `json:"competitorStrategy"`
	CompetitorProfile  string `json:"competitorProfile"`
	KeyAnalysis        string `json:"keyAnalysis"`
	Summary            string `json:"summary"`

	Metadata AnalysisMetadata `json:"metadata"`
}

type AnalysisMetadata struct {
	// Time taken for analysis
	Duration string `json:"duration"`

	// Uploaded file name
	Document string `json:"document,omitempty"`

	// Wall time per stage
	Stages map[string]string `json:"stages,omitempty"`
}

// BeginResponse is returned by POST /analyze in streaming mode. The client
// opens one stream per stage using SessionID or Inferences.
type BeginResponse struct {
	Message    string `json:"message"`
	SessionID  string `json:"sessionId"`
	Inferences string `json:"inferences"`
}

type StageStatus string

const (
	StagePending StageStatus = "pending"
	StageDone    StageStatus = "done"
	StageFailed  StageStatus = "failed"
)

type StageSnapshot struct {
	Status StageStatus `json:"status"`
	Result string      `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// SessionSnapshot is the state of a streaming session at one point in time.
type SessionSnapshot struct {
	ID         string                   `json:"id"`
	Document   string                   `json:"document,omitempty"`
	CreatedAt  string                   `json:"createdAt"`
	Inferences string                   `json:"inferences"`
	Stages     map[string]StageSnapshot `json:"stages"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
