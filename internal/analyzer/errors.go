package analyzer

import (
	"errors"
	"fmt"

	"github.com/sozercan/finsight/internal/llm"
	"github.com/sozercan/finsight/internal/pipeline"
	"github.com/sozercan/finsight/internal/session"
	"github.com/sozercan/finsight/internal/stages"
)

var (
	ErrNoDocument   = errors.New("no document uploaded")
	ErrEmptyResult  = errors.New("model returned an empty result")
	ErrUnknownStage = errors.New("unknown stage")

	ErrMissingInput    = stages.ErrMissingInput
	ErrDependency      = session.ErrDependency
	ErrSessionNotFound = session.ErrNotFound
)

// Message turns a stage failure into the text shown to the user.
func Message(err error) string {
	stage := "analysis"
	var se *pipeline.StageError
	if errors.As(err, &se) {
		stage = se.Stage
	}

	switch {
	case errors.Is(err, llm.ErrQuotaExceeded):
		return "The model quota was exceeded. Please try again later."
	case errors.Is(err, ErrEmptyResult), errors.Is(err, llm.ErrNoContent):
		return fmt.Sprintf("The model returned no %s. Please try again.", stage)
	case errors.Is(err, ErrDependency):
		return fmt.Sprintf("Upstream results are not available: %v", err)
	default:
		return fmt.Sprintf("Failed to generate %s: %v", stage, err)
	}
}
