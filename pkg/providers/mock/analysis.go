package mock

import (
	"context"

	"github.com/harunnryd/murmur/pkg/adapters/analysis"
)

// Analyzer tags everything neutral and leaves the text alone.
type Analyzer struct{}

func NewAnalyzer() Analyzer { return Analyzer{} }

func (Analyzer) Name() string { return "mock_analysis" }

func (Analyzer) Analyze(_ context.Context, text string) (analysis.Result, error) {
	return analysis.Fallback(text), nil
}

var _ analysis.Analyzer = Analyzer{}
