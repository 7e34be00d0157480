package state

const (
	AnalysisComprehensive = "comprehensive"
	AnalysisDetailed      = "detailed"
	AnalysisQuick         = "quick"

	FormatComprehensive = "comprehensive"
	FormatDetailed      = "detailed"
	FormatSummary       = "summary"

	DefaultMaxResults     = 3
	DefaultReviewCount    = 20
	DefaultTimePeriodDays = 90
)

// Params tune how the stages run for one request
type Params struct {
	AnalysisType          string `json:"analysis_type"`
	Category              string `json:"category,omitempty"`
	MaxResults            int    `json:"max_results"`
	ReviewCount           int    `json:"review_count"`
	TimePeriodDays        int    `json:"time_period_days"`
	ReportFormat          string `json:"report_format"`
	IncludeVisualizations *bool  `json:"include_visualizations,omitempty"`
}

// Normalize fills defaults and clamps ranges
func (p Params) Normalize() Params {
	out := p.clone()
	if out.AnalysisType == "" {
		out.AnalysisType = AnalysisComprehensive
	}
	if out.ReportFormat == "" {
		out.ReportFormat = FormatComprehensive
	}
	out.MaxResults = clamp(out.MaxResults, DefaultMaxResults, 1, 10)
	out.ReviewCount = clamp(out.ReviewCount, DefaultReviewCount, 1, 100)
	out.TimePeriodDays = clamp(out.TimePeriodDays, DefaultTimePeriodDays, 7, 365)
	if out.IncludeVisualizations == nil {
		v := true
		out.IncludeVisualizations = &v
	}
	return out
}

// Visualizations reports whether chart specs should be produced
func (p Params) Visualizations() bool {
	return p.IncludeVisualizations == nil || *p.IncludeVisualizations
}

func (p Params) clone() Params {
	c := p
	if p.IncludeVisualizations != nil {
		v := *p.IncludeVisualizations
		c.IncludeVisualizations = &v
	}
	return c
}

func clamp(v, def, lo, hi int) int {
	if v == 0 {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
