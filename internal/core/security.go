package core

// Security check stages.
const (
	SecurityStageInput  = "input"
	SecurityStageTool   = "tool"
	SecurityStageOutput = "output"
)

// Security actions.
const (
	SecurityAllow    = "allow"
	SecurityWarn     = "warn"
	SecurityBlock    = "block"
	SecuritySanitize = "sanitize"
)

// Security severities, ordered by SeverityRank.
const (
	SeveritySafe     = "safe"
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// SeverityRank orders severities for highest-wins comparisons. Unknown
// values rank as safe.
func SeverityRank(severity string) int {
	switch severity {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// SecurityDecision is the verdict of one security check. Reason values are
// stable strings used as metric labels.
type SecurityDecision struct {
	Action   string   `json:"action"`
	Reason   string   `json:"reason"`
	Severity string   `json:"severity,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// SecurityResult pairs a decision with the stage that produced it. When the
// decision action is sanitize, SanitizedText carries the replacement output.
type SecurityResult struct {
	Stage         string           `json:"stage"`
	Decision      SecurityDecision `json:"decision"`
	SanitizedText string           `json:"sanitized_text,omitempty"`
}
