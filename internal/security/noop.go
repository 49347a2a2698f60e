package security

import "github.com/quietloop/steward/internal/core"

// Noop allows everything. Wired when security is disabled in config so
// callers never branch on a nil checker.
type Noop struct{}

func (Noop) CheckInput(string, map[string]any) core.SecurityResult {
	return disabledResult(core.SecurityStageInput)
}

func (Noop) CheckTool(string, map[string]any, map[string]any) core.SecurityResult {
	return disabledResult(core.SecurityStageTool)
}

func (Noop) CheckOutput(string, map[string]any) core.SecurityResult {
	return disabledResult(core.SecurityStageOutput)
}

func disabledResult(stage string) core.SecurityResult {
	return core.SecurityResult{
		Stage:    stage,
		Decision: core.SecurityDecision{Action: core.SecurityAllow, Reason: "security_disabled", Severity: core.SeveritySafe},
	}
}
