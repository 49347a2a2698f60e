package security

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/quietloop/steward/internal/config"
	"github.com/quietloop/steward/internal/core"
)

// Fail modes applied when a stage errors or panics.
const (
	FailOpen   = "open"
	FailClosed = "closed"
	FailMixed  = "mixed"
)

// Context keys whose values never reach logs verbatim.
var sensitiveContextKeys = []string{
	"password", "secret", "token", "api_key", "apikey", "auth",
	"credential", "private_key", "cookie",
}

const maxLogValueChars = 512

// Engine runs the staged security checks configured under config.Security.
// Each stage can be disabled independently; a disabled stage allows with
// reason "stage_disabled". Errors map to the configured fail mode.
type Engine struct {
	cfg config.SecurityConfig
}

func NewEngine(cfg config.SecurityConfig) *Engine {
	return &Engine{cfg: cfg}
}

// CheckInput evaluates inbound user text against the input rule families.
func (e *Engine) CheckInput(text string, logCtx map[string]any) (result core.SecurityResult) {
	if !e.cfg.Enabled || !e.cfg.Stages.Input {
		return allowResult(core.SecurityStageInput, "stage_disabled")
	}
	defer func() {
		if p := recover(); p != nil {
			result = e.failure(core.SecurityStageInput, fmt.Errorf("input rules panic: %v", p), logCtx)
		}
	}()

	result = core.SecurityResult{
		Stage:    core.SecurityStageInput,
		Decision: decideInput(Normalize(text)),
	}
	e.logDecision(result, logCtx)
	return result
}

// CheckTool evaluates one tool call before execution.
func (e *Engine) CheckTool(toolName string, args map[string]any, logCtx map[string]any) (result core.SecurityResult) {
	if !e.cfg.Enabled || !e.cfg.Stages.Tool {
		return allowResult(core.SecurityStageTool, "stage_disabled")
	}
	defer func() {
		if p := recover(); p != nil {
			result = e.failure(core.SecurityStageTool, fmt.Errorf("tool rules panic: %v", p), logCtx)
		}
	}()

	decision, err := decideTool(toolName, args)
	if err != nil {
		return e.failure(core.SecurityStageTool, err, logCtx)
	}
	result = core.SecurityResult{Stage: core.SecurityStageTool, Decision: decision}
	e.logDecision(result, logCtx)
	return result
}

// CheckOutput evaluates assistant output before outbound send.
func (e *Engine) CheckOutput(text string, logCtx map[string]any) (result core.SecurityResult) {
	if !e.cfg.Enabled || !e.cfg.Stages.Output {
		return allowResult(core.SecurityStageOutput, "stage_disabled")
	}
	defer func() {
		if p := recover(); p != nil {
			result = e.failure(core.SecurityStageOutput, fmt.Errorf("output rules panic: %v", p), logCtx)
		}
	}()

	decision, sanitized := decideOutput(text, e.cfg.RedactPlaceholder)
	result = core.SecurityResult{Stage: core.SecurityStageOutput, Decision: decision, SanitizedText: sanitized}
	e.logDecision(result, logCtx)
	return result
}

func allowResult(stage, reason string) core.SecurityResult {
	return core.SecurityResult{
		Stage:    stage,
		Decision: core.SecurityDecision{Action: core.SecurityAllow, Reason: reason, Severity: core.SeveritySafe},
	}
}

func (e *Engine) failure(stage string, cause error, logCtx map[string]any) core.SecurityResult {
	slog.Warn("security stage error",
		"stage", stage,
		"fail_mode", e.cfg.FailMode,
		"error", cause,
		"context", sanitizeLogContext(logCtx),
	)

	switch e.cfg.FailMode {
	case FailOpen:
		return core.SecurityResult{Stage: stage, Decision: core.SecurityDecision{
			Action:   core.SecurityAllow,
			Reason:   "security_error_fail_open",
			Severity: core.SeverityLow,
			Tags:     []string{"engine_error"},
		}}
	case FailClosed:
		return core.SecurityResult{Stage: stage, Decision: core.SecurityDecision{
			Action:   core.SecurityBlock,
			Reason:   "security_error_fail_closed",
			Severity: core.SeverityHigh,
			Tags:     []string{"engine_error"},
		}}
	}

	// Mixed: input fails open, tool fails closed, output degrades to the
	// configured block message.
	switch stage {
	case core.SecurityStageInput:
		return core.SecurityResult{Stage: stage, Decision: core.SecurityDecision{
			Action:   core.SecurityAllow,
			Reason:   "security_error_fail_open_input",
			Severity: core.SeverityLow,
			Tags:     []string{"engine_error"},
		}}
	case core.SecurityStageTool:
		return core.SecurityResult{Stage: stage, Decision: core.SecurityDecision{
			Action:   core.SecurityBlock,
			Reason:   "security_error_fail_closed_tool",
			Severity: core.SeverityHigh,
			Tags:     []string{"engine_error"},
		}}
	default:
		return core.SecurityResult{
			Stage: stage,
			Decision: core.SecurityDecision{
				Action:   core.SecuritySanitize,
				Reason:   "security_error_sanitize_output",
				Severity: core.SeverityHigh,
				Tags:     []string{"engine_error"},
			},
			SanitizedText: e.cfg.BlockUserMessage,
		}
	}
}

func (e *Engine) logDecision(result core.SecurityResult, logCtx map[string]any) {
	if result.Decision.Action == core.SecurityAllow {
		return
	}
	slog.Info("security decision",
		"stage", result.Stage,
		"action", result.Decision.Action,
		"severity", result.Decision.Severity,
		"reason", result.Decision.Reason,
		"tags", strings.Join(result.Decision.Tags, ","),
		"context", sanitizeLogContext(logCtx),
	)
}

// sanitizeLogContext redacts credential-shaped values before they reach log
// output. Keys matching a sensitive token redact wholesale; string values are
// scrubbed with the secret patterns and truncated.
func sanitizeLogContext(logCtx map[string]any) map[string]any {
	out := make(map[string]any, len(logCtx))
	for key, value := range logCtx {
		out[key] = sanitizeLogValue(value, key)
	}
	return out
}

func sanitizeLogValue(value any, parentKey string) any {
	lowered := strings.ToLower(parentKey)
	for _, token := range sensitiveContextKeys {
		if strings.Contains(lowered, token) {
			return "[REDACTED]"
		}
	}

	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = sanitizeLogValue(item, k)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = sanitizeLogValue(item, parentKey)
		}
		return out
	case string:
		return sanitizeLogString(v)
	case json.RawMessage:
		return sanitizeLogString(string(v))
	default:
		return value
	}
}

func sanitizeLogString(text string) string {
	sanitized := text
	for _, pattern := range outputSecretPatterns {
		sanitized = pattern.ReplaceAllString(sanitized, "[REDACTED]")
	}
	if len(sanitized) > maxLogValueChars {
		cut := maxLogValueChars
		for cut > 0 && !utf8.RuneStart(sanitized[cut]) {
			cut--
		}
		return sanitized[:cut] + "...(truncated)"
	}
	return sanitized
}
