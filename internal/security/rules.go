package security

import (
	"encoding/json"
	"regexp"
	"slices"
	"strings"

	"github.com/quietloop/steward/internal/core"
)

// ruleHit is one matched rule inside the input stage.
type ruleHit struct {
	tag      string
	severity string
	reason   string
}

func compileAll(exprs ...string) []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, len(exprs))
	for i, expr := range exprs {
		patterns[i] = regexp.MustCompile(expr)
	}
	return patterns
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

var inputOverridePatterns = compileAll(
	`(?i)\b(ignore|forget|disregard)\b.{0,30}\b(instruction|system|rule)s?\b`,
	`(?i)\b(jailbreak|dan mode|developer mode)\b`,
)

var inputExfilPatterns = compileAll(
	`(?i)\b(api\s*key|token|secret|credential)s?\b.{0,40}\b(show|print|dump|reveal|leak|export)\b`,
	`(?i)\b(cat|read|print)\b.{0,20}\b(\.env|id_rsa|authorized_keys|/etc/passwd|/etc/shadow)\b`,
)

var inputToolAbusePatterns = compileAll(
	`(?i)\b(always\s+allow|auto\s*approve|skip\s+approval|no\s+approval)\b`,
	`(?i)\b(curl|wget)\b.{0,20}\|\s*(bash|sh)\b`,
)

var inputWarnPatterns = compileAll(
	`(?i)\b(bypass|override)\b.{0,20}\b(safety|security|guardrail)s?\b`,
)

// Persona manipulation: attempts to change how the assistant addresses
// people or who it treats as its owner. Mixed German/English/Chinese because
// that is what actually arrives. The CJK literal carries no \b anchors since
// RE2 word boundaries are ASCII-only.
var personaManipulationPatterns = compileAll(
	`(?i)\b(anrede|addressierung|titel|nickname)\b`,
	`称呼`,
	`(?i)(nenn|sag|addressier|call me|称呼).{0,20}(mich|me|dir)\b`,
	`(?i)bitte.{0,30}(änder|change|änderung|addressier)\b`,
	`(?i)(daddy|sturmbann|oberst|herr|führer|chef|boss)\b`,
	`(?i)ich bin.{0,20}(dein|deine).{0,20}(owner|herr|chef)\b`,
	`(?i)\bnenn mich\b`,
	`(?i)\bsag zu mir\b`,
	`(?i)wie sollst du.{0,20}(mich|mir|dich){0,20}(nennen|addressieren|anreden)\b`,
)

// Workspace context files the assistant must not name in replies.
var configFilePatterns = compileAll(
	`(?i)SOUL\.md`,
	`(?i)AGENTS\.md`,
	`(?i)USER\.md`,
	`(?i)IDENTITY\.md`,
	`(?i)TOOLS\.md`,
	`(?i)HEARTBEAT\.md`,
	`\.steward/`,
	`workspace/memory`,
	`(?i)workspace/personas`,
)

var sensitivePathPattern = regexp.MustCompile(
	`(?i)(\.env\b|id_rsa\b|id_ed25519\b|authorized_keys\b|/etc/passwd\b|/etc/shadow\b|\.ssh/|\.aws/)`,
)

var execBlockPatterns = compileAll(
	`(?i)\b(rm\s+-[rf]{1,2}\b|mkfs\b|format\b|dd\s+if=|: \(\)\s*\{)`,
	`(?i)\b(curl|wget)\b.{0,25}\|\s*(bash|sh)\b`,
	`(?i)\b(cat|print|grep)\b.{0,25}\b(\.env|id_rsa|authorized_keys|/etc/shadow)\b`,
)

var execWarnPatterns = compileAll(
	`(?i)\b(chmod\s+777|sudo\b|--privileged\b)\b`,
)

var spawnBlockPatterns = compileAll(
	`(?i)\b(ignore|override)\b.{0,40}\b(instruction|safety|guardrail)\b`,
	`(?i)\b(exfiltrate|steal|leak)\b`,
)

var outputSecretPatterns = compileAll(
	`sk-[a-zA-Z0-9]{20,}`,
	`sk-proj-[a-zA-Z0-9\-_]{20,}`,
	`AKIA[0-9A-Z]{16}`,
	`ghp_[a-zA-Z0-9]{20,}`,
	`bot\d{8,10}:[a-zA-Z0-9_-]{20,}`,
	`(?i)Bearer\s+[A-Za-z0-9\-._~+/]+=*`,
	`-----BEGIN (?:RSA |EC |OPENSSH )?PRIVATE KEY-----[\s\S]*?-----END (?:RSA |EC |OPENSSH )?PRIVATE KEY-----`,
)

// configFileReplacement substitutes workspace file references in output.
const configFileReplacement = "internal configuration"

func hitsForInput(text NormalizedText) []ruleHit {
	var hits []ruleHit
	if matchAny(inputOverridePatterns, text.Lowered) || matchAny(inputOverridePatterns, text.Compact) {
		hits = append(hits, ruleHit{
			tag:      "instruction_override",
			severity: core.SeverityHigh,
			reason:   "Instruction override/jailbreak pattern",
		})
	}
	if matchAny(inputExfilPatterns, text.Lowered) {
		hits = append(hits, ruleHit{
			tag:      "secret_exfiltration",
			severity: core.SeverityCritical,
			reason:   "Secret or credential exfiltration attempt",
		})
	}
	if matchAny(inputToolAbusePatterns, text.Lowered) {
		hits = append(hits, ruleHit{
			tag:      "tool_abuse",
			severity: core.SeverityHigh,
			reason:   "Tool approval bypass pattern",
		})
	}
	if matchAny(inputWarnPatterns, text.Lowered) {
		hits = append(hits, ruleHit{
			tag:      "safety_bypass_signal",
			severity: core.SeverityMedium,
			reason:   "Suspicious safety-bypass phrasing",
		})
	}
	if matchAny(personaManipulationPatterns, text.Lowered) {
		hits = append(hits, ruleHit{
			tag:      "persona_manipulation",
			severity: core.SeverityHigh,
			reason:   "Persona/address manipulation attempt detected",
		})
	}
	return hits
}

// decideInput evaluates the input rule families. The highest severity hit
// wins; on a tie the earlier family wins.
func decideInput(text NormalizedText) core.SecurityDecision {
	hits := hitsForInput(text)
	if len(hits) == 0 {
		return core.SecurityDecision{Action: core.SecurityAllow, Reason: "no_match", Severity: core.SeveritySafe}
	}

	top := hits[0]
	for _, h := range hits[1:] {
		if core.SeverityRank(h.severity) > core.SeverityRank(top.severity) {
			top = h
		}
	}
	tags := make([]string, 0, len(hits))
	for _, h := range hits {
		if !slices.Contains(tags, h.tag) {
			tags = append(tags, h.tag)
		}
	}
	slices.Sort(tags)

	action := core.SecurityWarn
	if top.severity == core.SeverityCritical || top.severity == core.SeverityHigh {
		action = core.SecurityBlock
	}
	return core.SecurityDecision{Action: action, Reason: top.reason, Severity: top.severity, Tags: tags}
}

// decideTool evaluates one tool call against cross-tool and per-tool rules.
// Arguments are matched in serialized form so path and command content is
// inspected regardless of which argument carries it.
func decideTool(toolName string, args map[string]any) (core.SecurityDecision, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return core.SecurityDecision{}, err
	}
	lowered := strings.ToLower(string(raw))

	if sensitivePathPattern.MatchString(lowered) {
		switch toolName {
		case "read_file", "write_file", "edit_file", "exec":
			return core.SecurityDecision{
				Action:   core.SecurityBlock,
				Reason:   "Sensitive path access blocked",
				Severity: core.SeverityCritical,
				Tags:     []string{"sensitive_path", toolName},
			}, nil
		}
	}

	if toolName == "exec" {
		if matchAny(execBlockPatterns, lowered) {
			return core.SecurityDecision{
				Action:   core.SecurityBlock,
				Reason:   "High-risk exec command blocked",
				Severity: core.SeverityCritical,
				Tags:     []string{"exec_high_risk"},
			}, nil
		}
		if matchAny(execWarnPatterns, lowered) {
			return core.SecurityDecision{
				Action:   core.SecurityWarn,
				Reason:   "Potentially risky exec command",
				Severity: core.SeverityMedium,
				Tags:     []string{"exec_warn"},
			}, nil
		}
	}

	if toolName == "spawn" && matchAny(spawnBlockPatterns, lowered) {
		return core.SecurityDecision{
			Action:   core.SecurityBlock,
			Reason:   "Unsafe subagent task request blocked",
			Severity: core.SeverityHigh,
			Tags:     []string{"spawn_abuse"},
		}, nil
	}

	if toolName == "write_file" || toolName == "edit_file" {
		content := strings.ToLower(firstStringArg(args, "content", "new_text"))
		if matchAny(inputExfilPatterns, content) {
			return core.SecurityDecision{
				Action:   core.SecurityWarn,
				Reason:   "Potential secret leakage pattern in file content",
				Severity: core.SeverityMedium,
				Tags:     []string{"file_secret_pattern"},
			}, nil
		}
	}

	return core.SecurityDecision{Action: core.SecurityAllow, Reason: "no_match", Severity: core.SeveritySafe}, nil
}

// decideOutput redacts secret formats and workspace file references from
// assistant output. Returns the sanitized text when anything was replaced.
func decideOutput(text, redactPlaceholder string) (core.SecurityDecision, string) {
	sanitized := text
	hitCount := 0

	for _, pattern := range outputSecretPatterns {
		next := pattern.ReplaceAllString(sanitized, redactPlaceholder)
		if next != sanitized {
			hitCount++
			sanitized = next
		}
	}

	for _, pattern := range configFilePatterns {
		if pattern.MatchString(sanitized) {
			sanitized = pattern.ReplaceAllString(sanitized, configFileReplacement)
			hitCount++
		}
	}

	if hitCount == 0 {
		return core.SecurityDecision{Action: core.SecurityAllow, Reason: "no_match", Severity: core.SeveritySafe}, ""
	}
	return core.SecurityDecision{
		Action:   core.SecuritySanitize,
		Reason:   "Sensitive token or config file pattern detected in output",
		Severity: core.SeverityHigh,
		Tags:     []string{"output_redaction", "config_exposure"},
	}, sanitized
}

func firstStringArg(args map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := args[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
