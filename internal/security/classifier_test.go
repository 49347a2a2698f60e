package security

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/quietloop/steward/internal/core"
)

func staticCompletion(response string, err error) CompletionFunc {
	return func(ctx context.Context, system, user string) (string, error) {
		return response, err
	}
}

func TestClassifyBlocksHighRisk(t *testing.T) {
	c := NewClassifier(staticCompletion(`{"risk": "high", "reason": "instruction override", "flags": ["override"]}`, nil))
	d := c.Classify(context.Background(), "some sneaky message")
	if d.Action != core.SecurityBlock {
		t.Fatalf("Action = %q, want block", d.Action)
	}
	if d.Severity != core.SeverityHigh {
		t.Errorf("Severity = %q, want high", d.Severity)
	}
	if d.Reason != "instruction override" {
		t.Errorf("Reason = %q", d.Reason)
	}
	want := []string{"llm_classifier", "override"}
	if len(d.Tags) != 2 || d.Tags[0] != want[0] || d.Tags[1] != want[1] {
		t.Errorf("Tags = %v, want %v", d.Tags, want)
	}
}

func TestClassifyWarnsOnMediumRisk(t *testing.T) {
	c := NewClassifier(staticCompletion(`{"risk": "medium", "reason": "ambiguous phrasing"}`, nil))
	d := c.Classify(context.Background(), "borderline message")
	if d.Action != core.SecurityWarn {
		t.Fatalf("Action = %q, want warn", d.Action)
	}
	if d.Severity != core.SeverityMedium {
		t.Errorf("Severity = %q, want medium", d.Severity)
	}
}

func TestClassifyAllowsLowRisk(t *testing.T) {
	c := NewClassifier(staticCompletion(`{"risk": "low", "reason": "normal chat"}`, nil))
	d := c.Classify(context.Background(), "hello there")
	if d.Action != core.SecurityAllow {
		t.Fatalf("Action = %q, want allow", d.Action)
	}
	if d.Reason != "classifier_low_risk" {
		t.Errorf("Reason = %q, want classifier_low_risk", d.Reason)
	}
}

func TestClassifyParsesFencedJSON(t *testing.T) {
	response := "Here is my verdict:\n```json\n{\"risk\": \"high\", \"reason\": \"jailbreak\"}\n```\n"
	c := NewClassifier(staticCompletion(response, nil))
	if d := c.Classify(context.Background(), "msg"); d.Action != core.SecurityBlock {
		t.Errorf("Action = %q, want block from fenced JSON", d.Action)
	}
}

func TestClassifyParsesBracedFragment(t *testing.T) {
	response := `Sure! The verdict is {"risk": "medium", "reason": "odd"} - regards`
	c := NewClassifier(staticCompletion(response, nil))
	if d := c.Classify(context.Background(), "msg"); d.Action != core.SecurityWarn {
		t.Errorf("Action = %q, want warn from braced fragment", d.Action)
	}
}

func TestClassifyAllowsOnNonJSON(t *testing.T) {
	c := NewClassifier(staticCompletion("this message looks fine to me", nil))
	d := c.Classify(context.Background(), "msg")
	if d.Action != core.SecurityAllow {
		t.Fatalf("Action = %q, want allow", d.Action)
	}
	if d.Reason != "classifier_parse_error" {
		t.Errorf("Reason = %q, want classifier_parse_error", d.Reason)
	}
}

func TestClassifyFailsOpenOnProviderError(t *testing.T) {
	c := NewClassifier(staticCompletion("", errors.New("connection refused")))
	d := c.Classify(context.Background(), "msg")
	if d.Action != core.SecurityAllow {
		t.Fatalf("Action = %q, want allow on provider error", d.Action)
	}
	if d.Reason != "classifier_error" {
		t.Errorf("Reason = %q, want classifier_error", d.Reason)
	}
}

func TestClassifyAllowsEmptyInputWithoutCalling(t *testing.T) {
	called := false
	c := NewClassifier(func(ctx context.Context, system, user string) (string, error) {
		called = true
		return "", nil
	})
	d := c.Classify(context.Background(), "   \n\t ")
	if d.Action != core.SecurityAllow || d.Reason != "empty_input" {
		t.Fatalf("decision = %+v, want allow empty_input", d)
	}
	if called {
		t.Error("completion called for empty input")
	}
}

func TestClassifyAllowsEmptyResponse(t *testing.T) {
	c := NewClassifier(staticCompletion("  \n", nil))
	d := c.Classify(context.Background(), "msg")
	if d.Reason != "classifier_empty_response" {
		t.Errorf("Reason = %q, want classifier_empty_response", d.Reason)
	}
}

func TestClassifyTruncatesAndCompactsInput(t *testing.T) {
	var prompt string
	c := NewClassifier(func(ctx context.Context, system, user string) (string, error) {
		prompt = user
		return `{"risk": "low"}`, nil
	})
	c.Classify(context.Background(), strings.Repeat("word\n \t", 600))
	if strings.ContainsAny(prompt, "\n\t") {
		t.Error("prompt still contains raw whitespace")
	}
	if n := len([]rune(prompt)); n > maxClassifierInputChars {
		t.Errorf("prompt length = %d runes, want at most %d", n, maxClassifierInputChars)
	}
}
