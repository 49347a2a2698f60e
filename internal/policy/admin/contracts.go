// Package admin executes policy admin commands against policy.json
// with guardrails. The same service backs the owner DM surface and the
// steward policy CLI.
package admin

// Actor sources.
const (
	SourceDM  = "dm"
	SourceCLI = "cli"
)

// Execution outcomes.
const (
	OutcomeApplied = "applied"
	OutcomeNoop    = "noop"
	OutcomeDenied  = "denied"
	OutcomeInvalid = "invalid"
	OutcomeError   = "error"
)

// ActorContext identifies the caller of a policy admin command.
type ActorContext struct {
	Source   string
	Channel  string
	ChatID   string
	SenderID string
	IsGroup  bool
	IsOwner  bool
}

// Command is a normalized policy command envelope.
type Command struct {
	Namespace  string
	Subcommand string
	Argv       []string
	Raw        string
}

// ExecOptions are execution options that affect side effects.
type ExecOptions struct {
	DryRun  bool
	Confirm bool
}

// Result reports one policy command execution.
type Result struct {
	Outcome          string
	Message          string
	Mutated          bool
	BeforeHash       string
	AfterHash        string
	AuditID          string
	BackupRef        string
	CommandName      string
	Source           string
	DryRun           bool
	UnknownCommand   bool
	AuditWriteFailed bool
	IsRollback       bool
	Meta             map[string]string
}
