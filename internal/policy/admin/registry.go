package admin

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Spec is static metadata for one policy subcommand.
type Spec struct {
	Name     string
	Mutating bool
	Risky    bool
}

// Registry is the canonical slash command parser and policy command
// metadata registry.
type Registry struct {
	specs   map[string]Spec
	aliases map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		specs: map[string]Spec{
			"help":           {Name: "help"},
			"list-groups":    {Name: "list-groups"},
			"allow-group":    {Name: "allow-group", Mutating: true},
			"block-group":    {Name: "block-group", Mutating: true},
			"set-when":       {Name: "set-when", Mutating: true},
			"set-persona":    {Name: "set-persona", Mutating: true},
			"clear-persona":  {Name: "clear-persona", Mutating: true},
			"block-sender":   {Name: "block-sender", Mutating: true},
			"unblock-sender": {Name: "unblock-sender", Mutating: true},
			"list-blocked":   {Name: "list-blocked"},
			"status-group":   {Name: "status-group"},
			"explain-group":  {Name: "explain-group"},
			"resolve-group":  {Name: "resolve-group"},
			"history":        {Name: "history"},
			"rollback":       {Name: "rollback", Mutating: true, Risky: true},
		},
		aliases: map[string]string{
			"groups":       "list-groups",
			"resume-group": "allow-group",
			"pause-group":  "block-group",
		},
	}
}

// ParseSlashCommand splits a raw "/policy ..." line into a Command.
// Tokens follow shell quoting rules so persona paths and group names
// with spaces survive.
func (r *Registry) ParseSlashCommand(raw string) (Command, error) {
	compact := strings.TrimSpace(raw)
	if !strings.HasPrefix(compact, "/") {
		return Command{}, errors.New("command must start with '/'")
	}

	body := strings.TrimSpace(compact[1:])
	if body == "" {
		return Command{}, errors.New("empty command")
	}

	tokens, err := splitTokens(body)
	if err != nil {
		return Command{}, fmt.Errorf("invalid command syntax: %w", err)
	}
	if len(tokens) == 0 {
		return Command{}, errors.New("empty command")
	}

	namespace := strings.ToLower(strings.TrimSpace(tokens[0]))
	if namespace == "" {
		return Command{}, errors.New("missing command namespace")
	}

	subcommand := "help"
	var argv []string
	if len(tokens) > 1 {
		subcommand = strings.ToLower(strings.TrimSpace(tokens[1]))
		if subcommand == "" {
			subcommand = "help"
		}
		argv = tokens[2:]
	}

	return Command{
		Namespace:  namespace,
		Subcommand: subcommand,
		Argv:       argv,
		Raw:        compact,
	}, nil
}

func (r *Registry) NormalizeSubcommand(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return "help"
	}
	if target, ok := r.aliases[key]; ok {
		return target
	}
	return key
}

func (r *Registry) Get(subcommand string) (Spec, bool) {
	spec, ok := r.specs[r.NormalizeSubcommand(subcommand)]
	return spec, ok
}

func (r *Registry) IsMutating(subcommand string) bool {
	spec, ok := r.Get(subcommand)
	return ok && spec.Mutating
}

func (r *Registry) IsRisky(subcommand string) bool {
	spec, ok := r.Get(subcommand)
	return ok && spec.Risky
}

// SplitOptions strips --dry-run and --confirm flags out of argv and
// folds them into the execution options.
func (r *Registry) SplitOptions(argv []string, base ExecOptions) ([]string, ExecOptions) {
	opts := base
	raw := make([]string, 0, len(argv))
	for _, token := range argv {
		switch strings.ToLower(strings.TrimSpace(token)) {
		case "--dry-run":
			opts.DryRun = true
		case "--confirm":
			opts.Confirm = true
		default:
			raw = append(raw, token)
		}
	}
	return raw, opts
}

func (r *Registry) UsageLines() []string {
	return []string{
		"Policy commands (owner DM only):",
		"/policy help",
		"/policy list-groups [query]",
		"/policy resolve-group <name_or_id>",
		"/policy status-group <chat_id@g.us>",
		"/policy explain-group <chat_id@g.us>",
		"/policy allow-group <chat_id@g.us> [--dry-run]",
		"/policy block-group <chat_id@g.us> [--dry-run]",
		"/policy set-when <chat_id@g.us> <all|mention_only|allowed_senders|owner_only|off> [--dry-run]",
		"/policy set-persona <chat_id@g.us> <persona_path> [--dry-run]",
		"/policy clear-persona <chat_id@g.us> [--dry-run]",
		"/policy block-sender <chat_id@g.us> <sender_id> [--dry-run]",
		"/policy unblock-sender <chat_id@g.us> <sender_id> [--dry-run]",
		"/policy list-blocked <chat_id@g.us>",
		"/policy history [limit]",
		"/policy rollback <change_id> [--confirm] [--dry-run]",
	}
}

// splitTokens is a small shell-style tokenizer: whitespace separates
// tokens, single quotes preserve everything, double quotes allow
// backslash escapes.
func splitTokens(s string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	var quote rune
	inToken := false
	escaped := false

	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case quote == '\'':
			if r == '\'' {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case quote == '"':
			switch r {
			case '"':
				quote = 0
			case '\\':
				escaped = true
			default:
				cur.WriteRune(r)
			}
		case r == '\\':
			escaped = true
			inToken = true
		case r == '\'' || r == '"':
			quote = r
			inToken = true
		case unicode.IsSpace(r):
			if inToken {
				tokens = append(tokens, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			cur.WriteRune(r)
			inToken = true
		}
	}

	if escaped {
		return nil, errors.New("trailing escape character")
	}
	if quote != 0 {
		return nil, errors.New("no closing quotation")
	}
	if inToken {
		tokens = append(tokens, cur.String())
	}
	return tokens, nil
}
