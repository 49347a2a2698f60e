package admin

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quietloop/steward/internal/policy"
)

// SubjectResolver fetches group subjects from the bridge for a set of
// chat ids. Implementations must tolerate partial results.
type SubjectResolver func(ids []string) map[string]string

// Options configures a Service.
type Options struct {
	PolicyPath    string
	Workspace     string
	KnownTools    []string
	ApplyChannels []string

	// OnApplied runs after a successful save, normally the watcher's
	// Apply so the running engine picks up the change immediately.
	OnApplied func(*policy.Document) error

	// SubjectResolver supplies live group subjects for discovery. Nil
	// disables the bridge source.
	SubjectResolver SubjectResolver
}

// Service executes policy admin commands against policy.json with
// guardrails: owner gating, rate limiting, validation, backups and an
// append-only audit trail.
type Service struct {
	policyPath    string
	workspace     string
	knownTools    []string
	applyChannels []string
	onApplied     func(*policy.Document) error
	registry      *Registry
	audit         *Store
	subjects      SubjectResolver

	mu           sync.Mutex
	subjectCache map[string]string
	rateWindows  map[string][]time.Time
}

func NewService(opts Options) *Service {
	return &Service{
		policyPath:    opts.PolicyPath,
		workspace:     opts.Workspace,
		knownTools:    slices.Clone(opts.KnownTools),
		applyChannels: slices.Clone(opts.ApplyChannels),
		onApplied:     opts.OnApplied,
		registry:      NewRegistry(),
		audit:         NewStore(opts.PolicyPath),
		subjects:      opts.SubjectResolver,
		subjectCache:  make(map[string]string),
		rateWindows:   make(map[string][]time.Time),
	}
}

func (s *Service) Registry() *Registry { return s.registry }

func (s *Service) Audit() *Store { return s.audit }

func (s *Service) Usage() string {
	return strings.Join(s.registry.UsageLines(), "\n")
}

// ExecuteText parses and executes one raw slash command line.
func (s *Service) ExecuteText(raw string, actor ActorContext, opts ExecOptions) Result {
	cmd, err := s.registry.ParseSlashCommand(raw)
	if err != nil {
		return invalidResult(actor, "", fmt.Sprintf("Invalid command: %v", err), false)
	}
	return s.Execute(cmd, actor, opts)
}

// Execute runs one parsed command through the guardrails and its
// handler.
func (s *Service) Execute(cmd Command, actor ActorContext, opts ExecOptions) Result {
	if strings.ToLower(strings.TrimSpace(cmd.Namespace)) != "policy" {
		r := invalidResult(actor, cmd.Subcommand, fmt.Sprintf("Unknown command '/%s'. Try /policy help.", cmd.Namespace), opts.DryRun)
		r.UnknownCommand = true
		return r
	}

	subcommand := s.registry.NormalizeSubcommand(cmd.Subcommand)
	argv, opts := s.registry.SplitOptions(cmd.Argv, opts)
	spec, ok := s.registry.Get(subcommand)
	if !ok {
		r := invalidResult(actor, subcommand, fmt.Sprintf("Unknown command '/policy %s'. Try /policy help.", subcommand), opts.DryRun)
		r.UnknownCommand = true
		return r
	}

	if actor.Source == SourceDM && !actor.IsOwner {
		r := invalidResult(actor, subcommand, "Policy command denied.", opts.DryRun)
		r.Outcome = OutcomeDenied
		return r
	}

	doc, err := policy.Load(s.policyPath)
	if err != nil {
		return errorResult(actor, subcommand, fmt.Sprintf("Failed to load policy: %v", err), opts.DryRun)
	}

	if msg := s.rateLimitMessage(actor, doc); msg != "" {
		r := invalidResult(actor, subcommand, msg, opts.DryRun)
		r.Outcome = OutcomeDenied
		return r
	}

	if spec.Risky && doc.Runtime.AdminRequireConfirmForRisky && !opts.Confirm {
		return invalidResult(actor, subcommand, "Risky command requires --confirm (runtime.adminRequireConfirmForRisky=true).", opts.DryRun)
	}

	switch subcommand {
	case "help":
		return s.handleHelp(actor)
	case "list-groups":
		return s.handleListGroups(doc, actor, argv)
	case "resolve-group":
		return s.handleResolveGroup(doc, actor, argv)
	case "status-group":
		return s.handleStatusGroup(doc, actor, argv)
	case "explain-group":
		return s.handleExplainGroup(doc, actor, argv)
	case "allow-group":
		return s.handleAllowGroup(doc, actor, argv, opts, cmd.Raw)
	case "block-group":
		return s.handleBlockGroup(doc, actor, argv, opts, cmd.Raw)
	case "set-when":
		return s.handleSetWhen(doc, actor, argv, opts, cmd.Raw)
	case "set-persona":
		return s.handleSetPersona(doc, actor, argv, opts, cmd.Raw)
	case "clear-persona":
		return s.handleClearPersona(doc, actor, argv, opts, cmd.Raw)
	case "block-sender":
		return s.handleBlockSender(doc, actor, argv, opts, cmd.Raw)
	case "unblock-sender":
		return s.handleUnblockSender(doc, actor, argv, opts, cmd.Raw)
	case "list-blocked":
		return s.handleListBlocked(doc, actor, argv)
	case "history":
		return s.handleHistory(actor, argv)
	case "rollback":
		return s.handleRollback(doc, actor, argv, opts, cmd.Raw)
	default:
		r := invalidResult(actor, subcommand, fmt.Sprintf("Unknown command '/policy %s'. Try /policy help.", subcommand), opts.DryRun)
		r.UnknownCommand = true
		return r
	}
}

// rateLimitMessage applies the per-sender sliding window for DM actors.
// CLI invocations are never limited.
func (s *Service) rateLimitMessage(actor ActorContext, doc *policy.Document) string {
	if actor.Source != SourceDM {
		return ""
	}
	limit := doc.Runtime.AdminCommandRateLimitPerMinute
	key := actor.Source + ":" + rateKey(actor.SenderID)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	window := s.rateWindows[key]
	for len(window) > 0 && now.Sub(window[0]) >= time.Minute {
		window = window[1:]
	}
	if len(window) >= limit {
		s.rateWindows[key] = window
		return fmt.Sprintf("Policy command rate limit exceeded (%d/minute). Try again shortly.", limit)
	}
	s.rateWindows[key] = append(window, now)
	return ""
}

func rateKey(senderID string) string {
	if key := policy.NormalizeToken(senderID); key != "" {
		return key
	}
	return senderID
}

func (s *Service) validatePolicy(doc *policy.Document) error {
	engine := policy.NewEngine(doc, s.workspace, s.applyChannels)
	return engine.Validate(s.knownTools)
}

type commitParams struct {
	before      *policy.Document
	after       *policy.Document
	actor       ActorContext
	commandName string
	commandRaw  string
	dryRun      bool
	isRollback  bool
	auditNote   string
}

// commitPolicy runs the mutation pipeline: hash compare, dry-run gate,
// validation, backup, save, reload callback and audit append. Audit
// failures do not undo the applied change.
func (s *Service) commitPolicy(p commitParams) Result {
	base := Result{
		CommandName: p.commandName,
		Source:      p.actor.Source,
		DryRun:      p.dryRun,
		IsRollback:  p.isRollback,
	}

	beforeHash, err := policy.Hash(p.before)
	if err != nil {
		base.Outcome = OutcomeError
		base.Message = fmt.Sprintf("Failed to apply policy change: %v", err)
		return base
	}
	afterHash, err := policy.Hash(p.after)
	if err != nil {
		base.Outcome = OutcomeError
		base.Message = fmt.Sprintf("Failed to apply policy change: %v", err)
		return base
	}
	base.BeforeHash = beforeHash
	base.AfterHash = afterHash

	if beforeHash == afterHash {
		base.Outcome = OutcomeNoop
		base.Message = "No policy changes required."
		return base
	}

	if p.dryRun {
		base.Outcome = OutcomeApplied
		base.Message = fmt.Sprintf("Dry-run: changes validated for %s.", p.commandName)
		base.Mutated = true
		return base
	}

	if err := s.validatePolicy(p.after); err != nil {
		base.Outcome = OutcomeError
		base.Message = fmt.Sprintf("Failed to apply policy change: %v", err)
		return base
	}

	id := uuid.New()
	changeID := hex.EncodeToString(id[:])

	backupRef, err := s.audit.WriteBackup(changeID, p.before)
	if err != nil {
		base.Outcome = OutcomeError
		base.Message = fmt.Sprintf("Failed to write policy backup: %v", err)
		return base
	}

	if err := s.savePolicy(p.after); err != nil {
		base.Outcome = OutcomeError
		base.Message = fmt.Sprintf("Failed to write policy: %v", err)
		base.BackupRef = backupRef
		base.AuditID = changeID
		return base
	}

	auditWriteFailed := false
	entry := Entry{
		ID:          changeID,
		Timestamp:   nowISO(),
		ActorSource: p.actor.Source,
		ActorID:     p.actor.SenderID,
		Channel:     p.actor.Channel,
		ChatID:      p.actor.ChatID,
		CommandRaw:  p.commandRaw,
		DryRun:      p.dryRun,
		Result:      "applied",
		BeforeHash:  beforeHash,
		AfterHash:   afterHash,
		BackupRef:   backupRef,
		Error:       p.auditNote,
	}
	if err := s.audit.Append(entry); err != nil {
		auditWriteFailed = true
		slog.Warn("policy audit write failed", "change_id", changeID, "error", err)
	}

	message := "Policy updated successfully."
	if auditWriteFailed {
		message += " Warning: audit write failed."
	}

	base.Outcome = OutcomeApplied
	base.Message = message
	base.Mutated = true
	base.BackupRef = backupRef
	base.AuditID = changeID
	base.AuditWriteFailed = auditWriteFailed
	return base
}

func (s *Service) savePolicy(doc *policy.Document) error {
	if err := policy.Save(s.policyPath, doc); err != nil {
		return err
	}
	if s.onApplied != nil {
		return s.onApplied(doc)
	}
	return nil
}

func invalidResult(actor ActorContext, commandName, message string, dryRun bool) Result {
	return Result{
		Outcome:     OutcomeInvalid,
		Message:     message,
		CommandName: commandName,
		Source:      actor.Source,
		DryRun:      dryRun,
	}
}

func noopResult(actor ActorContext, commandName, message string) Result {
	return Result{
		Outcome:     OutcomeNoop,
		Message:     message,
		CommandName: commandName,
		Source:      actor.Source,
	}
}

func errorResult(actor ActorContext, commandName, message string, dryRun bool) Result {
	return Result{
		Outcome:     OutcomeError,
		Message:     message,
		CommandName: commandName,
		Source:      actor.Source,
		DryRun:      dryRun,
	}
}

func parseGroupChatID(value string) (string, error) {
	chatID := strings.TrimSpace(value)
	if strings.Contains(chatID, " ") || !strings.HasSuffix(chatID, groupIDSuffix) {
		return "", fmt.Errorf("chat id must be a WhatsApp group id ending in @g.us")
	}
	return chatID, nil
}

func parseWhenMode(value string) (string, error) {
	mode := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(value)), "-", "_")
	switch mode {
	case "mention", "mentions", "mentiononly":
		mode = "mention_only"
	case "allowed":
		mode = "allowed_senders"
	case "owner":
		mode = "owner_only"
	}
	switch mode {
	case "all", "mention_only", "allowed_senders", "owner_only", "off":
		return mode, nil
	}
	return "", fmt.Errorf("mode must be one of: all, mention_only, allowed_senders, owner_only, off")
}

func senderKeys(senders []string) map[string]struct{} {
	keys := make(map[string]struct{}, len(senders))
	for _, value := range senders {
		if key := policy.NormalizeToken(value); key != "" {
			keys[key] = struct{}{}
		}
	}
	return keys
}

// whatsappChatOverride returns the chat override for chatID, creating
// an empty one inside doc when absent. The whatsapp channel section
// itself must already exist.
func whatsappChatOverride(doc *policy.Document, chatID string) (*policy.ChatPolicyOverride, error) {
	channel, ok := doc.Channels["whatsapp"]
	if !ok {
		return nil, fmt.Errorf("whatsapp channel is missing in policy")
	}
	if channel.Chats == nil {
		channel.Chats = make(map[string]*policy.ChatPolicyOverride)
		doc.Channels["whatsapp"] = channel
	}
	override := channel.Chats[chatID]
	if override == nil {
		override = &policy.ChatPolicyOverride{}
		channel.Chats[chatID] = override
	}
	return override, nil
}

// sourceLayer reports which merge layer last set a policy section for
// chatID: default, channel or chat.
func sourceLayer(doc *policy.Document, chatID string, isSet func(*policy.ChatPolicyOverride) bool) string {
	source := "default"
	wa, ok := doc.Channels["whatsapp"]
	if !ok {
		return source
	}
	if isSet(&wa.Default) {
		source = "channel"
	}
	if override := wa.Chats[chatID]; override != nil && isSet(override) {
		source = "chat"
	}
	return source
}

func strPtr(value string) *string { return &value }

func (s *Service) handleHelp(actor ActorContext) Result {
	return noopResult(actor, "help", s.Usage())
}

func (s *Service) handleListGroups(doc *policy.Document, actor ActorContext, argv []string) Result {
	if len(argv) > 1 {
		return invalidResult(actor, "list-groups", "Usage: /policy list-groups [query]", false)
	}

	query := ""
	if len(argv) == 1 {
		query = strings.ToLower(strings.TrimSpace(argv[0]))
	}

	records := s.discoverGroups(doc)
	if len(records) == 0 {
		return noopResult(actor, "list-groups", "No WhatsApp groups discovered yet.")
	}

	var rows []*groupRecord
	for _, rec := range records {
		if query != "" {
			tagsJoined := strings.ToLower(strings.Join(rec.Tags, " "))
			if !strings.Contains(strings.ToLower(rec.ChatID), query) &&
				!strings.Contains(strings.ToLower(rec.Comment), query) &&
				!strings.Contains(strings.ToLower(rec.Alias), query) &&
				!strings.Contains(tagsJoined, query) {
				continue
			}
		}
		rows = append(rows, rec)
	}
	if len(rows) == 0 {
		return noopResult(actor, "list-groups", fmt.Sprintf("No WhatsApp groups matched '%s'.", query))
	}

	slices.SortFunc(rows, func(a, b *groupRecord) int {
		rank := func(rec *groupRecord) int {
			if rec.InPolicy {
				return 0
			}
			return 1
		}
		if d := rank(a) - rank(b); d != 0 {
			return d
		}
		if a.SessionMtime != b.SessionMtime {
			if a.SessionMtime > b.SessionMtime {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ChatID, b.ChatID)
	})

	const maxRows = 40
	shown := rows
	if len(shown) > maxRows {
		shown = shown[:maxRows]
	}
	lines := []string{fmt.Sprintf("Known WhatsApp groups: %d (showing %d)", len(rows), len(shown))}
	for _, rec := range shown {
		var sources []string
		if rec.InPolicy {
			sources = append(sources, "policy")
		}
		if rec.SeenSession {
			sources = append(sources, "sessions")
		}
		if rec.SeenLog {
			sources = append(sources, "log")
		}
		if rec.SeenBridge {
			sources = append(sources, "bridge")
		}
		sourceText := "unknown"
		if len(sources) > 0 {
			sourceText = strings.Join(sources, "+")
		}
		tagsSuffix := ""
		if len(rec.Tags) > 0 {
			tagsSuffix = fmt.Sprintf(" | tags: %s", strings.Join(rec.Tags, ", "))
		}
		if rec.Comment != "" {
			lines = append(lines, fmt.Sprintf("- %s | %s | %s | %s%s", rec.Alias, rec.ChatID, sourceText, rec.Comment, tagsSuffix))
		} else {
			lines = append(lines, fmt.Sprintf("- %s | %s | %s%s", rec.Alias, rec.ChatID, sourceText, tagsSuffix))
		}
	}
	if len(rows) > maxRows {
		lines = append(lines, fmt.Sprintf("... and %d more", len(rows)-maxRows))
	}
	lines = append(lines, "Use: /policy resolve-group <name_or_id>")

	return noopResult(actor, "list-groups", strings.Join(lines, "\n"))
}

func (s *Service) handleResolveGroup(doc *policy.Document, actor ActorContext, argv []string) Result {
	if len(argv) != 1 || strings.TrimSpace(argv[0]) == "" {
		return invalidResult(actor, "resolve-group", "Usage: /policy resolve-group <name_or_id>", false)
	}

	query := strings.TrimSpace(argv[0])
	records := s.discoverGroups(doc)
	resolved, ambiguous := s.matchGroupQuery(query, records)
	if resolved != "" {
		rec := records[resolved]
		alias := ChatAlias(resolved)
		comment := ""
		var tags []string
		if rec != nil {
			alias = rec.Alias
			comment = strings.TrimSpace(rec.Comment)
			tags = rec.Tags
		}
		suffix := ""
		if comment != "" {
			suffix = " | " + comment
		}
		tagsSuffix := ""
		if len(tags) > 0 {
			tagsSuffix = fmt.Sprintf(" | tags: %s", strings.Join(tags, ", "))
		}
		return noopResult(actor, "resolve-group", fmt.Sprintf("Resolved '%s' -> %s (%s)%s%s", query, resolved, alias, suffix, tagsSuffix))
	}

	if len(ambiguous) > 0 {
		lines := []string{fmt.Sprintf("Ambiguous group reference '%s'. Matches:", query)}
		shown := ambiguous
		if len(shown) > 10 {
			shown = shown[:10]
		}
		for _, chatID := range shown {
			alias := ChatAlias(chatID)
			comment := ""
			if rec := records[chatID]; rec != nil {
				alias = rec.Alias
				comment = strings.TrimSpace(rec.Comment)
			}
			if comment != "" {
				lines = append(lines, fmt.Sprintf("- %s | %s | %s", alias, chatID, comment))
			} else {
				lines = append(lines, fmt.Sprintf("- %s | %s", alias, chatID))
			}
		}
		return invalidResult(actor, "resolve-group", strings.Join(lines, "\n"), false)
	}

	return invalidResult(actor, "resolve-group", fmt.Sprintf("No group matched '%s'. Try /policy list-groups.", query), false)
}

func (s *Service) handleStatusGroup(doc *policy.Document, actor ActorContext, argv []string) Result {
	if len(argv) != 1 {
		return invalidResult(actor, "status-group", "Usage: /policy status-group <chat_id@g.us>", false)
	}

	chatID, err := s.resolveExistingChat(doc, argv[0])
	if err != nil {
		return invalidResult(actor, "status-group", fmt.Sprintf("Invalid status-group arguments: %v", err), false)
	}

	engine := policy.NewEngine(doc, s.workspace, s.applyChannels)
	effective := engine.Resolve("whatsapp", chatID)

	whoSrc := sourceLayer(doc, chatID, func(o *policy.ChatPolicyOverride) bool { return o.WhoCanTalk != nil })
	whenSrc := sourceLayer(doc, chatID, func(o *policy.ChatPolicyOverride) bool { return o.WhenToReply != nil })
	blockedSrc := sourceLayer(doc, chatID, func(o *policy.ChatPolicyOverride) bool { return o.BlockedSenders != nil })
	toolsSrc := sourceLayer(doc, chatID, func(o *policy.ChatPolicyOverride) bool { return o.AllowedTools != nil })
	personaSrc := sourceLayer(doc, chatID, func(o *policy.ChatPolicyOverride) bool { return o.PersonaFile != nil })

	persona := effective.PersonaFile
	if persona == "" {
		persona = "-"
	}
	lines := []string{
		chatID,
		fmt.Sprintf("whoCanTalk=%s (source=%s)", effective.WhoCanTalk.Mode, whoSrc),
		fmt.Sprintf("whenToReply=%s (source=%s)", effective.WhenToReply.Mode, whenSrc),
		fmt.Sprintf("blockedSenders=%s (source=%s)", strings.Join(effective.BlockedSenders.Senders, ","), blockedSrc),
		fmt.Sprintf("personaFile=%s (source=%s)", persona, personaSrc),
		fmt.Sprintf("allowedTools.mode=%s (source=%s)", effective.AllowedTools.Mode, toolsSrc),
		fmt.Sprintf("allowedTools.tools=%s", strings.Join(effective.AllowedTools.Tools, ",")),
		fmt.Sprintf("allowedTools.deny=%s", strings.Join(effective.AllowedTools.Deny, ",")),
	}
	return noopResult(actor, "status-group", strings.Join(lines, "\n"))
}

func (s *Service) handleExplainGroup(doc *policy.Document, actor ActorContext, argv []string) Result {
	if len(argv) != 1 {
		return invalidResult(actor, "explain-group", "Usage: /policy explain-group <chat_id@g.us>", false)
	}

	chatID, err := s.resolveExistingChat(doc, argv[0])
	if err != nil {
		return invalidResult(actor, "explain-group", fmt.Sprintf("Invalid explain-group arguments: %v", err), false)
	}

	engine := policy.NewEngine(doc, s.workspace, s.applyChannels)
	effective := engine.Resolve("whatsapp", chatID)

	persona := effective.PersonaFile
	if persona == "" {
		persona = "-"
	}
	lines := []string{
		fmt.Sprintf("Group explain: %s", chatID),
		"merge_trace=defaults -> channels.whatsapp.default -> channels.whatsapp.chats.<chat_id>",
		fmt.Sprintf("whoCanTalk.source=%s", sourceLayer(doc, chatID, func(o *policy.ChatPolicyOverride) bool { return o.WhoCanTalk != nil })),
		fmt.Sprintf("whenToReply.source=%s", sourceLayer(doc, chatID, func(o *policy.ChatPolicyOverride) bool { return o.WhenToReply != nil })),
		fmt.Sprintf("blockedSenders.source=%s", sourceLayer(doc, chatID, func(o *policy.ChatPolicyOverride) bool { return o.BlockedSenders != nil })),
		fmt.Sprintf("allowedTools.source=%s", sourceLayer(doc, chatID, func(o *policy.ChatPolicyOverride) bool { return o.AllowedTools != nil })),
		fmt.Sprintf("personaFile.source=%s", sourceLayer(doc, chatID, func(o *policy.ChatPolicyOverride) bool { return o.PersonaFile != nil })),
		fmt.Sprintf("effective.whoCanTalk=%s", effective.WhoCanTalk.Mode),
		fmt.Sprintf("effective.whenToReply=%s", effective.WhenToReply.Mode),
		fmt.Sprintf("effective.blockedSenders=%s", strings.Join(effective.BlockedSenders.Senders, ",")),
		fmt.Sprintf("effective.personaFile=%s", persona),
		fmt.Sprintf("effective.allowedTools.mode=%s", effective.AllowedTools.Mode),
		fmt.Sprintf("effective.allowedTools.tools=%s", strings.Join(effective.AllowedTools.Tools, ",")),
		fmt.Sprintf("effective.allowedTools.deny=%s", strings.Join(effective.AllowedTools.Deny, ",")),
	}
	return noopResult(actor, "explain-group", strings.Join(lines, "\n"))
}

func (s *Service) handleAllowGroup(doc *policy.Document, actor ActorContext, argv []string, opts ExecOptions, raw string) Result {
	if len(argv) != 1 {
		return invalidResult(actor, "allow-group", "Usage: /policy allow-group <chat_id@g.us>", opts.DryRun)
	}
	chatID, err := parseGroupChatID(argv[0])
	if err != nil {
		return invalidResult(actor, "allow-group", fmt.Sprintf("Invalid allow-group arguments: %v", err), opts.DryRun)
	}

	after, err := policy.Clone(doc)
	if err != nil {
		return errorResult(actor, "allow-group", fmt.Sprintf("Failed to apply policy change: %v", err), opts.DryRun)
	}
	override, err := whatsappChatOverride(after, chatID)
	if err != nil {
		return errorResult(actor, "allow-group", fmt.Sprintf("Failed to apply policy change: %v", err), opts.DryRun)
	}
	override.WhoCanTalk = &policy.WhoCanTalkOverride{Mode: strPtr(policy.WhoEveryone), Senders: []string{}}

	result := s.commitPolicy(commitParams{
		before:      doc,
		after:       after,
		actor:       actor,
		commandName: "allow-group",
		commandRaw:  raw,
		dryRun:      opts.DryRun,
	})
	if result.Outcome == OutcomeApplied && !result.DryRun {
		result.Message = fmt.Sprintf("Policy updated for %s: whoCanTalk=everyone.", chatID)
	}
	return result
}

func (s *Service) handleBlockGroup(doc *policy.Document, actor ActorContext, argv []string, opts ExecOptions, raw string) Result {
	if len(argv) != 1 {
		return invalidResult(actor, "block-group", "Usage: /policy block-group <chat_id@g.us>", opts.DryRun)
	}
	chatID, err := parseGroupChatID(argv[0])
	if err != nil {
		return invalidResult(actor, "block-group", fmt.Sprintf("Invalid block-group arguments: %v", err), opts.DryRun)
	}

	ownerSenders := slices.Clone(doc.Owners["whatsapp"])
	if len(ownerSenders) == 0 {
		return invalidResult(actor, "block-group", "Cannot block group: owners.whatsapp is empty in policy.", opts.DryRun)
	}

	after, err := policy.Clone(doc)
	if err != nil {
		return errorResult(actor, "block-group", fmt.Sprintf("Failed to apply policy change: %v", err), opts.DryRun)
	}
	override, err := whatsappChatOverride(after, chatID)
	if err != nil {
		return errorResult(actor, "block-group", fmt.Sprintf("Failed to apply policy change: %v", err), opts.DryRun)
	}
	override.WhoCanTalk = &policy.WhoCanTalkOverride{Mode: strPtr(policy.WhoAllowlist), Senders: ownerSenders}

	result := s.commitPolicy(commitParams{
		before:      doc,
		after:       after,
		actor:       actor,
		commandName: "block-group",
		commandRaw:  raw,
		dryRun:      opts.DryRun,
	})
	if result.Outcome == OutcomeApplied && !result.DryRun {
		result.Message = fmt.Sprintf("Policy updated for %s: whoCanTalk=allowlist (owners only).", chatID)
	}
	return result
}

func (s *Service) handleSetWhen(doc *policy.Document, actor ActorContext, argv []string, opts ExecOptions, raw string) Result {
	if len(argv) != 2 {
		return invalidResult(actor, "set-when", "Usage: /policy set-when <chat_id@g.us> <all|mention_only|allowed_senders|owner_only|off>", opts.DryRun)
	}
	chatID, err := parseGroupChatID(argv[0])
	if err != nil {
		return invalidResult(actor, "set-when", fmt.Sprintf("Invalid set-when arguments: %v", err), opts.DryRun)
	}
	mode, err := parseWhenMode(argv[1])
	if err != nil {
		return invalidResult(actor, "set-when", fmt.Sprintf("Invalid set-when arguments: %v", err), opts.DryRun)
	}

	after, err := policy.Clone(doc)
	if err != nil {
		return errorResult(actor, "set-when", fmt.Sprintf("Failed to apply policy change: %v", err), opts.DryRun)
	}
	override, err := whatsappChatOverride(after, chatID)
	if err != nil {
		return errorResult(actor, "set-when", fmt.Sprintf("Failed to apply policy change: %v", err), opts.DryRun)
	}
	override.WhenToReply = &policy.WhenToReplyOverride{Mode: strPtr(mode), Senders: []string{}}

	result := s.commitPolicy(commitParams{
		before:      doc,
		after:       after,
		actor:       actor,
		commandName: "set-when",
		commandRaw:  raw,
		dryRun:      opts.DryRun,
	})
	if result.Outcome == OutcomeApplied && !result.DryRun {
		result.Message = fmt.Sprintf("Policy updated for %s: whenToReply=%s.", chatID, mode)
	}
	return result
}

func (s *Service) handleSetPersona(doc *policy.Document, actor ActorContext, argv []string, opts ExecOptions, raw string) Result {
	if len(argv) != 2 {
		return invalidResult(actor, "set-persona", "Usage: /policy set-persona <chat_id@g.us> <persona_path>", opts.DryRun)
	}
	chatID, err := parseGroupChatID(argv[0])
	if err != nil {
		return invalidResult(actor, "set-persona", fmt.Sprintf("Invalid set-persona arguments: %v", err), opts.DryRun)
	}
	personaPath := strings.TrimSpace(argv[1])
	if personaPath == "" {
		return invalidResult(actor, "set-persona", "Invalid set-persona arguments: persona_path cannot be empty", opts.DryRun)
	}

	after, err := policy.Clone(doc)
	if err != nil {
		return errorResult(actor, "set-persona", fmt.Sprintf("Failed to apply policy change: %v", err), opts.DryRun)
	}
	override, err := whatsappChatOverride(after, chatID)
	if err != nil {
		return errorResult(actor, "set-persona", fmt.Sprintf("Failed to apply policy change: %v", err), opts.DryRun)
	}
	override.PersonaFile = strPtr(personaPath)

	result := s.commitPolicy(commitParams{
		before:      doc,
		after:       after,
		actor:       actor,
		commandName: "set-persona",
		commandRaw:  raw,
		dryRun:      opts.DryRun,
	})
	if result.Outcome == OutcomeApplied && !result.DryRun {
		result.Message = fmt.Sprintf("Policy updated for %s: personaFile=%s.", chatID, personaPath)
	}
	return result
}

func (s *Service) handleClearPersona(doc *policy.Document, actor ActorContext, argv []string, opts ExecOptions, raw string) Result {
	if len(argv) != 1 {
		return invalidResult(actor, "clear-persona", "Usage: /policy clear-persona <chat_id@g.us>", opts.DryRun)
	}
	chatID, err := parseGroupChatID(argv[0])
	if err != nil {
		return invalidResult(actor, "clear-persona", fmt.Sprintf("Invalid clear-persona arguments: %v", err), opts.DryRun)
	}

	after, err := policy.Clone(doc)
	if err != nil {
		return errorResult(actor, "clear-persona", fmt.Sprintf("Failed to apply policy change: %v", err), opts.DryRun)
	}
	override, err := whatsappChatOverride(after, chatID)
	if err != nil {
		return errorResult(actor, "clear-persona", fmt.Sprintf("Failed to apply policy change: %v", err), opts.DryRun)
	}
	override.PersonaFile = nil

	result := s.commitPolicy(commitParams{
		before:      doc,
		after:       after,
		actor:       actor,
		commandName: "clear-persona",
		commandRaw:  raw,
		dryRun:      opts.DryRun,
	})
	if result.Outcome == OutcomeApplied && !result.DryRun {
		result.Message = fmt.Sprintf("Policy updated for %s: personaFile cleared (inherits channel/default policy).", chatID)
	}
	return result
}

func (s *Service) handleBlockSender(doc *policy.Document, actor ActorContext, argv []string, opts ExecOptions, raw string) Result {
	if len(argv) != 2 {
		return invalidResult(actor, "block-sender", "Usage: /policy block-sender <chat_id@g.us> <sender_id>", opts.DryRun)
	}
	chatID, err := parseGroupChatID(argv[0])
	if err != nil {
		return invalidResult(actor, "block-sender", fmt.Sprintf("Invalid block-sender arguments: %v", err), opts.DryRun)
	}
	sender := strings.TrimSpace(argv[1])
	senderKey := policy.NormalizeToken(sender)
	if senderKey == "" {
		return invalidResult(actor, "block-sender", "Invalid block-sender arguments: sender_id cannot be empty", opts.DryRun)
	}

	after, err := policy.Clone(doc)
	if err != nil {
		return errorResult(actor, "block-sender", fmt.Sprintf("Failed to apply policy change: %v", err), opts.DryRun)
	}
	override, err := whatsappChatOverride(after, chatID)
	if err != nil {
		return errorResult(actor, "block-sender", fmt.Sprintf("Failed to apply policy change: %v", err), opts.DryRun)
	}
	current := []string{}
	if override.BlockedSenders != nil {
		current = slices.Clone(override.BlockedSenders.Senders)
	}
	if _, blocked := senderKeys(current)[senderKey]; !blocked {
		current = append(current, sender)
	}
	override.BlockedSenders = &policy.BlockedSendersOverride{Senders: current}

	result := s.commitPolicy(commitParams{
		before:      doc,
		after:       after,
		actor:       actor,
		commandName: "block-sender",
		commandRaw:  raw,
		dryRun:      opts.DryRun,
	})
	if result.Outcome == OutcomeApplied && !result.DryRun {
		result.Message = fmt.Sprintf("Policy updated for %s: blocked sender %s.", chatID, sender)
	}
	return result
}

func (s *Service) handleUnblockSender(doc *policy.Document, actor ActorContext, argv []string, opts ExecOptions, raw string) Result {
	if len(argv) != 2 {
		return invalidResult(actor, "unblock-sender", "Usage: /policy unblock-sender <chat_id@g.us> <sender_id>", opts.DryRun)
	}
	chatID, err := parseGroupChatID(argv[0])
	if err != nil {
		return invalidResult(actor, "unblock-sender", fmt.Sprintf("Invalid unblock-sender arguments: %v", err), opts.DryRun)
	}
	sender := strings.TrimSpace(argv[1])
	senderKey := policy.NormalizeToken(sender)
	if senderKey == "" {
		return invalidResult(actor, "unblock-sender", "Invalid unblock-sender arguments: sender_id cannot be empty", opts.DryRun)
	}

	after, err := policy.Clone(doc)
	if err != nil {
		return errorResult(actor, "unblock-sender", fmt.Sprintf("Failed to apply policy change: %v", err), opts.DryRun)
	}
	override, err := whatsappChatOverride(after, chatID)
	if err != nil {
		return errorResult(actor, "unblock-sender", fmt.Sprintf("Failed to apply policy change: %v", err), opts.DryRun)
	}
	var current []string
	if override.BlockedSenders != nil {
		current = override.BlockedSenders.Senders
	}
	updated := make([]string, 0, len(current))
	for _, value := range current {
		if policy.NormalizeToken(value) != senderKey {
			updated = append(updated, value)
		}
	}
	override.BlockedSenders = &policy.BlockedSendersOverride{Senders: updated}

	result := s.commitPolicy(commitParams{
		before:      doc,
		after:       after,
		actor:       actor,
		commandName: "unblock-sender",
		commandRaw:  raw,
		dryRun:      opts.DryRun,
	})
	if result.Outcome == OutcomeApplied && !result.DryRun {
		result.Message = fmt.Sprintf("Policy updated for %s: unblocked sender %s.", chatID, sender)
	}
	return result
}

func (s *Service) handleListBlocked(doc *policy.Document, actor ActorContext, argv []string) Result {
	if len(argv) != 1 {
		return invalidResult(actor, "list-blocked", "Usage: /policy list-blocked <chat_id@g.us>", false)
	}
	chatID, err := parseGroupChatID(argv[0])
	if err != nil {
		return invalidResult(actor, "list-blocked", fmt.Sprintf("Invalid list-blocked arguments: %v", err), false)
	}

	var values []string
	if wa, ok := doc.Channels["whatsapp"]; ok {
		if override := wa.Chats[chatID]; override != nil && override.BlockedSenders != nil {
			values = override.BlockedSenders.Senders
		}
	}

	if len(values) == 0 {
		return noopResult(actor, "list-blocked", fmt.Sprintf("%s: blockedSenders is empty.", chatID))
	}
	lines := []string{fmt.Sprintf("%s: blockedSenders (%d)", chatID, len(values))}
	for _, value := range values {
		lines = append(lines, "- "+value)
	}
	return noopResult(actor, "list-blocked", strings.Join(lines, "\n"))
}

func (s *Service) handleHistory(actor ActorContext, argv []string) Result {
	limit := 10
	if len(argv) > 1 {
		return invalidResult(actor, "history", "Usage: /policy history [limit]", false)
	}
	if len(argv) == 1 {
		parsed, err := strconv.Atoi(strings.TrimSpace(argv[0]))
		if err != nil {
			return invalidResult(actor, "history", "Usage: /policy history [limit]", false)
		}
		limit = min(100, max(1, parsed))
	}

	rows := s.audit.ReadRecent(limit)
	if len(rows) == 0 {
		return noopResult(actor, "history", "Policy history is empty.")
	}

	lines := []string{fmt.Sprintf("Policy history: %d (latest first)", len(rows))}
	for _, row := range rows {
		command := strings.TrimSpace(row.CommandRaw)
		if command == "" {
			command = "(unknown command)"
		}
		if runes := []rune(command); len(runes) > 80 {
			command = string(runes[:77]) + "..."
		}
		lines = append(lines, fmt.Sprintf("- %s | %s | %s | %s", row.ID, row.Timestamp, row.Result, command))
	}
	lines = append(lines, "Use: /policy rollback <change_id> [--confirm]")

	return noopResult(actor, "history", strings.Join(lines, "\n"))
}

func (s *Service) handleRollback(doc *policy.Document, actor ActorContext, argv []string, opts ExecOptions, raw string) Result {
	usage := func() Result {
		r := invalidResult(actor, "rollback", "Usage: /policy rollback <change_id> [--confirm] [--dry-run]", opts.DryRun)
		r.IsRollback = true
		return r
	}
	if len(argv) != 1 {
		return usage()
	}
	targetID := strings.TrimSpace(argv[0])
	if targetID == "" {
		return usage()
	}

	target := s.audit.Find(targetID)
	if target == nil {
		r := invalidResult(actor, "rollback", fmt.Sprintf("Unknown change id: %s", targetID), opts.DryRun)
		r.IsRollback = true
		return r
	}
	if strings.TrimSpace(target.BackupRef) == "" {
		r := invalidResult(actor, "rollback", fmt.Sprintf("Change %s has no rollback snapshot.", targetID), opts.DryRun)
		r.IsRollback = true
		return r
	}

	restored, err := s.audit.LoadBackup(target.BackupRef)
	if err != nil {
		r := errorResult(actor, "rollback", fmt.Sprintf("Failed to load rollback snapshot: %v", err), opts.DryRun)
		r.IsRollback = true
		return r
	}

	result := s.commitPolicy(commitParams{
		before:      doc,
		after:       restored,
		actor:       actor,
		commandName: "rollback",
		commandRaw:  raw,
		dryRun:      opts.DryRun,
		isRollback:  true,
		auditNote:   "rollback_target=" + targetID,
	})
	if result.Outcome == OutcomeApplied && !result.DryRun {
		result.Message = fmt.Sprintf("Rollback applied from change %s.", targetID)
	}
	return result
}
