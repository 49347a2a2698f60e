package admin

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/quietloop/steward/internal/policy"
)

// groupRecord aggregates everything known about one WhatsApp group
// across policy entries, session files, gateway logs and the bridge.
type groupRecord struct {
	ChatID       string
	Alias        string
	InPolicy     bool
	Comment      string
	Tags         []string
	SeenSession  bool
	SeenLog      bool
	SeenBridge   bool
	SessionMtime int64
}

const (
	groupIDSuffix   = "@g.us"
	sessionFileGlob = "whatsapp_*@g.us.jsonl"
)

var (
	logChatPattern = regexp.MustCompile(`chat=([0-9a-zA-Z-]+@g\.us)`)
	compactPattern = regexp.MustCompile(`[\W_]+`)
)

// ChatAlias derives the short stable alias shown next to a group id.
func ChatAlias(chatID string) string {
	digest := sha256.Sum256([]byte(chatID))
	return "g-" + hex.EncodeToString(digest[:])[:10]
}

// discoverGroups merges group knowledge from the policy document,
// inbound session files, the gateway log and cached bridge subjects.
func (s *Service) discoverGroups(doc *policy.Document) map[string]*groupRecord {
	records := make(map[string]*groupRecord)
	ensure := func(chatID string) *groupRecord {
		rec := records[chatID]
		if rec == nil {
			rec = &groupRecord{ChatID: chatID, Alias: ChatAlias(chatID)}
			records[chatID] = rec
		}
		return rec
	}

	if wa, ok := doc.Channels["whatsapp"]; ok {
		for chatID, override := range wa.Chats {
			if override == nil || !strings.HasSuffix(chatID, groupIDSuffix) {
				continue
			}
			rec := ensure(chatID)
			rec.InPolicy = true
			if comment := strings.TrimSpace(override.Comment); comment != "" {
				rec.Comment = comment
			}
			var tags []string
			for _, raw := range override.GroupTags {
				tag := strings.TrimSpace(raw)
				if tag != "" && !slices.Contains(tags, tag) {
					tags = append(tags, tag)
				}
			}
			if len(tags) > 0 {
				rec.Tags = tags
			}
		}
	}

	baseDir := filepath.Dir(s.policyPath)
	sessionsDir := filepath.Join(baseDir, "data", "inbound")
	matches, _ := filepath.Glob(filepath.Join(sessionsDir, sessionFileGlob))
	for _, path := range matches {
		name := filepath.Base(path)
		chatID := strings.TrimSuffix(strings.TrimPrefix(name, "whatsapp_"), ".jsonl")
		if !strings.HasSuffix(chatID, groupIDSuffix) {
			continue
		}
		rec := ensure(chatID)
		rec.SeenSession = true
		if info, err := os.Stat(path); err == nil {
			if mtime := info.ModTime().UnixNano(); mtime > rec.SessionMtime {
				rec.SessionMtime = mtime
			}
		}
	}

	logPath := filepath.Join(baseDir, "var", "logs", "gateway.log")
	if f, err := os.Open(logPath); err == nil {
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			for _, m := range logChatPattern.FindAllStringSubmatch(sc.Text(), -1) {
				ensure(m[1]).SeenLog = true
			}
		}
		f.Close()
	}

	s.mu.Lock()
	cached := make(map[string]string, len(s.subjectCache))
	for chatID, subject := range s.subjectCache {
		cached[chatID] = subject
	}
	s.mu.Unlock()
	for chatID, subject := range cached {
		rec := ensure(chatID)
		rec.SeenBridge = true
		if strings.TrimSpace(rec.Comment) == "" {
			rec.Comment = subject
		}
	}

	if s.subjects != nil {
		ids := make([]string, 0, len(records))
		for chatID := range records {
			ids = append(ids, chatID)
		}
		slices.Sort(ids)
		for chatID, subject := range s.subjects(ids) {
			rec := ensure(chatID)
			rec.SeenBridge = true
			s.mu.Lock()
			s.subjectCache[chatID] = subject
			s.mu.Unlock()
			if strings.TrimSpace(rec.Comment) == "" {
				rec.Comment = subject
			}
		}
	}

	return records
}

// matchGroupQuery resolves one query against discovered records. It
// returns the resolved chat id, or the ambiguous candidates when more
// than one record matches at the same priority.
//
// Priority: exact id, alias, tag, comment (exact then case
// insensitive), tag (ci), bridge subject (ci), then compact partial
// match for queries of four or more significant characters.
func (s *Service) matchGroupQuery(query string, records map[string]*groupRecord) (string, []string) {
	target := strings.TrimSpace(query)
	if target == "" {
		return "", nil
	}

	if _, ok := records[target]; ok {
		return target, nil
	}

	pick := func(match func(*groupRecord) bool) (string, []string, bool) {
		var hits []string
		for chatID, rec := range records {
			if match(rec) {
				hits = append(hits, chatID)
			}
		}
		if len(hits) == 1 {
			return hits[0], nil, true
		}
		if len(hits) > 1 {
			slices.Sort(hits)
			return "", hits, true
		}
		return "", nil, false
	}

	if id, amb, ok := pick(func(rec *groupRecord) bool {
		return strings.TrimSpace(rec.Alias) == target
	}); ok {
		return id, amb
	}

	if id, amb, ok := pick(func(rec *groupRecord) bool {
		for _, tag := range rec.Tags {
			if strings.TrimSpace(tag) == target {
				return true
			}
		}
		return false
	}); ok {
		return id, amb
	}

	if id, amb, ok := pick(func(rec *groupRecord) bool {
		comment := strings.TrimSpace(rec.Comment)
		return comment != "" && comment == target
	}); ok {
		return id, amb
	}

	lowered := strings.ToLower(target)
	if id, amb, ok := pick(func(rec *groupRecord) bool {
		comment := strings.TrimSpace(rec.Comment)
		return comment != "" && strings.ToLower(comment) == lowered
	}); ok {
		return id, amb
	}

	if id, amb, ok := pick(func(rec *groupRecord) bool {
		for _, tag := range rec.Tags {
			if strings.ToLower(strings.TrimSpace(tag)) == lowered {
				return true
			}
		}
		return false
	}); ok {
		return id, amb
	}

	s.mu.Lock()
	var bridgeHits []string
	for chatID, subject := range s.subjectCache {
		if strings.ToLower(strings.TrimSpace(subject)) == lowered {
			bridgeHits = append(bridgeHits, chatID)
		}
	}
	s.mu.Unlock()
	if len(bridgeHits) == 1 {
		return bridgeHits[0], nil
	}
	if len(bridgeHits) > 1 {
		slices.Sort(bridgeHits)
		return "", bridgeHits
	}

	loweredCompact := compactPattern.ReplaceAllString(lowered, "")
	if len(loweredCompact) >= 4 {
		matchesValue := func(value string) bool {
			raw := strings.ToLower(strings.TrimSpace(value))
			if raw == "" {
				return false
			}
			if strings.Contains(raw, lowered) {
				return true
			}
			rawCompact := compactPattern.ReplaceAllString(raw, "")
			return rawCompact != "" && strings.Contains(rawCompact, loweredCompact)
		}

		s.mu.Lock()
		subjects := make(map[string]string, len(s.subjectCache))
		for chatID, subject := range s.subjectCache {
			subjects[chatID] = subject
		}
		s.mu.Unlock()

		var partial []string
		for chatID, rec := range records {
			hit := matchesValue(rec.Alias) || matchesValue(rec.Comment) || matchesValue(subjects[chatID])
			if !hit {
				for _, tag := range rec.Tags {
					if matchesValue(tag) {
						hit = true
						break
					}
				}
			}
			if hit {
				partial = append(partial, chatID)
			}
		}
		if len(partial) == 1 {
			return partial[0], nil
		}
		if len(partial) > 1 {
			slices.Sort(partial)
			return "", partial
		}
	}

	return "", nil
}

// ResolveGroupReference resolves one WhatsApp group reference for
// non-admin surfaces (cron targets, CLI arguments). Literal group ids
// pass through without discovery.
func (s *Service) ResolveGroupReference(query string, doc *policy.Document) (string, error) {
	target := strings.TrimSpace(query)
	if target == "" {
		return "", fmt.Errorf("group reference cannot be empty")
	}
	if !strings.Contains(target, " ") && strings.HasSuffix(target, groupIDSuffix) {
		return target, nil
	}

	if doc == nil {
		loaded, err := policy.Load(s.policyPath)
		if err != nil {
			return "", fmt.Errorf("failed to load policy: %v", err)
		}
		doc = loaded
	}

	records := s.discoverGroups(doc)
	if len(records) == 0 {
		return "", fmt.Errorf("no WhatsApp groups discovered yet")
	}

	resolved, ambiguous := s.matchGroupQuery(target, records)
	if resolved != "" {
		return resolved, nil
	}
	if len(ambiguous) > 0 {
		shown := ambiguous
		suffix := ""
		if len(shown) > 3 {
			shown = shown[:3]
			suffix = " ..."
		}
		return "", fmt.Errorf("group reference is ambiguous: %s (%s%s)", target, strings.Join(shown, ", "), suffix)
	}
	return "", fmt.Errorf("unknown group reference: %s", target)
}

// resolveExistingChat accepts either a literal group id or a
// discoverable group reference for read-only commands.
func (s *Service) resolveExistingChat(doc *policy.Document, value string) (string, error) {
	candidate := strings.TrimSpace(value)
	if candidate == "" {
		return "", fmt.Errorf("chat id cannot be empty")
	}
	if strings.HasSuffix(candidate, groupIDSuffix) {
		return candidate, nil
	}

	records := s.discoverGroups(doc)
	resolved, ambiguous := s.matchGroupQuery(candidate, records)
	if resolved != "" {
		return resolved, nil
	}
	if len(ambiguous) > 0 {
		return "", fmt.Errorf("group reference is ambiguous: %s", candidate)
	}
	return "", fmt.Errorf("unknown group reference: %s", candidate)
}
