package policy

import (
	"sort"
	"strings"
)

// ActorIdentity is the canonical sender identity used for policy matching.
// Primary is the first alias in expansion order; Aliases holds every
// channel-aware variant of the sender.
type ActorIdentity struct {
	Primary string
	Aliases []string
}

// NormalizeToken canonicalizes one identity token: trim, strip a leading
// "@", lowercase. Returns "" for blank input.
func NormalizeToken(value string) string {
	token := strings.TrimSpace(value)
	if token == "" {
		return ""
	}
	token = strings.TrimPrefix(token, "@")
	return strings.ToLower(strings.TrimSpace(token))
}

// expandAliases turns one normalized token into its channel-aware
// variants, so "+491701234567", "491701234567:17@s.whatsapp.net" and
// "491701234567" all land on the same policy entry.
func expandAliases(channel, token string) map[string]struct{} {
	if token == "" {
		return nil
	}
	aliases := map[string]struct{}{token: {}}

	if channel == "telegram" {
		// Username variants: "@foo" vs "foo".
		if !isDigits(token) {
			aliases["@"+token] = struct{}{}
		}
	}

	if channel == "whatsapp" {
		// JID variants: "123:1@s.whatsapp.net" / "123@s.whatsapp.net" / "123".
		left, right, _ := strings.Cut(token, "@")
		leftBase, _, _ := strings.Cut(left, ":")
		aliases[leftBase] = struct{}{}
		if right != "" {
			aliases[leftBase+"@"+right] = struct{}{}
		}
		if strings.HasPrefix(leftBase, "+") {
			aliases[leftBase[1:]] = struct{}{}
		} else if isDigits(leftBase) {
			aliases["+"+leftBase] = struct{}{}
		}
	}

	return aliases
}

// NormalizeSenderList expands every entry of a policy sender list into a
// frozen match set.
func NormalizeSenderList(channel string, values []string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, value := range values {
		for alias := range expandAliases(channel, NormalizeToken(value)) {
			out[alias] = struct{}{}
		}
	}
	return out
}

// ResolveActorIdentity builds the sender identity from the raw sender id
// and channel metadata. Sender ids may carry multiple tokens separated by
// "|"; metadata contributes extra hints under well-known keys.
func ResolveActorIdentity(channel, senderID string, metadata map[string]string) ActorIdentity {
	var candidates []string
	for _, part := range strings.Split(senderID, "|") {
		if p := strings.TrimSpace(part); p != "" {
			candidates = append(candidates, p)
		}
	}
	for _, key := range []string{"user_id", "username", "sender", "pn", "sender_id"} {
		if v := metadata[key]; v != "" {
			candidates = append(candidates, v)
		}
	}

	var aliases []string
	seen := map[string]struct{}{}
	for _, candidate := range candidates {
		token := NormalizeToken(candidate)
		if token == "" {
			continue
		}
		expanded := expandAliases(channel, token)
		ordered := make([]string, 0, len(expanded))
		for alias := range expanded {
			ordered = append(ordered, alias)
		}
		sort.Strings(ordered)
		for _, alias := range ordered {
			if _, ok := seen[alias]; ok {
				continue
			}
			seen[alias] = struct{}{}
			aliases = append(aliases, alias)
		}
	}

	primary := ""
	if len(aliases) > 0 {
		primary = aliases[0]
	}
	return ActorIdentity{Primary: primary, Aliases: aliases}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
