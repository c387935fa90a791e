// Package sessions manages per-user session entries and transcripts.
//
// Session keys follow the canonical format:
//
//	agent:{agentId}:{rest}
//
// Where {rest} depends on the turn's source:
//
//	HUD:   hud:user:{userContextId}:{mainKey}  (hud:{mainKey} when unresolvable)
//	Voice: voice:dm:{senderId|local-mic}
//	Other: {source}:dm:{senderId|anonymous}
//
// Examples:
//
//	agent:nova:hud:user:alice:main
//	agent:nova:voice:dm:local-mic
//	agent:nova:telegram:dm:386246614
package sessions

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/novachat/nova/internal/persist"
)

// Sources with dedicated key grammar.
const (
	SourceHUD   = "hud"
	SourceVoice = "voice"
)

const defaultMainKey = "main"

// KeyOpts carries everything needed to compose a session key and resolve the
// owning user context.
type KeyOpts struct {
	AgentID        string
	Source         string
	SenderID       string
	SessionKeyHint string
	UserContextID  string // explicit tenant id, wins over inference
	MainKey        string
}

// BuildSessionKey composes the deterministic, user-isolated session key.
// An explicit normalized hint wins over composition.
func BuildSessionKey(opts KeyOpts) string {
	if hint := normalizeKeyPart(opts.SessionKeyHint); hint != "" {
		return hint
	}
	agent := opts.AgentID
	if agent == "" {
		agent = "nova"
	}
	mainKey := opts.MainKey
	if mainKey == "" {
		mainKey = defaultMainKey
	}

	switch opts.Source {
	case SourceHUD:
		if uctx := declaredContext(opts); uctx != "" {
			return fmt.Sprintf("agent:%s:hud:user:%s:%s", agent, uctx, mainKey)
		}
		return fmt.Sprintf("agent:%s:hud:%s", agent, mainKey)
	case SourceVoice:
		sender := opts.SenderID
		if sender == "" {
			sender = "local-mic"
		}
		return fmt.Sprintf("agent:%s:voice:dm:%s", agent, sender)
	default:
		sender := opts.SenderID
		if sender == "" {
			sender = "anonymous"
		}
		source := opts.Source
		if source == "" {
			source = "unknown"
		}
		return fmt.Sprintf("agent:%s:%s:dm:%s", agent, source, sender)
	}
}

// declaredContext resolves a user context from explicitly supplied identity
// only (no hashing fallback), for embedding into hud keys.
func declaredContext(opts KeyOpts) string {
	if v := persist.SanitizeUserID(opts.UserContextID); v != "" {
		return v
	}
	if rest, ok := strings.CutPrefix(opts.SenderID, "hud-user:"); ok {
		return persist.SanitizeUserID(rest)
	}
	return ""
}

// ResolveUserContextID resolves the owning tenant for a turn. The chain:
// explicit id, "hud-user:" sender prefix, voice sender, parse from the
// session key, then a deterministic hash of the key. Never empty, so strict
// isolation always has a tenant to scope by.
func ResolveUserContextID(opts KeyOpts) string {
	if v := declaredContext(opts); v != "" {
		return v
	}
	if opts.Source == SourceVoice && opts.SenderID != "" {
		if v := persist.SanitizeUserID(opts.SenderID); v != "" {
			return v
		}
	}
	key := BuildSessionKey(opts)
	if v := parseUserFromKey(key); v != "" {
		return v
	}
	source := opts.Source
	if source == "" {
		source = "unknown"
	}
	return persist.SanitizeUserID(fmt.Sprintf("%s-%s", source, shortHash(key)))
}

// parseUserFromKey extracts the user segment from a canonical hud key
// (agent:{agent}:hud:user:{uctx}:{mainKey}).
func parseUserFromKey(key string) string {
	parts := strings.Split(key, ":")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "user" {
			return persist.SanitizeUserID(parts[i+1])
		}
	}
	return ""
}

func normalizeKeyPart(s string) string {
	return strings.TrimSpace(strings.ToLower(s))
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}
