// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package roomversion

// Top-level keys every redacted event keeps.
var essentialKeys = []string{
	"event_id",
	"type",
	"room_id",
	"sender",
	"state_key",
	"content",
	"hashes",
	"signatures",
	"depth",
	"prev_events",
	"auth_events",
	"origin_server_ts",
}

// Top-level keys kept only by the pre-v11 algorithm.
var legacyEssentialKeys = []string{"origin", "membership", "prev_state"}

// Redact applies this room version's redaction algorithm to an event
// in its generic JSON form and returns a new map; the input is not
// modified. Applying Redact to an already-redacted event returns an
// equal event.
func (r Rules) Redact(event map[string]any) map[string]any {
	redacted := make(map[string]any, len(essentialKeys))
	for _, key := range essentialKeys {
		if value, ok := event[key]; ok {
			redacted[key] = value
		}
	}
	if !r.UpdatedRedactionRules {
		for _, key := range legacyEssentialKeys {
			if value, ok := event[key]; ok {
				redacted[key] = value
			}
		}
	}

	eventType, _ := event["type"].(string)
	content, _ := event["content"].(map[string]any)
	redacted["content"] = r.redactContent(eventType, content)
	return redacted
}

func (r Rules) redactContent(eventType string, content map[string]any) map[string]any {
	kept := map[string]any{}
	if content == nil {
		return kept
	}
	keep := func(keys ...string) {
		for _, key := range keys {
			if value, ok := content[key]; ok {
				kept[key] = value
			}
		}
	}

	switch eventType {
	case "m.room.member":
		keep("membership")
		if r.JoinAuthorisedViaUsersServer {
			keep("join_authorised_via_users_server")
		}
		if r.UpdatedRedactionRules {
			if invite, ok := content["third_party_invite"].(map[string]any); ok {
				if signed, ok := invite["signed"]; ok {
					kept["third_party_invite"] = map[string]any{"signed": signed}
				}
			}
		}
	case "m.room.create":
		if r.UpdatedRedactionRules {
			for key, value := range content {
				kept[key] = value
			}
		} else {
			keep("creator")
		}
	case "m.room.join_rules":
		keep("join_rule")
		if r.RestrictedJoins {
			keep("allow")
		}
	case "m.room.power_levels":
		keep("ban", "events", "events_default", "kick", "redact",
			"state_default", "users", "users_default")
		if r.UpdatedRedactionRules {
			keep("invite")
		}
	case "m.room.aliases":
		if r.SpecialCasedAliases {
			keep("aliases")
		}
	case "m.room.history_visibility":
		keep("history_visibility")
	case "m.room.redaction":
		if r.UpdatedRedactionRules {
			keep("redacts")
		}
	}
	return kept
}
