// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "encoding/json"

// Matrix event types the core treats specially.
const (
	MatrixEventTypeCreate            = "m.room.create"
	MatrixEventTypeMember            = "m.room.member"
	MatrixEventTypePowerLevels       = "m.room.power_levels"
	MatrixEventTypeJoinRules         = "m.room.join_rules"
	MatrixEventTypeThirdPartyInvite  = "m.room.third_party_invite"
	MatrixEventTypeServerACL         = "m.room.server_acl"
	MatrixEventTypeAliases           = "m.room.aliases"
	MatrixEventTypeCanonicalAlias    = "m.room.canonical_alias"
	MatrixEventTypeHistoryVisibility = "m.room.history_visibility"
	MatrixEventTypeRedaction         = "m.room.redaction"
	MatrixEventTypeMessage           = "m.room.message"
	MatrixEventTypeName              = "m.room.name"
	MatrixEventTypeTopic             = "m.room.topic"
)

// Membership values for m.room.member content.
const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
	MembershipKnock  = "knock"
)

// Join rule values for m.room.join_rules content.
const (
	JoinRulePublic          = "public"
	JoinRuleInvite          = "invite"
	JoinRuleKnock           = "knock"
	JoinRuleRestricted      = "restricted"
	JoinRuleKnockRestricted = "knock_restricted"
	JoinRulePrivate         = "private"
)

// Relation types in m.relates_to.
const (
	RelationThread = "m.thread"
)

// CreateContent is the content of m.room.create. Creator is absent
// from version 11 rooms, where the event sender is the creator.
type CreateContent struct {
	Creator     string       `json:"creator,omitempty"`
	RoomVersion string       `json:"room_version,omitempty"`
	Federate    *bool        `json:"m.federate,omitempty"`
	Predecessor *Predecessor `json:"predecessor,omitempty"`
}

// Predecessor names the room an upgraded room replaces.
type Predecessor struct {
	RoomID  string `json:"room_id"`
	EventID string `json:"event_id"`
}

// Federated reports whether m.federate permits remote servers. Absent
// means true.
func (content *CreateContent) Federated() bool {
	return content.Federate == nil || *content.Federate
}

// MemberContent is the content of m.room.member.
type MemberContent struct {
	Membership                   string            `json:"membership"`
	DisplayName                  string            `json:"displayname,omitempty"`
	AvatarURL                    string            `json:"avatar_url,omitempty"`
	JoinAuthorisedViaUsersServer string            `json:"join_authorised_via_users_server,omitempty"`
	ThirdPartyInvite             *ThirdPartyInvite `json:"third_party_invite,omitempty"`
}

// ThirdPartyInvite is the third_party_invite block of a member event.
type ThirdPartyInvite struct {
	DisplayName string          `json:"display_name,omitempty"`
	Signed      json.RawMessage `json:"signed,omitempty"`
}

// JoinRulesContent is the content of m.room.join_rules.
type JoinRulesContent struct {
	JoinRule string          `json:"join_rule"`
	Allow    []JoinRuleAllow `json:"allow,omitempty"`
}

// JoinRuleAllow is one condition of a restricted join rule.
type JoinRuleAllow struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id,omitempty"`
}

// ServerACLContent is the content of m.room.server_acl.
type ServerACLContent struct {
	Allow           []string `json:"allow,omitempty"`
	Deny            []string `json:"deny,omitempty"`
	AllowIPLiterals *bool    `json:"allow_ip_literals,omitempty"`
}

// RedactionContent is the content of m.room.redaction. Redacts is set
// only in version 11 rooms; earlier versions carry it at top level.
type RedactionContent struct {
	Redacts string `json:"redacts,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// CanonicalAliasContent is the content of m.room.canonical_alias.
type CanonicalAliasContent struct {
	Alias      string   `json:"alias,omitempty"`
	AltAliases []string `json:"alt_aliases,omitempty"`
}

// MessageContent is the subset of m.room.message content used for
// search indexing and relation tracking.
type MessageContent struct {
	MsgType   string     `json:"msgtype,omitempty"`
	Body      string     `json:"body,omitempty"`
	RelatesTo *RelatesTo `json:"m.relates_to,omitempty"`
}

// RelatesTo is the m.relates_to block. A reply sets InReplyTo; a
// thread message sets RelType to [RelationThread] and EventID to the
// thread root.
type RelatesTo struct {
	RelType       string     `json:"rel_type,omitempty"`
	EventID       string     `json:"event_id,omitempty"`
	InReplyTo     *InReplyTo `json:"m.in_reply_to,omitempty"`
	IsFallingBack bool       `json:"is_falling_back,omitempty"`
}

// InReplyTo identifies the event a reply answers.
type InReplyTo struct {
	EventID string `json:"event_id"`
}

// HistoryVisibilityContent is the content of m.room.history_visibility.
type HistoryVisibilityContent struct {
	HistoryVisibility string `json:"history_visibility"`
}
