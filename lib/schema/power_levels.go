// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Level is a single power level value. In room versions before 10 a
// level may be sent as a decimal string; UnmarshalJSON accepts both.
type Level int64

// UnmarshalJSON accepts a JSON integer or a string holding one.
func (level *Level) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		parsed, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
		if err != nil {
			return fmt.Errorf("power level %q is not an integer", text)
		}
		*level = Level(parsed)
		return nil
	}
	var number json.Number
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&number); err != nil {
		return fmt.Errorf("power level %s is not a number", data)
	}
	parsed, err := number.Int64()
	if err != nil {
		return fmt.Errorf("power level %s is not an integer", number)
	}
	*level = Level(parsed)
	return nil
}

// Default power levels applied when a key is absent.
const (
	DefaultStateLevel  Level = 50
	DefaultBanLevel    Level = 50
	DefaultKickLevel   Level = 50
	DefaultRedactLevel Level = 50
	DefaultInviteLevel Level = 0
	DefaultEventsLevel Level = 0
	DefaultUsersLevel  Level = 0
	CreatorLevel       Level = 100
)

// PowerLevels is a typed representation of the Matrix
// m.room.power_levels state event content.
//
// Pointer fields distinguish "not set" (nil, omitted from JSON) from
// "explicitly set to 0". The accessor methods apply the authorization
// rules' defaults for unset fields.
type PowerLevels struct {
	Users         map[string]Level `json:"users,omitempty"`
	UsersDefault  *Level           `json:"users_default,omitempty"`
	Events        map[string]Level `json:"events,omitempty"`
	EventsDefault *Level           `json:"events_default,omitempty"`
	StateDefault  *Level           `json:"state_default,omitempty"`
	Invite        *Level           `json:"invite,omitempty"`
	Ban           *Level           `json:"ban,omitempty"`
	Kick          *Level           `json:"kick,omitempty"`
	Redact        *Level           `json:"redact,omitempty"`
	Notifications map[string]Level `json:"notifications,omitempty"`
}

// DecodePowerLevels parses power levels content. When integersOnly is
// set (room version 10+), any string-encoded level is an error.
func DecodePowerLevels(content json.RawMessage, integersOnly bool) (*PowerLevels, error) {
	var powerLevels PowerLevels
	if len(content) == 0 {
		return &powerLevels, nil
	}
	if err := json.Unmarshal(content, &powerLevels); err != nil {
		return nil, fmt.Errorf("parsing power levels: %w", err)
	}
	if integersOnly {
		if err := checkIntegerLevels(content); err != nil {
			return nil, err
		}
	}
	return &powerLevels, nil
}

var levelKeys = []string{"users_default", "events_default", "state_default", "invite", "ban", "kick", "redact"}
var levelMapKeys = []string{"users", "events", "notifications"}

func checkIntegerLevels(content json.RawMessage) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(content, &raw); err != nil {
		return fmt.Errorf("parsing power levels: %w", err)
	}
	isString := func(value json.RawMessage) bool {
		trimmed := bytes.TrimSpace(value)
		return len(trimmed) > 0 && trimmed[0] == '"'
	}
	for _, key := range levelKeys {
		if value, ok := raw[key]; ok && isString(value) {
			return fmt.Errorf("power level %q must be an integer", key)
		}
	}
	for _, key := range levelMapKeys {
		value, ok := raw[key]
		if !ok {
			continue
		}
		var entries map[string]json.RawMessage
		if err := json.Unmarshal(value, &entries); err != nil {
			return fmt.Errorf("power level map %q: %w", key, err)
		}
		for entryKey, entryValue := range entries {
			if isString(entryValue) {
				return fmt.Errorf("power level %s[%q] must be an integer", key, entryKey)
			}
		}
	}
	return nil
}

func levelOr(value *Level, fallback Level) Level {
	if value != nil {
		return *value
	}
	return fallback
}

// UserLevel returns the power level for a Matrix user ID string. If the
// user has an explicit entry in the Users map, that value is returned.
// Otherwise falls back to UsersDefault, then to 0.
func (powerLevels *PowerLevels) UserLevel(userID string) Level {
	if level, ok := powerLevels.Users[userID]; ok {
		return level
	}
	return levelOr(powerLevels.UsersDefault, DefaultUsersLevel)
}

// EventLevel returns the level required to send an event of the given
// type. State events fall back to state_default, others to
// events_default.
func (powerLevels *PowerLevels) EventLevel(eventType string, isState bool) Level {
	if level, ok := powerLevels.Events[eventType]; ok {
		return level
	}
	if isState {
		return levelOr(powerLevels.StateDefault, DefaultStateLevel)
	}
	return levelOr(powerLevels.EventsDefault, DefaultEventsLevel)
}

// BanLevel returns the level required to ban.
func (powerLevels *PowerLevels) BanLevel() Level {
	return levelOr(powerLevels.Ban, DefaultBanLevel)
}

// KickLevel returns the level required to kick.
func (powerLevels *PowerLevels) KickLevel() Level {
	return levelOr(powerLevels.Kick, DefaultKickLevel)
}

// RedactLevel returns the level required to redact others' events.
func (powerLevels *PowerLevels) RedactLevel() Level {
	return levelOr(powerLevels.Redact, DefaultRedactLevel)
}

// InviteLevel returns the level required to invite.
func (powerLevels *PowerLevels) InviteLevel() Level {
	return levelOr(powerLevels.Invite, DefaultInviteLevel)
}

// UsersDefaultLevel returns users_default with its default applied.
func (powerLevels *PowerLevels) UsersDefaultLevel() Level {
	return levelOr(powerLevels.UsersDefault, DefaultUsersLevel)
}

// SetUserLevel sets the power level for a Matrix user ID. Initializes
// the Users map if nil.
func (powerLevels *PowerLevels) SetUserLevel(userID string, level Level) {
	if powerLevels.Users == nil {
		powerLevels.Users = make(map[string]Level)
	}
	powerLevels.Users[userID] = level
}

// SetEventLevel sets the required power level for sending a given
// event type. Initializes the Events map if nil.
func (powerLevels *PowerLevels) SetEventLevel(eventType string, level Level) {
	if powerLevels.Events == nil {
		powerLevels.Events = make(map[string]Level)
	}
	powerLevels.Events[eventType] = level
}

// InitialPowerLevels returns the power levels a locally created room
// starts with: the creator at 100, state events at 50, messages at 0.
func InitialPowerLevels(creator string) *PowerLevels {
	stateDefault := DefaultStateLevel
	eventsDefault := DefaultEventsLevel
	usersDefault := DefaultUsersLevel
	ban, kick, redact, invite := DefaultBanLevel, DefaultKickLevel, DefaultRedactLevel, DefaultInviteLevel
	return &PowerLevels{
		Users:         map[string]Level{creator: CreatorLevel},
		UsersDefault:  &usersDefault,
		EventsDefault: &eventsDefault,
		StateDefault:  &stateDefault,
		Ban:           &ban,
		Kick:          &kick,
		Redact:        &redact,
		Invite:        &invite,
		Events: map[string]Level{
			MatrixEventTypePowerLevels:       100,
			MatrixEventTypeServerACL:         100,
			MatrixEventTypeHistoryVisibility: 100,
			MatrixEventTypeCanonicalAlias:    50,
			MatrixEventTypeName:              50,
			MatrixEventTypeTopic:             50,
		},
	}
}
