// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventauth

import (
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/schema"
)

// checkPowerLevelsChange enforces that a sender can only touch levels
// at or below their own.
func (room *roomContext) checkPowerLevelsChange(event *pdu.PDU, senderLevel schema.Level) error {
	proposed, err := schema.DecodePowerLevels(event.Content, room.rules.IntegerPowerLevels)
	if err != nil {
		return deny(ReasonMalformed, "power levels %s: %v", event.EventID, err)
	}
	for userID := range proposed.Users {
		if _, err := ref.ParseUserID(userID); err != nil {
			return deny(ReasonMalformed, "power levels %s: users key %q: %v", event.EventID, userID, err)
		}
	}

	current := room.powerLevels
	if current == nil {
		return nil
	}

	named := []struct {
		name          string
		before, after *schema.Level
	}{
		{"users_default", current.UsersDefault, proposed.UsersDefault},
		{"events_default", current.EventsDefault, proposed.EventsDefault},
		{"state_default", current.StateDefault, proposed.StateDefault},
		{"ban", current.Ban, proposed.Ban},
		{"redact", current.Redact, proposed.Redact},
		{"kick", current.Kick, proposed.Kick},
		{"invite", current.Invite, proposed.Invite},
	}
	for _, level := range named {
		if err := checkLevelChange(level.name, level.before, level.after, senderLevel); err != nil {
			return err
		}
	}

	if err := checkLevelMap("events", current.Events, proposed.Events, senderLevel); err != nil {
		return err
	}
	if room.rules.LimitNotificationsPowerLevels {
		if err := checkLevelMap("notifications", current.Notifications, proposed.Notifications, senderLevel); err != nil {
			return err
		}
	}

	sender := event.Sender.String()
	for userID := range union(current.Users, proposed.Users) {
		oldLevel, hadOld := current.Users[userID]
		newLevel, hasNew := proposed.Users[userID]
		if hadOld && hasNew && oldLevel == newLevel {
			continue
		}
		if hadOld && userID != sender && oldLevel >= senderLevel {
			return deny(ReasonPowerLevel, "cannot change level of %s (%d) from level %d", userID, oldLevel, senderLevel)
		}
		if hasNew && newLevel > senderLevel {
			return deny(ReasonPowerLevel, "cannot raise %s to %d above own level %d", userID, newLevel, senderLevel)
		}
	}
	return nil
}

// checkLevelChange rejects adding, removing or changing a level when
// the old or new value exceeds the sender's level.
func checkLevelChange(name string, before, after *schema.Level, senderLevel schema.Level) error {
	switch {
	case before == nil && after == nil:
		return nil
	case before != nil && after != nil && *before == *after:
		return nil
	}
	if before != nil && *before > senderLevel {
		return deny(ReasonPowerLevel, "cannot change %s from %d at level %d", name, *before, senderLevel)
	}
	if after != nil && *after > senderLevel {
		return deny(ReasonPowerLevel, "cannot set %s to %d at level %d", name, *after, senderLevel)
	}
	return nil
}

func checkLevelMap(name string, before, after map[string]schema.Level, senderLevel schema.Level) error {
	for key := range union(before, after) {
		var beforeLevel, afterLevel *schema.Level
		if level, ok := before[key]; ok {
			beforeLevel = &level
		}
		if level, ok := after[key]; ok {
			afterLevel = &level
		}
		if err := checkLevelChange(name+"."+key, beforeLevel, afterLevel, senderLevel); err != nil {
			return err
		}
	}
	return nil
}

func union(a, b map[string]schema.Level) map[string]struct{} {
	keys := make(map[string]struct{}, len(a)+len(b))
	for key := range a {
		keys[key] = struct{}{}
	}
	for key := range b {
		keys[key] = struct{}{}
	}
	return keys
}
