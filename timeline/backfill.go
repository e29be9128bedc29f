// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
	"github.com/bureau-foundation/roomserver/lib/store"
)

// BackfillIfRequired fetches older history from a remote server when
// a pagination from `from` would reach past the first locally known
// event. Fetched events are inserted with backfilled counts, so they
// sort before all forward history.
func (t *Timeline) BackfillIfRequired(ctx context.Context, roomID ref.RoomID, from pdu.Count) error {
	first, err := t.store.FirstPDU(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if first.Count.Less(from) {
		return nil
	}
	if t.federation == nil {
		return nil
	}
	validator := t.backfillValidator()
	if validator == nil {
		return fmt.Errorf("timeline: no backfill validator installed")
	}
	rules, err := t.state.RoomRules(ctx, roomID)
	if err != nil {
		return err
	}

	servers, err := t.backfillServers(ctx, roomID, rules)
	if err != nil {
		return err
	}
	for _, server := range servers {
		response, err := t.federation.Backfill(ctx, server, roomID, []ref.EventID{first.Event.EventID}, t.backfillLimit)
		if err != nil {
			t.logger.Info("backfill request failed", "room_id", roomID, "server", server, "error", err)
			continue
		}
		inserted := 0
		for _, raw := range response.PDUs {
			ok, err := t.insertBackfilled(ctx, validator, server, roomID, raw)
			if err != nil {
				t.logger.Warn("dropping backfilled event", "room_id", roomID, "server", server, "error", err)
				continue
			}
			if ok {
				inserted++
			}
		}
		t.logger.Info("backfilled room",
			"room_id", roomID,
			"server", server,
			"received", len(response.PDUs),
			"inserted", inserted,
		)
		return nil
	}
	t.logger.Warn("no server could backfill room", "room_id", roomID, "candidates", len(servers))
	return nil
}

// insertBackfilled validates one backfilled event and inserts it
// before the room's known history. It reports false for events that
// are already part of the timeline.
func (t *Timeline) insertBackfilled(ctx context.Context, validator BackfillValidator, origin ref.ServerName, roomID ref.RoomID, raw []byte) (bool, error) {
	event, canonical, err := validator.ValidateBackfilled(ctx, origin, roomID, raw)
	if err != nil {
		return false, err
	}

	guard, err := t.stateLocks.Lock(ctx, roomID)
	if err != nil {
		return false, err
	}
	defer guard.Unlock()

	if _, ok, err := t.store.PDUCount(ctx, event.EventID); err != nil {
		return false, err
	} else if ok {
		return false, nil
	}

	ticket := t.fence.Begin(roomID)
	_, err = t.store.AppendPDU(ctx, event, canonical, true)
	ticket.Settle()
	if err != nil {
		return false, err
	}

	if body := event.Body(); body != "" {
		if err := t.store.IndexMessage(ctx, roomID, event.EventID, body); err != nil {
			return true, err
		}
	}
	return true, nil
}

// backfillServers lists the servers to ask for history, most trusted
// first: trusted key servers in the room, the servers of the room's
// local aliases, the server named in the room ID, then the servers of
// users above the default power level. Our own server is never asked.
func (t *Timeline) backfillServers(ctx context.Context, roomID ref.RoomID, rules roomversion.Rules) ([]ref.ServerName, error) {
	var servers []ref.ServerName
	seen := map[ref.ServerName]bool{t.serverName: true}
	add := func(server ref.ServerName) {
		if server.IsZero() || seen[server] {
			return
		}
		seen[server] = true
		servers = append(servers, server)
	}

	inRoom, err := t.state.ServersInRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	for _, server := range t.trustedServers {
		if slices.Contains(inRoom, server) {
			add(server)
		}
	}

	aliases, err := t.store.LocalAliases(ctx, roomID)
	if err != nil {
		return nil, err
	}
	for _, alias := range aliases {
		add(alias.Server())
	}

	add(roomID.Server())

	powerLevels, err := t.state.PowerLevels(ctx, roomID, rules)
	if err != nil {
		return nil, err
	}
	if powerLevels != nil {
		type elevated struct {
			server ref.ServerName
			level  int64
		}
		var users []elevated
		usersDefault := powerLevels.UsersDefaultLevel()
		for rawUser, level := range powerLevels.Users {
			if level <= usersDefault {
				continue
			}
			userID, err := ref.ParseUserID(rawUser)
			if err != nil {
				continue
			}
			users = append(users, elevated{server: userID.Server(), level: int64(level)})
		}
		slices.SortFunc(users, func(a, b elevated) int {
			if a.level != b.level {
				return cmp.Compare(b.level, a.level)
			}
			return cmp.Compare(a.server.String(), b.server.String())
		})
		for _, user := range users {
			add(user.server)
		}
	}
	return servers, nil
}
