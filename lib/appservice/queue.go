// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package appservice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/bureau-foundation/roomserver/lib/clock"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/store"
)

// DefaultTransactionSize bounds the events in one transaction.
const DefaultTransactionSize = 100

// Transaction is a batch of events for one registration.
type Transaction struct {
	ID             string
	RegistrationID string
	Entries        []store.AppserviceEntry
}

// QueueConfig configures a Queue.
type QueueConfig struct {
	Store           store.AppserviceQueue
	Clock           clock.Clock
	Logger          *slog.Logger
	TransactionSize int
}

// Queue persists events for application services and groups them into
// transactions.
type Queue struct {
	store  store.AppserviceQueue
	clock  clock.Clock
	logger *slog.Logger
	size   int

	mu sync.Mutex
	// outstanding maps registration ID to the transaction handed out
	// but not yet completed.
	outstanding map[string]string
}

// NewQueue creates a queue over the store.
func NewQueue(config QueueConfig) *Queue {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.TransactionSize <= 0 {
		config.TransactionSize = DefaultTransactionSize
	}
	return &Queue{
		store:       config.Store,
		clock:       config.Clock,
		logger:      config.Logger,
		size:        config.TransactionSize,
		outstanding: make(map[string]string),
	}
}

// Enqueue records event for each registration.
func (queue *Queue) Enqueue(ctx context.Context, registrations []*Registration, event *pdu.PDU) error {
	entry := store.AppserviceEntry{
		EventID:    event.EventID,
		RoomID:     event.RoomID,
		EnqueuedTS: clock.UnixMillis(queue.clock),
	}
	for _, registration := range registrations {
		if err := queue.store.EnqueueAppserviceEvent(ctx, registration.ID, entry); err != nil {
			return fmt.Errorf("queueing %s for application service %s: %w", event.EventID, registration.ID, err)
		}
		queue.logger.Debug("queued event for application service",
			"appservice", registration.ID,
			"event_id", event.EventID,
			"room_id", event.RoomID,
		)
	}
	return nil
}

// Next returns the registration's pending transaction, claiming new
// entries when none is outstanding. A retry after a failed delivery
// gets the same transaction ID and entries. The transaction is empty
// when nothing is queued.
func (queue *Queue) Next(ctx context.Context, registrationID string) (Transaction, error) {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	txnID, retry := queue.outstanding[registrationID]
	if !retry {
		txnID = uuid.NewString()
	}
	entries, err := queue.store.ClaimAppserviceTransaction(ctx, registrationID, txnID, queue.size)
	if err != nil {
		return Transaction{}, fmt.Errorf("claiming transaction for application service %s: %w", registrationID, err)
	}
	if len(entries) == 0 {
		delete(queue.outstanding, registrationID)
		return Transaction{RegistrationID: registrationID}, nil
	}
	queue.outstanding[registrationID] = txnID
	return Transaction{ID: txnID, RegistrationID: registrationID, Entries: entries}, nil
}

// Complete drops a delivered transaction.
func (queue *Queue) Complete(ctx context.Context, transaction Transaction) error {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	if err := queue.store.CompleteAppserviceTransaction(ctx, transaction.RegistrationID, transaction.ID); err != nil {
		return fmt.Errorf("completing transaction %s for application service %s: %w", transaction.ID, transaction.RegistrationID, err)
	}
	if queue.outstanding[transaction.RegistrationID] == transaction.ID {
		delete(queue.outstanding, transaction.RegistrationID)
	}
	return nil
}
