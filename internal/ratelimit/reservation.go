// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"time"

	"github.com/google/uuid"

	"sejong/internal/errs"
)

// Reservation is a future-dated promise to consume tokens: when current
// capacity cannot admit a request, the caller may schedule it for the
// limiter's predicted recovery time instead of spinning.
type Reservation struct {
	ID         string    `json:"id"`
	Key        string    `json:"key"`
	TokenCount int64     `json:"token_count"`
	ReservedAt time.Time `json:"reserved_at"`
	ExecuteAt  time.Time `json:"execute_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	ShardID    int       `json:"shard_id"`
}

// Reserve schedules a future acquisition for key. If tokens are available
// now, ExecuteAt is now; otherwise it is now plus the shard's retry hint.
// Reserve fails when the predicted wait exceeds maxWait. Reserving does not
// consume tokens; ExecuteReservation does.
func (s *Sharded) Reserve(key string, n int64, maxWait time.Duration) (*Reservation, error) {
	now := s.now()
	s.sweepExpired(now)

	primary, _ := s.shardsFor(key)
	sh := s.shards[primary]
	sh.mu.Lock()
	ok, retryAfter := sh.c.peek(now, n)
	sh.mu.Unlock()

	executeAt := now
	if !ok {
		if retryAfter > maxWait {
			return nil, errs.RateLimit("reservation wait exceeds max wait", retryAfter)
		}
		executeAt = now.Add(retryAfter)
	}
	r := &Reservation{
		ID:         uuid.NewString(),
		Key:        key,
		TokenCount: n,
		ReservedAt: now,
		ExecuteAt:  executeAt,
		ExpiresAt:  executeAt.Add(reservationGrace),
		ShardID:    primary,
	}
	s.resMu.Lock()
	s.reservations[r.ID] = r
	s.resMu.Unlock()
	return r, nil
}

// ExecuteReservation performs the acquisition promised by id. A reservation
// is removed exactly once: on successful execution, on expiry, or on cancel.
// Executing early returns a rate-limit error carrying the remaining wait and
// keeps the reservation alive.
func (s *Sharded) ExecuteReservation(id string) (Result, error) {
	now := s.now()

	s.resMu.Lock()
	r, ok := s.reservations[id]
	if ok && now.After(r.ExpiresAt) {
		delete(s.reservations, id)
		ok = false
	}
	if !ok {
		s.resMu.Unlock()
		return Result{}, errs.Validation("reservation %q does not exist or has expired", id)
	}
	if now.Before(r.ExecuteAt) {
		remaining := r.ExecuteAt.Sub(now)
		s.resMu.Unlock()
		return Result{}, errs.RateLimit("reservation not yet executable", remaining)
	}
	delete(s.reservations, id)
	s.resMu.Unlock()

	return s.Acquire(r.Key, r.TokenCount), nil
}

// CancelReservation removes a pending reservation; it reports whether the
// reservation was present.
func (s *Sharded) CancelReservation(id string) bool {
	s.resMu.Lock()
	defer s.resMu.Unlock()
	if _, ok := s.reservations[id]; !ok {
		return false
	}
	delete(s.reservations, id)
	return true
}

// PendingReservations reports the live reservation count after sweeping
// expired entries.
func (s *Sharded) PendingReservations() int {
	now := s.now()
	s.sweepExpired(now)
	s.resMu.Lock()
	defer s.resMu.Unlock()
	return len(s.reservations)
}

// sweepExpired drops reservations past their expiry; called opportunistically
// on each reservation-path access rather than by a background goroutine.
func (s *Sharded) sweepExpired(now time.Time) {
	s.resMu.Lock()
	for id, r := range s.reservations {
		if now.After(r.ExpiresAt) {
			delete(s.reservations, id)
		}
	}
	s.resMu.Unlock()
}
