// Package memory provides an in-memory storage.Stores implementation. It is
// the default backend when no database is configured and the workhorse behind
// the service unit tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/questforge/engine/internal/domain/actor"
	"github.com/questforge/engine/internal/domain/boost"
	"github.com/questforge/engine/internal/domain/campaign"
	"github.com/questforge/engine/internal/domain/idempotency"
	"github.com/questforge/engine/internal/domain/ledger"
	"github.com/questforge/engine/internal/domain/session"
	"github.com/questforge/engine/internal/storage"
	"github.com/questforge/engine/pkg/civil"
)

type grantKey struct {
	actorID string
	key     string
}

type recordKey struct {
	key     string
	route   string
	actorID string
}

type bucketKey struct {
	actorID   string
	weekStart string
}

// Store keeps everything in maps guarded by one mutex. Values are copied on
// the way in and out so callers never share state with the store.
type Store struct {
	mu sync.Mutex
	// txMu serializes WithinTx bodies against each other.
	txMu sync.Mutex

	wallets   map[string]actor.Wallet
	streaks   map[string]actor.StreakState
	grants    map[grantKey]boost.Grant
	campaigns map[string]campaign.Campaign
	records   map[recordKey]idempotency.Record
	sessions  map[string]session.Session
	events    []ledger.XPEvent
	buckets   map[bucketKey]ledger.WeeklyBucket
}

// New returns an empty store.
func New() *Store {
	return &Store{
		wallets:   make(map[string]actor.Wallet),
		streaks:   make(map[string]actor.StreakState),
		grants:    make(map[grantKey]boost.Grant),
		campaigns: make(map[string]campaign.Campaign),
		records:   make(map[recordKey]idempotency.Record),
		sessions:  make(map[string]session.Session),
		buckets:   make(map[bucketKey]ledger.WeeklyBucket),
	}
}

var (
	_ storage.Stores     = (*Store)(nil)
	_ storage.Transactor = (*Store)(nil)
)

// WithinTx serializes the function against other transactions and runs it over
// the store itself. There is no rollback; services validate before writing.
func (s *Store) WithinTx(_ context.Context, fn func(storage.Stores) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return fn(s)
}

func (s *Store) GetWallet(_ context.Context, actorID string) (actor.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[actorID]
	if !ok {
		w = actor.Wallet{ActorID: actorID, UpdatedAt: time.Now().UTC()}
		s.wallets[actorID] = w
	}
	return w, nil
}

func (s *Store) SaveWallet(_ context.Context, w actor.Wallet) error {
	if w.Coins < 0 || w.Gems < 0 || w.XP < 0 {
		return fmt.Errorf("save wallet %s: negative balance", w.ActorID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[w.ActorID] = w
	return nil
}

func (s *Store) GetStreak(_ context.Context, actorID string) (actor.StreakState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streaks[actorID]
	if !ok {
		return actor.StreakState{ActorID: actorID}, nil
	}
	return st, nil
}

func (s *Store) SaveStreak(_ context.Context, st actor.StreakState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streaks[st.ActorID] = st
	return nil
}

func (s *Store) GetGrant(_ context.Context, actorID, key string) (boost.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[grantKey{actorID, key}]
	if !ok {
		return boost.Grant{}, storage.ErrNotFound
	}
	return cloneGrant(g), nil
}

func (s *Store) SaveGrant(_ context.Context, g boost.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[grantKey{g.ActorID, g.Key}] = cloneGrant(g)
	return nil
}

func (s *Store) ListGrants(_ context.Context, actorID string) ([]boost.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []boost.Grant
	for k, g := range s.grants {
		if k.actorID == actorID {
			out = append(out, cloneGrant(g))
		}
	}
	return out, nil
}

func (s *Store) DecrementCharge(_ context.Context, actorID, key string) (boost.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := grantKey{actorID, key}
	g, ok := s.grants[k]
	if !ok {
		return boost.Grant{}, storage.ErrNotFound
	}
	if g.ChargesRemaining == nil || *g.ChargesRemaining <= 0 {
		return boost.Grant{}, storage.ErrNoCharges
	}
	n := *g.ChargesRemaining - 1
	g.ChargesRemaining = &n
	s.grants[k] = g
	return cloneGrant(g), nil
}

func (s *Store) GetCampaign(_ context.Context, key string) (campaign.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[key]
	if !ok {
		return campaign.Campaign{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *Store) SaveCampaign(_ context.Context, c campaign.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[c.Key] = c
	return nil
}

func (s *Store) ListCampaigns(_ context.Context) ([]campaign.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]campaign.Campaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) GetRecord(_ context.Context, key, route, actorID string) (idempotency.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[recordKey{key, route, actorID}]
	if !ok {
		return idempotency.Record{}, storage.ErrNotFound
	}
	return cloneRecord(r), nil
}

func (s *Store) InsertRecord(_ context.Context, r idempotency.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := recordKey{r.Key, r.Route, r.ActorID}
	if existing, ok := s.records[k]; ok && !existing.ExpiredAt(r.CreatedAt) {
		return storage.ErrDuplicate
	}
	s.records[k] = cloneRecord(r)
	return nil
}

func (s *Store) CompleteRecord(_ context.Context, key, route, actorID string, response []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := recordKey{key, route, actorID}
	r, ok := s.records[k]
	if !ok {
		return storage.ErrNotFound
	}
	r.Status = idempotency.StatusCompleted
	r.Response = append([]byte(nil), response...)
	s.records[k] = r
	return nil
}

func (s *Store) DeleteExpired(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, r := range s.records {
		if !cutoff.Before(r.ExpiresAt) {
			delete(s.records, k)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) GetSession(_ context.Context, id string) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return session.Session{}, storage.ErrNotFound
	}
	return sess, nil
}

func (s *Store) GetActiveSession(_ context.Context, actorID string) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeSessionLocked(actorID)
}

func (s *Store) activeSessionLocked(actorID string) (session.Session, error) {
	for _, sess := range s.sessions {
		if sess.ActorID == actorID && sess.Status == session.StatusActive {
			return sess, nil
		}
	}
	return session.Session{}, storage.ErrNotFound
}

func (s *Store) InsertSession(_ context.Context, sess session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.Status == session.StatusActive {
		if _, err := s.activeSessionLocked(sess.ActorID); err == nil {
			return storage.ErrDuplicate
		}
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *Store) UpdateSession(_ context.Context, sess session.Session, prior session.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.sessions[sess.ID]
	if !ok || existing.Status != prior {
		return storage.ErrNotFound
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *Store) InsertXPEvent(_ context.Context, ev ledger.XPEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *Store) LatestXPEventAt(_ context.Context, actorID string, from, to time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest time.Time
	for _, ev := range s.events {
		if ev.ActorID != actorID || ev.OccurredAt.Before(from) || !ev.OccurredAt.Before(to) {
			continue
		}
		if ev.OccurredAt.After(latest) {
			latest = ev.OccurredAt
		}
	}
	return latest, nil
}

func (s *Store) SumXPEvents(_ context.Context, actorID string, from, to time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum int64
	for _, ev := range s.events {
		if ev.ActorID != actorID || ev.OccurredAt.Before(from) || !ev.OccurredAt.Before(to) {
			continue
		}
		sum += ev.Amount
	}
	return sum, nil
}

func (s *Store) GetWeeklyBucket(_ context.Context, actorID string, weekStart civil.Date) (ledger.WeeklyBucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucketKey{actorID, weekStart.String()}]
	if !ok {
		return ledger.WeeklyBucket{}, storage.ErrNotFound
	}
	return b, nil
}

func (s *Store) UpsertWeeklyBucket(_ context.Context, b ledger.WeeklyBucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[bucketKey{b.ActorID, b.WeekStart.String()}] = b
	return nil
}

func cloneGrant(g boost.Grant) boost.Grant {
	out := g
	if g.ExpiresAt != nil {
		t := *g.ExpiresAt
		out.ExpiresAt = &t
	}
	if g.ChargesRemaining != nil {
		n := *g.ChargesRemaining
		out.ChargesRemaining = &n
	}
	return out
}

func cloneRecord(r idempotency.Record) idempotency.Record {
	out := r
	out.Response = append([]byte(nil), r.Response...)
	return out
}
