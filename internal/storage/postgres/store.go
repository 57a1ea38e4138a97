// Package postgres implements storage.Stores on PostgreSQL via sqlx. The same
// Store type serves both pooled and transaction-scoped access: WithinTx hands
// the callback a Store bound to the open transaction.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/questforge/engine/internal/domain/actor"
	"github.com/questforge/engine/internal/domain/boost"
	"github.com/questforge/engine/internal/domain/campaign"
	"github.com/questforge/engine/internal/domain/idempotency"
	"github.com/questforge/engine/internal/domain/ledger"
	"github.com/questforge/engine/internal/domain/session"
	"github.com/questforge/engine/internal/storage"
	"github.com/questforge/engine/pkg/civil"
)

// Store executes queries against either a *sqlx.DB or a *sqlx.Tx.
type Store struct {
	db  *sqlx.DB // nil when tx-bound
	ext sqlx.ExtContext
}

// New wraps an open database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, ext: db}
}

var (
	_ storage.Stores     = (*Store)(nil)
	_ storage.Transactor = (*Store)(nil)
)

// WithinTx runs fn against a transaction-bound view of the store.
func (s *Store) WithinTx(ctx context.Context, fn func(storage.Stores) error) error {
	if s.db == nil {
		// Already inside a transaction; nested calls join it.
		return fn(s)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Store{ext: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --- wallets ---

type walletRow struct {
	ActorID   string    `db:"actor_id"`
	Coins     int64     `db:"coins"`
	Gems      int64     `db:"gems"`
	XP        int64     `db:"xp"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (s *Store) GetWallet(ctx context.Context, actorID string) (actor.Wallet, error) {
	const q = `INSERT INTO wallets (actor_id, coins, gems, xp, updated_at)
		VALUES ($1, 0, 0, 0, NOW())
		ON CONFLICT (actor_id) DO UPDATE SET actor_id = EXCLUDED.actor_id
		RETURNING actor_id, coins, gems, xp, updated_at`
	var row walletRow
	if err := sqlx.GetContext(ctx, s.ext, &row, q, actorID); err != nil {
		return actor.Wallet{}, fmt.Errorf("get wallet %s: %w", actorID, err)
	}
	return actor.Wallet(row), nil
}

func (s *Store) SaveWallet(ctx context.Context, w actor.Wallet) error {
	const q = `INSERT INTO wallets (actor_id, coins, gems, xp, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (actor_id) DO UPDATE
		SET coins = EXCLUDED.coins, gems = EXCLUDED.gems, xp = EXCLUDED.xp,
		    updated_at = EXCLUDED.updated_at`
	if _, err := s.ext.ExecContext(ctx, q, w.ActorID, w.Coins, w.Gems, w.XP, w.UpdatedAt); err != nil {
		return fmt.Errorf("save wallet %s: %w", w.ActorID, err)
	}
	return nil
}

// --- streaks ---

type streakRow struct {
	ActorID        string       `db:"actor_id"`
	Current        int          `db:"current"`
	LastActiveDate sql.NullTime `db:"last_active_date"`
	UpdatedAt      time.Time    `db:"updated_at"`
}

func (s *Store) GetStreak(ctx context.Context, actorID string) (actor.StreakState, error) {
	const q = `SELECT actor_id, current, last_active_date, updated_at
		FROM streaks WHERE actor_id = $1`
	var row streakRow
	err := sqlx.GetContext(ctx, s.ext, &row, q, actorID)
	if errors.Is(err, sql.ErrNoRows) {
		return actor.StreakState{ActorID: actorID}, nil
	}
	if err != nil {
		return actor.StreakState{}, fmt.Errorf("get streak %s: %w", actorID, err)
	}
	st := actor.StreakState{ActorID: row.ActorID, Current: row.Current, UpdatedAt: row.UpdatedAt}
	if row.LastActiveDate.Valid {
		st.LastActiveDate = civil.DateOf(row.LastActiveDate.Time, time.UTC)
	}
	return st, nil
}

func (s *Store) SaveStreak(ctx context.Context, st actor.StreakState) error {
	const q = `INSERT INTO streaks (actor_id, current, last_active_date, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (actor_id) DO UPDATE
		SET current = EXCLUDED.current,
		    last_active_date = EXCLUDED.last_active_date,
		    updated_at = EXCLUDED.updated_at`
	var last interface{}
	if !st.LastActiveDate.IsZero() {
		last = st.LastActiveDate.String()
	}
	if _, err := s.ext.ExecContext(ctx, q, st.ActorID, st.Current, last, st.UpdatedAt); err != nil {
		return fmt.Errorf("save streak %s: %w", st.ActorID, err)
	}
	return nil
}

// --- boost grants ---

type grantRow struct {
	ActorID          string        `db:"actor_id"`
	Key              string        `db:"key"`
	ExpiresAt        sql.NullTime  `db:"expires_at"`
	ChargesRemaining sql.NullInt64 `db:"charges_remaining"`
	GrantedAt        time.Time     `db:"granted_at"`
}

func (r grantRow) toDomain() boost.Grant {
	g := boost.Grant{ActorID: r.ActorID, Key: r.Key, GrantedAt: r.GrantedAt}
	if r.ExpiresAt.Valid {
		t := r.ExpiresAt.Time
		g.ExpiresAt = &t
	}
	if r.ChargesRemaining.Valid {
		n := int(r.ChargesRemaining.Int64)
		g.ChargesRemaining = &n
	}
	return g
}

func (s *Store) GetGrant(ctx context.Context, actorID, key string) (boost.Grant, error) {
	const q = `SELECT actor_id, key, expires_at, charges_remaining, granted_at
		FROM boost_grants WHERE actor_id = $1 AND key = $2`
	var row grantRow
	err := sqlx.GetContext(ctx, s.ext, &row, q, actorID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return boost.Grant{}, storage.ErrNotFound
	}
	if err != nil {
		return boost.Grant{}, fmt.Errorf("get grant %s/%s: %w", actorID, key, err)
	}
	return row.toDomain(), nil
}

func (s *Store) SaveGrant(ctx context.Context, g boost.Grant) error {
	const q = `INSERT INTO boost_grants (actor_id, key, expires_at, charges_remaining, granted_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (actor_id, key) DO UPDATE
		SET expires_at = EXCLUDED.expires_at,
		    charges_remaining = EXCLUDED.charges_remaining,
		    granted_at = EXCLUDED.granted_at`
	var expires interface{}
	if g.ExpiresAt != nil {
		expires = *g.ExpiresAt
	}
	var charges interface{}
	if g.ChargesRemaining != nil {
		charges = *g.ChargesRemaining
	}
	if _, err := s.ext.ExecContext(ctx, q, g.ActorID, g.Key, expires, charges, g.GrantedAt); err != nil {
		return fmt.Errorf("save grant %s/%s: %w", g.ActorID, g.Key, err)
	}
	return nil
}

func (s *Store) ListGrants(ctx context.Context, actorID string) ([]boost.Grant, error) {
	const q = `SELECT actor_id, key, expires_at, charges_remaining, granted_at
		FROM boost_grants WHERE actor_id = $1 ORDER BY key`
	var rows []grantRow
	if err := sqlx.SelectContext(ctx, s.ext, &rows, q, actorID); err != nil {
		return nil, fmt.Errorf("list grants %s: %w", actorID, err)
	}
	out := make([]boost.Grant, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) DecrementCharge(ctx context.Context, actorID, key string) (boost.Grant, error) {
	const q = `UPDATE boost_grants
		SET charges_remaining = charges_remaining - 1
		WHERE actor_id = $1 AND key = $2 AND charges_remaining > 0
		RETURNING actor_id, key, expires_at, charges_remaining, granted_at`
	var row grantRow
	err := sqlx.GetContext(ctx, s.ext, &row, q, actorID, key)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetGrant(ctx, actorID, key); errors.Is(getErr, storage.ErrNotFound) {
			return boost.Grant{}, storage.ErrNotFound
		}
		return boost.Grant{}, storage.ErrNoCharges
	}
	if err != nil {
		return boost.Grant{}, fmt.Errorf("decrement charge %s/%s: %w", actorID, key, err)
	}
	return row.toDomain(), nil
}

// --- campaigns ---

type campaignRow struct {
	Key        string    `db:"key"`
	StartsAt   time.Time `db:"starts_at"`
	EndsAt     time.Time `db:"ends_at"`
	Active     bool      `db:"active"`
	Multiplier float64   `db:"multiplier"`
}

func (s *Store) GetCampaign(ctx context.Context, key string) (campaign.Campaign, error) {
	const q = `SELECT key, starts_at, ends_at, active, multiplier FROM campaigns WHERE key = $1`
	var row campaignRow
	err := sqlx.GetContext(ctx, s.ext, &row, q, key)
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Campaign{}, storage.ErrNotFound
	}
	if err != nil {
		return campaign.Campaign{}, fmt.Errorf("get campaign %s: %w", key, err)
	}
	return campaign.Campaign(row), nil
}

func (s *Store) SaveCampaign(ctx context.Context, c campaign.Campaign) error {
	const q = `INSERT INTO campaigns (key, starts_at, ends_at, active, multiplier)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE
		SET starts_at = EXCLUDED.starts_at, ends_at = EXCLUDED.ends_at,
		    active = EXCLUDED.active, multiplier = EXCLUDED.multiplier`
	if _, err := s.ext.ExecContext(ctx, q, c.Key, c.StartsAt, c.EndsAt, c.Active, c.Multiplier); err != nil {
		return fmt.Errorf("save campaign %s: %w", c.Key, err)
	}
	return nil
}

func (s *Store) ListCampaigns(ctx context.Context) ([]campaign.Campaign, error) {
	const q = `SELECT key, starts_at, ends_at, active, multiplier FROM campaigns ORDER BY key`
	var rows []campaignRow
	if err := sqlx.SelectContext(ctx, s.ext, &rows, q); err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	out := make([]campaign.Campaign, 0, len(rows))
	for _, r := range rows {
		out = append(out, campaign.Campaign(r))
	}
	return out, nil
}

// --- idempotency records ---

type recordRow struct {
	Key       string    `db:"key"`
	Route     string    `db:"route"`
	ActorID   string    `db:"actor_id"`
	BodyHash  string    `db:"body_hash"`
	Status    string    `db:"status"`
	Response  []byte    `db:"response"`
	CreatedAt time.Time `db:"created_at"`
	ExpiresAt time.Time `db:"expires_at"`
}

func (s *Store) GetRecord(ctx context.Context, key, route, actorID string) (idempotency.Record, error) {
	const q = `SELECT key, route, actor_id, body_hash, status, response, created_at, expires_at
		FROM idempotency_records WHERE key = $1 AND route = $2 AND actor_id = $3`
	var row recordRow
	err := sqlx.GetContext(ctx, s.ext, &row, q, key, route, actorID)
	if errors.Is(err, sql.ErrNoRows) {
		return idempotency.Record{}, storage.ErrNotFound
	}
	if err != nil {
		return idempotency.Record{}, fmt.Errorf("get record %s: %w", key, err)
	}
	return idempotency.Record{
		Key: row.Key, Route: row.Route, ActorID: row.ActorID,
		BodyHash: row.BodyHash, Status: idempotency.Status(row.Status),
		Response: row.Response, CreatedAt: row.CreatedAt, ExpiresAt: row.ExpiresAt,
	}, nil
}

func (s *Store) InsertRecord(ctx context.Context, r idempotency.Record) error {
	// An expired slot is overwritten; a live one makes the insert a no-op,
	// reported as ErrDuplicate via the row count.
	const q = `INSERT INTO idempotency_records
		(key, route, actor_id, body_hash, status, response, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (key, route, actor_id) DO UPDATE
		SET body_hash = EXCLUDED.body_hash, status = EXCLUDED.status,
		    response = EXCLUDED.response, created_at = EXCLUDED.created_at,
		    expires_at = EXCLUDED.expires_at
		WHERE idempotency_records.expires_at <= EXCLUDED.created_at`
	res, err := s.ext.ExecContext(ctx, q,
		r.Key, r.Route, r.ActorID, r.BodyHash, string(r.Status), r.Response, r.CreatedAt, r.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert record %s: %w", r.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert record %s: rows affected: %w", r.Key, err)
	}
	if n == 0 {
		return storage.ErrDuplicate
	}
	return nil
}

func (s *Store) CompleteRecord(ctx context.Context, key, route, actorID string, response []byte) error {
	const q = `UPDATE idempotency_records
		SET status = 'completed', response = $4
		WHERE key = $1 AND route = $2 AND actor_id = $3`
	res, err := s.ext.ExecContext(ctx, q, key, route, actorID, response)
	if err != nil {
		return fmt.Errorf("complete record %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	const q = `DELETE FROM idempotency_records WHERE expires_at <= $1`
	res, err := s.ext.ExecContext(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired records: rows affected: %w", err)
	}
	return int(n), nil
}

// --- sessions ---

type sessionRow struct {
	ID          string       `db:"id"`
	ActorID     string       `db:"actor_id"`
	Status      string       `db:"status"`
	MissionRef  string       `db:"mission_ref"`
	StartedAt   time.Time    `db:"started_at"`
	CompletedAt sql.NullTime `db:"completed_at"`
	RewardXP    int64        `db:"reward_xp"`
	RewardCoins int64        `db:"reward_coins"`
	RewardGems  int64        `db:"reward_gems"`
	StreakAfter int          `db:"streak_after"`
}

func (r sessionRow) toDomain() session.Session {
	s := session.Session{
		ID: r.ID, ActorID: r.ActorID, Status: session.Status(r.Status),
		MissionRef: r.MissionRef, StartedAt: r.StartedAt,
		Reward:      session.Reward{XP: r.RewardXP, Coins: r.RewardCoins, Gems: r.RewardGems},
		StreakAfter: r.StreakAfter,
	}
	if r.CompletedAt.Valid {
		s.CompletedAt = r.CompletedAt.Time
	}
	return s
}

const sessionColumns = `id, actor_id, status, mission_ref, started_at, completed_at,
	reward_xp, reward_coins, reward_gems, streak_after`

func (s *Store) GetSession(ctx context.Context, id string) (session.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	var row sessionRow
	err := sqlx.GetContext(ctx, s.ext, &row, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, storage.ErrNotFound
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return row.toDomain(), nil
}

func (s *Store) GetActiveSession(ctx context.Context, actorID string) (session.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE actor_id = $1 AND status = 'active'`
	var row sessionRow
	err := sqlx.GetContext(ctx, s.ext, &row, q, actorID)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, storage.ErrNotFound
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("get active session %s: %w", actorID, err)
	}
	return row.toDomain(), nil
}

func (s *Store) InsertSession(ctx context.Context, sess session.Session) error {
	// The partial unique index on (actor_id) WHERE status = 'active' enforces
	// the one-active-session invariant under concurrency. DO NOTHING keeps the
	// losing insert from raising and aborting the surrounding transaction, so
	// the caller can still read back the winner's row on ErrDuplicate.
	const q = `INSERT INTO sessions
		(id, actor_id, status, mission_ref, started_at, completed_at,
		 reward_xp, reward_coins, reward_gems, streak_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (actor_id) WHERE status = 'active' DO NOTHING`
	var completed interface{}
	if !sess.CompletedAt.IsZero() {
		completed = sess.CompletedAt
	}
	res, err := s.ext.ExecContext(ctx, q,
		sess.ID, sess.ActorID, string(sess.Status), sess.MissionRef,
		sess.StartedAt, completed,
		sess.Reward.XP, sess.Reward.Coins, sess.Reward.Gems, sess.StreakAfter)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", sess.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert session %s: rows affected: %w", sess.ID, err)
	}
	if n == 0 {
		return storage.ErrDuplicate
	}
	return nil
}

func (s *Store) UpdateSession(ctx context.Context, sess session.Session, prior session.Status) error {
	const q = `UPDATE sessions
		SET status = $2, completed_at = $3,
		    reward_xp = $4, reward_coins = $5, reward_gems = $6, streak_after = $7
		WHERE id = $1 AND status = $8`
	var completed interface{}
	if !sess.CompletedAt.IsZero() {
		completed = sess.CompletedAt
	}
	res, err := s.ext.ExecContext(ctx, q,
		sess.ID, string(sess.Status), completed,
		sess.Reward.XP, sess.Reward.Coins, sess.Reward.Gems, sess.StreakAfter,
		string(prior))
	if err != nil {
		return fmt.Errorf("update session %s: %w", sess.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// --- xp ledger ---

func (s *Store) InsertXPEvent(ctx context.Context, ev ledger.XPEvent) error {
	const q = `INSERT INTO xp_events (id, actor_id, amount, kind, source_ref, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := s.ext.ExecContext(ctx, q,
		ev.ID, ev.ActorID, ev.Amount, ev.Kind, ev.SourceRef, ev.OccurredAt); err != nil {
		return fmt.Errorf("insert xp event %s: %w", ev.ID, err)
	}
	return nil
}

func (s *Store) LatestXPEventAt(ctx context.Context, actorID string, from, to time.Time) (time.Time, error) {
	const q = `SELECT MAX(occurred_at) FROM xp_events
		WHERE actor_id = $1 AND occurred_at >= $2 AND occurred_at < $3`
	var latest sql.NullTime
	if err := sqlx.GetContext(ctx, s.ext, &latest, q, actorID, from, to); err != nil {
		return time.Time{}, fmt.Errorf("latest xp event %s: %w", actorID, err)
	}
	if !latest.Valid {
		return time.Time{}, nil
	}
	return latest.Time, nil
}

func (s *Store) SumXPEvents(ctx context.Context, actorID string, from, to time.Time) (int64, error) {
	const q = `SELECT COALESCE(SUM(amount), 0) FROM xp_events
		WHERE actor_id = $1 AND occurred_at >= $2 AND occurred_at < $3`
	var sum int64
	if err := sqlx.GetContext(ctx, s.ext, &sum, q, actorID, from, to); err != nil {
		return 0, fmt.Errorf("sum xp events %s: %w", actorID, err)
	}
	return sum, nil
}

func (s *Store) GetWeeklyBucket(ctx context.Context, actorID string, weekStart civil.Date) (ledger.WeeklyBucket, error) {
	const q = `SELECT actor_id, week_start, xp, updated_at
		FROM weekly_buckets WHERE actor_id = $1 AND week_start = $2`
	var row struct {
		ActorID   string    `db:"actor_id"`
		WeekStart time.Time `db:"week_start"`
		XP        int64     `db:"xp"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	err := sqlx.GetContext(ctx, s.ext, &row, q, actorID, weekStart.String())
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.WeeklyBucket{}, storage.ErrNotFound
	}
	if err != nil {
		return ledger.WeeklyBucket{}, fmt.Errorf("get weekly bucket %s/%s: %w", actorID, weekStart, err)
	}
	return ledger.WeeklyBucket{
		ActorID:   row.ActorID,
		WeekStart: civil.DateOf(row.WeekStart, time.UTC),
		XP:        row.XP,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

func (s *Store) UpsertWeeklyBucket(ctx context.Context, b ledger.WeeklyBucket) error {
	const q = `INSERT INTO weekly_buckets (actor_id, week_start, xp, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (actor_id, week_start) DO UPDATE
		SET xp = EXCLUDED.xp, updated_at = EXCLUDED.updated_at`
	if _, err := s.ext.ExecContext(ctx, q, b.ActorID, b.WeekStart.String(), b.XP, b.UpdatedAt); err != nil {
		return fmt.Errorf("upsert weekly bucket %s/%s: %w", b.ActorID, b.WeekStart, err)
	}
	return nil
}
