// Package sessions drives the practice-session lifecycle and the reward
// pipeline that fires on completion. Every mutating entry point runs inside a
// single storage transaction together with its idempotency record, so a retry
// can never double-credit a wallet or double-advance a streak.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	apperr "github.com/questforge/engine/internal/errors"

	"github.com/questforge/engine/internal/domain/ledger"
	"github.com/questforge/engine/internal/domain/session"
	"github.com/questforge/engine/internal/metrics"
	"github.com/questforge/engine/internal/services/boosts"
	"github.com/questforge/engine/internal/services/campaigns"
	"github.com/questforge/engine/internal/services/idempotency"
	"github.com/questforge/engine/internal/services/streaks"
	"github.com/questforge/engine/internal/services/wallet"
	"github.com/questforge/engine/internal/storage"
	"github.com/questforge/engine/pkg/civil"
	"github.com/questforge/engine/pkg/logger"
)

// Route names recorded in the idempotency ledger.
const (
	routeStart    = "sessions.start"
	routeComplete = "sessions.complete"
	routeAbort    = "sessions.abort"
)

// RewardConfig carries the completion-reward tunables.
type RewardConfig struct {
	// BaseXP is the XP for a completed mission before boost multipliers.
	BaseXP int64
	// Coins is the flat coin reward per completion.
	Coins int64
	// StreakBonusCoins is credited per streak day on top of Coins.
	StreakBonusCoins int64
	// StreakBonusCap caps the streak days counted for the bonus.
	StreakBonusCap int
}

// Service orchestrates session state transitions.
type Service struct {
	reads   storage.Stores
	tx      storage.Transactor
	anchor  *time.Location
	rewards RewardConfig
	idemTTL time.Duration
	now     func() time.Time
	newID   func() string
	log     *logger.Logger
}

// New creates the session service. reads and tx are usually the same store
// value exposing both interfaces.
func New(reads storage.Stores, tx storage.Transactor, anchor *time.Location, rewards RewardConfig, idemTTL time.Duration, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("sessions")
	}
	return &Service{
		reads:   reads,
		tx:      tx,
		anchor:  anchor,
		rewards: rewards,
		idemTTL: idemTTL,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
		log:     log,
	}
}

// View is the serialized shape of a session, stored verbatim in the
// idempotency ledger so replays are byte-identical.
type View struct {
	ID          string         `json:"id"`
	ActorID     string         `json:"actorId"`
	Status      session.Status `json:"status"`
	MissionRef  string         `json:"missionRef,omitempty"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Reward      session.Reward `json:"reward"`
	StreakAfter int            `json:"streakAfter,omitempty"`
}

func viewOf(s session.Session) View {
	v := View{
		ID:          s.ID,
		ActorID:     s.ActorID,
		Status:      s.Status,
		MissionRef:  s.MissionRef,
		StartedAt:   s.StartedAt,
		Reward:      s.Reward,
		StreakAfter: s.StreakAfter,
	}
	if !s.CompletedAt.IsZero() {
		t := s.CompletedAt
		v.CompletedAt = &t
	}
	return v
}

// StartResult is the outcome of a start call.
type StartResult struct {
	Session View
	// AlreadyActive marks that an existing active session was returned
	// instead of a new one being created.
	AlreadyActive bool
	// Replayed marks a response served from the idempotency ledger.
	Replayed bool
}

// CompletionResult is the outcome of a complete call.
type CompletionResult struct {
	Session View           `json:"session"`
	Reward  session.Reward `json:"reward"`
	// Idempotent marks a completion of an already-completed session; the
	// reward is the persisted snapshot, never recomputed.
	Idempotent bool `json:"idempotent"`
	// Replayed marks a response served from the idempotency ledger.
	Replayed bool `json:"-"`
}

// deps are the transaction-scoped collaborators of one mutating call.
type deps struct {
	stores  storage.Stores
	ledger  *idempotency.Ledger
	wallet  *wallet.Service
	streaks *streaks.Service
	boosts  *boosts.Service
}

func (s *Service) withTx(ctx context.Context, fn func(d deps) error) error {
	return s.tx.WithinTx(ctx, func(st storage.Stores) error {
		return fn(deps{
			stores:  st,
			ledger:  idempotency.NewLedger(st, s.idemTTL, s.log),
			wallet:  wallet.New(st, s.log),
			streaks: streaks.New(st, s.anchor, s.log),
			boosts:  boosts.New(st, s.log),
		})
	})
}

// Start begins a session for the actor, or returns the existing active one.
// Two concurrent starts for the same actor yield the same session id.
func (s *Service) Start(ctx context.Context, actorID, missionRef, idemKey string, body []byte) (StartResult, error) {
	if actorID == "" {
		return StartResult{}, apperr.Validationf("actor id is required")
	}

	var result StartResult
	err := s.withTx(ctx, func(d deps) error {
		out, err := d.ledger.Begin(ctx, idemKey, routeStart, actorID, idempotency.HashBody(body))
		if err != nil {
			return err
		}
		if out.Decision == idempotency.DecisionReplay {
			if err := json.Unmarshal(out.Response, &result.Session); err != nil {
				return apperr.Storage("decode stored start response", err)
			}
			result.Replayed = true
			return nil
		}

		sess := session.Session{
			ID:         s.newID(),
			ActorID:    actorID,
			Status:     session.StatusActive,
			MissionRef: missionRef,
			StartedAt:  s.now(),
		}
		switch err := d.stores.InsertSession(ctx, sess); {
		case errors.Is(err, storage.ErrDuplicate):
			// Lost the single-active race; hand back the winner's row.
			existing, getErr := d.stores.GetActiveSession(ctx, actorID)
			if getErr != nil {
				return apperr.Storage("active session read-back", getErr)
			}
			sess = existing
			result.AlreadyActive = true
		case err != nil:
			return apperr.Storage("session insert", err)
		default:
			metrics.RecordSessionStart()
		}

		result.Session = viewOf(sess)
		payload, err := json.Marshal(result.Session)
		if err != nil {
			return apperr.Storage("encode start response", err)
		}
		return d.ledger.Complete(ctx, idemKey, routeStart, actorID, payload)
	})
	if err != nil {
		return StartResult{}, err
	}
	return result, nil
}

// Complete finishes an active session, computing and persisting its reward
// snapshot. Completing an already-completed session returns the snapshot with
// Idempotent set; aborted sessions cannot be completed.
func (s *Service) Complete(ctx context.Context, sessionID, idemKey string, body []byte) (CompletionResult, error) {
	if sessionID == "" {
		return CompletionResult{}, apperr.Validationf("session id is required")
	}

	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return CompletionResult{}, err
	}

	var result CompletionResult
	err = s.withTx(ctx, func(d deps) error {
		out, err := d.ledger.Begin(ctx, idemKey, routeComplete, sess.ActorID, idempotency.HashBody(body))
		if err != nil {
			return err
		}
		if out.Decision == idempotency.DecisionReplay {
			if err := json.Unmarshal(out.Response, &result); err != nil {
				return apperr.Storage("decode stored completion response", err)
			}
			result.Replayed = true
			return nil
		}

		// Re-read inside the transaction; the pre-read above only resolved the
		// actor id for the idempotency scope.
		current, err := d.stores.GetSession(ctx, sessionID)
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.NotFoundf("session %s not found", sessionID)
		}
		if err != nil {
			return apperr.Storage("session lookup", err)
		}

		switch current.Status {
		case session.StatusCompleted:
			result = CompletionResult{Session: viewOf(current), Reward: current.Reward, Idempotent: true}
			metrics.RecordSessionCompletion(true)
		case session.StatusAborted:
			return apperr.Conflictf("session %s was aborted", sessionID)
		case session.StatusActive:
			completed, err := s.completeActive(ctx, d, current)
			if err != nil {
				return err
			}
			result = CompletionResult{Session: viewOf(completed), Reward: completed.Reward}
			metrics.RecordSessionCompletion(false)
		default:
			return apperr.Conflictf("session %s in unknown state %q", sessionID, current.Status)
		}

		payload, err := json.Marshal(result)
		if err != nil {
			return apperr.Storage("encode completion response", err)
		}
		return d.ledger.Complete(ctx, idemKey, routeComplete, sess.ActorID, payload)
	})
	if err != nil {
		return CompletionResult{}, err
	}
	return result, nil
}

// completeActive runs the reward pipeline and flips the session to completed.
func (s *Service) completeActive(ctx context.Context, d deps, sess session.Session) (session.Session, error) {
	now := s.now()

	streak, err := d.streaks.RecordActivity(ctx, sess.ActorID, now)
	if err != nil {
		return session.Session{}, err
	}

	mult, err := d.boosts.XPMultiplier(ctx, sess.ActorID, now)
	if err != nil {
		return session.Session{}, err
	}

	xp := campaigns.ApplyBonus(s.rewards.BaseXP, mult)
	bonusDays := streak.Current
	if s.rewards.StreakBonusCap > 0 && bonusDays > s.rewards.StreakBonusCap {
		bonusDays = s.rewards.StreakBonusCap
	}
	coins := s.rewards.Coins + s.rewards.StreakBonusCoins*int64(bonusDays)

	sess.Status = session.StatusCompleted
	sess.CompletedAt = now
	sess.Reward = session.Reward{XP: xp, Coins: coins}
	sess.StreakAfter = streak.Current

	if err := d.stores.UpdateSession(ctx, sess, session.StatusActive); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return session.Session{}, apperr.Conflictf("session %s completed concurrently", sess.ID)
		}
		return session.Session{}, apperr.Storage("session update", err)
	}

	if _, err := d.wallet.AdjustClamped(ctx, sess.ActorID, wallet.Delta{Coins: coins, XP: xp}); err != nil {
		return session.Session{}, err
	}

	if err := d.stores.InsertXPEvent(ctx, ledger.XPEvent{
		ID:         s.newID(),
		ActorID:    sess.ActorID,
		Amount:     xp,
		Kind:       ledger.KindSessionReward,
		SourceRef:  sess.ID,
		OccurredAt: now,
	}); err != nil {
		return session.Session{}, apperr.Storage("xp event insert", err)
	}

	if err := s.rollUpWeekly(ctx, d.stores, sess.ActorID, xp, now); err != nil {
		return session.Session{}, err
	}

	s.log.WithField("session", sess.ID).
		WithField("actor", sess.ActorID).
		WithField("xp", xp).
		WithField("coins", coins).
		Info("session completed")
	return sess, nil
}

// rollUpWeekly increments the write-back weekly bucket for the event's week.
func (s *Service) rollUpWeekly(ctx context.Context, st storage.Stores, actorID string, xp int64, at time.Time) error {
	weekStart := civil.DateOf(at, s.anchor).WeekStart()
	bucket, err := st.GetWeeklyBucket(ctx, actorID, weekStart)
	if errors.Is(err, storage.ErrNotFound) {
		bucket = ledger.WeeklyBucket{ActorID: actorID, WeekStart: weekStart}
	} else if err != nil {
		return apperr.Storage("weekly bucket lookup", err)
	}
	bucket.XP += xp
	bucket.UpdatedAt = at
	if err := st.UpsertWeeklyBucket(ctx, bucket); err != nil {
		return apperr.Storage("weekly bucket upsert", err)
	}
	return nil
}

// Abort transitions an active session to aborted; no reward is granted.
func (s *Service) Abort(ctx context.Context, sessionID, idemKey string, body []byte) (View, error) {
	if sessionID == "" {
		return View{}, apperr.Validationf("session id is required")
	}

	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return View{}, err
	}

	var result View
	err = s.withTx(ctx, func(d deps) error {
		out, err := d.ledger.Begin(ctx, idemKey, routeAbort, sess.ActorID, idempotency.HashBody(body))
		if err != nil {
			return err
		}
		if out.Decision == idempotency.DecisionReplay {
			return json.Unmarshal(out.Response, &result)
		}

		current, err := d.stores.GetSession(ctx, sessionID)
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.NotFoundf("session %s not found", sessionID)
		}
		if err != nil {
			return apperr.Storage("session lookup", err)
		}
		if current.Status != session.StatusActive {
			return apperr.Conflictf("session %s is not active", sessionID)
		}

		current.Status = session.StatusAborted
		current.CompletedAt = s.now()
		if err := d.stores.UpdateSession(ctx, current, session.StatusActive); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return apperr.Conflictf("session %s changed state concurrently", sessionID)
			}
			return apperr.Storage("session update", err)
		}

		result = viewOf(current)
		payload, err := json.Marshal(result)
		if err != nil {
			return apperr.Storage("encode abort response", err)
		}
		return d.ledger.Complete(ctx, idemKey, routeAbort, sess.ActorID, payload)
	})
	if err != nil {
		return View{}, err
	}
	return result, nil
}

// Get returns a session by id.
func (s *Service) Get(ctx context.Context, sessionID string) (session.Session, error) {
	sess, err := s.reads.GetSession(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return session.Session{}, apperr.NotFoundf("session %s not found", sessionID)
	}
	if err != nil {
		return session.Session{}, apperr.Storage("session lookup", err)
	}
	return sess, nil
}

// GetActive returns the actor's active session.
func (s *Service) GetActive(ctx context.Context, actorID string) (session.Session, error) {
	sess, err := s.reads.GetActiveSession(ctx, actorID)
	if errors.Is(err, storage.ErrNotFound) {
		return session.Session{}, apperr.NotFoundf("no active session for actor %s", actorID)
	}
	if err != nil {
		return session.Session{}, apperr.Storage("active session lookup", err)
	}
	return sess, nil
}
