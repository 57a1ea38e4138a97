// Package weekly rolls XP events up into Monday-anchored weekly buckets and
// serves them with a content fingerprint for conditional reads.
//
// The buckets are a read-through, write-back cache over the event stream: a
// persisted bucket is trusted only while no event for the actor is newer than
// the bucket's updatedAt; otherwise the bucket is recomputed from raw events
// and upserted. Concurrent recomputation is tolerated (last writer wins).
package weekly

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperr "github.com/questforge/engine/internal/errors"

	"github.com/questforge/engine/internal/domain/ledger"
	"github.com/questforge/engine/internal/storage"
	"github.com/questforge/engine/pkg/civil"
	"github.com/questforge/engine/pkg/logger"
)

// SnapshotCache stores serialized series keyed by fingerprint. Implemented by
// the redis store; optional.
type SnapshotCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte) error
}

// Series is one actor's weekly XP totals over a date range.
type Series struct {
	Labels      []string `json:"labels"` // week start dates, YYYY-MM-DD
	Values      []int64  `json:"values"`
	Fingerprint string   `json:"fingerprint"`
}

// Service computes weekly series.
type Service struct {
	store  storage.LedgerStore
	anchor *time.Location
	cache  SnapshotCache
	now    func() time.Time
	log    *logger.Logger
}

// New creates the weekly service bound to the anchor timezone.
func New(store storage.LedgerStore, anchor *time.Location, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("weekly")
	}
	return &Service{store: store, anchor: anchor, now: func() time.Time { return time.Now().UTC() }, log: log}
}

// WithCache attaches a snapshot cache and returns the service for chaining.
func (s *Service) WithCache(c SnapshotCache) *Service {
	s.cache = c
	return s
}

// GetWeeklyXP returns one value per civil week between from and to inclusive.
func (s *Service) GetWeeklyXP(ctx context.Context, actorID string, from, to civil.Date) (Series, error) {
	if actorID == "" {
		return Series{}, apperr.Validationf("actor id is required")
	}
	if to.Before(from) {
		return Series{}, apperr.Validationf("range end %s precedes start %s", to, from)
	}

	first := from.WeekStart()
	last := to.WeekStart()

	var (
		labels     []string
		values     []int64
		maxUpdated time.Time
	)
	for ws := first; !last.Before(ws); ws = ws.AddDays(7) {
		bucket, err := s.bucketFor(ctx, actorID, ws)
		if err != nil {
			return Series{}, err
		}
		labels = append(labels, ws.String())
		values = append(values, bucket.XP)
		if bucket.UpdatedAt.After(maxUpdated) {
			maxUpdated = bucket.UpdatedAt
		}
	}

	series := Series{
		Labels:      labels,
		Values:      values,
		Fingerprint: fingerprint(actorID, first, last, maxUpdated),
	}

	if s.cache != nil {
		if err := s.storeSnapshot(ctx, series); err != nil {
			// The cache is an accelerator, not the system of record.
			s.log.WithError(err).Warn("weekly snapshot cache write failed")
		}
	}
	return series, nil
}

// Snapshot returns the cached serialized series for a fingerprint, if present.
func (s *Service) Snapshot(ctx context.Context, fp string) ([]byte, bool, error) {
	if s.cache == nil {
		return nil, false, nil
	}
	payload, ok, err := s.cache.Get(ctx, snapshotKey(fp))
	if err != nil {
		return nil, false, apperr.Storage("weekly snapshot read", err)
	}
	return payload, ok, nil
}

// bucketFor returns a trustworthy bucket for the week, recomputing from raw
// events when the stream has moved past the persisted bucket.
func (s *Service) bucketFor(ctx context.Context, actorID string, ws civil.Date) (ledger.WeeklyBucket, error) {
	weekFrom := ws.In(s.anchor)
	weekTo := ws.AddDays(7).In(s.anchor)

	latest, err := s.store.LatestXPEventAt(ctx, actorID, weekFrom, weekTo)
	if err != nil {
		return ledger.WeeklyBucket{}, apperr.Storage("weekly event scan", err)
	}

	bucket, err := s.store.GetWeeklyBucket(ctx, actorID, ws)
	switch {
	case err == nil && !latest.After(bucket.UpdatedAt):
		return bucket, nil
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return ledger.WeeklyBucket{}, apperr.Storage("weekly bucket lookup", err)
	}

	if latest.IsZero() {
		// No events and no bucket: an empty week, nothing to persist.
		return ledger.WeeklyBucket{ActorID: actorID, WeekStart: ws}, nil
	}

	sum, err := s.store.SumXPEvents(ctx, actorID, weekFrom, weekTo)
	if err != nil {
		return ledger.WeeklyBucket{}, apperr.Storage("weekly event sum", err)
	}
	bucket = ledger.WeeklyBucket{ActorID: actorID, WeekStart: ws, XP: sum, UpdatedAt: s.now()}
	if err := s.store.UpsertWeeklyBucket(ctx, bucket); err != nil {
		return ledger.WeeklyBucket{}, apperr.Storage("weekly bucket upsert", err)
	}
	return bucket, nil
}

func (s *Service) storeSnapshot(ctx context.Context, series Series) error {
	payload, err := json.Marshal(series)
	if err != nil {
		return fmt.Errorf("encode weekly series: %w", err)
	}
	return s.cache.Set(ctx, snapshotKey(series.Fingerprint), payload)
}

func snapshotKey(fp string) string { return "weekly:" + fp }

// fingerprint hashes everything that determines the response so callers can
// short-circuit conditional reads.
func fingerprint(actorID string, from, to civil.Date, maxUpdated time.Time) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d", actorID, from, to, maxUpdated.UnixNano())
	return hex.EncodeToString(h.Sum(nil))
}
