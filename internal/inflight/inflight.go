// Package inflight tracks currently executing renders per subject type
// in Redis, for the health endpoint and operational dashboards. It is
// advisory only: the job store's lock fields remain the source of truth.
package inflight

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/Papyszoo/Modelibr-sub007/internal/domain"
)

// Key returns the per-subject-type inflight SET key.
func Key(subject domain.SubjectType) string {
	return fmt.Sprintf("modelibr:render:%s:inflight", subject)
}

// Tracker records active executions in per-subject SETs. Using a SET
// rather than a counter means Release is idempotent: a crashed worker or
// a double-release can never push the count negative.
type Tracker struct {
	rc *redis.Client
}

func NewTracker(rc *redis.Client) *Tracker {
	return &Tracker{rc: rc}
}

func (t *Tracker) Claim(ctx context.Context, subject domain.SubjectType, jobID string) error {
	return t.rc.SAdd(ctx, Key(subject), jobID).Err()
}

// Release removes a job from the inflight SET. SREM on a missing member
// is a no-op, so it is safe to call on any exit path.
func (t *Tracker) Release(ctx context.Context, subject domain.SubjectType, jobID string) error {
	return t.rc.SRem(ctx, Key(subject), jobID).Err()
}

func (t *Tracker) Count(ctx context.Context, subject domain.SubjectType) (int64, error) {
	return t.rc.SCard(ctx, Key(subject)).Result()
}

// Counts returns the inflight gauge for every subject type.
func (t *Tracker) Counts(ctx context.Context) (map[domain.SubjectType]int64, error) {
	counts := make(map[domain.SubjectType]int64)
	for _, s := range []domain.SubjectType{domain.SubjectModel, domain.SubjectSound, domain.SubjectTextureSet} {
		n, err := t.Count(ctx, s)
		if err != nil {
			return nil, fmt.Errorf("inflight count for %s: %w", s, err)
		}
		counts[s] = n
	}
	return counts, nil
}
