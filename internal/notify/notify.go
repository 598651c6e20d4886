// Package notify is the low-latency "work may be available" channel
// between the enqueue/reset paths and idle workers. It is built on
// PostgreSQL NOTIFY: delivery is best-effort and carries no job payload,
// so workers always re-query the store, and a polling fallback makes
// correctness independent of delivery.
package notify

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Papyszoo/Modelibr-sub007/internal/domain"
)

// Channel is the NOTIFY channel name shared by publishers and listeners.
const Channel = "thumbnail_jobs_available"

// Publisher broadcasts availability pings. Fire-and-forget: a failed
// publish is not an error the enqueue path should surface, since the
// poll fallback covers missed notifications.
type Publisher struct {
	pool *pgxpool.Pool
}

func NewPublisher(pool *pgxpool.Pool) *Publisher {
	return &Publisher{pool: pool}
}

// Publish pings all subscribed workers. The payload is the subject type
// name, advisory only.
func (p *Publisher) Publish(ctx context.Context, subject domain.SubjectType) error {
	if _, err := p.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, Channel, string(subject)); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}
