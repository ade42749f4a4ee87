package membership

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/memberd/internal/membership/metrics"
	"github.com/rcourtman/memberd/internal/membership/subscription"
)

const memberStatusMetricsInterval = 30 * time.Second

type statusCounter interface {
	CountByStatus(ctx context.Context) (map[subscription.Status]int, error)
}

func runMemberStatusMetrics(ctx context.Context, src statusCounter) {
	ticker := time.NewTicker(memberStatusMetricsInterval)
	defer ticker.Stop()

	// Prime once at startup so /metrics isn't empty for this gauge.
	updateMemberStatusGauges(ctx, src)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateMemberStatusGauges(ctx, src)
		}
	}
}

func updateMemberStatusGauges(ctx context.Context, src statusCounter) {
	counts, err := src.CountByStatus(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to update member status metrics")
		return
	}

	seen := make(map[subscription.Status]struct{}, len(counts))

	// Ensure stable label set for known statuses.
	for _, status := range subscription.Known {
		seen[status] = struct{}{}
		metrics.MembersByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}

	// Stripe may introduce statuses we do not model yet.
	for status, c := range counts {
		if _, ok := seen[status]; ok {
			continue
		}
		metrics.MembersByStatus.WithLabelValues(string(status)).Set(float64(c))
	}
}
