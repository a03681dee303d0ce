package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"weather-analytics/internal/models"
	"weather-analytics/pkg/cache"
	"weather-analytics/pkg/logging"
	"weather-analytics/pkg/metrics"
)

// cachedObservationRepository decorates an ObservationRepository with a TTL
// cache around FetchObservations. Writes pass through uncached; staleness is
// bounded by the cache TTL.
type cachedObservationRepository struct {
	inner   ObservationRepository
	cache   cache.Cache
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewCachedObservationRepository wraps repo with a query-result cache.
func NewCachedObservationRepository(inner ObservationRepository, c cache.Cache, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) ObservationRepository {
	return &cachedObservationRepository{
		inner:   inner,
		cache:   c,
		logger:  logger,
		metrics: metricsCollector,
	}
}

func (r *cachedObservationRepository) FetchObservations(ctx context.Context, query ObservationQuery) ([]*models.Observation, error) {
	key := queryCacheKey(query)

	if data, ok, err := r.cache.Get(ctx, key); err == nil && ok {
		var observations []*models.Observation
		if err := json.Unmarshal(data, &observations); err == nil {
			r.metrics.CacheHitsTotal.Inc()
			return observations, nil
		}
		// Corrupt entry; fall through to the store.
		r.logger.Warn(ctx, "[CACHE_DECODE_WARNING] Discarding undecodable cache entry", logging.Fields{
			"key": key,
		})
	} else if err != nil {
		// A broken cache must never fail the analysis; log and continue.
		r.logger.Warn(ctx, "[CACHE_GET_WARNING] Cache lookup failed", logging.Fields{
			"key":   key,
			"error": err.Error(),
		})
	}

	r.metrics.CacheMissesTotal.Inc()

	observations, err := r.inner.FetchObservations(ctx, query)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(observations); err == nil {
		if err := r.cache.Set(ctx, key, data); err != nil {
			r.logger.Warn(ctx, "[CACHE_SET_WARNING] Cache store failed", logging.Fields{
				"key":   key,
				"error": err.Error(),
			})
		}
	}

	return observations, nil
}

func (r *cachedObservationRepository) CreateObservationsBatch(ctx context.Context, observations []*models.Observation) error {
	return r.inner.CreateObservationsBatch(ctx, observations)
}

func (r *cachedObservationRepository) ListStations(ctx context.Context) ([]string, error) {
	return r.inner.ListStations(ctx)
}

func (r *cachedObservationRepository) HealthCheck(ctx context.Context) error {
	return r.inner.HealthCheck(ctx)
}

// queryCacheKey derives a stable cache key from every field of the query.
func queryCacheKey(query ObservationQuery) string {
	station := ""
	if query.StationID != nil {
		station = *query.StationID
	}

	raw := fmt.Sprintf("obs|%d|%d|%s|%s|%d",
		query.Start.UnixNano(),
		query.End.UnixNano(),
		station,
		strings.Join(query.Parameters, ","),
		query.Limit,
	)

	sum := sha256.Sum256([]byte(raw))
	return "weather:query:" + hex.EncodeToString(sum[:16])
}
