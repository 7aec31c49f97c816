// Package universe resolves solar systems to their constellation and region.
package universe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/zifox666/xiaobawang/internal/config"
	"github.com/zifox666/xiaobawang/internal/domain"
	"github.com/zifox666/xiaobawang/internal/store"
)

// Resolver looks up where a solar system sits in the universe
type Resolver interface {
	Locate(ctx context.Context, systemID int64) (domain.Location, error)
}

// ESIResolver queries the public game API and caches answers in a Store.
// Universe topology is static, so entries live for CacheTTL.
type ESIResolver struct {
	baseURL   string
	client    *http.Client
	cache     store.Store
	ttl       time.Duration
	userAgent string
	group     singleflight.Group
	log       *zap.Logger
}

func NewESIResolver(cfg config.ESI, cache store.Store, userAgent string, log *zap.Logger) *ESIResolver {
	return &ESIResolver{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		client:    &http.Client{Timeout: cfg.Timeout},
		cache:     cache,
		ttl:       cfg.CacheTTL,
		userAgent: userAgent,
		log:       log.Named("universe"),
	}
}

func cacheKey(systemID int64) string {
	return "universe:system:" + strconv.FormatInt(systemID, 10)
}

func (r *ESIResolver) Locate(ctx context.Context, systemID int64) (domain.Location, error) {
	var loc domain.Location
	ok, err := store.GetJSON(ctx, r.cache, cacheKey(systemID), &loc)
	if err != nil {
		r.log.Warn("Universe cache read failed", zap.Int64("system_id", systemID), zap.Error(err))
	} else if ok {
		return loc, nil
	}

	v, err, _ := r.group.Do(strconv.FormatInt(systemID, 10), func() (any, error) {
		return r.fetch(ctx, systemID)
	})
	if err != nil {
		return domain.Location{}, err
	}
	return v.(domain.Location), nil
}

func (r *ESIResolver) fetch(ctx context.Context, systemID int64) (domain.Location, error) {
	var system struct {
		ConstellationID int64 `json:"constellation_id"`
	}
	if err := r.getJSON(ctx, fmt.Sprintf("/universe/systems/%d/", systemID), &system); err != nil {
		return domain.Location{}, fmt.Errorf("lookup system %d: %w", systemID, err)
	}

	var constellation struct {
		RegionID int64 `json:"region_id"`
	}
	if err := r.getJSON(ctx, fmt.Sprintf("/universe/constellations/%d/", system.ConstellationID), &constellation); err != nil {
		return domain.Location{}, fmt.Errorf("lookup constellation %d: %w", system.ConstellationID, err)
	}

	loc := domain.Location{
		SystemID:        systemID,
		ConstellationID: system.ConstellationID,
		RegionID:        constellation.RegionID,
	}
	if err := store.SetJSON(ctx, r.cache, cacheKey(systemID), loc, r.ttl); err != nil {
		r.log.Warn("Universe cache write failed", zap.Int64("system_id", systemID), zap.Error(err))
	}
	return loc, nil
}

func (r *ESIResolver) getJSON(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+path, nil)
	if err != nil {
		return err
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}
