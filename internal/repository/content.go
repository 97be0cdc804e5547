package repository

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jmoiron/sqlx"
)

// ContentRepository resolves catalogue references owned by the platform.
type ContentRepository interface {
	ContentExists(ctx context.Context, contentID string) (bool, error)
	// ResumePointExists reports whether the save state exists and belongs to userID.
	ResumePointExists(ctx context.Context, resumeRef, userID string) (bool, error)
}

type contentRepo struct {
	db sessionDB
}

func NewContentRepository(db *sqlx.DB) ContentRepository {
	return &contentRepo{db: db}
}

func (r *contentRepo) ContentExists(ctx context.Context, contentID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `
		SELECT EXISTS(SELECT 1 FROM roms WHERE id = $1)
	`, contentID)
	return exists, err
}

func (r *contentRepo) ResumePointExists(ctx context.Context, resumeRef, userID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `
		SELECT EXISTS(SELECT 1 FROM save_states WHERE id = $1 AND user_id = $2)
	`, resumeRef, userID)
	return exists, err
}

// CachedContentRepository remembers positive lookups for a fixed TTL.
// Misses always go to the underlying repository so newly added content
// becomes visible immediately.
type CachedContentRepository struct {
	next  ContentRepository
	cache *ttlcache.Cache[string, bool]
}

func NewCachedContentRepository(next ContentRepository, ttl time.Duration) *CachedContentRepository {
	cache := ttlcache.New[string, bool](
		ttlcache.WithTTL[string, bool](ttl),
		ttlcache.WithDisableTouchOnHit[string, bool](),
	)
	return &CachedContentRepository{next: next, cache: cache}
}

// Start runs the expiry loop; it blocks until Stop is called.
func (r *CachedContentRepository) Start() {
	r.cache.Start()
}

func (r *CachedContentRepository) Stop() {
	r.cache.Stop()
}

func (r *CachedContentRepository) ContentExists(ctx context.Context, contentID string) (bool, error) {
	return r.lookup("rom:"+contentID, func() (bool, error) {
		return r.next.ContentExists(ctx, contentID)
	})
}

func (r *CachedContentRepository) ResumePointExists(ctx context.Context, resumeRef, userID string) (bool, error) {
	return r.lookup("save:"+userID+":"+resumeRef, func() (bool, error) {
		return r.next.ResumePointExists(ctx, resumeRef, userID)
	})
}

func (r *CachedContentRepository) lookup(key string, load func() (bool, error)) (bool, error) {
	if item := r.cache.Get(key); item != nil {
		return item.Value(), nil
	}

	exists, err := load()
	if err != nil {
		return false, err
	}
	if exists {
		r.cache.Set(key, true, ttlcache.DefaultTTL)
	}
	return exists, nil
}
