package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

// ErrUserNotFound indicates no profile exists for the requested identifier.
var ErrUserNotFound = errors.New("users: not found")

const defaultCacheTTL = 30 * time.Second

// ServiceConfig describes the dependencies required for profile lookups.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	CacheTTL time.Duration
}

// Service resolves player profiles by identifier with a short-lived cache.
// Profiles change rarely (level-ups), so a small TTL keeps reads cheap without
// serving stale identities for long.
type Service struct {
	db       *gorm.DB
	now      func() time.Time
	cacheTTL time.Duration
	cache    sync.Map
}

type cacheEntry struct {
	profile   Profile
	expiresAt time.Time
}

// NewService constructs the profile lookup service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Service{
		db:       cfg.Database,
		now:      clock,
		cacheTTL: ttl,
	}, nil
}

// Resolve returns the profile for the given user identifier.
func (s *Service) Resolve(ctx context.Context, userID string) (Profile, error) {
	trimmed := normalize(userID)
	if trimmed == "" {
		return Profile{}, ErrUserNotFound
	}

	if cached, ok := s.cache.Load(trimmed); ok {
		entry, ok := cached.(cacheEntry)
		if ok && s.now().Before(entry.expiresAt) {
			return entry.profile, nil
		}
		s.cache.Delete(trimmed)
	}

	var profile Profile
	err := s.db.WithContext(ctx).
		Where("id = ?", trimmed).
		First(&profile).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, ErrUserNotFound
	}
	if err != nil {
		return Profile{}, err
	}

	s.cache.Store(trimmed, cacheEntry{profile: profile, expiresAt: s.now().Add(s.cacheTTL)})
	return profile, nil
}
