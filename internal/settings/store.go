package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pairengine/internal/errs"
	"pairengine/internal/repo"
)

// Store persists configuration versions. Every Save appends; nothing is edited in place.
type Store struct {
	repo   *repo.Store
	logger *slog.Logger
}

// NewStore builds a configuration store over the repository.
func NewStore(r *repo.Store, logger *slog.Logger) *Store {
	return &Store{repo: r, logger: logger.With("component", "settings")}
}

// Save validates cfg and stores it as a new version.
func (s *Store) Save(ctx context.Context, cfg BusinessConfig) (*BusinessConfig, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.CreatedAt = time.Now().UTC()
	cfg.Version = 0
	payload, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	version, err := s.repo.InsertConfigVersion(ctx, payload, cfg.CreatedAt)
	if err != nil {
		return nil, err
	}
	cfg.Version = version
	s.logger.Info("business config saved", "version", version, "packages", len(cfg.Packages))
	return &cfg, nil
}

// Current returns the newest version.
func (s *Store) Current(ctx context.Context) (*BusinessConfig, error) {
	cv, err := s.repo.LatestConfigVersion(ctx)
	if err != nil {
		return nil, err
	}
	return decode(cv)
}

// At returns a specific version for point-in-time reads.
func (s *Store) At(ctx context.Context, version int64) (*BusinessConfig, error) {
	cv, err := s.repo.GetConfigVersion(ctx, version)
	if err != nil {
		return nil, err
	}
	return decode(cv)
}

// EnsureDefaults stores Defaults() when no version exists yet.
func (s *Store) EnsureDefaults(ctx context.Context) (*BusinessConfig, error) {
	cfg, err := s.Current(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}
	return s.Save(ctx, Defaults())
}

func decode(cv *repo.ConfigVersion) (*BusinessConfig, error) {
	var cfg BusinessConfig
	if err := json.Unmarshal(cv.Payload, &cfg); err != nil {
		return nil, fmt.Errorf("decode config version %d: %w", cv.Version, err)
	}
	cfg.Version = cv.Version
	cfg.CreatedAt = cv.CreatedAt
	return &cfg, nil
}
