package bootstrap

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kirillkom/defect-dataset-exporter/internal/config"
	"github.com/kirillkom/defect-dataset-exporter/internal/core/domain"
	"github.com/kirillkom/defect-dataset-exporter/internal/infrastructure/repository/detectiondb"
)

const connectTimeout = 5 * time.Second

// SettingsService saves operator settings and keeps the detection pool in
// step with them.
type SettingsService struct {
	store *config.Store
	pool  *detectiondb.Pool
}

func NewSettingsService(store *config.Store, pool *detectiondb.Pool) *SettingsService {
	return &SettingsService{store: store, pool: pool}
}

func (s *SettingsService) Current() config.Settings {
	return s.store.Current()
}

// Apply overlays raw onto the current settings, persists them and points
// the pool at the new database.
func (s *SettingsService) Apply(_ context.Context, raw json.RawMessage) (config.Settings, error) {
	next, present, err := config.DecodeSettings(raw, s.store.Current())
	if err != nil {
		return config.Settings{}, domain.WrapError(domain.ErrInvalidInput, "save settings", err)
	}
	if err := config.ValidateSettingsUpdate(present, next); err != nil {
		return config.Settings{}, domain.WrapError(domain.ErrInvalidInput, "save settings", err)
	}
	if err := s.store.Update(next); err != nil {
		return config.Settings{}, err
	}
	if err := s.pool.Reconfigure(ConnSettings(next)); err != nil {
		return next, err
	}
	return next, nil
}

func (s *SettingsService) TestConnection(ctx context.Context, settings config.Settings) error {
	return s.pool.TestConnection(ctx, ConnSettings(settings))
}

func ConnSettings(s config.Settings) detectiondb.ConnSettings {
	return detectiondb.ConnSettings{
		Driver:         s.DBDriver,
		Host:           s.DBHost,
		Port:           s.DBPort,
		User:           s.DBUser,
		Password:       s.DBPassword,
		Database:       s.DBDatabase,
		ConnectTimeout: connectTimeout,
	}
}
