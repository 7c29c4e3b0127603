package session

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/walletmesh/router-core/pkg/log"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var embedMigrations embed.FS

// sessionModel is the gorm row shape for a persisted session, one struct per
// table. Permissions, subscriptions and metadata are stored as JSON columns.
type sessionModel struct {
	SessionID     string `gorm:"column:session_id;primaryKey"`
	Origin        string `gorm:"column:origin;not null"`
	CreatedAt     time.Time
	LastActiveAt  time.Time `gorm:"column:last_active_at;not null"`
	ExpiresAt     time.Time `gorm:"column:expires_at;not null;index:idx_sessions_expires_at"`
	Permissions   []byte    `gorm:"column:permissions;not null"`
	Subscriptions []byte    `gorm:"column:subscriptions;not null"`
	Metadata      []byte    `gorm:"column:metadata;not null"`
}

func (sessionModel) TableName() string { return "sessions" }

func (m *sessionModel) toRecord() (*Record, error) {
	record := &Record{
		SessionID:    m.SessionID,
		Origin:       m.Origin,
		CreatedAt:    m.CreatedAt,
		LastActiveAt: m.LastActiveAt,
		ExpiresAt:    m.ExpiresAt,
	}
	if err := json.Unmarshal(m.Permissions, &record.Permissions); err != nil {
		return nil, fmt.Errorf("session: decoding permissions: %w", err)
	}
	var subs []string
	if err := json.Unmarshal(m.Subscriptions, &subs); err != nil {
		return nil, fmt.Errorf("session: decoding subscriptions: %w", err)
	}
	record.Subscriptions = make(map[string]bool, len(subs))
	for _, s := range subs {
		record.Subscriptions[s] = true
	}
	if err := json.Unmarshal(m.Metadata, &record.Metadata); err != nil {
		return nil, fmt.Errorf("session: decoding metadata: %w", err)
	}
	return record, nil
}

func fromRecord(r *Record) (*sessionModel, error) {
	permissions, err := json.Marshal(r.Permissions)
	if err != nil {
		return nil, fmt.Errorf("session: encoding permissions: %w", err)
	}
	subs := make([]string, 0, len(r.Subscriptions))
	for name := range r.Subscriptions {
		subs = append(subs, name)
	}
	subscriptions, err := json.Marshal(subs)
	if err != nil {
		return nil, fmt.Errorf("session: encoding subscriptions: %w", err)
	}
	metadata, err := json.Marshal(r.Metadata)
	if err != nil {
		return nil, fmt.Errorf("session: encoding metadata: %w", err)
	}
	return &sessionModel{
		SessionID:     r.SessionID,
		Origin:        r.Origin,
		CreatedAt:     r.CreatedAt,
		LastActiveAt:  r.LastActiveAt,
		ExpiresAt:     r.ExpiresAt,
		Permissions:   permissions,
		Subscriptions: subscriptions,
		Metadata:      metadata,
	}, nil
}

// GormStore is the persistent session store variant, durable across process
// restarts. It applies lazy expiry on every read in addition to whatever
// sweeping the caller configures via Config.
type GormStore struct {
	db     *gorm.DB
	cfg    Config
	logger log.Logger
	ticker *stopSweeper
}

var _ Store = (*GormStore)(nil)

// DatabaseConfig holds the connection fields a single-table session store
// needs: driver selection plus a DSN, and a Schema field.
type DatabaseConfig struct {
	Driver string // "postgres" or "sqlite"
	DSN    string // full DSN (sqlite: file path or ":memory:"; postgres: libpq DSN)
	Schema string // not read by Open: tables live in the connection's default schema
}

// Open connects to the configured database, runs goose migrations, and
// returns a ready GormStore.
func Open(ctx context.Context, dbCfg DatabaseConfig, cfg Config, logger log.Logger) (*GormStore, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.NewNoopLogger()
	}

	db, err := connect(dbCfg)
	if err != nil {
		return nil, err
	}

	if err := migrate(dbCfg); err != nil {
		return nil, fmt.Errorf("session: applying migrations: %w", err)
	}

	s := &GormStore{db: db.WithContext(ctx), cfg: cfg, logger: logger.WithName("session.gorm")}
	if cfg.SweepInterval > 0 {
		s.ticker = newStopSweeper(cfg.SweepInterval, func() {
			n, err := s.CleanExpired(context.Background())
			if err != nil {
				s.logger.Warn("session sweep failed", "error", err)
				return
			}
			if n > 0 {
				s.logger.Debug("session sweep removed expired records", "count", n)
			}
		})
	}
	return s, nil
}

func connect(cfg DatabaseConfig) (*gorm.DB, error) {
	switch cfg.Driver {
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{})
	case "sqlite", "":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "file::memory:?cache=shared"
		}
		return gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	default:
		return nil, fmt.Errorf("session: unsupported driver %q", cfg.Driver)
	}
}

func migrate(cfg DatabaseConfig) error {
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite"
	}

	goose.SetBaseFS(embedMigrations)
	defer goose.SetBaseFS(nil)

	sqlDriver := driver
	if sqlDriver == "sqlite" {
		sqlDriver = "sqlite3"
	}

	db, err := goose.OpenDBWithDriver(sqlDriver, dsnForGoose(cfg))
	if err != nil {
		return err
	}
	defer db.Close()

	return goose.Up(db, "migrations/"+driver)
}

func dsnForGoose(cfg DatabaseConfig) string {
	if cfg.Driver == "sqlite" && cfg.DSN == "" {
		return "file::memory:?cache=shared"
	}
	return cfg.DSN
}

func (s *GormStore) Create(ctx context.Context, origin string, permissions Permissions, metadata map[string]string) (*Record, error) {
	if origin == "" {
		return nil, fmt.Errorf("session: origin must not be empty")
	}
	now := time.Now()
	record := &Record{
		SessionID:     newSessionID(),
		Origin:        origin,
		CreatedAt:     now,
		LastActiveAt:  now,
		ExpiresAt:     now.Add(s.cfg.Lifetime),
		Permissions:   permissions,
		Subscriptions: make(map[string]bool),
		Metadata:      metadata,
	}
	if record.Permissions == nil {
		record.Permissions = make(Permissions)
	}
	if record.Metadata == nil {
		record.Metadata = make(map[string]string)
	}

	model, err := fromRecord(record)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		return nil, fmt.Errorf("session: creating record: %w", err)
	}
	return record, nil
}

func (s *GormStore) Get(ctx context.Context, sessionID string) (*Record, error) {
	var model sessionModel
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: reading record: %w", err)
	}
	record, err := model.toRecord()
	if err != nil {
		return nil, err
	}
	if isExpired(record, time.Now()) {
		return nil, nil
	}
	return record, nil
}

func (s *GormStore) ValidateAndRefresh(ctx context.Context, sessionID, origin string) (*Record, error) {
	var record *Record
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model sessionModel
		if err := tx.Where("session_id = ?", sessionID).First(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		r, err := model.toRecord()
		if err != nil {
			return err
		}
		now := time.Now()
		if isExpired(r, now) || r.Origin != origin {
			return nil
		}
		if s.cfg.RefreshOnAccess {
			refresh(r, s.cfg.Lifetime, now)
			updatedModel, err := fromRecord(r)
			if err != nil {
				return err
			}
			if err := tx.Model(&sessionModel{}).Where("session_id = ?", sessionID).
				Updates(map[string]any{
					"last_active_at": updatedModel.LastActiveAt,
					"expires_at":     updatedModel.ExpiresAt,
				}).Error; err != nil {
				return err
			}
		}
		record = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("session: validating record: %w", err)
	}
	return record, nil
}

func (s *GormStore) Update(ctx context.Context, updated *Record) error {
	if updated == nil {
		return fmt.Errorf("session: cannot update a nil record")
	}
	model, err := fromRecord(updated)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&sessionModel{}).Where("session_id = ?", updated.SessionID).
		Updates(map[string]any{
			"permissions":   model.Permissions,
			"subscriptions": model.Subscriptions,
			"metadata":      model.Metadata,
		})
	if res.Error != nil {
		return fmt.Errorf("session: updating record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("session: %q does not exist", updated.SessionID)
	}
	return nil
}

func (s *GormStore) Delete(ctx context.Context, sessionID string) error {
	return s.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&sessionModel{}).Error
}

func (s *GormStore) CleanExpired(ctx context.Context) (int, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", time.Now()).Delete(&sessionModel{})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

func (s *GormStore) Close() error {
	if s.ticker != nil {
		s.ticker.stop()
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
