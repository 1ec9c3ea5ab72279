package services

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/firstpeek/peek_api/model"
	"github.com/firstpeek/peek_api/shared"

	"github.com/alphabatem/common/context"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// PostgresService is the durable backend of the identity store. When no
// DATABASE_URL (or DB_* set) is present it stays unconfigured and the
// IdentityStoreService falls back to its in-memory mode; when configured but
// unreachable the distinction is preserved in the returned error.
type PostgresService struct {
	context.DefaultService
	db *gorm.DB

	database   string
	configured bool
	available  bool
	production bool
}

const POSTGRES_SVC = "postgres_svc"

var ErrStoreNotConfigured = errors.New("durable store not configured")

func (ds PostgresService) Id() string {
	return POSTGRES_SVC
}

func (ds PostgresService) Db() *gorm.DB {
	return ds.db
}

// Available reports whether the durable backend can serve requests.
func (ds *PostgresService) Available() bool {
	return ds.available
}

func (ds *PostgresService) Configured() bool {
	return ds.configured
}

func (ds *PostgresService) Configure(ctx *context.Context) error {
	ds.production = os.Getenv("APP_ENV") == "production"
	ds.database = os.Getenv("DATABASE_URL")

	if ds.database == "" && os.Getenv("DB_HOST") != "" {
		host := os.Getenv("DB_HOST")
		port := os.Getenv("DB_PORT")
		if port == "" {
			port = "5432"
		}
		user := os.Getenv("DB_USER")
		if user == "" {
			user = "postgres"
		}
		password := os.Getenv("DB_PASSWORD")
		if password == "" {
			password = "postgres"
		}
		dbname := os.Getenv("DB_NAME")
		if dbname == "" {
			dbname = "peek_api"
		}
		sslmode := os.Getenv("DB_SSLMODE")
		if sslmode == "" {
			sslmode = "disable"
		}

		ds.database = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			host, user, password, dbname, port, sslmode)
	}

	ds.configured = ds.database != ""
	return ds.DefaultService.Configure(ctx)
}

func (ds *PostgresService) Start() (err error) {
	if !ds.configured {
		log.Warn("No durable store configured, identity records will use the in-memory fallback")
		return nil
	}

	maxRetries := 5
	retryDelay := time.Second

	for attempt := 1; attempt <= maxRetries; attempt++ {
		log.Printf("Connecting to database (attempt %d/%d)...", attempt, maxRetries)

		ds.db, err = gorm.Open(postgres.Open(ds.database), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Error),
		})

		if err == nil {
			sqlDB, dbErr := ds.db.DB()
			if dbErr == nil {
				if pingErr := sqlDB.Ping(); pingErr == nil {
					break
				} else {
					err = pingErr
				}
			} else {
				err = dbErr
			}
		}

		if attempt == maxRetries {
			if ds.production {
				return fmt.Errorf("durable store configured but unreachable: %w", err)
			}
			log.WithError(err).Error("Durable store unreachable, falling back to in-memory identity records")
			return nil
		}

		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > 10*time.Second {
			retryDelay = 10 * time.Second
		}
	}

	if err := ds.db.AutoMigrate(&model.IdentityRecord{}); err != nil {
		log.Printf("Failed to migrate database: %v", err)
		return err
	}

	ds.available = true
	log.Println("Database connected and migrated successfully")
	return nil
}

func (ds *PostgresService) Shutdown() {
	if ds.db == nil {
		return
	}
	sqlDB, err := ds.db.DB()
	if err == nil {
		sqlDB.Close()
	}
}

func (ds *PostgresService) HandleError(err error) error {
	if err == nil {
		return nil
	}

	var statusCode int
	var errorType string

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		statusCode = http.StatusNotFound
		errorType = shared.ErrCodeNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		statusCode = http.StatusConflict
		errorType = "CONFLICT"
	case errors.Is(err, gorm.ErrInvalidTransaction):
		statusCode = http.StatusInternalServerError
		errorType = "TRANSACTION_ERROR"
	default:
		if strings.Contains(err.Error(), "duplicate key value") {
			statusCode = http.StatusConflict
			errorType = "UNIQUE_CONSTRAINT"
		} else {
			statusCode = http.StatusServiceUnavailable
			errorType = shared.ErrCodeStoreUnavailable
		}
	}

	logEntry := log.WithFields(log.Fields{
		"status_code": statusCode,
		"error_type":  errorType,
		"error":       err.Error(),
	})

	if statusCode >= 500 {
		logEntry.Error("Database error occurred")
	} else {
		logEntry.Warn("Database operation failed")
	}

	return fmt.Errorf("%s: %w", errorType, err)
}

// ==================== IDENTITY RECORD METHODS ====================

func (ds *PostgresService) GetIdentity(identity string) (*model.IdentityRecord, error) {
	var rec model.IdentityRecord
	err := ds.db.Where("identity = ?", identity).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, ds.HandleError(err)
	}
	return &rec, nil
}

// CreateIdentityIfAbsent inserts the record unless one already exists, then
// returns the row currently in the store. ON CONFLICT DO NOTHING keeps
// concurrent first-admission checks from racing each other.
func (ds *PostgresService) CreateIdentityIfAbsent(rec *model.IdentityRecord) (*model.IdentityRecord, error) {
	now := time.Now()
	if rec.FirstSeen.IsZero() {
		rec.FirstSeen = now
	}
	rec.LastSeen = now
	rec.CreatedAt = now
	rec.UpdatedAt = now

	err := ds.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identity"}},
		DoNothing: true,
	}).Create(rec).Error
	if err != nil {
		return nil, ds.HandleError(err)
	}

	return ds.GetIdentity(rec.Identity)
}

func (ds *PostgresService) MarkPreviewUsed(identity string) error {
	now := time.Now()
	err := ds.db.Model(&model.IdentityRecord{}).
		Where("identity = ?", identity).
		Updates(map[string]interface{}{
			"preview_used": true,
			"last_seen":    now,
			"updated_at":   now,
		}).Error
	if err != nil {
		return ds.HandleError(err)
	}
	return nil
}

// IncrementVpnAttempts bumps the counter inside the current penalty window,
// opening a fresh window with count 1 when the previous one has expired. The
// whole read-modify-write runs inside one transaction with a row lock so
// concurrent admission checks never lose an increment.
func (ds *PostgresService) IncrementVpnAttempts(identity string, window time.Duration, countryCode string) (int, time.Time, error) {
	now := time.Now()
	var attempts int
	var windowEnd time.Time

	err := ds.db.Transaction(func(tx *gorm.DB) error {
		rec := model.IdentityRecord{
			Identity:     identity,
			VpnAttempts:  0,
			VpnWindowEnd: now,
			CountryCode:  countryCode,
			FirstSeen:    now,
			LastSeen:     now,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "identity"}},
			DoNothing: true,
		}).Create(&rec).Error; err != nil {
			return err
		}

		var current model.IdentityRecord
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("identity = ?", identity).First(&current).Error; err != nil {
			return err
		}

		if now.Before(current.VpnWindowEnd) {
			attempts = current.VpnAttempts + 1
			windowEnd = current.VpnWindowEnd
		} else {
			attempts = 1
			windowEnd = now.Add(window)
		}

		updates := map[string]interface{}{
			"vpn_attempts":   attempts,
			"vpn_window_end": windowEnd,
			"last_seen":      now,
			"updated_at":     now,
		}
		if current.CountryCode == "" && countryCode != "" {
			updates["country_code"] = countryCode
		}

		return tx.Model(&model.IdentityRecord{}).
			Where("identity = ?", identity).
			Updates(updates).Error
	})
	if err != nil {
		return 0, time.Time{}, ds.HandleError(err)
	}

	return attempts, windowEnd, nil
}

// UpdateTimeConsumed applies a progress report as a monotonic max, capped at
// the preview duration. Out-of-order reports (an unload racing a periodic
// tick) therefore can never roll the counter backwards.
func (ds *PostgresService) UpdateTimeConsumed(identity string, seconds, capSeconds int) error {
	now := time.Now()
	err := ds.db.Model(&model.IdentityRecord{}).
		Where("identity = ?", identity).
		Updates(map[string]interface{}{
			"time_consumed": gorm.Expr("LEAST(GREATEST(time_consumed, ?), ?)", seconds, capSeconds),
			"last_seen":     now,
			"updated_at":    now,
		}).Error
	if err != nil {
		return ds.HandleError(err)
	}
	return nil
}

func (ds *PostgresService) StartSession(identity, sessionID string) error {
	now := time.Now()
	err := ds.db.Model(&model.IdentityRecord{}).
		Where("identity = ?", identity).
		Updates(map[string]interface{}{
			"session_id": sessionID,
			"last_seen":  now,
			"updated_at": now,
		}).Error
	if err != nil {
		return ds.HandleError(err)
	}
	return nil
}

func (ds *PostgresService) AssociateFingerprint(identity, fingerprint string) error {
	if fingerprint == "" {
		return nil
	}
	err := ds.db.Model(&model.IdentityRecord{}).
		Where("identity = ? AND (fingerprint = '' OR fingerprint IS NULL)", identity).
		Update("fingerprint", fingerprint).Error
	if err != nil {
		return ds.HandleError(err)
	}
	return nil
}

func (ds *PostgresService) IdentityStats() (*model.IdentityStats, error) {
	var stats model.IdentityStats

	if err := ds.db.Model(&model.IdentityRecord{}).Count(&stats.TotalRecords).Error; err != nil {
		return nil, ds.HandleError(err)
	}
	if err := ds.db.Model(&model.IdentityRecord{}).
		Where("preview_used = ?", true).Count(&stats.PreviewsUsed).Error; err != nil {
		return nil, ds.HandleError(err)
	}
	if err := ds.db.Model(&model.IdentityRecord{}).
		Where("vpn_window_end > ?", time.Now()).Count(&stats.ActiveVpnWindows).Error; err != nil {
		return nil, ds.HandleError(err)
	}

	return &stats, nil
}

func (ds *PostgresService) ResetIdentity(identity, fingerprint string) (int64, error) {
	q := ds.db.Where("identity = ?", identity)
	if fingerprint != "" {
		q = ds.db.Where("identity = ? OR fingerprint = ?", identity, fingerprint)
	}
	res := q.Delete(&model.IdentityRecord{})
	if res.Error != nil {
		return 0, ds.HandleError(res.Error)
	}
	return res.RowsAffected, nil
}

// CleanupExpiredRecords removes never-admitted records past the retention
// age. Records with PreviewUsed=true are the enforcement history and are kept
// indefinitely.
func (ds *PostgresService) CleanupExpiredRecords(maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge)
	err := ds.db.Where("preview_used = ? AND last_seen < ?", false, cutoff).
		Delete(&model.IdentityRecord{}).Error
	if err != nil {
		return ds.HandleError(err)
	}
	return nil
}
