package db

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/yungbote/interception-backend/internal/platform/logger"
)

// Options selects the run-index database. DatabaseURL wins over SQLitePath;
// with neither set the index is disabled.
type Options struct {
	DatabaseURL string
	SQLitePath  string
	Silent      bool
}

func (o Options) Enabled() bool {
	return strings.TrimSpace(o.DatabaseURL) != "" || strings.TrimSpace(o.SQLitePath) != ""
}

type Service struct {
	db      *gorm.DB
	dialect string
	log     *logger.Logger
}

func NewService(opts Options, logg *logger.Logger) (*Service, error) {
	if logg == nil {
		logg = logger.Nop()
	}
	serviceLog := logg.With("service", "RunIndexDB")

	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	if opts.Silent {
		gormLog = gormLogger.Default.LogMode(gormLogger.Silent)
	}
	cfg := &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	}

	var (
		dialector gorm.Dialector
		dialect   string
	)
	switch {
	case strings.TrimSpace(opts.DatabaseURL) != "":
		dialector, dialect = postgres.Open(strings.TrimSpace(opts.DatabaseURL)), "postgres"
	case strings.TrimSpace(opts.SQLitePath) != "":
		dialector, dialect = sqlite.Open(strings.TrimSpace(opts.SQLitePath)), "sqlite"
	default:
		return nil, fmt.Errorf("run index: neither DATABASE_URL nor SQLITE_PATH is set")
	}

	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", dialect, err)
	}
	if dialect == "sqlite" {
		// One writer keeps sqlite from returning SQLITE_BUSY under concurrent runs.
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	if err := AutoMigrateAll(db); err != nil {
		return nil, fmt.Errorf("failed to migrate run index: %w", err)
	}
	serviceLog.Info("Run index ready", "dialect", dialect)
	return &Service{db: db, dialect: dialect, log: serviceLog}, nil
}

func (s *Service) DB() *gorm.DB { return s.db }

func (s *Service) Dialect() string { return s.dialect }

// Ping checks the connection with a short timeout.
func (s *Service) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

func (s *Service) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
