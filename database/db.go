package database

import (
	"context"
	"fmt"
	"time"

	"credential-broker/config"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Connect opens the SQL database for the postgres and sqlite backends.
func Connect(cfg config.Database) (*gorm.DB, error) {
	gcfg := &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var dialector gorm.Dialector
	switch cfg.Backend {
	case config.BackendPostgres:
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
			cfg.Host, cfg.User, cfg.Password, cfg.Name, cfg.Port, cfg.SSLMode)
		dialector = postgres.Open(dsn)
	case config.BackendSQLite:
		dialector = sqlite.Open(SQLiteDSN(cfg.SQLitePath))
	default:
		return nil, fmt.Errorf("backend %q is not a SQL backend", cfg.Backend)
	}

	db, err := gorm.Open(dialector, gcfg)
	if err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}
	if cfg.Backend == config.BackendSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// sqlite allows a single writer.
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// SQLiteDSN enables WAL and a busy timeout on the sqlite file.
func SQLiteDSN(path string) string {
	return "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
}

// Open builds the Repository for the configured backend. The returned
// *gorm.DB is nil for the mongo and memory backends.
func Open(ctx context.Context, cfg config.Database, logger *zap.Logger) (Repository, *gorm.DB, error) {
	switch cfg.Backend {
	case config.BackendPostgres, config.BackendSQLite:
		db, err := Connect(cfg)
		if err != nil {
			return nil, nil, err
		}
		if err := Migrate(db); err != nil {
			return nil, nil, err
		}
		logger.Info("sql repository ready", zap.String("backend", cfg.Backend))
		return NewGormRepository(db), db, nil

	case config.BackendMongo:
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("mongo connect: %w", err)
		}
		if err := client.Ping(connectCtx, nil); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, fmt.Errorf("mongo ping: %w", err)
		}
		repo := NewMongoRepository(client, cfg.MongoName)
		if err := repo.EnsureIndexes(connectCtx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, err
		}
		logger.Info("mongo repository ready", zap.String("database", cfg.MongoName))
		return repo, nil, nil

	case config.BackendMemory:
		logger.Warn("using in-memory repository, data is lost on exit")
		return NewMemoryRepository(), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}
