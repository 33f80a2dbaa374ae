package db

import (
	"sync"

	"github.com/caesium-cloud/lumen/internal/models"
	"github.com/caesium-cloud/lumen/pkg/env"
	"github.com/caesium-cloud/lumen/pkg/log"
	_ "github.com/jackc/pgx/v4"
	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	conn *gorm.DB
	once sync.Once
)

// Connection returns the process-wide database handle, opening it on
// first use according to LUMEN_DATABASE_TYPE.
func Connection() *gorm.DB {
	once.Do(func() {
		gdb, err := Open(env.Variables().DatabaseType, env.Variables().DatabaseDSN)
		if err != nil {
			log.Fatal("failed to connect to database", "error", err)
		}
		conn = gdb
	})

	return conn
}

// Open connects to the given database type without touching the shared handle.
func Open(databaseType, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	var dialector gorm.Dialector
	switch databaseType {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, errors.Errorf("unsupported database type %q", databaseType)
	}

	gdb, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s database", databaseType)
	}

	if databaseType != "postgres" {
		// sqlite serializes writers anyway; one connection avoids SQLITE_BUSY churn.
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, errors.Wrap(err, "sqlite handle")
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return gdb, nil
}

// Migrate applies the schema for every persisted model.
func Migrate() error {
	return errors.Wrap(Connection().AutoMigrate(models.All...), "auto migrate")
}
