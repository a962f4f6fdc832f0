package di

import (
	"errors"
	"time"

	"github.com/mix-go/xdi"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"appointments/config"
)

func init() {
	obj := xdi.Object{
		Name: "gorm",
		New: func() (i interface{}, e error) {
			return NewGorm(Config().Database, Zap())
		},
	}
	if err := xdi.Provide(&obj); err != nil {
		panic(err)
	}
}

func Gorm() (db *gorm.DB) {
	if err := xdi.Populate("gorm", &db); err != nil {
		panic(err)
	}
	return
}

// NewGorm opens MySQL or, for development, a SQLite file. Duplicate key errors are
// translated to gorm.ErrDuplicatedKey.
func NewGorm(cfg config.DatabaseConfig, log *zap.SugaredLogger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "appointments.db"
		}
		dialector = sqlite.Open(dsn)
	default:
		if cfg.DSN == "" {
			return nil, errors.New("database.dsn is required for mysql")
		}
		dialector = mysql.Open(cfg.DSN)
	}

	gormLogger := logger.New(
		zap.NewStdLog(log.Desugar()),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormLogLevel(cfg.LogLevel),
			IgnoreRecordNotFoundError: true,
		},
	)
	return gorm.Open(dialector, &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
	})
}

func gormLogLevel(level string) logger.LogLevel {
	switch level {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}
