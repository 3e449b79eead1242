package models

import (
	"database/sql"
	"fmt"
	"time"

	"slides2video/config"

	"github.com/glebarez/sqlite"
	gomysql "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// OpenDB 按配置打开数据库：mysql 走原生连接池 + GORM，sqlite 用于本地单机与测试
func OpenDB(cfg config.DatabaseConfig, log *logrus.Logger) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger: gormlogger.New(log, gormlogger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		TranslateError: true,
	}

	switch cfg.Driver {
	case config.DriverMySQL:
		dsn, err := gomysql.ParseDSN(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("解析 mysql dsn 失败: %w", err)
		}
		dsn.ParseTime = true
		if dsn.Loc == nil {
			dsn.Loc = time.UTC
		}
		sqlDB, err := sql.Open("mysql", dsn.FormatDSN())
		if err != nil {
			return nil, fmt.Errorf("打开数据库失败: %w", err)
		}
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(time.Hour)
		if err := sqlDB.Ping(); err != nil {
			return nil, fmt.Errorf("连接数据库失败: %w", err)
		}
		db, err := gorm.Open(mysql.New(mysql.Config{Conn: sqlDB}), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("GORM 初始化失败: %w", err)
		}
		log.Info("数据库连接成功 (mysql)")
		return db, nil

	case config.DriverSQLite:
		db, err := gorm.Open(sqlite.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("打开 sqlite 失败: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// sqlite 只允许单写，统一串行化
		sqlDB.SetMaxOpenConns(1)
		log.Infof("数据库连接成功 (sqlite: %s)", cfg.DSN)
		return db, nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
}

// Migrate 创建或更新全部数据表
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&Project{},
		&PDFSlideImages{},
		&SlideAsset{},
		&VideoSegment{},
		&IdemKey{},
		&Task{},
	)
}
