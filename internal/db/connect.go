package db

import (
	"fmt"

	gomysql "github.com/go-sql-driver/mysql"

	"github.com/gantryhq/gantry/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQLiteDSN builds a DSN for the embedded store. WAL keeps readers from
// blocking the scheduler's short write transactions; the busy timeout covers
// lock handoff between concurrent gantry processes on one host.
func SQLiteDSN(path string) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
}

// MySQLDSN builds a DSN for a shared MySQL-compatible server.
func MySQLDSN(cfg config.DatabaseConfig) string {
	return mysqlDSN(cfg, cfg.Database)
}

// mysqlDSN goes through the driver's own Config so credentials and params
// format the way the driver parses them. An empty database selects none,
// which admin statements need.
func mysqlDSN(cfg config.DatabaseConfig, database string) string {
	drv := gomysql.NewConfig()
	drv.User = cfg.User
	if drv.User == "" {
		drv.User = "root"
	}
	drv.Passwd = cfg.Password
	drv.Net = "tcp"
	drv.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	drv.DBName = database
	drv.ParseTime = true
	return drv.FormatDSN()
}

// Connect opens a GORM connection for the configured driver.
func Connect(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}
	switch cfg.Driver {
	case "sqlite":
		db, err := gorm.Open(sqlite.Open(SQLiteDSN(cfg.Path)), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("db: open %s: %w", cfg.Path, err)
		}
		return db, nil
	case "mysql":
		db, err := gorm.Open(mysql.Open(MySQLDSN(cfg)), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("db: connect to %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Database, err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", cfg.Driver)
	}
}

// ConnectAdmin opens a GORM connection to a MySQL server without selecting
// a database, used for CREATE DATABASE and DROP DATABASE operations.
func ConnectAdmin(cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(mysqlDSN(cfg, "")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: admin connect to %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return db, nil
}

// DropDatabase drops the named database if it exists.
func DropDatabase(adminDB *gorm.DB, name string) error {
	sql := fmt.Sprintf("DROP DATABASE IF EXISTS `%s`", name)
	if err := adminDB.Exec(sql).Error; err != nil {
		return fmt.Errorf("db: drop database %s: %w", name, err)
	}
	return nil
}

// CreateDatabase creates the named database if it doesn't already exist.
func CreateDatabase(adminDB *gorm.DB, name string) error {
	sql := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", name)
	if err := adminDB.Exec(sql).Error; err != nil {
		return fmt.Errorf("db: create database %s: %w", name, err)
	}
	return nil
}
