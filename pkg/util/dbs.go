package util

import (
	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// 默认构建同时带上三种驱动，sqlite 作为本地与测试引擎
func openDialector(driver, dsn string) gorm.Dialector {
	switch driver {
	case "mysql":
		return mysql.Open(dsn)
	case "pg", "postgres":
		return postgres.Open(dsn)
	}
	if dsn == "" {
		dsn = "file::memory:?cache=shared"
	}
	return sqlite.Open(dsn)
}
