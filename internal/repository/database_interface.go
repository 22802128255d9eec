package repository

import (
	"gorm.io/gorm"
)

// DatabaseProvider hides which SQL backend the agent runs on.
type DatabaseProvider interface {
	GetDB() *gorm.DB
	Close() error
	Ping() error
}

// SQLiteProvider implements DatabaseProvider for single-node installs
type SQLiteProvider struct {
	db *gorm.DB
}

func NewSQLiteProvider(db *gorm.DB) *SQLiteProvider {
	return &SQLiteProvider{db: db}
}

func (p *SQLiteProvider) GetDB() *gorm.DB {
	return p.db
}

func (p *SQLiteProvider) Close() error {
	return closeDB(p.db)
}

func (p *SQLiteProvider) Ping() error {
	return pingDB(p.db)
}

// PostgreSQLProvider implements DatabaseProvider for PostgreSQL
type PostgreSQLProvider struct {
	db *gorm.DB
}

func (p *PostgreSQLProvider) GetDB() *gorm.DB {
	return p.db
}

func (p *PostgreSQLProvider) Close() error {
	return closeDB(p.db)
}

func (p *PostgreSQLProvider) Ping() error {
	return pingDB(p.db)
}

func closeDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func pingDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
