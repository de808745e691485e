// Package store 提供数据库读写的封装与基础约束，保证业务层只处理领域语义而不是 SQL 细节。
package store

import (
	"database/sql"
	"strings"

	"chatquota/internal/config"
)

type Store struct {
	db      *sql.DB
	dialect Dialect

	// policy 用于惰性创建配额记录时的免费额度种子值。
	policy    config.QuotaConfig
	hasPolicy bool
}

func New(db *sql.DB) *Store {
	return &Store{
		db:      db,
		dialect: DialectMySQL,
	}
}

func (s *Store) SetDialect(d Dialect) {
	if strings.TrimSpace(string(d)) == "" {
		return
	}
	s.dialect = d
}

func (s *Store) SetQuotaPolicy(p config.QuotaConfig) {
	s.policy = p
	s.hasPolicy = true
}
