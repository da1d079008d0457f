package postgres

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/sitestack/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// Option customises a Repository.
type Option func(*Repository)

// WithLockTimeout bounds how long an allocation transaction waits for the pool row lock.
func WithLockTimeout(d time.Duration) Option {
	return func(r *Repository) {
		if d > 0 {
			r.lockTimeout = d
		}
	}
}

// New constructs a Repository.
func New(pool *pgxpool.Pool, opts ...Option) *Repository {
	r := &Repository{pool: pool, lockTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ensure Repository satisfies interfaces.
var (
	_ repository.JobRepository         = (*Repository)(nil)
	_ repository.AllocationRepository  = (*Repository)(nil)
	_ repository.EnvironmentRepository = (*Repository)(nil)
)

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeCheckViolation      = "23514"
	codeInvalidText         = "22P02"
	codeLockNotAvailable    = "55P03"
	codeSerialization       = "40001"
	codeDeadlock            = "40P01"
)

// mapError translates driver errors onto repository sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeForeignKeyViolation:
			return repository.ErrNotFound
		case codeCheckViolation, codeInvalidText, codeUniqueViolation:
			return repository.ErrInvalidArgument
		case codeLockNotAvailable, codeSerialization, codeDeadlock:
			return repository.ErrLockTimeout
		}
	}
	return err
}

func constraintName(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func rawToNil(value []byte) any {
	if len(value) == 0 {
		return nil
	}
	return value
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
