// Package postgres implements store.Store on PostgreSQL using pgx/v5.
package postgres
