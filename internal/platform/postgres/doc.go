// Package postgres provides PostgreSQL implementations of the record stores
// defined in the internal/store package, together with connection setup and
// the embedded goose schema migrations.
//
// Stores accept either a *sql.DB or a *sql.Tx. Read-modify-write operations
// (task status updates and batch job updates) lock the row with SELECT ...
// FOR UPDATE, inside their own transaction when given a pool or inside the
// caller's transaction otherwise.
package postgres
