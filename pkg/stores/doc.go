// Package stores persists build history for dodos-builder. It keeps builds,
// their resolved plans, the event timeline and the artifacts the cache holds
// in a SQLite database migrated with golang-migrate.
package stores
