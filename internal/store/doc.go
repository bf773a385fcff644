// Package store defines the repository interfaces for fetch-session history.
// Implementations live in the storage packages; this package must not import
// database drivers or concrete clients.
package store
