// Package store persists imported projects.
//
// Two implementations satisfy importer.ProjectStore: Postgres, backed by a
// pgx connection pool, and Memory, used when no database is configured and
// by the CLI.
package store

import (
	"errors"
	"time"
)

// ErrProjectNotFound is returned for unknown project ids.
var ErrProjectNotFound = errors.New("project not found")

// Project is a stored project header.
type Project struct {
	ID                int64     `json:"id"`
	Name              string    `json:"name"`
	CreatedAt         time.Time `json:"createdAt"`
	GroupAddressCount int       `json:"groupAddressCount"`
	DeviceCount       int       `json:"deviceCount"`
}
