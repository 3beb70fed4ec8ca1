package schema

import "time"

// Base carries the properties every mapped entity has regardless of its
// feature flags (§3: "base_properties always present"). Entities embed
// Base; which of the remaining fields actually become columns depends on
// the Flags passed to Build (soft-delete, expiry, archive).
type Base struct {
	Id                 string     `db:"Id"`
	Version            int64      `db:"Version"`
	CreatedTime        time.Time  `db:"CreatedTime"`
	LastWriteTime      time.Time  `db:"LastWriteTime"`
	IsDeleted          bool       `db:"IsDeleted"`
	IsArchived         bool       `db:"IsArchived"`
	AbsoluteExpiration *time.Time `db:"AbsoluteExpiration"`
	ExportedDate       *time.Time `db:"ExportedDate"`
}

// GetID returns the entity's logical key.
func (b Base) GetID() string { return b.Id }

// Entity is the constraint every mapped type must satisfy: it must embed
// Base (by value) and hence expose GetID.
type Entity interface {
	GetID() string
}
