// Package entity defines the opaque handle used to refer to simulation
// entities across the collision pipeline.
package entity

import "strconv"

// ID identifies an entity in the store of record. IDs are stable for the
// lifetime of the entity and totally ordered, which is what gives collision
// pairs their canonical (A < B) form.
type ID uint64

// Invalid is never handed out by a store.
const Invalid ID = 0

func (id ID) String() string {
	return "e" + strconv.FormatUint(uint64(id), 10)
}

// Less reports whether id orders before other.
func (id ID) Less(other ID) bool { return id < other }
