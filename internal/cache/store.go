package cache

// Store is the persistence facade the cache writes back to and falls back
// to on a name-lookup miss. internal/store implements this against GORM;
// tests use an in-memory fake.
type Store interface {
	// LoadMultiplex returns the persisted Multiplex (if any) and every
	// Service persisted for it, with each Service's ProgramInfo populated
	// from the PIDs table.
	LoadMultiplex(uid string) (*Multiplex, []*Service, error)

	// FindServiceByName looks up a service by name across the whole store,
	// not just the given multiplex, mirroring spec.md's "name lookup falls
	// back to the store when the cache misses".
	FindServiceByName(name string) (*Service, bool, error)

	// WriteBack persists wb within a single transaction: either every
	// dirty row is written and every pending delete removed, or nothing
	// changes at all.
	WriteBack(wb WriteBack) error
}

// WriteBack bundles everything one cache write-back cycle commits.
type WriteBack struct {
	Multiplex *Multiplex
	Upserts   []*Service
	Deletes   []*Service
}
