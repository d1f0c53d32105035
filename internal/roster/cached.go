package roster

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"beaconattend/internal/attendance"
)

// Source is what Cached wraps.
type Source interface {
	attendance.Roster
	attendance.Directory
}

// Cached memoizes enrolment and name lookups for ttl.
type Cached struct {
	src   Source
	store *cache.Cache
}

type nameEntry struct {
	name string
	ok   bool
}

// NewCached wraps src with an in-memory cache.
func NewCached(src Source, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cached{src: src, store: cache.New(ttl, 2*ttl)}
}

// EnrolledStudents implements attendance.Roster. Errors are not cached.
func (c *Cached) EnrolledStudents(ctx context.Context, classID string) ([]string, error) {
	key := "class:" + classID
	if v, found := c.store.Get(key); found {
		return append([]string(nil), v.([]string)...), nil
	}
	ids, err := c.src.EnrolledStudents(ctx, classID)
	if err != nil {
		return nil, err
	}
	c.store.SetDefault(key, append([]string(nil), ids...))
	return ids, nil
}

// StudentName implements attendance.Directory.
func (c *Cached) StudentName(ctx context.Context, studentID string) (string, bool) {
	key := "name:" + studentID
	if v, found := c.store.Get(key); found {
		e := v.(nameEntry)
		return e.name, e.ok
	}
	name, ok := c.src.StudentName(ctx, studentID)
	c.store.SetDefault(key, nameEntry{name: name, ok: ok})
	return name, ok
}

// Flush drops every cached entry.
func (c *Cached) Flush() { c.store.Flush() }
