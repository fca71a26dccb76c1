// Package lock serialises work on conflicting keys such as a username, an
// email address or a (provider, subject) pair.
//
// Two implementations:
//   - Local: keyed mutexes inside one process
//   - Redis: SET NX leases shared by every instance pointing at the same Redis
package lock

import (
	"context"
	"sort"
)

// Locker acquires every key or none. Keys are taken in sorted order so two
// callers asking for overlapping sets cannot deadlock. The returned unlock
// func is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (unlock func(), err error)
}

// normalize sorts and de-duplicates keys.
func normalize(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	n := 0
	for i, k := range out {
		if k == "" || (i > 0 && k == out[i-1]) {
			continue
		}
		out[n] = k
		n++
	}
	return out[:n]
}
