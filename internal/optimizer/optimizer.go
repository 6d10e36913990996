// Package optimizer reduces a batch of SyncEvents to the minimum set with
// the same net effect on remote state (section 4.C).
package optimizer

import (
	"sort"

	"github.com/sherry-sync/deamon/internal/syncmodel"
)

// Optimize partitions events into file-lifetime chains (paths linked
// through Moved events) and reduces each chain independently with the
// pairwise rewrite table, returning the union in timestamp order.
func Optimize(events []syncmodel.SyncEvent) []syncmodel.SyncEvent {
	if len(events) <= 1 {
		return events
	}

	chains := partitionChains(events)

	var out []syncmodel.SyncEvent

	for _, chain := range chains {
		sort.SliceStable(chain, func(i, j int) bool { return chain[i].Timestamp < chain[j].Timestamp })
		out = append(out, reduceChain(chain)...)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })

	return out
}

// partitionChains groups events by the connected component of their
// sync_path/old_sync_path graph, scoped per source and base so that two
// unrelated watchers never merge chains over a coincidentally shared path.
func partitionChains(events []syncmodel.SyncEvent) [][]syncmodel.SyncEvent {
	uf := newUnionFind()

	key := func(e syncmodel.SyncEvent, path string) string {
		return e.SourceID + "\x00" + e.Base + "\x00" + path
	}

	for _, e := range events {
		uf.union(key(e, e.SyncPath), key(e, e.OldSyncPath))
	}

	groups := map[string][]syncmodel.SyncEvent{}

	for _, e := range events {
		root := uf.find(key(e, e.SyncPath))
		groups[root] = append(groups[root], e)
	}

	chains := make([][]syncmodel.SyncEvent, 0, len(groups))
	for _, g := range groups {
		chains = append(chains, g)
	}

	return chains
}

// reduceChain repeatedly applies rewritePair to adjacent events in a single
// lifetime chain until a full pass produces no further merge.
func reduceChain(events []syncmodel.SyncEvent) []syncmodel.SyncEvent {
	changed := true

	for changed {
		changed = false

		out := make([]syncmodel.SyncEvent, 0, len(events))

		for i := 0; i < len(events); {
			if i+1 < len(events) {
				if repl, ok := rewritePair(events[i], events[i+1]); ok {
					out = append(out, repl...)
					i += 2
					changed = true

					continue
				}
			}

			out = append(out, events[i])
			i++
		}

		events = out
	}

	return events
}

// rewritePair applies the section 4.C table to one adjacent pair. ok is
// false when no rule matches and the pair must stand as-is.
func rewritePair(a, b syncmodel.SyncEvent) ([]syncmodel.SyncEvent, bool) {
	switch a.Kind {
	case syncmodel.EventDeleted:
		return []syncmodel.SyncEvent{b}, true

	case syncmodel.EventCreated:
		switch b.Kind {
		case syncmodel.EventCreated, syncmodel.EventUpdated:
			return []syncmodel.SyncEvent{withPathAndData(syncmodel.EventCreated, a, b, b)}, true
		case syncmodel.EventDeleted:
			return []syncmodel.SyncEvent{b}, true
		case syncmodel.EventMoved:
			return []syncmodel.SyncEvent{withPathAndData(syncmodel.EventCreated, a, b, a)}, true
		}

	case syncmodel.EventUpdated:
		switch b.Kind {
		case syncmodel.EventCreated, syncmodel.EventUpdated:
			return []syncmodel.SyncEvent{withPathAndData(syncmodel.EventUpdated, a, b, b)}, true
		case syncmodel.EventDeleted:
			return []syncmodel.SyncEvent{b}, true
		case syncmodel.EventMoved:
			return []syncmodel.SyncEvent{
				deleteAt(a, a.OldSyncPath, a.OldLocalPath),
				withPathAndData(syncmodel.EventCreated, a, b, a),
			}, true
		}

	case syncmodel.EventMoved:
		switch b.Kind {
		case syncmodel.EventCreated, syncmodel.EventUpdated:
			return []syncmodel.SyncEvent{
				deleteAt(a, a.OldSyncPath, a.OldLocalPath),
				withPathAndData(syncmodel.EventCreated, a, b, a),
			}, true
		case syncmodel.EventDeleted:
			return []syncmodel.SyncEvent{
				deleteAt(a, a.OldSyncPath, a.OldLocalPath),
				deleteAt(b, b.SyncPath, b.LocalPath),
			}, true
		case syncmodel.EventMoved:
			if a.OldSyncPath == b.SyncPath {
				return nil, true // cycle cancels
			}

			moved := a
			moved.SyncPath, moved.LocalPath = b.SyncPath, b.LocalPath
			moved.Timestamp = b.Timestamp

			return []syncmodel.SyncEvent{moved}, true
		}
	}

	return nil, false
}

// withPathAndData builds a new event of kind at target's path carrying
// source's hash/size/timestamp, preserving a's move origin (if any) as the
// merged event's old path.
func withPathAndData(kind syncmodel.SyncEventKind, a, target, source syncmodel.SyncEvent) syncmodel.SyncEvent {
	return syncmodel.SyncEvent{
		SourceID:     a.SourceID,
		Base:         a.Base,
		FileType:     target.FileType,
		Kind:         kind,
		LocalPath:    target.LocalPath,
		OldLocalPath: a.OldLocalPath,
		SyncPath:     target.SyncPath,
		OldSyncPath:  a.OldSyncPath,
		Hash:         source.Hash,
		Size:         source.Size,
		Timestamp:    target.Timestamp,
	}
}

func deleteAt(like syncmodel.SyncEvent, syncPath, localPath string) syncmodel.SyncEvent {
	return syncmodel.SyncEvent{
		SourceID:     like.SourceID,
		Base:         like.Base,
		FileType:     like.FileType,
		Kind:         syncmodel.EventDeleted,
		LocalPath:    localPath,
		OldLocalPath: localPath,
		SyncPath:     syncPath,
		OldSyncPath:  syncPath,
		Timestamp:    like.Timestamp,
	}
}

// unionFind is a minimal disjoint-set structure over string keys.
type unionFind struct {
	parent map[string]string
}

func newUnionFind() *unionFind {
	return &unionFind{parent: map[string]string{}}
}

func (u *unionFind) find(x string) string {
	if _, ok := u.parent[x]; !ok {
		u.parent[x] = x

		return x
	}

	root := x
	for u.parent[root] != root {
		root = u.parent[root]
	}

	for u.parent[x] != root {
		next := u.parent[x]
		u.parent[x] = root
		x = next
	}

	return root
}

func (u *unionFind) union(a, b string) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[ra] = rb
	}
}
