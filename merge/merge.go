// Package merge reconciles a local and a remote copy of the synchronized
// state. Every function here is pure: inputs are never mutated and the result
// depends only on the arguments.
package merge

import (
	"bytes"
	"sort"

	json "github.com/goccy/go-json"

	"github.com/c0deZ3R0/bizsync/entity"
)

// TieBreak decides which side wins when both copies carry the same updatedAt.
type TieBreak int

const (
	// TieKeepLocal keeps the local copy on equal timestamps.
	TieKeepLocal TieBreak = iota
	// TieContentOrder keeps the copy whose canonical JSON sorts greater, so two
	// devices merging the same pair independently pick the same winner.
	TieContentOrder
)

// ParseTieBreak maps a config value to a TieBreak, defaulting to TieKeepLocal.
func ParseTieBreak(s string) TieBreak {
	if s == "content" {
		return TieContentOrder
	}
	return TieKeepLocal
}

// Options tunes the merge.
type Options struct {
	TieBreak TieBreak
}

// Stats counts what a collection merge did.
type Stats struct {
	Added    int // remote records absent locally
	Replaced int // local records superseded by a newer remote copy
	Kept     int // local records that survived unchanged
}

// Collection merges remote into local with the default options.
func Collection(local, remote []entity.Record) []entity.Record {
	out, _ := CollectionWith(Options{}, local, remote)
	return out
}

// CollectionWith starts from every local record, appends remote records whose
// id is unknown locally, and replaces a local record only when the remote copy
// is strictly newer. A record missing from remote is kept: absence is never a
// deletion signal.
func CollectionWith(opts Options, local, remote []entity.Record) ([]entity.Record, Stats) {
	out := make([]entity.Record, 0, len(local)+len(remote))
	index := make(map[string]int, len(local)+len(remote))
	for _, r := range local {
		if _, dup := index[r.ID]; !dup {
			index[r.ID] = len(out)
		}
		out = append(out, r.Clone())
	}

	var stats Stats
	replaced := make(map[int]struct{})
	for _, r := range remote {
		pos, ok := index[r.ID]
		if !ok {
			index[r.ID] = len(out)
			out = append(out, r.Clone())
			stats.Added++
			continue
		}
		if remoteWins(opts, out[pos], r) {
			out[pos] = r.Clone()
			// Only local slots count; a later duplicate of an added
			// record still counts as one addition.
			if pos < len(local) {
				replaced[pos] = struct{}{}
			}
		}
	}
	stats.Replaced = len(replaced)
	stats.Kept = len(local) - stats.Replaced
	return out, stats
}

func remoteWins(opts Options, local, remote entity.Record) bool {
	switch {
	case remote.UpdatedAt.After(local.UpdatedAt):
		return true
	case !remote.UpdatedAt.Equal(local.UpdatedAt):
		return false
	case opts.TieBreak == TieContentOrder:
		return bytes.Compare(canonical(remote), canonical(local)) > 0
	default:
		return false
	}
}

func canonical(r entity.Record) []byte {
	b, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	return b
}

// ActivityLog concatenates remote then local entries, keeps the first
// occurrence of every id and truncates to limit. A limit of zero or less keeps
// everything.
func ActivityLog(local, remote []entity.ActivityEntry, limit int) []entity.ActivityEntry {
	out := make([]entity.ActivityEntry, 0, len(local)+len(remote))
	seen := make(map[string]struct{}, len(local)+len(remote))
	for _, src := range [][]entity.ActivityEntry{remote, local} {
		for _, e := range src {
			if _, dup := seen[e.ID]; dup {
				continue
			}
			seen[e.ID] = struct{}{}
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Snapshot merges every collection present on either side.
func Snapshot(opts Options, local, remote map[entity.Collection][]entity.Record) (map[entity.Collection][]entity.Record, map[entity.Collection]Stats) {
	out := make(map[entity.Collection][]entity.Record, len(local)+len(remote))
	stats := make(map[entity.Collection]Stats, len(local)+len(remote))
	for _, name := range Names(local, remote) {
		out[name], stats[name] = CollectionWith(opts, local[name], remote[name])
	}
	return out, stats
}

// Names returns the sorted union of collection names.
func Names(sides ...map[entity.Collection][]entity.Record) []entity.Collection {
	set := map[entity.Collection]struct{}{}
	for _, side := range sides {
		for name := range side {
			set[name] = struct{}{}
		}
	}
	names := make([]entity.Collection, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Diverges reports whether merged holds anything remote does not: an extra id
// or a different updatedAt/deletedAt for a shared id.
func Diverges(merged, remote []entity.Record) bool {
	if len(merged) != len(remote) {
		return true
	}
	byID := make(map[string]entity.Record, len(remote))
	for _, r := range remote {
		byID[r.ID] = r
	}
	for _, m := range merged {
		r, ok := byID[m.ID]
		if !ok || !r.UpdatedAt.Equal(m.UpdatedAt) || r.Deleted() != m.Deleted() {
			return true
		}
	}
	return false
}

// Total sums the stats of a snapshot merge.
func Total(stats map[entity.Collection]Stats) Stats {
	var t Stats
	for _, s := range stats {
		t.Added += s.Added
		t.Replaced += s.Replaced
		t.Kept += s.Kept
	}
	return t
}
