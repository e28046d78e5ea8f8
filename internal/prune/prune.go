// Package prune applies a retention policy (keep-N buckets per
// granularity) to a backup group's snapshot list, generalized from the
// teacher's internal/chunk/retention.go style: a pure function over an
// immutable snapshot slice, kept separate from the I/O that acts on its
// decision.
package prune

import (
	"fmt"
	"time"

	"chunkvault/internal/config"
	"chunkvault/internal/datastore"
	"chunkvault/internal/logging"
)

// Policy mirrors config.RetentionConfig as plain ints, so callers that
// don't already have a config.DatastoreConfig in hand can build one
// directly (e.g. the CLI's --keep-* flags).
type Policy struct {
	KeepLast    int64
	KeepHourly  int64
	KeepDaily   int64
	KeepWeekly  int64
	KeepMonthly int64
	KeepYearly  int64
}

// PolicyFromConfig converts a config.RetentionConfig into a Policy, with
// unset buckets treated as zero (keep none at that granularity).
func PolicyFromConfig(r config.RetentionConfig) Policy {
	get := func(p *int64) int64 {
		if p == nil {
			return 0
		}
		return *p
	}
	return Policy{
		KeepLast:    get(r.KeepLast),
		KeepHourly:  get(r.KeepHourly),
		KeepDaily:   get(r.KeepDaily),
		KeepWeekly:  get(r.KeepWeekly),
		KeepMonthly: get(r.KeepMonthly),
		KeepYearly:  get(r.KeepYearly),
	}
}

// Result is the outcome of applying a Policy to one group's snapshots.
type Result struct {
	Kept    []datastore.Snapshot
	Removed []datastore.Snapshot
}

// Apply decides which of snaps (any order) survive under policy. A
// snapshot survives if ANY bucket would keep it; the buckets are
// evaluated from newest to oldest, each keeping at most its configured
// count of the newest snapshot it hasn't already claimed in its own
// granularity bucket (e.g. KeepDaily=7 keeps one snapshot per calendar
// day, for the 7 most recent distinct days).
func Apply(snaps []datastore.Snapshot, policy Policy) Result {
	sorted := append([]datastore.Snapshot(nil), snaps...)
	sortNewestFirst(sorted)

	keep := make(map[int]bool, len(sorted))

	markLast(sorted, policy.KeepLast, keep)
	markBucketed(sorted, policy.KeepHourly, keep, func(t time.Time) string {
		return t.Format("2006010215")
	})
	markBucketed(sorted, policy.KeepDaily, keep, func(t time.Time) string {
		return t.Format("20060102")
	})
	markBucketed(sorted, policy.KeepWeekly, keep, func(t time.Time) string {
		y, w := t.ISOWeek()
		return fmt.Sprintf("%d-w%02d", y, w)
	})
	markBucketed(sorted, policy.KeepMonthly, keep, func(t time.Time) string {
		return t.Format("200601")
	})
	markBucketed(sorted, policy.KeepYearly, keep, func(t time.Time) string {
		return t.Format("2006")
	})

	var result Result
	for i, s := range sorted {
		if keep[i] {
			result.Kept = append(result.Kept, s)
		} else {
			result.Removed = append(result.Removed, s)
		}
	}
	return result
}

func sortNewestFirst(snaps []datastore.Snapshot) {
	for i := 1; i < len(snaps); i++ {
		for j := i; j > 0 && snaps[j].Time.After(snaps[j-1].Time); j-- {
			snaps[j], snaps[j-1] = snaps[j-1], snaps[j]
		}
	}
}

func markLast(snaps []datastore.Snapshot, n int64, keep map[int]bool) {
	for i := 0; i < len(snaps) && int64(i) < n; i++ {
		keep[i] = true
	}
}

func markBucketed(snaps []datastore.Snapshot, n int64, keep map[int]bool, bucketOf func(time.Time) string) {
	if n <= 0 {
		return
	}
	seen := make(map[string]bool)
	var kept int64
	for i, s := range snaps {
		b := bucketOf(s.Time.UTC())
		if seen[b] {
			continue
		}
		seen[b] = true
		keep[i] = true
		kept++
		if kept >= n {
			return
		}
	}
}

// Run applies policy to every snapshot in every group of ds and removes
// the ones Apply rejects, via Store.RemoveBackupDir. It is the I/O
// counterpart to Apply, used directly by the CLI's prune command and by
// the scheduler's recurring prune job.
func Run(ds *datastore.Store, policy Policy) (Result, error) {
	logger := logging.Default(nil).With("component", "prune", "datastore", ds.Name())

	groups, err := ds.ListGroups()
	if err != nil {
		return Result{}, fmt.Errorf("prune: list groups: %w", err)
	}

	var total Result
	for _, g := range groups {
		snaps, err := ds.ListSnapshots(g)
		if err != nil {
			return total, fmt.Errorf("prune: list snapshots for %s/%s: %w", g.Type, g.ID, err)
		}
		r := Apply(snaps, policy)
		total.Kept = append(total.Kept, r.Kept...)
		for _, s := range r.Removed {
			if err := ds.RemoveBackupDir(s, false); err != nil {
				return total, fmt.Errorf("prune: remove %s: %w", s.RelPath(), err)
			}
			logger.Info("snapshot removed", "group", g.RelPath(), "time", s.TimeString())
		}
		total.Removed = append(total.Removed, r.Removed...)
	}
	return total, nil
}
