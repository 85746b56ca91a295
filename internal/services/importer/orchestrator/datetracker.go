package orchestrator

import (
	"sort"
	"time"

	"adlake/internal/services/importer/domain"
)

// Group is one unit of processing within an entity. Subsumed items are covered
// by the primary's window and complete only when the primary does
type Group struct {
	Primary  domain.QueueItem
	Subsumed []domain.QueueItem
}

// Items returns the primary followed by the subsumed items
func (g Group) Items() []domain.QueueItem {
	return append([]domain.QueueItem{g.Primary}, g.Subsumed...)
}

// DateTracker picks primary dates for daily items
type DateTracker struct{}

// Plan groups one entity's items. Each backfill item stands alone and requests
// its own date. Daily items are covered newest first: the newest uncovered date
// becomes a primary requesting [date-lookback, date] and every daily item in
// that window is subsumed by it. Groups come back in priority then date order
func (DateTracker) Plan(items []domain.QueueItem, lookback int) []Group {
	var groups []Group
	var daily []domain.QueueItem
	for _, it := range items {
		if it.Backfill {
			d := day(it.FileDate)
			it.Window = domain.DateRange{Since: d, Until: d}
			groups = append(groups, Group{Primary: it})
			continue
		}
		daily = append(daily, it)
	}

	sort.SliceStable(daily, func(i, j int) bool { return daily[i].FileDate.After(daily[j].FileDate) })
	for len(daily) > 0 {
		p := daily[0]
		until := day(p.FileDate)
		since := until.AddDate(0, 0, -max(lookback, 0))
		p.Window = domain.DateRange{Since: since, Until: until}

		g := Group{Primary: p}
		var rest []domain.QueueItem
		for _, it := range daily[1:] {
			if !day(it.FileDate).Before(since) {
				g.Subsumed = append(g.Subsumed, it)
				continue
			}
			rest = append(rest, it)
		}
		groups = append(groups, g)
		daily = rest
	}

	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i].Primary, groups[j].Primary
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.FileDate.Before(b.FileDate)
	})
	return groups
}

func day(t time.Time) time.Time { return t.UTC().Truncate(24 * time.Hour) }
