package statistics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"ipthreat/internal/api/dto"
	"ipthreat/internal/cache"
	"ipthreat/internal/database"
	"ipthreat/internal/geolite"
)

const (
	MinWindow           = 7 * 24 * time.Hour
	DefaultCountryLimit = 10
	UnknownCountry      = "Unknown"

	dateLayout = "2006-01-02"
	day        = 24 * time.Hour
)

// Aggregator reports over the record store. It never writes.
type Aggregator struct {
	backend database.Backend
	cache   cache.Cache
	locator geolite.Locator
	now     func() time.Time
}

func NewAggregator(backend database.Backend, c cache.Cache, locator geolite.Locator, now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{backend: backend, cache: c, locator: locator, now: now}
}

// Window aligns [start, end) to whole UTC days and widens it to at least seven days.
func Window(start, end, now time.Time) (time.Time, time.Time) {
	if end.IsZero() {
		end = now
	}
	end = end.UTC()
	if !end.Equal(end.Truncate(day)) {
		end = end.Truncate(day).Add(day)
	}

	if start.IsZero() || !start.Before(end) {
		start = end.Add(-MinWindow)
	}
	start = start.UTC().Truncate(day)
	if end.Sub(start) < MinWindow {
		start = end.Add(-MinWindow)
	}
	return start, end
}

// PeriodStats counts records created within the window with a daily trend.
func (a *Aggregator) PeriodStats(ctx context.Context, start, end time.Time) (*dto.PeriodStats, error) {
	start, end = Window(start, end, a.now())
	key := cache.StatsKey("period", start.Format(dateLayout), end.Format(dateLayout))

	stats, err := cache.Remember(ctx, a.cache, key, cache.StatsTTL, func(ctx context.Context) (dto.PeriodStats, error) {
		return a.periodStats(ctx, start, end)
	})
	if err != nil {
		return &dto.PeriodStats{Error: err.Error()}, err
	}
	return &stats, nil
}

func (a *Aggregator) periodStats(ctx context.Context, start, end time.Time) (dto.PeriodStats, error) {
	total, err := a.backend.CountActive(ctx)
	if err != nil {
		return dto.PeriodStats{}, err
	}
	digests, err := a.backend.RecordsCreatedBetween(ctx, start, end)
	if err != nil {
		return dto.PeriodStats{}, err
	}

	days := int(end.Sub(start) / day)
	trend := make([]dto.DailyCount, days)
	for i := range trend {
		trend[i].Date = start.Add(time.Duration(i) * day).Format(dateLayout)
	}

	bySource := make(map[string]int64)
	for _, digest := range digests {
		idx := int(digest.CreatedAt.UTC().Sub(start) / day)
		if idx >= 0 && idx < days {
			trend[idx].Count++
		}
		bySource[digest.Source]++
	}

	return dto.PeriodStats{
		Success:         true,
		Start:           start.Format(time.RFC3339),
		End:             end.Format(time.RFC3339),
		WindowDays:      days,
		Total:           total,
		NewCount:        int64(len(digests)),
		SourceBreakdown: sourceCounts(bySource),
		Trend:           trend,
	}, nil
}

// CountryStats ranks active records by country. Records without a country are
// resolved through the locator when one is loaded, otherwise counted as Unknown.
func (a *Aggregator) CountryStats(ctx context.Context, limit int) (*dto.CountryStats, error) {
	if limit <= 0 {
		limit = DefaultCountryLimit
	}
	key := cache.StatsKey("country", fmt.Sprint(limit))

	stats, err := cache.Remember(ctx, a.cache, key, cache.StatsTTL, func(ctx context.Context) (dto.CountryStats, error) {
		return a.countryStats(ctx, limit)
	})
	if err != nil {
		return &dto.CountryStats{Error: err.Error()}, err
	}
	return &stats, nil
}

func (a *Aggregator) countryStats(ctx context.Context, limit int) (dto.CountryStats, error) {
	groups, err := a.backend.CountryCounts(ctx, 0)
	if err != nil {
		return dto.CountryStats{}, err
	}

	counts := make(map[string]int64, len(groups))
	var unresolved int64
	for _, group := range groups {
		if group.Label == "" {
			unresolved += group.Total
			continue
		}
		counts[group.Label] += group.Total
	}

	if unresolved > 0 {
		if a.locator != nil {
			unresolved, err = a.resolveCountries(ctx, counts)
			if err != nil {
				return dto.CountryStats{}, err
			}
		}
		if unresolved > 0 {
			counts[UnknownCountry] += unresolved
		}
	}

	var total int64
	ranked := make([]dto.CountryCount, 0, len(counts))
	for country, count := range counts {
		total += count
		ranked = append(ranked, dto.CountryCount{Country: country, Count: count})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count == ranked[j].Count {
			return ranked[i].Country < ranked[j].Country
		}
		return ranked[i].Count > ranked[j].Count
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	for i := range ranked {
		ranked[i].Percentage = percentage(ranked[i].Count, total)
	}

	return dto.CountryStats{Success: true, Total: total, Countries: ranked}, nil
}

// resolveCountries fills counts for records lacking a country and returns how
// many could still not be placed.
func (a *Aggregator) resolveCountries(ctx context.Context, counts map[string]int64) (int64, error) {
	records, err := a.backend.ActiveRecords(ctx)
	if err != nil {
		return 0, err
	}

	var unresolved int64
	for _, record := range records {
		if record.Country != "" {
			continue
		}
		if code, _, ok := a.locator.Country(record.IP); ok {
			counts[code]++
			continue
		}
		unresolved++
	}
	return unresolved, nil
}

// SourceStats counts active records per source.
func (a *Aggregator) SourceStats(ctx context.Context) (*dto.SourceStats, error) {
	stats, err := cache.Remember(ctx, a.cache, cache.StatsKey("sources"), cache.StatsTTL, func(ctx context.Context) (dto.SourceStats, error) {
		groups, err := a.backend.SourceCounts(ctx)
		if err != nil {
			return dto.SourceStats{}, err
		}
		out := dto.SourceStats{Success: true, Sources: make([]dto.SourceCount, 0, len(groups))}
		for _, group := range groups {
			out.Total += group.Total
			out.Sources = append(out.Sources, dto.SourceCount{Source: group.Label, Count: group.Total})
		}
		return out, nil
	})
	if err != nil {
		return &dto.SourceStats{Error: err.Error()}, err
	}
	return &stats, nil
}

func sourceCounts(bySource map[string]int64) []dto.SourceCount {
	out := make([]dto.SourceCount, 0, len(bySource))
	for source, count := range bySource {
		out = append(out, dto.SourceCount{Source: source, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count == out[j].Count {
			return out[i].Source < out[j].Source
		}
		return out[i].Count > out[j].Count
	})
	return out
}

func percentage(count, total int64) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(count)/float64(total)*10000) / 100
}
