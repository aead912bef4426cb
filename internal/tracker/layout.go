package tracker

import (
	"fmt"
	"math"
	"sort"

	"github.com/samber/lo"

	"petwatch/internal/geometry"
	"petwatch/internal/pipeline"
)

// Layout holds the validated zones and bowls of a tracking session.
// Zones are kept in evaluation order: restricted, feeding, normal, and
// registration order within one kind.
type Layout struct {
	zones []pipeline.Zone
	bowls []pipeline.Bowl
}

// NewLayout validates zones and bowls. Invalid geometry is rejected with
// ErrInvalidZoneGeometry and never reaches the tracker.
func NewLayout(zones []pipeline.Zone, bowls []pipeline.Bowl) (*Layout, error) {
	zoneIDs := make(map[string]bool, len(zones))
	for i, z := range zones {
		if z.ID == "" {
			return nil, fmt.Errorf("zone %d: id cannot be empty", i)
		}
		if zoneIDs[z.ID] {
			return nil, fmt.Errorf("duplicate zone id %q", z.ID)
		}
		zoneIDs[z.ID] = true

		if !z.Kind.Valid() {
			return nil, fmt.Errorf("zone %q: unknown kind %q", z.ID, z.Kind)
		}
		if err := geometry.ValidatePolygon(z.Polygon); err != nil {
			return nil, fmt.Errorf("zone %q: %w", z.ID, err)
		}
	}

	bowlIDs := make(map[string]bool, len(bowls))
	for i, b := range bowls {
		if b.ID == "" {
			return nil, fmt.Errorf("bowl %d: id cannot be empty", i)
		}
		if bowlIDs[b.ID] {
			return nil, fmt.Errorf("duplicate bowl id %q", b.ID)
		}
		bowlIDs[b.ID] = true

		if !b.Kind.Valid() {
			return nil, fmt.Errorf("bowl %q: unknown kind %q", b.ID, b.Kind)
		}
		if !finite(b.Center.X) || !finite(b.Center.Y) || !finite(b.Radius) || b.Radius <= 0 {
			return nil, fmt.Errorf("bowl %q: %w: center must be finite and radius positive", b.ID, geometry.ErrInvalidZoneGeometry)
		}
	}

	ordered := make([]pipeline.Zone, len(zones))
	copy(ordered, zones)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Kind.Priority() > ordered[j].Kind.Priority()
	})

	return &Layout{
		zones: ordered,
		bowls: append([]pipeline.Bowl(nil), bowls...),
	}, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// ZoneAt returns the highest-priority zone containing p, or nil
func (l *Layout) ZoneAt(p geometry.Point) *pipeline.Zone {
	for i := range l.zones {
		if geometry.PointInPolygon(p, l.zones[i].Polygon) {
			return &l.zones[i]
		}
	}
	return nil
}

// Zone returns a zone by id
func (l *Layout) Zone(id string) (pipeline.Zone, bool) {
	return lo.Find(l.zones, func(z pipeline.Zone) bool { return z.ID == id })
}

// Bowl returns a bowl by id
func (l *Layout) Bowl(id string) (pipeline.Bowl, bool) {
	return lo.Find(l.bowls, func(b pipeline.Bowl) bool { return b.ID == id })
}

// Zones returns the zones in evaluation order
func (l *Layout) Zones() []pipeline.Zone {
	return append([]pipeline.Zone(nil), l.zones...)
}

// Bowls returns the bowls in registration order
func (l *Layout) Bowls() []pipeline.Bowl {
	return append([]pipeline.Bowl(nil), l.bowls...)
}

// ZoneIDs returns zone ids in evaluation order
func (l *Layout) ZoneIDs() []string {
	return lo.Map(l.zones, func(z pipeline.Zone, _ int) string { return z.ID })
}
