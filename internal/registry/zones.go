package registry

import (
	"fmt"
	"sort"

	"github.com/stwalsh4118/parcelledger/internal/models"
)

// ZoneRegistry holds zoning rules keyed by case-sensitive name.
// Only the administrator principal may change it.
type ZoneRegistry struct {
	admin models.Principal
	zones map[string]models.Zone
}

// NewZoneRegistry creates an empty zone registry gated by admin.
func NewZoneRegistry(admin models.Principal) *ZoneRegistry {
	return &ZoneRegistry{
		admin: admin,
		zones: make(map[string]models.Zone),
	}
}

// Admin returns the administrator principal.
func (r *ZoneRegistry) Admin() models.Principal {
	return r.admin
}

// SetZone inserts or overwrites the zone called name.
// Redefining an existing zone is not an error.
func (r *ZoneRegistry) SetZone(caller models.Principal, name string, maxImprovements, taxRate uint64) error {
	if caller != r.admin {
		return fmt.Errorf("set zone %q: %w", name, ErrOwnerOnly)
	}

	r.zones[name] = models.Zone{
		Name:            name,
		MaxImprovements: maxImprovements,
		TaxRate:         taxRate,
	}
	return nil
}

// Zone looks up a zone by name.
func (r *ZoneRegistry) Zone(name string) (models.Zone, bool) {
	zone, ok := r.zones[name]
	return zone, ok
}

// Zones returns every zone ordered by name.
func (r *ZoneRegistry) Zones() []models.Zone {
	result := make([]models.Zone, 0, len(r.zones))
	for _, zone := range r.zones {
		result = append(result, zone)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}

// Len returns the number of configured zones.
func (r *ZoneRegistry) Len() int {
	return len(r.zones)
}
