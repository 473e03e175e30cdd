// Package registry implements the parcel ledger state machine.
//
// A Registry pairs a ZoneRegistry with a PropertyRegistry that validates
// against it. Neither type locks; the host serialises every call.
package registry

import (
	"fmt"

	"github.com/stwalsh4118/parcelledger/internal/models"
)

// Registry is the aggregate of zones and parcels.
type Registry struct {
	Zones      *ZoneRegistry
	Properties *PropertyRegistry
}

// New creates an empty registry whose zones are administered by admin.
func New(admin models.Principal, clock Clock) *Registry {
	zones := NewZoneRegistry(admin)
	return &Registry{
		Zones:      zones,
		Properties: NewPropertyRegistry(zones, clock),
	}
}

// State is a detached copy of the registry contents.
type State struct {
	Zones      []models.Zone
	Properties []models.Property
	LastID     models.PropertyID
}

// Snapshot copies the current contents.
func (r *Registry) Snapshot() State {
	return State{
		Zones:      r.Zones.Zones(),
		Properties: r.Properties.Properties(),
		LastID:     r.Properties.LastID(),
	}
}

// Restore replaces the contents with state after checking its invariants.
// Improvements may exceed a zone ceiling that SetZone lowered later.
// On error the registry is left unchanged.
func (r *Registry) Restore(state State) error {
	zones := make(map[string]models.Zone, len(state.Zones))
	for _, zone := range state.Zones {
		if _, dup := zones[zone.Name]; dup {
			return fmt.Errorf("%w: duplicate zone %q", ErrInconsistentState, zone.Name)
		}
		zones[zone.Name] = zone
	}

	lastID := state.LastID
	properties := make(map[models.PropertyID]*models.Property, len(state.Properties))
	for i := range state.Properties {
		property := state.Properties[i]
		if property.ID == 0 {
			return fmt.Errorf("%w: property with zero id", ErrInconsistentState)
		}
		if _, dup := properties[property.ID]; dup {
			return fmt.Errorf("%w: duplicate property %d", ErrInconsistentState, property.ID)
		}
		if property.Owner == "" {
			return fmt.Errorf("%w: property %d has no owner", ErrInconsistentState, property.ID)
		}
		if _, ok := zones[property.Zone]; !ok {
			return fmt.Errorf("%w: property %d references unknown zone %q",
				ErrInconsistentState, property.ID, property.Zone)
		}
		if property.ID > lastID {
			lastID = property.ID
		}
		properties[property.ID] = &property
	}

	r.Zones.zones = zones
	r.Properties.properties = properties
	r.Properties.lastID = lastID
	return nil
}
