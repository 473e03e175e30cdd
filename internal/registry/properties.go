package registry

import (
	"fmt"
	"sort"

	"github.com/stwalsh4118/parcelledger/internal/models"
)

// Clock supplies the current tick.
type Clock interface {
	Now() models.Tick
}

// SettleFunc moves price from the buyer to seller before ownership changes.
// A non-nil error aborts the purchase with no state change.
type SettleFunc func(seller models.Principal, price uint64) error

// TaxFunc debits the owner before the tax stamp is refreshed.
// A non-nil error aborts the payment with no state change.
type TaxFunc func(owner models.Principal, zone models.Zone) error

// PropertyRegistry holds every parcel and implements the mutating operations.
// It is not safe for concurrent use; callers serialise access.
type PropertyRegistry struct {
	zones      *ZoneRegistry
	clock      Clock
	properties map[models.PropertyID]*models.Property
	lastID     models.PropertyID
}

// NewPropertyRegistry creates an empty property registry validated against zones.
func NewPropertyRegistry(zones *ZoneRegistry, clock Clock) *PropertyRegistry {
	return &PropertyRegistry{
		zones:      zones,
		clock:      clock,
		properties: make(map[models.PropertyID]*models.Property),
	}
}

// CreateProperty creates a parcel owned by caller in the named zone.
// A failed call does not consume an id.
func (r *PropertyRegistry) CreateProperty(caller models.Principal, zone string) (models.PropertyID, error) {
	if _, ok := r.zones.Zone(zone); !ok {
		return 0, fmt.Errorf("create property: zone %q: %w", zone, ErrNotFound)
	}

	id := r.lastID + 1
	r.properties[id] = &models.Property{
		ID:             id,
		Owner:          caller,
		Zone:           zone,
		LastTaxPayment: r.clock.Now(),
	}
	r.lastID = id

	return id, nil
}

// SetPrice overwrites the asking price. Zero delists the parcel.
func (r *PropertyRegistry) SetPrice(caller models.Principal, id models.PropertyID, price uint64) error {
	property, err := r.owned(caller, id)
	if err != nil {
		return fmt.Errorf("set price: %w", err)
	}

	property.Price = price
	return nil
}

// BuyProperty transfers the parcel to caller and clears its price.
// The current owner may buy their own listed parcel.
// settle may be nil when no value transfer is attached.
func (r *PropertyRegistry) BuyProperty(caller models.Principal, id models.PropertyID, settle SettleFunc) error {
	property, ok := r.properties[id]
	if !ok {
		return fmt.Errorf("buy property %d: %w", id, ErrNotFound)
	}
	if property.Price == 0 {
		return fmt.Errorf("buy property %d: not for sale: %w", id, ErrInvalidValue)
	}

	if settle != nil {
		if err := settle(property.Owner, property.Price); err != nil {
			return fmt.Errorf("buy property %d: %w", id, err)
		}
	}

	property.Owner = caller
	property.Price = 0
	return nil
}

// ImproveProperty adds value to the parcel's improvements, bounded by its zone.
func (r *PropertyRegistry) ImproveProperty(caller models.Principal, id models.PropertyID, value uint64) error {
	property, err := r.owned(caller, id)
	if err != nil {
		return fmt.Errorf("improve property: %w", err)
	}

	zone, ok := r.zones.Zone(property.Zone)
	if !ok {
		return fmt.Errorf("improve property %d: zone %q: %w", id, property.Zone, ErrNotFound)
	}

	// A lowered zone ceiling can leave improvements above the limit.
	if property.Improvements > zone.MaxImprovements || value > zone.MaxImprovements-property.Improvements {
		return fmt.Errorf("improve property %d: %d + %d exceeds zone limit %d: %w",
			id, property.Improvements, value, zone.MaxImprovements, ErrInvalidValue)
	}

	property.Improvements += value
	return nil
}

// PayPropertyTax stamps the parcel with the current tick.
// No amount is computed and early or repeated payments are accepted.
// collect may be nil when no value transfer is attached.
func (r *PropertyRegistry) PayPropertyTax(caller models.Principal, id models.PropertyID, collect TaxFunc) error {
	property, err := r.owned(caller, id)
	if err != nil {
		return fmt.Errorf("pay property tax: %w", err)
	}

	zone, ok := r.zones.Zone(property.Zone)
	if !ok {
		return fmt.Errorf("pay property tax %d: zone %q: %w", id, property.Zone, ErrNotFound)
	}

	if collect != nil {
		if err := collect(property.Owner, zone); err != nil {
			return fmt.Errorf("pay property tax %d: %w", id, err)
		}
	}

	property.LastTaxPayment = r.clock.Now()
	return nil
}

// Property returns a copy of the parcel with the given id.
func (r *PropertyRegistry) Property(id models.PropertyID) (models.Property, bool) {
	property, ok := r.properties[id]
	if !ok {
		return models.Property{}, false
	}
	return *property, true
}

// Properties returns copies of every parcel ordered by id.
func (r *PropertyRegistry) Properties() []models.Property {
	result := make([]models.Property, 0, len(r.properties))
	for _, property := range r.properties {
		result = append(result, *property)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result
}

// LastID returns the most recently assigned id, or zero.
func (r *PropertyRegistry) LastID() models.PropertyID {
	return r.lastID
}

// Len returns the number of parcels.
func (r *PropertyRegistry) Len() int {
	return len(r.properties)
}

// owned resolves id and checks that caller owns it.
func (r *PropertyRegistry) owned(caller models.Principal, id models.PropertyID) (*models.Property, error) {
	property, ok := r.properties[id]
	if !ok {
		return nil, fmt.Errorf("property %d: %w", id, ErrNotFound)
	}
	if property.Owner != caller {
		return nil, fmt.Errorf("property %d: caller %q is not the owner: %w", id, caller, ErrUnauthorized)
	}
	return property, nil
}
