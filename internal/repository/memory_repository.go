package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/stwalsh4118/parcelledger/internal/models"
	"github.com/stwalsh4118/parcelledger/internal/registry"
)

// memoryRepository keeps records in process memory. Contents are lost on exit.
type memoryRepository struct {
	mu         sync.RWMutex
	zones      map[string]models.Zone
	properties map[models.PropertyID]models.Property
	lastID     models.PropertyID
}

// NewMemoryRepository creates an empty in-memory LedgerRepository.
func NewMemoryRepository() LedgerRepository {
	return &memoryRepository{
		zones:      make(map[string]models.Zone),
		properties: make(map[models.PropertyID]models.Property),
	}
}

// Load returns copies of every stored record.
func (r *memoryRepository) Load(ctx context.Context) (registry.State, error) {
	if err := ctx.Err(); err != nil {
		return registry.State{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	state := registry.State{
		Zones:      make([]models.Zone, 0, len(r.zones)),
		Properties: make([]models.Property, 0, len(r.properties)),
		LastID:     r.lastID,
	}
	for _, zone := range r.zones {
		state.Zones = append(state.Zones, zone)
	}
	for _, property := range r.properties {
		state.Properties = append(state.Properties, property)
	}
	sort.Slice(state.Zones, func(i, j int) bool { return state.Zones[i].Name < state.Zones[j].Name })
	sort.Slice(state.Properties, func(i, j int) bool { return state.Properties[i].ID < state.Properties[j].ID })

	return state, nil
}

// SaveZone stores a copy of zone.
func (r *memoryRepository) SaveZone(ctx context.Context, zone models.Zone) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.zones[zone.Name] = zone
	return nil
}

// SaveProperty stores a copy of property.
func (r *memoryRepository) SaveProperty(ctx context.Context, property models.Property) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.properties[property.ID] = property
	if property.ID > r.lastID {
		r.lastID = property.ID
	}
	return nil
}

// Ping always succeeds.
func (r *memoryRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}
