package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stwalsh4118/parcelledger/internal/clock"
	"github.com/stwalsh4118/parcelledger/internal/events"
	"github.com/stwalsh4118/parcelledger/internal/logger"
	"github.com/stwalsh4118/parcelledger/internal/metrics"
	"github.com/stwalsh4118/parcelledger/internal/models"
	"github.com/stwalsh4118/parcelledger/internal/payments"
	"github.com/stwalsh4118/parcelledger/internal/registry"
	"github.com/stwalsh4118/parcelledger/internal/repository"
)

// Operation names used in logs and metrics.
const (
	OpSetZone         = "set_zone"
	OpCreateProperty  = "create_property"
	OpSetPrice        = "set_price"
	OpBuyProperty     = "buy_property"
	OpImproveProperty = "improve_property"
	OpPayPropertyTax  = "pay_property_tax"
	OpAdvanceClock    = "advance_clock"
)

// Service-level errors
var (
	ErrPersistence        = errors.New("failed to persist registry change")
	ErrSettlement         = errors.New("settlement failed")
	ErrClockNotAdjustable = errors.New("clock cannot be advanced")

	// ErrReversal means a payment was taken but the change it paid for was
	// not stored, and the gateway refused to return it.
	ErrReversal = errors.New("payment reversal failed")
)

// PropertyFilter narrows ListProperties. Nil fields match everything.
type PropertyFilter struct {
	Owner   *models.Principal
	ForSale *bool
}

// RegistryService defines the interface for parcel ledger operations.
// Every mutating call is serialised against every other call.
type RegistryService interface {
	// SetZone creates or replaces a zone. Only the administrator may call it.
	SetZone(ctx context.Context, caller models.Principal, name string, maxImprovements, taxRate uint64) (*models.Zone, error)

	// CreateProperty creates a parcel owned by caller in an existing zone.
	CreateProperty(ctx context.Context, caller models.Principal, zone string) (*models.Property, error)

	// SetPrice lists the parcel at price, or delists it when price is zero.
	SetPrice(ctx context.Context, caller models.Principal, id models.PropertyID, price uint64) (*models.Property, error)

	// BuyProperty transfers a listed parcel to caller after settling its price.
	BuyProperty(ctx context.Context, caller models.Principal, id models.PropertyID) (*models.Property, error)

	// ImproveProperty raises the parcel's improvements within its zone ceiling.
	ImproveProperty(ctx context.Context, caller models.Principal, id models.PropertyID, value uint64) (*models.Property, error)

	// PayPropertyTax stamps the parcel with the current tick.
	PayPropertyTax(ctx context.Context, caller models.Principal, id models.PropertyID) (*models.Property, error)

	// GetZone returns registry.ErrNotFound for unknown names.
	GetZone(ctx context.Context, name string) (*models.Zone, error)

	// ListZones returns every zone ordered by name.
	ListZones(ctx context.Context) ([]models.Zone, error)

	// GetProperty returns registry.ErrNotFound for unknown ids.
	GetProperty(ctx context.Context, id models.PropertyID) (*models.Property, error)

	// ListProperties returns matching parcels ordered by id.
	ListProperties(ctx context.Context, filter PropertyFilter) ([]models.Property, error)

	// Tick returns the current clock height.
	Tick(ctx context.Context) models.Tick

	// AdvanceClock moves a manual clock forward. Only the administrator may call it.
	// Returns ErrClockNotAdjustable when the clock is not manual.
	AdvanceClock(ctx context.Context, caller models.Principal, blocks models.Tick) (models.Tick, error)
}

// Dependencies groups the collaborators of the registry service.
// Gateway, Publisher and Metrics are optional.
type Dependencies struct {
	Admin      models.Principal
	Clock      clock.Clock
	Repository repository.LedgerRepository
	Gateway    payments.Gateway
	Publisher  events.Publisher
	Metrics    *metrics.Metrics
	Logger     *logger.Logger
}

// registryService is the concrete implementation of RegistryService.
type registryService struct {
	mu        sync.Mutex
	ledger    *registry.Registry
	clock     clock.Clock
	repo      repository.LedgerRepository
	gateway   payments.Gateway
	publisher events.Publisher
	metrics   *metrics.Metrics
	log       *logger.Logger
}

// NewRegistryService creates a RegistryService and hydrates it from the repository.
func NewRegistryService(ctx context.Context, deps Dependencies) (RegistryService, error) {
	if deps.Admin == "" {
		return nil, errors.New("registry administrator is required")
	}
	if deps.Clock == nil {
		return nil, errors.New("clock is required")
	}
	if deps.Repository == nil {
		return nil, errors.New("repository is required")
	}
	if deps.Gateway == nil {
		deps.Gateway = payments.Noop{}
	}
	if deps.Publisher == nil {
		deps.Publisher = events.NopPublisher{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}

	s := &registryService{
		ledger:    registry.New(deps.Admin, deps.Clock),
		clock:     deps.Clock,
		repo:      deps.Repository,
		gateway:   deps.Gateway,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		log:       deps.Logger.Component("registry"),
	}

	if err := s.reload(ctx); err != nil {
		return nil, err
	}

	zones, properties := s.ledger.Zones.Len(), s.ledger.Properties.Len()
	s.setInventory()
	s.log.Info("Registry loaded", map[string]interface{}{
		"admin":      deps.Admin,
		"zones":      zones,
		"properties": properties,
		"last_id":    s.ledger.Properties.LastID(),
		"tick":       s.clock.Now(),
	})

	return s, nil
}

// SetZone creates or replaces a zone.
func (s *registryService) SetZone(ctx context.Context, caller models.Principal, name string, maxImprovements, taxRate uint64) (*models.Zone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields := map[string]interface{}{
		"caller":           caller,
		"zone":             name,
		"max_improvements": maxImprovements,
		"tax_rate":         taxRate,
	}

	if err := s.ledger.Zones.SetZone(caller, name, maxImprovements, taxRate); err != nil {
		return nil, s.rejected(OpSetZone, err, fields)
	}

	zone, _ := s.ledger.Zones.Zone(name)
	if err := s.repo.SaveZone(ctx, zone); err != nil {
		return nil, s.persistFailed(ctx, OpSetZone, err, fields)
	}

	s.succeeded(ctx, OpSetZone, events.Event{Type: events.ZoneSet, Actor: caller, Zone: &zone}, fields)
	return &zone, nil
}

// CreateProperty creates a parcel owned by caller.
func (s *registryService) CreateProperty(ctx context.Context, caller models.Principal, zone string) (*models.Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields := map[string]interface{}{
		"caller": caller,
		"zone":   zone,
	}

	id, err := s.ledger.Properties.CreateProperty(caller, zone)
	if err != nil {
		return nil, s.rejected(OpCreateProperty, err, fields)
	}
	fields["property_id"] = id

	property, err := s.saveProperty(ctx, OpCreateProperty, id, fields)
	if err != nil {
		return nil, err
	}

	s.succeeded(ctx, OpCreateProperty, events.Event{Type: events.PropertyCreated, Actor: caller, Property: property}, fields)
	return property, nil
}

// SetPrice overwrites the asking price.
func (s *registryService) SetPrice(ctx context.Context, caller models.Principal, id models.PropertyID, price uint64) (*models.Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields := map[string]interface{}{
		"caller":      caller,
		"property_id": id,
		"price":       price,
	}

	if err := s.ledger.Properties.SetPrice(caller, id, price); err != nil {
		return nil, s.rejected(OpSetPrice, err, fields)
	}

	property, err := s.saveProperty(ctx, OpSetPrice, id, fields)
	if err != nil {
		return nil, err
	}

	s.succeeded(ctx, OpSetPrice, events.Event{Type: events.PriceSet, Actor: caller, Property: property}, fields)
	return property, nil
}

// BuyProperty settles the price through the gateway and transfers ownership.
// A failed settlement leaves the parcel untouched. A settlement whose
// transfer cannot be stored is refunded.
func (s *registryService) BuyProperty(ctx context.Context, caller models.Principal, id models.PropertyID) (*models.Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields := map[string]interface{}{
		"caller":      caller,
		"property_id": id,
	}

	var (
		seller  models.Principal
		paid    uint64
		settled bool
	)
	settle := func(owner models.Principal, price uint64) error {
		seller, paid = owner, price
		fields["seller"] = owner
		fields["price"] = price
		if err := s.gateway.Settle(ctx, caller, owner, price); err != nil {
			return fmt.Errorf("%w: %v", ErrSettlement, err)
		}
		settled = true
		return nil
	}

	if err := s.ledger.Properties.BuyProperty(caller, id, settle); err != nil {
		if errors.Is(err, ErrSettlement) {
			return nil, s.failed(OpBuyProperty, err, fields)
		}
		return nil, s.rejected(OpBuyProperty, err, fields)
	}

	property, err := s.saveProperty(ctx, OpBuyProperty, id, fields)
	if err != nil {
		if settled {
			return nil, s.reverse(ctx, OpBuyProperty, err, fields, func(ctx context.Context) error {
				return s.gateway.Refund(ctx, caller, seller, paid)
			})
		}
		return nil, err
	}

	s.succeeded(ctx, OpBuyProperty, events.Event{Type: events.PropertyBought, Actor: caller, Seller: seller, Property: property}, fields)
	return property, nil
}

// ImproveProperty adds value to the parcel's improvements.
func (s *registryService) ImproveProperty(ctx context.Context, caller models.Principal, id models.PropertyID, value uint64) (*models.Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields := map[string]interface{}{
		"caller":      caller,
		"property_id": id,
		"value":       value,
	}

	if err := s.ledger.Properties.ImproveProperty(caller, id, value); err != nil {
		return nil, s.rejected(OpImproveProperty, err, fields)
	}

	property, err := s.saveProperty(ctx, OpImproveProperty, id, fields)
	if err != nil {
		return nil, err
	}

	s.succeeded(ctx, OpImproveProperty, events.Event{Type: events.PropertyImproved, Actor: caller, Property: property}, fields)
	return property, nil
}

// PayPropertyTax collects tax through the gateway and refreshes the stamp.
// Collected tax is refunded when the new stamp cannot be stored.
func (s *registryService) PayPropertyTax(ctx context.Context, caller models.Principal, id models.PropertyID) (*models.Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields := map[string]interface{}{
		"caller":      caller,
		"property_id": id,
	}

	var (
		taxed     models.Principal
		taxedZone models.Zone
		collected bool
	)
	collect := func(owner models.Principal, zone models.Zone) error {
		if err := s.gateway.CollectTax(ctx, owner, zone); err != nil {
			return fmt.Errorf("%w: %v", ErrSettlement, err)
		}
		taxed, taxedZone, collected = owner, zone, true
		return nil
	}

	if err := s.ledger.Properties.PayPropertyTax(caller, id, collect); err != nil {
		if errors.Is(err, ErrSettlement) {
			return nil, s.failed(OpPayPropertyTax, err, fields)
		}
		return nil, s.rejected(OpPayPropertyTax, err, fields)
	}

	property, err := s.saveProperty(ctx, OpPayPropertyTax, id, fields)
	if err != nil {
		if collected {
			return nil, s.reverse(ctx, OpPayPropertyTax, err, fields, func(ctx context.Context) error {
				return s.gateway.RefundTax(ctx, taxed, taxedZone)
			})
		}
		return nil, err
	}
	fields["tick"] = property.LastTaxPayment

	s.succeeded(ctx, OpPayPropertyTax, events.Event{Type: events.TaxPaid, Actor: caller, Property: property}, fields)
	return property, nil
}

// GetZone returns a copy of the named zone.
func (s *registryService) GetZone(ctx context.Context, name string) (*models.Zone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	zone, ok := s.ledger.Zones.Zone(name)
	if !ok {
		return nil, fmt.Errorf("zone %q: %w", name, registry.ErrNotFound)
	}
	return &zone, nil
}

// ListZones returns every zone.
func (s *registryService) ListZones(ctx context.Context) ([]models.Zone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ledger.Zones.Zones(), nil
}

// GetProperty returns a copy of the parcel.
func (s *registryService) GetProperty(ctx context.Context, id models.PropertyID) (*models.Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	property, ok := s.ledger.Properties.Property(id)
	if !ok {
		return nil, fmt.Errorf("property %d: %w", id, registry.ErrNotFound)
	}
	return &property, nil
}

// ListProperties returns parcels matching filter.
func (s *registryService) ListProperties(ctx context.Context, filter PropertyFilter) ([]models.Property, error) {
	s.mu.Lock()
	all := s.ledger.Properties.Properties()
	s.mu.Unlock()

	result := make([]models.Property, 0, len(all))
	for _, property := range all {
		if filter.Owner != nil && property.Owner != *filter.Owner {
			continue
		}
		if filter.ForSale != nil && property.ForSale() != *filter.ForSale {
			continue
		}
		result = append(result, property)
	}
	return result, nil
}

// Tick returns the current clock height.
func (s *registryService) Tick(ctx context.Context) models.Tick {
	return s.clock.Now()
}

// AdvanceClock moves a manual clock forward by blocks.
func (s *registryService) AdvanceClock(ctx context.Context, caller models.Principal, blocks models.Tick) (models.Tick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields := map[string]interface{}{
		"caller": caller,
		"blocks": blocks,
	}

	if caller != s.ledger.Zones.Admin() {
		return 0, s.rejected(OpAdvanceClock, fmt.Errorf("advance clock: %w", registry.ErrOwnerOnly), fields)
	}

	advancer, ok := s.clock.(clock.Advancer)
	if !ok {
		return 0, s.rejected(OpAdvanceClock, ErrClockNotAdjustable, fields)
	}

	height := advancer.Advance(blocks)
	fields["tick"] = height
	s.observe(OpAdvanceClock, metrics.OutcomeSuccess)
	s.log.Info("Clock advanced", fields)

	return height, nil
}

// saveProperty persists the parcel with the given id and returns a copy.
func (s *registryService) saveProperty(ctx context.Context, op string, id models.PropertyID, fields map[string]interface{}) (*models.Property, error) {
	property, ok := s.ledger.Properties.Property(id)
	if !ok {
		return nil, s.failed(op, fmt.Errorf("property %d vanished after %s: %w", id, op, registry.ErrInconsistentState), fields)
	}
	if err := s.repo.SaveProperty(ctx, property); err != nil {
		return nil, s.persistFailed(ctx, op, err, fields)
	}
	return &property, nil
}

// persistFailed rolls the in-memory registry back to the stored state.
// Must be called with s.mu held.
func (s *registryService) persistFailed(ctx context.Context, op string, cause error, fields map[string]interface{}) error {
	err := fmt.Errorf("%w: %s: %v", ErrPersistence, op, cause)

	// The request context may already be cancelled; the reload must still run.
	reloadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if reloadErr := s.reload(reloadCtx); reloadErr != nil {
		s.log.Error("Failed to resynchronise registry after persistence failure", reloadErr, fields)
	}
	return s.failed(op, err, fields)
}

// reverse undoes a completed payment after the change it paid for was lost.
// It returns cause unchanged when the refund succeeds.
func (s *registryService) reverse(ctx context.Context, op string, cause error, fields map[string]interface{}, refund func(context.Context) error) error {
	refundCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := refund(refundCtx); err != nil {
		s.log.Error("Failed to reverse payment; manual reconciliation required", err, withError(fields, op, nil))
		return fmt.Errorf("%w (%w: %v)", cause, ErrReversal, err)
	}

	s.log.Warn("Payment reversed after persistence failure", withError(fields, op, nil))
	return cause
}

// reload replaces the registry contents with the repository state.
func (s *registryService) reload(ctx context.Context) error {
	state, err := s.repo.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}
	if err := s.ledger.Restore(state); err != nil {
		return fmt.Errorf("failed to restore registry: %w", err)
	}
	return nil
}

// rejected logs and counts a precondition failure and returns err.
func (s *registryService) rejected(op string, err error, fields map[string]interface{}) error {
	s.observe(op, metrics.OutcomeRejected)
	logFields := withError(fields, op, err)
	s.log.Warn("Registry operation rejected", logFields)
	return err
}

// failed logs and counts an infrastructure failure and returns err.
func (s *registryService) failed(op string, err error, fields map[string]interface{}) error {
	s.observe(op, metrics.OutcomeFailed)
	s.log.Error("Registry operation failed", err, withError(fields, op, nil))
	return err
}

// succeeded publishes the event, records metrics and logs the change.
func (s *registryService) succeeded(ctx context.Context, op string, event events.Event, fields map[string]interface{}) {
	event.OccurredAt = time.Now().UTC()
	event.Tick = s.clock.Now()

	outcome := metrics.OutcomeSuccess
	if err := s.publisher.Publish(ctx, event); err != nil {
		outcome = metrics.OutcomeFailed
		s.log.Warn("Failed to publish registry event", map[string]interface{}{
			"type":  event.Type,
			"error": err.Error(),
		})
	}
	if s.metrics != nil {
		s.metrics.EventsPublished.WithLabelValues(string(event.Type), outcome).Inc()
	}

	s.observe(op, metrics.OutcomeSuccess)
	s.setInventory()
	s.log.Info("Registry operation succeeded", withError(fields, op, nil))
}

func (s *registryService) observe(op, outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveOperation(op, outcome)
	}
}

func (s *registryService) setInventory() {
	if s.metrics != nil {
		s.metrics.SetInventory(s.ledger.Zones.Len(), s.ledger.Properties.Len())
	}
}

// withError copies fields and adds the operation name and, when known, the ledger code.
func withError(fields map[string]interface{}, op string, err error) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+3)
	for k, v := range fields {
		out[k] = v
	}
	out["operation"] = op
	if err != nil {
		out["error"] = err.Error()
		if code, ok := registry.Code(err); ok {
			out["ledger_code"] = code
		}
	}
	return out
}
