package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stwalsh4118/parcelledger/internal/clock"
	"github.com/stwalsh4118/parcelledger/internal/events"
	"github.com/stwalsh4118/parcelledger/internal/logger"
	"github.com/stwalsh4118/parcelledger/internal/metrics"
	"github.com/stwalsh4118/parcelledger/internal/models"
	"github.com/stwalsh4118/parcelledger/internal/registry"
	"github.com/stwalsh4118/parcelledger/internal/repository"
)

const (
	admin models.Principal = "2vxsx-fae"
	alice models.Principal = "alice"
	bob   models.Principal = "bob"
)

// MockLedgerRepository is a mock implementation of LedgerRepository for testing
type MockLedgerRepository struct {
	mock.Mock
}

func (m *MockLedgerRepository) Load(ctx context.Context) (registry.State, error) {
	args := m.Called(ctx)
	state, _ := args.Get(0).(registry.State)
	return state, args.Error(1)
}

func (m *MockLedgerRepository) SaveZone(ctx context.Context, zone models.Zone) error {
	return m.Called(ctx, zone).Error(0)
}

func (m *MockLedgerRepository) SaveProperty(ctx context.Context, property models.Property) error {
	return m.Called(ctx, property).Error(0)
}

func (m *MockLedgerRepository) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// MockGateway is a mock implementation of payments.Gateway for testing
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) Settle(ctx context.Context, buyer, seller models.Principal, amount uint64) error {
	return m.Called(ctx, buyer, seller, amount).Error(0)
}

func (m *MockGateway) CollectTax(ctx context.Context, owner models.Principal, zone models.Zone) error {
	return m.Called(ctx, owner, zone).Error(0)
}

func (m *MockGateway) Refund(ctx context.Context, buyer, seller models.Principal, amount uint64) error {
	return m.Called(ctx, buyer, seller, amount).Error(0)
}

func (m *MockGateway) RefundTax(ctx context.Context, owner models.Principal, zone models.Zone) error {
	return m.Called(ctx, owner, zone).Error(0)
}

// MockPublisher is a mock implementation of events.Publisher for testing
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, event events.Event) error {
	return m.Called(ctx, event).Error(0)
}

func (m *MockPublisher) Close() error {
	return m.Called().Error(0)
}

type fixture struct {
	service RegistryService
	repo    repository.LedgerRepository
	clock   *clock.Manual
	metrics *metrics.Metrics
}

// newFixture builds a service over an in-memory repository and a manual clock.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		repo:    repository.NewMemoryRepository(),
		clock:   clock.NewManual(0),
		metrics: metrics.New(),
	}
	service, err := NewRegistryService(context.Background(), Dependencies{
		Admin:      admin,
		Clock:      f.clock,
		Repository: f.repo,
		Metrics:    f.metrics,
		Logger:     logger.Nop(),
	})
	require.NoError(t, err)
	f.service = service
	return f
}

func TestNewRegistryService_RequiresDependencies(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()

	_, err := NewRegistryService(ctx, Dependencies{Clock: clock.NewManual(0), Repository: repo})
	assert.Error(t, err)

	_, err = NewRegistryService(ctx, Dependencies{Admin: admin, Repository: repo})
	assert.Error(t, err)

	_, err = NewRegistryService(ctx, Dependencies{Admin: admin, Clock: clock.NewManual(0)})
	assert.Error(t, err)
}

func TestNewRegistryService_Hydrates(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	require.NoError(t, repo.SaveZone(ctx, models.Zone{Name: "residential", MaxImprovements: 100, TaxRate: 5}))
	require.NoError(t, repo.SaveProperty(ctx, models.Property{ID: 7, Owner: alice, Zone: "residential", Price: 10}))

	service, err := NewRegistryService(ctx, Dependencies{
		Admin:      admin,
		Clock:      clock.NewManual(0),
		Repository: repo,
	})
	require.NoError(t, err)

	property, err := service.GetProperty(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, alice, property.Owner)

	created, err := service.CreateProperty(ctx, bob, "residential")
	require.NoError(t, err)
	assert.Equal(t, models.PropertyID(8), created.ID)
}

func TestNewRegistryService_LoadFailure(t *testing.T) {
	mockRepo := new(MockLedgerRepository)
	mockRepo.On("Load", mock.Anything).Return(registry.State{}, errors.New("connection refused"))

	_, err := NewRegistryService(context.Background(), Dependencies{
		Admin:      admin,
		Clock:      clock.NewManual(0),
		Repository: mockRepo,
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	mockRepo.AssertExpectations(t)
}

func TestNewRegistryService_InconsistentState(t *testing.T) {
	mockRepo := new(MockLedgerRepository)
	mockRepo.On("Load", mock.Anything).Return(registry.State{
		Properties: []models.Property{{ID: 1, Owner: alice, Zone: "missing"}},
	}, nil)

	_, err := NewRegistryService(context.Background(), Dependencies{
		Admin:      admin,
		Clock:      clock.NewManual(0),
		Repository: mockRepo,
	})

	assert.ErrorIs(t, err, registry.ErrInconsistentState)
}

func TestSetZone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	zone, err := f.service.SetZone(ctx, admin, "residential", 100, 5)
	require.NoError(t, err)
	assert.Equal(t, models.Zone{Name: "residential", MaxImprovements: 100, TaxRate: 5}, *zone)

	_, err = f.service.SetZone(ctx, alice, "residential", 1, 1)
	assert.ErrorIs(t, err, registry.ErrOwnerOnly)

	stored, err := f.service.GetZone(ctx, "residential")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), stored.MaxImprovements)

	state, err := f.repo.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.Zone{*zone}, state.Zones)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Operations.WithLabelValues(OpSetZone, metrics.OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Operations.WithLabelValues(OpSetZone, metrics.OutcomeRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Zones))
}

func TestGetZone_NotFound(t *testing.T) {
	f := newFixture(t)

	zone, err := f.service.GetZone(context.Background(), "nowhere")
	assert.Nil(t, zone)
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestCreateProperty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.CreateProperty(ctx, alice, "residential")
	assert.ErrorIs(t, err, registry.ErrNotFound)

	_, err = f.service.SetZone(ctx, admin, "residential", 100, 5)
	require.NoError(t, err)

	f.clock.Advance(42)
	property, err := f.service.CreateProperty(ctx, alice, "residential")
	require.NoError(t, err)

	assert.Equal(t, models.Property{
		ID:             1,
		Owner:          alice,
		Zone:           "residential",
		LastTaxPayment: 42,
	}, *property)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Properties))
}

func TestOwnershipChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.SetZone(ctx, admin, "residential", 100, 5)
	require.NoError(t, err)
	_, err = f.service.CreateProperty(ctx, alice, "residential")
	require.NoError(t, err)

	_, err = f.service.SetPrice(ctx, bob, 1, 10)
	assert.ErrorIs(t, err, registry.ErrUnauthorized)
	_, err = f.service.ImproveProperty(ctx, bob, 1, 10)
	assert.ErrorIs(t, err, registry.ErrUnauthorized)
	_, err = f.service.PayPropertyTax(ctx, bob, 1)
	assert.ErrorIs(t, err, registry.ErrUnauthorized)

	_, err = f.service.SetPrice(ctx, alice, 99, 10)
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestBuyProperty_SettlesThroughGateway(t *testing.T) {
	ctx := context.Background()
	gateway := new(MockGateway)
	repo := repository.NewMemoryRepository()

	service, err := NewRegistryService(ctx, Dependencies{
		Admin:      admin,
		Clock:      clock.NewManual(0),
		Repository: repo,
		Gateway:    gateway,
	})
	require.NoError(t, err)

	_, err = service.SetZone(ctx, admin, "residential", 100, 5)
	require.NoError(t, err)
	_, err = service.CreateProperty(ctx, alice, "residential")
	require.NoError(t, err)
	_, err = service.SetPrice(ctx, alice, 1, 250)
	require.NoError(t, err)

	gateway.On("Settle", ctx, bob, alice, uint64(250)).Return(errors.New("insufficient funds")).Once()

	_, err = service.BuyProperty(ctx, bob, 1)
	assert.ErrorIs(t, err, ErrSettlement)
	_, isLedger := registry.Code(err)
	assert.False(t, isLedger)

	unchanged, err := service.GetProperty(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, alice, unchanged.Owner)
	assert.Equal(t, uint64(250), unchanged.Price)

	gateway.On("Settle", ctx, bob, alice, uint64(250)).Return(nil).Once()

	bought, err := service.BuyProperty(ctx, bob, 1)
	require.NoError(t, err)
	assert.Equal(t, bob, bought.Owner)
	assert.Equal(t, uint64(0), bought.Price)

	_, err = service.BuyProperty(ctx, alice, 1)
	assert.ErrorIs(t, err, registry.ErrInvalidValue)

	gateway.AssertExpectations(t)
}

func TestPayPropertyTax_CollectsThroughGateway(t *testing.T) {
	ctx := context.Background()
	gateway := new(MockGateway)
	manual := clock.NewManual(0)

	service, err := NewRegistryService(ctx, Dependencies{
		Admin:      admin,
		Clock:      manual,
		Repository: repository.NewMemoryRepository(),
		Gateway:    gateway,
	})
	require.NoError(t, err)

	zone, err := service.SetZone(ctx, admin, "residential", 100, 5)
	require.NoError(t, err)
	_, err = service.CreateProperty(ctx, alice, "residential")
	require.NoError(t, err)

	manual.Advance(clock.TaxPeriod)
	gateway.On("CollectTax", ctx, alice, *zone).Return(errors.New("declined")).Once()

	_, err = service.PayPropertyTax(ctx, alice, 1)
	assert.ErrorIs(t, err, ErrSettlement)

	property, err := service.GetProperty(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.Tick(0), property.LastTaxPayment)

	gateway.On("CollectTax", ctx, alice, *zone).Return(nil).Once()

	property, err = service.PayPropertyTax(ctx, alice, 1)
	require.NoError(t, err)
	assert.Equal(t, clock.TaxPeriod, property.LastTaxPayment)

	gateway.AssertExpectations(t)
}

func TestPersistenceFailure_RollsBack(t *testing.T) {
	ctx := context.Background()
	mockRepo := new(MockLedgerRepository)
	state := registry.State{
		Zones: []models.Zone{{Name: "residential", MaxImprovements: 100, TaxRate: 5}},
	}
	mockRepo.On("Load", mock.Anything).Return(state, nil)
	mockRepo.On("SaveProperty", mock.Anything, mock.Anything).Return(errors.New("disk full")).Once()

	service, err := NewRegistryService(ctx, Dependencies{
		Admin:      admin,
		Clock:      clock.NewManual(0),
		Repository: mockRepo,
	})
	require.NoError(t, err)

	_, err = service.CreateProperty(ctx, alice, "residential")
	assert.ErrorIs(t, err, ErrPersistence)

	_, err = service.GetProperty(ctx, 1)
	assert.ErrorIs(t, err, registry.ErrNotFound)

	// The failed create must not consume id 1.
	mockRepo.On("SaveProperty", mock.Anything, mock.MatchedBy(func(p models.Property) bool {
		return p.ID == 1
	})).Return(nil).Once()

	property, err := service.CreateProperty(ctx, alice, "residential")
	require.NoError(t, err)
	assert.Equal(t, models.PropertyID(1), property.ID)

	mockRepo.AssertNumberOfCalls(t, "Load", 2)
	mockRepo.AssertExpectations(t)
}

func TestNewRegistryService_AfterZoneDowngrade(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.service.SetZone(ctx, admin, "residential", 100, 5)
	require.NoError(t, err)
	_, err = f.service.CreateProperty(ctx, alice, "residential")
	require.NoError(t, err)
	_, err = f.service.ImproveProperty(ctx, alice, 1, 50)
	require.NoError(t, err)
	_, err = f.service.SetZone(ctx, admin, "residential", 10, 5)
	require.NoError(t, err)

	restarted, err := NewRegistryService(ctx, Dependencies{
		Admin:      admin,
		Clock:      clock.NewManual(0),
		Repository: f.repo,
	})
	require.NoError(t, err)

	property, err := restarted.GetProperty(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), property.Improvements)

	_, err = restarted.ImproveProperty(ctx, alice, 1, 1)
	assert.ErrorIs(t, err, registry.ErrInvalidValue)
}

func TestPersistenceFailure_RollsBackAfterZoneDowngrade(t *testing.T) {
	ctx := context.Background()
	mockRepo := new(MockLedgerRepository)
	mockRepo.On("Load", mock.Anything).Return(registry.State{
		Zones:      []models.Zone{{Name: "residential", MaxImprovements: 10, TaxRate: 5}},
		Properties: []models.Property{{ID: 1, Owner: alice, Zone: "residential", Improvements: 50}},
		LastID:     1,
	}, nil)
	mockRepo.On("SaveProperty", mock.Anything, mock.Anything).Return(errors.New("disk full")).Once()

	service, err := NewRegistryService(ctx, Dependencies{
		Admin:      admin,
		Clock:      clock.NewManual(0),
		Repository: mockRepo,
	})
	require.NoError(t, err)

	_, err = service.SetPrice(ctx, alice, 1, 300)
	assert.ErrorIs(t, err, ErrPersistence)

	property, err := service.GetProperty(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), property.Price)
	mockRepo.AssertNumberOfCalls(t, "Load", 2)
}

// newListedParcelService returns a service over a mock store holding parcel 1,
// owned by alice and listed at 250. The first SaveProperty fails.
func newListedParcelService(t *testing.T, gateway *MockGateway) (RegistryService, *MockLedgerRepository) {
	t.Helper()

	mockRepo := new(MockLedgerRepository)
	mockRepo.On("Load", mock.Anything).Return(registry.State{
		Zones:      []models.Zone{{Name: "residential", MaxImprovements: 100, TaxRate: 5}},
		Properties: []models.Property{{ID: 1, Owner: alice, Zone: "residential", Price: 250}},
		LastID:     1,
	}, nil)
	mockRepo.On("SaveProperty", mock.Anything, mock.Anything).Return(errors.New("disk full")).Once()

	service, err := NewRegistryService(context.Background(), Dependencies{
		Admin:      admin,
		Clock:      clock.NewManual(clock.TaxPeriod),
		Repository: mockRepo,
		Gateway:    gateway,
	})
	require.NoError(t, err)
	return service, mockRepo
}

func TestBuyProperty_RefundsWhenTransferNotStored(t *testing.T) {
	ctx := context.Background()
	gateway := new(MockGateway)
	service, _ := newListedParcelService(t, gateway)

	gateway.On("Settle", ctx, bob, alice, uint64(250)).Return(nil).Once()
	gateway.On("Refund", mock.Anything, bob, alice, uint64(250)).Return(nil).Once()

	_, err := service.BuyProperty(ctx, bob, 1)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.NotErrorIs(t, err, ErrReversal)

	property, err := service.GetProperty(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, alice, property.Owner)
	assert.Equal(t, uint64(250), property.Price)

	gateway.AssertExpectations(t)
}

func TestBuyProperty_ReportsFailedRefund(t *testing.T) {
	ctx := context.Background()
	gateway := new(MockGateway)
	service, _ := newListedParcelService(t, gateway)

	gateway.On("Settle", ctx, bob, alice, uint64(250)).Return(nil).Once()
	gateway.On("Refund", mock.Anything, bob, alice, uint64(250)).Return(errors.New("gateway down")).Once()

	_, err := service.BuyProperty(ctx, bob, 1)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, ErrReversal)
	assert.Contains(t, err.Error(), "gateway down")

	gateway.AssertExpectations(t)
}

func TestBuyProperty_NoRefundWithoutSettlement(t *testing.T) {
	ctx := context.Background()
	gateway := new(MockGateway)
	service, mockRepo := newListedParcelService(t, gateway)

	gateway.On("Settle", ctx, bob, alice, uint64(250)).Return(errors.New("insufficient funds")).Once()

	_, err := service.BuyProperty(ctx, bob, 1)
	assert.ErrorIs(t, err, ErrSettlement)

	gateway.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	mockRepo.AssertNotCalled(t, "SaveProperty", mock.Anything, mock.Anything)
}

func TestPayPropertyTax_RefundsWhenStampNotStored(t *testing.T) {
	ctx := context.Background()
	gateway := new(MockGateway)
	service, _ := newListedParcelService(t, gateway)
	zone := models.Zone{Name: "residential", MaxImprovements: 100, TaxRate: 5}

	gateway.On("CollectTax", ctx, alice, zone).Return(nil).Once()
	gateway.On("RefundTax", mock.Anything, alice, zone).Return(nil).Once()

	_, err := service.PayPropertyTax(ctx, alice, 1)
	assert.ErrorIs(t, err, ErrPersistence)

	property, err := service.GetProperty(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.Tick(0), property.LastTaxPayment)

	gateway.AssertExpectations(t)
}

func TestPublishesEvents(t *testing.T) {
	ctx := context.Background()
	publisher := new(MockPublisher)
	m := metrics.New()

	service, err := NewRegistryService(ctx, Dependencies{
		Admin:      admin,
		Clock:      clock.NewManual(3),
		Repository: repository.NewMemoryRepository(),
		Publisher:  publisher,
		Metrics:    m,
	})
	require.NoError(t, err)

	publisher.On("Publish", ctx, mock.MatchedBy(func(e events.Event) bool {
		return e.Type == events.ZoneSet && e.Actor == admin && e.Zone != nil && e.Tick == 3
	})).Return(nil).Once()
	publisher.On("Publish", ctx, mock.MatchedBy(func(e events.Event) bool {
		return e.Type == events.PropertyCreated && e.Property != nil && e.Property.ID == 1
	})).Return(errors.New("redis down")).Once()

	_, err = service.SetZone(ctx, admin, "residential", 100, 5)
	require.NoError(t, err)

	// Publishing is best effort.
	_, err = service.CreateProperty(ctx, alice, "residential")
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues(string(events.ZoneSet), metrics.OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues(string(events.PropertyCreated), metrics.OutcomeFailed)))
	publisher.AssertExpectations(t)
}

func TestListProperties(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.SetZone(ctx, admin, "residential", 100, 5)
	require.NoError(t, err)
	for _, owner := range []models.Principal{alice, bob, alice} {
		_, err := f.service.CreateProperty(ctx, owner, "residential")
		require.NoError(t, err)
	}
	_, err = f.service.SetPrice(ctx, alice, 3, 50)
	require.NoError(t, err)

	all, err := f.service.ListProperties(ctx, PropertyFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	owner := alice
	owned, err := f.service.ListProperties(ctx, PropertyFilter{Owner: &owner})
	require.NoError(t, err)
	require.Len(t, owned, 2)
	assert.Equal(t, models.PropertyID(1), owned[0].ID)
	assert.Equal(t, models.PropertyID(3), owned[1].ID)

	forSale := true
	listed, err := f.service.ListProperties(ctx, PropertyFilter{ForSale: &forSale})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, models.PropertyID(3), listed[0].ID)

	notForSale := false
	unlisted, err := f.service.ListProperties(ctx, PropertyFilter{Owner: &owner, ForSale: &notForSale})
	require.NoError(t, err)
	require.Len(t, unlisted, 1)
	assert.Equal(t, models.PropertyID(1), unlisted[0].ID)
}

func TestAdvanceClock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.AdvanceClock(ctx, alice, 10)
	assert.ErrorIs(t, err, registry.ErrOwnerOnly)

	height, err := f.service.AdvanceClock(ctx, admin, 10)
	require.NoError(t, err)
	assert.Equal(t, models.Tick(10), height)
	assert.Equal(t, models.Tick(10), f.service.Tick(ctx))
}

func TestAdvanceClock_NotAdjustable(t *testing.T) {
	ctx := context.Background()
	interval, err := clock.NewInterval(time.Now().Add(-time.Hour), 10*time.Minute, 0)
	require.NoError(t, err)

	service, err := NewRegistryService(ctx, Dependencies{
		Admin:      admin,
		Clock:      interval,
		Repository: repository.NewMemoryRepository(),
	})
	require.NoError(t, err)

	_, err = service.AdvanceClock(ctx, admin, 1)
	assert.ErrorIs(t, err, ErrClockNotAdjustable)
	assert.Equal(t, models.Tick(6), service.Tick(ctx))
}

func TestEndToEndScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.SetZone(ctx, admin, "residential", 100, 5)
	require.NoError(t, err)

	property, err := f.service.CreateProperty(ctx, alice, "residential")
	require.NoError(t, err)

	_, err = f.service.ImproveProperty(ctx, alice, property.ID, 60)
	require.NoError(t, err)
	_, err = f.service.ImproveProperty(ctx, alice, property.ID, 41)
	assert.ErrorIs(t, err, registry.ErrInvalidValue)

	_, err = f.service.SetPrice(ctx, alice, property.ID, 1000)
	require.NoError(t, err)

	bought, err := f.service.BuyProperty(ctx, bob, property.ID)
	require.NoError(t, err)
	assert.Equal(t, bob, bought.Owner)
	assert.Equal(t, uint64(60), bought.Improvements)

	_, err = f.service.SetPrice(ctx, alice, property.ID, 5)
	assert.ErrorIs(t, err, registry.ErrUnauthorized)

	f.clock.Advance(100)
	paid, err := f.service.PayPropertyTax(ctx, bob, property.ID)
	require.NoError(t, err)
	assert.Equal(t, models.Tick(100), paid.LastTaxPayment)

	state, err := f.repo.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.Property{*paid}, state.Properties)
}
