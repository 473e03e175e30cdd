package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/stwalsh4118/parcelledger/internal/clock"
	apierrors "github.com/stwalsh4118/parcelledger/internal/errors"
	"github.com/stwalsh4118/parcelledger/internal/middleware"
	"github.com/stwalsh4118/parcelledger/internal/models"
	"github.com/stwalsh4118/parcelledger/internal/services"
)

// RegistryHandler handles zone, parcel and clock HTTP requests.
type RegistryHandler struct {
	service services.RegistryService
}

// NewRegistryHandler creates a new RegistryHandler instance.
func NewRegistryHandler(service services.RegistryService) *RegistryHandler {
	return &RegistryHandler{
		service: service,
	}
}

// Register mounts the registry routes on rg. Mutating routes run authn first.
func (h *RegistryHandler) Register(rg *gin.RouterGroup, authn gin.HandlerFunc) {
	zones := rg.Group("/zones")
	zones.GET("", h.ListZones)
	zones.GET("/:name", h.GetZone)
	zones.PUT("/:name", authn, h.SetZone)

	properties := rg.Group("/properties")
	properties.GET("", h.ListProperties)
	properties.GET("/:id", h.GetProperty)
	properties.POST("", authn, h.CreateProperty)
	properties.PUT("/:id/price", authn, h.SetPrice)
	properties.POST("/:id/purchase", authn, h.BuyProperty)
	properties.POST("/:id/improvements", authn, h.ImproveProperty)
	properties.POST("/:id/tax-payments", authn, h.PayPropertyTax)

	rg.GET("/clock", h.Clock)
	rg.POST("/clock/advance", authn, h.AdvanceClock)
}

// ZoneURI identifies a zone in the path.
type ZoneURI struct {
	Name string `uri:"name" binding:"required,max=64,printascii"`
}

// PropertyURI identifies a parcel in the path.
type PropertyURI struct {
	ID uint64 `uri:"id" binding:"required,min=1"`
}

// SetZoneRequest is the body of PUT /zones/:name.
// Pointers distinguish an explicit zero from a missing field.
type SetZoneRequest struct {
	MaxImprovements *uint64 `json:"max_improvements" binding:"required"`
	TaxRate         *uint64 `json:"tax_rate" binding:"required"`
}

// CreatePropertyRequest is the body of POST /properties.
type CreatePropertyRequest struct {
	Zone string `json:"zone" binding:"required,max=64,printascii"`
}

// SetPriceRequest is the body of PUT /properties/:id/price.
type SetPriceRequest struct {
	Price *uint64 `json:"price" binding:"required"`
}

// ImproveRequest is the body of POST /properties/:id/improvements.
type ImproveRequest struct {
	Value *uint64 `json:"value" binding:"required"`
}

// AdvanceClockRequest is the body of POST /clock/advance.
type AdvanceClockRequest struct {
	Blocks *uint64 `json:"blocks" binding:"required,gt=0"`
}

// ListPropertiesQuery holds the filters of GET /properties.
type ListPropertiesQuery struct {
	Owner   string `form:"owner" binding:"max=128"`
	ForSale *bool  `form:"for_sale"`
}

// ZoneData represents a zone in API responses.
type ZoneData struct {
	Name            string `json:"name"`
	MaxImprovements uint64 `json:"max_improvements"`
	TaxRate         uint64 `json:"tax_rate"`
}

// PropertyData represents a parcel in API responses.
type PropertyData struct {
	Owner          string `json:"owner"`
	Zone           string `json:"zone"`
	ID             uint64 `json:"id"`
	Price          uint64 `json:"price"`
	LastTaxPayment uint64 `json:"last_tax_payment"`
	Improvements   uint64 `json:"improvements"`
	ForSale        bool   `json:"for_sale"`
}

// ZoneResponse wraps a single zone.
type ZoneResponse struct {
	Zone ZoneData `json:"zone"`
}

// ZonesResponse lists zones.
type ZonesResponse struct {
	Zones []ZoneData `json:"zones"`
	Count int        `json:"count"`
}

// PropertyResponse wraps a single parcel.
type PropertyResponse struct {
	Property PropertyData `json:"property"`
}

// PropertiesResponse lists parcels.
type PropertiesResponse struct {
	Properties []PropertyData `json:"properties"`
	Count      int            `json:"count"`
}

// ClockResponse reports the current block height.
type ClockResponse struct {
	Tick      uint64 `json:"tick"`
	TaxPeriod uint64 `json:"tax_period"`
}

// SetZone handles PUT /api/v1/zones/:name.
func (h *RegistryHandler) SetZone(c *gin.Context) {
	var uri ZoneURI
	if err := c.ShouldBindUri(&uri); err != nil {
		bindError(c, err, "Invalid zone name")
		return
	}
	var req SetZoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err, "Invalid request body")
		return
	}

	zone, err := h.service.SetZone(c.Request.Context(), middleware.GetPrincipal(c), uri.Name, *req.MaxImprovements, *req.TaxRate)
	if err != nil {
		apierrors.FromService(c, err)
		return
	}

	c.JSON(http.StatusOK, ZoneResponse{Zone: mapZoneToDTO(*zone)})
}

// GetZone handles GET /api/v1/zones/:name.
func (h *RegistryHandler) GetZone(c *gin.Context) {
	var uri ZoneURI
	if err := c.ShouldBindUri(&uri); err != nil {
		bindError(c, err, "Invalid zone name")
		return
	}

	zone, err := h.service.GetZone(c.Request.Context(), uri.Name)
	if err != nil {
		apierrors.FromService(c, err)
		return
	}

	c.JSON(http.StatusOK, ZoneResponse{Zone: mapZoneToDTO(*zone)})
}

// ListZones handles GET /api/v1/zones.
func (h *RegistryHandler) ListZones(c *gin.Context) {
	zones, err := h.service.ListZones(c.Request.Context())
	if err != nil {
		apierrors.FromService(c, err)
		return
	}

	data := make([]ZoneData, 0, len(zones))
	for _, zone := range zones {
		data = append(data, mapZoneToDTO(zone))
	}
	c.JSON(http.StatusOK, ZonesResponse{Zones: data, Count: len(data)})
}

// CreateProperty handles POST /api/v1/properties.
func (h *RegistryHandler) CreateProperty(c *gin.Context) {
	var req CreatePropertyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err, "Invalid request body")
		return
	}

	property, err := h.service.CreateProperty(c.Request.Context(), middleware.GetPrincipal(c), req.Zone)
	if err != nil {
		apierrors.FromService(c, err)
		return
	}

	c.Header("Location", c.FullPath()+"/"+strconv.FormatUint(uint64(property.ID), 10))
	c.JSON(http.StatusCreated, PropertyResponse{Property: mapPropertyToDTO(*property)})
}

// GetProperty handles GET /api/v1/properties/:id.
func (h *RegistryHandler) GetProperty(c *gin.Context) {
	id, ok := bindPropertyID(c)
	if !ok {
		return
	}

	property, err := h.service.GetProperty(c.Request.Context(), id)
	if err != nil {
		apierrors.FromService(c, err)
		return
	}

	c.JSON(http.StatusOK, PropertyResponse{Property: mapPropertyToDTO(*property)})
}

// ListProperties handles GET /api/v1/properties.
func (h *RegistryHandler) ListProperties(c *gin.Context) {
	var query ListPropertiesQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		bindError(c, err, "Invalid query parameters")
		return
	}

	filter := services.PropertyFilter{ForSale: query.ForSale}
	if query.Owner != "" {
		owner := models.Principal(query.Owner)
		filter.Owner = &owner
	}

	properties, err := h.service.ListProperties(c.Request.Context(), filter)
	if err != nil {
		apierrors.FromService(c, err)
		return
	}

	data := make([]PropertyData, 0, len(properties))
	for _, property := range properties {
		data = append(data, mapPropertyToDTO(property))
	}
	c.JSON(http.StatusOK, PropertiesResponse{Properties: data, Count: len(data)})
}

// SetPrice handles PUT /api/v1/properties/:id/price.
func (h *RegistryHandler) SetPrice(c *gin.Context) {
	id, ok := bindPropertyID(c)
	if !ok {
		return
	}
	var req SetPriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err, "Invalid request body")
		return
	}

	property, err := h.service.SetPrice(c.Request.Context(), middleware.GetPrincipal(c), id, *req.Price)
	h.respondProperty(c, property, err)
}

// BuyProperty handles POST /api/v1/properties/:id/purchase.
func (h *RegistryHandler) BuyProperty(c *gin.Context) {
	id, ok := bindPropertyID(c)
	if !ok {
		return
	}

	property, err := h.service.BuyProperty(c.Request.Context(), middleware.GetPrincipal(c), id)
	h.respondProperty(c, property, err)
}

// ImproveProperty handles POST /api/v1/properties/:id/improvements.
func (h *RegistryHandler) ImproveProperty(c *gin.Context) {
	id, ok := bindPropertyID(c)
	if !ok {
		return
	}
	var req ImproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err, "Invalid request body")
		return
	}

	property, err := h.service.ImproveProperty(c.Request.Context(), middleware.GetPrincipal(c), id, *req.Value)
	h.respondProperty(c, property, err)
}

// PayPropertyTax handles POST /api/v1/properties/:id/tax-payments.
func (h *RegistryHandler) PayPropertyTax(c *gin.Context) {
	id, ok := bindPropertyID(c)
	if !ok {
		return
	}

	property, err := h.service.PayPropertyTax(c.Request.Context(), middleware.GetPrincipal(c), id)
	h.respondProperty(c, property, err)
}

// Clock handles GET /api/v1/clock.
func (h *RegistryHandler) Clock(c *gin.Context) {
	c.JSON(http.StatusOK, ClockResponse{
		Tick:      uint64(h.service.Tick(c.Request.Context())),
		TaxPeriod: uint64(clock.TaxPeriod),
	})
}

// AdvanceClock handles POST /api/v1/clock/advance.
func (h *RegistryHandler) AdvanceClock(c *gin.Context) {
	var req AdvanceClockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err, "Invalid request body")
		return
	}

	tick, err := h.service.AdvanceClock(c.Request.Context(), middleware.GetPrincipal(c), models.Tick(*req.Blocks))
	if err != nil {
		apierrors.FromService(c, err)
		return
	}

	c.JSON(http.StatusOK, ClockResponse{Tick: uint64(tick), TaxPeriod: uint64(clock.TaxPeriod)})
}

func (h *RegistryHandler) respondProperty(c *gin.Context, property *models.Property, err error) {
	if err != nil {
		apierrors.FromService(c, err)
		return
	}
	c.JSON(http.StatusOK, PropertyResponse{Property: mapPropertyToDTO(*property)})
}

// bindPropertyID reads the :id path parameter, writing the error response on failure.
func bindPropertyID(c *gin.Context) (models.PropertyID, bool) {
	var uri PropertyURI
	if err := c.ShouldBindUri(&uri); err != nil {
		bindError(c, err, "Invalid property id")
		return 0, false
	}
	return models.PropertyID(uri.ID), true
}

// bindError reports field validation failures individually and anything else
// (malformed JSON, negative or non-numeric values) as a bad request.
func bindError(c *gin.Context, err error, message string) {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		apierrors.ValidationError(c, validationErrors)
		return
	}
	apierrors.BadRequest(c, message, map[string]interface{}{"reason": err.Error()})
}

func mapZoneToDTO(zone models.Zone) ZoneData {
	return ZoneData{
		Name:            zone.Name,
		MaxImprovements: zone.MaxImprovements,
		TaxRate:         zone.TaxRate,
	}
}

func mapPropertyToDTO(property models.Property) PropertyData {
	return PropertyData{
		ID:             uint64(property.ID),
		Owner:          string(property.Owner),
		Zone:           property.Zone,
		Price:          property.Price,
		LastTaxPayment: uint64(property.LastTaxPayment),
		Improvements:   property.Improvements,
		ForSale:        property.ForSale(),
	}
}
