// Package admin exposes tenant management over HTTP for operators.
package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"appointment-bot/internal/common/logger"
	"appointment-bot/internal/common/validation"
	"appointment-bot/internal/models"
	"appointment-bot/internal/store"
	"appointment-bot/internal/tenant"

	"github.com/gin-gonic/gin"
)

// TenantAdmin is the slice of the tenant registry the admin API drives.
type TenantAdmin interface {
	CreateTenant(ctx context.Context, profile models.TenantProfile) (string, error)
	GetTenant(ctx context.Context, id string, decrypt bool) (*models.Tenant, error)
	SuspendTenant(ctx context.Context, id string) error
	ActivateTenant(ctx context.Context, id string) error
	UpdateMenu(ctx context.Context, id string, menu models.MenuConfig) error
	CheckQuota(ctx context.Context, id string) tenant.QuotaDecision
}

// CatalogStore is one tenant's service catalog and weekly schedule.
// *store.TenantStore satisfies it.
type CatalogStore interface {
	ListServices(ctx context.Context) ([]models.Service, error)
	CreateService(ctx context.Context, svc *models.Service) (int64, error)
	ReplaceSchedule(ctx context.Context, entries []models.ScheduleEntry) error
}

type CatalogResolver func(ctx context.Context, tenantID string) (CatalogStore, error)

type storeSource interface {
	TenantStore(ctx context.Context, id string) (*store.TenantStore, *models.Tenant, error)
}

// StoreCatalogs adapts the registry's storage lookup.
func StoreCatalogs(src storeSource) CatalogResolver {
	return func(ctx context.Context, tenantID string) (CatalogStore, error) {
		ts, _, err := src.TenantStore(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		return ts, nil
	}
}

// HandoffController is implemented by *conversation.Router.
type HandoffController interface {
	ActivateHandoff(tenantID, userID string, ttl time.Duration)
	ReleaseHandoff(tenantID, userID string) bool
}

type API struct {
	tenants  TenantAdmin
	catalogs CatalogResolver
	handoff  HandoffController
	auth     *Authenticator
	logger   logger.Logger
}

func NewAPI(tenants TenantAdmin, catalogs CatalogResolver, handoff HandoffController, auth *Authenticator, log logger.Logger) *API {
	return &API{
		tenants:  tenants,
		catalogs: catalogs,
		handoff:  handoff,
		auth:     auth,
		logger:   log.WithFields(map[string]interface{}{"component": "admin"}),
	}
}

func (a *API) RegisterRoutes(r gin.IRouter) {
	g := r.Group("/admin")
	if a.auth != nil {
		g.Use(a.auth.Middleware())
	}

	g.POST("/tenants", a.createTenant)
	g.GET("/tenants/:id", a.getTenant)
	g.POST("/tenants/:id/suspend", a.suspendTenant)
	g.POST("/tenants/:id/activate", a.activateTenant)
	g.PUT("/tenants/:id/menu", a.updateMenu)
	g.GET("/tenants/:id/services", a.listServices)
	g.POST("/tenants/:id/services", a.createService)
	g.PUT("/tenants/:id/schedule", a.replaceSchedule)
	g.POST("/tenants/:id/handoff/:userId", a.activateHandoff)
	g.DELETE("/tenants/:id/handoff/:userId", a.releaseHandoff)
	g.GET("/tenants/:id/quota", a.quota)
}

// ==========================
// Tenants
// ==========================

func (a *API) createTenant(c *gin.Context) {
	var profile models.TenantProfile
	if err := c.ShouldBindJSON(&profile); err != nil {
		badRequest(c, err.Error())
		return
	}

	id, err := a.tenants.CreateTenant(c.Request.Context(), profile)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (a *API) getTenant(c *gin.Context) {
	t, err := a.tenants.GetTenant(c.Request.Context(), c.Param("id"), false)
	if err != nil {
		a.fail(c, err)
		return
	}
	if t == nil {
		a.fail(c, tenant.ErrTenantNotFound)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (a *API) suspendTenant(c *gin.Context) {
	if err := a.tenants.SuspendTenant(c.Request.Context(), c.Param("id")); err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.TenantSuspended})
}

func (a *API) activateTenant(c *gin.Context) {
	if err := a.tenants.ActivateTenant(c.Request.Context(), c.Param("id")); err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.TenantActive})
}

func (a *API) updateMenu(c *gin.Context) {
	var menu models.MenuConfig
	if err := c.ShouldBindJSON(&menu); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := a.tenants.UpdateMenu(c.Request.Context(), c.Param("id"), menu); err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, menu)
}

func (a *API) quota(c *gin.Context) {
	c.JSON(http.StatusOK, a.tenants.CheckQuota(c.Request.Context(), c.Param("id")))
}

// ==========================
// Catalog and schedule
// ==========================

func (a *API) listServices(c *gin.Context) {
	cat, err := a.catalogs(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	services, err := cat.ListServices(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"services": services})
}

func (a *API) createService(c *gin.Context) {
	var svc models.Service
	if err := c.ShouldBindJSON(&svc); err != nil {
		badRequest(c, err.Error())
		return
	}
	if svc.Name == "" {
		badRequest(c, "name is required")
		return
	}
	if svc.Price < 0 {
		badRequest(c, "price must not be negative")
		return
	}

	cat, err := a.catalogs(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	id, err := cat.CreateService(c.Request.Context(), &svc)
	if err != nil {
		a.fail(c, err)
		return
	}
	svc.ID = id
	svc.Active = true
	c.JSON(http.StatusCreated, svc)
}

type scheduleRequest struct {
	Entries []models.ScheduleEntry `json:"entries"`
}

func (a *API) replaceSchedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	seen := make(map[models.ScheduleEntry]bool, len(req.Entries))
	for _, e := range req.Entries {
		if e.Weekday < time.Sunday || e.Weekday > time.Saturday {
			badRequest(c, "weekday must be between 0 (Sunday) and 6 (Saturday)")
			return
		}
		if !validation.ValidateTimeOfDay(e.Time) {
			badRequest(c, "time must be HH:MM, got "+strconv.Quote(e.Time))
			return
		}
		if seen[e] {
			badRequest(c, "duplicate entry "+e.Weekday.String()+" "+e.Time)
			return
		}
		seen[e] = true
	}

	cat, err := a.catalogs(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	if err := cat.ReplaceSchedule(c.Request.Context(), req.Entries); err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": len(req.Entries)})
}

// ==========================
// Handoff
// ==========================

type handoffRequest struct {
	TTLMinutes int `json:"ttlMinutes"`
}

func (a *API) activateHandoff(c *gin.Context) {
	var req handoffRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	if req.TTLMinutes < 0 {
		badRequest(c, "ttlMinutes must not be negative")
		return
	}
	if !a.tenantExists(c) {
		return
	}

	a.handoff.ActivateHandoff(c.Param("id"), c.Param("userId"), time.Duration(req.TTLMinutes)*time.Minute)
	c.JSON(http.StatusOK, gin.H{"active": true})
}

func (a *API) releaseHandoff(c *gin.Context) {
	if !a.tenantExists(c) {
		return
	}
	released := a.handoff.ReleaseHandoff(c.Param("id"), c.Param("userId"))
	c.JSON(http.StatusOK, gin.H{"released": released})
}

func (a *API) tenantExists(c *gin.Context) bool {
	t, err := a.tenants.GetTenant(c.Request.Context(), c.Param("id"), false)
	if err == nil && t == nil {
		err = tenant.ErrTenantNotFound
	}
	if err != nil {
		a.fail(c, err)
		return false
	}
	return true
}

// ==========================
// Errors
// ==========================

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "BAD_REQUEST", "message": msg})
}

func (a *API) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL_ERROR"
	switch {
	case errors.Is(err, tenant.ErrTenantNotFound):
		status, code = http.StatusNotFound, tenant.ErrTenantNotFound.Error()
	case errors.Is(err, tenant.ErrValidationFailed):
		status, code = http.StatusBadRequest, tenant.ErrValidationFailed.Error()
	case errors.Is(err, tenant.ErrTenantInactive):
		status, code = http.StatusConflict, tenant.ErrTenantInactive.Error()
	case errors.Is(err, tenant.ErrProvisioningFailed):
		code = tenant.ErrProvisioningFailed.Error()
	case errors.Is(err, tenant.ErrVaultFailure):
		code = tenant.ErrVaultFailure.Error()
	}

	if status >= http.StatusInternalServerError {
		a.logger.Error("admin request failed", map[string]interface{}{
			"path":  c.FullPath(),
			"error": err.Error(),
		})
		c.JSON(status, gin.H{"error": code})
		return
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
