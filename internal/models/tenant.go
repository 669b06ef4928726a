// internal/models/tenant.go
package models

import (
	"strings"
	"time"
)

type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
)

// MenuConfig lists which main-menu capabilities a tenant exposes.
type MenuConfig struct {
	Booking      bool   `json:"booking"`
	Cancellation bool   `json:"cancellation"`
	Reschedule   bool   `json:"reschedule"`
	Catalog      bool   `json:"catalog"`
	HumanContact bool   `json:"humanContact"`
	Welcome      string `json:"welcome,omitempty"`
}

func DefaultMenuConfig() MenuConfig {
	return MenuConfig{
		Booking:      true,
		Cancellation: true,
		Reschedule:   true,
		Catalog:      true,
		HumanContact: true,
	}
}

// EscalationContact is who receives booking notices and human-handoff requests.
type EscalationContact struct {
	Name     string `json:"name,omitempty"`
	WhatsApp string `json:"whatsapp,omitempty"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

func (e EscalationContact) IsZero() bool {
	return e.WhatsApp == "" && e.Email == "" && e.Phone == ""
}

// Credentials are the plaintext provider secrets. They only exist in
// memory after an explicit decrypt.
type Credentials struct {
	PhoneNumberID     string `json:"-"`
	AccessToken       string `json:"-"`
	BusinessAccountID string `json:"-"`
}

type Tenant struct {
	ID           string            `json:"id"`
	BusinessName string            `json:"businessName"`
	Status       TenantStatus      `json:"status"`
	DailyQuota   int               `json:"dailyQuota"`
	Timezone     string            `json:"timezone"`
	VerifyToken  string            `json:"verifyToken"`
	Schema       string            `json:"schema"`
	Menu         MenuConfig        `json:"menu"`
	Escalation   EscalationContact `json:"escalation"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`

	Credentials *Credentials `json:"-"`
}

func (t *Tenant) IsActive() bool {
	return t.Status == TenantActive
}

// Location returns the tenant's time zone, UTC when unset or unknown.
func (t *Tenant) Location() *time.Location {
	if t.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// TenantProfile is the onboarding input for CreateTenant.
type TenantProfile struct {
	BusinessName      string            `json:"businessName"`
	PhoneNumberID     string            `json:"phoneNumberId"`
	AccessToken       string            `json:"accessToken"`
	BusinessAccountID string            `json:"businessAccountId"`
	DailyQuota        int               `json:"dailyQuota,omitempty"`
	Timezone          string            `json:"timezone,omitempty"`
	Menu              *MenuConfig       `json:"menu,omitempty"`
	Escalation        EscalationContact `json:"escalation,omitempty"`
}

// Normalize trims whitespace from every free-text field.
func (p *TenantProfile) Normalize() {
	p.BusinessName = strings.TrimSpace(p.BusinessName)
	p.PhoneNumberID = strings.TrimSpace(p.PhoneNumberID)
	p.AccessToken = strings.TrimSpace(p.AccessToken)
	p.BusinessAccountID = strings.TrimSpace(p.BusinessAccountID)
	p.Timezone = strings.TrimSpace(p.Timezone)
}
