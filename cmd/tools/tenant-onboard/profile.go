package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"appointment-bot/internal/models"
	"appointment-bot/internal/tenant"
)

// loadProfile reads and checks a tenant profile file.
func loadProfile(path string) (*models.TenantProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	return parseProfile(data)
}

// parseProfile rejects unknown fields so that typos in hand-written
// files are caught before anything is provisioned.
func parseProfile(data []byte) (*models.TenantProfile, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var profile models.TenantProfile
	if err := dec.Decode(&profile); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	profile.Normalize()

	if err := tenant.ValidateProfile(profile); err != nil {
		return nil, err
	}
	return &profile, nil
}
