package main

import (
	"fmt"
	"os"

	"stream-gateway/middleware/admission/domain"

	"gopkg.in/yaml.v3"
)

// tenantLimitsFile é o formato do TENANT_LIMITS_FILE:
//
//	tenants:
//	  - id: acme
//	    qps: 50
//	    burst: 100
//	    connections: 20
type tenantLimitsFile struct {
	Tenants []tenantLimits `yaml:"tenants"`
}

type tenantLimits struct {
	ID          string  `yaml:"id"`
	QPS         float64 `yaml:"qps"`
	Burst       int     `yaml:"burst"`
	Connections int     `yaml:"connections"`
}

type limitsSetter interface {
	SetTenantLimits(tenant domain.Tenant, limits domain.Limits) error
}

func loadTenantLimits(path string) ([]tenantLimits, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenant limits: %w", err)
	}
	var f tenantLimitsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse tenant limits: %w", err)
	}
	seen := make(map[string]bool, len(f.Tenants))
	for i, t := range f.Tenants {
		if t.ID == "" {
			return nil, fmt.Errorf("tenant limits entry %d: missing id", i)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("tenant limits: duplicated id %q", t.ID)
		}
		seen[t.ID] = true
	}
	return f.Tenants, nil
}

// applyTenantLimits aplica os overrides; limites inválidos abortam o boot.
func applyTenantLimits(ctrl limitsSetter, tenants []tenantLimits) error {
	for _, t := range tenants {
		limits := domain.Limits{QPS: t.QPS, Burst: t.Burst, Connections: t.Connections}
		if err := ctrl.SetTenantLimits(domain.Tenant(t.ID), limits); err != nil {
			return fmt.Errorf("tenant %q: %w", t.ID, err)
		}
	}
	return nil
}
