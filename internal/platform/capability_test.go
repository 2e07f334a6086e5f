package platform

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/haukened/biogate/internal/domain"
)

func TestCapability(t *testing.T) {
	ok := func(context.Context) error { return nil }
	fail := func(context.Context) error { return errors.New("db closed") }
	tests := []struct {
		name    string
		enabled bool
		probe   Probe
		want    domain.CapabilityStatus
	}{
		{"disabled", false, ok, domain.Unsupported},
		{"enabled no probe", true, nil, domain.Supported},
		{"enabled probe ok", true, ok, domain.Supported},
		{"enabled probe fails", true, fail, domain.Unsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCapability(tt.enabled, tt.probe, nil)
			assert.Equal(t, tt.want, c.Capability(context.Background()))
		})
	}
}
