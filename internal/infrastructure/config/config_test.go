package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/capkernel/internal/kernel"
)

func TestDefaultMatchesKernelDefaults(t *testing.T) {
	cfg, err := Default().Kernel.Options()
	require.NoError(t, err)
	assert.Equal(t, kernel.DefaultConfig(), cfg)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9100")
	t.Setenv("KERNEL_NUM_DOMAINS", "2")
	t.Setenv("KERNEL_DOMAIN_SCHEDULE", "0:2, 1:3")
	t.Setenv("KERNEL_FASTPATH", "false")
	t.Setenv("KERNEL_WORK_UNITS", "7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9100", cfg.Server.Addr())

	k, err := cfg.Kernel.Options()
	require.NoError(t, err)
	assert.Equal(t, 2, k.NumDomains)
	assert.Equal(t, []kernel.DomainSlot{{Domain: 0, Length: 2}, {Domain: 1, Length: 3}}, k.DomainSchedule)
	assert.False(t, k.Fastpath)
	assert.Equal(t, 7, k.WorkUnitsPerPreemption)
	assert.Equal(t, "0:2,1:3", cfg.Kernel.DomainSchedule.String())
}

func TestLoadRejectsInvalidKernel(t *testing.T) {
	tests := []struct {
		name, key, value, want string
	}{
		{"bad schedule syntax", "KERNEL_DOMAIN_SCHEDULE", "0-1", "domain:length"},
		{"domain out of range", "KERNEL_DOMAIN_SCHEDULE", "4:1", "out of range"},
		{"zero slice", "KERNEL_TIME_SLICE", "0", "time slice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.NotNil(t, LoadOrDefault())
		})
	}
}
