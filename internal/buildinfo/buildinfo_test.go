package buildinfo

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	tests := []struct {
		name      string
		version   string
		buildDate string
		want      Info
	}{
		{"injected", "v1.0.0", "2026-01-02", Info{"v1.0.0", "2026-01-02", runtime.Version()}},
		{"build date missing", "v1.0.0", "", Info{"v1.0.0", UnknownValue, runtime.Version()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oldV, oldD := version, buildDate
			version, buildDate = tt.version, tt.buildDate
			t.Cleanup(func() { version, buildDate = oldV, oldD })

			assert.Equal(t, tt.want, Get())
		})
	}
}

func TestGetWithoutInjection(t *testing.T) {
	info := Get()
	assert.NotEmpty(t, info.Version)
	assert.Contains(t, info.String(), info.GoVersion)
}
