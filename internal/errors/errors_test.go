package errors

import (
	"fmt"
	"sync"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReporter struct {
	mu       sync.Mutex
	reported []*EnhancedError
}

func (r *recordingReporter) ReportError(ee *EnhancedError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reported = append(r.reported, ee)
	ee.MarkReported()
}

func (r *recordingReporter) IsEnabled() bool { return true }

func TestBuildDefaults(t *testing.T) {
	ee := New(fmt.Errorf("test error")).Build()

	assert.Equal(t, "test error", ee.Error())
	assert.Equal(t, ComponentUnknown, ee.GetComponent())
	assert.Equal(t, CategoryGeneric, ee.Category)
	assert.False(t, ee.GetTimestamp().IsZero())
}

func TestBuildWithContext(t *testing.T) {
	ee := Newf("open %s", "/dev/ttyUSB0").
		Component("source").
		Category(CategorySourceUnavailable).
		Priority("bogus").
		Context("port", "/dev/ttyUSB0").
		Build()

	assert.Equal(t, "source", ee.GetComponent())
	assert.Equal(t, "source-unavailable", ee.GetCategory())
	assert.Equal(t, PriorityMedium, ee.GetPriority())

	ctx := ee.GetContext()
	ctx["port"] = "changed"
	assert.Equal(t, "/dev/ttyUSB0", ee.GetContext()["port"], "context must be copied")
}

func TestSentinelMatching(t *testing.T) {
	sentinel := NewStd("source unavailable")
	wrapped := New(fmt.Errorf("%w: permission denied", sentinel)).
		Category(CategorySourceUnavailable).
		Build()

	assert.True(t, Is(wrapped, sentinel))
	assert.True(t, IsCategory(fmt.Errorf("outer: %w", wrapped), CategorySourceUnavailable))
	assert.False(t, IsNotFound(wrapped))

	// categories carry over when an enhanced error is wrapped again
	rewrapped := New(fmt.Errorf("connect: %w", wrapped)).Build()
	assert.Equal(t, CategorySourceUnavailable, rewrapped.Category)
	assert.True(t, Is(rewrapped, &EnhancedError{Category: CategorySourceUnavailable}))
}

func TestTelemetryReporter(t *testing.T) {
	reporter := &recordingReporter{}
	SetTelemetryReporter(reporter)
	t.Cleanup(func() { SetTelemetryReporter(nil) })

	ee := New(NewStd("boom")).Component("acquisition").Category(CategorySourceIO).Build()

	require.Len(t, reporter.reported, 1)
	assert.Same(t, ee, reporter.reported[0])
	assert.True(t, ee.IsReported())
}

func TestGenerateErrorTitle(t *testing.T) {
	ee := New(NewStd("x")).
		Component("acquisition").
		Category(CategoryFrameDesync).
		Context("operation", "decode_frames").
		Build()

	assert.Equal(t, "Acquisition Frame Desync Decode Frames", generateErrorTitle(ee))
	assert.Equal(t, "Sample Buffer Error", formatCategoryForTitle(CategoryBuffer))
}

func TestErrorLevel(t *testing.T) {
	tests := []struct {
		name     string
		category ErrorCategory
		priority string
		want     sentry.Level
	}{
		{"category only", CategoryValidation, "", sentry.LevelWarning},
		{"desync is informational", CategoryFrameDesync, "", sentry.LevelInfo},
		{"priority overrides category", CategoryFrameDesync, PriorityHigh, sentry.LevelError},
		{"critical", CategorySourceIO, PriorityCritical, sentry.LevelFatal},
		{"low", CategorySourceIO, PriorityLow, sentry.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ee := New(NewStd("x")).Category(tt.category).Priority(tt.priority).Build()
			assert.Equal(t, tt.want, errorLevel(ee))
		})
	}
}
