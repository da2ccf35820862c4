package logs

import (
	"sync"
	"testing"
	"time"

	"github.com/phuslu/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	arbormodels "github.com/ternarybob/arbor/models"
	"github.com/ternarybob/sitesync/internal/interfaces"
	"github.com/ternarybob/sitesync/internal/models"
)

// recordingEvents captures published bus events for assertions.
type recordingEvents struct {
	mu     sync.Mutex
	events []models.BusEvent
	notify chan struct{}
}

func newRecordingEvents() *recordingEvents {
	return &recordingEvents{notify: make(chan struct{}, 16)}
}

func (r *recordingEvents) Subscribe(topic string, handler interfaces.EventHandler) string {
	return ""
}

func (r *recordingEvents) Unsubscribe(topic string, token string) {}

func (r *recordingEvents) Publish(event models.BusEvent) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *recordingEvents) Close() error { return nil }

func (r *recordingEvents) published() []models.BusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.BusEvent, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recordingEvents) waitForEvent(t *testing.T) {
	t.Helper()
	select {
	case <-r.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

// staticResolver maps job IDs to fixed (org, project) pairs.
type staticResolver map[string][2]string

func (s staticResolver) ResolveJob(jobID string) (string, string, bool) {
	pair, ok := s[jobID]
	return pair[0], pair[1], ok
}

func newTestConsumer(t *testing.T, events interfaces.EventService, resolver TopicResolver, minLevel string) *Consumer {
	t.Helper()
	consumer := NewConsumer(events, resolver, arbor.NewLogger(), minLevel)
	require.NoError(t, consumer.Start())
	t.Cleanup(func() { _ = consumer.Stop() })
	return consumer
}

func jobEvent(jobID, message string, level log.Level, fields map[string]interface{}) arbormodels.LogEvent {
	return arbormodels.LogEvent{
		Timestamp:     time.Now(),
		Level:         level,
		Message:       message,
		CorrelationID: jobID,
		Fields:        fields,
	}
}

func TestConsumer_PublishesJobLogs(t *testing.T) {
	events := newRecordingEvents()
	resolver := staticResolver{"job-1": {"org-1", "proj-1"}}
	consumer := newTestConsumer(t, events, resolver, "info")

	consumer.GetChannel() <- []arbormodels.LogEvent{
		jobEvent("job-1", "Sitemap fetched", log.InfoLevel, map[string]interface{}{
			"url_count": 120,
		}),
	}
	events.waitForEvent(t)

	published := events.published()
	require.Len(t, published, 1)

	event := published[0]
	assert.Equal(t, models.EventLog, event.Kind)
	assert.Equal(t, "org-1", event.OrganizationID)
	assert.Equal(t, "proj-1", event.ProjectID)

	logEvent, ok := event.Payload.(models.LogEvent)
	require.True(t, ok)
	assert.Equal(t, "info", logEvent.Level)
	assert.Equal(t, models.ModuleWorker, logEvent.Module)
	assert.Equal(t, "job-1", logEvent.JobID)
	assert.Equal(t, "proj-1", logEvent.ProjectID)
	assert.Equal(t, "Sitemap fetched url_count=120", logEvent.Message)
	assert.NotEmpty(t, logEvent.ID)
}

func TestConsumer_RedactsSensitiveFields(t *testing.T) {
	events := newRecordingEvents()
	resolver := staticResolver{"job-1": {"org-1", "proj-1"}}
	consumer := newTestConsumer(t, events, resolver, "info")

	consumer.GetChannel() <- []arbormodels.LogEvent{
		jobEvent("job-1", "Credential loaded", log.InfoLevel, map[string]interface{}{
			"api_key": "indexnow-key-123",
		}),
	}
	events.waitForEvent(t)

	published := events.published()
	require.Len(t, published, 1)

	logEvent, ok := published[0].Payload.(models.LogEvent)
	require.True(t, ok)
	assert.Contains(t, logEvent.Message, "api_key="+RedactedValue)
	assert.NotContains(t, logEvent.Message, "indexnow-key-123")
}

func TestConsumer_SkipsEventsWithoutJobContext(t *testing.T) {
	events := newRecordingEvents()
	resolver := staticResolver{"job-1": {"org-1", "proj-1"}}
	consumer := newTestConsumer(t, events, resolver, "info")

	consumer.GetChannel() <- []arbormodels.LogEvent{
		// No correlation ID: server-level log, console only.
		jobEvent("", "Server started", log.InfoLevel, nil),
		// Unknown job: controller no longer tracks it.
		jobEvent("job-gone", "Late worker log", log.InfoLevel, nil),
		// Resolvable event proves the batch was processed.
		jobEvent("job-1", "Scan started", log.InfoLevel, nil),
	}
	events.waitForEvent(t)

	published := events.published()
	require.Len(t, published, 1)
	logEvent, ok := published[0].Payload.(models.LogEvent)
	require.True(t, ok)
	assert.Equal(t, "Scan started", logEvent.Message)
}

func TestConsumer_LevelThreshold(t *testing.T) {
	events := newRecordingEvents()
	resolver := staticResolver{"job-1": {"org-1", "proj-1"}}
	consumer := newTestConsumer(t, events, resolver, "warn")

	consumer.GetChannel() <- []arbormodels.LogEvent{
		jobEvent("job-1", "Noise", log.DebugLevel, nil),
		jobEvent("job-1", "More noise", log.InfoLevel, nil),
		jobEvent("job-1", "Rate limited", log.WarnLevel, nil),
	}
	events.waitForEvent(t)

	published := events.published()
	require.Len(t, published, 1)
	logEvent, ok := published[0].Payload.(models.LogEvent)
	require.True(t, ok)
	assert.Equal(t, "warn", logEvent.Level)
	assert.Equal(t, "Rate limited", logEvent.Message)
}

func TestConsumer_MapsLevelsAndModules(t *testing.T) {
	events := newRecordingEvents()
	resolver := staticResolver{"job-1": {"org-1", "proj-1"}}
	consumer := newTestConsumer(t, events, resolver, "debug")

	consumer.GetChannel() <- []arbormodels.LogEvent{
		jobEvent("job-1", "Counter refresh", log.InfoLevel, map[string]interface{}{
			"module": "db",
		}),
		jobEvent("job-1", "Submission failed", log.ErrorLevel, nil),
		jobEvent("job-1", "Batch accepted", log.InfoLevel, map[string]interface{}{
			"outcome": "success",
		}),
	}
	events.waitForEvent(t)
	events.waitForEvent(t)
	events.waitForEvent(t)

	published := events.published()
	require.Len(t, published, 3)

	first, _ := published[0].Payload.(models.LogEvent)
	assert.Equal(t, models.ModuleDB, first.Module)
	assert.Equal(t, "Counter refresh", first.Message)

	second, _ := published[1].Payload.(models.LogEvent)
	assert.Equal(t, "error", second.Level)

	third, _ := published[2].Payload.(models.LogEvent)
	assert.Equal(t, "success", third.Level)
	assert.Equal(t, "Batch accepted", third.Message)
}

func TestConsumer_StopDrains(t *testing.T) {
	events := newRecordingEvents()
	resolver := staticResolver{"job-1": {"org-1", "proj-1"}}
	consumer := NewConsumer(events, resolver, arbor.NewLogger(), "info")
	require.NoError(t, consumer.Start())

	consumer.GetChannel() <- []arbormodels.LogEvent{
		jobEvent("job-1", "Last line", log.InfoLevel, nil),
	}
	events.waitForEvent(t)

	require.NoError(t, consumer.Stop())
	assert.Len(t, events.published(), 1)
}
