package logs

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/phuslu/log"
	"github.com/ternarybob/arbor"
	arborlevels "github.com/ternarybob/arbor/levels"
	arbormodels "github.com/ternarybob/arbor/models"
	"github.com/ternarybob/sitesync/internal/interfaces"
	"github.com/ternarybob/sitesync/internal/models"
)

// TopicResolver maps a job correlation ID to the (organization, project)
// topic its log events belong to. The job controller implements this for
// jobs it currently tracks.
type TopicResolver interface {
	ResolveJob(jobID string) (organizationID, projectID string, ok bool)
}

// Consumer drains log batches from arbor's context channel, redacts
// sensitive fields, and republishes job-scoped records as live LOG events
// on the event bus. Log events are ephemeral; nothing here persists them.
type Consumer struct {
	events   interfaces.EventService
	resolver TopicResolver
	logger   arbor.ILogger
	channel  chan []arbormodels.LogEvent
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	minLevel arbor.LogLevel
}

// NewConsumer creates a log consumer publishing to the event bus.
func NewConsumer(events interfaces.EventService, resolver TopicResolver, logger arbor.ILogger, minEventLevel string) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		events:   events,
		resolver: resolver,
		logger:   logger,
		channel:  make(chan []arbormodels.LogEvent, 10),
		ctx:      ctx,
		cancel:   cancel,
		minLevel: parseLogLevel(minEventLevel),
	}
}

// parseLogLevel converts a string log level to arbor.LogLevel.
func parseLogLevel(levelStr string) arbor.LogLevel {
	switch strings.ToLower(levelStr) {
	case "debug":
		return arbor.DebugLevel
	case "info":
		return arbor.InfoLevel
	case "warn", "warning":
		return arbor.WarnLevel
	case "error":
		return arbor.ErrorLevel
	default:
		return arbor.InfoLevel
	}
}

// GetChannel returns the channel arbor writes log batches to. Attach with
// logger.SetChannel("context", consumer.GetChannel()).
func (c *Consumer) GetChannel() chan []arbormodels.LogEvent {
	return c.channel
}

// Start launches the consumer goroutine.
func (c *Consumer) Start() error {
	c.wg.Add(1)
	go c.consume()
	return nil
}

// Stop drains and shuts down the consumer.
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info().Msg("Log consumer stopped")
	return nil
}

func (c *Consumer) consume() {
	defer c.wg.Done()

	defer func() {
		if r := recover(); r != nil {
			// Log without a correlation ID so the recovery line cannot
			// re-enter this consumer through the channel.
			c.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Log consumer panic recovered")
		}
	}()

	for {
		select {
		case batch, ok := <-c.channel:
			if !ok {
				return
			}
			for _, event := range batch {
				c.dispatch(event)
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// dispatch converts one arbor event into a LOG bus event. Events that
// cannot be attributed to a job topic are skipped; they still reach the
// console and file writers through arbor itself.
func (c *Consumer) dispatch(event arbormodels.LogEvent) {
	// HTTP middleware correlates every request; those lines are request
	// tracing, not job activity.
	if event.Message == "HTTP request" || event.Message == "HTTP response" ||
		strings.Contains(event.Message, "WebSocket client") {
		return
	}

	if !c.shouldPublish(event.Level) {
		return
	}

	jobID := event.CorrelationID
	if jobID == "" {
		return
	}
	orgID, projectID, ok := c.resolver.ResolveJob(jobID)
	if !ok {
		return
	}

	logEvent := transformEvent(event)
	logEvent.JobID = jobID
	logEvent.ProjectID = projectID

	c.events.Publish(models.BusEvent{
		Kind:           models.EventLog,
		OrganizationID: orgID,
		ProjectID:      projectID,
		Payload:        logEvent,
	})
}

// shouldPublish checks the event level against the configured threshold.
func (c *Consumer) shouldPublish(level log.Level) bool {
	return arborlevels.FromLogLevel(level) >= c.minLevel
}

// transformEvent maps an arbor record to the wire-level LOG payload.
// Sensitive fields are redacted before they are folded into the message.
func transformEvent(event arbormodels.LogEvent) models.LogEvent {
	level := wireLevel(event.Level)
	module := models.ModuleWorker
	redacted := RedactFields(event.Fields)
	fields := make(map[string]interface{}, len(redacted))

	for key, value := range redacted {
		switch key {
		case "module":
			if m, ok := value.(string); ok {
				module = models.LogModule(strings.ToUpper(m))
			}
		case "outcome":
			if s, ok := value.(string); ok && s == "success" {
				level = "success"
			}
		default:
			fields[key] = value
		}
	}

	logEvent := models.NewLogEvent(level, module, AppendFields(event.Message, fields))
	logEvent.Timestamp = event.Timestamp.UTC()
	return logEvent
}

// wireLevel maps phuslu levels onto the four levels the UI renders.
func wireLevel(level log.Level) string {
	switch level {
	case log.TraceLevel, log.DebugLevel, log.InfoLevel:
		return "info"
	case log.WarnLevel:
		return "warn"
	default:
		return "error"
	}
}
