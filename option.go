package taskmesh

import (
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/taskmesh/taskmesh/model"
	"github.com/taskmesh/taskmesh/service/dao"
	"github.com/taskmesh/taskmesh/service/dispatch"
	"github.com/taskmesh/taskmesh/service/executor"
	"github.com/taskmesh/taskmesh/service/messaging"
	"github.com/taskmesh/taskmesh/service/notify"
	"github.com/taskmesh/taskmesh/tracing"
)

// Option customises the engine service.
type Option func(s *Service)

// WithConfig sets the engine configuration.
func WithConfig(config *Config) Option {
	return func(s *Service) { s.config = config }
}

// WithTaskDAO sets the task store backend.
func WithTaskDAO(store dao.Service[dao.Key, model.Task]) Option {
	return func(s *Service) { s.taskDAO = store }
}

// WithExpertDAO sets the expert store backend.
func WithExpertDAO(store dao.Service[dao.Key, model.Expert]) Option {
	return func(s *Service) { s.expertDAO = store }
}

// WithEdgeDAO sets the dependency edge store backend.
func WithEdgeDAO(store dao.Service[dao.Key, model.Edge]) Option {
	return func(s *Service) { s.edgeDAO = store }
}

// WithWorkflowDAO sets the workflow store backend.
func WithWorkflowDAO(store dao.Service[dao.Key, model.Workflow]) Option {
	return func(s *Service) { s.workflowDAO = store }
}

// WithAlertDAO sets the alert store backend.
func WithAlertDAO(store dao.Service[dao.Key, model.Alert]) Option {
	return func(s *Service) { s.alertDAO = store }
}

// WithNotifier sets the notification sink used for task transitions.
func WithNotifier(notifier notify.Service) Option {
	return func(s *Service) { s.notifier = notifier }
}

// WithExecutor sets the task executor invoked by dispatch workers.
func WithExecutor(exec executor.Service) Option {
	return func(s *Service) { s.executor = exec }
}

// WithQueueFactory sets the per-tenant dispatch queue constructor.
func WithQueueFactory(factory func() messaging.Queue[dispatch.Request]) Option {
	return func(s *Service) { s.newQueue = factory }
}

// WithTracing configures OpenTelemetry tracing for the engine. If outputFile
// is empty the stdout exporter is used; otherwise traces are written to the
// supplied file path. Safe to call multiple times, the first successful
// initialisation wins.
func WithTracing(serviceName, serviceVersion, outputFile string) Option {
	return func(s *Service) {
		_ = tracing.Init(serviceName, serviceVersion, outputFile)
	}
}

// WithTracingExporter configures OpenTelemetry tracing with a custom
// SpanExporter, for example OTLP, Jaeger or Zipkin. Safe to call multiple
// times, the first successful initialisation wins.
func WithTracingExporter(serviceName, serviceVersion string, exporter sdktrace.SpanExporter) Option {
	return func(s *Service) {
		_ = tracing.InitWithExporter(serviceName, serviceVersion, exporter)
	}
}
