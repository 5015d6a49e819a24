// Package bpmn implements the process execution engine core: the
// execution tree, activity behaviors, the command interceptor chain,
// event subscriptions, the job scheduler, and deployments.
package bpmn

import (
	"context"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	appconfig "github.com/procflow/procflow/internal/config"
	"github.com/procflow/procflow/pkg/bpmn/exporter"
	"github.com/procflow/procflow/pkg/bpmn/model/bpmn20"
	"github.com/procflow/procflow/pkg/storage"
	"github.com/procflow/procflow/pkg/storage/inmemory"
)

func newDefaultStorage() storage.Storage {
	return inmemory.NewStorage()
}

// Engine executes deployed process definitions. It is safe for
// concurrent use; every public operation runs as a command inside its
// own unit of work.
type Engine struct {
	name        string
	persistence storage.Storage
	logger      hclog.Logger
	clock       Clock
	evaluator   ExpressionEvaluator
	exporters   []exporter.EventExporter
	snowflake   *snowflake.Node
	tracer      trace.Tracer
	config      appconfig.Config

	commandChain commandInvoker
	behaviors    map[bpmn20.ElementType]activityBehavior

	definitionCache definitionCache

	taskHandlersMu sync.RWMutex
	taskHandlers   map[string]TaskHandler

	jobExecutor *jobExecutor
}

type EngineOption func(*Engine)

func WithStorage(persistence storage.Storage) EngineOption {
	return func(engine *Engine) {
		engine.persistence = persistence
	}
}

func WithLogger(logger hclog.Logger) EngineOption {
	return func(engine *Engine) {
		engine.logger = logger
	}
}

func WithClock(clock Clock) EngineOption {
	return func(engine *Engine) {
		engine.clock = clock
	}
}

func WithExpressionEvaluator(evaluator ExpressionEvaluator) EngineOption {
	return func(engine *Engine) {
		engine.evaluator = evaluator
	}
}

// WithExporter registers an event exporter; repeatable, delivery follows
// registration order.
func WithExporter(exp exporter.EventExporter) EngineOption {
	return func(engine *Engine) {
		engine.exporters = append(engine.exporters, exp)
	}
}

func WithConfig(config appconfig.Config) EngineOption {
	return func(engine *Engine) {
		engine.config = config
	}
}

// NewEngine assembles an engine around the given storage. Unset options
// fall back to the in-memory storage, the wall clock, the variable
// expression evaluator and the environment-driven config.
func NewEngine(options ...EngineOption) *Engine {
	engine := &Engine{
		config: appconfig.Default(),
	}
	for _, option := range options {
		option(engine)
	}
	if engine.logger == nil {
		engine.logger = hclog.Default().Named("procflow")
	}
	if engine.clock == nil {
		engine.clock = WallClock{}
	}
	if engine.evaluator == nil {
		engine.evaluator = VariableEvaluator{}
	}
	if engine.persistence == nil {
		engine.logger.Warn("no storage configured, falling back to in-memory storage")
		engine.persistence = newDefaultStorage()
	}
	engine.name = engine.config.Name
	engine.snowflake = sharedIdGenerator()
	engine.tracer = otel.Tracer("procflow.engine")
	engine.taskHandlers = map[string]TaskHandler{}
	engine.definitionCache = newDefinitionCache(engine.config.Deployment.CacheCapacity)
	engine.behaviors = newBehaviorRegistry(engine)
	engine.commandChain = buildCommandChain(engine.defaultInterceptors(), invokeCommand)
	engine.jobExecutor = newJobExecutor(engine)
	return engine
}

// Start launches the background job executor. Idempotent.
func (engine *Engine) Start(ctx context.Context) {
	engine.logger.Debug("starting engine", "config", engine.config.String())
	engine.jobExecutor.start(ctx)
}

// Stop shuts the job executor down and waits for in-flight jobs.
func (engine *Engine) Stop() {
	engine.jobExecutor.stop()
}

func (engine *Engine) Name() string {
	return engine.name
}

// RegisterTaskHandler binds a handler to a service task type. Tasks of a
// type without a handler become externally completable jobs.
func (engine *Engine) RegisterTaskHandler(taskType string, handler TaskHandler) {
	engine.taskHandlersMu.Lock()
	defer engine.taskHandlersMu.Unlock()
	engine.taskHandlers[taskType] = handler
}

func (engine *Engine) taskHandler(taskType string) (TaskHandler, bool) {
	engine.taskHandlersMu.RLock()
	defer engine.taskHandlersMu.RUnlock()
	handler, ok := engine.taskHandlers[taskType]
	return handler, ok
}
