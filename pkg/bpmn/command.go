package bpmn

import (
	"context"
	"errors"

	"github.com/procflow/procflow/pkg/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// command is one engine operation executed inside a CommandContext.
type command interface {
	Name() string
	Execute(ctx context.Context, cc *CommandContext) error
}

// funcCommand wraps a closure as a command.
type funcCommand struct {
	name string
	// requiresNew forces a fresh CommandContext even when invoked from
	// inside a running one.
	requiresNew bool
	fn          func(ctx context.Context, cc *CommandContext) error
}

func (c funcCommand) Name() string { return c.name }

func (c funcCommand) Execute(ctx context.Context, cc *CommandContext) error {
	return c.fn(ctx, cc)
}

// commandInvocation carries per-invocation state through the chain.
type commandInvocation struct {
	cmd command
	// existing is the surrounding context of a nested invocation, nil at
	// the outermost call.
	existing *CommandContext
	// cc is the context the command runs in, set by the context
	// interceptor.
	cc *CommandContext
}

type commandInterceptor func(ctx context.Context, inv *commandInvocation, next commandInvoker) error

type commandInvoker func(ctx context.Context, inv *commandInvocation) error

// executeCommand runs cmd through the engine's interceptor chain. Nested
// invocations pass their current CommandContext and join its unit of
// work unless the command requires a new one; the outermost invocation
// passes nil and owns the close.
func (engine *Engine) executeCommand(ctx context.Context, existing *CommandContext, cmd command) error {
	inv := &commandInvocation{cmd: cmd, existing: existing}
	return engine.commandChain(ctx, inv)
}

func buildCommandChain(interceptors []commandInterceptor, invoke commandInvoker) commandInvoker {
	chain := invoke
	for i := len(interceptors) - 1; i >= 0; i-- {
		interceptor := interceptors[i]
		next := chain
		chain = func(ctx context.Context, inv *commandInvocation) error {
			return interceptor(ctx, inv, next)
		}
	}
	return chain
}

func (engine *Engine) defaultInterceptors() []commandInterceptor {
	return []commandInterceptor{
		engine.logInterceptor,
		engine.traceInterceptor,
		engine.retryInterceptor,
		engine.contextInterceptor,
	}
}

func (engine *Engine) logInterceptor(ctx context.Context, inv *commandInvocation, next commandInvoker) error {
	engine.logger.Debug("executing command", "command", inv.cmd.Name())
	err := next(ctx, inv)
	if err != nil {
		engine.logger.Error("command failed", "command", inv.cmd.Name(), "err", err)
	}
	return err
}

func (engine *Engine) traceInterceptor(ctx context.Context, inv *commandInvocation, next commandInvoker) error {
	ctx, span := engine.tracer.Start(ctx, inv.cmd.Name(),
		trace.WithAttributes(attribute.Bool("nested", inv.existing != nil)))
	defer span.End()
	err := next(ctx, inv)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// retryInterceptor re-runs the whole command when the flush lost an
// optimistic-lock race. Only the owner of the unit of work retries;
// nested invocations propagate the conflict to the outermost caller so
// the retry re-reads every entity.
func (engine *Engine) retryInterceptor(ctx context.Context, inv *commandInvocation, next commandInvoker) error {
	if inv.existing != nil && !requiresNewContext(inv.cmd) {
		return next(ctx, inv)
	}
	retries := engine.config.Command.OptimisticLockRetries
	var err error
	for attempt := 0; ; attempt++ {
		err = next(ctx, inv)
		if err == nil || !errors.Is(err, storage.ErrOptimisticLock) {
			return err
		}
		if attempt >= retries {
			return newEngineErrorf("command %s gave up after %d optimistic lock conflicts: %s",
				inv.cmd.Name(), attempt+1, err)
		}
		engine.logger.Debug("retrying command after optimistic lock conflict",
			"command", inv.cmd.Name(), "attempt", attempt+1)
	}
}

// contextInterceptor opens and closes the unit of work. A nested
// invocation reuses the surrounding context without closing it.
func (engine *Engine) contextInterceptor(ctx context.Context, inv *commandInvocation, next commandInvoker) error {
	if inv.existing != nil && !requiresNewContext(inv.cmd) {
		inv.cc = inv.existing
		return next(ctx, inv)
	}
	cc := newCommandContext(engine)
	inv.cc = cc
	if err := next(ctx, inv); err != nil {
		cc.fail(err)
		return err
	}
	return cc.close(ctx)
}

func invokeCommand(ctx context.Context, inv *commandInvocation) error {
	return inv.cmd.Execute(ctx, inv.cc)
}

func requiresNewContext(cmd command) bool {
	fc, ok := cmd.(funcCommand)
	return ok && fc.requiresNew
}
