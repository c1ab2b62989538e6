package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/PipeOpsHQ/qoe-assistant/agent"
	"github.com/PipeOpsHQ/qoe-assistant/dataset"
	"github.com/PipeOpsHQ/qoe-assistant/observe"
	"github.com/PipeOpsHQ/qoe-assistant/observe/logsink"
	"github.com/PipeOpsHQ/qoe-assistant/observe/metrics"
	otelobs "github.com/PipeOpsHQ/qoe-assistant/observe/otel"
	"github.com/PipeOpsHQ/qoe-assistant/prompt"
	providerfactory "github.com/PipeOpsHQ/qoe-assistant/providers/factory"
	"github.com/PipeOpsHQ/qoe-assistant/qoe"
	"github.com/PipeOpsHQ/qoe-assistant/session"
	sessionfactory "github.com/PipeOpsHQ/qoe-assistant/session/factory"
	"github.com/PipeOpsHQ/qoe-assistant/tools"
)

// runtime is everything a conversation needs, built once per command.
type runtime struct {
	data     *dataset.Dataset
	registry *tools.Registry
	metrics  *prometheus.Registry
	store    session.Store
	agent    *agent.Agent
	closers  []func() error
}

func (a *app) loadCatalog() (*dataset.Dataset, *tools.Registry, error) {
	data, err := dataset.Load(a.cfg.Dataset.Path, dataset.WithDelimiter(a.cfg.DelimiterRune()))
	if err != nil {
		return nil, nil, err
	}
	engine, err := qoe.NewEngine(data)
	if err != nil {
		return nil, nil, err
	}
	registry, err := tools.NewCatalog(engine)
	if err != nil {
		return nil, nil, fmt.Errorf("build tool catalog: %w", err)
	}
	a.log.WithFields(logrus.Fields{
		"path":    a.cfg.Dataset.Path,
		"rows":    data.Len(),
		"clients": len(data.Clients()),
		"servers": len(data.Servers()),
	}).Debug("dataset loaded")
	return data, registry, nil
}

func (a *app) loadPrompts() (*prompt.Registry, error) {
	reg := prompt.NewRegistry()
	prompt.RegisterBuiltins(reg)
	n, err := reg.LoadDir(a.cfg.Agent.PromptDir)
	if err != nil {
		return nil, fmt.Errorf("load prompts from %s: %w", a.cfg.Agent.PromptDir, err)
	}
	if n > 0 {
		a.log.WithField("count", n).Debug("prompt templates loaded")
	}
	return reg, nil
}

func (a *app) systemPrompt(data *dataset.Dataset) (string, error) {
	reg, err := a.loadPrompts()
	if err != nil {
		return "", err
	}
	ref := strings.TrimSpace(a.cfg.Agent.Prompt)
	if ref == "" {
		ref = prompt.DefaultName
	}
	spec, ok := reg.Resolve(ref)
	if !ok {
		return "", fmt.Errorf("unknown prompt template %q", ref)
	}
	return prompt.SystemPrompt(spec, data.Summary())
}

func (a *app) openStore(ctx context.Context) (session.Store, error) {
	return sessionfactory.FromConfig(ctx, a.cfg.StateConfig(), a.log)
}

func (a *app) buildRuntime(ctx context.Context) (rt *runtime, err error) {
	rt = &runtime{}
	defer func() {
		if err != nil {
			_ = rt.Close()
			rt = nil
		}
	}()

	rt.data, rt.registry, err = a.loadCatalog()
	if err != nil {
		return rt, err
	}
	selected, err := rt.registry.Select(a.cfg.Agent.Tools)
	if err != nil {
		return rt, fmt.Errorf("resolve tools: %w", err)
	}
	system, err := a.systemPrompt(rt.data)
	if err != nil {
		return rt, err
	}

	provider, err := providerfactory.FromConfig(ctx, a.cfg.ProviderConfig())
	if err != nil {
		return rt, err
	}

	rt.store, err = a.openStore(ctx)
	if err != nil {
		return rt, err
	}
	rt.closers = append(rt.closers, rt.store.Close)

	observer, err := a.buildObserver(rt)
	if err != nil {
		return rt, err
	}

	rt.agent, err = agent.New(provider,
		agent.WithSystemPrompt(system),
		agent.WithMaxIterations(a.cfg.Agent.MaxIterations),
		agent.WithMaxDegenerateRetries(a.cfg.Agent.DegenerateRetries),
		agent.WithMaxOutputTokens(a.cfg.Agent.MaxOutputTokens),
		agent.WithRetryPolicy(agent.RetryPolicy{
			MaxAttempts: a.cfg.Agent.ProviderAttempts,
			BaseBackoff: a.cfg.Agent.BaseBackoff.Std(),
			MaxBackoff:  a.cfg.Agent.MaxBackoff.Std(),
		}),
		agent.WithToolTimeout(a.cfg.Agent.ToolTimeout.Std()),
		agent.WithParallelToolCalls(a.cfg.Agent.ParallelTools),
		agent.WithStore(rt.store),
		agent.WithObserver(observer),
		agent.WithTools(selected...),
	)
	if err != nil {
		return rt, fmt.Errorf("create agent: %w", err)
	}
	a.log.WithFields(logrus.Fields{
		"provider": rt.agent.Provider(),
		"tools":    len(selected),
		"state":    a.cfg.State.Backend,
	}).Debug("assistant ready")
	return rt, nil
}

func (a *app) buildObserver(rt *runtime) (observe.Sink, error) {
	rt.metrics = prometheus.NewRegistry()
	rt.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metricsSink, err := metrics.New(rt.metrics)
	if err != nil {
		return nil, err
	}
	sinks := []observe.Sink{
		logsink.New(a.log.WithField("component", "agent")),
		metricsSink,
	}

	if a.cfg.Tracing.Enabled {
		tp := otelobs.NewLoggingTracerProvider(a.log.WithField("component", "tracing"))
		otel.SetTracerProvider(tp)
		sinks = append(sinks, otelobs.NewSink(tp))
		rt.closers = append(rt.closers, func() error { return shutdownTracer(tp) })
	}

	async := observe.NewAsyncSink(observe.NewMultiSink(sinks...), 256)
	rt.closers = append(rt.closers, func() error {
		async.Close()
		return nil
	})
	return async, nil
}

func shutdownTracer(tp *sdktrace.TracerProvider) error {
	return tp.Shutdown(context.Background())
}

// Close releases resources in reverse order of acquisition.
func (r *runtime) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}
