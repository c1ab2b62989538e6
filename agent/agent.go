// Package agent runs the conversation loop: the model is asked for the next
// step (AGENT), requested tools are executed (TOOLS) and their results are
// fed back until the model answers with content and no tool calls.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/PipeOpsHQ/qoe-assistant/llm"
	"github.com/PipeOpsHQ/qoe-assistant/observe"
	"github.com/PipeOpsHQ/qoe-assistant/session"
	"github.com/PipeOpsHQ/qoe-assistant/session/memory"
	"github.com/PipeOpsHQ/qoe-assistant/tools"
	"github.com/PipeOpsHQ/qoe-assistant/types"
)

// CorrectiveInstruction is sent to the model after a response with neither
// content nor tool calls. It is never stored in the history.
const CorrectiveInstruction = "Gere uma resposta real e válida."

const (
	defaultMaxIterations        = 10
	defaultMaxDegenerateRetries = 3
)

var (
	ErrDegenerateResponse = errors.New("model kept returning empty responses")
	ErrMaxIterations      = errors.New("max iterations reached")
)

type Agent struct {
	provider             llm.Provider
	store                session.Store
	systemPrompt         string
	maxIterations        int
	maxDegenerateRetries int
	maxOutputTokens      int
	retryPolicy          RetryPolicy
	generateTimeout      time.Duration
	toolTimeout          time.Duration
	parallelTools        bool
	observer             observe.Sink

	tools     map[string]tools.Tool
	toolOrder []string

	locksMu sync.Mutex
	locks   map[string]*sessionLock
}

type Option func(*Agent)

func WithSystemPrompt(prompt string) Option {
	return func(a *Agent) { a.systemPrompt = prompt }
}

// WithMaxIterations bounds the AGENT steps of one turn. Degenerate retries
// happen inside a step and do not count.
func WithMaxIterations(max int) Option {
	return func(a *Agent) {
		if max > 0 {
			a.maxIterations = max
		}
	}
}

// WithMaxDegenerateRetries caps how many empty model responses a turn
// tolerates before failing with ErrDegenerateResponse. Zero fails on the
// first one.
func WithMaxDegenerateRetries(max int) Option {
	return func(a *Agent) {
		if max >= 0 {
			a.maxDegenerateRetries = max
		}
	}
}

func WithMaxOutputTokens(max int) Option {
	return func(a *Agent) {
		if max > 0 {
			a.maxOutputTokens = max
		}
	}
}

func WithProviderRetries(retries int) Option {
	return func(a *Agent) {
		if retries < 0 {
			return
		}
		policy := a.retryPolicy
		policy.MaxAttempts = retries + 1
		a.retryPolicy = normalizeRetryPolicy(policy)
	}
}

func WithRetryPolicy(policy RetryPolicy) Option {
	return func(a *Agent) {
		a.retryPolicy = normalizeRetryPolicy(policy)
	}
}

// WithGenerateTimeout bounds each provider attempt.
func WithGenerateTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout >= 0 {
			a.generateTimeout = timeout
		}
	}
}

func WithToolTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout >= 0 {
			a.toolTimeout = timeout
		}
	}
}

func WithParallelToolCalls(enabled bool) Option {
	return func(a *Agent) { a.parallelTools = enabled }
}

func WithStore(store session.Store) Option {
	return func(a *Agent) {
		if store != nil {
			a.store = store
		}
	}
}

func WithObserver(observer observe.Sink) Option {
	return func(a *Agent) { a.observer = observer }
}

// WithTools binds tools in order. A later tool with the same name replaces
// the earlier one.
func WithTools(ts ...tools.Tool) Option {
	return func(a *Agent) {
		for _, tool := range ts {
			if tool == nil {
				continue
			}
			name := tool.Definition().Name
			if name == "" {
				continue
			}
			if _, exists := a.tools[name]; !exists {
				a.toolOrder = append(a.toolOrder, name)
			}
			a.tools[name] = tool
		}
	}
}

func New(provider llm.Provider, opts ...Option) (*Agent, error) {
	if provider == nil {
		return nil, errors.New("provider is required")
	}

	a := &Agent{
		provider:             provider,
		maxIterations:        defaultMaxIterations,
		maxDegenerateRetries: defaultMaxDegenerateRetries,
		retryPolicy:          defaultRetryPolicy(),
		tools:                make(map[string]tools.Tool),
		locks:                make(map[string]*sessionLock),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.store == nil {
		a.store = memory.New()
	}
	a.retryPolicy = normalizeRetryPolicy(a.retryPolicy)
	return a, nil
}

func (a *Agent) Provider() string { return a.provider.Name() }

func (a *Agent) Store() session.Store { return a.store }

// Tools lists the bound tool definitions in binding order.
func (a *Agent) Tools() []types.ToolDefinition {
	defs := make([]types.ToolDefinition, 0, len(a.toolOrder))
	for _, name := range a.toolOrder {
		defs = append(defs, a.tools[name].Definition())
	}
	return defs
}

// History returns the stored conversation of a session.
func (a *Agent) History(ctx context.Context, sessionID string) ([]types.Message, error) {
	return a.store.History(ctx, sessionID)
}

// turn carries the state of one Turn call.
type turn struct {
	id        string
	sessionID string
	input     string
	startedAt time.Time
	history   []types.Message
	appended  []types.Message
	usage     types.Usage
	hasUsage  bool
	steps     int
	retries   int
	events    []types.Event
	onEvent   func(types.Event)
}

// Turn runs one user turn against a session and returns the final answer.
// An empty sessionID starts a new session. onEvent, if set, receives every
// runtime event synchronously; EventMessage events carry each message that
// is appended to the history.
func (a *Agent) Turn(ctx context.Context, sessionID, input string, onEvent func(types.Event)) (types.TurnResult, error) {
	if input == "" {
		return types.TurnResult{}, errors.New("input is required")
	}
	if sessionID == "" {
		sessionID = session.NewID()
	}

	unlock := a.lockSession(sessionID)
	defer unlock()

	history, err := a.store.History(ctx, sessionID)
	if err != nil {
		return types.TurnResult{}, fmt.Errorf("failed to load history: %w", err)
	}

	t := &turn{
		id:        uuid.NewString(),
		sessionID: sessionID,
		input:     input,
		startedAt: time.Now().UTC(),
		history:   history,
		onEvent:   onEvent,
	}
	a.emit(ctx, t, types.Event{Type: types.EventTurnStarted})

	if err := a.saveTurn(ctx, t, session.TurnRunning, "", nil); err != nil {
		return types.TurnResult{}, fmt.Errorf("failed to persist turn start: %w", err)
	}
	if err := a.appendMessages(ctx, t, types.Message{Role: types.RoleUser, Content: input}); err != nil {
		return types.TurnResult{}, a.fail(ctx, t, err)
	}

	for t.steps < a.maxIterations {
		t.steps++

		msg, err := a.agentStep(ctx, t)
		if err != nil {
			return types.TurnResult{}, a.fail(ctx, t, err)
		}
		if err := a.appendMessages(ctx, t, msg); err != nil {
			return types.TurnResult{}, a.fail(ctx, t, err)
		}

		if !msg.HasToolCalls() {
			return a.complete(ctx, t, msg.Content)
		}

		results := a.toolsStep(ctx, t, msg.ToolCalls)
		if err := a.appendMessages(ctx, t, results...); err != nil {
			return types.TurnResult{}, a.fail(ctx, t, err)
		}
	}

	return types.TurnResult{}, a.fail(ctx, t, fmt.Errorf("%w (%d)", ErrMaxIterations, a.maxIterations))
}

// agentStep asks the model for the next message. Degenerate responses are
// discarded and the request is repeated with the corrective instruction
// appended, once per discarded response.
func (a *Agent) agentStep(ctx context.Context, t *turn) (types.Message, error) {
	var corrections []types.Message
	for {
		messages := make([]types.Message, 0, len(t.history)+len(corrections))
		messages = append(messages, t.history...)
		messages = append(messages, corrections...)
		req := types.Request{
			SystemPrompt:    a.systemPrompt,
			Messages:        messages,
			Tools:           a.Tools(),
			MaxOutputTokens: a.maxOutputTokens,
		}

		a.emit(ctx, t, types.Event{Type: types.EventBeforeGenerate, Iteration: t.steps})
		started := time.Now()
		resp, err := a.generateWithRetry(ctx, req)
		if err != nil {
			return types.Message{}, fmt.Errorf("generation failed: %w", err)
		}
		a.emit(ctx, t, types.Event{
			Type:       types.EventAfterGenerate,
			Iteration:  t.steps,
			DurationMs: time.Since(started).Milliseconds(),
		})
		if resp.Usage != nil {
			t.usage.Add(resp.Usage)
			t.hasUsage = true
		}

		msg := resp.Message
		msg.Role = types.RoleAssistant
		if !msg.IsDegenerate() {
			return msg, nil
		}

		t.retries++
		a.emit(ctx, t, types.Event{
			Type:      types.EventDegenerateResponse,
			Iteration: t.steps,
			Attempt:   t.retries,
			Note:      "empty model response discarded",
		})
		if t.retries > a.maxDegenerateRetries {
			return types.Message{}, fmt.Errorf("%w after %d retries", ErrDegenerateResponse, a.maxDegenerateRetries)
		}
		corrections = append(corrections, types.Message{Role: types.RoleUser, Content: CorrectiveInstruction})
	}
}

func (a *Agent) generateWithRetry(ctx context.Context, req types.Request) (types.Response, error) {
	policy := normalizeRetryPolicy(a.retryPolicy)

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		resp, err := a.generateOnce(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt == policy.MaxAttempts || !retryable(ctx, err) {
			break
		}
		if err := sleep(ctx, policy.backoffForAttempt(attempt)); err != nil {
			return types.Response{}, err
		}
	}

	return types.Response{}, fmt.Errorf("provider %q failed after %d attempt(s): %w", a.provider.Name(), policy.MaxAttempts, lastErr)
}

func (a *Agent) generateOnce(ctx context.Context, req types.Request) (types.Response, error) {
	if a.generateTimeout <= 0 {
		return a.provider.Generate(ctx, req)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, a.generateTimeout)
	defer cancel()
	return a.provider.Generate(attemptCtx, req)
}

// toolsStep executes every call and returns one tool message per call, in
// call order, whatever order they finished in.
func (a *Agent) toolsStep(ctx context.Context, t *turn, calls []types.ToolCall) []types.Message {
	results := make([]types.Message, len(calls))
	eventSets := make([][]types.Event, len(calls))

	if a.parallelTools && len(calls) > 1 {
		var wg conc.WaitGroup
		for i, call := range calls {
			wg.Go(func() {
				results[i], eventSets[i] = a.executeToolCall(ctx, t, call)
			})
		}
		wg.Wait()
	} else {
		for i, call := range calls {
			results[i], eventSets[i] = a.executeToolCall(ctx, t, call)
		}
	}

	for _, evs := range eventSets {
		for _, ev := range evs {
			a.emit(ctx, t, ev)
		}
	}
	return results
}

// executeToolCall never fails the turn: an unknown tool or a tool error is
// reported back to the model as an error payload.
func (a *Agent) executeToolCall(ctx context.Context, t *turn, call types.ToolCall) (types.Message, []types.Event) {
	startedAt := time.Now().UTC()
	events := []types.Event{{
		Type:       types.EventBeforeTool,
		Timestamp:  startedAt,
		Iteration:  t.steps,
		ToolName:   call.Name,
		ToolCallID: call.ID,
	}}

	var (
		out     any
		toolErr error
	)
	tool, ok := a.tools[call.Name]
	if !ok {
		toolErr = fmt.Errorf("%w: %s", tools.ErrUnknownTool, call.Name)
	} else {
		args := call.Arguments
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		toolCtx := ctx
		cancel := func() {}
		if a.toolTimeout > 0 {
			toolCtx, cancel = context.WithTimeout(ctx, a.toolTimeout)
		}
		out, toolErr = a.runTool(toolCtx, tool, args)
		cancel()
	}

	result := types.Message{
		Role:       types.RoleTool,
		Name:       call.Name,
		ToolCallID: call.ID,
		Content:    encodeToolOutput(out, toolErr),
	}

	after := types.Event{
		Type:       types.EventAfterTool,
		Timestamp:  time.Now().UTC(),
		Iteration:  t.steps,
		ToolName:   call.Name,
		ToolCallID: call.ID,
		DurationMs: time.Since(startedAt).Milliseconds(),
	}
	if toolErr != nil {
		after.Error = toolErr.Error()
	}
	return result, append(events, after)
}

// runTool executes a tool and stops waiting once ctx is done, so a tool that
// ignores its context still honors the timeout.
func (a *Agent) runTool(ctx context.Context, tool tools.Tool, args json.RawMessage) (any, error) {
	type outcome struct {
		out any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		out, err := tool.Execute(ctx, args)
		done <- outcome{out: out, err: err}
	}()

	select {
	case res := <-done:
		return res.out, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("tool %q: %w", tool.Definition().Name, ctx.Err())
	}
}

// encodeToolOutput renders a tool result as message content: strings pass
// through, everything else is JSON.
func encodeToolOutput(out any, err error) string {
	if err != nil {
		encoded, _ := json.Marshal(map[string]string{"error": err.Error()})
		return string(encoded)
	}
	if s, ok := out.(string); ok {
		return s
	}
	encoded, encErr := json.Marshal(out)
	if encErr != nil {
		encoded, _ = json.Marshal(map[string]string{"error": "failed to encode tool output: " + encErr.Error()})
	}
	return string(encoded)
}

func (a *Agent) appendMessages(ctx context.Context, t *turn, msgs ...types.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := a.store.Append(ctx, t.sessionID, msgs...); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	t.history = append(t.history, msgs...)
	t.appended = append(t.appended, msgs...)
	for i := range msgs {
		msg := msgs[i]
		a.emit(ctx, t, types.Event{
			Type:       types.EventMessage,
			Iteration:  t.steps,
			ToolName:   msg.Name,
			ToolCallID: msg.ToolCallID,
			Message:    &msg,
		})
	}
	return nil
}

func (a *Agent) complete(ctx context.Context, t *turn, output string) (types.TurnResult, error) {
	completedAt := time.Now().UTC()
	if err := a.saveTurn(ctx, t, session.TurnCompleted, output, nil); err != nil {
		return types.TurnResult{}, fmt.Errorf("failed to persist turn completion: %w", err)
	}
	a.emit(ctx, t, types.Event{
		Type:       types.EventTurnCompleted,
		Timestamp:  completedAt,
		Iteration:  t.steps,
		DurationMs: completedAt.Sub(t.startedAt).Milliseconds(),
	})

	return types.TurnResult{
		Output:            output,
		Messages:          append([]types.Message(nil), t.appended...),
		Usage:             t.usageOrNil(),
		Iterations:        t.steps,
		DegenerateRetries: t.retries,
		Provider:          a.provider.Name(),
		TurnID:            t.id,
		SessionID:         t.sessionID,
		StartedAt:         &t.startedAt,
		CompletedAt:       &completedAt,
		Events:            append([]types.Event(nil), t.events...),
	}, nil
}

// fail records the turn as failed and returns cause, annotated if the
// failure itself could not be persisted.
func (a *Agent) fail(ctx context.Context, t *turn, cause error) error {
	if persistErr := a.saveTurn(ctx, t, session.TurnFailed, "", cause); persistErr != nil {
		cause = fmt.Errorf("%w (also failed to persist failure: %v)", cause, persistErr)
	}
	a.emit(ctx, t, types.Event{
		Type:       types.EventTurnFailed,
		Iteration:  t.steps,
		Error:      cause.Error(),
		DurationMs: time.Since(t.startedAt).Milliseconds(),
	})
	return cause
}

func (a *Agent) saveTurn(ctx context.Context, t *turn, status, output string, turnErr error) error {
	now := time.Now().UTC()
	rec := session.TurnRecord{
		TurnID:            t.id,
		SessionID:         t.sessionID,
		Provider:          a.provider.Name(),
		Status:            status,
		Input:             t.input,
		Output:            output,
		Usage:             t.usageOrNil(),
		Iterations:        t.steps,
		DegenerateRetries: t.retries,
		CreatedAt:         &t.startedAt,
		UpdatedAt:         &now,
	}
	if turnErr != nil {
		rec.Error = turnErr.Error()
	}
	if status != session.TurnRunning {
		rec.CompletedAt = &now
	}
	return a.store.SaveTurn(ctx, rec)
}

func (t *turn) usageOrNil() *types.Usage {
	if !t.hasUsage {
		return nil
	}
	out := t.usage
	return &out
}

func (a *Agent) emit(ctx context.Context, t *turn, event types.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.TurnID = t.id
	event.SessionID = t.sessionID
	event.Provider = a.provider.Name()

	t.events = append(t.events, event)
	if t.onEvent != nil {
		t.onEvent(event)
	}
	if a.observer != nil {
		_ = a.observer.Emit(ctx, observe.FromRuntimeEvent(event))
	}
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// lockSession serializes turns of the same session. The entry is dropped
// once no turn holds or waits on it.
func (a *Agent) lockSession(sessionID string) func() {
	a.locksMu.Lock()
	l, ok := a.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		a.locks[sessionID] = l
	}
	l.refs++
	a.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		a.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(a.locks, sessionID)
		}
		a.locksMu.Unlock()
	}
}
