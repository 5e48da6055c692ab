package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-ai/kiln/internal/agent"
	"github.com/kiln-ai/kiln/internal/bus"
	"github.com/kiln-ai/kiln/internal/message"
	"github.com/kiln-ai/kiln/internal/permission"
	"github.com/kiln-ai/kiln/internal/provider"
	"github.com/kiln-ai/kiln/internal/question"
	"github.com/kiln-ai/kiln/internal/storage"
	"github.com/kiln-ai/kiln/internal/tool"
	"github.com/kiln-ai/kiln/pkg/types"
)

// scriptedModel plays back one canned event sequence per step.
type scriptedModel struct {
	mu       sync.Mutex
	steps    [][]provider.StreamEvent
	requests []provider.Request
}

func (m *scriptedModel) Stream(ctx context.Context, req provider.Request) (<-chan provider.StreamEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)
	if len(m.steps) == 0 {
		return nil, types.NewUnknownError("script exhausted")
	}
	events := m.steps[0]
	m.steps = m.steps[1:]

	ch := make(chan provider.StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (m *scriptedModel) Requests() []provider.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]provider.Request{}, m.requests...)
}

type scriptedProvider struct {
	model *scriptedModel
}

func (p *scriptedProvider) ID() string   { return "test" }
func (p *scriptedProvider) Name() string { return "Test" }

func (p *scriptedProvider) Models() []types.Model {
	return []types.Model{{
		ID:              "m1",
		Name:            "Scripted",
		ProviderID:      "test",
		MaxOutputTokens: 4096,
		SupportsTools:   true,
		Cost:            types.ModelCost{Input: 3, Output: 15},
	}}
}

func (p *scriptedProvider) Model(ctx context.Context, modelID string) (provider.LanguageModel, error) {
	return p.model, nil
}

// fakeTool records its inputs and runs a configurable execute.
type fakeTool struct {
	id      string
	execute func(ctx context.Context, input map[string]any, call *tool.Context) (*tool.Result, error)
}

func (t *fakeTool) ID() string          { return t.id }
func (t *fakeTool) Description() string { return "test tool" }

func (t *fakeTool) Parameters() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}

func (t *fakeTool) Execute(ctx context.Context, input map[string]any, call *tool.Context) (*tool.Result, error) {
	return t.execute(ctx, input, call)
}

type harness struct {
	engine   *Engine
	sessions *Service
	messages *message.Store
	bus      *bus.Bus
	model    *scriptedModel
	tools    *tool.Registry
	agents   *agent.Registry
}

func newHarness(t *testing.T, steps ...[]provider.StreamEvent) *harness {
	t.Helper()

	b := bus.New()
	t.Cleanup(func() { b.Close() })
	st := storage.New(t.TempDir())
	sessions := NewService(st, b)
	messages := message.NewStore(st, b)

	model := &scriptedModel{steps: steps}
	providers := provider.NewRegistry()
	providers.Register(&scriptedProvider{model: model})

	tools := tool.NewRegistry()
	agents := agent.NewRegistry()

	engine := NewEngine(EngineConfig{
		Sessions:    sessions,
		Messages:    messages,
		States:      NewStates(),
		Bus:         b,
		Agents:      agents,
		Tools:       tools,
		Providers:   providers,
		Permissions: permission.NewService(b),
		Questions:   question.NewService(b),
		Directory:   t.TempDir(),
	})

	return &harness{
		engine:   engine,
		sessions: sessions,
		messages: messages,
		bus:      b,
		model:    model,
		tools:    tools,
		agents:   agents,
	}
}

func (h *harness) prompt(t *testing.T, text string) (*types.Session, *types.AssistantMessage) {
	t.Helper()
	ctx := context.Background()

	sess, err := h.sessions.Create(ctx, CreateInput{})
	require.NoError(t, err)

	assistant, err := h.engine.Prompt(ctx, PromptInput{
		SessionID: sess.ID,
		Model:     types.ModelRef{ProviderID: "test", ModelID: "m1"},
		Parts:     []PromptPart{{Type: "text", Text: text}},
	})
	require.NoError(t, err)
	return sess, assistant
}

func TestTurnSimpleText(t *testing.T) {
	h := newHarness(t, []provider.StreamEvent{
		provider.TextStart{},
		provider.TextDelta{Delta: "Hello, "},
		provider.TextDelta{Delta: "world."},
		provider.TextEnd{Text: "Hello, world."},
		provider.StepFinish{
			Reason: types.FinishStop,
			Usage:  types.TokenUsage{Input: 1000, Output: 2000},
		},
	})

	sess, assistant := h.prompt(t, "say hello")

	assert.Equal(t, types.FinishStop, assistant.Finish)
	assert.NotNil(t, assistant.Time.Completed)
	assert.Equal(t, 1000, assistant.Tokens.Input)
	assert.Equal(t, 2000, assistant.Tokens.Output)
	// 1000*3/1M + 2000*15/1M
	assert.InDelta(t, 0.033, assistant.Cost, 1e-9)

	parts, err := h.messages.Parts(context.Background(), assistant.ID)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	text := parts[0].(*types.TextPart)
	assert.Equal(t, "Hello, world.", text.Text)
	require.NotNil(t, text.Time)
	assert.NotNil(t, text.Time.End)

	msgs, err := h.messages.List(context.Background(), sess.ID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestTurnWithToolCall(t *testing.T) {
	h := newHarness(t,
		[]provider.StreamEvent{
			provider.ToolCallStart{ToolCallID: "call_1", ToolName: "echo"},
			provider.ToolCallDelta{ToolCallID: "call_1", ArgsDelta: `{"text":"`},
			provider.ToolCallDelta{ToolCallID: "call_1", ArgsDelta: `ping"}`},
			provider.ToolCall{ToolCallID: "call_1", ToolName: "echo", Args: `{"text":"ping"}`},
			provider.StepFinish{Reason: types.FinishToolCalls},
		},
		[]provider.StreamEvent{
			provider.TextStart{},
			provider.TextDelta{Delta: "done"},
			provider.TextEnd{Text: "done"},
			provider.StepFinish{Reason: types.FinishStop},
		},
	)

	var gotInput map[string]any
	h.tools.Register(&fakeTool{id: "echo", execute: func(ctx context.Context, input map[string]any, call *tool.Context) (*tool.Result, error) {
		gotInput = input
		return &tool.Result{Title: "echoed", Output: "pong"}, nil
	}})

	sess, assistant := h.prompt(t, "ping the tool")

	assert.Equal(t, types.FinishStop, assistant.Finish)
	assert.Equal(t, map[string]any{"text": "ping"}, gotInput)

	msgs, err := h.messages.List(context.Background(), sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3) // user + tool-call step + final step

	first := msgs[1]
	require.Len(t, first.Parts, 1)
	toolPart := first.Parts[0].(*types.ToolPart)
	assert.Equal(t, "echo", toolPart.Tool)
	state := toolPart.State.(types.ToolStateCompleted)
	assert.Equal(t, "pong", state.Output)
	assert.Equal(t, "echoed", state.Title)
	assert.Equal(t, types.FinishToolCalls, first.Info.(*types.AssistantMessage).Finish)
}

func TestTurnUnknownToolCall(t *testing.T) {
	h := newHarness(t,
		[]provider.StreamEvent{
			provider.ToolCallStart{ToolCallID: "call_1", ToolName: "nope"},
			provider.ToolCall{ToolCallID: "call_1", ToolName: "nope", Args: `{}`},
			provider.StepFinish{Reason: types.FinishToolCalls},
		},
		[]provider.StreamEvent{
			provider.TextStart{},
			provider.TextEnd{Text: "recovered"},
			provider.StepFinish{Reason: types.FinishStop},
		},
	)

	sess, assistant := h.prompt(t, "call something missing")
	assert.Equal(t, types.FinishStop, assistant.Finish)

	msgs, err := h.messages.List(context.Background(), sess.ID, 0)
	require.NoError(t, err)
	toolPart := msgs[1].Parts[0].(*types.ToolPart)
	state := toolPart.State.(types.ToolStateError)
	assert.Contains(t, state.Error, "nope")
}

func TestTurnCaseRepairsToolName(t *testing.T) {
	h := newHarness(t,
		[]provider.StreamEvent{
			provider.ToolCallStart{ToolCallID: "call_1", ToolName: "Echo"},
			provider.ToolCall{ToolCallID: "call_1", ToolName: "Echo", Args: `{}`},
			provider.StepFinish{Reason: types.FinishToolCalls},
		},
		[]provider.StreamEvent{
			provider.TextStart{},
			provider.TextEnd{Text: "ok"},
			provider.StepFinish{Reason: types.FinishStop},
		},
	)
	h.tools.Register(&fakeTool{id: "echo", execute: func(ctx context.Context, input map[string]any, call *tool.Context) (*tool.Result, error) {
		return &tool.Result{Output: "ok"}, nil
	}})

	sess, _ := h.prompt(t, "case mismatch")

	msgs, err := h.messages.List(context.Background(), sess.ID, 0)
	require.NoError(t, err)
	toolPart := msgs[1].Parts[0].(*types.ToolPart)
	assert.Equal(t, "echo", toolPart.Tool)
	assert.Equal(t, types.ToolCompleted, toolPart.State.Status())
}

func TestTurnMaxSteps(t *testing.T) {
	h := newHarness(t,
		[]provider.StreamEvent{
			provider.TextStart{},
			provider.TextEnd{Text: "forced final"},
			provider.StepFinish{Reason: types.FinishStop},
		},
	)
	h.agents.Register(&agent.Agent{Name: "bounded", Mode: agent.ModePrimary, Steps: 1})

	ctx := context.Background()
	sess, err := h.sessions.Create(ctx, CreateInput{})
	require.NoError(t, err)

	assistant, err := h.engine.Prompt(ctx, PromptInput{
		SessionID: sess.ID,
		Agent:     "bounded",
		Model:     types.ModelRef{ProviderID: "test", ModelID: "m1"},
		Parts:     []PromptPart{{Type: "text", Text: "work forever"}},
	})
	require.NoError(t, err)
	assert.Equal(t, types.FinishStop, assistant.Finish)

	reqs := h.model.Requests()
	require.Len(t, reqs, 1)
	last := reqs[0].Messages[len(reqs[0].Messages)-1]
	assert.Equal(t, maxStepsPrompt, last.Content)
}

func TestTurnAbortDuringTool(t *testing.T) {
	h := newHarness(t, []provider.StreamEvent{
		provider.ToolCallStart{ToolCallID: "call_1", ToolName: "block"},
		provider.ToolCall{ToolCallID: "call_1", ToolName: "block", Args: `{}`},
		provider.StepFinish{Reason: types.FinishStop},
	})

	started := make(chan struct{})
	h.tools.Register(&fakeTool{id: "block", execute: func(ctx context.Context, input map[string]any, call *tool.Context) (*tool.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}})

	ctx := context.Background()
	sess, err := h.sessions.Create(ctx, CreateInput{})
	require.NoError(t, err)

	go func() {
		<-started
		h.engine.Abort(sess.ID)
	}()

	assistant, err := h.engine.Prompt(ctx, PromptInput{
		SessionID: sess.ID,
		Model:     types.ModelRef{ProviderID: "test", ModelID: "m1"},
		Parts:     []PromptPart{{Type: "text", Text: "run forever"}},
	})
	require.NoError(t, err)

	assert.Equal(t, types.FinishAbort, assistant.Finish)
	require.NotNil(t, assistant.Error)
	assert.Equal(t, types.ErrNameAborted, assistant.Error.Name)

	parts, err := h.messages.Parts(context.Background(), assistant.ID)
	require.NoError(t, err)
	toolPart := parts[0].(*types.ToolPart)
	state := toolPart.State.(types.ToolStateError)
	assert.Equal(t, "interrupted", state.Error)
}

func TestTurnInterleavedReasoningKeepsDeltas(t *testing.T) {
	h := newHarness(t, []provider.StreamEvent{
		provider.TextStart{},
		provider.TextDelta{Delta: "A"},
		provider.TextDelta{Delta: "B"},
		provider.ReasoningStart{},
		provider.ReasoningDelta{Delta: "think"},
		provider.TextDelta{Delta: "C"},
		provider.TextEnd{Text: "ABC"},
		provider.ReasoningEnd{Text: "think"},
		provider.StepFinish{Reason: types.FinishStop},
	})

	var textDeltas, reasoningDeltas string
	h.bus.Subscribe(bus.MessagePartUpdated, func(e bus.Event) {
		data := e.Properties.(bus.MessagePartUpdatedData)
		switch data.Part.(type) {
		case *types.TextPart:
			textDeltas += data.Delta
		case *types.ReasoningPart:
			reasoningDeltas += data.Delta
		}
	})

	_, assistant := h.prompt(t, "interleave")
	require.Equal(t, types.FinishStop, assistant.Finish)

	// Each open block accumulates its own deltas; neither stream loses or
	// absorbs the other's content.
	assert.Equal(t, "ABC", textDeltas)
	assert.Equal(t, "think", reasoningDeltas)

	parts, err := h.messages.Parts(context.Background(), assistant.ID)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, "ABC", parts[0].(*types.TextPart).Text)
	assert.Equal(t, "think", parts[1].(*types.ReasoningPart).Text)
}

func TestTurnOutputLength(t *testing.T) {
	h := newHarness(t, []provider.StreamEvent{
		provider.TextStart{},
		provider.TextEnd{Text: "truncat"},
		provider.StepFinish{Reason: types.FinishLength},
	})

	_, assistant := h.prompt(t, "write a novel")

	assert.Equal(t, types.FinishLength, assistant.Finish)
	require.NotNil(t, assistant.Error)
	assert.Equal(t, types.ErrNameOutputLength, assistant.Error.Name)
}

func TestLoopAfterTurnReturnsLastAssistant(t *testing.T) {
	h := newHarness(t, []provider.StreamEvent{
		provider.TextStart{},
		provider.TextEnd{Text: "done"},
		provider.StepFinish{Reason: types.FinishStop},
	})

	sess, first := h.prompt(t, "hi")

	// A waiter that misses the running loop re-acquires and lands on the
	// terminated turn; it must never surface an empty result.
	got, err := h.engine.Loop(context.Background(), sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)
}

func TestTurnPermissionDenied(t *testing.T) {
	h := newHarness(t,
		[]provider.StreamEvent{
			provider.ToolCallStart{ToolCallID: "call_1", ToolName: "runner"},
			provider.ToolCall{ToolCallID: "call_1", ToolName: "runner", Args: `{}`},
			provider.StepFinish{Reason: types.FinishToolCalls},
		},
		[]provider.StreamEvent{
			provider.TextStart{},
			provider.TextEnd{Text: "understood"},
			provider.StepFinish{Reason: types.FinishStop},
		},
	)
	h.agents.Register(&agent.Agent{
		Name: "locked",
		Mode: agent.ModePrimary,
		Permission: []types.PermissionRule{
			{Permission: "bash", Pattern: "*", Action: types.ActionDeny},
		},
	})
	h.tools.Register(&fakeTool{id: "runner", execute: func(ctx context.Context, input map[string]any, call *tool.Context) (*tool.Result, error) {
		if err := call.Ask(ctx, tool.AskRequest{Permission: "bash", Patterns: []string{"ls"}}); err != nil {
			return nil, err
		}
		return &tool.Result{Output: "ran"}, nil
	}})

	var asked int
	h.bus.Subscribe(bus.PermissionAsked, func(e bus.Event) { asked++ })

	ctx := context.Background()
	sess, err := h.sessions.Create(ctx, CreateInput{})
	require.NoError(t, err)

	assistant, err := h.engine.Prompt(ctx, PromptInput{
		SessionID: sess.ID,
		Agent:     "locked",
		Model:     types.ModelRef{ProviderID: "test", ModelID: "m1"},
		Parts:     []PromptPart{{Type: "text", Text: "run ls"}},
	})
	require.NoError(t, err)
	assert.Equal(t, types.FinishStop, assistant.Finish)

	// The deny rule resolves synchronously; no request ever pends.
	assert.Zero(t, asked)

	msgs, err := h.messages.List(ctx, sess.ID, 0)
	require.NoError(t, err)
	toolPart := msgs[1].Parts[0].(*types.ToolPart)
	state := toolPart.State.(types.ToolStateError)
	assert.Contains(t, state.Error, "denied")
}

func TestTurnModelNotFound(t *testing.T) {
	h := newHarness(t)

	var sessionErrs []bus.SessionErrorData
	h.bus.Subscribe(bus.SessionError, func(e bus.Event) {
		sessionErrs = append(sessionErrs, e.Properties.(bus.SessionErrorData))
	})

	ctx := context.Background()
	sess, err := h.sessions.Create(ctx, CreateInput{})
	require.NoError(t, err)

	assistant, err := h.engine.Prompt(ctx, PromptInput{
		SessionID: sess.ID,
		Model:     types.ModelRef{ProviderID: "test", ModelID: "m9"},
		Parts:     []PromptPart{{Type: "text", Text: "hi"}},
	})
	require.NoError(t, err)

	assert.Equal(t, types.FinishError, assistant.Finish)
	require.NotNil(t, assistant.Error)
	assert.Equal(t, types.ErrNameModelNotFound, assistant.Error.Name)
	require.Len(t, sessionErrs, 1)
	assert.Equal(t, sess.ID, sessionErrs[0].SessionID)
}

func TestTurnStreamError(t *testing.T) {
	h := newHarness(t, []provider.StreamEvent{
		provider.TextStart{},
		provider.TextDelta{Delta: "par"},
		provider.StreamError{Cause: types.NewContextOverflowError("prompt is too long")},
	})

	_, assistant := h.prompt(t, "overflow")

	assert.Equal(t, types.FinishError, assistant.Finish)
	require.NotNil(t, assistant.Error)
	assert.Equal(t, types.ErrNameOverflow, assistant.Error.Name)
	assert.NotNil(t, assistant.Time.Completed)
}

func TestConcurrentPromptQueues(t *testing.T) {
	h := newHarness(t,
		[]provider.StreamEvent{
			provider.ToolCallStart{ToolCallID: "call_1", ToolName: "gate"},
			provider.ToolCall{ToolCallID: "call_1", ToolName: "gate", Args: `{}`},
			provider.StepFinish{Reason: types.FinishToolCalls},
		},
		[]provider.StreamEvent{
			provider.TextStart{},
			provider.TextEnd{Text: "slow answer"},
			provider.StepFinish{Reason: types.FinishStop},
		},
	)

	release := make(chan struct{})
	started := make(chan struct{})
	h.tools.Register(&fakeTool{id: "gate", execute: func(ctx context.Context, input map[string]any, call *tool.Context) (*tool.Result, error) {
		close(started)
		<-release
		return &tool.Result{Output: "open"}, nil
	}})

	ctx := context.Background()
	sess, err := h.sessions.Create(ctx, CreateInput{})
	require.NoError(t, err)

	type outcome struct {
		msg *types.AssistantMessage
		err error
	}
	results := make(chan outcome, 2)
	go func() {
		msg, err := h.engine.Prompt(ctx, PromptInput{
			SessionID: sess.ID,
			Model:     types.ModelRef{ProviderID: "test", ModelID: "m1"},
			Parts:     []PromptPart{{Type: "text", Text: "first"}},
		})
		results <- outcome{msg, err}
	}()

	<-started
	go func() {
		msg, err := h.engine.Loop(ctx, sess.ID)
		results <- outcome{msg, err}
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)

	first := <-results
	second := <-results
	require.NoError(t, first.err)
	require.NoError(t, second.err)
	assert.Equal(t, first.msg.ID, second.msg.ID)
	assert.Equal(t, types.FinishStop, first.msg.Finish)
}
