package session

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	"github.com/kiln-ai/kiln/internal/agent"
	"github.com/kiln-ai/kiln/internal/bus"
	"github.com/kiln-ai/kiln/internal/id"
	"github.com/kiln-ai/kiln/internal/message"
	"github.com/kiln-ai/kiln/internal/permission"
	"github.com/kiln-ai/kiln/internal/provider"
	"github.com/kiln-ai/kiln/internal/question"
	"github.com/kiln-ai/kiln/internal/tool"
	"github.com/kiln-ai/kiln/pkg/types"
)

// Engine drives the turn loop: prompt input, model stream, tool execution,
// next step. At most one loop runs per session at a time.
type Engine struct {
	sessions    *Service
	messages    *message.Store
	states      *States
	bus         *bus.Bus
	agents      *agent.Registry
	tools       *tool.Registry
	providers   *provider.Registry
	permissions *permission.Service
	questions   *question.Service
	directory   string
	maxRetries  int
}

// EngineConfig wires an engine's collaborators.
type EngineConfig struct {
	Sessions    *Service
	Messages    *message.Store
	States      *States
	Bus         *bus.Bus
	Agents      *agent.Registry
	Tools       *tool.Registry
	Providers   *provider.Registry
	Permissions *permission.Service
	Questions   *question.Service

	// Directory is the workspace root recorded on assistant messages and
	// described in the environment prompt.
	Directory string

	// MaxRetries bounds automatic retries of retryable provider failures
	// before the turn is surfaced as an error. Zero disables retries.
	MaxRetries int
}

// NewEngine creates a turn engine.
func NewEngine(cfg EngineConfig) *Engine {
	return &Engine{
		sessions:    cfg.Sessions,
		messages:    cfg.Messages,
		states:      cfg.States,
		bus:         cfg.Bus,
		agents:      cfg.Agents,
		tools:       cfg.Tools,
		providers:   cfg.Providers,
		permissions: cfg.Permissions,
		questions:   cfg.Questions,
		directory:   cfg.Directory,
		maxRetries:  cfg.MaxRetries,
	}
}

// PromptPart is one piece of user input.
type PromptPart struct {
	Type     string `json:"type"` // "text" | "file"
	Text     string `json:"text,omitempty"`
	Mime     string `json:"mime,omitempty"`
	Filename string `json:"filename,omitempty"`
	URL      string `json:"url,omitempty"`
}

// PromptInput is one user turn.
type PromptInput struct {
	SessionID string
	MessageID string // optional client-supplied ID
	Agent     string
	Model     types.ModelRef
	System    string
	Tools     map[string]bool
	Parts     []PromptPart
	Variant   string
}

// Prompt persists the user message and runs the turn loop to completion,
// returning the final assistant message.
func (e *Engine) Prompt(ctx context.Context, input PromptInput) (*types.AssistantMessage, error) {
	if _, err := e.appendUser(ctx, input); err != nil {
		return nil, err
	}
	return e.Loop(ctx, input.SessionID)
}

// Append persists the user message without starting a turn.
func (e *Engine) Append(ctx context.Context, input PromptInput) (*types.UserMessage, error) {
	return e.appendUser(ctx, input)
}

// PromptAsync persists the user message and runs the loop in the background.
// Returns the persisted user message.
func (e *Engine) PromptAsync(ctx context.Context, input PromptInput) (*types.UserMessage, error) {
	user, err := e.appendUser(ctx, input)
	if err != nil {
		return nil, err
	}
	go func() {
		if _, err := e.Loop(context.Background(), input.SessionID); err != nil {
			log.Error().Err(err).Str("sessionID", input.SessionID).Msg("background turn failed")
		}
	}()
	return user, nil
}

func (e *Engine) appendUser(ctx context.Context, input PromptInput) (*types.UserMessage, error) {
	if _, err := e.sessions.Get(ctx, input.SessionID); err != nil {
		return nil, err
	}

	messageID := input.MessageID
	if messageID == "" {
		messageID = id.Ascending(id.Message)
	}
	user := &types.UserMessage{
		ID:        messageID,
		SessionID: input.SessionID,
		Role:      "user",
		Time:      types.UserTime{Created: time.Now().UnixMilli()},
		Agent:     input.Agent,
		Model:     input.Model,
		System:    input.System,
		Tools:     input.Tools,
		Variant:   input.Variant,
	}
	if err := e.messages.UpdateMessage(ctx, user); err != nil {
		return nil, err
	}

	for _, p := range input.Parts {
		var part types.Part
		switch p.Type {
		case "file":
			part = &types.FilePart{
				ID:        id.Ascending(id.Part),
				SessionID: input.SessionID,
				MessageID: user.ID,
				Type:      "file",
				Mime:      p.Mime,
				Filename:  p.Filename,
				URL:       p.URL,
			}
		default:
			part = &types.TextPart{
				ID:        id.Ascending(id.Part),
				SessionID: input.SessionID,
				MessageID: user.ID,
				Type:      "text",
				Text:      p.Text,
			}
		}
		if err := e.messages.UpdatePart(ctx, part); err != nil {
			return nil, err
		}
	}

	e.sessions.Touch(ctx, input.SessionID)
	return user, nil
}

// Loop acquires the session's turn loop or queues behind the running one.
// The returned message is the turn's final assistant message.
func (e *Engine) Loop(ctx context.Context, sessionID string) (*types.AssistantMessage, error) {
	for {
		// The loop outlives the caller; only Abort cancels it.
		runCtx, finish, ok := e.states.Acquire(context.WithoutCancel(ctx), sessionID)
		if ok {
			result, err := e.run(runCtx, sessionID)
			finish(result, err)
			return result, err
		}

		result, err, running := e.states.Wait(ctx, sessionID)
		if running {
			return result, err
		}
		// The owner finished between the failed acquire and the wait.
		// Re-acquire; the turn's termination check returns its result.
	}
}

// Abort cancels the session's running loop, if any.
func (e *Engine) Abort(sessionID string) bool {
	return e.states.Abort(sessionID)
}

func (e *Engine) run(ctx context.Context, sessionID string) (*types.AssistantMessage, error) {
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	step := 0
	for {
		msgs, err := e.messages.List(ctx, sessionID, 0)
		if err != nil {
			return nil, err
		}

		lastUser, lastAssistant := lastMessages(msgs)
		if lastUser == nil {
			return nil, errors.New("no user message")
		}
		if done(lastUser, lastAssistant) {
			return lastAssistant, nil
		}
		if lastAssistant != nil && lastAssistant.Finish == types.FinishUnknown && lastUser.ID < lastAssistant.ID {
			log.Warn().Str("sessionID", sessionID).Str("messageID", lastAssistant.ID).
				Msg("previous step finished with unknown reason, continuing")
		}

		ag, err := e.agents.Get(lastUser.Agent)
		if err != nil {
			return e.failTurn(ctx, sessionID, lastUser, ag, types.NewUnknownError(err.Error()))
		}

		ref := lastUser.Model
		if ref.ProviderID == "" && ag.Model != nil {
			ref = *ag.Model
		}
		lm, model, err := e.providers.Resolve(ctx, ref)
		if err != nil {
			return e.failTurn(ctx, sessionID, lastUser, ag, provider.Translate(err, ref.ProviderID))
		}

		step++
		isLastStep := ag.Steps > 0 && step >= ag.Steps

		assistant := &types.AssistantMessage{
			ID:         id.Ascending(id.Message),
			SessionID:  sessionID,
			Role:       "assistant",
			Time:       types.AssistantTime{Created: time.Now().UnixMilli()},
			ParentID:   lastUser.ID,
			ModelID:    model.ID,
			ProviderID: model.ProviderID,
			Agent:      ag.Name,
			Path:       types.MessagePath{Cwd: e.directory, Root: e.directory},
			Variant:    lastUser.Variant,
		}
		if err := e.messages.UpdateMessage(ctx, assistant); err != nil {
			return nil, err
		}

		tools := e.resolveTools(ag, lastUser, sess, model.ID)
		modelMsgs := materialize(msgs)
		if isLastStep {
			modelMsgs = append(modelMsgs, schema.AssistantMessage(maxStepsPrompt, nil))
		}

		req := provider.Request{
			System:      systemPrompt(ag, lastUser, e.directory),
			Messages:    modelMsgs,
			Tools:       tool.Infos(tools),
			MaxTokens:   model.MaxOutputTokens,
			Temperature: ag.Temperature,
		}

		events, err := e.stream(ctx, lm, ref.ProviderID, req)
		if err != nil {
			sessionErr := provider.Translate(err, ref.ProviderID)
			now := time.Now().UnixMilli()
			assistant.Error = sessionErr
			assistant.Finish = types.FinishError
			if sessionErr.Name == types.ErrNameAborted {
				assistant.Finish = types.FinishAbort
			}
			assistant.Time.Completed = &now
			if err := e.messages.UpdateMessage(context.WithoutCancel(ctx), assistant); err != nil {
				return nil, err
			}
			if sessionErr.Name != types.ErrNameAborted {
				e.bus.Publish(bus.SessionError, bus.SessionErrorData{SessionID: sessionID, Error: sessionErr})
			}
			return assistant, nil
		}

		proc := newProcessor(e, ctx, sess, assistant, ag, model)
		if err := proc.run(events); err != nil {
			return assistant, err
		}
		e.sessions.Touch(context.WithoutCancel(ctx), sessionID)

		switch assistant.Finish {
		case types.FinishToolCalls, types.FinishUnknown:
			if isLastStep {
				return assistant, nil
			}
			continue
		default:
			return assistant, nil
		}
	}
}

// stream invokes the model, retrying retryable provider failures with
// exponential backoff up to maxRetries.
func (e *Engine) stream(ctx context.Context, lm provider.LanguageModel, providerID string, req provider.Request) (<-chan provider.StreamEvent, error) {
	var events <-chan provider.StreamEvent
	attempts := 0

	op := func() error {
		ch, err := lm.Stream(ctx, req)
		if err == nil {
			events = ch
			return nil
		}
		attempts++
		if attempts > e.maxRetries || !retryable(provider.Translate(err, providerID)) {
			return backoff.Permanent(err)
		}
		log.Warn().Err(err).Int("attempt", attempts).Msg("retrying model request")
		return err
	}

	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return events, nil
}

func retryable(sessionErr *types.SessionError) bool {
	if sessionErr.Name != types.ErrNameAPI {
		return false
	}
	v, _ := sessionErr.Data["isRetryable"].(bool)
	return v
}

// failTurn records an unstartable step as an error-finalized assistant
// message so the failure is visible in the transcript.
func (e *Engine) failTurn(ctx context.Context, sessionID string, lastUser *types.UserMessage, ag *agent.Agent, sessionErr *types.SessionError) (*types.AssistantMessage, error) {
	now := time.Now().UnixMilli()
	agentName := lastUser.Agent
	if ag != nil {
		agentName = ag.Name
	}

	assistant := &types.AssistantMessage{
		ID:         id.Ascending(id.Message),
		SessionID:  sessionID,
		Role:       "assistant",
		Time:       types.AssistantTime{Created: now, Completed: &now},
		ParentID:   lastUser.ID,
		ModelID:    lastUser.Model.ModelID,
		ProviderID: lastUser.Model.ProviderID,
		Agent:      agentName,
		Path:       types.MessagePath{Cwd: e.directory, Root: e.directory},
		Finish:     types.FinishError,
		Error:      sessionErr,
	}
	if err := e.messages.UpdateMessage(context.WithoutCancel(ctx), assistant); err != nil {
		return nil, err
	}
	e.bus.Publish(bus.SessionError, bus.SessionErrorData{SessionID: sessionID, Error: sessionErr})
	return assistant, nil
}

// done reports whether the turn has terminated: the newest assistant message
// was produced for the newest user message and finished for a reason that
// does not continue the loop.
func done(lastUser *types.UserMessage, lastAssistant *types.AssistantMessage) bool {
	if lastAssistant == nil || lastAssistant.Finish == "" {
		return false
	}
	if lastAssistant.Finish == types.FinishToolCalls || lastAssistant.Finish == types.FinishUnknown {
		return false
	}
	return lastUser.ID < lastAssistant.ID
}

func lastMessages(msgs []types.MessageWithParts) (*types.UserMessage, *types.AssistantMessage) {
	var lastUser *types.UserMessage
	var lastAssistant *types.AssistantMessage
	for _, m := range msgs {
		switch info := m.Info.(type) {
		case *types.UserMessage:
			lastUser = info
		case *types.AssistantMessage:
			lastAssistant = info
		}
	}
	return lastUser, lastAssistant
}

// resolveTools computes the tool set for one step: the registry's tools for
// this model, minus tools the agent or the user's per-turn overlay disables,
// minus tools whose ruleset denies their permission outright.
func (e *Engine) resolveTools(ag *agent.Agent, lastUser *types.UserMessage, sess *types.Session, modelID string) []tool.Tool {
	ruleset := append(append([]types.PermissionRule{}, ag.Permission...), sess.Permission...)
	ruleset = append(ruleset, e.permissions.Approved()...)

	var out []tool.Tool
	for _, t := range e.tools.ForModel(modelID) {
		if !ag.ToolEnabled(t.ID()) {
			continue
		}
		if enabled, ok := lastUser.Tools[t.ID()]; ok && !enabled {
			continue
		}
		if action, _ := permission.Evaluate(ruleset, t.ID(), "*"); action == types.ActionDeny {
			continue
		}
		out = append(out, t)
	}
	return out
}

// systemPrompt assembles the step's system segments in order: agent prompt,
// environment description, per-message system text.
func systemPrompt(ag *agent.Agent, lastUser *types.UserMessage, directory string) []string {
	var out []string
	if ag.Prompt != "" {
		out = append(out, ag.Prompt)
	}
	out = append(out, environmentPrompt(directory))
	if lastUser.System != "" {
		out = append(out, lastUser.System)
	}
	return out
}
