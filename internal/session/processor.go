package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kiln-ai/kiln/internal/agent"
	"github.com/kiln-ai/kiln/internal/bus"
	"github.com/kiln-ai/kiln/internal/id"
	"github.com/kiln-ai/kiln/internal/permission"
	"github.com/kiln-ai/kiln/internal/provider"
	"github.com/kiln-ai/kiln/internal/question"
	"github.com/kiln-ai/kiln/internal/tool"
	"github.com/kiln-ai/kiln/pkg/types"
)

// partFlushInterval throttles streaming part writes. The first delta of a
// block always flushes immediately.
const partFlushInterval = 50 * time.Millisecond

// interrupted is the terminal error set on tool parts cut off by abort.
const interrupted = "interrupted"

// processor consumes one model step's event stream and materializes parts on
// the target assistant message. It runs on the engine goroutine; events are
// handled strictly in arrival order and tool calls execute sequentially.
type processor struct {
	engine    *Engine
	ctx       context.Context
	sessionID string
	assistant *types.AssistantMessage
	agent     *agent.Agent
	model     *types.Model
	ruleset   []types.PermissionRule

	// Text and reasoning blocks may interleave within one step, so each open
	// block carries its own unflushed delta and flush clock.
	text        *types.TextPart
	textPending string
	textFlush   time.Time

	reasoning        *types.ReasoningPart
	reasoningPending string
	reasoningFlush   time.Time

	calls map[string]*types.ToolPart
	raw   map[string]string
}

func newProcessor(e *Engine, ctx context.Context, sess *types.Session, assistant *types.AssistantMessage, ag *agent.Agent, model *types.Model) *processor {
	// Session rules come after the agent's so they win under last-match.
	ruleset := append(append([]types.PermissionRule{}, ag.Permission...), sess.Permission...)
	return &processor{
		engine:    e,
		ctx:       ctx,
		sessionID: sess.ID,
		assistant: assistant,
		agent:     ag,
		model:     model,
		ruleset:   ruleset,
		calls:     make(map[string]*types.ToolPart),
		raw:       make(map[string]string),
	}
}

// run drains the event stream and finalizes the assistant message. The
// returned error is a storage failure; model-level failures land on
// assistant.Error instead.
func (p *processor) run(events <-chan provider.StreamEvent) error {
	for ev := range events {
		var err error
		switch ev := ev.(type) {
		case provider.TextStart:
			err = p.openText()
		case provider.TextDelta:
			err = p.appendText(ev.Delta)
		case provider.TextEnd:
			err = p.closeText(ev.Text, ev.Metadata)
		case provider.ReasoningStart:
			err = p.openReasoning()
		case provider.ReasoningDelta:
			err = p.appendReasoning(ev.Delta)
		case provider.ReasoningEnd:
			err = p.closeReasoning(ev.Text, ev.Metadata)
		case provider.ToolCallStart:
			err = p.openCall(ev.ToolCallID, ev.ToolName)
		case provider.ToolCallDelta:
			err = p.appendCall(ev.ToolCallID, ev.ArgsDelta)
		case provider.ToolCall:
			err = p.dispatch(ev)
		case provider.StepFinish:
			p.assistant.Tokens.Add(ev.Usage)
			p.assistant.Cost += p.model.Cost.Price(ev.Usage)
			p.assistant.Finish = ev.Reason
			if ev.Reason == types.FinishLength && p.assistant.Error == nil {
				p.assistant.Error = types.NewOutputLengthError()
			}
		case provider.StreamError:
			p.fail(ev.Cause)
		}
		if err != nil {
			return err
		}
	}
	return p.finalize()
}

// fail records a translated stream failure on the assistant message.
func (p *processor) fail(cause error) {
	sessionErr := provider.Translate(cause, p.assistant.ProviderID)
	p.assistant.Error = sessionErr
	if sessionErr.Name == types.ErrNameAborted {
		p.assistant.Finish = types.FinishAbort
		return
	}
	p.assistant.Finish = types.FinishError
	p.engine.bus.Publish(bus.SessionError, bus.SessionErrorData{
		SessionID: p.sessionID,
		Error:     sessionErr,
	})
}

// finalize closes dangling blocks, applies abort semantics and publishes the
// assistant message's terminal update.
func (p *processor) finalize() error {
	if p.text != nil {
		if err := p.closeText(p.text.Text, nil); err != nil {
			return err
		}
	}
	if p.reasoning != nil {
		if err := p.closeReasoning(p.reasoning.Text, nil); err != nil {
			return err
		}
	}

	aborted := p.ctx.Err() != nil
	if aborted {
		p.assistant.Finish = types.FinishAbort
		if p.assistant.Error == nil {
			p.assistant.Error = types.NewAbortedError()
		}
	}

	// Abort leaves tool calls mid-flight; they finalize as interrupted and
	// are never re-executed.
	for _, part := range p.calls {
		if terminalTool(part.State) {
			continue
		}
		now := time.Now().UnixMilli()
		part.State = types.ToolStateError{
			Input: toolInput(part.State),
			Error: interrupted,
			Time:  types.PartTime{Start: now, End: &now},
		}
		if err := p.updatePart(part); err != nil {
			return err
		}
	}

	now := time.Now().UnixMilli()
	p.assistant.Time.Completed = &now
	return p.engine.messages.UpdateMessage(context.WithoutCancel(p.ctx), p.assistant)
}

func (p *processor) openText() error {
	part := &types.TextPart{
		ID:        id.Ascending(id.Part),
		SessionID: p.sessionID,
		MessageID: p.assistant.ID,
		Type:      "text",
		Time:      &types.PartTime{Start: time.Now().UnixMilli()},
	}
	p.text = part
	p.textPending = ""
	p.textFlush = time.Time{}
	return p.updatePart(part)
}

func (p *processor) appendText(delta string) error {
	if p.text == nil {
		if err := p.openText(); err != nil {
			return err
		}
	}
	p.text.Text += delta
	p.textPending += delta
	if time.Since(p.textFlush) < partFlushInterval {
		return nil
	}
	return p.flushText()
}

func (p *processor) flushText() error {
	delta := p.textPending
	p.textPending = ""
	p.textFlush = time.Now()
	return p.updatePartDelta(p.text, delta)
}

func (p *processor) closeText(text string, metadata map[string]any) error {
	if p.text == nil {
		return nil
	}
	part := p.text
	p.text = nil

	part.Text = text
	part.Metadata = metadata
	end := time.Now().UnixMilli()
	part.Time.End = &end
	delta := p.textPending
	p.textPending = ""
	return p.updatePartDelta(part, delta)
}

func (p *processor) openReasoning() error {
	part := &types.ReasoningPart{
		ID:        id.Ascending(id.Part),
		SessionID: p.sessionID,
		MessageID: p.assistant.ID,
		Type:      "reasoning",
		Time:      types.PartTime{Start: time.Now().UnixMilli()},
	}
	p.reasoning = part
	p.reasoningPending = ""
	p.reasoningFlush = time.Time{}
	return p.updatePart(part)
}

func (p *processor) appendReasoning(delta string) error {
	if p.reasoning == nil {
		if err := p.openReasoning(); err != nil {
			return err
		}
	}
	p.reasoning.Text += delta
	p.reasoningPending += delta
	if time.Since(p.reasoningFlush) < partFlushInterval {
		return nil
	}
	delta = p.reasoningPending
	p.reasoningPending = ""
	p.reasoningFlush = time.Now()
	return p.updatePartDelta(p.reasoning, delta)
}

func (p *processor) closeReasoning(text string, metadata map[string]any) error {
	if p.reasoning == nil {
		return nil
	}
	part := p.reasoning
	p.reasoning = nil

	part.Text = text
	part.Metadata = metadata
	end := time.Now().UnixMilli()
	part.Time.End = &end
	delta := p.reasoningPending
	p.reasoningPending = ""
	return p.updatePartDelta(part, delta)
}

func (p *processor) openCall(callID, toolName string) error {
	part := &types.ToolPart{
		ID:        id.Ascending(id.Part),
		SessionID: p.sessionID,
		MessageID: p.assistant.ID,
		Type:      "tool",
		CallID:    callID,
		Tool:      toolName,
		State:     types.ToolStatePending{},
	}
	p.calls[callID] = part
	return p.updatePart(part)
}

func (p *processor) appendCall(callID, argsDelta string) error {
	part, ok := p.calls[callID]
	if !ok {
		return nil
	}
	p.raw[callID] += argsDelta

	// Best-effort partial parse so the UI can preview the input.
	state := types.ToolStatePending{Raw: p.raw[callID]}
	var input map[string]any
	if json.Unmarshal([]byte(p.raw[callID]), &input) == nil {
		state.Input = input
	}
	part.State = state
	return p.updatePart(part)
}

// dispatch finalizes a tool call's input and executes it. Unknown tool names
// are repaired by case or routed to the invalid sentinel so the model always
// gets a result for every call it made.
func (p *processor) dispatch(ev provider.ToolCall) error {
	part, ok := p.calls[ev.ToolCallID]
	if !ok {
		if err := p.openCall(ev.ToolCallID, ev.ToolName); err != nil {
			return err
		}
		part = p.calls[ev.ToolCallID]
	}

	input := map[string]any{}
	if ev.Args != "" {
		if err := json.Unmarshal([]byte(ev.Args), &input); err != nil {
			log.Warn().Str("tool", ev.ToolName).Err(err).Msg("tool input is not valid JSON")
		}
	}

	impl, canonical, found := p.engine.tools.Resolve(part.Tool)
	if found {
		part.Tool = canonical
	} else {
		impl = tool.NewInvalid()
		input = map[string]any{"tool": part.Tool, "error": "tool not found"}
	}
	if found && !p.agent.ToolEnabled(canonical) {
		impl = tool.NewInvalid()
		input = map[string]any{"tool": canonical, "error": "tool not available to this agent"}
	}

	start := time.Now().UnixMilli()
	part.State = types.ToolStateRunning{Input: input, Time: types.PartTime{Start: start}}
	if err := p.updatePart(part); err != nil {
		return err
	}

	result, execErr := impl.Execute(p.ctx, input, p.toolContext(part, input, start))

	end := time.Now().UnixMilli()
	switch {
	case execErr != nil && p.ctx.Err() != nil:
		part.State = types.ToolStateError{
			Input: input,
			Error: interrupted,
			Time:  types.PartTime{Start: start, End: &end},
		}
	case execErr != nil:
		part.State = types.ToolStateError{
			Input: input,
			Error: execErr.Error(),
			Time:  types.PartTime{Start: start, End: &end},
		}
	default:
		part.State = types.ToolStateCompleted{
			Input:    input,
			Output:   result.Output,
			Title:    result.Title,
			Metadata: result.Metadata,
			Time:     types.PartTime{Start: start, End: &end},
		}
	}
	if err := p.updatePart(part); err != nil {
		return err
	}

	if execErr == nil {
		for _, att := range result.Attachments {
			file := &types.FilePart{
				ID:        id.Ascending(id.Part),
				SessionID: p.sessionID,
				MessageID: p.assistant.ID,
				Type:      "file",
				Mime:      att.Mime,
				Filename:  att.Filename,
				URL:       att.URL,
			}
			if err := p.updatePart(file); err != nil {
				return err
			}
		}
	}
	return nil
}

// toolContext builds the per-call environment handed to Execute.
func (p *processor) toolContext(part *types.ToolPart, input map[string]any, start int64) *tool.Context {
	return &tool.Context{
		SessionID: p.sessionID,
		MessageID: p.assistant.ID,
		CallID:    part.CallID,
		Agent:     p.agent.Name,
		Metadata: func(title string, metadata map[string]any) {
			part.State = types.ToolStateRunning{
				Input:    input,
				Title:    title,
				Metadata: metadata,
				Time:     types.PartTime{Start: start},
			}
			if err := p.updatePart(part); err != nil {
				log.Warn().Err(err).Str("tool", part.Tool).Msg("failed to persist tool metadata")
			}
		},
		Ask: func(ctx context.Context, req tool.AskRequest) error {
			return p.engine.permissions.Ask(ctx, permission.AskInput{
				SessionID:  p.sessionID,
				Permission: req.Permission,
				Patterns:   req.Patterns,
				Always:     req.Always,
				Metadata:   req.Metadata,
				Tool:       part.Tool,
				Ruleset:    p.ruleset,
				NoCascade:  p.agent.NoCascade,
			})
		},
		Question: func(ctx context.Context, questions []question.Info) ([][]string, error) {
			return p.engine.questions.Ask(ctx, p.sessionID, part.Tool, questions)
		},
		Messages: func(ctx context.Context) ([]types.MessageWithParts, error) {
			return p.engine.messages.List(ctx, p.sessionID, 0)
		},
	}
}

// updatePart writes through a non-cancelled context so abort-time finalization
// still persists.
func (p *processor) updatePart(part types.Part) error {
	return p.engine.messages.UpdatePart(context.WithoutCancel(p.ctx), part)
}

func (p *processor) updatePartDelta(part types.Part, delta string) error {
	return p.engine.messages.UpdatePartDelta(context.WithoutCancel(p.ctx), part, delta)
}

func terminalTool(state types.ToolState) bool {
	switch state.Status() {
	case types.ToolCompleted, types.ToolError:
		return true
	}
	return false
}

func toolInput(state types.ToolState) map[string]any {
	switch s := state.(type) {
	case types.ToolStatePending:
		return s.Input
	case types.ToolStateRunning:
		return s.Input
	}
	return nil
}
