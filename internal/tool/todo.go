package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kiln-ai/kiln/internal/storage"
)

// Todo is one task-list entry persisted per session under todo/{sessionID}.
type Todo struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Status  string `json:"status"` // pending | in_progress | completed
}

type todoReadTool struct {
	storage *storage.Storage
}

// NewTodoRead creates the tool that returns the session's task list.
func NewTodoRead(st *storage.Storage) Tool {
	return &todoReadTool{storage: st}
}

func (t *todoReadTool) ID() string { return "todoread" }

func (t *todoReadTool) Description() string {
	return "Read the current session's todo list."
}

func (t *todoReadTool) Parameters() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (t *todoReadTool) Execute(ctx context.Context, input map[string]any, call *Context) (*Result, error) {
	todos, err := readTodos(ctx, t.storage, call.SessionID)
	if err != nil {
		return nil, err
	}

	output, err := json.MarshalIndent(todos, "", "  ")
	if err != nil {
		return nil, err
	}
	return &Result{
		Title:    fmt.Sprintf("%d todos", len(todos)),
		Output:   string(output),
		Metadata: map[string]any{"count": len(todos)},
	}, nil
}

type todoWriteTool struct {
	storage *storage.Storage
}

// NewTodoWrite creates the tool that replaces the session's task list.
func NewTodoWrite(st *storage.Storage) Tool {
	return &todoWriteTool{storage: st}
}

func (t *todoWriteTool) ID() string { return "todowrite" }

func (t *todoWriteTool) Description() string {
	return "Replace the current session's todo list. Use to track multi-step work."
}

func (t *todoWriteTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"todos": {
				"type": "array",
				"description": "The full todo list; replaces the previous one",
				"items": {"type": "object"}
			}
		},
		"required": ["todos"]
	}`)
}

func (t *todoWriteTool) Execute(ctx context.Context, input map[string]any, call *Context) (*Result, error) {
	raw, err := json.Marshal(input["todos"])
	if err != nil {
		return nil, err
	}
	var todos []Todo
	if err := json.Unmarshal(raw, &todos); err != nil {
		return nil, fmt.Errorf("invalid todos: %w", err)
	}
	for i := range todos {
		if todos[i].ID == "" {
			todos[i].ID = fmt.Sprintf("%d", i+1)
		}
		if todos[i].Status == "" {
			todos[i].Status = "pending"
		}
	}

	if err := t.storage.Put(ctx, []string{"todo", call.SessionID}, todos); err != nil {
		return nil, err
	}

	remaining := 0
	for _, todo := range todos {
		if todo.Status != "completed" {
			remaining++
		}
	}
	return &Result{
		Title:    fmt.Sprintf("%d todos (%d open)", len(todos), remaining),
		Output:   fmt.Sprintf("Recorded %d todos", len(todos)),
		Metadata: map[string]any{"todos": todos},
	}, nil
}

func readTodos(ctx context.Context, st *storage.Storage, sessionID string) ([]Todo, error) {
	var todos []Todo
	err := st.Get(ctx, []string{"todo", sessionID}, &todos)
	if err != nil && err != storage.ErrNotFound {
		return nil, err
	}
	if todos == nil {
		todos = []Todo{}
	}
	return todos, nil
}
