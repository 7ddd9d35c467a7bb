// Package testutil provides shared helpers for tests across the project.
package testutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/railguard/railguard/llm"
)

// TestContext returns a context with a 30s timeout, cancelled on cleanup.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestContextWithTimeout returns a context with a custom timeout.
func TestContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// CancelledContext returns an already cancelled context.
func CancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// UserMessage builds a single-turn user conversation.
func UserMessage(content string) []llm.Message {
	return []llm.Message{{Role: llm.RoleUser, Content: content}}
}

// MustJSON marshals v or panics. Test construction only.
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// CollectDeltas drains a delta channel and returns the concatenated content.
func CollectDeltas(ch <-chan llm.Delta) (string, error) {
	var out string
	for d := range ch {
		if d.Err != nil {
			return out, d.Err
		}
		out += d.Content
	}
	return out, nil
}

// WaitFor polls condition every 10ms until it is true or timeout elapses.
func WaitFor(condition func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return condition()
}
