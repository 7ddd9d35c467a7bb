// Package types defines shared types used across the railguard runtime:
// the unified error taxonomy and the message primitives exchanged between
// the guard engine, the LLM provider layer and the API surface.
package types
