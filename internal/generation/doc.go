// Package generation defines the boundary between task handlers and external
// AI/LLM services. Handlers depend on the Generator interface only; the
// Gemini implementation lives in internal/platform/gemini.
package generation
