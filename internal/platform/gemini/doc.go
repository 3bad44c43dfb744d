// Package gemini implements generation.Generator with Google's Gemini API
// through the google.golang.org/genai client.
//
// Transient API errors are retried in-process with exponential backoff and
// jitter; safety blocks and malformed responses are returned immediately so
// the task queue can fail the task instead of retrying it.
package gemini
