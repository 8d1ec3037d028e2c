// Package agent implements the reasoning loop and its streaming protocol:
// a per-task event queue bridging one producer (the reasoning loop on its
// own goroutine) and one consumer (the response stream), plus the two
// tool-calling dialects the loop speaks depending on model capabilities.
package agent
