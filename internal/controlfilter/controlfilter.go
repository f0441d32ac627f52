// Package controlfilter strips inline ---NAME_START---...---NAME_END---
// control blocks from a stream of assistant text chunks before they reach a
// caller, surviving marker tokens split across chunk boundaries. There is
// no teacher precedent for this exact filter; its incremental-buffer,
// emit-only-what-can-no-longer-change shape follows the same "hold back an
// undecided tail, flush on finalize" discipline the corpus uses for partial
// wire reads (cf. the frame codec's own unknown-shape handling).
package controlfilter

import (
	"encoding/json"
	"strings"
)

// markerNames is the closed set of recognized control block names.
var markerNames = []string{"COMPLETE_TASK", "REQUEST_CLARIFICATION", "GENERATED_ARTIFACT"}

func startToken(name string) string { return "---" + name + "_START---" }
func endToken(name string) string   { return "---" + name + "_END---" }

// Filter is a stateful text filter; Consume may be called repeatedly with
// arbitrary chunk boundaries, and Finalize must be called exactly once when
// the stream ends to flush any undecided tail.
type Filter struct {
	buf    strings.Builder
	inside string // marker name currently open, "" when outside any block
}

// New constructs an empty Filter.
func New() *Filter {
	return &Filter{}
}

// Reset discards any buffered, undecided text and closes any open block.
// Callers must reset a Filter whenever the text stream it was consuming is
// invalidated out from under it — e.g. a non-prefix rewrite replaces
// everything observed so far, so a marker half-open in the old text can no
// longer be resolved against the new one.
func (f *Filter) Reset() {
	f.buf.Reset()
	f.inside = ""
}

// Consume filters one chunk and returns the portion of output that is now
// safe to emit. Text that might still be a marker prefix is held internally
// until a later Consume call resolves it or Finalize flushes it.
func (f *Filter) Consume(chunk string) string {
	buf := f.buf.String() + chunk
	f.buf.Reset()

	var out strings.Builder
	for {
		if f.inside != "" {
			end := endToken(f.inside)
			idx := strings.Index(buf, end)
			if idx < 0 {
				break // block content so far is swallowed; wait for the rest
			}
			blockContent := buf[:idx]
			buf = buf[idx+len(end):]
			buf = strings.TrimPrefix(buf, "\n")

			if f.inside == "COMPLETE_TASK" {
				if artifact := extractArtifact(blockContent); artifact != "" {
					out.WriteString(artifact)
				}
			}
			f.inside = ""
			continue
		}

		idx := strings.Index(buf, "---")
		if idx < 0 {
			hold := trailingDashRun(buf)
			out.WriteString(buf[:len(buf)-hold])
			buf = buf[len(buf)-hold:]
			break
		}

		candidate := buf[idx:]
		if name, tokenLen, ok := matchStartToken(candidate); ok {
			out.WriteString(trimTrailingBlankLine(buf[:idx]))
			buf = candidate[tokenLen:]
			buf = strings.TrimPrefix(buf, "\n")
			f.inside = name
			continue
		}
		if couldBeStartPrefix(candidate) {
			out.WriteString(buf[:idx])
			buf = candidate
			break
		}

		// "---" that can never become a marker: literal text.
		out.WriteString(buf[:idx+3])
		buf = buf[idx+3:]
	}

	f.buf.WriteString(buf)
	return out.String()
}

// Finalize flushes any buffered tail now that no further input will arrive.
// A still-open block (one whose END marker never showed up) is dropped
// silently, consistent with "between markers the contents are swallowed".
func (f *Filter) Finalize() string {
	if f.inside != "" {
		f.inside = ""
		f.buf.Reset()
		return ""
	}
	tail := f.buf.String()
	f.buf.Reset()
	return tail
}

// matchStartToken reports whether candidate begins with a complete start
// token, and if so which marker name and how many bytes the token occupies.
func matchStartToken(candidate string) (name string, tokenLen int, ok bool) {
	for _, n := range markerNames {
		tok := startToken(n)
		if strings.HasPrefix(candidate, tok) {
			return n, len(tok), true
		}
	}
	return "", 0, false
}

// couldBeStartPrefix reports whether candidate is a proper prefix of some
// start token — i.e. more input could still complete it into a marker.
func couldBeStartPrefix(candidate string) bool {
	for _, n := range markerNames {
		tok := startToken(n)
		if len(candidate) < len(tok) && strings.HasPrefix(tok, candidate) {
			return true
		}
	}
	return false
}

// trailingDashRun returns the length of the longest suffix of s consisting
// solely of '-' characters, up to 2 (a run of 3 would already have matched
// "---" above). That suffix might still grow into a marker start.
func trailingDashRun(s string) int {
	n := 0
	for n < 2 && n < len(s) && s[len(s)-1-n] == '-' {
		n++
	}
	return n
}

// trimTrailingBlankLine swallows one blank line immediately preceding a
// control block, so filtering a marker doesn't leave a stray empty line.
func trimTrailingBlankLine(s string) string {
	if strings.HasSuffix(s, "\n\n") {
		return s[:len(s)-1]
	}
	return s
}

// extractArtifact parses a COMPLETE_TASK block's JSON body and returns its
// "artifact" field, promoting it into the visible text stream. Malformed or
// artifact-less bodies promote nothing.
func extractArtifact(blockJSON string) string {
	var body struct {
		Artifact string `json:"artifact"`
	}
	if err := json.Unmarshal([]byte(blockJSON), &body); err != nil {
		return ""
	}
	return body.Artifact
}
