// Package textseg splits streamed response text into speakable units.
// Sentences are the unit of synthesis and of resumable playback.
package textseg

import (
	"strings"
)

// Terminal runes that end a sentence.
const sentenceEnders = ".!?"

// Run-on sentences longer than this are split again on commas so a single
// unbroken clause cannot stall the speech pipeline.
const runOnThreshold = 100

// SplitSentences breaks text into trimmed sentence-sized segments. A single
// segment longer than runOnThreshold with no sentence punctuation is split
// on commas instead.
func SplitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var segments []string
	var cur strings.Builder
	runes := []rune(text)
	for i, r := range runes {
		cur.WriteRune(r)
		if strings.ContainsRune(sentenceEnders, r) {
			// Swallow consecutive terminators ("..." , "?!").
			if i+1 < len(runes) && strings.ContainsRune(sentenceEnders, runes[i+1]) {
				continue
			}
			seg := strings.TrimSpace(cur.String())
			if seg != "" {
				segments = append(segments, seg)
			}
			cur.Reset()
		}
	}
	if tail := strings.TrimSpace(cur.String()); tail != "" {
		segments = append(segments, tail)
	}

	if len(segments) == 1 && len(segments[0]) > runOnThreshold && strings.Contains(segments[0], ",") {
		return splitOnCommas(segments[0])
	}
	return segments
}

func splitOnCommas(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if i < len(parts)-1 {
			p += ","
		}
		out = append(out, p)
	}
	return out
}

// Splitter accumulates streamed text chunks and emits sentences as soon as
// they complete, so synthesis can begin before the full response arrives.
type Splitter struct {
	pending strings.Builder
}

// NewSplitter returns an empty streaming splitter.
func NewSplitter() *Splitter { return &Splitter{} }

// Feed appends a chunk and returns any sentences completed by it. Text after
// the last terminator stays buffered for the next chunk.
func (s *Splitter) Feed(chunk string) []string {
	s.pending.WriteString(chunk)
	buf := s.pending.String()

	last := strings.LastIndexAny(buf, sentenceEnders)
	if last < 0 {
		return nil
	}
	// Keep trailing terminators with the sentence they close.
	for last+1 < len(buf) && strings.ContainsRune(sentenceEnders, rune(buf[last+1])) {
		last++
	}

	complete := buf[:last+1]
	rest := buf[last+1:]
	s.pending.Reset()
	s.pending.WriteString(rest)
	return SplitSentences(complete)
}

// Pending reports whether an incomplete sentence is still buffered.
func (s *Splitter) Pending() bool {
	return strings.TrimSpace(s.pending.String()) != ""
}

// Flush returns any buffered partial sentence and clears the splitter.
// Called when the upstream text stream ends.
func (s *Splitter) Flush() string {
	tail := strings.TrimSpace(s.pending.String())
	s.pending.Reset()
	return tail
}
