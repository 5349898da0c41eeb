package delivery

import (
	"strings"

	"courier/internal/term"
)

// EchoPolicy selects how much confirmation injection needs. Optimistic
// profiles treat a successful PTY write as delivered; strict profiles
// wait for a verification channel.
type EchoPolicy string

const (
	EchoStrict     EchoPolicy = "strict"
	EchoOptimistic EchoPolicy = "optimistic"
)

// EchoResult is the echo channel's verdict for one delivery.
type EchoResult int

const (
	// EchoNoMatch: nothing yet, keep watching.
	EchoNoMatch EchoResult = iota
	// EchoMatched: the payload appeared in the child's output.
	EchoMatched
	// EchoInconclusive: the window was overwritten before a match;
	// other channels or the timeout decide the outcome.
	EchoInconclusive
)

const defaultBodyWords = 8

// EchoMatcher decides whether injected content shows up in the wrapped
// program's own output.
type EchoMatcher struct {
	// BodyWords caps how many leading body words phase two checks.
	BodyWords int
}

// Match runs the two-phase check against the session's echo window.
//
// Phase one searches for the unique delivery token in output produced
// after the injection offset. Phase two confirms the sender name and at
// least half of the leading body words appear, in any order, tolerating
// line wrapping and reformatting.
func (m *EchoMatcher) Match(win *term.EchoWindow, d *PendingDelivery) EchoResult {
	if win == nil || d == nil {
		return EchoNoMatch
	}

	snap := win.Snapshot()
	start := win.EndOffset() - int64(len(snap))

	evicted := start > d.EchoOffset
	tail := snap
	if !evicted {
		skip := d.EchoOffset - start
		if skip > 0 && skip <= int64(len(snap)) {
			tail = snap[skip:]
		}
	}

	haystack := normalizeForMatch(string(tail))
	if !strings.Contains(haystack, strings.ToLower(EchoToken(d.ID))) {
		if evicted {
			return EchoInconclusive
		}
		return EchoNoMatch
	}

	if m.matchBody(haystack, d) {
		return EchoMatched
	}
	if evicted {
		return EchoInconclusive
	}
	return EchoNoMatch
}

func (m *EchoMatcher) matchBody(haystack string, d *PendingDelivery) bool {
	words := m.BodyWords
	if words <= 0 {
		words = defaultBodyWords
	}

	tokens := []string{strings.ToLower(d.From)}
	for _, word := range strings.Fields(d.Body) {
		if len(tokens)-1 >= words {
			break
		}
		tokens = append(tokens, strings.ToLower(word))
	}

	matched := 0
	for _, token := range tokens {
		if token == "" {
			matched++
			continue
		}
		if strings.Contains(haystack, token) {
			matched++
		}
	}
	// At least half of sender + leading body words must survive
	// whatever reformatting the wrapped program applied.
	return matched*2 >= len(tokens)
}

// normalizeForMatch lowercases and collapses whitespace so matching
// survives line wrapping and terminal reformatting.
func normalizeForMatch(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
