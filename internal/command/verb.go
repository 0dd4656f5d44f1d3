// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

// Package command defines the typed verbs the operator command front-end
// parses text into. The core only ever consumes a Verb; the regex-vs-LLM
// parsing mechanics that produce one live outside this package (spec §4.12
// scopes the front-end as an external, interface-only collaborator).
package command

// Verb is the closed set of operator intents the front-end can produce.
type Verb interface {
	isVerb()
}

// WorkOnIssue requests that the swarm pick up a specific issue number.
type WorkOnIssue struct {
	IssueNumber int
}

func (WorkOnIssue) isVerb() {}

// Status requests a status report, optionally scoped to one issue.
type Status struct {
	IssueNumber int // 0 means "all"
}

func (Status) isVerb() {}

// Stop requests that work on an issue be halted.
type Stop struct {
	IssueNumber int
}

func (Stop) isVerb() {}

// ListAgents requests the roster of active agents/nodes.
type ListAgents struct{}

func (ListAgents) isVerb() {}

// ParseResult is what a front-end implementation returns: either a Verb
// was recognized, or the text did not match any known command.
type ParseResult struct {
	Verb    Verb
	Matched bool
}

// Parser maps free text to a Verb. The regex fast path is expected to be
// total (always terminates without external calls); an LLM fallback is an
// optional collaborator consulted only when the fast path finds no match.
type Parser interface {
	Parse(text string) (ParseResult, error)
}

// LLMFallback is the optional collaborator consulted when the regex fast
// path yields no match. Implementations wrap a pluggable natural-language
// model; the core never depends on a concrete LLM client.
type LLMFallback interface {
	Parse(text string) (ParseResult, error)
}
