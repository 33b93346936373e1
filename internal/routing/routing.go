// ABOUTME: Decides whether an agent should respond to an inbound channel event.
// ABOUTME: Applies depth ceiling, chain dedup, and the two-tier mention policy.

package routing

import (
	"strings"

	"github.com/jaibber/agent-sdk/internal/mention"
)

// DefaultMaxDepth is the ceiling on agent-to-agent response chains.
const DefaultMaxDepth = 3

// Engine makes respond/no-respond decisions for one agent identity.
// It is a pure decision component over already-validated inputs and has
// no failure mode.
type Engine struct {
	agentName string // as registered, original casing
	normal    string // lowercase routing key
	maxDepth  int
}

// NewEngine creates an Engine for the given agent name. maxDepth <= 0
// selects DefaultMaxDepth.
func NewEngine(agentName string, maxDepth int) *Engine {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Engine{
		agentName: agentName,
		normal:    strings.ToLower(agentName),
		maxDepth:  maxDepth,
	}
}

// ShouldRespond decides whether this agent responds to a human-authored
// message. The checks short-circuit in an order that matters for
// correctness, not just speed:
//
//  1. Depth ceiling: hard stop on agent-to-agent recursion regardless
//     of mention content.
//  2. Chain dedup: one response per agent per causal chain, even if
//     re-mentioned.
//  3. Directed-elsewhere: a message that mentions other agents but not
//     this one is not for us. A message with no mentions at all is a
//     broadcast and qualifies.
func (e *Engine) ShouldRespond(text string, depth int, chain []string) bool {
	if depth >= e.maxDepth {
		return false
	}
	for _, name := range chain {
		if strings.ToLower(name) == e.normal {
			return false
		}
	}
	if len(mention.Parse(text)) > 0 && !mention.Mentions(text, e.agentName) {
		return false
	}
	return true
}

// ShouldRespondToAgent decides whether this agent responds to another
// agent's response re-entering the channel. Agent-authored text never
// qualifies as a broadcast: an explicit mention of this agent is
// required before the shared checks even run. Humans can open a
// conversation without naming anyone; agents must hand off explicitly,
// which keeps agent-to-agent echo storms impossible.
func (e *Engine) ShouldRespondToAgent(text string, depth int, chain []string) bool {
	if !mention.Mentions(text, e.agentName) {
		return false
	}
	return e.ShouldRespond(text, depth, chain)
}

// MaxDepth returns the configured chain ceiling.
func (e *Engine) MaxDepth() int { return e.maxDepth }

// NormalizedName returns the agent's lowercase routing key, the form
// that appears in responding chains.
func (e *Engine) NormalizedName() string { return e.normal }
