// Package routing decides whether an agent responds to a channel event.
//
// The Engine evaluates three short-circuit conditions in order: the
// response-depth ceiling, responding-chain deduplication, and the
// mention check. The policy is two-tier: human-authored messages with no
// mentions are broadcasts every agent may answer, while agent-authored
// responses require an explicit mention of this agent
// (ShouldRespondToAgent). The two tiers are separate methods rather than
// a flag so the asymmetry stays visible at call sites.
package routing
