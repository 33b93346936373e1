// Package agent composes the SDK into a running agent.
//
// A Runtime owns one agent identity: it logs into the server, discovers
// its projects, connects the pub/sub transport, and attaches a message
// and a task handler to every project channel. Message handling applies
// echo suppression, replay dedupe, and the two-tier mention policy
// before a reply is ever generated; replies stream back through a
// response session. Task handling reacts to submitted tasks assigned to
// this agent by name.
//
// All handlers run on transport delivery goroutines and hand real work
// to their own goroutines, so a slow generation never stalls delivery.
package agent
