// Package presence tracks which agents are online on each project
// channel.
//
// The transport's presence events are treated as change signals only:
// every event triggers a full re-query of the channel's member list, so
// the registry converges to the true roster even when individual events
// are lost or arrive out of order. All presence operations are
// best-effort; a channel with a stale roster still routes messages.
package presence
