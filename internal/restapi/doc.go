// Package restapi wraps the Jaibber server's REST surface: credential
// login (bearer JWT), project listing, message history and persistence,
// task status updates, and the short-lived transport token request.
//
// The client records the JWT's expiry claim at login so the runtime can
// re-authenticate before the token lapses. Message persistence is
// fire-and-forget at call sites: the published wire event is the
// canonical display record and a failed write degrades nothing.
package restapi
