// Package api implements the JSON control surface of the rebroadcast
// dashboard: session lifecycle endpoints, merged status reads, the event
// stream, and the OAuth linkage flow.
package api
