// Package telemetry turns raw device messages into signals the fleet
// reconciler can act on.
//
// Everything here is pure: no I/O, no timers, no shared state. The receipt
// time is passed in so the same (topic, payload, retained, now) always
// yields the same Signal and Classification.
//
// Device firmware reports in several dialects:
//
//	reset_done|1764448611
//	"online"
//	{"status":"online","ts":1700000000,"uptime":3600}
//
// Normalize cleans the payload, derives an event time and extracts keyword
// text. Classify maps that text to a discrete Action and liveness flags.
package telemetry
