// Package history records derived device events.
//
// The Recorder is the fleet's event sink. Labelled events ("Rebooting",
// "Reboot Completed", "Powered off", "Powered ON") go to a capped SQLite
// log; last-seen, last-action and schedule-cleared markers go to the bbolt
// metadata store. Writes happen on the recorder's own goroutine so storage
// latency never stalls the fleet dispatcher, and storage failures are
// logged rather than returned.
//
// The log is deduplicated on (device id, timestamp, event type): a retained
// "last reboot" message replayed on every reconnect produces one row, not
// one per reconnect. After each new row the log is pruned to the newest
// entries.
package history
