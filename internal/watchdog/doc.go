// Package watchdog keeps one resettable liveness deadline per device.
//
// A Registry never changes device state itself. When a deadline passes it
// calls the expiry callback with the device id and the generation of the
// entry that fired; the owner turns that into an event on its own ordered
// stream and applies it only if Consume confirms the entry was not re-armed
// or disarmed in the meantime.
package watchdog
