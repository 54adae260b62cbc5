// Package fleet supervises device connections and reconciles their
// telemetry into one canonical state per device.
//
// Three owners, one stream:
//   - Supervisor owns the device id → connection map
//   - Reconciler owns DeviceState
//   - the watchdog Registry owns the liveness deadlines
//
// Service serialises everything that touches them (transport messages,
// connection lifecycle, watchdog expiries and desired-set changes) onto a
// single dispatch goroutine, so no DeviceState is ever mutated
// concurrently and a watchdog expiry can never interleave with a message
// for the same device. Events from a connection that has since been
// removed or replaced are dropped.
//
// Usage:
//
//	svc := fleet.New(dialer, recorder, fleet.Config{WatchdogTimeout: 70 * time.Second}, logger)
//	svc.Start(ctx)
//	defer svc.Close()
//
//	if _, err := svc.Reconcile(ctx, identities); err != nil {
//	    return err
//	}
//	err := svc.Commands().Reboot("rtr-001") // ErrCommandRejected if offline
package fleet
