// Package kvstore keeps per-device metadata in a bbolt file.
//
// Records are small JSON documents keyed by device id in a single bucket.
// They survive restarts so the dashboard can show when a device was last
// heard from and what it last did before the first live message arrives.
//
// Usage:
//
//	store, err := kvstore.Open(cfg.Store)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	err = store.TouchLastSeen("rtr-001", time.Now())
package kvstore
