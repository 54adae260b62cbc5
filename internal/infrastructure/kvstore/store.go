package kvstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/nerrad567/routerwatch-core/internal/infrastructure/config"
)

const openTimeout = 5 * time.Second

var bucketDevices = []byte("devices")

// ErrNotFound is returned when a device has no stored metadata.
var ErrNotFound = errors.New("kvstore: not found")

// DeviceMeta is the persisted summary of one device.
type DeviceMeta struct {
	DeviceID           string     `json:"device_id"`
	LastSeen           *time.Time `json:"last_seen,omitempty"`
	LastAction         string     `json:"last_action,omitempty"`
	LastActionTime     *time.Time `json:"last_action_time,omitempty"`
	SchedulesClearedAt *time.Time `json:"schedules_cleared_at,omitempty"`
}

// Store is a bbolt-backed device metadata store.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the store file and its bucket.
func Open(cfg config.StoreConfig) (*Store, error) {
	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening bolt store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDevices)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the metadata of one device.
func (s *Store) Get(deviceID string) (DeviceMeta, error) {
	var meta DeviceMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDevices).Get([]byte(deviceID))
		if data == nil {
			return fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
		}
		return json.Unmarshal(data, &meta)
	})
	if err != nil {
		return DeviceMeta{}, err
	}
	return meta, nil
}

// List returns every stored record in device id order.
func (s *Store) List() ([]DeviceMeta, error) {
	var out []DeviceMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		out = make([]DeviceMeta, 0, b.Stats().KeyN)
		return b.ForEach(func(_, v []byte) error {
			var meta DeviceMeta
			if err := json.Unmarshal(v, &meta); err != nil {
				return err
			}
			out = append(out, meta)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing device metadata: %w", err)
	}
	return out, nil
}

// Update reads, modifies and writes one record in a single transaction. A
// missing record starts empty.
func (s *Store) Update(deviceID string, fn func(meta *DeviceMeta) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		meta := DeviceMeta{DeviceID: deviceID}
		if data := b.Get([]byte(deviceID)); data != nil {
			if err := json.Unmarshal(data, &meta); err != nil {
				return fmt.Errorf("decoding %s: %w", deviceID, err)
			}
		}
		if err := fn(&meta); err != nil {
			return err
		}
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return b.Put([]byte(deviceID), data)
	})
}

// TouchLastSeen records t as the last time the device was heard from. Older
// values never overwrite newer ones.
func (s *Store) TouchLastSeen(deviceID string, t time.Time) error {
	return s.Update(deviceID, func(meta *DeviceMeta) error {
		if meta.LastSeen == nil || t.After(*meta.LastSeen) {
			meta.LastSeen = &t
		}
		return nil
	})
}

// RecordAction stores the most recent discrete action.
func (s *Store) RecordAction(deviceID, action string, t time.Time) error {
	return s.Update(deviceID, func(meta *DeviceMeta) error {
		if meta.LastActionTime != nil && t.Before(*meta.LastActionTime) {
			return nil
		}
		meta.LastAction = action
		meta.LastActionTime = &t
		return nil
	})
}

// MarkSchedulesCleared records that the device confirmed an empty schedule.
func (s *Store) MarkSchedulesCleared(deviceID string, t time.Time) error {
	return s.Update(deviceID, func(meta *DeviceMeta) error {
		meta.SchedulesClearedAt = &t
		return nil
	})
}

// Delete removes a device's metadata. Deleting a missing record is not an
// error.
func (s *Store) Delete(deviceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).Delete([]byte(deviceID))
	})
}
