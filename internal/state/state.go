package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"pbrelay/pushbullet"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket     = []byte("app")
	devicesBucket = []byte("devices")

	cursorKey = []byte("push_cursor")
)

// State wraps a bbolt database holding the push-history cursor and the
// cached device catalog. The cursor bounds tickle backfill so restarting
// the process does not replay old pushes; the device cache lets the
// dispatcher name source devices while the REST API is unreachable.
type State struct {
	db *bolt.DB
}

// Open opens the state database at the given path, creating it and its
// parent directory if needed.
func Open(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(devicesBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Cursor returns the modified timestamp of the newest push already
// relayed, or 0 when no push has been seen yet.
func (s *State) Cursor() float64 {
	var cursor float64

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(cursorKey)
		if v == nil {
			return nil
		}

		parsed, err := strconv.ParseFloat(string(v), 64)
		if err != nil {
			return nil
		}
		cursor = parsed

		return nil
	})

	return cursor
}

// SetCursor advances the push-history cursor. Values at or below the
// stored cursor are ignored so out-of-order persistence cannot move it
// backwards.
func (s *State) SetCursor(modified float64) error {
	if math.IsNaN(modified) || modified <= 0 {
		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)

		if v := b.Get(cursorKey); v != nil {
			cur, err := strconv.ParseFloat(string(v), 64)
			if err == nil && modified <= cur {
				return nil
			}
		}

		return b.Put(cursorKey, []byte(strconv.FormatFloat(modified, 'f', -1, 64)))
	})
}

// SetDevices replaces the cached device catalog.
func (s *State) SetDevices(devices []pushbullet.Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(devicesBucket); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}

		b, err := tx.CreateBucket(devicesBucket)
		if err != nil {
			return err
		}

		for _, d := range devices {
			data, err := json.Marshal(d)
			if err != nil {
				return err
			}

			if err := b.Put([]byte(d.Iden), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// Device returns the cached device with the given iden, or nil when
// unknown.
func (s *State) Device(iden string) (*pushbullet.Device, error) {
	var device *pushbullet.Device

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(devicesBucket).Get([]byte(iden))
		if v == nil {
			return nil
		}

		var d pushbullet.Device
		if err := json.Unmarshal(v, &d); err != nil {
			return err
		}
		device = &d

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading device %s: %w", iden, err)
	}

	return device, nil
}

// Devices returns the full cached device catalog.
func (s *State) Devices() ([]pushbullet.Device, error) {
	var devices []pushbullet.Device

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(devicesBucket).ForEach(func(_, v []byte) error {
			var d pushbullet.Device
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			devices = append(devices, d)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading device catalog: %w", err)
	}

	return devices, nil
}
