// Package store implements the persisted pattern database (patterns.db),
// grounded closely on the teacher's internal/storage/bolt.go: the same
// bucket-per-concern layout, schema-version meta bucket, and ACID
// tx.Update/tx.View split. Keys are stored as given, without hashing.
//
// Schema:
//
//	/patterns
//	    key:   "<domain>:<id>", e.g. "buffermode:ttyUSB0" or "rs485:ttyUSB1"
//	    value: JSON-encoded LearnedPattern
//
//	    Bounded per the portion of key before its first ':': at most
//	    maxPatternsPerPrefix entries may share a prefix, the lowest
//	    DecayWeight one evicted on overflow.
//
//	/lastknowngood
//	    key:   portID
//	    value: JSON-encoded serialport.LineSettings
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cyreal-project/cyreal-core/internal/serialport"
)

const (
	// SchemaVersion is the current patterns.db schema version.
	SchemaVersion = "1"

	bucketPatterns      = "patterns"
	bucketLastKnownGood = "lastknowngood"
	bucketMeta          = "meta"

	// maxPatternsPerPrefix bounds how many LearnedPattern entries may share
	// a key prefix (the portion of Key before its first ':'). Learning is
	// bounded, not unbounded accumulation: once a prefix holds more than
	// this many entries, the lowest-DecayWeight one is evicted.
	maxPatternsPerPrefix = 32
	// patternDecayFactor discounts a pattern's prior weight on every
	// re-observation, so a fact that stops recurring drifts toward
	// eviction instead of squatting on its slot forever.
	patternDecayFactor = 0.9
)

// LearnedPattern is a persisted PSRLV Learn-phase observation: one governor
// sub-component's bounded, decaying memory of an opaque fact, keyed by a
// string the caller chooses (e.g. "buffermode:ttyUSB0"). Hits counts every
// PutPattern call for Key; DecayWeight is Hits discounted by
// patternDecayFactor on each update, the value maxPatternsPerPrefix
// eviction compares across a shared prefix.
type LearnedPattern struct {
	Key         string          `json:"key"`
	Value       json.RawMessage `json:"value"`
	Hits        int             `json:"hits"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	DecayWeight float64         `json:"decayWeight"`
}

// DB wraps a BoltDB instance with typed accessors for Cyreal's persisted
// state. It satisfies internal/serialport.PatternStore.
type DB struct {
	db *bolt.DB
}

// Open opens (or creates) the BoltDB database at path, initializing all
// required buckets and verifying schema compatibility.
func Open(path string) (*DB, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb}
	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketPatterns, bucketLastKnownGood, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			return meta.Put([]byte("schema_version"), []byte(SchemaVersion))
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("store: initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketMeta)).Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf("store: schema version mismatch: database has %q, cyreald requires %q", string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

// PutPattern persists (or re-observes) the learned pattern under key,
// marshaling value as its opaque payload, bumping Hits and DecayWeight, and
// then evicting key's prefix's lowest-weight sibling if that now exceeds
// maxPatternsPerPrefix — the bounded, exponential-decay learning contract.
func (d *DB) PutPattern(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: PutPattern marshal: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketPatterns))

		p := LearnedPattern{Key: key, Value: raw, DecayWeight: 1}
		if existing := b.Get([]byte(key)); existing != nil {
			var prev LearnedPattern
			if err := json.Unmarshal(existing, &prev); err == nil {
				p.Hits = prev.Hits
				p.DecayWeight = prev.DecayWeight*patternDecayFactor + 1
			}
		}
		p.Hits++
		p.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("store: PutPattern marshal record: %w", err)
		}
		if err := b.Put([]byte(key), data); err != nil {
			return err
		}
		return evictOverflow(b, patternPrefix(key))
	})
}

// GetPattern retrieves the learned pattern stored under key, if any, as a
// serialport.PatternRecord so *DB satisfies serialport.PatternStore
// directly. The caller unmarshals Record.Value into its own domain type.
func (d *DB) GetPattern(key string) (serialport.PatternRecord, bool, error) {
	var p LearnedPattern
	found := false
	err := d.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketPatterns)).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return serialport.PatternRecord{}, false, fmt.Errorf("store: GetPattern(%q): %w", key, err)
	}
	return serialport.PatternRecord{Value: p.Value, Hits: p.Hits, DecayWeight: p.DecayWeight}, found, nil
}

func patternPrefix(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}

// evictOverflow deletes the lowest-DecayWeight entry sharing prefix once
// more than maxPatternsPerPrefix entries share it. Must run inside the same
// Update transaction as the Put that may have pushed the prefix over.
func evictOverflow(b *bolt.Bucket, prefix string) error {
	prefixBytes := []byte(prefix)
	var lowestKey []byte
	lowestWeight := 0.0
	count := 0

	c := b.Cursor()
	for k, v := c.Seek(prefixBytes); k != nil && bytes.HasPrefix(k, prefixBytes); k, v = c.Next() {
		var p LearnedPattern
		if err := json.Unmarshal(v, &p); err != nil {
			continue
		}
		count++
		if lowestKey == nil || p.DecayWeight < lowestWeight {
			lowestKey = append([]byte(nil), k...)
			lowestWeight = p.DecayWeight
		}
	}
	if count <= maxPatternsPerPrefix {
		return nil
	}
	return b.Delete(lowestKey)
}

// PutLastKnownGood persists the last settings that opened successfully for
// a port, consulted by the Recovery sub-governor's reopen-last-known-good
// step. Satisfies internal/serialport.PatternStore.
func (d *DB) PutLastKnownGood(portID string, settings serialport.LineSettings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("store: PutLastKnownGood marshal: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketLastKnownGood)).Put([]byte(portID), data)
	})
}

// GetLastKnownGood retrieves the last-known-good settings for a port, if
// any. Satisfies internal/serialport.PatternStore.
func (d *DB) GetLastKnownGood(portID string) (serialport.LineSettings, bool, error) {
	var s serialport.LineSettings
	found := false
	err := d.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketLastKnownGood)).Get([]byte(portID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &s)
	})
	if err != nil {
		return serialport.LineSettings{}, false, fmt.Errorf("store: GetLastKnownGood(%q): %w", portID, err)
	}
	return s, found, nil
}
