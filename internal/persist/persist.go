// Package persist stores the controller's tunables and cycle state
// across restarts. KVStore is the narrow typed interface over the raw
// key/value engine; the layer on top handles encoding, validation of
// what comes back, and the CRC-checked flat-file recovery path.
//
// The default KVStore is a boltdb "charger" bucket. Every save is
// mirrored into a CRC8-checked JSON file whose keys are copied back
// into the bolt store at start-up, so a missing bolt file is rebuilt
// from it. A bolt file that cannot be opened is not recovered:
// OpenBolt returns the error.
package persist

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/boltdb/bolt"
	"github.com/sigurn/crc8"
)

const bucketName = "charger"

// Persistence keys. The Spanish-flavoured names are part of the
// stored-data contract with earlier firmware; keep them as-is.
const (
	KeyBatteryCap     = "batteryCap"
	KeyThresholdPerc  = "thresholdPerc"
	KeyMaxCurrent     = "maxCurrent"
	KeyBulkV          = "bulkV"
	KeyAbsV           = "absV"
	KeyFloatV         = "floatV"
	KeyIsLithium      = "isLithium"
	KeyUseFuenteDC    = "useFuenteDC"
	KeyFuenteDCAmps   = "fuenteDC_Amps"
	KeyAccumulatedAh  = "accumulatedAh"
	KeyBulkStartTime  = "bulkStartTime"
	KeyFactorDivider  = "factorDivider"
)

// KVStore abstracts the non-volatile key/value engine.
type KVStore interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
	Close() error
}

// BoltStore is a KVStore backed by a single boltdb bucket.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) the bolt database at path and
// ensures the charger bucket exists.
func OpenBolt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("persist: opening bolt store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketName)).Get([]byte(key))
		if v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	return value, value != nil, err
}

func (b *BoltStore) Put(key string, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put([]byte(key), value)
	})
}

func (b *BoltStore) Close() error { return b.db.Close() }

var crcTable = crc8.MakeTable(crc8.Params{Poly: 0x07, Init: 0x00, RefIn: false, RefOut: false, XorOut: 0x00})

// FallbackFile is a CRC8-checked JSON flat file used to bootstrap the
// bolt store after it has been opened.
type FallbackFile struct {
	path string
}

// NewFallbackFile returns a FallbackFile rooted at path.
func NewFallbackFile(path string) *FallbackFile {
	return &FallbackFile{path: path}
}

type fallbackFrame struct {
	Data map[string]string `json:"data"`
	CRC  byte              `json:"crc"`
}

// Load reads and CRC8-validates the fallback file. A missing file
// returns (nil, false, nil); a present-but-corrupt file returns an
// error so the caller can decide to ignore and reset.
func (f *FallbackFile) Load() (map[string]string, bool, error) {
	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var frame fallbackFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, false, err
	}
	if checksum(frame.Data) != frame.CRC {
		return nil, false, fmt.Errorf("persist: fallback file crc mismatch")
	}
	return frame.Data, true, nil
}

// Save writes data with a CRC8 checksum computed over a stable
// (sorted-key) encoding.
func (f *FallbackFile) Save(data map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return err
	}
	frame := fallbackFrame{Data: data, CRC: checksum(data)}
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, raw, 0644)
}

func checksum(data map[string]string) byte {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sortStrings(keys)
	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(data[k])
		buf.WriteByte(';')
	}
	return crc8.Checksum(buf.Bytes(), crcTable)
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
