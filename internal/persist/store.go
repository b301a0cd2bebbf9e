package persist

import (
	"strconv"
)

// TunableSnapshot mirrors chargestate.Tunables field-for-field without
// importing that package, keeping persist a leaf package.
type TunableSnapshot struct {
	BatteryCapacityAh   float64
	ThresholdPercentage float64
	MaxAllowedCurrentMA float64
	BulkVoltageV        float64
	AbsorptionVoltageV  float64
	FloatVoltageV       float64
	IsLithium           bool
	UseDCSource         bool
	DCSourceAmps        float64
	FactorDivider       float64
}

// CycleSnapshot is the charge-cycle state persisted across restarts.
type CycleSnapshot struct {
	AccumulatedAh  float64
	BulkStartMs    int64
}

// TunableStore is the typed get/put layer over a KVStore.
type TunableStore struct {
	kv       KVStore
	fallback *FallbackFile
}

// NewTunableStore constructs a TunableStore. fallback may be nil to
// disable the flat-file recovery path.
func NewTunableStore(kv KVStore, fallback *FallbackFile) *TunableStore {
	return &TunableStore{kv: kv, fallback: fallback}
}

// Close releases the underlying KVStore.
func (s *TunableStore) Close() error {
	return s.kv.Close()
}

// LoadTunables reads all tunable keys, defaulting any missing one so
// a first run starts from factory values.
func (s *TunableStore) LoadTunables(defaults TunableSnapshot) TunableSnapshot {
	t := defaults
	if v, ok := s.getFloat(KeyBatteryCap); ok {
		t.BatteryCapacityAh = v
	}
	if v, ok := s.getFloat(KeyThresholdPerc); ok {
		t.ThresholdPercentage = v
	}
	if v, ok := s.getFloat(KeyMaxCurrent); ok {
		t.MaxAllowedCurrentMA = v
	}
	if v, ok := s.getFloat(KeyBulkV); ok {
		t.BulkVoltageV = v
	}
	if v, ok := s.getFloat(KeyAbsV); ok {
		t.AbsorptionVoltageV = v
	}
	if v, ok := s.getFloat(KeyFloatV); ok {
		t.FloatVoltageV = v
	}
	if v, ok := s.getBool(KeyIsLithium); ok {
		t.IsLithium = v
	}
	if v, ok := s.getBool(KeyUseFuenteDC); ok {
		t.UseDCSource = v
	}
	if v, ok := s.getFloat(KeyFuenteDCAmps); ok {
		t.DCSourceAmps = v
	}
	if v, ok := s.getFloat(KeyFactorDivider); ok {
		t.FactorDivider = v
	}
	return t
}

// SaveTunable immediately persists a single key. A successful SET_
// command flushes its key right away, not on the 5-minute timer.
func (s *TunableStore) SaveTunable(key string, value string) error {
	if err := s.kv.Put(key, []byte(value)); err != nil {
		return err
	}
	return s.syncFallback()
}

// LoadCycleState reads accumulatedAh/bulkStartTime, reporting whether
// accumulatedAh was present and numerically sane. An invalid stored
// value is ignored; the caller estimates from voltage SOC instead.
func (s *TunableStore) LoadCycleState() (snap CycleSnapshot, accumulatedAhValid bool) {
	if v, ok := s.getFloat(KeyAccumulatedAh); ok && v >= 0 {
		snap.AccumulatedAh = v
		accumulatedAhValid = true
	}
	if v, ok := s.getInt(KeyBulkStartTime); ok {
		snap.BulkStartMs = v
	}
	return snap, accumulatedAhValid
}

// SaveCycleState flushes both cycle-state keys; called on the
// 5-minute timer.
func (s *TunableStore) SaveCycleState(snap CycleSnapshot) error {
	if err := s.kv.Put(KeyAccumulatedAh, []byte(strconv.FormatFloat(snap.AccumulatedAh, 'f', -1, 64))); err != nil {
		return err
	}
	if err := s.kv.Put(KeyBulkStartTime, []byte(strconv.FormatInt(snap.BulkStartMs, 10))); err != nil {
		return err
	}
	return s.syncFallback()
}

func (s *TunableStore) getFloat(key string) (float64, bool) {
	raw, ok, err := s.kv.Get(key)
	if err != nil || !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (s *TunableStore) getInt(key string) (int64, bool) {
	raw, ok, err := s.kv.Get(key)
	if err != nil || !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (s *TunableStore) getBool(key string) (bool, bool) {
	raw, ok, err := s.kv.Get(key)
	if err != nil || !ok {
		return false, false
	}
	v, err := strconv.ParseBool(string(raw))
	if err != nil {
		return false, false
	}
	return v, true
}

// syncFallback mirrors every known key into the CRC-checked flat file,
// so a deleted bolt database can be rebuilt from it.
func (s *TunableStore) syncFallback() error {
	if s.fallback == nil {
		return nil
	}
	keys := []string{
		KeyBatteryCap, KeyThresholdPerc, KeyMaxCurrent, KeyBulkV, KeyAbsV, KeyFloatV,
		KeyIsLithium, KeyUseFuenteDC, KeyFuenteDCAmps, KeyFactorDivider,
		KeyAccumulatedAh, KeyBulkStartTime,
	}
	snapshot := make(map[string]string, len(keys))
	for _, k := range keys {
		if raw, ok, err := s.kv.Get(k); err == nil && ok {
			snapshot[k] = string(raw)
		}
	}
	return s.fallback.Save(snapshot)
}

// RecoverFromFallback copies every key of the flat file into the
// already-open KVStore, overwriting values held there. It does not
// help when the bolt database cannot be opened at all.
func (s *TunableStore) RecoverFromFallback() error {
	if s.fallback == nil {
		return nil
	}
	data, ok, err := s.fallback.Load()
	if err != nil || !ok {
		return err
	}
	for k, v := range data {
		if err := s.kv.Put(k, []byte(v)); err != nil {
			return err
		}
	}
	return nil
}
