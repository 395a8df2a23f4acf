// Package reading keeps the most recent demand value seen from the meter.
package reading

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
)

const (
	// FieldRawDemand is instantaneous demand in watts, used verbatim.
	FieldRawDemand = "raw_demand"
	// FieldDemand is instantaneous demand in kilowatts.
	FieldDemand = "demand"
)

type Reading struct {
	Time        time.Time
	DemandWatts *float64 // nil = absent
	Raw         map[string]interface{}
}

func (r Reading) Demand() (float64, bool) {
	if r.DemandWatts == nil {
		return 0, false
	}
	return *r.DemandWatts, true
}

// DemandWatts extracts demand from sample fields.
// raw_demand (W) wins over demand (kW), only one is consulted.
// Value failing numeric coercion makes demand absent.
func DemandWatts(fields map[string]interface{}) (float64, bool) {
	if v, ok := fields[FieldRawDemand]; ok {
		return Float(v)
	}
	if v, ok := fields[FieldDemand]; ok {
		if kw, ok := Float(v); ok {
			return kw * 1000, true
		}
	}
	return 0, false
}

// Float coerces JSON-ish value to finite float64.
func Float(v interface{}) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case uint32:
		f = float64(x)
	case uint64:
		f = float64(x)
	case json.Number:
		var err error
		if f, err = x.Float64(); err != nil {
			return 0, false
		}
	case string:
		var err error
		if f, err = strconv.ParseFloat(strings.TrimSpace(x), 64); err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Latest is concurrency safe single slot cache of last reading.
// Zero value is ready to use, in unknown (absent demand) state.
type Latest struct {
	mu sync.Mutex
	r  Reading
}

// Update overwrites cached reading with sample. Last update wins.
func (l *Latest) Update(fields map[string]interface{}) {
	l.UpdateAt(time.Now(), fields)
}

func (l *Latest) UpdateAt(t time.Time, fields map[string]interface{}) {
	// all work outside of critical section
	r := Reading{Time: t, Raw: copyFields(fields)}
	if w, ok := DemandWatts(fields); ok {
		r.DemandWatts = &w
	}
	l.mu.Lock()
	l.r = r
	l.mu.Unlock()
}

// UpdateJSON decodes telemetry payload, which must be JSON object.
// Invalid payload leaves cache untouched.
func (l *Latest) UpdateJSON(payload []byte) error {
	var fields map[string]interface{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return errors.Annotate(err, "reading payload")
	}
	if fields == nil {
		return errors.NotValidf("reading payload=%s", string(payload))
	}
	l.Update(fields)
	return nil
}

// Demand returns last coerced watts or false if absent.
func (l *Latest) Demand() (float64, bool) {
	l.mu.Lock()
	r := l.r
	l.mu.Unlock()
	return r.Demand()
}

func (l *Latest) Snapshot() Reading {
	l.mu.Lock()
	r := l.r
	l.mu.Unlock()
	// Raw is never mutated after UpdateAt, still copy for callers
	r.Raw = copyFields(r.Raw)
	if r.DemandWatts != nil {
		w := *r.DemandWatts
		r.DemandWatts = &w
	}
	return r
}

// Age since last update, 0 if never updated.
func (l *Latest) Age(now time.Time) time.Duration {
	l.mu.Lock()
	t := l.r.Time
	l.mu.Unlock()
	if t.IsZero() {
		return 0
	}
	return now.Sub(t)
}

func copyFields(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	c := make(map[string]interface{}, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
