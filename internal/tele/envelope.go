package tele

import (
	"encoding/json"
	"time"
)

const FieldTimestamp = "ts"

// Envelope is device sample plus "ts" epoch seconds. Immutable after NewEnvelope.
type Envelope struct {
	fields map[string]interface{}
}

// NewEnvelope copies fields. Device field named "ts" is replaced.
func NewEnvelope(ts time.Time, fields map[string]interface{}) Envelope {
	m := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		m[k] = v
	}
	m[FieldTimestamp] = float64(ts.Unix()) + float64(ts.Nanosecond())/float64(time.Second)
	return Envelope{fields: m}
}

func (e Envelope) Timestamp() float64 {
	ts, _ := e.fields[FieldTimestamp].(float64)
	return ts
}

func (e Envelope) Get(key string) (interface{}, bool) {
	v, ok := e.fields[key]
	return v, ok
}

func (e Envelope) Len() int { return len(e.fields) }

// MarshalJSON renders flat object, keys sorted by encoding/json.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.fields)
}
