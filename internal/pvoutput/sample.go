// Package pvoutput uploads periodic power status to pvoutput.org.
package pvoutput

import (
	"math"
	"net/url"
	"strconv"
	"time"
)

// Sample is one status row, all power values in whole watts.
type Sample struct {
	Time    time.Time // local time, only minutes precision is sent
	Import  int64     // v4
	Export  int64     // v2, net mode only
	Net     bool
	Voltage *int64 // v6, nil = absent
}

// BuildSample converts demand in watts (positive = import) to status row.
// Gross mode reports import only, negative demand clamps to 0.
// Net mode splits sign into import/export, both always present.
// nil demand yields zeros.
func BuildSample(t time.Time, demand *float64, voltage *float64, net bool) Sample {
	s := Sample{Time: t, Net: net}
	if demand != nil {
		d := *demand
		switch {
		case d > 0:
			s.Import = round(d)
		case d < 0 && net:
			s.Export = round(-d)
		}
	}
	if voltage != nil {
		v := round(*voltage)
		s.Voltage = &v
	}
	return s
}

// Form renders addstatus.jsp parameters.
func (s Sample) Form() url.Values {
	f := url.Values{}
	f.Set("d", s.Time.Format("20060102"))
	f.Set("t", s.Time.Format("15:04"))
	f.Set("v4", strconv.FormatInt(s.Import, 10))
	if s.Net {
		f.Set("v2", strconv.FormatInt(s.Export, 10))
		f.Set("n", "1")
	} else {
		f.Set("n", "0")
	}
	if s.Voltage != nil {
		f.Set("v6", strconv.FormatInt(*s.Voltage, 10))
	}
	return f
}

// halves go to even, 2.5 -> 2
func round(x float64) int64 { return int64(math.RoundToEven(x)) }
