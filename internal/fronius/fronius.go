// Package fronius reads AC grid voltage from Fronius inverter Solar API v1.
package fronius

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/juju/errors"
	"github.com/sony/gobreaker"
	"github.com/temoto/raven-relay/internal/reading"
	"github.com/temoto/raven-relay/log2"
)

const (
	DefaultDeviceID = "1"
	DefaultTimeout  = 3 * time.Second

	// consecutive failures before probe stops asking inverter for BreakerCooldown
	BreakerFailures = 3
	BreakerCooldown = 5 * time.Minute

	realtimePath = "/solar_api/v1/GetInverterRealtimeData.cgi"
	maxBody      = 64 << 10
)

type Config struct {
	Host     string
	DeviceID string
	Username string
	Password string
	Timeout  time.Duration
}

type Prober struct {
	config Config
	url    string
	http   *http.Client
	cb     *gobreaker.CircuitBreaker
	log    *log2.Log
}

func NewProber(config Config, hc *http.Client, log *log2.Log) *Prober {
	if config.DeviceID == "" {
		config.DeviceID = DefaultDeviceID
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if hc == nil {
		hc = &http.Client{}
	}
	q := url.Values{}
	q.Set("Scope", "Device")
	q.Set("DeviceId", config.DeviceID)
	q.Set("DataCollection", "CommonInverterData")
	u := url.URL{Scheme: "http", Host: config.Host, Path: realtimePath, RawQuery: q.Encode()}

	self := &Prober{config: config, url: u.String(), http: hc, log: log}
	self.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "fronius",
		MaxRequests: 1,
		Timeout:     BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Infof("fronius: breaker %s -> %s", from, to)
		},
	})
	return self
}

func (self *Prober) URL() string { return self.url }

// Voltage never fails loudly, any problem yields false.
func (self *Prober) Voltage(ctx context.Context) (float64, bool) {
	v, err := self.cb.Execute(func() (interface{}, error) { return self.Fetch(ctx) })
	if err != nil {
		self.log.Debugf("fronius: voltage absent err=%v", err)
		return 0, false
	}
	return v.(float64), true
}

// Fetch performs one request bypassing breaker.
func (self *Prober) Fetch(ctx context.Context) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, self.config.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, self.url, nil)
	if err != nil {
		return 0, errors.Annotate(err, "fronius request")
	}
	if self.config.Username != "" && self.config.Password != "" {
		req.SetBasicAuth(self.config.Username, self.config.Password)
	}
	resp, err := self.http.Do(req)
	if err != nil {
		return 0, errors.Annotate(err, "fronius get")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("fronius status=%d", resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return 0, errors.Annotate(err, "fronius read")
	}
	return ParseVoltage(b)
}

type realtimeResponse struct {
	Body struct {
		Data struct {
			UAC *struct {
				Value interface{} `json:"Value"`
				Unit  string      `json:"Unit"`
			} `json:"UAC"`
		} `json:"Data"`
	} `json:"Body"`
}

// ParseVoltage extracts Body.Data.UAC.Value from CommonInverterData response.
func ParseVoltage(b []byte) (float64, error) {
	var r realtimeResponse
	if err := json.Unmarshal(b, &r); err != nil {
		return 0, errors.Annotate(err, "fronius parse")
	}
	uac := r.Body.Data.UAC
	if uac == nil {
		return 0, errors.NotFoundf("fronius UAC")
	}
	v, ok := reading.Float(uac.Value)
	if !ok {
		return 0, errors.NotValidf("fronius UAC value=%v", uac.Value)
	}
	return v, nil
}
