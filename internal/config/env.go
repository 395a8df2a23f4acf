package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/juju/errors"
	"github.com/temoto/raven-relay/helpers"
)

// LookupFunc has os.LookupEnv signature, tests pass map lookup.
type LookupFunc func(key string) (string, bool)

func MapLookup(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

// ApplyEnv overrides file values with environment variables.
// Empty variables are ignored.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	e := envParser{lookup: lookup}

	e.setString("RAVEN_DEVICE", &c.Device.Path)
	e.setString("RAVEN_UART", &c.Device.Uart)
	e.setInt("RAVEN_POLL_INTERVAL_MS", &c.Relay.PollIntervalMs)

	e.setString("MQTT_HOST", &c.Mqtt.Host)
	e.setInt("MQTT_PORT", &c.Mqtt.Port)
	e.setString("MQTT_USERNAME", &c.Mqtt.Username)
	e.setString("MQTT_PASSWORD", &c.Mqtt.Password)
	e.setString("MQTT_CLIENT_ID", &c.Mqtt.ClientID)
	e.setBool("MQTT_TLS", &c.Mqtt.TLS)
	e.setString("MQTT_TOPIC_PREFIX", &c.Mqtt.TopicPrefix)
	if s, ok := e.get("MQTT_QOS"); ok {
		var q int
		if e.parseInt("MQTT_QOS", s, &q) {
			c.Mqtt.Qos = &q
		}
	}
	e.setBool("MQTT_RETAIN", &c.Mqtt.Retain)

	e.setBool("PVOUTPUT_ENABLED", &c.PVOutput.Enabled)
	e.setString("PVOUTPUT_API_KEY", &c.PVOutput.APIKey)
	e.setString("PVOUTPUT_SYSTEM_ID", &c.PVOutput.SystemID)
	e.setBool("PVOUTPUT_NET", &c.PVOutput.Net)
	e.setInt("PVOUTPUT_INTERVAL_SECONDS", &c.PVOutput.IntervalSec)
	e.setString("PVOUTPUT_MQTT_TOPIC", &c.PVOutput.MqttTopic)

	e.setString("FRONIUS_HOST", &c.Fronius.Host)
	e.setString("FRONIUS_DEVICE_ID", &c.Fronius.DeviceID)
	e.setString("FRONIUS_USERNAME", &c.Fronius.Username)
	e.setString("FRONIUS_PASSWORD", &c.Fronius.Password)
	if s, ok := e.get("FRONIUS_TIMEOUT"); ok {
		if f, err := strconv.ParseFloat(s, 64); err != nil {
			e.errs = append(e.errs, errors.NotValidf("env FRONIUS_TIMEOUT=%q", s))
		} else {
			c.Fronius.TimeoutSec = f
		}
	}

	e.setString("STATUS_LISTEN", &c.Status.Listen)
	e.setString("TZ", &c.TimeZone)
	e.setString("LOG_LEVEL", &c.LogLevel)

	return helpers.FoldErrors(e.errs)
}

type envParser struct {
	lookup LookupFunc
	errs   []error
}

func (e *envParser) get(key string) (string, bool) {
	s, ok := e.lookup(key)
	s = strings.TrimSpace(s)
	return s, ok && s != ""
}

func (e *envParser) setString(key string, dst *string) {
	if s, ok := e.get(key); ok {
		*dst = s
	}
}

func (e *envParser) setInt(key string, dst *int) {
	if s, ok := e.get(key); ok {
		e.parseInt(key, s, dst)
	}
}

func (e *envParser) parseInt(key, s string, dst *int) bool {
	i, err := strconv.Atoi(s)
	if err != nil {
		e.errs = append(e.errs, errors.NotValidf("env %s=%q", key, s))
		return false
	}
	*dst = i
	return true
}

// Accepts true/false/1/0/yes/no, case insensitive.
func (e *envParser) setBool(key string, dst *bool) {
	s, ok := e.get(key)
	if !ok {
		return
	}
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	default:
		e.errs = append(e.errs, errors.NotValidf("env %s=%q", key, s))
	}
}
