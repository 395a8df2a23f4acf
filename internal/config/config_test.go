package config

import (
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/raven-relay/log2"
)

func TestRead(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		input     string
		check     func(testing.TB, *Config)
		expectErr string
	}
	cases := []Case{
		{"empty", "", func(t testing.TB, c *Config) {
			assert.Equal(t, "/dev/ttyUSB0", c.Device.Path)
			assert.Equal(t, "tcp://localhost:1883", c.MqttBrokerURL())
			assert.Equal(t, "raven", c.TopicPrefix())
			assert.Equal(t, byte(1), c.MqttQos())
			assert.Equal(t, time.Second, c.PollInterval())
			assert.Equal(t, 300*time.Second, c.PVOutputInterval())
			assert.Equal(t, 8*time.Second, c.PVOutputTimeout())
			assert.Equal(t, 3*time.Second, c.FroniusTimeout())
			assert.Equal(t, "1", c.Fronius.DeviceID)
			assert.Equal(t, DefaultTimeZone, c.TimeZone)
			assert.Equal(t, DefaultPVOutputURL, c.PVOutput.URL)
			assert.False(t, c.PVOutput.Enabled)
			assert.False(t, c.FroniusEnabled())
		}, ""},

		{"device-mqtt", `
device { path = "/dev/raven" uart = "tarm" baud = 57600 }
mqtt {
	host = "broker.lan"
	port = 8883
	tls = true
	qos = 0
	retain = true
	topic_prefix = "home/meter"
}
relay { poll_interval_ms = -1 }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, "/dev/raven", c.Device.Path)
				assert.Equal(t, "tarm", c.Device.Uart)
				assert.Equal(t, 57600, c.Device.Baud)
				assert.Equal(t, "ssl://broker.lan:8883", c.MqttBrokerURL())
				assert.Equal(t, byte(0), c.MqttQos())
				assert.True(t, c.Mqtt.Retain)
				assert.Equal(t, "home/meter", c.TopicPrefix())
				assert.Equal(t, time.Duration(0), c.PollInterval())
			}, ""},

		{"pvoutput-fronius", `
pvoutput { enable = true api_key = "k" system_id = "42" net = true interval_sec = 60 }
fronius { host = "10.0.0.5" timeout_sec = 1.5 }`,
			func(t testing.TB, c *Config) {
				assert.True(t, c.PVOutput.Enabled)
				assert.True(t, c.PVOutput.Net)
				assert.Equal(t, time.Minute, c.PVOutputInterval())
				assert.True(t, c.FroniusEnabled())
				assert.Equal(t, 1500*time.Millisecond, c.FroniusTimeout())
			}, ""},

		{"include-normalize", `
mqtt { host = "a" }
include "./empty" {}`,
			nil, ""},

		{"include-optional", `
include "prefix-x" {}
include "non-exist" { optional = true }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, "x", c.TopicPrefix())
			}, ""},

		{"include-overwrites", `
mqtt { topic_prefix = "first" }
include "prefix-x" {}`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, "x", c.TopicPrefix())
			}, ""},

		{"error-include-required", `include "non-exist" {}`, nil, "config required name=non-exist"},
		{"error-syntax", `hello`, nil, "key 'hello' expected start of object"},
		{"error-include-loop", `include "include-loop" {}`, nil, "config include loop: from=include-loop include=include-loop"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			log := log2.NewTest(t, log2.LDebug)
			fs := NewMockFullReader(map[string]string{
				"test-inline":  c.input,
				"empty":        "",
				"prefix-x":     `mqtt { topic_prefix = "x" }`,
				"include-loop": `include "include-loop" {}`,
			})
			cfg, err := Read(log, fs, "test-inline")
			if err == nil {
				err = cfg.Validate(log)
			}
			if c.expectErr == "" {
				if err != nil {
					t.Fatalf("error expected=nil actual='%v'", errors.ErrorStack(err))
				}
				if c.check != nil {
					c.check(t, cfg)
				}
			} else {
				require.Error(t, err)
				if !strings.Contains(err.Error(), c.expectErr) {
					t.Fatalf("error expected='%s' actual='%v'", c.expectErr, err)
				}
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		env       map[string]string
		check     func(testing.TB, *Config)
		expectErr string
	}
	cases := []Case{
		{"empty-ignored", map[string]string{"MQTT_HOST": "", "MQTT_PORT": " "}, func(t testing.TB, c *Config) {
			assert.Equal(t, "tcp://file-host:1883", c.MqttBrokerURL())
		}, ""},
		{"mqtt", map[string]string{
			"MQTT_HOST":         "env-host",
			"MQTT_PORT":         "1884",
			"MQTT_USERNAME":     "u",
			"MQTT_PASSWORD":     "p",
			"MQTT_TLS":          "true",
			"MQTT_QOS":          "0",
			"MQTT_RETAIN":       "yes",
			"MQTT_TOPIC_PREFIX": "meter",
		}, func(t testing.TB, c *Config) {
			assert.Equal(t, "ssl://env-host:1884", c.MqttBrokerURL())
			assert.Equal(t, "u", c.Mqtt.Username)
			assert.Equal(t, "p", c.Mqtt.Password)
			assert.Equal(t, byte(0), c.MqttQos())
			assert.True(t, c.Mqtt.Retain)
			assert.Equal(t, "meter", c.TopicPrefix())
		}, ""},
		{"pvoutput", map[string]string{
			"PVOUTPUT_ENABLED":          "TRUE",
			"PVOUTPUT_API_KEY":          "secret",
			"PVOUTPUT_SYSTEM_ID":        "123",
			"PVOUTPUT_NET":              "1",
			"PVOUTPUT_INTERVAL_SECONDS": "600",
			"PVOUTPUT_MQTT_TOPIC":       "raven/sensor/telemetry",
			"FRONIUS_HOST":              "inverter",
			"FRONIUS_DEVICE_ID":         "2",
			"FRONIUS_TIMEOUT":           "0.5",
			"TZ":                        "UTC",
			"LOG_LEVEL":                 "debug",
		}, func(t testing.TB, c *Config) {
			assert.True(t, c.PVOutput.Enabled)
			assert.Equal(t, "secret", c.PVOutput.APIKey)
			assert.Equal(t, "123", c.PVOutput.SystemID)
			assert.True(t, c.PVOutput.Net)
			assert.Equal(t, 10*time.Minute, c.PVOutputInterval())
			assert.Equal(t, "raven/sensor/telemetry", c.PVOutput.MqttTopic)
			assert.Equal(t, "inverter", c.Fronius.Host)
			assert.Equal(t, "2", c.Fronius.DeviceID)
			assert.Equal(t, 500*time.Millisecond, c.FroniusTimeout())
			assert.Equal(t, time.UTC, c.Location())
			assert.Equal(t, "debug", c.LogLevel)
		}, ""},
		{"device", map[string]string{"RAVEN_DEVICE": "/dev/ttyACM0", "RAVEN_POLL_INTERVAL_MS": "250"}, func(t testing.TB, c *Config) {
			assert.Equal(t, "/dev/ttyACM0", c.Device.Path)
			assert.Equal(t, 250*time.Millisecond, c.PollInterval())
		}, ""},
		{"error-port", map[string]string{"MQTT_PORT": "http"}, nil, `env MQTT_PORT="http" not valid`},
		{"error-bool", map[string]string{"PVOUTPUT_NET": "maybe"}, nil, `env PVOUTPUT_NET="maybe" not valid`},
		{"error-float", map[string]string{"FRONIUS_TIMEOUT": "soon"}, nil, `env FRONIUS_TIMEOUT="soon" not valid`},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			log := log2.NewTest(t, log2.LDebug)
			fs := NewMockFullReader(map[string]string{"file": `mqtt { host = "file-host" }`})
			cfg, err := Read(log, fs, "file")
			require.NoError(t, err)
			err = cfg.ApplyEnv(MapLookup(c.env))
			if c.expectErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), c.expectErr)
				return
			}
			require.NoError(t, err)
			require.NoError(t, cfg.Validate(log))
			c.check(t, cfg)
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		input     string
		check     func(testing.TB, *Config)
		expectErr string
	}
	cases := []Case{
		{"pvoutput-without-key-disabled", `pvoutput { enable = true system_id = "1" }`, func(t testing.TB, c *Config) {
			assert.False(t, c.PVOutput.Enabled)
		}, ""},
		{"error-qos", `mqtt { qos = 2 }`, nil, "mqtt.qos=2 (0 or 1) not supported"},
		{"error-uart", `device { uart = "usb" }`, nil, "device.uart=usb"},
		{"error-tz", `time_zone = "Mars/Olympus"`, nil, "time_zone=Mars/Olympus"},
		{"error-log-level", `log_level = "loud"`, nil, "log_level=loud not valid"},
		{"error-many", `mqtt { port = 70000 } relay { max_device_faults = -1 }`, nil, "mqtt.port=70000 not valid\nrelay.max_device_faults=-1 not valid"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			log := log2.NewTest(t, log2.LDebug)
			cfg, err := Read(log, NewMockFullReader(map[string]string{"x": c.input}), "x")
			require.NoError(t, err)
			err = cfg.Validate(log)
			if c.expectErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), c.expectErr)
				return
			}
			require.NoError(t, err)
			c.check(t, cfg)
		})
	}
}

func TestFunctionalBundled(t *testing.T) {
	// not Parallel
	t.Logf("this test needs OS open|read|stat access to file `../../raven-relay.hcl`")

	log := log2.NewTest(t, log2.LDebug)
	cfg, err := Read(log, NewOsFullReader(), "../../raven-relay.hcl")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate(log))
}
