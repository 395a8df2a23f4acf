// Package config reads HCL configuration with includes, then applies
// environment overrides and validates the result.
package config

import (
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/raven-relay/helpers"
	"github.com/temoto/raven-relay/log2"
)

const (
	DefaultMqttPort          = 1883
	DefaultTopicPrefix       = "raven"
	DefaultPVOutputURL       = "https://pvoutput.org/service/r2/addstatus.jsp"
	DefaultPVOutputInterval  = 300 * time.Second
	DefaultPVOutputTimeout   = 8 * time.Second
	DefaultFroniusDeviceID   = "1"
	DefaultFroniusTimeout    = 3 * time.Second
	DefaultTimeZone          = "Australia/Melbourne"
	DefaultPollInterval      = time.Second
	DefaultNetworkTimeoutSec = 30
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	Device   Device   `hcl:"device"`
	Mqtt     Mqtt     `hcl:"mqtt"`
	Relay    Relay    `hcl:"relay"`
	PVOutput PVOutput `hcl:"pvoutput"`
	Fronius  Fronius  `hcl:"fronius"`
	Status   Status   `hcl:"status"`

	LogLevel string `hcl:"log_level"`
	TimeZone string `hcl:"time_zone"`

	location *time.Location
}

type Device struct {
	Path           string `hcl:"path"`
	Baud           int    `hcl:"baud"`
	Uart           string `hcl:"uart"` // file|tarm
	ReadTimeoutSec int    `hcl:"read_timeout_sec"`
	SkipInitialize bool   `hcl:"skip_initialize"`
}

type Mqtt struct { //nolint:maligned
	Host              string `hcl:"host"`
	Port              int    `hcl:"port"`
	Username          string `hcl:"username"`
	Password          string `hcl:"password"` // secret
	ClientID          string `hcl:"client_id"`
	TLS               bool   `hcl:"tls"`
	TlsCaFile         string `hcl:"tls_ca_file"`
	TopicPrefix       string `hcl:"topic_prefix"`
	Qos               *int   `hcl:"qos"` // nil = 1
	Retain            bool   `hcl:"retain"`
	KeepaliveSec      int    `hcl:"keepalive_sec"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	LogDebug          bool   `hcl:"log_debug"`
}

type Relay struct {
	PollIntervalMs int `hcl:"poll_interval_ms"`
	// 0 = unlimited
	MaxDeviceFaults int `hcl:"max_device_faults"`
}

type PVOutput struct {
	Enabled     bool   `hcl:"enable"`
	APIKey      string `hcl:"api_key"` // secret
	SystemID    string `hcl:"system_id"`
	Net         bool   `hcl:"net"`
	IntervalSec int    `hcl:"interval_sec"`
	TimeoutSec  int    `hcl:"timeout_sec"`
	URL         string `hcl:"url"`
	MqttTopic   string `hcl:"mqtt_topic"`
}

type Fronius struct {
	Host       string  `hcl:"host"`
	DeviceID   string  `hcl:"device_id"`
	Username   string  `hcl:"username"`
	Password   string  `hcl:"password"` // secret
	TimeoutSec float64 `hcl:"timeout_sec"`
}

type Status struct {
	Listen string `hcl:"listen"`
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

func (c *Config) MqttBrokerURL() string {
	scheme := "tcp"
	if c.Mqtt.TLS {
		scheme = "ssl"
	}
	return scheme + "://" + joinHostPort(c.Mqtt.Host, c.Mqtt.Port)
}

func (c *Config) PollInterval() time.Duration {
	if c.Relay.PollIntervalMs < 0 {
		return 0
	}
	return helpers.IntMillisecondDefault(c.Relay.PollIntervalMs, DefaultPollInterval)
}

func (c *Config) PVOutputInterval() time.Duration {
	return helpers.IntSecondDefault(c.PVOutput.IntervalSec, DefaultPVOutputInterval)
}

func (c *Config) PVOutputTimeout() time.Duration {
	return helpers.IntSecondDefault(c.PVOutput.TimeoutSec, DefaultPVOutputTimeout)
}

func (c *Config) FroniusTimeout() time.Duration {
	return helpers.FloatSecondDefault(c.Fronius.TimeoutSec, DefaultFroniusTimeout)
}

func (c *Config) MqttQos() byte {
	if c.Mqtt.Qos == nil {
		return 1
	}
	return byte(*c.Mqtt.Qos)
}

func (c *Config) TopicPrefix() string {
	if c.Mqtt.TopicPrefix == "" {
		return DefaultTopicPrefix
	}
	return c.Mqtt.TopicPrefix
}

// Location is valid after Validate.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.Local
	}
	return c.location
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s", source.Name)
		*errs = append(*errs, err)
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// Read parses sources in order, later ones overwrite earlier values.
// Zero names gives config with defaults only.
func Read(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if osfs, ok := fs.(*OsFullReader); ok && len(names) != 0 {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	c.applyDefaults()
	return c, helpers.FoldErrors(errs)
}

func (c *Config) applyDefaults() {
	if c.Device.Path == "" {
		c.Device.Path = "/dev/ttyUSB0"
	}
	if c.Mqtt.Host == "" {
		c.Mqtt.Host = "localhost"
	}
	if c.Mqtt.Port == 0 {
		c.Mqtt.Port = DefaultMqttPort
	}
	if c.Mqtt.NetworkTimeoutSec == 0 {
		c.Mqtt.NetworkTimeoutSec = DefaultNetworkTimeoutSec
	}
	if c.PVOutput.URL == "" {
		c.PVOutput.URL = DefaultPVOutputURL
	}
	if c.Fronius.DeviceID == "" {
		c.Fronius.DeviceID = DefaultFroniusDeviceID
	}
	if c.TimeZone == "" {
		c.TimeZone = DefaultTimeZone
	}
}
