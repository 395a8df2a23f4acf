package config

import (
	"fmt"
	"net"
	"strconv"
	"time"
	_ "time/tzdata" // relay hosts often lack zoneinfo

	"github.com/juju/errors"
	"github.com/temoto/raven-relay/helpers"
	"github.com/temoto/raven-relay/log2"
)

// Validate returns error for invalid core (device, broker) settings.
// Optional features with incomplete settings are disabled with error log.
func (c *Config) Validate(log *log2.Log) error {
	errs := make([]error, 0, 4)
	if c.Device.Path == "" {
		errs = append(errs, errors.NotValidf("device.path empty"))
	}
	switch c.Device.Uart {
	case "", "file", "tarm":
	default:
		errs = append(errs, errors.NotValidf("device.uart=%s (expected file|tarm)", c.Device.Uart))
	}
	if c.Device.Baud < 0 {
		errs = append(errs, errors.NotValidf("device.baud=%d", c.Device.Baud))
	}
	if c.Mqtt.Host == "" {
		errs = append(errs, errors.NotValidf("mqtt.host empty"))
	}
	if c.Mqtt.Port <= 0 || c.Mqtt.Port > 65535 {
		errs = append(errs, errors.NotValidf("mqtt.port=%d", c.Mqtt.Port))
	}
	if q := c.Mqtt.Qos; q != nil && (*q < 0 || *q > 1) {
		errs = append(errs, errors.NotSupportedf("mqtt.qos=%d (0 or 1)", *q))
	}
	if c.Relay.MaxDeviceFaults < 0 {
		errs = append(errs, errors.NotValidf("relay.max_device_faults=%d", c.Relay.MaxDeviceFaults))
	}
	if c.PVOutput.IntervalSec < 0 {
		errs = append(errs, errors.NotValidf("pvoutput.interval_sec=%d", c.PVOutput.IntervalSec))
	}
	if loc, err := time.LoadLocation(c.TimeZone); err != nil {
		errs = append(errs, errors.Annotatef(err, "time_zone=%s", c.TimeZone))
	} else {
		c.location = loc
	}
	if c.LogLevel != "" {
		if _, ok := log2.ParseLevel(c.LogLevel); !ok {
			errs = append(errs, errors.NotValidf("log_level=%s", c.LogLevel))
		}
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return err
	}

	if c.PVOutput.Enabled && (c.PVOutput.APIKey == "" || c.PVOutput.SystemID == "") {
		log.Errorf("config pvoutput enabled without api_key/system_id, upload disabled")
		c.PVOutput.Enabled = false
	}
	if c.Fronius.Host == "" && (c.Fronius.Username != "" || c.Fronius.Password != "") {
		log.Errorf("config fronius credentials without host, voltage probe disabled")
	}
	return nil
}

func (c *Config) FroniusEnabled() bool { return c.Fronius.Host != "" }

func (c *Config) String() string {
	return fmt.Sprintf("device=%s mqtt=%s user=%s prefix=%s pvoutput=%t fronius=%s tz=%s",
		c.Device.Path, c.MqttBrokerURL(), c.Mqtt.Username, c.TopicPrefix(), c.PVOutput.Enabled, c.Fronius.Host, c.TimeZone)
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
