package state

import (
	"time"

	"github.com/temoto/raven-relay/hardware/raven"
)

// OpenDevice opens RAVEn stick from config. Error is *raven.OpenError.
func (g *Global) OpenDevice() (*raven.Device, error) {
	d := g.Config.Device
	return raven.Open(raven.Config{
		Path:        d.Path,
		Baud:        d.Baud,
		Driver:      d.Uart,
		ReadTimeout: time.Duration(d.ReadTimeoutSec) * time.Second,
		Initialize:  !d.SkipInitialize,
	}, g.Log, g.Metrics.DeviceStat())
}
