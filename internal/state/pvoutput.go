package state

import (
	"context"
	"net/http"

	"github.com/temoto/raven-relay/internal/fronius"
	"github.com/temoto/raven-relay/internal/pvoutput"
)

// NewReporter returns nil when pvoutput is disabled.
func (g *Global) NewReporter() *pvoutput.Reporter {
	c := g.Config
	if !c.PVOutput.Enabled {
		return nil
	}
	client := pvoutput.NewClient(c.PVOutput.APIKey, c.PVOutput.SystemID, g.Log)
	client.URL = c.PVOutput.URL
	client.Timeout = c.PVOutputTimeout()

	var probe pvoutput.VoltageProber
	if c.FroniusEnabled() {
		probe = fronius.NewProber(fronius.Config{
			Host:     c.Fronius.Host,
			DeviceID: c.Fronius.DeviceID,
			Username: c.Fronius.Username,
			Password: c.Fronius.Password,
			Timeout:  c.FroniusTimeout(),
		}, &http.Client{}, g.Log)
	}
	return pvoutput.NewReporter(g.Latest, probe, client, g.Log, pvoutput.Options{
		Interval: c.PVOutputInterval(),
		Net:      c.PVOutput.Net,
		Location: c.Location(),
		Stat:     g.Metrics.PVOutputStat(),
	})
}

// StartReporter runs uploads in background, independent of broker connection.
// Returns false when pvoutput is disabled.
func (g *Global) StartReporter(ctx context.Context) bool {
	r := g.NewReporter()
	if r == nil {
		return false
	}
	return g.Go(ctx, "pvoutput", r.Run)
}
