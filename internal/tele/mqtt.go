package tele

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"strings"

	"github.com/juju/errors"
)

func TopicState(prefix string) string     { return topicJoin(prefix, "state") }
func TopicTelemetry(prefix string) string { return topicJoin(prefix, "sensor/telemetry") }
func TopicStatus(prefix string) string    { return topicJoin(prefix, "status") } // reserved

func topicJoin(prefix, suffix string) string {
	return strings.TrimRight(prefix, "/") + "/" + suffix
}

// TLSConfig returns nil when enable=false.
func TLSConfig(enable bool, caFile string) (*tls.Config, error) {
	if !enable {
		return nil, nil
	}
	tlsconf := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile != "" {
		tlsconf.RootCAs = x509.NewCertPool()
		cabytes, err := os.ReadFile(caFile)
		if err != nil {
			return nil, errors.Annotatef(err, "TLS ca_file")
		}
		if !tlsconf.RootCAs.AppendCertsFromPEM(cabytes) {
			return nil, errors.NotValidf("TLS ca_file=%s no certificates", caFile)
		}
	}
	return tlsconf, nil
}
