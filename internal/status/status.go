// Package status serves /metrics and /healthz for supervisors and scrapers.
package status

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"github.com/temoto/raven-relay/internal/reading"
	"github.com/temoto/raven-relay/internal/tele"
	"github.com/temoto/raven-relay/log2"
)

const (
	DefaultMaxSampleAge = 2 * time.Minute
	shutdownTimeout     = 3 * time.Second
)

type SessionStater interface {
	State() tele.SessionState
}

type SampleAger interface {
	SinceSample() (time.Duration, bool)
}

// Sources are all optional, health ignores absent ones.
type Sources struct {
	Metrics      http.Handler
	Latest       *reading.Latest
	Session      SessionStater
	Relay        SampleAger
	MaxSampleAge time.Duration
	Now          func() time.Time
}

type Health struct {
	OK            bool     `json:"ok"`
	Mqtt          string   `json:"mqtt,omitempty"`
	MqttError     string   `json:"mqtt_error,omitempty"`
	SampleAgeSec  *float64 `json:"sample_age_sec,omitempty"`
	DemandWatts   *float64 `json:"demand_watts,omitempty"`
	ReadingAgeSec *float64 `json:"reading_age_sec,omitempty"`
}

func NewRouter(src Sources) *mux.Router {
	if src.MaxSampleAge <= 0 {
		src.MaxSampleAge = DefaultMaxSampleAge
	}
	if src.Now == nil {
		src.Now = time.Now
	}
	r := mux.NewRouter()
	if src.Metrics != nil {
		r.Handle("/metrics", src.Metrics).Methods(http.MethodGet)
	}
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		h := src.health()
		code := http.StatusOK
		if !h.OK {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, h)
	}).Methods(http.MethodGet)
	if src.Latest != nil {
		r.HandleFunc("/reading", func(w http.ResponseWriter, _ *http.Request) {
			snap := src.Latest.Snapshot()
			if snap.Raw == nil {
				http.Error(w, "no reading yet", http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, snap.Raw)
		}).Methods(http.MethodGet)
	}
	return r
}

func (src Sources) health() Health {
	h := Health{OK: true}
	if src.Session != nil {
		st := src.Session.State()
		h.Mqtt = st.Kind.String()
		if st.LastError != nil {
			h.MqttError = st.LastError.Error()
		}
		h.OK = h.OK && st.Connected()
	}
	if src.Relay != nil {
		if age, ok := src.Relay.SinceSample(); ok {
			sec := age.Seconds()
			h.SampleAgeSec = &sec
			h.OK = h.OK && age <= src.MaxSampleAge
		} else {
			h.OK = false
		}
	}
	if src.Latest != nil {
		snap := src.Latest.Snapshot()
		h.DemandWatts = snap.DemandWatts
		if !snap.Time.IsZero() {
			sec := src.Now().Sub(snap.Time).Seconds()
			h.ReadingAgeSec = &sec
		}
	}
	return h
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type Server struct {
	log *log2.Log
	srv *http.Server
}

func NewServer(listen string, h http.Handler, log *log2.Log) *Server {
	return &Server{
		log: log,
		srv: &http.Server{
			Addr:              listen,
			Handler:           handlers.RecoveryHandler()(handlers.LoggingHandler(log.Writer(log2.LDebug), h)),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Run serves until ctx is done.
func (self *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", self.srv.Addr)
	if err != nil {
		return errors.Annotatef(err, "status listen=%s", self.srv.Addr)
	}
	return self.Serve(ctx, ln)
}

func (self *Server) Serve(ctx context.Context, ln net.Listener) error {
	self.log.Infof("status: listening on %s", ln.Addr())
	errch := make(chan error, 1)
	go func() { errch <- self.srv.Serve(ln) }()
	select {
	case err := <-errch:
		return errors.Annotate(err, "status serve")
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := self.srv.Shutdown(sctx); err != nil {
		return errors.Annotate(err, "status shutdown")
	}
	<-errch
	return nil
}
