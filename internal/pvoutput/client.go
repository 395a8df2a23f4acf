package pvoutput

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/raven-relay/log2"
)

const (
	DefaultURL     = "https://pvoutput.org/service/r2/addstatus.jsp"
	DefaultTimeout = 8 * time.Second

	HeaderAPIKey             = "X-Pvoutput-Apikey"
	HeaderSystemID           = "X-Pvoutput-SystemId"
	HeaderRateLimit          = "X-Rate-Limit"
	HeaderRateLimitRemaining = "X-Rate-Limit-Remaining"

	maxResponseBody = 4 << 10
)

// UploadError is non-200 response from service.
type UploadError struct {
	Status    int
	Body      string
	Remaining string // X-Rate-Limit-Remaining, empty if absent
}

func (e *UploadError) Error() string {
	s := fmt.Sprintf("pvoutput upload status=%d body=%q", e.Status, e.Body)
	if e.Remaining != "" {
		s += " remaining=" + e.Remaining
	}
	return s
}

func IsUploadError(e error) bool {
	_, ok := errors.Cause(e).(*UploadError)
	return ok
}

type Client struct {
	URL      string
	APIKey   string
	SystemID string
	Timeout  time.Duration
	HTTP     *http.Client

	log *log2.Log
}

func NewClient(apiKey, systemID string, log *log2.Log) *Client {
	return &Client{
		URL:      DefaultURL,
		APIKey:   apiKey,
		SystemID: systemID,
		Timeout:  DefaultTimeout,
		HTTP:     &http.Client{},
		log:      log,
	}
}

// Upload posts one status. Returns *UploadError on non-200, annotated transport error otherwise.
// No retries here, failed tick is skipped by caller.
func (self *Client) Upload(ctx context.Context, s Sample) error {
	timeout := self.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body := s.Form().Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, self.URL, strings.NewReader(body))
	if err != nil {
		return errors.Annotate(err, "pvoutput request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(HeaderAPIKey, self.APIKey)
	req.Header.Set(HeaderSystemID, self.SystemID)
	req.Header.Set(HeaderRateLimit, "1")

	hc := self.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return errors.Annotate(err, "pvoutput upload")
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	text := strings.TrimSpace(string(b))
	remaining := resp.Header.Get(HeaderRateLimitRemaining)
	if resp.StatusCode != http.StatusOK {
		return &UploadError{Status: resp.StatusCode, Body: text, Remaining: remaining}
	}
	self.log.Debugf("pvoutput: %s sent=%s remaining=%s", text, body, remaining)
	return nil
}
