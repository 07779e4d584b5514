package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/dreamware/torua/internal/errors"
	"github.com/dreamware/torua/internal/logger"
)

// Client issues JSON requests to other cluster members, retrying
// connection failures and 5xx responses with exponential backoff.
type Client struct {
	http *retryablehttp.Client
}

// NewClient returns a client that gives up after retryMax retries and
// bounds each attempt by timeout. Retries are logged to log at debug level.
//
// Parameters:
//   - log: Logger receiving retry and failure messages
//   - retryMax: Retries after the first attempt; 0 disables retrying
//   - timeout: Limit of a single attempt, including reading the body
//
// Returns:
//   - *Client: Client whose non-2xx answers come back as coded errors
//
// Example:
//
//	c := NewClient(log, 2, 5*time.Second)
//	var snap Snapshot
//	err := c.GetJSON(ctx, coord+"/collections/test.foo/snapshot?shard=node-1", &snap)
func NewClient(log logger.Logger, retryMax int, timeout time.Duration) *Client {
	c := retryablehttp.NewClient()
	c.HTTPClient.Timeout = timeout
	c.RetryMax = retryMax
	c.RetryWaitMin = 50 * time.Millisecond
	c.RetryWaitMax = 1 * time.Second
	c.Logger = leveledLogger{log}
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &Client{http: c}
}

// DefaultClient is used by the package level helpers.
var DefaultClient = NewClient(logger.NopLogger, 2, 5*time.Second)

// PostJSON posts body to url and decodes the response into out, if out is
// not nil.
func (c *Client) PostJSON(ctx context.Context, url string, body, out any) error {
	return c.do(ctx, http.MethodPost, url, body, out)
}

// PutJSON puts body to url and decodes the response into out, if out is not
// nil.
func (c *Client) PutJSON(ctx context.Context, url string, body, out any) error {
	return c.do(ctx, http.MethodPut, url, body, out)
}

// GetJSON fetches url and decodes the response into out.
func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	return c.do(ctx, http.MethodGet, url, nil, out)
}

// Delete issues a DELETE to url.
func (c *Client) Delete(ctx context.Context, url string) error {
	return c.do(ctx, http.MethodDelete, url, nil, nil)
}

func (c *Client) do(ctx context.Context, method, url string, body, out any) error {
	var raw interface{}
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encoding request")
		}
		raw = b
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, raw)
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if resp == nil {
		return errors.Wrapf(err, "%s %s", method, url)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errors.WithMessagef(errors.UnmarshalJSON(io.LimitReader(resp.Body, 1<<20)), "http %s %s: %d", method, url, resp.StatusCode)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decoding response from %s", url)
	}
	return nil
}

// PostJSON posts with DefaultClient.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	return DefaultClient.PostJSON(ctx, url, body, out)
}

// GetJSON fetches with DefaultClient.
func GetJSON(ctx context.Context, url string, out any) error {
	return DefaultClient.GetJSON(ctx, url, out)
}

// WriteError writes err as a coded JSON error body with the given status.
func WriteError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, errors.MarshalJSON(err))
}

// WriteJSON writes v as a JSON body with status 200.
func WriteJSON(w http.ResponseWriter, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		WriteError(w, http.StatusInternalServerError, errors.Wrap(err, "encoding response"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(buf.Bytes())
}

// leveledLogger adapts a logger.Logger to retryablehttp.LeveledLogger.
type leveledLogger struct {
	logger.Logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.Warnf("%s", format(msg, kv)) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.Debugf("%s", format(msg, kv)) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.Debugf("%s", format(msg, kv)) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.Warnf("%s", format(msg, kv)) }

func format(msg string, kv []interface{}) string {
	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&sb, " %v=%v", kv[i], kv[i+1])
	}
	return sb.String()
}
