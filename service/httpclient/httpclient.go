package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/go-resty/resty/v2"
	"github.com/pandodao/ecash-wallet/core"
)

type Config struct {
	Timeout   time.Duration `valid:"required"`
	UserAgent string
}

type client struct {
	r *resty.Client
}

// New returns a client that never retries on its own; the retry loop of
// the wallet decides when a request is sent again.
func New(cfg Config) core.HTTPClient {
	if _, err := govalidator.ValidateStruct(cfg); err != nil {
		panic(err)
	}

	r := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(0)
	if cfg.UserAgent != "" {
		r.SetHeader("User-Agent", cfg.UserAgent)
	}

	return &client{r: r}
}

func response(resp *resty.Response, err error) (*core.HTTPResponse, error) {
	if err != nil {
		return nil, err
	}

	return &core.HTTPResponse{
		Status: resp.StatusCode(),
		Body:   resp.Body(),
	}, nil
}

func (c *client) Get(ctx context.Context, u string) (*core.HTTPResponse, error) {
	return response(c.r.R().SetContext(ctx).Get(u))
}

func (c *client) PostJSON(ctx context.Context, u string, body any) (*core.HTTPResponse, error) {
	return response(c.r.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(u))
}

func (c *client) PostForm(ctx context.Context, u string, form url.Values) (*core.HTTPResponse, error) {
	return response(c.r.R().
		SetContext(ctx).
		SetFormDataFromValues(form).
		Post(u))
}

// Decode classifies the outcome of a request and decodes a successful
// body into v. Transport failures and 5xx answers are network errors,
// other non-2xx answers and undecodable bodies are protocol errors.
func Decode(resp *core.HTTPResponse, err error, v any) error {
	if err != nil {
		return core.NetworkError(err, nil)
	}

	if err := CheckStatus(resp); err != nil {
		return err
	}

	if v == nil {
		return nil
	}

	if err := json.Unmarshal(resp.Body, v); err != nil {
		return core.ProtocolError(fmt.Sprintf("invalid response body: %v", err), map[string]any{
			"http_status": resp.Status,
		})
	}

	return nil
}

func CheckStatus(resp *core.HTTPResponse) error {
	details := map[string]any{
		"http_status": resp.Status,
		"body":        truncate(resp.Body, 512),
	}

	switch {
	case resp.Status >= 200 && resp.Status < 300:
		return nil
	case resp.Status >= 500:
		return core.NetworkError(fmt.Errorf("unexpected status %d %s", resp.Status, http.StatusText(resp.Status)), details)
	default:
		return core.ProtocolError(fmt.Sprintf("unexpected status %d %s", resp.Status, http.StatusText(resp.Status)), details)
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}

	return string(b)
}

// Join resolves path against base, keeping base's own path prefix.
func Join(base, path string, query url.Values) string {
	u, err := url.Parse(base)
	if err != nil {
		return base + path
	}

	ref := &url.URL{Path: path}
	if len(query) > 0 {
		ref.RawQuery = query.Encode()
	}

	if u.Path != "" && u.Path[len(u.Path)-1] != '/' {
		u.Path += "/"
	}

	return u.ResolveReference(ref).String()
}
