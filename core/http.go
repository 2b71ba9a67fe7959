package core

import (
	"context"
	"net/url"
)

type HTTPResponse struct {
	Status int
	Body   []byte
}

// HTTPClient performs single requests. It never retries; transport
// failures come back as errors and any status code as a response.
type HTTPClient interface {
	Get(ctx context.Context, url string) (*HTTPResponse, error)
	PostJSON(ctx context.Context, url string, body any) (*HTTPResponse, error)
	PostForm(ctx context.Context, url string, form url.Values) (*HTTPResponse, error)
}
