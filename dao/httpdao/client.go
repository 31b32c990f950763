// Package httpdao implements the dao interfaces that spec.md §1 keeps out
// of core scope — account/device storage, group membership, group keys,
// and contacts — as thin JSON clients against an internal account/profile
// service, following push.PeerDispatcher's HTTP pattern (build request,
// JSON body, 2xx check).
package httpdao

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// client is the shared JSON request/response helper embedded by each of
// this package's DAO clients.
type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string, hc *http.Client) client {
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Second}
	}
	return client{baseURL: baseURL, http: hc}
}

// doJSON issues method to path with body marshaled as the request body (or
// no body if nil), and unmarshals the response into out (or discards the
// response if out is nil).
func (c client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("httpdao: marshal request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("httpdao: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("httpdao: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("httpdao: %s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("httpdao: decode %s response: %w", path, err)
	}
	return nil
}

type notFoundError struct{}

func (notFoundError) Error() string { return "httpdao: not found" }

var errNotFound = notFoundError{}

// IsNotFound reports whether err is, or wraps, the sentinel returned for a
// 404 response from the account/profile service.
func IsNotFound(err error) bool {
	var nf notFoundError
	return errors.As(err, &nf)
}
