// Package couchdb provides the driver bindings used by the setup
// pipeline: a thin HTTP client for a CouchDB-compatible server, typed
// error decoding, and a continuous changes-feed watcher.
package couchdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultTimeout = 60 * time.Second

// ClientOptions configures one server connection.
type ClientOptions struct {
	Username string
	Password string
	Timeout  time.Duration
}

// Client is one authenticated connection to a CouchDB server.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

// NewClient builds a client for the server at baseURL. A trailing slash
// on baseURL is tolerated.
func NewClient(baseURL string, options ClientOptions) *Client {
	if options.Timeout == 0 {
		options.Timeout = defaultTimeout
	}
	return &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		username: options.Username,
		password: options.Password,
		http:     &http.Client{Timeout: options.Timeout},
	}
}

// Document is one JSON document. `_id` and `_rev` are bookkeeping keys
// owned by the server.
type Document map[string]any

// ID returns the document's `_id`, or "".
func (d Document) ID() string {
	id, _ := d["_id"].(string)
	return id
}

// Rev returns the document's `_rev`, or "".
func (d Document) Rev() string {
	rev, _ := d["_rev"].(string)
	return rev
}

// CreateOptions map onto CouchDB database-creation query parameters.
type CreateOptions struct {
	Shards      int  `json:"q,omitempty" toml:"shards"`
	Replicas    int  `json:"n,omitempty" toml:"replicas"`
	Partitioned bool `json:"partitioned,omitempty" toml:"partitioned"`
}

// SessionInfo identifies the authenticated user of this connection.
type SessionInfo struct {
	UserName string
	Roles    []string
}

// Use returns a handle for one named database on this server.
func (c *Client) Use(name string) *Database {
	return &Database{name: name, client: c}
}

// Ping checks that the server answers at all.
func (c *Client) Ping(ctx context.Context) error {
	return c.request(ctx, http.MethodGet, "/", nil, nil)
}

// Session resolves the identity the server sees for this connection.
func (c *Client) Session(ctx context.Context) (SessionInfo, error) {
	var body struct {
		UserCtx struct {
			Name  string   `json:"name"`
			Roles []string `json:"roles"`
		} `json:"userCtx"`
	}
	if err := c.request(ctx, http.MethodGet, "/_session", nil, &body); err != nil {
		return SessionInfo{}, err
	}
	return SessionInfo{UserName: body.UserCtx.Name, Roles: body.UserCtx.Roles}, nil
}

// AllDatabases lists every database name on the server.
func (c *Client) AllDatabases(ctx context.Context) ([]string, error) {
	var names []string
	if err := c.request(ctx, http.MethodGet, "/_all_dbs", nil, &names); err != nil {
		return nil, err
	}
	return names, nil
}

// DatabaseExists checks server metadata for one database.
func (c *Client) DatabaseExists(ctx context.Context, name string) (bool, error) {
	err := c.request(ctx, http.MethodHead, "/"+url.PathEscape(name), nil, nil)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateDatabase creates one database. Options map onto query
// parameters; the server answers 412 when the database already exists.
func (c *Client) CreateDatabase(ctx context.Context, name string, options *CreateOptions) error {
	path := "/" + url.PathEscape(name)
	if options != nil {
		params := url.Values{}
		if options.Shards > 0 {
			params.Set("q", strconv.Itoa(options.Shards))
		}
		if options.Replicas > 0 {
			params.Set("n", strconv.Itoa(options.Replicas))
		}
		if options.Partitioned {
			params.Set("partitioned", "true")
		}
		if len(params) > 0 {
			path += "?" + params.Encode()
		}
	}
	return c.request(ctx, http.MethodPut, path, nil, nil)
}

// request performs one JSON round-trip against the server, decoding
// CouchDB error bodies into *Error.
func (c *Client) request(ctx context.Context, method, path string, requestBody, responseData any) error {
	var reqBody io.Reader
	if requestBody != nil {
		data, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("couchdb: encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("couchdb: build request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("couchdb: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("couchdb: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &Error{Status: resp.StatusCode}
		_ = json.Unmarshal(bodyBytes, apiErr)
		return apiErr
	}
	if responseData != nil && len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, responseData); err != nil {
			return fmt.Errorf("couchdb: decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
}
