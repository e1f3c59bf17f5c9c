package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jmerrifield20/powledger/pkg/block"
)

const apiPrefix = "/api/v1"

var (
	// ErrNotFound is returned when the node answers 404.
	ErrNotFound = errors.New("not found")
	// ErrRejected is returned when the node refuses a request as invalid (400).
	ErrRejected = errors.New("rejected")
	// ErrConflict is returned when the node answers 409, for example when a
	// mine is already running.
	ErrConflict = errors.New("conflict")
)

// ChainResponse is a node's full chain together with the peers it knows.
type ChainResponse struct {
	Length int           `json:"length"`
	Chain  []block.Block `json:"chain"`
	Peers  []string      `json:"peers"`
}

// MineResult reports the outcome of a mine request.
type MineResult struct {
	Mined   bool   `json:"mined"`
	Index   uint64 `json:"index,omitempty"`
	Hash    string `json:"hash,omitempty"`
	Message string `json:"message,omitempty"`
}

// VerifyResult reports whether a node's own chain validates.
type VerifyResult struct {
	Valid  bool   `json:"valid"`
	Length int    `json:"length"`
	Error  string `json:"error,omitempty"`
}

// ResolveResult reports the outcome of a consensus round on a node.
type ResolveResult struct {
	Replaced       bool   `json:"replaced"`
	Peer           string `json:"peer,omitempty"`
	Length         int    `json:"length"`
	PreviousLength int    `json:"previous_length"`
	Candidates     int    `json:"candidates"`
}

// Client talks to a single node.
type Client struct {
	base             string
	httpClient       *http.Client
	maxResponseBytes int64
	userAgent        string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return errors.New("http client must not be nil")
		}
		c.httpClient = hc
		return nil
	}
}

// WithTimeout sets the timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{Timeout: d}
		return nil
	}
}

// WithMaxResponseBytes caps how much of a response body is read. Chains grow
// without bound, so the default is generous.
func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("max response bytes must be positive, got %d", n)
		}
		c.maxResponseBytes = n
		return nil
	}
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(ua string) Option {
	return func(c *Client) error {
		c.userAgent = ua
		return nil
	}
}

// New creates a Client for the node at base, e.g. "http://localhost:5000".
func New(base string, opts ...Option) (*Client, error) {
	if base == "" {
		return nil, errors.New("node address is required")
	}
	c := &Client{
		base:             strings.TrimRight(base, "/"),
		httpClient:       &http.Client{Timeout: 10 * time.Second},
		maxResponseBytes: 64 << 20,
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Base returns the node address the client targets.
func (c *Client) Base() string { return c.base }

// Chain fetches the node's full chain.
func (c *Client) Chain(ctx context.Context) (*ChainResponse, error) {
	var out ChainResponse
	if err := c.getJSON(ctx, "/chain", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Block fetches a single block by index.
func (c *Client) Block(ctx context.Context, index uint64) (*block.Block, error) {
	var out block.Block
	if err := c.getJSON(ctx, "/chain/blocks/"+strconv.FormatUint(index, 10), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Pending fetches the node's unmined records.
func (c *Client) Pending(ctx context.Context) ([]block.Record, error) {
	var out []block.Record
	if err := c.getJSON(ctx, "/pending", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Peers lists the peer addresses the node knows.
func (c *Client) Peers(ctx context.Context) ([]string, error) {
	var out struct {
		Peers []string `json:"peers"`
	}
	if err := c.getJSON(ctx, "/peers", &out); err != nil {
		return nil, err
	}
	return out.Peers, nil
}

// Verify asks the node to validate its own chain.
func (c *Client) Verify(ctx context.Context) (*VerifyResult, error) {
	var out VerifyResult
	if err := c.getJSON(ctx, "/chain/verify", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitRecord submits a record with the given author and content and returns
// the record as stored, including the fields the node stamps on it.
func (c *Client) SubmitRecord(ctx context.Context, author, content string) (block.Record, error) {
	var out block.Record
	err := c.postJSON(ctx, "/records", map[string]string{"author": author, "content": content}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Mine asks the node to mine its pending records. A node with nothing pending
// answers with Mined set to false and no error.
func (c *Client) Mine(ctx context.Context) (*MineResult, error) {
	var out MineResult
	if err := c.postJSON(ctx, "/mine", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AnnounceBlock offers a freshly mined block to the node. A block the node
// does not accept yields an error wrapping ErrRejected.
func (c *Client) AnnounceBlock(ctx context.Context, b block.Block) error {
	return c.postJSON(ctx, "/blocks", b, nil)
}

// Register adds self as a peer of the node and returns the node's chain.
func (c *Client) Register(ctx context.Context, self string) (*ChainResponse, error) {
	var out ChainResponse
	if err := c.postJSON(ctx, "/peers/register", map[string]string{"node_address": self}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RegisterWith asks the node to join the network that remote belongs to.
func (c *Client) RegisterWith(ctx context.Context, remote string) (*ChainResponse, error) {
	var out ChainResponse
	if err := c.postJSON(ctx, "/peers/register-with", map[string]string{"node_address": remote}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Resolve triggers a consensus round on the node.
func (c *Client) Resolve(ctx context.Context) (*ResolveResult, error) {
	var out ResolveResult
	if err := c.postJSON(ctx, "/consensus/resolve", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health returns nil when the node's health endpoint answers 200.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	_, err = c.do(req)
	return err
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+apiPrefix+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+apiPrefix+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return err
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// do executes req and maps non-2xx statuses onto the package's sentinel errors.
func (c *Client) do(req *http.Request) ([]byte, error) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request to %s failed: %w", c.base, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 300 {
		return body, nil
	}

	msg := errorMessage(body)
	switch resp.StatusCode {
	case http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", req.URL.Path, ErrNotFound)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return nil, fmt.Errorf("%w: %s", ErrRejected, msg)
	case http.StatusConflict:
		return nil, fmt.Errorf("%w: %s", ErrConflict, msg)
	default:
		return nil, fmt.Errorf("server error %d: %s", resp.StatusCode, msg)
	}
}

// errorMessage extracts the "error" field of a JSON error body, falling back
// to the raw body.
func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}
