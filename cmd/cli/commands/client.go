package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// client is a thin JSON client for the runner's HTTP surface.
type client struct {
	addr *string
	http *http.Client
}

func newClient(addr *string) *client {
	return &client{
		addr: addr,
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

// base resolves the runner address from the flag, the environment, or the
// default, in that order.
func (c *client) base() string {
	if *c.addr != "" {
		return strings.TrimRight(*c.addr, "/")
	}
	if env := os.Getenv("INFERENCE_ADDR"); env != "" {
		return strings.TrimRight(env, "/")
	}
	return defaultAddr
}

// get issues a GET and decodes the JSON response into out.
func (c *client) get(path string, out any) error {
	resp, err := c.http.Get(c.base() + path)
	if err != nil {
		return fmt.Errorf("unable to reach runner: %w", err)
	}
	defer resp.Body.Close()
	return decode(resp, out)
}

// post issues a POST with a JSON body and decodes the JSON response into out.
func (c *client) post(path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("unable to encode request: %w", err)
	}
	resp, err := c.http.Post(c.base()+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("unable to reach runner: %w", err)
	}
	defer resp.Body.Close()
	return decode(resp, out)
}

func decode(resp *http.Response, out any) error {
	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("runner returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("unable to decode response: %w", err)
	}
	return nil
}
