// Command feed_check verifies a running daemon's live feed. It expects
// dials without a token to get 401 and dials with a wrong one to get 403,
// then flips governance over the API and waits for the change on the socket.
// Governance is restored before exit.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/basket/conductor/internal/bus"
	"github.com/basket/conductor/internal/gateway"
)

type checker struct {
	base  string
	ws    string
	token string
	api   *retryablehttp.Client
}

func (c *checker) header(token string) http.Header {
	if token == "" {
		return nil
	}
	return http.Header{"Authorization": {"Bearer " + token}}
}

// expectRefused dials with token and requires the handshake to fail with want.
func (c *checker) expectRefused(ctx context.Context, label, token string, want int) error {
	conn, resp, err := websocket.Dial(ctx, c.ws, &websocket.DialOptions{HTTPHeader: c.header(token)})
	if err == nil {
		conn.CloseNow()
		return fmt.Errorf("%s: dial succeeded, want %d", label, want)
	}
	if resp == nil || resp.StatusCode != want {
		return fmt.Errorf("%s: want status %d, got resp=%v err=%v", label, want, resp, err)
	}
	fmt.Printf("AUTH_CHECK %s status=%d\n", label, resp.StatusCode)
	return nil
}

func (c *checker) setArmed(ctx context.Context, armed bool, reason string) error {
	body, _ := json.Marshal(map[string]any{"armed": armed, "actor": "feed_check", "reason": reason})
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/governance", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header = c.header(c.token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.api.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("POST /api/governance: status %d", resp.StatusCode)
	}
	return nil
}

func (c *checker) armed(ctx context.Context) (bool, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/governance", nil)
	if err != nil {
		return false, err
	}
	req.Header = c.header(c.token)
	resp, err := c.api.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("GET /api/governance: status %d", resp.StatusCode)
	}
	var gov struct {
		Armed bool `json:"armed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&gov); err != nil {
		return false, err
	}
	return gov.Armed, nil
}

// run performs every check in order. Governance is restored once flipped,
// whatever happens afterwards.
func (c *checker) run(ctx context.Context) error {
	if err := c.expectRefused(ctx, "missing_token", "", http.StatusUnauthorized); err != nil {
		return err
	}
	if err := c.expectRefused(ctx, "wrong_token", c.token+"-wrong", http.StatusForbidden); err != nil {
		return err
	}

	conn, _, err := websocket.Dial(ctx, c.ws, &websocket.DialOptions{HTTPHeader: c.header(c.token)})
	if err != nil {
		return fmt.Errorf("authorized dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	was, err := c.armed(ctx)
	if err != nil {
		return fmt.Errorf("read governance: %w", err)
	}
	if err := c.setArmed(ctx, !was, "live feed verification"); err != nil {
		return fmt.Errorf("flip governance: %w", err)
	}
	defer func() {
		if err := c.setArmed(context.Background(), was, "restore after feed_check"); err != nil {
			fmt.Fprintf(os.Stderr, "restore governance: %v\n", err)
		}
	}()

	var frame gateway.FeedFrame
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		return fmt.Errorf("read frame: %w", err)
	}
	line, _ := json.Marshal(frame)
	fmt.Printf("FRAME %s\n", line)
	if frame.Topic != bus.TopicGovernanceChanged {
		return fmt.Errorf("want a %s frame, got %s", bus.TopicGovernanceChanged, frame.Topic)
	}
	return nil
}

func main() {
	base := flag.String("url", "http://127.0.0.1:18790", "gateway base URL")
	token := flag.String("token", os.Getenv("CONDUCTOR_AUTH_TOKEN"), "gateway bearer token")
	timeout := flag.Duration("timeout", 8*time.Second, "overall deadline")
	flag.Parse()
	if strings.TrimSpace(*token) == "" {
		fmt.Fprintln(os.Stderr, "feed_check: -token or CONDUCTOR_AUTH_TOKEN is required")
		os.Exit(2)
	}

	api := retryablehttp.NewClient()
	api.RetryMax = 2
	api.Logger = nil
	httpBase := strings.TrimRight(*base, "/")
	c := &checker{
		base:  httpBase,
		ws:    "ws" + strings.TrimPrefix(httpBase, "http") + "/ws?topics=" + bus.TopicGovernanceChanged,
		token: strings.TrimSpace(*token),
		api:   api,
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	err := c.run(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
