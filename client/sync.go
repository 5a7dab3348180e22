package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/flagwire/flagwire/evaluation"
)

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("flagwire: HTTP %d: %s", e.StatusCode, e.Message)
}

// run holds the SSE stream open, reconnecting with exponential backoff. When
// the stream is down past the poll interval it falls back to a full poll so
// staleness stays bounded; the snapshot last received keeps serving
// throughout.
func (c *Client) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = c.cfg.MaxReconnectInterval
	bo.MaxElapsedTime = 0

	lastSync := time.Now()
	for {
		err := c.stream(ctx, bo.Reset)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.log.Warn("flag stream disconnected", "error", err)
		}

		if time.Since(lastSync) >= c.cfg.PollInterval {
			if err := c.resync(ctx); err != nil {
				c.log.Warn("poll fallback failed", "error", err)
			} else {
				lastSync = time.Now()
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// resync replaces the snapshot from a full fetch of the environment's flags
// and segments. Per-flag versions still apply, so a resync racing a fresher
// push cannot roll the snapshot back.
func (c *Client) resync(ctx context.Context) error {
	flags, err := c.fetchFlags(ctx)
	if err != nil {
		return err
	}
	segments, err := c.fetchSegments(ctx)
	if err != nil {
		return err
	}
	c.store.replace(flags, segments)
	return nil
}

func (c *Client) fetchFlags(ctx context.Context) ([]evaluation.Flag, error) {
	var flags []evaluation.Flag
	if err := c.getJSON(ctx, c.environmentPath("flags"), &flags); err != nil {
		return nil, fmt.Errorf("fetch flags: %w", err)
	}
	return flags, nil
}

func (c *Client) fetchSegments(ctx context.Context) (evaluation.Segments, error) {
	var rows []evaluation.Segment
	if err := c.getJSON(ctx, c.environmentPath("segments"), &rows); err != nil {
		return nil, fmt.Errorf("fetch segments: %w", err)
	}
	segments := make(evaluation.Segments, len(rows))
	for _, segment := range rows {
		segments[segment.Key] = segment
	}
	return segments, nil
}

func (c *Client) environmentPath(suffix string) string {
	return "/v1/environments/" + c.cfg.EnvironmentID + "/" + suffix
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// stream connects to the SSE endpoint and applies events until the
// connection drops or ctx is cancelled. onConnected fires once the server
// accepts the stream, resetting the reconnect backoff.
func (c *Client) stream(ctx context.Context, onConnected func()) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+c.environmentPath("stream"), nil)
	if err != nil {
		return fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "text/event-stream")
	if id := c.lastEventID.Load(); id > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(id, 10))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("stream connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	if onConnected != nil {
		onConnected()
	}

	// Large buffer so a flag configuration serialized onto one data line
	// cannot overflow the reader.
	return c.consumeSSE(ctx, bufio.NewReaderSize(resp.Body, 1<<20))
}

// consumeSSE reads the subset of the SSE protocol the server emits: id,
// event, and data fields, blank-line dispatch, multi-line data
// concatenation.
func (c *Client) consumeSSE(ctx context.Context, r *bufio.Reader) error {
	var (
		eventName string
		eventID   int64
		dataLines []string
	)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(dataLines) > 0 {
				c.handleEvent(ctx, eventName, []byte(strings.Join(dataLines, "\n")))
				if eventID > 0 {
					c.lastEventID.Store(eventID)
				}
			}
			eventName = ""
			eventID = 0
			dataLines = nil
		case strings.HasPrefix(line, "id:"):
			id, parseErr := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "id:")), 10, 64)
			if parseErr == nil {
				eventID = id
			}
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err != nil {
			return err
		}
	}
}

func (c *Client) handleEvent(ctx context.Context, name string, data []byte) {
	switch name {
	case "update":
		var flag evaluation.Flag
		if err := json.Unmarshal(data, &flag); err != nil {
			c.log.Warn("decode flag update failed", "error", err)
			return
		}
		c.store.applyFlag(flag)
	case "delete":
		var tombstone struct {
			Key     string `json:"key"`
			Version int64  `json:"version"`
		}
		if err := json.Unmarshal(data, &tombstone); err != nil {
			c.log.Warn("decode flag delete failed", "error", err)
			return
		}
		c.store.deleteFlag(tombstone.Key, tombstone.Version)
	case "segments":
		// Segment payloads carry no rule bodies; refetch the set.
		segments, err := c.fetchSegments(ctx)
		if err != nil {
			c.log.Warn("refresh segments failed", "error", err)
			return
		}
		c.store.replaceSegments(segments)
	}
}
