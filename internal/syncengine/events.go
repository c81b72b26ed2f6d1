package syncengine

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/algodoeira/baletrack/pkg/datamodel"
)

// Subscribe opens the server's event stream and yields change signals until
// ctx is cancelled or the stream breaks. The signals carry no data and no
// delivery guarantee: a missed or duplicated event is harmless because
// consumers periodically refetch anyway.
func (c *Client) Subscribe(ctx context.Context) (<-chan datamodel.ChangeEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/events", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build event stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		drainBody(resp)
		return nil, fmt.Errorf("event stream returned status %d", resp.StatusCode)
	}

	events := make(chan datamodel.ChangeEvent, 16)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		var kind string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event:"):
				kind = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case line == "":
				// Blank line terminates one SSE event.
				if kind == "" {
					continue
				}
				select {
				case events <- datamodel.ChangeEvent{Kind: kind}:
				case <-ctx.Done():
					return
				default:
					// Slow consumer: the signal is only a refetch hint,
					// dropping it is fine.
				}
				kind = ""
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			zap.S().Debugf("Event stream closed: %s", err)
		}
	}()
	return events, nil
}
