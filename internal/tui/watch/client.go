package watch

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

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/ductile-host/internal/events"
	"github.com/mattjoyce/ductile-host/internal/host"
)

// --- Message types ---

type eventMsg events.Event

type statusMsg host.Status

type tickMsg time.Time

type errMsg struct{ err error }

func (e errMsg) Error() string { return e.err.Error() }

type sseDisconnectedMsg struct{ err error }

type reconnectMsg struct{}

// Client talks to the host's status API.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) newRequest(ctx context.Context, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.BaseURL, "/")+path, nil)
	if err != nil {
		return nil, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return req, nil
}

// Status fetches /status.
func (c *Client) Status(ctx context.Context) (host.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var st host.Status
	req, err := c.newRequest(ctx, "/status")
	if err != nil {
		return st, err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return st, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("status: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

// Stream reads /events and calls fn for every event until the stream ends.
// lastID resumes after an event already seen.
func (c *Client) Stream(ctx context.Context, lastID int64, fn func(events.Event)) error {
	req, err := c.newRequest(ctx, "/events")
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("events: %s", resp.Status)
	}
	return readSSE(resp.Body, fn)
}

// readSSE parses an event stream. Comment lines are skipped.
func readSSE(r io.Reader, fn func(events.Event)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var (
		cur  events.Event
		data strings.Builder
	)
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if data.Len() > 0 {
				cur.Data = json.RawMessage(data.String())
				if cur.At.IsZero() {
					cur.At = time.Now()
				}
				fn(cur)
			}
			cur = events.Event{}
			data.Reset()
			continue
		}

		if v, ok := strings.CutPrefix(line, "id: "); ok {
			if id, err := strconv.ParseInt(v, 10, 64); err == nil {
				cur.ID = id
			}
		} else if v, ok := strings.CutPrefix(line, "event: "); ok {
			cur.Kind = v
		} else if v, ok := strings.CutPrefix(line, "data: "); ok {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(v)
		}
	}
	return scanner.Err()
}

// --- Commands ---

// subscribeToEvents feeds the SSE stream into ch and reports when it drops.
func subscribeToEvents(c *Client, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		err := c.Stream(context.Background(), lastID, func(e events.Event) {
			ch <- e
		})
		return sseDisconnectedMsg{err: err}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func fetchStatus(c *Client) tea.Cmd {
	return func() tea.Msg {
		st, err := c.Status(context.Background())
		if err != nil {
			return errMsg{err}
		}
		return statusMsg(st)
	}
}
