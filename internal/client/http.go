package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/linkkeep/progress-stream/internal/progress"
)

const historyPageSize = 100

// HTTPClient talks to the progress service over its public API. It
// implements both Dialer (the SSE stream) and HistoryClient (the durable
// log), so one value wires a whole Session.
type HTTPClient struct {
	baseURL string
	ownerID string
	apiKey  string
	httpc   *http.Client
}

// NewHTTPClient constructs a client for the given service and owner.
func NewHTTPClient(baseURL, ownerID, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		ownerID: ownerID,
		apiKey:  apiKey,
		// No global timeout: the stream request is long-lived and is
		// bounded by its context instead.
		httpc: &http.Client{},
	}
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	req.Header.Set("X-Owner-ID", c.ownerID)
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
}

// Dial opens the live SSE stream.
func (c *HTTPClient) Dial(ctx context.Context) (Conn, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/events/stream", nil)
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("open stream: unexpected status %d", resp.StatusCode)
	}
	return &sseConn{
		body:   resp.Body,
		reader: bufio.NewReader(resp.Body),
	}, nil
}

// History pages through the durable log from the inclusive cursor.
func (c *HTTPClient) History(ctx context.Context, jobID uuid.UUID, since int64) ([]progress.Frame, error) {
	var out []progress.Frame
	offset := 0
	for {
		page, err := c.historyPage(ctx, jobID, since, offset)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < historyPageSize {
			return out, nil
		}
		offset += len(page)
	}
}

func (c *HTTPClient) historyPage(ctx context.Context, jobID uuid.UUID, since int64, offset int) ([]progress.Frame, error) {
	endpoint := fmt.Sprintf("%s/v1/jobs/%s/progress-history", c.baseURL, jobID)
	query := url.Values{
		"since":  {strconv.FormatInt(since, 10)},
		"limit":  {strconv.Itoa(historyPageSize)},
		"offset": {strconv.Itoa(offset)},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build history request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch history: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Events []progress.Frame `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return body.Events, nil
}

// sseConn reads data lines off one SSE response body. Comment lines
// (heartbeats included) are skipped.
type sseConn struct {
	body   io.ReadCloser
	reader *bufio.Reader
}

func (c *sseConn) Recv(ctx context.Context) (progress.Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return progress.Frame{}, err
		}
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return progress.Frame{}, fmt.Errorf("read stream: %w", err)
		}
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame progress.Frame
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame); err != nil {
			return progress.Frame{}, fmt.Errorf("decode frame: %w", err)
		}
		return frame, nil
	}
}

func (c *sseConn) Close() error {
	if err := c.body.Close(); err != nil {
		return fmt.Errorf("close stream body: %w", err)
	}
	return nil
}

var _ Dialer = (*HTTPClient)(nil)
var _ HistoryClient = (*HTTPClient)(nil)
