package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// locationMetaKey tags an http node input with where it belongs in the
// outgoing request.
const locationMetaKey = "location"

const (
	locationParams  = "params"
	locationHeaders = "headers"
	locationBody    = "body"
)

// HTTPNode issues the configured HTTP request, partitioning its declared
// inputs into query params, headers and body by each input's location tag.
// It always yields status_code and text, even for non-2xx responses.
type HTTPNode struct {
	data     *NodeData
	client   *http.Client
	resolver *Resolver
}

func (n *HTTPNode) Data() *NodeData { return n.data }

func (n *HTTPNode) Execute(ctx context.Context, st *State) (*Outcome, error) {
	start := time.Now()
	inputs, err := n.resolver.Resolve(n.data.Inputs, st)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	headers := map[string]string{}
	body := map[string]any{}
	for _, v := range n.data.Inputs {
		val, ok := inputs[v.Name]
		if !ok {
			continue
		}
		switch v.Meta[locationMetaKey] {
		case locationHeaders:
			headers[v.Name] = toString(val)
		case locationBody:
			body[v.Name] = val
		default: // params is the default location
			params.Set(v.Name, toString(val))
		}
	}

	method := strings.ToUpper(n.data.HTTP.Method)
	if method == "" {
		method = http.MethodGet
	}

	endpoint := n.data.HTTP.URL
	if encoded := params.Encode(); encoded != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint += sep + encoded
	}

	var reader io.Reader
	if len(body) > 0 {
		blob, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("http node %s: marshal body: %w", n.data.ID, err)
		}
		reader = strings.NewReader(string(blob))
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("http node %s: %w", n.data.ID, err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http node %s: %w", n.data.ID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("http node %s: read response: %w", n.data.ID, err)
	}

	res := newResult(n.data, inputs, start)
	res.Status = StatusSucceeded
	res.Outputs = map[string]any{
		"status_code": resp.StatusCode,
		"text":        string(data),
	}
	res.Latency = time.Since(start).Seconds()
	return &Outcome{Update: resultUpdate(res)}, nil
}
