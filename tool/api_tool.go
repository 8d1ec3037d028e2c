package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loomstack/loom/internal/tlsutil"
)

// APITool wraps a remote HTTP endpoint as a Tool. Arguments are sent as query
// parameters for GET and as a JSON body otherwise.
type APITool struct {
	name        string
	description string
	method      string
	endpoint    string
	headers     map[string]string
	client      *http.Client
	logger      *zap.Logger
}

// APIToolConfig configures an APITool.
type APIToolConfig struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description" yaml:"description"`
	Method      string            `json:"method" yaml:"method"`
	Endpoint    string            `json:"endpoint" yaml:"endpoint"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

func NewAPITool(cfg APIToolConfig, logger *zap.Logger) *APITool {
	if logger == nil {
		logger = zap.NewNop()
	}
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodPost
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &APITool{
		name:        cfg.Name,
		description: cfg.Description,
		method:      method,
		endpoint:    cfg.Endpoint,
		headers:     cfg.Headers,
		client:      tlsutil.SecureHTTPClient(timeout),
		logger:      logger.With(zap.String("component", "api_tool"), zap.String("tool", cfg.Name)),
	}
}

func (t *APITool) Name() string        { return t.name }
func (t *APITool) Description() string { return t.description }

func (t *APITool) Invoke(ctx context.Context, args map[string]any) (string, error) {
	var req *http.Request
	var err error

	if t.method == http.MethodGet {
		endpoint := t.endpoint
		if len(args) > 0 {
			q := url.Values{}
			for k, v := range args {
				q.Set(k, fmt.Sprintf("%v", v))
			}
			sep := "?"
			if strings.Contains(endpoint, "?") {
				sep = "&"
			}
			endpoint += sep + q.Encode()
		}
		req, err = http.NewRequestWithContext(ctx, t.method, endpoint, nil)
	} else {
		var body []byte
		body, err = json.Marshal(args)
		if err != nil {
			return "", fmt.Errorf("marshal tool args: %w", err)
		}
		req, err = http.NewRequestWithContext(ctx, t.method, t.endpoint, strings.NewReader(string(body)))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return "", fmt.Errorf("build tool request: %w", err)
	}
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("tool request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read tool response: %w", err)
	}

	t.logger.Debug("api tool invoked",
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("tool endpoint returned %d: %s", resp.StatusCode, string(data))
	}
	return string(data), nil
}
