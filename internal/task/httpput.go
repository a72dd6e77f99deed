package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/specialistvlad/dirflow/internal/ctxlog"
)

// httpPutModule registers "http_put", which uploads each file and stores the
// response body as the output. Params: url (required; {name} is replaced by
// the input file name), timeout (Go duration, default 60s).
type httpPutModule struct{}

func (m *httpPutModule) Register(r *Registry) {
	r.Register("http_put", NewHTTPPut)
}

// HTTPPut is the built-in "http_put" logic.
type HTTPPut struct {
	URL    string
	Client *http.Client
}

// NewHTTPPut builds an HTTPPut from task params.
func NewHTTPPut(params map[string]string) (Logic, error) {
	url := strings.TrimSpace(params["url"])
	if url == "" {
		return nil, errors.New("http_put: 'url' param is required")
	}
	timeout := 60 * time.Second
	if v := params["timeout"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("http_put: invalid timeout %q: %w", v, err)
		}
		timeout = d
	}
	return &HTTPPut{URL: url, Client: &http.Client{Timeout: timeout}}, nil
}

// Teardown releases idle keep-alive connections.
func (h *HTTPPut) Teardown(context.Context, *Context) error {
	h.Client.CloseIdleConnections()
	return nil
}

func (h *HTTPPut) Run(ctx context.Context, _ *Context, input, output string) error {
	logger := ctxlog.FromContext(ctx).With("action", "upload")

	file, err := os.Open(input)
	if err != nil {
		return fmt.Errorf("failed to open source file '%s': %w", input, err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to get file stats for '%s': %w", input, err)
	}

	target := strings.ReplaceAll(h.URL, "{name}", filepath.Base(input))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, file)
	if err != nil {
		return fmt.Errorf("failed to create upload request: %w", err)
	}

	contentType := mime.TypeByExtension(filepath.Ext(input))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = stat.Size()

	logger.Debug("Uploading file.", "url", target, "size", stat.Size(), "contentType", contentType)

	resp, err := h.Client.Do(req)
	if err != nil {
		return Transient(fmt.Errorf("failed to execute upload request: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return Transientf("upload failed with status: %s", resp.Status)
	case resp.StatusCode >= 300:
		return Permanentf("upload failed with status: %s", resp.Status)
	}

	out, err := os.Create(output)
	if err != nil {
		return Transient(err)
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return Transient(fmt.Errorf("read upload response: %w", err))
	}
	return out.Close()
}
