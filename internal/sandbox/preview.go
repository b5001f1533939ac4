package sandbox

import (
	"context"
	"fmt"
	"strings"

	shellquote "github.com/kballard/go-shellquote"

	"github.com/hochfrequenz/sandbox-builder/internal/errors"
)

// PreviewResult is a running preview server
type PreviewResult struct {
	URL       string `json:"url"`
	SandboxID string `json:"sandbox_id"`
	// Replaced is true when the sandbox had to be substituted; the new
	// sandbox starts without the previous one's files.
	Replaced bool `json:"replaced"`
}

// supervisorScript restarts the static server whenever it exits
const supervisorScript = `#!/bin/sh
cd %s || exit 1
while true; do
  python3 -m http.server %d --bind 0.0.0.0 >> %s 2>&1
  sleep 1
done
`

// reachableCmd exits 0 once the server answers locally
const reachableCmd = `curl -sf -o /dev/null http://127.0.0.1:%[1]d/ || python3 -c "import urllib.request; urllib.request.urlopen('http://127.0.0.1:%[1]d/', timeout=3)"`

// StartPreviewServer launches a supervised static file server for dir and
// returns its external URL. When the sandbox turns out to be gone, one
// replacement is provisioned and startup is retried exactly once.
func (m *Manager) StartPreviewServer(ctx context.Context, id, projectID, dir string, port int) (*PreviewResult, error) {
	h, err := m.ReconnectOrCreate(ctx, id, projectID)
	if err != nil {
		return nil, err
	}
	replaced := h.ID != id

	url, err := m.startPreview(ctx, h, dir, port)
	if err != nil && IsGone(err) {
		m.logger.Warn("sandbox gone during preview startup, replacing", "sandbox", h.ID, "error", err)
		if m.registry.unregisterIf(h.ID, h) {
			m.kill(ctx, h)
		}
		h, err = m.replace(ctx, h.ID, h.ProjectID)
		if err != nil {
			return nil, err
		}
		replaced = true
		url, err = m.startPreview(ctx, h, dir, port)
	}
	if err != nil {
		return nil, errors.Provisioning("preview", err)
	}

	m.logger.Info("preview server started", "sandbox", h.ID, "url", url)
	return &PreviewResult{URL: url, SandboxID: h.ID, Replaced: replaced}, nil
}

func (m *Manager) startPreview(ctx context.Context, h *Handle, dir string, port int) (string, error) {
	scriptPath := fmt.Sprintf("/tmp/sandbox-builder-preview-%d.sh", port)
	logPath := fmt.Sprintf("/tmp/sandbox-builder-preview-%d.log", port)

	script := fmt.Sprintf(supervisorScript, shellquote.Join(dir), port, shellquote.Join(logPath))
	if err := h.Conn.WriteFile(ctx, scriptPath, []byte(script)); err != nil {
		return "", fmt.Errorf("writing supervisor script: %w", err)
	}

	// the directory may not exist yet if nothing has been synced
	launch := fmt.Sprintf("mkdir -p %s && nohup sh %s > /dev/null 2>&1 &",
		shellquote.Join(dir), shellquote.Join(scriptPath))
	res, err := h.Conn.Run(ctx, launch, RunOptions{Background: true})
	if err != nil {
		return "", fmt.Errorf("launching preview server: %w", err)
	}
	if !res.OK() {
		return "", fmt.Errorf("launching preview server: exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	if err := m.sleep(ctx, m.opts.PreviewSettleDelay); err != nil {
		return "", err
	}

	res, err = h.Conn.Run(ctx, fmt.Sprintf(reachableCmd, port), RunOptions{Timeout: m.opts.ProbeTimeout})
	if err != nil {
		return "", fmt.Errorf("checking preview server: %w", err)
	}
	if !res.OK() {
		return "", fmt.Errorf("preview server not reachable on port %d: %s", port, strings.TrimSpace(res.Stderr))
	}

	return "https://" + h.Conn.Host(port), nil
}
