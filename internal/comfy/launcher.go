package comfy

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// LaunchConfig describes how to start a local ComfyUI process when the
// backend is not already reachable.
type LaunchConfig struct {
	Dir       string // ComfyUI checkout containing main.py
	Host      string
	Port      int
	StartArgs string // extra args, space separated
	LogPath   string // defaults to /tmp/comfyui.log
}

// EnsureUp probes the backend and, if it is down, starts it and waits for
// readiness until the deadline. The spawned process is detached; comfyq
// never stops it.
func EnsureUp(ctx context.Context, c *Client, cfg LaunchConfig, waitTimeout time.Duration) error {
	if c.Alive(ctx) {
		log.Info().Str("base_url", c.BaseURL()).Msg("backend already up")
		return nil
	}

	mainPy := filepath.Join(cfg.Dir, "main.py")
	if _, err := os.Stat(mainPy); err != nil {
		return fmt.Errorf("comfyui main.py not found: %w", err)
	}
	logPath := cfg.LogPath
	if logPath == "" {
		logPath = "/tmp/comfyui.log"
	}
	lf, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open backend log: %w", err)
	}
	defer lf.Close()

	args := []string{mainPy, "--listen", cfg.Host, "--port", strconv.Itoa(cfg.Port)}
	if extra := strings.Fields(cfg.StartArgs); len(extra) > 0 {
		args = append(args, extra...)
	}
	cmd := exec.Command("python3", args...)
	cmd.Dir = cfg.Dir
	cmd.Stdout = lf
	cmd.Stderr = lf
	cmd.Env = os.Environ()
	log.Info().Strs("args", args).Msg("starting backend")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start backend: %w", err)
	}
	// Detach: the process outlives this run.
	if err := cmd.Process.Release(); err != nil {
		return fmt.Errorf("release backend process: %w", err)
	}

	deadline := time.Now().Add(waitTimeout)
	ticker := time.NewTicker(2500 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if c.Alive(ctx) {
				log.Info().Str("base_url", c.BaseURL()).Msg("backend ready")
				return nil
			}
			log.Debug().Msg("waiting for backend readiness")
		}
	}
	return fmt.Errorf("backend not ready within %s, see %s", waitTimeout, logPath)
}
