package services

import (
	"errors"
	"strings"

	"go.uber.org/zap"

	"yolocam/internal/script"
)

var (
	ErrScriptsDisabled   = errors.New("script host is not enabled")
	ErrBroadcastDisabled = errors.New("no broadcast clients are served")
)

// broadcastPrefix tags text pushed through the control API
const broadcastPrefix = "HTTP Broadcast: "

// SaveScript stores src as the user script. An empty script clears it.
func (c *Control) SaveScript(src string) error {
	if c.store != nil {
		if err := c.store.SaveScript(src); err != nil {
			return err
		}
	}
	c.scriptMu.Lock()
	c.scriptSrc = src
	c.scriptMu.Unlock()
	c.logger.Info("script saved", zap.Int("length", len(src)))
	return nil
}

// LoadScript returns the stored user script
func (c *Control) LoadScript() (string, error) {
	if c.store != nil {
		return c.store.LoadScript()
	}
	c.scriptMu.Lock()
	defer c.scriptMu.Unlock()
	return c.scriptSrc, nil
}

// RunScript starts src, or the stored script when src is blank
func (c *Control) RunScript(src string) error {
	if c.scripts == nil {
		return ErrScriptsDisabled
	}
	if strings.TrimSpace(src) == "" {
		stored, err := c.LoadScript()
		if err != nil {
			return err
		}
		src = stored
	}
	return c.scripts.Run(src)
}

// StopScript interrupts the running script. Returns false when none was running.
func (c *Control) StopScript() (bool, error) {
	if c.scripts == nil {
		return false, ErrScriptsDisabled
	}
	return c.scripts.Stop(), nil
}

// ScriptStatus reports the latest script run
func (c *Control) ScriptStatus() (script.Status, error) {
	if c.scripts == nil {
		return script.Status{}, ErrScriptsDisabled
	}
	return c.scripts.Status(), nil
}

// Broadcast sends text to every detection client and returns how many are
// connected
func (c *Control) Broadcast(text string) (int, error) {
	if c.broadcaster == nil {
		return 0, ErrBroadcastDisabled
	}
	n := c.broadcaster.BroadcastText(broadcastPrefix + text)
	c.logger.Debug("broadcast sent", zap.Int("clients", n), zap.Int("length", len(text)))
	return n, nil
}
