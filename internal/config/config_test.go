package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Equal(t, "debug", cfg.Log.Mode)
	assert.Equal(t, "localhost:50051", cfg.Inference.CPUEndpoint)
	assert.Equal(t, float32(0.25), cfg.Inference.ConfThreshold)
	assert.Equal(t, 33*time.Millisecond, cfg.Stream.MinInterval)
	assert.Equal(t, 3, cfg.Stream.QueueDepth)
	assert.True(t, cfg.Notify.WebSocket)
	assert.True(t, cfg.Notify.Script)
	assert.Equal(t, 7*24*time.Hour, cfg.Database.ReloadRetention)
	assert.False(t, cfg.Auth.Enabled)
	assert.Equal(t, DefaultsConfig{}, cfg.Defaults)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "yolocam.yaml")
	content := `
server:
  port: "9000"
camera:
  front_device: rtsp://cam/front
  fps: 15
defaults:
  task: 2
  model: 4
  orientation: 90
notify:
  mqtt:
    enabled: true
    qos: 1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("YOLOCAM_INFERENCE_GPU_ENDPOINT", "gpu-host:50051")
	t.Setenv("YOLOCAM_SERVER_PORT", "9100")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9100", cfg.Server.Port, "env overrides the file")
	assert.Equal(t, "gpu-host:50051", cfg.Inference.GPUEndpoint)
	assert.Equal(t, "rtsp://cam/front", cfg.Camera.FrontDevice)
	assert.Equal(t, 15, cfg.Camera.FPS)
	assert.Equal(t, 640, cfg.Camera.Width)
	assert.Equal(t, DefaultsConfig{Task: 2, Model: 4, Orientation: 90}, cfg.Defaults)
	assert.True(t, cfg.Notify.MQTT.Enabled)
	assert.Equal(t, 1, cfg.Notify.MQTT.QoS)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "yolocam.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  enabled: true\n"), 0o644))
	_, err := Load(path)
	assert.ErrorContains(t, err, "auth.password")

	require.NoError(t, os.WriteFile(path, []byte("notify:\n  mqtt:\n    qos: 3\n"), 0o644))
	_, err = Load(path)
	assert.ErrorContains(t, err, "qos")

	require.NoError(t, os.WriteFile(path, []byte("database:\n  reload_retention: -1h\n"), 0o644))
	_, err = Load(path)
	assert.ErrorContains(t, err, "reload_retention")

	require.NoError(t, os.WriteFile(path, []byte("server: [\n"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestWrite(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, cfg.Write(&buf))

	var decoded map[string]map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "8080", decoded["server"]["port"])
	assert.Equal(t, "/dev/video0", decoded["camera"]["back_device"])
	assert.Contains(t, decoded, "notify")
}

func TestWriteRedactsSecrets(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Auth.Password = "hunter2"
	cfg.Auth.JWTSecret = "signing-key"
	cfg.Notify.MQTT.Password = "mqtt-pw"

	var buf bytes.Buffer
	require.NoError(t, cfg.Write(&buf))
	out := buf.String()
	for _, secret := range []string{"hunter2", "signing-key", "mqtt-pw"} {
		assert.NotContains(t, out, secret)
	}

	var decoded map[string]map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, Redacted, decoded["auth"]["password"])
	assert.Equal(t, Redacted, decoded["auth"]["jwt_secret"])
	mqtt := decoded["notify"]["mqtt"].(map[string]interface{})
	assert.Equal(t, Redacted, mqtt["password"])
	redis := decoded["notify"]["redis"].(map[string]interface{})
	assert.Equal(t, "", redis["password"], "unset secrets stay empty")

	// The live config keeps its values
	assert.Equal(t, "hunter2", cfg.Auth.Password)
	assert.Equal(t, "signing-key", cfg.Auth.JWTSecret)
}
