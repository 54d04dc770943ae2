package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tablepick/internal/zone"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Empty()
	require.NoError(t, cfg.Validate())

	want := []zone.Zone{
		{Name: "Table_A", Rect: zone.Rect{X1: 120, Y1: 260, X2: 330, Y2: 480}, Margin: 30, Camera: "cam_a"},
		{Name: "Table_B", Rect: zone.Rect{X1: 360, Y1: 260, X2: 560, Y2: 480}, Margin: 30, Camera: "cam_b"},
	}
	if diff := cmp.Diff(want, cfg.GetZones()); diff != "" {
		t.Errorf("GetZones() mismatch (-want +got):\n%s", diff)
	}

	streams := cfg.GetStreams()
	require.Len(t, streams, 2)
	assert.Equal(t, 2*time.Second, streams[0].StallTimeout)
	assert.Equal(t, 250*time.Millisecond, streams[0].ReconnectDelay)
	assert.Equal(t, 300*time.Millisecond, streams[0].OpenRetryDelay)
	assert.True(t, streams[0].ForceTCP)

	assert.Equal(t, 0, cfg.GetPersonClass())
	assert.Equal(t, 0.30, cfg.GetItemConfidence())
	assert.Equal(t, 0.45, cfg.GetItemIoU())
	assert.Equal(t, "http://127.0.0.1:8000/invoices", cfg.GetInvoiceURL())
	assert.Equal(t, "tablepick.db", cfg.GetDBPath())
	assert.Equal(t, ":8080", cfg.GetHTTPListen())
	assert.Equal(t, "", cfg.GetPCAPFile())
	assert.Equal(t, uint16(9400), cfg.GetPCAPPort())
	assert.Empty(t, cfg.GetKafkaBrokers())
	assert.Empty(t, cfg.GetRedisURL())
	assert.Empty(t, cfg.GetScannerPort())
}

func TestLoadExampleConfig(t *testing.T) {
	cfg, err := Load("../../config/tablepick.example.json")
	require.NoError(t, err)
	assert.Len(t, cfg.GetZones(), 2)
	assert.Equal(t, "rtsp://192.168.1.7:8554/camA", cfg.GetStreams()[0].URL)
	assert.Equal(t, 30*time.Second, cfg.GetRetryInterval())
}

func TestLoadPartialConfig(t *testing.T) {
	path := writeConfig(t, "partial.json", `{
		"streams": [
			{"name": "cam_a", "url": "http://10.0.0.5/snapshot.jpg", "poll_interval": "200ms"},
			{"name": "cam_b", "device": 1, "stall_timeout": "3s"}
		],
		"tracking": {"pcap_file": "capture.pcapng", "pcap_port": 9500, "person_class": 1},
		"redis": {"url": "redis://localhost:6379/0", "ttl": "1m"},
		"kafka": {"brokers": ["localhost:9092"]}
	}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	streams := cfg.GetStreams()
	assert.True(t, streams[0].IsSnapshot())
	assert.Equal(t, 200*time.Millisecond, streams[0].PollInterval)
	assert.Equal(t, 1, streams[1].Device)
	assert.Equal(t, 3*time.Second, streams[1].StallTimeout)
	assert.Equal(t, 250*time.Millisecond, streams[1].ReconnectDelay)

	assert.Equal(t, "capture.pcapng", cfg.GetPCAPFile())
	assert.Equal(t, uint16(9500), cfg.GetPCAPPort())
	assert.Equal(t, 1, cfg.GetPersonClass())
	assert.Equal(t, time.Minute, cfg.GetRedisTTL())
	assert.Equal(t, []string{"localhost:9092"}, cfg.GetKafkaBrokers())
	assert.Equal(t, "tablepick.checkout", cfg.GetKafkaTopic())
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
		want string
	}{
		{name: "wrong extension", file: "c.yaml", body: `{}`, want: ".json extension"},
		{name: "bad json", file: "c.json", body: `{"zones":`, want: "parse"},
		{name: "bad duration", file: "c.json", body: `{"invoice":{"timeout":"soon"}}`, want: "invoice.timeout"},
		{name: "bad conf", file: "c.json", body: `{"item_detector":{"conf":1.5}}`, want: "conf"},
		{name: "duplicate zone", file: "c.json", body: `{"zones":[
			{"name":"A","rect":[0,0,10,10],"camera":"cam_a"},
			{"name":"A","rect":[20,0,30,10],"camera":"cam_a"}]}`, want: "A"},
		{name: "unknown zone camera", file: "c.json", body: `{"zones":[{"name":"A","rect":[0,0,10,10],"camera":"nope"}]}`, want: "unknown camera"},
		{name: "unknown qr camera", file: "c.json", body: `{"qr_camera":"front"}`, want: "qr_camera"},
		{name: "stream without address", file: "c.json", body: `{"streams":[{"name":"cam_a"}]}`, want: "device"},
		{name: "relative invoice url", file: "c.json", body: `{"invoice":{"url":"/invoices"}}`, want: "invoice.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadTooLarge(t *testing.T) {
	body := `{"db_path":"` + strings.Repeat("x", maxFileSize) + `"}`
	_, err := Load(writeConfig(t, "big.json", body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("TABLEPICK_INVOICE_URL=http://billing:9000/invoices\n"), 0o644))

	t.Setenv(EnvInvoiceURL, "")
	t.Setenv(EnvDBPath, "/var/lib/tablepick/state.db")
	t.Setenv(EnvListen, "")
	os.Unsetenv(EnvInvoiceURL)

	require.NoError(t, LoadEnv(envFile, filepath.Join(dir, "missing.env")))
	cfg := Empty()
	cfg.ApplyEnv()

	assert.Equal(t, "http://billing:9000/invoices", cfg.GetInvoiceURL())
	assert.Equal(t, "/var/lib/tablepick/state.db", cfg.GetDBPath())
	assert.Equal(t, ":8080", cfg.GetHTTPListen())
}
