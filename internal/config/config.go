// Package config loads the tablepick JSON configuration. Every field is
// optional; Get* accessors supply the default for anything omitted.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/banshee-data/tablepick/internal/stream"
	"github.com/banshee-data/tablepick/internal/zone"
)

// Environment variables that override file values.
const (
	EnvInvoiceURL = "TABLEPICK_INVOICE_URL"
	EnvDBPath     = "TABLEPICK_DB_PATH"
	EnvListen     = "TABLEPICK_LISTEN"
	EnvLogEnv     = "TABLEPICK_ENV"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the root configuration.
type Config struct {
	Zones        []ZoneConfig        `json:"zones,omitempty"`
	Streams      []StreamConfig      `json:"streams,omitempty"`
	Tracking     *TrackingConfig     `json:"tracking,omitempty"`
	ItemDetector *ItemDetectorConfig `json:"item_detector,omitempty"`
	Invoice      *InvoiceConfig      `json:"invoice,omitempty"`
	Listen       *ListenConfig       `json:"listen,omitempty"`
	DBPath       *string             `json:"db_path,omitempty"`
	Kafka        *KafkaConfig        `json:"kafka,omitempty"`
	Redis        *RedisConfig        `json:"redis,omitempty"`
	Scanner      *ScannerConfig      `json:"scanner,omitempty"`
	// QRCamera names the stream whose frames are decoded for identity codes.
	QRCamera *string `json:"qr_camera,omitempty"`
}

// ZoneConfig is one table region. Rect is [x1, y1, x2, y2].
type ZoneConfig struct {
	Name   string `json:"name"`
	Rect   [4]int `json:"rect"`
	Margin *int   `json:"margin,omitempty"`
	Camera string `json:"camera"`
}

// StreamConfig addresses one camera.
type StreamConfig struct {
	Name           string  `json:"name"`
	URL            string  `json:"url,omitempty"`
	Device         *int    `json:"device,omitempty"`
	ForceTCP       *bool   `json:"force_tcp,omitempty"`
	StallTimeout   *string `json:"stall_timeout,omitempty"`
	ReconnectDelay *string `json:"reconnect_delay,omitempty"`
	OpenRetryDelay *string `json:"open_retry_delay,omitempty"`
	PollInterval   *string `json:"poll_interval,omitempty"`
}

// TrackingConfig selects the primary tracking source: a live UDP listener,
// or a pcap replay when PCAPFile is set.
type TrackingConfig struct {
	UDPAddress     *string `json:"udp_address,omitempty"`
	UDPRcvBuf      *int    `json:"udp_rcvbuf,omitempty"`
	Wait           *string `json:"wait,omitempty"`
	PCAPFile       *string `json:"pcap_file,omitempty"`
	PCAPPort       *int    `json:"pcap_port,omitempty"`
	PCAPRealtime   *bool   `json:"pcap_realtime,omitempty"`
	PersonClass    *int    `json:"person_class,omitempty"`
	StartupTimeout *string `json:"startup_timeout,omitempty"`
}

// ItemDetectorConfig points at the item-detection service.
type ItemDetectorConfig struct {
	URL        *string  `json:"url,omitempty"`
	Confidence *float64 `json:"conf,omitempty"`
	IoU        *float64 `json:"iou,omitempty"`
	Timeout    *string  `json:"timeout,omitempty"`
	MaxAge     *string  `json:"max_frame_age,omitempty"`
}

// InvoiceConfig points at the invoicing service.
type InvoiceConfig struct {
	URL           *string  `json:"url,omitempty"`
	Timeout       *string  `json:"timeout,omitempty"`
	RetryInterval *string  `json:"retry_interval,omitempty"`
	RetryRate     *float64 `json:"retry_rate,omitempty"`
	RetryBatch    *int     `json:"retry_batch,omitempty"`
}

// ListenConfig holds server addresses. An empty GRPC address disables the
// health server.
type ListenConfig struct {
	HTTP *string `json:"http,omitempty"`
	GRPC *string `json:"grpc,omitempty"`
}

// KafkaConfig enables the checkout event stream when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `json:"brokers,omitempty"`
	Topic   *string  `json:"topic,omitempty"`
}

// RedisConfig enables the cart projection when URL is set.
type RedisConfig struct {
	URL *string `json:"url,omitempty"`
	TTL *string `json:"ttl,omitempty"`
}

// ScannerConfig enables the serial scanner when Port is set.
type ScannerConfig struct {
	Port     *string `json:"port,omitempty"`
	BaudRate *int    `json:"baud_rate,omitempty"`
	Parity   *string `json:"parity,omitempty"`
}

// Empty returns a Config with every field unset.
func Empty() *Config { return &Config{} }

// Load reads a Config from a JSON file. The path must end in .json and the
// file must be under 1MB.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadEnv reads envFiles (default ".env") into the process environment
// without overriding variables already set. Missing files are ignored.
func LoadEnv(envFiles ...string) error {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if _, err := os.Stat(f); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides file values with TABLEPICK_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvInvoiceURL); v != "" {
		if c.Invoice == nil {
			c.Invoice = &InvoiceConfig{}
		}
		c.Invoice.URL = &v
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		c.DBPath = &v
	}
	if v := os.Getenv(EnvListen); v != "" {
		if c.Listen == nil {
			c.Listen = &ListenConfig{}
		}
		c.Listen.HTTP = &v
	}
}

func checkDuration(field string, v *string) error {
	if v == nil || *v == "" {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", field, *v, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must be non-negative, got %s", field, *v)
	}
	return nil
}

func checkURL(field string, v *string) error {
	if v == nil || *v == "" {
		return nil
	}
	u, err := url.Parse(*v)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid %s %q", field, *v)
	}
	return nil
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if _, err := zone.NewResolver(c.GetZones()); err != nil {
		return err
	}

	streams := c.GetStreams()
	names := make(map[string]bool, len(streams))
	for _, p := range streams {
		if err := p.Validate(); err != nil {
			return err
		}
		if names[p.Name] {
			return fmt.Errorf("duplicate stream %q", p.Name)
		}
		names[p.Name] = true
	}
	for _, sc := range c.Streams {
		for field, v := range map[string]*string{
			"stall_timeout":    sc.StallTimeout,
			"reconnect_delay":  sc.ReconnectDelay,
			"open_retry_delay": sc.OpenRetryDelay,
			"poll_interval":    sc.PollInterval,
		} {
			if err := checkDuration(sc.Name+"."+field, v); err != nil {
				return err
			}
		}
	}
	for _, z := range c.GetZones() {
		if !names[z.Camera] {
			return fmt.Errorf("zone %q uses unknown camera %q", z.Name, z.Camera)
		}
	}
	if qr := c.GetQRCamera(); qr != "" && !names[qr] {
		return fmt.Errorf("qr_camera %q is not a configured stream", qr)
	}

	if t := c.Tracking; t != nil {
		if err := checkDuration("tracking.wait", t.Wait); err != nil {
			return err
		}
		if err := checkDuration("tracking.startup_timeout", t.StartupTimeout); err != nil {
			return err
		}
		if t.PCAPPort != nil && (*t.PCAPPort <= 0 || *t.PCAPPort > 65535) {
			return fmt.Errorf("tracking.pcap_port must be between 1 and 65535, got %d", *t.PCAPPort)
		}
	}

	if d := c.ItemDetector; d != nil {
		if err := checkURL("item_detector.url", d.URL); err != nil {
			return err
		}
		if d.Confidence != nil && (*d.Confidence < 0 || *d.Confidence > 1) {
			return fmt.Errorf("item_detector.conf must be between 0 and 1, got %f", *d.Confidence)
		}
		if d.IoU != nil && (*d.IoU < 0 || *d.IoU > 1) {
			return fmt.Errorf("item_detector.iou must be between 0 and 1, got %f", *d.IoU)
		}
		if err := checkDuration("item_detector.timeout", d.Timeout); err != nil {
			return err
		}
		if err := checkDuration("item_detector.max_frame_age", d.MaxAge); err != nil {
			return err
		}
	}

	if inv := c.Invoice; inv != nil {
		if err := checkURL("invoice.url", inv.URL); err != nil {
			return err
		}
		if err := checkDuration("invoice.timeout", inv.Timeout); err != nil {
			return err
		}
		if err := checkDuration("invoice.retry_interval", inv.RetryInterval); err != nil {
			return err
		}
		if inv.RetryRate != nil && *inv.RetryRate <= 0 {
			return fmt.Errorf("invoice.retry_rate must be positive, got %f", *inv.RetryRate)
		}
	}

	if r := c.Redis; r != nil {
		if err := checkDuration("redis.ttl", r.TTL); err != nil {
			return err
		}
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func stringOr(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}

// GetZones returns the configured zones, or the two default tables.
func (c *Config) GetZones() []zone.Zone {
	if len(c.Zones) == 0 {
		return []zone.Zone{
			{Name: "Table_A", Rect: zone.Rect{X1: 120, Y1: 260, X2: 330, Y2: 480}, Margin: 30, Camera: "cam_a"},
			{Name: "Table_B", Rect: zone.Rect{X1: 360, Y1: 260, X2: 560, Y2: 480}, Margin: 30, Camera: "cam_b"},
		}
	}
	out := make([]zone.Zone, 0, len(c.Zones))
	for _, zc := range c.Zones {
		margin := 30
		if zc.Margin != nil {
			margin = *zc.Margin
		}
		out = append(out, zone.Zone{
			Name:   zc.Name,
			Rect:   zone.Rect{X1: zc.Rect[0], Y1: zc.Rect[1], X2: zc.Rect[2], Y2: zc.Rect[3]},
			Margin: margin,
			Camera: zc.Camera,
		})
	}
	return out
}

// GetStreams returns normalized camera profiles, or the two default table
// cameras.
func (c *Config) GetStreams() []stream.Profile {
	if len(c.Streams) == 0 {
		out := []stream.Profile{
			{Name: "cam_a", URL: "rtsp://192.168.1.7:8554/camA", ForceTCP: true},
			{Name: "cam_b", URL: "rtsp://192.168.1.7:8555/camB", ForceTCP: true},
		}
		for i := range out {
			out[i].Normalize()
		}
		return out
	}
	out := make([]stream.Profile, 0, len(c.Streams))
	for _, sc := range c.Streams {
		p := stream.Profile{
			Name:           sc.Name,
			URL:            sc.URL,
			Device:         -1,
			ForceTCP:       sc.ForceTCP == nil || *sc.ForceTCP,
			StallTimeout:   durationOr(sc.StallTimeout, 0),
			ReconnectDelay: durationOr(sc.ReconnectDelay, 0),
			OpenRetryDelay: durationOr(sc.OpenRetryDelay, 0),
			PollInterval:   durationOr(sc.PollInterval, 0),
		}
		if sc.Device != nil {
			p.Device = *sc.Device
		}
		p.Normalize()
		out = append(out, p)
	}
	return out
}

// GetQRCamera returns the stream used for code decoding, or "" for none.
func (c *Config) GetQRCamera() string { return stringOr(c.QRCamera, "") }

// GetUDPAddress returns the tracking listener address.
func (c *Config) GetUDPAddress() string {
	if c.Tracking == nil {
		return ":9400"
	}
	return stringOr(c.Tracking.UDPAddress, ":9400")
}

// GetUDPRcvBuf returns the socket receive buffer size, 0 for the OS default.
func (c *Config) GetUDPRcvBuf() int {
	if c.Tracking == nil || c.Tracking.UDPRcvBuf == nil {
		return 0
	}
	return *c.Tracking.UDPRcvBuf
}

// GetTrackingWait returns how long one iteration waits for a result.
func (c *Config) GetTrackingWait() time.Duration {
	if c.Tracking == nil {
		return 100 * time.Millisecond
	}
	return durationOr(c.Tracking.Wait, 100*time.Millisecond)
}

// GetPCAPFile returns the replay file, or "" for live UDP.
func (c *Config) GetPCAPFile() string {
	if c.Tracking == nil {
		return ""
	}
	return stringOr(c.Tracking.PCAPFile, "")
}

// GetPCAPPort returns the UDP port filtered from the replay.
func (c *Config) GetPCAPPort() uint16 {
	if c.Tracking == nil || c.Tracking.PCAPPort == nil {
		return 9400
	}
	return uint16(*c.Tracking.PCAPPort)
}

// GetPCAPRealtime reports whether replay keeps the original packet spacing.
func (c *Config) GetPCAPRealtime() bool {
	if c.Tracking == nil || c.Tracking.PCAPRealtime == nil {
		return true
	}
	return *c.Tracking.PCAPRealtime
}

// GetPersonClass returns the detection class treated as a person.
func (c *Config) GetPersonClass() int {
	if c.Tracking == nil || c.Tracking.PersonClass == nil {
		return 0
	}
	return *c.Tracking.PersonClass
}

// GetStartupTimeout bounds how long startup retries the primary source.
func (c *Config) GetStartupTimeout() time.Duration {
	if c.Tracking == nil {
		return 10 * time.Second
	}
	return durationOr(c.Tracking.StartupTimeout, 10*time.Second)
}

// GetItemDetectorURL returns the item-detection endpoint.
func (c *Config) GetItemDetectorURL() string {
	if c.ItemDetector == nil {
		return "http://127.0.0.1:8001/detect"
	}
	return stringOr(c.ItemDetector.URL, "http://127.0.0.1:8001/detect")
}

// GetItemConfidence returns the item-detector confidence threshold.
func (c *Config) GetItemConfidence() float64 {
	if c.ItemDetector == nil || c.ItemDetector.Confidence == nil {
		return 0.30
	}
	return *c.ItemDetector.Confidence
}

// GetItemIoU returns the item-detector IoU threshold.
func (c *Config) GetItemIoU() float64 {
	if c.ItemDetector == nil || c.ItemDetector.IoU == nil {
		return 0.45
	}
	return *c.ItemDetector.IoU
}

// GetItemTimeout returns the item-detector request timeout.
func (c *Config) GetItemTimeout() time.Duration {
	if c.ItemDetector == nil {
		return 3 * time.Second
	}
	return durationOr(c.ItemDetector.Timeout, 3*time.Second)
}

// GetItemMaxFrameAge returns the oldest frame accepted for a snapshot.
func (c *Config) GetItemMaxFrameAge() time.Duration {
	if c.ItemDetector == nil {
		return 2 * time.Second
	}
	return durationOr(c.ItemDetector.MaxAge, 2*time.Second)
}

// GetInvoiceURL returns the invoicing endpoint.
func (c *Config) GetInvoiceURL() string {
	if c.Invoice == nil {
		return "http://127.0.0.1:8000/invoices"
	}
	return stringOr(c.Invoice.URL, "http://127.0.0.1:8000/invoices")
}

// GetInvoiceTimeout returns the per-request invoice timeout.
func (c *Config) GetInvoiceTimeout() time.Duration {
	if c.Invoice == nil {
		return 5 * time.Second
	}
	return durationOr(c.Invoice.Timeout, 5*time.Second)
}

// GetRetryInterval returns how often the retry queue is polled.
func (c *Config) GetRetryInterval() time.Duration {
	if c.Invoice == nil {
		return 30 * time.Second
	}
	return durationOr(c.Invoice.RetryInterval, 30*time.Second)
}

// GetRetryRate returns the maximum retried submissions per second.
func (c *Config) GetRetryRate() float64 {
	if c.Invoice == nil || c.Invoice.RetryRate == nil {
		return 2
	}
	return *c.Invoice.RetryRate
}

// GetRetryBatch returns how many queued invoices one retry pass takes.
func (c *Config) GetRetryBatch() int {
	if c.Invoice == nil || c.Invoice.RetryBatch == nil {
		return 20
	}
	return *c.Invoice.RetryBatch
}

// GetHTTPListen returns the HTTP listen address.
func (c *Config) GetHTTPListen() string {
	if c.Listen == nil {
		return ":8080"
	}
	return stringOr(c.Listen.HTTP, ":8080")
}

// GetGRPCListen returns the gRPC health listen address, "" to disable.
func (c *Config) GetGRPCListen() string {
	if c.Listen == nil {
		return ":8081"
	}
	return stringOr(c.Listen.GRPC, ":8081")
}

// GetDBPath returns the SQLite database path.
func (c *Config) GetDBPath() string { return stringOr(c.DBPath, "tablepick.db") }

// GetKafkaBrokers returns the seed brokers, empty when disabled.
func (c *Config) GetKafkaBrokers() []string {
	if c.Kafka == nil {
		return nil
	}
	return c.Kafka.Brokers
}

// GetKafkaTopic returns the checkout event topic.
func (c *Config) GetKafkaTopic() string {
	if c.Kafka == nil {
		return "tablepick.checkout"
	}
	return stringOr(c.Kafka.Topic, "tablepick.checkout")
}

// GetRedisURL returns the projection Redis URL, "" when disabled.
func (c *Config) GetRedisURL() string {
	if c.Redis == nil {
		return ""
	}
	return stringOr(c.Redis.URL, "")
}

// GetRedisTTL returns the expiry of projected cart keys.
func (c *Config) GetRedisTTL() time.Duration {
	if c.Redis == nil {
		return 10 * time.Minute
	}
	return durationOr(c.Redis.TTL, 10*time.Minute)
}

// GetScannerPort returns the serial scanner device, "" when disabled.
func (c *Config) GetScannerPort() string {
	if c.Scanner == nil {
		return ""
	}
	return stringOr(c.Scanner.Port, "")
}

// GetScannerBaudRate returns the scanner baud rate, 0 for the default.
func (c *Config) GetScannerBaudRate() int {
	if c.Scanner == nil || c.Scanner.BaudRate == nil {
		return 0
	}
	return *c.Scanner.BaudRate
}

// GetScannerParity returns the scanner parity, "" for the default.
func (c *Config) GetScannerParity() string {
	if c.Scanner == nil {
		return ""
	}
	return stringOr(c.Scanner.Parity, "")
}
