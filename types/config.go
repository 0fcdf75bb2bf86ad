package types

import "time"

// AppConfig represents the application configuration loaded from config file
type AppConfig struct {
	Endpoint         string        `yaml:"endpoint" env:"BATCHSEND_ENDPOINT"` // ingestion endpoint, opaque transport target
	AuthURL          string        `yaml:"authURL" env:"BATCHSEND_AUTH_URL"`  // auth redirect boundary, only probed for reachability
	Port             int           `yaml:"port" env:"BATCHSEND_PORT"`         // local control API port
	MaxConcurrent    int           `yaml:"maxConcurrent" env:"BATCHSEND_MAX_CONCURRENT"`
	MaxBytes         int64         `yaml:"maxBytes" env:"BATCHSEND_MAX_BYTES"`
	AllowedTypes     []string      `yaml:"allowedTypes" env:"BATCHSEND_ALLOWED_TYPES" env-separator:","`
	ProgressInterval time.Duration `yaml:"progressInterval" env:"BATCHSEND_PROGRESS_INTERVAL"` // 0 disables time based coalescing
	RequestTimeout   time.Duration `yaml:"requestTimeout" env:"BATCHSEND_REQUEST_TIMEOUT"`     // 0 means no timeout
	NotifySocket     string        `yaml:"notifySocket,omitempty" env:"BATCHSEND_NOTIFY_SOCKET"`
	NotifyWS         bool          `yaml:"notifyWS" env:"BATCHSEND_NOTIFY_WS"`
	ReceiptTTL       time.Duration `yaml:"receiptTTL" env:"BATCHSEND_RECEIPT_TTL"`
}

// Config holds runtime overrides from CLI flags
type Config struct {
	Log              string
	UseConfigPath    string
	UseEndpoint      string
	UsePort          int
	UseMaxConcurrent int
	UseMaxBytes      int64
	UseAllowedTypes  []string
	SkipNotify       bool // if true, unix socket notifications are not sent
	SkipReachCheck   bool // upload command: skip the pre-flight reachability probe
}
