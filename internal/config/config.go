package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	Enabled            bool   // hand notifications to the worker over NSQ instead of in-process
	NsqdTCPAddr        string // e.g. nsqd:4150
	LookupHTTPAddr     string // e.g. http://nsqlookupd:4161
	NotificationsTopic string // reconciliation jobs published by the webhook ingress
	WorkerChannel      string // NSQ channel name for workers
	QueueDLQTopic      string // exhausted queue items
}

type Graph struct {
	BaseURL     string        // Graph API root
	AccessToken string        // bearer token; refresh is handled outside this service
	DriveID     string        // drive holding the workbook
	ItemID      string        // workbook drive item
	Table       string        // table name or id inside the workbook
	MaxRetries  int           // retries on 429/5xx
	Timeout     time.Duration // per-request timeout
}

type Subscription struct {
	Resource        string        // resource path to watch
	ChangeType      string        // e.g. "updated"
	NotificationURL string        // public URL of the webhook ingress
	ClientState     string        // shared secret echoed back in every notification
	Lifetime        time.Duration // requested lifetime, capped by the provider maximum
	RenewWindow     time.Duration // renew subscriptions expiring within this window
}

type Queue struct {
	BatchSize   int           // items claimed per drain
	MaxRetries  int           // default max retries for new items
	BaseBackoff time.Duration // nextRetryAt = now + BaseBackoff * 2^retryCount
	ClaimLease  time.Duration // claims older than this are released back to pending
	Concurrency int           // parallel sends within one drain
}

type Reconcile struct {
	NotifyChannels       []string      // channels used for assignment notifications
	ReprocessMaxAttempts int           // stop reprocessing a notification after this many attempts
	StuckAfter           time.Duration // pending notifications older than this are reprocessed
	AckTimeout           time.Duration // time budget for the webhook ingress write
}

type File struct {
	Path          string        // pallet workbook for direct edits
	LockRetries   int           // attempts on lock-class errors
	LockBaseDelay time.Duration // first backoff delay, doubled per attempt
	TempDir       string        // private dir for fallback read copies
}

type Maintenance struct {
	TokenSecret       string        // HS256 secret for scheduled-trigger bearer tokens
	TokenIssuer       string        // expected iss claim
	TokenAudience     string        // expected aud claim
	SchedulerEnabled  bool          // run the periodic jobs in-process in the server
	RenewInterval     time.Duration // subscription renewal cadence
	DrainInterval     time.Duration // delivery queue drain cadence
	ReprocessInterval time.Duration // failed notification reprocessing cadence
}

type Senders struct {
	SMTPAddr      string // host:port
	SMTPUser      string
	SMTPPass      string
	SMTPFrom      string
	SMSBaseURL    string // Twilio-compatible API root
	SMSAccountSID string
	SMSAuthToken  string
	SMSFrom       string
}

type Worker struct {
	MaxAttempts     int             // NSQ attempts per reconciliation job before leaving it to reprocessing
	BackoffSchedule []time.Duration // Requeue backoff durations
	JitterPercent   float64         // Backoff jitter percentage (0.0-1.0)
	HTTPPort        string          // Worker HTTP metrics port
}

type Config struct {
	AppName      string
	HTTPPort     string // :8080
	GRPCPort     string // :50051
	StoreBackend string // postgres or memory
	DB           DB
	NSQ          NSQ
	Graph        Graph
	Subscription Subscription
	Queue        Queue
	Reconcile    Reconcile
	File         File
	Maintenance  Maintenance
	Senders      Senders
	Worker       Worker
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getenvList splits a comma-separated variable, dropping blanks
func getenvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func parseBackoffSchedule(schedule string) []time.Duration {
	if schedule == "" {
		return []time.Duration{5 * time.Second, 30 * time.Second, 2 * time.Minute, 10 * time.Minute}
	}

	parts := strings.Split(schedule, ",")
	durations := make([]time.Duration, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if d, err := time.ParseDuration(part); err == nil {
			durations = append(durations, d)
		}
	}

	if len(durations) == 0 {
		// Fallback to default if parsing failed
		return []time.Duration{5 * time.Second, 30 * time.Second, 2 * time.Minute, 10 * time.Minute}
	}

	return durations
}

func FromEnv() Config {
	driveID := getenv("GRAPH_DRIVE_ID", "")
	return Config{
		AppName:      getenv("APP_NAME", "palletsync"),
		HTTPPort:     getenv("HTTP_PORT", ":8080"),
		GRPCPort:     getenv("GRPC_PORT", ":50051"),
		StoreBackend: getenv("STORE_BACKEND", "postgres"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "palletsync"),
		},
		NSQ: NSQ{
			Enabled:            getenvBool("NSQ_ENABLED", true),
			NsqdTCPAddr:        getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr:     getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			NotificationsTopic: getenv("NSQ_NOTIFICATIONS_TOPIC", "notifications"),
			WorkerChannel:      getenv("NSQ_WORKER_CHANNEL", "reconcilers"),
			QueueDLQTopic:      getenv("NSQ_QUEUE_DLQ_TOPIC", "queue_dlq"),
		},
		Graph: Graph{
			BaseURL:     getenv("GRAPH_BASE_URL", "https://graph.microsoft.com/v1.0"),
			AccessToken: getenv("GRAPH_ACCESS_TOKEN", ""),
			DriveID:     driveID,
			ItemID:      getenv("GRAPH_ITEM_ID", ""),
			Table:       getenv("GRAPH_TABLE", "Pallets"),
			MaxRetries:  getenvInt("GRAPH_MAX_RETRIES", 3),
			Timeout:     getenvDuration("GRAPH_TIMEOUT", 20*time.Second),
		},
		Subscription: Subscription{
			Resource:        getenv("SUBSCRIPTION_RESOURCE", defaultResource(driveID)),
			ChangeType:      getenv("SUBSCRIPTION_CHANGE_TYPE", "updated"),
			NotificationURL: getenv("SUBSCRIPTION_NOTIFICATION_URL", ""),
			ClientState:     getenv("SUBSCRIPTION_CLIENT_STATE", ""),
			Lifetime:        getenvDuration("SUBSCRIPTION_LIFETIME", 4230*time.Minute),
			RenewWindow:     getenvDuration("SUBSCRIPTION_RENEW_WINDOW", 24*time.Hour),
		},
		Queue: Queue{
			BatchSize:   getenvInt("QUEUE_BATCH_SIZE", 50),
			MaxRetries:  getenvInt("QUEUE_MAX_RETRIES", 3),
			BaseBackoff: getenvDuration("QUEUE_BASE_BACKOFF", time.Minute),
			ClaimLease:  getenvDuration("QUEUE_CLAIM_LEASE", 10*time.Minute),
			Concurrency: getenvInt("QUEUE_CONCURRENCY", 4),
		},
		Reconcile: Reconcile{
			NotifyChannels:       getenvList("RECONCILE_NOTIFY_CHANNELS", []string{"push"}),
			ReprocessMaxAttempts: getenvInt("REPROCESS_MAX_ATTEMPTS", 5),
			StuckAfter:           getenvDuration("REPROCESS_STUCK_AFTER", 15*time.Minute),
			AckTimeout:           getenvDuration("WEBHOOK_ACK_TIMEOUT", 3*time.Second),
		},
		File: File{
			Path:          getenv("PALLET_FILE_PATH", "pallets.xlsx"),
			LockRetries:   getenvInt("FILE_LOCK_RETRIES", 5),
			LockBaseDelay: getenvDuration("FILE_LOCK_BASE_DELAY", 200*time.Millisecond),
			TempDir:       getenv("FILE_TEMP_DIR", ""),
		},
		Maintenance: Maintenance{
			TokenSecret:       getenv("CRON_TOKEN_SECRET", ""),
			TokenIssuer:       getenv("CRON_TOKEN_ISSUER", "palletsync"),
			TokenAudience:     getenv("CRON_TOKEN_AUDIENCE", "palletsync-maintenance"),
			SchedulerEnabled:  getenvBool("SCHEDULER_ENABLED", false),
			RenewInterval:     getenvDuration("RENEW_INTERVAL", 12*time.Hour),
			DrainInterval:     getenvDuration("DRAIN_INTERVAL", 2*time.Minute),
			ReprocessInterval: getenvDuration("REPROCESS_INTERVAL", time.Hour),
		},
		Senders: Senders{
			SMTPAddr:      getenv("SMTP_ADDR", ""),
			SMTPUser:      getenv("SMTP_USER", ""),
			SMTPPass:      getenv("SMTP_PASS", ""),
			SMTPFrom:      getenv("SMTP_FROM", "noreply@palletsync.local"),
			SMSBaseURL:    getenv("SMS_BASE_URL", "https://api.twilio.com"),
			SMSAccountSID: getenv("SMS_ACCOUNT_SID", ""),
			SMSAuthToken:  getenv("SMS_AUTH_TOKEN", ""),
			SMSFrom:       getenv("SMS_FROM", ""),
		},
		Worker: Worker{
			MaxAttempts:     getenvInt("MAX_ATTEMPTS", 4),
			BackoffSchedule: parseBackoffSchedule(getenv("BACKOFF_SCHEDULE", "")),
			JitterPercent:   getenvFloat("BACKOFF_JITTER_PCT", 0.25),
			HTTPPort:        ":" + getenv("WORKER_HTTP_PORT", "8083"),
		},
	}
}

// defaultResource watches the drive root, the only driveItem resource Graph accepts subscriptions on
func defaultResource(driveID string) string {
	if driveID == "" {
		return "/me/drive/root"
	}
	return fmt.Sprintf("/drives/%s/root", driveID)
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
