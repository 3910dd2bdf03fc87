package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"

	"github.com/teleclinic/consult/internal/origin"
)

const (
	envVarEnvFile         = "CONSULT_ENV_FILE"
	envVarMode            = "CONSULT_MODE"
	envVarLogFormat       = "CONSULT_LOG_FORMAT"
	envVarLogLevel        = "CONSULT_LOG_LEVEL"
	envVarShutdownTimeout = "CONSULT_SHUTDOWN_TIMEOUT"

	// Relay.
	envVarListenAddr                    = "CONSULT_LISTEN_ADDR"
	envVarPublicBaseURL                 = "CONSULT_PUBLIC_BASE_URL"
	envVarAllowedOrigins                = "CONSULT_ALLOWED_ORIGINS"
	envVarAuthMode                      = "CONSULT_AUTH_MODE"
	envVarJWTSecret                     = "CONSULT_JWT_SECRET"
	envVarJoinTimeout                   = "CONSULT_JOIN_TIMEOUT"
	envVarSignalingWSIdleTimeout        = "CONSULT_SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "CONSULT_SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "CONSULT_MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "CONSULT_MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarMaxSessions                   = "CONSULT_MAX_SESSIONS"
	envVarDedupWindow                   = "CONSULT_DEDUP_WINDOW"
	envVarSchedulingURL                 = "CONSULT_SCHEDULING_URL"
	envVarSchedulingFile                = "CONSULT_SCHEDULING_FILE"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "CONSULT_TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "CONSULT_TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "CONSULT_TURN_REST_USERNAME_PREFIX"

	// Agent.
	envVarRelayURL             = "CONSULT_RELAY_URL"
	envVarSessionID            = "CONSULT_SESSION_ID"
	envVarToken                = "CONSULT_TOKEN"
	envVarReconnectInitial     = "CONSULT_RECONNECT_INITIAL"
	envVarReconnectMax         = "CONSULT_RECONNECT_MAX"
	envVarReconnectAttempts    = "CONSULT_RECONNECT_ATTEMPTS"
	envVarOutboxSize           = "CONSULT_OUTBOX_SIZE"
	envVarSignalingSendRate    = "CONSULT_SIGNALING_SEND_RATE"
	envVarReconnectRearm       = "CONSULT_RECONNECT_REARM"
	envVarNegotiationTimeout   = "CONSULT_NEGOTIATION_TIMEOUT"
	envVarGracePeriod          = "CONSULT_GRACE_PERIOD"
	envVarQualityInterval      = "CONSULT_QUALITY_INTERVAL"
	envVarQualityThresholds    = "CONSULT_QUALITY_THRESHOLDS"
	envVarAutosaveInterval     = "CONSULT_AUTOSAVE_INTERVAL"
	envVarRecordingDir         = "CONSULT_RECORDING_DIR"
	envVarSpillThresholdBytes  = "CONSULT_SPILL_THRESHOLD_BYTES"
	envVarUploadAttempts       = "CONSULT_UPLOAD_ATTEMPTS"
	envVarUploadInitialBackoff = "CONSULT_UPLOAD_INITIAL_BACKOFF"
	envVarPendingRetryInterval = "CONSULT_PENDING_RETRY_INTERVAL"
	envVarSpoolDir             = "CONSULT_SPOOL_DIR"
	envVarStorageBackend       = "CONSULT_STORAGE_BACKEND"
	envVarStorageDir           = "CONSULT_STORAGE_DIR"
	envVarS3Bucket             = "CONSULT_S3_BUCKET"
	envVarS3Region             = "CONSULT_S3_REGION"
	envVarS3Endpoint           = "CONSULT_S3_ENDPOINT"
	envVarS3AccessKey          = "CONSULT_S3_ACCESS_KEY"
	envVarS3SecretKey          = "CONSULT_S3_SECRET_KEY"
	envVarS3PartSize           = "CONSULT_S3_PART_SIZE"
	envVarRecordsDSN           = "CONSULT_RECORDS_DSN"
	envVarCameraFile           = "CONSULT_CAMERA_FILE"
	envVarScreenFile           = "CONSULT_SCREEN_FILE"
	envVarMicrophoneFile       = "CONSULT_MICROPHONE_FILE"
	envVarWebRTCUDPPortMin     = "CONSULT_WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax     = "CONSULT_WEBRTC_UDP_PORT_MAX"

	DefaultListenAddr                    = "127.0.0.1:8080"
	DefaultRelayURL                      = "ws://127.0.0.1:8080/v1/signal"
	DefaultShutdown                      = 15 * time.Second
	DefaultMode                     Mode = ModeDev
	DefaultJoinTimeout                   = 5 * time.Second
	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultDedupWindow                   = 1024

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "consult"

	DefaultReconnectInitial     = 1 * time.Second
	DefaultReconnectMax         = 30 * time.Second
	DefaultReconnectAttempts    = 8
	DefaultOutboxSize           = 256
	DefaultSignalingSendRate    = 40
	DefaultReconnectRearm       = 30 * time.Second
	DefaultNegotiationTimeout   = 30 * time.Second
	DefaultGracePeriod          = 60 * time.Second
	DefaultQualityInterval      = 5 * time.Second
	DefaultQualityThresholds    = "0.02:150ms,0.05:300ms,0.15:600ms"
	DefaultAutosaveInterval     = 30 * time.Second
	DefaultRecordingDir         = "recordings"
	DefaultSpillThresholdBytes  = 8 << 20 // 8MiB per track
	DefaultUploadAttempts       = 3
	DefaultUploadInitialBackoff = 2 * time.Second
	DefaultPendingRetryInterval = 5 * time.Minute
	DefaultSpoolDir             = "spool"
	DefaultStorageBackend       = StorageBackendDir
	DefaultStorageDir           = "uploads"
	DefaultS3PartSize           = int64(8 << 20)
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone AuthMode = "none"
	AuthModeJWT  AuthMode = "jwt"
)

type StorageBackend string

const (
	StorageBackendDir StorageBackend = "dir"
	StorageBackendS3  StorageBackend = "s3"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

// QualityBound is the upper bound of one quality tier. A sample belongs to
// the first tier whose loss and round-trip bounds it satisfies.
type QualityBound struct {
	MaxLoss float64
	MaxRTT  time.Duration
}

type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	PartSize  int64 `validate:"gte=5242880"`
}

type Config struct {
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration `validate:"gt=0"`

	AuthMode  AuthMode
	JWTSecret string

	// Relay.
	ListenAddr                    string `validate:"required"`
	PublicBaseURL                 string
	AllowedOrigins                []string
	JoinTimeout                   time.Duration `validate:"gt=0"`
	SignalingWSIdleTimeout        time.Duration `validate:"gt=0"`
	SignalingWSPingInterval       time.Duration `validate:"gt=0,ltfield=SignalingWSIdleTimeout"`
	MaxSignalingMessageBytes      int64         `validate:"gt=0"`
	MaxSignalingMessagesPerSecond int           `validate:"gt=0"`
	// MaxSessions caps concurrently open rooms. 0 means unlimited.
	MaxSessions    int `validate:"gte=0"`
	DedupWindow    int `validate:"gt=0"`
	SchedulingURL  string
	SchedulingFile string
	ICEServers     []webrtc.ICEServer
	TURNREST       TurnRESTConfig

	// Agent.
	RelayURL             string `validate:"required,url"`
	SessionID            string
	Token                string
	ReconnectInitial     time.Duration  `validate:"gt=0"`
	ReconnectMax         time.Duration  `validate:"gtefield=ReconnectInitial"`
	ReconnectAttempts    int            `validate:"gte=1"`
	OutboxSize           int            `validate:"gte=1"`
	SignalingSendRate    int            `validate:"gt=0,ltefield=MaxSignalingMessagesPerSecond"`
	ReconnectRearm       time.Duration  `validate:"gt=0"`
	NegotiationTimeout   time.Duration  `validate:"gt=0"`
	GracePeriod          time.Duration  `validate:"gt=0"`
	QualityInterval      time.Duration  `validate:"gt=0"`
	QualityThresholds    []QualityBound `validate:"len=3"`
	AutosaveInterval     time.Duration  `validate:"gt=0"`
	RecordingDir         string         `validate:"required"`
	SpillThresholdBytes  int            `validate:"gt=0"`
	UploadAttempts       int            `validate:"gte=1"`
	UploadInitialBackoff time.Duration  `validate:"gt=0"`
	PendingRetryInterval time.Duration  `validate:"gt=0"`
	SpoolDir             string         `validate:"required"`
	StorageBackend       StorageBackend `validate:"oneof=dir s3"`
	StorageDir           string
	S3                   S3Config
	RecordsDSN           string
	CameraFile           string
	ScreenFile           string
	MicrophoneFile       string

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. When nil, pion
	// uses OS ephemeral port selection.
	WebRTCUDPPortRange *UDPPortRange

	iceConfigErr error
}

func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

var validate = validator.New()

// Load reads configuration from an optional .env file, the environment, and
// command-line flags, in increasing order of precedence.
func Load(args []string) (Config, error) {
	if err := loadEnvFile(os.Getenv(envVarEnvFile)); err != nil {
		return Config{}, err
	}
	return load(os.LookupEnv, args)
}

func loadEnvFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}
	if !explicit && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s %q: %w", envVarEnvFile, path, err)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	modeDefault := envOrDefault(lookup, envVarMode, string(DefaultMode))

	envLogFormat := envOrDefault(lookup, envVarLogFormat, "")
	envLogLevel := envOrDefault(lookup, envVarLogLevel, "")
	logFormatDefault := envLogFormat
	if logFormatDefault == "" {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}
	logLevelDefault := envLogLevel
	if logLevelDefault == "" {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	var errs []error
	durations := func(key string, fallback time.Duration) time.Duration {
		d, err := envDurationOrDefault(lookup, key, fallback)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	ints := func(key string, fallback int) int {
		n, err := envIntOrDefault(lookup, key, fallback)
		if err != nil {
			errs = append(errs, err)
		}
		return n
	}

	cfg := Config{
		ListenAddr:                    envOrDefault(lookup, envVarListenAddr, DefaultListenAddr),
		PublicBaseURL:                 envOrDefault(lookup, envVarPublicBaseURL, ""),
		JWTSecret:                     envOrDefault(lookup, envVarJWTSecret, ""),
		ShutdownTimeout:               durations(envVarShutdownTimeout, DefaultShutdown),
		JoinTimeout:                   durations(envVarJoinTimeout, DefaultJoinTimeout),
		SignalingWSIdleTimeout:        durations(envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout),
		SignalingWSPingInterval:       durations(envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval),
		MaxSignalingMessagesPerSecond: ints(envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond),
		MaxSessions:                   ints(envVarMaxSessions, 0),
		DedupWindow:                   ints(envVarDedupWindow, DefaultDedupWindow),
		SchedulingURL:                 envOrDefault(lookup, envVarSchedulingURL, ""),
		SchedulingFile:                envOrDefault(lookup, envVarSchedulingFile, ""),

		RelayURL:             envOrDefault(lookup, envVarRelayURL, DefaultRelayURL),
		SessionID:            envOrDefault(lookup, envVarSessionID, ""),
		Token:                envOrDefault(lookup, envVarToken, ""),
		ReconnectInitial:     durations(envVarReconnectInitial, DefaultReconnectInitial),
		ReconnectMax:         durations(envVarReconnectMax, DefaultReconnectMax),
		ReconnectAttempts:    ints(envVarReconnectAttempts, DefaultReconnectAttempts),
		OutboxSize:           ints(envVarOutboxSize, DefaultOutboxSize),
		SignalingSendRate:    ints(envVarSignalingSendRate, DefaultSignalingSendRate),
		ReconnectRearm:       durations(envVarReconnectRearm, DefaultReconnectRearm),
		NegotiationTimeout:   durations(envVarNegotiationTimeout, DefaultNegotiationTimeout),
		GracePeriod:          durations(envVarGracePeriod, DefaultGracePeriod),
		QualityInterval:      durations(envVarQualityInterval, DefaultQualityInterval),
		AutosaveInterval:     durations(envVarAutosaveInterval, DefaultAutosaveInterval),
		RecordingDir:         envOrDefault(lookup, envVarRecordingDir, DefaultRecordingDir),
		SpillThresholdBytes:  ints(envVarSpillThresholdBytes, DefaultSpillThresholdBytes),
		UploadAttempts:       ints(envVarUploadAttempts, DefaultUploadAttempts),
		UploadInitialBackoff: durations(envVarUploadInitialBackoff, DefaultUploadInitialBackoff),
		PendingRetryInterval: durations(envVarPendingRetryInterval, DefaultPendingRetryInterval),
		SpoolDir:             envOrDefault(lookup, envVarSpoolDir, DefaultSpoolDir),
		StorageDir:           envOrDefault(lookup, envVarStorageDir, DefaultStorageDir),
		S3: S3Config{
			Bucket:    envOrDefault(lookup, envVarS3Bucket, ""),
			Region:    envOrDefault(lookup, envVarS3Region, "us-east-1"),
			Endpoint:  envOrDefault(lookup, envVarS3Endpoint, ""),
			AccessKey: envOrDefault(lookup, envVarS3AccessKey, ""),
			SecretKey: envOrDefault(lookup, envVarS3SecretKey, ""),
		},
		RecordsDSN:     envOrDefault(lookup, envVarRecordsDSN, ""),
		CameraFile:     envOrDefault(lookup, envVarCameraFile, ""),
		ScreenFile:     envOrDefault(lookup, envVarScreenFile, ""),
		MicrophoneFile: envOrDefault(lookup, envVarMicrophoneFile, ""),
		TURNREST: TurnRESTConfig{
			SharedSecret:   envOrDefault(lookup, envVarTURNRESTSharedSecret, ""),
			TTLSeconds:     DefaultTURNRESTTTLSeconds,
			UsernamePrefix: envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix),
		},
	}
	cfg.MaxSignalingMessageBytes = DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err))
		}
		cfg.MaxSignalingMessageBytes = n
	}
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err))
		}
		cfg.TURNREST.TTLSeconds = n
	}
	cfg.S3.PartSize = DefaultS3PartSize
	if raw, ok := lookup(envVarS3PartSize); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s %q: %w", envVarS3PartSize, raw, err))
		}
		cfg.S3.PartSize = n
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}

	var webrtcUDPPortMin, webrtcUDPPortMax uint
	for key, dst := range map[string]*uint{envVarWebRTCUDPPortMin: &webrtcUDPPortMin, envVarWebRTCUDPPortMax: &webrtcUDPPortMax} {
		if raw, ok := lookup(key); ok && strings.TrimSpace(raw) != "" {
			p, err := parsePortString(raw)
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s %q: %w", key, raw, err)
			}
			*dst = uint(p)
		}
	}

	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")
	qualityThresholdsStr := envOrDefault(lookup, envVarQualityThresholds, DefaultQualityThresholds)
	storageBackendStr := envOrDefault(lookup, envVarStorageBackend, string(DefaultStorageBackend))
	authModeStr := envOrDefault(lookup, envVarAuthMode, "")

	fs := flag.NewFlagSet("consult", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&authModeStr, "auth-mode", authModeStr, "Participant token verification: none or jwt (default: none in dev, jwt in prod; env "+envVarAuthMode+")")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "HS256 secret for participant tokens (env "+envVarJWTSecret+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config (env "+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs (env "+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs (env "+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (env "+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential (env "+envTurnCredential+")")
	fs.UintVar(&webrtcUDPPortMin, "webrtc-udp-port-min", webrtcUDPPortMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&webrtcUDPPortMax, "webrtc-udp-port-max", webrtcUDPPortMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")

	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&cfg.PublicBaseURL, "public-base-url", cfg.PublicBaseURL, "Public base URL (optional; used for logging)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.DurationVar(&cfg.JoinTimeout, "join-timeout", cfg.JoinTimeout, "Time a new connection has to send join_session (env "+envVarJoinTimeout+")")
	fs.DurationVar(&cfg.SignalingWSIdleTimeout, "signaling-ws-idle-timeout", cfg.SignalingWSIdleTimeout, "Close idle signaling WebSocket connections after this duration (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&cfg.SignalingWSPingInterval, "signaling-ws-ping-interval", cfg.SignalingWSPingInterval, "Ping interval on signaling WebSocket connections (must be < --signaling-ws-idle-timeout; env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&cfg.MaxSignalingMessageBytes, "max-signaling-message-bytes", cfg.MaxSignalingMessageBytes, "Max inbound signaling message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&cfg.MaxSignalingMessagesPerSecond, "max-signaling-messages-per-second", cfg.MaxSignalingMessagesPerSecond, "Max inbound signaling messages per second per connection (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.IntVar(&cfg.MaxSessions, "max-sessions", cfg.MaxSessions, "Maximum concurrent session rooms (0 = unlimited)")
	fs.IntVar(&cfg.DedupWindow, "dedup-window", cfg.DedupWindow, "Recent message ids remembered per participant for de-duplication (env "+envVarDedupWindow+")")
	fs.StringVar(&cfg.SchedulingURL, "scheduling-url", cfg.SchedulingURL, "Scheduling service base URL (env "+envVarSchedulingURL+")")
	fs.StringVar(&cfg.SchedulingFile, "scheduling-file", cfg.SchedulingFile, "JSON file of appointments, used when no scheduling URL is set (env "+envVarSchedulingFile+")")
	fs.StringVar(&cfg.TURNREST.SharedSecret, "turn-rest-shared-secret", cfg.TURNREST.SharedSecret, "TURN REST shared secret (env "+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&cfg.TURNREST.TTLSeconds, "turn-rest-ttl-seconds", cfg.TURNREST.TTLSeconds, "TURN REST credential TTL seconds (env "+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&cfg.TURNREST.UsernamePrefix, "turn-rest-username-prefix", cfg.TURNREST.UsernamePrefix, "TURN REST username prefix (env "+envVarTURNRESTUsernamePrefix+")")

	fs.StringVar(&cfg.RelayURL, "relay-url", cfg.RelayURL, "Signaling relay WebSocket URL (env "+envVarRelayURL+")")
	fs.StringVar(&cfg.SessionID, "session-id", cfg.SessionID, "Consultation session id to join (env "+envVarSessionID+")")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "Participant token (env "+envVarToken+")")
	fs.DurationVar(&cfg.ReconnectInitial, "reconnect-initial", cfg.ReconnectInitial, "First signaling reconnect delay (env "+envVarReconnectInitial+")")
	fs.DurationVar(&cfg.ReconnectMax, "reconnect-max", cfg.ReconnectMax, "Signaling reconnect delay cap (env "+envVarReconnectMax+")")
	fs.IntVar(&cfg.ReconnectAttempts, "reconnect-attempts", cfg.ReconnectAttempts, "Failed reconnects before the channel is reported unavailable (env "+envVarReconnectAttempts+")")
	fs.IntVar(&cfg.OutboxSize, "outbox-size", cfg.OutboxSize, "Max signaling messages buffered while disconnected (env "+envVarOutboxSize+")")
	fs.IntVar(&cfg.SignalingSendRate, "signaling-send-rate", cfg.SignalingSendRate, "Max signaling messages written per second, kept at or under the relay limit (env "+envVarSignalingSendRate+")")
	fs.DurationVar(&cfg.ReconnectRearm, "reconnect-rearm", cfg.ReconnectRearm, "Delay before retrying signaling after reconnects gave up (env "+envVarReconnectRearm+")")
	fs.DurationVar(&cfg.NegotiationTimeout, "negotiation-timeout", cfg.NegotiationTimeout, "Peer negotiation ceiling (env "+envVarNegotiationTimeout+")")
	fs.DurationVar(&cfg.GracePeriod, "grace-period", cfg.GracePeriod, "Time to wait after the last participant leaves before ending (env "+envVarGracePeriod+")")
	fs.DurationVar(&cfg.QualityInterval, "quality-interval", cfg.QualityInterval, "Network quality sampling interval (env "+envVarQualityInterval+")")
	fs.StringVar(&qualityThresholdsStr, "quality-thresholds", qualityThresholdsStr, "Upper bounds loss:rtt for excellent,good,poor tiers (env "+envVarQualityThresholds+")")
	fs.DurationVar(&cfg.AutosaveInterval, "autosave-interval", cfg.AutosaveInterval, "Clinical notes autosave interval (env "+envVarAutosaveInterval+")")
	fs.StringVar(&cfg.RecordingDir, "recording-dir", cfg.RecordingDir, "Local directory for recording spill and artifacts (env "+envVarRecordingDir+")")
	fs.IntVar(&cfg.SpillThresholdBytes, "spill-threshold-bytes", cfg.SpillThresholdBytes, "In-memory recording bytes per track before spilling to disk (env "+envVarSpillThresholdBytes+")")
	fs.IntVar(&cfg.UploadAttempts, "upload-attempts", cfg.UploadAttempts, "Upload attempts before an artifact is marked pending (env "+envVarUploadAttempts+")")
	fs.DurationVar(&cfg.UploadInitialBackoff, "upload-initial-backoff", cfg.UploadInitialBackoff, "First upload retry delay (env "+envVarUploadInitialBackoff+")")
	fs.DurationVar(&cfg.PendingRetryInterval, "pending-retry-interval", cfg.PendingRetryInterval, "Interval between pending upload retries (env "+envVarPendingRetryInterval+")")
	fs.StringVar(&cfg.SpoolDir, "spool-dir", cfg.SpoolDir, "Durable local spool directory (env "+envVarSpoolDir+")")
	fs.StringVar(&storageBackendStr, "storage-backend", storageBackendStr, "Artifact storage backend: dir or s3 (env "+envVarStorageBackend+")")
	fs.StringVar(&cfg.StorageDir, "storage-dir", cfg.StorageDir, "Destination directory for the dir storage backend (env "+envVarStorageDir+")")
	fs.StringVar(&cfg.S3.Bucket, "s3-bucket", cfg.S3.Bucket, "S3 bucket (env "+envVarS3Bucket+")")
	fs.StringVar(&cfg.S3.Region, "s3-region", cfg.S3.Region, "S3 region (env "+envVarS3Region+")")
	fs.StringVar(&cfg.S3.Endpoint, "s3-endpoint", cfg.S3.Endpoint, "S3-compatible endpoint URL (env "+envVarS3Endpoint+")")
	fs.Int64Var(&cfg.S3.PartSize, "s3-part-size", cfg.S3.PartSize, "S3 multipart part size in bytes (env "+envVarS3PartSize+")")
	fs.StringVar(&cfg.RecordsDSN, "records-dsn", cfg.RecordsDSN, "Postgres DSN of the clinical-record store; empty uses an in-memory store (env "+envVarRecordsDSN+")")
	fs.StringVar(&cfg.CameraFile, "camera-file", cfg.CameraFile, "IVF file played as the camera device (env "+envVarCameraFile+")")
	fs.StringVar(&cfg.ScreenFile, "screen-file", cfg.ScreenFile, "IVF file played as the screen capture device (env "+envVarScreenFile+")")
	fs.StringVar(&cfg.MicrophoneFile, "microphone-file", cfg.MicrophoneFile, "Ogg/Opus file played as the microphone device (env "+envVarMicrophoneFile+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	if envLogFormat == "" && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if envLogLevel == "" && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}
	if cfg.LogFormat, err = parseLogFormat(logFormatStr); err != nil {
		return Config{}, err
	}
	if cfg.LogLevel, err = parseLogLevel(logLevelStr); err != nil {
		return Config{}, err
	}
	cfg.Mode = mode
	if strings.TrimSpace(authModeStr) == "" {
		authModeStr = defaultAuthModeForMode(mode)
	}
	if cfg.AuthMode, err = parseAuthMode(authModeStr); err != nil {
		return Config{}, err
	}
	if cfg.AuthMode == AuthModeJWT && strings.TrimSpace(cfg.JWTSecret) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarJWTSecret, envVarAuthMode, AuthModeJWT)
	}
	cfg.StorageBackend = StorageBackend(strings.ToLower(strings.TrimSpace(storageBackendStr)))
	if cfg.StorageBackend == StorageBackendS3 && strings.TrimSpace(cfg.S3.Bucket) == "" {
		return Config{}, fmt.Errorf("%s/--s3-bucket must be set when %s=s3", envVarS3Bucket, envVarStorageBackend)
	}

	if cfg.AllowedOrigins, err = parseAllowedOrigins(allowedOriginsStr); err != nil {
		return Config{}, fmt.Errorf("invalid %s/--allowed-origins: %w", envVarAllowedOrigins, err)
	}
	if cfg.QualityThresholds, err = ParseQualityThresholds(qualityThresholdsStr); err != nil {
		return Config{}, fmt.Errorf("invalid %s/--quality-thresholds %q: %w", envVarQualityThresholds, qualityThresholdsStr, err)
	}

	if cfg.TURNREST.Enabled() {
		if cfg.TURNREST.TTLSeconds <= 0 {
			return Config{}, fmt.Errorf("%s must be > 0 when %s is set", envVarTURNRESTTTLSeconds, envVarTURNRESTSharedSecret)
		}
		if strings.TrimSpace(cfg.TURNREST.UsernamePrefix) == "" || strings.Contains(cfg.TURNREST.UsernamePrefix, ":") {
			return Config{}, fmt.Errorf("%s must be non-empty and must not contain ':'", envVarTURNRESTUsernamePrefix)
		}
	}

	if webrtcUDPPortMin != 0 || webrtcUDPPortMax != 0 {
		if webrtcUDPPortMin == 0 || webrtcUDPPortMax == 0 {
			return Config{}, fmt.Errorf("%s/--webrtc-udp-port-min and %s/--webrtc-udp-port-max must be set together (or both unset)", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
		}
		minPort, err := parsePortUint(webrtcUDPPortMin)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s/--webrtc-udp-port-min: %w", envVarWebRTCUDPPortMin, err)
		}
		maxPort, err := parsePortUint(webrtcUDPPortMax)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s/--webrtc-udp-port-max: %w", envVarWebRTCUDPPortMax, err)
		}
		if minPort > maxPort {
			return Config{}, fmt.Errorf("webrtc udp port range min (%d) must be <= max (%d)", minPort, maxPort)
		}
		cfg.WebRTCUDPPortRange = &UDPPortRange{Min: minPort, Max: maxPort}
	}

	if err := validate.Struct(cfg); err != nil {
		return Config{}, describeValidationError(err)
	}

	iceServers, err := iceSettings{
		json:           iceServersJSON,
		stunURLs:       stunURLs,
		turnURLs:       turnURLs,
		turnUsername:   turnUsername,
		turnCredential: turnCredential,
		mintedTURN:     cfg.TURNREST.Enabled(),
	}.servers()
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func describeValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s (got %v)", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s must satisfy %s (got %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// ParseQualityThresholds parses three comma-separated loss:rtt upper bounds
// for the excellent, good and poor tiers. Anything worse is very-poor.
func ParseQualityThresholds(raw string) ([]QualityBound, error) {
	parts := commaList(raw)
	if len(parts) != 3 {
		return nil, fmt.Errorf("expected 3 bounds, got %d", len(parts))
	}
	out := make([]QualityBound, 0, 3)
	for _, part := range parts {
		lossStr, rttStr, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("bound %q must be loss:rtt", part)
		}
		loss, err := strconv.ParseFloat(strings.TrimSpace(lossStr), 64)
		if err != nil || loss < 0 || loss > 1 {
			return nil, fmt.Errorf("loss %q must be a fraction in [0,1]", lossStr)
		}
		rtt, err := time.ParseDuration(strings.TrimSpace(rttStr))
		if err != nil || rtt <= 0 {
			return nil, fmt.Errorf("rtt %q must be a positive duration", rttStr)
		}
		if n := len(out); n > 0 && (loss < out[n-1].MaxLoss || rtt < out[n-1].MaxRTT) {
			return nil, fmt.Errorf("bounds must be non-decreasing")
		}
		out = append(out, QualityBound{MaxLoss: loss, MaxRTT: rtt})
	}
	return out, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func defaultAuthModeForMode(mode Mode) string {
	if mode == ModeProd {
		return string(AuthModeJWT)
	}
	return string(AuthModeNone)
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeJWT)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range commaList(raw) {
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalizedOrigin, _, ok := origin.Normalize(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}
	return out, nil
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}
