package constants

import "time"

const Version = "0.3.0"

// Network defaults
const (
	DefaultRelayListen  = ":8090"
	DefaultRelayChannel = "cardboardhrv"
	DefaultRedisPort    = "6379"
	DefaultPairingBase  = "http://localhost:5173/connect-mobile"
	WSBufferSize        = 16384
	MaxWSMessageSize    = 256 * 1024 // camera previews stay well below this
	WSHandshakeTimeout  = 5 * time.Second
	WSWriteTimeout      = 5 * time.Second
	WSPingPeriod        = 30 * time.Second
	WSPongWait          = 60 * time.Second
	MaxConnectionsPerIP = 20
	ClientSendQueue     = 64
)

// Local viewer dashboard
const (
	DefaultDashboardAddr     = "127.0.0.1:8091"
	DashboardShutdownTimeout = 5 * time.Second
	DashboardClientQueue     = 16
)

// Session settings
const (
	MaxSessionIDLength  = 64
	SessionIDLength     = 8
	RedisKeyPrefix      = "cardboardhrv:session:"
	RedisSessionTTL     = 24 * time.Hour
	PollingFilePrefix   = "cardboardhrv-"
	PollingLogSize      = 256
	MessageDedupeWindow = 256
)

// Liveness
const (
	PingInterval     = 20 * time.Second
	PresenceTimeout  = 3 * PingInterval
	InitTimeout      = 5 * time.Second
	SendTimeout      = 5 * time.Second
	RecordingTimeout = 2 * time.Second
	PollInterval     = time.Second
)

// Sensor pipeline
const (
	FrameRate      = 30
	SampleWindow   = 5 * time.Second
	MinSamples     = 30
	MinBPM         = 40
	MaxBPM         = 200
	EstimateEvery  = 15
	PreviewEvery   = 10
	PreviewWidth   = 160
	PreviewHeight  = 120
	PreviewQuality = 50
	HistorySize    = 60
)

// Time formats
const (
	TimeFormatShort = "15:04:05"
)

// ANSI color codes
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorDim    = "\033[2m"
	ColorCyan   = "\033[36m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorRed    = "\033[31m"
	ColorPurple = "\033[35m"
)
