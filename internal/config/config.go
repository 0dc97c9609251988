package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const EnvPrefix = "TALKCASTER"

type Config struct {
	LogLevel   string     `mapstructure:"log_level"`
	Room       Room       `mapstructure:"room"`
	Signaling  Signaling  `mapstructure:"signaling"`
	Media      Media      `mapstructure:"media"`
	Bot        Bot        `mapstructure:"bot"`
	HTTP       HTTP       `mapstructure:"http"`
	Transcript Transcript `mapstructure:"transcript"`
}

type Room struct {
	// URL is the room link, e.g. https://cloud.example/call/abc123.
	URL  string `mapstructure:"url"`
	Nick string `mapstructure:"nick"`
	// Flags are the call flags announced when joining; 3 is in call with audio.
	Flags int `mapstructure:"flags"`
}

// Signaling holds the direct connection settings. When InternalSecret is
// set the HTTP admission is skipped and the bot authenticates as an
// internal client of the signaling server.
type Signaling struct {
	URL              string        `mapstructure:"url"`
	InternalSecret   string        `mapstructure:"internal_secret"`
	Backend          string        `mapstructure:"backend"`
	RoomToken        string        `mapstructure:"room_token"`
	WelcomeTimeout   time.Duration `mapstructure:"welcome_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ReceiveTimeout   time.Duration `mapstructure:"receive_timeout"`
	SendBuffer       int           `mapstructure:"send_buffer"`
}

type Media struct {
	File            string        `mapstructure:"file"`
	Loop            bool          `mapstructure:"loop"`
	FFmpegPath      string        `mapstructure:"ffmpeg_path"`
	FrameDuration   time.Duration `mapstructure:"frame_duration"`
	ICEServers      []string      `mapstructure:"ice_servers"`
	IncludeLoopback bool          `mapstructure:"include_loopback"`
	StatusChannel   bool          `mapstructure:"status_channel"`
	PrebufferFrames int           `mapstructure:"prebuffer_frames"`
	// SubscribeChannels and FrameSamples shape the PCM handed to the
	// frame consumer. FrameSamples is per channel; 0 passes decoded
	// chunks through as they arrive.
	SubscribeChannels int `mapstructure:"subscribe_channels"`
	FrameSamples      int `mapstructure:"frame_samples"`
}

type Bot struct {
	AutoSubscribe    bool          `mapstructure:"auto_subscribe"`
	LeaveOnSourceEnd bool          `mapstructure:"leave_on_source_end"`
	AnswerTimeout    time.Duration `mapstructure:"answer_timeout"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	LeaveTimeout     time.Duration `mapstructure:"leave_timeout"`
	RequestLimit     int           `mapstructure:"request_limit"`
	RequestWindow    time.Duration `mapstructure:"request_window"`
	RetryBase        time.Duration `mapstructure:"retry_base"`
	RetryMax         time.Duration `mapstructure:"retry_max"`
	MaxRetries       uint64        `mapstructure:"max_retries"`
	MaxRepublish     int           `mapstructure:"max_republish"`
}

type HTTP struct {
	Enabled        bool          `mapstructure:"enabled"`
	Mode           string        `mapstructure:"mode"`
	Port           int           `mapstructure:"port"`
	Secret         string        `mapstructure:"secret"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type Transcript struct {
	MinInterval time.Duration `mapstructure:"min_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("room.url", "")
	v.SetDefault("room.nick", "talkcaster")
	v.SetDefault("room.flags", 3)

	v.SetDefault("signaling.url", "")
	v.SetDefault("signaling.internal_secret", "")
	v.SetDefault("signaling.backend", "")
	v.SetDefault("signaling.room_token", "")
	v.SetDefault("signaling.welcome_timeout", "2s")
	v.SetDefault("signaling.handshake_timeout", "10s")
	v.SetDefault("signaling.receive_timeout", "30s")
	v.SetDefault("signaling.send_buffer", 256)

	v.SetDefault("media.file", "")
	v.SetDefault("media.loop", false)
	v.SetDefault("media.ffmpeg_path", "ffmpeg")
	v.SetDefault("media.frame_duration", "20ms")
	v.SetDefault("media.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("media.include_loopback", false)
	v.SetDefault("media.status_channel", true)
	v.SetDefault("media.prebuffer_frames", 3)
	v.SetDefault("media.subscribe_channels", 1)
	v.SetDefault("media.frame_samples", 960)

	v.SetDefault("bot.auto_subscribe", false)
	v.SetDefault("bot.leave_on_source_end", true)
	v.SetDefault("bot.answer_timeout", "12s")
	v.SetDefault("bot.connect_timeout", "30s")
	v.SetDefault("bot.leave_timeout", "60s")
	v.SetDefault("bot.request_limit", 3)
	v.SetDefault("bot.request_window", "30s")
	v.SetDefault("bot.retry_base", "1s")
	v.SetDefault("bot.retry_max", "30s")
	v.SetDefault("bot.max_retries", 8)
	v.SetDefault("bot.max_republish", 2)

	v.SetDefault("http.enabled", false)
	v.SetDefault("http.mode", "release")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.secret", "talkcaster")
	v.SetDefault("http.request_timeout", "5s")

	v.SetDefault("transcript.min_interval", "300ms")
}

// Load reads .env, then config/config.<CONFIG_ENV>.yaml, then TALKCASTER_*
// environment variables, later sources winning.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("module", "config").Err(err).Msg("failed to read .env")
	}

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile is Load without the .env step and with an explicit file name.
// A missing file is not an error.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Info().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Debug().
		Str("module", "config").
		Str("room", cfg.Room.URL).
		Bool("internal_auth", cfg.Signaling.InternalSecret != "").
		Bool("http", cfg.HTTP.Enabled).
		Msg("config")
	return &cfg, nil
}

// Validate checks that one way of reaching the room is configured.
func (c *Config) Validate() error {
	if c.Media.SubscribeChannels < 0 || c.Media.SubscribeChannels > 2 {
		return fmt.Errorf("media.subscribe_channels must be 1 or 2, got %d", c.Media.SubscribeChannels)
	}
	if c.Media.FrameSamples < 0 {
		return fmt.Errorf("media.frame_samples must not be negative, got %d", c.Media.FrameSamples)
	}
	if c.Signaling.InternalSecret != "" {
		if c.Signaling.URL == "" || c.Signaling.RoomToken == "" {
			return errors.New("internal auth needs signaling.url and signaling.room_token")
		}
		return nil
	}
	if c.Room.URL == "" {
		return errors.New("room.url is required")
	}
	return nil
}
