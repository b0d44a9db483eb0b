package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type DetectConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	NoFaceAfter    time.Duration `mapstructure:"no_face_after"`
	GazeAwayAfter  time.Duration `mapstructure:"gaze_away_after"`
	ObjectCooldown time.Duration `mapstructure:"object_cooldown"`
	MinScore       float64       `mapstructure:"min_score"`
	GazeOffsetFrac float64       `mapstructure:"gaze_offset_frac"`
	ObjectURL      string        `mapstructure:"object_url"`
	FaceURL        string        `mapstructure:"face_url"`
}

type AgentConfig struct {
	RelayURL           string        `mapstructure:"relay_url"`
	APIBase            string        `mapstructure:"api_base"`
	SessionID          string        `mapstructure:"session_id"`
	Role               string        `mapstructure:"role"`
	Name               string        `mapstructure:"name"`
	STUNServer         string        `mapstructure:"stun_server"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	VideoFile          string        `mapstructure:"video_file"`
	AudioFile          string        `mapstructure:"audio_file"`
	FrameDir           string        `mapstructure:"frame_dir"`
	RecordSlice        time.Duration `mapstructure:"record_slice"`
	Detect             DetectConfig  `mapstructure:"detect"`
}

type StorageConfig struct {
	Backend   string `mapstructure:"backend"` // "local" or "s3"
	LocalDir  string `mapstructure:"local_dir"`
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	PathStyle bool   `mapstructure:"path_style"`
}

type RelayConfig struct {
	Mode      string        `mapstructure:"mode"`
	Port      int           `mapstructure:"port"`
	DBPath    string        `mapstructure:"db_path"`
	ReadLimit int64         `mapstructure:"read_limit"`
	PingEvery time.Duration `mapstructure:"ping_every"`
	Storage   StorageConfig `mapstructure:"storage"`
	Detect    DetectConfig  `mapstructure:"detect"`
}

func newViper(prefix string) *viper.Viper {
	// godotenv does not overwrite existing env vars
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	v.SetConfigFile(fmt.Sprintf("config/%s.%s.yaml", prefix, env))
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix(prefix)
	v.AutomaticEnv()
	return v
}

func LoadAgent() (*AgentConfig, error) {
	v := newViper("agent")

	v.SetDefault("relay_url", "ws://localhost:5000/ws")
	v.SetDefault("api_base", "http://localhost:5000")
	v.SetDefault("role", "interviewee")
	v.SetDefault("name", "Anonymous")
	v.SetDefault("stun_server", "stun:stun.l.google.com:19302")
	v.SetDefault("negotiation_timeout", "30s")
	v.SetDefault("record_slice", "200ms")
	v.SetDefault("detect.interval", "700ms")
	v.SetDefault("detect.no_face_after", "10s")
	v.SetDefault("detect.gaze_away_after", "5s")
	v.SetDefault("detect.object_cooldown", "5s")
	v.SetDefault("detect.min_score", 0.5)
	v.SetDefault("detect.gaze_offset_frac", 0.25)

	if err := v.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "loaded config: %s\n", v.ConfigFileUsed())
	}

	var cfg AgentConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

func LoadRelay() (*RelayConfig, error) {
	v := newViper("relay")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 5000)
	v.SetDefault("db_path", "proctoring.db")
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ping_every", "54s")
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_dir", "static_uploads")
	v.SetDefault("detect.min_score", 0.3)

	if err := v.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "loaded config: %s\n", v.ConfigFileUsed())
	}

	var cfg RelayConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
