package bootstrap

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerAddr string
	LogLevel   string

	DeepgramAPIKey string
	DeepgramURL    string
	DefaultModel   string
	FFProbePath    string

	UploadsDir      string
	UploadMaxBytes  int64
	UploadRateRPS   float64
	UploadRateBurst int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	StaticDir string
	IndexHTML string
}

// LoadConfig reads the environment, after loading a .env file when one is
// present in the working directory.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		ServerAddr: getEnv("SERVER_ADDR", ":3000"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),

		DeepgramAPIKey: getEnv("DEEPGRAM_API_KEY", ""),
		DeepgramURL:    getEnv("DEEPGRAM_URL", "wss://api.deepgram.com/v1/listen"),
		DefaultModel:   getEnv("DEFAULT_MODEL", "nova-2-general"),
		FFProbePath:    getEnv("FFPROBE_PATH", "ffprobe"),

		UploadsDir:      getEnv("UPLOADS_DIR", "./uploads"),
		UploadMaxBytes:  int64(getEnvInt("UPLOAD_MAX_BYTES", 100<<20)),
		UploadRateRPS:   getEnvFloat("UPLOAD_RATE_RPS", 1),
		UploadRateBurst: getEnvInt("UPLOAD_RATE_BURST", 5),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		StaticDir: getEnv("STATIC_DIR", "./public"),
		IndexHTML: getEnv("INDEX_HTML", "./public/index.html"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
