package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hays/internal/logger"
)

// loadEnv читает .env только вне production (в контейнере/prod конфиг только из env).
// Уже заданные переменные окружения не перезаписываются.
func loadEnv() {
	if os.Getenv("APP_ENV") == "production" {
		return
	}
	paths := []string{".env", "../.env", "../../.env"}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			logger.Errorf("config: ошибка чтения %s: %v", p, err)
		}
		return
	}
}

// Хранилища сессии (токен и закреплённые посты).
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreRedis  = "redis"
	StorePebble = "pebble"
)

// WSConfig - настройки канала событий (клиентская сторона WebSocket).
type WSConfig struct {
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	MaxMessageSize  int64
	SendBufferSize  int
	ReconnectMaxGap time.Duration
}

// Config содержит настройки клиента: адреса бэкенда, тайм-ауты, хранилище сессии.
// Приоритет: переменные окружения > YAML-файл > значения по умолчанию.
type Config struct {
	APIBaseURL string
	SocketURL  string

	HTTPTimeout time.Duration

	// ConversationPageSize - limit для GET /messages/conversations.
	ConversationPageSize int

	// Повторы фоновых запросов (текущий пользователь) при отсутствии ответа сервера.
	FetchRetries    int
	FetchRetryDelay time.Duration
	UserCacheTTL    time.Duration

	WS WSConfig

	SessionStore string
	SessionFile  string
	SessionDir   string
	RedisURL     string

	// ConversationPrefix - маркер канонического ключа беседы ("convo:<a>:<b>").
	ConversationPrefix string

	// MetricsAddr - адрес для /metrics; пусто - не слушать.
	MetricsAddr string

	LogLevel string
}

// yamlConfig - промежуточная структура для парсинга YAML.
type yamlConfig struct {
	APIBaseURL            string `yaml:"api_base_url"`
	SocketURL             string `yaml:"socket_url"`
	HTTPTimeout           int    `yaml:"http_timeout"`
	ConversationPageSize  int    `yaml:"conversation_page_size"`
	FetchRetries          int    `yaml:"fetch_retries"`
	FetchRetryDelayMS     int    `yaml:"fetch_retry_delay_ms"`
	UserCacheSeconds      int    `yaml:"user_cache_seconds"`
	WSWriteTimeout        int    `yaml:"ws_write_timeout"`
	WSPongTimeout         int    `yaml:"ws_pong_timeout"`
	WSMaxMessageSize      int    `yaml:"ws_max_message_size"`
	WSSendBufferSize      int    `yaml:"ws_send_buffer_size"`
	WSReconnectMaxSeconds int    `yaml:"ws_reconnect_max_seconds"`
	SessionStore          string `yaml:"session_store"`
	SessionFile           string `yaml:"session_file"`
	SessionDir            string `yaml:"session_dir"`
	RedisURL              string `yaml:"redis_url"`
	ConversationPrefix    string `yaml:"conversation_prefix"`
	MetricsAddr           string `yaml:"metrics_addr"`
	LogLevel              string `yaml:"log_level"`
}

func defaults() yamlConfig {
	return yamlConfig{
		APIBaseURL:            "http://127.0.0.1:8000",
		HTTPTimeout:           15,
		ConversationPageSize:  20,
		FetchRetries:          2,
		FetchRetryDelayMS:     800,
		UserCacheSeconds:      60,
		WSWriteTimeout:        10,
		WSPongTimeout:         60,
		WSMaxMessageSize:      64 << 10,
		WSSendBufferSize:      64,
		WSReconnectMaxSeconds: 30,
		SessionStore:          StoreFile,
		SessionFile:           "session.yaml",
		SessionDir:            "session.db",
		RedisURL:              "redis://localhost:6379",
		ConversationPrefix:    "convo",
		LogLevel:              "info",
	}
}

// Load загружает конфигурацию.
// Сначала подгружаются переменные из .env (если есть), затем YAML и env (env имеет приоритет).
func Load() *Config {
	loadEnv()
	yc := defaults()

	paths := []string{os.Getenv("CONFIG_PATH"), "config/client.yaml"}
	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := parse(data, &yc); err != nil {
			logger.Errorf("config: ошибка парсинга %s: %v (используются значения по умолчанию)", path, err)
		} else {
			logger.Infof("config: загружен %s", path)
		}
		break
	}
	return fromYAML(yc)
}

// parse разбирает YAML поверх уже заполненных значений по умолчанию.
func parse(data []byte, yc *yamlConfig) error {
	return yaml.Unmarshal(data, yc)
}

func fromYAML(yc yamlConfig) *Config {
	cfg := &Config{
		APIBaseURL:           strings.TrimSuffix(envStr("API_BASE_URL", yc.APIBaseURL), "/"),
		SocketURL:            envStr("SOCKET_URL", yc.SocketURL),
		HTTPTimeout:          time.Duration(envInt("HTTP_TIMEOUT", yc.HTTPTimeout)) * time.Second,
		ConversationPageSize: envInt("CONVERSATION_PAGE_SIZE", yc.ConversationPageSize),
		FetchRetries:         envInt("FETCH_RETRIES", yc.FetchRetries),
		FetchRetryDelay:      time.Duration(envInt("FETCH_RETRY_DELAY_MS", yc.FetchRetryDelayMS)) * time.Millisecond,
		UserCacheTTL:         time.Duration(envInt("USER_CACHE_SECONDS", yc.UserCacheSeconds)) * time.Second,
		WS: WSConfig{
			WriteTimeout:    time.Duration(envInt("WS_WRITE_TIMEOUT", yc.WSWriteTimeout)) * time.Second,
			PongTimeout:     time.Duration(envInt("WS_PONG_TIMEOUT", yc.WSPongTimeout)) * time.Second,
			MaxMessageSize:  int64(envInt("WS_MAX_MESSAGE_SIZE", yc.WSMaxMessageSize)),
			SendBufferSize:  envInt("WS_SEND_BUFFER_SIZE", yc.WSSendBufferSize),
			ReconnectMaxGap: time.Duration(envInt("WS_RECONNECT_MAX_SECONDS", yc.WSReconnectMaxSeconds)) * time.Second,
		},
		SessionStore:       strings.ToLower(envStr("SESSION_STORE", yc.SessionStore)),
		SessionFile:        envStr("SESSION_FILE", yc.SessionFile),
		SessionDir:         envStr("SESSION_DIR", yc.SessionDir),
		RedisURL:           envStr("REDIS_URL", yc.RedisURL),
		ConversationPrefix: envStr("CONVERSATION_PREFIX", yc.ConversationPrefix),
		MetricsAddr:        envStr("METRICS_ADDR", yc.MetricsAddr),
		LogLevel:           envStr("LOG_LEVEL", yc.LogLevel),
	}
	if cfg.SocketURL == "" {
		cfg.SocketURL = SocketURLFromAPI(cfg.APIBaseURL)
	}
	if cfg.ConversationPageSize <= 0 {
		cfg.ConversationPageSize = 20
	}
	if cfg.FetchRetries < 0 {
		cfg.FetchRetries = 0
	}
	switch cfg.SessionStore {
	case StoreMemory, StoreFile, StoreRedis, StorePebble:
	default:
		logger.Errorf("config: неизвестное session_store=%q, используется %s", cfg.SessionStore, StoreFile)
		cfg.SessionStore = StoreFile
	}
	return cfg
}

// SocketURLFromAPI выводит адрес канала событий из адреса REST API:
// http→ws, https→wss, путь /ws.
func SocketURLFromAPI(api string) string {
	u := strings.TrimSuffix(api, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

// envStr возвращает значение переменной окружения или fallback.
func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envInt возвращает числовое значение переменной окружения или fallback.
func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
