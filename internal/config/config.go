// Package config загружает статическую конфигурацию конвейера: YAML-файл,
// переопределения из окружения и проверку согласованности порогов
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"cachetune-service/internal/faults"
)

// Роли узла
const (
	RoleData        = "data"
	RoleCoordinator = "coordinator"
)

// Бэкенды хранилища действий
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendBadger = "badger"
)

// Config содержит конфигурацию сервиса. После запуска не изменяется.
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	Cycle       CycleConfig       `yaml:"cycle"`
	Window      WindowConfig      `yaml:"window"`
	RCA         RCAConfig         `yaml:"rca"`
	Decider     DeciderConfig     `yaml:"decider"`
	Persistence PersistenceConfig `yaml:"persistence"`
	HTTP        HTTPConfig        `yaml:"http"`
	Log         LogConfig         `yaml:"log"`
}

// NodeConfig описывает текущий узел
type NodeConfig struct {
	ID         string   `yaml:"id" validate:"required,max=128"`
	ListenAddr string   `yaml:"listen_addr" validate:"required"`
	Roles      []string `yaml:"roles" validate:"required,min=1,unique,dive,oneof=data coordinator"`
}

// Member узел кластера из статической топологии
type Member struct {
	ID    string   `yaml:"id" validate:"required"`
	Addr  string   `yaml:"addr" validate:"required"`
	Roles []string `yaml:"roles" validate:"required,min=1,dive,oneof=data coordinator"`
}

// ClusterConfig статическая топология. Текущий координатор может быть
// заменен сервисом членства во время работы.
type ClusterConfig struct {
	CoordinatorID string   `yaml:"coordinator_id" validate:"required"`
	Nodes         []Member `yaml:"nodes" validate:"dive"`
}

// CycleConfig параметры цикла
type CycleConfig struct {
	Interval        time.Duration `yaml:"interval" validate:"gt=0"`
	PublishTimeout  time.Duration `yaml:"publish_timeout" validate:"gt=0"`
	Workers         int           `yaml:"workers" validate:"gte=1,lte=256"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// WindowConfig параметры окна хранилища сэмплов
type WindowConfig struct {
	// Cycles W: глубина окна в циклах
	Cycles int `yaml:"cycles" validate:"gte=1,lte=10000"`
	// StaleNodeCycles K: через сколько циклов без сэмплов партиция удаляется
	StaleNodeCycles int `yaml:"stale_node_cycles" validate:"gte=1"`
}

// RCAConfig пороги и гистерезис оценщика здоровья
type RCAConfig struct {
	UnhealthyCycles     int     `yaml:"unhealthy_cycles" validate:"gte=1"`
	RecoveryCycles      int     `yaml:"recovery_cycles" validate:"gte=1"`
	MinEvictions        float64 `yaml:"min_evictions" validate:"gte=0"`
	MinEvictionHitRatio float64 `yaml:"min_eviction_hit_ratio" validate:"gte=0"`
	SizeThreshold       float64 `yaml:"size_threshold" validate:"gt=0,lte=1"`
	HeapUsageThreshold  float64 `yaml:"heap_usage_threshold" validate:"gt=0,lte=1"`
}

// DeciderConfig параметры Decider
type DeciderConfig struct {
	MinEvidenceCycles     int     `yaml:"min_evidence_cycles" validate:"gte=1"`
	CoolOffCycles         uint64  `yaml:"cool_off_cycles" validate:"gte=1"`
	StepPercent           float64 `yaml:"step_percent" validate:"gt=0,lte=1"`
	CacheHeapCeilingRatio float64 `yaml:"cache_heap_ceiling_ratio" validate:"gt=0,lte=1"`
}

// PersistenceConfig выбор и параметры хранилища действий
type PersistenceConfig struct {
	Backend string       `yaml:"backend" validate:"oneof=memory redis badger"`
	Redis   RedisConfig  `yaml:"redis"`
	Badger  BadgerConfig `yaml:"badger"`
}

// RedisConfig параметры подключения к Redis
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db" validate:"gte=0"`
	KeyPrefix string `yaml:"key_prefix"`
}

// BadgerConfig параметры встроенного журнала BadgerDB
type BadgerConfig struct {
	Path       string `yaml:"path"`
	InMemory   bool   `yaml:"in_memory"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// HTTPConfig параметры HTTP сервера
type HTTPConfig struct {
	// RateLimit лимит запросов приема сэмплов в секунду, 0 отключает лимит
	RateLimit    float64       `yaml:"rate_limit" validate:"gte=0"`
	Burst        int           `yaml:"burst" validate:"gte=0"`
	ReadTimeout  time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gte=0"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" validate:"gte=0"`
}

// LogConfig параметры логирования
type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

// Default возвращает конфигурацию эталонного развертывания (циклы по 5s)
func Default() Config {
	return Config{
		Node: NodeConfig{
			ID:         "auto",
			ListenAddr: ":9650",
			Roles:      []string{RoleData, RoleCoordinator},
		},
		Cluster: ClusterConfig{CoordinatorID: "auto"},
		Cycle: CycleConfig{
			Interval:        5 * time.Second,
			PublishTimeout:  4 * time.Second,
			Workers:         8,
			ShutdownTimeout: 30 * time.Second,
		},
		Window: WindowConfig{Cycles: 12, StaleNodeCycles: 6},
		RCA: RCAConfig{
			UnhealthyCycles:     3,
			RecoveryCycles:      1,
			MinEvictions:        1,
			MinEvictionHitRatio: 0.1,
			SizeThreshold:       0.9,
			HeapUsageThreshold:  0.9,
		},
		Decider: DeciderConfig{
			MinEvidenceCycles:     3,
			CoolOffCycles:         12,
			StepPercent:           0.1,
			CacheHeapCeilingRatio: 0.05,
		},
		Persistence: PersistenceConfig{
			Backend: BackendMemory,
			Redis:   RedisConfig{Addr: "localhost:6379", KeyPrefix: "cachetune:"},
			Badger:  BadgerConfig{Path: "./data/actions", SyncWrites: true},
		},
		HTTP: HTTPConfig{
			RateLimit:    1000,
			Burst:        2000,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load читает YAML-файл (если path не пуст), применяет переменные окружения
// и проверяет результат
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := Decode(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)
	resolveAuto(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode разбирает YAML поверх текущих значений cfg, неизвестные поля дают ошибку.
func Decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("%w: parse yaml: %v", faults.ErrInvalidConfiguration, err)
	}
	return nil
}

// resolveAuto подставляет сгенерированный ID узла вместо "auto"
func resolveAuto(cfg *Config) {
	if cfg.Node.ID == "auto" || cfg.Node.ID == "" {
		cfg.Node.ID = "node-" + uuid.NewString()[:8]
	}
	if cfg.Cluster.CoordinatorID == "auto" || cfg.Cluster.CoordinatorID == "" {
		if cfg.HasRole(RoleCoordinator) {
			cfg.Cluster.CoordinatorID = cfg.Node.ID
		}
	}
}

var validate = validator.New()

// Validate проверяет теги и межполевые инварианты
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", faults.ErrInvalidConfiguration, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", faults.ErrInvalidConfiguration, err)
	}

	var problems []string
	if c.Decider.MinEvidenceCycles < c.RCA.UnhealthyCycles {
		problems = append(problems, fmt.Sprintf(
			"decider.min_evidence_cycles (%d) must be >= rca.unhealthy_cycles (%d)",
			c.Decider.MinEvidenceCycles, c.RCA.UnhealthyCycles))
	}
	if c.Window.Cycles < c.RCA.UnhealthyCycles {
		problems = append(problems, fmt.Sprintf(
			"window.cycles (%d) must cover rca.unhealthy_cycles (%d)",
			c.Window.Cycles, c.RCA.UnhealthyCycles))
	}
	if c.Cycle.PublishTimeout > c.Cycle.Interval {
		problems = append(problems, fmt.Sprintf(
			"cycle.publish_timeout (%s) must not exceed cycle.interval (%s)",
			c.Cycle.PublishTimeout, c.Cycle.Interval))
	}
	switch c.Persistence.Backend {
	case BackendRedis:
		if c.Persistence.Redis.Addr == "" {
			problems = append(problems, "persistence.redis.addr is required for redis backend")
		}
	case BackendBadger:
		if c.Persistence.Badger.Path == "" && !c.Persistence.Badger.InMemory {
			problems = append(problems, "persistence.badger.path is required unless in_memory")
		}
	}
	if len(c.Cluster.Nodes) > 0 {
		if _, ok := c.Member(c.Node.ID); !ok {
			problems = append(problems, fmt.Sprintf("node %q is not listed in cluster.nodes", c.Node.ID))
		}
		coord, ok := c.Member(c.Cluster.CoordinatorID)
		if !ok {
			problems = append(problems, fmt.Sprintf("coordinator %q is not listed in cluster.nodes", c.Cluster.CoordinatorID))
		} else if !slices.Contains(coord.Roles, RoleCoordinator) {
			problems = append(problems, fmt.Sprintf("coordinator %q lacks the coordinator role", coord.ID))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", faults.ErrInvalidConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

// HasRole сообщает, выполняет ли текущий узел роль
func (c Config) HasRole(role string) bool {
	return slices.Contains(c.Node.Roles, role)
}

// Member ищет узел в статической топологии
func (c Config) Member(id string) (Member, bool) {
	for _, m := range c.Cluster.Nodes {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}

// applyEnv переопределяет поля из переменных окружения
func applyEnv(cfg *Config) {
	cfg.Node.ID = getEnv("CACHETUNE_NODE_ID", cfg.Node.ID)
	cfg.Node.ListenAddr = getEnv("CACHETUNE_LISTEN_ADDR", cfg.Node.ListenAddr)
	if roles := os.Getenv("CACHETUNE_ROLES"); roles != "" {
		cfg.Node.Roles = strings.Split(roles, ",")
	}
	cfg.Cluster.CoordinatorID = getEnv("CACHETUNE_COORDINATOR_ID", cfg.Cluster.CoordinatorID)
	cfg.Cycle.Interval = getEnvDuration("CACHETUNE_CYCLE_INTERVAL", cfg.Cycle.Interval)
	cfg.Cycle.PublishTimeout = getEnvDuration("CACHETUNE_PUBLISH_TIMEOUT", cfg.Cycle.PublishTimeout)
	cfg.Persistence.Backend = getEnv("CACHETUNE_PERSISTENCE", cfg.Persistence.Backend)
	cfg.Persistence.Redis.Addr = getEnv("CACHETUNE_REDIS_ADDR", cfg.Persistence.Redis.Addr)
	cfg.Persistence.Redis.Password = getEnv("CACHETUNE_REDIS_PASSWORD", cfg.Persistence.Redis.Password)
	cfg.Persistence.Redis.DB = getEnvInt("CACHETUNE_REDIS_DB", cfg.Persistence.Redis.DB)
	cfg.Persistence.Badger.Path = getEnv("CACHETUNE_BADGER_PATH", cfg.Persistence.Badger.Path)
	cfg.Log.Level = getEnv("CACHETUNE_LOG_LEVEL", cfg.Log.Level)
}

// getEnv получает переменную окружения с значением по умолчанию
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt получает целочисленную переменную окружения
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvDuration получает длительность из переменной окружения
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
