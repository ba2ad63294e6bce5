package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/alejandrodnm/polyrisk/internal/domain"
)

// Config es la configuración completa del risk core.
type Config struct {
	Fees       domain.Fees      `yaml:"fees"`
	Sizer      SizerConfig      `yaml:"sizer"`
	KillSwitch KillSwitchConfig `yaml:"killswitch"`
	Backtest   BacktestConfig   `yaml:"backtest"`
	Storage    StorageConfig    `yaml:"storage"`
	Log        LogConfig        `yaml:"log"`
}

// SizerConfig controla el Kelly sizer. Los porcentajes son 0–100 del bankroll.
type SizerConfig struct {
	Bankroll               float64 `yaml:"bankroll"`
	KellyMultiplier        float64 `yaml:"kelly_multiplier"`
	MaxSinglePositionPct   float64 `yaml:"max_single_position_pct"`
	MaxTotalExposurePct    float64 `yaml:"max_total_exposure_pct"`
	MaxStrategyExposurePct float64 `yaml:"max_strategy_exposure_pct"` // 0 = sin cap por estrategia
}

// KillSwitchConfig controla los umbrales y la persistencia del kill switch.
// Los porcentajes son fracciones (0.15 = 15%).
type KillSwitchConfig struct {
	CircuitBreakerPct      float64 `yaml:"circuit_breaker_pct"`
	DailyLossPct           float64 `yaml:"daily_loss_pct"`
	CooldownHours          float64 `yaml:"cooldown_hours"`
	SentinelPath           string  `yaml:"sentinel_path"`
	StateFile              string  `yaml:"state_file"`   // backend file
	HistoryFile            string  `yaml:"history_file"` // backend file
	MonitorIntervalSeconds int     `yaml:"monitor_interval_seconds"`
	ReadTimeoutSeconds     int     `yaml:"read_timeout_seconds"`
}

// BacktestConfig controla el simulador.
type BacktestConfig struct {
	InitialCapital  float64 `yaml:"initial_capital"`
	DefaultFraction float64 `yaml:"default_fraction"`
	Workers         int     `yaml:"workers"` // 0 = NumCPU en modo paralelo
	Strategy        string  `yaml:"strategy"`
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	Backend string `yaml:"backend"` // sqlite | file
	DSN     string `yaml:"dsn"`     // ruta al archivo SQLite, o ":memory:"
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Defaults devuelve la configuración usada cuando una key no aparece en el YAML.
func Defaults() Config {
	return Config{
		Fees: domain.Fees{EntryFee: 0.02, ExitFee: 0.02},
		Sizer: SizerConfig{
			Bankroll:             1000,
			KellyMultiplier:      0.25,
			MaxSinglePositionPct: 6.25,
			MaxTotalExposurePct:  25.0,
		},
		KillSwitch: KillSwitchConfig{
			CircuitBreakerPct:      0.15,
			DailyLossPct:           0.05,
			CooldownHours:          24,
			SentinelPath:           "EMERGENCY_STOP",
			StateFile:              "killswitch_state.json",
			HistoryFile:            "killswitch_history.jsonl",
			MonitorIntervalSeconds: 30,
			ReadTimeoutSeconds:     10,
		},
		Backtest: BacktestConfig{
			InitialCapital:  1000,
			DefaultFraction: 0.10,
			Strategy:        "backtest",
		},
		Storage: StorageConfig{Backend: "sqlite", DSN: "polyrisk.db"},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Las keys ausentes conservan su default, así un fee de 0 explícito se respeta.
// Los valores del entorno sobreescriben los del YAML.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// Validate comprueba los rangos de cada opción. Devuelve todos los fallos
// juntos; cada uno envuelve domain.ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", domain.ErrInvalidConfig, fmt.Sprintf(format, args...)))
	}

	if !inHalfOpen(c.Fees.EntryFee) {
		bad("fees.entry_fee=%v must be in [0,1)", c.Fees.EntryFee)
	}
	if !inHalfOpen(c.Fees.ExitFee) {
		bad("fees.exit_fee=%v must be in [0,1)", c.Fees.ExitFee)
	}

	s := c.Sizer
	if !(s.Bankroll > 0) {
		bad("sizer.bankroll=%v must be > 0", s.Bankroll)
	}
	if !(s.KellyMultiplier > 0 && s.KellyMultiplier <= 1) {
		bad("sizer.kelly_multiplier=%v must be in (0,1]", s.KellyMultiplier)
	}
	if !(s.MaxSinglePositionPct > 0 && s.MaxSinglePositionPct <= 100) {
		bad("sizer.max_single_position_pct=%v must be in (0,100]", s.MaxSinglePositionPct)
	}
	if !(s.MaxTotalExposurePct > 0 && s.MaxTotalExposurePct <= 100) {
		bad("sizer.max_total_exposure_pct=%v must be in (0,100]", s.MaxTotalExposurePct)
	} else if s.MaxTotalExposurePct < s.MaxSinglePositionPct {
		bad("sizer.max_total_exposure_pct=%v must be >= max_single_position_pct=%v",
			s.MaxTotalExposurePct, s.MaxSinglePositionPct)
	}
	if !(s.MaxStrategyExposurePct >= 0 && s.MaxStrategyExposurePct <= 100) {
		bad("sizer.max_strategy_exposure_pct=%v must be in [0,100]", s.MaxStrategyExposurePct)
	}

	k := c.KillSwitch
	if !(k.CircuitBreakerPct > 0 && k.CircuitBreakerPct < 1) {
		bad("killswitch.circuit_breaker_pct=%v must be in (0,1)", k.CircuitBreakerPct)
	}
	if !(k.DailyLossPct > 0 && k.DailyLossPct < 1) {
		bad("killswitch.daily_loss_pct=%v must be in (0,1)", k.DailyLossPct)
	}
	if !(k.CooldownHours >= 0) {
		bad("killswitch.cooldown_hours=%v must be >= 0", k.CooldownHours)
	}
	if k.SentinelPath == "" {
		bad("killswitch.sentinel_path must not be empty")
	}
	if k.MonitorIntervalSeconds <= 0 {
		bad("killswitch.monitor_interval_seconds=%d must be > 0", k.MonitorIntervalSeconds)
	}
	if k.ReadTimeoutSeconds <= 0 {
		bad("killswitch.read_timeout_seconds=%d must be > 0", k.ReadTimeoutSeconds)
	}

	b := c.Backtest
	if !(b.InitialCapital > 0) {
		bad("backtest.initial_capital=%v must be > 0", b.InitialCapital)
	}
	if !(b.DefaultFraction > 0 && b.DefaultFraction <= 1) {
		bad("backtest.default_fraction=%v must be in (0,1]", b.DefaultFraction)
	}
	if b.Workers < 0 {
		bad("backtest.workers=%d must be >= 0", b.Workers)
	}

	switch c.Storage.Backend {
	case "sqlite":
		if c.Storage.DSN == "" {
			bad("storage.dsn must not be empty for the sqlite backend")
		}
	case "file":
		if k.StateFile == "" || k.HistoryFile == "" {
			bad("killswitch.state_file and history_file are required for the file backend")
		}
	default:
		bad("storage.backend=%q must be sqlite or file", c.Storage.Backend)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		bad("log.level=%q must be debug, info, warn or error", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		bad("log.format=%q must be text or json", c.Log.Format)
	}

	return errors.Join(errs...)
}

// Cooldown devuelve el cooldown del kill switch como time.Duration.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.KillSwitch.CooldownHours * float64(time.Hour))
}

// MonitorInterval devuelve el intervalo de polling del monitor.
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.KillSwitch.MonitorIntervalSeconds) * time.Second
}

// ReadTimeout devuelve el timeout de cada lectura de balance.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.KillSwitch.ReadTimeoutSeconds) * time.Second
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("POLYRISK_DB"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("POLYRISK_SENTINEL"); v != "" {
		cfg.KillSwitch.SentinelPath = v
	}
	if v := os.Getenv("POLYRISK_BANKROLL"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("POLYRISK_BANKROLL=%q: %w", v, err)
		}
		cfg.Sizer.Bankroll = f
	}
	return nil
}

func inHalfOpen(v float64) bool {
	return v >= 0 && v < 1
}
