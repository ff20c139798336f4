package ops

import (
	"math"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/yanun0323/errors"

	"main/pkg/exception"
)

// FileConfig mirrors the config file layout.
type FileConfig struct {
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Database DatabaseConfig `mapstructure:"database"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Tiers    TiersConfig    `mapstructure:"tiers"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Scale    ScaleConfig    `mapstructure:"scale"`
	Basket   BasketConfig   `mapstructure:"basket"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Ops      OpsConfig      `mapstructure:"ops"`
	Trading  TradingConfig  `mapstructure:"trading"`
}

// ExchangeConfig controls the gateway. Sandbox/live is resolved once at
// construction and never mixed within one instance.
type ExchangeConfig struct {
	BaseURL   string        `mapstructure:"baseUrl"`
	APIKey    string        `mapstructure:"apiKey"`
	APISecret string        `mapstructure:"apiSecret"`
	Sandbox   bool          `mapstructure:"sandbox"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig points at the position ledger. An empty host selects the
// in-memory store, which is only meant for sandbox runs and tests.
type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SSLMode      string `mapstructure:"sslMode"`
	MaxOpenConns int    `mapstructure:"maxOpenConns"`
	LogQueries   bool   `mapstructure:"logQueries"`
}

// RetryConfig bounds the RateLimited retry loop.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"maxAttempts"`
	BackoffBase time.Duration `mapstructure:"backoffBase"`
	BackoffCap  time.Duration `mapstructure:"backoffCap"`
	CoolDown    time.Duration `mapstructure:"coolDown"`
}

// TierConfig caps concentration for one tier.
type TierConfig struct {
	Symbols      []string `mapstructure:"symbols"`
	MaxAllocPct  float64  `mapstructure:"maxAllocPct"`
	MinVolume    float64  `mapstructure:"minVolume"`
	MinMarketCap float64  `mapstructure:"minMarketCap"`
}

// TiersConfig holds the static tier tables. Tier3 symbols are operator
// configurable; unknown symbols classify Excluded.
type TiersConfig struct {
	Tier1      TierConfig `mapstructure:"tier1"`
	Tier2      TierConfig `mapstructure:"tier2"`
	Tier3      TierConfig `mapstructure:"tier3"`
	Exclusions []string   `mapstructure:"exclusions"`
}

// RiskConfig holds the validator limits. All percentages are 0-100.
type RiskConfig struct {
	DailyLossLimitPct    float64             `mapstructure:"dailyLossLimitPct"`
	MaxDrawdownPct       float64             `mapstructure:"maxDrawdownPct"`
	MaxPositionPct       float64             `mapstructure:"maxPositionPct"`
	MaxCorrelatedPct     float64             `mapstructure:"maxCorrelatedPct"`
	CorrelationThreshold float64             `mapstructure:"correlationThreshold"`
	PerTradeRiskPct      float64             `mapstructure:"perTradeRiskPct"`
	CorrelationGroups    map[string][]string `mapstructure:"correlationGroups"`
}

// ScaleConfig controls scaled entries and exits.
type ScaleConfig struct {
	EntrySplits   []float64     `mapstructure:"entrySplits"`
	EntryDropsPct []float64     `mapstructure:"entryDropsPct"`
	ExitSplits    []float64     `mapstructure:"exitSplits"`
	ExitGainsPct  []float64     `mapstructure:"exitGainsPct"`
	TrailingPct   float64       `mapstructure:"trailingPct"`
	LegTimeout    time.Duration `mapstructure:"legTimeout"`
}

// BasketConfig controls position count and rotation.
type BasketConfig struct {
	MaxPositions      int           `mapstructure:"maxPositions"`
	MinHold           time.Duration `mapstructure:"minHold"`
	RotateMinScore    float64       `mapstructure:"rotateMinScore"`
	RotateWeakScore   float64       `mapstructure:"rotateWeakScore"`
	RotateImprovement float64       `mapstructure:"rotateImprovement"`
	AgeYoung          time.Duration `mapstructure:"ageYoung"`
	AgePrime          time.Duration `mapstructure:"agePrime"`
	AgeOld            time.Duration `mapstructure:"ageOld"`
}

// FeedConfig controls the websocket price feed.
type FeedConfig struct {
	URL      string   `mapstructure:"url"`
	Symbols  []string `mapstructure:"symbols"`
	QueueCap int      `mapstructure:"queueCap"`
}

// OpsConfig holds observability endpoints and the scheduler cadence.
type OpsConfig struct {
	MetricsAddr   string        `mapstructure:"metricsAddr"`
	PyroscopeAddr string        `mapstructure:"pyroscopeAddr"`
	CycleInterval time.Duration `mapstructure:"cycleInterval"`
}

// TradingConfig is the safety switch. The live value is re-read on each
// reload so an operator can pause without a deploy.
type TradingConfig struct {
	Status string `mapstructure:"status"`
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Exchange ExchangeConfig
	Database DatabaseConfig
	Retry    RetryConfig
	Tiers    TiersConfig
	Risk     RiskConfig
	Scale    ScaleConfig
	Basket   BasketConfig
	Feed     FeedConfig
	Ops      OpsConfig
	Trading  TradingConfig
}

// Load reads the config file, applies env overrides and validates eagerly.
// Malformed splits or thresholds fail here, not at the first trade.
func Load(path string) (Loaded, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("TRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Loaded{}, errors.Wrap(err, "read config")
		}
	}

	var cfg FileConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return Loaded{}, errors.Wrap(err, "unmarshal config")
	}

	loaded := Loaded{
		Exchange: cfg.Exchange,
		Database: cfg.Database,
		Retry:    cfg.Retry,
		Tiers:    cfg.Tiers,
		Risk:     cfg.Risk,
		Scale:    cfg.Scale,
		Basket:   cfg.Basket,
		Feed:     cfg.Feed,
		Ops:      cfg.Ops,
		Trading:  cfg.Trading,
	}
	if err := loaded.Validate(); err != nil {
		return Loaded{}, err
	}

	return loaded, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("exchange.timeout", 15*time.Second)
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("retry.maxAttempts", 3)
	v.SetDefault("retry.backoffBase", time.Second)
	v.SetDefault("retry.backoffCap", 10*time.Second)
	v.SetDefault("retry.coolDown", time.Minute)
	v.SetDefault("tiers.tier1.maxAllocPct", 60)
	v.SetDefault("tiers.tier2.maxAllocPct", 25)
	v.SetDefault("tiers.tier3.maxAllocPct", 15)
	v.SetDefault("risk.dailyLossLimitPct", 5)
	v.SetDefault("risk.maxDrawdownPct", 15)
	v.SetDefault("risk.maxPositionPct", 20)
	v.SetDefault("risk.maxCorrelatedPct", 40)
	v.SetDefault("risk.correlationThreshold", 0.7)
	v.SetDefault("risk.perTradeRiskPct", 2)
	v.SetDefault("scale.entrySplits", []float64{33, 33, 34})
	v.SetDefault("scale.entryDropsPct", []float64{5, 10})
	v.SetDefault("scale.exitSplits", []float64{33, 33, 34})
	v.SetDefault("scale.exitGainsPct", []float64{5, 10})
	v.SetDefault("scale.trailingPct", 5)
	v.SetDefault("scale.legTimeout", 168*time.Hour)
	v.SetDefault("basket.maxPositions", 10)
	v.SetDefault("basket.minHold", 4*time.Hour)
	v.SetDefault("basket.rotateMinScore", 60)
	v.SetDefault("basket.rotateWeakScore", 40)
	v.SetDefault("basket.rotateImprovement", 20)
	v.SetDefault("basket.ageYoung", 4*time.Hour)
	v.SetDefault("basket.agePrime", 24*time.Hour)
	v.SetDefault("basket.ageOld", 72*time.Hour)
	v.SetDefault("feed.queueCap", 1024)
	v.SetDefault("ops.metricsAddr", ":9180")
	v.SetDefault("ops.cycleInterval", time.Minute)
	v.SetDefault("trading.status", "ACTIVE")
}

// Validate checks the whole surface once at load.
func (l Loaded) Validate() error {
	if err := validateSplits("scale.entrySplits", l.Scale.EntrySplits); err != nil {
		return err
	}
	if err := validateSplits("scale.exitSplits", l.Scale.ExitSplits); err != nil {
		return err
	}
	if len(l.Scale.EntryDropsPct) != len(l.Scale.EntrySplits)-1 {
		return errors.Wrap(exception.ErrConfigInvalid, "scale.entryDropsPct must cover legs 2..N")
	}
	if len(l.Scale.ExitGainsPct) != len(l.Scale.ExitSplits)-1 {
		return errors.Wrap(exception.ErrConfigInvalid, "scale.exitGainsPct must cover legs 2..N")
	}
	if l.Scale.LegTimeout <= 0 {
		return errors.Wrap(exception.ErrConfigInvalid, "scale.legTimeout must be > 0")
	}

	for _, pct := range []struct {
		name  string
		value float64
	}{
		{"risk.dailyLossLimitPct", l.Risk.DailyLossLimitPct},
		{"risk.maxDrawdownPct", l.Risk.MaxDrawdownPct},
		{"risk.maxPositionPct", l.Risk.MaxPositionPct},
		{"risk.maxCorrelatedPct", l.Risk.MaxCorrelatedPct},
		{"risk.perTradeRiskPct", l.Risk.PerTradeRiskPct},
	} {
		if pct.value <= 0 || pct.value > 100 {
			return errors.Wrap(exception.ErrConfigInvalid, pct.name+" must be in (0, 100]")
		}
	}
	if l.Risk.CorrelationThreshold <= 0 || l.Risk.CorrelationThreshold > 1 {
		return errors.Wrap(exception.ErrConfigInvalid, "risk.correlationThreshold must be in (0, 1]")
	}

	for _, tier := range []struct {
		name string
		cfg  TierConfig
	}{
		{"tiers.tier1", l.Tiers.Tier1},
		{"tiers.tier2", l.Tiers.Tier2},
		{"tiers.tier3", l.Tiers.Tier3},
	} {
		if tier.cfg.MaxAllocPct <= 0 || tier.cfg.MaxAllocPct > 100 {
			return errors.Wrap(exception.ErrConfigInvalid, tier.name+".maxAllocPct must be in (0, 100]")
		}
	}

	if l.Basket.MaxPositions <= 0 {
		return errors.Wrap(exception.ErrConfigInvalid, "basket.maxPositions must be > 0")
	}
	if l.Basket.AgeYoung >= l.Basket.AgePrime || l.Basket.AgePrime >= l.Basket.AgeOld {
		return errors.Wrap(exception.ErrConfigInvalid, "basket age cutoffs must be increasing")
	}
	if l.Retry.MaxAttempts <= 0 || l.Retry.BackoffBase <= 0 || l.Retry.BackoffCap < l.Retry.BackoffBase {
		return errors.Wrap(exception.ErrConfigInvalid, "retry parameters out of range")
	}

	return nil
}

// validateSplits checks leg split percentages sum to 100 within 0.1.
func validateSplits(name string, splits []float64) error {
	if len(splits) == 0 {
		return errors.Wrap(exception.ErrConfigInvalid, name+" must not be empty")
	}

	sum := 0.0
	for _, s := range splits {
		if s <= 0 {
			return errors.Wrap(exception.ErrConfigInvalid, name+" entries must be > 0")
		}
		sum += s
	}
	if math.Abs(sum-100) > 0.1 {
		return errors.Wrap(exception.ErrConfigInvalid, name+" must sum to 100")
	}

	return nil
}
