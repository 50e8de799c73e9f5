package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"ussd-airtime-bot/logging"
)

const (
	DefaultConfigPath    = "etc/app.yaml"
	DefaultAddr          = ":8080"
	DefaultDatabase      = "airtime.db"
	DefaultOperatorsFile = "etc/mobile_networks.json"

	DefaultPurchaserInterval = 10 * time.Second
	DefaultPollInterval      = 10 * time.Second
	DefaultMaxPolls          = 10

	DefaultBalanceSchedule     = "@every 1h"
	DefaultInboundPollInterval = 15 * time.Second

	DefaultBaudRate    = 115200
	DefaultUSSDTimeout = 30 * time.Second
	DefaultGatewayWait = 60 * time.Second

	DefaultNSQTopic       = "airtime-events"
	DefaultRedisNamespace = "airtime"
	DefaultLockTTL        = 2 * time.Minute

	ChannelKindModem   = "modem"
	ChannelKindGateway = "gateway"
)

// App holds process-wide settings.
type App struct {
	Addr          string `yaml:"Addr"`          // HTTP API listen address
	Database      string `yaml:"Database"`      // SQLite file
	OperatorsFile string `yaml:"OperatorsFile"` // operator metadata records
}

// Purchaser controls the background purchase loop.
type Purchaser struct {
	Enabled      bool          `yaml:"Enabled"`
	Interval     time.Duration `yaml:"Interval"`     // pause between queue scans
	PollInterval time.Duration `yaml:"PollInterval"` // pause between confirmation checks
	MaxPolls     int           `yaml:"MaxPolls"`     // checks before forcing pending to unknown
}

type Balance struct {
	Schedule     string `yaml:"Schedule"`     // cron expression, empty disables
	LowThreshold string `yaml:"LowThreshold"` // decimal, empty disables alerts
}

type Inbound struct {
	PollInterval time.Duration `yaml:"PollInterval"`
}

// Channel is a transport the USSD commands are dialled through.
type Channel struct {
	Name        string        `yaml:"Name"`
	Kind        string        `yaml:"Kind"` // modem | gateway
	PortName    string        `yaml:"PortName"`
	BaudRate    int           `yaml:"BaudRate"`
	USSDTimeout time.Duration `yaml:"USSDTimeout"`
	URL         string        `yaml:"URL"`
}

type SIM struct {
	Operator string `yaml:"Operator"`
	Channel  string `yaml:"Channel"`
	PIN      string `yaml:"PIN"`
}

type Bot struct {
	Enabled  bool    `yaml:"Enabled"`
	Token    string  `yaml:"Token"`
	AdminIDs []int64 `yaml:"AdminIDs"`
}

type NSQ struct {
	ProducerAddr string `yaml:"ProducerAddr"` // empty disables event publishing
	Topic        string `yaml:"Topic"`
}

type Redis struct {
	Addr      string        `yaml:"Addr"` // empty keeps operator locks in memory
	Namespace string        `yaml:"Namespace"`
	LockTTL   time.Duration `yaml:"LockTTL"`
}

// Config is the complete application configuration.
type Config struct {
	App       App            `yaml:"App"`
	Logging   logging.Config `yaml:"Logging"`
	Purchaser Purchaser      `yaml:"Purchaser"`
	Balance   Balance        `yaml:"Balance"`
	Inbound   Inbound        `yaml:"Inbound"`
	Channels  []Channel      `yaml:"Channels"`
	SIMs      []SIM          `yaml:"SIMs"`
	Bot       Bot            `yaml:"Bot"`
	NSQ       NSQ            `yaml:"NSQ"`
	Redis     Redis          `yaml:"Redis"`
}

// Load reads .env (if any), the YAML file at path and applies defaults.
// BOT_TOKEN and BOT_ADMIN_IDS from the environment override the file.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if token := os.Getenv("BOT_TOKEN"); token != "" {
		c.Bot.Token = token
	}
	if ids := os.Getenv("BOT_ADMIN_IDS"); ids != "" {
		c.Bot.AdminIDs = nil
		for _, raw := range strings.Split(ids, ",") {
			if id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil {
				c.Bot.AdminIDs = append(c.Bot.AdminIDs, id)
			}
		}
	}
}

// Channel returns the channel configuration by name.
func (c *Config) Channel(name string) (Channel, bool) {
	for _, ch := range c.Channels {
		if ch.Name == name {
			return ch, true
		}
	}
	return Channel{}, false
}

func (c *Config) validate() error {
	if c.App.Addr == "" {
		c.App.Addr = DefaultAddr
	}
	if c.App.Database == "" {
		c.App.Database = DefaultDatabase
	}
	if c.App.OperatorsFile == "" {
		c.App.OperatorsFile = DefaultOperatorsFile
	}
	if c.Logging.Level == "" {
		c.Logging = logging.DefaultConfig()
	}

	if err := c.validatePurchaser(); err != nil {
		return err
	}
	if err := c.validateBalance(); err != nil {
		return err
	}
	if err := c.validateChannels(); err != nil {
		return err
	}
	if err := c.validateSIMs(); err != nil {
		return err
	}

	if c.Inbound.PollInterval <= 0 {
		c.Inbound.PollInterval = DefaultInboundPollInterval
	}
	if c.Bot.Enabled && c.Bot.Token == "" {
		return fmt.Errorf("bot enabled but no token configured (set BOT_TOKEN)")
	}
	if c.NSQ.Topic == "" {
		c.NSQ.Topic = DefaultNSQTopic
	}
	if c.Redis.Namespace == "" {
		c.Redis.Namespace = DefaultRedisNamespace
	}
	if c.Redis.LockTTL <= 0 {
		c.Redis.LockTTL = DefaultLockTTL
	}
	return nil
}

func (c *Config) validatePurchaser() error {
	if c.Purchaser.Interval <= 0 {
		c.Purchaser.Interval = DefaultPurchaserInterval
	}
	if c.Purchaser.PollInterval <= 0 {
		c.Purchaser.PollInterval = DefaultPollInterval
	}
	if c.Purchaser.MaxPolls <= 0 {
		c.Purchaser.MaxPolls = DefaultMaxPolls
	}
	return nil
}

func (c *Config) validateBalance() error {
	if c.Balance.Schedule == "" {
		c.Balance.Schedule = DefaultBalanceSchedule
	}
	if c.Balance.LowThreshold != "" {
		if _, err := decimal.NewFromString(c.Balance.LowThreshold); err != nil {
			return fmt.Errorf("balance low threshold %q: %w", c.Balance.LowThreshold, err)
		}
	}
	return nil
}

func (c *Config) validateChannels() error {
	seen := make(map[string]bool, len(c.Channels))
	for i := range c.Channels {
		ch := &c.Channels[i]
		if ch.Name == "" {
			return fmt.Errorf("channel %d has no name", i)
		}
		if seen[ch.Name] {
			return fmt.Errorf("duplicate channel %q", ch.Name)
		}
		seen[ch.Name] = true

		if ch.Kind == "" {
			ch.Kind = ChannelKindModem
		}
		switch ch.Kind {
		case ChannelKindModem:
			if ch.PortName == "" {
				return fmt.Errorf("modem channel %q has no port", ch.Name)
			}
			if ch.BaudRate <= 0 {
				ch.BaudRate = DefaultBaudRate
			}
			if ch.USSDTimeout <= 0 {
				ch.USSDTimeout = DefaultUSSDTimeout
			}
		case ChannelKindGateway:
			if ch.URL == "" {
				return fmt.Errorf("gateway channel %q has no URL", ch.Name)
			}
			if ch.USSDTimeout <= 0 {
				ch.USSDTimeout = DefaultGatewayWait
			}
		default:
			return fmt.Errorf("channel %q: unknown kind %q", ch.Name, ch.Kind)
		}
	}
	return nil
}

// One SIM per (channel, operator) pairing.
func (c *Config) validateSIMs() error {
	seen := make(map[string]bool, len(c.SIMs))
	for _, sim := range c.SIMs {
		if sim.Operator == "" {
			return fmt.Errorf("sim on channel %q has no operator", sim.Channel)
		}
		if _, ok := c.Channel(sim.Channel); !ok {
			return fmt.Errorf("sim %s references unknown channel %q", sim.Operator, sim.Channel)
		}
		key := sim.Channel + "/" + sim.Operator
		if seen[key] {
			return fmt.Errorf("duplicate sim %s", key)
		}
		seen[key] = true
	}
	return nil
}
