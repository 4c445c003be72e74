package config

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port int `yaml:"port" validate:"gte=0,lte=65535"`
		// Origin is where the static site is actually served from.
		Origin string `yaml:"origin" validate:"required,url"`
		// PublicOrigin is the origin pages see. Requests targeting any other
		// origin are refused. Defaults to http://localhost:<port>.
		PublicOrigin      string `yaml:"publicOrigin" validate:"omitempty,url"`
		ReadHeaderTimeout string `yaml:"readHeaderTimeout"`
		FetchTimeout      string `yaml:"fetchTimeout"`

		readHeaderTimeout time.Duration
		fetchTimeout      time.Duration
	} `yaml:"server"`

	Storage Storage `yaml:"storage"`
	Worker  Worker  `yaml:"worker"`
	Logging Logging `yaml:"logging"`

	Rules []Rule `yaml:"rules" validate:"dive"`
}

type Storage struct {
	Provider    string `yaml:"provider" validate:"oneof=memory leveldb sqlite"`
	Path        string `yaml:"path"`
	WriteBuffer string `yaml:"writeBuffer"`

	writeBuffer int64
}

func (s Storage) WriteBufferBytes() int64 { return s.writeBuffer }

type Worker struct {
	VersionTag        string `yaml:"versionTag" validate:"required"`
	CachePrefix       string `yaml:"cachePrefix" validate:"required"`
	ScriptPath        string `yaml:"scriptPath" validate:"startswith=/"`
	OfflinePage       string `yaml:"offlinePage" validate:"startswith=/"`
	PlaceholderImage  string `yaml:"placeholderImage" validate:"startswith=/"`
	APIPrefix         string `yaml:"apiPrefix" validate:"startswith=/"`
	AutoSkipWaiting   bool   `yaml:"autoSkipWaiting"`
	NavigationPreload bool   `yaml:"navigationPreload"`
	MaxBodySize       string `yaml:"maxBodySize"`
	PerformanceEvery  int    `yaml:"performanceEvery" validate:"gte=0"`

	Build struct {
		ID         string `yaml:"id"`
		Path       string `yaml:"path" validate:"omitempty,startswith=/"`
		CheckEvery string `yaml:"checkEvery"`

		checkEvery time.Duration
	} `yaml:"build"`

	Namespaces struct {
		Pages  Namespace `yaml:"pages"`
		Assets Namespace `yaml:"assets"`
		Images Namespace `yaml:"images"`
		API    Namespace `yaml:"api"`
	} `yaml:"namespaces"`

	PrefetchTTL string `yaml:"prefetchTTL"`
	APITimeout  string `yaml:"apiTimeout"`

	Precache Precache `yaml:"precache"`

	Maintenance struct {
		Tag      string `yaml:"tag" validate:"required"`
		Schedule string `yaml:"schedule" validate:"required"`
	} `yaml:"maintenance"`

	Background struct {
		MaxTasks int    `yaml:"maxTasks" validate:"gte=1"`
		Timeout  string `yaml:"timeout"`

		timeout time.Duration
	} `yaml:"background"`

	prefetchTTL time.Duration
	apiTimeout  time.Duration
	maxBodySize int64
}

type Namespace struct {
	Limit int    `yaml:"limit" validate:"gte=0"`
	TTL   string `yaml:"ttl"`

	maxAge time.Duration
}

func (n Namespace) MaxAge() time.Duration { return n.maxAge }

type Precache struct {
	Manifest       string   `yaml:"manifest"`
	Sitemaps       []string `yaml:"sitemaps"`
	Defaults       []string `yaml:"defaults"`
	RequestsPerSec int      `yaml:"requestsPerSec" validate:"gte=0"`
	Concurrency    int      `yaml:"concurrency" validate:"gte=1"`
}

type Logging struct {
	Level      string `yaml:"level" validate:"oneof=trace debug info warn error"`
	File       string `yaml:"file"`
	StatsEvery string `yaml:"statsEvery"`

	statsEvery time.Duration
}

func (l Logging) StatsEveryDuration() time.Duration { return l.statsEvery }

func (c *Config) ReadHeaderTimeout() time.Duration { return c.Server.readHeaderTimeout }
func (c *Config) FetchTimeout() time.Duration      { return c.Server.fetchTimeout }

func (w *Worker) PrefetchMaxAge() time.Duration     { return w.prefetchTTL }
func (w *Worker) APITimeoutDuration() time.Duration { return w.apiTimeout }
func (w *Worker) MaxBodyBytes() int64               { return w.maxBodySize }
func (w *Worker) BuildCheckEvery() time.Duration    { return w.Build.checkEvery }
func (w *Worker) BackgroundTimeout() time.Duration  { return w.Background.timeout }

// OriginURL returns the parsed origin. Load guarantees it parses.
func (c *Config) OriginURL() *url.URL {
	u, _ := url.Parse(c.Server.Origin)
	return u
}

// PublicOriginURL returns the parsed public origin. Compile fills it in.
func (c *Config) PublicOriginURL() *url.URL {
	u, _ := url.Parse(c.Server.PublicOrigin)
	return u
}

// Default returns a configuration with every optional field filled in.
// Only server.origin has no sensible default.
func Default() Config {
	var cfg Config
	cfg.Server.Port = 8080
	cfg.Server.ReadHeaderTimeout = "10s"
	cfg.Server.FetchTimeout = "30s"

	cfg.Storage.Provider = "memory"
	cfg.Storage.Path = "./data/cache"
	cfg.Storage.WriteBuffer = "4mb"

	w := &cfg.Worker
	w.VersionTag = "vt-swr-v4.0"
	w.CachePrefix = "vt-cache"
	w.ScriptPath = "/sw.js"
	w.OfflinePage = "/offline.html"
	w.PlaceholderImage = "/images/placeholder.svg"
	w.APIPrefix = "/api/"
	w.NavigationPreload = true
	w.MaxBodySize = "16mb"
	w.PerformanceEvery = 50
	w.Build.Path = "/build-id.txt"
	w.Namespaces.Pages = Namespace{Limit: 50, TTL: "24h"}
	w.Namespaces.Assets = Namespace{Limit: 200, TTL: "720h"}
	w.Namespaces.Images = Namespace{Limit: 100, TTL: "168h"}
	w.Namespaces.API = Namespace{Limit: 30, TTL: "5m"}
	w.PrefetchTTL = "10m"
	w.APITimeout = "5s"
	w.Precache.Defaults = []string{"/", "/offline.html", "/favicon.svg"}
	w.Precache.RequestsPerSec = 20
	w.Precache.Concurrency = 4
	w.Maintenance.Tag = "cache-cleanup"
	w.Maintenance.Schedule = "@every 24h"
	w.Background.MaxTasks = 32
	w.Background.Timeout = "30s"

	cfg.Logging.Level = "debug"
	cfg.Logging.StatsEvery = "1m"
	return cfg
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(b)
}

// Parse decodes YAML on top of Default and compiles the result.
func Parse(b []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Compile validates the configuration and fills in the parsed duration and
// size fields.
func (c *Config) Compile() error {
	if c.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")
	c.Server.PublicOrigin = strings.TrimRight(c.Server.PublicOrigin, "/")
	if c.Server.PublicOrigin == "" {
		c.Server.PublicOrigin = fmt.Sprintf("http://localhost:%d", c.Server.Port)
	}

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	var err error
	durations := []struct {
		name string
		in   string
		out  *time.Duration
	}{
		{"server.readHeaderTimeout", c.Server.ReadHeaderTimeout, &c.Server.readHeaderTimeout},
		{"server.fetchTimeout", c.Server.FetchTimeout, &c.Server.fetchTimeout},
		{"worker.build.checkEvery", c.Worker.Build.CheckEvery, &c.Worker.Build.checkEvery},
		{"worker.namespaces.pages.ttl", c.Worker.Namespaces.Pages.TTL, &c.Worker.Namespaces.Pages.maxAge},
		{"worker.namespaces.assets.ttl", c.Worker.Namespaces.Assets.TTL, &c.Worker.Namespaces.Assets.maxAge},
		{"worker.namespaces.images.ttl", c.Worker.Namespaces.Images.TTL, &c.Worker.Namespaces.Images.maxAge},
		{"worker.namespaces.api.ttl", c.Worker.Namespaces.API.TTL, &c.Worker.Namespaces.API.maxAge},
		{"worker.prefetchTTL", c.Worker.PrefetchTTL, &c.Worker.prefetchTTL},
		{"worker.apiTimeout", c.Worker.APITimeout, &c.Worker.apiTimeout},
		{"worker.background.timeout", c.Worker.Background.Timeout, &c.Worker.Background.timeout},
		{"logging.statsEvery", c.Logging.StatsEvery, &c.Logging.statsEvery},
	}
	for _, d := range durations {
		if d.in == "" {
			*d.out = 0
			continue
		}
		if *d.out, err = time.ParseDuration(d.in); err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
	}

	if c.Storage.WriteBuffer != "" {
		if c.Storage.writeBuffer, err = parseBytes(c.Storage.WriteBuffer); err != nil {
			return fmt.Errorf("storage.writeBuffer: %w", err)
		}
	}
	if c.Worker.MaxBodySize != "" {
		if c.Worker.maxBodySize, err = parseBytes(c.Worker.MaxBodySize); err != nil {
			return fmt.Errorf("worker.maxBodySize: %w", err)
		}
	}

	for i := range c.Rules {
		r := &c.Rules[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return fmt.Errorf("rules[%d].match: %w", i, err)
		}
		r.matchers = ms
	}
	sort.SliceStable(c.Rules, func(i, j int) bool {
		return c.Rules[i].Priority < c.Rules[j].Priority
	})
	return nil
}
