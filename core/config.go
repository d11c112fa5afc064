package core

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Storage drivers
const (
	StorageMemory   = "memory"
	StorageFile     = "file"
	StorageRedis    = "redis"
	StoragePostgres = "postgres"
	StorageSqlite   = "sqlite"
)

// Session trust modes
const (
	TrustCached   = "cached"
	TrustVerified = "verified"
)

type (
	ServerConfig struct {
		Host            string
		Addr            string
		DebugHost       string
		ShutdownTimeout time.Duration
	}

	APIConfig struct {
		BaseURL string
		Timeout time.Duration // 0: no client-side deadline
	}

	PortalConfig struct {
		LoginPath      string
		LogoutPath     string
		LandingPath    string
		PublicPaths    []string
		APIPrefix      string
		StaticPrefixes []string
		AllowOrigin    string
		CookieName     string
		CookieMaxAge   time.Duration
		CookieSecret   string // signs the device and flash cookies
		TokenKey       string
		LegacyTokenKey string // empty: do not mirror the credential under the legacy key
		ProfileKey     string
		DeviceCookie   string
		DeviceIdleTTL  time.Duration
		ProfileWait    time.Duration
		PageWait       time.Duration
	}

	SessionConfig struct {
		Trust      string
		GuardGrace time.Duration
	}

	QueryConfig struct {
		StaleTime time.Duration
		GCTime    time.Duration
	}

	StorageConfig struct {
		Driver        string
		Path          string
		RedisAddr     string
		RedisPassword string
		DatabaseURL   string
		TTL           time.Duration
	}

	Config struct {
		Env          string
		Build        string
		Debug        bool
		TestMode     bool
		AppName      string
		RollbarToken string
		WorkDir      string

		Server  ServerConfig
		API     APIConfig
		Portal  PortalConfig
		Session SessionConfig
		Query   QueryConfig
		Storage StorageConfig
	}
)

func setDefaults(conf *viper.Viper) {
	conf.SetTypeByDefaultValue(true)

	conf.SetDefault("debug", true)
	conf.SetDefault("build", "dev")
	conf.SetDefault("appName", "Masomo Portal")

	conf.SetDefault("server.host", "localhost")
	conf.SetDefault("server.addr", ":3000")
	conf.SetDefault("server.debugHost", ":4000")
	conf.SetDefault("server.shutdownTimeout", 5*time.Second)

	conf.SetDefault("api.baseURL", "http://localhost:8080/api")
	conf.SetDefault("api.timeout", time.Duration(0))

	conf.SetDefault("portal.loginPath", "/auth/login")
	conf.SetDefault("portal.logoutPath", "/auth/logout")
	conf.SetDefault("portal.landingPath", "/")
	conf.SetDefault("portal.publicPaths", []string{"/auth/login", "/auth/register", "/auth/forgot-password"})
	conf.SetDefault("portal.apiPrefix", "/api")
	conf.SetDefault("portal.staticPrefixes", []string{"/static/", "/assets/", "/favicon.ico", "/healthz", "/metrics"})
	conf.SetDefault("portal.allowOrigin", "*")
	conf.SetDefault("portal.cookieName", "token")
	conf.SetDefault("portal.cookieMaxAge", 7*24*time.Hour)
	conf.SetDefault("portal.cookieSecret", "insecure-dev-cookie-secret-change-me")
	conf.SetDefault("portal.tokenKey", "token")
	conf.SetDefault("portal.legacyTokenKey", "accessToken")
	conf.SetDefault("portal.profileKey", "userProfile")
	conf.SetDefault("portal.deviceCookie", "portal_device")
	conf.SetDefault("portal.deviceIdleTTL", 30*time.Minute)
	conf.SetDefault("portal.profileWait", 2*time.Second)
	conf.SetDefault("portal.pageWait", 3*time.Second)

	conf.SetDefault("session.trust", TrustCached)
	conf.SetDefault("session.guardGrace", 100*time.Millisecond)

	conf.SetDefault("query.staleTime", 10*time.Second)
	conf.SetDefault("query.gcTime", 5*time.Minute)

	conf.SetDefault("storage.driver", StorageMemory)
	conf.SetDefault("storage.path", filepath.Join(os.TempDir(), "masomo-portal.json"))
	conf.SetDefault("storage.redisAddr", "localhost:6379")
	conf.SetDefault("storage.ttl", time.Duration(0))
}

// NewConfig loads the configuration from defaults, the `config/.env.<env>` file (if it exists)
// and the environment, in that order of precedence.
func NewConfig() *Config {
	conf := viper.New()
	setDefaults(conf)

	env := os.Getenv("ENV") // DEV (local; default), TEST, QA, PROD
	switch strings.ToUpper(env) {
	case "":
		env = "DEV"
	case "TEST":
		conf.SetDefault("testMode", true)
	}
	env = strings.ToUpper(env)
	conf.SetEnvPrefix(env)
	conf.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	wd := Getwd()

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join(wd, "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	conf.AutomaticEnv()

	return &Config{
		Env:          env,
		Build:        conf.GetString("build"),
		Debug:        conf.GetBool("debug"),
		TestMode:     conf.GetBool("testMode"),
		AppName:      conf.GetString("appName"),
		RollbarToken: conf.GetString("rollbarToken"),
		WorkDir:      wd,
		Server: ServerConfig{
			Host:            conf.GetString("server.host"),
			Addr:            conf.GetString("server.addr"),
			DebugHost:       conf.GetString("server.debugHost"),
			ShutdownTimeout: conf.GetDuration("server.shutdownTimeout"),
		},
		API: APIConfig{
			BaseURL: strings.TrimSuffix(conf.GetString("api.baseURL"), "/"),
			Timeout: conf.GetDuration("api.timeout"),
		},
		Portal: PortalConfig{
			LoginPath:      conf.GetString("portal.loginPath"),
			LogoutPath:     conf.GetString("portal.logoutPath"),
			LandingPath:    conf.GetString("portal.landingPath"),
			PublicPaths:    conf.GetStringSlice("portal.publicPaths"),
			APIPrefix:      strings.TrimSuffix(conf.GetString("portal.apiPrefix"), "/"),
			StaticPrefixes: conf.GetStringSlice("portal.staticPrefixes"),
			AllowOrigin:    conf.GetString("portal.allowOrigin"),
			CookieName:     conf.GetString("portal.cookieName"),
			CookieMaxAge:   conf.GetDuration("portal.cookieMaxAge"),
			CookieSecret:   conf.GetString("portal.cookieSecret"),
			TokenKey:       conf.GetString("portal.tokenKey"),
			LegacyTokenKey: conf.GetString("portal.legacyTokenKey"),
			ProfileKey:     conf.GetString("portal.profileKey"),
			DeviceCookie:   conf.GetString("portal.deviceCookie"),
			DeviceIdleTTL:  conf.GetDuration("portal.deviceIdleTTL"),
			ProfileWait:    conf.GetDuration("portal.profileWait"),
			PageWait:       conf.GetDuration("portal.pageWait"),
		},
		Session: SessionConfig{
			Trust:      conf.GetString("session.trust"),
			GuardGrace: conf.GetDuration("session.guardGrace"),
		},
		Query: QueryConfig{
			StaleTime: conf.GetDuration("query.staleTime"),
			GCTime:    conf.GetDuration("query.gcTime"),
		},
		Storage: StorageConfig{
			Driver:        conf.GetString("storage.driver"),
			Path:          conf.GetString("storage.path"),
			RedisAddr:     conf.GetString("storage.redisAddr"),
			RedisPassword: conf.GetString("storage.redisPassword"),
			DatabaseURL:   conf.GetString("storage.databaseURL"),
			TTL:           conf.GetDuration("storage.ttl"),
		},
	}
}

// Validate checks the values that cannot be defaulted away.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StorageMemory, StorageFile, StorageRedis, StoragePostgres, StorageSqlite:
	default:
		return errors.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Session.Trust {
	case TrustCached, TrustVerified:
	default:
		return errors.Errorf("unknown session trust mode %q", c.Session.Trust)
	}
	if c.Storage.Driver == StoragePostgres && c.Storage.DatabaseURL == "" {
		return errors.New("storage.databaseURL is required by the postgres driver")
	}
	if !c.Debug && len(c.Portal.CookieSecret) < 32 {
		return errors.New("portal.cookieSecret must hold at least 32 bytes")
	}
	if c.API.BaseURL == "" {
		return errors.New("api.baseURL is required")
	}
	return nil
}

// Getwd tries to find the project root (the directory holding go.mod).
// go-test changes the working directory to the package being tested, so we walk up from there.
// The current working directory is returned when no root is found (e.g. installed binaries).
func Getwd() string {
	wd, err := os.Getwd()
	if err != nil {
		log.Fatal(err)
	}
	currDir := wd
	for {
		if _, err := os.Stat(filepath.Join(currDir, "go.mod")); err == nil {
			return currDir
		}
		newDir := filepath.Dir(currDir)
		if newDir == string(os.PathSeparator) || newDir == currDir {
			return wd
		}
		currDir = newDir
	}
}
