package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/civicreport/otpd/internal/accounts"
	"github.com/civicreport/otpd/internal/otp"
	"github.com/civicreport/otpd/internal/providers/kaleyra"
	"github.com/civicreport/otpd/internal/providers/pinpoint"
	"github.com/civicreport/otpd/internal/providers/smtp"
	"github.com/civicreport/otpd/internal/providers/sns"
	"github.com/civicreport/otpd/internal/providers/webhook"
	"github.com/civicreport/otpd/internal/providers/whatsapp"
	"github.com/civicreport/otpd/internal/store"
	"github.com/civicreport/otpd/internal/store/dynamodb"
	"github.com/civicreport/otpd/internal/store/postgres"
	"github.com/civicreport/otpd/internal/store/redis"
	"github.com/civicreport/otpd/pkg/models"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/knadh/stuffbin"
	"github.com/sethvargo/go-retry"
	flag "github.com/spf13/pflag"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"github.com/zerodha/logf"
)

const sampleConfig = "/static/config.sample.toml"

// appStore is the configured OTP store along with the concrete backend
// that other components can share connections with.
type appStore struct {
	store.Store

	redis   *redis.Redis
	pg      *postgres.Postgres
	closers []func()
}

func (a *appStore) close() {
	for _, c := range a.closers {
		c()
	}
}

func initLogger(debug bool) *logf.Logger {
	opt := logf.Opts{
		EnableCaller: true,
		Level:        logf.InfoLevel,
	}
	if debug {
		opt.Level = logf.DebugLevel
	}

	l := logf.New(opt)
	return &l
}

func initConfig() {
	// Register --help handler.
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	f.StringSlice("config", []string{"config.toml"},
		"Path to one or more TOML config files to load in order")
	f.Bool("new-config", false, "Generate a sample config.toml in the current directory")
	f.Bool("version", false, "Show build version")
	f.Parse(os.Args[1:])

	// Display version.
	if ok, _ := f.GetBool("version"); ok {
		fmt.Println(buildString)
		os.Exit(0)
	}

	// Read the config files.
	cFiles, _ := f.GetStringSlice("config")
	for _, f := range cFiles {
		lo.Info("reading config", "file", f)
		if err := ko.Load(file.Provider(f), toml.Parser()); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				lo.Info("config file not found. Run with --new-config to generate one.", "file", f)
				continue
			}
			lo.Fatal("error reading config", "error", err)
		}
	}

	// Optional .env file for local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		lo.Error("error loading .env", "error", err)
	}

	// Load environment variables and merge into the loaded config.
	if err := ko.Load(env.Provider("OTPD_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "OTPD_")), "__", ".", -1)
	}), nil); err != nil {
		lo.Error("error loading env config", "error", err)
	}

	ko.Load(posflag.Provider(f, ".", ko), nil)
}

// initStore connects to the configured OTP store, waiting for it to come up.
func initStore(ctx context.Context) *appStore {
	var (
		typ = ko.String("store.type")
		out = &appStore{}
	)

	switch typ {
	case "", "redis":
		typ = "redis"

		var c redis.Conf
		ko.UnmarshalWithConf("store.redis", &c, koanf.UnmarshalConf{Tag: "json"})
		r := redis.New(c)
		out.Store, out.redis = r, r

	case "postgres":
		var c postgres.Conf
		ko.UnmarshalWithConf("store.postgres", &c, koanf.UnmarshalConf{Tag: "json"})

		var p *postgres.Postgres
		if err := retryConnect(ctx, typ, func(ctx context.Context) error {
			db, err := postgres.New(ctx, c)
			if err != nil {
				return err
			}
			if err := db.Ping(ctx); err != nil {
				db.Close()
				return err
			}
			p = db
			return nil
		}); err != nil {
			lo.Fatal("error connecting to postgres", "error", err)
		}
		out.Store, out.pg = p, p
		out.closers = append(out.closers, p.Close)

	case "dynamodb":
		var c dynamodb.Conf
		ko.UnmarshalWithConf("store.dynamodb", &c, koanf.UnmarshalConf{Tag: "json"})

		d, err := dynamodb.New(ctx, c)
		if err != nil {
			lo.Fatal("error initializing dynamodb", "error", err)
		}
		out.Store = d

	default:
		lo.Fatal("unknown store.type", "type", typ)
	}

	if err := retryConnect(ctx, typ, out.Ping); err != nil {
		lo.Fatal("error reaching store", "type", typ, "error", err)
	}
	lo.Info("connected to store", "type", typ)

	return out
}

// retryConnect calls fn with exponential backoff until it succeeds or the
// retries are exhausted.
func retryConnect(ctx context.Context, name string, fn func(context.Context) error) error {
	n := ko.Int("app.connect_retries")
	if n < 1 {
		n = 5
	}

	b := retry.NewExponential(500 * time.Millisecond)
	b = retry.WithCappedDuration(10*time.Second, b)
	b = retry.WithMaxRetries(uint64(n), b)

	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			lo.Error("error connecting. Retrying", "name", name, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
}

// initAccounts returns the configured account lookup.
func initAccounts(ctx context.Context, st *appStore) otp.AccountLookup {
	switch typ := ko.String("accounts.type"); typ {
	case "", "static":
		ids := ko.Strings("accounts.static.identifiers")
		if len(ids) == 0 {
			lo.Info("accounts.static.identifiers is empty. All OTP requests will be for unknown accounts.")
		}
		return accounts.NewStatic(ids)

	case "postgres":
		var c accounts.PostgresConf
		ko.UnmarshalWithConf("accounts.postgres", &c, koanf.UnmarshalConf{Tag: "json"})

		// Use a separate database if one is configured, or share the store's.
		var db *pgxpool.Pool
		if dsn := ko.String("accounts.postgres.dsn"); dsn != "" {
			p, err := pgxpool.New(ctx, dsn)
			if err != nil {
				lo.Fatal("error connecting to accounts db", "error", err)
			}
			st.closers = append(st.closers, p.Close)
			db = p
		} else if st.pg != nil {
			db = st.pg.Pool()
		} else {
			lo.Fatal("accounts.postgres.dsn is required when store.type isn't postgres")
		}

		a, err := accounts.NewPostgres(db, c)
		if err != nil {
			lo.Fatal("error initializing accounts", "error", err)
		}
		return a

	default:
		lo.Fatal("unknown accounts.type", "type", typ)
	}

	return nil
}

// initProviders loads the enabled provider.* backends along with their
// message templates.
func initProviders(fs stuffbin.FileSystem) (*otp.Dispatcher, func()) {
	var (
		chans   []*otp.Channel
		closers []func()
	)

	for _, id := range ko.MapKeys("provider") {
		key := "provider." + id
		if !ko.Bool(key + ".enabled") {
			continue
		}

		typ := ko.String(key + ".type")
		if typ == "" {
			typ = id
		}

		p, closer, err := newProvider(id, typ, key+".config")
		if err != nil {
			lo.Fatal("error initializing provider", "id", id, "type", typ, "error", err)
		}
		if closer != nil {
			closers = append(closers, closer)
		}

		var cfg models.ProviderConfig
		ko.UnmarshalWithConf(key, &cfg, koanf.UnmarshalConf{Tag: "json"})

		body, err := readTemplate(fs, cfg.Template)
		if err != nil {
			lo.Fatal("error reading provider template", "id", id, "error", err)
		}

		ch, err := otp.NewChannel(p, cfg.Subject, body)
		if err != nil {
			lo.Fatal("error compiling provider template", "id", id, "error", err)
		}
		chans = append(chans, ch)

		lo.Info("loaded provider", "id", id, "type", typ)
	}

	return otp.NewDispatcher(chans...), func() {
		for _, c := range closers {
			c()
		}
	}
}

// newProvider initializes a provider of the given type with the config at
// cfgKey. The provider's channel ID is its config section name.
func newProvider(id, typ, cfgKey string) (models.Provider, func(), error) {
	uc := koanf.UnmarshalConf{Tag: "json"}

	switch typ {
	case "smtp":
		var c smtp.Config
		ko.UnmarshalWithConf(cfgKey, &c, uc)
		c.ID = id
		p, err := smtp.New(c)
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil

	case "pinpoint":
		var c pinpoint.Config
		ko.UnmarshalWithConf(cfgKey, &c, uc)
		c.ID = id
		p, err := pinpoint.NewSMS(c)
		if err != nil {
			return nil, nil, err
		}
		return p, nil, nil

	case "sns":
		var c sns.Config
		ko.UnmarshalWithConf(cfgKey, &c, uc)
		c.ID = id
		p, err := sns.New(c)
		if err != nil {
			return nil, nil, err
		}
		return p, nil, nil

	case "kaleyra":
		var c kaleyra.Config
		ko.UnmarshalWithConf(cfgKey, &c, uc)
		c.ID = id
		p, err := kaleyra.New(c)
		if err != nil {
			return nil, nil, err
		}
		return p, nil, nil

	case "whatsapp":
		var c whatsapp.Config
		ko.UnmarshalWithConf(cfgKey, &c, uc)
		c.ID = id
		p, err := whatsapp.New(c)
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil

	case "webhook":
		var c webhook.Config
		ko.UnmarshalWithConf(cfgKey, &c, uc)
		c.ID = id
		p, err := webhook.New(c)
		if err != nil {
			return nil, nil, err
		}
		return p, nil, nil
	}

	return nil, nil, fmt.Errorf("unknown provider type '%s'", typ)
}

// readTemplate reads a message template from the bundled static files or,
// failing that, from the local filesystem. An empty path returns an empty
// template.
func readTemplate(fs stuffbin.FileSystem, path string) (string, error) {
	if path == "" {
		return "", nil
	}

	if b, err := fs.Read(path); err == nil {
		return string(b), nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// initLimiterStore returns a Redis backed limiter store when Redis is the OTP
// store so that limits hold across instances, and an in-memory one otherwise.
func initLimiterStore(st *appStore) limiter.Store {
	if st.redis != nil {
		s, err := sredis.NewStoreWithOptions(st.redis.Client(), limiter.StoreOptions{
			Prefix:   "otpd:limiter",
			MaxRetry: 3,
		})
		if err != nil {
			lo.Fatal("error initializing rate limiter store", "error", err)
		}
		return s
	}

	return memory.NewStore()
}

// newLimiter returns a limiter for a formatted rate (eg: "10-M"). An empty
// rate disables limiting.
func newLimiter(s limiter.Store, rate string, byIP bool) *limiter.Limiter {
	if rate == "" {
		return nil
	}

	r, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		lo.Fatal("invalid rate limit", "rate", rate, "error", err)
	}

	var opts []limiter.Option
	if byIP && ko.Bool("app.trust_forward_header") {
		opts = append(opts, limiter.WithTrustForwardHeader(true))
	}
	return limiter.New(s, r, opts...)
}

func initFS(exe string) stuffbin.FileSystem {
	// Read stuffed data from self.
	fs, err := stuffbin.UnStuff(exe)
	if err != nil {
		// Binary is unstuffed or is running in dev mode.
		// Fall back to the local filesystem.
		if err == stuffbin.ErrNoID {
			fs, err = stuffbin.NewLocalFS("/", "static/")
			if err != nil {
				lo.Fatal("error falling back to local filesystem", "error", err)
			}
		} else {
			lo.Fatal("error reading stuffed binary", "error", err)
		}
	}

	return fs
}

// newConfigFile writes the bundled sample config to path.
func newConfigFile(fs stuffbin.FileSystem, path string) error {
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		return fmt.Errorf("%s exists. Remove it to generate a new one", path)
	}

	b, err := fs.Read(sampleConfig)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}
