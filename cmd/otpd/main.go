package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/civicreport/otpd/internal/otp"
	"github.com/civicreport/otpd/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/knadh/koanf/v2"
	"github.com/knadh/stuffbin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/zerodha/logf"
)

// App is the global app context that groups the necessary
// controls (db, config etc.) to be injected into the HTTP handlers.
type App struct {
	otp           *otp.Service
	lo            *logf.Logger
	fs            stuffbin.FileSystem
	verifyLimiter *limiter.Limiter
}

var (
	lo = initLogger(false)
	ko = koanf.New(".")

	// Version of the build injected at build time.
	buildString = "unknown"
)

func main() {
	initConfig()
	if ko.Bool("app.debug") {
		lo = initLogger(true)
	}

	fs := initFS(os.Args[0])

	// Generate a sample config and exit.
	if ko.Bool("new-config") {
		if err := newConfigFile(fs, "config.toml"); err != nil {
			lo.Fatal("error generating config", "error", err)
		}
		lo.Info("generated config.toml. Edit and run the app.")
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load the store, account lookup and providers.
	st := initStore(ctx)
	defer st.close()

	acc := initAccounts(ctx, st)
	disp, closeProvs := initProviders(fs)
	defer closeProvs()

	if len(disp.IDs()) == 0 {
		lo.Fatal("no providers enabled. Enable at least one provider.* in the config.")
	}

	if n := ko.Int("app.otp_length"); n != 0 && (n < 4 || n > otp.MaxCodeLen) {
		lo.Fatal("app.otp_length should be between 4 and 18", "otp_length", n)
	}

	app := &App{
		otp: otp.New(otp.Opt{
			TTL:                 ko.Duration("app.otp_ttl"),
			CodeLen:             ko.Int("app.otp_length"),
			StoreTimeout:        ko.Duration("app.store_timeout"),
			DeliveryTimeout:     ko.Duration("app.delivery_timeout"),
			EmailChannel:        ko.String("app.email_channel"),
			PhoneChannel:        ko.String("app.phone_channel"),
			DefaultPhoneCode:    ko.String("app.default_phone_code"),
			HideUnknownAccounts: ko.Bool("app.hide_unknown_accounts"),
		}, st.Store, acc, disp, lo),
		lo: lo,
		fs: fs,
	}

	// Periodically purge expired OTPs from stores that don't expire them natively.
	if p, ok := st.Store.(store.Purger); ok {
		spec := ko.String("app.sweep_interval")
		if spec == "" {
			spec = "@every 1m"
		}
		sw, err := otp.NewSweeper(p, spec, ko.Duration("app.store_timeout"), lo)
		if err != nil {
			lo.Fatal("error initializing sweeper", "error", err)
		}
		sw.Start()
		defer sw.Stop()
	}

	// Rate limiters.
	limStore := initLimiterStore(st)
	ipLimiter := newLimiter(limStore, ko.String("app.rate_limit"), true)
	app.verifyLimiter = newLimiter(limStore, ko.String("app.verify_rate_limit"), false)

	// HTTP Server.
	timeout := ko.Duration("app.server_timeout")
	if timeout.Seconds() < 1 {
		timeout = time.Second * 5
	}

	srv := &http.Server{
		Addr:         ko.String("app.address"),
		ReadTimeout:  timeout,
		WriteTimeout: timeout + app.otp.Opt().DeliveryTimeout,
		Handler:      initHTTPHandler(app, ipLimiter, ko.Strings("app.cors_origins")),
	}

	go func() {
		<-ctx.Done()
		lo.Info("shutting down")

		c, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(c)
	}()

	lo.Info("starting server", "address", srv.Addr, "version", buildString, "channels", strings.Join(disp.IDs(), ","))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		lo.Fatal("couldn't start server", "error", err)
	}
}

// initHTTPHandler registers the HTTP handlers.
func initHTTPHandler(app *App, ipLimiter *limiter.Limiter, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	// Per client IP limit on the OTP endpoints.
	limit := func(h http.HandlerFunc) http.HandlerFunc { return h }
	if ipLimiter != nil {
		mw := stdlib.NewMiddleware(ipLimiter,
			stdlib.WithLimitReachedHandler(func(w http.ResponseWriter, r *http.Request) {
				sendErrorResponse(w, "Too many requests. Try again later.", http.StatusTooManyRequests, codeRateLimited, nil)
			}),
			stdlib.WithErrorHandler(func(w http.ResponseWriter, r *http.Request, err error) {
				app.lo.Error("error checking rate limit", "error", err)
				sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, codeInternal, nil)
			}),
		)
		limit = func(h http.HandlerFunc) http.HandlerFunc {
			return mw.Handler(h).ServeHTTP
		}
	}

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("otpd"))
	})
	r.Get("/api/health", wrap(app, handleHealthCheck))
	r.Get("/api/providers", wrap(app, handleGetProviders))
	r.Post("/api/otp", limit(wrap(app, handleRequestOTP)))
	r.Post("/api/otp/verify", limit(wrap(app, handleVerifyOTP)))

	return r
}

// wrap is a middleware that wraps HTTP handlers and injects the "app" context.
func wrap(app *App, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), "app", app)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
