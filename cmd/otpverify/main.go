package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/didip/tollbooth/v6"
	"github.com/didip/tollbooth/v6/limiter"
	"github.com/go-chi/chi/v5"
	"github.com/knadh/koanf/v2"
	"github.com/lmsapi/otpverify/internal/otp"
	"github.com/lmsapi/otpverify/pkg/models"
	"github.com/zerodha/logf"
)

// App is the global app context that groups the necessary
// controls (db, config etc.) to be injected into the HTTP handlers.
type App struct {
	otp      *otp.Service
	notifier models.Notifier
	lo       logf.Logger
}

var (
	lo = initLogger(os.Getenv("OTPVERIFY_DEBUG") != "")
	ko = koanf.New(".")

	// Version of the build injected at build time.
	buildString = "unknown"
)

func main() {
	fs := initFS(os.Args[0])
	initConfig(fs)

	if ko.Bool("app.debug") {
		lo = initLogger(true)
	}

	authCreds := initAuth()
	if len(authCreds) == 0 {
		lo.Fatal("no auth entries found in config")
	}

	st, err := initStore(context.Background())
	if err != nil {
		lo.Fatal("error initializing store", "error", err)
	}

	n, err := initNotifier()
	if err != nil {
		lo.Fatal("error initializing notifier", "error", err)
	}

	tpl, err := initTemplates(fs)
	if err != nil {
		lo.Fatal("error compiling templates", "error", err)
	}

	app := &App{
		otp:      otp.New(st, n, tpl, initOpt(), lo),
		notifier: n,
		lo:       lo,
	}

	// HTTP Server.
	timeout := ko.Duration("app.server_timeout")
	if timeout.Seconds() < 1 {
		timeout = time.Second * 5
	}

	srv := &http.Server{
		Addr:         ko.String("app.address"),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		Handler:      newRouter(app, authCreds, ko.Float64("app.ratelimit")),
	}

	go func() {
		lo.Info("starting server", "address", srv.Addr, "store", ko.String("store.type"), "notifier", n.ID())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lo.Fatal("couldn't start server", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	lo.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		lo.Error("error shutting down server", "error", err)
	}
	if err := n.Close(); err != nil {
		lo.Error("error closing notifier", "error", err)
	}
	if err := st.Close(); err != nil {
		lo.Error("error closing store", "error", err)
	}
}

// newRouter registers the HTTP handlers. A ratelimit above zero throttles
// send_otp to that many requests per second per client IP.
func newRouter(app *App, authCreds map[string]string, ratelimit float64) http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("otpverify"))
	})
	r.Get("/api/health", wrap(app, handleHealthCheck))
	r.Post("/api/otp/send_otp", auth(authCreds, throttle(ratelimit, wrap(app, handleSendOTP))))
	r.Post("/api/otp/verify_otp", auth(authCreds, wrap(app, handleVerifyOTP)))
	r.Get("/api/otp/check_verified", auth(authCreds, wrap(app, handleCheckVerified)))

	return r
}

// throttle limits requests per client IP in-process.
func throttle(rate float64, next http.Handler) http.Handler {
	if rate <= 0 {
		return next
	}

	lmt := tollbooth.NewLimiter(rate, &limiter.ExpirableOptions{DefaultExpirationTTL: time.Hour})
	lmt.SetIPLookups([]string{"X-Forwarded-For", "X-Real-IP", "RemoteAddr"})
	lmt.SetMessageContentType("application/json; charset=utf-8")

	msg, _ := json.Marshal(httpResp{Status: "error", Message: "Too many requests. Please retry later."})
	lmt.SetMessage(string(msg))

	return tollbooth.LimitHandler(lmt, next)
}
