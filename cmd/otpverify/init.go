package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/knadh/stuffbin"
	"github.com/lmsapi/otpverify/internal/notifiers/logger"
	"github.com/lmsapi/otpverify/internal/notifiers/pinpoint"
	"github.com/lmsapi/otpverify/internal/notifiers/smtp"
	"github.com/lmsapi/otpverify/internal/notifiers/webhook"
	"github.com/lmsapi/otpverify/internal/otp"
	"github.com/lmsapi/otpverify/internal/store"
	"github.com/lmsapi/otpverify/internal/store/dynamodb"
	"github.com/lmsapi/otpverify/internal/store/memory"
	"github.com/lmsapi/otpverify/internal/store/redis"
	"github.com/lmsapi/otpverify/internal/store/sql"
	"github.com/lmsapi/otpverify/pkg/models"
	flag "github.com/spf13/pflag"
	"github.com/zerodha/logf"
)

const (
	envPrefix    = "OTPVERIFY_"
	sampleConfig = "config.sample.toml"
)

func initLogger(debug bool) logf.Logger {
	opt := logf.Opts{EnableCaller: true}
	if debug {
		opt.Level = logf.DebugLevel
		opt.EnableColor = true
	}

	return logf.New(opt)
}

// initFS mounts the static files stuffed into the binary, falling back to
// the local filesystem in development.
func initFS(exe string) stuffbin.FileSystem {
	fs, err := stuffbin.UnStuff(exe)
	if err != nil {
		// Binary is unstuffed or is running in dev mode.
		if err == stuffbin.ErrNoID {
			fs, err = stuffbin.NewLocalFS("/", "static/", sampleConfig)
			if err != nil {
				lo.Fatal("error falling back to local filesystem", "error", err)
			}
		} else {
			lo.Fatal("error reading stuffed binary", "error", err)
		}
	}

	return fs
}

// initConfig loads config files, a .env file, environment variables
// and command line flags, in that order.
func initConfig(fs stuffbin.FileSystem) {
	// Register --help handler.
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	f.StringSlice("config", []string{"config.toml"},
		"Path to one or more TOML config files to load in order")
	f.Bool("new-config", false, "Generate a sample config file")
	f.Bool("version", false, "Show build version")
	f.Parse(os.Args[1:])

	// Display version.
	if ok, _ := f.GetBool("version"); ok {
		fmt.Println(buildString)
		os.Exit(0)
	}

	if ok, _ := f.GetBool("new-config"); ok {
		if err := newConfigFile(fs, "config.toml"); err != nil {
			lo.Fatal("error generating config", "error", err)
		}
		fmt.Println("config.toml generated. Edit and run the app.")
		os.Exit(0)
	}

	// Read the config files.
	cFiles, _ := f.GetStringSlice("config")
	for _, c := range cFiles {
		lo.Info("reading config", "file", c)
		if err := ko.Load(file.Provider(c), toml.Parser()); err != nil {
			lo.Error("error reading config", "error", err)
		}
	}

	// Optional .env in the working directory.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		lo.Error("error reading .env", "error", err)
	}

	// Load environment variables and merge into the loaded config.
	if err := ko.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, envPrefix)), "__", ".", -1)
	}), nil); err != nil {
		lo.Error("error loading env config", "error", err)
	}

	ko.Load(posflag.Provider(f, ".", ko), nil)
}

// newConfigFile writes the bundled sample config to path, refusing to
// overwrite an existing file.
func newConfigFile(fs stuffbin.FileSystem, path string) error {
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		return fmt.Errorf("%s exists. Remove it to generate a new one", path)
	}

	b, err := fs.Read("/" + sampleConfig)
	if err != nil {
		return fmt.Errorf("error reading sample config: %v", err)
	}

	return os.WriteFile(path, b, 0644)
}

// initAuth loads the namespace:secret authorisation maps.
func initAuth() map[string]string {
	out := make(map[string]string)
	for _, a := range ko.MapKeys("auth") {
		k := ko.StringMap("auth." + a)
		var (
			namespace = k["namespace"]
			secret    = k["secret"]
		)

		if namespace == "" || secret == "" {
			lo.Fatal("namespace or secret keys not found", "auth", a)
		}
		out[namespace] = secret
	}

	return out
}

// initStore initializes the OTP record store selected by store.type.
func initStore(ctx context.Context) (store.Store, error) {
	typ := ko.String("store.type")
	switch typ {
	case "redis":
		var c redis.Conf
		if err := ko.UnmarshalWithConf("store.redis", &c, koanf.UnmarshalConf{Tag: "json"}); err != nil {
			return nil, err
		}
		return redis.New(c, lo), nil

	case "sql":
		var c sql.Conf
		if err := ko.UnmarshalWithConf("store.sql", &c, koanf.UnmarshalConf{Tag: "json"}); err != nil {
			return nil, err
		}
		return sql.New(c)

	case "dynamodb":
		var c dynamodb.Conf
		if err := ko.UnmarshalWithConf("store.dynamodb", &c, koanf.UnmarshalConf{Tag: "json"}); err != nil {
			return nil, err
		}
		return dynamodb.New(ctx, c)

	case "memory":
		lo.Warn("using the in-memory store. OTPs will not survive restarts")
		return memory.New(), nil
	}

	return nil, fmt.Errorf("unknown store type '%s'", typ)
}

// initNotifier initializes the notifier selected by notifier.type.
func initNotifier() (models.Notifier, error) {
	typ := ko.String("notifier.type")
	switch typ {
	case "smtp":
		var c smtp.Config
		if err := ko.UnmarshalWithConf("notifier.smtp", &c, koanf.UnmarshalConf{Tag: "json"}); err != nil {
			return nil, err
		}
		return smtp.New(c)

	case "pinpoint":
		var c pinpoint.Config
		if err := ko.UnmarshalWithConf("notifier.pinpoint", &c, koanf.UnmarshalConf{Tag: "json"}); err != nil {
			return nil, err
		}
		return pinpoint.New(c)

	case "webhook":
		var c webhook.Config
		if err := ko.UnmarshalWithConf("notifier.webhook", &c, koanf.UnmarshalConf{Tag: "json"}); err != nil {
			return nil, err
		}
		return webhook.New(c)

	case "log":
		lo.Warn("using the log notifier. OTPs are written to the log and not delivered")
		return logger.New(lo), nil
	}

	return nil, fmt.Errorf("unknown notifier type '%s'", typ)
}

// initTemplates compiles the notification templates from the static
// files. message.subject overrides the bundled subject.
func initTemplates(fs stuffbin.FileSystem) (*otp.Templates, error) {
	subj := ko.String("message.subject")
	if subj == "" {
		b, err := fs.Read("/static/otp.subject")
		if err != nil {
			return nil, fmt.Errorf("error reading subject template: %v", err)
		}
		subj = string(b)
	}

	text, err := fs.Read("/static/otp.txt")
	if err != nil {
		return nil, fmt.Errorf("error reading text template: %v", err)
	}

	html, err := fs.Read("/static/otp.html")
	if err != nil {
		return nil, fmt.Errorf("error reading HTML template: %v", err)
	}

	return otp.ParseTemplates(subj, string(text), string(html))
}

// initOpt reads the OTP policy.
func initOpt() otp.Opt {
	return otp.Opt{
		TTL:             ko.Duration("app.otp_ttl"),
		MaxAttempts:     ko.Int("app.otp_max_attempts"),
		CodeLength:      ko.Int("app.otp_length"),
		DispatchTimeout: ko.Duration("app.dispatch_timeout"),
		From:            ko.String("message.from"),
	}
}
