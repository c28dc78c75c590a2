package main

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Seednode/santabox/exchange"
	"github.com/Seednode/santabox/store"
)

type Config struct {
	bind            string
	budget          string
	countdown       time.Duration
	eventDate       string
	metrics         bool
	natsSubject     string
	natsURL         string
	organizerSecret string
	pacing          time.Duration
	port            int
	prefix          string
	profile         bool
	roster          []string
	rosterFile      string
	sessionTimeout  time.Duration
	store           string
	storePath       string
	tlsCert         string
	tlsKey          string
	verbose         bool
	version         bool
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if len(c.roster) == 0 && c.rosterFile == "" {
		return errors.New("a roster is required (--roster or --roster-file)")
	}
	if !slices.Contains(store.Kinds, strings.ToLower(c.store)) {
		return fmt.Errorf("invalid store %q (must be one of %s)", c.store, strings.Join(store.Kinds, ", "))
	}
	switch strings.ToLower(c.store) {
	case "file", "sqlite":
		if c.storePath == "" {
			return fmt.Errorf("--store-path is required for the %s store", c.store)
		}
	}
	if c.countdown < 0 {
		return fmt.Errorf("invalid countdown (must not be negative): %s", c.countdown)
	}
	if c.pacing < 0 {
		return fmt.Errorf("invalid pacing (must not be negative): %s", c.pacing)
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

// ticks splits the countdown into whole-second ticks. Sub-second
// countdowns run as a single tick.
func (c *Config) ticks() (int, time.Duration) {
	switch {
	case c.countdown == 0:
		return exchange.DefaultCountdownTicks, exchange.DefaultTickInterval
	case c.countdown < time.Second:
		return 1, c.countdown
	default:
		return int(c.countdown / time.Second), time.Second
	}
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("SANTABOX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "santabox",
		Short:         "Runs a secret santa gift exchange from a single webapp.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			setupLogging(cfg)
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: SANTABOX_BIND)")
	fs.StringVar(&cfg.budget, "budget", "", "gift budget shown to participants (env: SANTABOX_BUDGET)")
	fs.DurationVar(&cfg.countdown, "countdown", 10*time.Second, "countdown before assignments are drawn (env: SANTABOX_COUNTDOWN)")
	fs.StringVar(&cfg.eventDate, "event-date", "", "date of the gift exchange, shown to participants (env: SANTABOX_EVENT_DATE)")
	fs.BoolVar(&cfg.metrics, "metrics", false, "expose prometheus metrics at /metrics (env: SANTABOX_METRICS)")
	fs.StringVar(&cfg.natsSubject, "nats-subject", "santabox.events", "subject prefix for published game events (env: SANTABOX_NATS_SUBJECT)")
	fs.StringVar(&cfg.natsURL, "nats-url", "", "publish game events to this NATS server (env: SANTABOX_NATS_URL)")
	fs.StringVar(&cfg.organizerSecret, "organizer-secret", "", "secret that grants the organizer role; empty lets any participant start the draw (env: SANTABOX_ORGANIZER_SECRET)")
	fs.DurationVar(&cfg.pacing, "pacing", 50*time.Millisecond, "minimum delay between outbound panel updates and messages (env: SANTABOX_PACING)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: SANTABOX_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: SANTABOX_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: SANTABOX_PROFILE)")
	fs.StringSliceVarP(&cfg.roster, "roster", "r", nil, "comma-separated participant names (env: SANTABOX_ROSTER)")
	fs.StringVar(&cfg.rosterFile, "roster-file", "", "path to a yaml roster file; overrides --roster (env: SANTABOX_ROSTER_FILE)")
	fs.DurationVar(&cfg.sessionTimeout, "session-timeout", 60*time.Minute, "time before idle games are unloaded from memory (env: SANTABOX_SESSION_TIMEOUT)")
	fs.StringVar(&cfg.store, "store", "memory", "where game state is kept: memory, file, badger or sqlite (env: SANTABOX_STORE)")
	fs.StringVar(&cfg.storePath, "store-path", "", "file or directory for the state store (env: SANTABOX_STORE_PATH)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: SANTABOX_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: SANTABOX_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: SANTABOX_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: SANTABOX_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("santabox v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
