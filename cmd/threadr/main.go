package main

import (
	"fmt"
	"log/slog"
	_ "net/http/pprof"
	"os"
	"runtime"
	"time"

	"github.com/mastothread/mastothread/mastodon"
	"github.com/mastothread/mastothread/thread"
	"github.com/mastothread/mastothread/util"
	"github.com/mastothread/mastothread/util/svcutil"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/time/rate"
)

// set at build time with: -ldflags "-X main.gitHash=..."
var gitHash string

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "threadr",
		Usage:   "render Mastodon threads as embeds or Markdown",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			EnvVars: []string{"THREADR_LOG_LEVEL", "GO_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "user-agent",
			Usage:   "User-Agent header for requests to Mastodon servers (default includes version and contact)",
			EnvVars: []string{"THREADR_USER_AGENT"},
		},
		&cli.StringFlag{
			Name:    "contact",
			Usage:   "operator contact included in the default User-Agent",
			Value:   "admin@localhost",
			EnvVars: []string{"THREADR_CONTACT"},
		},
		&cli.DurationFlag{
			Name:    "upstream-timeout",
			Usage:   "overall timeout for each request to a Mastodon server, including retries",
			Value:   20 * time.Second,
			EnvVars: []string{"THREADR_UPSTREAM_TIMEOUT"},
		},
		&cli.IntFlag{
			Name:    "upstream-retries",
			Usage:   "number of retries for failed requests to Mastodon servers",
			Value:   3,
			EnvVars: []string{"THREADR_UPSTREAM_RETRIES"},
		},
		&cli.Float64Flag{
			Name:    "upstream-rate-limit",
			Usage:   "max requests per second to Mastodon servers (0 for no limit)",
			Value:   0,
			EnvVars: []string{"THREADR_UPSTREAM_RATE_LIMIT"},
		},
		&cli.BoolFlag{
			Name:    "allow-private-upstreams",
			Usage:   "allow requests to private and loopback addresses (disables SSRF protection)",
			EnvVars: []string{"THREADR_ALLOW_PRIVATE_UPSTREAMS"},
		},
		&cli.IntFlag{
			Name:    "walk-limit",
			Usage:   "maximum number of context fetches for a single thread",
			Value:   thread.DefaultWalkLimit,
			EnvVars: []string{"THREADR_WALK_LIMIT"},
		},
	}

	app.Commands = []*cli.Command{
		serveCmd,
		markdownCmd,
	}

	return app.Run(args)
}

func commitHash() string {
	if gitHash != "" {
		return gitHash
	}
	if h := os.Getenv("GIT_HASH"); h != "" {
		return h
	}
	return versioninfo.Revision
}

func userAgent(cctx *cli.Context) string {
	if ua := cctx.String("user-agent"); ua != "" {
		return ua
	}
	return fmt.Sprintf("mastothread/%s (+https://github.com/mastothread/mastothread; contact: %s)", versioninfo.Short(), cctx.String("contact"))
}

// configWalker builds the process-wide upstream client and the thread walker on top of it.
func configWalker(cctx *cli.Context, logger *slog.Logger) *thread.Walker {
	hc := util.NewUpstreamClient(util.UpstreamConfig{
		Logger:       logger,
		Timeout:      cctx.Duration("upstream-timeout"),
		RetryMax:     cctx.Int("upstream-retries"),
		AllowPrivate: cctx.Bool("allow-private-upstreams"),
	})
	client := mastodon.NewClient(hc, userAgent(cctx))
	client.Logger = logger
	if rl := cctx.Float64("upstream-rate-limit"); rl > 0 {
		client.Limiter = rate.NewLimiter(rate.Limit(rl), 1)
	}
	walker := thread.NewWalker(client, cctx.Int("walk-limit"))
	walker.Logger = logger
	return walker
}

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "run the threadr web service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "Specify the local IP/port to bind to",
			Value:   ":8000",
			EnvVars: []string{"THREADR_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3989",
			EnvVars: []string{"THREADR_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "public-files-path",
			Usage:   "directory of static assets served under /public",
			Value:   "public",
			EnvVars: []string{"THREADR_PUBLIC_FILES_PATH", "PUBLIC_FILES_PATH"},
		},
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "reload templates from disk on every request",
			EnvVars: []string{"DEBUG"},
		},
	},
	Action: func(cctx *cli.Context) error {
		logger := svcutil.ConfigLogger("threadr", cctx.String("log-level"), os.Stdout)
		logger.Info("running commit", "hash", commitHash(), "version", versioninfo.Short())

		shutdownOTEL := configOTEL("threadr")
		defer shutdownOTEL()

		srv, err := NewServer(
			Config{
				Logger:          logger,
				Bind:            cctx.String("bind"),
				PublicFilesPath: cctx.String("public-files-path"),
				Debug:           cctx.Bool("debug"),
				Walker:          configWalker(cctx, logger),
			},
		)
		if err != nil {
			return fmt.Errorf("failed to construct server: %v", err)
		}

		// prometheus HTTP endpoint: /metrics
		go func() {
			runtime.SetBlockProfileRate(10)
			runtime.SetMutexProfileFraction(10)
			if err := srv.RunMetrics(cctx.String("metrics-listen")); err != nil {
				slog.Error("failed to start metrics endpoint", "error", err)
				panic(fmt.Errorf("failed to start metrics endpoint: %w", err))
			}
		}()

		return srv.RunAPI()
	},
}

var markdownCmd = &cli.Command{
	Name:      "markdown",
	Usage:     "print a thread as Markdown",
	ArgsUsage: "<post-url>",
	Action: func(cctx *cli.Context) error {
		logger := svcutil.ConfigLogger("threadr", cctx.String("log-level"), os.Stderr)
		if cctx.Args().Len() != 1 {
			return fmt.Errorf("expected a single post URL argument")
		}

		walker := configWalker(cctx, logger)
		th, err := walker.Fetch(cctx.Context, cctx.Args().First())
		if err != nil {
			return err
		}
		doc, err := thread.MarkdownDocument(th)
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(cctx.App.Writer, doc)
		return err
	},
}
