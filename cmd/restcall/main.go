package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gookit/color"
	"github.com/kroma-labs/sentinel-rest/internal/config"
	"github.com/kroma-labs/sentinel-rest/restclient"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

// Flags for the root command
var (
	flagEnvFile string
	flagTimeout time.Duration
	flagQuiet   bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "restcall <VERB> <path> [json-body]",
	Short: "Issue a single Discord REST call",
	Long: `restcall sends one request to the Discord REST API and prints the
response envelope: the JSON body merged with "result" (the HTTP status)
and "header" (the rate limit headers).

Configuration is read from the environment and an optional .env file.
DISCORD_TOKEN is required and is sent verbatim as the Authorization header.

Examples:
  restcall GET /users/@me
  restcall POST /channels/123/messages '{"content":"hello"}'
  restcall DELETE /channels/123/messages/456 --env-file prod.env`,
	Version:       version,
	Args:          cobra.RangeArgs(2, 3),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := config.Load(flagEnvFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		req, err := parseArgs(args)
		if err != nil {
			return err
		}

		logger := newLogger(cmd.ErrOrStderr(), cfg.Debug, flagQuiet)
		client := restclient.New(cfg.Token, append(cfg.Options(), restclient.WithLogger(logger))...)
		defer client.Close()

		return execute(ctx, client, req, cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func init() {
	rootCmd.Flags().StringVar(&flagEnvFile, "env-file", config.DefaultEnvFile, "Path to a .env file")
	rootCmd.Flags().DurationVarP(&flagTimeout, "timeout", "t", 2*time.Minute, "Overall deadline for the call")
	rootCmd.Flags().BoolVarP(&flagQuiet, "quiet", "q", false, "Suppress transport logs")
}

// request is a parsed command line.
type request struct {
	verb restclient.Verb
	path string
	body restclient.Document
}

func parseArgs(args []string) (request, error) {
	req := request{
		verb: restclient.ParseVerb(args[0]),
		path: args[1],
	}
	if !strings.HasPrefix(req.path, "/") {
		req.path = "/" + req.path
	}

	if len(args) > 2 && strings.TrimSpace(args[2]) != "" {
		if err := json.Unmarshal([]byte(args[2]), &req.body); err != nil {
			return request{}, fmt.Errorf("body must be a JSON object: %w", err)
		}
	}
	return req, nil
}

func newLogger(w io.Writer, debug, quiet bool) zerolog.Logger {
	level := zerolog.WarnLevel
	switch {
	case quiet:
		level = zerolog.Disabled
	case debug:
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// doer is the part of *restclient.Client the command needs.
type doer interface {
	Do(ctx context.Context, verb restclient.Verb, path string, body restclient.Document) (*restclient.Result, error)
}

func execute(ctx context.Context, client doer, req request, out, errOut io.Writer) error {
	if flagTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flagTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := client.Do(ctx, req.verb, req.path, req.body)
	elapsed := time.Since(start).Round(time.Millisecond)

	var rl *restclient.RateLimitError
	switch {
	case errors.As(err, &rl):
		fmt.Fprintln(errOut, color.Yellow.Sprintf("! %s", rl))
	case err != nil && res == nil:
		fmt.Fprintln(errOut, color.Red.Sprintf("✗ %s %s failed after %s", req.verb, req.path, elapsed))
		return err
	case err != nil:
		fmt.Fprintln(errOut, color.Red.Sprintf("✗ %s", err))
	}

	printStatus(errOut, req, res, elapsed)
	fmt.Fprintln(out, res.Envelope.Pretty())

	if res.Failed {
		return fmt.Errorf("call returned status %d", res.Status)
	}
	return nil
}

func printStatus(w io.Writer, req request, res *restclient.Result, elapsed time.Duration) {
	symbol := color.Green.Sprint("✓")
	if res.Failed {
		symbol = color.Red.Sprint("✗")
	}
	fmt.Fprintf(w, "%s %s %s %s %s\n",
		symbol,
		color.Bold.Sprint(req.verb),
		req.path,
		statusColor(res.Status).Sprint(res.Status),
		elapsed,
	)

	info := res.RateLimit()
	if info.Remaining != nil && info.Limit != nil {
		fmt.Fprintf(w, "  rate limit %d/%d", *info.Remaining, *info.Limit)
		if info.Bucket != nil {
			fmt.Fprintf(w, " bucket %s", *info.Bucket)
		}
		fmt.Fprintln(w)
	}
}

func statusColor(status int) color.Color {
	switch {
	case status >= 200 && status < 300:
		return color.Green
	case status == 429 || (status >= 300 && status < 500):
		return color.Yellow
	default:
		return color.Red
	}
}
