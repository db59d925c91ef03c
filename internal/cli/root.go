// Package cli is the command line front end of dnsrecon.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"dnsrecon/internal/aggregate"
	"dnsrecon/internal/config"
	"dnsrecon/internal/engine"
	"dnsrecon/internal/output"
	"dnsrecon/internal/target"
)

const (
	program = "dnsrecon"
	version = "2.0.0"
)

// Exit statuses.
const (
	ExitSuccess = 0
	ExitFatal   = 1
	ExitPartial = 2
)

// Execute runs the command line and returns the process exit status.
// SIGINT and SIGTERM cancel the run; the partial report is still written.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := ExitSuccess
	cmd := newRootCommand(stdout, stderr, &code)
	cmd.SetArgs(normalizeLongFlags(cmd.Flags(), args))

	if err := cmd.ExecuteContext(ctx); err != nil {
		color.New(color.FgRed, color.Bold).Fprintf(stderr, "[-] %v\n", err)
		if errors.Is(err, config.ErrInvalidInput) {
			fmt.Fprintf(stderr, "Run '%s --help' for usage.\n", program)
		}
		return ExitFatal
	}
	return code
}

func newRootCommand(stdout, stderr io.Writer, code *int) *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   program + " [flags] [domain]",
		Short: "DNS enumeration and reconnaissance",
		Long: `dnsrecon enumerates the DNS records of a domain.

Types: std (SOA, NS, MX, TXT, SRV and zone transfers), brt (wordlist brute
force with wildcard filtering), snoop (cache snooping of a resolver) and rvl
(PTR sweep of an IP range).`,
		Version:       version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := run(cmd.Context(), opts, cmd, args, stdout, stderr)
			if err != nil {
				return err
			}
			if status == aggregate.RunPartial {
				*code = ExitPartial
			}
			return nil
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	opts.register(cmd.Flags())
	return cmd
}

func newLogger(w io.Writer, opts *options) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(w)
	log.SetFormatter(&logrus.TextFormatter{
		DisableColors: opts.noColor,
		FullTimestamp: true,
	})
	switch {
	case opts.verbose:
		log.SetLevel(logrus.DebugLevel)
	case opts.quiet:
		log.SetLevel(logrus.WarnLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}
	return log
}

func run(ctx context.Context, opts *options, cmd *cobra.Command, args []string, stdout, stderr io.Writer) (aggregate.RunStatus, error) {
	if opts.noColor {
		color.NoColor = true
	}
	log := newLogger(stderr, opts)

	cfg, err := opts.config(cmd.Flags(), args)
	if err != nil {
		return "", err
	}
	if cfg.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	domain := cfg.Domain
	if cfg.Mode == config.ModeReverse {
		domain = ""
	}
	tgt, err := target.New(ctx, target.Options{
		Domain:      domain,
		Nameservers: cfg.Nameservers,
	})
	if err != nil {
		return "", err
	}

	var bar *progress
	if !opts.quiet && cfg.Mode != config.ModeStandard {
		bar = newProgress(stderr, cfg.Mode.String())
	}

	eopts := engine.Options{}
	if bar != nil {
		eopts.OnProgress = bar.update
	}

	rep, err := engine.New(cfg, tgt, eopts, log).Run(ctx)
	if bar != nil {
		bar.finish()
	}
	if err != nil {
		return "", err
	}

	printReport(stdout, rep)

	if err := export(context.WithoutCancel(ctx), cfg, rep, log); err != nil {
		return "", err
	}
	return rep.Status(), nil
}

func export(ctx context.Context, cfg config.Config, rep *aggregate.Report, log logrus.FieldLogger) error {
	var errs []error
	if cfg.JSON != "" {
		if err := output.WriteJSON(cfg.JSON, rep); err != nil {
			errs = append(errs, err)
		} else {
			log.WithField("path", cfg.JSON).Info("wrote JSON report")
		}
	}
	if cfg.XML != "" {
		if err := output.WriteXML(cfg.XML, rep); err != nil {
			errs = append(errs, err)
		} else {
			log.WithField("path", cfg.XML).Info("wrote XML report")
		}
	}
	if cfg.SQLite != "" {
		id, err := output.WriteSQLite(ctx, cfg.SQLite, rep)
		if err != nil {
			errs = append(errs, err)
		} else {
			log.WithFields(logrus.Fields{"path": cfg.SQLite, "run": id}).Info("stored run in SQLite")
		}
	}
	return errors.Join(errs...)
}
