// analyticsctl runs operator tasks against the pipeline's database and queue.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/chatnationwork/analytics-sub002/internal"
	"github.com/chatnationwork/analytics-sub002/internal/config"
	"github.com/chatnationwork/analytics-sub002/internal/events"
)

const shutdownTimeout = 30 * time.Second

// Command is one analyticsctl subcommand.
type Command interface {
	Name() string
	Description() string
	// NeedsApp reports whether Execute expects a wired application.
	NeedsApp() bool
	Execute(ctx context.Context, app *internal.Application, out io.Writer) error
}

var commands = []Command{
	MigrateCommand{},
	StatusCommand{},
	HelpCommand{},
}

func main() {
	flag.Usage = func() { printUsage(os.Stderr) }
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, flag.Args(), os.Stdout))
}

func run(ctx context.Context, args []string, out io.Writer) int {
	name := "help"
	if len(args) > 0 {
		name = args[0]
	}

	cmd := findCommand(name)
	if cmd == nil {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
		printUsage(os.Stderr)
		return 2
	}

	var app *internal.Application
	if cmd.NeedsApp() {
		var err error
		app, err = internal.NewAppWithConfig(controlConfig(config.GetConfig()))
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
			return 1
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := app.Shutdown(shutdownCtx); err != nil {
				app.Logger.Warn("Shutdown incomplete", slog.Any("error", err))
			}
		}()
	}

	if err := cmd.Execute(ctx, app, out); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		return 1
	}
	return 0
}

// controlConfig narrows the process config so the tool neither serves
// traffic, joins the consumer group nor starts its own NATS server.
func controlConfig(cfg *config.Config) *config.Config {
	ctl := *cfg
	ctl.Role = config.RoleAPI
	ctl.NATSEmbedded = false
	return &ctl
}

func findCommand(name string) Command {
	for _, cmd := range commands {
		if cmd.Name() == name {
			return cmd
		}
	}
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: analyticsctl <command>")
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, cmd := range commands {
		fmt.Fprintf(tw, "  %s\t%s\n", cmd.Name(), cmd.Description())
	}
	tw.Flush()
}

// MigrateCommand creates or updates the schema.
type MigrateCommand struct{}

func (MigrateCommand) Name() string        { return "migrate" }
func (MigrateCommand) Description() string { return "Create or update the database schema" }
func (MigrateCommand) NeedsApp() bool      { return true }

func (MigrateCommand) Execute(_ context.Context, app *internal.Application, out io.Writer) error {
	if app == nil {
		return fmt.Errorf("no application")
	}
	if err := app.Migrate(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	fmt.Fprintln(out, "schema up to date")
	return nil
}

// StatusCommand reports queue depth and stored row counts.
type StatusCommand struct{}

func (StatusCommand) Name() string { return "status" }
func (StatusCommand) Description() string {
	return "Show queue depth and event, session and dead letter counts"
}
func (StatusCommand) NeedsApp() bool { return true }

func (StatusCommand) Execute(ctx context.Context, app *internal.Application, out io.Writer) error {
	if app == nil {
		return fmt.Errorf("no application")
	}

	stats, err := events.GetStats(ctx, app.DB)
	if err != nil {
		return err
	}

	queue := "unavailable"
	if depth, err := app.Producer.Depth(ctx); err == nil {
		queue = fmt.Sprintf("%d messages", depth)
	} else {
		app.Logger.Warn("Queue depth unavailable", slog.Any("error", err))
	}

	lastEvent := "never"
	if stats.LastEventAt != nil {
		lastEvent = stats.LastEventAt.Format(time.RFC3339)
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "stream\t%s\n", app.Producer.Stream())
	fmt.Fprintf(tw, "queue\t%s\n", queue)
	fmt.Fprintf(tw, "events\t%d\n", stats.Events)
	fmt.Fprintf(tw, "sessions\t%d (%d converted)\n", stats.Sessions, stats.ConvertedSession)
	fmt.Fprintf(tw, "dead letters\t%d\n", stats.DeadLetters)
	fmt.Fprintf(tw, "last event\t%s\n", lastEvent)
	return tw.Flush()
}

// HelpCommand prints the command list.
type HelpCommand struct{}

func (HelpCommand) Name() string        { return "help" }
func (HelpCommand) Description() string { return "Show this help" }
func (HelpCommand) NeedsApp() bool      { return false }

func (HelpCommand) Execute(_ context.Context, _ *internal.Application, out io.Writer) error {
	printUsage(out)
	return nil
}
