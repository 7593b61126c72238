package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kgantsov/dslot/internal/backend"
	"github.com/kgantsov/dslot/internal/config"
	"github.com/kgantsov/dslot/internal/coordinator"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	exitOK    = 0
	exitNo    = 1
	exitError = 2
)

const usage = `Usage: %s [global options] <command> [options] <path>

Commands:
  acquire     take a lease of the pool at path
  release     release the lease this identifier holds
  holders     list the identifiers holding leases
  members     list the members of a party
  join-party  join a party and wait for min members

Global options:
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	os.Exit(run(ctx, os.Args[1:], os.Stdout))
}

type command func(ctx context.Context, c *coordinator.Coordinator, cfg *config.CLI, args []string, out io.Writer) (int, error)

var commands = map[string]command{
	"acquire":    acquire,
	"release":    release,
	"holders":    holders,
	"members":    members,
	"join-party": joinParty,
}

func run(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("slotctl", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), usage, fs.Name())
		fs.PrintDefaults()
	}

	cfg, err := config.LoadCLI(fs, args)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			log.Error().Msg(err.Error())
		}
		return exitError
	}
	zerolog.SetGlobalLevel(cfg.Level())

	if fs.NArg() == 0 {
		fs.Usage()
		return exitError
	}

	cmd, ok := commands[fs.Arg(0)]
	if !ok {
		log.Error().Msgf("Unknown command %q", fs.Arg(0))
		fs.Usage()
		return exitError
	}

	var opts []coordinator.Option
	if cfg.Identifier != "" {
		opts = append(opts, coordinator.WithIdentifier(cfg.Identifier))
	}
	c := coordinator.New(backend.Dialer(cfg.SessionTimeout), opts...)
	defer c.Disconnect()

	code, err := cmd(ctx, c, cfg, fs.Args()[1:], out)
	if err != nil {
		log.Error().Msg(err.Error())
		return exitError
	}
	return code
}

// parse parses the options of a command and returns its path argument.
func parse(fs *flag.FlagSet, args []string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() != 1 {
		return "", fmt.Errorf("%s: expected exactly one path", fs.Name())
	}
	return fs.Arg(0), nil
}

func printList(out io.Writer, items []string) {
	for _, item := range items {
		fmt.Fprintln(out, item)
	}
}

func acquire(ctx context.Context, c *coordinator.Coordinator, cfg *config.CLI, args []string, out io.Writer) (int, error) {
	opts := coordinator.DefaultAcquireOptions()

	fs := flag.NewFlagSet("acquire", flag.ContinueOnError)
	fs.IntVar(&opts.MaxConcurrency, "max", opts.MaxConcurrency, "Number of leases the pool hands out")
	fs.DurationVar(&opts.Timeout, "timeout", opts.Timeout, "Give up after this long, 0 waits forever")
	fs.BoolVar(&opts.Ephemeral, "ephemeral", opts.Ephemeral, "Drop the lease when the session ends")
	fs.BoolVar(&opts.Force, "force", opts.Force, "Take a lease even if the pool is full")
	hold := fs.Bool("hold", false, "Keep the session open until interrupted")

	path, err := parse(fs, args)
	if err != nil {
		return exitError, err
	}

	ok, err := c.Acquire(ctx, path, cfg.ConnString, opts)
	if err != nil {
		return exitError, err
	}
	if !ok {
		fmt.Fprintf(out, "timed out waiting for %s\n", path)
		return exitNo, nil
	}

	fmt.Fprintf(out, "acquired %s\n", path)

	if *hold {
		log.Info().Msgf("Holding %s until interrupted", path)
		<-ctx.Done()

		releaseCtx, cancel := context.WithTimeout(context.Background(), cfg.SessionTimeout)
		defer cancel()

		if _, err := c.Release(releaseCtx, path, coordinator.ReleaseOptions{
			MaxConcurrency: opts.MaxConcurrency,
			Ephemeral:      opts.Ephemeral,
		}); err != nil {
			log.Warn().Msgf("Failed to release %s: %v", path, err)
		}
	} else if opts.Ephemeral {
		log.Warn().Msgf("Lease of %s is ephemeral and ends with this process, use -hold to keep it", path)
	}

	return exitOK, nil
}

func release(ctx context.Context, c *coordinator.Coordinator, cfg *config.CLI, args []string, out io.Writer) (int, error) {
	opts := coordinator.DefaultReleaseOptions()
	opts.ConnString = cfg.ConnString
	opts.Ephemeral = false

	fs := flag.NewFlagSet("release", flag.ContinueOnError)
	fs.IntVar(&opts.MaxConcurrency, "max", opts.MaxConcurrency, "Number of leases the pool hands out")
	fs.BoolVar(&opts.Ephemeral, "ephemeral", opts.Ephemeral, "The lease was ephemeral")

	path, err := parse(fs, args)
	if err != nil {
		return exitError, err
	}

	ok, err := c.Release(ctx, path, opts)
	if err != nil {
		return exitError, err
	}
	if !ok {
		fmt.Fprintf(out, "no lease of %s to release\n", path)
		return exitNo, nil
	}

	fmt.Fprintf(out, "released %s\n", path)
	return exitOK, nil
}

func holders(ctx context.Context, c *coordinator.Coordinator, cfg *config.CLI, args []string, out io.Writer) (int, error) {
	opts := coordinator.DefaultHolderOptions()

	fs := flag.NewFlagSet("holders", flag.ContinueOnError)
	fs.IntVar(&opts.MaxConcurrency, "max", opts.MaxConcurrency, "Number of leases the pool hands out")
	fs.DurationVar(&opts.Timeout, "timeout", opts.Timeout, "Give up after this long, 0 waits forever")

	path, err := parse(fs, args)
	if err != nil {
		return exitError, err
	}

	ids, err := c.LockHolders(ctx, path, cfg.ConnString, opts)
	if err != nil {
		return exitError, err
	}

	printList(out, ids)
	return exitOK, nil
}

func members(ctx context.Context, c *coordinator.Coordinator, cfg *config.CLI, args []string, out io.Writer) (int, error) {
	opts := coordinator.DefaultPartyOptions()

	fs := flag.NewFlagSet("members", flag.ContinueOnError)

	path, err := parse(fs, args)
	if err != nil {
		return exitError, err
	}

	ids, err := c.PartyMembers(ctx, path, cfg.ConnString, opts)
	if err != nil {
		return exitError, err
	}

	printList(out, ids)
	return exitOK, nil
}

func joinParty(ctx context.Context, c *coordinator.Coordinator, cfg *config.CLI, args []string, out io.Writer) (int, error) {
	opts := coordinator.DefaultPartyOptions()
	opts.Blocking = true

	fs := flag.NewFlagSet("join-party", flag.ContinueOnError)
	fs.IntVar(&opts.MinNodes, "min", opts.MinNodes, "Members to wait for")
	timeout := fs.Duration("timeout", 0, "Give up after this long, 0 waits forever")

	path, err := parse(fs, args)
	if err != nil {
		return exitError, err
	}

	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	ids, err := c.PartyMembers(ctx, path, cfg.ConnString, opts)
	if errors.Is(err, context.DeadlineExceeded) {
		fmt.Fprintf(out, "timed out waiting for %d members of %s\n", opts.MinNodes, path)
		return exitNo, nil
	}
	if err != nil {
		return exitError, err
	}

	printList(out, ids)
	return exitOK, nil
}
