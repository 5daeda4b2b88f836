// Command tandem joins a room and edits it from the terminal.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/manpreetbhatti/tandem/internal/config"
	"github.com/manpreetbhatti/tandem/internal/discovery"
	"github.com/manpreetbhatti/tandem/internal/logging"
	"github.com/manpreetbhatti/tandem/internal/presence"
	"github.com/manpreetbhatti/tandem/internal/session"
	"github.com/manpreetbhatti/tandem/internal/termsurface"
	"github.com/manpreetbhatti/tandem/internal/transport"
	"github.com/manpreetbhatti/tandem/internal/transport/redisbus"
	"github.com/manpreetbhatti/tandem/internal/transport/relay"
)

const (
	joinTimeout  = 30 * time.Second
	leaveTimeout = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tandem: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := pflag.NewFlagSet("tandem", pflag.ContinueOnError)
	config.RegisterCommonFlags(fs)
	config.RegisterClientFlags(fs)
	seedFile := fs.String("file", "", "publish this file's contents as the starting text")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.FromFlags(fs)
	if err != nil {
		return err
	}
	logger := logging.Stderr(cfg.Log.Level, cfg.Log.Format)
	timing, err := cfg.Client.Timing()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tr, err := openTransport(ctx, cfg.Client, logger)
	if err != nil {
		return err
	}
	defer tr.Close()

	surface := termsurface.New(os.Stdout)
	seed := false
	if *seedFile != "" {
		data, err := os.ReadFile(*seedFile)
		if err != nil {
			return fmt.Errorf("reading seed file: %w", err)
		}
		surface.SetText(string(data))
		seed = true
	}

	joinCtx, cancel := context.WithTimeout(ctx, joinTimeout)
	sess, err := session.Join(joinCtx, session.Options{
		RoomID:      cfg.Client.Room,
		Participant: presence.Participant{Name: cfg.Client.Name},
		Transport:   tr,
		Surface:     surface,
		Seed:        seed,
		Config: session.Config{
			Debounce:         timing.Debounce,
			MaxWait:          timing.MaxWait,
			PresenceThrottle: timing.PresenceThrottle,
			PresenceTimeout:  timing.PresenceTimeout,
			ResyncOnError:    cfg.Client.ResyncOnError,
			Logger:           logger,
		},
	})
	cancel()
	if err != nil {
		return fmt.Errorf("joining %s: %w", cfg.Client.Room, err)
	}
	defer func() {
		sess.Flush()
		leaveCtx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		defer cancel()
		if err := sess.Leave(leaveCtx); err != nil {
			logger.Warn().Err(err).Msg("leave failed")
		}
	}()

	surface.OnChange(sess.HandleChange)
	surface.OnCursor(sess.HandleCursor)
	sess.OnStateChange(func(st session.State) {
		logger.Info().Str("state", st.String()).Msg("session state changed")
	})

	local := sess.Local()
	logger.Info().Str("room", sess.RoomID()).Str("user", local.ID).Str("name", local.Name).Msg("joined")
	fmt.Fprintln(os.Stdout, usage)
	surface.Print()
	surface.SetLive(true)

	ed := &editor{surface: surface, participants: sess.Participants, out: os.Stdout}
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := ed.execute(line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
		}
	}
}

func openTransport(ctx context.Context, cfg config.ClientConfig, logger zerolog.Logger) (transport.Transport, error) {
	switch cfg.Transport {
	case "redis":
		return redisbus.New(redisbus.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Logger:   logger,
		}), nil

	case "memory":
		// A private bus: useful for trying the editor without a relay.
		return transport.NewMemoryBus().Client(), nil
	}

	url := cfg.Server
	if cfg.Discover {
		r, err := discovery.First(ctx)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("instance", r.Instance).Str("url", r.URL()).Msg("discovered relay")
		url = r.URL()
	}
	return relay.New(relay.Options{URL: url, Logger: logger}), nil
}
