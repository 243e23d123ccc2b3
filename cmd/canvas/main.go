package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/weiawesome/wes-io-canvas/internal/canvas"
	"github.com/weiawesome/wes-io-canvas/internal/config"
	"github.com/weiawesome/wes-io-canvas/internal/domain"
	"github.com/weiawesome/wes-io-canvas/internal/identity"
	"github.com/weiawesome/wes-io-canvas/internal/session"
	pkgconfig "github.com/weiawesome/wes-io-canvas/pkg/config"
	pkglog "github.com/weiawesome/wes-io-canvas/pkg/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "canvas",
		Short: "Shared drawing canvas peer",
		Long: `canvas hosts or joins a shared drawing room. The host relays every
drawing event to all guests; guests talk only to the host.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := pkgconfig.Load(pkgconfig.Options{Name: "canvas", File: configFile, EnvPrefix: "CANVAS"})
			if err != nil {
				return err
			}
			config.ClientDefaults(v)
			if err := bindFlags(v, cmd); err != nil {
				return err
			}
			cfg, err := config.LoadClient(v)
			if err != nil {
				return err
			}
			pkglog.Init(cfg.Log)
			watchConfig(v)
			return run(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVarP(&configFile, "config", "c", "", "path to a YAML config file")
	f.StringP("room", "r", "", "room id to host or join")
	f.StringP("mode", "m", "", "start mode: host or join (empty stays local)")
	f.Bool("autodraw", false, "generate drawing events automatically")
	f.String("broker", config.BrokerMemory, `broker WebSocket URL, or "memory" for a local-only namespace`)
	f.Bool("direct", false, "open WebRTC data channels between peers instead of relaying through the broker")
	f.Duration("join-timeout", session.DefaultJoinTimeout, "how long to wait for the room host")
	f.Duration("draw-interval", canvas.DefaultAutodrawInterval, "autodraw tick")
	f.String("log-level", "info", "log level")
	return cmd
}

// bindFlags makes explicitly set flags override config file and env values.
func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	keys := map[string]string{
		"room":          "room",
		"mode":          "mode",
		"autodraw":      "autodraw",
		"broker":        "broker",
		"direct":        "direct",
		"join-timeout":  "join_timeout",
		"draw-interval": "draw_interval",
		"log-level":     "log.level",
	}
	for flag, key := range keys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return nil
}

func newProvider(ctx context.Context, cfg *config.ClientConfig, l zerolog.Logger) identity.Provider {
	if cfg.Broker == "" || cfg.Broker == config.BrokerMemory {
		return identity.NewNetwork()
	}

	ice := cfg.ICE.Servers
	if cfg.Direct && len(ice) == 0 {
		fctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		servers, err := identity.FetchICEServers(fctx, cfg.Broker)
		cancel()
		if err != nil {
			l.Warn().Err(err).Msg("could not fetch ICE servers from broker, using defaults")
		}
		ice = servers
	}
	if len(ice) == 0 {
		ice = cfg.ICEServers()
	}

	return identity.NewBrokerProvider(identity.BrokerOptions{
		URL:        cfg.Broker,
		Direct:     cfg.Direct,
		ICEServers: ice,
		WebSocket:  cfg.WebSocket,
	})
}

// watchConfig applies log level edits in the config file while running.
func watchConfig(v *viper.Viper) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		level := v.GetString("log.level")
		pkglog.SetLevel(level)
		l := pkglog.L()
		l.Info().Str("file", e.Name).Str("level", level).Msg("config reloaded")
	})
	v.WatchConfig()
}

func run(ctx context.Context, cfg *config.ClientConfig, out io.Writer) error {
	l := pkglog.L()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	board := canvas.NewBoard(canvas.DefaultBoardLimit)
	sink := canvas.Multi(board, canvas.NewLogSink(l, zerolog.DebugLevel))

	mgr := session.New(newProvider(ctx, cfg, l), sink,
		session.WithJoinTimeout(cfg.JoinTimeout),
		session.WithLogger(l),
	)
	defer mgr.Close()

	switch cfg.Mode {
	case config.ModeHost:
		room := cfg.Room
		if room == "" {
			room = domain.NewRoomID()
		}
		if err := mgr.HostRoom(ctx, room); err != nil {
			l.Error().Err(err).Str(pkglog.FieldRoomID, room).Msg("failed to host room")
			return err
		}
		fmt.Fprintf(out, "hosting room %s\n", room)
	case config.ModeJoin:
		if err := mgr.JoinRoom(ctx, cfg.Room); err != nil {
			l.Error().Err(err).Str(pkglog.FieldRoomID, cfg.Room).Msg("failed to join room")
			return err
		}
		fmt.Fprintf(out, "joined room %s\n", cfg.Room)
	default:
		fmt.Fprintln(out, "drawing locally; pass --mode host or --mode join to share")
	}

	g, gCtx := errgroup.WithContext(ctx)
	if cfg.Autodraw {
		ad := canvas.NewAutodraw(mgr,
			canvas.WithInterval(cfg.DrawInterval),
			canvas.WithAutodrawLogger(l),
		)
		g.Go(func() error {
			err := ad.Run(gCtx)
			if errors.Is(err, context.Canceled) || errors.Is(err, session.ErrClosed) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		watchEvents(gCtx, mgr, l)
		return nil
	})
	g.Go(func() error {
		reportStatus(gCtx, mgr, board, cfg.StatusEvery, out)
		return nil
	})

	err := g.Wait()
	l.Info().Msg("canvas stopped")
	return err
}

func watchEvents(ctx context.Context, mgr *session.Manager, l zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-mgr.Events():
			if !ok {
				return
			}
			e := l.Info()
			if ev.Err != nil {
				e = l.Warn().Err(ev.Err)
			}
			e.Str("event", string(ev.Type)).
				Str(pkglog.FieldRemoteID, ev.PeerID).
				Str(pkglog.FieldMode, ev.Mode.String()).
				Msg("session state changed")
		}
	}
}

func reportStatus(ctx context.Context, mgr *session.Manager, board *canvas.Board, every time.Duration, out io.Writer) {
	if every <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := board.Snapshot()
			fmt.Fprintf(out, "mode=%s room=%s id=%s guests=%d applied=%d cursor=(%.0f,%.0f)\n",
				mgr.Mode(), mgr.RoomID(), mgr.LocalID(), len(mgr.Guests()),
				snap.Applied, snap.LastCursor.X(), snap.LastCursor.Y())
		}
	}
}
