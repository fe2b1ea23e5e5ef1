package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/harunnryd/murmur/pkg/logging"
	"github.com/harunnryd/murmur/pkg/murmur"
	"github.com/harunnryd/murmur/pkg/prefs"
	"github.com/harunnryd/murmur/pkg/render"
	"github.com/harunnryd/murmur/pkg/runner"
	"github.com/harunnryd/murmur/pkg/speech"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string
	voice    string
	noWait   bool
)

var rootCmd = &cobra.Command{
	Use:   "murmur",
	Short: "Stream assistant answers to the terminal and speak them aloud",
	Long: `murmur sends prompts to an assistant server, renders the streamed
answer as markdown and speaks the finished text through an avatar renderer
or the local speakers.

Configuration is read from --config, ./murmur.yaml or the user config dir.
Any key can be overridden with a MURMUR_ variable, e.g. MURMUR_SERVER_BASE_URL.`,
	SilenceUsage: true,
	Version:      runner.Version,
}

var askCmd = &cobra.Command{
	Use:   "ask [prompt]",
	Short: "Ask one question and wait until the answer has been spoken",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive session (/mute, /replay, /reset, /voice <name>, /quit)",
	RunE:  runChat,
}

var muteCmd = &cobra.Command{
	Use:   "mute",
	Short: "Toggle the persisted mute flag",
	RunE:  runMute,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), runner.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./murmur.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	rootCmd.PersistentFlags().StringVar(&voice, "voice", "", "synthesis voice (overrides config)")
	askCmd.Flags().BoolVar(&noWait, "no-wait", false, "exit once the answer is rendered")

	rootCmd.AddCommand(askCmd, chatCmd, muteCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (murmur.Config, *slog.Logger, error) {
	cfg, err := murmur.LoadConfig(cfgFile)
	if err != nil {
		return murmur.Config{}, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if voice != "" {
		cfg.Speech.Voice = voice
	}
	return cfg, logging.SetDefaultLogger(cfg.LogLevel), nil
}

func newSession(cmd *cobra.Command) (*murmur.Engine, *render.Terminal, murmur.Config, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, nil, cfg, err
	}
	var exec io.Writer
	if cfg.Render.ShowExecution {
		exec = cmd.ErrOrStderr()
	}
	term, err := render.NewTerminal(render.Config{
		Out:          cmd.OutOrStdout(),
		Exec:         exec,
		Live:         cfg.Render.Live,
		ShowThinking: cfg.Render.ShowThinking,
		Style:        cfg.Render.Style,
		WordWrap:     cfg.Render.WordWrap,
		Plain:        cfg.Render.Plain,
	})
	if err != nil {
		return nil, nil, cfg, err
	}
	engine, err := murmur.NewEngine(murmur.EngineOptions{
		Config:   cfg,
		Renderer: term,
		Sink:     term,
		Logger:   logger,
	})
	if err != nil {
		return nil, nil, cfg, err
	}
	return engine, term, cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func ask(ctx context.Context, engine *murmur.Engine, term *render.Terminal, prompt string) error {
	term.Begin()
	_, err := engine.Ask(ctx, prompt)
	if ferr := term.Flush(); err == nil {
		err = ferr
	}
	return err
}

func runAsk(cmd *cobra.Command, args []string) error {
	engine, term, cfg, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer engine.Close()

	ctx, stop := signalContext()
	defer stop()
	if err := ask(ctx, engine, term, strings.Join(args, " ")); err != nil {
		return err
	}
	if noWait {
		return nil
	}
	drainCtx, cancel := context.WithTimeout(ctx, ms(cfg.Speech.PlaybackTimeoutMS))
	defer cancel()
	if err := engine.Drain(drainCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("speech did not finish: %w", err)
	}
	return nil
}

func runChat(cmd *cobra.Command, _ []string) error {
	engine, term, cfg, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer engine.Close()

	out := cmd.OutOrStdout()
	work := func(ctx context.Context) error {
		return chatLoop(ctx, cmd.InOrStdin(), out, engine, term)
	}
	r := runner.NewLifecycleRunner(work, engine, runner.Hooks{
		OnStop: func() { fmt.Fprintln(out, "bye") },
	}, ms(cfg.Speech.PlaybackTimeoutMS))
	r.Banner = out

	ctx, stop := signalContext()
	defer stop()
	return r.Run(ctx)
}

func chatLoop(ctx context.Context, in io.Reader, out io.Writer, engine *murmur.Engine, term *render.Terminal) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(out, "> ")
		var line string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := command(ctx, out, engine, line)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}
		if err := ask(ctx, engine, term, line); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

func command(ctx context.Context, out io.Writer, engine *murmur.Engine, line string) (bool, error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/mute":
		muted, err := engine.ToggleMute()
		if err != nil {
			return false, err
		}
		fmt.Fprintf(out, "muted: %v\n", muted)
	case "/replay":
		if err := engine.Replay(); errors.Is(err, speech.ErrNothingToReplay) {
			fmt.Fprintln(out, "nothing to replay yet")
		} else if err != nil {
			return false, err
		}
	case "/reset":
		if len(fields) > 1 {
			idx, err := strconv.Atoi(fields[1])
			if err != nil {
				return false, fmt.Errorf("reset index: %w", err)
			}
			return false, engine.ResetFrom(ctx, idx)
		}
		if err := engine.NewChat(ctx); err != nil {
			return false, err
		}
		fmt.Fprintln(out, "new chat")
	case "/voice":
		if len(fields) < 2 {
			fmt.Fprintf(out, "voice: %s\n", engine.Voice())
			return false, nil
		}
		engine.SetVoice(fields[1])
	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
	return false, nil
}

// runMute flips the stored flag without building the engine so it works
// while no backend is reachable.
func runMute(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := prefs.Open(cfg.Prefs.Driver, cfg.Prefs.Path)
	if err != nil {
		return err
	}
	defer store.Close()
	gate := speech.NewMuteGate(store, logger)
	muted, err := gate.Toggle()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "muted: %v\n", muted)
	return nil
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }
