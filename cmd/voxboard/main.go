// Command voxboard is a terminal front end for the voice board: it talks to
// the speech model over the duplex session, plays replies through the
// speakers, and produces visual assets on request.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/voxboard/voxboard/internal/config"
	"github.com/voxboard/voxboard/pkg/assets"
	"github.com/voxboard/voxboard/pkg/capture"
	"github.com/voxboard/voxboard/pkg/convo"
	"github.com/voxboard/voxboard/pkg/live"
	"github.com/voxboard/voxboard/pkg/playback"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := newLogger(cfg.Log)

	if cfg.APIKey == "" {
		return fmt.Errorf("no API key found; set GEMINI_API_KEY (or VOXBOARD_API_KEY)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink, err := newSpeakerSink(cfg.Audio.OutputRate)
	if err != nil {
		return err
	}
	defer sink.Close()

	scheduler := playback.NewScheduler(sink,
		playback.WithSafetyMargin(cfg.Audio.SafetyMargin),
		playback.WithLogger(log),
		playback.WithSpeakingFunc(func(speaking bool) {
			if speaking {
				fmt.Println("[model speaking]")
			}
		}),
	)

	generator, err := assets.NewGenerator(ctx, assetClientConfig(cfg), retryPolicy(cfg), log)
	if err != nil {
		return err
	}
	analyzer, err := assets.NewAnalyzer(ctx, assetClientConfig(cfg), retryPolicy(cfg), log)
	if err != nil {
		return err
	}
	queue := assets.NewQueue(ctx, generator,
		assets.WithQueueLogger(log),
		assets.WithLogFunc(func(level assets.LogLevel, text string) {
			prefix := "assets"
			if level == assets.LogError {
				prefix = "assets!"
			}
			fmt.Printf("[%s] %s\n", prefix, text)
		}),
		assets.WithQueueStateFunc(func(st assets.QueueState) {
			if st.Processing || st.Depth > 0 {
				fmt.Printf("[queue] depth=%d processing=%v\n", st.Depth, st.Processing)
			}
		}),
	)

	orch := convo.New(orchestratorConfig(cfg), scheduler,
		func(context.Context) (capture.Source, error) {
			src, err := newMicSource(cfg.Audio.InputDevice)
			if err != nil {
				return nil, err
			}
			return src, nil
		},
		convo.WithAssetQueue(queue),
		convo.WithStateFunc(func(s live.State) {
			fmt.Printf("[session] %s\n", s)
		}),
		convo.WithChatFunc(printChatEntry),
		convo.WithUserSpeakingFunc(func(speaking bool) {
			if speaking {
				fmt.Println("[you are speaking]")
			}
		}),
		convo.WithTurnCompleteFunc(func(transcript string) {
			if !cfg.Assets.SuggestOnTurnEnd {
				return
			}
			go suggestAsset(ctx, analyzer, queue, transcript, log)
		}),
	)

	fmt.Println("voxboard ready. /start to begin, /help for commands.")
	repl(ctx, orch, queue, cfg, log)

	orch.StopSession()
	return nil
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var out zerolog.Logger
	if cfg.Pretty {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		out = zerolog.New(os.Stderr)
	}
	return out.Level(level).With().Timestamp().Logger()
}

func assetClientConfig(cfg *config.Config) assets.ClientConfig {
	return assets.ClientConfig{
		APIKey:            cfg.APIKey,
		ImageModel:        cfg.Assets.ImageModel,
		VideoModel:        cfg.Assets.VideoModel,
		TextModel:         cfg.Assets.TextModel,
		VideoPollInterval: cfg.Assets.VideoPollInterval,
	}
}

func retryPolicy(cfg *config.Config) assets.RetryPolicy {
	return assets.RetryPolicy{
		Attempts:  cfg.Assets.RetryAttempts,
		BaseDelay: cfg.Assets.RetryBaseDelay,
	}
}

func orchestratorConfig(cfg *config.Config) convo.Config {
	return convo.Config{
		Live: live.Config{
			Endpoint:   cfg.Session.Endpoint,
			APIKey:     cfg.APIKey,
			Model:      cfg.Session.Model,
			Voice:      cfg.Session.Voice,
			OutputRate: cfg.Audio.OutputRate,
		},
		SystemInstruction: cfg.Session.SystemInstruction,
		CaptureRate:       cfg.Audio.CaptureRate,
		MinViableSession:  cfg.Reconnect.MinViableSession,
		ReconnectDelay:    cfg.Reconnect.Delay,
		SpeakingThreshold: cfg.Audio.SpeakingThreshold,
		KnowledgeLimit:    cfg.Knowledge.CharLimit,
		AutoReconnect:     cfg.Reconnect.Auto,
	}
}

func printChatEntry(e convo.ChatEntry) {
	switch e.Kind {
	case convo.ChatText:
		fmt.Printf("%s: %s\n", e.Role, e.Text)
	default:
		fmt.Printf("[%s] %s\n", e.Kind, e.Text)
	}
}

func suggestAsset(ctx context.Context, analyzer *assets.Analyzer, queue *assets.Queue, transcript string, log zerolog.Logger) {
	req, err := analyzer.Suggest(ctx, transcript)
	if err != nil {
		log.Debug().Err(err).Msg("turn analysis failed")
		return
	}
	if req == nil {
		return
	}
	if _, err := queue.Propose(*req); err != nil {
		log.Debug().Err(err).Msg("could not hold asset proposal")
		return
	}
	fmt.Printf("[assets] Suggestion: %s of %q. /approve to create it, /dismiss to skip.\n", req.Kind, req.Description)
}

func repl(ctx context.Context, orch *convo.Orchestrator, queue *assets.Queue, cfg *config.Config, log zerolog.Logger) {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := handleCommand(ctx, orch, queue, cfg, log, strings.TrimSpace(line)); quit {
				return
			}
		}
	}
}

func handleCommand(ctx context.Context, orch *convo.Orchestrator, queue *assets.Queue, cfg *config.Config, log zerolog.Logger, line string) bool {
	if line == "" {
		return false
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "/help":
		fmt.Println(`commands:
  /start                      open a voice session
  /stop                       end the session
  /asset <kind> <description> queue an asset (image|video|chart|diagram)
  /approve                    accept the pending asset suggestion
  /dismiss                    discard the pending asset suggestion
  /knowledge <name> <text>    add reference material for the model
  /reconnect on|off           toggle automatic reconnection
  /panel                      toggle the admin panel preference
  /quit                       exit`)
	case "/start":
		if err := orch.StartSession(ctx); err != nil {
			fmt.Println("[error]", err)
		}
	case "/stop":
		orch.StopSession()
	case "/asset":
		if len(fields) < 3 {
			fmt.Println("usage: /asset <kind> <description>")
			return false
		}
		req := assets.Request{
			Kind:        assets.Kind(fields[1]),
			Description: strings.Join(fields[2:], " "),
			Origin:      assets.OriginUserRequest,
		}
		if _, err := orch.QueueAsset(req); err != nil {
			fmt.Println("[error]", err)
		}
	case "/approve":
		id, _, ok := queue.Proposal()
		if !ok {
			fmt.Println("[assets] nothing to approve")
			return false
		}
		if err := orch.ApproveAsset(id); err != nil {
			fmt.Println("[error]", err)
		}
	case "/dismiss":
		id, _, ok := queue.Proposal()
		if !ok {
			fmt.Println("[assets] nothing to dismiss")
			return false
		}
		if err := orch.DismissAsset(id); err != nil {
			fmt.Println("[error]", err)
		}
	case "/knowledge":
		if len(fields) < 3 {
			fmt.Println("usage: /knowledge <name> <text>")
			return false
		}
		if _, err := orch.Knowledge().Add(fields[1], strings.Join(fields[2:], " ")); err != nil {
			fmt.Println("[error]", err)
		} else {
			fmt.Println("[knowledge] added; applies to the next session")
		}
	case "/reconnect":
		if len(fields) != 2 || (fields[1] != "on" && fields[1] != "off") {
			fmt.Println("usage: /reconnect on|off")
			return false
		}
		enabled := fields[1] == "on"
		orch.SetAutoReconnect(enabled)
		cfg.Reconnect.Auto = enabled
		if err := config.Save(cfg); err != nil {
			log.Warn().Err(err).Msg("could not persist reconnect preference")
		}
	case "/panel":
		cfg.UI.AdminPanelOpen = !cfg.UI.AdminPanelOpen
		if err := config.Save(cfg); err != nil {
			log.Warn().Err(err).Msg("could not persist panel preference")
		}
		fmt.Printf("[ui] admin panel open: %v\n", cfg.UI.AdminPanelOpen)
	case "/quit", "/exit":
		return true
	default:
		fmt.Println("unknown command; /help for the list")
	}
	return false
}
