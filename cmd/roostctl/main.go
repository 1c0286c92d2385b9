package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fatih/color"

	roost "github.com/CorvidComms/roost"
	"github.com/CorvidComms/roost/audience"
	"github.com/CorvidComms/roost/channel"
	"github.com/CorvidComms/roost/client"
	"github.com/CorvidComms/roost/config"
	"github.com/CorvidComms/roost/pending"
	"github.com/CorvidComms/roost/store"
	"github.com/CorvidComms/roost/tokens"
)

var (
	logger *slog.Logger
)

func init() {
	logOpts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	handler := slog.NewTextHandler(os.Stderr, logOpts)
	logger = slog.New(handler)
}

func printGlobalUsage() {
	fmt.Fprintf(os.Stderr, "Usage: roostctl <command> [arguments]\n")
	fmt.Fprintf(os.Stderr, "Diagnostic tool for a roost channel registration and its audience state.\n\n")
	fmt.Fprintf(os.Stderr, "Available commands:\n")
	fmt.Fprintf(os.Stderr, "  %s      Write a default configuration file.\n", color.GreenString("init"))
	fmt.Fprintf(os.Stderr, "  %s    Show the stored channel identity and pending queue.\n", color.GreenString("status"))
	fmt.Fprintf(os.Stderr, "  %s      Reconcile the registration and upload pending audience edits.\n", color.GreenString("sync"))
	fmt.Fprintf(os.Stderr, "  %s      Enqueue tag edits: tags %s %s %s\n", color.GreenString("tags"), color.CyanString("add|remove|set"), color.CyanString("<group>"), color.CyanString("<tag>..."))
	fmt.Fprintf(os.Stderr, "  %s     Fetch a bearer token: token %s\n", color.GreenString("token"), color.CyanString("<identity>"))
	fmt.Fprintf(os.Stderr, "\nUse \"roostctl <command> -h\" for more information about a specific command.\n")
}

// foreground satisfies channel.ActivityMonitor; a CLI run is always an
// active session.
type foreground struct{}

func (foreground) IsForegrounded() bool { return true }

type app struct {
	cfg       *config.App
	store     store.Store
	client    *client.Client
	queue     *pending.Queue
	registrar *channel.Registrar
	cache     *tokens.Cache
	engine    *roost.Engine
}

func buildApp(configPath string) (*app, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	s, err := store.Open(store.Config{
		Logger:    logger,
		Directory: filepath.Join(cfg.DataDir, config.StoreDirName),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	c, err := client.NewClient(&client.Config{
		Logger:     logger,
		DeviceURL:  cfg.Registry.DeviceURL,
		AppKey:     cfg.Registry.AppKey,
		AppSecret:  cfg.Registry.AppSecret,
		SkipVerify: cfg.Registry.SkipVerify,
		Timeout:    cfg.RequestTimeout,
		RateLimit:  cfg.RateLimiter.Limit,
		RateBurst:  cfg.RateLimiter.Burst,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create registry client: %w", err)
	}

	queue, err := pending.NewQueue(pending.Config{
		Logger:   logger,
		Store:    s,
		Uploader: c,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to open pending queue: %w", err)
	}

	registrar := channel.NewRegistrar(channel.Config{
		Logger:         logger,
		Store:          s,
		API:            c,
		Activity:       foreground{},
		DeviceType:     cfg.Channel.DeviceType,
		ReRegistration: cfg.Channel.ReRegistrationInterval,
	})

	cache := tokens.NewCache(tokens.Config{
		Logger:  logger,
		Fetcher: c,
	})
	c.WithTokenSource(cache.TokenSource(), cache.Invalidate)

	engine := roost.New(roost.Config{
		Logger:    logger,
		Registrar: registrar,
		Queue:     queue,
	})

	return &app{
		cfg:       cfg,
		store:     s,
		client:    c,
		queue:     queue,
		registrar: registrar,
		cache:     cache,
		engine:    engine,
	}, nil
}

func (a *app) Close() {
	a.engine.Close()
	a.cache.Close()
	a.store.Close()
}

func runSync(a *app) error {
	if err := a.engine.SyncNow(context.Background()); err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	channelID := a.registrar.ChannelID()
	if channelID == "" {
		fmt.Fprintf(os.Stderr, "%s Channel not registered; audience upload skipped.\n", color.YellowString("Note:"))
		return nil
	}
	fmt.Printf("Channel: %s\n", color.CyanString(channelID))
	color.HiGreen("OK")
	return nil
}

func runStatus(a *app) error {
	channelID := a.registrar.ChannelID()
	if channelID == "" {
		fmt.Printf("Channel:  %s\n", color.YellowString("not registered"))
	} else {
		fmt.Printf("Channel:  %s\n", color.CyanString(channelID))
		fmt.Printf("Location: %s\n", a.client.ChannelLocation(channelID))
	}

	overrides, err := a.queue.Overrides()
	if err != nil {
		return fmt.Errorf("failed to read pending overrides: %w", err)
	}
	if overrides.IsEmpty() {
		fmt.Println("Pending:  none")
		return nil
	}

	fmt.Println("Pending:")
	for _, m := range overrides.Tags {
		for group, tags := range m.Set {
			fmt.Printf("  set    %s = %v\n", color.CyanString(group), tags)
		}
		for group, tags := range m.Add {
			fmt.Printf("  add    %s + %v\n", color.CyanString(group), tags)
		}
		for group, tags := range m.Remove {
			fmt.Printf("  remove %s - %v\n", color.CyanString(group), tags)
		}
	}
	for _, m := range overrides.Attributes {
		fmt.Printf("  attribute %s %s\n", string(m.Action), color.CyanString(m.Name))
	}
	for _, m := range overrides.Subscriptions {
		fmt.Printf("  subscription %s %s\n", string(m.Action), color.CyanString(m.ListID))
	}
	return nil
}

func runTags(a *app, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: roostctl tags add|remove|set <group> [tag...]")
	}
	verb, group, tags := args[0], args[1], args[2:]

	var mutation audience.TagMutation
	switch verb {
	case "add":
		if len(tags) == 0 {
			return fmt.Errorf("tags add requires at least one tag")
		}
		mutation = audience.NewAddTagsMutation(group, tags)
	case "remove":
		if len(tags) == 0 {
			return fmt.Errorf("tags remove requires at least one tag")
		}
		mutation = audience.NewRemoveTagsMutation(group, tags)
	case "set":
		// An empty set is valid; it clears the group.
		mutation = audience.NewSetTagsMutation(group, tags)
	default:
		return fmt.Errorf("unknown tags verb '%s' (want add, remove, or set)", verb)
	}

	if err := a.queue.Add([]audience.TagMutation{mutation}, nil, nil); err != nil {
		return fmt.Errorf("failed to enqueue tag edit: %w", err)
	}
	color.HiGreen("OK")
	return nil
}

func runToken(a *app, identity string) error {
	token, err := a.cache.Fetch(context.Background(), identity)
	if err != nil {
		return fmt.Errorf("token fetch failed: %w", err)
	}
	fmt.Printf("Token:   %s\n", token.Value)
	fmt.Printf("Expires: %s\n", color.CyanString(token.ExpiresAt.Format("2006-01-02 15:04:05 MST")))
	return nil
}

func main() {
	if len(os.Args) < 2 {
		printGlobalUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	cmdFlags := flag.NewFlagSet(command, flag.ExitOnError)
	configPath := cmdFlags.String("config", "roost.yaml", "Path to configuration file.")
	cmdFlags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: roostctl %s [flags] [arguments]\n\n", command)
		cmdFlags.PrintDefaults()
	}

	switch command {
	case "init":
		cmdFlags.Parse(os.Args[2:])
		if _, err := os.Stat(*configPath); err == nil {
			fmt.Fprintf(os.Stderr, "%s Configuration file '%s' already exists.\n", color.RedString("Error:"), *configPath)
			os.Exit(1)
		}
		if _, err := config.GenerateConfig(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), err)
			os.Exit(1)
		}
		fmt.Printf("Wrote %s\n", color.CyanString(*configPath))

	case "sync", "status", "tags", "token":
		cmdFlags.Parse(os.Args[2:])

		a, err := buildApp(*configPath)
		if err != nil {
			logger.Error("Failed to initialize", "error", err)
			os.Exit(1)
		}
		defer a.Close()

		switch command {
		case "sync":
			err = runSync(a)
		case "status":
			err = runStatus(a)
		case "tags":
			err = runTags(a, cmdFlags.Args())
		case "token":
			if cmdFlags.NArg() != 1 {
				err = fmt.Errorf("usage: roostctl token <identity>")
			} else {
				err = runToken(a, cmdFlags.Arg(0))
			}
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), err)
			os.Exit(1)
		}

	default:
		fmt.Fprintf(os.Stderr, "Error: Unknown command \"%s\"\n", command)
		printGlobalUsage()
		os.Exit(1)
	}
}
