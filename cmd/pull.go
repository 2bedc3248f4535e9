package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/tanq16/pullstream/internal/config"
	"github.com/tanq16/pullstream/internal/engine"
	"github.com/tanq16/pullstream/internal/fetch"
	"github.com/tanq16/pullstream/internal/output"
	"github.com/tanq16/pullstream/internal/settings"
	"github.com/tanq16/pullstream/internal/utils"
)

type pullFlags struct {
	save        string
	fullName    bool
	connections int
	workers     int
	chunkSize   string
	program     string
	adaptive    bool
	limit       string
	headers     []string
	token       string
	transport   string
	configPath  string
	parts       bool
	profile     string
	region      string
	proxy       string
	userAgent   string
	timeout     time.Duration
	keepPartial bool
}

func newPullCmd() *cobra.Command {
	var flags pullFlags

	cmd := &cobra.Command{
		Use:   "pull [FILES...] [--save PATH] [--connections N]",
		Short: "Pull files over HTTP(S), S3 or from local paths",
		Long: `Pull one or more files with parallel ranged requests. Interrupted pulls resume
from the ".pullstream" file next to the destination.

Examples:
  pullstream pull https://example.com/ubuntu.iso
  pullstream pull https://example.com/a.zip https://example.com/b.zip --save ~/Downloads -w 2
  pullstream pull s3://bucket/key.tar --profile prod
  pullstream pull --parts https://cdn/x.part1 https://cdn/x.part2 --save x.bin`,
		Args: cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := loadPullConfig(cmd, flags)
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			if err := runPull(cmd.Context(), args, flags, cfg); err != nil {
				os.Exit(1)
			}
		},
	}

	cmd.Flags().StringVarP(&flags.save, "save", "s", "", "Destination file, or directory when pulling several files")
	cmd.Flags().BoolVar(&flags.fullName, "full-name", false, "Show full destination paths in the progress output")
	cmd.Flags().IntVarP(&flags.connections, "connections", "c", utils.DefaultParallelStreams, "Parallel streams per file")
	cmd.Flags().IntVarP(&flags.workers, "workers", "w", 1, "Number of files pulled at the same time")
	cmd.Flags().StringVar(&flags.chunkSize, "chunk-size", "", "Chunk size (eg. 512KB, 4MB)")
	cmd.Flags().StringVar(&flags.program, "program", "", "Slice selection: stream or chunks")
	cmd.Flags().BoolVar(&flags.adaptive, "adaptive", false, "Tune the number of streams by measured throughput")
	cmd.Flags().StringVar(&flags.limit, "limit", "", "Bandwidth limit per file (eg. 2MB for 2MB/s)")
	cmd.Flags().StringArrayVarP(&flags.headers, "header", "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")
	cmd.Flags().StringVar(&flags.token, "token", "", "Bearer token sent with every HTTP request")
	cmd.Flags().StringVar(&flags.transport, "transport", "http", "HTTP transport: http (streamed) or buffered")
	cmd.Flags().StringVar(&flags.configPath, "config", "", "YAML config file")
	cmd.Flags().BoolVar(&flags.parts, "parts", false, "Treat all sources as consecutive parts of one file")
	cmd.Flags().StringVar(&flags.profile, "profile", "", "AWS profile for s3:// sources")
	cmd.Flags().StringVar(&flags.region, "region", "", "AWS region for s3:// sources")
	cmd.Flags().StringVarP(&flags.proxy, "proxy", "p", "", "HTTP/HTTPS proxy URL")
	cmd.Flags().StringVarP(&flags.userAgent, "user-agent", "a", "", "User agent")
	cmd.Flags().DurationVarP(&flags.timeout, "timeout", "t", 0, "Time to wait for response headers (eg. 30s)")
	cmd.Flags().BoolVar(&flags.keepPartial, "keep-partial", true, "Keep the partial file on failure so the pull can resume")
	return cmd
}

// loadPullConfig layers the config file, the environment and changed flags, in that order.
func loadPullConfig(cmd *cobra.Command, flags pullFlags) (config.Config, error) {
	cfg := config.Default()
	if flags.configPath != "" {
		var err error
		if cfg, err = config.LoadFromFile(flags.configPath); err != nil {
			return cfg, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return cfg, err
	}
	changed := cmd.Flags().Changed
	if changed("connections") {
		cfg.Connections = flags.connections
	}
	if changed("workers") {
		cfg.Workers = flags.workers
	}
	if changed("program") {
		cfg.Program = flags.program
	}
	if changed("adaptive") {
		cfg.Adaptive = flags.adaptive
	}
	if changed("chunk-size") {
		n, err := utils.ParseBytes(flags.chunkSize)
		if err != nil {
			return cfg, fmt.Errorf("invalid --chunk-size: %w", err)
		}
		cfg.ChunkSize = n
	}
	if changed("limit") {
		n, err := utils.ParseBytes(flags.limit)
		if err != nil {
			return cfg, fmt.Errorf("invalid --limit: %w", err)
		}
		cfg.RateLimit = n
	}
	if changed("token") {
		cfg.Token = flags.token
	}
	if changed("proxy") {
		cfg.Proxy = flags.proxy
	}
	if changed("user-agent") {
		cfg.UserAgent = flags.userAgent
		if cfg.UserAgent == "randomize" {
			cfg.UserAgent = utils.GetRandomUserAgent()
		}
	}
	if changed("timeout") {
		cfg.Timeout = flags.timeout
	}
	if len(flags.headers) > 0 {
		if cfg.Headers == nil {
			cfg.Headers = make(map[string]string)
		}
		for k, v := range utils.ParseHeaderArgs(flags.headers) {
			cfg.Headers[k] = v
		}
	}
	if flags.transport != "http" && flags.transport != "buffered" {
		return cfg, fmt.Errorf("unknown transport %q", flags.transport)
	}
	return cfg, cfg.Validate()
}

// resolveDestination decides between a save path and a save directory for one file.
func resolveDestination(ctx context.Context, store *settings.Store, source, save string, multiple bool) (savePath, saveDir string, err error) {
	if save != "" {
		if info, statErr := os.Stat(save); multiple || strings.HasSuffix(save, string(os.PathSeparator)) || (statErr == nil && info.IsDir()) {
			return "", save, nil
		}
		return save, "", nil
	}
	if store != nil {
		dir, err := store.SaveLocation(ctx, utils.FileNameFromURL(source))
		if err == nil {
			return "", dir, nil
		}
		if !errors.Is(err, settings.ErrNotFound) {
			return "", "", err
		}
	}
	dir, err := os.Getwd()
	return "", dir, err
}

func runPull(ctx context.Context, args []string, flags pullFlags, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	log := utils.GetLogger("pull")

	live := output.IsTerminal(os.Stdout)
	if live {
		logFile, err := os.OpenFile(utils.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			defer logFile.Close()
			utils.SetLogOutput(logFile)
		}
	}

	clientCfg := utils.HTTPClientConfig{
		Timeout:        cfg.Timeout,
		ProxyURL:       cfg.Proxy,
		UserAgent:      cfg.UserAgent,
		HighThreadMode: cfg.Connections > 8,
	}
	if cfg.Token != "" {
		clientCfg.TokenSource = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"})
	}
	transportOpts := fetch.TransportOptions{
		Client:    utils.NewPullHTTPClient(clientCfg),
		Buffered:  flags.transport == "buffered",
		S3Profile: flags.profile,
		S3Region:  flags.region,
	}

	store, err := openSettings()
	if err != nil {
		log.Warn().Err(err).Msg("settings unavailable, using the current directory")
	} else {
		defer store.Close()
	}

	groups := make([][]string, 0, len(args))
	if flags.parts {
		groups = append(groups, args)
	} else {
		for _, arg := range args {
			groups = append(groups, []string{arg})
		}
	}

	connections := cfg.Connections
	if cfg.Workers*connections > utils.MaxTotalConnections {
		connections = max(utils.MaxTotalConnections/cfg.Workers, 1)
	}

	multi := engine.NewMulti(engine.MultiOptions{Concurrency: cfg.Workers})
	renderer := output.NewRenderer(output.Options{Live: live, FullName: flags.fullName})
	var prepareErrs []error
	for _, sources := range groups {
		savePath, saveDir, err := resolveDestination(ctx, store, sources[0], flags.save, len(groups) > 1)
		if err != nil {
			prepareErrs = append(prepareErrs, err)
			continue
		}
		e, err := engine.PrepareFileDownload(ctx, engine.FileOptions{
			URLs:            sources,
			SavePath:        savePath,
			SaveDirectory:   saveDir,
			ChunkSize:       cfg.ChunkSize,
			ParallelStreams: connections,
			Program:         cfg.Program,
			Adaptive:        cfg.Adaptive,
			Fetch:           cfg.FetchOptions(),
			Transport:       transportOpts,
			CoalesceSize:    cfg.Write.CoalesceSize,
			WriteMaxWait:    cfg.Write.MaxWait,
			DeleteOnClose:   !flags.keepPartial,
		})
		if err != nil {
			output.PrintError(fmt.Sprintf("Error preparing %s: %v", sources[0], err))
			prepareErrs = append(prepareErrs, err)
			continue
		}
		multi.Add(e)
		renderer.Track(e)
	}
	if len(multi.Engines()) == 0 {
		return errors.Join(prepareErrs...)
	}

	renderer.Start()
	err = multi.Download(ctx)
	closeErr := multi.Close()
	renderer.Stop()
	if ctx.Err() != nil {
		output.PrintWarning("Interrupted, run the same command again to resume")
	}
	if err := errors.Join(append(prepareErrs, err, closeErr)...); err != nil {
		log.Error().Err(err).Msg("pull finished with errors")
		return err
	}
	finished, total := renderer.Counts()
	log.Info().Int("files", finished).Int("total", total).Msg("pull finished")
	return nil
}
