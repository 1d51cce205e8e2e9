package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-transcriber/internal/bus"
	"github.com/loqalabs/loqa-transcriber/internal/config"
	"github.com/loqalabs/loqa-transcriber/internal/protocol"
	"github.com/loqalabs/loqa-transcriber/internal/transcribe"
	"github.com/loqalabs/loqa-transcriber/internal/whisper"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		modelPath   string
		language    string
		mode        string
		command     string
		natsURL     string
		threads     int
		verbose     bool
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Optional configuration file")
	flag.StringVar(&modelPath, "model", "", "Path to the whisper model (overrides config)")
	flag.StringVar(&language, "language", "", "Language code or \"auto\" (overrides config)")
	flag.StringVar(&mode, "mode", "", "Engine: whispercpp, exec or mock (overrides config)")
	flag.StringVar(&command, "command", "", "External whisper command when mode=exec")
	flag.StringVar(&natsURL, "nats", "", "Send the file to a running daemon at this NATS URL instead of transcribing locally")
	flag.IntVar(&threads, "threads", 0, "Decoder threads (overrides config)")
	flag.BoolVar(&verbose, "v", false, "Log stage timings to stderr")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <audio.wav>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	stt := cfg.STT
	override(&stt.ModelPath, modelPath)
	override(&stt.Language, language)
	override(&stt.Mode, mode)
	override(&stt.Command, command)
	if threads > 0 {
		stt.Threads = threads
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var text string
	if natsURL != "" {
		busCfg := cfg.Bus
		busCfg.Servers = []string{natsURL}
		text, err = remote(busCfg, time.Duration(stt.TimeoutMS)*time.Millisecond, flag.Arg(0), logger)
	} else {
		text, err = run(stt, flag.Arg(0), logger)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", kindOf(err), err)
		os.Exit(1)
	}
	fmt.Println(text)
}

// remoteError carries the error kind reported by the daemon.
type remoteError struct {
	kind string
	msg  string
}

func (e *remoteError) Error() string { return e.msg }

func remote(cfg config.BusConfig, timeout time.Duration, audioPath string, logger *slog.Logger) (string, error) {
	abs, err := filepath.Abs(audioPath)
	if err != nil {
		return "", err
	}
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	client, err := bus.Connect(ctx, cfg, "loqa-transcribe", logger)
	if err != nil {
		return "", err
	}
	defer client.Close()

	var resp protocol.TranscribeResponse
	if err := client.RequestJSON(ctx, protocol.SubjectTranscribeRequest, protocol.TranscribeRequest{AudioPath: abs}, &resp); err != nil {
		return "", err
	}
	if resp.ErrorKind != "" {
		return "", &remoteError{kind: resp.ErrorKind, msg: resp.Error}
	}
	logger.Debug("transcribed remotely",
		slog.String("job_id", resp.JobID),
		slog.Int("segments", resp.Segments),
		slog.Int64("duration_ms", resp.DurationMS))
	return resp.Text, nil
}

func run(cfg config.STTConfig, audioPath string, logger *slog.Logger) (string, error) {
	engine, err := whisper.New(cfg)
	if err != nil {
		return "", err
	}
	bridge, err := transcribe.New(whisper.BridgeConfig(cfg), engine)
	if err != nil {
		return "", err
	}
	defer bridge.Close()

	res, err := bridge.TranscribeDetailed(audioPath)
	if err != nil {
		return "", err
	}
	logger.Debug("transcribed",
		slog.String("audio", audioPath),
		slog.Int("samples", res.Samples),
		slog.Int("segments", len(res.Segments)),
		slog.Duration("load", res.Timings.Load),
		slog.Duration("decode", res.Timings.Decode),
		slog.Duration("inference", res.Timings.Inference))
	return res.Text, nil
}

func override(target *string, value string) {
	if value != "" {
		*target = value
	}
}

func kindOf(err error) string {
	var rerr *remoteError
	if errors.As(err, &rerr) {
		return rerr.kind
	}
	var terr *transcribe.Error
	if errors.As(err, &terr) {
		return terr.Kind.String()
	}
	return "error"
}
