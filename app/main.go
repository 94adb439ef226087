package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/umputun/go-flags"
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/jobhound/jobhound/app/config"
	"github.com/jobhound/jobhound/app/dedup"
	"github.com/jobhound/jobhound/app/journal"
	"github.com/jobhound/jobhound/app/service"
	"github.com/jobhound/jobhound/app/store"
	"github.com/jobhound/jobhound/app/task"
)

var opts struct {
	DB   string `long:"db" env:"JOBHOUND_DB" default:"~/.jobhound/jobhound.db" description:"database file"`
	Conf string `long:"conf" env:"JOBHOUND_CONF" default:"~/.jobhound/jobhound.yml" description:"config file"`
	User string `long:"user" env:"JOBHOUND_USER" description:"profile username, default is the single stored profile"`

	Log struct {
		Enabled  bool   `long:"enabled" env:"ENABLED" description:"enable logging"`
		Filename string `long:"filename" env:"FILENAME" description:"log file, rotated"`
	} `group:"log" namespace:"log" env-namespace:"JOBHOUND_LOG"`
	Dbg bool `long:"dbg" env:"JOBHOUND_DEBUG" description:"debug mode"`

	Init    InitCommand    `command:"init" description:"create a profile"`
	Profile ProfileCommand `command:"profile" description:"show or update the profile"`
	Query   QueryCommand   `command:"query" description:"manage search queries"`
	Job     JobCommand     `command:"job" description:"manage tracked jobs"`
	Ingest  IngestCommand  `command:"ingest" description:"ingest a candidate batch file"`
	Recover RecoverCommand `command:"recover" description:"replay interrupted discovery batches"`
	Watch   WatchCommand   `command:"watch" description:"watch the spool directory for batches"`
	Secret  SecretCommand  `command:"secret" description:"manage the generator api key"`
}

var revision = "unknown"

func main() {
	fmt.Printf("jobhound %s\n", revision)

	p := flags.NewParser(&opts, flags.Default)
	p.CommandHandler = func(command flags.Commander, args []string) error {
		setupLogs(opts.Log.Enabled || opts.Dbg, opts.Dbg, opts.Log.Filename)
		return command.Execute(args)
	}

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	if _, err := p.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "failed: %v\n", err)
		os.Exit(1)
	}
}

// openStore opens the database at the configured location, making the
// directory on first use
func openStore() (*store.Store, error) {
	return store.New(expandHome(opts.DB))
}

func closeStore(st *store.Store) {
	if err := st.Close(); err != nil {
		log.Printf("[WARN] failed to close store, %v", err)
	}
}

// loadConfig reads the settings file, missing file means defaults
func loadConfig() (config.Config, error) {
	path := expandHome(opts.Conf)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			log.Printf("[DEBUG] no config at %s, using defaults", path)
			return config.Default(), nil
		}
		return config.Config{}, fmt.Errorf("can't read config %s: %w", path, err)
	}
	return config.Load(path)
}

// openEngine wires the service engine over the store with the journal next
// to the database. Collaborators stay nil, the CLI only runs operations that
// work without them.
func openEngine(st *store.Store) (*service.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return &service.Engine{
		Store:               st,
		Matcher:             dedup.Matcher{ExtraParams: cfg.Links.StripParams},
		Journal:             journal.New(filepath.Join(filepath.Dir(expandHome(opts.DB)), "journal"), true),
		ScrapeLimiter:       rate.NewLimiter(rate.Limit(cfg.Search.ScrapeRate), 1),
		WritingInstructions: cfg.Writing.Instructions,
		MinInterval:         time.Duration(cfg.Search.MinInterval),
		FetchConcurrency:    cfg.Search.FetchConcurrency,
		FitScreen:           cfg.Search.FitScreen,
		MaxPerQuery:         cfg.Search.MaxPerQuery,
	}, nil
}

// resolveUser picks the profile to act on, the --user flag or the single
// stored profile
func resolveUser(ctx context.Context, st *store.Store) (store.User, error) {
	if opts.User != "" {
		return st.GetUser(ctx, opts.User)
	}
	return st.ActiveUser(ctx)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// showTask prints the event stream as it arrives and returns the outcome
func showTask[T any](tk *task.Task[T]) (T, error) {
	for ev := range tk.Events() {
		switch ev.Level {
		case task.Warning:
			fmt.Printf("  ! %s\n", ev.Message)
		case task.Error:
			fmt.Printf(" !! %s\n", ev.Message)
		default:
			fmt.Printf("  - %s\n", ev.Message)
		}
	}
	return tk.Result()
}

// cmdContext makes a context cancelled on termination signals
func cmdContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel)
	return ctx, cancel
}

func setupLogs(enabled, dbg bool, filename string) {
	if !enabled {
		log.Setup(log.Out(io.Discard), log.Err(io.Discard))
		return
	}

	logOpts := []log.Option{log.Msec}
	if dbg {
		logOpts = []log.Option{log.Debug, log.Msec, log.CallerFunc, log.CallerPkg, log.CallerFile}
	}
	if filename != "" {
		fileLog := &lumberjack.Logger{Filename: expandHome(filename), MaxSize: 10, MaxBackups: 3, MaxAge: 30, Compress: true}
		logOpts = append(logOpts, log.Out(io.MultiWriter(os.Stdout, fileLog)), log.Err(io.MultiWriter(os.Stderr, fileLog)))
	}
	log.Setup(logOpts...)
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			cancel() // terminate on SIGTERM or interrupt
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, os.Interrupt)
}
