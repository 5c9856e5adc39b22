package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/bringyour/jazz/jazz"
)

const JazzCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(`Jazz shared state control.

The coordinator host is read from --host, the config file, or $%s.
The default port is %d and the default path is %s.
A <value> is sent as JSON if it parses as JSON, else as a string.
A <partial> must be a JSON object, merged as one update.

Usage:
    jazzctl set [--config=<config>] [--host=<host>] [--port=<port>] [--path=<path>] [--legacy]
        [--timeout=<timeout>] [-v]
        <key> <value>
    jazzctl merge [--config=<config>] [--host=<host>] [--port=<port>] [--path=<path>] [--legacy]
        [--timeout=<timeout>] [-v]
        <partial>
    jazzctl watch [--config=<config>] [--host=<host>] [--port=<port>] [--path=<path>] [--legacy]
        [--message_count=<message_count>] [--compact] [-v]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --config=<config>                TOML config file.
    --host=<host>                    Coordinator host.
    --port=<port>                    Coordinator port.
    --path=<path>                    Coordinator resource path.
    --legacy                         Address the coordinator as ws://host/path:port.
    --timeout=<timeout>              How long to wait for the broadcast [default: 30s].
    --message_count=<message_count>  Print this many changes then exit.
    --compact                        Print one change per line, even on a terminal.
    -v                               Debug logging.`,
		jazz.HostEnvVar,
		jazz.DefaultPort,
		jazz.DefaultPath,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], JazzCtlVersion)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")
	if verbose, _ := opts.Bool("-v"); verbose {
		flag.Set("v", "2")
	}

	if set_, _ := opts.Bool("set"); set_ {
		set(opts)
	} else if merge_, _ := opts.Bool("merge"); merge_ {
		merge(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
}

func newStore(ctx context.Context, opts docopt.Opts) (*jazz.Store, error) {
	var fileConfig *jazz.FileConfig
	if configPath, err := opts.String("--config"); err == nil && configPath != "" {
		fileConfig, err = jazz.LoadConfigFile(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		fileConfig = &jazz.FileConfig{Config: *jazz.DefaultConfig()}
	}

	config := fileConfig.Config
	if host, err := opts.String("--host"); err == nil && host != "" {
		config.Host = host
	}
	if port, err := opts.Int("--port"); err == nil {
		config.Port = port
	}
	if path, err := opts.String("--path"); err == nil && path != "" {
		config.Path = path
	}
	if legacy, _ := opts.Bool("--legacy"); legacy {
		config.LegacyLayout = true
	}

	settings := jazz.DefaultStoreSettings()
	if err := fileConfig.Apply(settings.ConnectionSettings, settings); err != nil {
		return nil, err
	}
	settings.ErrorCallback = func(err error) {
		Err.Printf("%s\n", err)
	}

	return jazz.NewStore(ctx, &config, settings)
}

func timeout(opts docopt.Opts) time.Duration {
	timeoutStr, _ := opts.String("--timeout")
	timeout, err := time.ParseDuration(timeoutStr)
	if err != nil {
		Err.Printf("Invalid timeout (%s).\n", err)
		os.Exit(2)
	}
	return timeout
}

// the value is JSON if it parses, else a string
func parseValue(valueStr string) any {
	var value any
	if err := json.Unmarshal([]byte(valueStr), &value); err != nil {
		return valueStr
	}
	return value
}

// set one key
func set(opts docopt.Opts) {
	key, _ := opts.String("<key>")
	valueStr, _ := opts.String("<value>")

	broadcast(opts, jazz.Partial{
		key: parseValue(valueStr),
	})
}

// merge a partial object
func merge(opts docopt.Opts) {
	partialStr, _ := opts.String("<partial>")

	partial, err := jazz.DecodeFrame(jazz.TextFrame([]byte(partialStr)))
	if err != nil {
		Err.Printf("Invalid partial (%s).\n", err)
		os.Exit(2)
	}

	broadcast(opts, partial)
}

func broadcast(opts docopt.Opts, partial jazz.Partial) {
	timeout := timeout(opts)

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := newStore(cancelCtx, opts)
	if err != nil {
		Err.Printf("%s\n", err)
		os.Exit(1)
	}

	// deferred until the connection is up
	if err := store.Mutate(partial); err != nil {
		Err.Printf("%s\n", err)
		store.Close()
		os.Exit(1)
	}

	waitCtx, waitCancel := context.WithTimeout(cancelCtx, timeout)
	defer waitCancel()
	err = store.WaitSynced(waitCtx)
	// close drains the broadcast
	store.Close()
	if err != nil {
		Err.Printf("Not sent (%s).\n", err)
		os.Exit(1)
	}
	Out.Printf("Sent.")
}

// print remote changes
func watch(opts docopt.Opts) {
	messageCount := -1
	if messageCount_, err := opts.Int("--message_count"); err == nil {
		messageCount = messageCount_
	}
	compact, _ := opts.Bool("--compact")
	pretty := !compact && term.IsTerminal(int(os.Stdout.Fd()))

	cancelCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := newStore(cancelCtx, opts)
	if err != nil {
		Err.Printf("%s\n", err)
		os.Exit(1)
	}
	defer store.Close()

	// releases a callback blocked on a full channel before the store closes
	watchDone := make(chan struct{})
	defer close(watchDone)

	changes := make(chan jazz.StateChange, 64)
	unsubscribe := store.Subscribe(func(change jazz.StateChange) {
		if change.Origin == jazz.OriginRemote {
			select {
			case changes <- change:
			case <-watchDone:
			}
		}
	})
	defer unsubscribe()

	if err := store.WaitSynced(cancelCtx); err != nil {
		Err.Printf("%s\n", err)
		return
	}

	for i := 0; messageCount < 0 || i < messageCount; i += 1 {
		select {
		case <-cancelCtx.Done():
			return
		case <-store.Connection().Done():
			if err := store.Err(); err != nil {
				Err.Printf("%s\n", err)
			}
			return
		case change := <-changes:
			var changeJson []byte
			if pretty {
				changeJson, err = json.MarshalIndent(change.Partial, "", "    ")
			} else {
				changeJson, err = json.Marshal(change.Partial)
			}
			if err != nil {
				Err.Printf("%s\n", err)
				continue
			}
			Out.Printf("%s", changeJson)
		}
	}
}
