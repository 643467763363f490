package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/bringyour/foldernotify/notify"
)

const NotifyCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Folder notification control.

Usage:
    notifyctl watch --origin=<origin> --folder=<folder>
        [--channel=<channel>]
        [--prefix=<prefix>]
        [--root=<root>]
        [--jwt=<jwt> | --ask_jwt]
        [--config=<config>]
        [--verbose=<verbose>]
    notifyctl classify --folder=<folder> [--prefix=<prefix>] <message>
    notifyctl serve [--port=<port>] [--channel=<channel>] [--binary] [--jwt_key=<jwt_key>]
        [--verbose=<verbose>]
    notifyctl kinds

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --origin=<origin>          Page origin, e.g. https://files.example.com
    --folder=<folder>          Initially displayed folder.
    --channel=<channel>        Push channel path [default: /notifications].
    --prefix=<prefix>          Channel path prefix stripped from folder paths.
    --root=<root>              Folder to show when the current folder is deleted [default: /].
    --jwt=<jwt>                Bearer token for the channel.
    --ask_jwt                  Read the bearer token from the terminal.
    --config=<config>          YAML settings file.
    --port=<port>              Listen port [default: 8080].
    --binary                   Send protobuf binary frames.
    --jwt_key=<jwt_key>        Require bearer tokens signed with this HMAC key.
    --verbose=<verbose>        glog verbosity [default: 0].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], NotifyCtlVersion)
	if err != nil {
		panic(err)
	}

	initGlog(opts)

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if classify_, _ := opts.Bool("classify"); classify_ {
		classify(opts)
	} else if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if kinds_, _ := opts.Bool("kinds"); kinds_ {
		kinds(opts)
	}
}

func initGlog(opts docopt.Opts) {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	if v, err := opts.String("--verbose"); err == nil {
		flag.Set("v", v)
	}
}

func watch(opts docopt.Opts) {
	origin, _ := opts.String("--origin")
	folder, _ := opts.String("--folder")

	settings := notify.DefaultWatcherSettings()
	settings.Origin = origin
	if channelPath, err := opts.String("--channel"); err == nil {
		settings.ChannelPath = channelPath
	}
	if prefix, err := opts.String("--prefix"); err == nil {
		settings.ReconcileSettings.Prefix = prefix
	}
	if rootPath, err := opts.String("--root"); err == nil {
		settings.ReconcileSettings.RootPath = rootPath
	}
	if configPath, err := opts.String("--config"); err == nil {
		config, err := LoadWatchConfig(configPath)
		if err != nil {
			panic(err)
		}
		config.Apply(settings)
	}

	auth := &notify.ChannelAuth{
		InstanceId: notify.NewId(),
	}
	if jwt, err := opts.String("--jwt"); err == nil {
		auth.ByJwt = jwt
	} else if askJwt, _ := opts.Bool("--ask_jwt"); askJwt {
		fmt.Print("Enter jwt: ")
		jwtBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		auth.ByJwt = strings.TrimSpace(string(jwtBytes))
		fmt.Printf("\n")
	}

	event := notify.NewEventWithContext(context.Background())
	event.SetOnSignals(syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	ctx := event.Ctx()

	tree := newConsoleItemTree(settings.Origin, folder)

	folderWatcher, err := notify.NewFolderWatcher(ctx, settings, tree.Location, tree, tree, auth)
	if err != nil {
		panic(err)
	}
	defer folderWatcher.Close()

	folderWatcher.ChannelManager().AddStateCallback(func(connectionId notify.Id, state notify.ConnectionState) {
		Out.Printf("%s %s", connectionId, state)
	})

	Out.Printf("instance_id: %s", auth.InstanceId)
	Out.Printf("watching %s", tree.Location())

	select {
	case <-ctx.Done():
	case <-folderWatcher.Done():
	}
}

func classify(opts docopt.Opts) {
	folder, _ := opts.String("--folder")
	message, _ := opts.String("<message>")

	settings := notify.DefaultReconcileSettings()
	if prefix, err := opts.String("--prefix"); err == nil {
		settings.Prefix = prefix
	}

	changeEvent, err := notify.DecodeChangeEventJson([]byte(message))
	if err != nil {
		Err.Printf("%s", err)
		os.Exit(1)
	}
	if err := changeEvent.Validate(); err != nil {
		Err.Printf("%s", err)
		os.Exit(1)
	}

	tree := newConsoleItemTree("", folder)
	reconciler := notify.NewReconciler(tree.Location, tree, tree, settings)
	Out.Printf("%s", reconciler.Decide(changeEvent))
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")
	channelPath, _ := opts.String("--channel")

	settings := notify.DefaultBroadcastSettings()
	if binary, _ := opts.Bool("--binary"); binary {
		settings.BinaryFrames = true
	}
	if jwtKey, err := opts.String("--jwt_key"); err == nil {
		settings.JwtKey = []byte(jwtKey)
	}

	event := notify.NewEventWithContext(context.Background())
	event.SetOnSignals(syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(event.Ctx())
	defer cancel()

	broadcaster := notify.NewBroadcaster(ctx, settings)
	defer broadcaster.Close()

	mux := http.NewServeMux()
	mux.Handle("/"+strings.TrimPrefix(channelPath, "/"), broadcaster)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		defer cancel()
		err := server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			Err.Printf("serve error: %s", err)
		}
	}()

	// one json message per line. serving continues after stdin closes
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			changeEvent, err := notify.DecodeChangeEventJson([]byte(line))
			if err == nil {
				err = changeEvent.Validate()
			}
			if err != nil {
				Err.Printf("%s", err)
				continue
			}
			n, err := broadcaster.Publish(changeEvent)
			if err != nil {
				Err.Printf("%s", err)
				continue
			}
			Out.Printf("%s -> %d clients", changeEvent, n)
		}
	}()

	Out.Printf("Serving %s on *:%d", channelPath, port)

	select {
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
}

func kinds(opts docopt.Opts) {
	for _, tag := range notify.WireEventKinds() {
		kind, _ := notify.ParseEventKind(tag)
		Out.Printf("%s\t%s", tag, kind)
	}
}

// consoleItemTree stands in for a browser view. It prints each action and follows navigation.
type consoleItemTree struct {
	origin string

	stateLock sync.Mutex
	folder    string
}

func newConsoleItemTree(origin string, folder string) *consoleItemTree {
	return &consoleItemTree{
		origin: strings.TrimSuffix(origin, "/"),
		folder: folder,
	}
}

func (self *consoleItemTree) Location() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.origin + "/" + strings.TrimPrefix(self.folder, "/")
}

func (self *consoleItemTree) OpenFolder(path string) error {
	return self.NavigateFolder(path)
}

func (self *consoleItemTree) GetChildren(path string) ([]string, error) {
	return []string{}, nil
}

func (self *consoleItemTree) Reload() error {
	Out.Printf("reload %s", self.Location())
	return nil
}

func (self *consoleItemTree) NavigateFolder(path string) error {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.folder = path
	}()
	Out.Printf("navigate %s", self.Location())
	return nil
}

func (self *consoleItemTree) PushState(path string) {
	Out.Printf("history %s", path)
}
