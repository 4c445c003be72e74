// Command vtedge-bridge behaves like an open page of a vtedge site: it
// registers the page's build, reports worker messages, and asks on the
// terminal before switching to a new build.
package main

import (
	"bufio"
	"context"
	"flag"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"vtedge/internal/bridge"
)

var (
	hostFlag       string
	buildFlag      string
	scriptFlag     string
	checkEveryFlag time.Duration
	autoAcceptFlag bool
	prefetchFlag   string
	verboseFlag    bool
)

func init() {
	flag.StringVar(&hostFlag, "host", "http://localhost:8080", "vtedge base URL")
	flag.StringVar(&buildFlag, "build", "", "build id of the page (default: read /build-id.txt)")
	flag.StringVar(&scriptFlag, "script", "/sw.js", "worker script path")
	flag.DurationVar(&checkEveryFlag, "check-every", bridge.DefaultCheckEvery, "update check interval")
	flag.BoolVar(&autoAcceptFlag, "auto-accept", false, "apply updates without asking")
	flag.StringVar(&prefetchFlag, "prefetch", "", "comma separated paths to prefetch after load")
	flag.BoolVar(&verboseFlag, "v", false, "debug logging")
}

func main() {
	flag.Parse()

	level := zerolog.InfoLevel
	if verboseFlag {
		level = zerolog.DebugLevel
	}
	log.Logger = log.Level(level).Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	answers := make(chan string)
	go readAnswers(answers)

	for ctx.Err() == nil {
		if err := load(ctx, answers); err != nil {
			log.Error().Err(err).Msg("page load failed")
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
		}
	}
}

// load runs one page lifetime. It returns nil when the page reloads.
func load(ctx context.Context, answers <-chan string) error {
	pageCtx, reload := context.WithCancel(ctx)
	defer reload()

	build := buildFlag
	if build == "" {
		build = fetchBuildID(pageCtx)
	}

	client, err := bridge.Dial(pageCtx, hostFlag, log.Logger)
	if err != nil {
		return err
	}
	defer client.Close()

	origin, err := url.Parse(hostFlag)
	if err != nil {
		return err
	}

	prompter := &terminal{}
	b := bridge.New(bridge.Options{
		Registration: client,
		Prompter:     prompter,
		Reloader:     reloaderFunc(reload),
		Events:       logSink{},
		Origin:       origin,
		ScriptPath:   scriptFlag,
		BuildID:      build,
		CheckEvery:   checkEveryFlag,
		Logger:       log.Logger,
	})
	prompter.b = b
	prompter.ctx = pageCtx

	if err := b.Start(pageCtx); err != nil {
		return err
	}
	// Prefetches are delegated to the worker, so they wait for one to
	// control the page.
	go func() {
		select {
		case <-pageCtx.Done():
			return
		case <-b.Controlled():
		}
		for _, p := range strings.Split(prefetchFlag, ",") {
			if p = strings.TrimSpace(p); p == "" {
				continue
			}
			if _, err := b.Prefetch(pageCtx, p); err != nil {
				log.Warn().Err(err).Str("path", p).Msg("prefetch")
			}
		}
	}()

	go func() {
		for {
			select {
			case <-pageCtx.Done():
				return
			case a := <-answers:
				switch strings.ToLower(a) {
				case "visible":
					b.OnVisibilityChange(pageCtx, true)
				case "y", "yes":
					if err := b.Accept(pageCtx); err != nil {
						log.Warn().Err(err).Msg("accept")
					}
				case "n", "no", "later":
					b.Defer()
				case "clear":
					if err := b.HardClear(pageCtx); err != nil {
						log.Warn().Err(err).Msg("hard clear")
					}
				}
			}
		}
	}()

	err = b.Run(pageCtx)
	if ctx.Err() != nil {
		return nil
	}
	if pageCtx.Err() != nil {
		log.Info().Msg("page reloaded")
		return nil
	}
	return err
}

func fetchBuildID(ctx context.Context) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(hostFlag, "/")+"/build-id.txt", nil)
	if err != nil {
		return ""
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Warn().Err(err).Msg("build id unavailable")
		return ""
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func readAnswers(out chan<- string) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		out <- strings.TrimSpace(sc.Text())
	}
}

type terminal struct {
	b   *bridge.Bridge
	ctx context.Context
}

func (t *terminal) Prompt(version string) {
	if autoAcceptFlag {
		go func() {
			if err := t.b.Accept(t.ctx); err != nil {
				log.Warn().Err(err).Msg("auto accept")
			}
		}()
		return
	}
	log.Info().Str("version", version).Msg("a new version is available, apply now? [y/n]")
}

type reloaderFunc func()

func (f reloaderFunc) Reload() { f() }

type logSink struct{}

func (logSink) Dispatch(e bridge.Event) {
	ev := log.Info().Str("event", e.Name)
	if len(e.Detail) > 0 {
		ev = ev.RawJSON("detail", e.Detail)
	}
	ev.Msg("page event")
}
