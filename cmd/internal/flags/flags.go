package flags

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.senan.xyz/flagconf"

	"github.com/zenone/crate-sub001"
	"github.com/zenone/crate-sub001/fingerprint"
	"github.com/zenone/crate-sub001/metadata"
	"github.com/zenone/crate-sub001/notifications"
	"github.com/zenone/crate-sub001/researchlink"
)

func EnvPrefix(prefix string) {
	flagconf.ReadEnvPrefix = func(_ *flag.FlagSet) string {
		return prefix
	}
}

func Parse() {
	userConfig, _ := os.UserConfigDir()
	defaultConfigPath := filepath.Join(userConfig, crate.Name, "config")
	configPath := flag.String("config-path", defaultConfigPath, "path config file")

	printVersion := flag.Bool("version", false, "print the version")
	printConfig := flag.Bool("config", false, "print the parsed config")

	flag.TextVar(&logLevel, "log-level", &logLevel, "set the logging level")

	flag.Parse()
	flagconf.ParseEnv()
	flagconf.ParseConfig(*configPath)

	if *printVersion {
		fmt.Printf("%s %s\n", flag.CommandLine.Name(), crate.Version)
		os.Exit(0)
	}
	if *printConfig {
		flag.VisitAll(func(f *flag.Flag) {
			fmt.Printf("%-24s %s\n", f.Name, f.Value)
		})
		os.Exit(0)
	}
}

func Config() *crate.Config {
	r := crate.DefaultConfig()
	flag.StringVar(&r.Template, "template", r.Template, "filename template, eg \"{artist} - {title} [{camelot} {bpm}]\"")
	flag.IntVar(&r.Workers, "workers", r.Workers, "number of files processed at once")
	flag.IntVar(&r.AnalysisWorkers, "analysis-workers", r.AnalysisWorkers, "number of audio analyses run at once")
	flag.DurationVar(&r.AnalysisTimeout, "analysis-timeout", r.AnalysisTimeout, "time limit for audio analysis of one file")
	flag.Float64Var(&r.Threshold, "fingerprint-threshold", r.Threshold, "minimum fingerprint confidence, 0 to 1")
	flag.BoolVar(&r.FillText, "fingerprint-fill-text", r.FillText, "let a confident fingerprint fill missing artist and title")
	flag.DurationVar(&r.UndoWindow, "undo-window", r.UndoWindow, "how long a finished operation can be undone")
	flag.BoolVar(&r.ASCII, "ascii", r.ASCII, "transliterate names to ascii")
	flag.BoolVar(&r.FoldCase, "fold-case", r.FoldCase, "treat names differing only by case as colliding")
	flag.BoolVar(&r.WriteTags, "write-tags", r.WriteTags, "write enriched bpm and key back to files")
	return &r
}

func Notifications() *notifications.Notifications {
	var r notifications.Notifications
	flag.Var(&notificationsParser{&r}, "notification-uri", "add a shoutrrr notification uri for an event")
	return &r
}

func ResearchLinks() *researchlink.Builder {
	var r researchlink.Builder
	flag.Var(&researchLinkParser{&r}, "research-link", "define a helper url to help find information about an unresolved file, eg \"name https://example.com/?q={{ query .Terms }}\"")
	return &r
}

// Fingerprint returns a lookup client. It is not used until a base url is set.
func Fingerprint() *fingerprint.Client {
	var r fingerprint.Client
	r.HTTPClient = http.DefaultClient
	r.UserAgent = userAgent
	flag.StringVar(&r.BaseURL, "fingerprint-base-url", "", "fingerprint service base url")
	flag.StringVar(&r.APIKey, "fingerprint-api-key", "", "fingerprint service api key")
	flag.DurationVar(&r.RateLimit, "fingerprint-rate-limit", 500*time.Millisecond, "fingerprint service rate limit duration")
	flag.DurationVar(&r.CacheTTL, "fingerprint-cache-ttl", 0, "fingerprint response cache duration, 0 for the default")
	return &r
}

// Extractor returns the configured audio analysis command, or nil if there isn't one.
func Extractor() *metadata.Extractor {
	var r metadata.Extractor
	flag.Var(&extractorParser{&r}, "analysis-command", "command to find bpm and key of \"<file>\", printing \"bpm<TAB>key\"")
	return &r
}

var userAgent = fmt.Sprintf(`%s/%s`, crate.Name, crate.Version)
