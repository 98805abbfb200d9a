// Package config provides a go-simpler.org/env configuration table and
// helpers for working with the list of key/value lists stored in .env files
// (spec §2 "Ambient stack").
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"go-simpler.org/env"

	"notify.dev/pkg/telemetry/chk"
	"notify.dev/pkg/telemetry/log"
)

// C holds the notify engine's configuration, loaded from environment
// variables and default values: storage locations, logging, and the
// well-known endpoints the engine's Deps wiring needs (spec §6 "External
// interfaces").
type C struct {
	AppName    string `env:"NOTIFY_APP_NAME" default:"notifyctl"`
	Config     string `env:"NOTIFY_CONFIG_DIR" usage:"location for configuration file, which has the name '.env' to make it harder to delete, and is a standard environment KEY=value<newline>... style" default:"~/.config/notifyctl"`
	State      string `env:"NOTIFY_STATE_DATA_DIR" usage:"storage location for state data affected by dynamic interactive interfaces" default:"~/.local/state/notifyctl"`
	DataDir    string `env:"NOTIFY_DATA_DIR" usage:"storage location for subscriptions, messages, registrations and watched accounts" default:"~/.local/share/notifyctl"`
	LogLevel   string `env:"NOTIFY_LOG_LEVEL" default:"info" usage:"debug level: fatal error warn info debug trace"`
	Pprof      string `env:"NOTIFY_PPROF" usage:"enable pprof on 127.0.0.1:6060" enum:"cpu,memory,allocation"`

	RelayURL        string `env:"NOTIFY_RELAY_URL" usage:"websocket URL of the relay transport" default:"wss://relay.walletconnect.org"`
	KeyserverURL    string `env:"NOTIFY_KEYSERVER_URL" usage:"base URL of the keyserver that signs and resolves identity statements" default:"https://keys.walletconnect.com"`
	NotifyServerURL string `env:"NOTIFY_SERVER_URL" usage:"base URL of the notify server that owns the watch channel" default:"https://notify.walletconnect.com"`
	ProjectID       string `env:"NOTIFY_PROJECT_ID" usage:"project id sent on every keyserver and notify server request"`

	NotifyServerPublicKey   string `env:"NOTIFY_SERVER_PUBLIC_KEY" usage:"hex-encoded X25519 public key of the notify server's watch channel"`
	NotifyServerIdentityDid string `env:"NOTIFY_SERVER_IDENTITY_DID" usage:"did:key of the notify server's identity signing key"`
}

// New loads configuration from the environment and, if present, from a
// .env file in the default configuration directory (spec §2 "Ambient
// stack", mirroring the teacher's layered env.Load + .env override).
func New() (cfg *C, err error) {
	cfg = &C{}
	if err = env.Load(cfg, &env.Options{SliceSep: ","}); chk.T(err) {
		return
	}
	if cfg.Config == "" || strings.Contains(cfg.Config, "~") {
		cfg.Config = filepath.Join(xdg.ConfigHome, cfg.AppName)
	}
	if cfg.DataDir == "" || strings.Contains(cfg.DataDir, "~") {
		cfg.DataDir = filepath.Join(xdg.DataHome, cfg.AppName)
	}
	if cfg.State == "" || strings.Contains(cfg.State, "~") {
		cfg.State = filepath.Join(xdg.StateHome, cfg.AppName)
	}
	envPath := filepath.Join(cfg.Config, ".env")
	if fileExists(envPath) {
		var e map[string]string
		if e, err = loadDotEnv(envPath); chk.T(err) {
			return
		}
		if err = env.Load(cfg, &env.Options{SliceSep: ",", Source: mapSource(e)}); chk.E(err) {
			return
		}
		log.SetLogLevel(cfg.LogLevel)
		log.I.F("loaded configuration from %s", envPath)
	}
	log.SetLogLevel(cfg.LogLevel)
	return
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// loadDotEnv parses a simple KEY=value<newline>... file, one assignment per
// line, blank lines and #-comments ignored.
func loadDotEnv(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}

// mapSource adapts a plain map to env.Source so env.Load can read the
// parsed .env file the same way it reads os.Environ.
type mapSource map[string]string

func (m mapSource) LookupEnv(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// HelpRequested reports whether the first CLI argument is a help flag.
func HelpRequested() bool {
	if len(os.Args) > 1 {
		switch strings.ToLower(os.Args[1]) {
		case "help", "-h", "--h", "-help", "--help", "?":
			return true
		}
	}
	return false
}

// GetEnv reports whether the first CLI argument asks to print the current
// environment configuration.
func GetEnv() bool {
	if len(os.Args) > 1 {
		return strings.ToLower(os.Args[1]) == "env"
	}
	return false
}

// KV is a key/value pair.
type KV struct{ Key, Value string }

// KVSlice is a sortable slice of key/value pairs.
type KVSlice []KV

func (kv KVSlice) Len() int           { return len(kv) }
func (kv KVSlice) Less(i, j int) bool { return kv[i].Key < kv[j].Key }
func (kv KVSlice) Swap(i, j int)      { kv[i], kv[j] = kv[j], kv[i] }

// EnvKV generates key/value pairs from a configuration object's struct
// tags, for printing the effective configuration (spec §2 "Ambient stack").
func EnvKV(cfg any) (m KVSlice) {
	t := reflect.TypeOf(cfg)
	for i := 0; i < t.NumField(); i++ {
		k := t.Field(i).Tag.Get("env")
		if k == "" {
			continue
		}
		v := reflect.ValueOf(cfg).Field(i).Interface()
		var val string
		switch vv := v.(type) {
		case string:
			val = vv
		case int, bool, time.Duration:
			val = fmt.Sprint(vv)
		case []string:
			if len(vv) > 0 {
				val = strings.Join(vv, ",")
			}
		}
		m = append(m, KV{k, val})
	}
	return
}

// PrintEnv writes sorted environment key/value pairs derived from cfg.
func PrintEnv(cfg *C, w io.Writer) {
	kvs := EnvKV(*cfg)
	sort.Sort(kvs)
	for _, kv := range kvs {
		_, _ = fmt.Fprintf(w, "%s=%s\n", kv.Key, kv.Value)
	}
}

// PrintHelp prints environment variable documentation and the current
// effective configuration.
func PrintHelp(cfg *C, w io.Writer) {
	_, _ = fmt.Fprintf(w, "%s\n\n", cfg.AppName)
	_, _ = fmt.Fprintf(w, "Environment variables that configure %s:\n\n", cfg.AppName)
	env.Usage(cfg, w, &env.Options{SliceSep: ","})
	_, _ = fmt.Fprintf(
		w,
		"\nCLI parameter 'help' also prints this information\n"+
			"\n.env file found at the path %s will be automatically loaded "+
			"for configuration.\nenvironment overrides it and you can also "+
			"edit the file to set configuration options\n\n"+
			"use the parameter 'env' to print out the current configuration "+
			"to the terminal\n\nset the environment using\n\n\t%s env > %s/.env\n",
		cfg.Config, os.Args[0], cfg.Config,
	)
	fmt.Fprintf(w, "\ncurrent configuration:\n\n")
	PrintEnv(cfg, w)
	fmt.Fprintln(w)
}
