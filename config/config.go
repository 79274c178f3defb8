// Package config parses and validates the CLI/env surface from
// spec.md §6, the way the original Python implementation's
// configargparse-based main.py does, reproduced with the standard
// library flag package (the teacher's main.go already parses flags this
// way) plus a manual environment-variable overlay.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/relaydns/dot-forwarder/pool"
)

// DefaultPort is the listen port used when neither -p/--port nor PORT is
// set.
const DefaultPort = 15353

// Config is the fully parsed and validated proxy configuration.
type Config struct {
	Version bool

	Nameservers []pool.UpstreamAddress
	LogFile     string
	Verbose     bool
	Debug       bool
	EnableTCP   bool
	EnableUDP   bool
	EnableStats bool
	Port        int
	PoolSize    int
	PprofPort   int
}

// ErrConfig marks a validation failure; main exits 1 on this error kind
// per spec.md §7.
var ErrConfig = errors.New("config")

func configError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// Parse parses args (typically os.Args[1:]) and overlays the environment
// variables from spec.md §6's flag table, then validates the result.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("dot-forwarder", flag.ContinueOnError)

	version := fs.Bool("version", false, "print name and version, then exit")
	var nameservers stringSliceFlag
	fs.Var(&nameservers, "n", "upstream nameserver <ip>:<port>:<cn>, repeatable")
	fs.Var(&nameservers, "nameserver", "alias for -n")
	logfile := fs.String("l", "", "log to this file instead of stderr")
	fs.StringVar(logfile, "logfile", "", "alias for -l")
	verbose := fs.Bool("v", false, "enable info-level logging")
	fs.BoolVar(verbose, "verbose", false, "alias for -v")
	debug := fs.Bool("d", false, "enable debug-level logging")
	fs.BoolVar(debug, "debug", false, "alias for -d")
	enableTCP := fs.Bool("t", true, "enable the TCP listener")
	fs.BoolVar(enableTCP, "tcp", true, "alias for -t")
	enableUDP := fs.Bool("u", true, "enable the UDP listener")
	fs.BoolVar(enableUDP, "udp", true, "alias for -u")
	enableStats := fs.Bool("s", true, "enable the stats collector")
	fs.BoolVar(enableStats, "stats", true, "alias for -s")
	port := fs.Int("p", DefaultPort, "listen port for DNS queries")
	fs.IntVar(port, "port", DefaultPort, "alias for -p")
	poolSize := fs.Int("pool-size", pool.DefaultCapacity, "size of the upstream connection pool")
	pprofPort := fs.Int("pprof", 0, "port for pprof/debug endpoints, 0 disables")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	if *version {
		return &Config{Version: true}, nil
	}

	overlayEnv(fs, &nameservers, logfile, verbose, debug, enableTCP, enableUDP, enableStats, port, poolSize)

	addrs, err := parseNameservers(nameservers)
	if err != nil {
		return nil, configError("%v", err)
	}
	if len(addrs) == 0 {
		return nil, configError("at least one nameserver is required (-n or NAMESERVERS)")
	}
	if !*enableTCP && !*enableUDP {
		return nil, configError("at least one listener must be enabled using --tcp and/or --udp")
	}
	if *port < 1 || *port > 65535 {
		return nil, configError("port %d out of range [1,65535]", *port)
	}
	if *poolSize < 1 {
		return nil, configError("pool-size must be positive, got %d", *poolSize)
	}

	return &Config{
		Nameservers: addrs,
		LogFile:     *logfile,
		Verbose:     *verbose,
		Debug:       *debug,
		EnableTCP:   *enableTCP,
		EnableUDP:   *enableUDP,
		EnableStats: *enableStats,
		Port:        *port,
		PoolSize:    *poolSize,
		PprofPort:   *pprofPort,
	}, nil
}

// overlayEnv applies the spec.md §6 environment variables for any flag
// the caller did not explicitly set on the command line. Flags win over
// env vars, env vars win over defaults.
func overlayEnv(fs *flag.FlagSet, nameservers *stringSliceFlag, logfile *string, verbose, debug, enableTCP, enableUDP, enableStats *bool, port, poolSize *int) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if !set["n"] && !set["nameserver"] {
		if v, ok := os.LookupEnv("NAMESERVERS"); ok {
			*nameservers = strings.Split(v, ",")
		}
	}
	if !set["l"] && !set["logfile"] {
		if v, ok := os.LookupEnv("LOGFILE"); ok {
			*logfile = v
		}
	}
	if !set["v"] && !set["verbose"] {
		if v, ok := os.LookupEnv("VERBOSE"); ok {
			*verbose = parseEnvBool(v)
		}
	}
	if !set["d"] && !set["debug"] {
		if v, ok := os.LookupEnv("DEBUG"); ok {
			*debug = parseEnvBool(v)
		}
	}
	if !set["t"] && !set["tcp"] {
		if v, ok := os.LookupEnv("ENABLE_TCP"); ok {
			*enableTCP = parseEnvBool(v)
		}
	}
	if !set["u"] && !set["udp"] {
		if v, ok := os.LookupEnv("ENABLE_UDP"); ok {
			*enableUDP = parseEnvBool(v)
		}
	}
	if !set["s"] && !set["stats"] {
		if v, ok := os.LookupEnv("ENABLE_STATS"); ok {
			*enableStats = parseEnvBool(v)
		}
	}
	if !set["p"] && !set["port"] {
		if v, ok := os.LookupEnv("PORT"); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*port = n
			}
		}
	}
	if !set["pool-size"] {
		if v, ok := os.LookupEnv("POOL_SIZE"); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*poolSize = n
			}
		}
	}
}

func parseEnvBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

func parseNameservers(raw []string) ([]pool.UpstreamAddress, error) {
	var addrs []pool.UpstreamAddress
	for _, group := range raw {
		for _, one := range strings.Split(group, ",") {
			one = strings.TrimSpace(one)
			if one == "" {
				continue
			}
			addr, err := pool.ParseUpstreamAddress(one)
			if err != nil {
				return nil, err
			}
			addrs = append(addrs, addr)
		}
	}
	return addrs, nil
}

// stringSliceFlag implements flag.Value to support a repeatable flag
// that also accepts comma-separated values, per spec.md §6's
// "repeatable; also comma-separated" nameserver flag.
type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	if s == nil {
		return ""
	}
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}
