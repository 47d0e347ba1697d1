package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// cliFlags holds everything parsed from the command line after the subcommand.
type cliFlags struct {
	ConfigPath string
	NoFallback bool
	Raw        bool
	Limit      int
	Model      string
	Sandbox    bool
	Yolo       bool
	WorkDir    string
	Addr       string
	Stream     bool
	Render     bool

	// Positional holds the non-flag words, joined into the query or message.
	Positional []string
}

// Text returns the positional words as one string.
func (f cliFlags) Text() string {
	return strings.Join(f.Positional, " ")
}

var boolFlags = map[string]func(*cliFlags){
	"--no-fallback": func(f *cliFlags) { f.NoFallback = true },
	"--raw":         func(f *cliFlags) { f.Raw = true },
	"--sandbox":     func(f *cliFlags) { f.Sandbox = true },
	"--yolo":        func(f *cliFlags) { f.Yolo = true },
	"--stream":      func(f *cliFlags) { f.Stream = true },
	"--render":      func(f *cliFlags) { f.Render = true },
}

var valueFlags = map[string]func(*cliFlags, string) error{
	"--config":  func(f *cliFlags, v string) error { f.ConfigPath = v; return nil },
	"--model":   func(f *cliFlags, v string) error { f.Model = v; return nil },
	"--workdir": func(f *cliFlags, v string) error { f.WorkDir = v; return nil },
	"--addr":    func(f *cliFlags, v string) error { f.Addr = v; return nil },
	"--limit": func(f *cliFlags, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return fmt.Errorf("--limit must be a positive integer, got %q", v)
		}
		f.Limit = n
		return nil
	},
}

// parseFlags reads flags in "--name value" or "--name=value" form. A lone
// "--" ends flag parsing so a message may itself start with dashes.
func parseFlags(args []string) (cliFlags, error) {
	var flags cliFlags
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			flags.Positional = append(flags.Positional, args[i+1:]...)
			break
		}
		if !strings.HasPrefix(arg, "--") {
			flags.Positional = append(flags.Positional, arg)
			continue
		}

		name, value, hasValue := strings.Cut(arg, "=")
		if set, ok := boolFlags[name]; ok {
			if hasValue {
				return flags, fmt.Errorf("%s does not take a value", name)
			}
			set(&flags)
			continue
		}
		set, ok := valueFlags[name]
		if !ok {
			return flags, fmt.Errorf("unknown flag %s", name)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return flags, fmt.Errorf("%s requires a value", name)
			}
			i++
			value = args[i]
		}
		if err := set(&flags, value); err != nil {
			return flags, err
		}
	}
	return flags, nil
}

// configPath picks --config, then GEMINI_BRIDGE_CONFIG, then the default file.
func configPath(flags cliFlags, defaultPath string) string {
	if flags.ConfigPath != "" {
		return flags.ConfigPath
	}
	if p := os.Getenv("GEMINI_BRIDGE_CONFIG"); p != "" {
		return p
	}
	return defaultPath
}
