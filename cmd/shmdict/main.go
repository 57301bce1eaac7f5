// shmdict is a CLI for inspecting and mutating shared memory dictionaries.
//
// Usage:
//
//	shmdict create [opts]             Create a segment and print its name
//	shmdict set <key> <value> [opts]  Store a value
//	shmdict get <key> [opts]          Print a value
//	shmdict del <key> [opts]          Delete a key
//	shmdict ls [opts]                 List keys
//	shmdict items [opts]              Print all entries
//	shmdict len [opts]                Count entries
//	shmdict dump <file> [opts]        Export the raw payload to a file
//	shmdict unlink [opts]             Destroy the segment
//	shmdict shell [opts]              Interactive REPL
//
// Options:
//
//	-n, --name          Segment name (required except for create)
//	    --dir           Segment directory (default: /dev/shm or $TMPDIR)
//	-s, --size          Initial payload capacity in bytes (default: 8192)
//	-a, --attach        Fail instead of creating when the name is absent
//	    --lock-timeout  Lock acquisition timeout (default: 2s, 0 blocks)
//	-c, --config        Config file path (JSONC)
//
// Values given to 'set' are parsed as null, true/false, integer or float
// literals, and fall back to plain strings.
//
// A config file at $XDG_CONFIG_HOME/shmdict/config.json (or
// ~/.config/shmdict/config.json) provides defaults; flags override it.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"
	"github.com/tailscale/hujson"

	"github.com/calvinalkan/shmdict/pkg/shmdict"
)

func main() {
	err := run(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("usage: shmdict <create|set|get|del|ls|items|len|dump|unlink|shell> [opts]")

func run(args []string) error {
	if len(args) == 0 {
		return errUsage
	}

	cmd := args[0]

	flags := flag.NewFlagSet("shmdict "+cmd, flag.ContinueOnError)
	name := flags.StringP("name", "n", "", "segment name")
	dir := flags.String("dir", "", "segment directory")
	size := flags.IntP("size", "s", 0, "initial payload capacity in bytes")
	attach := flags.BoolP("attach", "a", false, "fail instead of creating when absent")
	lockTimeout := flags.Duration("lock-timeout", 2*time.Second, "lock acquisition timeout (0 blocks)")
	configPath := flags.StringP("config", "c", "", "config file path")

	if err := flags.Parse(args[1:]); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	opts := shmdict.Options{
		Name:        firstNonEmpty(*name, cfg.Name),
		Dir:         firstNonEmpty(*dir, cfg.Dir),
		AttachOnly:  *attach,
		InitialSize: *size,
		LockTimeout: *lockTimeout,
	}

	if opts.InitialSize == 0 {
		opts.InitialSize = cfg.Size
	}

	if !flags.Changed("lock-timeout") && cfg.LockTimeout != "" {
		d, parseErr := time.ParseDuration(cfg.LockTimeout)
		if parseErr != nil {
			return fmt.Errorf("config lock_timeout: %w", parseErr)
		}

		opts.LockTimeout = d
	}

	rest := flags.Args()

	switch cmd {
	case "create":
		return cmdCreate(opts)
	case "set":
		return cmdSet(opts, rest)
	case "get":
		return cmdGet(opts, rest)
	case "del", "delete":
		return cmdDelete(opts, rest)
	case "ls", "keys":
		return cmdKeys(opts)
	case "items":
		return cmdItems(opts)
	case "len":
		return cmdLen(opts)
	case "dump":
		return cmdDump(opts, rest)
	case "unlink":
		return cmdUnlink(opts)
	case "shell":
		return cmdShell(opts)
	case "help", "--help", "-h":
		fmt.Println(errUsage)

		return nil
	default:
		return fmt.Errorf("unknown command %q\n%v", cmd, errUsage)
	}
}

// config holds defaults read from the config file. The file is JSONC
// (JSON with comments and trailing commas), standardized via hujson.
type config struct {
	Name        string `json:"name,omitempty"`
	Dir         string `json:"dir,omitempty"`
	Size        int    `json:"size,omitempty"`
	LockTimeout string `json:"lock_timeout,omitempty"` //nolint:tagliatelle // snake_case for config file
}

// configFilePath returns the default config location, XDG-aware.
func configFilePath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "shmdict", "config.json")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".config", "shmdict", "config.json")
}

func loadConfig(path string) (config, error) {
	explicit := path != ""
	if !explicit {
		path = configFilePath()
	}

	var cfg config

	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}

		return cfg, fmt.Errorf("reading config: %w", err)
	}

	std, err := hujson.Standardize(raw)
	if err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := json.Unmarshal(std, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}

	return ""
}

// cmdCreate opens (creating if needed) and intentionally does not close:
// the creation reference keeps the segment alive until 'shmdict unlink'.
func cmdCreate(opts shmdict.Options) error {
	opts.AttachOnly = false

	d, err := shmdict.Open(opts)
	if err != nil {
		return err
	}

	fmt.Println(d.Name())

	return nil
}

// openAttached opens an existing segment for a one-shot command.
func openAttached(opts shmdict.Options) (*shmdict.Dict, error) {
	if opts.Name == "" {
		return nil, errors.New("segment name is required (use --name)")
	}

	opts.AttachOnly = true

	return shmdict.Open(opts)
}

func cmdSet(opts shmdict.Options, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: shmdict set <key> <value>")
	}

	d, err := openAttached(opts)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	return d.Set(args[0], parseValueArg(args[1]))
}

func cmdGet(opts shmdict.Options, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: shmdict get <key>")
	}

	d, err := openAttached(opts)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	v, err := d.Get(args[0])
	if err != nil {
		return err
	}

	fmt.Println(v)

	return nil
}

func cmdDelete(opts shmdict.Options, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: shmdict del <key>")
	}

	d, err := openAttached(opts)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	return d.Delete(args[0])
}

func cmdKeys(opts shmdict.Options) error {
	d, err := openAttached(opts)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	keys, err := d.Keys()
	if err != nil {
		return err
	}

	for _, k := range keys {
		fmt.Println(k)
	}

	return nil
}

func cmdItems(opts shmdict.Options) error {
	d, err := openAttached(opts)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	items, err := d.Items()
	if err != nil {
		return err
	}

	printItems(os.Stdout, items)

	return nil
}

func cmdLen(opts shmdict.Options) error {
	d, err := openAttached(opts)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	n, err := d.Len()
	if err != nil {
		return err
	}

	fmt.Println(n)

	return nil
}

func cmdDump(opts shmdict.Options, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: shmdict dump <file>")
	}

	d, err := openAttached(opts)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	if err := d.Snapshot(args[0]); err != nil {
		return err
	}

	fmt.Printf("wrote %s\n", args[0])

	return nil
}

func cmdUnlink(opts shmdict.Options) error {
	d, err := openAttached(opts)
	if err != nil {
		return err
	}

	return d.Unlink()
}

func printItems(w io.Writer, items map[string]shmdict.Value) {
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(w, "%s = %s\n", k, items[k])
	}
}

// parseValueArg interprets a CLI argument as a typed value: null, booleans
// and numeric literals get their natural types, everything else is a
// string. Quote a literal ("true") to force a string.
func parseValueArg(arg string) shmdict.Value {
	switch arg {
	case "null":
		return shmdict.Null()
	case "true":
		return shmdict.Bool(true)
	case "false":
		return shmdict.Bool(false)
	}

	if i, err := strconv.ParseInt(arg, 10, 64); err == nil {
		return shmdict.Int(i)
	}

	if f, err := strconv.ParseFloat(arg, 64); err == nil {
		return shmdict.Float(f)
	}

	if len(arg) >= 2 && arg[0] == '"' && arg[len(arg)-1] == '"' {
		if s, err := strconv.Unquote(arg); err == nil {
			return shmdict.String(s)
		}
	}

	return shmdict.String(arg)
}

// replCommands is the completion vocabulary for the shell.
var replCommands = []string{
	"get", "set", "del", "ls", "items", "len", "info", "clear", "dump",
	"help", "exit", "quit",
}

// cmdShell runs an interactive REPL against one open handle.
//
// Note: if the shell created the segment and no other process attaches,
// closing on exit removes it. Run 'shmdict create' first for a segment
// that outlives the shell.
func cmdShell(opts shmdict.Options) error {
	d, err := shmdict.Open(opts)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)
	line.SetCompleter(func(prefix string) []string {
		var out []string

		for _, c := range replCommands {
			if strings.HasPrefix(c, prefix) {
				out = append(out, c)
			}
		}

		return out
	})

	if f, openErr := os.Open(historyFile()); openErr == nil {
		_, _ = line.ReadHistory(f)
		_ = f.Close()
	}

	fmt.Printf("shmdict shell - segment %q (created=%v)\n", d.Name(), d.Created())
	fmt.Println("Type 'help' for available commands.")

	for {
		input, promptErr := line.Prompt("shmdict> ")
		if promptErr != nil {
			if errors.Is(promptErr, liner.ErrPromptAborted) || errors.Is(promptErr, io.EOF) {
				fmt.Println("\nBye!")

				break
			}

			return fmt.Errorf("reading input: %w", promptErr)
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		line.AppendHistory(input)

		parts := strings.Fields(input)
		cmd, args := strings.ToLower(parts[0]), parts[1:]

		if cmd == "exit" || cmd == "quit" || cmd == "q" {
			fmt.Println("Bye!")

			break
		}

		if replErr := replDispatch(d, cmd, args); replErr != nil {
			fmt.Printf("error: %v\n", replErr)
		}
	}

	saveHistory(line)

	return nil
}

func replDispatch(d *shmdict.Dict, cmd string, args []string) error {
	switch cmd {
	case "help", "?":
		fmt.Println("get <key> | set <key> <value> | del <key> | ls | items | len")
		fmt.Println("info | clear | dump <file> | help | exit")

		return nil
	case "get":
		if len(args) != 1 {
			return errors.New("usage: get <key>")
		}

		v, err := d.Get(args[0])
		if err != nil {
			return err
		}

		fmt.Println(v)

		return nil
	case "set":
		if len(args) < 2 {
			return errors.New("usage: set <key> <value>")
		}

		return d.Set(args[0], parseValueArg(strings.Join(args[1:], " ")))
	case "del", "delete":
		if len(args) != 1 {
			return errors.New("usage: del <key>")
		}

		return d.Delete(args[0])
	case "ls", "keys":
		keys, err := d.Keys()
		if err != nil {
			return err
		}

		for _, k := range keys {
			fmt.Println(k)
		}

		return nil
	case "items":
		items, err := d.Items()
		if err != nil {
			return err
		}

		printItems(os.Stdout, items)

		return nil
	case "len", "count":
		n, err := d.Len()
		if err != nil {
			return err
		}

		fmt.Println(n)

		return nil
	case "info":
		fmt.Printf("name: %s\ncreated here: %v\n", d.Name(), d.Created())

		return nil
	case "clear":
		return d.Clear()
	case "dump":
		if len(args) != 1 {
			return errors.New("usage: dump <file>")
		}

		return d.Snapshot(args[0])
	default:
		return fmt.Errorf("unknown command %q (type 'help')", cmd)
	}
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".shmdict_history")
}

func saveHistory(line *liner.State) {
	path := historyFile()
	if path == "" {
		return
	}

	f, err := os.Create(path)
	if err != nil {
		return
	}

	_, _ = line.WriteHistory(f)
	_ = f.Close()
}
