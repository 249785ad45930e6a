// Package shell implements the line-oriented operator command channel
// (grounded on original_source/src/main.c's read-eval loop and
// src/commands/cmd_servicefilter.c's per-output command set): a prompt,
// a small fixed set of commands, and a startup script replay, operating
// purely through internal/engine, internal/cache, and internal/output's
// public operations.
package shell

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tsbridge/dvbstreamer-go/internal/config"
	"github.com/tsbridge/dvbstreamer-go/internal/engine"
	"github.com/tsbridge/dvbstreamer-go/internal/output"
)

// Prompt is written before reading each interactive line.
const Prompt = "dvbstreamer> "

// ErrorKind classifies a CommandError the way the original implementation's
// COMMAND_ERROR_* constants did.
type ErrorKind int

const (
	// ErrGeneric covers any failure with no more specific kind.
	ErrGeneric ErrorKind = iota
	// ErrWrongArgs means the command's argument count or form was invalid.
	ErrWrongArgs
	// ErrUnknownCommand means no command with that name is registered.
	ErrUnknownCommand
)

// CommandError is the error type every command returns on failure; Kind
// lets callers (and tests) distinguish a bad invocation from a runtime
// failure without string matching.
type CommandError struct {
	Kind    ErrorKind
	Message string
}

func (e *CommandError) Error() string { return e.Message }

func wrongArgs(usage string) *CommandError {
	return &CommandError{Kind: ErrWrongArgs, Message: "wrong number of arguments\nusage: " + usage}
}

func generic(format string, a ...any) *CommandError {
	return &CommandError{Kind: ErrGeneric, Message: fmt.Sprintf(format, a...)}
}

// errQuit is returned by the "quit" command to unwind Run's loop; it is
// never shown to the operator as an error.
var errQuit = errors.New("shell: quit requested")

// boundOutput is a named destination the shell knows about. impl is nil
// until "select" first binds a service to it, mirroring the original
// implementation's outputs existing before any service is chosen for them.
type boundOutput struct {
	Name string
	MRL  string
	impl *output.Output
}

// command is one registered shell command.
type command struct {
	Name    string
	MinArgs int
	MaxArgs int
	Help    string
	Usage   string
	Run     func(s *Shell, args []string) (string, error)
}

// Shell is one operator command-channel session bound to an Engine.
type Shell struct {
	engine *engine.Engine
	out    io.Writer
	logger *slog.Logger

	mu       sync.Mutex
	outputs  map[string]*boundOutput
	commands map[string]*command
	order    []string
}

// New creates a Shell writing command output to out and audit/error log
// lines through logger (nil uses slog.Default()).
func New(e *engine.Engine, out io.Writer, logger *slog.Logger) *Shell {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Shell{
		engine:  e,
		out:     out,
		logger:  logger,
		outputs: make(map[string]*boundOutput),
	}
	s.registerCommands()
	return s
}

// Close destroys every output this shell created.
func (s *Shell) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, bo := range s.outputs {
		if bo.impl != nil {
			_ = bo.impl.Close()
		}
	}
}

// RunScript replays commands from r without printing prompts or a banner,
// for ShellConfig's startup script path. A "quit" line stops replay early
// without error.
func (s *Shell) RunScript(r io.Reader) error {
	return s.loop(r, false)
}

// Run drives the interactive command loop, printing Prompt before each
// line read from r, until "quit" is entered or r is exhausted.
func (s *Shell) Run(r io.Reader) error {
	return s.loop(r, true)
}

func (s *Shell) loop(r io.Reader, interactive bool) error {
	scanner := bufio.NewScanner(r)
	for {
		if interactive {
			fmt.Fprint(s.out, Prompt)
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := s.Dispatch(line); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Fprintf(s.out, "error: %s\n", err)
		}
	}
}

// Dispatch parses and runs a single line, logging it with a correlation ID
// the way an operator could grep a specific invocation back out of the
// log.
func (s *Shell) Dispatch(line string) error {
	requestID := uuid.NewString()
	name, argument := splitCommand(line)

	s.mu.Lock()
	cmd, ok := s.commands[strings.ToLower(name)]
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("unknown shell command", "request_id", requestID, "command", name)
		return &CommandError{Kind: ErrUnknownCommand, Message: fmt.Sprintf("unknown command %q", name)}
	}

	args := splitArgs(argument, cmd.MaxArgs)
	if len(args) < cmd.MinArgs || len(args) > cmd.MaxArgs {
		s.logger.Warn("shell command wrong args", "request_id", requestID, "command", name, "argument", argument)
		return wrongArgs(cmd.Usage)
	}

	s.logger.Info("shell command", "request_id", requestID, "command", name, "argument", argument)
	result, err := cmd.Run(s, args)
	if err != nil {
		if !errors.Is(err, errQuit) {
			s.logger.Warn("shell command failed", "request_id", requestID, "command", name, "error", err)
		}
		return err
	}
	if result != "" {
		fmt.Fprint(s.out, result)
	}
	return nil
}

// splitCommand splits line into its first whitespace-delimited token (the
// command name) and everything after it (the raw argument string),
// matching main.c's GetCommand.
func splitCommand(line string) (name, argument string) {
	line = strings.TrimSpace(line)
	idx := strings.IndexAny(line, " \t")
	if idx < 0 {
		return line, ""
	}
	return line[:idx], strings.TrimSpace(line[idx+1:])
}

// splitArgs splits s into at most n whitespace-delimited fields, with the
// final field holding whatever remains of the line (so a trailing argument
// like a service name may itself contain spaces).
func splitArgs(s string, n int) []string {
	s = strings.TrimSpace(s)
	if s == "" || n <= 0 {
		return nil
	}
	fields := make([]string, 0, n)
	for len(fields) < n-1 {
		s = strings.TrimLeft(s, " \t")
		idx := strings.IndexAny(s, " \t")
		if idx < 0 {
			break
		}
		fields = append(fields, s[:idx])
		s = s[idx:]
	}
	s = strings.TrimSpace(s)
	if s != "" {
		fields = append(fields, s)
	}
	return fields
}

func (s *Shell) registerCommands() {
	defs := []*command{
		{
			Name: "help", MinArgs: 0, MaxArgs: 0,
			Help: "Display the list of commands", Usage: "help",
			Run: (*Shell).cmdHelp,
		},
		{
			Name: "quit", MinArgs: 0, MaxArgs: 0,
			Help: "Exit the command session", Usage: "quit",
			Run: (*Shell).cmdQuit,
		},
		{
			Name: "services", MinArgs: 0, MaxArgs: 0,
			Help: "List all known services on the current multiplex", Usage: "services",
			Run: (*Shell).cmdServices,
		},
		{
			Name: "output", MinArgs: 1, MaxArgs: 3,
			Help: "Manage named delivery outputs", Usage: "output add <name> <mrl> | output rm <name> | output ls",
			Run: (*Shell).cmdOutput,
		},
		{
			Name: "select", MinArgs: 2, MaxArgs: 2,
			Help: "Stream a service to a named output", Usage: "select <output> <service name>",
			Run: (*Shell).cmdSelect,
		},
		{
			Name: "avsonly", MinArgs: 2, MaxArgs: 2,
			Help: "Enable/disable audio/video/subtitle-only PMT rewriting for an output", Usage: "avsonly <output> <on|off>",
			Run: (*Shell).cmdAVSOnly,
		},
	}

	s.commands = make(map[string]*command, len(defs))
	for _, d := range defs {
		s.commands[d.Name] = d
		s.order = append(s.order, d.Name)
	}
}

func (s *Shell) cmdHelp(_ []string) (string, error) {
	s.mu.Lock()
	names := append([]string(nil), s.order...)
	s.mu.Unlock()
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		cmd := s.commands[name]
		fmt.Fprintf(&b, "%-10s %s\n", cmd.Name, cmd.Help)
	}
	return b.String(), nil
}

func (s *Shell) cmdQuit(_ []string) (string, error) {
	return "", errQuit
}

func (s *Shell) cmdServices(_ []string) (string, error) {
	var b strings.Builder
	for _, svc := range s.engine.Cache.Services() {
		fmt.Fprintf(&b, "%04x: %s\n", svc.ServiceID, svc.Name)
	}
	return b.String(), nil
}

func (s *Shell) cmdOutput(args []string) (string, error) {
	switch strings.ToLower(args[0]) {
	case "add":
		if len(args) != 3 {
			return "", wrongArgs("output add <name> <mrl>")
		}
		return s.outputAdd(args[1], args[2])
	case "rm":
		if len(args) != 2 {
			return "", wrongArgs("output rm <name>")
		}
		return s.outputRm(args[1])
	case "ls":
		if len(args) != 1 {
			return "", wrongArgs("output ls")
		}
		return s.outputLs()
	default:
		return "", generic("unknown output subcommand %q", args[0])
	}
}

func (s *Shell) outputAdd(name, mrl string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.outputs[name]; exists {
		return "", generic("output %q already exists", name)
	}
	s.outputs[name] = &boundOutput{Name: name, MRL: mrl}
	return fmt.Sprintf("added output %q -> %s\n", name, mrl), nil
}

func (s *Shell) outputRm(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bo, ok := s.outputs[name]
	if !ok {
		return "", generic("no such output %q", name)
	}
	if bo.impl != nil {
		if err := bo.impl.Close(); err != nil {
			return "", generic("removing output %q: %s", name, err)
		}
	}
	delete(s.outputs, name)
	return fmt.Sprintf("removed output %q\n", name), nil
}

func (s *Shell) outputLs() (string, error) {
	s.mu.Lock()
	names := make([]string, 0, len(s.outputs))
	for name := range s.outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		bo := s.outputs[name]
		serviceName := "<NONE>"
		avsOnly := false
		if bo.impl != nil {
			serviceName = bo.impl.Service().Name
			avsOnly = bo.impl.AVSOnly()
		}
		fmt.Fprintf(&b, "%10s : %s (%s) avsonly=%t\n", bo.Name, bo.MRL, serviceName, avsOnly)
	}
	s.mu.Unlock()
	return b.String(), nil
}

func (s *Shell) cmdSelect(args []string) (string, error) {
	outputName, serviceName := args[0], args[1]

	s.mu.Lock()
	bo, ok := s.outputs[outputName]
	s.mu.Unlock()
	if !ok {
		return "", generic("no such output %q", outputName)
	}

	svc, ok := s.engine.Cache.FindByName(serviceName)
	if !ok {
		return "", generic("no such service %q", serviceName)
	}
	mux := s.engine.Cache.CurrentMultiplex()
	if mux == nil {
		return "", generic("no multiplex currently loaded")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if bo.impl == nil {
		patInterval, pmtInterval := s.tableRepeatIntervals()
		impl, err := output.New(bo.Name, bo.MRL, s.engine.Registry, s.engine.Delivery, svc, svc.PMTPID, mux.TransportStreamID, false, patInterval, pmtInterval)
		if err != nil {
			return "", generic("binding output %q to %q: %s", outputName, serviceName, err)
		}
		bo.impl = impl
	} else {
		bo.impl.Select(svc, svc.PMTPID, mux.TransportStreamID)
	}

	return fmt.Sprintf("output %q now streaming %q\n", outputName, serviceName), nil
}

// tableRepeatIntervals reads the configured PAT/PMT resend cadence off the
// bound engine, falling back to the package defaults for a zero-valued
// (unconfigured) interval.
func (s *Shell) tableRepeatIntervals() (pat, pmt time.Duration) {
	cfg := s.engine.Config()
	pat, pmt = cfg.Outputs.PATRepeatInterval, cfg.Outputs.PMTRepeatInterval
	if pat <= 0 {
		pat = config.DefaultPATRepeatInterval
	}
	if pmt <= 0 {
		pmt = config.DefaultPMTRepeatInterval
	}
	return pat, pmt
}

func (s *Shell) cmdAVSOnly(args []string) (string, error) {
	outputName, onOff := args[0], strings.ToLower(args[1])
	if onOff != "on" && onOff != "off" {
		return "", wrongArgs("avsonly <output> <on|off>")
	}

	s.mu.Lock()
	bo, ok := s.outputs[outputName]
	s.mu.Unlock()
	if !ok {
		return "", generic("no such output %q", outputName)
	}
	if bo.impl == nil {
		return "", generic("output %q has no service selected yet", outputName)
	}

	bo.impl.SetAVSOnly(onOff == "on")
	return fmt.Sprintf("avsonly %s for output %q\n", onOff, outputName), nil
}
