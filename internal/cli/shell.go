package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/exmap/pkg/coord"
	"github.com/calvinalkan/exmap/pkg/pagestate"
)

// ShellCmd returns the shell command.
func ShellCmd(a *app) *Command {
	return &Command{
		Flags:  flag.NewFlagSet("shell", flag.ContinueOnError),
		Device: true,
		Usage:  "shell",
		Short:  "Drive worker 0 interactively",
		Long: `Open a session and read commands for worker 0 line by line.
Type 'help' at the prompt for the command list.

Reads from a line editor on a terminal, plain lines otherwise.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if err := noArgs(args); err != nil {
				return err
			}

			return execShell(ctx, o, a)
		},
	}
}

// lineReader is satisfied by *liner.State.
type lineReader interface {
	Prompt(prompt string) (string, error)
	Close() error
}

type scanReader struct{ s *bufio.Scanner }

func (r *scanReader) Prompt(string) (string, error) {
	if r.s.Scan() {
		return r.s.Text(), nil
	}

	if err := r.s.Err(); err != nil {
		return "", err
	}

	return "", io.EOF
}

func (r *scanReader) Close() error { return nil }

type shell struct {
	o       *IO
	s       *session
	w       *coord.Worker
	history string
	line    *liner.State // nil when not on a terminal
}

func execShell(ctx context.Context, o *IO, a *app) (err error) {
	s, err := openSession(a.cfg, a.log, sessionOptions{pool: true})
	if err != nil {
		return err
	}

	defer func() {
		if cerr := s.Close(); err == nil {
			err = cerr
		}
	}()

	sh := &shell{o: o, s: s, w: s.pool.Workers()[0]}

	var r lineReader

	if f, ok := a.in.(*os.File); ok && f == os.Stdin && liner.TerminalSupported() {
		sh.line = liner.NewLiner()
		sh.line.SetCtrlCAborts(true)
		sh.line.SetCompleter(completeShell)
		sh.history = historyFile(a.env)
		sh.loadHistory()

		r = sh.line
	} else {
		in := a.in
		if in == nil {
			in = strings.NewReader("")
		}

		r = &scanReader{s: bufio.NewScanner(in)}
	}

	defer func() {
		sh.saveHistory()
		_ = r.Close()
	}()

	if err := sh.loop(ctx, r); err != nil {
		return err
	}

	return sh.unfixLeftovers()
}

// unfixLeftovers releases pages still fixed when the shell exits. The
// shell owns the only worker, so every Locked page is its own.
func (sh *shell) unfixLeftovers() error {
	var ids []uint64

	for id := range uint64(sh.s.table.Len()) {
		w, err := sh.s.table.Load(id)
		if err != nil {
			return err
		}

		if w.Status() == pagestate.Locked {
			ids = append(ids, id)
		}
	}

	if len(ids) == 0 {
		return nil
	}

	if err := sh.w.Unfix(ids...); err != nil {
		return err
	}

	sh.o.Warn(fmt.Sprintf("%d pages still fixed at exit %v", len(ids), ids), "unfixed them")

	return nil
}

func historyFile(env map[string]string) string {
	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".exmapctl_history")
	}

	return ""
}

func (sh *shell) loadHistory() {
	if sh.history == "" {
		return
	}

	if f, err := os.Open(sh.history); err == nil {
		_, _ = sh.line.ReadHistory(f)
		_ = f.Close()
	}
}

func (sh *shell) saveHistory() {
	if sh.line == nil || sh.history == "" {
		return
	}

	if f, err := os.Create(sh.history); err == nil {
		_, _ = sh.line.WriteHistory(f)
		_ = f.Close()
	}
}

var shellCommands = []string{"fix", "unfix", "mark", "evict", "state", "write", "read", "stats", "help", "exit", "quit"}

func completeShell(line string) []string {
	var c []string

	for _, cmd := range shellCommands {
		if strings.HasPrefix(cmd, strings.ToLower(line)) {
			c = append(c, cmd)
		}
	}

	return c
}

func (sh *shell) loop(ctx context.Context, r lineReader) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := r.Prompt("exmap> ")
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				return nil
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if sh.line != nil {
			sh.line.AppendHistory(line)
		}

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])

		if cmd == "exit" || cmd == "quit" || cmd == "q" {
			return nil
		}

		if err := sh.exec(ctx, cmd, parts[1:]); err != nil {
			sh.o.Println("error:", err)
		}
	}
}

func (sh *shell) exec(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "?":
		sh.printHelp()

		return nil
	case "stats":
		return sh.stats()
	case "write":
		return sh.write(args)
	case "read":
		return sh.read(args)
	case "fix", "unfix", "mark", "evict", "state":
	default:
		return fmt.Errorf("%w: %s (try 'help')", errUnknownCommand, cmd)
	}

	ids, err := parsePages(args)
	if err != nil {
		return err
	}

	switch cmd {
	case "fix":
		n, err := sh.w.Fix(ctx, ids...)
		if err != nil {
			return err
		}

		sh.o.Printf("fixed %d pages, refilled %d\n", len(ids), n)
	case "unfix":
		if err := sh.w.Unfix(ids...); err != nil {
			return err
		}

		sh.o.Printf("unfixed %d pages\n", len(ids))
	case "mark":
		n, err := sh.w.Mark(ids...)
		if err != nil {
			return err
		}

		sh.o.Printf("marked %d pages\n", n)
	case "evict":
		n, err := sh.w.Evict(ctx, ids)
		if err != nil {
			return err
		}

		sh.o.Printf("evicted %d pages\n", n)
	case "state":
		for _, id := range ids {
			w, err := sh.s.table.Load(id)
			if err != nil {
				return err
			}

			sh.o.Printf("page %d: %s\n", id, w)
		}
	}

	return nil
}

func parsePages(args []string) ([]uint64, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: page ids", errMissingArg)
	}

	ids := make([]uint64, 0, len(args))

	for _, arg := range args {
		id, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("page id %q: %w", arg, err)
		}

		ids = append(ids, id)
	}

	return ids, nil
}

// fixedPage returns the memory of a page this shell holds exclusively.
func (sh *shell) fixedPage(arg string) (uint64, []byte, error) {
	ids, err := parsePages([]string{arg})
	if err != nil {
		return 0, nil, err
	}

	w, err := sh.s.table.Load(ids[0])
	if err != nil {
		return 0, nil, err
	}

	if w.Status() != pagestate.Locked {
		return 0, nil, fmt.Errorf("page %d is %s: %w", ids[0], w.Status(), errNotFixed)
	}

	page, err := sh.s.region.Page(ids[0])
	if err != nil {
		return 0, nil, err
	}

	return ids[0], page, nil
}

func (sh *shell) write(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("%w: write <page> <text>", errMissingArg)
	}

	id, page, err := sh.fixedPage(args[0])
	if err != nil {
		return err
	}

	n := copy(page, strings.Join(args[1:], " "))
	sh.o.Printf("wrote %d bytes to page %d\n", n, id)

	return nil
}

func (sh *shell) read(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("%w: read <page> [bytes]", errMissingArg)
	}

	n := 16

	if len(args) == 2 {
		v, err := strconv.Atoi(args[1])
		if err != nil || v < 1 {
			return fmt.Errorf("byte count %q is not a positive integer", args[1])
		}

		n = v
	}

	id, page, err := sh.fixedPage(args[0])
	if err != nil {
		return err
	}

	sh.o.Printf("page %d: %q\n", id, page[:min(n, len(page))])

	return nil
}

func (sh *shell) stats() error {
	sh.o.Printf("pages=%d interface=%d lock_retries=%d\n", sh.s.table.Len(), sh.w.Index(), sh.s.table.Retries())

	if sh.s.sim != nil {
		sh.o.Printf("resident=%d actions=%d\n", sh.s.sim.Used(), sh.s.sim.Actions())
	}

	return nil
}

func (sh *shell) printHelp() {
	sh.o.Println(`Commands:
  fix <page>...         Lock pages and make them resident
  unfix <page>...       Release fixed pages
  mark <page>...        Queue unlocked pages for eviction
  evict <page>...       Free pages that are still marked
  state <page>...       Show version and state
  write <page> <text>   Write text at the start of a fixed page
  read <page> [bytes]   Show the start of a fixed page (default 16 bytes)
  stats                 Show counters
  help                  Show this help
  exit / quit / q       Exit`)
}
