package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/strongdm/agentrun/internal/config"
	"github.com/strongdm/agentrun/internal/runid"
	"github.com/strongdm/agentrun/internal/runlog"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// app carries the per-invocation context. Nothing in the tool reads ambient
// globals; every component receives what it needs from here.
type app struct {
	stateRoot string
	cfg       *config.Config
	logger    *slog.Logger
	stdout    *os.File
	stderr    *os.File
}

func run(args []string) int {
	if len(args) < 1 {
		usage()
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	stateRoot := runid.StateRoot()
	cfg, err := config.LoadDefault(stateRoot)
	if err != nil {
		fmt.Fprintln(os.Stderr, "agentrun:", err)
		return 1
	}
	if cfg.LogsRoot != "" {
		stateRoot = cfg.LogsRoot
	}
	a := &app{
		stateRoot: stateRoot,
		cfg:       cfg,
		logger:    logger,
		stdout:    os.Stdout,
		stderr:    os.Stderr,
	}

	switch args[0] {
	case "run":
		return a.cmdRun(args[1:])
	case "list":
		return a.cmdList(args[1:])
	case "show":
		return a.cmdShow(args[1:])
	case "report":
		return a.cmdReport(args[1:])
	case "log":
		return a.cmdLog(args[1:])
	case "files":
		return a.cmdFiles(args[1:])
	case "stats":
		return a.cmdStats(args[1:])
	case "continue":
		return a.cmdContinue(args[1:])
	case "retry":
		return a.cmdRetry(args[1:])
	case "maintain":
		return a.cmdMaintain(args[1:])
	case "help", "-h", "--help":
		usage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "agentrun: unknown command %q\n", args[0])
		usage()
		return 1
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  agentrun run --model <model> [flags] <prompt...>")
	fmt.Fprintln(os.Stderr, "  agentrun list [--session S] [--model M] [--harness H] [--status S] [--label k=v] [--since T] [--until T] [--limit N] [--cursor C] [--json]")
	fmt.Fprintln(os.Stderr, "  agentrun show <run-ref> [--json]")
	fmt.Fprintln(os.Stderr, "  agentrun report <run-ref>")
	fmt.Fprintln(os.Stderr, "  agentrun log <run-ref> [--summary | --tools | --errors | --grep <pattern>]")
	fmt.Fprintln(os.Stderr, "  agentrun files <run-ref>")
	fmt.Fprintln(os.Stderr, "  agentrun stats [--session S] [--json]")
	fmt.Fprintln(os.Stderr, "  agentrun continue <run-ref> [--model M] [--in-place | --fork] <follow-up...>")
	fmt.Fprintln(os.Stderr, "  agentrun retry <run-ref> [--undo-first] [--force] [--dry-run] --yes [overrides]")
	fmt.Fprintln(os.Stderr, "  agentrun maintain [--older-than-days N] [--dry-run]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "run references: a full run id, a unique prefix of at least 8 characters,")
	fmt.Fprintln(os.Stderr, "or one of @latest, @last-failed, @last-ok")
}

func (a *app) indexPath() string {
	return filepath.Join(a.stateRoot, runlog.IndexFileName)
}

// loadView builds the derived view over the active index and all archives.
func (a *app) loadView() ([]runlog.Run, error) {
	recs, err := runlog.LoadAll(a.indexPath())
	if err != nil {
		return nil, err
	}
	return runlog.BuildView(recs), nil
}

func (a *app) resolveRef(ref string) (runlog.Run, error) {
	runs, err := a.loadView()
	if err != nil {
		return runlog.Run{}, err
	}
	return runlog.Resolve(runs, ref)
}

// fail reports a caller error. No run is created on this path.
func (a *app) fail(err error) int {
	fmt.Fprintln(a.stderr, "agentrun:", err)
	return 1
}
