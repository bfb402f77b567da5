package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/crumbles/internal/spool"
)

func cmdSpool() {
	if flag.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "Usage: crumblesctl spool <list|sweep|purge|run>")
		os.Exit(1)
	}

	switch flag.Arg(1) {
	case "list":
		cmdSpoolList()
	case "sweep":
		cmdSpoolSweep()
	case "purge":
		cmdSpoolPurge()
	case "run":
		cmdSpoolRun()
	default:
		fmt.Fprintf(os.Stderr, "Unknown spool command: %s\n", flag.Arg(1))
		os.Exit(1)
	}
}

func cmdSpoolList() {
	a := openApp()
	defer a.Close()

	sections := []struct {
		label string
		list  func() ([]string, error)
	}{
		{"Pending", a.spool.Pending},
		{"Processing", a.spool.Processing},
		{"Sent", a.spool.Sent},
	}

	empty := true
	for _, s := range sections {
		paths, err := s.list()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing spool: %v\n", err)
			os.Exit(1)
		}
		if len(paths) == 0 {
			continue
		}
		empty = false
		fmt.Printf("%s:\n", s.label)
		for _, p := range paths {
			info, err := os.Stat(p)
			if err != nil {
				fmt.Printf("  %s\n", filepath.Base(p))
				continue
			}
			fmt.Printf("  %-52s %8s  %s\n", filepath.Base(p),
				formatBytes(info.Size()), info.ModTime().Format("2006-01-02 15:04:05"))
		}
	}
	if empty {
		fmt.Println("Spool is empty.")
	}
}

func cmdSpoolSweep() {
	a := openApp()
	defer a.Close()

	sw := a.newSweeper()
	for _, pass := range []struct {
		name  string
		sweep func() error
	}{
		{"dispatch", sw.SweepDispatch},
		{"mark-sent", sw.SweepMarkSent},
		{"delete", sw.SweepDelete},
	} {
		if err := pass.sweep(); err != nil {
			fmt.Fprintf(os.Stderr, "Error in %s pass: %v\n", pass.name, err)
			os.Exit(1)
		}
	}

	printSpoolCount(a, "Pending", a.spool.Pending)
	printSpoolCount(a, "Processing", a.spool.Processing)
	printSpoolCount(a, "Sent", a.spool.Sent)
}

func cmdSpoolPurge() {
	a := openApp()
	defer a.Close()

	n, err := a.spool.PurgeAll()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error purging spool: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Deleted %d batch files.\n", n)
}

// cmdSpoolRun drives the sweep cadences in the foreground until
// interrupted, reporting newly spooled batches as they appear.
func cmdSpoolRun() {
	a := openApp()
	defer a.Close()

	sw := a.newSweeper()
	if err := sw.Start(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting sweeper: %v\n", err)
		os.Exit(1)
	}
	defer sw.Stop()

	w, err := spool.NewWatcher(spool.WatcherConfig{
		Spool: a.spool,
		Notify: func(paths []string) {
			for _, p := range paths {
				fmt.Printf("Spooled: %s\n", filepath.Base(p))
			}
		},
		Logger: a.log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating watcher: %v\n", err)
		os.Exit(1)
	}
	if err := w.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error watching spool: %v\n", err)
		os.Exit(1)
	}
	defer w.Stop()

	fmt.Printf("Sweeping %s (dispatch %v, mark-sent %v, delete %v). Ctrl-C to stop.\n",
		a.spool.Dir(), a.sweepIntervals.dispatch, a.sweepIntervals.markSent, a.sweepIntervals.delete)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	fmt.Println("\nStopping...")
}

// sweepIntervals are the config cadences in duration form.
type sweepIntervals struct {
	dispatch     time.Duration
	markSent     time.Duration
	markSentWait time.Duration
	delete       time.Duration
}

func (a *app) newSweeper() *spool.Sweeper {
	sw, err := spool.NewSweeper(spool.SweeperConfig{
		Spool:            a.spool,
		Keys:             a.keys,
		DispatchInterval: a.sweepIntervals.dispatch,
		MarkSentInterval: a.sweepIntervals.markSent,
		MarkSentDelay:    a.sweepIntervals.markSentWait,
		DeleteInterval:   a.sweepIntervals.delete,
		Logger:           a.log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error wiring sweeper: %v\n", err)
		os.Exit(1)
	}
	return sw
}
