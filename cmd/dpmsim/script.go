package main

import (
	"bufio"
	"fmt"
	"io"
	"slices"
	"strconv"

	"github.com/google/shlex"
)

// event is one scripted disturbance applied before a given cycle runs.
type event struct {
	Cycle int
	Cmd   string
	Arg   int
	Line  int
}

func (ev event) String() string {
	if hasArg(ev.Cmd) {
		return fmt.Sprintf("%s %d", ev.Cmd, ev.Arg)
	}
	return ev.Cmd
}

// hasArg reports whether a command takes a numeric argument.
func hasArg(cmd string) bool {
	switch cmd {
	case "loss", "dtim", "force", "early":
		return true
	}
	return false
}

func knownCmd(cmd string) bool {
	switch cmd {
	case "wdog", "deauth", "tsfreset", "powercycle", "wipe":
		return true
	}
	return hasArg(cmd)
}

// parseScript reads lines of the form
//
//	at <cycle> <command> [arg]
//
// Comments start with '#'. Events are returned sorted by cycle, keeping file
// order within a cycle.
func parseScript(r io.Reader) ([]event, error) {
	var events []event
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		words, err := shlex.Split(sc.Text())
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(words) == 0 {
			continue
		}
		if words[0] != "at" || len(words) < 3 {
			return nil, fmt.Errorf("line %d: want \"at <cycle> <command> [arg]\"", line)
		}
		ev := event{Cmd: words[2], Line: line}
		ev.Cycle, err = strconv.Atoi(words[1])
		if err != nil || ev.Cycle < 0 {
			return nil, fmt.Errorf("line %d: bad cycle %q", line, words[1])
		}
		if !knownCmd(ev.Cmd) {
			return nil, fmt.Errorf("line %d: unknown command %q", line, ev.Cmd)
		}
		switch {
		case hasArg(ev.Cmd) && len(words) != 4:
			return nil, fmt.Errorf("line %d: %s takes one argument", line, ev.Cmd)
		case !hasArg(ev.Cmd) && len(words) != 3:
			return nil, fmt.Errorf("line %d: %s takes no arguments", line, ev.Cmd)
		case hasArg(ev.Cmd):
			ev.Arg, err = strconv.Atoi(words[3])
			if err != nil || ev.Arg < 0 {
				return nil, fmt.Errorf("line %d: bad argument %q", line, words[3])
			}
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	slices.SortStableFunc(events, func(a, b event) int { return a.Cycle - b.Cycle })
	return events, nil
}
