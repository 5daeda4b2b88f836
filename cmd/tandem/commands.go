package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/manpreetbhatti/tandem/internal/presence"
	"github.com/manpreetbhatti/tandem/internal/termsurface"
)

const usage = `commands:
  i OFFSET TEXT   insert TEXT at OFFSET (\n for newline)
  d OFFSET LEN    delete LEN characters at OFFSET
  c OFFSET [END]  move the cursor, selecting up to END
  p               print the document
  u               list participants
  q               quit`

var errQuit = errors.New("quit")

// editor runs stdin commands against a terminal surface.
type editor struct {
	surface      *termsurface.Surface
	participants func() []presence.Participant
	out          io.Writer
}

// execute runs one command line. It returns errQuit for q.
func (e *editor) execute(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	cmd, rest, _ := strings.Cut(line, " ")

	switch cmd {
	case "i":
		offStr, text, ok := strings.Cut(rest, " ")
		if !ok || text == "" {
			return fmt.Errorf("usage: i OFFSET TEXT")
		}
		off, err := strconv.Atoi(offStr)
		if err != nil {
			return fmt.Errorf("bad offset %q", offStr)
		}
		return e.surface.Insert(off, strings.ReplaceAll(text, `\n`, "\n"))

	case "d":
		args, err := ints(rest, 2, 2)
		if err != nil {
			return fmt.Errorf("usage: d OFFSET LEN")
		}
		return e.surface.Delete(args[0], args[1])

	case "c":
		args, err := ints(rest, 1, 2)
		if err != nil {
			return fmt.Errorf("usage: c OFFSET [END]")
		}
		if len(args) == 1 {
			return e.surface.Select(args[0], args[0])
		}
		return e.surface.Select(args[0], args[1])

	case "p":
		e.surface.Print()
		return nil

	case "u":
		for _, p := range e.participants() {
			fmt.Fprintf(e.out, "%s  %s\n", p.ID, p.Name)
		}
		return nil

	case "q":
		return errQuit

	case "h", "?":
		fmt.Fprintln(e.out, usage)
		return nil
	}
	return fmt.Errorf("unknown command %q (h for help)", cmd)
}

func ints(s string, lo, hi int) ([]int, error) {
	fields := strings.Fields(s)
	if len(fields) < lo || len(fields) > hi {
		return nil, fmt.Errorf("want %d to %d numbers, got %d", lo, hi, len(fields))
	}
	out := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}
