package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/developer-mesh/gridsync/pkg/collaboration"
)

const usage = `commands:
  cell <key> <layer> <field> <value>   set a cell field
  prop <field> <value>                 set a document property
  get <key> <layer> <field>            print a cell field
  undo | redo                          walk the history
  flush                                finalize the current edit now
  resume                               retry a stalled save
  show                                 print the document
  stats                                print engine state
  quit                                 save and exit`

var errQuit = errors.New("quit")

// editor is the part of the engine the command reader drives.
type editor interface {
	Set(ctx context.Context, scope collaboration.Scope, field, value string) error
	Get(ctx context.Context, scope collaboration.Scope, field string) (string, error)
	Undo(ctx context.Context) (bool, error)
	Redo(ctx context.Context) (bool, error)
	Flush(ctx context.Context) error
	Resume(ctx context.Context) error
	Snapshot(ctx context.Context) ([]byte, error)
	Stats(ctx context.Context) (collaboration.Stats, error)
}

// readCommands executes one command per input line until EOF, quit or ctx
// cancellation. Command errors are printed and do not stop the reader.
// On cancellation a closable input is closed to release the blocked scanner.
func readCommands(ctx context.Context, ed editor, in io.Reader, out io.Writer) error {
	if c, ok := in.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { _ = c.Close() })
		defer stop()
	}

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var line string
		var ok bool
		select {
		case line, ok = <-lines:
		case <-ctx.Done():
			return ctx.Err()
		}
		if !ok {
			select {
			case err := <-scanErr:
				return err
			default:
				return ctx.Err()
			}
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		err := execute(ctx, ed, line, out)
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

func execute(ctx context.Context, ed editor, line string, out io.Writer) error {
	args := strings.Fields(line)
	switch args[0] {
	case "cell":
		if len(args) < 4 {
			return fmt.Errorf("usage: cell <key> <layer> <field> <value>")
		}
		layer, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("invalid layer %q", args[2])
		}
		return ed.Set(ctx, collaboration.CellScope(args[1], layer), args[3], strings.Join(args[4:], " "))
	case "prop":
		if len(args) < 2 {
			return fmt.Errorf("usage: prop <field> <value>")
		}
		return ed.Set(ctx, collaboration.PropertyScope(), args[1], strings.Join(args[2:], " "))
	case "get":
		if len(args) != 4 {
			return fmt.Errorf("usage: get <key> <layer> <field>")
		}
		layer, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("invalid layer %q", args[2])
		}
		v, err := ed.Get(ctx, collaboration.CellScope(args[1], layer), args[3])
		if err != nil {
			return err
		}
		fmt.Fprintln(out, v)
	case "undo", "redo":
		step := ed.Undo
		if args[0] == "redo" {
			step = ed.Redo
		}
		changed, err := step(ctx)
		if err != nil {
			return err
		}
		if !changed {
			fmt.Fprintf(out, "nothing to %s\n", args[0])
		}
	case "flush":
		return ed.Flush(ctx)
	case "resume":
		return ed.Resume(ctx)
	case "show":
		data, err := ed.Snapshot(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
	case "stats":
		s, err := ed.Stats(ctx)
		if err != nil {
			return err
		}
		data, err := json.Marshal(s)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
	case "quit", "exit":
		return errQuit
	case "help":
		fmt.Fprintln(out, usage)
	default:
		return fmt.Errorf("unknown command %q (try help)", args[0])
	}
	return nil
}

// drain flushes the open edit and waits until every local operation and its
// payload are stored. A save error ends the wait early.
func drain(ctx context.Context, ed editor, poll time.Duration) (collaboration.Stats, error) {
	if err := ed.Flush(ctx); err != nil {
		return collaboration.Stats{}, err
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		s, err := ed.Stats(ctx)
		if err != nil {
			return s, err
		}
		if s.Status == collaboration.StatusSaveError {
			return s, fmt.Errorf("save failed with %d pending operations: %s", s.Pending, s.LastError)
		}
		if s.Pending == 0 && !s.Dirty && s.Writing == 0 && !s.Compacting && s.SendState == collaboration.SendIdle.String() {
			return s, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return s, ctx.Err()
		}
	}
}

// waitReady waits until the opened document has caught up with the store.
func waitReady(ctx context.Context, ed editor, poll time.Duration) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		s, err := ed.Stats(ctx)
		if err != nil {
			return err
		}
		switch s.Status {
		case collaboration.StatusUpdating:
		case collaboration.StatusUpdateError:
			return fmt.Errorf("failed to load remote operations: applied %d of %d", s.AppliedNum, s.LastOpNum)
		default:
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
