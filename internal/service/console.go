package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/kaliintelsuite/kiscollect/internal/model"
)

// Control is the part of the Supervisor driven by the console
type Control interface {
	Start()
	Stop()
	Status(ctx context.Context) (Status, error)
	Restart(ctx context.Context, statuses ...model.Status) (int64, error)
}

// Console is the interactive control channel of a collection. It only
// forwards commands to the supervisor.
type Console struct {
	ctl    Control
	prompt string
}

func NewConsole(ctl Control, workspace string) Console {
	return Console{ctl: ctl, prompt: "kiscollect (" + workspace + ")> "}
}

const consoleHelp = `commands:
  start                      start collection
  stop                       stop collection, running commands finish
  status                     show progress and command statuses
  restart STATUS [STATUS...] re-arm failed, terminated or completed commands
  help                       show this help
  quit, exit                 stop collection and leave
`

// Run reads commands from in until quit, end of input or ctx is done
func (c Console) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	fmt.Fprint(out, consoleHelp)
	for {
		fmt.Fprint(out, c.prompt)
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}
			line = l
		}

		quit, err := c.exec(ctx, strings.Fields(line), out)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

func (c Console) exec(ctx context.Context, args []string, out io.Writer) (bool, error) {
	if len(args) == 0 {
		return false, nil
	}
	switch strings.ToLower(args[0]) {
	case "start":
		c.ctl.Start()
		fmt.Fprintln(out, "collection requested")
	case "stop":
		c.ctl.Stop()
		fmt.Fprintln(out, "stop requested, running commands finish first")
	case "status":
		st, err := c.ctl.Status(ctx)
		if err != nil {
			return false, err
		}
		return false, renderStatus(out, st)
	case "restart":
		if len(args) == 1 {
			return false, errors.New("restart needs at least one of failed, terminated, completed")
		}
		statuses, err := model.ParseRestart(args[1:])
		if err != nil {
			return false, err
		}
		n, err := c.ctl.Restart(ctx, statuses...)
		if errors.Is(err, ErrBusy) {
			return false, errors.New("collection is running, stop it first")
		}
		if err != nil {
			return false, err
		}
		fmt.Fprintf(out, "%d commands re-armed\n", n)
	case "help", "?":
		fmt.Fprint(out, consoleHelp)
	case "quit", "exit":
		c.ctl.Stop()
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q, try help", args[0])
	}
	return false, nil
}

var statusOrder = []model.Status{
	model.StatusPending,
	model.StatusRunning,
	model.StatusCompleted,
	model.StatusFailed,
	model.StatusTerminated,
}

func renderStatus(out io.Writer, st Status) error {
	state := "idle"
	switch {
	case st.Stopping:
		state = "stopping"
	case st.Running:
		state = "running"
	case st.Paused:
		state = "stopped"
	}

	data := pterm.TableData{
		{"workspace", st.Workspace},
		{"state", state},
		{"passes", strconv.Itoa(st.Passes)},
	}
	if st.Running {
		data = append(data,
			[]string{"run", st.RunID},
			[]string{"elapsed", time.Since(st.Started).Round(time.Second).String()},
			[]string{"queued", strconv.Itoa(st.Queued)},
			[]string{"executing", strconv.FormatInt(st.Progress.Running, 10)},
		)
	}
	if st.Last != nil {
		last := "ok"
		if st.Last.Err != nil {
			last = st.Last.Err.Error()
		} else if st.Last.Stopped {
			last = "stopped"
		}
		data = append(data, []string{"last pass", last})
	}
	table, err := pterm.DefaultTable.WithData(data).Srender()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, table)

	counts := pterm.TableData{{"status", "commands"}}
	for _, s := range statusOrder {
		counts = append(counts, []string{string(s), strconv.Itoa(st.Counts[s])})
	}
	table, err = pterm.DefaultTable.WithHasHeader(true).WithBoxed(false).WithData(counts).Srender()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, table)
	return nil
}
