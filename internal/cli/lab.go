package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"
	"github.com/hacklido/labroom/internal/controlapi"
	"github.com/hacklido/labroom/internal/controlclient"
	"github.com/hacklido/labroom/internal/endpoint"
	"golang.org/x/term"
)

// labRequestTimeout bounds client calls other than start, which may wait
// for an image pull.
const labRequestTimeout = 2 * time.Minute

type ClientFlags struct {
	Host string `help:"Control-plane endpoint (unix://path or http://host:port)"`
	JSON bool   `help:"Print the response as JSON"`
}

type OwnerFlags struct {
	Owner string `help:"User id that owns the lab sessions" env:"LABROOM_USER" required:""`
}

type LabCommand struct {
	Start LabStartCommand `cmd:"" help:"Start (or reuse) a lab session for a room"`
	Get   LabGetCommand   `cmd:"" help:"Show a lab session"`
	List  LabListCommand  `cmd:"" help:"List lab sessions, newest first"`
	Exec  LabExecCommand  `cmd:"" help:"Run a command inside a running lab session"`
	Stop  LabStopCommand  `cmd:"" help:"Stop a lab session"`
	Shell LabShellCommand `cmd:"" help:"Open an interactive shell on a running lab session"`
}

type LabStartCommand struct {
	ClientFlags `embed:""`
	OwnerFlags  `embed:""`

	Room string `arg:"" help:"Room id"`
}

type LabGetCommand struct {
	ClientFlags `embed:""`
	OwnerFlags  `embed:""`

	Session string `arg:"" help:"Lab session id"`
}

type LabListCommand struct {
	ClientFlags `embed:""`
	OwnerFlags  `embed:""`
}

type LabExecCommand struct {
	ClientFlags `embed:""`
	OwnerFlags  `embed:""`

	Session string   `arg:"" help:"Lab session id"`
	Command []string `arg:"" passthrough:"" required:"" help:"Command to execute"`
}

type LabStopCommand struct {
	ClientFlags `embed:""`
	OwnerFlags  `embed:""`

	Session string `arg:"" help:"Lab session id"`
}

type LabShellCommand struct {
	Host       string `help:"Control-plane endpoint (unix://path or http://host:port)"`
	OwnerFlags `embed:""`

	Session string `arg:"" help:"Lab session id"`
}

func newClient(host string) (*controlclient.Client, error) {
	ep, err := endpoint.Resolve(host)
	if err != nil {
		return nil, err
	}
	return controlclient.New(ep)
}

func (c *LabStartCommand) Run(rc *runtimeContext) error {
	client, err := newClient(c.Host)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(0)
	defer cancel()

	resp, err := client.StartLab(ctx, &controlapi.StartLabRequest{OwnerID: c.Owner, RoomID: c.Room})
	if err != nil {
		return err
	}
	if c.JSON {
		return writeJSON(rc.Stdout, resp.Lab)
	}
	if err := printLab(rc.Stdout, resp.Lab, time.Now(), paletteFor(rc.Stdout)); err != nil {
		return err
	}
	if resp.Lab.Status == "error" {
		return fmt.Errorf("lab session %s failed to start", resp.Lab.SessionID)
	}
	return nil
}

func (c *LabGetCommand) Run(rc *runtimeContext) error {
	client, err := newClient(c.Host)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(labRequestTimeout)
	defer cancel()

	resp, err := client.GetLab(ctx, &controlapi.GetLabRequest{SessionID: c.Session, OwnerID: c.Owner})
	if err != nil {
		return err
	}
	if c.JSON {
		return writeJSON(rc.Stdout, resp.Lab)
	}
	return printLab(rc.Stdout, resp.Lab, time.Now(), paletteFor(rc.Stdout))
}

func (c *LabListCommand) Run(rc *runtimeContext) error {
	client, err := newClient(c.Host)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(labRequestTimeout)
	defer cancel()

	resp, err := client.ListLabs(ctx, &controlapi.ListLabsRequest{OwnerID: c.Owner})
	if err != nil {
		return err
	}
	if c.JSON {
		return writeJSON(rc.Stdout, resp.Labs)
	}
	return printLabTable(rc.Stdout, resp.Labs, time.Now())
}

func (c *LabExecCommand) Run(rc *runtimeContext) error {
	client, err := newClient(c.Host)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(labRequestTimeout)
	defer cancel()

	resp, err := client.ExecuteCommand(ctx, &controlapi.ExecuteCommandRequest{
		SessionID: c.Session,
		OwnerID:   c.Owner,
		Command:   strings.Join(c.Command, " "),
	})
	if err != nil {
		return err
	}
	if c.JSON {
		if err := writeJSON(rc.Stdout, resp); err != nil {
			return err
		}
	} else if err := writeOutput(rc.Stdout, resp.Output); err != nil {
		return err
	}
	if resp.ExitCode != 0 {
		return exitCodeError{code: resp.ExitCode}
	}
	return nil
}

func (c *LabStopCommand) Run(rc *runtimeContext) error {
	client, err := newClient(c.Host)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(labRequestTimeout)
	defer cancel()

	resp, err := client.StopLab(ctx, &controlapi.StopLabRequest{SessionID: c.Session, OwnerID: c.Owner})
	if err != nil {
		return err
	}
	if c.JSON {
		return writeJSON(rc.Stdout, resp)
	}
	_, err = fmt.Fprintf(rc.Stdout, "%s (%s)\n", resp.Message, paletteFor(rc.Stdout).status(resp.Lab.Status))
	return err
}

func (c *LabShellCommand) Run(rc *runtimeContext) error {
	client, err := newClient(c.Host)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(0)
	defer cancel()

	lab, err := client.GetLab(ctx, &controlapi.GetLabRequest{SessionID: c.Session, OwnerID: c.Owner})
	if err != nil {
		return err
	}
	if lab.Lab.Status != "running" {
		return fmt.Errorf("lab session %s is %s", c.Session, lab.Lab.Status)
	}

	run := func(line string) (string, int, error) {
		callCtx, callCancel := context.WithTimeout(ctx, labRequestTimeout)
		defer callCancel()
		resp, err := client.ExecuteCommand(callCtx, &controlapi.ExecuteCommandRequest{
			SessionID: c.Session,
			OwnerID:   c.Owner,
			Command:   line,
		})
		if err != nil {
			return "", 0, err
		}
		return resp.Output, resp.ExitCode, nil
	}

	prompt := fmt.Sprintf("%s@%s$ ", c.Owner, lab.Lab.RoomID)
	if rc.Stdin == nil {
		return fmt.Errorf("no input available for the shell")
	}
	if term.IsTerminal(int(rc.Stdin.Fd())) {
		return runTerminalShell(rc, prompt, run)
	}
	return runLineShell(rc.Stdin, rc.Stdout, prompt, run)
}

type shellRunner func(line string) (output string, exitCode int, err error)

func runTerminalShell(rc *runtimeContext, prompt string, run shellRunner) error {
	fd := int(rc.Stdin.Fd())
	state, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("enter raw mode: %w", err)
	}
	defer func() {
		_ = term.Restore(fd, state)
	}()

	screen := struct {
		io.Reader
		io.Writer
	}{rc.Stdin, rc.Stdout}
	terminal := term.NewTerminal(screen, prompt)
	if width, height, err := term.GetSize(fd); err == nil {
		_ = terminal.SetSize(width, height)
	}
	return shellLoop(terminal.ReadLine, terminal, run)
}

func runLineShell(in io.Reader, out io.Writer, prompt string, run shellRunner) error {
	scanner := bufio.NewScanner(in)
	readLine := func() (string, error) {
		if _, err := io.WriteString(out, prompt); err != nil {
			return "", err
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		return scanner.Text(), nil
	}
	err := shellLoop(readLine, out, run)
	if err == nil {
		_, err = io.WriteString(out, "\n")
	}
	return err
}

// shellLoop sends each non-empty line to the lab until "exit" or end of
// input. Command failures are printed and the loop continues.
func shellLoop(readLine func() (string, error), out io.Writer, run shellRunner) error {
	for {
		line, err := readLine()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "exit", "logout":
			return nil
		}

		output, _, err := run(line)
		if err != nil {
			if _, werr := fmt.Fprintf(out, "Error: %v\n", err); werr != nil {
				return werr
			}
			continue
		}
		if err := writeOutput(out, output); err != nil {
			return err
		}
	}
}

func writeOutput(w io.Writer, output string) error {
	if output == "" {
		return nil
	}
	if !strings.HasSuffix(output, "\n") {
		output += "\n"
	}
	_, err := io.WriteString(w, output)
	return err
}

func printLab(w io.Writer, lab controlapi.Lab, now time.Time, p palette) error {
	fields := []field{
		{Key: "session", Value: lab.SessionID},
		{Key: "room", Value: lab.RoomID},
		{Key: "status", Value: lab.Status},
		{Key: "handle", Value: lab.Handle},
		{Key: "created", Value: ago(lab.CreatedAt, now)},
	}
	if lab.StartedAt != nil {
		fields = append(fields, field{Key: "started", Value: ago(*lab.StartedAt, now)})
	}
	if lab.EndedAt != nil {
		fields = append(fields, field{Key: "ended", Value: ago(*lab.EndedAt, now)})
	}
	for _, f := range fields {
		if f.Value == "" {
			continue
		}
		value := f.Value
		if f.Key == "status" {
			value = p.status(value)
		}
		if _, err := fmt.Fprintf(w, "%s: %s\n", p.paint(p.muted, f.Key), value); err != nil {
			return err
		}
	}
	return nil
}

func ago(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	return units.HumanDuration(now.Sub(t)) + " ago"
}

func printLabTable(w io.Writer, labs []controlapi.Lab, now time.Time) error {
	if len(labs) == 0 {
		_, err := io.WriteString(w, "no lab sessions\n")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tROOM\tSTATUS\tCREATED")
	for _, lab := range labs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", lab.SessionID, lab.RoomID, lab.Status, ago(lab.CreatedAt, now))
	}
	return tw.Flush()
}
