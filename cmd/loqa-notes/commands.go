package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-notes/internal/auth"
	"github.com/loqalabs/loqa-notes/internal/batch"
	"github.com/loqalabs/loqa-notes/internal/progress"
	"github.com/loqalabs/loqa-notes/internal/recording"
	"github.com/loqalabs/loqa-notes/internal/runtime"
	"golang.org/x/term"
)

var errUsage = errors.New("usage")

type command func(ctx context.Context, e *env, args []string) error

var commands map[string]command

func init() {
	commands = map[string]command{
		"serve":   cmdServe,
		"process": cmdProcess,
		"add":     cmdAdd,
		"list":    cmdList,
		"show":    cmdShow,
		"auth":    cmdAuth,
		"version": func(context.Context, *env, []string) error { return nil },
	}
}

// Test seams for the terminal.
var (
	isTerminal   = term.IsTerminal
	readPassword = term.ReadPassword
)

func newFlagSet(e *env, name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	return nil
}

func cmdServe(ctx context.Context, e *env, args []string) error {
	if err := parseFlags(newFlagSet(e, "serve"), args); err != nil {
		return err
	}
	if err := runtime.New(e.cfg, e.logger).Start(ctx); err != nil {
		return err
	}
	e.logger.Info("shutdown complete")
	return nil
}

func cmdProcess(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet(e, "process")
	id := fs.String("id", "", "Process only this recording")
	requeue := fs.Bool("requeue", false, "Reset failed recordings before the run")
	asJSON := fs.Bool("json", false, "Print the run report as JSON")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	comps, err := runtime.OpenComponents(ctx, e.cfg, e.logger)
	if err != nil {
		return err
	}
	defer comps.Close()

	orch, err := comps.Orchestrator(&consoleProgress{w: e.stderr})
	if err != nil {
		return err
	}

	var report batch.Report
	if target := strings.TrimSpace(*id); target != "" {
		report, err = orch.ProcessOne(ctx, target)
	} else {
		if *requeue {
			n, rqErr := comps.Store.Requeue(ctx, recording.TranscriptionError)
			if rqErr != nil {
				return rqErr
			}
			fmt.Fprintf(e.stderr, "requeued %d failed recording(s)\n", n)
		}
		report, err = orch.ProcessAll(ctx)
	}
	if err != nil && !report.Canceled {
		return err
	}

	if *asJSON {
		enc := json.NewEncoder(e.stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(report); encErr != nil {
			return encErr
		}
	} else {
		fmt.Fprintf(e.stdout, "run %s: %d/%d processed, %d completed, %d failed, %d timed out, %d annotated\n",
			report.RunID, report.Processed, report.Total, report.Completed, report.Failed, report.TimedOut, report.Annotated)
	}
	return err
}

type consoleProgress struct {
	w io.Writer
}

func (c *consoleProgress) Progress(ev progress.Event) {
	fmt.Fprintf(c.w, "[%d/%d] %s: %s\n", ev.Current, ev.Total, ev.Filename, ev.Status)
}

func (c *consoleProgress) Complete(done progress.Completion) {
	if done.Canceled {
		fmt.Fprintf(c.w, "canceled after %d recording(s)\n", done.Total)
		return
	}
	fmt.Fprintf(c.w, "done, %d recording(s)\n", done.Total)
}

func cmdAdd(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet(e, "add")
	file := fs.String("file", "", "Path to the audio file")
	coords := fs.String("coords", "", `Coordinates as "lat,lon"`)
	lat := fs.Float64("lat", 0, "Latitude")
	lon := fs.Float64("lon", 0, "Longitude")
	capturedAt := fs.String("captured-at", "", "Capture time (RFC 3339), defaults to the file modification time")
	id := fs.String("id", "", "Recording id, generated when empty")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if strings.TrimSpace(*file) == "" {
		fmt.Fprintln(e.stderr, "add: --file is required")
		return errUsage
	}

	path, err := filepath.Abs(*file)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("audio file: %w", err)
	}

	latitude, longitude := *lat, *lon
	if *coords != "" {
		latitude, longitude, err = recording.ParseCoordinates(*coords)
		if err != nil {
			return err
		}
	} else if err := recording.ValidateCoordinates(latitude, longitude); err != nil {
		return err
	}

	captured := info.ModTime().UTC()
	if *capturedAt != "" {
		captured, err = time.Parse(time.RFC3339, *capturedAt)
		if err != nil {
			return fmt.Errorf("invalid --captured-at: %w", err)
		}
	}

	recID := strings.TrimSpace(*id)
	if recID == "" {
		recID = uuid.NewString()
	}

	comps, err := runtime.OpenComponents(ctx, e.cfg, e.logger)
	if err != nil {
		return err
	}
	defer comps.Close()

	rec, err := comps.Store.InsertRecording(ctx, recording.New(recID, path, captured, latitude, longitude))
	if err != nil {
		return err
	}
	fmt.Fprintln(e.stdout, rec.ID)
	return nil
}

func cmdList(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet(e, "list")
	status := fs.String("status", "", "Filter by transcription status")
	asJSON := fs.Bool("json", false, "Print JSON")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	filter := recording.TranscriptionStatus(strings.ToUpper(strings.TrimSpace(*status)))
	if filter != "" && !filter.Valid() {
		return fmt.Errorf("unknown status %q", *status)
	}

	comps, err := runtime.OpenComponents(ctx, e.cfg, e.logger)
	if err != nil {
		return err
	}
	defer comps.Close()

	recs, err := comps.Store.ListRecordings(ctx, filter)
	if err != nil {
		return err
	}
	if *asJSON {
		if recs == nil {
			recs = []recording.Recording{}
		}
		return json.NewEncoder(e.stdout).Encode(recs)
	}

	tw := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCAPTURED\tCOORDINATES\tTRANSCRIPTION\tANNOTATION\tFILE")
	for _, rec := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID,
			rec.CapturedAt.UTC().Format(time.RFC3339),
			recording.FormatCoordinates(rec.Latitude, rec.Longitude),
			rec.TranscriptionStatus,
			rec.AnnotationStatus,
			rec.Filename(),
		)
	}
	return tw.Flush()
}

func cmdShow(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet(e, "show")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(e.stderr, "usage: loqa-notes show ID")
		return errUsage
	}

	comps, err := runtime.OpenComponents(ctx, e.cfg, e.logger)
	if err != nil {
		return err
	}
	defer comps.Close()

	rec, err := comps.Store.GetRecording(ctx, strings.TrimSpace(fs.Arg(0)))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(e.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

func cmdAuth(ctx context.Context, e *env, args []string) error {
	if len(args) == 0 {
		fmt.Fprintln(e.stderr, "usage: loqa-notes auth status|save|clear")
		return errUsage
	}
	sub, rest := args[0], args[1:]

	fs := newFlagSet(e, "auth "+sub)
	token := fs.String("token", "", "Access token, prompted for when empty")
	refresh := fs.String("refresh-token", "", "Refresh token")
	name := fs.String("display-name", "", "Display name, looked up when empty")
	if err := parseFlags(fs, rest); err != nil {
		return err
	}

	comps, err := runtime.OpenComponents(ctx, e.cfg, e.logger)
	if err != nil {
		return err
	}
	defer comps.Close()

	switch sub {
	case "status":
		cred, ok, err := comps.Auth.Credential(ctx)
		if err != nil {
			return err
		}
		if !ok || !cred.Usable() {
			fmt.Fprintln(e.stdout, "not authenticated")
			return nil
		}
		fmt.Fprintf(e.stdout, "authenticated as %s (%s)\n", cred.DisplayName, cred.Provider)
		return nil
	case "save":
		value := strings.TrimSpace(*token)
		if value == "" {
			value, err = promptToken(e)
			if err != nil {
				return err
			}
		}
		if value == "" {
			return errors.New("access token must not be empty")
		}
		display := strings.TrimSpace(*name)
		if display == "" {
			display, err = comps.DisplayName(ctx, value)
			if err != nil {
				return fmt.Errorf("verify token: %w", err)
			}
		}
		cred := auth.Credential{
			AccessToken:  value,
			RefreshToken: *refresh,
			DisplayName:  display,
			Provider:     e.cfg.Auth.Provider,
		}
		if err := comps.Auth.Save(ctx, cred); err != nil {
			return err
		}
		fmt.Fprintf(e.stdout, "saved credential for %s\n", display)
		return nil
	case "clear":
		if err := comps.Auth.Clear(ctx); err != nil {
			return err
		}
		fmt.Fprintln(e.stdout, "credential cleared")
		return nil
	default:
		fmt.Fprintf(e.stderr, "unknown auth command %q\n", sub)
		return errUsage
	}
}

// promptToken reads the token without echo on a terminal, or as one line
// from piped input.
func promptToken(e *env) (string, error) {
	if f, ok := e.stdin.(*os.File); ok && isTerminal(int(f.Fd())) {
		fmt.Fprint(e.stderr, "Access token: ")
		raw, err := readPassword(int(f.Fd()))
		fmt.Fprintln(e.stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(raw)), nil
	}
	line, err := bufio.NewReader(e.stdin).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(line), nil
}
