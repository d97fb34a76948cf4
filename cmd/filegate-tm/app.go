package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/danmuck/filegate/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNavigateBack signals caller-intent to return to the previous menu.
	ErrNavigateBack = errors.New("navigate back")
	// ErrNavigateExit signals caller-intent to exit the interactive client.
	ErrNavigateExit = errors.New("navigate exit")
)

// RoundTripper is the slice of session.Manager the client drives.
type RoundTripper interface {
	RoundTrip(ctx context.Context, command string) string
}

// App is the interactive terminal client. It talks to the backend over the
// same session layer the gateway uses.
type App struct {
	reader   *bufio.Reader
	out      io.Writer
	sessions RoundTripper
	specs    []protocol.Spec
	user     string
}

func NewApp(in *bufio.Reader, out io.Writer, sessions RoundTripper) *App {
	return &App{
		reader:   in,
		out:      out,
		sessions: sessions,
		specs:    protocol.Specs(),
	}
}

// Run executes the action menu loop until exit or end of input.
func (a *App) Run(ctx context.Context) error {
	for {
		a.printMenu()
		choice, err := a.promptInt("Choose", 1, len(a.specs), false, true)
		if err != nil {
			if errors.Is(err, ErrNavigateExit) || errors.Is(err, io.EOF) {
				fmt.Fprintln(a.out, "bye")
				return nil
			}
			return err
		}
		spec := a.specs[choice-1]
		params, err := a.promptParams(spec)
		if err != nil {
			if errors.Is(err, ErrNavigateBack) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		a.execute(ctx, spec, params)
	}
}

func (a *App) execute(ctx context.Context, spec protocol.Spec, params url.Values) {
	command := protocol.Build(spec.Action, params)
	resp := a.sessions.RoundTrip(ctx, command.String())
	reply := protocol.ParseReply(resp)
	log.Debug().Str("verb", command.Verb).Str("status", reply.Status).Msg("filegate-tm round trip")

	switch {
	case reply.OK():
		fmt.Fprintf(a.out, "ok: %s\n", reply.Message())
		switch spec.Action {
		case "login":
			a.user = params.Get("username")
		case "logout":
			a.user = ""
		}
	case reply.Status == protocol.StatusError:
		fmt.Fprintf(a.out, "error: %s\n", reply.Message())
	default:
		fmt.Fprintf(a.out, "failed: %s\n", resp)
	}
}

func (a *App) printMenu() {
	user := a.user
	if user == "" {
		user = "(not logged in)"
	}
	fmt.Fprintf(a.out, "\n== filegate user=%s ==\n", user)
	for i, spec := range a.specs {
		fmt.Fprintf(a.out, "%2d. %-14s %s\n", i+1, spec.Action, spec.Verb)
	}
}

// promptParams asks for every positional field; empty input keeps the default.
func (a *App) promptParams(spec protocol.Spec) (url.Values, error) {
	params := url.Values{}
	for _, p := range spec.Params {
		label := p.Name
		if p.Default != "" {
			label = fmt.Sprintf("%s (default %s)", p.Name, p.Default)
		}
		line, err := a.promptLine(label)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(line) == ".back" {
			return nil, ErrNavigateBack
		}
		if line != "" {
			params.Set(p.Name, line)
		}
	}
	return params, nil
}

func (a *App) promptLine(label string) (string, error) {
	if strings.TrimSpace(label) != "" {
		fmt.Fprintf(a.out, "%s: ", label)
	}
	line, err := a.reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (a *App) promptInt(label string, min int, max int, allowBack bool, allowExit bool) (int, error) {
	for {
		rangePrompt := fmt.Sprintf("%s [%d-%d", label, min, max)
		if allowBack {
			rangePrompt += "|back|b"
		}
		if allowExit {
			rangePrompt += "|exit|e"
		}
		rangePrompt += "]"
		line, err := a.promptLine(rangePrompt)
		if err != nil {
			return 0, err
		}
		trimmed := strings.ToLower(strings.TrimSpace(line))
		if allowBack && (trimmed == "back" || trimmed == "b") {
			return 0, ErrNavigateBack
		}
		if allowExit && (trimmed == "exit" || trimmed == "e") {
			return 0, ErrNavigateExit
		}
		v, err := strconv.Atoi(trimmed)
		if err != nil || v < min || v > max {
			fmt.Fprintln(a.out, "Invalid selection.")
			continue
		}
		return v, nil
	}
}
