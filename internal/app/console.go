package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/MrWong99/voxfolio/internal/voice"
)

const consoleHelp = "commands: start, end, retry, quit"

// runConsole reads one command per line. It returns errQuit on quit and nil
// when the input ends or ctx is cancelled.
func (a *App) runConsole(ctx context.Context) error {
	lines := make(chan string)
	// The scanner cannot be interrupted; it exits with the process or at EOF.
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(a.consoleIn)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	a.printf("%s\n", consoleHelp)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			cmd := strings.ToLower(strings.TrimSpace(line))
			switch cmd {
			case "":
			case "quit", "exit":
				return errQuit
			case "help", "?":
				a.printf("%s\n", consoleHelp)
			default:
				if err := a.dispatch(ctx, cmd); err != nil {
					slog.Debug("console command failed", "command", cmd, "err", err)
					a.printf("error: %v\n", err)
				}
			}
		}
	}
}

func (a *App) printf(format string, args ...any) {
	if a.consoleOut != nil {
		fmt.Fprintf(a.consoleOut, format, args...)
	}
}

// printEvent writes a one-line description of ev.
func printEvent(w io.Writer, info SessionInfo, ev voice.Event) {
	switch ev.Kind {
	case voice.EventConnectingStarted:
		fmt.Fprintf(w, "[%s] connecting to %s...\n", info.ID, info.Persona)
	case voice.EventConnected:
		fmt.Fprintf(w, "[%s] connected, start talking\n", info.ID)
	case voice.EventTurnCompleted:
		fmt.Fprintf(w, "[%s] %s finished speaking\n", info.ID, info.Persona)
	case voice.EventTranscript:
		fmt.Fprintf(w, "[%s] %s: %s\n", info.ID, ev.Role, ev.Text)
	case voice.EventConnectionError:
		fmt.Fprintf(w, "[%s] %s (type retry to try again)\n", info.ID, ev.Err.Message())
	case voice.EventClosed:
		fmt.Fprintf(w, "[%s] session ended\n", info.ID)
	}
}
