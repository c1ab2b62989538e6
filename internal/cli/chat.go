package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"

	"github.com/PipeOpsHQ/qoe-assistant/display"
	"github.com/PipeOpsHQ/qoe-assistant/session"
)

const chatPrompt = "> "

type lineReader interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
	Close() error
}

type linerReader struct {
	*liner.State
	historyFile string
}

func newLinerReader(historyFile string) *linerReader {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	r := &linerReader{State: line, historyFile: historyFile}
	if f, err := os.Open(historyFile); err == nil {
		_, _ = line.ReadHistory(f)
		f.Close()
	}
	return r
}

func (r *linerReader) Close() error {
	if err := os.MkdirAll(filepath.Dir(r.historyFile), 0o700); err == nil {
		if f, err := os.OpenFile(r.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err == nil {
			_, _ = r.WriteHistory(f)
			f.Close()
		}
	}
	return r.State.Close()
}

func (a *app) runChat(ctx context.Context, rt *runtime, sessionID string) error {
	historyFile := filepath.Join(filepath.Dir(a.cfg.State.SQLitePath), "chat_history")
	reader := newLinerReader(historyFile)
	defer reader.Close()
	return a.chatLoop(ctx, rt, reader, sessionID)
}

// chatLoop reads lines until EOF, an abort or /exit. Slash commands:
// /reset starts a new session, /history replays the current one, /session
// prints its id.
func (a *app) chatLoop(ctx context.Context, rt *runtime, reader lineReader, sessionID string) error {
	renderer := display.New(a.out)
	if sessionID == "" {
		sessionID = session.NewID()
		renderer.Greet()
	} else {
		history, err := rt.agent.History(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("load session %s: %w", sessionID, err)
		}
		renderer.Replay(history)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		input, err := reader.Prompt(chatPrompt)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(a.out)
				return nil
			}
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		reader.AppendHistory(input)

		switch strings.ToLower(input) {
		case "/exit", "/quit":
			return nil
		case "/reset":
			sessionID = session.NewID()
			renderer.Reset()
			continue
		case "/history":
			history, err := rt.agent.History(ctx, sessionID)
			if err != nil {
				a.log.WithError(err).Error("load history failed")
				continue
			}
			renderer.Replay(history)
			continue
		case "/session":
			fmt.Fprintln(a.out, sessionID)
			continue
		}

		if _, err := rt.agent.Turn(ctx, sessionID, input, renderer.HandleEvent); err != nil {
			a.log.WithError(err).WithField("session_id", sessionID).Error("turn failed")
		}
	}
}
