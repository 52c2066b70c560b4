package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/capitalize-ai/sessionsync/internal/middleware"
	"github.com/capitalize-ai/sessionsync/internal/model"
	"github.com/capitalize-ai/sessionsync/internal/synchronizer"
)

var (
	chatTitle string
	chatAgent string
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatTitle, "title", "", "title for a new session")
	chatCmd.Flags().StringVar(&chatAgent, "agent", "", "agent for a new session")
}

var chatCmd = &cobra.Command{
	Use:   "chat [session-id]",
	Short: "Open a session, or start a new one, and chat interactively",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runChat,
}

// chatUI serializes terminal output from the prompt loop and the poller.
type chatUI struct {
	mu         sync.Mutex
	out        io.Writer
	transcript *transcript
}

func (u *chatUI) render(sess *synchronizer.Session) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, line := range u.transcript.update(sess.Messages()) {
		fmt.Fprintf(u.out, "\r%s\n", line)
	}
}

func (u *chatUI) printf(format string, args ...any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	fmt.Fprintf(u.out, "\r"+format+"\n", args...)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ui := &chatUI{out: os.Stdout, transcript: newTranscript()}
	var syncer *synchronizer.Synchronizer
	syncer, err := newSynchronizer(synchronizer.Options{
		OnChange: func(string) {
			if sess, ok := syncer.Current(); ok {
				ui.render(sess)
			}
		},
		OnError: func(key string, err error) {
			log.Debug("background refresh failed", zap.String("session", key), zap.Error(err))
			ui.printf("! %v", err)
		},
	})
	if err != nil {
		return err
	}

	var sess *synchronizer.Session
	if len(args) == 1 {
		if err := middleware.ValidateSessionID(args[0]); err != nil {
			return err
		}
		sess = syncer.Open(args[0])
		if err := sess.Refresh(ctx); err != nil {
			return fmt.Errorf("load session: %w", err)
		}
	} else {
		sess = syncer.OpenDraft(model.DraftSession{Title: chatTitle, AgentID: chatAgent})
		ui.printf("New session; it is created when you send the first message.")
	}
	ui.render(sess)

	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		_ = syncer.Run(ctx)
	}()
	defer func() {
		stop()
		<-pollDone
	}()

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	for ctx.Err() == nil {
		input, err := line.Prompt("> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		c, err := parseLine(input)
		if err != nil {
			ui.printf("! %v", err)
			continue
		}
		if c.kind == cmdQuit {
			return nil
		}
		if err := execute(ctx, ui, sess, c); err != nil {
			ui.printf("! %s", describe(err))
		}
		if id, ok := sess.ID(); ok && len(args) == 0 {
			args = []string{id}
			ui.printf("Session %s", id)
		}
	}
	return nil
}

func execute(ctx context.Context, ui *chatUI, sess *synchronizer.Session, c command) error {
	switch c.kind {
	case cmdSend:
		return sess.Send(ctx, c.text)
	case cmdResend:
		return sess.Resend(ctx, c.index, c.text, c.confirmed)
	case cmdRegenerate:
		return sess.Regenerate(ctx, c.index)
	case cmdRefresh:
		return sess.Refresh(ctx)
	case cmdHistory:
		ui.mu.Lock()
		printMessages(ui.out, sess.Messages())
		ui.mu.Unlock()
	case cmdHelp:
		ui.printf("%s", helpText)
	}
	return nil
}

// describe turns synchronizer errors into prompts for the user.
func describe(err error) string {
	switch {
	case errors.Is(err, synchronizer.ErrConfirmationRequired):
		return "later messages will be discarded; repeat with /resend N --yes text"
	case errors.Is(err, synchronizer.ErrSessionClosed):
		return "the session was closed before the request finished"
	default:
		return err.Error()
	}
}
