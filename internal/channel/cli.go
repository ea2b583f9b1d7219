package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"genaichat/internal/conversation"
	"genaichat/internal/domain"
)

const cliSessionKey = "cli:local"

// CLI implements domain.Channel for interactive terminal chat.
type CLI struct {
	sessions *conversation.Registry
	logger   *slog.Logger
	in       io.Reader
	out      io.Writer
	spinner  bool

	lastShown int64

	thinking  bool
	thinkMu   sync.Mutex
	thinkStop chan struct{}
	thinkDone chan struct{}
}

type CLIConfig struct {
	Sessions *conversation.Registry
	Logger   *slog.Logger
	In       io.Reader
	Out      io.Writer
	Spinner  bool // animate while waiting for a reply
}

var (
	userColor      = color.New(color.FgCyan, color.Bold)
	assistantColor = color.New(color.FgGreen)
	documentColor  = color.New(color.FgYellow)
	noticeColor    = color.New(color.FgHiBlack)
)

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	return &CLI{
		sessions: cfg.Sessions,
		logger:   cfg.Logger,
		in:       cfg.In,
		out:      cfg.Out,
		spinner:  cfg.Spinner,
	}
}

func (c *CLI) Name() string { return "cli" }

// Start runs the interactive REPL and blocks until EOF, /quit or ctx ends.
func (c *CLI) Start(ctx context.Context) error {
	conv, err := c.sessions.Mount(cliSessionKey)
	if err != nil {
		return fmt.Errorf("mount cli session: %w", err)
	}
	defer c.sessions.Unmount(cliSessionKey)

	noticeColor.Fprintln(c.out, "Gemini chat. Type a message and press Enter. Commands: /upload <file.pdf>, /clear, /quit")
	c.prompt()

	scanner := bufio.NewScanner(c.in)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return err
			}
			return nil // EOF
		}

		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit" || line == "/exit" || line == "/q":
			c.logger.Info("user requested quit")
			return nil
		case line == "/clear":
			if conv.ClearDocument() {
				noticeColor.Fprintln(c.out, "Document context cleared.")
			} else {
				noticeColor.Fprintln(c.out, "No document loaded.")
			}
		case strings.HasPrefix(line, "/upload"):
			c.upload(ctx, conv, strings.TrimSpace(strings.TrimPrefix(line, "/upload")))
		default:
			conv.SetInput(line)
			if !conv.HandleKey(conversation.KeyEnter) {
				noticeColor.Fprintln(c.out, "Still waiting for the previous reply.")
				break
			}
			c.await(ctx, conv)
		}
		c.prompt()
	}
}

func (c *CLI) upload(ctx context.Context, conv *conversation.Controller, path string) {
	if path == "" {
		noticeColor.Fprintln(c.out, "Usage: /upload <file.pdf>")
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		noticeColor.Fprintf(c.out, "Cannot read %s: %v\n", path, err)
		return
	}
	if _, ok := conv.Upload(data, filepath.Base(path), detectMIME(mime.TypeByExtension(filepath.Ext(path)), data)); !ok {
		return
	}
	c.await(ctx, conv)
}

// await blocks until background work settles, then prints what is new.
func (c *CLI) await(ctx context.Context, conv *conversation.Controller) {
	c.startThinking()
	conv.WaitIdle(ctx)
	c.stopThinking()
	c.printNew(conv.Messages())
}

// printNew prints messages not shown yet. The user's own lines are not echoed.
func (c *CLI) printNew(msgs []domain.Message) {
	for _, m := range msgs {
		if m.ID <= c.lastShown {
			continue
		}
		c.lastShown = m.ID
		switch m.Sender {
		case domain.SenderUser:
		case domain.SenderDocument:
			documentColor.Fprintln(c.out, m.Content)
		default:
			assistantColor.Fprint(c.out, "Gemini> ")
			fmt.Fprintln(c.out, m.Content)
		}
	}
}

func (c *CLI) prompt() {
	userColor.Fprint(c.out, "You> ")
}

func (c *CLI) startThinking() {
	if !c.spinner {
		return
	}
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if c.thinking {
		return
	}
	c.thinking = true
	c.thinkStop = make(chan struct{})
	c.thinkDone = make(chan struct{})
	go func(stop, done chan struct{}) {
		defer close(done)
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		i := 0
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				fmt.Fprint(c.out, "\r\033[K")
				return
			case <-ticker.C:
				fmt.Fprintf(c.out, "\r%s Typing...", frames[i%len(frames)])
				i++
			}
		}
	}(c.thinkStop, c.thinkDone)
}

func (c *CLI) stopThinking() {
	c.thinkMu.Lock()
	if !c.thinking {
		c.thinkMu.Unlock()
		return
	}
	c.thinking = false
	close(c.thinkStop)
	done := c.thinkDone
	c.thinkMu.Unlock()
	<-done
}

// Stop is a no-op for CLI (we exit when Start returns).
func (c *CLI) Stop() error { return nil }
