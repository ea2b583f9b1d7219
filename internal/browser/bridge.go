// Package browser drives a Chrome profile that is signed in to the Gemini web
// app, for deployments without an API key.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/chromedp"
)

const (
	userAgent      = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	defaultTimeout = 120 * time.Second
	pollInterval   = time.Second
)

// Bridge runs one Chrome instance per exchange against a persistent profile.
type Bridge struct {
	profileDir string
	headless   bool
	timeout    time.Duration
	logger     *slog.Logger
}

type BridgeConfig struct {
	ProfileDir string // Chrome user data directory; keeps the login cookies
	Headless   bool
	Timeout    time.Duration // per exchange
	Logger     *slog.Logger
}

func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.ProfileDir == "" {
		home, _ := os.UserHomeDir()
		cfg.ProfileDir = filepath.Join(home, ".genaichat", "chrome-profile")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bridge{
		profileDir: cfg.ProfileDir,
		headless:   cfg.Headless,
		timeout:    cfg.Timeout,
		logger:     cfg.Logger,
	}
}

func (b *Bridge) ProfileDir() string { return b.profileDir }

func (b *Bridge) allocatorOptions(headless bool) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(b.profileDir),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.UserAgent(userAgent),
	)
	if headless {
		return append(opts, chromedp.Headless)
	}
	return append(opts, chromedp.Flag("headless", false))
}

// newContext starts Chrome with the bridge's profile. The caller must call
// the returned cancel func.
func (b *Bridge) newContext(parent context.Context, headless bool) (context.Context, context.CancelFunc, error) {
	if err := os.MkdirAll(b.profileDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("create profile dir %s: %w", b.profileDir, err)
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, b.allocatorOptions(headless)...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	return taskCtx, func() {
		taskCancel()
		allocCancel()
	}, nil
}

// Login opens a visible browser on url so the user can sign in. It returns
// when ctx is cancelled; the session stays in the profile directory.
func (b *Bridge) Login(ctx context.Context, url string) error {
	b.logger.Info("opening browser for login", "url", url, "profile", b.profileDir)

	taskCtx, cancel, err := b.newContext(ctx, false)
	if err != nil {
		return err
	}
	defer cancel()

	if err := chromedp.Run(taskCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate to login page: %w", err)
	}

	b.logger.Info("browser opened, sign in and press Ctrl+C when done")
	<-ctx.Done()

	b.logger.Info("login session saved", "profile", b.profileDir)
	return nil
}

// SendAndReceive types message into the chat page described by sel and
// returns the text of the last response block once the page stops loading.
func (b *Bridge) SendAndReceive(ctx context.Context, sel SelectorSet, message string) (string, error) {
	taskCtx, cancel, err := b.newContext(ctx, b.headless)
	if err != nil {
		return "", err
	}
	defer cancel()

	taskCtx, timeoutCancel := context.WithTimeout(taskCtx, b.timeout)
	defer timeoutCancel()

	err = chromedp.Run(taskCtx,
		chromedp.Navigate(sel.URL),
		chromedp.WaitReady("body"),
		chromedp.WaitVisible(sel.Input, chromedp.ByQuery),
		chromedp.Click(sel.Input, chromedp.ByQuery),
		chromedp.SendKeys(sel.Input, message, chromedp.ByQuery),
		chromedp.Sleep(300*time.Millisecond),
		chromedp.Click(sel.Submit, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}

	if err := b.waitIdle(taskCtx, sel.Loading); err != nil {
		return "", err
	}

	var response string
	if err := chromedp.Run(taskCtx, chromedp.Evaluate(lastTextScript(sel.Response), &response)); err != nil {
		return "", fmt.Errorf("extract response: %w", err)
	}
	return response, nil
}

// waitIdle polls until no element matches the loading selector.
func (b *Bridge) waitIdle(ctx context.Context, loading string) error {
	check := fmt.Sprintf(`document.querySelector(%s) !== null`, quoteJS(loading))
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for response: %w", ctx.Err())
		case <-ticker.C:
		}
		var busy bool
		if err := chromedp.Run(ctx, chromedp.Evaluate(check, &busy)); err != nil {
			return fmt.Errorf("poll loading indicator: %w", err)
		}
		if !busy {
			b.logger.Debug("response complete")
			return nil
		}
	}
}

func lastTextScript(selector string) string {
	return fmt.Sprintf(`(function() {
	var els = document.querySelectorAll(%s);
	if (els.length === 0) return '';
	var last = els[els.length - 1];
	return last.innerText || last.textContent || '';
})()`, quoteJS(selector))
}

// quoteJS renders s as a JavaScript string literal.
func quoteJS(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// SelectorSet holds the CSS selectors of a chat web page.
type SelectorSet struct {
	URL      string
	Input    string
	Submit   string
	Response string
	Loading  string
}

// GeminiSelectors returns the selectors of gemini.google.com.
func GeminiSelectors() SelectorSet {
	return SelectorSet{
		URL:      "https://gemini.google.com/app",
		Input:    ".ql-editor",
		Submit:   ".send-button",
		Response: ".response-content",
		Loading:  ".loading-indicator",
	}
}

// WithOverrides returns a copy of s with any non-empty entries of m applied.
// Keys: url, input, submit, response, loading.
func (s SelectorSet) WithOverrides(m map[string]string) SelectorSet {
	for key, dst := range map[string]*string{
		"url":      &s.URL,
		"input":    &s.Input,
		"submit":   &s.Submit,
		"response": &s.Response,
		"loading":  &s.Loading,
	} {
		if v := m[key]; v != "" {
			*dst = v
		}
	}
	return s
}
