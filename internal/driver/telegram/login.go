package telegram

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gotd/td/session"
	gotdtelegram "github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
)

// errLoginRequired marks authentication failures that reconnecting cannot fix.
var errLoginRequired = errors.New("telegram login required")

func newGotdSessionStorage(path string) (*session.FileStorage, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("empty session file path")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve session file path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o700); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}

	return &session.FileStorage{Path: absPath}, nil
}

// sessionClient is the part of *telegram.Client the session runner drives.
type sessionClient interface {
	Run(ctx context.Context, fn func(ctx context.Context) error) error
}

// sessionRunner keeps one gotd session connected, logging in before each
// callback and reconnecting with backoff when the connection drops.
type sessionRunner struct {
	client     sessionClient
	login      func(ctx context.Context) error
	logger     *slog.Logger
	newBackOff func() backoff.BackOff
}

var _ GotdUserbotClient = sessionRunner{}

func newSessionRunner(client sessionClient, login func(context.Context) error, logger *slog.Logger) sessionRunner {
	return sessionRunner{
		client: client,
		login:  login,
		logger: logger,
		newBackOff: func() backoff.BackOff {
			policy := backoff.NewExponentialBackOff()
			policy.InitialInterval = time.Second
			policy.MaxInterval = time.Minute
			policy.MaxElapsedTime = 0
			return policy
		},
	}
}

// Run returns when ctx ends, when fn fails, or when login cannot proceed.
func (r sessionRunner) Run(ctx context.Context, fn func(runCtx context.Context) error) error {
	if r.client == nil || r.login == nil || fn == nil {
		return fmt.Errorf("run telegram session: incomplete runner")
	}

	connect := func() error {
		var callbackErr error
		err := r.client.Run(ctx, func(runCtx context.Context) error {
			if err := r.login(runCtx); err != nil {
				return fmt.Errorf("%w: %w", errLoginRequired, err)
			}
			callbackErr = fn(runCtx)
			return callbackErr
		})
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil, errors.Is(err, errLoginRequired), callbackErr != nil:
			return backoff.Permanent(err)
		default:
			return err
		}
	}
	notify := func(err error, wait time.Duration) {
		r.logger.WarnContext(ctx, "telegram session dropped; reconnecting", "error", err, "retry_in", wait)
	}

	if err := backoff.RetryNotify(connect, backoff.WithContext(r.newBackOff(), ctx), notify); err != nil {
		return fmt.Errorf("run telegram session: %w", err)
	}

	return nil
}

// loginFlow restores a stored session or runs the phone/code/password flow.
type loginFlow struct {
	cfg    loginConfig
	client *gotdtelegram.Client
	self   *SelfStore
	logger *slog.Logger
	prompt func(configured string) (string, error)
}

func (f loginFlow) run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.authTimeout)
	defer cancel()

	status, err := f.client.Auth().Status(ctx)
	if err != nil {
		return fmt.Errorf("check auth status: %w", err)
	}
	if status.Authorized {
		f.self.Remember(status.User)
		f.logger.InfoContext(ctx, "telegram session restored", "session_file", f.cfg.sessionFile)
		return nil
	}
	if f.cfg.phone == "" {
		return fmt.Errorf("phone is required for a first login")
	}

	codes := auth.CodeAuthenticatorFunc(func(context.Context, *tg.AuthSentCode) (string, error) {
		return f.prompt(f.cfg.code)
	})
	var user auth.UserAuthenticator = auth.CodeOnly(f.cfg.phone, codes)
	if f.cfg.password != "" {
		user = auth.Constant(f.cfg.phone, f.cfg.password, codes)
	}

	if err := f.client.Auth().IfNecessary(ctx, auth.NewFlow(user, auth.SendCodeOptions{})); err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	me, err := f.client.Self(ctx)
	if err != nil {
		return fmt.Errorf("load self after sign in: %w", err)
	}
	f.self.Remember(me)
	f.logger.InfoContext(ctx, "telegram signed in", "user_id", me.ID, "session_file", f.cfg.sessionFile)

	return nil
}

// telegramAuthCode returns the configured code, or reads one from an
// interactive terminal.
func telegramAuthCode(configured string) (string, error) {
	if code := strings.TrimSpace(configured); code != "" {
		return code, nil
	}

	info, err := os.Stdin.Stat()
	if err != nil {
		return "", fmt.Errorf("stat stdin: %w", err)
	}
	if info.Mode()&os.ModeCharDevice == 0 {
		return "", fmt.Errorf("no login code configured and stdin is not a terminal")
	}

	fmt.Fprint(os.Stdout, "Telegram login code: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read login code: %w", err)
	}
	if code := strings.TrimSpace(line); code != "" {
		return code, nil
	}

	return "", fmt.Errorf("empty login code")
}
