// Package messaging delivers outreach messages over a WhatsApp HTTP gateway.
package messaging

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/lead-pipeline/pkg/waha"
)

const defaultSession = "default"

// WAHA implements the pipeline transport over a WAHA gateway. Sends on
// the same session share a limiter so concurrent runs on one account still
// respect the minimum gap.
type WAHA struct {
	client  waha.Client
	poll    time.Duration
	minGap  time.Duration
	mu      sync.Mutex
	limiter map[string]*rate.Limiter
}

// NewWAHA creates a transport. minGap is the minimum spacing between sends
// on one session.
func NewWAHA(client waha.Client, minGap time.Duration) *WAHA {
	return &WAHA{
		client:  client,
		poll:    500 * time.Millisecond,
		minGap:  minGap,
		limiter: make(map[string]*rate.Limiter),
	}
}

// Open starts the account's session and returns its name. A session that
// is already running is reused.
func (w *WAHA) Open(ctx context.Context, account string) (string, error) {
	session := account
	if session == "" {
		session = defaultSession
	}

	if _, err := w.client.StartSession(ctx, session); err != nil {
		var apiErr *waha.APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnprocessableEntity {
			return "", eris.Wrap(err, "messaging: open session")
		}
		zap.L().Debug("messaging: session already started", zap.String("session", session))
	}
	return session, nil
}

// WaitReady polls the session until it is WORKING or timeout elapses.
func (w *WAHA) WaitReady(ctx context.Context, session string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		s, err := w.client.GetSession(ctx, session)
		if err == nil {
			switch s.Status {
			case waha.StatusWorking:
				return nil
			case waha.StatusFailed, waha.StatusStopped:
				return eris.Errorf("messaging: session %s is %s", session, s.Status)
			}
		}

		select {
		case <-ctx.Done():
			if err != nil {
				return eris.Wrapf(err, "messaging: session %s not ready", session)
			}
			return eris.Errorf("messaging: session %s not ready after %s (status %s)", session, timeout, s.Status)
		case <-ticker.C:
		}
	}
}

// Send delivers text to the recipient's phone number.
func (w *WAHA) Send(ctx context.Context, session, recipient, text string) error {
	chatID := waha.ChatID(recipient)
	if chatID == "" {
		return eris.Errorf("messaging: recipient %q has no phone digits", recipient)
	}
	if err := w.sessionLimiter(session).Wait(ctx); err != nil {
		return eris.Wrap(err, "messaging: pacing wait")
	}

	_, err := w.client.SendText(ctx, waha.SendTextRequest{Session: session, ChatID: chatID, Text: text})
	if err != nil {
		return eris.Wrap(err, "messaging: send")
	}
	return nil
}

// Close stops the session.
func (w *WAHA) Close(ctx context.Context, session string) error {
	if err := w.client.StopSession(ctx, session); err != nil {
		return eris.Wrap(err, "messaging: close session")
	}
	return nil
}

func (w *WAHA) sessionLimiter(session string) *rate.Limiter {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.limiter[session]
	if !ok {
		limit := rate.Inf
		if w.minGap > 0 {
			limit = rate.Every(w.minGap)
		}
		l = rate.NewLimiter(limit, 1)
		w.limiter[session] = l
	}
	return l
}
