package notificator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"testing"

	"github.com/go-telegram/bot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-coin/solvere/pkg/logger"
)

type fakeTelegram struct {
	panics bool
	sent   []string
}

func (f *fakeTelegram) SendNotification(ctx context.Context, chatID, message string) error {
	if f.panics {
		panic("telegram down")
	}
	f.sent = append(f.sent, chatID+"|"+message)
	return nil
}

type fakeEmail struct {
	err  error
	sent []string
}

func (f *fakeEmail) SendNotification(to, subject, message string) error {
	f.sent = append(f.sent, to+"|"+subject)
	return f.err
}

func TestAlertFansOutToChannels(t *testing.T) {
	tg, mail := &fakeTelegram{}, &fakeEmail{}
	n := &Notificator{logger: logger.NewNop(), telegram: tg, telegramChatID: "42", email: mail, alertEmail: "ops@example.com"}

	n.Alert(context.Background(), "Payout failed", "payout p1 failed")

	assert.Equal(t, []string{"42|Payout failed\n\npayout p1 failed"}, tg.sent)
	assert.Equal(t, []string{"ops@example.com|Payout failed"}, mail.sent)
}

func TestAlertSurvivesChannelFailures(t *testing.T) {
	tg, mail := &fakeTelegram{panics: true}, &fakeEmail{err: errors.New("smtp refused")}
	n := &Notificator{logger: logger.NewNop(), telegram: tg, telegramChatID: "42", email: mail, alertEmail: "ops@example.com"}

	assert.NotPanics(t, func() { n.Alert(context.Background(), "s", "m") })
	assert.Len(t, mail.sent, 1)
}

func TestNewNotificatorSkipsUnconfiguredChannels(t *testing.T) {
	n := NewNotificator(logger.NewNop(), nil, "42", NewEmailNotificator(logger.NewNop(), "smtp.example.com", 587, "u", "p", "alerts@example.com"), "")
	assert.Nil(t, n.telegram)
	assert.Nil(t, n.email)
	assert.NotPanics(t, func() { n.Alert(context.Background(), "s", "m") })
}

func TestEmailNotificatorFormatsMessage(t *testing.T) {
	e := NewEmailNotificator(logger.NewNop(), "smtp.example.com", 2525, "user", "secret", "alerts@example.com")
	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	e.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		return nil
	}

	require.NoError(t, e.SendNotification("ops@example.com", "Reconciliation mismatch", "body"))
	assert.Equal(t, "smtp.example.com:2525", gotAddr)
	assert.Equal(t, []string{"ops@example.com"}, gotTo)
	assert.True(t, strings.HasPrefix(gotMsg, "From: alerts@example.com\r\nTo: ops@example.com\r\n"))
	assert.Contains(t, gotMsg, "Subject: [solvere] Reconciliation mismatch\r\n\r\nbody")

	e.sendMail = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("refused") }
	assert.ErrorContains(t, e.SendNotification("ops@example.com", "s", "m"), "refused")
}

func TestTelegramNotificatorSendsMessage(t *testing.T) {
	var (
		mu      sync.Mutex
		methods []string
		texts   []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		methods = append(methods, method)
		w.Header().Set("Content-Type", "application/json")
		switch method {
		case "getMe":
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"solvere","username":"solvere_bot"}}`))
		case "sendMessage":
			texts = append(texts, r.FormValue("text"))
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`))
		default:
			_, _ = w.Write([]byte(`{"ok":true,"result":[]}`))
		}
	}))
	defer srv.Close()

	tg, err := NewTelegramNotificator(logger.NewNop(), "123:token", bot.WithServerURL(srv.URL))
	require.NoError(t, err)
	require.NoError(t, tg.SendNotification(context.Background(), "42", "hello"))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, methods, "sendMessage")
	assert.Equal(t, []string{"hello"}, texts)
}
