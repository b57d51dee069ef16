package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	appconfig "walletwatch/config"
	"walletwatch/internal/engine"
	"walletwatch/internal/metrics"
	"walletwatch/internal/rules"
	"walletwatch/models"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func alert(wallet string, tier models.Tier, usd float64, id string) models.Alert {
	ev := models.Event{
		ID:            id,
		WalletAddress: wallet,
		AssetSymbol:   "ETH",
		Action:        models.ActionFill,
		Side:          models.SideBuy,
		Quantity:      1,
		Price:         usd,
		USDValue:      usd,
		Timestamp:     t0,
	}
	g := models.NewGroup(ev, t0).Seal(t0)
	return models.Alert{ID: models.AlertID(g), Group: g, Tier: tier, CreatedAt: t0}
}

type recordingSender struct {
	base
	mu   sync.Mutex
	got  []Notification
	errs []error
}

func newRecordingSender(name string, minTier models.Tier, cooldown time.Duration) *recordingSender {
	return &recordingSender{base: base{name: name, minTier: minTier, cooldown: cooldown}}
}

func (s *recordingSender) Send(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return err
	}
	s.got = append(s.got, n)
	return nil
}

func (s *recordingSender) notifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.got...)
}

func runDispatcher(t *testing.T, senders []Sender, opts Options, alerts ...models.Alert) *Dispatcher {
	t.Helper()
	if opts.Now == nil {
		opts.Now = func() time.Time { return t0 }
	}
	d := NewDispatcher(senders, opts)
	ch := make(chan models.Alert, len(alerts))
	for _, a := range alerts {
		ch <- a
	}
	close(ch)
	if err := d.Run(context.Background(), ch); err != nil {
		t.Fatalf("run: %v", err)
	}
	return d
}

func TestDispatcherDeliversToEverySender(t *testing.T) {
	a := newRecordingSender("a", models.TierNotable, 0)
	b := newRecordingSender("b", models.TierNotable, 0)
	counters := metrics.NewCounters()

	d := runDispatcher(t, []Sender{a, b}, Options{Workers: 2, QueueSize: 8, Counters: counters},
		alert("0xaaa", models.TierMedium, 50_000, "1"))

	if len(a.notifications()) != 1 || len(b.notifications()) != 1 {
		t.Fatalf("expected one notification per sender, got %d and %d", len(a.notifications()), len(b.notifications()))
	}
	if counters.Get(metrics.AlertsDelivered) != 2 || d.Stats().Delivered != 2 {
		t.Fatalf("unexpected delivery counters: %v", counters.Snapshot())
	}
}

func TestDispatcherRespectsMinTier(t *testing.T) {
	low := newRecordingSender("low", models.TierNotable, 0)
	high := newRecordingSender("high", models.TierWhale, 0)

	runDispatcher(t, []Sender{low, high}, Options{QueueSize: 8},
		alert("0xaaa", models.TierLarge, 500_000, "1"),
		alert("0xbbb", models.TierWhale, 2_000_000, "2"))

	if len(low.notifications()) != 2 {
		t.Fatalf("low sender expected 2, got %d", len(low.notifications()))
	}
	got := high.notifications()
	if len(got) != 1 || got[0].Latest().Tier != models.TierWhale {
		t.Fatalf("high sender should only see the whale alert, got %d", len(got))
	}
}

func TestDispatcherRoutesByRules(t *testing.T) {
	telegram := newRecordingSender("telegram", models.TierNotable, 0)
	discord := newRecordingSender("discord", models.TierNotable, 0)
	set, err := rules.Compile([]appconfig.RuleConfig{
		{Name: "big_eth", Match: "all", Channels: []string{"telegram"}, Conditions: []appconfig.ConditionConfig{
			{Type: "coin_match", Value: "ETH"}, {Type: "volume_above", Value: "100000"},
		}},
		{Name: "tracked", Conditions: []appconfig.ConditionConfig{{Type: "wallet_match", Value: "0xbbb"}}},
	})
	if err != nil {
		t.Fatal(err)
	}

	d := runDispatcher(t, []Sender{telegram, discord}, Options{QueueSize: 8, Rules: set},
		alert("0xaaa", models.TierMedium, 50_000, "1"),
		alert("0xaaa", models.TierLarge, 150_000, "2"),
		alert("0xbbb", models.TierMedium, 50_000, "3"))

	if got := len(telegram.notifications()); got != 2 {
		t.Fatalf("telegram expected 2 notifications, got %d", got)
	}
	got := discord.notifications()
	if len(got) != 1 || got[0].Latest().Group.Key.Wallet != "0xbbb" {
		t.Fatalf("discord should only see the tracked wallet, got %d", len(got))
	}
	if st := d.Stats(); st.Unmatched != 1 || st.Delivered != 3 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestDispatcherDeduplicatesAlertIDs(t *testing.T) {
	s := newRecordingSender("s", models.TierNotable, 0)
	a := alert("0xaaa", models.TierMedium, 50_000, "1")

	runDispatcher(t, []Sender{s}, Options{QueueSize: 8, DedupTTL: time.Minute}, a, a)

	if got := len(s.notifications()); got != 1 {
		t.Fatalf("expected redelivered alert to be ignored, got %d sends", got)
	}
}

func TestDispatcherBatchesThrottledAlerts(t *testing.T) {
	s := newRecordingSender("s", models.TierNotable, 45*time.Second)

	runDispatcher(t, []Sender{s}, Options{QueueSize: 8},
		alert("0xaaa", models.TierMedium, 50_000, "1"),
		alert("0xaaa", models.TierLarge, 150_000, "2"),
		alert("0xaaa", models.TierMedium, 20_000, "3"),
		alert("0xbbb", models.TierMedium, 20_000, "4"))

	got := s.notifications()
	if len(got) != 3 {
		t.Fatalf("expected 3 notifications, got %d", len(got))
	}
	var batch *Notification
	for i := range got {
		if len(got[i].Alerts) == 2 {
			batch = &got[i]
		}
	}
	if batch == nil {
		t.Fatal("held alerts were not delivered as one batch on drain")
	}
	if batch.Tier() != models.TierLarge {
		t.Fatalf("batch tier should be the highest held tier, got %s", batch.Tier())
	}
}

func TestDispatcherRetriesRetryableErrors(t *testing.T) {
	s := newRecordingSender("s", models.TierNotable, 0)
	s.errs = []error{
		&models.DispatchError{Channel: "s", Retryable: true, Err: errors.New("503")},
	}
	counters := metrics.NewCounters()

	runDispatcher(t, []Sender{s}, Options{QueueSize: 8, Counters: counters, Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}},
		alert("0xaaa", models.TierMedium, 50_000, "1"))

	if len(s.notifications()) != 1 || counters.Get(metrics.DispatchFailures) != 0 {
		t.Fatalf("expected delivery after retry, failures=%d", counters.Get(metrics.DispatchFailures))
	}
}

func TestDispatcherDoesNotRetryFatalErrors(t *testing.T) {
	s := newRecordingSender("s", models.TierNotable, 0)
	s.errs = []error{
		&models.DispatchError{Channel: "s", Retryable: false, Err: errors.New("400")},
	}
	counters := metrics.NewCounters()

	d := runDispatcher(t, []Sender{s}, Options{QueueSize: 8, Counters: counters, Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}},
		alert("0xaaa", models.TierMedium, 50_000, "1"))

	if len(s.notifications()) != 0 || counters.Get(metrics.DispatchFailures) != 1 || d.Stats().Failed != 1 {
		t.Fatalf("expected a single failed attempt, got %v", counters.Snapshot())
	}
}

func TestDispatcherStopsOnContextCancel(t *testing.T) {
	s := newRecordingSender("s", models.TierNotable, 0)
	d := NewDispatcher([]Sender{s}, Options{QueueSize: 8})
	ch := make(chan models.Alert, 1)
	ch <- alert("0xaaa", models.TierMedium, 50_000, "1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		d.Run(ctx, ch)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after cancellation")
	}
	if len(s.notifications()) != 1 {
		t.Fatal("buffered alert should be delivered while draining")
	}
}

type slowSender struct {
	*recordingSender
	delay time.Duration
}

func (s *slowSender) Send(ctx context.Context, n Notification) error {
	time.Sleep(s.delay)
	return s.recordingSender.Send(ctx, n)
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDispatcherDrainWaitsForHeldBatches(t *testing.T) {
	s := &slowSender{recordingSender: newRecordingSender("slow", models.TierNotable, time.Hour), delay: 20 * time.Millisecond}
	d := NewDispatcher([]Sender{s}, Options{
		Workers:       1,
		QueueSize:     2,
		FlushInterval: time.Hour,
		Now:           func() time.Time { return t0 },
	})
	ch := make(chan models.Alert)
	done := make(chan struct{})
	go func() {
		d.Run(context.Background(), ch)
		close(done)
	}()

	for i := 0; i < 5; i++ {
		ch <- alert(fmt.Sprintf("0x%03d", i), models.TierMedium, 50_000, fmt.Sprintf("first-%d", i))
		want := i + 1
		waitUntil(t, func() bool { return len(s.notifications()) == want })
	}
	for i := 0; i < 5; i++ {
		ch <- alert(fmt.Sprintf("0x%03d", i), models.TierMedium, 60_000, fmt.Sprintf("held-%d", i))
	}
	waitUntil(t, func() bool { return d.Stats().Held == 5 })
	close(ch)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not finish draining")
	}
	if got := len(s.notifications()); got != 10 {
		t.Fatalf("expected every held batch delivered, got %d notifications", got)
	}
	if stats := d.Stats(); stats.Dropped != 0 || stats.Held != 0 {
		t.Fatalf("unexpected stats after drain: %+v", stats)
	}
}

func TestWithRetryBackoffCapped(t *testing.T) {
	var waits []time.Duration
	calls := 0
	err := withRetry(context.Background(), RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		OnRetry:     func(_ int, wait time.Duration, _ error) { waits = append(waits, wait) },
	}, func(context.Context) error {
		calls++
		return &models.DispatchError{Retryable: true, Err: errors.New("busy")}
	})
	if err == nil || calls != 4 {
		t.Fatalf("expected 4 attempts and an error, got %d %v", calls, err)
	}
	want := []time.Duration{time.Millisecond, 2 * time.Millisecond, 2 * time.Millisecond}
	for i, w := range want {
		if waits[i] != w {
			t.Fatalf("wait %d = %v, want %v", i, waits[i], w)
		}
	}
}

func TestDeduperEvicts(t *testing.T) {
	d := newDeduper(time.Minute)
	if d.seenOrAdd("x", t0) {
		t.Fatal("first sighting reported as seen")
	}
	if !d.seenOrAdd("x", t0.Add(30*time.Second)) {
		t.Fatal("id inside ttl not reported as seen")
	}
	d.evict(t0.Add(2 * time.Minute))
	if d.len() != 0 {
		t.Fatalf("expected eviction, %d left", d.len())
	}
	if d.seenOrAdd("x", t0.Add(2*time.Minute)) {
		t.Fatal("expired id reported as seen")
	}
}

func TestThrottleReleasesAfterCooldown(t *testing.T) {
	th := newThrottle(45 * time.Second)
	a1 := alert("0xaaa", models.TierMedium, 50_000, "1")
	a2 := alert("0xaaa", models.TierMedium, 60_000, "2")

	if got := th.offer(a1, t0); len(got) != 1 {
		t.Fatalf("first alert should pass, got %d", len(got))
	}
	if got := th.offer(a2, t0.Add(time.Second)); got != nil {
		t.Fatal("second alert inside cooldown should be held")
	}
	if due := th.due(t0.Add(10 * time.Second)); len(due) != 0 {
		t.Fatal("nothing should be due before the cooldown elapses")
	}
	due := th.due(t0.Add(46 * time.Second))
	if len(due) != 1 || len(due[0]) != 1 || due[0][0].ID != a2.ID {
		t.Fatalf("held alert not released: %v", due)
	}
	if th.held() != 0 {
		t.Fatal("held count not cleared")
	}
}

func TestNotificationBatchRendering(t *testing.T) {
	n := Notification{Alerts: []models.Alert{
		alert("0x1234567890abcdef1234567890abcdef12345678", models.TierMedium, 50_000, "1"),
		alert("0x1234567890abcdef1234567890abcdef12345678", models.TierLarge, 150_000, "2"),
	}}
	md := n.Render(engine.PlatformMarkdown)
	for _, want := range []string{"Summary: 2 alerts from 0x1234...5678", "• 2x fill on ETH ($200.00K)", "Total Value: $200.00K", "Latest Alert"} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
	if n.Subject() != "LARGE 2 alerts 0x1234...5678" {
		t.Fatalf("unexpected subject %q", n.Subject())
	}
}

func TestDiscordSender(t *testing.T) {
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s, err := NewDiscordSender(appconfig.DiscordConfig{WebhookURL: srv.URL + "/api/webhooks/1/secret"}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Send(context.Background(), Notification{Alerts: []models.Alert{alert("0xaaa", models.TierMedium, 50_000, "1")}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(body["content"], "⚡ MEDIUM") {
		t.Fatalf("unexpected content %q", body["content"])
	}
}

func TestHTTPSenderClassifiesStatus(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
	}
	for _, c := range cases {
		t.Run(fmt.Sprint(c.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", c.status)
			}))
			defer srv.Close()

			s, err := NewWebhookSender(appconfig.WebhookConfig{URL: srv.URL}, time.Second)
			if err != nil {
				t.Fatal(err)
			}
			err = s.Send(context.Background(), Notification{Alerts: []models.Alert{alert("0xaaa", models.TierMedium, 50_000, "1")}})
			var de *models.DispatchError
			if !errors.As(err, &de) {
				t.Fatalf("expected DispatchError, got %v", err)
			}
			if de.Retryable != c.retryable || de.Channel != "webhook" {
				t.Fatalf("status %d: retryable=%v channel=%s", c.status, de.Retryable, de.Channel)
			}
		})
	}
}

func TestWebhookEnvelope(t *testing.T) {
	var env WebhookEnvelope
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&env)
	}))
	defer srv.Close()

	s, err := NewWebhookSender(appconfig.WebhookConfig{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer t"}}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	a := alert("0xaaa", models.TierLarge, 150_000, "1")
	if err := s.Send(context.Background(), Notification{Alerts: []models.Alert{a}}); err != nil {
		t.Fatal(err)
	}
	if env.Type != "walletwatch.alert" || env.SchemaVersion != "1" || env.ID != a.ID || env.BatchSize != 1 {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if env.Alert.Tier != models.TierLarge || auth != "Bearer t" {
		t.Fatalf("unexpected alert or headers: tier=%s auth=%q", env.Alert.Tier, auth)
	}
}

func TestTelegramSender(t *testing.T) {
	var path string
	var msg telegramMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&msg)
	}))
	defer srv.Close()

	s, err := NewTelegramSender(appconfig.TelegramConfig{BotToken: "123:abc", ChatID: "-100", APIURL: srv.URL}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Send(context.Background(), Notification{Alerts: []models.Alert{alert("0xaaa", models.TierMedium, 50_000, "1")}}); err != nil {
		t.Fatal(err)
	}
	if path != "/bot123:abc/sendMessage" || msg.ChatID != "-100" || msg.Text == "" {
		t.Fatalf("unexpected request: path=%s msg=%+v", path, msg)
	}
}

func TestEmailSender(t *testing.T) {
	s, err := NewEmailSender(appconfig.EmailConfig{Host: "smtp.example.com", From: "alerts@example.com", To: []string{"ops@example.com"}})
	if err != nil {
		t.Fatal(err)
	}
	var calls atomic.Int32
	var sent string
	var addr string
	s.sendMail = func(a string, _ smtp.Auth, from string, to []string, msg []byte) error {
		calls.Add(1)
		addr = a
		sent = string(msg)
		return nil
	}
	if err := s.Send(context.Background(), Notification{Alerts: []models.Alert{alert("0xaaa", models.TierWhale, 2_000_000, "1")}}); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 || addr != "smtp.example.com:587" {
		t.Fatalf("unexpected smtp call: %d %s", calls.Load(), addr)
	}
	if !strings.Contains(sent, "Subject: WalletWatch Alert: WHALE 0xaaa ETH $2.00M") || !strings.Contains(sent, "text/html") {
		t.Fatalf("unexpected message:\n%s", sent)
	}
}

func TestSenderConfigValidation(t *testing.T) {
	if _, err := NewDiscordSender(appconfig.DiscordConfig{WebhookURL: "ftp://x"}, 0); err == nil {
		t.Fatal("expected error for non-http url")
	}
	_, err := NewWebhookSender(appconfig.WebhookConfig{SenderConfig: appconfig.SenderConfig{MinTier: "huge"}, URL: "http://x"}, 0)
	var ce *models.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if got := RedactURL("https://discord.com/api/webhooks/1/secret"); got != "https://discord.com/..." {
		t.Fatalf("unexpected redaction %q", got)
	}
}
