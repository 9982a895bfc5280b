package alert

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/newrelic/nr-itam-sync/internal/model"
	"github.com/newrelic/nr-itam-sync/internal/store"
	"github.com/newrelic/nr-itam-sync/pkg/interop"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeMailer struct {
	mu    sync.Mutex
	err   error
	sent  []string
	to    [][]string
	delay time.Duration
}

func (f *fakeMailer) Send(ctx context.Context, to []string, subject, body string) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, subject+"\n"+body)
	f.to = append(f.to, to)
	return nil
}

func (f *fakeMailer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestTightestRising(t *testing.T) {
	th := Thresholds{Levels: []float64{85, 90, 95}, Direction: Rising}

	tests := []struct {
		value    float64
		level    float64
		severity Severity
		ok       bool
	}{
		{value: 50, ok: false},
		{value: 85, level: 85, severity: SeverityNotice, ok: true},
		{value: 91, level: 90, severity: SeverityWarning, ok: true},
		{value: 95, level: 95, severity: SeverityCritical, ok: true},
		{value: 130, level: 95, severity: SeverityCritical, ok: true},
	}

	for _, tt := range tests {
		level, index, ok := th.Tightest(tt.value)
		assert.Equal(t, tt.ok, ok, "value %v", tt.value)
		if tt.ok {
			assert.Equal(t, tt.level, level, "value %v", tt.value)
			assert.Equal(t, tt.severity, th.Severity(index), "value %v", tt.value)
		}
	}
}

func TestTightestFalling(t *testing.T) {
	th := Thresholds{Levels: []float64{7, 30, 60}, Direction: Falling}

	level, index, ok := th.Tightest(20)
	require.True(t, ok)
	assert.Equal(t, float64(30), level)
	assert.Equal(t, SeverityWarning, th.Severity(index))

	level, index, ok = th.Tightest(-3)
	require.True(t, ok)
	assert.Equal(t, float64(7), level)
	assert.Equal(t, SeverityCritical, th.Severity(index))

	_, _, ok = th.Tightest(61)
	assert.False(t, ok)
}

func TestThresholdsValidate(t *testing.T) {
	assert.NoError(t, Thresholds{Levels: []float64{1, 2}, Direction: Rising}.Validate())
	assert.Error(t, Thresholds{Levels: []float64{2, 1}, Direction: Rising}.Validate())
	assert.Error(t, Thresholds{Levels: []float64{1, 1}, Direction: Falling}.Validate())
	assert.Error(t, Thresholds{Direction: Rising}.Validate())
	assert.Error(t, Thresholds{Levels: []float64{1}, Direction: "sideways"}.Validate())
}

func TestEvaluateQuota(t *testing.T) {
	th := Thresholds{Levels: []float64{85, 90, 95}, Direction: Rising}

	candidates := EvaluateQuota([]model.Record{
		{NaturalKey: "a@x.test", Fields: map[string]interface{}{"used_bytes": 91, "quota_bytes": 100}},
		{NaturalKey: "b@x.test", Fields: map[string]interface{}{"used_bytes": 50, "quota_bytes": 100}},
		{NaturalKey: "c@x.test", Fields: map[string]interface{}{"used_bytes": 500, "quota_bytes": 0}},
		{NaturalKey: "d@x.test", Fields: map[string]interface{}{"used_bytes": 99.0, "quota_bytes": "100"}},
	}, th)

	require.Len(t, candidates, 2)
	assert.Equal(t, "a@x.test", candidates[0].SubjectID)
	assert.Equal(t, float64(90), candidates[0].Threshold)
	assert.Equal(t, SeverityWarning, candidates[0].Severity)
	assert.Equal(t, TypeQuota, candidates[0].Type)
	assert.Equal(t, float64(95), candidates[1].Threshold)
}

func TestEvaluateExpiry(t *testing.T) {
	th := Thresholds{Levels: []float64{7, 30, 60}, Direction: Falling}

	candidates := EvaluateExpiry([]model.ExpiringItem{
		{ID: "l1", Kind: TypeLicense, Name: "Office", ExpiresAt: testNow.Add(-48 * time.Hour)},
		{ID: "l2", Kind: TypeLicense, Name: "CAD", ExpiresAt: testNow.Add(20 * 24 * time.Hour)},
		{ID: "l3", Kind: TypeLicense, Name: "Antivirus", ExpiresAt: testNow.Add(90 * 24 * time.Hour)},
		// later the same calendar day
		{ID: "l4", Kind: TypeLicense, Name: "VPN", ExpiresAt: testNow.Add(10 * time.Hour)},
	}, th, testNow)

	require.Len(t, candidates, 3)
	assert.Equal(t, float64(-2), candidates[0].Value)
	assert.Contains(t, candidates[0].Message, "expired 2 days ago")
	assert.Equal(t, SeverityCritical, candidates[0].Severity)
	assert.Equal(t, float64(30), candidates[1].Threshold)
	assert.Equal(t, "l4", candidates[2].SubjectID)
	assert.Contains(t, candidates[2].Message, "today")
}

func TestEvaluateStaleness(t *testing.T) {
	th := Thresholds{Levels: []float64{24, 72, 168}, Direction: Rising}

	candidates := EvaluateStaleness([]model.Ticket{
		{ID: "t1", Status: model.TicketStatusOpen, UpdatedAt: testNow.Add(-80 * time.Hour)},
		{ID: "t2", Status: model.TicketStatusOpen, UpdatedAt: testNow.Add(-time.Hour)},
		{ID: "t3", Status: model.TicketStatusResolved, UpdatedAt: testNow.Add(-500 * time.Hour)},
	}, th, testNow)

	require.Len(t, candidates, 1)
	assert.Equal(t, "t1", candidates[0].SubjectID)
	assert.Equal(t, float64(72), candidates[0].Threshold)
	assert.Equal(t, float64(80), candidates[0].Value)
}

func TestShouldRaiseWindow(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	d := NewDeduplicator(s, nil)

	now := testNow
	d.now = func() time.Time { return now }

	c := Candidate{Type: TypeQuota, SubjectID: "a@x.test", Severity: SeverityWarning, Message: "91%"}

	raised, err := d.ShouldRaise(ctx, c, 4*time.Hour)
	require.NoError(t, err)
	assert.True(t, raised)

	now = testNow.Add(3 * time.Hour)
	raised, err = d.ShouldRaise(ctx, c, 4*time.Hour)
	require.NoError(t, err)
	assert.False(t, raised)
	assert.Len(t, s.Notifications(), 1)

	now = testNow.Add(5 * time.Hour)
	raised, err = d.ShouldRaise(ctx, c, 4*time.Hour)
	require.NoError(t, err)
	assert.True(t, raised)
	assert.Len(t, s.Notifications(), 2)

	other := c
	other.SubjectID = "b@x.test"
	raised, err = d.ShouldRaise(ctx, other, 4*time.Hour)
	require.NoError(t, err)
	assert.True(t, raised)
}

func TestShouldRaiseIsSerialised(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	d := NewDeduplicator(s, nil)
	c := Candidate{Type: TypeLicense, SubjectID: "l1"}

	var wg sync.WaitGroup
	for n := 0; n < 20; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = d.Raise(ctx, c)
		}()
	}
	wg.Wait()

	assert.Len(t, s.Notifications(), 1)
}

func TestDefaultWindows(t *testing.T) {
	d := NewDeduplicator(store.NewMemoryStore(), map[string]time.Duration{TypeQuota: time.Hour})

	assert.Equal(t, time.Hour, d.Window(TypeQuota))
	assert.Equal(t, 72*time.Hour, d.Window(TypeLicense))
	assert.Equal(t, 24*time.Hour, d.Window(TypeTicketStale))
}

func TestUnconfiguredTypeUsesFallbackWindow(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	d := NewDeduplicator(s, map[string]time.Duration{TypeQuota: 0})

	assert.Equal(t, fallbackWindow, d.Window("domain"))
	assert.Equal(t, fallbackWindow, d.Window(TypeQuota))

	now := testNow
	d.now = func() time.Time { return now }
	c := Candidate{Type: "domain", SubjectID: "example.com"}

	raised, err := d.Raise(ctx, c)
	require.NoError(t, err)
	assert.True(t, raised)

	now = testNow.Add(5 * time.Minute)
	raised, err = d.Raise(ctx, c)
	require.NoError(t, err)
	assert.False(t, raised)

	assert.Len(t, s.Notifications(), 1)
}

func TestEvaluatorSuppressesExtraExpiryKind(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	s.SeedExpiringItems(model.ExpiringItem{ID: "d1", Kind: "domain", Name: "example.com", ExpiresAt: testNow.Add(10 * 24 * time.Hour)})

	i := interop.NewTestInterop()
	i.Config = configViper(t, "alerts:\n  enabled: true\n  expiryLevels:\n    domain: [14, 30]\n")

	e := NewEvaluator(i, s, nil)
	require.NoError(t, e.Validate())

	for n := 0; n < 3; n++ {
		now := testNow.Add(time.Duration(n) * 5 * time.Minute)
		e.now = func() time.Time { return now }
		e.dedupe.now = e.now
		require.NoError(t, e.Run(ctx))
	}

	notifications := s.Notifications()
	require.Len(t, notifications, 1)
	assert.Equal(t, "domain", notifications[0].Type)
}

func newTestDelivery(s store.DeliveryStore, m Mailer, now *time.Time) *Delivery {
	d := NewDelivery(s, m, DeliveryOptions{
		Recipients: []string{"it@example.com"},
		Logger:     interop.NewTestInterop().Logger,
	})
	d.now = func() time.Time { return *now }
	return d
}

func TestDeliveryRateLimit(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	m := &fakeMailer{}
	now := testNow
	d := newTestDelivery(s, m, &now)

	raised := []Candidate{{Type: TypeQuota, Severity: SeverityWarning, Message: "mailbox a is at 91%"}}

	sent, err := d.Deliver(ctx, nil)
	require.NoError(t, err)
	assert.False(t, sent)

	sent, err = d.Deliver(ctx, raised)
	require.NoError(t, err)
	assert.True(t, sent)

	now = testNow.Add(5 * time.Hour)
	sent, err = d.Deliver(ctx, raised)
	require.NoError(t, err)
	assert.False(t, sent)

	now = testNow.Add(6 * time.Hour)
	sent, err = d.Deliver(ctx, raised)
	require.NoError(t, err)
	assert.True(t, sent)

	assert.Equal(t, 2, m.count())
	assert.Len(t, s.Deliveries(), 2)
}

func TestFailedSendDoesNotConsumeSlot(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	m := &fakeMailer{err: errors.New("421 service not available")}
	now := testNow
	d := newTestDelivery(s, m, &now)

	raised := []Candidate{{Type: TypeLicense, Message: "license Office expires in 5 days"}}

	sent, err := d.Deliver(ctx, raised)
	assert.Error(t, err)
	assert.False(t, sent)
	assert.Empty(t, s.Deliveries())

	m.err = nil
	now = testNow.Add(time.Minute)
	sent, err = d.Deliver(ctx, raised)
	require.NoError(t, err)
	assert.True(t, sent)
}

func TestDeliveryTimeout(t *testing.T) {
	s := store.NewMemoryStore()
	m := &fakeMailer{delay: time.Second}
	d := NewDelivery(s, m, DeliveryOptions{
		Recipients: []string{"it@example.com"},
		Timeout:    10 * time.Millisecond,
		Logger:     interop.NewTestInterop().Logger,
	})

	_, err := d.Deliver(context.Background(), []Candidate{{Message: "x"}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, s.Deliveries())
}

func TestDigestOrdersBySeverity(t *testing.T) {
	subject, body := digest([]Candidate{
		{Severity: SeverityNotice, Message: "n"},
		{Severity: SeverityCritical, Message: "c"},
		{Severity: SeverityWarning, Message: "w"},
	})

	assert.Equal(t, "[IT assets] 3 new alerts", subject)
	assert.Equal(t, "[critical] c\n[warning] w\n[notice] n\n", body)
}

func configViper(t *testing.T, doc string) *viper.Viper {
	t.Helper()
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(doc)))
	return v
}

func TestLoadConfig(t *testing.T) {
	c, err := LoadConfig(configViper(t, `
alerts:
  enabled: true
  interval: 30m
  quotaLevels: [80, 90]
  expiryLevels:
    license: [14, 45]
  windows:
    quota: 2h
  recipients: [it@example.com]
`))
	require.NoError(t, err)

	assert.True(t, c.Enabled)
	assert.Equal(t, 30*time.Minute, c.Interval)
	assert.Equal(t, []float64{80, 90}, c.QuotaLevels)
	assert.Equal(t, []float64{14, 45}, c.ExpiryLevels[TypeLicense])
	assert.Equal(t, []float64{7, 30, 60}, c.ExpiryLevels[TypeWarranty])
	assert.Equal(t, []float64{24, 72, 168}, c.StaleLevels)
	assert.Equal(t, 2*time.Hour, c.Windows[TypeQuota])
	assert.Equal(t, defaultMinInterval, c.MinInterval)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	docs := []string{
		"alerts:\n  quotaLevels: [95, 90, 85]\n",
		"alerts:\n  expiryLevels:\n    certificate: [30, 30]\n",
		"alerts:\n  recipients: [not-an-address]\n",
		"alerts:\n  windows:\n    quota: -1h\n",
	}

	for _, doc := range docs {
		_, err := LoadConfig(configViper(t, doc))
		assert.Error(t, err, doc)
	}
}

func TestMailConfig(t *testing.T) {
	c, err := MailConfigFromViper(viper.New())
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = MailConfigFromViper(configViper(t, "mail:\n  host: smtp.example.com\n  from: itam@example.com\n"))
	require.NoError(t, err)
	assert.Equal(t, 587, c.Port)

	_, err = MailConfigFromViper(configViper(t, "mail:\n  host: smtp.example.com\n"))
	assert.Error(t, err)
}

func TestEvaluatorRun(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	_, _, err := s.Upsert(ctx, model.Record{
		Kind:       "mailbox",
		NaturalKey: "a@x.test",
		Fields:     map[string]interface{}{"used_bytes": 91, "quota_bytes": 100},
	})
	require.NoError(t, err)
	s.SeedExpiringItems(model.ExpiringItem{ID: "c1", Kind: TypeCertificate, Name: "vpn.example.com", ExpiresAt: testNow.Add(48 * time.Hour)})
	s.SeedTickets(model.Ticket{ID: "t1", Status: model.TicketStatusOpen, UpdatedAt: testNow.Add(-30 * time.Hour)})

	i := interop.NewTestInterop()
	i.Config = configViper(t, "alerts:\n  enabled: true\n  recipients: [it@example.com]\n")

	m := &fakeMailer{}
	e := NewEvaluator(i, s, m)
	e.now = func() time.Time { return testNow }
	e.dedupe.now = e.now
	e.delivery.now = e.now

	require.NoError(t, e.Validate())
	assert.True(t, e.Enabled())
	assert.Equal(t, time.Hour, e.Interval())

	require.NoError(t, e.Run(ctx))
	assert.Len(t, s.Notifications(), 3)
	assert.Equal(t, 1, m.count())

	// second pass inside every window: nothing new, nothing sent
	require.NoError(t, e.Run(ctx))
	assert.Len(t, s.Notifications(), 3)
	assert.Equal(t, 1, m.count())
}

func TestEvaluatorNotConfigured(t *testing.T) {
	i := interop.NewTestInterop()
	i.Config = configViper(t, "alerts:\n  enabled: true\n  staleLevels: [10, 5]\n")

	e := NewEvaluator(i, store.NewMemoryStore(), nil)
	assert.Error(t, e.Validate())
	assert.Error(t, e.Run(context.Background()))
}
