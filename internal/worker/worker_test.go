package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carwatch/internal/db"
)

type fakeQueue struct {
	entries   []*db.QueueEntry
	completed []uuid.UUID
	failed    map[uuid.UUID]struct {
		msg      string
		terminal bool
	}
}

func newFakeQueue(entries ...*db.QueueEntry) *fakeQueue {
	return &fakeQueue{
		entries: entries,
		failed: make(map[uuid.UUID]struct {
			msg      string
			terminal bool
		}),
	}
}

func (q *fakeQueue) ClaimBatch(ctx context.Context, workerID string, maxItems int) ([]*db.QueueEntry, error) {
	if len(q.entries) > maxItems {
		return q.entries[:maxItems], nil
	}
	return q.entries, nil
}

func (q *fakeQueue) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	q.completed = append(q.completed, id)
	return nil
}

func (q *fakeQueue) MarkFailed(ctx context.Context, id uuid.UUID, errorMsg string, terminal bool, maxRetries int) error {
	q.failed[id] = struct {
		msg      string
		terminal bool
	}{errorMsg, terminal}
	return nil
}

type fakeNotifs struct {
	byID        map[uuid.UUID]*db.Notification
	transitions []string
}

func newFakeNotifs(notifs ...*db.Notification) *fakeNotifs {
	m := make(map[uuid.UUID]*db.Notification, len(notifs))
	for _, n := range notifs {
		m[n.ID] = n
	}
	return &fakeNotifs{byID: m}
}

func (f *fakeNotifs) Get(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	n, ok := f.byID[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return n, nil
}

func (f *fakeNotifs) UpdateStatus(ctx context.Context, id uuid.UUID, from, to string, errorMsg *string) error {
	n, ok := f.byID[id]
	if !ok || n.Status != from {
		return fmt.Errorf("notification %s not in status %q", id, from)
	}
	n.Status = to
	f.transitions = append(f.transitions, from+"->"+to)
	return nil
}

type fakePrefs struct {
	byUser map[uuid.UUID]*db.Preferences
}

func (f *fakePrefs) Get(ctx context.Context, userID uuid.UUID) (*db.Preferences, error) {
	if p, ok := f.byUser[userID]; ok {
		return p, nil
	}
	return db.DefaultPreferences(userID), nil
}

type recordingSender struct {
	err  error
	sent []*db.Notification
}

func (s *recordingSender) Send(ctx context.Context, notif *db.Notification, prefs *db.Preferences, content *Content) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, notif)
	return nil
}

func (s *recordingSender) SupportsChannel(channel string) bool { return true }

func queuedPair(channel string) (*db.Notification, *db.QueueEntry) {
	notif := &db.Notification{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		Channel:   channel,
		Title:     "New match: Volkswagen Golf (2019)",
		Body:      "Volkswagen Golf, 2019, 62000 km, 18500 EUR, Berlin",
		Status:    db.StatusQueued,
		CreatedAt: time.Now().Add(-time.Minute),
	}
	entry := &db.QueueEntry{
		ID:             uuid.New(),
		NotificationID: notif.ID,
		Priority:       db.PriorityNormal,
		Status:         db.QueueStatusProcessing,
	}
	return notif, entry
}

func newTestWorker(q QueueStore, n NotificationStore, p PreferencesStore, s Sender) *Worker {
	renderer, _ := NewTemplateRenderer()
	return New(q, n, p, s, renderer, Config{WorkerID: "test-worker"}, zap.NewNop())
}

func TestDrainOnce_DeliversInApp(t *testing.T) {
	notif, entry := queuedPair(db.ChannelInApp)
	queue := newFakeQueue(entry)
	notifs := newFakeNotifs(notif)
	sender := &recordingSender{}

	w := newTestWorker(queue, notifs, &fakePrefs{}, sender)

	n, err := w.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 1 {
		t.Fatalf("claimed = %d", n)
	}

	if len(sender.sent) != 1 {
		t.Fatalf("sent = %d", len(sender.sent))
	}
	if notif.Status != db.StatusDelivered {
		t.Fatalf("status = %s, want delivered", notif.Status)
	}
	if len(queue.completed) != 1 || queue.completed[0] != entry.ID {
		t.Fatalf("completed = %v", queue.completed)
	}
}

func TestDrainOnce_EmailMarkedSentNotDelivered(t *testing.T) {
	notif, entry := queuedPair(db.ChannelEmail)
	addr := "user@example.com"
	prefs := &fakePrefs{byUser: map[uuid.UUID]*db.Preferences{
		notif.UserID: {UserID: notif.UserID, EmailEnabled: true, EmailAddress: &addr},
	}}

	queue := newFakeQueue(entry)
	notifs := newFakeNotifs(notif)
	w := newTestWorker(queue, notifs, prefs, &recordingSender{})

	if _, err := w.DrainOnce(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if notif.Status != db.StatusSent {
		t.Fatalf("status = %s, want sent", notif.Status)
	}
}

func TestDrainOnce_ChannelDisabledSkips(t *testing.T) {
	notif, entry := queuedPair(db.ChannelEmail)
	// Default preferences enable in-app only.
	queue := newFakeQueue(entry)
	notifs := newFakeNotifs(notif)
	sender := &recordingSender{}

	w := newTestWorker(queue, notifs, &fakePrefs{}, sender)

	if _, err := w.DrainOnce(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if len(sender.sent) != 0 {
		t.Fatal("disabled channel must not send")
	}
	if notif.Status != db.StatusSkipped {
		t.Fatalf("status = %s, want skipped", notif.Status)
	}
	if len(queue.completed) != 1 {
		t.Fatal("skipped entry must complete")
	}
}

func TestDrainOnce_QuietHoursSkipEmailNotInApp(t *testing.T) {
	hour := time.Now().UTC().Hour()
	addr := "user@example.com"

	emailNotif, emailEntry := queuedPair(db.ChannelEmail)
	inAppNotif, inAppEntry := queuedPair(db.ChannelInApp)
	inAppNotif.UserID = emailNotif.UserID

	// Quiet window covering the current hour.
	prefs := &fakePrefs{byUser: map[uuid.UUID]*db.Preferences{
		emailNotif.UserID: {
			UserID:          emailNotif.UserID,
			EmailEnabled:    true,
			EmailAddress:    &addr,
			InAppEnabled:    true,
			QuietHoursStart: hour,
			QuietHoursEnd:   (hour + 2) % 24,
		},
	}}

	queue := newFakeQueue(emailEntry, inAppEntry)
	notifs := newFakeNotifs(emailNotif, inAppNotif)
	sender := &recordingSender{}

	w := newTestWorker(queue, notifs, prefs, sender)

	if _, err := w.DrainOnce(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if emailNotif.Status != db.StatusSkipped {
		t.Fatalf("email status = %s, want skipped", emailNotif.Status)
	}
	if inAppNotif.Status != db.StatusDelivered {
		t.Fatalf("in-app status = %s, want delivered", inAppNotif.Status)
	}
}

func TestDrainOnce_TransientFailureKeepsRetryable(t *testing.T) {
	notif, entry := queuedPair(db.ChannelInApp)
	queue := newFakeQueue(entry)
	notifs := newFakeNotifs(notif)
	sender := &recordingSender{err: errors.New("redis timeout")}

	w := newTestWorker(queue, notifs, &fakePrefs{}, sender)

	if _, err := w.DrainOnce(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	rec, ok := queue.failed[entry.ID]
	if !ok {
		t.Fatal("entry not marked failed")
	}
	if rec.terminal {
		t.Fatal("transient failure must stay retryable")
	}
	if notif.Status != db.StatusFailed {
		t.Fatalf("status = %s, want failed", notif.Status)
	}
}

func TestDrainOnce_PermanentFailureGoesTerminal(t *testing.T) {
	notif, entry := queuedPair(db.ChannelInApp)
	queue := newFakeQueue(entry)
	notifs := newFakeNotifs(notif)
	sender := &recordingSender{err: fmt.Errorf("%w: no recipient", ErrPermanent)}

	w := newTestWorker(queue, notifs, &fakePrefs{}, sender)

	if _, err := w.DrainOnce(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	rec, ok := queue.failed[entry.ID]
	if !ok {
		t.Fatal("entry not marked failed")
	}
	if !rec.terminal {
		t.Fatal("permanent failure must be terminal")
	}
}

func TestDrainOnce_RetriedNotificationRedelivers(t *testing.T) {
	// After a retry sweep the entry is reclaimed while the notification
	// row still says failed.
	notif, entry := queuedPair(db.ChannelInApp)
	notif.Status = db.StatusFailed

	queue := newFakeQueue(entry)
	notifs := newFakeNotifs(notif)
	sender := &recordingSender{}

	w := newTestWorker(queue, notifs, &fakePrefs{}, sender)

	if _, err := w.DrainOnce(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if notif.Status != db.StatusDelivered {
		t.Fatalf("status = %s, want delivered", notif.Status)
	}
}

func TestMultiSender_RoutesByChannel(t *testing.T) {
	email := &channelSender{channel: db.ChannelEmail}
	push := &channelSender{channel: db.ChannelPush}
	multi := NewMultiSender(zap.NewNop(), email, push)

	notif := &db.Notification{ID: uuid.New(), Channel: db.ChannelPush}
	if err := multi.Send(context.Background(), notif, &db.Preferences{}, &Content{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if email.calls != 0 || push.calls != 1 {
		t.Fatalf("email=%d push=%d", email.calls, push.calls)
	}
}

func TestMultiSender_NoSenderIsPermanent(t *testing.T) {
	multi := NewMultiSender(zap.NewNop(), &channelSender{channel: db.ChannelEmail})

	notif := &db.Notification{ID: uuid.New(), Channel: db.ChannelPush}
	err := multi.Send(context.Background(), notif, &db.Preferences{}, &Content{})
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("expected permanent error, got: %v", err)
	}
}

type channelSender struct {
	channel string
	calls   int
}

func (s *channelSender) Send(ctx context.Context, notif *db.Notification, prefs *db.Preferences, content *Content) error {
	s.calls++
	return nil
}

func (s *channelSender) SupportsChannel(channel string) bool { return channel == s.channel }
