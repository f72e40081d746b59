package digest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carwatch/internal/db"
)

type fakeNotifs struct {
	undigested map[uuid.UUID][]*db.Notification
	created    []*db.Notification
	entries    []*db.QueueEntry
	digested   []uuid.UUID
	listErr    error
	createErr  error
}

func (f *fakeNotifs) ListUndigestedInApp(ctx context.Context, userID uuid.UUID, since time.Time) ([]*db.Notification, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*db.Notification
	for _, n := range f.undigested[userID] {
		if n.CreatedAt.After(since) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeNotifs) CreateDigest(ctx context.Context, notif *db.Notification, entry *db.QueueEntry, digested []uuid.UUID) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, notif)
	f.entries = append(f.entries, entry)
	f.digested = append(f.digested, digested...)
	return nil
}

type fakePrefs struct {
	daily  []*db.Preferences
	weekly []*db.Preferences
	sent   map[uuid.UUID]time.Time
}

func (f *fakePrefs) ListForDigest(ctx context.Context, frequency string, now time.Time) ([]*db.Preferences, error) {
	if frequency == db.FrequencyWeekly {
		return f.weekly, nil
	}
	return f.daily, nil
}

func (f *fakePrefs) MarkDigestSent(ctx context.Context, userID uuid.UUID, at time.Time) error {
	if f.sent == nil {
		f.sent = make(map[uuid.UUID]time.Time)
	}
	f.sent[userID] = at
	return nil
}

func inAppNotif(userID uuid.UUID, title string, age time.Duration, now time.Time) *db.Notification {
	return &db.Notification{
		ID:        uuid.New(),
		UserID:    userID,
		Channel:   db.ChannelInApp,
		Title:     title,
		Body:      "body for " + title,
		Status:    db.StatusDelivered,
		CreatedAt: now.Add(-age),
	}
}

func TestRun_FoldsNotificationsIntoSingleDigest(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	userID := uuid.New()

	notifs := &fakeNotifs{undigested: map[uuid.UUID][]*db.Notification{
		userID: {
			inAppNotif(userID, "New match: Golf", 2*time.Hour, now),
			inAppNotif(userID, "New match: Passat", 4*time.Hour, now),
			inAppNotif(userID, "New match: Polo", 6*time.Hour, now),
		},
	}}
	prefs := &fakePrefs{daily: []*db.Preferences{{UserID: userID, InAppEnabled: true}}}

	b := New(notifs, prefs, zap.NewNop())

	built, err := b.Run(context.Background(), now)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if built != 1 {
		t.Fatalf("built = %d, want 1", built)
	}

	if len(notifs.created) != 1 {
		t.Fatalf("created = %d notifications", len(notifs.created))
	}
	digest := notifs.created[0]
	if digest.Title != "Daily digest: 3 new matches" {
		t.Fatalf("title = %q", digest.Title)
	}
	if digest.Priority != db.PriorityLow {
		t.Fatalf("priority = %d, want low", digest.Priority)
	}
	if digest.AlertID != nil || digest.ListingID != nil {
		t.Fatal("digest must not reference an alert or listing")
	}

	var items []digestItem
	if err := json.Unmarshal(digest.Payload, &items); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("payload items = %d", len(items))
	}

	if len(notifs.digested) != 3 {
		t.Fatalf("digested = %d ids", len(notifs.digested))
	}
	if _, ok := prefs.sent[userID]; !ok {
		t.Fatal("last digest timestamp should advance")
	}
}

func TestRun_EmptyDigestAdvancesWithoutNotification(t *testing.T) {
	now := time.Now().UTC()
	userID := uuid.New()

	notifs := &fakeNotifs{}
	prefs := &fakePrefs{daily: []*db.Preferences{{UserID: userID, InAppEnabled: true}}}

	b := New(notifs, prefs, zap.NewNop())

	built, err := b.Run(context.Background(), now)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if built != 0 {
		t.Fatalf("built = %d, want 0", built)
	}
	if len(notifs.created) != 0 {
		t.Fatal("no notification expected for an empty window")
	}
	if !prefs.sent[userID].Equal(now) {
		t.Fatal("empty digest must still advance last_digest_at")
	}
}

func TestRun_ChannelFollowsEmailPreference(t *testing.T) {
	now := time.Now().UTC()
	userID := uuid.New()
	addr := "user@example.com"

	notifs := &fakeNotifs{undigested: map[uuid.UUID][]*db.Notification{
		userID: {inAppNotif(userID, "New match: Golf", time.Hour, now)},
	}}
	prefs := &fakePrefs{daily: []*db.Preferences{{
		UserID:       userID,
		EmailEnabled: true,
		EmailAddress: &addr,
	}}}

	b := New(notifs, prefs, zap.NewNop())

	if _, err := b.Run(context.Background(), now); err != nil {
		t.Fatalf("run: %v", err)
	}
	if notifs.created[0].Channel != db.ChannelEmail {
		t.Fatalf("channel = %s, want email", notifs.created[0].Channel)
	}
}

func TestRun_WeeklyDigestUsesBulkPriority(t *testing.T) {
	now := time.Now().UTC()
	userID := uuid.New()

	notifs := &fakeNotifs{undigested: map[uuid.UUID][]*db.Notification{
		userID: {inAppNotif(userID, "New match: Golf", 3*24*time.Hour, now)},
	}}
	prefs := &fakePrefs{weekly: []*db.Preferences{{UserID: userID, InAppEnabled: true}}}

	b := New(notifs, prefs, zap.NewNop())

	built, err := b.Run(context.Background(), now)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if built != 1 {
		t.Fatalf("built = %d, want 1", built)
	}
	if notifs.created[0].Priority != db.PriorityBulk {
		t.Fatalf("priority = %d, want bulk", notifs.created[0].Priority)
	}
	if notifs.created[0].Title != "Weekly digest: 1 new match" {
		t.Fatalf("title = %q", notifs.created[0].Title)
	}
}

func TestRun_WindowStartsAtLastDigest(t *testing.T) {
	now := time.Now().UTC()
	userID := uuid.New()
	last := now.Add(-3 * time.Hour)

	// One notification inside the window, one before the last digest.
	notifs := &fakeNotifs{undigested: map[uuid.UUID][]*db.Notification{
		userID: {
			inAppNotif(userID, "fresh", time.Hour, now),
			inAppNotif(userID, "already seen", 5*time.Hour, now),
		},
	}}
	prefs := &fakePrefs{daily: []*db.Preferences{{
		UserID:       userID,
		InAppEnabled: true,
		LastDigestAt: &last,
	}}}

	b := New(notifs, prefs, zap.NewNop())

	if _, err := b.Run(context.Background(), now); err != nil {
		t.Fatalf("run: %v", err)
	}

	var items []digestItem
	if err := json.Unmarshal(notifs.created[0].Payload, &items); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if len(items) != 1 || items[0].Title != "fresh" {
		t.Fatalf("items = %+v", items)
	}
}

func TestRun_FailedWriteLeavesItemsUndigested(t *testing.T) {
	now := time.Now().UTC()
	userID := uuid.New()

	notifs := &fakeNotifs{
		undigested: map[uuid.UUID][]*db.Notification{
			userID: {inAppNotif(userID, "New match: Golf", time.Hour, now)},
		},
		createErr: errors.New("connection reset"),
	}
	prefs := &fakePrefs{daily: []*db.Preferences{{UserID: userID, InAppEnabled: true}}}

	b := New(notifs, prefs, zap.NewNop())

	built, err := b.Run(context.Background(), now)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if built != 0 {
		t.Fatalf("built = %d, want 0", built)
	}
	// The digest write is all-or-nothing: nothing digested, the window
	// not advanced, so the next run folds the same items again.
	if len(notifs.digested) != 0 {
		t.Fatalf("digested = %d ids, want 0", len(notifs.digested))
	}
	if _, ok := prefs.sent[userID]; ok {
		t.Fatal("failed digest must not advance last_digest_at")
	}
}

func TestRun_UserFailureDoesNotBlockOthers(t *testing.T) {
	now := time.Now().UTC()
	broken := uuid.New()
	healthy := uuid.New()

	notifs := &fakeNotifs{
		undigested: map[uuid.UUID][]*db.Notification{
			healthy: {inAppNotif(healthy, "New match: Golf", time.Hour, now)},
		},
	}
	// First user's listing fails, second should still get a digest.
	callCount := 0
	flaky := &flakyNotifs{inner: notifs, failFirst: &callCount}

	prefs := &fakePrefs{daily: []*db.Preferences{
		{UserID: broken, InAppEnabled: true},
		{UserID: healthy, InAppEnabled: true},
	}}

	b := New(flaky, prefs, zap.NewNop())

	built, err := b.Run(context.Background(), now)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if built != 1 {
		t.Fatalf("built = %d, want 1", built)
	}
}

type flakyNotifs struct {
	inner     *fakeNotifs
	failFirst *int
}

func (f *flakyNotifs) ListUndigestedInApp(ctx context.Context, userID uuid.UUID, since time.Time) ([]*db.Notification, error) {
	*f.failFirst++
	if *f.failFirst == 1 {
		return nil, errors.New("connection reset")
	}
	return f.inner.ListUndigestedInApp(ctx, userID, since)
}

func (f *flakyNotifs) CreateDigest(ctx context.Context, notif *db.Notification, entry *db.QueueEntry, digested []uuid.UUID) error {
	return f.inner.CreateDigest(ctx, notif, entry, digested)
}
