package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/dripline/internal/model"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

// newTestDB opens a migrated SQLite database in a temp dir
func newTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "test.db"), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.Migrate(context.Background()))
	return db
}

func seedStep(t *testing.T, db *DB, tenantID string, number int, delay string) (*model.Sequence, *model.Step) {
	t.Helper()
	ctx := context.Background()
	seqs := NewSequenceRepository(db)

	seq, err := seqs.Upsert(ctx, model.SequenceSpec{TenantID: tenantID, Enabled: true}, t0)
	require.NoError(t, err)

	step := &model.Step{
		ID: uuid.New().String(), SequenceID: seq.ID, StepNumber: number,
		Body: fmt.Sprintf("step %d", number), Delay: delay, Active: true,
		CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, seqs.CreateStep(ctx, step))
	return seq, step
}

func enroll(t *testing.T, db *DB, seq *model.Sequence, recipientID string, dueAts map[string]time.Time) *model.Enrollment {
	t.Helper()
	e := &model.Enrollment{
		ID: uuid.New().String(), TenantID: seq.TenantID, RecipientID: recipientID,
		SequenceID: seq.ID, AnchorAt: t0, CreatedAt: t0,
	}
	jobs := []model.ScheduledJob{}
	for stepID, due := range dueAts {
		jobs = append(jobs, model.ScheduledJob{
			ID: uuid.New().String(), TenantID: seq.TenantID, RecipientID: recipientID,
			StepID: stepID, DueAt: due, Status: model.JobPending, CreatedAt: t0,
		})
	}
	_, err := NewJobRepository(db).Enroll(context.Background(), e, jobs)
	require.NoError(t, err)
	return e
}

func TestCreateStepDuplicateNumber(t *testing.T) {
	db := newTestDB(t)
	seq, _ := seedStep(t, db, "t1", 1, "0")

	dup := &model.Step{ID: uuid.New().String(), SequenceID: seq.ID, StepNumber: 1, Delay: "1", CreatedAt: t0, UpdatedAt: t0}
	err := NewSequenceRepository(db).CreateStep(context.Background(), dup)
	require.Error(t, err)
	assert.True(t, model.IsValidation(err), "got %v", err)
}

func TestSequenceUpsertOnePerTenant(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seqs := NewSequenceRepository(db)

	first, err := seqs.Upsert(ctx, model.SequenceSpec{TenantID: "t1", Enabled: true, Actor: "alice"}, t0)
	require.NoError(t, err)
	second, err := seqs.Upsert(ctx, model.SequenceSpec{TenantID: "t1", Enabled: false, Actor: "bob"}, t0.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.False(t, second.Enabled)
	assert.Equal(t, "alice", second.CreatedBy)
	assert.Equal(t, "bob", second.UpdatedBy)
}

func TestClaimDueOrdering(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	jobs := NewJobRepository(db)

	seq, s1 := seedStep(t, db, "t1", 1, "0")
	_, s2 := seedStep(t, db, "t1", 2, "2")
	_, s3 := seedStep(t, db, "t1", 3, "24")

	enroll(t, db, seq, "r1", map[string]time.Time{
		s1.ID: t0.Add(30 * time.Minute),
		s2.ID: t0.Add(2 * time.Hour),
		s3.ID: t0.Add(24 * time.Hour),
	})
	enroll(t, db, seq, "r2", map[string]time.Time{
		s1.ID: t0,
		s2.ID: t0.Add(time.Hour),
	})

	now := t0.Add(3 * time.Hour)
	first, err := jobs.ClaimDue(ctx, now, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.True(t, first[0].DueAt.Equal(t0))
	assert.True(t, first[1].DueAt.Equal(t0.Add(30*time.Minute)))
	for _, j := range first {
		assert.Equal(t, model.JobInFlight, j.Status)
		require.NotNil(t, j.ClaimedAt)
	}

	second, err := jobs.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.True(t, second[0].DueAt.Before(second[1].DueAt))

	third, err := jobs.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, third, "24h job is not due and others are claimed")
}

func TestClaimDueConcurrent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	jobs := NewJobRepository(db)

	seq, step := seedStep(t, db, "t1", 1, "0")
	for i := 0; i < 50; i++ {
		enroll(t, db, seq, fmt.Sprintf("r%02d", i), map[string]time.Time{step.ID: t0})
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := jobs.ClaimDue(ctx, t0.Add(time.Minute), 7)
				if err != nil {
					t.Errorf("ClaimDue() error = %v", err)
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, j := range claimed {
					seen[j.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 50)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func TestJobTransitionIsOneDirectional(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	jobs := NewJobRepository(db)

	seq, step := seedStep(t, db, "t1", 1, "0")
	enroll(t, db, seq, "r1", map[string]time.Time{step.ID: t0})

	claimed, err := jobs.ClaimDue(ctx, t0, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	id := claimed[0].ID

	require.NoError(t, jobs.Transition(ctx, id, model.Sent(), t0.Add(time.Minute)))

	err = jobs.Transition(ctx, id, model.Failed("late failure"), t0.Add(2*time.Minute))
	assert.True(t, model.IsStaleTransition(err), "got %v", err)

	job, err := jobs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobSent, job.Status)
	require.NotNil(t, job.SentAt)
	assert.True(t, job.SentAt.Equal(t0.Add(time.Minute)))
	assert.Empty(t, job.Error)

	err = jobs.Transition(ctx, "missing", model.Sent(), t0)
	assert.True(t, model.IsNotFound(err), "got %v", err)
}

func TestRequeueStaleJobs(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	jobs := NewJobRepository(db)

	seq, step := seedStep(t, db, "t1", 1, "0")
	enroll(t, db, seq, "r1", map[string]time.Time{step.ID: t0})

	claimed, err := jobs.ClaimDue(ctx, t0, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	n, err := jobs.RequeueStale(ctx, t0.Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n, "fresh claims stay in flight")

	n, err = jobs.RequeueStale(ctx, t0.Add(10*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	again, err := jobs.ClaimDue(ctx, t0.Add(11*time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, again, 1)
}

func TestPendingForStepMissingAnchor(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	jobs := NewJobRepository(db)

	seq, step := seedStep(t, db, "t1", 1, "1")
	e := enroll(t, db, seq, "r1", map[string]time.Time{step.ID: t0.Add(time.Hour)})
	enroll(t, db, seq, "r2", map[string]time.Time{step.ID: t0.Add(time.Hour)})

	_, err := db.Exec(db.Rebind(`DELETE FROM funnel_enrollments WHERE id = ?`), e.ID)
	require.NoError(t, err)

	anchors, err := jobs.PendingForStep(ctx, step.ID)
	require.NoError(t, err)
	require.Len(t, anchors, 2)

	missing := 0
	for _, a := range anchors {
		if a.AnchorAt == nil {
			missing++
			assert.Equal(t, "r1", a.RecipientID)
		}
	}
	assert.Equal(t, 1, missing)
}

func TestCancelRecipientLeavesTerminalJobs(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	jobs := NewJobRepository(db)

	seq, s1 := seedStep(t, db, "t1", 1, "0")
	_, s2 := seedStep(t, db, "t1", 2, "5")
	enroll(t, db, seq, "r1", map[string]time.Time{s1.ID: t0, s2.ID: t0.Add(5 * time.Hour)})

	claimed, err := jobs.ClaimDue(ctx, t0, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, jobs.Transition(ctx, claimed[0].ID, model.Sent(), t0))

	n, err := jobs.CancelRecipient(ctx, "t1", "r1", "unsubscribed")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	list, err := jobs.ListForRecipient(ctx, "t1", "r1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, model.JobSent, list[0].Status)
	assert.Equal(t, model.JobCancelled, list[1].Status)
	assert.Equal(t, "unsubscribed", list[1].Error)

	deleted, err := jobs.PurgeRecipient(ctx, "t1", "r1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)
}

func seedSubscribers(t *testing.T, db *DB, tenantID string, n int) {
	t.Helper()
	subs := NewSubscriberRepository(db)
	for i := 0; i < n; i++ {
		_, err := subs.Upsert(context.Background(), model.SubscriberSpec{
			TenantID: tenantID, RecipientID: fmt.Sprintf("r%04d", i),
			Address: fmt.Sprintf("%d", 1000+i), Active: true,
		}, t0)
		require.NoError(t, err)
	}
}

func newCampaign(t *testing.T, db *DB, tenantID string) *model.Campaign {
	t.Helper()
	c := &model.Campaign{
		ID: uuid.New().String(), TenantID: tenantID, Text: "sale", Kind: model.CampaignInstant,
		Status: model.CampaignDraft, CreatedAt: t0,
	}
	require.NoError(t, NewCampaignRepository(db).Create(context.Background(), c))
	return c
}

func requireDraft(c *model.Campaign) error {
	if c.Status != model.CampaignDraft {
		return &model.StaleTransitionError{Entity: "campaign", ID: c.ID, Status: string(c.Status), Target: "sending"}
	}
	return nil
}

func TestStartSnapshotsEligibleRecipients(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	subs := NewSubscriberRepository(db)
	campaigns := NewCampaignRepository(db)

	seedSubscribers(t, db, "t1", 5)
	seedSubscribers(t, db, "t2", 3)
	_, err := subs.Upsert(ctx, model.SubscriberSpec{TenantID: "t1", RecipientID: "inactive", Address: "1", Active: false}, t0)
	require.NoError(t, err)
	_, err = subs.Upsert(ctx, model.SubscriberSpec{TenantID: "t1", RecipientID: "noaddr", Active: true}, t0)
	require.NoError(t, err)
	require.NoError(t, subs.MarkBlocked(ctx, "t1", "r0000", t0))

	c := newCampaign(t, db, "t1")
	started, err := campaigns.Start(ctx, c.ID, t0, requireDraft)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignSending, started.Status)
	assert.Equal(t, 4, started.RecipientCount)

	records, err := NewDeliveryRepository(db).ListByCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, records, 4)
	for _, r := range records {
		assert.Equal(t, model.DeliveryPending, r.Status)
		assert.NotEqual(t, "r0000", r.RecipientID)
		assert.NotEmpty(t, r.Address)
	}
}

func TestStartConcurrentIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	campaigns := NewCampaignRepository(db)

	seedSubscribers(t, db, "t1", 1000)
	c := newCampaign(t, db, "t1")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = campaigns.Start(ctx, c.ID, t0, requireDraft)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, model.IsStaleTransition(err), "got %v", err)
	}
	assert.Equal(t, 1, succeeded)

	counts, err := NewDeliveryRepository(db).Counts(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1000, counts.Total())

	got, err := campaigns.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1000, got.RecipientCount)
}

func TestStartEmptySnapshotCompletes(t *testing.T) {
	db := newTestDB(t)
	c := newCampaign(t, db, "empty")

	started, err := NewCampaignRepository(db).Start(context.Background(), c.ID, t0, requireDraft)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignCompleted, started.Status)
	assert.Zero(t, started.RecipientCount)
	assert.NotNil(t, started.CompletedAt)
}

func TestClaimPendingStopsOnCancel(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	campaigns := NewCampaignRepository(db)
	deliveries := NewDeliveryRepository(db)

	seedSubscribers(t, db, "t1", 6)
	c := newCampaign(t, db, "t1")
	_, err := campaigns.Start(ctx, c.ID, t0, requireDraft)
	require.NoError(t, err)

	claimed, err := deliveries.ClaimPending(ctx, t0, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	require.NoError(t, deliveries.Transition(ctx, claimed[0].ID, model.DeliverySentOutcome("m1"), t0))
	require.NoError(t, deliveries.Transition(ctx, claimed[1].ID, model.DeliveryBlockedOutcome("403"), t0))

	err = deliveries.Transition(ctx, claimed[0].ID, model.DeliveryDeliveredOutcome("m1"), t0)
	assert.True(t, model.IsStaleTransition(err), "sent is terminal, got %v", err)

	require.NoError(t, campaigns.Cancel(ctx, c.ID, t0))

	none, err := deliveries.ClaimPending(ctx, t0, 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	counts, err := deliveries.Counts(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryCounts{Pending: 4, Sent: 1, Blocked: 1}, counts)

	err = campaigns.Cancel(ctx, c.ID, t0)
	assert.True(t, model.IsStaleTransition(err))
}

func TestDueAndUpcomingCampaigns(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	campaigns := NewCampaignRepository(db)

	mk := func(tenant string, at time.Time) string {
		c := &model.Campaign{
			ID: uuid.New().String(), TenantID: tenant, Text: "x", Kind: model.CampaignScheduled,
			ScheduledAt: &at, Status: model.CampaignDraft, CreatedAt: t0,
		}
		require.NoError(t, campaigns.Create(ctx, c))
		return c.ID
	}
	past := mk("t1", t0.Add(-time.Hour))
	future := mk("t1", t0.Add(time.Hour))
	mk("t2", t0.Add(2*time.Hour))
	newCampaign(t, db, "t1")

	due, err := campaigns.Due(ctx, t0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, past, due[0].ID)

	upcoming, err := campaigns.Upcoming(ctx, "t1", t0)
	require.NoError(t, err)
	require.Len(t, upcoming, 1)
	assert.Equal(t, future, upcoming[0].ID)

	all, err := campaigns.Upcoming(ctx, "", t0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestCompletable(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	campaigns := NewCampaignRepository(db)
	deliveries := NewDeliveryRepository(db)

	seedSubscribers(t, db, "t1", 2)
	c := newCampaign(t, db, "t1")
	_, err := campaigns.Start(ctx, c.ID, t0, requireDraft)
	require.NoError(t, err)

	ids, err := campaigns.Completable(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	claimed, err := deliveries.ClaimPending(ctx, t0, 10)
	require.NoError(t, err)
	for _, d := range claimed {
		require.NoError(t, deliveries.Transition(ctx, d.ID, model.DeliveryFailedOutcome("boom"), t0))
	}

	ids, err = campaigns.Completable(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID}, ids)
}
