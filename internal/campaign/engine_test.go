package campaign

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxzi/dripline/internal/clock"
	"github.com/foxzi/dripline/internal/model"
	"github.com/foxzi/dripline/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Engine, *clock.Fake) {
	t.Helper()

	db, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "campaign.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	clk := clock.NewFake(t0)
	e := NewEngine(
		store.NewCampaignRepository(db),
		store.NewDeliveryRepository(db),
		store.NewSubscriberRepository(db),
		clk, nil,
	)
	return e, clk
}

func addSubscribers(t *testing.T, e *Engine, tenant string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := e.UpsertSubscriber(context.Background(), model.SubscriberSpec{
			TenantID:    tenant,
			RecipientID: fmt.Sprintf("r%d", i),
			Address:     fmt.Sprintf("%d", 1000+i),
			Active:      true,
		})
		require.NoError(t, err)
	}
}

func instant(tenant string) model.CampaignSpec {
	return model.CampaignSpec{TenantID: tenant, Text: "sale", Kind: model.CampaignInstant, CreatedBy: "op"}
}

func TestCreateCampaignValidation(t *testing.T) {
	e, _ := setup(t)
	ctx := context.Background()

	_, err := e.CreateCampaign(ctx, model.CampaignSpec{TenantID: "t1", Kind: model.CampaignInstant})
	assert.True(t, model.IsValidation(err), "text or media required")

	_, err = e.CreateCampaign(ctx, model.CampaignSpec{TenantID: "t1", Text: "x", Kind: model.CampaignScheduled})
	assert.True(t, model.IsValidation(err), "scheduled without time")

	_, err = e.CreateCampaign(ctx, model.CampaignSpec{TenantID: "t1", Text: "x", Kind: "weekly"})
	assert.True(t, model.IsValidation(err))

	spec := instant("t1")
	spec.Button = &model.Button{Text: "Open", URL: "not a url"}
	_, err = e.CreateCampaign(ctx, spec)
	require.Error(t, err)
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "button.url", verr.Field)

	spec.Button = &model.Button{Text: "Open", URL: "https://example.com/sale"}
	at := t0.Add(time.Hour)
	spec.ScheduledAt = &at
	c, err := e.CreateCampaign(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignDraft, c.Status)
	assert.Nil(t, c.ScheduledAt, "instant campaigns ignore scheduled_at")
	assert.Len(t, c.Message().Buttons, 1)
}

func TestStartCampaignSnapshot(t *testing.T) {
	e, clk := setup(t)
	ctx := context.Background()
	addSubscribers(t, e, "t1", 3)
	addSubscribers(t, e, "t2", 2)
	require.NoError(t, e.BlockRecipient(ctx, "t1", "r1"))

	c, err := e.CreateCampaign(ctx, instant("t1"))
	require.NoError(t, err)

	started, err := e.StartCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignSending, started.Status)
	assert.Equal(t, 2, started.RecipientCount)

	// Subscribers added after the snapshot are not included.
	addSubscribers(t, e, "t1", 5)

	_, err = e.StartCampaign(ctx, c.ID)
	assert.True(t, model.IsStaleTransition(err))

	clk.Advance(time.Minute)
	recs, err := e.FetchPendingDeliveries(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	for _, r := range recs {
		assert.Equal(t, "t1", r.TenantID)
		assert.NotEqual(t, "r1", r.RecipientID)
		assert.Equal(t, model.DeliveryInFlight, r.Status)
	}
}

func TestStartScheduledCampaign(t *testing.T) {
	e, clk := setup(t)
	ctx := context.Background()
	addSubscribers(t, e, "t1", 1)

	spec := instant("t1")
	spec.Kind = model.CampaignScheduled
	at := t0.Add(2 * time.Hour)
	spec.ScheduledAt = &at
	c, err := e.CreateCampaign(ctx, spec)
	require.NoError(t, err)

	_, err = e.StartCampaign(ctx, c.ID)
	assert.True(t, model.IsValidation(err), "not yet due")

	upcoming, err := e.UpcomingCampaigns(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, upcoming, 1)
	due, err := e.DueCampaigns(ctx)
	require.NoError(t, err)
	assert.Empty(t, due)

	clk.Advance(2 * time.Hour)
	due, err = e.DueCampaigns(ctx)
	require.NoError(t, err)
	require.Len(t, due, 1)

	started, err := e.StartCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignSending, started.Status)
}

func TestCompleteCampaign(t *testing.T) {
	e, clk := setup(t)
	ctx := context.Background()
	addSubscribers(t, e, "t1", 3)

	c, err := e.CreateCampaign(ctx, instant("t1"))
	require.NoError(t, err)

	_, err = e.CompleteCampaign(ctx, c.ID)
	assert.True(t, model.IsStaleTransition(err), "draft cannot complete")

	_, err = e.StartCampaign(ctx, c.ID)
	require.NoError(t, err)

	recs, err := e.FetchPendingDeliveries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	require.NoError(t, e.RecordDeliveryOutcome(ctx, recs[0].ID, model.DeliverySentOutcome("m1")))
	require.NoError(t, e.RecordDeliveryOutcome(ctx, recs[1].ID, model.DeliveryBlockedOutcome("forbidden")))

	got, err := e.CompleteCampaign(ctx, c.ID)
	assert.True(t, model.IsValidation(err), "one delivery outstanding")
	require.NotNil(t, got)
	assert.Equal(t, model.CampaignSending, got.Status)
	assert.Equal(t, 1, got.SentCount)
	assert.Equal(t, 1, got.BlockedCount)

	ids, err := e.CompletableCampaigns(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	clk.Advance(time.Minute)
	require.NoError(t, e.RecordDeliveryOutcome(ctx, recs[2].ID, model.DeliveryFailedOutcome("timeout")))

	ids, err = e.CompletableCampaigns(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID}, ids)

	got, err = e.CompleteCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignCompleted, got.Status)
	assert.Equal(t, 1, got.SentCount)
	assert.Equal(t, 1, got.FailedCount)
	assert.Equal(t, 1, got.BlockedCount)
	require.NotNil(t, got.CompletedAt)

	// Completing again only refreshes counters.
	again, err := e.CompleteCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignCompleted, again.Status)
	assert.Equal(t, got.CompletedAt.Unix(), again.CompletedAt.Unix())
}

func TestCompleteCampaignAllFailed(t *testing.T) {
	e, _ := setup(t)
	ctx := context.Background()
	addSubscribers(t, e, "t1", 2)

	c, err := e.CreateCampaign(ctx, instant("t1"))
	require.NoError(t, err)
	_, err = e.StartCampaign(ctx, c.ID)
	require.NoError(t, err)

	recs, err := e.FetchPendingDeliveries(ctx, 10)
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, e.RecordDeliveryOutcome(ctx, r.ID, model.DeliveryFailedOutcome("boom")))
	}

	got, err := e.CompleteCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignFailed, got.Status)
}

func TestEmptySnapshotCompletesImmediately(t *testing.T) {
	e, _ := setup(t)
	ctx := context.Background()

	c, err := e.CreateCampaign(ctx, instant("empty"))
	require.NoError(t, err)

	started, err := e.StartCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignCompleted, started.Status)
	assert.Zero(t, started.RecipientCount)
}

func TestDeliveryOutcomeGuards(t *testing.T) {
	e, clk := setup(t)
	ctx := context.Background()
	addSubscribers(t, e, "t1", 1)

	c, err := e.CreateCampaign(ctx, instant("t1"))
	require.NoError(t, err)
	_, err = e.StartCampaign(ctx, c.ID)
	require.NoError(t, err)

	recs, err := e.FetchPendingDeliveries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	err = e.RecordDeliveryOutcome(ctx, recs[0].ID, model.DeliveryOutcome{Status: model.DeliveryPending})
	assert.True(t, model.IsValidation(err))

	require.NoError(t, e.RecordDeliveryOutcome(ctx, recs[0].ID, model.DeliverySentOutcome("m1")))
	sent, err := e.Deliveries(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].SentAt)

	clk.Advance(time.Minute)
	err = e.RecordDeliveryOutcome(ctx, recs[0].ID, model.DeliveryFailedOutcome("late"))
	assert.True(t, model.IsStaleTransition(err))

	after, err := e.Deliveries(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, model.DeliverySent, after[0].Status)
	assert.Equal(t, "m1", after[0].ProviderMessageID)
	require.NotNil(t, after[0].SentAt)
	assert.True(t, sent[0].SentAt.Equal(*after[0].SentAt))
	assert.Empty(t, after[0].Error)

	err = e.RecordDeliveryOutcome(ctx, "missing", model.DeliverySentOutcome("m"))
	assert.True(t, model.IsNotFound(err))
}

func TestCancelStopsHandout(t *testing.T) {
	e, clk := setup(t)
	ctx := context.Background()
	addSubscribers(t, e, "t1", 4)

	c, err := e.CreateCampaign(ctx, instant("t1"))
	require.NoError(t, err)
	_, err = e.StartCampaign(ctx, c.ID)
	require.NoError(t, err)

	recs, err := e.FetchPendingDeliveries(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.NoError(t, e.ReleaseDelivery(ctx, recs[0].ID))

	require.NoError(t, e.CancelCampaign(ctx, c.ID))
	assert.True(t, model.IsStaleTransition(e.CancelCampaign(ctx, c.ID)))

	recs, err = e.FetchPendingDeliveries(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, recs)

	clk.Advance(time.Hour)
	n, err := e.RequeueStale(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPreviewRecipients(t *testing.T) {
	e, _ := setup(t)
	ctx := context.Background()
	addSubscribers(t, e, "t1", 3)
	require.NoError(t, e.BlockRecipient(ctx, "t1", "r0"))

	c, err := e.CreateCampaign(ctx, instant("t1"))
	require.NoError(t, err)

	n, err := e.PreviewRecipients(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = e.StartCampaign(ctx, c.ID)
	require.NoError(t, err)
	addSubscribers(t, e, "t1", 5)

	n, err = e.PreviewRecipients(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "started campaign reports its snapshot")

	_, err = e.PreviewRecipients(ctx, "missing")
	assert.True(t, model.IsNotFound(err))

	_, err = e.Deliveries(ctx, "missing")
	assert.True(t, model.IsNotFound(err))
}
