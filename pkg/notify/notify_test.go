package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/countygov/syncbridge/pkg/config"
	"github.com/countygov/syncbridge/pkg/model"
	"github.com/countygov/syncbridge/pkg/store"
)

func newDispatcher(t *testing.T, mutate func(*config.Config)) (*Dispatcher, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := config.Default()
	cfg.MaxRetries = 2
	cfg.RetryBackoffInitialMS = 1
	cfg.RetryBackoffMaxMS = 2
	if mutate != nil {
		mutate(cfg)
	}
	return New(s, cfg, zap.NewNop()), s
}

func pending(t *testing.T, s *store.Store, channel model.Channel, target string) *model.Notification {
	t.Helper()
	n := &model.Notification{
		AlertID: "alert-1",
		Channel: channel,
		Target:  target,
		Subject: "null rate drift on parcels.owner",
		Body:    "observed 0.50 against baseline 0.02",
	}
	require.NoError(t, s.CreateNotification(context.Background(), n))
	return n
}

func TestLogChannelDelivers(t *testing.T) {
	d, s := newDispatcher(t, nil)
	ctx := context.Background()
	n := pending(t, s, model.ChannelLog, "ops")

	require.NoError(t, d.Deliver(ctx, n.ID))

	got, err := s.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotifyDelivered, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.NotNil(t, got.DeliveredAt)
}

func TestWebhookDelivers(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d, s := newDispatcher(t, func(c *config.Config) {
		c.AlertChannels.Webhook.Enabled = true
		c.AlertChannels.Webhook.Headers = map[string]string{"X-Token": "secret"}
	})
	ctx := context.Background()
	n := pending(t, s, model.ChannelWebhook, srv.URL)

	require.NoError(t, d.Deliver(ctx, n.ID))
	assert.Equal(t, int32(1), hits.Load())

	got, err := s.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotifyDelivered, got.Status)
}

func TestWebhookServerErrorExhaustsRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d, s := newDispatcher(t, func(c *config.Config) {
		c.AlertChannels.Webhook.Enabled = true
	})
	ctx := context.Background()
	n := pending(t, s, model.ChannelWebhook, srv.URL)

	require.Error(t, d.Deliver(ctx, n.ID))
	assert.Equal(t, int32(3), hits.Load()) // 1 + 2 retries

	got, err := s.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotifyFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Contains(t, got.LastError, "returned 500")

	// exhaustion leaves a warn entry behind
	logs, err := s.Logs(ctx, "", store.LogQuery{Level: model.LogWarn})
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Contains(t, logs[0].Message, "failed after 3 attempts")
}

func TestWebhookClientErrorDoesNotRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d, s := newDispatcher(t, func(c *config.Config) {
		c.AlertChannels.Webhook.Enabled = true
	})
	n := pending(t, s, model.ChannelWebhook, srv.URL)

	require.Error(t, d.Deliver(context.Background(), n.ID))
	assert.Equal(t, int32(1), hits.Load())
}

func TestDisabledChannelFailsWithoutRetry(t *testing.T) {
	d, s := newDispatcher(t, func(c *config.Config) {
		c.AlertChannels.Log.Enabled = false
	})
	ctx := context.Background()
	n := pending(t, s, model.ChannelLog, "ops")

	require.Error(t, d.Deliver(ctx, n.ID))

	got, err := s.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotifyFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestEmailDelivers(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	d, s := newDispatcher(t, func(c *config.Config) {
		c.AlertChannels.Email.Enabled = true
		c.AlertChannels.Email.SMTPAddr = "mail.county.gov:25"
		c.AlertChannels.Email.From = "syncbridge@county.gov"
	})
	d.sendMail = func(addr, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo = addr, from, to
		assert.Contains(t, string(msg), "Subject: null rate drift")
		return nil
	}
	ctx := context.Background()
	n := pending(t, s, model.ChannelEmail, "assessor@county.gov")

	require.NoError(t, d.Deliver(ctx, n.ID))
	assert.Equal(t, "mail.county.gov:25", gotAddr)
	assert.Equal(t, "syncbridge@county.gov", gotFrom)
	assert.Equal(t, []string{"assessor@county.gov"}, gotTo)

	got, err := s.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotifyDelivered, got.Status)
}

func TestInAppReadOnAcknowledge(t *testing.T) {
	d, s := newDispatcher(t, func(c *config.Config) {
		c.AlertChannels.InApp.Enabled = true
	})
	ctx := context.Background()
	n := pending(t, s, model.ChannelInApp, "operator-7")

	require.NoError(t, d.Deliver(ctx, n.ID))
	got, err := s.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotifySent, got.Status)

	require.NoError(t, d.Acknowledge(ctx, n.ID))
	got, err = s.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotifyRead, got.Status)
	assert.NotNil(t, got.ReadAt)
}

func TestAcknowledgeRejectsOtherChannels(t *testing.T) {
	d, s := newDispatcher(t, nil)
	n := pending(t, s, model.ChannelLog, "ops")
	assert.Error(t, d.Acknowledge(context.Background(), n.ID))
}

func TestDeliverRequiresPending(t *testing.T) {
	d, s := newDispatcher(t, nil)
	ctx := context.Background()
	n := pending(t, s, model.ChannelLog, "ops")
	require.NoError(t, d.Deliver(ctx, n.ID))
	assert.Error(t, d.Deliver(ctx, n.ID))
}
