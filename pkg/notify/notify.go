// Package notify delivers alert notifications over the recognized
// channels: process log, SMTP email, webhook POST, and stored in-app
// rows. Every delivery is recorded in the audit store and walks the
// pending -> sent -> (delivered | failed | read) state machine there.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/smtp"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/countygov/syncbridge/pkg/config"
	"github.com/countygov/syncbridge/pkg/metrics"
	"github.com/countygov/syncbridge/pkg/model"
	"github.com/countygov/syncbridge/pkg/retry"
	"github.com/countygov/syncbridge/pkg/store"
	"github.com/countygov/syncbridge/pkg/syncerrors"
)

// sendMailFunc matches smtp.SendMail without auth, swappable in tests.
type sendMailFunc func(addr, from string, to []string, msg []byte) error

// Dispatcher delivers notifications channel by channel with a bounded
// retry budget per delivery.
type Dispatcher struct {
	store    *store.Store
	channels config.AlertChannels
	policy   retry.Policy
	client   *http.Client
	sendMail sendMailFunc
	log      *zap.Logger
}

func New(s *store.Store, cfg *config.Config, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	timeout := time.Duration(cfg.AlertChannels.Webhook.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		store:    s,
		channels: cfg.AlertChannels,
		policy: retry.Policy{
			MaxAttempts: cfg.MaxRetries + 1,
			Initial:     cfg.RetryInitial(),
			Max:         cfg.RetryMax(),
		},
		client: &http.Client{Timeout: timeout},
		sendMail: func(addr, from string, to []string, msg []byte) error {
			return smtp.SendMail(addr, nil, from, to, msg)
		},
		log: log.Named("notify"),
	}
}

// Deliver attempts a pending notification until it is delivered or the
// retry budget runs out. Exhaustion marks the row failed and leaves a
// warn entry in the sync log.
func (d *Dispatcher) Deliver(ctx context.Context, id string) error {
	n, err := d.store.GetNotification(ctx, id)
	if err != nil {
		return err
	}
	if n.Status != model.NotifyPending {
		return syncerrors.Newf(syncerrors.KindIntegrity, "notify",
			"notification %s is %s, not pending", id, n.Status)
	}

	attempts := 0
	deliverErr := retry.Do(ctx, d.policy, func() error {
		attempts++
		return d.deliverOnce(ctx, n)
	}, func(attempt int, err error) {
		d.log.Warn("delivery retry",
			zap.String("notification", n.ID),
			zap.String("channel", string(n.Channel)),
			zap.Int("attempt", attempt),
			zap.Error(err))
	})

	if deliverErr != nil {
		metrics.NotificationsTotal.WithLabelValues(string(n.Channel), "failed").Inc()
		if err := d.store.TransitionNotification(ctx, n.ID, model.NotifyFailed,
			attempts, deliverErr.Error()); err != nil {
			return err
		}
		logErr := d.store.AppendLog(ctx, "", model.LogWarn, "notify",
			fmt.Sprintf("notification %s to %s failed after %d attempts: %v",
				n.ID, n.Channel, attempts, deliverErr),
			map[string]interface{}{"alert_id": n.AlertID, "target": n.Target})
		if logErr != nil {
			d.log.Warn("failed delivery not logged", zap.Error(logErr))
		}
		return deliverErr
	}

	if err := d.store.TransitionNotification(ctx, n.ID, model.NotifySent, attempts, ""); err != nil {
		return err
	}
	// in-app rows stay sent until the recipient acknowledges them
	if n.Channel != model.ChannelInApp {
		if err := d.store.TransitionNotification(ctx, n.ID, model.NotifyDelivered, attempts, ""); err != nil {
			return err
		}
		metrics.NotificationsTotal.WithLabelValues(string(n.Channel), "delivered").Inc()
	} else {
		metrics.NotificationsTotal.WithLabelValues(string(n.Channel), "sent").Inc()
	}
	return nil
}

// Acknowledge marks an in-app notification read by its recipient.
func (d *Dispatcher) Acknowledge(ctx context.Context, id string) error {
	n, err := d.store.GetNotification(ctx, id)
	if err != nil {
		return err
	}
	if n.Channel != model.ChannelInApp {
		return syncerrors.Newf(syncerrors.KindConfig, "notify",
			"only in-app notifications are acknowledged, %s is %s", id, n.Channel)
	}
	if n.Status == model.NotifySent {
		if err := d.store.TransitionNotification(ctx, id, model.NotifyDelivered, n.Attempts, ""); err != nil {
			return err
		}
	}
	return d.store.TransitionNotification(ctx, id, model.NotifyRead, n.Attempts, "")
}

func (d *Dispatcher) deliverOnce(ctx context.Context, n *model.Notification) error {
	switch n.Channel {
	case model.ChannelLog:
		return d.deliverLog(n)
	case model.ChannelEmail:
		return d.deliverEmail(n)
	case model.ChannelWebhook:
		return d.deliverWebhook(ctx, n)
	case model.ChannelInApp:
		if !d.channels.InApp.Enabled {
			return disabled(n.Channel)
		}
		// the stored row is the delivery
		return nil
	default:
		return syncerrors.Newf(syncerrors.KindConfig, "notify",
			"unknown channel %q", n.Channel)
	}
}

func (d *Dispatcher) deliverLog(n *model.Notification) error {
	if !d.channels.Log.Enabled {
		return disabled(n.Channel)
	}
	d.log.Info("alert notification",
		zap.String("alert_id", n.AlertID),
		zap.String("subject", n.Subject),
		zap.String("body", n.Body),
		zap.String("target", n.Target))
	return nil
}

func (d *Dispatcher) deliverEmail(n *model.Notification) error {
	if !d.channels.Email.Enabled {
		return disabled(n.Channel)
	}
	cfg := d.channels.Email
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		cfg.From, n.Target, n.Subject, n.Body)
	if err := d.sendMail(cfg.SMTPAddr, cfg.From, []string{n.Target}, []byte(msg)); err != nil {
		return syncerrors.Wrap(err, syncerrors.KindTransient, "notify",
			"smtp delivery to "+n.Target)
	}
	return nil
}

func (d *Dispatcher) deliverWebhook(ctx context.Context, n *model.Notification) error {
	if !d.channels.Webhook.Enabled {
		return disabled(n.Channel)
	}
	payload, err := json.Marshal(map[string]string{
		"alert_id": n.AlertID,
		"subject":  n.Subject,
		"body":     n.Body,
	})
	if err != nil {
		return syncerrors.Wrap(err, syncerrors.KindInternal, "notify", "encode webhook payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.Target, bytes.NewReader(payload))
	if err != nil {
		return syncerrors.Wrap(err, syncerrors.KindConfig, "notify",
			"bad webhook target "+n.Target)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range d.channels.Webhook.Headers {
		req.Header.Set(k, v)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return syncerrors.Wrap(err, syncerrors.KindTransient, "notify",
			"webhook POST to "+n.Target)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		wrapped := syncerrors.Newf(syncerrors.KindTransient, "notify",
			"webhook %s returned %d", n.Target, resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return wrapped.WithRetriable(false)
		}
		return wrapped
	}
	return nil
}

// disabled is a permanent failure: retrying cannot enable a channel.
func disabled(c model.Channel) error {
	return syncerrors.Newf(syncerrors.KindConfig, "notify",
		"channel %s disabled", c)
}
