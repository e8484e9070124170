package main

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sds-orderproc/orderproc/pkg/feedback"
	"github.com/sds-orderproc/orderproc/pkg/orderrors"
)

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

// syncInterval is the Incremental Sync cadence (spec §4.2: "the
// Supervisor runs this on a fixed interval, independent of the
// per-message pipeline"). Not one of spec §6's named environment keys,
// so it is a fixed constant rather than new configuration surface.
const syncInterval = 15 * time.Minute

// runSyncLoop drives Incremental Sync on its own fixed cadence,
// independent of the per-message pipeline (spec §4.2). A SyncFatal
// error stops the loop and alerts through the mail notifier; a
// SyncTransient error is logged and retried on the next tick.
func runSyncLoop(ctx context.Context, g *graph, logger *logrus.Logger) {
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := g.syncer.Sync(ctx)
			if err != nil {
				if orderrors.IsSyncFatal(err) {
					logger.WithError(err).Error("incremental sync failed fatally, halting sync loop")
					if g.mailNotify != nil {
						_ = g.mailNotify.Send(ctx, g.cfg.AdminAlertAddress, "orderproc sync halted", err.Error())
					}
					return
				}
				logger.WithError(err).Warn("incremental sync failed transiently, will retry")
				continue
			}
			logger.WithFields(logrus.Fields{
				"customers_synced": result.CustomersSynced,
				"products_synced":  result.ProductsSynced,
			}).Info("incremental sync complete")
		}
	}
}

// runFeedbackLoop long-polls the chat gateway for operator replies and
// drives them through the Feedback Processor (spec §4.11). Skipped
// entirely when no chat gateway is configured.
func runFeedbackLoop(ctx context.Context, g *graph, logger *logrus.Logger) {
	if g.chat == nil {
		return
	}
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	offset := ""
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updates, err := g.chat.LongPollUpdates(ctx, offset)
			if err != nil {
				logger.WithError(err).Warn("chat gateway long-poll failed")
				continue
			}
			for _, u := range updates {
				offset = u.UpdateID
				result, err := g.feedback.Process(ctx, feedback.Inbound{
					ReplyToMessageID: u.InReplyTo,
					UserText:         u.Text,
				})
				if err != nil {
					logger.WithError(err).Warn("feedback processing failed")
					continue
				}
				ack := result.Acknowledgement
				if result.ClarificationNeeded {
					ack = result.Question
				}
				if ack != "" {
					if _, err := g.chat.SendMessage(ctx, u.ChatID, ack); err != nil {
						logger.WithError(err).Warn("failed to post feedback acknowledgement")
					}
				}
			}
		}
	}
}
