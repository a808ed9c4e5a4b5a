package app

import (
	"github.com/vtry813-sketch/bout-kk/internal/domain"
	"github.com/vtry813-sketch/bout-kk/internal/wabot"
	"github.com/vtry813-sketch/bout-kk/pkg/metrics"
	"go.uber.org/zap"
)

// wireSessionLog records session lifecycle events into the session_log
// table and bumps the matching counters. Writes are best effort.
func (a *Application) wireSessionLog() {
	log := func(event, remark string) func(string) {
		return func(phoneNumber string) {
			metrics.Inc("bot_" + event)
			if err := a.gormDB.Create(&domain.SessionLog{
				PhoneNumber: phoneNumber,
				Event:       event,
				Remark:      remark,
			}).Error; err != nil {
				zap.L().Warn("session log write failed",
					zap.String("event", event), zap.String("phone_number", phoneNumber), zap.Error(err))
			}
		}
	}

	subscribe := func(topic string, fn func(string)) {
		if err := a.bus.SubscribeAsync(topic, fn, false); err != nil {
			zap.L().Error("event bus subscribe failed", zap.String("topic", topic), zap.Error(err))
		}
	}

	subscribe(wabot.TopicSessionOpen, log("session_open", "connection established"))
	subscribe(wabot.TopicSessionClosed, log("session_closed", "connection dropped, reconnect queued"))
	subscribe(wabot.TopicSessionLoggedOut, log("session_loggedout", "terminal logout, state cleared"))
	subscribe(wabot.TopicBackupCompleted, log("backup_completed", "credential blob uploaded"))
}
