package app

import (
	"github.com/vtry813-sketch/bout-kk/internal/domain"
	"go.uber.org/zap"
)

type configSchema struct {
	Key         string
	Default     string
	Description string
}

// defaultConfigSchemas are the runtime settings seeded into sys_config on
// first start. Values already present are never overwritten.
var defaultConfigSchemas = []configSchema{
	{Key: "bot.OwnerNumber", Default: "", Description: "Owner phone number, overrides the static config when set"},
	{Key: "bot.Mode", Default: "public", Description: "Dispatch mode: public, private, inbox or groups"},
	{Key: "bot.Prefix", Default: ".", Description: "Command prefix"},
	{Key: "bot.PairingCodeBrand", Default: "SHADOWV2", Description: "Branded client name shown on the pairing prompt"},
	{Key: "bot.SessionLogDays", Default: "90", Description: "Days of session_log history to keep"},
	{Key: "bot.AutoRestore", Default: "true", Description: "Reconnect all backed-up sessions on startup"},
	{Key: "metrics.HistoryDays", Default: "7", Description: "Days of local metrics history to keep"},
}

func (a *Application) checkSettings() {
	// Iterate over all configuration definitions, checking and initializing missing entries
	for sortid, schema := range defaultConfigSchemas {
		category, name, ok := splitConfigKey(schema.Key)
		if !ok {
			zap.L().Warn("invalid config key format", zap.String("key", schema.Key))
			continue
		}

		// Check whether the configuration already exists
		var count int64
		a.gormDB.Model(&domain.SysConfig{}).
			Where("type = ? and name = ?", category, name).
			Count(&count)

		// e.g., if the configuration does not exist, create the default configuration
		if count == 0 {
			a.gormDB.Create(&domain.SysConfig{
				ID:     0,
				Sort:   sortid,
				Type:   category,
				Name:   name,
				Value:  schema.Default,
				Remark: schema.Description,
			})
			zap.L().Info("initialized config",
				zap.String("key", schema.Key),
				zap.String("default", schema.Default))
		}
	}
}

func splitConfigKey(key string) (category, name string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}
