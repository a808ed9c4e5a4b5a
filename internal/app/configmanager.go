package app

import (
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"github.com/vtry813-sketch/bout-kk/internal/domain"
	"go.uber.org/zap"
)

const configCacheTTL = 30 * time.Second

type cachedValue struct {
	value    string
	cachedAt time.Time
}

// ConfigManager reads runtime settings from the sys_config table with a
// short-lived cache so hot paths do not hit the database per lookup.
type ConfigManager struct {
	app   *Application
	mu    sync.RWMutex
	cache map[string]cachedValue
}

func NewConfigManager(app *Application) *ConfigManager {
	return &ConfigManager{app: app, cache: make(map[string]cachedValue)}
}

func (m *ConfigManager) GetString(category, name string) string {
	key := category + "." + name
	m.mu.RLock()
	if cv, ok := m.cache[key]; ok && time.Since(cv.cachedAt) < configCacheTTL {
		m.mu.RUnlock()
		return cv.value
	}
	m.mu.RUnlock()

	var cfg domain.SysConfig
	err := m.app.gormDB.Where("type = ? and name = ?", category, name).First(&cfg).Error
	if err != nil {
		zap.L().Debug("config lookup miss", zap.String("key", key))
		return ""
	}

	m.mu.Lock()
	m.cache[key] = cachedValue{value: cfg.Value, cachedAt: time.Now()}
	m.mu.Unlock()
	return cfg.Value
}

func (m *ConfigManager) GetInt(category, name string) int {
	return cast.ToInt(m.GetString(category, name))
}

func (m *ConfigManager) GetInt64(category, name string) int64 {
	return cast.ToInt64(m.GetString(category, name))
}

func (m *ConfigManager) GetBool(category, name string) bool {
	return cast.ToBool(m.GetString(category, name))
}

// Set writes a "category.name" key and invalidates its cache entry.
func (m *ConfigManager) Set(key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return errors.Errorf("invalid config key %q, want category.name", key)
	}
	category, name := parts[0], parts[1]

	res := m.app.gormDB.Model(&domain.SysConfig{}).
		Where("type = ? and name = ?", category, name).
		Update("value", value)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if err := m.app.gormDB.Create(&domain.SysConfig{
			Type:  category,
			Name:  name,
			Value: value,
		}).Error; err != nil {
			return err
		}
	}

	m.mu.Lock()
	delete(m.cache, key)
	m.mu.Unlock()
	return nil
}
