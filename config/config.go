package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// SysConfig contains process-level settings.
type SysConfig struct {
	Appid    string `yaml:"appid" json:"appid"`
	Location string `yaml:"location" json:"location"`
	Workdir  string `yaml:"workdir" json:"workdir"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

type WebConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

type DBConfig struct {
	Type     string `yaml:"type" json:"type"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Name     string `yaml:"name" json:"name"`
	User     string `yaml:"user" json:"user"`
	Passwd   string `yaml:"passwd" json:"passwd"`
	MaxConn  int    `yaml:"max_conn" json:"max_conn"`
	IdleConn int    `yaml:"idle_conn" json:"idle_conn"`
}

// BlobConfig holds object storage settings for session backups. The access
// keys are re-read through Getenv on every operation so the operator can
// rotate them at runtime without a restart.
type BlobConfig struct {
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	Region    string `yaml:"region" json:"region"`
	Bucket    string `yaml:"bucket" json:"bucket"`
	AccessKey string `yaml:"access_key" json:"access_key"`
	SecretKey string `yaml:"secret_key" json:"secret_key"`
}

// BotConfig holds the WhatsApp automation settings.
type BotConfig struct {
	OwnerNumber      string        `yaml:"owner_number" json:"owner_number"`
	Prefix           string        `yaml:"prefix" json:"prefix"`
	Mode             string        `yaml:"mode" json:"mode"` // public | private | inbox | groups
	PairingCodeBrand string        `yaml:"pairing_code_brand" json:"pairing_code_brand"`
	InviteLinks      []string      `yaml:"invite_links" json:"invite_links"`
	PairingTimeout   time.Duration `yaml:"pairing_timeout" json:"pairing_timeout"`
	BackupDelay      time.Duration `yaml:"backup_delay" json:"backup_delay"`
	GroupJoinDelay   time.Duration `yaml:"group_join_delay" json:"group_join_delay"`
	RestoreDelay     time.Duration `yaml:"restore_delay" json:"restore_delay"`
	BatchSize        int           `yaml:"batch_size" json:"batch_size"`
	BatchDelay       time.Duration `yaml:"batch_delay" json:"batch_delay"`
	IndividualDelay  time.Duration `yaml:"individual_delay" json:"individual_delay"`
	MaxRetries       int           `yaml:"max_retries" json:"max_retries"`
	WorkerPoolSize   int           `yaml:"worker_pool_size" json:"worker_pool_size"`
}

type LogConfig struct {
	Mode       string `yaml:"mode" json:"mode"`
	FileEnable bool   `yaml:"file_enable" json:"file_enable"`
	Filename   string `yaml:"filename" json:"filename"`
}

type AppConfig struct {
	System   SysConfig  `yaml:"system" json:"system"`
	Web      WebConfig  `yaml:"web" json:"web"`
	Database DBConfig   `yaml:"database" json:"database"`
	Blob     BlobConfig `yaml:"blob" json:"blob"`
	Bot      BotConfig  `yaml:"bot" json:"bot"`
	Logger   LogConfig  `yaml:"logger" json:"logger"`
}

var DefaultAppConfig = &AppConfig{
	System: SysConfig{
		Appid:    "BoutKK",
		Location: "Asia/Shanghai",
		Workdir:  "/var/boutkk",
		Debug:    true,
	},
	Web: WebConfig{
		Host: "0.0.0.0",
		Port: 8000,
	},
	Database: DBConfig{
		Type:     "postgres",
		Host:     "127.0.0.1",
		Port:     5432,
		Name:     "boutkk",
		User:     "postgres",
		Passwd:   "",
		MaxConn:  100,
		IdleConn: 10,
	},
	Blob: BlobConfig{
		Region: "us-east-1",
		Bucket: "boutkk-sessions",
	},
	Bot: BotConfig{
		OwnerNumber:      "50934960331",
		Prefix:           ".",
		Mode:             "public",
		PairingCodeBrand: "SHADOWV2",
		PairingTimeout:   30 * time.Second,
		BackupDelay:      8 * time.Second,
		GroupJoinDelay:   10 * time.Second,
		RestoreDelay:     5 * time.Second,
		BatchSize:        50,
		BatchDelay:       5 * time.Second,
		IndividualDelay:  5 * time.Second,
		MaxRetries:       3,
		WorkerPoolSize:   64,
	},
	Logger: LogConfig{
		Mode:       "development",
		FileEnable: true,
		Filename:   "/var/boutkk/boutkk.log",
	},
}

func setEnvValue(name string, f func(v string)) {
	var evalue = os.Getenv(name)
	if evalue != "" {
		f(evalue)
	}
}

func setEnvBoolValue(name string, f func(v bool)) {
	var evalue = os.Getenv(name)
	if evalue != "" {
		f(evalue == "true" || evalue == "1" || evalue == "on")
	}
}

func setEnvIntValue(name string, f func(v int)) {
	var evalue = os.Getenv(name)
	if evalue == "" {
		return
	}
	p, err := strconv.Atoi(evalue)
	if err == nil {
		f(p)
	}
}

// LoadConfig reads the YAML config file when it exists and applies
// environment variable overrides on top of the defaults.
func LoadConfig(cfile string) *AppConfig {
	appcfg := DefaultAppConfig
	if cfile != "" {
		if data, err := os.ReadFile(cfile); err == nil {
			_ = yaml.Unmarshal(data, appcfg)
		}
	}

	setEnvValue("BOUTKK_SYSTEM_WORKDIR", func(v string) { appcfg.System.Workdir = v })
	setEnvValue("BOUTKK_SYSTEM_LOCATION", func(v string) { appcfg.System.Location = v })
	setEnvBoolValue("BOUTKK_SYSTEM_DEBUG", func(v bool) { appcfg.System.Debug = v })

	setEnvValue("BOUTKK_WEB_HOST", func(v string) { appcfg.Web.Host = v })
	setEnvIntValue("BOUTKK_WEB_PORT", func(v int) { appcfg.Web.Port = v })

	setEnvValue("BOUTKK_DB_TYPE", func(v string) { appcfg.Database.Type = v })
	setEnvValue("BOUTKK_DB_HOST", func(v string) { appcfg.Database.Host = v })
	setEnvIntValue("BOUTKK_DB_PORT", func(v int) { appcfg.Database.Port = v })
	setEnvValue("BOUTKK_DB_NAME", func(v string) { appcfg.Database.Name = v })
	setEnvValue("BOUTKK_DB_USER", func(v string) { appcfg.Database.User = v })
	setEnvValue("BOUTKK_DB_PWD", func(v string) { appcfg.Database.Passwd = v })

	setEnvValue("BOUTKK_BLOB_ENDPOINT", func(v string) { appcfg.Blob.Endpoint = v })
	setEnvValue("BOUTKK_BLOB_REGION", func(v string) { appcfg.Blob.Region = v })
	setEnvValue("BOUTKK_BLOB_BUCKET", func(v string) { appcfg.Blob.Bucket = v })
	setEnvValue("BOUTKK_BLOB_ACCESS_KEY", func(v string) { appcfg.Blob.AccessKey = v })
	setEnvValue("BOUTKK_BLOB_SECRET_KEY", func(v string) { appcfg.Blob.SecretKey = v })

	setEnvValue("BOUTKK_BOT_OWNER", func(v string) { appcfg.Bot.OwnerNumber = v })
	setEnvValue("BOUTKK_BOT_PREFIX", func(v string) { appcfg.Bot.Prefix = v })
	setEnvValue("BOUTKK_BOT_MODE", func(v string) { appcfg.Bot.Mode = v })
	setEnvValue("BOUTKK_BOT_PAIRING_BRAND", func(v string) { appcfg.Bot.PairingCodeBrand = v })
	setEnvIntValue("BOUTKK_BOT_BATCH_SIZE", func(v int) { appcfg.Bot.BatchSize = v })
	setEnvIntValue("BOUTKK_BOT_MAX_RETRIES", func(v int) { appcfg.Bot.MaxRetries = v })
	setEnvIntValue("BOUTKK_BOT_WORKER_POOL", func(v int) { appcfg.Bot.WorkerPoolSize = v })

	setEnvValue("BOUTKK_LOGGER_MODE", func(v string) { appcfg.Logger.Mode = v })
	setEnvBoolValue("BOUTKK_LOGGER_FILE_ENABLE", func(v bool) { appcfg.Logger.FileEnable = v })
	setEnvValue("BOUTKK_LOGGER_FILENAME", func(v string) { appcfg.Logger.Filename = v })

	return appcfg
}

// BlobCredentials returns the current object storage access keys, preferring
// live environment values over the ones captured at startup. Callers must not
// cache the result.
func (c *AppConfig) BlobCredentials() (accessKey, secretKey string) {
	accessKey = os.Getenv("BOUTKK_BLOB_ACCESS_KEY")
	if accessKey == "" {
		accessKey = c.Blob.AccessKey
	}
	secretKey = os.Getenv("BOUTKK_BLOB_SECRET_KEY")
	if secretKey == "" {
		secretKey = c.Blob.SecretKey
	}
	return accessKey, secretKey
}
