package domain

var Tables = []interface{}{
	// System
	&SysConfig{},
	&SessionLog{},
	// Bot
	&BotUser{},
}
