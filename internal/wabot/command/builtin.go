package command

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// BotInfo supplies the runtime facts the builtin commands report. All
// fields are read-only callbacks so the registry stays decoupled from the
// orchestrator.
type BotInfo struct {
	StartedAt      time.Time
	Prefix         string
	ConnectedCount func() int
	TotalUsers     func() int
}

// RegisterBuiltins installs the stock command set and re-registers it on
// every Reload.
func RegisterBuiltins(r *Registry, info BotInfo) {
	r.OnReload(func(r *Registry) {
		r.Register(Spec{
			Name:     "alive",
			Aliases:  []string{"ping", "uptime"},
			Category: "general",
			Desc:     "bot liveness and uptime",
			Handler: func(ctx context.Context, ev *Event) error {
				return ev.Reply(fmt.Sprintf("alive, up %s", time.Since(info.StartedAt).Round(time.Second)))
			},
		})
		r.Register(Spec{
			Name:     "menu",
			Aliases:  []string{"help"},
			Category: "general",
			Desc:     "list available commands",
			Handler: func(ctx context.Context, ev *Event) error {
				var b strings.Builder
				b.WriteString("commands:\n")
				for _, s := range r.List() {
					if s.OwnerOnly && !ev.IsOwner {
						continue
					}
					fmt.Fprintf(&b, "%s%s", info.Prefix, s.Name)
					if s.Desc != "" {
						fmt.Fprintf(&b, " - %s", s.Desc)
					}
					b.WriteString("\n")
				}
				return ev.Reply(b.String())
			},
		})
		r.Register(Spec{
			Name:      "totalusers",
			Aliases:   []string{"users"},
			Category:  "admin",
			Desc:      "session and user counts",
			OwnerOnly: true,
			Handler: func(ctx context.Context, ev *Event) error {
				connected := 0
				if info.ConnectedCount != nil {
					connected = info.ConnectedCount()
				}
				total := 0
				if info.TotalUsers != nil {
					total = info.TotalUsers()
				}
				return ev.Reply(fmt.Sprintf("connected sessions: %d\nregistered users: %d", connected, total))
			},
		})
	})
}
