// Package admin implements the operator commands behind a static username
// allow-list: /add registers a psychologist, /dump exports the client base.
package admin

import (
	"context"
	"strings"

	"github.com/zhandos-dev/komek-bot/internal/export"
	"github.com/zhandos-dev/komek-bot/internal/gateway"
	"github.com/zhandos-dev/komek-bot/internal/models"
	"github.com/zhandos-dev/komek-bot/internal/storage"
	"go.uber.org/zap"
)

const helpText = "You are an administrator. Available commands:\n" +
	"/dump - download the client base as CSV\n" +
	"/add {username} - register a psychologist"

type Commands struct {
	gw     gateway.Gateway
	store  storage.Storage
	logger *zap.Logger
	allow  map[string]bool
}

// New wires the admin commands into the gateway. Register it before the
// conversation handlers so admin traffic never reaches the intake dialogues.
func New(gw gateway.Gateway, store storage.Storage, usernames []string, logger *zap.Logger) *Commands {
	allow := make(map[string]bool, len(usernames))
	for _, u := range usernames {
		allow[strings.TrimPrefix(u, "@")] = true
	}
	c := &Commands{gw: gw, store: store, logger: logger, allow: allow}

	gw.RegisterTextHandler(gateway.TextHandler{
		Match:  c.IsAdmin,
		Handle: c.handle,
	})
	return c
}

// IsAdmin reports whether the event sender is on the allow-list.
func (c *Commands) IsAdmin(ev gateway.TextEvent) bool {
	return c.allow[ev.Username]
}

func (c *Commands) handle(ev gateway.TextEvent) {
	ctx := context.Background()

	// Remember the admin's chat so escalations and profile mirrors can
	// reach them later.
	if err := c.store.UpsertAdmin(ctx, ev.ChatID); err != nil {
		c.logger.Error("failed to record admin chat", zap.Error(err),
			zap.Int64("chat_id", ev.ChatID))
	}

	switch {
	case strings.HasPrefix(ev.Text, "/add"):
		c.handleAdd(ctx, ev)
	case strings.HasPrefix(ev.Text, "/dump"):
		c.handleDump(ctx, ev)
	default:
		c.gw.SendMessage(ev.ChatID, helpText)
	}
}

func (c *Commands) handleAdd(ctx context.Context, ev gateway.TextEvent) {
	fields := strings.Fields(ev.Text)
	if len(fields) < 2 {
		c.gw.SendMessage(ev.ChatID, "Usage: /add {username}")
		return
	}
	username := strings.TrimPrefix(fields[len(fields)-1], "@")

	ps := &models.Psychologist{Username: username}
	if err := c.store.UpsertPsychologist(ctx, ps); err != nil {
		c.logger.Error("failed to register psychologist", zap.Error(err),
			zap.String("username", username))
		c.gw.SendMessage(ev.ChatID, "Could not register the psychologist, please try again")
		return
	}
	c.gw.SendMessage(ev.ChatID, "Psychologist added. They now need to complete the questionnaire")
}

func (c *Commands) handleDump(ctx context.Context, ev gateway.TextEvent) {
	clients, err := c.store.ListClients(ctx)
	if err != nil {
		c.logger.Error("failed to list clients", zap.Error(err))
		c.gw.SendMessage(ev.ChatID, "Could not export the client base, please try again")
		return
	}

	filename, data, err := export.ClientsCSV(clients)
	if err != nil {
		c.logger.Error("failed to render export", zap.Error(err))
		c.gw.SendMessage(ev.ChatID, "Could not export the client base, please try again")
		return
	}
	if err := c.gw.SendDocument(ev.ChatID, filename, data); err != nil {
		c.logger.Error("failed to send export", zap.Error(err),
			zap.Int64("chat_id", ev.ChatID))
	}
}
