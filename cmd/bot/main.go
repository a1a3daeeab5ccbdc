package main

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/zhandos-dev/komek-bot/internal/admin"
	"github.com/zhandos-dev/komek-bot/internal/conversation"
	"github.com/zhandos-dev/komek-bot/internal/dialog"
	"github.com/zhandos-dev/komek-bot/internal/gateway"
	"github.com/zhandos-dev/komek-bot/internal/matcher"
	"github.com/zhandos-dev/komek-bot/internal/models"
	"github.com/zhandos-dev/komek-bot/internal/storage"
	"github.com/zhandos-dev/komek-bot/pkg/config"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err), zap.String("path", "config.yaml"))
	}

	// Initialize storage
	var store storage.Storage
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory storage")
		store = storage.NewMemoryStorage()
	} else {
		logger.Info("Using PostgreSQL storage")
		store, err = storage.NewPostgresStorage(storage.DatabaseConfig{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			DBName:      cfg.Database.DBName,
			SSLMode:     cfg.Database.SSLMode,
			UseInMemory: cfg.Database.UseInMemory,
		})
		if err != nil {
			logger.Fatal("Failed to initialize storage", zap.Error(err))
		}
	}
	defer store.Close()

	// Initialize gateway
	gw, err := gateway.NewTelegram(cfg.Telegram.Token, logger)
	if err != nil {
		logger.Fatal("Failed to create gateway", zap.Error(err))
	}

	// Admin commands claim their traffic before any conversation runs.
	admin.New(gw, store, cfg.Bot.Admins, logger)

	// Conversation engine with the two intake dialogues.
	engine := conversation.NewEngine(gw, cfg.Conversation.MaxSessions, logger)
	m := matcher.New(gw, store, engine, cfg.Matching.ScoreThreshold, logger)

	engine.Register(dialog.PsychologistIntake(),
		func(ev gateway.TextEvent) bool {
			usernames, err := store.PsychologistUsernames(context.Background())
			if err != nil {
				logger.Error("Failed to look up psychologist usernames", zap.Error(err))
				return false
			}
			return usernames[ev.Username]
		},
		func(subject conversation.Identity, answers map[string]string) {
			ps := &models.Psychologist{
				ChatID:       subject.ChatID,
				Name:         answers["name"],
				Username:     subject.Username,
				Langs:        []string{answers["langs"]},
				Sexes:        []string{answers["sexes"]},
				ProblemTypes: strings.Fields(answers["problem_types"]),
			}
			if err := store.UpsertPsychologist(context.Background(), ps); err != nil {
				logger.Error("Failed to save psychologist", zap.Error(err),
					zap.Int64("chat_id", subject.ChatID))
			}
		})

	engine.Register(dialog.ClientIntake(),
		func(ev gateway.TextEvent) bool {
			ctx := context.Background()
			usernames, err := store.PsychologistUsernames(ctx)
			if err != nil {
				logger.Error("Failed to look up psychologist usernames", zap.Error(err))
				return false
			}
			if usernames[ev.Username] {
				return false
			}
			_, err = store.GetClient(ctx, ev.ChatID)
			return errors.Is(err, storage.ErrNotFound)
		},
		func(subject conversation.Identity, answers map[string]string) {
			age, _ := strconv.Atoi(answers["age"])
			client := &models.Client{
				ChatID:      subject.ChatID,
				CreatedAt:   time.Now(),
				Name:        answers["name"],
				Lang:        answers["lang"],
				Sex:         answers["sex"],
				Age:         age,
				City:        answers["city"],
				ProblemType: answers["problem_type"],
				ProblemDesc: answers["problem_desc"],
			}
			ctx := context.Background()
			if err := store.UpsertClient(ctx, client); err != nil {
				logger.Error("Failed to save client", zap.Error(err),
					zap.Int64("chat_id", subject.ChatID))
				return
			}
			if err := m.MatchClient(ctx, client); err != nil {
				logger.Error("Failed to match client", zap.Error(err),
					zap.Int64("chat_id", subject.ChatID))
			}
		})

	gw.RegisterTextHandler(engine.StartHandler())
	gw.RegisterTextHandler(engine.AnswerHandler())
	gw.RegisterControlHandler(engine.ChoiceHandler())

	logger.Info("Bot started")
	if err := gw.Run(); err != nil {
		logger.Fatal("Bot error", zap.Error(err))
	}
}
