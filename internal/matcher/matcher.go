// Package matcher broadcasts completed client profiles to eligible
// psychologists, arbitrates the first claim, handles the post-claim report
// and collects feedback.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/zhandos-dev/komek-bot/internal/conversation"
	"github.com/zhandos-dev/komek-bot/internal/dialog"
	"github.com/zhandos-dev/komek-bot/internal/gateway"
	"github.com/zhandos-dev/komek-bot/internal/models"
	"github.com/zhandos-dev/komek-bot/internal/storage"
	"go.uber.org/zap"
)

const (
	clientRules = "A few ground rules: the first session lasts 50 minutes, " +
		"please be on time and let the psychologist know in advance if you " +
		"cannot make it. Everything you share stays confidential."
	stillOpenNotice    = "The client is still open"
	alreadyTakenNotice = "Already taken"
	yoursNotice        = "The client is yours. They will write to you soon"
	silentNotice       = "You have not written to your psychologist, so the session was closed."
	goneNotice         = "This assignment is no longer available"
)

type Matcher struct {
	gw             gateway.Gateway
	store          storage.Storage
	engine         *conversation.Engine
	logger         *zap.Logger
	scoreThreshold int
}

// New wires the matcher into the gateway and registers the feedback dialogue
// with the engine. The feedback definition has no admission predicate: only
// the matcher starts it, after a psychologist reports a finished session.
func New(gw gateway.Gateway, store storage.Storage, engine *conversation.Engine, scoreThreshold int, logger *zap.Logger) *Matcher {
	m := &Matcher{
		gw:             gw,
		store:          store,
		engine:         engine,
		logger:         logger,
		scoreThreshold: scoreThreshold,
	}

	engine.Register(dialog.Feedback(), nil, m.completeFeedback)

	gw.RegisterControlHandler(gateway.ControlHandler{
		Match:  func(ev gateway.ControlEvent) bool { return ev.Kind() == offerControls.Kind },
		Handle: m.handleOffer,
	})
	gw.RegisterControlHandler(gateway.ControlHandler{
		Match:  func(ev gateway.ControlEvent) bool { return ev.Kind() == handoffControls.Kind },
		Handle: m.handleHandoff,
	})
	return m
}

// MatchClient sends an offer to every eligible psychologist, records an
// offered assignment per message, and mirrors the profile to every admin.
// Psychologists are read from storage on every call; offers go out in
// registration order.
func (m *Matcher) MatchClient(ctx context.Context, client *models.Client) error {
	psychologists, err := m.store.ListPsychologists(ctx)
	if err != nil {
		return fmt.Errorf("failed to list psychologists: %w", err)
	}

	offered := 0
	for _, ps := range psychologists {
		if !ps.Accepts(client) {
			continue
		}
		messageID, err := m.gw.SendControls(ps.ChatID, client.Summary(), offerControls)
		if err != nil {
			m.logger.Error("failed to send offer",
				zap.Error(err),
				zap.Int64("ps_chat_id", ps.ChatID),
				zap.Int64("client_chat_id", client.ChatID))
			continue
		}
		a := &models.Assignment{
			ClientChatID: client.ChatID,
			PsChatID:     ps.ChatID,
			MessageID:    messageID,
			Status:       models.AssignmentOffered,
		}
		if err := m.store.CreateAssignment(ctx, a); err != nil {
			m.logger.Error("failed to record offer",
				zap.Error(err),
				zap.Int64("ps_chat_id", ps.ChatID),
				zap.Int64("client_chat_id", client.ChatID))
			continue
		}
		offered++
	}

	m.logger.Info("client matched",
		zap.Int64("client_chat_id", client.ChatID),
		zap.Int("offers", offered))

	m.notifyAdmins(ctx, client.Summary())
	return nil
}

func (m *Matcher) handleOffer(ev gateway.ControlEvent) {
	ctx := context.Background()

	switch ev.Value() {
	case "decline":
		m.gw.EditControls(ev.ChatID, ev.MessageID, nil)
		err := m.store.SetAssignmentStatus(ctx, ev.ChatID, ev.MessageID, models.AssignmentDeclined)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			m.logger.Error("failed to record decline", zap.Error(err),
				zap.Int64("ps_chat_id", ev.ChatID))
		}
		m.gw.AnswerControl(ev.CallbackID, "")

	case "status":
		a, err := m.store.AssignmentByMessage(ctx, ev.ChatID, ev.MessageID)
		if err == nil && a.Status == models.AssignmentOffered {
			m.gw.AnswerControl(ev.CallbackID, stillOpenNotice)
			return
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			m.logger.Error("failed to look up offer", zap.Error(err),
				zap.Int64("ps_chat_id", ev.ChatID))
		}
		m.gw.AnswerControl(ev.CallbackID, alreadyTakenNotice)

	case "take":
		m.handleTake(ctx, ev)
	}
}

// handleTake is the race: several psychologists may press take at once. The
// storage claim is atomic, so exactly one caller wins; everyone else is told
// the client is gone, which is also what a stale button press gets.
func (m *Matcher) handleTake(ctx context.Context, ev gateway.ControlEvent) {
	clientChatID, won, err := m.store.ClaimAssignment(ctx, ev.ChatID, ev.MessageID)
	if err != nil {
		// Keyboard stays up so the press can actually be retried.
		m.logger.Error("claim failed", zap.Error(err),
			zap.Int64("ps_chat_id", ev.ChatID),
			zap.Int("message_id", ev.MessageID))
		m.gw.AnswerControl(ev.CallbackID, "Something went wrong, please try again")
		return
	}
	if !won {
		m.gw.EditControls(ev.ChatID, ev.MessageID, nil)
		m.gw.AnswerControl(ev.CallbackID, alreadyTakenNotice)
		return
	}

	m.logger.Info("client claimed",
		zap.Int64("client_chat_id", clientChatID),
		zap.Int64("ps_chat_id", ev.ChatID))

	m.gw.AnswerControl(ev.CallbackID, yoursNotice)
	m.gw.EditControls(ev.ChatID, ev.MessageID, &handoffControls)
	m.gw.SendMessage(clientChatID, clientRules)
	m.gw.SendMessage(clientChatID,
		fmt.Sprintf("Psychologist @%s agreed to help you. They will contact you shortly.", ev.Username))
}

func (m *Matcher) handleHandoff(ev gateway.ControlEvent) {
	ctx := context.Background()

	a, err := m.store.AssignmentByMessage(ctx, ev.ChatID, ev.MessageID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.logger.Error("failed to look up assignment", zap.Error(err),
				zap.Int64("ps_chat_id", ev.ChatID))
		}
		m.gw.AnswerControl(ev.CallbackID, goneNotice)
		return
	}
	// Only a claimed assignment can be reported on. A re-delivered press on
	// an already finished or purged row must not restart feedback.
	if a.Status != models.AssignmentClaimed {
		m.gw.AnswerControl(ev.CallbackID, goneNotice)
		return
	}

	m.gw.EditControls(ev.ChatID, ev.MessageID, nil)
	m.gw.AnswerControl(ev.CallbackID, "")

	switch ev.Value() {
	case "silent":
		m.gw.SendMessage(a.ClientChatID, silentNotice)
		if err := m.store.DeleteClientAssignments(ctx, a.ClientChatID); err != nil {
			m.logger.Error("failed to purge assignments", zap.Error(err),
				zap.Int64("client_chat_id", a.ClientChatID))
		}
	case "finished":
		if err := m.store.SetAssignmentStatus(ctx, ev.ChatID, ev.MessageID, models.AssignmentFinished); err != nil {
			m.logger.Error("failed to finish assignment", zap.Error(err),
				zap.Int64("ps_chat_id", ev.ChatID))
		}
		subject := conversation.Identity{ChatID: a.ClientChatID}
		if err := m.engine.Start(subject, dialog.FeedbackID); err != nil {
			m.logger.Error("failed to start feedback", zap.Error(err),
				zap.Int64("client_chat_id", a.ClientChatID))
		}
	}
}

// completeFeedback stores the score and review on the client record and
// escalates low scores to the admins with the review text verbatim.
func (m *Matcher) completeFeedback(subject conversation.Identity, answers map[string]string) {
	ctx := context.Background()

	score, err := strconv.Atoi(answers["score"])
	if err != nil {
		m.logger.Error("feedback score is not a number",
			zap.String("score", answers["score"]),
			zap.Int64("client_chat_id", subject.ChatID))
		return
	}
	review := answers["review"]

	if err := m.store.SetClientFeedback(ctx, subject.ChatID, score, review); err != nil {
		m.logger.Error("failed to save feedback", zap.Error(err),
			zap.Int64("client_chat_id", subject.ChatID))
	}

	if score >= m.scoreThreshold {
		return
	}

	psName := "unknown"
	if a, err := m.store.ClaimedAssignmentByClient(ctx, subject.ChatID); err == nil {
		if ps, err := m.store.PsychologistByChat(ctx, a.PsChatID); err == nil {
			psName = ps.Name
		}
	}
	m.notifyAdmins(ctx, fmt.Sprintf("Psychologist: %s\nScore: %d\nReview: %s", psName, score, review))
}

func (m *Matcher) notifyAdmins(ctx context.Context, text string) {
	admins, err := m.store.ListAdmins(ctx)
	if err != nil {
		m.logger.Error("failed to list admins", zap.Error(err))
		return
	}
	for _, admin := range admins {
		m.gw.SendMessage(admin.ChatID, text)
	}
}
