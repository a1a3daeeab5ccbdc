package conversation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zhandos-dev/komek-bot/internal/gateway"
	"go.uber.org/zap"
)

// controlKind prefixes every option-button payload. The full payload is
// "ans:<definitionID>:<questionIndex>:<value>", which scopes dispatch to one
// question instance and makes duplicate deliveries harmless.
const controlKind = "ans"

// Identity names the party a session belongs to.
type Identity struct {
	ChatID   int64
	Username string
}

// CompletionFunc receives the finished answer set, one entry per question
// key, holding validator-transformed values.
type CompletionFunc func(subject Identity, answers map[string]string)

// AdmitFunc decides whether an inbound start event should open this
// definition. A nil AdmitFunc means the definition is only ever started
// explicitly via Start.
type AdmitFunc func(ev gateway.TextEvent) bool

type registration struct {
	def   *Definition
	admit AdmitFunc
	done  CompletionFunc
}

type session struct {
	subject    Identity
	def        *Definition
	done       CompletionFunc
	index      int
	answers    map[string]string
	lastActive time.Time
}

// Engine drives subjects through registered Definitions. It is the sole owner
// of session state: at most one live session per subject, all access behind
// one mutex. Sessions are in-memory only; a restart drops dialogues that are
// mid-flight.
type Engine struct {
	gw          gateway.Gateway
	logger      *zap.Logger
	maxSessions int

	mu            sync.Mutex
	sessions      map[int64]*session
	registrations []registration
}

func NewEngine(gw gateway.Gateway, maxSessions int, logger *zap.Logger) *Engine {
	return &Engine{
		gw:          gw,
		logger:      logger,
		maxSessions: maxSessions,
		sessions:    make(map[int64]*session),
	}
}

// Register adds a definition with its admission predicate and completion
// callback. Admission predicates are evaluated in registration order.
func (e *Engine) Register(def *Definition, admit AdmitFunc, done CompletionFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registrations = append(e.registrations, registration{def: def, admit: admit, done: done})
}

// Select returns the id of the first registered definition whose admission
// predicate matches the event, if any.
func (e *Engine) Select(ev gateway.TextEvent) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, reg := range e.registrations {
		if reg.admit != nil && reg.admit(ev) {
			return reg.def.ID, true
		}
	}
	return "", false
}

// Start opens a session for the subject at question zero, emitting the intro
// text first. An existing session for the same subject is replaced.
func (e *Engine) Start(subject Identity, definitionID string) error {
	e.mu.Lock()
	reg, ok := e.lookupLocked(definitionID)
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("unknown conversation definition %q", definitionID)
	}

	if _, live := e.sessions[subject.ChatID]; !live && len(e.sessions) >= e.maxSessions {
		e.evictOldestLocked()
	}
	e.sessions[subject.ChatID] = &session{
		subject:    subject,
		def:        reg.def,
		done:       reg.done,
		answers:    make(map[string]string),
		lastActive: time.Now(),
	}
	e.mu.Unlock()

	if reg.def.Intro != "" {
		e.gw.SendMessage(subject.ChatID, reg.def.Intro)
	}
	e.ask(subject.ChatID, reg.def, 0)
	return nil
}

// SubmitAnswer feeds a freeform reply into the subject's live session. It is
// a no-op when no session exists or the current question is option-driven.
func (e *Engine) SubmitAnswer(chatID int64, raw string) {
	e.mu.Lock()
	s, ok := e.sessions[chatID]
	if !ok || s.current().Options != nil {
		e.mu.Unlock()
		return
	}

	q := s.current()
	value := raw
	if q.Validate != nil {
		v, err := q.Validate(raw)
		if err != nil {
			// A client error tears the session down under the same lock
			// that ran the validator; flunk only delivers the messages.
			var ce *ClientError
			if errors.As(err, &ce) {
				delete(e.sessions, chatID)
			}
			e.mu.Unlock()
			e.flunk(chatID, q, err)
			return
		}
		value = v
	}
	e.acceptLocked(s, value)
}

// SubmitChoice feeds an option-button press into the subject's live session.
// Presses that reference a definition or question index the session is no
// longer at are ignored, which makes duplicate delivery of the same press a
// no-op.
func (e *Engine) SubmitChoice(chatID int64, definitionID string, index int, value string) {
	e.mu.Lock()
	s, ok := e.sessions[chatID]
	if !ok || s.def.ID != definitionID || s.index != index {
		e.mu.Unlock()
		return
	}
	q := s.current()
	if !hasOption(q.Options, value) {
		e.mu.Unlock()
		return
	}
	e.acceptLocked(s, value)
}

// acceptLocked stores the value and either advances or completes the
// session. Called with e.mu held; releases it before any outbound traffic.
func (e *Engine) acceptLocked(s *session, value string) {
	q := s.current()
	s.answers[q.Key] = value
	s.index++
	s.lastActive = time.Now()

	if s.index < len(s.def.Questions) {
		chatID := s.subject.ChatID
		def, idx := s.def, s.index
		e.mu.Unlock()
		e.ask(chatID, def, idx)
		return
	}

	// Last answer accepted: destroy the session before the callback runs so
	// the callback may start a fresh conversation for the same subject.
	delete(e.sessions, s.subject.ChatID)
	e.mu.Unlock()

	if s.def.Closing != "" {
		e.gw.SendMessage(s.subject.ChatID, s.def.Closing)
	}
	if s.done != nil {
		s.done(s.subject, s.answers)
	}
}

// flunk delivers a validator failure to the subject: hint plus re-ask on a
// format error, the abort reason on a client error. Session state is not
// touched here; the caller resolved it under the lock.
func (e *Engine) flunk(chatID int64, q Question, err error) {
	var fe *FormatError
	var ce *ClientError
	switch {
	case errors.As(err, &ce):
		e.gw.SendMessage(chatID, ce.Reason)
	case errors.As(err, &fe):
		e.gw.SendMessage(chatID, fe.Hint)
		e.gw.SendMessage(chatID, q.Prompt)
	default:
		e.logger.Warn("validator returned an untyped error",
			zap.Error(err),
			zap.Int64("chat_id", chatID),
			zap.String("question", q.Key))
		e.gw.SendMessage(chatID, q.Prompt)
	}
}

func (e *Engine) ask(chatID int64, def *Definition, index int) {
	q := def.Questions[index]
	if q.Options == nil {
		e.gw.SendMessage(chatID, q.Prompt)
		return
	}
	controls := gateway.Controls{
		Kind:    fmt.Sprintf("%s:%s:%d", controlKind, def.ID, index),
		Options: q.Options,
	}
	if _, err := e.gw.SendControls(chatID, q.Prompt, controls); err != nil {
		e.logger.Error("failed to ask option question",
			zap.Error(err),
			zap.Int64("chat_id", chatID),
			zap.String("definition", def.ID),
			zap.Int("question", index))
	}
}

// StartHandler matches inbound /start commands and opens the first admitted
// definition, if any.
func (e *Engine) StartHandler() gateway.TextHandler {
	return gateway.TextHandler{
		Match: func(ev gateway.TextEvent) bool { return ev.Text == "/start" },
		Handle: func(ev gateway.TextEvent) {
			defID, ok := e.Select(ev)
			if !ok {
				return
			}
			subject := Identity{ChatID: ev.ChatID, Username: ev.Username}
			if err := e.Start(subject, defID); err != nil {
				e.logger.Error("failed to start conversation",
					zap.Error(err),
					zap.Int64("chat_id", ev.ChatID))
			}
		},
	}
}

// AnswerHandler matches freeform text from subjects whose live session is
// waiting on a freeform question.
func (e *Engine) AnswerHandler() gateway.TextHandler {
	return gateway.TextHandler{
		Match: func(ev gateway.TextEvent) bool {
			e.mu.Lock()
			defer e.mu.Unlock()
			s, ok := e.sessions[ev.ChatID]
			return ok && s.current().Options == nil
		},
		Handle: func(ev gateway.TextEvent) {
			e.SubmitAnswer(ev.ChatID, ev.Text)
		},
	}
}

// ChoiceHandler matches option-button presses for any registered definition.
// The payload carries the definition id and question index, so dispatch
// needs no per-question handler registration.
func (e *Engine) ChoiceHandler() gateway.ControlHandler {
	return gateway.ControlHandler{
		Match: func(ev gateway.ControlEvent) bool { return ev.Kind() == controlKind },
		Handle: func(ev gateway.ControlEvent) {
			parts := strings.SplitN(ev.Value(), ":", 3)
			if len(parts) != 3 {
				return
			}
			index, err := strconv.Atoi(parts[1])
			if err != nil {
				return
			}
			e.gw.EditControls(ev.ChatID, ev.MessageID, nil)
			e.SubmitChoice(ev.ChatID, parts[0], index, parts[2])
		},
	}
}

// Live reports whether the subject has an open session. Used by admission
// predicates and tests.
func (e *Engine) Live(chatID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sessions[chatID]
	return ok
}

func (e *Engine) lookupLocked(definitionID string) (registration, bool) {
	for _, reg := range e.registrations {
		if reg.def.ID == definitionID {
			return reg, true
		}
	}
	return registration{}, false
}

func (e *Engine) evictOldestLocked() {
	var oldest int64
	var oldestAt time.Time
	for chatID, s := range e.sessions {
		if oldestAt.IsZero() || s.lastActive.Before(oldestAt) {
			oldest, oldestAt = chatID, s.lastActive
		}
	}
	if !oldestAt.IsZero() {
		delete(e.sessions, oldest)
		e.logger.Info("evicted stale conversation session", zap.Int64("chat_id", oldest))
	}
}

func (s *session) current() Question {
	return s.def.Questions[s.index]
}

func hasOption(options []gateway.Option, value string) bool {
	for _, opt := range options {
		if opt.Value == value {
			return true
		}
	}
	return false
}
