package storage

import (
	"context"
	"sync"

	"github.com/zhandos-dev/komek-bot/internal/models"
)

type assignmentKey struct {
	psChatID  int64
	messageID int
}

// MemoryStorage mirrors the Postgres semantics behind one mutex, which also
// makes the claim transition atomic. Used by tests and small deployments.
type MemoryStorage struct {
	mu            sync.RWMutex
	clients       map[int64]*models.Client
	psychologists map[string]*models.Psychologist
	psOrder       []string
	assignments   map[assignmentKey]*models.Assignment
	admins        map[int64]bool
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		clients:       make(map[int64]*models.Client),
		psychologists: make(map[string]*models.Psychologist),
		assignments:   make(map[assignmentKey]*models.Assignment),
		admins:        make(map[int64]bool),
	}
}

func (s *MemoryStorage) UpsertClient(ctx context.Context, client *models.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *client
	if existing, ok := s.clients[client.ChatID]; ok {
		c.Score = existing.Score
		c.Review = existing.Review
	}
	s.clients[client.ChatID] = &c
	return nil
}

func (s *MemoryStorage) GetClient(ctx context.Context, chatID int64) (*models.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *client
	return &c, nil
}

func (s *MemoryStorage) SetClientFeedback(ctx context.Context, chatID int64, score int, review string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[chatID]
	if !ok {
		return ErrNotFound
	}
	client.Score = &score
	client.Review = &review
	return nil
}

func (s *MemoryStorage) ListClients(ctx context.Context) ([]*models.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*models.Client, 0, len(s.clients))
	for _, client := range s.clients {
		c := *client
		clients = append(clients, &c)
	}
	return clients, nil
}

func (s *MemoryStorage) UpsertPsychologist(ctx context.Context, ps *models.Psychologist) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.psychologists[ps.Username]; !ok {
		s.psOrder = append(s.psOrder, ps.Username)
	}
	p := *ps
	s.psychologists[ps.Username] = &p
	return nil
}

func (s *MemoryStorage) ListPsychologists(ctx context.Context) ([]*models.Psychologist, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]*models.Psychologist, 0, len(s.psOrder))
	for _, username := range s.psOrder {
		p := *s.psychologists[username]
		list = append(list, &p)
	}
	return list, nil
}

func (s *MemoryStorage) PsychologistByChat(ctx context.Context, chatID int64) (*models.Psychologist, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, username := range s.psOrder {
		if s.psychologists[username].ChatID == chatID {
			p := *s.psychologists[username]
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStorage) PsychologistUsernames(ctx context.Context) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	usernames := make(map[string]bool, len(s.psychologists))
	for username := range s.psychologists {
		usernames[username] = true
	}
	return usernames, nil
}

func (s *MemoryStorage) CreateAssignment(ctx context.Context, a *models.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	s.assignments[assignmentKey{a.PsChatID, a.MessageID}] = &cp
	return nil
}

func (s *MemoryStorage) AssignmentByMessage(ctx context.Context, psChatID int64, messageID int) (*models.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assignments[assignmentKey{psChatID, messageID}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStorage) ClaimedAssignmentByClient(ctx context.Context, clientChatID int64) (*models.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.assignments {
		if a.ClientChatID == clientChatID &&
			(a.Status == models.AssignmentClaimed || a.Status == models.AssignmentFinished) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStorage) ClaimAssignment(ctx context.Context, psChatID int64, messageID int) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := assignmentKey{psChatID, messageID}
	a, ok := s.assignments[key]
	if !ok || a.Status != models.AssignmentOffered {
		return 0, false, nil
	}

	for k, sibling := range s.assignments {
		if sibling.ClientChatID == a.ClientChatID && k != key {
			delete(s.assignments, k)
		}
	}
	a.Status = models.AssignmentClaimed
	return a.ClientChatID, true, nil
}

func (s *MemoryStorage) SetAssignmentStatus(ctx context.Context, psChatID int64, messageID int, status models.AssignmentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[assignmentKey{psChatID, messageID}]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	return nil
}

func (s *MemoryStorage) DeleteClientAssignments(ctx context.Context, clientChatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, a := range s.assignments {
		if a.ClientChatID == clientChatID {
			delete(s.assignments, k)
		}
	}
	return nil
}

func (s *MemoryStorage) UpsertAdmin(ctx context.Context, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.admins[chatID] = true
	return nil
}

func (s *MemoryStorage) ListAdmins(ctx context.Context) ([]models.Admin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	admins := make([]models.Admin, 0, len(s.admins))
	for chatID := range s.admins {
		admins = append(admins, models.Admin{ChatID: chatID})
	}
	return admins, nil
}

func (s *MemoryStorage) Close() error {
	return nil
}
