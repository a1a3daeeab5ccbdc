package matcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhandos-dev/komek-bot/internal/conversation"
	"github.com/zhandos-dev/komek-bot/internal/gateway"
	"github.com/zhandos-dev/komek-bot/internal/models"
	"github.com/zhandos-dev/komek-bot/internal/storage"
	"go.uber.org/zap"
)

type sentControls struct {
	chatID    int64
	text      string
	controls  gateway.Controls
	messageID int
}

type sentMessage struct {
	chatID int64
	text   string
}

type editedControls struct {
	chatID    int64
	messageID int
	controls  *gateway.Controls
}

// fakeGateway records outbound traffic and replays control presses through
// the registered handlers, like the transport would.
type fakeGateway struct {
	mu       sync.Mutex
	messages []sentMessage
	controls []sentControls
	edits    []editedControls
	answers  []string
	nextID   int
	handlers []gateway.ControlHandler
}

func (f *fakeGateway) SendMessage(chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, sentMessage{chatID, text})
	return nil
}

func (f *fakeGateway) SendControls(chatID int64, text string, controls gateway.Controls) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.controls = append(f.controls, sentControls{chatID, text, controls, f.nextID})
	return f.nextID, nil
}

func (f *fakeGateway) EditControls(chatID int64, messageID int, controls *gateway.Controls) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, editedControls{chatID, messageID, controls})
	return nil
}

func (f *fakeGateway) AnswerControl(callbackID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeGateway) SendDocument(chatID int64, name string, b []byte) error { return nil }
func (f *fakeGateway) RegisterTextHandler(h gateway.TextHandler)              {}

func (f *fakeGateway) RegisterControlHandler(h gateway.ControlHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, h)
}

// press simulates a button press on a previously sent message.
func (f *fakeGateway) press(chatID int64, messageID int, username, data string) {
	ev := gateway.ControlEvent{
		CallbackID: fmt.Sprintf("cb-%d-%d", chatID, messageID),
		ChatID:     chatID,
		Username:   username,
		MessageID:  messageID,
		Data:       data,
	}
	f.mu.Lock()
	handlers := f.handlers
	f.mu.Unlock()
	for _, h := range handlers {
		if h.Match(ev) {
			h.Handle(ev)
			return
		}
	}
}

func (f *fakeGateway) messagesTo(chatID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.messages {
		if m.chatID == chatID {
			out = append(out, m.text)
		}
	}
	return out
}

func (f *fakeGateway) editsOf(chatID int64, messageID int) []editedControls {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []editedControls
	for _, e := range f.edits {
		if e.chatID == chatID && e.messageID == messageID {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeGateway) countAnswers(text string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.answers {
		if a == text {
			n++
		}
	}
	return n
}

const adminChatID int64 = 900

func testClient() *models.Client {
	return &models.Client{
		ChatID:      100,
		Name:        "Aruzhan",
		Lang:        models.LangKazakh,
		Sex:         models.SexFemale,
		Age:         24,
		City:        "Almaty",
		ProblemType: "anxiety",
		ProblemDesc: "panic attacks at work",
	}
}

func testPsychologist(chatID int64, username string, langs, sexes, problems []string) *models.Psychologist {
	return &models.Psychologist{
		ChatID:       chatID,
		Name:         "Dr " + username,
		Username:     username,
		Langs:        langs,
		Sexes:        sexes,
		ProblemTypes: problems,
	}
}

func newTestMatcher(t *testing.T) (*Matcher, *fakeGateway, *storage.MemoryStorage, *conversation.Engine) {
	t.Helper()
	gw := &fakeGateway{}
	store := storage.NewMemoryStorage()
	engine := conversation.NewEngine(gw, 64, zap.NewNop())
	m := New(gw, store, engine, 3, zap.NewNop())

	require.NoError(t, store.UpsertAdmin(context.Background(), adminChatID))
	return m, gw, store, engine
}

func TestMatchClient_OnlyEligibleGetOffers(t *testing.T) {
	m, gw, store, _ := newTestMatcher(t)
	ctx := context.Background()

	eligible := testPsychologist(11, "aigerim",
		[]string{models.LangKazakh}, []string{models.SexFemale}, []string{"anxiety", "grief"})
	wrongLang := testPsychologist(12, "boris",
		[]string{models.LangRussian}, []string{models.Any}, []string{"anxiety"})
	require.NoError(t, store.UpsertPsychologist(ctx, eligible))
	require.NoError(t, store.UpsertPsychologist(ctx, wrongLang))

	client := testClient()
	require.NoError(t, store.UpsertClient(ctx, client))
	require.NoError(t, m.MatchClient(ctx, client))

	require.Len(t, gw.controls, 1)
	assert.Equal(t, int64(11), gw.controls[0].chatID)
	assert.Equal(t, client.Summary(), gw.controls[0].text)
	assert.Equal(t, "offer", gw.controls[0].controls.Kind)

	a, err := store.AssignmentByMessage(ctx, 11, gw.controls[0].messageID)
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentOffered, a.Status)

	// The profile is mirrored to admins but carries no offer controls.
	assert.Equal(t, []string{client.Summary()}, gw.messagesTo(adminChatID))
}

func TestMatchClient_WildcardMatchesEitherAttribute(t *testing.T) {
	m, gw, store, _ := newTestMatcher(t)
	ctx := context.Background()

	anyAny := testPsychologist(21, "carl",
		[]string{models.Any}, []string{models.Any}, []string{"anxiety"})
	require.NoError(t, store.UpsertPsychologist(ctx, anyAny))

	require.NoError(t, m.MatchClient(ctx, testClient()))
	require.Len(t, gw.controls, 1)
	assert.Equal(t, int64(21), gw.controls[0].chatID)
}

func broadcastToTwo(t *testing.T) (*Matcher, *fakeGateway, *storage.MemoryStorage, *conversation.Engine) {
	t.Helper()
	m, gw, store, engine := newTestMatcher(t)
	ctx := context.Background()

	for i, username := range []string{"first", "second"} {
		ps := testPsychologist(int64(11+i), username,
			[]string{models.Any}, []string{models.Any}, []string{"anxiety"})
		require.NoError(t, store.UpsertPsychologist(ctx, ps))
	}
	client := testClient()
	require.NoError(t, store.UpsertClient(ctx, client))
	require.NoError(t, m.MatchClient(ctx, client))
	require.Len(t, gw.controls, 2)
	return m, gw, store, engine
}

func TestTake_ConcurrentClaimsHaveExactlyOneWinner(t *testing.T) {
	_, gw, store, _ := broadcastToTwo(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, offer := range gw.controls[:2] {
		offer := offer
		wg.Add(1)
		go func() {
			defer wg.Done()
			gw.press(offer.chatID, offer.messageID, "ps", "offer:take")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, gw.countAnswers(yoursNotice))
	assert.Equal(t, 1, gw.countAnswers(alreadyTakenNotice))

	// Exactly one claimed row remains, no offered siblings.
	client := testClient()
	claimed, err := store.ClaimedAssignmentByClient(ctx, client.ChatID)
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentClaimed, claimed.Status)

	for _, offer := range gw.controls[:2] {
		a, err := store.AssignmentByMessage(ctx, offer.chatID, offer.messageID)
		if err == nil {
			assert.Equal(t, models.AssignmentClaimed, a.Status)
		} else {
			assert.ErrorIs(t, err, storage.ErrNotFound)
		}
	}

	// The winner's client got the rules and the match notification.
	texts := gw.messagesTo(client.ChatID)
	require.Len(t, texts, 2)
	assert.Equal(t, clientRules, texts[0])
	assert.Contains(t, texts[1], "agreed to help you")
}

func TestTake_StressManyConcurrentClaims(t *testing.T) {
	m, gw, store, _ := newTestMatcher(t)
	ctx := context.Background()

	const n = 32
	for i := 0; i < n; i++ {
		ps := testPsychologist(int64(1000+i), fmt.Sprintf("ps%02d", i),
			[]string{models.Any}, []string{models.Any}, []string{"anxiety"})
		require.NoError(t, store.UpsertPsychologist(ctx, ps))
	}
	client := testClient()
	require.NoError(t, store.UpsertClient(ctx, client))
	require.NoError(t, m.MatchClient(ctx, client))
	require.Len(t, gw.controls, n)

	var wg sync.WaitGroup
	for _, offer := range gw.controls {
		offer := offer
		wg.Add(1)
		go func() {
			defer wg.Done()
			gw.press(offer.chatID, offer.messageID, "ps", "offer:take")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, gw.countAnswers(yoursNotice))
	assert.Equal(t, n-1, gw.countAnswers(alreadyTakenNotice))
}

func TestTake_OnRetiredOfferReportsAlreadyTaken(t *testing.T) {
	_, gw, _, _ := broadcastToTwo(t)

	winner, loser := gw.controls[0], gw.controls[1]
	gw.press(winner.chatID, winner.messageID, "first", "offer:take")
	gw.press(loser.chatID, loser.messageID, "second", "offer:take")

	assert.Equal(t, 1, gw.countAnswers(yoursNotice))
	assert.Equal(t, 1, gw.countAnswers(alreadyTakenNotice))
}

// flakyClaimStore fails the first claim attempts, then delegates.
type flakyClaimStore struct {
	storage.Storage
	failures int
}

func (s *flakyClaimStore) ClaimAssignment(ctx context.Context, psChatID int64, messageID int) (int64, bool, error) {
	if s.failures > 0 {
		s.failures--
		return 0, false, errors.New("storage unavailable")
	}
	return s.Storage.ClaimAssignment(ctx, psChatID, messageID)
}

func TestTake_StorageErrorKeepsKeyboard(t *testing.T) {
	gw := &fakeGateway{}
	store := &flakyClaimStore{Storage: storage.NewMemoryStorage(), failures: 1}
	engine := conversation.NewEngine(gw, 64, zap.NewNop())
	m := New(gw, store, engine, 3, zap.NewNop())
	ctx := context.Background()

	ps := testPsychologist(11, "first",
		[]string{models.Any}, []string{models.Any}, []string{"anxiety"})
	require.NoError(t, store.UpsertPsychologist(ctx, ps))
	client := testClient()
	require.NoError(t, store.UpsertClient(ctx, client))
	require.NoError(t, m.MatchClient(ctx, client))
	require.Len(t, gw.controls, 1)

	offer := gw.controls[0]
	gw.press(offer.chatID, offer.messageID, "first", "offer:take")
	assert.Equal(t, 1, gw.countAnswers("Something went wrong, please try again"))
	assert.Empty(t, gw.editsOf(offer.chatID, offer.messageID))

	// The buttons are still up, so the retry goes through.
	gw.press(offer.chatID, offer.messageID, "first", "offer:take")
	assert.Equal(t, 1, gw.countAnswers(yoursNotice))
	edits := gw.editsOf(offer.chatID, offer.messageID)
	require.Len(t, edits, 1)
	require.NotNil(t, edits[0].controls)
	assert.Equal(t, handoffControls.Kind, edits[0].controls.Kind)
}

func TestHandoff_StalePressesAreInert(t *testing.T) {
	_, gw, store, engine := broadcastToTwo(t)
	ctx := context.Background()
	client := testClient()

	winner := gw.controls[0]
	gw.press(winner.chatID, winner.messageID, "first", "offer:take")
	gw.press(winner.chatID, winner.messageID, "first", "handoff:finished")
	require.True(t, engine.Live(client.ChatID))

	// Score in, review still pending when the press is re-delivered.
	engine.SubmitChoice(client.ChatID, "feedback", 0, "4")
	gw.press(winner.chatID, winner.messageID, "first", "handoff:finished")
	assert.Equal(t, 1, gw.countAnswers(goneNotice))

	// The mid-flight feedback session survived with its score intact.
	engine.SubmitAnswer(client.ChatID, "all good")
	stored, err := store.GetClient(ctx, client.ChatID)
	require.NoError(t, err)
	require.NotNil(t, stored.Score)
	assert.Equal(t, 4, *stored.Score)

	// A stale silent press after the report cannot purge the record.
	gw.press(winner.chatID, winner.messageID, "first", "handoff:silent")
	assert.Equal(t, 2, gw.countAnswers(goneNotice))
	finished, err := store.ClaimedAssignmentByClient(ctx, client.ChatID)
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentFinished, finished.Status)
	assert.NotContains(t, gw.messagesTo(client.ChatID), silentNotice)
}

func TestDecline_DoesNotAffectSiblingOffers(t *testing.T) {
	_, gw, store, _ := broadcastToTwo(t)
	ctx := context.Background()

	declined, other := gw.controls[0], gw.controls[1]
	gw.press(declined.chatID, declined.messageID, "first", "offer:decline")

	a, err := store.AssignmentByMessage(ctx, declined.chatID, declined.messageID)
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentDeclined, a.Status)

	b, err := store.AssignmentByMessage(ctx, other.chatID, other.messageID)
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentOffered, b.Status)

	// The second psychologist can still claim.
	gw.press(other.chatID, other.messageID, "second", "offer:take")
	assert.Equal(t, 1, gw.countAnswers(yoursNotice))
}

func TestStatus_IsReadOnly(t *testing.T) {
	_, gw, store, _ := broadcastToTwo(t)
	ctx := context.Background()

	offer := gw.controls[0]
	gw.press(offer.chatID, offer.messageID, "first", "offer:status")
	assert.Equal(t, 1, gw.countAnswers(stillOpenNotice))

	a, err := store.AssignmentByMessage(ctx, offer.chatID, offer.messageID)
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentOffered, a.Status)

	// After the other side claims, status flips to already taken and still
	// mutates nothing.
	other := gw.controls[1]
	gw.press(other.chatID, other.messageID, "second", "offer:take")
	gw.press(offer.chatID, offer.messageID, "first", "offer:status")
	assert.Equal(t, 1, gw.countAnswers(alreadyTakenNotice))
}

func TestHandoff_SilentPurgesAssignments(t *testing.T) {
	_, gw, store, _ := broadcastToTwo(t)
	ctx := context.Background()

	winner := gw.controls[0]
	gw.press(winner.chatID, winner.messageID, "first", "offer:take")
	gw.press(winner.chatID, winner.messageID, "first", "handoff:silent")

	client := testClient()
	assert.Contains(t, gw.messagesTo(client.ChatID), silentNotice)
	_, err := store.ClaimedAssignmentByClient(ctx, client.ChatID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHandoff_FinishedStartsFeedback(t *testing.T) {
	_, gw, _, engine := broadcastToTwo(t)

	winner := gw.controls[0]
	gw.press(winner.chatID, winner.messageID, "first", "offer:take")
	gw.press(winner.chatID, winner.messageID, "first", "handoff:finished")

	client := testClient()
	assert.True(t, engine.Live(client.ChatID))
	last := gw.controls[len(gw.controls)-1]
	assert.Equal(t, client.ChatID, last.chatID)
	assert.Len(t, last.controls.Options, 5)
}

func TestFeedback_LowScoreEscalatesVerbatim(t *testing.T) {
	_, gw, store, engine := broadcastToTwo(t)
	ctx := context.Background()
	client := testClient()

	winner := gw.controls[0]
	gw.press(winner.chatID, winner.messageID, "first", "offer:take")
	gw.press(winner.chatID, winner.messageID, "first", "handoff:finished")

	// Score 2, below the threshold of 3.
	engine.SubmitChoice(client.ChatID, "feedback", 0, "2")
	engine.SubmitAnswer(client.ChatID, "the session felt rushed")

	stored, err := store.GetClient(ctx, client.ChatID)
	require.NoError(t, err)
	require.NotNil(t, stored.Score)
	assert.Equal(t, 2, *stored.Score)
	require.NotNil(t, stored.Review)
	assert.Equal(t, "the session felt rushed", *stored.Review)

	admin := gw.messagesTo(adminChatID)
	require.NotEmpty(t, admin)
	assert.Equal(t, "Psychologist: Dr first\nScore: 2\nReview: the session felt rushed", admin[len(admin)-1])
}

func TestFeedback_GoodScoreStaysQuiet(t *testing.T) {
	_, gw, store, engine := broadcastToTwo(t)
	ctx := context.Background()
	client := testClient()

	winner := gw.controls[0]
	gw.press(winner.chatID, winner.messageID, "first", "offer:take")
	adminBefore := len(gw.messagesTo(adminChatID))
	gw.press(winner.chatID, winner.messageID, "first", "handoff:finished")

	engine.SubmitChoice(client.ChatID, "feedback", 0, "5")
	engine.SubmitAnswer(client.ChatID, "wonderful")

	stored, err := store.GetClient(ctx, client.ChatID)
	require.NoError(t, err)
	require.NotNil(t, stored.Score)
	assert.Equal(t, 5, *stored.Score)
	assert.Len(t, gw.messagesTo(adminChatID), adminBefore)
}
