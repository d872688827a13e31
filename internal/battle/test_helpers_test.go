package battle

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/numclash/backend/internal/users"
	"gorm.io/gorm"
)

const (
	testCreatorID  = "creator-1"
	testOpponentID = "opponent-1"
	testStrangerID = "stranger-1"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordedEvent struct {
	BattleID string
	UserID   string
	Name     string
	Payload  any
}

type recordingBroadcaster struct {
	mu         sync.Mutex
	events     []recordedEvent
	countdowns []string
}

func (b *recordingBroadcaster) EmitToBattle(battleID string, event string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, recordedEvent{BattleID: battleID, Name: event, Payload: payload})
}

func (b *recordingBroadcaster) EmitToUser(userID string, event string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, recordedEvent{UserID: userID, Name: event, Payload: payload})
}

func (b *recordingBroadcaster) StartCountdown(battleID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.countdowns = append(b.countdowns, battleID)
}

func (b *recordingBroadcaster) last(name string) (recordedEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for index := len(b.events) - 1; index >= 0; index-- {
		if b.events[index].Name == name {
			return b.events[index], true
		}
	}
	return recordedEvent{}, false
}

func (b *recordingBroadcaster) countdownCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.countdowns)
}

func newTestService(t *testing.T) (*Service, *gorm.DB, *recordingBroadcaster, *testClock) {
	t.Helper()

	dsn := fmt.Sprintf("file:battle_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Session{}, &RoundDetail{}, &users.Profile{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	profiles := []users.Profile{
		{ID: testCreatorID, Username: "ada", FullName: "Ada L", CurrentLevel: 3},
		{ID: testOpponentID, Username: "grace", FullName: "Grace H", CurrentLevel: 5},
		{ID: testStrangerID, Username: "kurt", FullName: "Kurt G", CurrentLevel: 1},
	}
	if err := db.Create(&profiles).Error; err != nil {
		t.Fatalf("failed to seed profiles: %v", err)
	}

	clock := newTestClock()
	directory, err := users.NewService(users.ServiceConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct user service: %v", err)
	}

	broadcaster := &recordingBroadcaster{}
	source := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 42))

	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: NewUUIDProvider(),
		Rand:       source.IntN,
		Users:      directory,
		Events:     broadcaster,
	})
	if err != nil {
		t.Fatalf("failed to construct battle service: %v", err)
	}
	return service, db, broadcaster, clock
}

func mustCreateBattle(t *testing.T, service *Service, numberOfRounds int, isPublic bool) CreateResult {
	t.Helper()
	created, err := service.Create(context.Background(), testCreatorID, CreateParams{
		NumberOfRounds: numberOfRounds,
		TimeLimit:      DefaultTimeLimit,
		IsPublic:       isPublic,
	})
	if err != nil {
		t.Fatalf("failed to create battle: %v", err)
	}
	return created
}

func mustJoinBattle(t *testing.T, service *Service, userID string, code string) JoinResult {
	t.Helper()
	joined, err := service.Join(context.Background(), userID, code)
	if err != nil {
		t.Fatalf("failed to join battle: %v", err)
	}
	return joined
}

// mustMatchedBattle creates a battle and joins the opponent so play can begin.
func mustMatchedBattle(t *testing.T, service *Service, numberOfRounds int) CreateResult {
	t.Helper()
	created := mustCreateBattle(t, service, numberOfRounds, false)
	mustJoinBattle(t, service, testOpponentID, created.Session.BattleCode)
	return created
}

func loadRoundRows(t *testing.T, db *gorm.DB, battleID string) []RoundDetail {
	t.Helper()
	var rounds []RoundDetail
	if err := db.Where("battle_session_id = ?", battleID).Order("round_number ASC").Find(&rounds).Error; err != nil {
		t.Fatalf("failed to load rounds: %v", err)
	}
	return rounds
}

func loadSession(t *testing.T, db *gorm.DB, battleID string) Session {
	t.Helper()
	var session Session
	if err := db.Where("id = ?", battleID).Take(&session).Error; err != nil {
		t.Fatalf("failed to load session: %v", err)
	}
	return session
}

func wrongAnswer(correct Symbol) Symbol {
	if correct == SymbolGreater {
		return SymbolLess
	}
	return SymbolGreater
}

func mustSubmit(t *testing.T, service *Service, userID string, battleID string, roundNumber int, symbol Symbol, responseTime float64) SubmitResult {
	t.Helper()
	result, err := service.SubmitRound(context.Background(), userID, SubmitParams{
		BattleSessionID: battleID,
		RoundNumber:     roundNumber,
		Symbol:          string(symbol),
		ResponseTime:    responseTime,
	})
	if err != nil {
		t.Fatalf("failed to submit round %d for %s: %v", roundNumber, userID, err)
	}
	return result
}

func assertKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if KindOf(err) != kind {
		t.Fatalf("expected %s error, got %s (%v)", kind, KindOf(err), err)
	}
}
