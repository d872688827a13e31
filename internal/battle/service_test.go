package battle

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestCreateBattlePersistsSessionAndRounds(t *testing.T) {
	service, db, _, _ := newTestService(t)

	created := mustCreateBattle(t, service, 5, true)
	if len(created.Session.BattleCode) != battleCodeLength {
		t.Fatalf("expected %d character code, got %q", battleCodeLength, created.Session.BattleCode)
	}
	for _, char := range created.Session.BattleCode {
		if !strings.ContainsRune(battleCodeAlphabet, char) {
			t.Fatalf("code %q contains %q outside the alphabet", created.Session.BattleCode, char)
		}
	}
	if created.Session.State() != StateOpen {
		t.Fatalf("expected open state, got %s", created.Session.State())
	}
	if created.Creator.Username != "ada" {
		t.Fatalf("expected creator profile, got %+v", created.Creator)
	}
	if len(created.Rounds) != 5 {
		t.Fatalf("expected 5 round prompts, got %d", len(created.Rounds))
	}

	rounds := loadRoundRows(t, db, created.Session.ID)
	if len(rounds) != 5 {
		t.Fatalf("expected 5 persisted rounds, got %d", len(rounds))
	}
	for _, round := range rounds {
		if round.CorrectSymbol != CompareSymbol(round.FirstNumber, round.SecondNumber) {
			t.Fatalf("round %d symbol inconsistent", round.RoundNumber)
		}
		if round.FirstNumber < MinNumber || round.FirstNumber > MaxNumber ||
			round.SecondNumber < MinNumber || round.SecondNumber > MaxNumber {
			t.Fatalf("round %d numbers out of range", round.RoundNumber)
		}
		if round.RoundWinner != RoundPending {
			t.Fatalf("expected pending round winner, got %s", round.RoundWinner)
		}
	}
}

func TestCreateBattleRejectsRoundCountBounds(t *testing.T) {
	service, _, _, _ := newTestService(t)

	for _, count := range []int{0, 21} {
		_, err := service.Create(context.Background(), testCreatorID, CreateParams{NumberOfRounds: count})
		assertKind(t, err, KindValidation)
	}
}

func TestCreateBattleUnknownCreator(t *testing.T) {
	service, _, _, _ := newTestService(t)

	_, err := service.Create(context.Background(), "ghost", CreateParams{NumberOfRounds: 3})
	assertKind(t, err, KindNotFound)
}

func TestJoinBattleSetsOpponentAndEmits(t *testing.T) {
	service, db, broadcaster, clock := newTestService(t)
	created := mustCreateBattle(t, service, 3, false)

	joined := mustJoinBattle(t, service, testOpponentID, created.Session.BattleCode)
	if joined.IsCreator {
		t.Fatalf("expected opponent join, got creator tag")
	}
	if joined.Session.OpponentID == nil || *joined.Session.OpponentID != testOpponentID {
		t.Fatalf("expected opponent id to be set")
	}
	if joined.Session.StartedAt == nil || !joined.Session.StartedAt.Equal(clock.Now()) {
		t.Fatalf("expected started_at to be the join instant")
	}
	if joined.Session.State() != StateActive {
		t.Fatalf("expected active state, got %s", joined.Session.State())
	}
	if len(joined.Rounds) != 3 {
		t.Fatalf("expected 3 round prompts, got %d", len(joined.Rounds))
	}

	stored := loadSession(t, db, created.Session.ID)
	if stored.OpponentID == nil || *stored.OpponentID != testOpponentID {
		t.Fatalf("expected persisted opponent id")
	}

	event, ok := broadcaster.last(EventOpponentJoined)
	if !ok {
		t.Fatalf("expected opponent-joined event")
	}
	if event.BattleID != created.Session.ID {
		t.Fatalf("expected event for battle %s, got %s", created.Session.ID, event.BattleID)
	}
}

func TestJoinBattleIdempotentForOpponent(t *testing.T) {
	service, _, _, clock := newTestService(t)
	created := mustCreateBattle(t, service, 3, false)

	first := mustJoinBattle(t, service, testOpponentID, created.Session.BattleCode)
	clock.Advance(42 * time.Second)
	second := mustJoinBattle(t, service, testOpponentID, created.Session.BattleCode)

	if !second.Rejoined {
		t.Fatalf("expected rejoin tag on second join")
	}
	if second.Session.StartedAt == nil || !second.Session.StartedAt.Equal(*first.Session.StartedAt) {
		t.Fatalf("expected started_at untouched by rejoin")
	}
	if second.Opponent == nil || second.Opponent.ID != testOpponentID {
		t.Fatalf("expected opponent profile on rejoin")
	}
}

func TestJoinBattleCreatorRedirect(t *testing.T) {
	service, _, _, _ := newTestService(t)
	created := mustCreateBattle(t, service, 3, false)

	joined := mustJoinBattle(t, service, testCreatorID, created.Session.BattleCode)
	if !joined.IsCreator {
		t.Fatalf("expected is_creator tag for the creator's own join")
	}
	if joined.Session.OpponentID != nil {
		t.Fatalf("expected no opponent after creator redirect")
	}
}

func TestJoinBattleThirdUserConflict(t *testing.T) {
	service, _, _, _ := newTestService(t)
	created := mustMatchedBattle(t, service, 3)

	_, err := service.Join(context.Background(), testStrangerID, created.Session.BattleCode)
	assertKind(t, err, KindConflict)
}

func TestJoinBattleUnknownCode(t *testing.T) {
	service, _, _, _ := newTestService(t)

	_, err := service.Join(context.Background(), testOpponentID, "NOPE0000")
	assertKind(t, err, KindNotFound)
}

func TestJoinCompletedBattleConflict(t *testing.T) {
	service, db, _, _ := newTestService(t)
	created := mustMatchedBattle(t, service, 3)

	if err := db.Model(&Session{}).Where("id = ?", created.Session.ID).Update("completed", true).Error; err != nil {
		t.Fatalf("failed to mark completed: %v", err)
	}

	_, err := service.Join(context.Background(), testOpponentID, created.Session.BattleCode)
	assertKind(t, err, KindConflict)
}

func TestStartBattleGates(t *testing.T) {
	service, _, broadcaster, _ := newTestService(t)
	created := mustCreateBattle(t, service, 3, false)

	_, err := service.Start(context.Background(), testCreatorID, created.Session.ID)
	assertKind(t, err, KindValidation)

	mustJoinBattle(t, service, testOpponentID, created.Session.BattleCode)

	_, err = service.Start(context.Background(), testOpponentID, created.Session.ID)
	assertKind(t, err, KindForbidden)

	if _, err := service.Start(context.Background(), testCreatorID, created.Session.ID); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	if _, ok := broadcaster.last(EventCreatorStarted); !ok {
		t.Fatalf("expected creator-started-battle event")
	}
	if broadcaster.countdownCount() != 1 {
		t.Fatalf("expected one countdown trigger, got %d", broadcaster.countdownCount())
	}
}

func TestSubmitRoundResolvesFasterCorrectWinner(t *testing.T) {
	service, db, broadcaster, _ := newTestService(t)
	created := mustMatchedBattle(t, service, 3)
	round := loadRoundRows(t, db, created.Session.ID)[0]

	first := mustSubmit(t, service, testCreatorID, created.Session.ID, 1, round.CorrectSymbol, 2.0)
	if !first.IsCorrect {
		t.Fatalf("expected correct answer")
	}
	if first.BothAnswered {
		t.Fatalf("expected round still pending after one answer")
	}
	if first.RoundWinner != RoundPending {
		t.Fatalf("expected pending winner, got %s", first.RoundWinner)
	}

	second := mustSubmit(t, service, testOpponentID, created.Session.ID, 1, round.CorrectSymbol, 3.0)
	if !second.BothAnswered {
		t.Fatalf("expected round resolved after both answers")
	}
	if second.RoundWinner != RoundWonByCreator {
		t.Fatalf("expected creator to win the round, got %s", second.RoundWinner)
	}

	stored := loadRoundRows(t, db, created.Session.ID)[0]
	if stored.RoundWinner != RoundWonByCreator {
		t.Fatalf("expected persisted round winner, got %s", stored.RoundWinner)
	}
	if _, ok := broadcaster.last(EventRoundCompleted); !ok {
		t.Fatalf("expected round-completed event")
	}
}

func TestSubmitRoundBothIncorrectTie(t *testing.T) {
	service, db, _, _ := newTestService(t)
	created := mustMatchedBattle(t, service, 1)
	round := loadRoundRows(t, db, created.Session.ID)[0]

	wrong := wrongAnswer(round.CorrectSymbol)
	mustSubmit(t, service, testCreatorID, created.Session.ID, 1, wrong, 1.0)
	result := mustSubmit(t, service, testOpponentID, created.Session.ID, 1, wrong, 2.0)

	if result.RoundWinner != RoundTied {
		t.Fatalf("expected tie when both incorrect, got %s", result.RoundWinner)
	}
}

func TestSubmitRoundEqualTimesTie(t *testing.T) {
	service, db, _, _ := newTestService(t)
	created := mustMatchedBattle(t, service, 1)
	round := loadRoundRows(t, db, created.Session.ID)[0]

	mustSubmit(t, service, testCreatorID, created.Session.ID, 1, round.CorrectSymbol, 2.5)
	result := mustSubmit(t, service, testOpponentID, created.Session.ID, 1, round.CorrectSymbol, 2.5)

	if result.RoundWinner != RoundTied {
		t.Fatalf("expected tie for equal correct times, got %s", result.RoundWinner)
	}
}

func TestSubmitRoundWriteOnce(t *testing.T) {
	service, db, _, _ := newTestService(t)
	created := mustMatchedBattle(t, service, 2)
	round := loadRoundRows(t, db, created.Session.ID)[0]

	mustSubmit(t, service, testCreatorID, created.Session.ID, 1, round.CorrectSymbol, 2.0)
	before := loadRoundRows(t, db, created.Session.ID)[0]

	_, err := service.SubmitRound(context.Background(), testCreatorID, SubmitParams{
		BattleSessionID: created.Session.ID,
		RoundNumber:     1,
		Symbol:          string(wrongAnswer(round.CorrectSymbol)),
		ResponseTime:    9.0,
	})
	assertKind(t, err, KindConflict)

	after := loadRoundRows(t, db, created.Session.ID)[0]
	if after.CreatorSymbol == nil || *after.CreatorSymbol != *before.CreatorSymbol {
		t.Fatalf("expected first answer to remain")
	}
	if after.CreatorResponseTime != before.CreatorResponseTime {
		t.Fatalf("expected first response time to remain, got %f", after.CreatorResponseTime)
	}
	if after.CreatorAnsweredAt == nil || !after.CreatorAnsweredAt.Equal(*before.CreatorAnsweredAt) {
		t.Fatalf("expected answered_at untouched by rejected resubmission")
	}
}

func TestSubmitRoundRejections(t *testing.T) {
	service, _, _, _ := newTestService(t)
	created := mustCreateBattle(t, service, 2, false)

	_, err := service.SubmitRound(context.Background(), testCreatorID, SubmitParams{
		BattleSessionID: created.Session.ID, RoundNumber: 1, Symbol: "!", ResponseTime: 1,
	})
	assertKind(t, err, KindValidation)

	_, err = service.SubmitRound(context.Background(), testCreatorID, SubmitParams{
		BattleSessionID: "missing", RoundNumber: 1, Symbol: ">", ResponseTime: 1,
	})
	assertKind(t, err, KindNotFound)

	_, err = service.SubmitRound(context.Background(), testStrangerID, SubmitParams{
		BattleSessionID: created.Session.ID, RoundNumber: 1, Symbol: ">", ResponseTime: 1,
	})
	assertKind(t, err, KindForbidden)

	// No opponent yet: the creator cannot play either.
	_, err = service.SubmitRound(context.Background(), testCreatorID, SubmitParams{
		BattleSessionID: created.Session.ID, RoundNumber: 1, Symbol: ">", ResponseTime: 1,
	})
	assertKind(t, err, KindConflict)

	mustJoinBattle(t, service, testOpponentID, created.Session.BattleCode)
	_, err = service.SubmitRound(context.Background(), testCreatorID, SubmitParams{
		BattleSessionID: created.Session.ID, RoundNumber: 99, Symbol: ">", ResponseTime: 1,
	})
	assertKind(t, err, KindNotFound)
}

// playAllRounds submits every round for both sides. The creator answers
// creatorCorrect rounds correctly with creatorTime each; the opponent answers
// all rounds correctly with opponentTime each.
func playAllRounds(t *testing.T, service *Service, created CreateResult, rounds []RoundDetail, creatorCorrect int, creatorTime float64, opponentTime float64) {
	t.Helper()
	for index, round := range rounds {
		creatorSymbol := round.CorrectSymbol
		if index >= creatorCorrect {
			creatorSymbol = wrongAnswer(round.CorrectSymbol)
		}
		mustSubmit(t, service, testCreatorID, created.Session.ID, round.RoundNumber, creatorSymbol, creatorTime)
		mustSubmit(t, service, testOpponentID, created.Session.ID, round.RoundNumber, round.CorrectSymbol, opponentTime)
	}
}

func TestCompleteBattleScoresAndPicksWinner(t *testing.T) {
	service, db, broadcaster, _ := newTestService(t)
	created := mustMatchedBattle(t, service, 3)
	rounds := loadRoundRows(t, db, created.Session.ID)

	playAllRounds(t, service, created, rounds, 2, 3.0, 5.0)

	creatorResult, err := service.Complete(context.Background(), testCreatorID, created.Session.ID, 9.0)
	if err != nil {
		t.Fatalf("unexpected complete error: %v", err)
	}
	if creatorResult.BothCompleted {
		t.Fatalf("expected battle still open after one completion")
	}
	if creatorResult.Own.Score != 2*(100+57) {
		t.Fatalf("expected creator score 314, got %d", creatorResult.Own.Score)
	}
	if creatorResult.Own.CorrectAnswers != 2 {
		t.Fatalf("expected 2 correct answers, got %d", creatorResult.Own.CorrectAnswers)
	}
	if _, ok := broadcaster.last(EventPlayerCompleted); !ok {
		t.Fatalf("expected player-completed event")
	}

	opponentResult, err := service.Complete(context.Background(), testOpponentID, created.Session.ID, 15.0)
	if err != nil {
		t.Fatalf("unexpected complete error: %v", err)
	}
	if !opponentResult.BothCompleted {
		t.Fatalf("expected battle completed after both sides")
	}
	if opponentResult.Own.Score != 3*(100+55) {
		t.Fatalf("expected opponent score 465, got %d", opponentResult.Own.Score)
	}

	stored := loadSession(t, db, created.Session.ID)
	if !stored.Completed || stored.CompletedAt == nil {
		t.Fatalf("expected completed session with timestamp")
	}
	if stored.State() != StateFinished {
		t.Fatalf("expected finished state, got %s", stored.State())
	}
	if stored.WinnerID == nil || *stored.WinnerID != testOpponentID {
		t.Fatalf("expected opponent to win on higher score, got %v", stored.WinnerID)
	}
	if _, ok := broadcaster.last(EventBattleCompleted); !ok {
		t.Fatalf("expected battle-completed event")
	}
}

func TestCompleteBattleIdempotentPerSide(t *testing.T) {
	service, db, _, _ := newTestService(t)
	created := mustMatchedBattle(t, service, 2)
	rounds := loadRoundRows(t, db, created.Session.ID)

	for _, round := range rounds {
		mustSubmit(t, service, testCreatorID, created.Session.ID, round.RoundNumber, round.CorrectSymbol, 10.0)
	}

	first, err := service.Complete(context.Background(), testCreatorID, created.Session.ID, 20.0)
	if err != nil {
		t.Fatalf("unexpected complete error: %v", err)
	}
	second, err := service.Complete(context.Background(), testCreatorID, created.Session.ID, 25.0)
	if err != nil {
		t.Fatalf("unexpected repeat complete error: %v", err)
	}

	if second.Own.Score != first.Own.Score {
		t.Fatalf("expected recomputed score to match, got %d vs %d", second.Own.Score, first.Own.Score)
	}
	if second.Own.TotalTime != 25.0 {
		t.Fatalf("expected total time overwritten to 25, got %f", second.Own.TotalTime)
	}

	stored := loadSession(t, db, created.Session.ID)
	if stored.CreatorScore != 2*(100+50) {
		t.Fatalf("expected creator score 300, got %d", stored.CreatorScore)
	}
	if stored.Completed {
		t.Fatalf("expected battle still open with one side pending")
	}
}

func TestCompleteBattleDeadHeatGoesToOpponent(t *testing.T) {
	service, db, _, _ := newTestService(t)
	created := mustMatchedBattle(t, service, 2)
	rounds := loadRoundRows(t, db, created.Session.ID)

	for _, round := range rounds {
		mustSubmit(t, service, testCreatorID, created.Session.ID, round.RoundNumber, round.CorrectSymbol, 4.0)
		mustSubmit(t, service, testOpponentID, created.Session.ID, round.RoundNumber, round.CorrectSymbol, 4.0)
	}

	if _, err := service.Complete(context.Background(), testCreatorID, created.Session.ID, 12.0); err != nil {
		t.Fatalf("unexpected complete error: %v", err)
	}
	if _, err := service.Complete(context.Background(), testOpponentID, created.Session.ID, 12.0); err != nil {
		t.Fatalf("unexpected complete error: %v", err)
	}

	stored := loadSession(t, db, created.Session.ID)
	if stored.CreatorScore != stored.OpponentScore || stored.CreatorTotalTime != stored.OpponentTotalTime {
		t.Fatalf("expected rigged dead heat, got %+v", stored)
	}
	if stored.WinnerID == nil || *stored.WinnerID != testOpponentID {
		t.Fatalf("expected opponent to take the dead heat, got %v", stored.WinnerID)
	}
}

func TestCompleteAfterFinishedLeavesWinnerFixed(t *testing.T) {
	service, db, _, _ := newTestService(t)
	created := mustMatchedBattle(t, service, 1)
	round := loadRoundRows(t, db, created.Session.ID)[0]

	mustSubmit(t, service, testCreatorID, created.Session.ID, 1, round.CorrectSymbol, 1.0)
	mustSubmit(t, service, testOpponentID, created.Session.ID, 1, wrongAnswer(round.CorrectSymbol), 1.0)

	if _, err := service.Complete(context.Background(), testCreatorID, created.Session.ID, 2.0); err != nil {
		t.Fatalf("unexpected complete error: %v", err)
	}
	if _, err := service.Complete(context.Background(), testOpponentID, created.Session.ID, 2.0); err != nil {
		t.Fatalf("unexpected complete error: %v", err)
	}

	before := loadSession(t, db, created.Session.ID)
	if before.WinnerID == nil || *before.WinnerID != testCreatorID {
		t.Fatalf("expected creator to win, got %v", before.WinnerID)
	}

	repeat, err := service.Complete(context.Background(), testOpponentID, created.Session.ID, 99.0)
	if err != nil {
		t.Fatalf("unexpected repeat complete error: %v", err)
	}
	if !repeat.BothCompleted {
		t.Fatalf("expected completed result on repeat call")
	}

	after := loadSession(t, db, created.Session.ID)
	if after.WinnerID == nil || *after.WinnerID != testCreatorID {
		t.Fatalf("expected winner unchanged, got %v", after.WinnerID)
	}
	if after.OpponentTotalTime != before.OpponentTotalTime {
		t.Fatalf("expected finished battle untouched by late completion")
	}
}
