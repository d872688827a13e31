package battle

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/numclash/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase     = errors.New("database handle is required")
	errMissingIDProvider   = errors.New("id provider is required")
	errMissingUserResolver = errors.New("user resolver is required")
)

// Realtime event names emitted to battle rooms.
const (
	EventOpponentJoined  = "opponent-joined"
	EventCreatorStarted  = "creator-started-battle"
	EventRoundSubmitted  = "round-submitted"
	EventRoundCompleted  = "round-completed"
	EventPlayerCompleted = "player-completed"
	EventBattleCompleted = "battle-completed"
)

// UserResolver is the narrow identity collaborator consumed by the coordinator.
type UserResolver interface {
	Resolve(ctx context.Context, userID string) (users.Profile, error)
}

// IDProvider issues identifiers for new battle sessions.
type IDProvider interface {
	NewID() (string, error)
}

// Broadcaster fans battle events out to live connections. Emits are
// fire-and-forget: delivery failures never affect the store write that
// triggered them.
type Broadcaster interface {
	EmitToBattle(battleID string, event string, payload any)
	EmitToUser(userID string, event string, payload any)
	StartCountdown(battleID string)
}

type noopBroadcaster struct{}

func (noopBroadcaster) EmitToBattle(string, string, any) {}
func (noopBroadcaster) EmitToUser(string, string, any)   {}
func (noopBroadcaster) StartCountdown(string)            {}

// ServiceConfig describes the coordinator's dependencies.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Rand       func(n int) int
	Users      UserResolver
	Events     Broadcaster
	Logger     *zap.Logger
}

// Service is the battle coordinator. It holds no cross-request battle state;
// every operation re-reads from the store and mutates it under row locks.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	ids    IDProvider
	rand   func(n int) int
	users  UserResolver
	events Broadcaster
	logger *zap.Logger
}

// NewService constructs the battle coordinator.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	if cfg.Users == nil {
		return nil, errMissingUserResolver
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	intn := cfg.Rand
	if intn == nil {
		intn = rand.IntN
	}
	events := cfg.Events
	if events == nil {
		events = noopBroadcaster{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		db:     cfg.Database,
		clock:  clock,
		ids:    cfg.IDProvider,
		rand:   intn,
		users:  cfg.Users,
		events: events,
		logger: logger,
	}, nil
}

// RoundPrompt is the client-facing view of a round before play. It never
// carries the correct symbol.
type RoundPrompt struct {
	RoundNumber  int `json:"round_number"`
	FirstNumber  int `json:"first_number"`
	SecondNumber int `json:"second_number"`
}

// CreateParams configures a new battle.
type CreateParams struct {
	NumberOfRounds int
	TimeLimit      int
	IsPublic       bool
}

// CreateResult is returned to the creating client.
type CreateResult struct {
	Session Session       `json:"session"`
	Creator users.Profile `json:"creator"`
	Rounds  []RoundPrompt `json:"rounds"`
}

// Create validates parameters, generates the full round set, and persists the
// session plus every round row in one transaction.
func (s *Service) Create(ctx context.Context, creatorID string, params CreateParams) (CreateResult, error) {
	rounds, err := GenerateRounds(params.NumberOfRounds, s.rand)
	if err != nil {
		return CreateResult{}, validationError("number_of_rounds must be between 1 and 20", err)
	}

	creator, err := s.users.Resolve(ctx, creatorID)
	if errors.Is(err, users.ErrUserNotFound) {
		return CreateResult{}, notFoundError("user not found", err)
	}
	if err != nil {
		return CreateResult{}, internalError("failed to resolve creator", err)
	}

	timeLimit := params.TimeLimit
	if timeLimit <= 0 {
		timeLimit = DefaultTimeLimit
	}

	sessionID, err := s.ids.NewID()
	if err != nil {
		return CreateResult{}, internalError("failed to allocate battle id", err)
	}

	session := Session{
		ID:             sessionID,
		CreatorID:      creator.ID,
		NumberOfRounds: params.NumberOfRounds,
		TimeLimit:      timeLimit,
		IsPublic:       params.IsPublic,
	}

	rows := make([]RoundDetail, 0, len(rounds))
	for index, spec := range rounds {
		rows = append(rows, RoundDetail{
			BattleSessionID: session.ID,
			RoundNumber:     index + 1,
			FirstNumber:     spec.FirstNumber,
			SecondNumber:    spec.SecondNumber,
			CorrectSymbol:   spec.CorrectSymbol,
		})
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		code, codeErr := s.uniqueBattleCode(tx)
		if codeErr != nil {
			return codeErr
		}
		session.BattleCode = code

		if createErr := tx.Create(&session).Error; createErr != nil {
			return internalError("failed to create battle", createErr)
		}
		if createErr := tx.Create(&rows).Error; createErr != nil {
			return internalError("failed to create battle rounds", createErr)
		}
		return nil
	})
	if txErr != nil {
		s.logger.Error("battle create failed", zap.String("creator_id", creator.ID), zap.Error(txErr))
		return CreateResult{}, txErr
	}

	s.logger.Info("battle created",
		zap.String("battle_id", session.ID),
		zap.String("battle_code", session.BattleCode),
		zap.String("creator_id", creator.ID),
		zap.Int("rounds", session.NumberOfRounds))

	return CreateResult{
		Session: session,
		Creator: creator,
		Rounds:  roundPrompts(rows),
	}, nil
}

func roundPrompts(rows []RoundDetail) []RoundPrompt {
	prompts := make([]RoundPrompt, 0, len(rows))
	for _, row := range rows {
		prompts = append(prompts, RoundPrompt{
			RoundNumber:  row.RoundNumber,
			FirstNumber:  row.FirstNumber,
			SecondNumber: row.SecondNumber,
		})
	}
	return prompts
}

func (s *Service) uniqueBattleCode(tx *gorm.DB) (string, error) {
	for attempt := 0; attempt < codeGenerationAttempts; attempt++ {
		code := newBattleCode(s.rand)
		var count int64
		if err := tx.Model(&Session{}).Where("battle_code = ?", code).Count(&count).Error; err != nil {
			return "", internalError("failed to check battle code", err)
		}
		if count == 0 {
			return code, nil
		}
	}
	return "", exhaustedError("could not allocate a unique battle code")
}

// JoinResult is returned to a joining (or rejoining) client.
type JoinResult struct {
	Session   Session        `json:"session"`
	Creator   users.Profile  `json:"creator"`
	Opponent  *users.Profile `json:"opponent,omitempty"`
	Rounds    []RoundPrompt  `json:"rounds"`
	IsCreator bool           `json:"is_creator"`
	Rejoined  bool           `json:"rejoined"`
}

// Join attaches the user to the battle identified by its share code. Joining
// is idempotent for both existing participants so dropped clients can resume.
func (s *Service) Join(ctx context.Context, userID string, battleCode string) (JoinResult, error) {
	code := NormalizeBattleCode(battleCode)
	if code == "" {
		return JoinResult{}, validationError("battle_code is required", nil)
	}

	var (
		session Session
		joined  bool
	)
	result := JoinResult{}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("battle_code = ?", code).
			Take(&session).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFoundError("battle not found", err)
		}
		if err != nil {
			return internalError("failed to load battle", err)
		}

		switch {
		case session.Completed:
			return conflictError("battle already completed")
		case userID == session.CreatorID:
			result.IsCreator = true
			result.Rejoined = true
		case session.OpponentID != nil && *session.OpponentID == userID:
			result.Rejoined = true
		case session.OpponentID != nil:
			return conflictError("battle already has an opponent")
		default:
			if _, resolveErr := s.users.Resolve(ctx, userID); resolveErr != nil {
				if errors.Is(resolveErr, users.ErrUserNotFound) {
					return notFoundError("user not found", resolveErr)
				}
				return internalError("failed to resolve opponent", resolveErr)
			}
			startedAt := s.clock().UTC()
			update := tx.Model(&Session{}).
				Where("id = ? AND opponent_id IS NULL", session.ID).
				Updates(map[string]any{
					"opponent_id": userID,
					"started_at":  startedAt,
				})
			if update.Error != nil {
				return internalError("failed to join battle", update.Error)
			}
			if update.RowsAffected == 0 {
				return conflictError("battle already has an opponent")
			}
			opponentID := userID
			session.OpponentID = &opponentID
			session.StartedAt = &startedAt
			joined = true
		}
		return nil
	})
	if txErr != nil {
		return JoinResult{}, txErr
	}

	creator, err := s.users.Resolve(ctx, session.CreatorID)
	if err != nil {
		return JoinResult{}, internalError("failed to resolve creator", err)
	}
	result.Creator = creator
	if session.OpponentID != nil {
		opponent, resolveErr := s.users.Resolve(ctx, *session.OpponentID)
		if resolveErr != nil {
			return JoinResult{}, internalError("failed to resolve opponent", resolveErr)
		}
		result.Opponent = &opponent
	}

	rounds, err := s.loadRounds(ctx, session.ID)
	if err != nil {
		return JoinResult{}, err
	}
	result.Session = session
	result.Rounds = roundPrompts(rounds)

	if joined {
		s.logger.Info("opponent joined battle",
			zap.String("battle_id", session.ID),
			zap.String("opponent_id", userID))
		s.events.EmitToBattle(session.ID, EventOpponentJoined, map[string]any{
			"battle_session_id": session.ID,
			"opponent":          result.Opponent,
			"started_at":        session.StartedAt,
		})
	}
	return result, nil
}

// Start is the creator-only gate that fires the synchronized countdown so both
// clients begin their round timers at the same wall-clock instant.
func (s *Service) Start(ctx context.Context, creatorID string, battleID string) (Session, error) {
	var session Session
	err := s.db.WithContext(ctx).Where("id = ?", battleID).Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, notFoundError("battle not found", err)
	}
	if err != nil {
		return Session{}, internalError("failed to load battle", err)
	}

	if session.CreatorID != creatorID {
		return Session{}, forbiddenError("only the creator can start the battle")
	}
	if session.Completed {
		return Session{}, conflictError("battle already completed")
	}
	if session.OpponentID == nil {
		return Session{}, validationError("battle has no opponent yet", nil)
	}

	s.logger.Info("battle started", zap.String("battle_id", session.ID))
	s.events.EmitToBattle(session.ID, EventCreatorStarted, map[string]any{
		"battle_session_id": session.ID,
		"creator_id":        session.CreatorID,
		"timestamp":         s.clock().UTC(),
	})
	s.events.StartCountdown(session.ID)
	return session, nil
}

// SubmitParams carries one side's answer to a single round.
type SubmitParams struct {
	BattleSessionID string
	RoundNumber     int
	Symbol          string
	ResponseTime    float64
}

// SubmitResult tells the submitter how their answer scored and whether the
// round is resolved.
type SubmitResult struct {
	BattleSessionID string       `json:"battle_session_id"`
	RoundNumber     int          `json:"round_number"`
	Side            Side         `json:"side"`
	Symbol          Symbol       `json:"symbol"`
	CorrectSymbol   Symbol       `json:"correct_symbol"`
	IsCorrect       bool         `json:"is_correct"`
	BothAnswered    bool         `json:"both_answered"`
	RoundWinner     RoundOutcome `json:"round_winner"`
}

// SubmitRound records one side's answer exactly once and resolves the round
// winner the instant the second answer lands. The side's symbol column acts as
// the compare-and-swap guard: the conditional update only succeeds while it is
// still null, so duplicate submissions cannot double-count even under
// concurrent retries.
func (s *Service) SubmitRound(ctx context.Context, userID string, params SubmitParams) (SubmitResult, error) {
	symbol, err := ParseSymbol(params.Symbol)
	if err != nil {
		return SubmitResult{}, validationError("user_symbol must be one of >, <, =", err)
	}
	if params.ResponseTime < 0 {
		return SubmitResult{}, validationError("response_time must be non-negative", nil)
	}

	var (
		session Session
		round   RoundDetail
		side    Side
	)

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", params.BattleSessionID).
			Take(&session).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFoundError("battle not found", err)
		}
		if err != nil {
			return internalError("failed to load battle", err)
		}

		var participant bool
		side, participant = session.SideOf(userID)
		if !participant {
			return forbiddenError("not a participant in this battle")
		}
		if session.OpponentID == nil {
			return conflictError("battle has no opponent yet")
		}
		if session.Completed {
			return conflictError("battle already completed")
		}

		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("battle_session_id = ? AND round_number = ?", session.ID, params.RoundNumber).
			Take(&round).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFoundError("round not found", err)
		}
		if err != nil {
			return internalError("failed to load round", err)
		}

		if round.SymbolOf(side) != nil {
			return conflictError("round already answered")
		}

		isCorrect := symbol == round.CorrectSymbol
		answeredAt := s.clock().UTC()

		symbolColumn := "creator_symbol"
		updates := map[string]any{
			"creator_symbol":        symbol,
			"creator_response_time": params.ResponseTime,
			"creator_is_correct":    isCorrect,
			"creator_answered_at":   answeredAt,
		}
		if side == SideOpponent {
			symbolColumn = "opponent_symbol"
			updates = map[string]any{
				"opponent_symbol":        symbol,
				"opponent_response_time": params.ResponseTime,
				"opponent_is_correct":    isCorrect,
				"opponent_answered_at":   answeredAt,
			}
		}

		write := tx.Model(&RoundDetail{}).
			Where("battle_session_id = ? AND round_number = ? AND "+symbolColumn+" IS NULL",
				session.ID, params.RoundNumber).
			Updates(updates)
		if write.Error != nil {
			return internalError("failed to record answer", write.Error)
		}
		if write.RowsAffected == 0 {
			return conflictError("round already answered")
		}

		if side == SideCreator {
			round.CreatorSymbol = &symbol
			round.CreatorResponseTime = params.ResponseTime
			round.CreatorIsCorrect = isCorrect
			round.CreatorAnsweredAt = &answeredAt
		} else {
			round.OpponentSymbol = &symbol
			round.OpponentResponseTime = params.ResponseTime
			round.OpponentIsCorrect = isCorrect
			round.OpponentAnsweredAt = &answeredAt
		}

		if round.BothAnswered() && round.RoundWinner == RoundPending {
			winner := resolveRoundWinner(round)
			resolve := tx.Model(&RoundDetail{}).
				Where("battle_session_id = ? AND round_number = ? AND round_winner = ?",
					session.ID, params.RoundNumber, RoundPending).
				Update("round_winner", winner)
			if resolve.Error != nil {
				return internalError("failed to resolve round winner", resolve.Error)
			}
			if resolve.RowsAffected > 0 {
				round.RoundWinner = winner
			} else if reloadErr := tx.
				Where("battle_session_id = ? AND round_number = ?", session.ID, params.RoundNumber).
				Take(&round).Error; reloadErr != nil {
				return internalError("failed to reload round", reloadErr)
			}
		}
		return nil
	})
	if txErr != nil {
		return SubmitResult{}, txErr
	}

	result := SubmitResult{
		BattleSessionID: session.ID,
		RoundNumber:     round.RoundNumber,
		Side:            side,
		Symbol:          symbol,
		CorrectSymbol:   round.CorrectSymbol,
		IsCorrect:       symbol == round.CorrectSymbol,
		BothAnswered:    round.BothAnswered(),
		RoundWinner:     round.RoundWinner,
	}

	s.events.EmitToBattle(session.ID, EventRoundSubmitted, map[string]any{
		"battle_session_id": session.ID,
		"round_number":      round.RoundNumber,
		"side":              side,
		"symbol":            symbol,
		"is_correct":        result.IsCorrect,
		"both_answered":     result.BothAnswered,
		"round_winner":      result.RoundWinner,
	})
	if result.BothAnswered {
		s.events.EmitToBattle(session.ID, EventRoundCompleted, map[string]any{
			"battle_session_id": session.ID,
			"round_number":      round.RoundNumber,
			"correct_symbol":    round.CorrectSymbol,
			"round_winner":      round.RoundWinner,
		})
	}
	return result, nil
}

// SideResult summarizes one side's final tallies.
type SideResult struct {
	Side           Side    `json:"side"`
	Score          int     `json:"score"`
	CorrectAnswers int     `json:"correct_answers"`
	TotalTime      float64 `json:"total_time"`
}

// CompleteResult is returned to the completing caller.
type CompleteResult struct {
	Session       Session    `json:"session"`
	Own           SideResult `json:"own"`
	BothCompleted bool       `json:"both_completed"`
}

// Complete marks the caller's side finished. The side's score is recomputed
// from the persisted round rows on every call rather than accumulated, which
// keeps completion idempotent per side. When the second side completes, the
// battle winner is fixed under a completed false-to-true guard so concurrent
// completions cannot both act as the final finisher.
func (s *Service) Complete(ctx context.Context, userID string, battleID string, totalTime float64) (CompleteResult, error) {
	if totalTime < 0 {
		return CompleteResult{}, validationError("total_time must be non-negative", nil)
	}

	var (
		session Session
		side    Side
		own     SideResult
	)

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", battleID).
			Take(&session).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFoundError("battle not found", err)
		}
		if err != nil {
			return internalError("failed to load battle", err)
		}

		var participant bool
		side, participant = session.SideOf(userID)
		if !participant {
			return forbiddenError("not a participant in this battle")
		}
		if session.OpponentID == nil {
			return conflictError("battle has no opponent yet")
		}

		if session.Completed {
			// The winner is already fixed; report the stored result untouched.
			own = sideResult(session, side)
			return nil
		}

		var rounds []RoundDetail
		if loadErr := tx.
			Where("battle_session_id = ?", session.ID).
			Order("round_number ASC").
			Find(&rounds).Error; loadErr != nil {
			return internalError("failed to load rounds", loadErr)
		}

		score, correctAnswers := scoreRounds(rounds, side)

		sideUpdates := map[string]any{
			"creator_score":           score,
			"creator_correct_answers": correctAnswers,
			"creator_total_time":      totalTime,
			"creator_completed":       true,
		}
		if side == SideOpponent {
			sideUpdates = map[string]any{
				"opponent_score":           score,
				"opponent_correct_answers": correctAnswers,
				"opponent_total_time":      totalTime,
				"opponent_completed":       true,
			}
		}
		if writeErr := tx.Model(&Session{}).
			Where("id = ?", session.ID).
			Updates(sideUpdates).Error; writeErr != nil {
			return internalError("failed to record completion", writeErr)
		}

		if side == SideCreator {
			session.CreatorScore = score
			session.CreatorCorrectAnswers = correctAnswers
			session.CreatorTotalTime = totalTime
			session.CreatorCompleted = true
		} else {
			session.OpponentScore = score
			session.OpponentCorrectAnswers = correctAnswers
			session.OpponentTotalTime = totalTime
			session.OpponentCompleted = true
		}
		own = sideResult(session, side)

		if session.CreatorCompleted && session.OpponentCompleted {
			winnerID := resolveBattleWinner(session)
			completedAt := s.clock().UTC()
			finish := tx.Model(&Session{}).
				Where("id = ? AND completed = ?", session.ID, false).
				Updates(map[string]any{
					"completed":    true,
					"completed_at": completedAt,
					"winner_id":    winnerID,
				})
			if finish.Error != nil {
				return internalError("failed to finish battle", finish.Error)
			}
			if finish.RowsAffected > 0 {
				session.Completed = true
				session.CompletedAt = &completedAt
				session.WinnerID = &winnerID
			} else if reloadErr := tx.Where("id = ?", session.ID).Take(&session).Error; reloadErr != nil {
				return internalError("failed to reload battle", reloadErr)
			}
		}
		return nil
	})
	if txErr != nil {
		return CompleteResult{}, txErr
	}

	result := CompleteResult{
		Session:       session,
		Own:           own,
		BothCompleted: session.Completed,
	}

	if session.Completed {
		s.logger.Info("battle completed",
			zap.String("battle_id", session.ID),
			zap.Stringp("winner_id", session.WinnerID))
		s.events.EmitToBattle(session.ID, EventBattleCompleted, map[string]any{
			"battle_session_id": session.ID,
			"winner_id":         session.WinnerID,
			"creator":           sideResult(session, SideCreator),
			"opponent":          sideResult(session, SideOpponent),
			"completed_at":      session.CompletedAt,
		})
	} else {
		s.events.EmitToBattle(session.ID, EventPlayerCompleted, map[string]any{
			"battle_session_id": session.ID,
			"side":              side,
			"result":            own,
		})
	}
	return result, nil
}

func sideResult(session Session, side Side) SideResult {
	if side == SideCreator {
		return SideResult{
			Side:           SideCreator,
			Score:          session.CreatorScore,
			CorrectAnswers: session.CreatorCorrectAnswers,
			TotalTime:      session.CreatorTotalTime,
		}
	}
	return SideResult{
		Side:           SideOpponent,
		Score:          session.OpponentScore,
		CorrectAnswers: session.OpponentCorrectAnswers,
		TotalTime:      session.OpponentTotalTime,
	}
}

// scoreRounds sums one side's score over the persisted rounds: each correct
// answer is worth 100 plus a speed bonus of floor(max(0, 60 - response_time)).
func scoreRounds(rounds []RoundDetail, side Side) (score int, correctAnswers int) {
	for _, round := range rounds {
		correct := round.CreatorIsCorrect
		responseTime := round.CreatorResponseTime
		if side == SideOpponent {
			correct = round.OpponentIsCorrect
			responseTime = round.OpponentResponseTime
		}
		if !correct {
			continue
		}
		correctAnswers++
		bonus := speedBonusWindow - responseTime
		if bonus < 0 {
			bonus = 0
		}
		score += baseRoundScore + int(math.Floor(bonus))
	}
	return score, correctAnswers
}

// resolveBattleWinner applies the ordered rule: higher score, then lower total
// time, and a dead heat goes to the opponent.
func resolveBattleWinner(session Session) string {
	opponentID := *session.OpponentID
	switch {
	case session.CreatorScore > session.OpponentScore:
		return session.CreatorID
	case session.OpponentScore > session.CreatorScore:
		return opponentID
	case session.CreatorTotalTime < session.OpponentTotalTime:
		return session.CreatorID
	case session.OpponentTotalTime < session.CreatorTotalTime:
		return opponentID
	default:
		return opponentID
	}
}

func (s *Service) loadRounds(ctx context.Context, battleID string) ([]RoundDetail, error) {
	var rounds []RoundDetail
	err := s.db.WithContext(ctx).
		Where("battle_session_id = ?", battleID).
		Order("round_number ASC").
		Find(&rounds).Error
	if err != nil {
		return nil, internalError("failed to load rounds", err)
	}
	return rounds, nil
}
