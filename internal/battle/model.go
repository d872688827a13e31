package battle

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Symbol is the comparison answer for a round.
type Symbol string

const (
	// SymbolGreater means the first number is larger.
	SymbolGreater Symbol = ">"
	// SymbolLess means the second number is larger.
	SymbolLess Symbol = "<"
	// SymbolEqual means the numbers match.
	SymbolEqual Symbol = "="
)

// ErrInvalidSymbol indicates an answer outside the three legal comparison symbols.
var ErrInvalidSymbol = errors.New("battle: invalid symbol")

// ParseSymbol validates raw client input and returns a Symbol.
func ParseSymbol(rawInput string) (Symbol, error) {
	switch Symbol(strings.TrimSpace(rawInput)) {
	case SymbolGreater:
		return SymbolGreater, nil
	case SymbolLess:
		return SymbolLess, nil
	case SymbolEqual:
		return SymbolEqual, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, rawInput)
	}
}

// CompareSymbol derives the ground-truth symbol for a number pair.
func CompareSymbol(firstNumber, secondNumber int) Symbol {
	switch {
	case firstNumber > secondNumber:
		return SymbolGreater
	case firstNumber < secondNumber:
		return SymbolLess
	default:
		return SymbolEqual
	}
}

// Side identifies one of the two roles in a battle.
type Side string

const (
	SideCreator  Side = "creator"
	SideOpponent Side = "opponent"
)

// RoundOutcome records who took a round once both sides have answered.
type RoundOutcome string

const (
	RoundWonByCreator  RoundOutcome = "creator"
	RoundWonByOpponent RoundOutcome = "opponent"
	RoundTied          RoundOutcome = "tie"
	// RoundPending is the zero value while one side has yet to answer.
	RoundPending RoundOutcome = ""
)

// State is the explicit battle lifecycle stage, derived from persisted fields.
type State string

const (
	// StateOpen means the battle is waiting for an opponent to join.
	StateOpen State = "open"
	// StateActive means both participants are matched and play is possible.
	StateActive State = "active"
	// StateFinished means both sides completed and the winner is fixed.
	StateFinished State = "finished"
)

const (
	// MinRounds and MaxRounds bound the configurable round count.
	MinRounds = 1
	MaxRounds = 20
	// MinNumber and MaxNumber bound the generated comparison operands.
	MinNumber = 1
	MaxNumber = 50
	// DefaultTimeLimit is the advisory battle duration in seconds.
	DefaultTimeLimit = 600

	baseRoundScore   = 100
	speedBonusWindow = 60.0
)

// Session models one head-to-head challenge between two players.
type Session struct {
	ID         string  `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	BattleCode string  `gorm:"column:battle_code;size:8;not null;uniqueIndex:idx_battle_sessions_code" json:"battle_code"`
	CreatorID  string  `gorm:"column:creator_id;size:190;not null;index" json:"creator_id"`
	OpponentID *string `gorm:"column:opponent_id;size:190;index" json:"opponent_id"`
	WinnerID   *string `gorm:"column:winner_id;size:190" json:"winner_id"`

	NumberOfRounds int  `gorm:"column:number_of_rounds;not null" json:"number_of_rounds"`
	TimeLimit      int  `gorm:"column:time_limit;not null;default:600" json:"time_limit"`
	IsPublic       bool `gorm:"column:is_public;not null;default:false" json:"is_public"`

	CreatorScore          int     `gorm:"column:creator_score;not null;default:0" json:"creator_score"`
	CreatorCorrectAnswers int     `gorm:"column:creator_correct_answers;not null;default:0" json:"creator_correct_answers"`
	CreatorTotalTime      float64 `gorm:"column:creator_total_time;not null;default:0" json:"creator_total_time"`
	CreatorCompleted      bool    `gorm:"column:creator_completed;not null;default:false" json:"creator_completed"`

	OpponentScore          int     `gorm:"column:opponent_score;not null;default:0" json:"opponent_score"`
	OpponentCorrectAnswers int     `gorm:"column:opponent_correct_answers;not null;default:0" json:"opponent_correct_answers"`
	OpponentTotalTime      float64 `gorm:"column:opponent_total_time;not null;default:0" json:"opponent_total_time"`
	OpponentCompleted      bool    `gorm:"column:opponent_completed;not null;default:false" json:"opponent_completed"`

	StartedAt   *time.Time `gorm:"column:started_at" json:"started_at"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at"`
	Completed   bool       `gorm:"column:completed;not null;default:false;index" json:"completed"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (Session) TableName() string {
	return "battle_sessions"
}

// State derives the lifecycle stage from the persisted flags.
func (s Session) State() State {
	switch {
	case s.Completed:
		return StateFinished
	case s.OpponentID != nil:
		return StateActive
	default:
		return StateOpen
	}
}

// IsParticipant reports whether the user plays either side of the battle.
func (s Session) IsParticipant(userID string) bool {
	_, ok := s.SideOf(userID)
	return ok
}

// SideOf resolves which side of the battle the user plays.
func (s Session) SideOf(userID string) (Side, bool) {
	if userID == s.CreatorID {
		return SideCreator, true
	}
	if s.OpponentID != nil && userID == *s.OpponentID {
		return SideOpponent, true
	}
	return "", false
}

// RoundDetail models one comparison question and each side's independent response.
type RoundDetail struct {
	BattleSessionID string `gorm:"column:battle_session_id;primaryKey;size:190;not null" json:"battle_session_id"`
	RoundNumber     int    `gorm:"column:round_number;primaryKey;not null" json:"round_number"`

	FirstNumber   int    `gorm:"column:first_number;not null" json:"first_number"`
	SecondNumber  int    `gorm:"column:second_number;not null" json:"second_number"`
	CorrectSymbol Symbol `gorm:"column:correct_symbol;size:1;not null" json:"correct_symbol"`

	CreatorSymbol       *Symbol    `gorm:"column:creator_symbol;size:1" json:"creator_symbol"`
	CreatorResponseTime float64    `gorm:"column:creator_response_time;not null;default:0" json:"creator_response_time"`
	CreatorIsCorrect    bool       `gorm:"column:creator_is_correct;not null;default:false" json:"creator_is_correct"`
	CreatorAnsweredAt   *time.Time `gorm:"column:creator_answered_at" json:"creator_answered_at"`

	OpponentSymbol       *Symbol    `gorm:"column:opponent_symbol;size:1" json:"opponent_symbol"`
	OpponentResponseTime float64    `gorm:"column:opponent_response_time;not null;default:0" json:"opponent_response_time"`
	OpponentIsCorrect    bool       `gorm:"column:opponent_is_correct;not null;default:false" json:"opponent_is_correct"`
	OpponentAnsweredAt   *time.Time `gorm:"column:opponent_answered_at" json:"opponent_answered_at"`

	RoundWinner RoundOutcome `gorm:"column:round_winner;size:8;not null;default:''" json:"round_winner"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (RoundDetail) TableName() string {
	return "battle_round_details"
}

// SymbolOf returns the stored answer for the given side, nil when unanswered.
func (r RoundDetail) SymbolOf(side Side) *Symbol {
	if side == SideCreator {
		return r.CreatorSymbol
	}
	return r.OpponentSymbol
}

// BothAnswered reports whether both sides have submitted their answer.
func (r RoundDetail) BothAnswered() bool {
	return r.CreatorSymbol != nil && r.OpponentSymbol != nil
}

// resolveRoundWinner applies the ordered tie-break rule once both sides answered:
// sole correct side wins, then the faster correct side, otherwise a tie.
func resolveRoundWinner(r RoundDetail) RoundOutcome {
	switch {
	case r.CreatorIsCorrect && !r.OpponentIsCorrect:
		return RoundWonByCreator
	case r.OpponentIsCorrect && !r.CreatorIsCorrect:
		return RoundWonByOpponent
	case r.CreatorIsCorrect && r.OpponentIsCorrect:
		if r.CreatorResponseTime < r.OpponentResponseTime {
			return RoundWonByCreator
		}
		if r.OpponentResponseTime < r.CreatorResponseTime {
			return RoundWonByOpponent
		}
		return RoundTied
	default:
		return RoundTied
	}
}
