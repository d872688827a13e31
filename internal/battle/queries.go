package battle

import (
	"context"
	"errors"

	"github.com/numclash/backend/internal/users"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ListQuery is the shared pagination envelope for battle listings.
type ListQuery struct {
	Page     int
	PageSize int
	Status   string
}

func (q ListQuery) normalized() ListQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = defaultPageSize
	}
	if q.PageSize > maxPageSize {
		q.PageSize = maxPageSize
	}
	return q
}

func (q ListQuery) offset() int {
	return (q.Page - 1) * q.PageSize
}

// SessionPage is one page of battle sessions.
type SessionPage struct {
	Items    []Session `json:"items"`
	Total    int64     `json:"total"`
	Page     int       `json:"page"`
	PageSize int       `json:"page_size"`
}

// BattleDetail is the full state of one battle for its viewers.
type BattleDetail struct {
	Session  Session        `json:"session"`
	Creator  users.Profile  `json:"creator"`
	Opponent *users.Profile `json:"opponent,omitempty"`
	Rounds   []RoundDetail  `json:"rounds"`
}

// Get loads one battle with its rounds and participant profiles. Private
// battles are visible only to their two participants.
func (s *Service) Get(ctx context.Context, userID string, battleID string) (BattleDetail, error) {
	var session Session
	err := s.db.WithContext(ctx).Where("id = ?", battleID).Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return BattleDetail{}, notFoundError("battle not found", err)
	}
	if err != nil {
		return BattleDetail{}, internalError("failed to load battle", err)
	}

	if !session.IsPublic && !session.IsParticipant(userID) {
		return BattleDetail{}, forbiddenError("not a participant in this battle")
	}

	creator, err := s.users.Resolve(ctx, session.CreatorID)
	if err != nil {
		return BattleDetail{}, internalError("failed to resolve creator", err)
	}

	detail := BattleDetail{Session: session, Creator: creator}
	if session.OpponentID != nil {
		opponent, resolveErr := s.users.Resolve(ctx, *session.OpponentID)
		if resolveErr != nil {
			return BattleDetail{}, internalError("failed to resolve opponent", resolveErr)
		}
		detail.Opponent = &opponent
	}

	rounds, err := s.loadRounds(ctx, session.ID)
	if err != nil {
		return BattleDetail{}, err
	}
	detail.Rounds = rounds
	return detail, nil
}

// ListMine pages through the caller's battle history, optionally filtered by
// status: completed, waiting (no opponent yet), or active.
func (s *Service) ListMine(ctx context.Context, userID string, query ListQuery) (SessionPage, error) {
	query = query.normalized()

	scope := s.db.WithContext(ctx).Model(&Session{}).
		Where("creator_id = ? OR opponent_id = ?", userID, userID)

	switch query.Status {
	case "":
	case "completed":
		scope = scope.Where("completed = ?", true)
	case "waiting":
		scope = scope.Where("opponent_id IS NULL AND completed = ?", false)
	case "active":
		scope = scope.Where("opponent_id IS NOT NULL AND completed = ?", false)
	default:
		return SessionPage{}, validationError("status must be one of completed, waiting, active", nil)
	}

	return s.pageSessions(scope, query)
}

// ListPublic pages through public battles that have not finished yet.
func (s *Service) ListPublic(ctx context.Context, query ListQuery) (SessionPage, error) {
	query = query.normalized()
	scope := s.db.WithContext(ctx).Model(&Session{}).
		Where("is_public = ? AND completed = ?", true, false)
	return s.pageSessions(scope, query)
}

func (s *Service) pageSessions(scope *gorm.DB, query ListQuery) (SessionPage, error) {
	var total int64
	if err := scope.Count(&total).Error; err != nil {
		return SessionPage{}, internalError("failed to count battles", err)
	}

	var items []Session
	err := scope.
		Order("created_at DESC").
		Offset(query.offset()).
		Limit(query.PageSize).
		Find(&items).Error
	if err != nil {
		return SessionPage{}, internalError("failed to list battles", err)
	}

	return SessionPage{Items: items, Total: total, Page: query.Page, PageSize: query.PageSize}, nil
}

// AvailableBattle augments a public session with the creator's profile and
// per-side answer progress so browsers can pick a battle worth joining.
type AvailableBattle struct {
	Session          Session       `json:"session"`
	Creator          users.Profile `json:"creator"`
	CreatorAnswered  int           `json:"creator_answered"`
	OpponentAnswered int           `json:"opponent_answered"`
}

// AvailablePage is one page of joinable or spectatable public battles.
type AvailablePage struct {
	Items    []AvailableBattle `json:"items"`
	Total    int64             `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
}

type roundProgress struct {
	BattleSessionID  string
	CreatorAnswered  int
	OpponentAnswered int
}

// ListAvailable pages through public, non-completed battles with progress stats.
func (s *Service) ListAvailable(ctx context.Context, query ListQuery) (AvailablePage, error) {
	page, err := s.ListPublic(ctx, query)
	if err != nil {
		return AvailablePage{}, err
	}

	result := AvailablePage{
		Items:    make([]AvailableBattle, 0, len(page.Items)),
		Total:    page.Total,
		Page:     page.Page,
		PageSize: page.PageSize,
	}
	if len(page.Items) == 0 {
		return result, nil
	}

	ids := make([]string, 0, len(page.Items))
	for _, session := range page.Items {
		ids = append(ids, session.ID)
	}

	var progress []roundProgress
	err = s.db.WithContext(ctx).Model(&RoundDetail{}).
		Select("battle_session_id, "+
			"SUM(CASE WHEN creator_symbol IS NOT NULL THEN 1 ELSE 0 END) AS creator_answered, "+
			"SUM(CASE WHEN opponent_symbol IS NOT NULL THEN 1 ELSE 0 END) AS opponent_answered").
		Where("battle_session_id IN ?", ids).
		Group("battle_session_id").
		Scan(&progress).Error
	if err != nil {
		return AvailablePage{}, internalError("failed to load battle progress", err)
	}

	progressByID := make(map[string]roundProgress, len(progress))
	for _, entry := range progress {
		progressByID[entry.BattleSessionID] = entry
	}

	for _, session := range page.Items {
		creator, resolveErr := s.users.Resolve(ctx, session.CreatorID)
		if resolveErr != nil {
			return AvailablePage{}, internalError("failed to resolve creator", resolveErr)
		}
		entry := progressByID[session.ID]
		result.Items = append(result.Items, AvailableBattle{
			Session:          session,
			Creator:          creator,
			CreatorAnswered:  entry.CreatorAnswered,
			OpponentAnswered: entry.OpponentAnswered,
		})
	}
	return result, nil
}

// ActiveBattleIDs returns the unfinished battles the user participates in.
// The realtime hub uses it to re-subscribe reconnecting clients.
func (s *Service) ActiveBattleIDs(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&Session{}).
		Where("(creator_id = ? OR opponent_id = ?) AND completed = ?", userID, userID, false).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, internalError("failed to list active battles", err)
	}
	return ids, nil
}
