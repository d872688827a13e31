package battle

import (
	"context"
	"errors"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// staleGrace is the slack beyond a battle's time limit before the sweeper
// force-completes it.
const staleGrace = 60 * time.Second

// SweeperConfig configures the stale-battle sweep job.
type SweeperConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Interval time.Duration
	Events   Broadcaster
	Logger   *zap.Logger
}

// Sweeper periodically force-completes active battles whose time limit has
// long elapsed with one side never completing. This is a policy extension on
// top of the coordinator: without it an abandoned battle stays active forever.
type Sweeper struct {
	db        *gorm.DB
	clock     func() time.Time
	events    Broadcaster
	logger    *zap.Logger
	scheduler gocron.Scheduler
}

// NewSweeper constructs and starts the sweep job.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("sweep interval must be positive")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	events := cfg.Events
	if events == nil {
		events = noopBroadcaster{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	sweeper := &Sweeper{
		db:     cfg.Database,
		clock:  clock,
		events: events,
		logger: logger,
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	if _, err := scheduler.NewJob(
		gocron.DurationJob(cfg.Interval),
		gocron.NewTask(func() {
			if sweepErr := sweeper.SweepOnce(context.Background()); sweepErr != nil {
				logger.Error("stale battle sweep failed", zap.Error(sweepErr))
			}
		}),
	); err != nil {
		return nil, err
	}
	scheduler.Start()
	sweeper.scheduler = scheduler
	return sweeper, nil
}

// Close stops the sweep job.
func (s *Sweeper) Close() error {
	if s.scheduler == nil {
		return nil
	}
	return s.scheduler.Shutdown()
}

// SweepOnce force-completes every overdue active battle. A battle is overdue
// when it started, is not completed, and now exceeds started_at + time_limit
// plus a grace period. Resolution reuses the coordinator's scoring and winner
// rules over whatever round data exists, under the same completed
// false-to-true guard.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	now := s.clock().UTC()

	var candidates []Session
	err := s.db.WithContext(ctx).
		Where("completed = ? AND opponent_id IS NOT NULL AND started_at IS NOT NULL", false).
		Find(&candidates).Error
	if err != nil {
		return err
	}

	for _, candidate := range candidates {
		deadline := candidate.StartedAt.Add(time.Duration(candidate.TimeLimit)*time.Second + staleGrace)
		if now.Before(deadline) {
			continue
		}
		if err := s.forceComplete(ctx, candidate.ID, now); err != nil {
			s.logger.Error("failed to force-complete stale battle",
				zap.String("battle_id", candidate.ID),
				zap.Error(err))
		}
	}
	return nil
}

func (s *Sweeper) forceComplete(ctx context.Context, battleID string, now time.Time) error {
	var session Session

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", battleID).
			Take(&session).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if session.Completed || session.OpponentID == nil {
			return nil
		}

		var rounds []RoundDetail
		if err := tx.
			Where("battle_session_id = ?", session.ID).
			Order("round_number ASC").
			Find(&rounds).Error; err != nil {
			return err
		}

		elapsed := now.Sub(*session.StartedAt).Seconds()
		updates := map[string]any{}
		if !session.CreatorCompleted {
			score, correct := scoreRounds(rounds, SideCreator)
			session.CreatorScore = score
			session.CreatorCorrectAnswers = correct
			session.CreatorTotalTime = elapsed
			session.CreatorCompleted = true
			updates["creator_score"] = score
			updates["creator_correct_answers"] = correct
			updates["creator_total_time"] = elapsed
			updates["creator_completed"] = true
		}
		if !session.OpponentCompleted {
			score, correct := scoreRounds(rounds, SideOpponent)
			session.OpponentScore = score
			session.OpponentCorrectAnswers = correct
			session.OpponentTotalTime = elapsed
			session.OpponentCompleted = true
			updates["opponent_score"] = score
			updates["opponent_correct_answers"] = correct
			updates["opponent_total_time"] = elapsed
			updates["opponent_completed"] = true
		}

		winnerID := resolveBattleWinner(session)
		updates["completed"] = true
		updates["completed_at"] = now
		updates["winner_id"] = winnerID

		finish := tx.Model(&Session{}).
			Where("id = ? AND completed = ?", session.ID, false).
			Updates(updates)
		if finish.Error != nil {
			return finish.Error
		}
		if finish.RowsAffected == 0 {
			session.Completed = false
			return nil
		}
		session.Completed = true
		session.CompletedAt = &now
		session.WinnerID = &winnerID
		return nil
	})
	if txErr != nil {
		return txErr
	}

	if session.Completed {
		s.logger.Info("force-completed stale battle",
			zap.String("battle_id", session.ID),
			zap.Stringp("winner_id", session.WinnerID))
		s.events.EmitToBattle(session.ID, EventBattleCompleted, map[string]any{
			"battle_session_id": session.ID,
			"winner_id":         session.WinnerID,
			"creator":           sideResult(session, SideCreator),
			"opponent":          sideResult(session, SideOpponent),
			"completed_at":      session.CompletedAt,
			"forced":            true,
		})
	}
	return nil
}
