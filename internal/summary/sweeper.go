package summary

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/threadline/threadline/internal/config"
	"github.com/threadline/threadline/internal/conversation"
)

// sweepBatch bounds how many recent conversations one sweep inspects.
const sweepBatch = 200

// sweepTimeout bounds one full sweep run.
const sweepTimeout = 5 * time.Minute

// DuplicateHealer folds conversations that duplicate the given one back into
// it. The sweep runs it before checking summaries so a conversation absorbed by
// a heal is never summarized on its own.
type DuplicateHealer interface {
	HealDuplicates(ctx context.Context, conversationID string) (absorbed int, err error)
}

// Sweeper periodically repairs what turn-time best-effort work missed:
// duplicate conversations orphaned by a partially failed merge, summaries
// invalidated by a merge, and conversations that grew well past the message
// count their summary was built from.
type Sweeper struct {
	store     conversation.Store
	generator *Generator
	healer    DuplicateHealer
	schedule  string
	enabled   bool
	cron      *cron.Cron
	logger    *slog.Logger
}

// NewSweeper creates a Sweeper from config. healer may be nil, which disables
// merge healing and leaves only summary repair.
func NewSweeper(log *slog.Logger, store conversation.Store, generator *Generator, healer DuplicateHealer, cfg config.SweeperConfig) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = config.DefaultSweepSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Sweeper{
		store:     store,
		generator: generator,
		healer:    healer,
		schedule:  schedule,
		enabled:   cfg.Enabled && generator.Enabled(),
		cron:      cron.New(cron.WithParser(parser)),
		logger:    log.With(slog.String("service", "sweeper")),
	}
}

// Start schedules the sweep and starts the cron runner.
func (s *Sweeper) Start() error {
	if !s.enabled {
		s.logger.Info("summary sweeper disabled")
		return nil
	}
	if _, err := s.cron.AddFunc(s.schedule, s.sweep); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("summary sweeper started", slog.String("schedule", s.schedule))
	return nil
}

// Stop stops the cron runner and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	convs, err := s.store.ListRecent(ctx, sweepBatch)
	if err != nil {
		s.logger.Warn("sweep list failed", slog.Any("error", err))
		return
	}
	refreshed, healed := 0, 0
	for _, conv := range convs {
		if s.healer != nil {
			absorbed, err := s.healer.HealDuplicates(ctx, conv.ID)
			if err != nil {
				s.logger.Warn("sweep heal failed",
					slog.String("conversation_id", conv.ID),
					slog.Any("error", err),
				)
			} else if absorbed > 0 {
				healed += absorbed
				fresh, err := s.store.Get(ctx, conv.ID)
				if err != nil {
					// Absorbed into an earlier conversation in this batch.
					continue
				}
				conv = fresh
			}
		}
		if !s.needsRefresh(conv) {
			continue
		}
		if !s.generator.Refresh(ctx, conv) {
			continue
		}
		if err := s.store.Save(ctx, conv); err != nil {
			s.logger.Warn("sweep persist failed",
				slog.String("conversation_id", conv.ID),
				slog.Any("error", err),
			)
			continue
		}
		refreshed++
	}
	if refreshed > 0 || healed > 0 {
		s.logger.Info("sweep completed",
			slog.Int("inspected", len(convs)),
			slog.Int("refreshed", refreshed),
			slog.Int("healed", healed),
		)
	}
}

// needsRefresh reports whether conv carries a summary obligation the turn
// path has not met: enough messages with no summary, a summary whose anchor
// message vanished in a merge, or a summary more than a window behind.
func (s *Sweeper) needsRefresh(conv *conversation.Conversation) bool {
	if !s.generator.ShouldSummarize(conv) {
		return false
	}
	if conv.Summary == nil {
		return true
	}
	if !conv.SummaryUsable() {
		return true
	}
	return len(conv.Messages)-conv.Summary.MessageCountAtCreation >= s.generator.minMessages
}
