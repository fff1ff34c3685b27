package service

import (
	"who_knows_rewards/internal/model"

	"github.com/shopspring/decimal"
)

// Quest is one catalog entry: a predicate over cumulative counters and the
// points credited the first time it holds.
type Quest struct {
	ID     model.QuestID
	Points int64
	Done   func(model.QuestCounters) bool
}

var QuestCatalog = []Quest{
	{ID: model.QuestDailyTx, Points: 100, Done: transactionsAtLeast(10)},
	{ID: model.QuestDailyVol1, Points: 1000, Done: dailyVolumeAtLeast(1)},
	{ID: model.QuestDailyVol5, Points: 5000, Done: dailyVolumeAtLeast(5)},
	{ID: model.QuestDailyVol10, Points: 10000, Done: dailyVolumeAtLeast(10)},
	{ID: model.QuestDailyVol50, Points: 50000, Done: dailyVolumeAtLeast(50)},
	{ID: model.QuestDailyVol100, Points: 100000, Done: dailyVolumeAtLeast(100)},
	{ID: model.QuestWeeklyVol1, Points: 10000, Done: weeklyVolumeAtLeast(1)},
}

type QuestOutcome struct {
	Completed []model.QuestID
	Points    int64
}

// EvaluateQuests returns the quests of catalog that hold for c and are not yet
// set in flags, in catalog order. It does not modify flags.
func EvaluateQuests(catalog []Quest, c model.QuestCounters, flags model.QuestFlags) QuestOutcome {
	var out QuestOutcome
	for _, q := range catalog {
		if flags.Done(q.ID) || !q.Done(c) {
			continue
		}
		out.Completed = append(out.Completed, q.ID)
		out.Points += q.Points
	}
	return out
}

func transactionsAtLeast(n int64) func(model.QuestCounters) bool {
	return func(c model.QuestCounters) bool {
		return c.Transactions >= n
	}
}

func dailyVolumeAtLeast(eth int64) func(model.QuestCounters) bool {
	threshold := decimal.NewFromInt(eth)
	return func(c model.QuestCounters) bool {
		return c.DailyVolume.GreaterThanOrEqual(threshold)
	}
}

func weeklyVolumeAtLeast(eth int64) func(model.QuestCounters) bool {
	threshold := decimal.NewFromInt(eth)
	return func(c model.QuestCounters) bool {
		return c.WeeklyVolume.GreaterThanOrEqual(threshold)
	}
}
