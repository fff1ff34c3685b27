package model

import "github.com/shopspring/decimal"

type QuestID string

const (
	QuestDailyTx     QuestID = "dailyTx"
	QuestDailyVol1   QuestID = "dailyVol1"
	QuestDailyVol5   QuestID = "dailyVol5"
	QuestDailyVol10  QuestID = "dailyVol10"
	QuestDailyVol50  QuestID = "dailyVol50"
	QuestDailyVol100 QuestID = "dailyVol100"
	QuestWeeklyVol1  QuestID = "weeklyVol1"
)

// QuestFlags holds one monotonic flag per quest. A missing key means false.
type QuestFlags map[QuestID]bool

func (q QuestFlags) Done(id QuestID) bool {
	return q[id]
}

func (q QuestFlags) Completed() int {
	n := 0
	for _, done := range q {
		if done {
			n++
		}
	}
	return n
}

// QuestCounters is the cumulative activity a quest predicate is evaluated against.
type QuestCounters struct {
	Transactions int64
	Volume       decimal.Decimal
	DailyVolume  decimal.Decimal
	WeeklyVolume decimal.Decimal
}

func (a *Account) Counters() QuestCounters {
	return QuestCounters{
		Transactions: a.Transactions,
		Volume:       a.Volume,
		DailyVolume:  a.DailyVolume,
		WeeklyVolume: a.WeeklyVolume,
	}
}
