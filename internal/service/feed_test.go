package service

import (
	"testing"

	"who_knows_rewards/internal/model"

	"github.com/stretchr/testify/assert"
)

func TestFeed_PublishesToAddress(t *testing.T) {
	feed := NewFeed(4)
	sub := feed.Subscribe("0xABC")
	other := feed.Subscribe("0xdef")
	defer other.Close()

	feed.Publish(model.PointsUpdate{Address: "0xabc", TotalPoints: 100})

	update := <-sub.Updates()
	assert.Equal(t, int64(100), update.TotalPoints)
	assert.Empty(t, other.Updates())

	sub.Close()
	sub.Close()
	_, open := <-sub.Updates()
	assert.False(t, open)
	assert.Zero(t, feed.Subscribers("0xabc"))
}

func TestFeed_DropsSlowSubscriber(t *testing.T) {
	feed := NewFeed(1)
	sub := feed.Subscribe("0xabc")

	feed.Publish(model.PointsUpdate{Address: "0xabc", TotalPoints: 1})
	feed.Publish(model.PointsUpdate{Address: "0xabc", TotalPoints: 2})

	assert.Zero(t, feed.Subscribers("0xabc"))

	update, open := <-sub.Updates()
	assert.True(t, open)
	assert.Equal(t, int64(1), update.TotalPoints)
	_, open = <-sub.Updates()
	assert.False(t, open)

	sub.Close()
}
