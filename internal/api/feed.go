package api

import (
	"net/http"
	"time"

	"who_knows_rewards/internal/model"
	"who_knows_rewards/internal/service"
	"who_knows_rewards/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Subscriber interface {
	Subscribe(address string) *service.Subscription
}

type feedRoutes struct {
	feed Subscriber
}

func NewFeedRoutes(handler *gin.RouterGroup, feed Subscriber) {
	r := &feedRoutes{feed: feed}
	h := handler.Group("/ws")

	h.GET("/:address", r.handleWebSocket)
}

type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type PointsPayload struct {
	Address              string    `json:"address"`
	Points               int64     `json:"points"`
	ReferralPoints       int64     `json:"referralPoints"`
	TotalPoints          int64     `json:"totalPoints"`
	CompletedQuestsCount int       `json:"completedQuestsCount"`
	At                   time.Time `json:"at"`
}

func (r *feedRoutes) handleWebSocket(c *gin.Context) {
	log := logger.Named("feed")

	address, ok := model.ParseAddress(c.Param("address"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid address"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Info("websocket upgrade failed", zap.Error(err))
		return
	}

	sub := r.feed.Subscribe(address)
	go readLoop(conn, sub)
	go writeLoop(conn, sub)
}

// readLoop drains control frames and ends the subscription when the peer goes away.
func readLoop(conn *websocket.Conn, sub *service.Subscription) {
	defer sub.Close()

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Named("feed").Info("websocket unexpected close", zap.Error(err))
			}
			return
		}
	}
}

func writeLoop(conn *websocket.Conn, sub *service.Subscription) {
	log := logger.Named("feed")
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		conn.Close()
	}()

	for {
		select {
		case update, ok := <-sub.Updates():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(Message{
				Type: "points_updated",
				Payload: PointsPayload{
					Address:              update.Address,
					Points:               update.QuestPoints,
					ReferralPoints:       update.ReferralPoints,
					TotalPoints:          update.TotalPoints,
					CompletedQuestsCount: update.Completed,
					At:                   update.At,
				},
			})
			if err != nil {
				log.Error("failed to marshal points update", zap.Error(err))
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Info("failed to write points update", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
