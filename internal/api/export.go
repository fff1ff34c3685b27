package api

import (
	"encoding/csv"
	"net/http"
	"strconv"

	"who_knows_rewards/internal/middleware"
	"who_knows_rewards/internal/model"
	"who_knows_rewards/internal/service"
	"who_knows_rewards/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var exportHeader = []string{
	"Wallet Address",
	"Quest Points",
	"Referral Points",
	"Total Points",
	"Valid Referrals",
	"Pending Referrals",
	"Completed Quests",
	"Total Volume",
}

type adminRoutes struct {
	ls service.LeaderboardServiceI
}

func NewAdminRoutes(handler *gin.RouterGroup, ls service.LeaderboardServiceI, a *middleware.Authorization) {
	r := &adminRoutes{ls: ls}
	h := handler.Group("/admin")
	h.Use(a.AdminOnly())
	{
		h.GET("/export", r.Export)
	}
}

type ExportRow struct {
	Address          string          `json:"address"`
	QuestPoints      int64           `json:"questPoints"`
	ReferralPoints   int64           `json:"referralPoints"`
	TotalPoints      int64           `json:"totalPoints"`
	ValidReferrals   int             `json:"validReferrals"`
	PendingReferrals int             `json:"pendingReferrals"`
	CompletedQuests  int             `json:"completedQuests"`
	TotalVolume      decimal.Decimal `json:"totalVolume"`
}

func (r *adminRoutes) Export(c *gin.Context) {
	log := logger.Logger()

	rows, err := r.ls.Export(c.Request.Context())
	if err != nil {
		log.Error("failed to export accounts",
			zap.String("request_id", middleware.RequestID(c)),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if c.Query("format") == "csv" {
		writeCSV(c, rows)
		return
	}

	out := make([]ExportRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, ExportRow(row))
	}
	c.JSON(http.StatusOK, out)
}

func writeCSV(c *gin.Context, rows []model.ExportRow) {
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment; filename=snapshot.csv")
	c.Status(http.StatusOK)

	w := csv.NewWriter(c.Writer)
	_ = w.Write(exportHeader)
	for _, row := range rows {
		_ = w.Write([]string{
			row.Address,
			strconv.FormatInt(row.QuestPoints, 10),
			strconv.FormatInt(row.ReferralPoints, 10),
			strconv.FormatInt(row.TotalPoints, 10),
			strconv.Itoa(row.ValidReferrals),
			strconv.Itoa(row.PendingReferrals),
			strconv.Itoa(row.CompletedQuests),
			row.TotalVolume.StringFixed(4),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		logger.Logger().Error("failed to write csv export", zap.Error(err))
	}
}
