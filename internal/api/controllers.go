package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"oms-core/internal/monitor"
	"oms-core/internal/oms"
	"oms-core/internal/risk"
	"oms-core/pkg/db"
)

type createOrderRequest struct {
	ClientID    string   `json:"client_id" binding:"required,min=1"`
	Symbol      string   `json:"symbol" binding:"required,min=1"`
	Side        string   `json:"side" binding:"required,oneof=BUY SELL"`
	Type        string   `json:"type" binding:"required,oneof=LIMIT MARKET"`
	Qty         float64  `json:"qty" binding:"gt=0"`
	Price       *float64 `json:"price"`
	TimeInForce string   `json:"time_in_force"`
}

type riskLimitRequest struct {
	ClientID     string  `json:"client_id" binding:"required,min=1"`
	Symbol       *string `json:"symbol"`
	MaxNotional  float64 `json:"max_notional" binding:"gt=0"`
	MaxOrderSize float64 `json:"max_order_size" binding:"gt=0"`
	TradingHours string  `json:"trading_hours" binding:"required"`
	Blocked      bool    `json:"blocked"`
}

type orderResponse struct {
	ID           string   `json:"id"`
	ClientID     string   `json:"client_id"`
	Symbol       string   `json:"symbol"`
	Side         string   `json:"side"`
	Type         string   `json:"type"`
	Qty          float64  `json:"qty"`
	Price        *float64 `json:"price,omitempty"`
	TimeInForce  string   `json:"time_in_force"`
	Status       string   `json:"status"`
	CumQty       float64  `json:"cum_qty"`
	AvgPx        *float64 `json:"avg_px,omitempty"`
	RejectReason string   `json:"reject_reason,omitempty"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
}

func toOrderResponse(o *db.Order) orderResponse {
	return orderResponse{
		ID:           o.ID,
		ClientID:     o.ClientID,
		Symbol:       o.Symbol,
		Side:         o.Side,
		Type:         o.Type,
		Qty:          o.Qty,
		Price:        o.Price,
		TimeInForce:  o.TimeInForce,
		Status:       o.Status,
		CumQty:       o.CumQty,
		AvgPx:        o.AvgPx,
		RejectReason: o.RejectReason,
		CreatedAt:    o.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:    o.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// createOrder runs the admission gate, persists the order, and enqueues a
// durable SEND for the dispatch worker. The enqueue happens strictly after
// the order transaction committed.
func (s *Server) createOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	if req.Type == oms.TypeLimit && (req.Price == nil || *req.Price <= 0) {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "limit orders require a positive price")
		return
	}

	ctx := c.Request.Context()

	limitRow, err := s.DB.FindRiskLimit(ctx, req.ClientID, req.Symbol)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	limit := risk.DefaultLimit(req.ClientID)
	if limitRow != nil {
		limit = *limitRow
	}

	decision := risk.Evaluate(risk.Intent{
		ClientID: req.ClientID,
		Symbol:   req.Symbol,
		Qty:      req.Qty,
		Price:    req.Price,
	}, limit, s.Catalog.Spec(req.Symbol), time.Now())
	if !decision.Allowed {
		s.Metrics.Inc(monitor.CounterOrdersRejected)
		s.Metrics.Inc(monitor.RiskRejectCounter(decision.Reason))
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "RISK_REJECT",
			"reason": decision.Reason,
		})
		return
	}
	s.Metrics.Inc(monitor.CounterOrdersTotal)

	o, err := s.Orders.Create(ctx, oms.CreateParams{
		ClientID:    req.ClientID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Qty:         req.Qty,
		Price:       req.Price,
		TimeInForce: req.TimeInForce,
	})
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	if err := s.Dispatcher.EnqueueSend(ctx, o.ID); err != nil {
		// The order row is durable; the poll ticker will pick the event up
		// once the enqueue path recovers.
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	c.JSON(http.StatusCreated, toOrderResponse(o))
}

func (s *Server) getOrder(c *gin.Context) {
	o, err := s.Orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, oms.ErrNotFound) {
			respondError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(o))
}

func (s *Server) listOrders(c *gin.Context) {
	orders, err := s.Orders.List(c.Request.Context(), c.Query("clientId"), c.Query("symbol"))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	out := make([]orderResponse, 0, len(orders))
	for i := range orders {
		out = append(out, toOrderResponse(&orders[i]))
	}
	c.JSON(http.StatusOK, out)
}

// cancelOrder enqueues a durable CANCEL; the order moves to CANCELLED only
// when the venue acknowledges. Terminal orders are refused with 409.
func (s *Server) cancelOrder(c *gin.Context) {
	ctx := c.Request.Context()
	o, err := s.Orders.Get(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, oms.ErrNotFound) {
			respondError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if oms.IsTerminal(o.Status) {
		s.Metrics.Inc(monitor.CounterInvalidTransitions)
		respondError(c, http.StatusConflict, "ORDER_TERMINAL", "order is in a terminal state")
		return
	}

	if err := s.Dispatcher.EnqueueCancel(ctx, o.ID); err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(o))
}

func (s *Server) getPositions(c *gin.Context) {
	clientID := c.Query("clientId")
	if clientID == "" {
		respondError(c, http.StatusBadRequest, "MISSING_CLIENT_ID", "clientId query parameter is required")
		return
	}
	positions, err := s.Positions.ByClient(c.Request.Context(), clientID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, positions)
}

func (s *Server) reconcileInternal(c *gin.Context) {
	report, err := s.Reconciler.ReconcileInternal(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) listRiskLimits(c *gin.Context) {
	limits, err := s.DB.ListRiskLimits(c.Request.Context(), c.Query("clientId"))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if limits == nil {
		limits = []db.RiskLimit{}
	}
	c.JSON(http.StatusOK, limits)
}

func (s *Server) createRiskLimit(c *gin.Context) {
	var req riskLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}

	now := time.Now().UTC()
	l := db.RiskLimit{
		ID:           uuid.NewString(),
		ClientID:     req.ClientID,
		Symbol:       req.Symbol,
		MaxNotional:  req.MaxNotional,
		MaxOrderSize: req.MaxOrderSize,
		TradingHours: req.TradingHours,
		Blocked:      req.Blocked,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.DB.InsertRiskLimit(c.Request.Context(), l); err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusCreated, l)
}

func (s *Server) updateRiskLimit(c *gin.Context) {
	var req riskLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}

	l := db.RiskLimit{
		ID:           c.Param("id"),
		ClientID:     req.ClientID,
		Symbol:       req.Symbol,
		MaxNotional:  req.MaxNotional,
		MaxOrderSize: req.MaxOrderSize,
		TradingHours: req.TradingHours,
		Blocked:      req.Blocked,
	}
	ok, err := s.DB.UpdateRiskLimit(c.Request.Context(), l)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if !ok {
		respondError(c, http.StatusNotFound, "RISK_LIMIT_NOT_FOUND", "risk limit not found")
		return
	}
	c.JSON(http.StatusOK, l)
}

func (s *Server) deleteOrder(c *gin.Context) {
	err := s.Orders.Delete(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, oms.ErrNotFound) {
			respondError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
