package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"futures-engine/internal/engine"
	"futures-engine/internal/ledger"
	"futures-engine/internal/order"
	"futures-engine/pkg/errs"
	"futures-engine/pkg/exchanges/common"
)

type listOrdersQuery struct {
	Status string `form:"status"`
	Symbol string `form:"symbol"`
	Role   string `form:"role"`
	Active string `form:"active"`
}

func (q *listOrdersQuery) normalize() {
	q.Status = strings.ToUpper(strings.TrimSpace(q.Status))
	q.Symbol = strings.ToUpper(strings.TrimSpace(q.Symbol))
	q.Role = strings.ToUpper(strings.TrimSpace(q.Role))
}

func (q listOrdersQuery) filter() (ledger.Filter, error) {
	f := ledger.Filter{
		Status: common.OrderStatus(q.Status),
		Symbol: q.Symbol,
		Role:   ledger.Role(q.Role),
	}
	if q.Status != "" && f.Status.Rank() == 0 {
		return f, fmt.Errorf("unknown status %q", q.Status)
	}
	if q.Active != "" {
		active, err := strconv.ParseBool(q.Active)
		if err != nil {
			return f, fmt.Errorf("active must be a boolean")
		}
		f.Active = active
	}
	return f, nil
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondEngineError maps engine errors onto HTTP statuses.
func respondEngineError(c *gin.Context, err error, result *order.Result) {
	status, code := http.StatusInternalServerError, "INTERNAL_ERROR"
	switch {
	case errs.Is(err, errs.KindValidation):
		status, code = http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, order.ErrEntryInFlight):
		status, code = http.StatusConflict, "ENTRY_IN_FLIGHT"
	case errors.Is(err, engine.ErrNotPaper):
		status, code = http.StatusConflict, "PAPER_DISABLED"
	case errors.Is(err, ledger.ErrOrderNotFound), errs.Is(err, errs.KindNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errs.Is(err, errs.KindRejection):
		status, code = http.StatusUnprocessableEntity, "ORDER_REJECTED"
	case errs.Is(err, errs.KindTransient):
		status, code = http.StatusBadGateway, "VENUE_UNAVAILABLE"
	}
	if status >= http.StatusInternalServerError {
		log.WithError(err).WithField("request_id", c.GetString(requestIDKey)).Error("request failed")
	}
	body := gin.H{"code": code, "error": err.Error()}
	if result != nil && result.Outcome != "" {
		body["result"] = result
	}
	c.JSON(status, body)
}

// decodeStrict decodes a JSON body and rejects unknown fields.
func decodeStrict(c *gin.Context, dst any) error {
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return err
	}
	return nil
}

func (s *Server) createSignal(c *gin.Context) {
	var in order.Instruction
	if err := decodeStrict(c, &in); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	result, err := s.Engine.SubmitSignal(c.Request.Context(), in)
	if err != nil {
		respondEngineError(c, err, &result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) getOrders(c *gin.Context) {
	var q listOrdersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()
	f, err := q.filter()
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	c.JSON(http.StatusOK, s.Engine.ListOrders(c.Request.Context(), f))
}

func (s *Server) getOrder(c *gin.Context) {
	detail, err := s.Engine.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondEngineError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (s *Server) getPositions(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.ListPositions(c.Request.Context()))
}

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.GetSystemStatus(c.Request.Context()))
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "METRICS_UNAVAILABLE", "metrics not configured")
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

func (s *Server) triggerResync(c *gin.Context) {
	s.Engine.RequestResync()
	log.WithField("operator", CurrentOperator(c)).Info("resync requested over api")
	c.JSON(http.StatusAccepted, gin.H{"status": "scheduled"})
}

func (s *Server) getAudit(c *gin.Context) {
	report, ok := s.Engine.LastAudit()
	if !ok {
		respondError(c, http.StatusNotFound, "NO_AUDIT", "no position audit has run yet")
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) setPaperPrice(c *gin.Context) {
	var req struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price"`
	}
	if err := decodeStrict(c, &req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if err := s.Engine.SetMarkPrice(c.Request.Context(), symbol, req.Price); err != nil {
		respondEngineError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "mark": req.Price})
}

func (s *Server) fillPaperOrder(c *gin.Context) {
	var req struct {
		ClientOrderID string  `json:"client_order_id"`
		Qty           float64 `json:"qty"`
		Price         float64 `json:"price"`
	}
	if err := decodeStrict(c, &req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	if req.ClientOrderID == "" {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "client_order_id is required")
		return
	}
	if err := s.Engine.FillOrder(c.Request.Context(), req.ClientOrderID, req.Qty, req.Price); err != nil {
		respondEngineError(c, err, nil)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "filled", "client_order_id": req.ClientOrderID})
}
