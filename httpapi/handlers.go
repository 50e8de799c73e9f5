package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ussd-airtime-bot/bulk"
	"ussd-airtime-bot/model"
	"ussd-airtime-bot/purchase"
	"ussd-airtime-bot/store"
	"ussd-airtime-bot/transport"
)

const defaultListLimit = 100

type InboundRequest struct {
	Identity string `json:"identity" binding:"required"`
	Text     string `json:"text" binding:"required"`
}

type InboundResponse struct {
	Notification *model.Notification `json:"notification"`
	Transaction  *model.Transaction  `json:"transaction,omitempty"`
}

// PurchaseRequest triggers a purchase. Queue only records it for the
// purchaser; otherwise it is dialled at once.
type PurchaseRequest struct {
	SIMID       uint   `json:"sim_id" binding:"required"`
	Kind        string `json:"kind"`
	Destination string `json:"destination"`
	Code        string `json:"code"`
	Amount      string `json:"amount"`
	Force       bool   `json:"force"`
	Queue       bool   `json:"queue"`
}

type PurchaseResponse struct {
	Transaction *model.Transaction `json:"transaction,omitempty"`
	Reply       string             `json:"reply,omitempty"`
	NoReply     bool               `json:"no_reply"`
	Rejected    bool               `json:"rejected"`
}

type TransactionQuery struct {
	Status string `form:"status"`
	Kind   string `form:"kind"`
	SIMID  uint   `form:"sim_id"`
	Limit  int    `form:"limit"`
}

type BulkImportResponse struct {
	Queued int      `json:"queued"`
	Errors []string `json:"errors,omitempty"`
}

func (s *Server) handleInbound(c *gin.Context) {
	var req InboundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	n, tx, err := s.machine.HandleInbound(c.Request.Context(), req.Identity, req.Text)
	if err != nil {
		s.fail(c, err)
		return
	}
	sendSuccessResponse(c, http.StatusOK, InboundResponse{Notification: n, Transaction: tx}, "")
}

func (s *Server) handlePurchase(c *gin.Context) {
	var req PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	preq := purchase.Request{SIMID: req.SIMID, Kind: model.TransactionKind(req.Kind), Crux: req.Destination, Amount: req.Amount}
	if preq.Kind == model.KindRecharge {
		preq.Crux = req.Code
	}
	ctx := c.Request.Context()

	if req.Queue {
		tx, err := s.machine.Enqueue(ctx, preq)
		if err != nil {
			s.fail(c, err)
			return
		}
		sendSuccessResponse(c, http.StatusCreated, PurchaseResponse{Transaction: tx}, "queued")
		return
	}

	res, err := s.machine.Initiate(ctx, preq, req.Force)
	if err != nil {
		s.fail(c, err)
		return
	}
	status := http.StatusOK
	if res.NoReply {
		status = http.StatusAccepted
	}
	sendSuccessResponse(c, status, PurchaseResponse{
		Transaction: res.Transaction,
		Reply:       res.Reply,
		NoReply:     res.NoReply,
		Rejected:    res.Rejected,
	}, res.Message())
}

func (s *Server) handleBulkImport(c *gin.Context) {
	simID, err := strconv.ParseUint(c.PostForm("sim"), 10, 64)
	if err != nil {
		sendErrorResponse(c, http.StatusBadRequest, "sim is required")
		return
	}
	amount := c.PostForm("amount")
	if amount == "" {
		sendErrorResponse(c, http.StatusBadRequest, "amount is required")
		return
	}
	header, err := c.FormFile("file")
	if err != nil {
		sendErrorResponse(c, http.StatusBadRequest, "file is required")
		return
	}
	file, err := header.Open()
	if err != nil {
		sendErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	defer file.Close()

	ctx := c.Request.Context()
	if _, err := s.store.SIM(ctx, uint(simID)); err != nil {
		s.fail(c, err)
		return
	}
	res, err := bulk.Import(ctx, file, uint(simID), amount, s.machine)
	if err != nil {
		s.fail(c, err)
		return
	}
	resp := BulkImportResponse{Queued: len(res.Queued)}
	for _, e := range res.Errors {
		resp.Errors = append(resp.Errors, e.Error())
	}
	s.log.Info("bulk import", zap.Uint64("sim", simID), zap.Int("queued", resp.Queued), zap.Int("errors", len(resp.Errors)))
	sendSuccessResponse(c, http.StatusCreated, resp, "")
}

func (s *Server) handleExport(c *gin.Context) {
	txs, err := s.store.ListTransactions(c.Request.Context(), store.TransactionFilter{Kind: model.KindBundlePurchase})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", `attachment; filename="purchases.csv"`)
	c.Status(http.StatusOK)
	if err := bulk.Export(c.Writer, txs); err != nil {
		s.log.Error("export purchases", zap.Error(err))
	}
}

func (s *Server) handleTransactions(c *gin.Context) {
	var q TransactionQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		sendErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if q.Limit <= 0 || q.Limit > defaultListLimit {
		q.Limit = defaultListLimit
	}
	txs, err := s.store.ListTransactions(c.Request.Context(), store.TransactionFilter{
		Status: model.TransactionStatus(q.Status),
		Kind:   model.TransactionKind(q.Kind),
		SIMID:  q.SIMID,
		Limit:  q.Limit,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	sendSuccessResponse(c, http.StatusOK, txs, "")
}

func (s *Server) handleSIMs(c *gin.Context) {
	sims, err := s.store.ListSIMs(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	sendSuccessResponse(c, http.StatusOK, sims, "")
}

func (s *Server) handleBalances(c *gin.Context) {
	reports, err := s.updater.UpdateAll(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	balances := make(map[string]string, len(reports))
	for _, r := range reports {
		balances[r.SIM.OperatorName] = r.String()
	}
	sendSuccessResponse(c, http.StatusOK, balances, "")
}

func (s *Server) handleClear(c *gin.Context) {
	name := c.Param("operator")
	n, err := s.machine.Clear(c.Request.Context(), name)
	if err != nil {
		s.fail(c, err)
		return
	}
	sendSuccessResponse(c, http.StatusOK, gin.H{"operator": name, "expired": n}, fmt.Sprintf("%s cleared", name))
}

// fail maps domain errors to HTTP statuses.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, purchase.ErrInvalidDestination), errors.Is(err, purchase.ErrInvalidRequest),
		errors.Is(err, bulk.ErrNoDestinationColumn):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound), errors.Is(err, purchase.ErrUnknownOperator),
		errors.Is(err, purchase.ErrUnknownSender):
		status = http.StatusNotFound
	case errors.Is(err, purchase.ErrPurchasePending), errors.Is(err, purchase.ErrAmbiguousPending),
		errors.Is(err, purchase.ErrNotQueued):
		status = http.StatusConflict
	case errors.Is(err, purchase.ErrOperatorHalted):
		status = http.StatusLocked
	case errors.Is(err, transport.ErrTransportUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	sendErrorResponse(c, status, err.Error())
}
