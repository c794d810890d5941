package main

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/zaiongc/pos-sync/internal/httpx"
	"github.com/zaiongc/pos-sync/internal/jobs"
	"github.com/zaiongc/pos-sync/internal/order"
	"github.com/zaiongc/pos-sync/internal/shift"
	"github.com/zaiongc/pos-sync/internal/table"
	"github.com/zaiongc/pos-sync/internal/terminal"
)

// statusFor maps domain sentinels to HTTP statuses. 404 covers both truly
// absent and cross-tenant entities; 409 marks preconditions a resend cannot
// fix; 422 marks close-time rule violations.
func statusFor(err error) int {
	switch {
	case errors.Is(err, order.ErrNotFound),
		errors.Is(err, order.ErrItemNotFound),
		errors.Is(err, order.ErrTableNotFound),
		errors.Is(err, order.ErrTerminalNotFound),
		errors.Is(err, shift.ErrNotFound),
		errors.Is(err, shift.ErrTerminalNotFound),
		errors.Is(err, table.ErrNotFound),
		errors.Is(err, terminal.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, order.ErrFinalized),
		errors.Is(err, order.ErrItemDone),
		errors.Is(err, order.ErrItemCanceled),
		errors.Is(err, order.ErrNoOpenShift),
		errors.Is(err, order.ErrShiftClosed),
		errors.Is(err, order.ErrTableOccupied),
		errors.Is(err, shift.ErrNotOpen):
		return http.StatusConflict
	case errors.Is(err, shift.ErrAlreadyClosed),
		errors.Is(err, shift.ErrOpenOrders):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("[pos-api] %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return 0, false
	}
	return id, true
}

// callerID is the acting user resolved by the upstream auth layer.
func callerID(c *gin.Context) *int64 {
	id, err := strconv.ParseInt(c.GetHeader("X-User-ID"), 10, 64)
	if err != nil || id <= 0 {
		return nil
	}
	return &id
}

func validClientUID(c *gin.Context, uid *string) bool {
	if uid != nil && len(*uid) != 26 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "client_uid must be a 26-character ULID"})
		return false
	}
	return true
}

// ---------- shifts ----------

func openShiftHandler(repo shift.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req shift.OpenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		if req.OpeningCash.IsNegative() {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "opening_cash must not be negative"})
			return
		}
		s, err := repo.Open(c.Request.Context(), httpx.MustTenant(c), req.TerminalID, req.OpeningCash, callerID(c))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, s)
	}
}

func currentShiftHandler(repo shift.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		var terminalID *int64
		if v := c.Query("terminal_id"); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "terminal_id must be an integer"})
				return
			}
			terminalID = &id
		}
		s, err := repo.Current(c.Request.Context(), httpx.MustTenant(c), terminalID)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, s) // null when no shift is open
	}
}

func addMovementHandler(repo shift.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		shiftID, ok := pathID(c, "id")
		if !ok {
			return
		}
		var req shift.MovementRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		if !req.Amount.IsPositive() {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "amount must be positive"})
			return
		}
		m, err := repo.AddMovement(c.Request.Context(), httpx.MustTenant(c), shiftID, req.Type, req.Amount, req.Reason, callerID(c))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, m)
	}
}

func closeShiftHandler(repo shift.Repository, pub jobs.Publisher) gin.HandlerFunc {
	return func(c *gin.Context) {
		shiftID, ok := pathID(c, "id")
		if !ok {
			return
		}
		var req shift.CloseRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		if req.ClosingCash.IsNegative() {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "closing_cash must not be negative"})
			return
		}

		t := httpx.MustTenant(c)
		res, err := repo.Close(c.Request.Context(), t, shiftID, req.ClosingCash, callerID(c))
		if err != nil {
			if errors.Is(err, shift.ErrAlreadyClosed) || errors.Is(err, shift.ErrOpenOrders) {
				c.JSON(http.StatusUnprocessableEntity, gin.H{"message": err.Error(), "data": gin.H{"shift_id": shiftID}})
				return
			}
			fail(c, err)
			return
		}

		// The snapshot is committed; the report job is a post-commit
		// hand-off and its failure must not undo the close.
		if pub != nil {
			job := jobs.ShiftReportJob{
				AccountID:   t.AccountID,
				LocationID:  t.LocationID,
				ShiftID:     res.ShiftID,
				RequestedBy: callerID(c),
			}
			if err := pub.PublishShiftReport(c.Request.Context(), job); err != nil {
				log.Printf("[pos-api] shift %d close: report job publish failed: %v", res.ShiftID, err)
			}
		}

		c.JSON(http.StatusOK, gin.H{"message": "shift closed", "data": res})
	}
}

func shiftReportHandler(repo shift.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		shiftID, ok := pathID(c, "id")
		if !ok {
			return
		}
		includeOrders := c.DefaultQuery("include_orders", "1") != "0"
		rep, err := repo.Report(c.Request.Context(), httpx.MustTenant(c), shiftID, includeOrders)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, rep)
	}
}

func shiftSummaryHandler(repo shift.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		shiftID, ok := pathID(c, "id")
		if !ok {
			return
		}
		sum, err := repo.Summary(c.Request.Context(), httpx.MustTenant(c), shiftID)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, sum)
	}
}

// ---------- orders ----------

func openOrderHandler(repo order.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req order.OpenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		if !validClientUID(c, req.ClientUID) {
			return
		}
		if req.Type == order.TypeTable && req.TableID == nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "table_id is required for table orders"})
			return
		}
		if (req.Type == order.TypeTable || req.Type == order.TypeCounter) && req.TerminalID == nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "terminal_id is required for table/counter orders"})
			return
		}

		o, err := repo.Open(c.Request.Context(), httpx.MustTenant(c), order.OpenParams{
			ClientUID:  req.ClientUID,
			Type:       req.Type,
			TableID:    req.TableID,
			TerminalID: req.TerminalID,
			UserID:     callerID(c),
		})
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, o)
	}
}

func getOrderHandler(repo order.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID, ok := pathID(c, "id")
		if !ok {
			return
		}
		o, err := repo.GetByID(c.Request.Context(), httpx.MustTenant(c), orderID)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, o)
	}
}

func addItemHandler(repo order.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID, ok := pathID(c, "id")
		if !ok {
			return
		}
		var req order.AddItemRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		if !validClientUID(c, req.ClientUID) {
			return
		}
		if !req.Quantity.IsPositive() {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "quantity must be positive"})
			return
		}
		if req.UnitPrice.IsNegative() {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unit_price must not be negative"})
			return
		}

		it, err := repo.AddItem(c.Request.Context(), httpx.MustTenant(c), orderID, order.AddItemParams{
			ClientUID: req.ClientUID,
			Name:      req.Name,
			Quantity:  req.Quantity,
			UnitPrice: req.UnitPrice,
			Notes:     req.Notes,
			UserID:    callerID(c),
		})
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, it)
	}
}

func cancelItemHandler(repo order.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID, ok := pathID(c, "id")
		if !ok {
			return
		}
		itemID, ok := pathID(c, "item_id")
		if !ok {
			return
		}
		var req order.CancelItemRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		o, err := repo.CancelItem(c.Request.Context(), httpx.MustTenant(c), orderID, itemID, req.Reason, callerID(c))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, o)
	}
}

func itemDoneHandler(repo order.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID, ok := pathID(c, "id")
		if !ok {
			return
		}
		itemID, ok := pathID(c, "item_id")
		if !ok {
			return
		}
		it, err := repo.MarkItemDone(c.Request.Context(), httpx.MustTenant(c), orderID, itemID)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, it)
	}
}

func sendKitchenHandler(repo order.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID, ok := pathID(c, "id")
		if !ok {
			return
		}
		o, err := repo.SendToKitchen(c.Request.Context(), httpx.MustTenant(c), orderID)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, o)
	}
}

func addPaymentHandler(repo order.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID, ok := pathID(c, "id")
		if !ok {
			return
		}
		var req order.PaymentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		if !validClientUID(c, req.ClientUID) {
			return
		}
		if !req.Amount.IsPositive() {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "amount must be positive"})
			return
		}

		o, err := repo.AddPayment(c.Request.Context(), httpx.MustTenant(c), orderID, order.PaymentParams{
			ClientUID: req.ClientUID,
			Method:    req.Method,
			Amount:    req.Amount,
			UserID:    callerID(c),
		})
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, o)
	}
}

// ---------- tables & terminals ----------

func listTablesHandler(repo table.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		tables, err := repo.List(c.Request.Context(), httpx.MustTenant(c))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, tables)
	}
}

func createTableHandler(repo table.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Name  string `json:"name" binding:"required,max=60"`
			Seats int    `json:"seats"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		dt, err := repo.Create(c.Request.Context(), httpx.MustTenant(c), req.Name, req.Seats)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, dt)
	}
}

func tableCurrentOrderHandler(tables table.Repository, orders order.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		tableID, ok := pathID(c, "id")
		if !ok {
			return
		}
		t := httpx.MustTenant(c)
		if _, err := tables.GetByID(c.Request.Context(), t, tableID); err != nil {
			fail(c, err)
			return
		}
		o, err := orders.CurrentForTable(c.Request.Context(), t, tableID)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"order": o}) // null when the table is idle
	}
}

func listTerminalsHandler(repo terminal.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		terms, err := repo.List(c.Request.Context(), httpx.MustTenant(c))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, terms)
	}
}

func createTerminalHandler(repo terminal.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Name string `json:"name" binding:"required,max=60"`
			Code string `json:"code" binding:"required,max=30"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		tm, err := repo.Create(c.Request.Context(), httpx.MustTenant(c), req.Name, req.Code)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, tm)
	}
}
