package coordinator

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	logutil "github.com/ikenchina/sagastream/common/log"
	"github.com/ikenchina/sagastream/define"
)

// RESTful APIs

// Register mounts the coordinator APIs on app.
func (cs *CoordinatorService) Register(app gin.IRouter) {
	txnGroup := app.Group("/dtx/txn")
	txnGroup.GET("/id", cs.HttpNewTxnId)
	txnGroup.POST("", cs.HttpStart)
	txnGroup.GET("/:id", cs.HttpGet)
	txnGroup.POST("/:id/join", cs.HttpJoin)
	txnGroup.POST("/:id/commit", cs.HttpCommit)
	txnGroup.POST("/:id/rollback", cs.HttpRollback)

	orchestrateGroup := app.Group("/dtx/orchestrate")
	orchestrateGroup.POST("/:orchestratorId", cs.HttpOrchestrate)
	orchestrateGroup.GET("/result/:id", cs.HttpResult)
}

func errorMsg(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("ERROR : %v", err)
}

func (cs *CoordinatorService) enter(c *gin.Context) bool {
	if !cs.acquire() {
		c.JSON(http.StatusServiceUnavailable, &define.TxnResponse{Msg: errorMsg(ErrServiceClosed)})
		return false
	}
	return true
}

func (cs *CoordinatorService) HttpNewTxnId(c *gin.Context) {
	id, err := cs.idGenerator.NextTxnId()
	if err != nil {
		c.JSON(http.StatusInternalServerError, &define.StartResponse{})
		return
	}
	logutil.Logger(c.Request.Context()).Debug("new txn id", zap.String("id", id))
	c.JSON(http.StatusOK, &define.StartResponse{TxnId: id})
}

func (cs *CoordinatorService) HttpStart(c *gin.Context) {
	if !cs.enter(c) {
		return
	}
	defer cs.wait.Done()

	req := &define.StartRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, &define.TxnResponse{Msg: errorMsg(err)})
		return
	}
	resp, err := cs.start(c.Request.Context(), c.GetHeader(define.HeaderNodeGroup), req)
	if err != nil {
		c.JSON(toHttpStatusCode(err), &define.TxnResponse{Msg: errorMsg(err)})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (cs *CoordinatorService) HttpJoin(c *gin.Context) {
	if !cs.enter(c) {
		return
	}
	defer cs.wait.Done()

	req := &define.JoinRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, &define.TxnResponse{Msg: errorMsg(err)})
		return
	}
	req.TxnId = c.Param("id")
	err := cs.join(logutil.WithTransaction(c.Request.Context(), req.TxnId), c.GetHeader(define.HeaderNodeGroup), req)
	cs.txnResponse(c, req.TxnId, define.TxnStateJoin, err)
}

func (cs *CoordinatorService) HttpCommit(c *gin.Context) {
	if !cs.enter(c) {
		return
	}
	defer cs.wait.Done()

	req := &define.CommitRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, &define.TxnResponse{Msg: errorMsg(err)})
		return
	}
	req.TxnId = c.Param("id")
	err := cs.commit(logutil.WithTransaction(c.Request.Context(), req.TxnId), c.GetHeader(define.HeaderNodeGroup), req)
	cs.txnResponse(c, req.TxnId, define.TxnStateCommit, err)
}

func (cs *CoordinatorService) HttpRollback(c *gin.Context) {
	if !cs.enter(c) {
		return
	}
	defer cs.wait.Done()

	req := &define.RollbackRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, &define.TxnResponse{Msg: errorMsg(err)})
		return
	}
	req.TxnId = c.Param("id")
	err := cs.rollback(logutil.WithTransaction(c.Request.Context(), req.TxnId), c.GetHeader(define.HeaderNodeGroup), req)
	cs.txnResponse(c, req.TxnId, define.TxnStateRollback, err)
}

func (cs *CoordinatorService) txnResponse(c *gin.Context, txnId, state string, err error) {
	resp := &define.TxnResponse{TxnId: txnId}
	if err != nil {
		resp.Msg = errorMsg(err)
	} else {
		resp.State = state
	}
	c.JSON(toHttpStatusCode(err), resp)
}

func (cs *CoordinatorService) HttpGet(c *gin.Context) {
	if !cs.enter(c) {
		return
	}
	defer cs.wait.Done()

	txnId := c.Param("id")
	resp, err := cs.get(c.Request.Context(), txnId)
	if err != nil {
		c.JSON(toHttpStatusCode(err), &define.TxnResponse{TxnId: txnId, Msg: errorMsg(err)})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HttpOrchestrate runs the orchestrator named in the path with the request
// body. With ?async=true it returns as soon as the transaction is started.
func (cs *CoordinatorService) HttpOrchestrate(c *gin.Context) {
	if !cs.enter(c) {
		return
	}
	defer cs.wait.Done()

	body, err := c.GetRawData()
	if err != nil || !json.Valid(body) {
		c.JSON(http.StatusBadRequest, &define.OrchestrateResponse{Msg: "ERROR : invalid request body"})
		return
	}
	async, _ := strconv.ParseBool(c.Query("async"))

	resp, err := cs.orchestrate(c.Request.Context(), c.Param("orchestratorId"), json.RawMessage(body), async)
	if resp == nil {
		resp = &define.OrchestrateResponse{}
	}
	resp.Msg = errorMsg(err)
	code := toHttpStatusCode(err)
	if async && err == nil {
		code = http.StatusAccepted
	}
	c.JSON(code, resp)
}

func (cs *CoordinatorService) HttpResult(c *gin.Context) {
	if !cs.enter(c) {
		return
	}
	defer cs.wait.Done()

	txnId := c.Param("id")
	resp, err := cs.result(txnId)
	if resp == nil {
		resp = &define.OrchestrateResponse{TxnId: txnId}
	}
	resp.Msg = errorMsg(err)
	c.JSON(toHttpStatusCode(err), resp)
}
