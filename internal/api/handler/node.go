package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/powledger/internal/ledger"
	"github.com/jmerrifield20/powledger/internal/node"
	"github.com/jmerrifield20/powledger/internal/peers"
	"github.com/jmerrifield20/powledger/pkg/block"
)

// NodeHandler exposes a node's ledger, peer and consensus operations over HTTP.
type NodeHandler struct {
	node   *node.Node
	logger *zap.Logger
}

// NewNodeHandler creates a new NodeHandler.
func NewNodeHandler(n *node.Node, logger *zap.Logger) *NodeHandler {
	return &NodeHandler{node: n, logger: logger}
}

// Register mounts the node routes on the given router group.
func (h *NodeHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/records", h.SubmitRecord)
	rg.GET("/pending", h.Pending)
	rg.POST("/mine", h.Mine)
	rg.GET("/mine", h.Mine)
	rg.POST("/blocks", h.AcceptBlock)

	ch := rg.Group("/chain")
	{
		ch.GET("", h.Chain)
		ch.GET("/verify", h.Verify)
		ch.GET("/blocks/:idx", h.GetBlock)
	}

	p := rg.Group("/peers")
	{
		p.GET("", h.ListPeers)
		p.POST("/register", h.RegisterPeer)
		p.POST("/register-with", h.RegisterWith)
	}

	rg.POST("/consensus/resolve", h.Resolve)
}

type nodeAddressRequest struct {
	NodeAddress string `json:"node_address" binding:"required"`
}

// SubmitRecord handles POST /records: queues a record for the next block.
func (h *NodeHandler) SubmitRecord(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	rec, err := h.node.SubmitRecord(raw)
	if err != nil {
		switch {
		case errors.Is(err, node.ErrMissingField),
			errors.Is(err, node.ErrInvalidRecord),
			errors.Is(err, ledger.ErrEmptyRecord),
			errors.Is(err, ledger.ErrMalformedRecord):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.Error("submit record", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit record"})
		}
		return
	}

	c.Data(http.StatusCreated, "application/json; charset=utf-8", rec)
}

// Pending handles GET /pending: returns the unmined records in order.
func (h *NodeHandler) Pending(c *gin.Context) {
	c.JSON(http.StatusOK, h.node.Pending())
}

// Mine handles POST|GET /mine: seals the pending records into a block.
func (h *NodeHandler) Mine(c *gin.Context) {
	res, err := h.node.Mine(c.Request.Context())
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrMiningInProgress), errors.Is(err, ledger.ErrStaleCandidate):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "mining cancelled"})
		default:
			h.logger.Error("mine", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mine block"})
		}
		return
	}

	if !res.Mined {
		c.JSON(http.StatusOK, gin.H{"mined": false, "message": "nothing to mine"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"mined":     true,
		"index":     res.Block.Index,
		"hash":      res.Block.Hash,
		"announced": res.Announced,
	})
}

// AcceptBlock handles POST /blocks: admits a block announced by a peer.
func (h *NodeHandler) AcceptBlock(c *gin.Context) {
	var b block.Block
	if err := c.ShouldBindJSON(&b); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid block: " + err.Error()})
		return
	}

	if err := h.node.AcceptBlock(b); err != nil {
		switch {
		case errors.Is(err, ledger.ErrPrevHashMismatch),
			errors.Is(err, ledger.ErrIndexMismatch),
			errors.Is(err, ledger.ErrInvalidProof):
			c.JSON(http.StatusBadRequest, gin.H{"error": "block rejected: " + err.Error()})
		default:
			h.logger.Error("accept block", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to accept block"})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"accepted": true, "index": b.Index})
}

// Chain handles GET /chain: returns the full chain and known peers.
func (h *NodeHandler) Chain(c *gin.Context) {
	c.JSON(http.StatusOK, h.node.Chain())
}

// Verify handles GET /chain/verify: validates the node's own chain.
func (h *NodeHandler) Verify(c *gin.Context) {
	l := h.node.Ledger()
	if err := l.Verify(); err != nil {
		h.logger.Warn("chain integrity check failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{
			"valid":  false,
			"length": l.Len(),
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "length": l.Len()})
}

// GetBlock handles GET /chain/blocks/:idx: returns a single block.
func (h *NodeHandler) GetBlock(c *gin.Context) {
	idx, err := strconv.ParseUint(c.Param("idx"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idx must be a non-negative integer"})
		return
	}

	b, err := h.node.Ledger().Block(idx)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "block not found"})
		return
	}
	c.JSON(http.StatusOK, b)
}

// ListPeers handles GET /peers.
func (h *NodeHandler) ListPeers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"peers": h.node.Peers().List()})
}

// RegisterPeer handles POST /peers/register: adds the caller as a peer and
// returns the chain so it can sync.
func (h *NodeHandler) RegisterPeer(c *gin.Context) {
	var req nodeAddressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "node_address is required"})
		return
	}

	view, err := h.node.RegisterPeer(req.NodeAddress)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, view)
}

// RegisterWith handles POST /peers/register-with: joins the network of the
// given node.
func (h *NodeHandler) RegisterWith(c *gin.Context) {
	var req nodeAddressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "node_address is required"})
		return
	}

	view, err := h.node.RegisterWith(c.Request.Context(), req.NodeAddress)
	if err != nil {
		var verr *ledger.ValidationError
		switch {
		case errors.Is(err, peers.ErrInvalidAddress):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, node.ErrNoAdvertiseURL):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.As(err, &verr), errors.Is(err, ledger.ErrEmptyChain):
			c.JSON(http.StatusBadGateway, gin.H{"error": "remote chain is invalid: " + err.Error()})
		default:
			h.logger.Warn("register with peer", zap.String("peer", req.NodeAddress), zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, view)
}

// Resolve handles POST /consensus/resolve: runs a consensus round now.
func (h *NodeHandler) Resolve(c *gin.Context) {
	res, err := h.node.Resolve(c.Request.Context())
	if err != nil {
		h.logger.Error("resolve", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "consensus failed"})
		return
	}
	c.JSON(http.StatusOK, res)
}
