package verifier

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ccoin/privutxo/internal/log"
	"github.com/ccoin/privutxo/internal/metrics"
	"github.com/ccoin/privutxo/internal/protocol"
	"github.com/ccoin/privutxo/pkg/types"
)

// API routes
const (
	RouteDeposit     = "/v1/deposit"
	RouteSplit       = "/v1/split"
	RouteTransfer    = "/v1/transfer"
	RouteWithdraw    = "/v1/withdraw"
	RouteNullifier   = "/v1/nullifiers/:nullifier"
	RouteCommitment  = "/v1/commitments/:commitment"
	RoutePath        = "/v1/commitments/:commitment/path"
	RoutePool        = "/v1/pool/:token"
	RouteReceipt     = "/v1/receipts/:id"
	RouteStatus      = "/v1/status"
	RouteHealth      = "/healthz"
	requestIDHeader  = "X-Request-ID"
	requestIDContext = "request_id"
)

// ErrorResponse is the body of every failed request. Kind is one of the
// types.ErrorKind values so clients can restore the sentinel error.
type ErrorResponse struct {
	Kind  types.ErrorKind `json:"kind"`
	Error string          `json:"error"`
}

// StatusResponse describes the verifier's progress
type StatusResponse struct {
	Sequence uint64     `json:"sequence"`
	Root     types.Hash `json:"root"`
}

// UsedResponse answers nullifier queries
type UsedResponse struct {
	Nullifier types.Nullifier `json:"nullifier"`
	Used      bool            `json:"used"`
}

// ExistsResponse answers commitment queries
type ExistsResponse struct {
	Commitment types.Commitment `json:"commitment"`
	Exists     bool             `json:"exists"`
}

// PoolResponse reports a token's pool balance as a decimal string
type PoolResponse struct {
	Token   types.Address `json:"token"`
	Balance string        `json:"balance"`
}

// ServerConfig configures the HTTP front end
type ServerConfig struct {
	ListenAddr  string
	MetricsPath string
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Server exposes a Local verifier over HTTP
type Server struct {
	local  *Local
	router *gin.Engine
	srv    *http.Server
	logger *zap.Logger
}

// NewServer builds the router. Metrics are served on MetricsPath when both are set.
func NewServer(local *Local, cfg *ServerConfig) *Server {
	if cfg == nil {
		cfg = &ServerConfig{}
	}
	s := &Server{
		local:  local,
		router: gin.New(),
		logger: log.Module(cfg.Logger, "http"),
	}
	s.router.Use(gin.Recovery(), requestID(), s.accessLog())

	r := s.router
	r.POST(RouteDeposit, submitHandler[protocol.DepositBundle](local.SubmitDeposit))
	r.POST(RouteSplit, submitHandler[protocol.SplitBundle](local.SubmitSplit))
	r.POST(RouteTransfer, submitHandler[protocol.TransferBundle](local.SubmitTransfer))
	r.POST(RouteWithdraw, submitHandler[protocol.WithdrawBundle](local.SubmitWithdraw))
	r.GET(RouteNullifier, s.handleNullifier)
	r.GET(RouteCommitment, s.handleCommitment)
	r.GET(RoutePath, s.handlePath)
	r.GET(RoutePool, s.handlePool)
	r.GET(RouteReceipt, s.handleReceipt)
	r.GET(RouteStatus, s.handleStatus)
	r.GET(RouteHealth, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Metrics != nil && cfg.MetricsPath != "" {
		r.GET(cfg.MetricsPath, gin.WrapH(cfg.Metrics.Handler()))
	}

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until the server stops. A clean shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info("verifier API listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func submitHandler[B any](submit func(context.Context, *B) (*protocol.Receipt, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		bundle := new(B)
		if err := c.ShouldBindJSON(bundle); err != nil {
			writeError(c, types.ErrInvalidProof, "malformed bundle: "+err.Error())
			return
		}
		receipt, err := submit(c.Request.Context(), bundle)
		if err != nil {
			writeError(c, err, err.Error())
			return
		}
		c.JSON(http.StatusOK, receipt)
	}
}

func (s *Server) handleNullifier(c *gin.Context) {
	var n types.Nullifier
	if err := n.UnmarshalText([]byte(c.Param("nullifier"))); err != nil {
		writeError(c, types.ErrInvalidScalar, "malformed nullifier")
		return
	}
	used, err := s.local.IsNullifierUsed(c.Request.Context(), n)
	if err != nil {
		writeError(c, err, err.Error())
		return
	}
	c.JSON(http.StatusOK, UsedResponse{Nullifier: n, Used: used})
}

func (s *Server) handleCommitment(c *gin.Context) {
	commitment, ok := commitmentParam(c)
	if !ok {
		return
	}
	exists, err := s.local.GetCommitmentExists(c.Request.Context(), commitment)
	if err != nil {
		writeError(c, err, err.Error())
		return
	}
	c.JSON(http.StatusOK, ExistsResponse{Commitment: commitment, Exists: exists})
}

func (s *Server) handlePath(c *gin.Context) {
	commitment, ok := commitmentParam(c)
	if !ok {
		return
	}
	path, err := s.local.Path(c.Request.Context(), commitment)
	if err != nil {
		writeError(c, err, err.Error())
		return
	}
	c.JSON(http.StatusOK, path)
}

func (s *Server) handlePool(c *gin.Context) {
	raw := c.Param("token")
	if !common.IsHexAddress(raw) {
		writeError(c, types.ErrInvalidAmount, "malformed token address")
		return
	}
	token := common.HexToAddress(raw)
	c.JSON(http.StatusOK, PoolResponse{Token: token, Balance: s.local.PoolBalance(token).String()})
}

func (s *Server) handleReceipt(c *gin.Context) {
	receipt, err := s.local.Receipt(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Kind: types.KindUTXONotFound, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, receipt)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{Sequence: s.local.Sequence(), Root: s.local.Root()})
}

func commitmentParam(c *gin.Context) (types.Commitment, bool) {
	var commitment types.Commitment
	if err := commitment.UnmarshalText([]byte(c.Param("commitment"))); err != nil {
		writeError(c, types.ErrInvalidPoint, "malformed commitment")
		return commitment, false
	}
	return commitment, true
}

// StatusForKind maps an error kind onto an HTTP status code
func StatusForKind(kind types.ErrorKind) int {
	switch kind {
	case types.KindUTXONotFound:
		return http.StatusNotFound
	case types.KindAuthorizationFailure:
		return http.StatusForbidden
	case types.KindUTXOAlreadySpent, types.KindNullifierAlreadyUsed, types.KindCorruptedCommitment:
		return http.StatusConflict
	case types.KindValueConservationViolation:
		return http.StatusUnprocessableEntity
	case types.KindVerifierUnavailable:
		return http.StatusServiceUnavailable
	case types.KindInternal, types.KindNone:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func writeError(c *gin.Context, err error, msg string) {
	kind := types.KindOf(err)
	if kind == types.KindNone {
		kind = types.KindInternal
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(StatusForKind(kind), ErrorResponse{Kind: kind, Error: msg})
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDContext, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("request_id", c.GetString(requestIDContext)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		switch {
		case c.Writer.Status() >= 500:
			s.logger.Error("request", fields...)
		case c.Writer.Status() >= 400:
			s.logger.Warn("request", fields...)
		default:
			s.logger.Debug("request", fields...)
		}
	}
}
