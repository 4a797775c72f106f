package livehttp

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"tradeloop/internal/agent"
	"tradeloop/internal/cycle"
	"tradeloop/internal/ledger"
	"tradeloop/internal/logger"
	"tradeloop/internal/reconcile"
	"tradeloop/internal/stats"
	"tradeloop/internal/store"
	"tradeloop/internal/store/audit"
	"tradeloop/internal/strategy"
)

type AssetStore interface {
	CreateAsset(ctx context.Context, a *store.Asset) error
	ListAssets(ctx context.Context, activeOnly bool) ([]store.Asset, error)
	GetAsset(ctx context.Context, id uint) (store.Asset, error)
	GetAssetBySymbol(ctx context.Context, symbol string) (store.Asset, error)
	UpdateAsset(ctx context.Context, id uint, patch store.AssetPatch) (store.Asset, error)
	DeactivateAsset(ctx context.Context, id uint) error
	RecentTrades(ctx context.Context, assetID uint, limit int) ([]store.TradeEvent, error)
	OpenPositions(ctx context.Context, assetID uint) ([]store.PositionSnapshot, error)
	RecentPositions(ctx context.Context, assetID uint, limit int) ([]store.PositionSnapshot, error)
}

type LedgerReader interface {
	Get(ctx context.Context, assetID uint) (ledger.Entry, bool, error)
	History(ctx context.Context, assetID uint, limit int) ([]store.HistorySample, error)
}

type StatsReader interface {
	Compute(ctx context.Context, assetID uint) (stats.Stats, error)
	Best(ctx context.Context) (stats.BestAsset, bool, error)
}

type Cycles interface {
	Trigger(ctx context.Context, assetID uint) (cycle.Result, error)
	Stop(assetID uint)
}

type Reconciler interface {
	Resync(ctx context.Context, asset store.Asset) (ledger.Entry, *reconcile.CloseEvent, error)
}

type Reflector interface {
	Run(ctx context.Context, asset store.Asset) (audit.Reflection, error)
}

type AuditReader interface {
	ListDecisions(ctx context.Context, symbol string, limit int) ([]audit.DecisionLog, error)
	ListReflections(ctx context.Context, assetID uint, limit int) ([]audit.Reflection, error)
}

type Strategies interface {
	Snapshot() strategy.Snapshot
	Select(name string) error
}

// Deps are the collaborators behind the HTTP surface. Only Assets is required;
// routes whose collaborator is nil answer 503.
type Deps struct {
	Assets      AssetStore
	Ledger      LedgerReader
	Stats       StatsReader
	Cycles      Cycles
	Reconciler  Reconciler
	Reflector   Reflector
	Audit       AuditReader
	Strategies  Strategies
	Hub         Hub
	Broadcaster interface {
		BroadcastAsset(ctx context.Context, assetID uint)
	}
}

type handler struct {
	Deps
	logPaths map[string]string
	logNames []string
}

func newHandler(deps Deps, logPaths map[string]string) *handler {
	names := make([]string, 0, len(logPaths))
	for name, path := range logPaths {
		if strings.TrimSpace(name) != "" && strings.TrimSpace(path) != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if deps.Broadcaster == nil && deps.Hub != nil {
		deps.Broadcaster = deps.Hub
	}
	return &handler{Deps: deps, logPaths: logPaths, logNames: names}
}

func (h *handler) register(router *gin.Engine) {
	router.GET("/ws/:symbol", h.handleWebsocket)
	router.GET("/chart/:id", h.handleChart)

	api := router.Group("/api")
	api.GET("/assets", h.listAssets)
	api.POST("/assets", h.createAsset)
	api.GET("/assets/:id", h.getAsset)
	api.PATCH("/assets/:id", h.patchAsset)
	api.DELETE("/assets/:id", h.deleteAsset)
	api.POST("/assets/:id/cycle", h.triggerCycle)
	api.GET("/assets/:id/ledger", h.getLedger)
	api.POST("/assets/:id/ledger/resync", h.resyncLedger)
	api.GET("/assets/:id/history", h.getHistory)
	api.GET("/assets/:id/stats", h.getStats)
	api.GET("/assets/:id/trades", h.getTrades)
	api.GET("/assets/:id/positions", h.getPositions)
	api.GET("/assets/:id/reflections", h.getReflections)
	api.POST("/assets/:id/reflections", h.runReflection)
	api.GET("/decisions", h.getDecisions)
	api.GET("/best", h.getBest)
	api.GET("/strategies", h.getStrategies)
	api.PUT("/strategies/active", h.selectStrategy)
	api.GET("/logs", h.getLogs)
}

func fail(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": what + " not enabled"})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrPersistence):
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func queryLimit(c *gin.Context, def, max int) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || limit <= 0 {
		limit = def
	}
	if limit > max {
		limit = max
	}
	return limit
}

// loadAsset resolves :id and writes the error response itself when it fails.
func (h *handler) loadAsset(c *gin.Context) (store.Asset, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid asset id"})
		return store.Asset{}, false
	}
	asset, err := h.Assets.GetAsset(c.Request.Context(), uint(id))
	if err != nil {
		fail(c, statusFor(err), err)
		return store.Asset{}, false
	}
	return asset, true
}

func (h *handler) listAssets(c *gin.Context) {
	activeOnly := c.Query("active") == "1" || strings.EqualFold(c.Query("active"), "true")
	assets, err := h.Assets.ListAssets(c.Request.Context(), activeOnly)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assets": assets})
}

type createAssetRequest struct {
	Symbol          string  `json:"symbol" binding:"required"`
	IntervalSeconds int     `json:"interval_seconds" binding:"required,gt=0"`
	MaxPositionPct  float64 `json:"max_position_pct" binding:"gte=0,lte=100"`
	StopLossPct     float64 `json:"stop_loss_pct" binding:"gte=0"`
	TakeProfitPct   float64 `json:"take_profit_pct" binding:"gte=0"`
}

func (h *handler) createAsset(c *gin.Context) {
	var req createAssetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	asset := store.Asset{
		Symbol:          req.Symbol,
		IntervalSeconds: req.IntervalSeconds,
		Active:          true,
		MaxPositionPct:  req.MaxPositionPct,
		StopLossPct:     req.StopLossPct,
		TakeProfitPct:   req.TakeProfitPct,
	}
	if err := h.Assets.CreateAsset(c.Request.Context(), &asset); err != nil {
		fail(c, statusFor(err), err)
		return
	}
	logger.Infof("[api] asset %s created ip=%s", asset.Symbol, c.ClientIP())
	c.JSON(http.StatusCreated, gin.H{"asset": asset})
}

func (h *handler) getAsset(c *gin.Context) {
	if asset, ok := h.loadAsset(c); ok {
		c.JSON(http.StatusOK, gin.H{"asset": asset})
	}
}

func (h *handler) patchAsset(c *gin.Context) {
	asset, ok := h.loadAsset(c)
	if !ok {
		return
	}
	var patch store.AssetPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	updated, err := h.Assets.UpdateAsset(c.Request.Context(), asset.ID, patch)
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	if !updated.Active && h.Cycles != nil {
		h.Cycles.Stop(updated.ID)
	}
	h.broadcast(c, updated.ID)
	c.JSON(http.StatusOK, gin.H{"asset": updated})
}

// deleteAsset deactivates; history stays.
func (h *handler) deleteAsset(c *gin.Context) {
	asset, ok := h.loadAsset(c)
	if !ok {
		return
	}
	if err := h.Assets.DeactivateAsset(c.Request.Context(), asset.ID); err != nil {
		fail(c, statusFor(err), err)
		return
	}
	if h.Cycles != nil {
		h.Cycles.Stop(asset.ID)
	}
	logger.Infof("[api] asset %s deactivated ip=%s", asset.Symbol, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"deactivated": asset.ID})
}

func (h *handler) triggerCycle(c *gin.Context) {
	if h.Cycles == nil {
		unavailable(c, "cycle runner")
		return
	}
	asset, ok := h.loadAsset(c)
	if !ok {
		return
	}
	res, err := h.Cycles.Trigger(context.WithoutCancel(c.Request.Context()), asset.ID)
	if err != nil {
		status := statusFor(err)
		if errors.Is(err, agent.ErrBusy) {
			status = http.StatusConflict
		}
		fail(c, status, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

func (h *handler) getLedger(c *gin.Context) {
	if h.Ledger == nil {
		unavailable(c, "ledger")
		return
	}
	asset, ok := h.loadAsset(c)
	if !ok {
		return
	}
	entry, found, err := h.Ledger.Get(c.Request.Context(), asset.ID)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	if !found {
		entry = ledger.Entry{AssetID: asset.ID}
	}
	c.JSON(http.StatusOK, gin.H{"ledger": entry})
}

// resyncLedger reconciles the asset against the broker and rewrites its ledger row.
func (h *handler) resyncLedger(c *gin.Context) {
	if h.Reconciler == nil {
		unavailable(c, "reconciler")
		return
	}
	asset, ok := h.loadAsset(c)
	if !ok {
		return
	}
	entry, closed, err := h.Reconciler.Resync(c.Request.Context(), asset)
	if err != nil {
		fail(c, http.StatusBadGateway, err)
		return
	}
	logger.Infof("[api] ledger %s resynced ip=%s", asset.Symbol, c.ClientIP())
	h.broadcast(c, asset.ID)
	c.JSON(http.StatusOK, gin.H{"ledger": entry, "closed": closed})
}

func (h *handler) getHistory(c *gin.Context) {
	if h.Ledger == nil {
		unavailable(c, "ledger")
		return
	}
	asset, ok := h.loadAsset(c)
	if !ok {
		return
	}
	samples, err := h.Ledger.History(c.Request.Context(), asset.ID, queryLimit(c, 200, 5000))
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": samples})
}

func (h *handler) getStats(c *gin.Context) {
	if h.Stats == nil {
		unavailable(c, "stats")
		return
	}
	asset, ok := h.loadAsset(c)
	if !ok {
		return
	}
	s, err := h.Stats.Compute(c.Request.Context(), asset.ID)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": s})
}

func (h *handler) getTrades(c *gin.Context) {
	asset, ok := h.loadAsset(c)
	if !ok {
		return
	}
	trades, err := h.Assets.RecentTrades(c.Request.Context(), asset.ID, queryLimit(c, 50, 1000))
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (h *handler) getPositions(c *gin.Context) {
	asset, ok := h.loadAsset(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	var (
		positions []store.PositionSnapshot
		err       error
	)
	if c.Query("all") == "1" {
		positions, err = h.Assets.RecentPositions(ctx, asset.ID, queryLimit(c, 50, 1000))
	} else {
		positions, err = h.Assets.OpenPositions(ctx, asset.ID)
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (h *handler) getReflections(c *gin.Context) {
	if h.Audit == nil {
		unavailable(c, "audit log")
		return
	}
	asset, ok := h.loadAsset(c)
	if !ok {
		return
	}
	recs, err := h.Audit.ListReflections(c.Request.Context(), asset.ID, queryLimit(c, 20, 200))
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reflections": recs})
}

// runReflection reflects synchronously, ignoring the trade-count threshold.
func (h *handler) runReflection(c *gin.Context) {
	if h.Reflector == nil {
		unavailable(c, "reflection")
		return
	}
	asset, ok := h.loadAsset(c)
	if !ok {
		return
	}
	rec, err := h.Reflector.Run(context.WithoutCancel(c.Request.Context()), asset)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reflection": rec})
}

func (h *handler) getDecisions(c *gin.Context) {
	if h.Audit == nil {
		unavailable(c, "audit log")
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	logs, err := h.Audit.ListDecisions(ctx, c.Query("symbol"), queryLimit(c, 100, 500))
	if err != nil {
		logger.Errorf("[api] decisions list failed ip=%s err=%v", c.ClientIP(), err)
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": logs})
}

func (h *handler) getBest(c *gin.Context) {
	if h.Stats == nil {
		unavailable(c, "stats")
		return
	}
	best, found, err := h.Stats.Best(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	if !found {
		c.JSON(http.StatusOK, gin.H{"best": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"best": best})
}

func (h *handler) getStrategies(c *gin.Context) {
	if h.Strategies == nil {
		unavailable(c, "strategy registry")
		return
	}
	c.JSON(http.StatusOK, h.Strategies.Snapshot())
}

func (h *handler) selectStrategy(c *gin.Context) {
	if h.Strategies == nil {
		unavailable(c, "strategy registry")
		return
	}
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := h.Strategies.Select(req.Name); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, strategy.ErrUnknownStrategy) {
			status = http.StatusNotFound
		}
		fail(c, status, err)
		return
	}
	logger.Infof("[api] active strategy set to %s ip=%s", req.Name, c.ClientIP())
	c.JSON(http.StatusOK, h.Strategies.Snapshot())
}

func (h *handler) getLogs(c *gin.Context) {
	if len(h.logNames) == 0 {
		unavailable(c, "log console")
		return
	}
	name := strings.TrimSpace(c.Query("name"))
	path := strings.TrimSpace(h.logPaths[name])
	if path == "" {
		name = h.logNames[0]
		path = h.logPaths[name]
	}
	lines, err := readLastLines(path, queryLimit(c, 200, 5000))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "name": name})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"name":      name,
		"lines":     lines,
		"available": h.logNames,
	})
}

func (h *handler) broadcast(c *gin.Context, assetID uint) {
	if h.Broadcaster != nil {
		h.Broadcaster.BroadcastAsset(context.WithoutCancel(c.Request.Context()), assetID)
	}
}

const maxLogLineSize = 4 * 1024 * 1024

func readLastLines(path string, limit int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLogLineSize)
	lines := make([]string, 0, limit)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > limit {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
