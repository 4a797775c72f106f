package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tradeloop/internal/logger"
	"tradeloop/internal/store/audit"
)

// AuditSink receives one record per engine call.
type AuditSink interface {
	InsertDecision(ctx context.Context, rec audit.DecisionLog) (int64, error)
}

const (
	StageDecide  = "decide"
	StageReflect = "reflect"
)

// Guard turns an Engine into a SafeEngine. A nil engine means the AI is disabled.
type Guard struct {
	engine Engine
	sink   AuditSink
	nowFn  func() time.Time
}

func NewGuard(engine Engine, sink AuditSink) *Guard {
	return &Guard{engine: engine, sink: sink, nowFn: time.Now}
}

func (g *Guard) Decide(ctx context.Context, req Request) Decision {
	if g.engine == nil {
		d := HoldDecision("decision engine disabled")
		d.Fallback = true
		return d
	}
	start := g.nowFn()
	d, err := g.callDecide(ctx, req)
	if err != nil {
		logger.Warnf("decision for %s fell back to HOLD: %v", req.Symbol, err)
		fallback := HoldDecision(fmt.Sprintf("decision engine unavailable: %v", err))
		fallback.Fallback = true
		fallback.Trace = d.Trace
		d = fallback
	}
	g.record(ctx, req.AssetID, req.Symbol, StageDecide, d.Trace, d, err, start)
	return d
}

func (g *Guard) Reflect(ctx context.Context, req ReflectRequest) Reflection {
	if g.engine == nil {
		return Reflection{Text: "reflection unavailable: decision engine disabled", Fallback: true}
	}
	start := g.nowFn()
	r, err := g.callReflect(ctx, req)
	if err != nil {
		logger.Warnf("reflection for %s failed: %v", req.Symbol, err)
		r = Reflection{
			Text:     fmt.Sprintf("reflection unavailable: %v", err),
			Fallback: true,
			Trace:    r.Trace,
		}
	}
	g.record(ctx, req.AssetID, req.Symbol, StageReflect, r.Trace, r, err, start)
	return r
}

func (g *Guard) callDecide(ctx context.Context, req Request) (d Decision, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: panic: %v", ErrDecisionEngine, rec)
		}
	}()
	return g.engine.Decide(ctx, req)
}

func (g *Guard) callReflect(ctx context.Context, req ReflectRequest) (r Reflection, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: panic: %v", ErrDecisionEngine, rec)
		}
	}()
	return g.engine.Reflect(ctx, req)
}

func (g *Guard) record(ctx context.Context, assetID uint, symbol, stage string, trace Trace, result any, callErr error, start time.Time) {
	if g.sink == nil {
		return
	}
	body, _ := json.Marshal(result)
	rec := audit.DecisionLog{
		TraceID:    trace.ID,
		AssetID:    assetID,
		Symbol:     symbol,
		Stage:      stage,
		Timestamp:  g.nowFn().UTC(),
		Model:      trace.Model,
		Prompt:     trace.Prompt,
		RawOutput:  trace.RawOutput,
		Decision:   string(body),
		Fallback:   callErr != nil,
		DurationMs: g.nowFn().Sub(start).Milliseconds(),
	}
	if callErr != nil {
		rec.Error = callErr.Error()
	}
	if _, err := g.sink.InsertDecision(context.WithoutCancel(ctx), rec); err != nil {
		logger.Warnf("decision audit write failed: %v", err)
	}
}
