package planner

import (
	"context"
	"fmt"

	"github.com/malbeclabs/auditlens/pkg/bus"
	"github.com/malbeclabs/auditlens/pkg/knowledge"
)

// Register subscribes the planner's handlers.
func (p *Planner) Register(s bus.Subscriber) {
	s.Subscribe(knowledge.KindUserQuery, "planner.interpret", bus.On(p.HandleUserQuery))
	s.Subscribe(knowledge.KindDomainEnrichedRequest, "planner.execute", bus.On(p.HandleEnrichedRequest))
	s.Subscribe(knowledge.KindQueryRefinementNeeded, "planner.refinement", bus.On(p.HandleRefinementNeeded))
}

// HandleUserQuery interprets the question and publishes the enriched request.
func (p *Planner) HandleUserQuery(ctx context.Context, q knowledge.UserQuery) error {
	d, in := p.Interpret(ctx, q.Message, q.Context)
	p.log.Info("planner: interpreted question",
		"session", q.SessionID,
		"rejected", in.Rejected,
		"fallback", in.Fallback,
		"measures", d.Measures,
		"dimensions", d.Dimensions,
		"filters", len(d.Filters),
	)

	intent := in.Intent
	if intent == "" {
		intent = q.Message
	}
	return p.cfg.Publisher.Publish(ctx, knowledge.DomainEnrichedRequest{
		Header:          knowledge.NewHeader(q.SessionID, p.cfg.Clock.Now()),
		Intent:          intent,
		Query:           d,
		Rejected:        in.Rejected,
		RejectionReason: in.RejectionReason,
	})
}

// HandleEnrichedRequest executes the request and publishes data-ready.
// Rejected requests skip execution. Failed executions publish an empty
// error-tagged result and a query_execution_error unit.
func (p *Planner) HandleEnrichedRequest(ctx context.Context, req knowledge.DomainEnrichedRequest) error {
	header := knowledge.NewHeader(req.SessionID, p.cfg.Clock.Now())
	if req.Rejected {
		return p.cfg.Publisher.Publish(ctx, knowledge.DataReady{
			Header:          header,
			Query:           req.Query,
			Result:          emptyResult(),
			Rejected:        true,
			RejectionReason: req.RejectionReason,
		})
	}

	start := p.cfg.Clock.Now()
	rs, err := p.Execute(ctx, req.Query)
	elapsed := p.cfg.Clock.Since(start)
	if err != nil {
		errType := ErrorType(err)
		p.log.Error("planner: query execution failed", "session", req.SessionID, "errorType", errType, "error", err)
		if pubErr := p.cfg.Publisher.Publish(ctx, knowledge.DataReady{
			Header:    header,
			Query:     req.Query,
			Result:    rs,
			QueryTime: elapsed,
			Error:     err.Error(),
			ErrorType: errType,
		}); pubErr != nil {
			return fmt.Errorf("failed to publish data_ready: %w", pubErr)
		}
		return p.cfg.Publisher.Publish(ctx, knowledge.QueryExecutionError{
			Header:    header,
			Error:     err.Error(),
			ErrorType: errType,
		})
	}

	p.log.Info("planner: query executed", "session", req.SessionID, "rows", rs.Shape.RowCount, "duration", elapsed)
	return p.cfg.Publisher.Publish(ctx, knowledge.DataReady{
		Header:    header,
		Query:     req.Query,
		Result:    rs,
		QueryTime: elapsed,
	})
}

// HandleRefinementNeeded records the request. The planner does not re-plan.
func (p *Planner) HandleRefinementNeeded(ctx context.Context, r knowledge.QueryRefinementNeeded) error {
	p.log.Info("planner: query refinement requested, not re-planning",
		"session", r.SessionID,
		"reason", r.Reason,
		"rows", r.CurrentRowCount,
		"suggestion", r.SuggestedRefinement,
	)
	return nil
}

func emptyResult() knowledge.ResultSet {
	return knowledge.ResultSet{
		Rows:  []knowledge.Row{},
		Shape: knowledge.Shape{DataShape: knowledge.DataShapeEmpty},
	}
}
