package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/apibridge/apibridge/conversation"
	"github.com/apibridge/apibridge/llms"
	"github.com/apibridge/apibridge/session"
	"github.com/apibridge/apibridge/tools"
)

// ============================================================================
// TURN LOOP
// ============================================================================

// budgetExhaustedNote is appended to the reply when the per-request tool
// budget runs out.
const budgetExhaustedNote = "\n\n[Note: Reached maximum tool call limit of %d rounds]"

// runTurns drives the claimed turn gate: the triggering message first, then
// anything queued up while it ran.
func (s *Server) runTurns(c *wsConn, sess *session.Session, message string) {
	for {
		s.runTurn(c, sess, message)

		next, ok := sess.EndTurn()
		if !ok {
			return
		}
		message = next
	}
}

// runTurn executes one user turn: append, invoke, fan out tool calls,
// repeat until the model produces a terminal reply.
func (s *Server) runTurn(c *wsConn, sess *session.Session, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Session.TurnDeadline())
	defer cancel()
	sess.SetCancel(cancel)

	c.send(stamped(OutboundFrame{Type: FrameTyping, Message: "AI is thinking..."}))

	sess.History.Append(conversation.NewText(conversation.RoleUser, message))

	adapter := s.pipeline.Adapter()
	descriptors := s.executor.Table().Descriptors()
	sctx := &tools.SessionContext{Store: sess.Store, Stats: sess.History.Stats}

	var allCalls []conversation.ToolCall
	var allResults []tools.Result
	totalCalls := 0

	for {
		snapshot, err := sess.History.SnapshotForLLM()
		if err != nil {
			slog.Error("history snapshot failed", "session_id", sess.ID, "error", err)
			s.finishTurn(c, sess, "error")
			c.send(errorFrame("internal error preparing conversation"))
			return
		}

		reply, err := s.pipeline.Converse(ctx, &llms.Request{
			SessionID:   sess.ID,
			Messages:    snapshot,
			Descriptors: descriptors,
			Limiter:     sess.Limiter,
			Shrink:      sess.History.ShrinkForRetry,
		})
		if err != nil {
			s.surfaceInvokeError(c, sess, err)
			return
		}

		// Terminal text reply: commit and forward.
		if !reply.HasToolCalls() {
			sess.History.Append(adapter.AssistantMessage(reply))
			s.sendResponse(c, sess, reply.Text, allCalls, allResults)
			return
		}

		// Tool budget across all nested rounds of this user request.
		if totalCalls+len(reply.ToolCalls) > s.cfg.Tools.MaxToolCalls {
			text := reply.Text + fmt.Sprintf(budgetExhaustedNote, s.cfg.Tools.MaxToolCalls)
			sess.History.Append(conversation.NewText(conversation.RoleAssistant, text))
			s.sendResponse(c, sess, text, allCalls, allResults)
			return
		}
		totalCalls += len(reply.ToolCalls)

		sess.History.Append(adapter.AssistantMessage(reply))

		results := s.executor.ExecuteAll(ctx, reply.ToolCalls, sctx)
		if ctx.Err() != nil {
			// Canceled mid-fan-out: discard partial results; the
			// assistant message without results is cleaned up by the
			// orphan pass on the next snapshot.
			slog.Debug("turn canceled during tool execution", "session_id", sess.ID)
			s.finishTurn(c, sess, "canceled")
			return
		}

		sess.History.AppendAll(adapter.ToolResultMessages(results))

		allCalls = append(allCalls, reply.ToolCalls...)
		allResults = append(allResults, results...)
	}
}

// surfaceInvokeError renders a pipeline failure as a graceful reply.
func (s *Server) surfaceInvokeError(c *wsConn, sess *session.Session, err error) {
	slog.Error("model invocation failed", "session_id", sess.ID, "error", err)
	s.finishTurn(c, sess, "error")

	var invokeErr *llms.InvokeError
	if errors.As(err, &invokeErr) && invokeErr.Kind == llms.KindContextTooLong {
		c.send(errorFrame("The conversation has grown too large for the model. " +
			"Clear the history or start a new session."))
		return
	}
	c.send(errorFrame(fmt.Sprintf(
		"I'm experiencing technical difficulties: %v. Please try again in a moment.", err)))
}

func (s *Server) sendResponse(c *wsConn, sess *session.Session, text string, calls []conversation.ToolCall, results []tools.Result) {
	s.finishTurn(c, sess, "ok")
	c.send(stamped(OutboundFrame{
		Type:        FrameAIResponse,
		Message:     text,
		ToolCalls:   calls,
		ToolResults: results,
	}))
}

// finishTurn stops the typing indicator, records metrics and touches the
// session.
func (s *Server) finishTurn(c *wsConn, sess *session.Session, outcome string) {
	c.send(OutboundFrame{Type: FrameTyping, Message: "", Timestamp: time.Now().UTC().Format(time.RFC3339)})
	if s.metrics != nil {
		s.metrics.TurnsTotal.WithLabelValues(outcome).Inc()
	}
	sess.Touch()
}
