package flow

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ruminate-ai/ruminate/internal/session"
)

// Engine decides the next cursor for a session. It is stateless; all inputs
// come from the flow definition and the session snapshot, all outputs go
// into the returned Decision. The caller applies the decision to the
// session and persists it.
type Engine struct {
	log zerolog.Logger
}

// NewEngine creates an Engine logging through the given logger.
func NewEngine(log zerolog.Logger) *Engine {
	return &Engine{log: log}
}

// DecisionKind discriminates Decision.
type DecisionKind int

const (
	// DecideRetry keeps the cursor on the same step with an incremented
	// retry count (quality gate).
	DecideRetry DecisionKind = iota
	// DecideIterate advances to the next for_each iteration of the same
	// step.
	DecideIterate
	// DecideAdvance moves the cursor to a later step.
	DecideAdvance
	// DecideComplete ends the flow; the cursor becomes StepComplete.
	DecideComplete
)

// Decision is the engine's answer to "what should the host do next".
type Decision struct {
	Kind       DecisionKind
	Step       *Step // nil for DecideComplete
	Iteration  int
	Total      int // 0 for single-execution steps
	Item       any // the for_each element for this iteration, if any
	RetryCount int // for DecideRetry
	Skipped    []string // steps to record as skipped, in walk order
}

// Next determines the next cursor after the current step's result has been
// recorded. score is the quality score the host reported for the attempt,
// or nil. The session is read, never written.
//
// The returned error is a *ForEachError when a fan-out reference could not
// be resolved; the caller marks the consumer step failed and holds the
// cursor.
func (e *Engine) Next(def *Definition, sess *session.Session, score *float64) (Decision, error) {
	cur := def.Step(sess.Cursor.Step)
	if cur == nil {
		return Decision{}, fmt.Errorf("step %q is not defined in flow %q", sess.Cursor.Step, def.Type)
	}

	// Quality gate: strict < so an exact-threshold score passes. Bounded by
	// RetryMax regardless of score.
	if score != nil && *score < cur.QualityThreshold && cur.RetryOnFailure && sess.Cursor.Retry < RetryMax {
		e.log.Debug().
			Str("session_id", sess.ID).
			Str("step", cur.Name).
			Float64("score", *score).
			Float64("threshold", cur.QualityThreshold).
			Int("retry", sess.Cursor.Retry+1).
			Msg("quality gate failed, retrying step")
		return Decision{
			Kind:       DecideRetry,
			Step:       cur,
			Iteration:  sess.Cursor.Iteration,
			Total:      sess.Cursor.Total,
			Item:       e.itemAt(sess, cur, sess.Cursor.Iteration),
			RetryCount: sess.Cursor.Retry + 1,
		}, nil
	}

	// Mid fan-out: serve the next iteration before considering later steps.
	if cur.ForEach != nil && sess.Cursor.Iteration+1 < sess.Cursor.Total {
		next := sess.Cursor.Iteration + 1
		return Decision{
			Kind:      DecideIterate,
			Step:      cur,
			Iteration: next,
			Total:     sess.Cursor.Total,
			Item:      e.itemAt(sess, cur, next),
		}, nil
	}

	if cur.Final {
		return Decision{Kind: DecideComplete}, nil
	}

	return e.walk(def, sess, def.Index(cur.Name)+1)
}

// Entry returns the decision for a step about to be executed for the first
// time — used by start_thinking for the flow's first step. The first step
// of a valid flow never declares for_each (its target would have to be
// declared earlier), so this is always a plain advance.
func (e *Engine) Entry(def *Definition) Decision {
	return Decision{Kind: DecideAdvance, Step: def.First()}
}

// walk scans forward from index i for the first executable step, recording
// conditional skips and empty fan-outs along the way.
func (e *Engine) walk(def *Definition, sess *session.Session, i int) (Decision, error) {
	var skipped []string
	for ; i < def.Len(); i++ {
		s := def.Steps[i]

		if !e.depsSatisfied(sess, s) {
			// Left pending; a later walk may pick it up once its
			// dependencies complete.
			continue
		}

		if s.Condition != nil {
			ok, err := s.Condition.Eval(condEnv{sess: sess})
			if err != nil {
				e.log.Warn().
					Str("session_id", sess.ID).
					Str("step", s.Name).
					Str("condition", s.Condition.Source()).
					Err(err).
					Msg("condition evaluation failed, skipping step")
				ok = false
			}
			if !ok {
				skipped = append(skipped, s.Name)
				continue
			}
		}

		if s.ForEach != nil {
			items, err := ResolveForEach(*s.ForEach, sess.StepOutputs[s.ForEach.Step])
			if err != nil {
				var fe *ForEachError
				if feOK := asForEachError(err, &fe); feOK {
					fe.StepName = s.Name
					return Decision{Skipped: skipped}, fe
				}
				return Decision{Skipped: skipped}, err
			}
			if len(items) == 0 {
				// Empty fan-out is a skip, not a failure.
				skipped = append(skipped, s.Name)
				continue
			}
			return Decision{
				Kind:      DecideAdvance,
				Step:      s,
				Iteration: 0,
				Total:     len(items),
				Item:      items[0],
				Skipped:   skipped,
			}, nil
		}

		return Decision{Kind: DecideAdvance, Step: s, Skipped: skipped}, nil
	}
	return Decision{Kind: DecideComplete, Skipped: skipped}, nil
}

// depsSatisfied reports whether every depends_on step completed.
func (e *Engine) depsSatisfied(sess *session.Session, s *Step) bool {
	for _, dep := range s.DependsOn {
		if sess.StepState(dep) != session.StepCompleted {
			return false
		}
	}
	return true
}

// itemAt returns the for_each element for the given iteration, or nil for
// single-execution steps. The outputs were validated when the fan-out
// started, so out-of-range lookups only happen on corrupted state.
func (e *Engine) itemAt(sess *session.Session, s *Step, iteration int) any {
	if s.ForEach == nil {
		return nil
	}
	items, err := ResolveForEach(*s.ForEach, sess.StepOutputs[s.ForEach.Step])
	if err != nil || iteration < 0 || iteration >= len(items) {
		return nil
	}
	return items[iteration]
}

func asForEachError(err error, target **ForEachError) bool {
	fe, ok := err.(*ForEachError)
	if ok {
		*target = fe
	}
	return ok
}

// condEnv adapts a session to the conditional expression environment.
// Identifiers: complexity, quality_score, step_count,
// <step>.quality_score, <step>.status.
type condEnv struct {
	sess *session.Session
}

func (c condEnv) Resolve(name string) (Value, bool) {
	switch name {
	case "complexity":
		if v, ok := c.sess.Context["complexity"].(string); ok {
			return StringValue(v), true
		}
		return Value{}, false
	case "step_count":
		return NumberValue(float64(c.sess.StepNumber)), true
	case "quality_score":
		if q := c.sess.LastQuality(); q != nil {
			return NumberValue(*q), true
		}
		return Value{}, false
	}

	// Dotted step references.
	if step, ok := strings.CutSuffix(name, ".quality_score"); ok {
		if score, known := c.sess.QualityScores[step]; known {
			return NumberValue(score), true
		}
		return Value{}, false
	}
	if step, ok := strings.CutSuffix(name, ".status"); ok {
		if _, known := c.sess.StepResults[step]; known {
			return StringValue(string(c.sess.StepState(step))), true
		}
		return Value{}, false
	}
	return Value{}, false
}
