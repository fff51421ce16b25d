package tools

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ruminate-ai/ruminate/internal/flow"
	"github.com/ruminate-ai/ruminate/internal/session"
	"github.com/ruminate-ai/ruminate/internal/template"
)

// timeNow is a package-level hook so tests can freeze the clock.
var timeNow = time.Now

// baseParams assembles the parameter superset shared by every render:
// session context plus bookkeeping values. Templates pick what they
// declare; extra parameters are permitted by the template manager.
func baseParams(sess *session.Session) map[string]any {
	params := map[string]any{
		"topic":          sess.Topic,
		"session_id":     sess.ID,
		"step_count":     sess.StepNumber,
		"domain_context": "general analysis",
	}
	for k, v := range sess.Context {
		params[k] = v
	}
	if focus, ok := sess.Context["focus"].(string); ok && focus != "" {
		params["domain_context"] = focus
	}
	if _, ok := params["focus"]; !ok {
		params["focus"] = ""
	}
	return params
}

// stepParams extends baseParams with the for_each iteration values for a
// decision. Iteration indices are presented 1-based inside prompts.
func stepParams(sess *session.Session, dec flow.Decision) map[string]any {
	params := baseParams(sess)
	if dec.Step != nil && dec.Step.ForEach != nil {
		params["item"] = dec.Item
		params["item_index"] = dec.Iteration + 1
		params["item_total"] = dec.Total
	}
	return params
}

// renderStep renders a step's template. A missing template degrades to the
// generic fallback carrying the missing identifier, per the failure policy.
// The second return value reports whether the fallback was used.
func (d *Deps) renderStep(sess *session.Session, step *flow.Step, params map[string]any) (string, bool, error) {
	rendered, err := d.Templates.Get(step.Template, params)
	if err == nil {
		return rendered, false, nil
	}
	if _, notFound := err.(*template.NotFoundError); !notFound {
		return "", false, err
	}

	d.Log.Warn().Str("template", step.Template).Str("step", step.Name).Msg("template missing, using fallback")
	fallbackParams := map[string]any{
		"template_name": step.Template,
		"step_name":     step.Name,
		"topic":         sess.Topic,
	}
	rendered, fbErr := d.Templates.Get("fallback_generic", fallbackParams)
	if fbErr != nil {
		return "", false, err
	}
	return rendered, true, nil
}

// instructionsFor composes the host-facing instructions for a decision.
func instructionsFor(dec flow.Decision) string {
	if dec.Kind == flow.DecideComplete {
		return "The flow is complete. Produce the final report from the prompt, then stop."
	}
	var b strings.Builder
	if dec.Step.Instructions != "" {
		b.WriteString(dec.Step.Instructions)
	} else {
		fmt.Fprintf(&b, "Execute the %q step using the prompt.", dec.Step.Name)
	}
	if dec.Step.ExpectedOutput == flow.OutputJSON {
		b.WriteString(" Reply with a single valid JSON object and no surrounding prose.")
	}
	switch dec.Kind {
	case flow.DecideRetry:
		fmt.Fprintf(&b, " This is retry %d of %d: the previous attempt scored below the %.2f quality gate. Address the weaknesses before resubmitting.",
			dec.RetryCount, flow.RetryMax, dec.Step.QualityThreshold)
	case flow.DecideIterate, flow.DecideAdvance:
		if dec.Step.ForEach != nil {
			fmt.Fprintf(&b, " This is item %d of %d in the fan-out over %s.",
				dec.Iteration+1, dec.Total, dec.Step.ForEach.String())
		}
	}
	return b.String()
}

// nextActionFor tells the host which tool call comes after this one.
func nextActionFor(dec flow.Decision) string {
	if dec.Kind == flow.DecideComplete {
		return "call complete_thinking to close the session"
	}
	return "execute the prompt, then feed the result back via next_step"
}

// decisionMetadata builds the response metadata for a decision.
func decisionMetadata(sess *session.Session, def *flow.Definition, dec flow.Decision) map[string]any {
	md := map[string]any{
		"flow_type":     sess.FlowType,
		"step_number":   sess.StepNumber,
		"flow_progress": fmt.Sprintf("%d/%d", sess.StepNumber, def.Len()),
	}
	if dec.Step != nil {
		md["expected_output"] = dec.Step.ExpectedOutput
		md["quality_threshold"] = dec.Step.QualityThreshold
		if dec.Step.ForEach != nil {
			md["iteration"] = map[string]any{
				"current":  dec.Iteration + 1,
				"total":    dec.Total,
				"parallel": dec.Step.Parallel,
			}
		}
	}
	if dec.Kind == flow.DecideRetry {
		md["retry_count"] = dec.RetryCount
		md["quality_gate_passed"] = false
	}
	if len(dec.Skipped) > 0 {
		md["skipped_steps"] = dec.Skipped
	}
	return md
}

// recordSkipped appends skipped entries for steps the walk passed over.
// Skipped entries never count toward step_number.
func recordSkipped(sess *session.Session, skipped []string) {
	now := timeNow().UTC()
	for _, name := range skipped {
		if sess.StepState(name) != session.StepPending {
			continue
		}
		sess.StepResults[name] = append(sess.StepResults[name], &session.StepResult{
			StepName:   name,
			Status:     session.StepSkipped,
			StartedAt:  now,
			FinishedAt: now,
		})
	}
}

// clearFailedPlaceholder drops the failed non-iteration entry left behind
// by an earlier fan-out resolution failure, so the step can execute cleanly
// once its producer has been corrected.
func clearFailedPlaceholder(sess *session.Session, stepName string) {
	entries := sess.StepResults[stepName]
	kept := entries[:0]
	for _, r := range entries {
		if r.Status == session.StepFailed && r.IterationIndex == nil {
			continue
		}
		kept = append(kept, r)
	}
	if len(kept) == 0 {
		delete(sess.StepResults, stepName)
	} else {
		sess.StepResults[stepName] = kept
	}
}

// stepHistory renders a compact per-entry history block for the completion
// report.
func stepHistory(sess *session.Session, def *flow.Definition) string {
	var b strings.Builder
	for _, step := range def.Steps {
		for _, r := range sess.StepResults[step.Name] {
			label := step.Name
			if r.IterationIndex != nil {
				label = fmt.Sprintf("%s[%d]", step.Name, *r.IterationIndex+1)
			}
			fmt.Fprintf(&b, "- %s: %s", label, r.Status)
			if r.QualityScore != nil {
				fmt.Fprintf(&b, " (quality %.2f)", *r.QualityScore)
			}
			if r.Status == session.StepCompleted && r.RawText != "" {
				fmt.Fprintf(&b, "\n  %s", truncate(r.RawText, 300))
			}
			b.WriteString("\n")
		}
	}
	// Entries for steps no longer in the flow (config changed mid-session)
	// still belong in the history.
	var extra []string
	for name := range sess.StepResults {
		if def.Step(name) == nil {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		for _, r := range sess.StepResults[name] {
			fmt.Fprintf(&b, "- %s: %s\n", name, r.Status)
		}
	}
	return b.String()
}

// averageQuality formats the mean recorded score for the summary template.
func averageQuality(sess *session.Session) string {
	if len(sess.QualityScores) == 0 {
		return "not recorded"
	}
	sum := 0.0
	for _, q := range sess.QualityScores {
		sum += q
	}
	return fmt.Sprintf("%.2f", sum/float64(len(sess.QualityScores)))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
