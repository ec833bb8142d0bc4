// Package orchestrator implements the §4.1 per-message flow: the
// top-level entry point that composes the Context Manager, Analysis
// Engine, Tool Executor, Prompt Assembler, and Response Generation into
// one `process(content, principal, context) -> reply_text` contract,
// persisting the resulting chat turn, opportunistic thread summary, and
// A/B outcome as side effects.
//
// The step structure below — span-per-step timing and a
// semaphore bounding concurrent in-flight messages — follows the same
// shape as the teacher's agent orchestrator's ProcessThought/executeTasks
// pipeline, generalized from a DAG of agent tasks to this domain's fixed
// seven-step flow.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/familyassist/orchestrator/config"
	"github.com/familyassist/orchestrator/internal/analysis"
	appcontext "github.com/familyassist/orchestrator/internal/context"
	"github.com/familyassist/orchestrator/internal/embedding"
	"github.com/familyassist/orchestrator/internal/errs"
	"github.com/familyassist/orchestrator/internal/executor"
	"github.com/familyassist/orchestrator/internal/household"
	"github.com/familyassist/orchestrator/internal/llm"
	"github.com/familyassist/orchestrator/internal/prompt"
	"github.com/familyassist/orchestrator/internal/store"
	"github.com/familyassist/orchestrator/internal/telemetry"
	"github.com/familyassist/orchestrator/internal/toolservice"
)

// variantExperimentName is the A/B experiment namespace governing prompt
// variant selection (§4.7, §9 "Decision": a single always-on experiment
// named "prompt_variant", distinct from any feature-specific experiment a
// deployment later configures, keeps variant selection independent of
// whatever experiments a household happens to be enrolled in).
const variantExperimentName = "prompt_variant"

const defaultControlVariant = "default"

// Attachment is one piece of pre-extracted media content accompanying an
// inbound message (§4.1 step 1): OCR text, a transcript, or a vision
// caption, already resolved by the channel adapter before this package
// ever sees it.
type Attachment struct {
	Kind          string
	ExtractedText string
}

// Message is one inbound turn, addressed to a principal on a channel and
// thread.
type Message struct {
	Principal   string
	Channel     string
	ThreadID    string
	TraceID     string
	Content     string
	Attachments []Attachment
}

// Reply is the orchestrator's contract return value: process(...) ->
// reply_text, plus enough bookkeeping for the caller to log it.
type Reply struct {
	Text                string
	Variant             string
	NeededClarification bool
}

// Orchestrator wires together every already-built component into the
// fixed seven-step per-message flow.
type Orchestrator struct {
	store      *store.Store
	households *household.Service
	contexts   *appcontext.Manager
	embeddings *embedding.Provider
	llmClient  *llm.Client
	tools      executor.Dispatcher
	catalog    *prompt.Catalog
	assigner   *prompt.Assigner
	telemetry  *telemetry.Telemetry
	tracer     trace.Tracer
	logger     *log.Logger

	householdCfg config.HouseholdConfig
	promptCfg    config.PromptConfig

	assemblerTTL time.Duration
	mu           sync.Mutex
	assemblers   map[string]*prompt.Assembler // keyed by variant, one cache per variant

	semaphore chan struct{}
}

// New constructs an Orchestrator. maxConcurrentMessages bounds how many
// messages this process will run the thinking loop for at once.
func New(
	st *store.Store,
	households *household.Service,
	contexts *appcontext.Manager,
	embeddings *embedding.Provider,
	llmClient *llm.Client,
	tools executor.Dispatcher,
	catalog *prompt.Catalog,
	assigner *prompt.Assigner,
	tel *telemetry.Telemetry,
	logger *log.Logger,
	householdCfg config.HouseholdConfig,
	promptCfg config.PromptConfig,
	maxConcurrentMessages int,
) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[orchestrator] ", log.LstdFlags)
	}
	if maxConcurrentMessages <= 0 {
		maxConcurrentMessages = 8
	}
	tracer := trace.NewNoopTracerProvider().Tracer("orchestrator")
	if tel != nil {
		tracer = tel.Tracer("orchestrator")
	}
	return &Orchestrator{
		store:        st,
		households:   households,
		contexts:     contexts,
		embeddings:   embeddings,
		llmClient:    llmClient,
		tools:        tools,
		catalog:      catalog,
		assigner:     assigner,
		telemetry:    tel,
		tracer:       tracer,
		logger:       logger,
		householdCfg: householdCfg,
		promptCfg:    promptCfg,
		assemblerTTL: promptCfg.AssembledCacheTTL,
		assemblers:   make(map[string]*prompt.Assembler),
		semaphore:    make(chan struct{}, maxConcurrentMessages),
	}
}

// Process implements the §4.1 seven-step flow. It never returns an error
// to the caller for an in-band failure: per §4.1's failure model, any
// exception produces a user-friendly reply and logs
// message.process.error; the returned error is reserved for a caller
// that should retry the whole delivery (context cancellation, semaphore
// wait aborted).
func (o *Orchestrator) Process(ctx context.Context, msg Message) (Reply, error) {
	start := time.Now()
	fields := telemetry.Fields{TraceID: msg.TraceID, Principal: msg.Principal, Channel: msg.Channel, Component: "orchestrator"}

	ctx, span := o.tracer.Start(ctx, "orchestrator.process",
		trace.WithAttributes(
			attribute.String("trace_id", msg.TraceID),
			attribute.String("principal", msg.Principal),
			attribute.String("channel", msg.Channel),
		))
	defer span.End()

	select {
	case o.semaphore <- struct{}{}:
		defer func() { <-o.semaphore }()
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}

	reply, kind, err := o.process(ctx, msg, fields)
	elapsed := time.Since(start)
	if err != nil {
		o.telemetry.MessageError(fields, kind, elapsed, err)
		if rerr := o.assigner.RecordOutcome(ctx, variantExperimentName, true); rerr != nil {
			o.logger.Printf("record experiment outcome failed trace_id=%s: %v", msg.TraceID, rerr)
		}
		return Reply{Text: errs.FriendlyMessage(errs.Kind(kind))}, nil
	}
	o.telemetry.MessageProcessed(fields, elapsed, 0, 0)
	return reply, nil
}

func (o *Orchestrator) process(ctx context.Context, msg Message, fields telemetry.Fields) (Reply, string, error) {
	stepStart := time.Now()

	// Step 1: preprocess.
	content := preprocess(msg)
	o.telemetry.Step(fields, "preprocess", time.Since(stepStart))

	// Resolve the household view once; both the Scope Resolver and the
	// Context Manager's household blob need it.
	view, _, err := o.households.ViewForUser(ctx, msg.Principal)
	if err != nil {
		return Reply{}, string(errs.KindContextResolution), errs.ContextResolution(msg.TraceID, msg.Principal, err, nil)
	}
	rctx := appcontext.ResolveContext{
		TraceID:       msg.TraceID,
		Principal:     msg.Principal,
		ThreadID:      msg.ThreadID,
		HouseholdCfg:  o.householdCfg,
		HouseholdView: view,
	}

	// Step 2: variant selection.
	stepStart = time.Now()
	assignment, err := o.assigner.Assign(ctx, variantExperimentName, msg.Principal, defaultControlVariant)
	if err != nil {
		return Reply{}, string(errs.KindInternal), errs.ContextResolution(msg.TraceID, msg.Principal, err, nil)
	}
	variant := assignment.Variant
	o.telemetry.Step(fields, "variant_selection", time.Since(stepStart))

	tr := o.embeddings.NewTrace()

	// Basic context, fetched once before the first analysis round.
	basic, err := o.contexts.BasicContext(ctx, rctx)
	if err != nil {
		return Reply{}, string(errs.KindContextResolution), err
	}

	// Step 3: analyze.
	stepStart = time.Now()
	engine, err := o.analysisEngine(variant, msg.Channel)
	if err != nil {
		return Reply{}, string(errs.KindInternal), errs.Analysis(msg.TraceID, msg.Principal, err, nil)
	}
	user := analysis.User{Principal: msg.Principal, Channel: msg.Channel, ThreadID: msg.ThreadID}
	result, err := engine.Analyze(ctx, msg.TraceID, user, content, basic, rctx, tr)
	if err != nil {
		return Reply{}, string(errs.KindAnalysis), err
	}
	o.telemetry.AnalysisRound(fields, result.Understanding.ThinkingDepth, result.Understanding.NeedsDeeperAnalysis)
	o.telemetry.Step(fields, "analyze", time.Since(stepStart))

	// Step 4: clarify branch.
	if result.Understanding.NeedClarification {
		return o.clarify(ctx, msg, fields, variant, result)
	}

	// Step 5: execute & respond.
	stepStart = time.Now()
	planResult, err := o.executePlan(ctx, msg, rctx, result, tr)
	if err != nil {
		return Reply{}, string(errs.KindToolExecution), err
	}
	o.telemetry.Step(fields, "execute", time.Since(stepStart))

	stepStart = time.Now()
	replyText, err := o.respond(ctx, msg, variant, result, planResult)
	if err != nil {
		return Reply{}, string(errs.KindLLM), err
	}
	o.telemetry.Step(fields, "respond", time.Since(stepStart))

	if err := o.persistTurn(ctx, msg, content, replyText, result); err != nil {
		o.logger.Printf("persist chat turn failed trace_id=%s: %v", msg.TraceID, err)
	}

	// Step 6: opportunistic summarize.
	stepStart = time.Now()
	o.maybeSummarize(ctx, msg, fields)
	o.telemetry.Step(fields, "summarize", time.Since(stepStart))

	// Step 7: record experiment outcome.
	if err := o.assigner.RecordOutcome(ctx, variantExperimentName, false); err != nil {
		o.logger.Printf("record experiment outcome failed trace_id=%s: %v", msg.TraceID, err)
	}

	return Reply{Text: replyText, Variant: variant}, "", nil
}

func preprocess(msg Message) string {
	content := msg.Content
	for _, a := range msg.Attachments {
		if strings.TrimSpace(a.ExtractedText) == "" {
			continue
		}
		content += fmt.Sprintf("\n[%s transcript] %s", a.Kind, a.ExtractedText)
	}
	return content
}

// analysisEngine builds an Analysis Engine whose system prompt concatenates
// the variant's system, understanding, and tool_planning blocks — the
// Analysis Engine itself does not know about blocks or phases, so the
// orchestrator must flatten them once per (variant, channel) before
// constructing it (§4.5, §4.7).
func (o *Orchestrator) analysisEngine(variant, channel string) (*analysis.Engine, error) {
	asm := o.assemblerFor(variant)
	var sb strings.Builder
	for _, phase := range []prompt.Phase{prompt.PhaseSystem, prompt.PhaseUnderstanding, prompt.PhaseToolPlanning} {
		text, err := asm.Assemble(variant, phase, channel)
		if err != nil {
			return nil, fmt.Errorf("assemble %s prompt: %w", phase, err)
		}
		sb.WriteString(text)
	}
	policy := analysis.ContextPolicy{MaxKeys: o.promptCfg.ContextMaxKeys, MaxBytes: o.promptCfg.ContextMaxBytes}
	return analysis.New(o.llmClient, o.contexts, sb.String(), policy), nil
}

func (o *Orchestrator) assemblerFor(variant string) *prompt.Assembler {
	o.mu.Lock()
	defer o.mu.Unlock()
	if asm, ok := o.assemblers[variant]; ok {
		return asm
	}
	asm := prompt.New(o.catalog, o.toolSpecs, o.assemblerTTL)
	o.assemblers[variant] = asm
	return asm
}

func (o *Orchestrator) toolSpecs() ([]toolservice.ToolSpec, error) {
	return toolservice.DefaultToolSpecs(), nil
}

func (o *Orchestrator) executePlan(ctx context.Context, msg Message, rctx appcontext.ResolveContext, result analysis.Analysis, tr *embedding.Trace) (executor.PlanResult, error) {
	planSteps := result.ToolPlan.Steps
	maxSteps := o.promptCfg.MaxPlanSteps
	if maxSteps <= 0 {
		maxSteps = 10
	}
	if len(planSteps) > maxSteps {
		o.logger.Printf("tool_plan step count %d exceeds cap %d, truncating trace_id=%s", len(planSteps), maxSteps, msg.TraceID)
		planSteps = planSteps[:maxSteps]
	}

	steps := make([]executor.Step, 0, len(planSteps))
	for _, s := range planSteps {
		steps = append(steps, executor.Step{Tool: s.Tool, Args: s.Args, Mandatory: s.Mandatory})
	}
	plan := executor.Plan{Steps: steps, ExpectsResults: isQueryShaped(result.Understanding)}

	pctx := executor.PlanContext{
		TraceID:        msg.TraceID,
		Principal:      msg.Principal,
		ThreadID:       msg.ThreadID,
		HouseholdCfg:   rctx.HouseholdCfg,
		HouseholdView:  rctx.HouseholdView,
		ContextPayload: result.ContextPayload,
	}

	runner := executor.NewRunner(o.tools, tr, o.promptCfg.VerifyMinResults, o.promptCfg.VerifyMaxRounds, o.promptCfg.MaxPlanSteps)
	planResult, err := runner.RunPlan(ctx, pctx, plan)
	if err == nil {
		fields := telemetry.Fields{TraceID: msg.TraceID, Principal: msg.Principal, Channel: msg.Channel, Component: "executor"}
		for _, sr := range planResult.Results {
			o.telemetry.ToolStep(fields, sr.Tool, sr.Error == nil, 0)
		}
	}
	return planResult, err
}

// isQueryShaped implements §4.3's verification-loop trigger: need_action
// with an intent that reads as a retrieval rather than a write.
func isQueryShaped(u analysis.Understanding) bool {
	if !u.NeedAction {
		return false
	}
	intent := strings.ToLower(u.Intent)
	for _, kw := range []string{"recall", "search", "lookup", "find", "query", "when", "what", "where", "how much", "list"} {
		if strings.Contains(intent, kw) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) respond(ctx context.Context, msg Message, variant string, result analysis.Analysis, plan executor.PlanResult) (string, error) {
	asm := o.assemblerFor(variant)
	systemPrompt, err := asm.Assemble(variant, prompt.PhaseResponse, msg.Channel)
	if err != nil {
		return "", fmt.Errorf("assemble response prompt: %w", err)
	}

	userPayload := responsePayload{
		Understanding:   result.Understanding,
		ExecutionResult: plan.Results,
		Verification:    plan.Verification,
		Directives:      result.ResponseDirectives,
	}
	body, err := marshalResponsePayload(userPayload)
	if err != nil {
		return "", fmt.Errorf("marshal response payload: %w", err)
	}

	messages := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: body},
	}
	text, _, err := o.llmClient.ChatText(ctx, messages)
	if err != nil {
		return "", errs.LLM(msg.TraceID, msg.Principal, err, nil)
	}
	return truncateForChannel(text, o.catalog, variant, msg.Channel), nil
}

// truncateForChannel applies the §4.6 per-channel hard cap with an
// ellipsis, read from the variant's channel profile.
func truncateForChannel(text string, cat *prompt.Catalog, variant, channel string) string {
	v, ok := cat.Variant(variant)
	if !ok {
		return text
	}
	maxChars := 0
	for _, p := range v.ChannelProfiles {
		if p.Channel == channel {
			maxChars = p.MaxReplyChars
			break
		}
	}
	r := []rune(text)
	if maxChars <= 0 || len(r) <= maxChars {
		return text
	}
	if maxChars <= 1 {
		return string(r[:maxChars])
	}
	return string(r[:maxChars-1]) + "…"
}

func (o *Orchestrator) clarify(ctx context.Context, msg Message, fields telemetry.Fields, variant string, result analysis.Analysis) (Reply, string, error) {
	asm := o.assemblerFor(variant)
	systemPrompt, err := asm.Assemble(variant, prompt.PhaseResponse, msg.Channel)
	if err != nil {
		return Reply{}, string(errs.KindInternal), err
	}

	var sb strings.Builder
	sb.WriteString("The user's message needs clarification before it can be acted on.\n")
	if result.Understanding.SuggestedReply != "" {
		sb.WriteString("Suggested reply: " + result.Understanding.SuggestedReply + "\n")
	}
	for _, q := range result.Understanding.ClarificationQuestions {
		sb.WriteString("- " + q + "\n")
	}

	messages := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: sb.String()},
	}
	text, _, err := o.llmClient.ChatText(ctx, messages)
	if err != nil {
		return Reply{}, string(errs.KindLLM), errs.LLM(msg.TraceID, msg.Principal, err, nil)
	}
	text = truncateForChannel(text, o.catalog, variant, msg.Channel)

	clarification := store.Memory{
		UserID:          msg.Principal,
		Content:         text,
		Type:            "clarification_turn",
		ThreadID:        msg.ThreadID,
		AIUnderstanding: understandingToMap(result.Understanding),
	}
	if _, err := o.store.StoreMemory(ctx, clarification); err != nil {
		o.logger.Printf("persist clarification turn failed trace_id=%s: %v", msg.TraceID, err)
	}

	o.telemetry.Step(fields, "clarify", 0)
	return Reply{Text: text, Variant: variant, NeededClarification: true}, "", nil
}

func (o *Orchestrator) persistTurn(ctx context.Context, msg Message, userContent, replyText string, result analysis.Analysis) error {
	userTurn := store.Memory{
		UserID:          msg.Principal,
		Content:         userContent,
		Type:            "chat_turn_user",
		ThreadID:        msg.ThreadID,
		AIUnderstanding: understandingToMap(result.Understanding),
	}
	if _, err := o.store.StoreMemory(ctx, userTurn); err != nil {
		return fmt.Errorf("store user turn: %w", err)
	}
	assistantTurn := store.Memory{
		UserID:   msg.Principal,
		Content:  replyText,
		Type:     "chat_turn_assistant",
		ThreadID: msg.ThreadID,
	}
	if _, err := o.store.StoreMemory(ctx, assistantTurn); err != nil {
		return fmt.Errorf("store assistant turn: %w", err)
	}
	if _, err := o.store.IncrementThreadTurn(ctx, msg.ThreadID, msg.Principal); err != nil {
		return fmt.Errorf("increment thread turn: %w", err)
	}
	return nil
}

// maybeSummarize implements §4.1 step 6: if the thread has accumulated
// enough turns since its last summary, issue a plain-text LLM summary call
// and persist it as a thread_summary memory.
func (o *Orchestrator) maybeSummarize(ctx context.Context, msg Message, fields telemetry.Fields) {
	state, ok, err := o.store.GetThreadState(ctx, msg.ThreadID)
	if err != nil || !ok {
		return
	}
	every := o.promptCfg.ThreadSummaryEveryN
	if every <= 0 || state.TurnCount%every != 0 {
		return
	}

	recent, _, err := o.store.SearchMemories(ctx, []string{msg.Principal}, store.SearchQuery{
		Filters: store.Filters{ThreadID: msg.ThreadID},
		Limit:   every * 2,
	})
	if err != nil || len(recent) == 0 {
		return
	}

	var sb strings.Builder
	for _, m := range recent {
		sb.WriteString(m.Type + ": " + m.Content + "\n")
	}

	messages := []llm.Message{
		{Role: "system", Content: "Summarize this conversation thread in a few sentences a family member could skim later."},
		{Role: "user", Content: sb.String()},
	}
	summary, _, err := o.llmClient.ChatText(ctx, messages)
	if err != nil {
		o.logger.Printf("thread summary LLM call failed trace_id=%s: %v", msg.TraceID, err)
		return
	}

	if err := o.store.SetThreadSummary(ctx, msg.ThreadID, summary); err != nil {
		o.logger.Printf("persist thread summary failed trace_id=%s: %v", msg.TraceID, err)
		return
	}
	summaryMemory := store.Memory{
		UserID:   msg.Principal,
		Content:  summary,
		Type:     "thread_summary",
		ThreadID: msg.ThreadID,
	}
	if _, err := o.store.StoreMemory(ctx, summaryMemory); err != nil {
		o.logger.Printf("store thread summary memory failed trace_id=%s: %v", msg.TraceID, err)
	}
	o.telemetry.Step(fields, "summarize.issued", 0)
}

func understandingToMap(u analysis.Understanding) map[string]interface{} {
	return map[string]interface{}{
		"intent":                u.Intent,
		"entities":              u.Entities,
		"need_action":           u.NeedAction,
		"need_clarification":    u.NeedClarification,
		"thinking_depth":        u.ThinkingDepth,
		"needs_deeper_analysis": u.NeedsDeeperAnalysis,
	}
}
