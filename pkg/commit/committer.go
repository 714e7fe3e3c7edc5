// Package commit hosts the single-writer committer and its safety-net
// drainer. The committer is the only component that turns approved reviews
// into UI mutation bundles; everything upstream of it only proposes.
package commit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/spindlework/graphloom/pkg/config"
	"github.com/spindlework/graphloom/pkg/eventlog"
	"github.com/spindlework/graphloom/pkg/models"
	"github.com/spindlework/graphloom/pkg/pending"
	"github.com/spindlework/graphloom/pkg/queue"
	"github.com/spindlework/graphloom/pkg/scheduler"
	"github.com/spindlework/graphloom/pkg/store"
	"github.com/spindlework/graphloom/pkg/telemetry"
)

// Instrumentation receives committer lifecycle signals. Implemented by
// pkg/metrics; nil disables it.
type Instrumentation interface {
	ObserveCommitTick(d time.Duration)
	PatchApplied()
	PatchRejected(reason string)
}

// Continuation is the auto-chain payload handed to the continuation hook
// after a read response or an agentic batch. The hook owns the LLM call;
// the committer only fires and forgets.
type Continuation struct {
	CID        string
	ThreadID   string
	APIKey     string
	APIConfig  map[string]any
	ReadResult any
	GraphState any
	Iteration  int
}

// ContinueFunc is invoked asynchronously for every continuation. It must
// not block the caller longer than its own timeouts.
type ContinueFunc func(Continuation)

// Committer is the single-writer loop. Each tick pulls a coalescing window
// of reviews, groups them by graph, and emits at most one mutation bundle
// per graph, idempotent on patch id.
type Committer struct {
	cfg      config.CommitterConfig
	queues   *queue.Manager
	pendings *pending.Store
	stores   *store.Holder
	events   *eventlog.Log
	tel      *telemetry.Ring
	logger   *slog.Logger

	merge      MergeChecker
	idem       *Idempotency
	locks      graphLocks
	instr      Instrumentation
	onContinue ContinueFunc

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	tickMu sync.Mutex
}

// New creates a stopped committer sharing the given idempotency set with
// the drainer. The default merge checker compares graph content hashes.
func New(cfg config.CommitterConfig, queues *queue.Manager, pendings *pending.Store, stores *store.Holder, events *eventlog.Log, tel *telemetry.Ring, idem *Idempotency, logger *slog.Logger) *Committer {
	if logger == nil {
		logger = slog.Default()
	}
	if idem == nil {
		idem = NewIdempotency(cfg.IdempotencySize)
	}
	return &Committer{
		cfg:      cfg,
		queues:   queues,
		pendings: pendings,
		stores:   stores,
		events:   events,
		tel:      tel,
		logger:   logger.With("component", "committer"),
		merge:    NewHashMergeChecker(stores),
		idem:     idem,
	}
}

// SetMergeChecker replaces the merge policy. Must be called before Start.
func (c *Committer) SetMergeChecker(m MergeChecker) {
	if m != nil {
		c.merge = m
	}
}

// SetInstrumentation wires metric counters. Must be called before Start.
func (c *Committer) SetInstrumentation(instr Instrumentation) {
	c.instr = instr
}

// SetContinueFunc wires the auto-chain hook. Must be called before Start.
func (c *Committer) SetContinueFunc(fn ContinueFunc) {
	c.onContinue = fn
}

// Idempotency exposes the shared applied-patch-id set.
func (c *Committer) Idempotency() *Idempotency {
	return c.idem
}

// Start launches the commit loop. Starting a running committer is a no-op.
func (c *Committer) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	stop := make(chan struct{})
	done := make(chan struct{})
	c.stop, c.done = stop, done
	c.mu.Unlock()

	go c.run(stop, done)
	c.logger.Info("Committer started", "cadence", c.cfg.Cadence(), "window", c.cfg.Window())
}

// Stop halts the commit loop. The in-flight tick drains before Stop
// returns. Safe to call repeatedly.
func (c *Committer) Stop() {
	c.mu.Lock()
	stop, done, running := c.stop, c.done, c.running
	c.running = false
	c.mu.Unlock()

	if !running {
		if done != nil {
			<-done
		}
		return
	}
	close(stop)
	<-done
	c.logger.Info("Committer stopped")
}

// Running reports whether the loop is active.
func (c *Committer) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Committer) run(stop, done chan struct{}) {
	defer close(done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	ticker := time.NewTicker(c.cfg.Cadence())
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick runs one commit pass. Exported so tests and the test HTTP surface
// can drive the loop deterministically. Ticks never overlap; a tick that
// arrives while the previous one still runs is skipped. Panics are
// contained: recovery is "try again next tick".
func (c *Committer) Tick(ctx context.Context) {
	if !c.tickMu.TryLock() {
		return
	}
	defer c.tickMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Commit tick panicked", "panic", r)
		}
	}()

	started := time.Now()
	// Pulled without a filter on purpose: reviewStatus is inspected in
	// consume, because some producers strip the field in transit and the
	// loop must stay robust against that.
	items := c.queues.PullBatch(ctx, queue.ReviewQueue, queue.BatchOptions{
		Window: c.cfg.Window(),
		Max:    c.cfg.MaxBatch,
	})
	if len(items) == 0 {
		return
	}

	type consumed struct {
		leaseID string
		review  models.Review
	}
	groups := make(map[string][]consumed)
	var order []string
	for _, it := range items {
		review, err := queue.PayloadAs[models.Review](it.Payload)
		if err != nil {
			c.logger.Warn("Dropping malformed review", "item_id", it.ID, "error", err)
			c.queues.Ack(queue.ReviewQueue, it.LeaseID)
			continue
		}
		key := review.GraphID
		if key == "" {
			if patches := review.AllPatches(); len(patches) > 0 {
				key = patches[0].GraphID
			}
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], consumed{leaseID: it.LeaseID, review: review})
	}

	for _, graphID := range order {
		group := groups[graphID]
		if !c.locks.tryLock(graphID) {
			// Another tick is mid-commit for this graph. Requeue and retry
			// next tick.
			for _, cs := range group {
				c.queues.Nack(queue.ReviewQueue, cs.leaseID, true)
			}
			continue
		}
		reviews := make([]models.Review, 0, len(group))
		leases := make([]string, 0, len(group))
		for _, cs := range group {
			reviews = append(reviews, cs.review)
			leases = append(leases, cs.leaseID)
		}
		c.commitGroup(graphID, reviews)
		for _, leaseID := range leases {
			c.queues.Ack(queue.ReviewQueue, leaseID)
		}
		c.locks.unlock(graphID)
	}

	if c.instr != nil {
		c.instr.ObserveCommitTick(time.Since(started))
	}
}

// commitGroup applies one graph's reviews: merge-check, coalesce, resolve
// placeholders, split reads from mutations, emit, and record idempotence.
// All consumed leases are acked by the caller whatever the outcome, so a
// bad batch can never cause a redelivery storm.
func (c *Committer) commitGroup(graphID string, reviews []models.Review) {
	var patches []*models.Patch
	for _, review := range reviews {
		if !review.Approved() {
			c.rejectReview(graphID, review)
			continue
		}
		for _, p := range review.AllPatches() {
			if p == nil {
				continue
			}
			if c.idem.Seen(p.PatchID) {
				c.logger.Debug("Skipping already-applied patch", "patch_id", p.PatchID)
				continue
			}
			patches = append(patches, p)
		}
	}
	if len(patches) == 0 {
		return
	}

	cid := groupCID(patches)
	threads := distinctThreads(patches)

	for _, p := range patches {
		if p.BaseHash == "" {
			continue
		}
		if !c.merge.CanMerge(p, graphID) {
			c.rejectGroup(graphID, patches, "conflict", cid)
			return
		}
	}

	ops := coalesceOps(patches)
	ops, created, err := resolvePlaceholders(ops)
	if err != nil {
		c.logger.Error("Placeholder resolution failed", "graph_id", graphID, "error", err)
		c.rejectGroup(graphID, patches, err.Error(), cid)
		return
	}

	var readOps, mutationOps []models.Op
	for _, op := range ops {
		if op.IsRead() {
			readOps = append(readOps, op)
		} else {
			mutationOps = append(mutationOps, op)
		}
	}

	for _, op := range readOps {
		c.deliverRead(op, threads, cid)
	}
	if meta := continuationMeta(patches); meta != nil {
		for _, op := range readOps {
			c.fireContinuation(*meta, cid, op.Data, false)
		}
	}

	if len(mutationOps) > 0 {
		actions := []models.PendingAction{models.NewApplyMutations(mutationOps, cid)}
		for _, id := range created {
			actions = append(actions, models.NewOpenGraph(id, cid))
		}
		bundle := c.pendings.EnqueueBundle(actions, cid)
		c.events.Append(eventlog.TypePendingActionsEnqueued, map[string]any{
			"graphId": graphID,
			"count":   len(bundle),
			"ops":     len(mutationOps),
			"cid":     cid,
		})
		c.completeMutations(graphID, mutationOps, created, patches, cid)
	}

	opsCount := 0
	for _, p := range patches {
		opsCount += len(p.Ops)
		c.idem.Mark(p.PatchID)
		if c.instr != nil {
			c.instr.PatchApplied()
		}
	}
	c.events.Append(eventlog.TypePatchApplied, map[string]any{
		"graphId":  graphID,
		"opsCount": opsCount,
		"patchIds": patchIDs(patches),
		"cid":      cid,
	})
}

// completeMutations posts the completion chat, tool-completion telemetry,
// and decides the agentic follow-up for an emitted bundle.
func (c *Committer) completeMutations(graphID string, ops []models.Op, created []string, patches []*models.Patch, cid string) {
	nodes, edges, graphs := 0, 0, 0
	for _, op := range ops {
		switch op.Type {
		case models.OpAddNodeInstance:
			nodes++
		case models.OpAddEdge:
			edges++
		case models.OpCreateNewGraph:
			graphs++
		}
	}

	c.postChat(completionText(ops, nodes, edges, graphs), cid)
	if tool := completionTool(nodes, edges, graphs); tool != "" {
		c.tel.Record(telemetry.TypeToolCall, cid, map[string]any{
			"name":    tool,
			"status":  telemetry.StatusCompleted,
			"graphId": graphID,
			"nodes":   nodes,
			"edges":   edges,
		})
	}

	meta := continuationMeta(patches)
	agentic := nodes >= 3
	for _, p := range patches {
		if p.MetaBool("agenticLoop") {
			agentic = true
		}
	}
	if agentic && meta != nil {
		c.fireContinuation(*meta, cid, nil, true)
		return
	}
	c.postChat("Done!", cid)
}

// deliverRead posts a natural-language digest of one read result to every
// thread in the batch. Read results never reach the UI as mutations.
func (c *Committer) deliverRead(op models.Op, threads []string, cid string) {
	digest := readDigest(op.ToolName, op.Data)
	if len(threads) == 0 {
		c.postChat(digest, cid)
		return
	}
	for range threads {
		c.postChat(digest, cid)
	}
}

// fireContinuation invokes the auto-chain hook asynchronously. withState
// attaches the current projected-store summary for agentic batches.
func (c *Committer) fireContinuation(meta continuation, cid string, readResult any, withState bool) {
	if c.onContinue == nil {
		return
	}
	cont := Continuation{
		CID:        cid,
		ThreadID:   meta.threadID,
		APIKey:     meta.apiKey,
		APIConfig:  meta.apiConfig,
		ReadResult: readResult,
		Iteration:  meta.iteration + 1,
	}
	if withState {
		snap, has := c.stores.Snapshot()
		cont.GraphState = scheduler.VerifyState(snap, has)
	}
	fn := c.onContinue
	go fn(cont)
}

// rejectReview settles one rejected review with an event and telemetry.
func (c *Committer) rejectReview(graphID string, review models.Review) {
	fields := map[string]any{
		"graphId": graphID,
		"reason":  "rejected",
	}
	if len(review.Reasons) > 0 {
		fields["reasons"] = review.Reasons
	}
	if patches := review.AllPatches(); len(patches) > 0 {
		fields["patchIds"] = patchIDs(patches)
	}
	c.events.Append(eventlog.TypePatchRejected, fields)
	if c.instr != nil {
		c.instr.PatchRejected("rejected")
	}
}

// rejectGroup rejects every unseen patch of a graph group with one reason.
// No partial application: either the whole coalesced batch emits, or none
// of it does.
func (c *Committer) rejectGroup(graphID string, patches []*models.Patch, reason, cid string) {
	c.events.Append(eventlog.TypePatchRejected, map[string]any{
		"graphId":  graphID,
		"reason":   reason,
		"patchIds": patchIDs(patches),
		"cid":      cid,
	})
	c.tel.Record(telemetry.TypeActionFeedback, cid, map[string]any{
		"status":  "rejected",
		"graphId": graphID,
		"error":   reason,
	})
	if c.instr != nil {
		c.instr.PatchRejected(reason)
	}
}

func (c *Committer) postChat(text, cid string) {
	if text == "" {
		return
	}
	c.tel.RecordChat("agent", text, cid)
	c.events.Append(eventlog.TypeChat, map[string]any{
		"role": "agent",
		"text": text,
		"cid":  cid,
	})
}

// coalesceOps concatenates patch ops in submission order, keeping only the
// last update* op per target entity (last-writer-wins).
func coalesceOps(patches []*models.Patch) []models.Op {
	var all []models.Op
	for _, p := range patches {
		all = append(all, p.Ops...)
	}

	lastUpdate := make(map[string]int)
	for i, op := range all {
		if op.IsUpdate() {
			lastUpdate[op.Type+"\x00"+op.UpdateTargetID()] = i
		}
	}
	out := all[:0]
	for i, op := range all {
		if op.IsUpdate() {
			if lastUpdate[op.Type+"\x00"+op.UpdateTargetID()] != i {
				continue
			}
		}
		out = append(out, op)
	}
	return out
}

// resolvePlaceholders replaces NEW_GRAPH:<name> graph ids with the real
// ids provided by createNewGraph ops in the same batch. It returns the
// rewritten ops and the list of created graph ids. An unresolved
// placeholder fails the whole batch.
func resolvePlaceholders(ops []models.Op) ([]models.Op, []string, error) {
	resolved := make(map[string]string)
	var created []string
	for _, op := range ops {
		if id := op.CreatedGraphID(); id != "" {
			if name := op.CreatedGraphName(); name != "" {
				resolved[models.NewGraphPlaceholderPrefix+name] = id
			}
			created = append(created, id)
		}
	}

	out := make([]models.Op, len(ops))
	for i, op := range ops {
		if op.HasPlaceholderGraph() {
			real, ok := resolved[op.GraphID]
			if !ok {
				return nil, nil, fmt.Errorf("unresolved graph placeholder %q", op.GraphID)
			}
			op.GraphID = real
		}
		out[i] = op
	}
	return out, created, nil
}

// continuation is the merged continuation metadata of a patch group.
type continuation struct {
	apiKey    string
	apiConfig map[string]any
	threadID  string
	iteration int
}

// continuationMeta extracts the first API key (and its companions) found
// in the group's patch meta. Without a key there is no continuation.
func continuationMeta(patches []*models.Patch) *continuation {
	for _, p := range patches {
		key := p.MetaString("apiKey")
		if key == "" {
			continue
		}
		meta := &continuation{apiKey: key, threadID: p.ThreadID}
		if cfg, ok := p.Meta["apiConfig"].(map[string]any); ok {
			meta.apiConfig = cfg
		}
		switch v := p.Meta["iteration"].(type) {
		case float64:
			meta.iteration = int(v)
		case int:
			meta.iteration = v
		}
		return meta
	}
	return nil
}

func groupCID(patches []*models.Patch) string {
	for _, p := range patches {
		if p.CID != "" {
			return p.CID
		}
	}
	return ""
}

func distinctThreads(patches []*models.Patch) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range patches {
		if p.ThreadID == "" {
			continue
		}
		if _, dup := seen[p.ThreadID]; dup {
			continue
		}
		seen[p.ThreadID] = struct{}{}
		out = append(out, p.ThreadID)
	}
	return out
}

func patchIDs(patches []*models.Patch) []string {
	out := make([]string, 0, len(patches))
	for _, p := range patches {
		out = append(out, p.PatchID)
	}
	return out
}

// completionText summarizes an applied bundle for the chat transcript.
func completionText(ops []models.Op, nodes, edges, graphs int) string {
	var parts []string
	if graphs > 0 {
		parts = append(parts, fmt.Sprintf("created %d graph(s)", graphs))
	}
	if nodes > 0 {
		parts = append(parts, fmt.Sprintf("placed %d node(s)", nodes))
	}
	if edges > 0 {
		parts = append(parts, fmt.Sprintf("connected %d edge(s)", edges))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("Applied %d change(s).", len(ops))
	}
	return "Applied: " + strings.Join(parts, ", ") + "."
}

// completionTool maps the op-tag mix of a bundle to the tool-completion
// telemetry name.
func completionTool(nodes, edges, graphs int) string {
	switch {
	case graphs > 0 && nodes > 0:
		return "create_populated_graph"
	case nodes > 0 && edges > 0:
		return "create_subgraph"
	case edges > 0:
		return "define_connections"
	case graphs > 0:
		return "create_graph"
	}
	return ""
}

// readDigest renders one read result as a short chat line.
func readDigest(toolName string, data any) string {
	m, _ := data.(map[string]any)
	switch toolName {
	case models.ToolReadGraphStructure:
		if m != nil {
			return fmt.Sprintf("Graph %q has %v node(s) and %v edge(s).",
				str(m["graphName"]), num(m["nodeCount"]), num(m["edgeCount"]))
		}
	case models.ToolGetGraphInstances:
		if m != nil {
			return fmt.Sprintf("Graph %q contains %v instance(s).",
				str(m["graphName"]), num(m["count"]))
		}
	case models.ToolListAvailableGraphs:
		if m != nil {
			return fmt.Sprintf("There are %v graph(s) available.", num(m["count"]))
		}
	case models.ToolVerifyState:
		if m != nil {
			return fmt.Sprintf("Current state: %v graph(s), %v prototype(s).",
				num(m["graphCount"]), num(m["prototypeCount"]))
		}
	case models.ToolIdentifyPatterns:
		if m != nil {
			if patterns, ok := m["patterns"].([]string); ok && len(patterns) > 0 {
				return "Patterns: " + strings.Join(patterns, "; ") + "."
			}
			if patterns, ok := m["patterns"].([]any); ok && len(patterns) > 0 {
				parts := make([]string, 0, len(patterns))
				for _, p := range patterns {
					parts = append(parts, str(p))
				}
				return "Patterns: " + strings.Join(parts, "; ") + "."
			}
		}
	case models.ToolSearchNodes:
		if m != nil {
			return fmt.Sprintf("Search %q returned %v result(s).", str(m["query"]), num(m["count"]))
		}
	}
	return fmt.Sprintf("Finished %s.", toolName)
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) any {
	if v == nil {
		return 0
	}
	return v
}
