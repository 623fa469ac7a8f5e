package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"diachron/internal/blame"
	"diachron/internal/embed"
	"diachron/internal/evidence"
	"diachron/internal/ipc"
	"diachron/internal/search"
	"diachron/internal/store"
)

const defaultTimelineLimit = 50

// handleRequest dispatches one envelope to its operation handler.
func (d *Daemon) handleRequest(ctx context.Context, env *ipc.Envelope) *ipc.Envelope {
	log := d.log.With("op", env.Type)

	var resp *ipc.Envelope
	var err error

	switch env.Type {
	case ipc.TagPing:
		resp, err = d.handlePing(ctx)
	case ipc.TagCapture:
		resp, err = d.handleCapture(ctx, env.Payload)
	case ipc.TagTimeline:
		resp, err = d.handleTimeline(ctx, env.Payload)
	case ipc.TagSearch:
		resp, err = d.handleSearch(ctx, env.Payload)
	case ipc.TagBlameByFingerprint:
		resp, err = d.handleBlame(ctx, env.Payload)
	case ipc.TagCorrelateEvidence:
		resp, err = d.handleEvidence(ctx, env.Payload)
	case ipc.TagDoctorInfo:
		resp, err = d.handleDoctor(ctx)
	case ipc.TagIndexConversations:
		resp, err = d.handleIndexConversations(ctx)
	case ipc.TagSummarizeExchanges:
		resp, err = d.handleSummarize(env.Payload)
	case ipc.TagMaintenance:
		resp, err = d.handleMaintenance(ctx, env.Payload)
	case ipc.TagShutdown:
		d.Shutdown()
		resp = &ipc.Envelope{Type: ipc.TagOk}
	default:
		return ipc.ErrorEnvelope(ipc.KindInvalidMessage, fmt.Sprintf("unknown request type %q", env.Type))
	}

	if err != nil {
		log.Warn("request failed", "error", err)
		return errorResponse(err)
	}
	return resp
}

// errorResponse maps internal errors onto protocol error kinds.
func errorResponse(err error) *ipc.Envelope {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ipc.ErrorEnvelope(ipc.KindTimeout, "request timed out")
	case errors.Is(err, store.ErrNotFound):
		return ipc.ErrorEnvelope(ipc.KindNotFound, err.Error())
	case errors.Is(err, embed.ErrUnavailable):
		return ipc.ErrorEnvelope(ipc.KindModelUnavailable, err.Error())
	default:
		var inv *invalidArgError
		if errors.As(err, &inv) {
			return ipc.ErrorEnvelope(ipc.KindInvalidArgument, inv.msg)
		}
		return ipc.ErrorEnvelope(ipc.KindStorageError, err.Error())
	}
}

type invalidArgError struct{ msg string }

func (e *invalidArgError) Error() string { return e.msg }

func invalidArg(format string, args ...any) error {
	return &invalidArgError{msg: fmt.Sprintf(format, args...)}
}

func (d *Daemon) handlePing(ctx context.Context) (*ipc.Envelope, error) {
	count, err := d.store.CountEvents(ctx)
	if err != nil {
		return nil, err
	}
	return ipc.NewEnvelope(ipc.TagPong, ipc.PongPayload{
		UptimeSecs:  int64(time.Since(d.startedAt).Seconds()),
		EventsCount: count,
	})
}

func (d *Daemon) handleCapture(ctx context.Context, payload json.RawMessage) (*ipc.Envelope, error) {
	if err := ipc.ValidateCapture(payload); err != nil {
		return nil, invalidArg("capture: %v", err)
	}
	var p ipc.CapturePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, invalidArg("capture: %v", err)
	}

	in := store.AppendInput{
		Timestamp:    p.Timestamp,
		SessionID:    p.SessionID,
		ToolName:     p.ToolName,
		FilePath:     p.FilePath,
		Operation:    store.Operation(p.Operation),
		DiffSummary:  p.DiffSummary,
		RawInput:     p.RawInput,
		GitCommitSHA: p.GitCommitSHA,
		Content:      p.Content,
		Context:      p.Context,
	}
	if len(p.Metadata) > 0 {
		meta := string(p.Metadata)
		in.Metadata = &meta
	}

	id, err := d.store.AppendEvent(ctx, in)
	if err != nil {
		return nil, err
	}
	return ipc.NewEnvelope(ipc.TagOk, ipc.CaptureAck{EventID: id})
}

func (d *Daemon) handleTimeline(ctx context.Context, payload json.RawMessage) (*ipc.Envelope, error) {
	var p ipc.TimelinePayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, invalidArg("timeline: %v", err)
		}
	}
	if p.Limit < 0 {
		return nil, invalidArg("timeline: limit must be positive")
	}
	if p.Limit == 0 {
		p.Limit = defaultTimelineLimit
	}

	since, err := search.ParseTimeFilter(p.Since, time.Now())
	if err != nil {
		return nil, invalidArg("timeline: %v", err)
	}

	events, err := d.store.Timeline(ctx, store.TimelineFilter{
		Since:      since,
		FileFilter: p.FileFilter,
		Limit:      p.Limit,
	})
	if err != nil {
		return nil, err
	}
	return ipc.NewEnvelope(ipc.TagEvents, events)
}

func (d *Daemon) handleSearch(ctx context.Context, payload json.RawMessage) (*ipc.Envelope, error) {
	var p ipc.SearchPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, invalidArg("search: %v", err)
	}
	if p.Query == "" {
		return nil, invalidArg("search: query is required")
	}
	switch p.SourceFilter {
	case "", "both", "events", "event", "exchanges", "exchange":
	default:
		return nil, invalidArg("search: unknown source filter %q", p.SourceFilter)
	}

	since, err := search.ParseTimeFilter(p.Since, time.Now())
	if err != nil {
		return nil, invalidArg("search: %v", err)
	}

	resp, err := d.engine.Search(ctx, search.Query{
		Text:       p.Query,
		Limit:      p.Limit,
		Source:     p.SourceFilter,
		Since:      since,
		Project:    p.Project,
		FileFilter: p.FileFilter,
	})
	if err != nil {
		return nil, err
	}
	return ipc.NewEnvelope(ipc.TagSearchResults, resp)
}

func (d *Daemon) handleBlame(ctx context.Context, payload json.RawMessage) (*ipc.Envelope, error) {
	if err := ipc.ValidateBlame(payload); err != nil {
		return nil, invalidArg("blame: %v", err)
	}
	var p ipc.BlamePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, invalidArg("blame: %v", err)
	}

	result, err := d.blamer.Resolve(ctx, blame.Request{
		FilePath:      p.FilePath,
		LineNumber:    p.LineNumber,
		Content:       p.Content,
		Context:       p.Context,
		Mode:          blame.Mode(p.Mode),
		TimestampHint: p.TimestampHint,
	})
	if err == blame.ErrNoMatch {
		return &ipc.Envelope{Type: ipc.TagBlameNotFound}, nil
	}
	if err != nil {
		return nil, err
	}
	return ipc.NewEnvelope(ipc.TagBlameResult, result)
}

func (d *Daemon) handleEvidence(ctx context.Context, payload json.RawMessage) (*ipc.Envelope, error) {
	var p ipc.EvidencePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, invalidArg("evidence: %v", err)
	}
	if len(p.Commits) == 0 {
		return nil, invalidArg("evidence: at least one commit is required")
	}

	result, err := d.correlator.Correlate(ctx, evidence.Request{
		PRID:      p.PRID,
		Commits:   p.Commits,
		Branch:    p.Branch,
		StartTime: p.StartTime,
		EndTime:   p.EndTime,
		Intent:    p.Intent,
	})
	if err != nil {
		return nil, err
	}
	return ipc.NewEnvelope(ipc.TagEvidenceResult, result)
}

func (d *Daemon) handleDoctor(ctx context.Context) (*ipc.Envelope, error) {
	eventCount, err := d.store.CountEvents(ctx)
	if err != nil {
		return nil, err
	}
	exchangeCount, err := d.store.CountExchanges(ctx)
	if err != nil {
		return nil, err
	}
	checkpointCount, err := d.store.CountCheckpoints(ctx)
	if err != nil {
		return nil, err
	}
	pendingEvents, _ := d.store.CountPendingEmbeddings(ctx, store.CorpusEvents)
	pendingExchanges, _ := d.store.CountPendingEmbeddings(ctx, store.CorpusExchanges)
	schemaVersion, _ := d.store.SchemaVersion(ctx)

	verify, err := d.store.VerifyChain(ctx, false)
	if err != nil {
		return nil, err
	}

	doc := ipc.DoctorPayload{
		Version:           Version,
		PID:               os.Getpid(),
		UptimeSeconds:     int64(time.Since(d.startedAt).Seconds()),
		EventCount:        eventCount,
		ExchangeCount:     exchangeCount,
		CheckpointCount:   checkpointCount,
		PendingEmbeddings: pendingEvents + pendingExchanges,
		DBSizeBytes:       d.store.DBSizeBytes(),
		RSSBytes:          processRSS(),
		ModelState:        string(d.embedder.State()),
		ChainValid:        verify.Valid,
		EventsChecked:     verify.EventsChecked,
		SchemaVersion:     schemaVersion,
		SocketPath:        d.cfg.IPC.SocketPath,
		DBPath:            d.cfg.Storage.Path,
	}
	return ipc.NewEnvelope(ipc.TagDoctor, doc)
}

func (d *Daemon) handleIndexConversations(ctx context.Context) (*ipc.Envelope, error) {
	stats, err := d.indexer.Run(ctx)
	if err != nil {
		return nil, err
	}
	return ipc.NewEnvelope(ipc.TagIndexStats, stats)
}

// handleSummarize is the typed stub for exchange summarization: the
// daemon carries the protocol surface, but no local summarizer model
// is wired yet.
func (d *Daemon) handleSummarize(payload json.RawMessage) (*ipc.Envelope, error) {
	var p ipc.SummarizePayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, invalidArg("summarize: %v", err)
		}
	}
	return ipc.ErrorEnvelope(ipc.KindModelUnavailable, "no summarization model configured"), nil
}

func (d *Daemon) handleMaintenance(ctx context.Context, payload json.RawMessage) (*ipc.Envelope, error) {
	var p ipc.MaintenancePayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, invalidArg("maintenance: %v", err)
		}
	}
	if p.RetentionDays < 0 {
		return nil, invalidArg("maintenance: retention_days must not be negative")
	}

	stats, err := d.store.RunMaintenance(ctx, p.RetentionDays)
	if err != nil {
		return nil, err
	}

	// Pruning invalidates indexed vectors; rebuild both graphs.
	if stats.EventsPruned > 0 || stats.ExchangesPruned > 0 {
		for _, corpus := range []store.Corpus{store.CorpusEvents, store.CorpusExchanges} {
			if _, err := d.index.Rebuild(ctx, d.store, corpus); err != nil {
				d.log.Warn("index rebuild after prune failed", "corpus", string(corpus), "error", err)
			}
		}
	}
	return ipc.NewEnvelope(ipc.TagMaintenanceStats, stats)
}
