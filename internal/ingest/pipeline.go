package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openmrf/mrfingest/internal/fetch"
	"github.com/openmrf/mrfingest/internal/mrf"
)

// FragmentSink receives one file's fragments in stream order. Implemented
// by the storage layer's per-file loader.
type FragmentSink interface {
	Add(ctx context.Context, frag Fragment) error
	Finalize(ctx context.Context, rec *FileRecord) error
	Abort(ctx context.Context) error
}

// BeginFunc opens a sink for one file. rec carries the metadata known when
// the first fragment arrives; Finalize later rewrites it from the complete
// document.
type BeginFunc func(ctx context.Context, rec *FileRecord, report *Report) (FragmentSink, error)

// Config bounds the pipeline's buffers and concurrency.
type Config struct {
	// Strict fails a file on the first malformed array element instead of
	// skipping it.
	Strict bool
	// EventBuffer is the scanner-to-mapper channel capacity.
	EventBuffer int
	// FragmentBuffer is the mapper-to-loader channel capacity.
	FragmentBuffer int
	// Concurrency is how many files ingest at once.
	Concurrency int
}

func (c *Config) applyDefaults() {
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
	if c.FragmentBuffer <= 0 {
		c.FragmentBuffer = 64
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
}

// Pipeline runs the fetch, parse, map, and load stages per file, each in
// its own goroutine joined by bounded channels. A slow loader therefore
// backpressures the scanner, keeping memory flat regardless of file size.
type Pipeline struct {
	fetcher *fetch.Fetcher
	begin   BeginFunc
	cfg     Config
	log     *zap.Logger
}

// NewPipeline wires the stages together.
func NewPipeline(fetcher *fetch.Fetcher, begin BeginFunc, cfg Config, log *zap.Logger) *Pipeline {
	cfg.applyDefaults()
	return &Pipeline{fetcher: fetcher, begin: begin, cfg: cfg, log: log}
}

// Run ingests every target, at most Concurrency files in flight. One
// file's failure never stops its siblings; the returned reports are in
// target order.
func (p *Pipeline) Run(ctx context.Context, targets []string) []*Report {
	reports := make([]*Report, len(targets))
	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			reports[i] = p.IngestFile(ctx, target)
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

// stageError pins a failure to the pipeline stage that produced it.
type stageError struct {
	stage State
	err   error
}

func (e *stageError) Error() string { return fmt.Sprintf("%s: %v", e.stage, e.err) }
func (e *stageError) Unwrap() error { return e.err }

// loadMsg is one mapper-to-loader message. Exactly one field is set:
// provisional metadata snapshots precede the first fragment, the final
// record closes the file.
type loadMsg struct {
	provisional *FileRecord
	frag        Fragment
	final       *FileRecord
}

// IngestFile runs one file through the whole pipeline and returns its
// report. The report is always non-nil; a failed file reports its failing
// stage and leaves no rows behind.
func (p *Pipeline) IngestFile(ctx context.Context, target string) *Report {
	report := NewReport(target)
	log := p.log.With(zap.String("url", target))
	started := time.Now()

	src, err := p.fetcher.Open(ctx, target)
	if err != nil {
		report.Fail(StateFetching, err)
		log.Error("fetch failed", zap.Error(err))
		return report
	}
	defer src.Body.Close()
	report.State = StateParsing
	log.Info("streaming", zap.Int64("size_bytes", src.Size))

	mapReport := NewReport(target)
	loadReport := NewReport(target)

	events := make(chan mrf.Event, p.cfg.EventBuffer)
	frags := make(chan loadMsg, p.cfg.FragmentBuffer)

	// The sink is created inside the loader goroutine but aborted from the
	// coordinator after a failure, once every goroutine has exited.
	var sink FragmentSink

	g, gctx := errgroup.WithContext(ctx)

	scanner := mrf.NewScanner(src.Body, p.cfg.Strict)
	g.Go(func() error {
		err := scanner.Scan(func(ev mrf.Event) error {
			select {
			case events <- ev:
				return nil
			case <-gctx.Done():
				return mrf.ErrStopped
			}
		})
		if err != nil {
			if errors.Is(err, mrf.ErrStopped) {
				return gctx.Err()
			}
			var te *fetch.TransportError
			if errors.As(err, &te) {
				return &stageError{stage: StateFetching, err: err}
			}
			return &stageError{stage: StateParsing, err: err}
		}
		close(events)
		return nil
	})

	g.Go(func() error {
		return p.runMapper(gctx, target, src.Size, events, frags, mapReport)
	})

	g.Go(func() error {
		s, err := p.runLoader(gctx, frags, loadReport)
		sink = s
		if err != nil {
			return &stageError{stage: StateLoading, err: err}
		}
		return nil
	})

	err = g.Wait()
	report.Merge(mapReport)
	report.Merge(loadReport)

	if err != nil {
		stage := StateParsing
		var se *stageError
		if errors.As(err, &se) {
			stage = se.stage
		}
		report.Fail(stage, err)
		if sink != nil {
			// The run context may already be cancelled; removing the
			// partial row tree gets its own deadline.
			abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
			defer cancel()
			if aerr := sink.Abort(abortCtx); aerr != nil {
				log.Error("abort failed, partial rows may remain", zap.Error(aerr))
			}
		}
		log.Error("ingestion failed",
			zap.String("stage", string(stage)), zap.Error(err))
		return report
	}

	report.State = StateCompleted
	log.Info("ingestion completed",
		zap.Int64("rows", report.TotalRows()),
		zap.Int64("skipped", report.RowsSkipped),
		zap.Int("issues", len(report.Issues)),
		zap.Duration("elapsed", time.Since(started)))
	return report
}

// runMapper owns the resolver: registrations, deferrals, and their release
// callbacks all run on this goroutine, so fragment order on the output
// channel is deterministic.
func (p *Pipeline) runMapper(ctx context.Context, target string, size int64, events <-chan mrf.Event, frags chan<- loadMsg, report *Report) error {
	res := mrf.NewResolver()
	m := NewMapper(res, report)

	var meta mrf.FileMetadata
	var sendErr error
	sentProvisional := false

	send := func(msg loadMsg) {
		if sendErr != nil {
			return
		}
		select {
		case frags <- msg:
		case <-ctx.Done():
			sendErr = ctx.Err()
		}
	}
	sendFrag := func(frag Fragment) {
		if !sentProvisional {
			sentProvisional = true
			send(loadMsg{provisional: provisionalRecord(meta, target, size)})
		}
		send(loadMsg{frag: frag})
	}

	for {
		var ev mrf.Event
		var ok bool
		select {
		case ev, ok = <-events:
		case <-ctx.Done():
			return ctx.Err()
		}
		if !ok {
			break
		}
		if sendErr != nil {
			return sendErr
		}

		switch ev.Kind {
		case mrf.KindMetadata:
			meta = ev.Metadata

		case mrf.KindProviderReference:
			frag, err := m.MapProviderReference(ev.ProviderReference)
			if err != nil {
				report.Record(IssueRecord, fmt.Sprintf("provider_references[%d]", ev.Index), err)
				continue
			}
			sendFrag(frag)
			// Registration after the fragment is on the wire, so released
			// citations always trail their reference row.
			res.Register(ev.ProviderReference.ProviderGroupID, ev.ProviderReference.ProviderGroups)

		case mrf.KindInNetwork:
			frag, missing, err := m.MapInNetwork(ev.InNetwork)
			if err != nil {
				report.Record(IssueRecord, fmt.Sprintf("in_network[%d]", ev.Index), err)
				continue
			}
			if len(missing) == 0 {
				sendFrag(frag)
				continue
			}
			res.Defer(missing,
				func() { sendFrag(frag) },
				func([]int64) {
					m.StripUnresolved(frag)
					sendFrag(frag)
				})

		case mrf.KindOutOfNetwork:
			frag, err := m.MapOutOfNetwork(ev.OutOfNetwork)
			if err != nil {
				report.Record(IssueRecord, fmt.Sprintf("out_of_network[%d]", ev.Index), err)
				continue
			}
			sendFrag(frag)

		case mrf.KindElementError:
			report.Record(IssueRecord, fmt.Sprintf("element[%d]", ev.Index), ev.Err)
		}
	}

	// Forward-cited ids that never registered fail their holders now, in
	// arrival order.
	res.Finalize()
	if sendErr != nil {
		return sendErr
	}

	final, err := m.MapFileMetadata(meta, target, size)
	if err != nil {
		return &stageError{stage: StateParsing, err: &mrf.StructuralError{Cause: err}}
	}
	send(loadMsg{final: final})
	if sendErr != nil {
		return sendErr
	}
	close(frags)
	return nil
}

// runLoader drains the fragment channel into the sink. The file row is
// created lazily on the first fragment so a file that fails during fetch
// or early parse never touches storage.
func (p *Pipeline) runLoader(ctx context.Context, frags <-chan loadMsg, report *Report) (FragmentSink, error) {
	var sink FragmentSink
	var provisional *FileRecord

	ensure := func(rec *FileRecord) error {
		if sink != nil {
			return nil
		}
		s, err := p.begin(ctx, rec, report)
		if err != nil {
			return err
		}
		sink = s
		return nil
	}

	for {
		var msg loadMsg
		var ok bool
		select {
		case msg, ok = <-frags:
		case <-ctx.Done():
			return sink, ctx.Err()
		}
		if !ok {
			return sink, nil
		}

		switch {
		case msg.provisional != nil:
			provisional = msg.provisional

		case msg.frag != nil:
			if provisional == nil {
				provisional = &FileRecord{}
			}
			if err := ensure(provisional); err != nil {
				return sink, err
			}
			if err := sink.Add(ctx, msg.frag); err != nil {
				return sink, err
			}

		case msg.final != nil:
			// Metadata-only documents still produce their mrf_files row.
			if err := ensure(msg.final); err != nil {
				return sink, err
			}
			if err := sink.Finalize(ctx, msg.final); err != nil {
				return sink, err
			}
		}
	}
}

// provisionalDate marks a file row whose last_updated_on has not streamed
// past yet; Finalize replaces it.
var provisionalDate = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

// provisionalRecord builds the best-effort metadata available when the
// first fragment arrives. Top-level keys may appear in any order, so the
// scalars can trail the arrays; whatever is still unknown gets a
// placeholder and Finalize rewrites the row from the complete document.
func provisionalRecord(meta mrf.FileMetadata, target string, size int64) *FileRecord {
	rec := &FileRecord{
		ReportingEntityName: meta.ReportingEntityName,
		ReportingEntityType: mrf.EntityOther,
		PlanName:            meta.PlanName,
		PlanID:              meta.PlanID,
		LastUpdatedOn:       provisionalDate,
		Version:             meta.Version,
		SourceURL:           target,
		SizeBytes:           size,
	}
	if t, err := mrf.ParseReportingEntityType(meta.ReportingEntityType); err == nil {
		rec.ReportingEntityType = t
	}
	if meta.LastUpdatedOn != "" {
		if d, err := time.Parse(dateLayout, meta.LastUpdatedOn); err == nil {
			rec.LastUpdatedOn = d
		}
	}
	if meta.PlanIDType != nil {
		if t, err := mrf.ParsePlanIDType(*meta.PlanIDType); err == nil {
			rec.PlanIDType = &t
		}
	}
	if meta.PlanMarketType != nil {
		if t, err := mrf.ParseMarketType(*meta.PlanMarketType); err == nil {
			rec.PlanMarketType = &t
		}
	}
	return rec
}
