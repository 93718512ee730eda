package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openmrf/mrfingest/internal/ingest"
)

const defaultBatchSize = 500

// Loader writes mapped fragments into Postgres. One Loader serves many
// concurrent files; per-file state lives on FileLoader.
type Loader struct {
	pool       *pgxpool.Pool
	batchSize  int
	maxRetries uint64
	log        *zap.Logger
}

// NewLoader builds a Loader committing every batchSize fragments.
func NewLoader(pool *pgxpool.Pool, batchSize int, log *zap.Logger) *Loader {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Loader{pool: pool, batchSize: batchSize, maxRetries: 3, log: log}
}

// FileLoader accumulates one file's fragments into size-bounded batches.
// Each batch is one transaction: a safe partial-commit point. The file's
// mrf_files row is created up front so every child write can carry its id.
type FileLoader struct {
	l      *Loader
	report *ingest.Report
	fileID int64
	// refIDs maps file-scoped provider group ids to provider_references
	// primary keys, committed batches only.
	refIDs map[int64]int64
	batch  []ingest.Fragment
}

// BeginFile inserts the mrf_files row from the metadata known so far and
// returns a loader for its children. Finalize rewrites the metadata once
// the document has fully streamed.
func (l *Loader) BeginFile(ctx context.Context, rec *ingest.FileRecord, report *ingest.Report) (*FileLoader, error) {
	f := &FileLoader{l: l, report: report, refIDs: make(map[int64]int64)}

	err := l.withRetry(ctx, func() error {
		return l.pool.QueryRow(ctx,
			`INSERT INTO mrf_files
			 (reporting_entity_name, reporting_entity_type, plan_name, plan_id_type,
			  plan_id, plan_market_type, last_updated_on, version, source_url, size_bytes)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
			rec.ReportingEntityName,
			string(rec.ReportingEntityType),
			textPtr(rec.PlanName),
			(*string)(rec.PlanIDType),
			textPtr(rec.PlanID),
			(*string)(rec.PlanMarketType),
			pgtype.Date{Time: rec.LastUpdatedOn, Valid: true},
			rec.Version,
			rec.SourceURL,
			rec.SizeBytes,
		).Scan(&f.fileID)
	})
	if err != nil {
		return nil, fmt.Errorf("insert mrf_files: %w", err)
	}
	report.Wrote("mrf_files", 1)
	return f, nil
}

// FileID returns the generated mrf_files primary key.
func (f *FileLoader) FileID() int64 { return f.fileID }

// Add buffers a fragment, flushing when the batch bound is reached.
func (f *FileLoader) Add(ctx context.Context, frag ingest.Fragment) error {
	f.batch = append(f.batch, frag)
	if len(f.batch) >= f.l.batchSize {
		return f.Flush(ctx)
	}
	return nil
}

// Flush writes the buffered batch in one transaction. Transient storage
// errors retry the batch as a whole; the retry is idempotent because the
// failed attempt rolled back and the parent file id is already known. A
// constraint violation rolls back only the offending fragment's savepoint,
// reports it, and the batch continues.
func (f *FileLoader) Flush(ctx context.Context) error {
	if len(f.batch) == 0 {
		return nil
	}
	err := f.l.withRetry(ctx, func() error { return f.flushOnce(ctx) })
	if err != nil {
		return fmt.Errorf("flush batch: %w", err)
	}
	return nil
}

// flushResult carries one attempt's side effects so a retried attempt
// never double-counts.
type flushResult struct {
	counts  map[string]int64
	issues  []ingest.Issue
	skipped int64
	newRefs map[int64]int64
}

func (f *FileLoader) flushOnce(ctx context.Context) error {
	tx, err := f.l.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	res := &flushResult{counts: make(map[string]int64), newRefs: make(map[int64]int64)}

	for _, frag := range f.batch {
		sp, err := tx.Begin(ctx)
		if err != nil {
			return err
		}
		if err := f.insertFragment(ctx, sp, frag, res); err != nil {
			if isConstraintViolation(err) {
				_ = sp.Rollback(ctx)
				res.issues = append(res.issues, ingest.Issue{
					Kind: ingest.IssuePersistenceConstraint,
					Err:  err.Error(),
				})
				res.skipped++
				continue
			}
			return err
		}
		if err := sp.Commit(ctx); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	for table, n := range res.counts {
		f.report.Wrote(table, n)
	}
	f.report.Issues = append(f.report.Issues, res.issues...)
	f.report.RowsSkipped += res.skipped
	for gid, id := range res.newRefs {
		f.refIDs[gid] = id
	}
	f.batch = f.batch[:0]
	return nil
}

func (f *FileLoader) insertFragment(ctx context.Context, tx pgx.Tx, frag ingest.Fragment, res *flushResult) error {
	switch v := frag.(type) {
	case *ingest.ProviderReferenceFragment:
		return f.insertProviderReference(ctx, tx, v, res)
	case *ingest.InNetworkFragment:
		return f.insertInNetworkRate(ctx, tx, v, res)
	case *ingest.OutOfNetworkFragment:
		return f.insertOutOfNetworkRate(ctx, tx, v, res)
	}
	return fmt.Errorf("unknown fragment type %T", frag)
}

func (f *FileLoader) insertProviderReference(ctx context.Context, tx pgx.Tx, ref *ingest.ProviderReferenceFragment, res *flushResult) error {
	// Payers occasionally repeat a group id; the last registration wins,
	// matching the resolver, so a duplicate keeps its row id and swaps
	// its groups.
	var refID int64
	err := tx.QueryRow(ctx,
		`INSERT INTO provider_references (mrf_file_id, group_id)
		 VALUES ($1, $2)
		 ON CONFLICT (mrf_file_id, group_id)
		 DO UPDATE SET group_id = EXCLUDED.group_id
		 RETURNING id`,
		f.fileID, ref.GroupID,
	).Scan(&refID)
	if err != nil {
		return fmt.Errorf("insert provider_references: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM provider_groups WHERE provider_reference_id = $1`, refID); err != nil {
		return fmt.Errorf("replace provider_groups: %w", err)
	}
	res.counts["provider_references"]++

	b := &pgx.Batch{}
	for _, g := range ref.Groups {
		b.Queue(
			`INSERT INTO provider_groups (provider_reference_id, tin_type, tin_value, npis)
			 VALUES ($1, $2, $3, $4)`,
			refID, string(g.TINType), g.TINValue, g.NPIs,
		)
	}
	if err := sendBatch(ctx, tx, b); err != nil {
		return fmt.Errorf("insert provider_groups: %w", err)
	}
	res.counts["provider_groups"] += int64(len(ref.Groups))
	res.newRefs[ref.GroupID] = refID
	return nil
}

func (f *FileLoader) insertInNetworkRate(ctx context.Context, tx pgx.Tx, rate *ingest.InNetworkFragment, res *flushResult) error {
	var rateID int64
	err := tx.QueryRow(ctx,
		`INSERT INTO in_network_rates
		 (mrf_file_id, negotiation_arrangement, name, billing_code_type,
		  billing_code_type_version, billing_code, description)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		f.fileID, string(rate.Arrangement), rate.Name,
		rate.Code.Type, rate.Code.TypeVersion, rate.Code.Code,
		emptyToNull(rate.Code.Description),
	).Scan(&rateID)
	if err != nil {
		return fmt.Errorf("insert in_network_rates: %w", err)
	}
	res.counts["in_network_rates"]++

	if err := f.insertChildCodes(ctx, tx, "bundled_codes", rateID, rate.BundledCodes, res); err != nil {
		return err
	}
	if err := f.insertChildCodes(ctx, tx, "covered_services", rateID, rate.CoveredServices, res); err != nil {
		return err
	}

	for _, d := range rate.Details {
		var detailID int64
		err := tx.QueryRow(ctx,
			`INSERT INTO negotiated_rate_details (in_network_rate_id)
			 VALUES ($1) RETURNING id`,
			rateID,
		).Scan(&detailID)
		if err != nil {
			return fmt.Errorf("insert negotiated_rate_details: %w", err)
		}
		res.counts["negotiated_rate_details"]++

		b := &pgx.Batch{}
		for _, g := range d.Groups {
			b.Queue(
				`INSERT INTO negotiated_rate_provider_groups
				 (negotiated_rate_detail_id, tin_type, tin_value, npis)
				 VALUES ($1, $2, $3, $4)`,
				detailID, string(g.TINType), g.TINValue, g.NPIs,
			)
		}
		for _, gid := range d.ReferenceIDs {
			refID, ok := f.lookupRef(gid, res)
			if !ok {
				// The referenced entry's own insert was skipped earlier;
				// surfacing this as a constraint problem keeps the batch going.
				return fmt.Errorf("provider reference row for group id %d missing: %w", gid, errRefRowMissing)
			}
			b.Queue(
				`INSERT INTO negotiated_rate_detail_references
				 (negotiated_rate_detail_id, provider_reference_id)
				 VALUES ($1, $2)`,
				detailID, refID,
			)
		}
		for _, p := range d.Prices {
			b.Queue(
				`INSERT INTO negotiated_prices
				 (negotiated_rate_detail_id, negotiated_type, rate, expiration_date,
				  billing_class, service_codes, billing_code_modifiers, additional_information)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				detailID, string(p.Type), numeric(p.Rate),
				pgtype.Date{Time: p.ExpirationDate, Valid: true},
				string(p.BillingClass), p.ServiceCodes, p.Modifiers,
				textPtr(p.AdditionalInfo),
			)
		}
		if err := sendBatch(ctx, tx, b); err != nil {
			return fmt.Errorf("insert detail children: %w", err)
		}
		res.counts["negotiated_rate_provider_groups"] += int64(len(d.Groups))
		res.counts["negotiated_rate_detail_references"] += int64(len(d.ReferenceIDs))
		res.counts["negotiated_prices"] += int64(len(d.Prices))
	}
	return nil
}

func (f *FileLoader) insertChildCodes(ctx context.Context, tx pgx.Tx, table string, rateID int64, codes []ingest.CodeRecord, res *flushResult) error {
	if len(codes) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, c := range codes {
		b.Queue(
			fmt.Sprintf(`INSERT INTO %s
			 (in_network_rate_id, billing_code_type, billing_code_type_version, billing_code, description)
			 VALUES ($1, $2, $3, $4, $5)`, table),
			rateID, c.Type, c.TypeVersion, c.Code, emptyToNull(c.Description),
		)
	}
	if err := sendBatch(ctx, tx, b); err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	res.counts[table] += int64(len(codes))
	return nil
}

func (f *FileLoader) insertOutOfNetworkRate(ctx context.Context, tx pgx.Tx, rate *ingest.OutOfNetworkFragment, res *flushResult) error {
	var rateID int64
	err := tx.QueryRow(ctx,
		`INSERT INTO out_of_network_rates
		 (mrf_file_id, name, billing_code_type, billing_code_type_version, billing_code, description)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		f.fileID, rate.Name, rate.Code.Type, rate.Code.TypeVersion,
		rate.Code.Code, emptyToNull(rate.Code.Description),
	).Scan(&rateID)
	if err != nil {
		return fmt.Errorf("insert out_of_network_rates: %w", err)
	}
	res.counts["out_of_network_rates"]++

	for _, aa := range rate.AllowedAmounts {
		var amountID int64
		err := tx.QueryRow(ctx,
			`INSERT INTO allowed_amounts
			 (out_of_network_rate_id, tin_type, tin_value, service_codes, billing_class)
			 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			rateID, string(aa.TINType), aa.TINValue, aa.ServiceCodes, string(aa.BillingClass),
		).Scan(&amountID)
		if err != nil {
			return fmt.Errorf("insert allowed_amounts: %w", err)
		}
		res.counts["allowed_amounts"]++

		for _, p := range aa.Payments {
			var paymentID int64
			err := tx.QueryRow(ctx,
				`INSERT INTO payments (allowed_amount_id, allowed_amount, billing_code_modifiers)
				 VALUES ($1, $2, $3) RETURNING id`,
				amountID, numeric(p.AllowedAmount), p.Modifiers,
			).Scan(&paymentID)
			if err != nil {
				return fmt.Errorf("insert payments: %w", err)
			}
			res.counts["payments"]++

			b := &pgx.Batch{}
			for _, prov := range p.Providers {
				b.Queue(
					`INSERT INTO payment_providers (payment_id, npis, billed_charge)
					 VALUES ($1, $2, $3)`,
					paymentID, prov.NPIs, numeric(prov.BilledCharge),
				)
			}
			if err := sendBatch(ctx, tx, b); err != nil {
				return fmt.Errorf("insert payment_providers: %w", err)
			}
			res.counts["payment_providers"] += int64(len(p.Providers))
		}
	}
	return nil
}

func (f *FileLoader) lookupRef(gid int64, res *flushResult) (int64, bool) {
	if id, ok := res.newRefs[gid]; ok {
		return id, true
	}
	id, ok := f.refIDs[gid]
	return id, ok
}

// Finalize flushes the tail batch, rewrites the file's metadata now that
// the whole document has streamed, and applies the idempotency policy:
// prior ingestions of the same (entity, plan id, version, last updated)
// key are deleted, cascading away their row trees.
func (f *FileLoader) Finalize(ctx context.Context, rec *ingest.FileRecord) error {
	if err := f.Flush(ctx); err != nil {
		return err
	}

	return f.l.withRetry(ctx, func() error {
		tx, err := f.l.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		_, err = tx.Exec(ctx,
			`UPDATE mrf_files SET
			   reporting_entity_name = $2, reporting_entity_type = $3,
			   plan_name = $4, plan_id_type = $5, plan_id = $6,
			   plan_market_type = $7, last_updated_on = $8, version = $9,
			   size_bytes = $10
			 WHERE id = $1`,
			f.fileID,
			rec.ReportingEntityName,
			string(rec.ReportingEntityType),
			textPtr(rec.PlanName),
			(*string)(rec.PlanIDType),
			textPtr(rec.PlanID),
			(*string)(rec.PlanMarketType),
			pgtype.Date{Time: rec.LastUpdatedOn, Valid: true},
			rec.Version,
			rec.SizeBytes,
		)
		if err != nil {
			return fmt.Errorf("finalize mrf_files: %w", err)
		}

		tag, err := tx.Exec(ctx,
			`DELETE FROM mrf_files
			 WHERE reporting_entity_name = $1
			   AND plan_id IS NOT DISTINCT FROM $2
			   AND version = $3
			   AND last_updated_on = $4
			   AND id <> $5`,
			rec.ReportingEntityName,
			textPtr(rec.PlanID),
			rec.Version,
			pgtype.Date{Time: rec.LastUpdatedOn, Valid: true},
			f.fileID,
		)
		if err != nil {
			return fmt.Errorf("delete superseded files: %w", err)
		}
		if n := tag.RowsAffected(); n > 0 {
			f.l.log.Info("replaced prior ingestion",
				zap.Int64("mrf_file_id", f.fileID), zap.Int64("superseded", n))
		}

		return tx.Commit(ctx)
	})
}

// Abort removes the file's row tree after a fatal error so a failed file
// leaves no partial write behind. Committed batches cascade away with the
// parent row.
func (f *FileLoader) Abort(ctx context.Context) error {
	_, err := f.l.pool.Exec(ctx, `DELETE FROM mrf_files WHERE id = $1`, f.fileID)
	return err
}

// withRetry retries transient storage errors with bounded exponential
// backoff. Constraint violations and context cancellation are permanent.
func (l *Loader) withRetry(ctx context.Context, op func() error) error {
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isConstraintViolation(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		l.log.Warn("transient storage error, retrying batch", zap.Error(err))
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), l.maxRetries), ctx)
	return backoff.Retry(wrapped, policy)
}

var errRefRowMissing = &pgconn.PgError{Code: "23503", Message: "provider reference row missing"}

// isConstraintViolation reports whether err is a schema/data violation
// (SQLSTATE class 22 or 23) rather than a transient storage failure.
func isConstraintViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "23") || strings.HasPrefix(pgErr.Code, "22")
	}
	return false
}

func sendBatch(ctx context.Context, tx pgx.Tx, b *pgx.Batch) error {
	if b.Len() == 0 {
		return nil
	}
	br := tx.SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return err
		}
	}
	return br.Close()
}

// numeric converts an exact decimal into a NUMERIC parameter without a
// float round-trip. Decimal's canonical string form is always a valid
// numeric literal, so a scan failure is a programming error.
func numeric(d decimal.Decimal) pgtype.Numeric {
	var n pgtype.Numeric
	if err := n.Scan(d.String()); err != nil {
		panic(fmt.Sprintf("numeric conversion of %q: %v", d.String(), err))
	}
	return n
}

func textPtr(s *string) pgtype.Text {
	if s == nil || *s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: *s, Valid: true}
}

func emptyToNull(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}
