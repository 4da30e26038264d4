package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CaravanStudios/open-product-recovery-sub000/internal/chain"
	"github.com/CaravanStudios/open-product-recovery-sub000/internal/models"
)

// PostgresStorage implements Storage on a pgx connection pool.
// READWRITE transactions run serializable, READONLY run read committed.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage wraps an existing pool.
func NewPostgresStorage(pool *pgxpool.Pool) *PostgresStorage {
	return &PostgresStorage{pool: pool}
}

func (s *PostgresStorage) Transaction(ctx context.Context, mode TransactionMode) (Transaction, error) {
	opts := pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadOnly}
	if mode == ReadWrite {
		opts = pgx.TxOptions{IsoLevel: pgx.Serializable, AccessMode: pgx.ReadWrite}
	}
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &postgresTx{tx: tx}, nil
}

// TryLockProducer claims the producer row for ownerToken. The update is
// a single conditional statement so two concurrent runs cannot both win.
func (s *PostgresStorage) TryLockProducer(ctx context.Context, hostOrgURL, producerID, ownerToken string) (*models.ProducerMetadata, bool, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO producer_metadata (host_org_url, producer_id, lock_owner, next_run_timestamp_utc)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (host_org_url, producer_id) DO UPDATE SET lock_owner = $3
		WHERE producer_metadata.lock_owner IS NULL OR producer_metadata.lock_owner = $3
		RETURNING last_update_time_utc, next_run_timestamp_utc`,
		hostOrgURL, producerID, ownerToken)

	meta := models.ProducerMetadata{ProducerID: producerID}
	err := row.Scan(&meta.LastUpdateTimeUTC, &meta.NextRunTimestampUTC)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to lock producer %s: %w", producerID, err)
	}
	return &meta, true, nil
}

func (s *PostgresStorage) UnlockProducer(ctx context.Context, hostOrgURL, producerID, ownerToken string, metadata *models.ProducerMetadata) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE producer_metadata
		SET last_update_time_utc = $4, next_run_timestamp_utc = $5, lock_owner = NULL
		WHERE host_org_url = $1 AND producer_id = $2 AND lock_owner = $3`,
		hostOrgURL, producerID, ownerToken,
		metadata.LastUpdateTimeUTC, metadata.NextRunTimestampUTC)
	if err != nil {
		return fmt.Errorf("failed to unlock producer %s: %w", producerID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("producer %s is not locked by this owner", producerID)
	}
	return nil
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) Commit(ctx context.Context) error { return t.tx.Commit(ctx) }
func (t *postgresTx) Fail(ctx context.Context) error   { return t.tx.Rollback(ctx) }

func scanOffer(payload []byte) (*models.Offer, error) {
	if payload == nil {
		return nil, nil
	}
	offer, err := models.ParseOffer(payload)
	if err != nil {
		return nil, fmt.Errorf("stored offer payload is malformed: %w", err)
	}
	return offer, nil
}

func (t *postgresTx) InsertOrUpdateOfferInCorpus(ctx context.Context, hostOrgURL, corpusOrgURL string, offer *models.Offer) (UpsertResult, error) {
	payload, err := json.Marshal(offer)
	if err != nil {
		return UpsertNone, err
	}
	version := offer.UpdateTimestamp()
	_, err = t.tx.Exec(ctx, `
		INSERT INTO offer_snapshots (host_org_url, posting_org_url, offer_id, last_update_utc, expiration_utc, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (host_org_url, posting_org_url, offer_id, last_update_utc) DO UPDATE SET payload = $6`,
		hostOrgURL, offer.OfferedBy, offer.ID, version, offer.OfferExpirationUTC, payload)
	if err != nil {
		return UpsertNone, fmt.Errorf("failed to write offer snapshot: %w", err)
	}

	if err := t.recordChainCandidate(ctx, hostOrgURL, offer); err != nil {
		return UpsertNone, err
	}

	var prev *int64
	err = t.tx.QueryRow(ctx, `
		SELECT last_update_utc FROM corpus_offers
		WHERE host_org_url = $1 AND corpus_org_url = $2 AND posting_org_url = $3 AND offer_id = $4
		FOR UPDATE`,
		hostOrgURL, corpusOrgURL, offer.OfferedBy, offer.ID).Scan(&prev)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return UpsertNone, fmt.Errorf("failed to read corpus row: %w", err)
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO corpus_offers (host_org_url, corpus_org_url, posting_org_url, offer_id, last_update_utc)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (host_org_url, corpus_org_url, posting_org_url, offer_id) DO UPDATE SET last_update_utc = $5`,
		hostOrgURL, corpusOrgURL, offer.OfferedBy, offer.ID, version)
	if err != nil {
		return UpsertNone, fmt.Errorf("failed to write corpus row: %w", err)
	}

	switch {
	case prev == nil:
		return UpsertAdd, nil
	case *prev != version:
		return UpsertUpdate, nil
	default:
		return UpsertNone, nil
	}
}

// recordChainCandidate keeps the best chain per use for the offer,
// comparing the incoming candidate against the stored one in Go.
func (t *postgresTx) recordChainCandidate(ctx context.Context, hostOrgURL string, offer *models.Offer) error {
	cand := chain.Candidate{Chain: offer.ReshareChain, Present: len(offer.ReshareChain) > 0}
	uses := map[models.ChainUse]func(a, b chain.Candidate) int{
		models.ChainUseAccept:  chain.CompareChainsForAccept,
		models.ChainUseReshare: chain.CompareChainsForReshare,
	}
	for use, cmp := range uses {
		var stored []string
		var present bool
		known := true
		err := t.tx.QueryRow(ctx, `
			SELECT chain, chain_present FROM stored_reshare_chains
			WHERE host_org_url = $1 AND posting_org_url = $2 AND offer_id = $3 AND chain_use = $4
			FOR UPDATE`,
			hostOrgURL, offer.OfferedBy, offer.ID, string(use)).Scan(&stored, &present)
		if errors.Is(err, pgx.ErrNoRows) {
			known = false
		} else if err != nil {
			return fmt.Errorf("failed to read stored chain: %w", err)
		}
		if known && cmp(cand, chain.Candidate{Chain: stored, Present: present}) >= 0 {
			continue
		}
		_, err = t.tx.Exec(ctx, `
			INSERT INTO stored_reshare_chains (host_org_url, posting_org_url, offer_id, chain_use, chain, chain_present)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (host_org_url, posting_org_url, offer_id, chain_use) DO UPDATE SET chain = $5, chain_present = $6`,
			hostOrgURL, offer.OfferedBy, offer.ID, string(use), []string(cand.Chain), cand.Present)
		if err != nil {
			return fmt.Errorf("failed to write stored chain: %w", err)
		}
	}
	return nil
}

func (t *postgresTx) DeleteOfferInCorpus(ctx context.Context, hostOrgURL, corpusOrgURL, offerID, postingOrgURL string) (DeleteResult, error) {
	tag, err := t.tx.Exec(ctx, `
		DELETE FROM corpus_offers
		WHERE host_org_url = $1 AND corpus_org_url = $2 AND posting_org_url = $3 AND offer_id = $4`,
		hostOrgURL, corpusOrgURL, postingOrgURL, offerID)
	if err != nil {
		return DeleteNone, fmt.Errorf("failed to delete corpus row: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return DeleteNone, nil
	}
	var remaining int
	err = t.tx.QueryRow(ctx, `
		SELECT count(*) FROM corpus_offers
		WHERE host_org_url = $1 AND posting_org_url = $2 AND offer_id = $3`,
		hostOrgURL, postingOrgURL, offerID).Scan(&remaining)
	if err != nil {
		return DeleteNone, fmt.Errorf("failed to count offer sources: %w", err)
	}
	if remaining > 0 {
		return DeleteNone, nil
	}
	return DeleteDeleted, nil
}

func (t *postgresTx) GetOffer(ctx context.Context, hostOrgURL, offerID, postingOrgURL string) (*models.Offer, error) {
	var payload []byte
	err := t.tx.QueryRow(ctx, `
		SELECT s.payload
		FROM corpus_offers c
		JOIN offer_snapshots s
		  ON s.host_org_url = c.host_org_url
		 AND s.posting_org_url = c.posting_org_url
		 AND s.offer_id = c.offer_id
		 AND s.last_update_utc = c.last_update_utc
		WHERE c.host_org_url = $1 AND c.posting_org_url = $2 AND c.offer_id = $3
		ORDER BY c.last_update_utc DESC
		LIMIT 1`,
		hostOrgURL, postingOrgURL, offerID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read offer: %w", err)
	}
	return scanOffer(payload)
}

func (t *postgresTx) GetOfferFromCorpus(ctx context.Context, hostOrgURL, corpusOrgURL, offerID, postingOrgURL string) (*models.Offer, error) {
	var payload []byte
	err := t.tx.QueryRow(ctx, `
		SELECT s.payload
		FROM corpus_offers c
		JOIN offer_snapshots s
		  ON s.host_org_url = c.host_org_url
		 AND s.posting_org_url = c.posting_org_url
		 AND s.offer_id = c.offer_id
		 AND s.last_update_utc = c.last_update_utc
		WHERE c.host_org_url = $1 AND c.corpus_org_url = $2 AND c.posting_org_url = $3 AND c.offer_id = $4`,
		hostOrgURL, corpusOrgURL, postingOrgURL, offerID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read corpus offer: %w", err)
	}
	return scanOffer(payload)
}

func (t *postgresTx) GetOfferSources(ctx context.Context, hostOrgURL, offerID, postingOrgURL string) ([]string, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT corpus_org_url FROM corpus_offers
		WHERE host_org_url = $1 AND posting_org_url = $2 AND offer_id = $3
		ORDER BY corpus_org_url`,
		hostOrgURL, postingOrgURL, offerID)
	if err != nil {
		return nil, fmt.Errorf("failed to read offer sources: %w", err)
	}
	defer rows.Close()
	var sources []string
	for rows.Next() {
		var source string
		if err := rows.Scan(&source); err != nil {
			return nil, err
		}
		sources = append(sources, source)
	}
	return sources, rows.Err()
}

func (t *postgresTx) GetCorpusOffers(ctx context.Context, hostOrgURL, corpusOrgURL string) iter.Seq2[*models.CorpusOffer, error] {
	return func(yield func(*models.CorpusOffer, error) bool) {
		rows, err := t.tx.Query(ctx, `
			SELECT c.posting_org_url, c.offer_id, c.last_update_utc, s.payload
			FROM corpus_offers c
			JOIN offer_snapshots s
			  ON s.host_org_url = c.host_org_url
			 AND s.posting_org_url = c.posting_org_url
			 AND s.offer_id = c.offer_id
			 AND s.last_update_utc = c.last_update_utc
			WHERE c.host_org_url = $1 AND c.corpus_org_url = $2
			ORDER BY c.posting_org_url, c.offer_id`,
			hostOrgURL, corpusOrgURL)
		if err != nil {
			yield(nil, fmt.Errorf("failed to read corpus offers: %w", err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			row := &models.CorpusOffer{CorpusOrgURL: corpusOrgURL}
			var payload []byte
			if err := rows.Scan(&row.PostingOrgURL, &row.OfferID, &row.LastUpdateUTC, &payload); err != nil {
				yield(nil, err)
				return
			}
			if row.Offer, err = scanOffer(payload); err != nil {
				yield(nil, err)
				return
			}
			if !yield(row, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, err)
		}
	}
}

func (t *postgresTx) GetTimelineForOffer(ctx context.Context, hostOrgURL, offerID, postingOrgURL string, interval *Interval, targetOrgURL string) ([]models.TimelineEntry, error) {
	query := `
		SELECT target_org_url, posting_org_url, offer_id, offer_update_utc,
		       start_time_utc, end_time_utc, is_reservation, reshare_chain
		FROM timeline_entries
		WHERE host_org_url = $1 AND posting_org_url = $2 AND offer_id = $3`
	args := []any{hostOrgURL, postingOrgURL, offerID}
	if targetOrgURL != "" {
		args = append(args, targetOrgURL)
		query += fmt.Sprintf(" AND target_org_url = $%d", len(args))
	}
	if interval != nil {
		args = append(args, interval.StartUTC, interval.EndUTC)
		query += fmt.Sprintf(" AND end_time_utc > $%d AND start_time_utc < $%d", len(args)-1, len(args))
	}
	query += " ORDER BY start_time_utc, target_org_url"

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read timeline: %w", err)
	}
	defer rows.Close()
	var out []models.TimelineEntry
	for rows.Next() {
		var e models.TimelineEntry
		var reshareChain []string
		if err := rows.Scan(&e.TargetOrganizationURL, &e.PostingOrgURL, &e.OfferID,
			&e.OfferUpdateUTC, &e.StartTimeUTC, &e.EndTimeUTC, &e.IsReservation, &reshareChain); err != nil {
			return nil, err
		}
		e.ReshareChain = reshareChain
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *postgresTx) AddTimelineEntries(ctx context.Context, hostOrgURL string, entries []models.TimelineEntry) error {
	for _, e := range entries {
		_, err := t.tx.Exec(ctx, `
			INSERT INTO timeline_entries
			  (host_org_url, target_org_url, posting_org_url, offer_id, offer_update_utc,
			   start_time_utc, end_time_utc, is_reservation, reshare_chain)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			hostOrgURL, e.TargetOrganizationURL, e.PostingOrgURL, e.OfferID,
			e.OfferUpdateUTC, e.StartTimeUTC, e.EndTimeUTC, e.IsReservation, []string(e.ReshareChain))
		if err != nil {
			return fmt.Errorf("failed to insert timeline entry: %w", err)
		}
	}
	return nil
}

func (t *postgresTx) TruncateFutureTimelineForOffer(ctx context.Context, hostOrgURL, offerID, postingOrgURL string, atTimeUTC int64) error {
	_, err := t.tx.Exec(ctx, `
		DELETE FROM timeline_entries
		WHERE host_org_url = $1 AND posting_org_url = $2 AND offer_id = $3 AND start_time_utc >= $4`,
		hostOrgURL, postingOrgURL, offerID, atTimeUTC)
	if err != nil {
		return fmt.Errorf("failed to delete future timeline entries: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		UPDATE timeline_entries SET end_time_utc = $4
		WHERE host_org_url = $1 AND posting_org_url = $2 AND offer_id = $3
		  AND start_time_utc < $4 AND end_time_utc > $4`,
		hostOrgURL, postingOrgURL, offerID, atTimeUTC)
	if err != nil {
		return fmt.Errorf("failed to truncate timeline entries: %w", err)
	}
	return nil
}

// visibleEntriesQuery resolves one entry per offer for a viewer at an
// instant: the newest offer version wins, explicit targets beat the
// wildcard, and the wildcard never matches the host itself.
const visibleEntriesQuery = `
	SELECT DISTINCT ON (e.posting_org_url, e.offer_id)
	       e.posting_org_url, e.offer_id, e.offer_update_utc, e.reshare_chain, s.payload
	FROM timeline_entries e
	JOIN offer_snapshots s
	  ON s.host_org_url = e.host_org_url
	 AND s.posting_org_url = e.posting_org_url
	 AND s.offer_id = e.offer_id
	 AND s.last_update_utc = e.offer_update_utc
	WHERE e.host_org_url = $1
	  AND (e.target_org_url = $2 OR (e.target_org_url = '*' AND $2 <> $1))
	  AND e.start_time_utc <= $3 AND e.end_time_utc > $3
	ORDER BY e.posting_org_url, e.offer_id, e.offer_update_utc DESC,
	         (e.target_org_url = '*') ASC`

type visibleRow struct {
	postingOrgURL string
	offerID       string
	updateUTC     int64
	offer         *models.Offer
}

func (t *postgresTx) queryVisible(ctx context.Context, hostOrgURL, viewerOrgURL string, atTimeUTC int64) ([]visibleRow, error) {
	rows, err := t.tx.Query(ctx, visibleEntriesQuery, hostOrgURL, viewerOrgURL, atTimeUTC)
	if err != nil {
		return nil, fmt.Errorf("failed to read visible offers: %w", err)
	}
	defer rows.Close()
	var out []visibleRow
	for rows.Next() {
		var r visibleRow
		var reshareChain []string
		var payload []byte
		if err := rows.Scan(&r.postingOrgURL, &r.offerID, &r.updateUTC, &reshareChain, &payload); err != nil {
			return nil, err
		}
		offer, err := scanOffer(payload)
		if err != nil {
			return nil, err
		}
		r.offer = offer.WithReshareChain(reshareChain)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *postgresTx) GetOffersAtTime(ctx context.Context, hostOrgURL, viewerOrgURL string, atTimeUTC int64, skip int) iter.Seq2[*models.Offer, error] {
	return func(yield func(*models.Offer, error) bool) {
		visible, err := t.queryVisible(ctx, hostOrgURL, viewerOrgURL, atTimeUTC)
		if err != nil {
			yield(nil, err)
			return
		}
		for i, row := range visible {
			if i < skip {
				continue
			}
			if !yield(row.offer, nil) {
				return
			}
		}
	}
}

func (t *postgresTx) GetOfferAtTime(ctx context.Context, hostOrgURL, viewerOrgURL, offerID, postingOrgURL string, atTimeUTC int64) (*models.Offer, error) {
	visible, err := t.queryVisible(ctx, hostOrgURL, viewerOrgURL, atTimeUTC)
	if err != nil {
		return nil, err
	}
	for _, row := range visible {
		if row.postingOrgURL == postingOrgURL && row.offerID == offerID {
			return row.offer, nil
		}
	}
	return nil, nil
}

func (t *postgresTx) GetChangedOffers(ctx context.Context, hostOrgURL, viewerOrgURL string, oldTimeUTC, newTimeUTC int64, skip int) iter.Seq2[ChangedOffer, error] {
	return func(yield func(ChangedOffer, error) bool) {
		oldVisible, err := t.queryVisible(ctx, hostOrgURL, viewerOrgURL, oldTimeUTC)
		if err != nil {
			yield(ChangedOffer{}, err)
			return
		}
		newVisible, err := t.queryVisible(ctx, hostOrgURL, viewerOrgURL, newTimeUTC)
		if err != nil {
			yield(ChangedOffer{}, err)
			return
		}
		oldByKey := map[string]visibleRow{}
		for _, r := range oldVisible {
			oldByKey[offerKey(r.postingOrgURL, r.offerID)] = r
		}
		emitted := 0
		for _, r := range newVisible {
			key := offerKey(r.postingOrgURL, r.offerID)
			old, had := oldByKey[key]
			delete(oldByKey, key)
			if had && old.updateUTC == r.updateUTC {
				continue
			}
			row := ChangedOffer{NewOffer: r.offer}
			if had {
				row.OldOffer = old.offer
			}
			emitted++
			if emitted <= skip {
				continue
			}
			if !yield(row, nil) {
				return
			}
		}
		for _, r := range oldVisible {
			old, still := oldByKey[offerKey(r.postingOrgURL, r.offerID)]
			if !still {
				continue
			}
			emitted++
			if emitted <= skip {
				continue
			}
			if !yield(ChangedOffer{OldOffer: old.offer}, nil) {
				return
			}
		}
	}
}

func (t *postgresTx) WriteAccept(ctx context.Context, hostOrgURL string, offer *models.Offer, acceptance *models.StoredAcceptance) error {
	payload, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	decodedChain, err := json.Marshal(acceptance.DecodedReshareChain)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO acceptances
		  (id, host_org_url, posting_org_url, offer_id, last_update_utc,
		   accepted_by, accepted_at_utc, decoded_chain, offer_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		acceptance.AcceptanceID, hostOrgURL, acceptance.PostingOrgURL, acceptance.OfferID,
		acceptance.LastUpdateUTC, acceptance.AcceptedBy, acceptance.AcceptedAtUTC, decodedChain, payload)
	if err != nil {
		return fmt.Errorf("failed to write acceptance: %w", err)
	}
	for _, viewer := range acceptance.Viewers {
		_, err := t.tx.Exec(ctx, `
			INSERT INTO acceptance_viewers (acceptance_id, viewer_org_url)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING`,
			acceptance.AcceptanceID, viewer)
		if err != nil {
			return fmt.Errorf("failed to write acceptance viewer: %w", err)
		}
	}
	return nil
}

func (t *postgresTx) WriteReject(ctx context.Context, hostOrgURL string, rejection *models.StoredRejection) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO rejections (host_org_url, rejecting_org_url, posting_org_url, offer_id, rejected_at_utc)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (host_org_url, rejecting_org_url, posting_org_url, offer_id) DO NOTHING`,
		hostOrgURL, rejection.RejectingOrgURL, rejection.PostingOrgURL, rejection.OfferID, rejection.RejectedAtUTC)
	if err != nil {
		return fmt.Errorf("failed to write rejection: %w", err)
	}
	return nil
}

func (t *postgresTx) GetAllRejections(ctx context.Context, hostOrgURL, offerID, postingOrgURL string) ([]models.StoredRejection, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT rejecting_org_url, posting_org_url, offer_id, rejected_at_utc
		FROM rejections
		WHERE host_org_url = $1 AND posting_org_url = $2 AND offer_id = $3
		ORDER BY rejecting_org_url`,
		hostOrgURL, postingOrgURL, offerID)
	if err != nil {
		return nil, fmt.Errorf("failed to read rejections: %w", err)
	}
	defer rows.Close()
	var out []models.StoredRejection
	for rows.Next() {
		var r models.StoredRejection
		if err := rows.Scan(&r.RejectingOrgURL, &r.PostingOrgURL, &r.OfferID, &r.RejectedAtUTC); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *postgresTx) GetHistory(ctx context.Context, hostOrgURL, viewerOrgURL string, sinceUTC *int64, skip int) iter.Seq2[models.OfferHistoryItem, error] {
	return func(yield func(models.OfferHistoryItem, error) bool) {
		since := int64(-1)
		if sinceUTC != nil {
			since = *sinceUTC
		}
		rows, err := t.tx.Query(ctx, `
			SELECT a.accepted_by, a.accepted_at_utc, a.decoded_chain, a.offer_payload
			FROM acceptances a
			WHERE a.host_org_url = $1
			  AND a.accepted_at_utc > $3
			  AND ($2 = $1 OR EXISTS (
			        SELECT 1 FROM acceptance_viewers v
			        WHERE v.acceptance_id = a.id AND v.viewer_org_url = $2))
			ORDER BY a.accepted_at_utc, a.id
			OFFSET $4`,
			hostOrgURL, viewerOrgURL, since, skip)
		if err != nil {
			yield(models.OfferHistoryItem{}, fmt.Errorf("failed to read history: %w", err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			var item models.OfferHistoryItem
			var decodedChain, payload []byte
			if err := rows.Scan(&item.AcceptingOrganization, &item.AcceptedAtUTC, &decodedChain, &payload); err != nil {
				yield(models.OfferHistoryItem{}, err)
				return
			}
			if len(decodedChain) > 0 {
				if err := json.Unmarshal(decodedChain, &item.DecodedReshareChain); err != nil {
					yield(models.OfferHistoryItem{}, err)
					return
				}
			}
			if item.Offer, err = scanOffer(payload); err != nil {
				yield(models.OfferHistoryItem{}, err)
				return
			}
			if !yield(item, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(models.OfferHistoryItem{}, err)
		}
	}
}

func (t *postgresTx) getBestChain(ctx context.Context, hostOrgURL, offerID, postingOrgURL string, use models.ChainUse) (models.ReshareChain, bool, error) {
	var stored []string
	var present bool
	err := t.tx.QueryRow(ctx, `
		SELECT chain, chain_present FROM stored_reshare_chains
		WHERE host_org_url = $1 AND posting_org_url = $2 AND offer_id = $3 AND chain_use = $4`,
		hostOrgURL, postingOrgURL, offerID, string(use)).Scan(&stored, &present)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read stored chain: %w", err)
	}
	if use == models.ChainUseReshare && !present {
		return nil, false, nil
	}
	return stored, true, nil
}

func (t *postgresTx) GetBestAcceptChain(ctx context.Context, hostOrgURL, offerID, postingOrgURL string) (models.ReshareChain, bool, error) {
	return t.getBestChain(ctx, hostOrgURL, offerID, postingOrgURL, models.ChainUseAccept)
}

func (t *postgresTx) GetBestReshareChainRoot(ctx context.Context, hostOrgURL, offerID, postingOrgURL string) (models.ReshareChain, bool, error) {
	return t.getBestChain(ctx, hostOrgURL, offerID, postingOrgURL, models.ChainUseReshare)
}

func (t *postgresTx) GetOfferProducerMetadata(ctx context.Context, hostOrgURL, producerID string) (*models.ProducerMetadata, error) {
	meta := models.ProducerMetadata{ProducerID: producerID}
	err := t.tx.QueryRow(ctx, `
		SELECT last_update_time_utc, next_run_timestamp_utc
		FROM producer_metadata
		WHERE host_org_url = $1 AND producer_id = $2`,
		hostOrgURL, producerID).Scan(&meta.LastUpdateTimeUTC, &meta.NextRunTimestampUTC)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read producer metadata: %w", err)
	}
	return &meta, nil
}

func (t *postgresTx) StoreValue(ctx context.Context, hostOrgURL, key string, value json.RawMessage) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO key_values (host_org_url, key, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (host_org_url, key) DO UPDATE SET value = $3`,
		hostOrgURL, key, []byte(value))
	if err != nil {
		return fmt.Errorf("failed to store value: %w", err)
	}
	return nil
}

func (t *postgresTx) ClearAllValues(ctx context.Context, hostOrgURL, prefix string) error {
	_, err := t.tx.Exec(ctx, `
		DELETE FROM key_values
		WHERE host_org_url = $1 AND starts_with(key, $2)`,
		hostOrgURL, prefix)
	if err != nil {
		return fmt.Errorf("failed to clear values: %w", err)
	}
	return nil
}

func (t *postgresTx) GetValues(ctx context.Context, hostOrgURL, prefix string) iter.Seq2[KeyValue, error] {
	return func(yield func(KeyValue, error) bool) {
		rows, err := t.tx.Query(ctx, `
			SELECT key, value FROM key_values
			WHERE host_org_url = $1 AND starts_with(key, $2)
			ORDER BY key`,
			hostOrgURL, prefix)
		if err != nil {
			yield(KeyValue{}, fmt.Errorf("failed to read values: %w", err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			var kv KeyValue
			var value []byte
			if err := rows.Scan(&kv.Key, &value); err != nil {
				yield(KeyValue{}, err)
				return
			}
			kv.Value = value
			if !yield(kv, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(KeyValue{}, err)
		}
	}
}
