package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"sort"
	"strings"
	"sync"

	"github.com/CaravanStudios/open-product-recovery-sub000/internal/chain"
	"github.com/CaravanStudios/open-product-recovery-sub000/internal/models"
)

// MemoryStorage is a fully in-memory Storage used by tests and local
// development. A global mutex gives every transaction serializable
// semantics; READWRITE transactions snapshot state so Fail can restore
// it. Nested transactions from one goroutine deadlock.
type MemoryStorage struct {
	mu      sync.Mutex
	tenants map[string]*tenantState
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{tenants: map[string]*tenantState{}}
}

type chainRecord struct {
	chain   models.ReshareChain
	present bool
}

func (r *chainRecord) candidate() chain.Candidate {
	return chain.Candidate{Chain: r.chain, Present: r.present}
}

type acceptRecord struct {
	acceptance models.StoredAcceptance
	offer      *models.Offer
}

type producerRecord struct {
	metadata  *models.ProducerMetadata
	lockOwner string
}

type tenantState struct {
	snapshots   map[string]*models.Offer
	corpora     map[string]map[string]int64
	timeline    []models.TimelineEntry
	chains      map[string]map[models.ChainUse]*chainRecord
	acceptances []acceptRecord
	rejections  map[string]models.StoredRejection
	producers   map[string]*producerRecord
	values      map[string]json.RawMessage
}

func newTenantState() *tenantState {
	return &tenantState{
		snapshots:  map[string]*models.Offer{},
		corpora:    map[string]map[string]int64{},
		chains:     map[string]map[models.ChainUse]*chainRecord{},
		rejections: map[string]models.StoredRejection{},
		producers:  map[string]*producerRecord{},
		values:     map[string]json.RawMessage{},
	}
}

func (t *tenantState) clone() *tenantState {
	c := newTenantState()
	for k, v := range t.snapshots {
		c.snapshots[k] = v.Clone()
	}
	for corpus, offers := range t.corpora {
		m := make(map[string]int64, len(offers))
		for k, v := range offers {
			m[k] = v
		}
		c.corpora[corpus] = m
	}
	c.timeline = make([]models.TimelineEntry, len(t.timeline))
	copy(c.timeline, t.timeline)
	for key, uses := range t.chains {
		m := make(map[models.ChainUse]*chainRecord, len(uses))
		for use, rec := range uses {
			m[use] = &chainRecord{chain: rec.chain.Clone(), present: rec.present}
		}
		c.chains[key] = m
	}
	c.acceptances = make([]acceptRecord, len(t.acceptances))
	for i, a := range t.acceptances {
		c.acceptances[i] = acceptRecord{acceptance: a.acceptance, offer: a.offer.Clone()}
	}
	for k, v := range t.rejections {
		c.rejections[k] = v
	}
	for k, v := range t.producers {
		rec := &producerRecord{lockOwner: v.lockOwner}
		if v.metadata != nil {
			m := *v.metadata
			rec.metadata = &m
		}
		c.producers[k] = rec
	}
	for k, v := range t.values {
		c.values[k] = append(json.RawMessage(nil), v...)
	}
	return c
}

func offerKey(postingOrgURL, offerID string) string {
	return postingOrgURL + "#" + offerID
}

func snapshotKey(postingOrgURL, offerID string, updateUTC int64) string {
	return fmt.Sprintf("%s#%s&%d", postingOrgURL, offerID, updateUTC)
}

func (s *MemoryStorage) tenant(hostOrgURL string) *tenantState {
	t, ok := s.tenants[hostOrgURL]
	if !ok {
		t = newTenantState()
		s.tenants[hostOrgURL] = t
	}
	return t
}

// Transaction locks the store until Commit or Fail.
func (s *MemoryStorage) Transaction(_ context.Context, mode TransactionMode) (Transaction, error) {
	s.mu.Lock()
	tx := &memoryTx{store: s, mode: mode}
	if mode == ReadWrite {
		tx.saved = make(map[string]*tenantState, len(s.tenants))
		for k, v := range s.tenants {
			tx.saved[k] = v.clone()
		}
	}
	return tx, nil
}

// TryLockProducer acquires the producer lock outside any transaction.
func (s *MemoryStorage) TryLockProducer(_ context.Context, hostOrgURL, producerID, ownerToken string) (*models.ProducerMetadata, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tenant(hostOrgURL)
	rec, ok := t.producers[producerID]
	if !ok {
		rec = &producerRecord{}
		t.producers[producerID] = rec
	}
	if rec.lockOwner != "" && rec.lockOwner != ownerToken {
		return nil, false, nil
	}
	rec.lockOwner = ownerToken
	if rec.metadata == nil {
		return nil, true, nil
	}
	m := *rec.metadata
	return &m, true, nil
}

// UnlockProducer writes metadata and releases the lock.
func (s *MemoryStorage) UnlockProducer(_ context.Context, hostOrgURL, producerID, ownerToken string, metadata *models.ProducerMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tenant(hostOrgURL)
	rec, ok := t.producers[producerID]
	if !ok || rec.lockOwner != ownerToken {
		return fmt.Errorf("producer %s is not locked by this owner", producerID)
	}
	if metadata != nil {
		m := *metadata
		rec.metadata = &m
	}
	rec.lockOwner = ""
	return nil
}

type memoryTx struct {
	store *MemoryStorage
	mode  TransactionMode
	saved map[string]*tenantState
	done  bool
}

func (tx *memoryTx) finish(restore bool) error {
	if tx.done {
		return fmt.Errorf("transaction already finished")
	}
	tx.done = true
	if restore && tx.mode == ReadWrite {
		tx.store.tenants = tx.saved
	}
	tx.store.mu.Unlock()
	return nil
}

func (tx *memoryTx) Commit(context.Context) error { return tx.finish(false) }
func (tx *memoryTx) Fail(context.Context) error   { return tx.finish(true) }

func (tx *memoryTx) requireWrite() error {
	if tx.mode != ReadWrite {
		return fmt.Errorf("write attempted in a READONLY transaction")
	}
	return nil
}

func (tx *memoryTx) InsertOrUpdateOfferInCorpus(_ context.Context, hostOrgURL, corpusOrgURL string, offer *models.Offer) (UpsertResult, error) {
	if err := tx.requireWrite(); err != nil {
		return UpsertNone, err
	}
	t := tx.store.tenant(hostOrgURL)
	key := offerKey(offer.OfferedBy, offer.ID)
	version := offer.UpdateTimestamp()
	t.snapshots[snapshotKey(offer.OfferedBy, offer.ID, version)] = offer.Clone()
	tx.recordChainCandidate(t, key, offer)

	corpus, ok := t.corpora[corpusOrgURL]
	if !ok {
		corpus = map[string]int64{}
		t.corpora[corpusOrgURL] = corpus
	}
	prev, had := corpus[key]
	corpus[key] = version
	switch {
	case !had:
		return UpsertAdd, nil
	case prev != version:
		return UpsertUpdate, nil
	default:
		return UpsertNone, nil
	}
}

// recordChainCandidate keeps the best known chain per use for the offer.
func (tx *memoryTx) recordChainCandidate(t *tenantState, key string, offer *models.Offer) {
	cand := chain.Candidate{Chain: offer.ReshareChain.Clone(), Present: len(offer.ReshareChain) > 0}
	uses, ok := t.chains[key]
	if !ok {
		uses = map[models.ChainUse]*chainRecord{}
		t.chains[key] = uses
	}
	for use, cmp := range map[models.ChainUse]func(a, b chain.Candidate) int{
		models.ChainUseAccept:  chain.CompareChainsForAccept,
		models.ChainUseReshare: chain.CompareChainsForReshare,
	} {
		rec, ok := uses[use]
		if !ok || cmp(cand, rec.candidate()) < 0 {
			uses[use] = &chainRecord{chain: cand.Chain.Clone(), present: cand.Present}
		}
	}
}

func (tx *memoryTx) DeleteOfferInCorpus(_ context.Context, hostOrgURL, corpusOrgURL, offerID, postingOrgURL string) (DeleteResult, error) {
	if err := tx.requireWrite(); err != nil {
		return DeleteNone, err
	}
	t := tx.store.tenant(hostOrgURL)
	key := offerKey(postingOrgURL, offerID)
	corpus, ok := t.corpora[corpusOrgURL]
	if !ok {
		return DeleteNone, nil
	}
	if _, had := corpus[key]; !had {
		return DeleteNone, nil
	}
	delete(corpus, key)
	for _, other := range t.corpora {
		if _, still := other[key]; still {
			return DeleteNone, nil
		}
	}
	return DeleteDeleted, nil
}

func (tx *memoryTx) GetOffer(_ context.Context, hostOrgURL, offerID, postingOrgURL string) (*models.Offer, error) {
	t := tx.store.tenant(hostOrgURL)
	key := offerKey(postingOrgURL, offerID)
	var best *models.Offer
	var bestVersion int64
	for _, corpus := range t.corpora {
		version, ok := corpus[key]
		if !ok {
			continue
		}
		if best == nil || version > bestVersion {
			if snap, ok := t.snapshots[snapshotKey(postingOrgURL, offerID, version)]; ok {
				best, bestVersion = snap, version
			}
		}
	}
	return best.Clone(), nil
}

func (tx *memoryTx) GetOfferFromCorpus(_ context.Context, hostOrgURL, corpusOrgURL, offerID, postingOrgURL string) (*models.Offer, error) {
	t := tx.store.tenant(hostOrgURL)
	corpus, ok := t.corpora[corpusOrgURL]
	if !ok {
		return nil, nil
	}
	version, ok := corpus[offerKey(postingOrgURL, offerID)]
	if !ok {
		return nil, nil
	}
	return t.snapshots[snapshotKey(postingOrgURL, offerID, version)].Clone(), nil
}

func (tx *memoryTx) GetOfferSources(_ context.Context, hostOrgURL, offerID, postingOrgURL string) ([]string, error) {
	t := tx.store.tenant(hostOrgURL)
	key := offerKey(postingOrgURL, offerID)
	var sources []string
	for corpusOrg, corpus := range t.corpora {
		if _, ok := corpus[key]; ok {
			sources = append(sources, corpusOrg)
		}
	}
	sort.Strings(sources)
	return sources, nil
}

func (tx *memoryTx) GetCorpusOffers(_ context.Context, hostOrgURL, corpusOrgURL string) iter.Seq2[*models.CorpusOffer, error] {
	t := tx.store.tenant(hostOrgURL)
	corpus := t.corpora[corpusOrgURL]
	keys := make([]string, 0, len(corpus))
	for k := range corpus {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return func(yield func(*models.CorpusOffer, error) bool) {
		for _, key := range keys {
			postingOrg, id, _ := strings.Cut(key, "#")
			version := corpus[key]
			offer := t.snapshots[snapshotKey(postingOrg, id, version)]
			row := &models.CorpusOffer{
				CorpusOrgURL:  corpusOrgURL,
				PostingOrgURL: postingOrg,
				OfferID:       id,
				LastUpdateUTC: version,
				Offer:         offer.Clone(),
			}
			if !yield(row, nil) {
				return
			}
		}
	}
}

func (tx *memoryTx) GetTimelineForOffer(_ context.Context, hostOrgURL, offerID, postingOrgURL string, interval *Interval, targetOrgURL string) ([]models.TimelineEntry, error) {
	t := tx.store.tenant(hostOrgURL)
	var out []models.TimelineEntry
	for _, e := range t.timeline {
		if e.OfferID != offerID || e.PostingOrgURL != postingOrgURL {
			continue
		}
		if targetOrgURL != "" && e.TargetOrganizationURL != targetOrgURL {
			continue
		}
		if interval != nil && (e.EndTimeUTC <= interval.StartUTC || e.StartTimeUTC >= interval.EndUTC) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTimeUTC != out[j].StartTimeUTC {
			return out[i].StartTimeUTC < out[j].StartTimeUTC
		}
		return out[i].TargetOrganizationURL < out[j].TargetOrganizationURL
	})
	return out, nil
}

func (tx *memoryTx) AddTimelineEntries(_ context.Context, hostOrgURL string, entries []models.TimelineEntry) error {
	if err := tx.requireWrite(); err != nil {
		return err
	}
	t := tx.store.tenant(hostOrgURL)
	t.timeline = append(t.timeline, entries...)
	return nil
}

func (tx *memoryTx) TruncateFutureTimelineForOffer(_ context.Context, hostOrgURL, offerID, postingOrgURL string, atTimeUTC int64) error {
	if err := tx.requireWrite(); err != nil {
		return err
	}
	t := tx.store.tenant(hostOrgURL)
	kept := t.timeline[:0]
	for _, e := range t.timeline {
		if e.OfferID == offerID && e.PostingOrgURL == postingOrgURL {
			if e.StartTimeUTC >= atTimeUTC {
				continue
			}
			if e.EndTimeUTC > atTimeUTC {
				e.EndTimeUTC = atTimeUTC
			}
		}
		kept = append(kept, e)
	}
	t.timeline = kept
	return nil
}

// visibleEntry resolves, per offer, the single timeline entry a viewer
// sees at a given instant. When several entries contain the instant the
// newest offer version wins, explicit targets over the wildcard.
func (tx *memoryTx) visibleEntries(hostOrgURL, viewerOrgURL string, atTimeUTC int64) map[string]models.TimelineEntry {
	t := tx.store.tenant(hostOrgURL)
	visible := map[string]models.TimelineEntry{}
	for _, e := range t.timeline {
		if !e.Matches(hostOrgURL, viewerOrgURL) || !e.Contains(atTimeUTC) {
			continue
		}
		key := offerKey(e.PostingOrgURL, e.OfferID)
		cur, ok := visible[key]
		if !ok || e.OfferUpdateUTC > cur.OfferUpdateUTC ||
			(e.OfferUpdateUTC == cur.OfferUpdateUTC &&
				cur.TargetOrganizationURL == models.TargetWildcard &&
				e.TargetOrganizationURL != models.TargetWildcard) {
			visible[key] = e
		}
	}
	return visible
}

func (tx *memoryTx) offerForEntry(hostOrgURL string, e models.TimelineEntry) *models.Offer {
	t := tx.store.tenant(hostOrgURL)
	snap := t.snapshots[snapshotKey(e.PostingOrgURL, e.OfferID, e.OfferUpdateUTC)]
	if snap == nil {
		return nil
	}
	return snap.WithReshareChain(e.ReshareChain.Clone())
}

func (tx *memoryTx) GetOffersAtTime(_ context.Context, hostOrgURL, viewerOrgURL string, atTimeUTC int64, skip int) iter.Seq2[*models.Offer, error] {
	visible := tx.visibleEntries(hostOrgURL, viewerOrgURL, atTimeUTC)
	keys := make([]string, 0, len(visible))
	for k := range visible {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return func(yield func(*models.Offer, error) bool) {
		for i, key := range keys {
			if i < skip {
				continue
			}
			offer := tx.offerForEntry(hostOrgURL, visible[key])
			if offer == nil {
				continue
			}
			if !yield(offer, nil) {
				return
			}
		}
	}
}

func (tx *memoryTx) GetOfferAtTime(_ context.Context, hostOrgURL, viewerOrgURL, offerID, postingOrgURL string, atTimeUTC int64) (*models.Offer, error) {
	visible := tx.visibleEntries(hostOrgURL, viewerOrgURL, atTimeUTC)
	entry, ok := visible[offerKey(postingOrgURL, offerID)]
	if !ok {
		return nil, nil
	}
	return tx.offerForEntry(hostOrgURL, entry), nil
}

func (tx *memoryTx) GetChangedOffers(_ context.Context, hostOrgURL, viewerOrgURL string, oldTimeUTC, newTimeUTC int64, skip int) iter.Seq2[ChangedOffer, error] {
	oldVisible := tx.visibleEntries(hostOrgURL, viewerOrgURL, oldTimeUTC)
	newVisible := tx.visibleEntries(hostOrgURL, viewerOrgURL, newTimeUTC)
	keySet := map[string]bool{}
	for k := range oldVisible {
		keySet[k] = true
	}
	for k := range newVisible {
		keySet[k] = true
	}
	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return func(yield func(ChangedOffer, error) bool) {
		emitted := 0
		for _, key := range keys {
			oldEntry, hadOld := oldVisible[key]
			newEntry, hasNew := newVisible[key]
			if hadOld && hasNew && oldEntry.OfferUpdateUTC == newEntry.OfferUpdateUTC {
				continue
			}
			var row ChangedOffer
			if hadOld {
				row.OldOffer = tx.offerForEntry(hostOrgURL, oldEntry)
			}
			if hasNew {
				row.NewOffer = tx.offerForEntry(hostOrgURL, newEntry)
			}
			if row.OldOffer == nil && row.NewOffer == nil {
				continue
			}
			emitted++
			if emitted <= skip {
				continue
			}
			if !yield(row, nil) {
				return
			}
		}
	}
}

func (tx *memoryTx) WriteAccept(_ context.Context, hostOrgURL string, offer *models.Offer, acceptance *models.StoredAcceptance) error {
	if err := tx.requireWrite(); err != nil {
		return err
	}
	t := tx.store.tenant(hostOrgURL)
	t.acceptances = append(t.acceptances, acceptRecord{
		acceptance: *acceptance,
		offer:      offer.Clone(),
	})
	return nil
}

func (tx *memoryTx) WriteReject(_ context.Context, hostOrgURL string, rejection *models.StoredRejection) error {
	if err := tx.requireWrite(); err != nil {
		return err
	}
	t := tx.store.tenant(hostOrgURL)
	key := rejection.RejectingOrgURL + "|" + offerKey(rejection.PostingOrgURL, rejection.OfferID)
	if _, ok := t.rejections[key]; ok {
		return nil
	}
	t.rejections[key] = *rejection
	return nil
}

func (tx *memoryTx) GetAllRejections(_ context.Context, hostOrgURL, offerID, postingOrgURL string) ([]models.StoredRejection, error) {
	t := tx.store.tenant(hostOrgURL)
	var out []models.StoredRejection
	for _, r := range t.rejections {
		if r.OfferID == offerID && r.PostingOrgURL == postingOrgURL {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RejectingOrgURL < out[j].RejectingOrgURL
	})
	return out, nil
}

func (tx *memoryTx) GetHistory(_ context.Context, hostOrgURL, viewerOrgURL string, sinceUTC *int64, skip int) iter.Seq2[models.OfferHistoryItem, error] {
	t := tx.store.tenant(hostOrgURL)
	var rows []acceptRecord
	for _, rec := range t.acceptances {
		allowed := viewerOrgURL == hostOrgURL
		for _, v := range rec.acceptance.Viewers {
			if v == viewerOrgURL {
				allowed = true
				break
			}
		}
		if !allowed {
			continue
		}
		if sinceUTC != nil && rec.acceptance.AcceptedAtUTC <= *sinceUTC {
			continue
		}
		rows = append(rows, rec)
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].acceptance.AcceptedAtUTC < rows[j].acceptance.AcceptedAtUTC
	})
	return func(yield func(models.OfferHistoryItem, error) bool) {
		for i, rec := range rows {
			if i < skip {
				continue
			}
			item := models.OfferHistoryItem{
				Offer:                 rec.offer.Clone(),
				AcceptingOrganization: rec.acceptance.AcceptedBy,
				AcceptedAtUTC:         rec.acceptance.AcceptedAtUTC,
				DecodedReshareChain:   rec.acceptance.DecodedReshareChain,
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}

func (tx *memoryTx) getBestChain(hostOrgURL, offerID, postingOrgURL string, use models.ChainUse) (models.ReshareChain, bool, error) {
	t := tx.store.tenant(hostOrgURL)
	uses, ok := t.chains[offerKey(postingOrgURL, offerID)]
	if !ok {
		return nil, false, nil
	}
	rec, ok := uses[use]
	if !ok {
		return nil, false, nil
	}
	if use == models.ChainUseReshare && !rec.present {
		// An absent chain never qualifies for resharing.
		return nil, false, nil
	}
	return rec.chain.Clone(), true, nil
}

func (tx *memoryTx) GetBestAcceptChain(_ context.Context, hostOrgURL, offerID, postingOrgURL string) (models.ReshareChain, bool, error) {
	return tx.getBestChain(hostOrgURL, offerID, postingOrgURL, models.ChainUseAccept)
}

func (tx *memoryTx) GetBestReshareChainRoot(_ context.Context, hostOrgURL, offerID, postingOrgURL string) (models.ReshareChain, bool, error) {
	return tx.getBestChain(hostOrgURL, offerID, postingOrgURL, models.ChainUseReshare)
}

func (tx *memoryTx) GetOfferProducerMetadata(_ context.Context, hostOrgURL, producerID string) (*models.ProducerMetadata, error) {
	t := tx.store.tenant(hostOrgURL)
	rec, ok := t.producers[producerID]
	if !ok || rec.metadata == nil {
		return nil, nil
	}
	m := *rec.metadata
	return &m, nil
}

func (tx *memoryTx) StoreValue(_ context.Context, hostOrgURL, key string, value json.RawMessage) error {
	if err := tx.requireWrite(); err != nil {
		return err
	}
	t := tx.store.tenant(hostOrgURL)
	t.values[key] = append(json.RawMessage(nil), value...)
	return nil
}

func (tx *memoryTx) ClearAllValues(_ context.Context, hostOrgURL, prefix string) error {
	if err := tx.requireWrite(); err != nil {
		return err
	}
	t := tx.store.tenant(hostOrgURL)
	for k := range t.values {
		if strings.HasPrefix(k, prefix) {
			delete(t.values, k)
		}
	}
	return nil
}

func (tx *memoryTx) GetValues(_ context.Context, hostOrgURL, prefix string) iter.Seq2[KeyValue, error] {
	t := tx.store.tenant(hostOrgURL)
	var keys []string
	for k := range t.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return func(yield func(KeyValue, error) bool) {
		for _, k := range keys {
			kv := KeyValue{Key: k, Value: append(json.RawMessage(nil), t.values[k]...)}
			if !yield(kv, nil) {
				return
			}
		}
	}
}
