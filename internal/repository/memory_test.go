package repository

import (
	"context"
	"fmt"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CaravanStudios/open-product-recovery-sub000/internal/models"
)

const (
	hostOrg   = "https://host.example.org/org.json"
	posterOrg = "https://poster.example.org/org.json"
	viewerOrg = "https://viewer.example.org/org.json"
	otherOrg  = "https://other.example.org/org.json"
)

func makeOffer(t *testing.T, id string, creation, update int64, chain ...string) *models.Offer {
	t.Helper()
	raw := fmt.Sprintf(`{"id":%q,"offeredBy":%q,"offerCreationUTC":%d,"offerExpirationUTC":1000000}`,
		id, posterOrg, creation)
	offer, err := models.ParseOffer([]byte(raw))
	require.NoError(t, err)
	if update > 0 {
		offer.OfferUpdateUTC = &update
	}
	if len(chain) > 0 {
		offer.ReshareChain = models.ReshareChain(chain)
	}
	return offer
}

func inTx(t *testing.T, s Storage, mode TransactionMode, fn func(tx Transaction)) {
	t.Helper()
	err := RunTransaction(context.Background(), s, mode, func(tx Transaction) error {
		fn(tx)
		return nil
	})
	require.NoError(t, err)
}

func collect[T any](t *testing.T, seq iter.Seq2[T, error]) []T {
	t.Helper()
	var out []T
	for v, err := range seq {
		require.NoError(t, err)
		out = append(out, v)
	}
	return out
}

func TestUpsertAndDeleteAcrossCorpora(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	offer := makeOffer(t, "offer1", 1000, 0)

	inTx(t, s, ReadWrite, func(tx Transaction) {
		result, err := tx.InsertOrUpdateOfferInCorpus(ctx, hostOrg, posterOrg, offer)
		require.NoError(t, err)
		assert.Equal(t, UpsertAdd, result)

		result, err = tx.InsertOrUpdateOfferInCorpus(ctx, hostOrg, posterOrg, offer)
		require.NoError(t, err)
		assert.Equal(t, UpsertNone, result)

		updated := makeOffer(t, "offer1", 1000, 2000)
		result, err = tx.InsertOrUpdateOfferInCorpus(ctx, hostOrg, posterOrg, updated)
		require.NoError(t, err)
		assert.Equal(t, UpsertUpdate, result)

		// A second corpus retains the offer, so the first delete keeps it
		// alive.
		result, err = tx.InsertOrUpdateOfferInCorpus(ctx, hostOrg, otherOrg, updated)
		require.NoError(t, err)
		assert.Equal(t, UpsertAdd, result)

		deleted, err := tx.DeleteOfferInCorpus(ctx, hostOrg, posterOrg, "offer1", posterOrg)
		require.NoError(t, err)
		assert.Equal(t, DeleteNone, deleted)

		deleted, err = tx.DeleteOfferInCorpus(ctx, hostOrg, otherOrg, "offer1", posterOrg)
		require.NoError(t, err)
		assert.Equal(t, DeleteDeleted, deleted)
	})
}

func TestGetOfferPicksNewestVersionAcrossCorpora(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	inTx(t, s, ReadWrite, func(tx Transaction) {
		_, err := tx.InsertOrUpdateOfferInCorpus(ctx, hostOrg, posterOrg, makeOffer(t, "offer1", 1000, 1000))
		require.NoError(t, err)
		_, err = tx.InsertOrUpdateOfferInCorpus(ctx, hostOrg, otherOrg, makeOffer(t, "offer1", 1000, 2000))
		require.NoError(t, err)
	})

	inTx(t, s, ReadOnly, func(tx Transaction) {
		offer, err := tx.GetOffer(ctx, hostOrg, "offer1", posterOrg)
		require.NoError(t, err)
		require.NotNil(t, offer)
		assert.Equal(t, int64(2000), offer.UpdateTimestamp())

		stale, err := tx.GetOfferFromCorpus(ctx, hostOrg, posterOrg, "offer1", posterOrg)
		require.NoError(t, err)
		require.NotNil(t, stale)
		assert.Equal(t, int64(1000), stale.UpdateTimestamp())

		sources, err := tx.GetOfferSources(ctx, hostOrg, "offer1", posterOrg)
		require.NoError(t, err)
		assert.Equal(t, []string{otherOrg, posterOrg}, sources)
	})
}

func TestTruncateFutureTimeline(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	inTx(t, s, ReadWrite, func(tx Transaction) {
		err := tx.AddTimelineEntries(ctx, hostOrg, []models.TimelineEntry{
			{TargetOrganizationURL: viewerOrg, PostingOrgURL: posterOrg, OfferID: "offer1", StartTimeUTC: 100, EndTimeUTC: 500},
			{TargetOrganizationURL: otherOrg, PostingOrgURL: posterOrg, OfferID: "offer1", StartTimeUTC: 300, EndTimeUTC: 800},
			{TargetOrganizationURL: viewerOrg, PostingOrgURL: posterOrg, OfferID: "offer1", StartTimeUTC: 600, EndTimeUTC: 900},
		})
		require.NoError(t, err)
		require.NoError(t, tx.TruncateFutureTimelineForOffer(ctx, hostOrg, "offer1", posterOrg, 400))
	})

	inTx(t, s, ReadOnly, func(tx Transaction) {
		entries, err := tx.GetTimelineForOffer(ctx, hostOrg, "offer1", posterOrg, nil, "")
		require.NoError(t, err)
		// The entry starting at 600 is dropped, the one crossing 400 is
		// clipped.
		require.Len(t, entries, 2)
		assert.Equal(t, int64(400), entries[0].EndTimeUTC)
		assert.Equal(t, int64(400), entries[1].EndTimeUTC)
	})
}

func TestViewerQueriesResolveOneEntryPerOffer(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	inTx(t, s, ReadWrite, func(tx Transaction) {
		_, err := tx.InsertOrUpdateOfferInCorpus(ctx, hostOrg, posterOrg, makeOffer(t, "offer1", 1000, 1000))
		require.NoError(t, err)
		_, err = tx.InsertOrUpdateOfferInCorpus(ctx, hostOrg, posterOrg, makeOffer(t, "offer1", 1000, 2000))
		require.NoError(t, err)

		err = tx.AddTimelineEntries(ctx, hostOrg, []models.TimelineEntry{
			{TargetOrganizationURL: models.TargetWildcard, PostingOrgURL: posterOrg, OfferID: "offer1",
				OfferUpdateUTC: 1000, StartTimeUTC: 0, EndTimeUTC: 10000},
			{TargetOrganizationURL: viewerOrg, PostingOrgURL: posterOrg, OfferID: "offer1",
				OfferUpdateUTC: 2000, StartTimeUTC: 0, EndTimeUTC: 10000},
		})
		require.NoError(t, err)
	})

	inTx(t, s, ReadOnly, func(tx Transaction) {
		// The viewer with an explicit newer entry sees the newer version.
		offer, err := tx.GetOfferAtTime(ctx, hostOrg, viewerOrg, "offer1", posterOrg, 5000)
		require.NoError(t, err)
		require.NotNil(t, offer)
		assert.Equal(t, int64(2000), offer.UpdateTimestamp())

		// Other orgs fall back to the wildcard entry.
		offers := collect(t, tx.GetOffersAtTime(ctx, hostOrg, otherOrg, 5000, 0))
		require.Len(t, offers, 1)
		assert.Equal(t, int64(1000), offers[0].UpdateTimestamp())

		// The wildcard never exposes the offer to the host itself.
		offer, err = tx.GetOfferAtTime(ctx, hostOrg, hostOrg, "offer1", posterOrg, 5000)
		require.NoError(t, err)
		assert.Nil(t, offer)
	})
}

func TestGetChangedOffersSkipsUnchanged(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	inTx(t, s, ReadWrite, func(tx Transaction) {
		_, err := tx.InsertOrUpdateOfferInCorpus(ctx, hostOrg, posterOrg, makeOffer(t, "stable", 1000, 1000))
		require.NoError(t, err)
		_, err = tx.InsertOrUpdateOfferInCorpus(ctx, hostOrg, posterOrg, makeOffer(t, "added", 1000, 1000))
		require.NoError(t, err)
		_, err = tx.InsertOrUpdateOfferInCorpus(ctx, hostOrg, posterOrg, makeOffer(t, "removed", 1000, 1000))
		require.NoError(t, err)

		err = tx.AddTimelineEntries(ctx, hostOrg, []models.TimelineEntry{
			{TargetOrganizationURL: viewerOrg, PostingOrgURL: posterOrg, OfferID: "stable",
				OfferUpdateUTC: 1000, StartTimeUTC: 0, EndTimeUTC: 10000},
			{TargetOrganizationURL: viewerOrg, PostingOrgURL: posterOrg, OfferID: "added",
				OfferUpdateUTC: 1000, StartTimeUTC: 3000, EndTimeUTC: 10000},
			{TargetOrganizationURL: viewerOrg, PostingOrgURL: posterOrg, OfferID: "removed",
				OfferUpdateUTC: 1000, StartTimeUTC: 0, EndTimeUTC: 3000},
		})
		require.NoError(t, err)
	})

	inTx(t, s, ReadOnly, func(tx Transaction) {
		rows := collect(t, tx.GetChangedOffers(ctx, hostOrg, viewerOrg, 2000, 5000, 0))
		require.Len(t, rows, 2)

		// Keys iterate sorted, so "added" comes before "removed".
		assert.Nil(t, rows[0].OldOffer)
		require.NotNil(t, rows[0].NewOffer)
		assert.Equal(t, "added", rows[0].NewOffer.ID)

		require.NotNil(t, rows[1].OldOffer)
		assert.Equal(t, "removed", rows[1].OldOffer.ID)
		assert.Nil(t, rows[1].NewOffer)
	})
}

func TestHistoryFiltersByViewerAndSince(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	offer := makeOffer(t, "offer1", 1000, 0)

	inTx(t, s, ReadWrite, func(tx Transaction) {
		require.NoError(t, tx.WriteAccept(ctx, hostOrg, offer, &models.StoredAcceptance{
			AcceptanceID: "01AAA", PostingOrgURL: posterOrg, OfferID: "offer1",
			AcceptedBy: viewerOrg, AcceptedAtUTC: 1000, Viewers: []string{viewerOrg},
		}))
		require.NoError(t, tx.WriteAccept(ctx, hostOrg, offer, &models.StoredAcceptance{
			AcceptanceID: "01AAB", PostingOrgURL: posterOrg, OfferID: "offer1",
			AcceptedBy: otherOrg, AcceptedAtUTC: 2000, Viewers: []string{viewerOrg, otherOrg},
		}))
	})

	inTx(t, s, ReadOnly, func(tx Transaction) {
		// The host sees everything.
		items := collect(t, tx.GetHistory(ctx, hostOrg, hostOrg, nil, 0))
		assert.Len(t, items, 2)

		// otherOrg was only listed as a viewer on the second acceptance.
		items = collect(t, tx.GetHistory(ctx, hostOrg, otherOrg, nil, 0))
		require.Len(t, items, 1)
		assert.Equal(t, otherOrg, items[0].AcceptingOrganization)

		// since is exclusive.
		since := int64(1000)
		items = collect(t, tx.GetHistory(ctx, hostOrg, viewerOrg, &since, 0))
		require.Len(t, items, 1)
		assert.Equal(t, int64(2000), items[0].AcceptedAtUTC)
	})
}

func TestChainCandidateSelection(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	inTx(t, s, ReadWrite, func(tx Transaction) {
		// One source shipped the offer with a reshare chain, another
		// without one.
		_, err := tx.InsertOrUpdateOfferInCorpus(ctx, hostOrg, otherOrg, makeOffer(t, "offer1", 1000, 0, "tok1", "tok2"))
		require.NoError(t, err)
		_, err = tx.InsertOrUpdateOfferInCorpus(ctx, hostOrg, posterOrg, makeOffer(t, "offer1", 1000, 0))
		require.NoError(t, err)
	})

	inTx(t, s, ReadOnly, func(tx Transaction) {
		// Accepting directly beats accepting through any chain.
		acceptChain, found, err := tx.GetBestAcceptChain(ctx, hostOrg, "offer1", posterOrg)
		require.NoError(t, err)
		require.True(t, found)
		assert.Nil(t, acceptChain)

		// Resharing requires a real chain.
		reshareChain, found, err := tx.GetBestReshareChainRoot(ctx, hostOrg, "offer1", posterOrg)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, models.ReshareChain{"tok1", "tok2"}, reshareChain)
	})
}

func TestReshareChainAbsentNeverQualifies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	inTx(t, s, ReadWrite, func(tx Transaction) {
		_, err := tx.InsertOrUpdateOfferInCorpus(ctx, hostOrg, posterOrg, makeOffer(t, "offer1", 1000, 0))
		require.NoError(t, err)
	})

	inTx(t, s, ReadOnly, func(tx Transaction) {
		_, found, err := tx.GetBestReshareChainRoot(ctx, hostOrg, "offer1", posterOrg)
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestProducerLocking(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	_, ok, err := s.TryLockProducer(ctx, hostOrg, "producer1", "owner-a")
	require.NoError(t, err)
	require.True(t, ok)

	// A second owner cannot take the held lock.
	_, ok, err = s.TryLockProducer(ctx, hostOrg, "producer1", "owner-b")
	require.NoError(t, err)
	assert.False(t, ok)

	// The holder can re-acquire.
	_, ok, err = s.TryLockProducer(ctx, hostOrg, "producer1", "owner-a")
	require.NoError(t, err)
	assert.True(t, ok)

	err = s.UnlockProducer(ctx, hostOrg, "producer1", "owner-b", nil)
	assert.Error(t, err)

	lastUpdate := int64(5000)
	err = s.UnlockProducer(ctx, hostOrg, "producer1", "owner-a", &models.ProducerMetadata{
		ProducerID:          "producer1",
		LastUpdateTimeUTC:   &lastUpdate,
		NextRunTimestampUTC: 9000,
	})
	require.NoError(t, err)

	meta, ok, err := s.TryLockProducer(ctx, hostOrg, "producer1", "owner-b")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, meta)
	assert.Equal(t, int64(9000), meta.NextRunTimestampUTC)
	require.NotNil(t, meta.LastUpdateTimeUTC)
	assert.Equal(t, int64(5000), *meta.LastUpdateTimeUTC)
	require.NoError(t, s.UnlockProducer(ctx, hostOrg, "producer1", "owner-b", meta))
}

func TestFailRestoresSnapshot(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	tx, err := s.Transaction(ctx, ReadWrite)
	require.NoError(t, err)
	_, err = tx.InsertOrUpdateOfferInCorpus(ctx, hostOrg, posterOrg, makeOffer(t, "offer1", 1000, 0))
	require.NoError(t, err)
	require.NoError(t, tx.Fail(ctx))

	inTx(t, s, ReadOnly, func(tx Transaction) {
		offer, err := tx.GetOffer(ctx, hostOrg, "offer1", posterOrg)
		require.NoError(t, err)
		assert.Nil(t, offer)
	})
}

func TestWritesRejectedInReadOnly(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	tx, err := s.Transaction(ctx, ReadOnly)
	require.NoError(t, err)
	defer tx.Fail(ctx)

	_, err = tx.InsertOrUpdateOfferInCorpus(ctx, hostOrg, posterOrg, makeOffer(t, "offer1", 1000, 0))
	assert.Error(t, err)
	err = tx.AddTimelineEntries(ctx, hostOrg, nil)
	assert.Error(t, err)
}

func TestKeyValueStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	inTx(t, s, ReadWrite, func(tx Transaction) {
		require.NoError(t, tx.StoreValue(ctx, hostOrg, "feed/a", []byte(`1`)))
		require.NoError(t, tx.StoreValue(ctx, hostOrg, "feed/b", []byte(`2`)))
		require.NoError(t, tx.StoreValue(ctx, hostOrg, "misc/c", []byte(`3`)))
		require.NoError(t, tx.ClearAllValues(ctx, hostOrg, "misc/"))
	})

	inTx(t, s, ReadOnly, func(tx Transaction) {
		rows := collect(t, tx.GetValues(ctx, hostOrg, "feed/"))
		require.Len(t, rows, 2)
		assert.Equal(t, "feed/a", rows[0].Key)
		assert.JSONEq(t, `1`, string(rows[0].Value))
		assert.Equal(t, "feed/b", rows[1].Key)
	})
}
