package history_test

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mux-ai/mux/internal/history"
	"github.com/mux-ai/mux/pkg/types"
)

func TestHistorySuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "History Suite")
}

// The replace operation rewrites potentially large accumulated history in one
// step. These specs simulate a process killed at randomized points of the
// write and assert that a restarted reader recovers either the full
// pre-replace set or the full post-replace set, never a mixture.
var _ = Describe("Replace atomicity", func() {
	var (
		ctx    context.Context
		dir    string
		store  *history.Store
		ws     types.WorkspaceID
		sizeOf func() int
	)

	entry := func(seq int64, text string) types.HistoryEntry {
		return types.HistoryEntry{
			Sequence:  seq,
			MessageID: types.NewID(),
			Role:      types.RoleAssistant,
			Parts:     []types.Part{&types.TextPart{ID: types.NewID(), Type: "text", Text: text}},
			Time:      1,
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		dir = GinkgoT().TempDir()
		store = history.New(dir)
		ws = "ws-replace"

		for i := 1; i <= 20; i++ {
			Expect(store.Append(ctx, ws, entry(0, fmt.Sprintf("turn %d", i)))).To(Succeed())
		}

		sizeOf = func() int {
			data, err := os.ReadFile(filepath.Join(dir, "history", string(ws)+".json"))
			Expect(err).NotTo(HaveOccurred())
			return len(data)
		}
	})

	It("replaces the full set with a compacted summary", func() {
		summary := entry(1, "summary of 20 turns")
		Expect(store.Replace(ctx, ws, []types.HistoryEntry{summary})).To(Succeed())

		entries, err := store.Entries(ctx, ws)
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Sequence).To(Equal(int64(1)))
	})

	It("recovers the pre-replace set when killed before the rename", func() {
		historyPath := filepath.Join(dir, "history", string(ws)+".json")
		oldSize := sizeOf()

		// Simulate the writer dying mid-temp-write at randomized offsets:
		// a torn temp file sits next to the target.
		rng := rand.New(rand.NewSource(GinkgoRandomSeed()))
		torn := []byte(`{"entries":[{"sequence":1,"role":"assistant","parts":[{"id":"x","type":"text","text":"summary`)
		for trial := 0; trial < 10; trial++ {
			cut := rng.Intn(len(torn))
			Expect(os.WriteFile(historyPath+".tmp-torn", torn[:cut], 0644)).To(Succeed())

			// Restart: a fresh store must see the pre-replace set intact.
			recovered := history.New(dir)
			entries, err := recovered.Entries(ctx, ws)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(20))
			Expect(sizeOf()).To(Equal(oldSize))

			// The interrupted temp must have been swept on recovery.
			_, statErr := os.Stat(historyPath + ".tmp-torn")
			Expect(os.IsNotExist(statErr)).To(BeTrue())
		}
	})

	It("recovers the post-replace set once the rename happened", func() {
		summary := entry(1, "summary of 20 turns")
		Expect(store.Replace(ctx, ws, []types.HistoryEntry{summary})).To(Succeed())

		recovered := history.New(dir)
		entries, err := recovered.Entries(ctx, ws)
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Parts).To(HaveLen(1))
	})

	It("rejects non-contiguous replacement sets", func() {
		err := store.Replace(ctx, ws, []types.HistoryEntry{entry(1, "a"), entry(5, "b")})
		Expect(err).To(MatchError(history.ErrSequenceGap))
	})
})
