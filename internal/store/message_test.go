package store_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hal9000y/gmail-autoreply/internal/store"
)

var baseTime = time.Date(2025, 9, 14, 12, 0, 0, 0, time.UTC)

func msg(id, threadID string, minute int) store.Message {
	return store.Message{
		ID:       id,
		ThreadID: threadID,
		From:     "jane@example.com",
		Subject:  "Hello",
		Date:     baseTime.Add(time.Duration(minute) * time.Minute),
		Status:   store.StatusNew,
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	st := store.New()

	st.Upsert(msg("m1", "t1", 0))
	st.Upsert(msg("m1", "t1", 0))
	st.Upsert(msg("m2", "t1", 1))

	assert.Len(t, st.Messages, 2)
	assert.Equal(t, []string{"m1", "m2"}, st.Threads["t1"])
}

func TestUpsertKeepsLifecycleState(t *testing.T) {
	st := store.New()

	m := msg("m1", "t1", 0)
	m.MessageIDHeader = "<m1@example.com>"
	st.Upsert(m)

	advanced := st.Messages["m1"]
	advanced.Status = store.StatusHumanReview
	advanced.HumanReviewReason = store.ReasonSendFailed
	advanced.LLMRaw = `{"reply":"hi"}`
	advanced.LLMParsed = json.RawMessage(`{"reply":"hi"}`)
	advanced.Reply = &store.Reply{Subject: "Re: Hello", Body: "hi"}
	st.Messages["m1"] = advanced

	// Re-ingestion sees the message as new again.
	again := msg("m1", "", 0)
	again.Snippet = "updated snippet"
	st.Upsert(again)

	got := st.Messages["m1"]
	assert.Equal(t, store.StatusHumanReview, got.Status)
	assert.Equal(t, store.ReasonSendFailed, got.HumanReviewReason)
	assert.Equal(t, `{"reply":"hi"}`, got.LLMRaw)
	require.NotNil(t, got.Reply)
	assert.Equal(t, "hi", got.Reply.Body)
	assert.Equal(t, "<m1@example.com>", got.MessageIDHeader)
	assert.Equal(t, "t1", got.ThreadID)
	assert.Equal(t, "updated snippet", got.Snippet)
}

func TestUpsertNeverClearsSentByUs(t *testing.T) {
	st := store.New()

	sent := msg("s1", "t1", 0)
	sent.SentByUs = true
	sent.Status = store.StatusSent
	st.Upsert(sent)

	st.Upsert(msg("s1", "t1", 0))

	got := st.Messages["s1"]
	assert.True(t, got.SentByUs)
	assert.Equal(t, store.StatusSent, got.Status)
	assert.False(t, got.Pending())
}

func TestThreadMessagesSortedByDate(t *testing.T) {
	st := store.New()
	st.Upsert(msg("m3", "t1", 3))
	st.Upsert(msg("m1", "t1", 1))
	st.Upsert(msg("x1", "t2", 2))
	st.Upsert(msg("m2", "t1", 2))

	var got []string
	for _, m := range st.ThreadMessages("t1") {
		got = append(got, m.ID)
	}
	assert.Equal(t, []string{"m1", "m2", "m3"}, got)

	assert.Empty(t, st.ThreadMessages("unknown"))
}

func TestListByDateDesc(t *testing.T) {
	st := store.New()
	st.Upsert(msg("a", "t1", 1))
	st.Upsert(msg("c", "t2", 3))
	st.Upsert(msg("b", "t1", 3))

	var got []string
	for _, m := range st.ListByDateDesc() {
		got = append(got, m.ID)
	}
	assert.Equal(t, []string{"c", "b", "a"}, got)
}

func TestStatusCanAdvanceTo(t *testing.T) {
	cases := []struct {
		from, to store.Status
		expected bool
	}{
		{store.StatusNew, store.StatusResponded, true},
		{store.StatusNew, store.StatusHumanReview, true},
		{store.StatusNew, store.StatusSent, false},
		{store.StatusNew, store.StatusNew, false},
		{store.StatusResponded, store.StatusNew, false},
		{store.StatusResponded, store.StatusHumanReview, false},
		{store.StatusHumanReview, store.StatusNew, false},
		{store.StatusHumanReview, store.StatusResponded, false},
		{store.StatusSent, store.StatusResponded, false},
	}

	for _, tc := range cases {
		t.Run(string(tc.from)+"_to_"+string(tc.to), func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.from.CanAdvanceTo(tc.to))
		})
	}
}

func TestUpsertKeepsOriginalThread(t *testing.T) {
	st := store.New()
	st.Upsert(msg("m1", "t1", 0))

	st.Upsert(msg("m1", "t2", 0))

	assert.Equal(t, "t1", st.Messages["m1"].ThreadID)
	assert.Equal(t, []string{"m1"}, st.Threads["t1"])
	assert.NotContains(t, st.Threads, "t2")
	assert.Empty(t, st.ThreadMessages("t2"))
}
