package telemetry

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryFiltersByCIDAndType(t *testing.T) {
	r := New(100)
	r.Record(TypeAgentRequest, "cid-1", map[string]any{"message": "hi"})
	r.Record(TypeAgentPlan, "cid-1", nil)
	r.Record(TypeAgentRequest, "cid-2", nil)
	r.Record(TypeBridgeState, "", nil)

	byCID := r.Query(Filter{CID: "cid-1"})
	require.Len(t, byCID, 2)
	assert.Equal(t, TypeAgentRequest, byCID[0].Type)
	assert.Equal(t, TypeAgentPlan, byCID[1].Type)

	byType := r.Query(Filter{Type: TypeAgentRequest})
	require.Len(t, byType, 2)

	both := r.Query(Filter{CID: "cid-2", Type: TypeAgentRequest})
	require.Len(t, both, 1)
	assert.Equal(t, int64(3), both[0].Seq)
}

func TestQueryLimitKeepsNewest(t *testing.T) {
	r := New(100)
	for i := 0; i < 5; i++ {
		r.Record(TypeToolCall, "", map[string]any{"i": i})
	}

	limited := r.Query(Filter{Limit: 2})
	require.Len(t, limited, 2)
	assert.Equal(t, int64(4), limited[0].Seq)
	assert.Equal(t, int64(5), limited[1].Seq)
}

func TestQuerySinceSeq(t *testing.T) {
	r := New(100)
	for i := 0; i < 4; i++ {
		r.Record(TypeToolCall, "", nil)
	}

	tail := r.Query(Filter{SinceSeq: 3})
	require.Len(t, tail, 1)
	assert.Equal(t, int64(4), tail[0].Seq)
}

func TestCapacityTrim(t *testing.T) {
	r := New(3)
	for i := 0; i < 6; i++ {
		r.Record(TypeChat, "", nil)
	}

	all := r.Query(Filter{})
	require.Len(t, all, 3)
	assert.Equal(t, int64(4), all[0].Seq)
}

func TestChatTranscriptMirrorsAndRestores(t *testing.T) {
	r := New(100)
	r.RecordChat("user", "create a graph", "cid-1")
	r.RecordChat("agent", "Okay — queued.", "cid-1")

	chat := r.Chat()
	require.Len(t, chat, 2)
	assert.Equal(t, "user", chat[0].Role)
	assert.Equal(t, "Okay — queued.", chat[1].Text)

	// Chat entries also land in the ring as telemetry.
	entries := r.Query(Filter{Type: TypeChat})
	assert.Len(t, entries, 2)

	fresh := New(100)
	fresh.RestoreChat(chat)
	assert.Len(t, fresh.Chat(), 2)
	assert.Empty(t, fresh.Query(Filter{Type: TypeChat}), "restore must not re-record telemetry")
}

func TestSubscriberReceivesLiveEntries(t *testing.T) {
	r := New(100)

	var seen []string
	unsub := r.Subscribe(func(e Entry) { seen = append(seen, e.Type) })
	defer unsub()

	r.Record(TypeAgentAnswer, "c", nil)
	r.Record(TypeActionFeedback, "c", nil)

	assert.Equal(t, []string{TypeAgentAnswer, TypeActionFeedback}, seen)
}

func TestSubscriberPanicIsolated(t *testing.T) {
	r := New(100)
	r.Subscribe(func(Entry) { panic(fmt.Errorf("bad subscriber")) })

	var ok int
	r.Subscribe(func(Entry) { ok++ })

	assert.NotPanics(t, func() { r.Record(TypeChat, "", nil) })
	assert.Equal(t, 1, ok)
}
