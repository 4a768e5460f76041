package audit_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/foreman/runtime/agent/audit"
	"goa.design/foreman/runtime/agent/audit/inmem"
	"goa.design/foreman/runtime/agent/faults"
)

func TestCollectorRecordsTurnsInOrder(t *testing.T) {
	c := audit.NewCollector("run-1", "build the thing")
	ctx := context.Background()

	require.NoError(t, c.Record(ctx, audit.TurnRecord{Turn: 0, Note: "initial plan", ResponseID: "resp-1"}))
	require.NoError(t, c.Record(ctx, audit.TurnRecord{Turn: 1, Note: "task_action_plan:t1"}))

	turns := c.Turns()
	require.Len(t, turns, 2)
	require.Equal(t, "initial plan", turns[0].Note)
	require.Equal(t, 1, turns[1].Turn)

	// The returned slice is a copy.
	turns[0].Note = "mutated"
	require.Equal(t, "initial plan", c.Turns()[0].Note)
}

func TestCollectorFlush(t *testing.T) {
	c := audit.NewCollector("run-1", "build the thing")
	ctx := context.Background()
	require.NoError(t, c.Record(ctx, audit.TurnRecord{Turn: 0, Note: "initial plan"}))

	doc, err := c.Flush(ctx, audit.FinalRecord{
		Status:    "failed",
		LastError: faults.New(faults.Config, "gate denied"),
	})
	require.NoError(t, err)
	require.Equal(t, "build the thing", doc.Goal)
	require.Len(t, doc.Turns, 1)
	require.Equal(t, "failed", doc.Final.Status)
	// Phase always mirrors Status.
	require.Equal(t, "failed", doc.Final.Phase)

	_, err = c.Flush(ctx, audit.FinalRecord{Status: "failed"})
	require.ErrorContains(t, err, "already flushed")
}

func TestCollectorFlushCapsTouchedFiles(t *testing.T) {
	c := audit.NewCollector("run-1", "g")
	touched := make([]string, audit.TouchedFilesCap+5)
	for i := range touched {
		touched[i] = fmt.Sprintf("file-%d.txt", i)
	}

	doc, err := c.Flush(context.Background(), audit.FinalRecord{Status: "done", TouchedFiles: touched})
	require.NoError(t, err)
	require.Len(t, doc.Final.TouchedFiles, audit.TouchedFilesCap)
	// The cap keeps the most recent paths.
	require.Equal(t, "file-5.txt", doc.Final.TouchedFiles[0])
	require.Equal(t, fmt.Sprintf("file-%d.txt", audit.TouchedFilesCap+4), doc.Final.TouchedFiles[audit.TouchedFilesCap-1])
}

func TestCollectorMirrorsIntoStore(t *testing.T) {
	store := inmem.New()
	c := audit.NewCollector("run-1", "g", audit.WithStore(store))
	ctx := context.Background()

	require.NoError(t, c.Record(ctx, audit.TurnRecord{Turn: 0, Note: "initial plan"}))
	require.NoError(t, c.Record(ctx, audit.TurnRecord{Turn: 1, Note: "task_action_plan:t1"}))
	_, err := c.Flush(ctx, audit.FinalRecord{Status: "done"})
	require.NoError(t, err)

	page, err := store.List(ctx, "run-1", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Events, 3)
	require.Equal(t, audit.KindTurn, page.Events[0].Kind)
	require.Equal(t, audit.KindTurn, page.Events[1].Kind)
	require.Equal(t, audit.KindFinal, page.Events[2].Kind)
	require.JSONEq(t, `{"turn":0,"note":"initial plan"}`, string(page.Events[0].Payload))
}
