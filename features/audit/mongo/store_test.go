package mongo

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	clientsmongo "goa.design/foreman/features/audit/mongo/clients/mongo"
	"goa.design/foreman/runtime/agent/audit"
)

var (
	testMongoClient    *mongodriver.Client
	testMongoContainer testcontainers.Container
	skipMongoTests     bool
)

const testDatabase = "foreman_audit_test"

func setupMongoDB() {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testMongoContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, MongoDB tests will be skipped: %v\n", containerErr)
		skipMongoTests = true
		return
	}

	host, err := testMongoContainer.Host(ctx)
	if err != nil {
		fmt.Printf("Failed to get container host: %v\n", err)
		skipMongoTests = true
		return
	}

	port, err := testMongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		fmt.Printf("Failed to get container port: %v\n", err)
		skipMongoTests = true
		return
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testMongoClient, err = mongodriver.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		fmt.Printf("Failed to connect to MongoDB: %v\n", err)
		skipMongoTests = true
		return
	}

	if err := testMongoClient.Ping(ctx, nil); err != nil {
		fmt.Printf("Failed to ping MongoDB: %v\n", err)
		skipMongoTests = true
		return
	}
}

func getAuditStore(t *testing.T) *Store {
	t.Helper()
	if skipMongoTests {
		t.Skip("Docker not available, skipping MongoDB test")
	}
	if err := testMongoClient.Database(testDatabase).Collection(t.Name()).Drop(context.Background()); err != nil {
		t.Fatalf("failed to drop collection: %v", err)
	}
	mc, err := clientsmongo.New(clientsmongo.Options{
		Client:     testMongoClient,
		Database:   testDatabase,
		Collection: t.Name(),
	})
	if err != nil {
		t.Fatalf("failed to build mongo audit client: %v", err)
	}
	st, err := NewStore(mc)
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return st
}

func TestMongoAuditRoundTrip(t *testing.T) {
	if testMongoClient == nil && !skipMongoTests {
		setupMongoDB()
	}

	st := getAuditStore(t)
	ctx := context.Background()

	appended := make([]*audit.Event, 0, 5)
	for i := 1; i <= 5; i++ {
		kind := audit.KindTurn
		if i == 5 {
			kind = audit.KindFinal
		}
		e := &audit.Event{
			RunID:     "run-1",
			Kind:      kind,
			Payload:   json.RawMessage(fmt.Sprintf(`{"turn":%d}`, i)),
			Timestamp: time.Unix(int64(i), 0).UTC(),
		}
		if err := st.Append(ctx, e); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if e.ID == "" {
			t.Fatalf("append %d: no id assigned", i)
		}
		appended = append(appended, e)
	}

	decoy := &audit.Event{
		RunID:     "run-2",
		Kind:      audit.KindTurn,
		Payload:   json.RawMessage(`{"turn":99}`),
		Timestamp: time.Unix(99, 0).UTC(),
	}
	if err := st.Append(ctx, decoy); err != nil {
		t.Fatalf("append decoy: %v", err)
	}

	var got []*audit.Event
	cursor := ""
	pages := 0
	for {
		page, err := st.List(ctx, "run-1", cursor, 2)
		if err != nil {
			t.Fatalf("list page %d: %v", pages, err)
		}
		got = append(got, page.Events...)
		pages++
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	if pages != 3 {
		t.Errorf("expected 3 pages, got %d", pages)
	}
	if len(got) != len(appended) {
		t.Fatalf("expected %d events, got %d", len(appended), len(got))
	}
	for i, e := range got {
		want := appended[i]
		if e.ID != want.ID {
			t.Errorf("event %d: id %q, want %q", i, e.ID, want.ID)
		}
		if e.RunID != "run-1" {
			t.Errorf("event %d: run id %q", i, e.RunID)
		}
		if e.Kind != want.Kind {
			t.Errorf("event %d: kind %q, want %q", i, e.Kind, want.Kind)
		}
		if string(e.Payload) != string(want.Payload) {
			t.Errorf("event %d: payload %s, want %s", i, e.Payload, want.Payload)
		}
		if !e.Timestamp.Equal(want.Timestamp) {
			t.Errorf("event %d: timestamp %v, want %v", i, e.Timestamp, want.Timestamp)
		}
	}
}

// TestMongoAuditPagingProperty checks that any batch of appended events pages
// back in append order for any page size, including across store recreation.
func TestMongoAuditPagingProperty(t *testing.T) {
	if testMongoClient == nil && !skipMongoTests {
		setupMongoDB()
	}
	if skipMongoTests {
		t.Skip("Docker not available, skipping MongoDB test")
	}

	ctx := context.Background()
	collection := testMongoClient.Database(testDatabase).Collection(t.Name())
	defer func() { _ = collection.Drop(ctx) }()

	newClient := func() (clientsmongo.Client, error) {
		return clientsmongo.New(clientsmongo.Options{
			Client:     testMongoClient,
			Database:   testDatabase,
			Collection: t.Name(),
		})
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("events page back in append order", prop.ForAll(
		func(tc pagingCase) bool {
			if err := collection.Drop(ctx); err != nil {
				return false
			}

			mc1, err := newClient()
			if err != nil {
				return false
			}
			st1, err := NewStore(mc1)
			if err != nil {
				return false
			}

			want := make([]string, 0, len(tc.payloads))
			for i, p := range tc.payloads {
				e := &audit.Event{
					RunID:     "run-prop",
					Kind:      audit.KindTurn,
					Payload:   json.RawMessage(fmt.Sprintf(`{"note":%q}`, p)),
					Timestamp: time.Unix(int64(i+1), 0).UTC(),
				}
				if err := st1.Append(ctx, e); err != nil {
					return false
				}
				want = append(want, e.ID)
			}

			mc2, err := newClient()
			if err != nil {
				return false
			}
			st2, err := NewStore(mc2)
			if err != nil {
				return false
			}

			var got []string
			cursor := ""
			for {
				page, err := st2.List(ctx, "run-prop", cursor, tc.pageSize)
				if err != nil {
					return false
				}
				if len(page.Events) > tc.pageSize {
					return false
				}
				for _, e := range page.Events {
					got = append(got, e.ID)
				}
				if page.NextCursor == "" {
					break
				}
				cursor = page.NextCursor
			}

			if len(got) != len(want) {
				return false
			}
			for i := range got {
				if got[i] != want[i] {
					return false
				}
			}
			return true
		},
		genPagingCase(),
	))

	properties.TestingRun(t)
}

type pagingCase struct {
	payloads []string
	pageSize int
}

func genPagingCase() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(1, 9),
		gen.IntRange(1, 4),
		gen.OneConstOf("plan", "execute", "review", "replan"),
	).Map(func(vals []any) pagingCase {
		count := vals[0].(int)
		payloads := make([]string, count)
		for i := range payloads {
			payloads[i] = fmt.Sprintf("%s-%d", vals[2].(string), i)
		}
		return pagingCase{payloads: payloads, pageSize: vals[1].(int)}
	})
}
