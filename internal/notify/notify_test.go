package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boxoffice/internal/apperr"
	"boxoffice/internal/config"
	"boxoffice/internal/domain"
)

func testMessage() Message {
	return Message{
		ID:      "task-1",
		Event:   EventInformOrder,
		Project: "bx",
		Subject: "BX260301-1",
		Time:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Data:    json.RawMessage(`{"order_number":"BX260301-1"}`),
	}
}

func TestWebhookDelivery(t *testing.T) {
	var got Message
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := New(time.Second, nil, nil).WithSecret(srv.URL, "hush")
	require.NoError(t, n.Send(context.Background(), domain.Recipient{URL: srv.URL}, testMessage()))
	assert.Equal(t, "BX260301-1", got.Subject)
	assert.JSONEq(t, `{"order_number":"BX260301-1"}`, string(got.Data))
	assert.Equal(t, EventInformOrder, headers.Get("X-Boxoffice-Event"))
	assert.Equal(t, "task-1", headers.Get("X-Boxoffice-Delivery"))
	assert.Equal(t, "hush", headers.Get("X-Boxoffice-Secret"))
}

func TestWebhookFailureIsTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := New(time.Second, nil, nil).Send(context.Background(), domain.Recipient{URL: srv.URL}, testMessage())
	require.Error(t, err)
	assert.Equal(t, apperr.ServiceUnavailable, apperr.TypeOf(err))
	assert.Contains(t, err.Error(), "down")
}

func TestUnsupportedRecipient(t *testing.T) {
	n := New(time.Second, nil, nil)
	err := n.Send(context.Background(), domain.Recipient{URL: "ftp://example.com"}, testMessage())
	assert.Equal(t, apperr.Argument, apperr.TypeOf(err))

	err = n.Send(context.Background(), domain.Recipient{URL: "eventbridge://orders"}, testMessage())
	assert.Equal(t, apperr.ServiceUnavailable, apperr.TypeOf(err), "no publisher configured")
}

type fakePutEvents struct {
	inputs []*eventbridge.PutEventsInput
	out    *eventbridge.PutEventsOutput
	err    error
}

func (f *fakePutEvents) PutEvents(_ context.Context, in *eventbridge.PutEventsInput, _ ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	if f.out != nil {
		return f.out, nil
	}
	return &eventbridge.PutEventsOutput{}, nil
}

func TestEventBridgeRouting(t *testing.T) {
	api := &fakePutEvents{}
	n := New(time.Second, NewEventBridge(api, "boxoffice.test", nil), nil)
	require.NoError(t, n.Send(context.Background(), domain.Recipient{URL: "eventbridge://orders"}, testMessage()))
	require.Len(t, api.inputs, 1)
	entry := api.inputs[0].Entries[0]
	assert.Equal(t, "orders", aws.ToString(entry.EventBusName))
	assert.Equal(t, "boxoffice.test", aws.ToString(entry.Source))
	assert.Equal(t, EventInformOrder, aws.ToString(entry.DetailType))

	api.out = &eventbridge.PutEventsOutput{FailedEntryCount: 1, Entries: []types.PutEventsResultEntry{{ErrorCode: aws.String("Throttled")}}}
	err := n.Send(context.Background(), domain.Recipient{URL: "eventbridge://orders"}, testMessage())
	assert.Equal(t, apperr.ServiceUnavailable, apperr.TypeOf(err))

	api.out, api.err = nil, errors.New("no credentials")
	err = n.Send(context.Background(), domain.Recipient{URL: "eventbridge://orders"}, testMessage())
	assert.Equal(t, apperr.ServiceUnavailable, apperr.TypeOf(err))
}

func TestEventBridgeDefaultBus(t *testing.T) {
	api := &fakePutEvents{}
	n := New(time.Second, NewEventBridge(api, "boxoffice.test", nil), nil)
	err := n.Send(context.Background(), domain.Recipient{URL: "eventbridge://"}, testMessage())
	assert.Equal(t, apperr.ServiceUnavailable, apperr.TypeOf(err))
	assert.Empty(t, api.inputs)

	n.WithDefaultBus("boxoffice")
	require.NoError(t, n.Send(context.Background(), domain.Recipient{URL: "eventbridge://"}, testMessage()))
	require.Len(t, api.inputs, 1)
	assert.Equal(t, "boxoffice", aws.ToString(api.inputs[0].Entries[0].EventBusName))
}

type memorySource struct {
	events []domain.Event
	head   int64
}

func (s *memorySource) EventsAfter(_ context.Context, cursor int64, _ string, limit int) ([]domain.Event, error) {
	var res []domain.Event
	for _, e := range s.events {
		if e.ID > cursor && len(res) < limit {
			res = append(res, e)
		}
	}
	return res, nil
}

func (s *memorySource) LatestEventID(context.Context) (int64, error) { return s.head, nil }

func TestRelayFiltersAndResumes(t *testing.T) {
	src := &memorySource{head: 1, events: []domain.Event{
		{ID: 1, Type: "transaction.started"},
		{ID: 2, Type: "transaction.confirmed", EntityID: "t1", Payload: `{"from":"InProgress"}`},
		{ID: 3, Type: "task.executed"},
		{ID: 4, Type: "transaction.canceled", EntityID: "t2", Payload: "not json"},
	}}
	mem := &Memory{}
	r := NewRelay(src, mem, "bx", []config.AuditHook{{URL: "https://hooks.example/audit", Events: []string{"transaction.confirmed", "transaction.canceled"}}}, nil)

	mem.Fail(errors.New("offline"))
	r.DispatchAll(context.Background())
	assert.Empty(t, mem.Deliveries())

	mem.Fail(nil)
	r.DispatchAll(context.Background())
	got := mem.Deliveries()
	require.Len(t, got, 2, "event 1 predates the relay, event 3 is filtered")
	assert.Equal(t, "2", got[0].Message.ID)
	assert.JSONEq(t, `{"id":2,"type":"transaction.confirmed","entity_kind":"","entity_id":"t1","actor_id":"","payload":{"from":"InProgress"}}`, string(got[0].Message.Data))
	assert.Equal(t, "t2", got[1].Message.Subject)

	r.DispatchAll(context.Background())
	assert.Len(t, mem.Deliveries(), 2, "cursor advanced past delivered events")
}
