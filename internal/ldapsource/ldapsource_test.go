package ldapsource

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/evalgo/adsyncd/internal/logging"
	"github.com/evalgo/adsyncd/internal/rawrecord"
)

type fakeClient struct {
	pages       []SearchPage
	pageErr     error
	changeRecs  []*rawrecord.Record
	changeErrs  []error
	changeCalls int
}

func (c *fakeClient) SearchPaged(ctx context.Context, cookie []byte, pageSize int) (SearchPage, error) {
	if c.pageErr != nil {
		return SearchPage{}, c.pageErr
	}
	idx := 0
	if len(cookie) == 1 {
		idx = int(cookie[0])
	}
	if idx >= len(c.pages) {
		return SearchPage{Done: true}, nil
	}
	return c.pages[idx], nil
}

func (c *fakeClient) SearchChangeNotify(ctx context.Context, timeout time.Duration) (*rawrecord.Record, error) {
	i := c.changeCalls
	c.changeCalls++
	if i < len(c.changeErrs) && c.changeErrs[i] != nil {
		return nil, c.changeErrs[i]
	}
	if i < len(c.changeRecs) {
		return c.changeRecs[i], nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Service: "test"})
}

func TestBulkLoadFeedDeliversAllPagesTaggedAsBulkLoad(t *testing.T) {
	client := &fakeClient{
		pages: []SearchPage{
			{Records: []*rawrecord.Record{{Attrs: map[string]string{"dn": "a"}}}, Cookie: []byte{1}, Done: false},
			{Records: []*rawrecord.Record{{Attrs: map[string]string{"dn": "b"}}}, Done: true},
		},
	}
	feed := NewBulkLoadFeed(client, Config{}, testLogger())

	out := make(chan *rawrecord.Record, 10)
	if err := feed.Run(context.Background(), out); err != nil {
		t.Fatalf("Run: %v", err)
	}
	close(out)

	var got []*rawrecord.Record
	for rec := range out {
		got = append(got, rec)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	for _, rec := range got {
		if rec.Source != rawrecord.BulkLoad {
			t.Errorf("rec.Source = %v, want BulkLoad", rec.Source)
		}
	}
}

func TestBulkLoadFeedStopsOnClientError(t *testing.T) {
	client := &fakeClient{pageErr: errors.New("search failed")}
	feed := NewBulkLoadFeed(client, Config{}, testLogger())

	out := make(chan *rawrecord.Record, 1)
	if err := feed.Run(context.Background(), out); err == nil {
		t.Fatal("expected the page error to propagate")
	}
}

func TestBulkLoadFeedRespectsContextCancellation(t *testing.T) {
	client := &fakeClient{pages: []SearchPage{
		{Records: []*rawrecord.Record{{}, {}, {}}, Done: true},
	}}
	feed := NewBulkLoadFeed(client, Config{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := make(chan *rawrecord.Record) // unbuffered; ctx is already canceled, so Run returns before fetching a page
	if err := feed.Run(ctx, out); err == nil {
		t.Fatal("expected ctx.Err() to propagate")
	}
}

func TestChangeNotifyFeedTagsRecordsAsChangeNotify(t *testing.T) {
	client := &fakeClient{changeRecs: []*rawrecord.Record{{Attrs: map[string]string{"dn": "a"}}}}
	feed := NewChangeNotifyFeed(client, Config{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan *rawrecord.Record, 1)

	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx, out) }()

	select {
	case rec := <-out:
		if rec.Source != rawrecord.ChangeNotify {
			t.Errorf("rec.Source = %v, want ChangeNotify", rec.Source)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a change-notify record")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestChangeNotifyFeedReconnectsAfterATransientError(t *testing.T) {
	client := &fakeClient{
		changeErrs: []error{errors.New("transient")},
		changeRecs: []*rawrecord.Record{nil, {Attrs: map[string]string{"dn": "a"}}},
	}
	feed := NewChangeNotifyFeed(client, Config{}, testLogger())
	feed.reconnectDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan *rawrecord.Record, 1)

	go func() { _ = feed.Run(ctx, out) }()

	select {
	case rec := <-out:
		if rec.Source != rawrecord.ChangeNotify {
			t.Errorf("rec.Source = %v, want ChangeNotify", rec.Source)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("feed never recovered from the transient error")
	}
}

func TestNewClientUnregisteredNameReturnsError(t *testing.T) {
	if _, err := NewClient(context.Background(), "does-not-exist", "dc1", "example.com"); err == nil {
		t.Fatal("expected an error for an unregistered client factory name")
	}
}

func TestRegisterClientFactoryRoundTrips(t *testing.T) {
	RegisterClientFactory("test-client", func(ctx context.Context, dc, domain string) (LDAPClient, error) {
		return &fakeClient{}, nil
	})

	client, err := NewClient(context.Background(), "test-client", "dc1", "example.com")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if client == nil {
		t.Fatal("NewClient returned a nil client")
	}
}
