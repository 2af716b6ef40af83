package push

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDisplay struct {
	shown []*Notification
	err   error
}

func (d *fakeDisplay) Display(_ context.Context, n *Notification) error {
	if d.err != nil {
		return d.err
	}
	d.shown = append(d.shown, n)
	return nil
}

type fakeWindows struct {
	windows []Window
	focused []string
	opened  []string
}

func (w *fakeWindows) Windows(context.Context) ([]Window, error) { return w.windows, nil }
func (w *fakeWindows) Focus(_ context.Context, id string) error {
	w.focused = append(w.focused, id)
	return nil
}
func (w *fakeWindows) Open(_ context.Context, url string) error {
	w.opened = append(w.opened, url)
	return nil
}

func defaults() Defaults {
	return Defaults{
		Title: "Madrasti",
		Icon:  "/icons/icon-192.png",
		Badge: "/icons/badge-72.png",
	}
}

func TestDecodeMergesDefaults(t *testing.T) {
	h := New(defaults(), &fakeDisplay{}, &fakeWindows{}, nil)

	n := h.Decode([]byte(`{"title":"Grade","body":"92%","priority":"high"}`))
	assert.Equal(t, "Grade", n.Title)
	assert.Equal(t, "92%", n.Body)
	assert.Equal(t, "/icons/icon-192.png", n.Icon)
	assert.Equal(t, "/icons/badge-72.png", n.Badge)
	assert.True(t, n.RequireInteraction)
	assert.False(t, n.Silent)
}

func TestDecodePriorityFlags(t *testing.T) {
	h := New(defaults(), &fakeDisplay{}, &fakeWindows{}, nil)

	low := h.Decode([]byte(`{"body":"x","priority":"low"}`))
	assert.False(t, low.RequireInteraction)
	assert.True(t, low.Silent)

	normal := h.Decode([]byte(`{"body":"x"}`))
	assert.False(t, normal.RequireInteraction)
	assert.False(t, normal.Silent)
	assert.Equal(t, "normal", normal.Priority)
}

func TestDecodeDegradesMalformedPayload(t *testing.T) {
	h := New(defaults(), &fakeDisplay{}, &fakeWindows{}, nil)

	n := h.Decode([]byte("school closed tomorrow"))
	assert.Equal(t, "Madrasti", n.Title)
	assert.Equal(t, "school closed tomorrow", n.Body)
	assert.Equal(t, "/icons/icon-192.png", n.Icon)
}

func TestHandlePushCompletesDisplayBeforeReturning(t *testing.T) {
	display := &fakeDisplay{}
	h := New(defaults(), display, &fakeWindows{}, nil)

	n, err := h.HandlePush(context.Background(), []byte(`{"title":"Hi"}`))
	require.NoError(t, err)
	require.Len(t, display.shown, 1)
	assert.Equal(t, n, display.shown[0])
}

func TestHandlePushDisplayFailure(t *testing.T) {
	display := &fakeDisplay{err: errors.New("surface gone")}
	h := New(defaults(), display, &fakeWindows{}, nil)

	_, err := h.HandlePush(context.Background(), []byte(`{}`))
	assert.Error(t, err)
}

func TestBodyClickFocusesExistingWindow(t *testing.T) {
	windows := &fakeWindows{windows: []Window{
		{ID: "w1", URL: "https://app.madrasti.app/dashboard"},
		{ID: "w2", URL: "https://app.madrasti.app/grades/42"},
	}}
	h := New(defaults(), &fakeDisplay{}, windows, nil)

	n := &Notification{URL: "/grades/42"}
	require.NoError(t, h.HandleInteraction(context.Background(), "", n, ""))

	assert.Equal(t, []string{"w2"}, windows.focused)
	assert.Empty(t, windows.opened)
}

func TestBodyClickOpensWhenNoWindowMatches(t *testing.T) {
	windows := &fakeWindows{windows: []Window{
		{ID: "w1", URL: "https://app.madrasti.app/dashboard"},
	}}
	h := New(defaults(), &fakeDisplay{}, windows, nil)

	n := &Notification{URL: "/grades/42"}
	require.NoError(t, h.HandleInteraction(context.Background(), "", n, ""))

	assert.Empty(t, windows.focused)
	assert.Equal(t, []string{"/grades/42"}, windows.opened)
}

func TestViewActionRoutesLikeBodyClick(t *testing.T) {
	windows := &fakeWindows{}
	h := New(defaults(), &fakeDisplay{}, windows, nil)

	n := &Notification{URL: "/homework"}
	require.NoError(t, h.HandleInteraction(context.Background(), "view", n, ""))
	assert.Equal(t, []string{"/homework"}, windows.opened)
}

func TestDismissActionIsNoOp(t *testing.T) {
	windows := &fakeWindows{}
	h := New(defaults(), &fakeDisplay{}, windows, nil)

	require.NoError(t, h.HandleInteraction(context.Background(), "dismiss", &Notification{}, ""))
	assert.Empty(t, windows.focused)
	assert.Empty(t, windows.opened)
}

func TestMarkReadFiresAuthenticatedRequest(t *testing.T) {
	var gotAuth, gotBody string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = string(buf)
	}))
	defer ts.Close()

	d := defaults()
	d.MarkReadEndpoint = ts.URL + "/api/notifications/mark-read"
	h := New(d, &fakeDisplay{}, &fakeWindows{}, ts.Client())

	n := &Notification{Tag: "grade-42"}
	require.NoError(t, h.HandleInteraction(context.Background(), "mark_read", n, "tok"))
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.JSONEq(t, `{"tag":"grade-42"}`, gotBody)
}

func TestUnknownActionIsIgnored(t *testing.T) {
	windows := &fakeWindows{}
	h := New(defaults(), &fakeDisplay{}, windows, nil)

	require.NoError(t, h.HandleInteraction(context.Background(), "launch_rocket", &Notification{}, ""))
	assert.Empty(t, windows.opened)
}
