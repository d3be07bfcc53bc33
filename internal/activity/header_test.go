package activity

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderList_Lookup(t *testing.T) {
	var list HeaderList
	list.Add("Accept", "application/activity+json")
	list.Add("Set-Cookie", "a=1")
	list.Add("set-cookie", "b=2")

	value, ok := list.Get("ACCEPT")
	assert.True(t, ok)
	assert.Equal(t, "application/activity+json", value)

	_, ok = list.Get("Digest")
	assert.False(t, ok)

	assert.Equal(t, []string{"a=1", "b=2"}, list.Values("Set-Cookie"))
	assert.Nil(t, list.Values("Digest"))
}

func TestHeader_JSON(t *testing.T) {
	data, err := json.Marshal(HeaderList{{Name: "Date", Value: "Mon"}})
	require.NoError(t, err)
	assert.JSONEq(t, `[["Date","Mon"]]`, string(data))

	var list HeaderList
	require.NoError(t, json.Unmarshal([]byte(`[["a","1"],["A","2"]]`), &list))
	assert.Equal(t, []string{"1", "2"}, list.Values("a"))

	assert.Error(t, json.Unmarshal([]byte(`[["a","1","extra"]]`), &list))
	assert.Error(t, json.Unmarshal([]byte(`[{"name":"a"}]`), &list))
}

func TestFromHTTP(t *testing.T) {
	header := http.Header{}
	header.Add("X-B", "2")
	header.Add("X-A", "1")
	header.Add("X-B", "3")

	list := FromHTTP(header, "example.org")

	assert.Equal(t, HeaderList{
		{Name: "Host", Value: "example.org"},
		{Name: "X-A", Value: "1"},
		{Name: "X-B", Value: "2"},
		{Name: "X-B", Value: "3"},
	}, list)
}

func TestHeaderList_Apply(t *testing.T) {
	list := HeaderList{
		{Name: "Host", Value: "upstream.example"},
		{Name: "Content-Length", Value: "999"},
		{Name: "Signature", Value: "one"},
		{Name: "signature", Value: "two"},
	}
	req, err := http.NewRequest(http.MethodPost, "https://10.0.0.1/inbox", nil)
	require.NoError(t, err)

	list.Apply(req)

	assert.Equal(t, "upstream.example", req.Host)
	assert.Empty(t, req.Header.Get("Content-Length"))
	assert.Equal(t, []string{"one", "two"}, req.Header.Values("Signature"))
}
