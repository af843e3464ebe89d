package wire_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cometproto/cometd/pkg/registry"
	"github.com/cometproto/cometd/pkg/wire"
)

func postForm(body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/comet", strings.NewReader(body))
	r.Header.Set("Content-Type", wire.ContentTypeMarker)
	return r
}

func TestDecodeEmptyBodyYieldsEmptySubscription(t *testing.T) {
	reg := registry.New(0)
	sub, err := wire.Decode(postForm(""), reg, 0)
	require.NoError(t, err)
	assert.Empty(t, sub.Active)
	assert.Empty(t, sub.Ended)
}

func TestDecodeResolvesLiveAndUnknownIDs(t *testing.T) {
	reg := registry.New(0)
	live, err := reg.Create()
	require.NoError(t, err)

	body := "registration=" + live.ID() + "%0Aunknown-id"
	sub, err := wire.Decode(postForm(body), reg, 0)
	require.NoError(t, err)

	require.Len(t, sub.Active, 1)
	assert.Equal(t, live.ID(), sub.Active[0].ID())
	assert.Equal(t, []string{"unknown-id"}, sub.Ended)
}

func TestDecodeConcatenatesMultipleRegistrationParams(t *testing.T) {
	reg := registry.New(0)
	body := "registration=a&registration=b"
	sub, err := wire.Decode(postForm(body), reg, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, sub.Ended)
}

func TestDecodeIgnoresOtherParams(t *testing.T) {
	reg := registry.New(0)
	body := "foo=bar&registration=x"
	sub, err := wire.Decode(postForm(body), reg, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, sub.Ended)
}

func TestDecodeInputTooLarge(t *testing.T) {
	reg := registry.New(0)
	body := "registration=" + strings.Repeat("a", 100)
	_, err := wire.Decode(postForm(body), reg, 10)
	assert.ErrorIs(t, err, wire.ErrInputTooLarge)
}

func TestDecodeMalformedEncoding(t *testing.T) {
	reg := registry.New(0)
	_, err := wire.Decode(postForm("registration=%zz"), reg, 0)
	assert.ErrorIs(t, err, wire.ErrBadRequest)
}

func TestEncodeEndedOnlyTimeout(t *testing.T) {
	body := wire.Encode([]string{"Z"}, nil)
	assert.Equal(t, "Z:ENDED_CHANNEL", string(body))
}

func TestEncodeEmptyEndedEmptyEventsTimeout(t *testing.T) {
	body := wire.Encode(nil, nil)
	assert.Equal(t, "", string(body))
}

func TestEncodeEventsOnly(t *testing.T) {
	tag := int64(7)
	body := wire.Encode(nil, []wire.EventOut{{ChannelID: "A", Payload: []byte("hello world"), Tag: &tag}})
	assert.Equal(t, "A:hello%20world", string(body))
}

func TestEncodeMixedFramingUsesBareColon(t *testing.T) {
	body := wire.Encode([]string{"Z"}, []wire.EventOut{{ChannelID: "A", Payload: []byte("x")}})
	assert.Equal(t, "Z:ENDED_CHANNEL:A:x", string(body))
}

func TestEncodeMultipleEndedJoinedByNewline(t *testing.T) {
	body := wire.Encode([]string{"A", "Z"}, nil)
	assert.Equal(t, "A:ENDED_CHANNEL\nZ:ENDED_CHANNEL", string(body))
}
