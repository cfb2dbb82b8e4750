package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"collabSync/backend/internal/ot/delta"
	"collabSync/backend/internal/revision"
)

func TestEncodeDecode(t *testing.T) {
	rev := revision.New("doc-1", 0, 1, (&delta.Builder{}).Retain(5, nil).Insert("!", nil).Build(), "bob", revision.KindEdit)

	cases := []Message{
		PushRev{Revision: rev},
		Acked{ObjectID: "doc-1", RevID: 42},
		PullRev{ObjectID: "doc-1", Start: 3, End: LatestRev},
		NewObjectUser{ObjectID: "doc-1", UserID: 7, Username: "alice"},
		Conflict{ObjectID: "doc-1"},
	}
	for _, want := range cases {
		t.Run(want.Type().String(), func(t *testing.T) {
			got, err := Decode(Encode(want))
			require.NoError(t, err)
			require.Equal(t, want, got)
			require.Equal(t, "doc-1", got.Object())
		})
	}
}

func TestAckedPayloadIsBigEndian(t *testing.T) {
	env, err := decodeEnvelope(Encode(Acked{ObjectID: "doc-1", RevID: 258}))
	require.NoError(t, err)
	require.Equal(t, TypeAcked, env.Type)
	require.Equal(t, []byte{0, 0, 0, 0, 0, 0, 1, 2}, env.Payload)
}

func TestDecodeRejects(t *testing.T) {
	_, err := Decode(Envelope{ObjectID: "doc-1", Type: MessageType(99)}.Bytes())
	require.ErrorIs(t, err, ErrUnknownType)

	_, err = Decode(Envelope{ObjectID: "doc-1", Type: TypeAcked, Payload: []byte{1, 2}}.Bytes())
	require.ErrorIs(t, err, ErrMalformed)

	rev := revision.New("doc-2", 0, 1, nil, "bob", revision.KindEdit)
	_, err = Decode(Envelope{ObjectID: "doc-1", Type: TypePushRev, Payload: rev.Bytes()}.Bytes())
	require.ErrorIs(t, err, ErrMalformed)

	_, err = Decode([]byte{0x0a, 0x05, 'a'})
	require.Error(t, err)
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	b := Encode(Conflict{ObjectID: "doc-1"})
	b = protowire.AppendTag(b, 15, protowire.BytesType)
	b = protowire.AppendString(b, "future")
	got, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, Conflict{ObjectID: "doc-1"}, got)
}

func TestPullRevRange(t *testing.T) {
	require.Equal(t, revision.RevRange{Start: 3, End: 9}, PullRev{Start: 3, End: LatestRev}.Range(9))
	require.Equal(t, revision.RevRange{Start: 3, End: 5}, PullRev{Start: 3, End: 5}.Range(9))
	require.Equal(t, revision.RevRange{Start: 3, End: 9}, PullRev{Start: 3, End: 20}.Range(9))
}
