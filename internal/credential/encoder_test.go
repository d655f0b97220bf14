package credential

import (
	"encoding/base64"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeIsPureAndDeterministic(t *testing.T) {
	req := Request{
		AuthorizedKeys: []byte("ssh-ed25519 AAAA... test"),
		Units: []Unit{
			{Filename: "bcvk-installer.service", Content: "[Unit]\nDescription=installer\n"},
		},
	}

	first := Encode(req)
	second := Encode(req)
	require.Equal(t, first, second)
	require.Len(t, first, 2)
	require.Equal(t, authorizedKeysCredentialName, first[0].Name)
	require.Equal(t, unitCredentialPrefix+"bcvk-installer.service", first[1].Name)
}

func TestEncodeFramesWithLengthPrefix(t *testing.T) {
	req := Request{AuthorizedKeys: []byte("key-material")}
	creds := Encode(req)
	require.Len(t, creds, 1)

	raw, err := base64.StdEncoding.DecodeString(creds[0].Payload)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(raw), 4)

	length := binary.BigEndian.Uint32(raw[:4])
	require.EqualValues(t, len("key-material"), length)
	require.Equal(t, "key-material", string(raw[4:]))
}

func TestEncodeEmptyRequestProducesNoCredentials(t *testing.T) {
	require.Empty(t, Encode(Request{}))
}
