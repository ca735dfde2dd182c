package messaging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderMarshalUnmarshalIsIdentity(t *testing.T) {
	h := Header{CRC: 0xdeadbeef, DataSize: 4096, CtlSize: 0, Type: TypeGetBlockResult}
	got, err := UnmarshalHeader(h.Marshal())
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestHeaderRejectsBothCtlAndDataZero(t *testing.T) {
	h := Header{DataSize: 0, CtlSize: 0, Type: TypeGetBlock}
	_, err := UnmarshalHeader(h.Marshal())
	require.Error(t, err)
}

func TestHeaderRejectsOversizeData(t *testing.T) {
	h := Header{DataSize: MaxDataSize + 1, CtlSize: 0, Type: TypeGetBlockResult}
	_, err := UnmarshalHeader(h.Marshal())
	require.Error(t, err)
}

func TestGetBlockCtlRoundTrips(t *testing.T) {
	c := GetBlockCtl{BNR: 1234, Access: 1}
	got, err := UnmarshalGetBlockCtl(c.Marshal())
	require.NoError(t, err)
	require.Equal(t, c, got)
}
