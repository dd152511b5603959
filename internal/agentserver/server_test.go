package agentserver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qdl/pkg/edl"
	"qdl/pkg/edl/connection"
	"qdl/pkg/edl/transporttest"
	edlpbv1 "qdl/internal/rpc/edlpb/v1"
)

func TestChipToPBMapsOEMID(t *testing.T) {
	chip := edl.ChipIdentity{Serial: 7, HWID: 0x00010000beef, ModelID: 3, SBLVersion: 2, TargetProtocolVer: 1}
	pb := chipToPB(chip)

	assert.Equal(t, uint32(7), pb.Serial)
	assert.Equal(t, uint32(chip.OEMID()), pb.OEMID)
}

func TestGetStatusReportsDisconnectedBeforeConnect(t *testing.T) {
	eng := connection.New(&transporttest.Transport{})
	srv := New(eng)

	resp, err := srv.GetStatus(context.Background(), &edlpbv1.StatusRequest{})
	require.NoError(t, err)
	assert.Equal(t, edl.Disconnected.String(), resp.State)
}

func TestListPartitionsFailsWithoutConnection(t *testing.T) {
	eng := connection.New(&transporttest.Transport{})
	srv := New(eng)

	_, err := srv.ListPartitions(context.Background(), &edlpbv1.ListPartitionsRequest{LUN: -1})
	require.Error(t, err)
	var ee *edl.Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, edl.KindNotConnected, ee.Kind)
}

func TestStateChangeEventIsPublished(t *testing.T) {
	eng := connection.New(&transporttest.Transport{})
	srv := New(eng)

	eng.OnEvent(func(event any) {}) // exercise multi-listener registration alongside srv's own
	srv.onEngineEvent(connection.StateChanged{From: edl.Disconnected, To: edl.Connecting})

	select {
	case e := <-srv.events:
		assert.Equal(t, "state_changed", e.Kind)
		assert.Equal(t, edl.Connecting.String(), e.ToState)
	default:
		t.Fatal("expected a published event")
	}
}
