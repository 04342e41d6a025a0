package server

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lpwan-bridge/internal/models"
)

type fakeRelay struct {
	mu        sync.Mutex
	ingested  []uuid.UUID
	payloads  []models.Variables
	downlinks map[uuid.UUID][]*models.Downlink
}

func (r *fakeRelay) Ingest(ctx context.Context, appID, networkID uuid.UUID, p models.Variables) (*models.Uplink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ingested = append(r.ingested, appID, networkID)
	r.payloads = append(r.payloads, p)
	return &models.Uplink{ApplicationID: appID, NetworkID: networkID}, nil
}

func (r *fakeRelay) Enqueue(ctx context.Context, deviceID uuid.UUID, d *models.Downlink) (*models.Downlink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.downlinks == nil {
		r.downlinks = make(map[uuid.UUID][]*models.Downlink)
	}
	r.downlinks[deviceID] = append(r.downlinks[deviceID], d)
	return d, nil
}

func TestSubjectIDs(t *testing.T) {
	a, b := uuid.New(), uuid.New()

	ids, err := subjectIDs("bridge.ingest."+a.String()+"."+b.String(), "bridge.ingest.", 2)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a, b}, ids)

	_, err = subjectIDs("bridge.ingest."+a.String(), "bridge.ingest.", 2)
	assert.Error(t, err)

	_, err = subjectIDs("other."+a.String(), "bridge.downlink.", 1)
	assert.Error(t, err)

	_, err = subjectIDs("bridge.downlink.nope", "bridge.downlink.", 1)
	assert.Error(t, err)
}

func TestHandleMessages(t *testing.T) {
	relay := &fakeRelay{}
	s := NewNATSSubscriber(nil, relay, "")
	appID, netID, devID := uuid.New(), uuid.New(), uuid.New()

	s.handleIngest(&nats.Msg{
		Subject: "bridge.ingest." + appID.String() + "." + netID.String(),
		Data:    []byte(`{"deviceInfo":{"devEui":"0011223344556677"},"fCnt":1}`),
	})
	require.Len(t, relay.payloads, 1)
	assert.Equal(t, []uuid.UUID{appID, netID}, relay.ingested)
	assert.NotNil(t, relay.payloads[0].Map("deviceInfo"))

	s.handleDownlink(&nats.Msg{
		Subject: "bridge.downlink." + devID.String(),
		Data:    []byte(`{"fPort":5,"data":"AQ=="}`),
	})
	require.Len(t, relay.downlinks[devID], 1)
	assert.Equal(t, uint8(5), relay.downlinks[devID][0].FPort)

	// malformed bodies never reach the relay
	s.handleDownlink(&nats.Msg{Subject: "bridge.downlink." + devID.String(), Data: []byte(`{`)})
	assert.Len(t, relay.downlinks[devID], 1)
}
