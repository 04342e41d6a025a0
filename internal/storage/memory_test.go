package storage

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lpwan-bridge/internal/models"
)

type fixture struct {
	store   *MemoryStore
	lora    *models.NetworkType
	company *models.Company
	app     *models.Application
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s := NewMemoryStore()

	lora := &models.NetworkType{Name: "LoRa"}
	require.NoError(t, s.CreateNetworkType(ctx, lora))
	company := &models.Company{Name: "acme"}
	require.NoError(t, s.CreateCompany(ctx, company))
	app := &models.Application{Name: "meters"}
	app.CompanyID = company.ID
	require.NoError(t, s.CreateApplication(ctx, app))

	return &fixture{store: s, lora: lora, company: company, app: app}
}

func deviceLink(nt, device uuid.UUID, eui string) *models.NetworkTypeLink {
	return &models.NetworkTypeLink{
		Kind:            models.KindDevice,
		EntityID:        device,
		NetworkTypeID:   nt,
		NetworkSettings: models.Variables{"devEUI": eui},
	}
}

func TestMemoryStoreDevEUIUnique(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	d1 := &models.Device{ApplicationID: f.app.ID, Name: "a"}
	require.NoError(t, f.store.CreateDevice(ctx, d1))
	require.NoError(t, f.store.CreateLink(ctx, deviceLink(f.lora.ID, d1.ID, "00-11-22-33-44-55-66-77")))

	d2 := &models.Device{ApplicationID: f.app.ID, Name: "b"}
	require.NoError(t, f.store.CreateDevice(ctx, d2))
	err := f.store.CreateLink(ctx, deviceLink(f.lora.ID, d2.ID, "0011223344556677"))
	assert.ErrorIs(t, err, ErrDuplicateKey)

	l, err := f.store.GetDeviceLinkByDevEUI(ctx, f.lora.ID, "00:11:22:33:44:55:66:77")
	require.NoError(t, err)
	assert.Equal(t, d1.ID, l.EntityID)
	assert.Equal(t, "0011223344556677", l.DevEUI())

	_, err = f.store.GetDeviceLinkByDevEUI(ctx, f.lora.ID, "ffffffffffffffff")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreCreateDevicesAtomic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	existing := &models.Device{ApplicationID: f.app.ID, Name: "old"}
	require.NoError(t, f.store.CreateDevice(ctx, existing))
	require.NoError(t, f.store.CreateLink(ctx, deviceLink(f.lora.ID, existing.ID, "aaaaaaaaaaaaaaaa")))

	t.Run("duplicate against stored link", func(t *testing.T) {
		d := &models.Device{BaseModel: models.BaseModel{ID: uuid.New()}, ApplicationID: f.app.ID, Name: "x"}
		err := f.store.CreateDevices(ctx, []*models.Device{d}, []*models.NetworkTypeLink{
			deviceLink(f.lora.ID, d.ID, "AAAAAAAAAAAAAAAA"),
		})
		assert.ErrorIs(t, err, ErrDuplicateKey)
		_, err = f.store.GetDevice(ctx, d.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("duplicate inside batch", func(t *testing.T) {
		d1 := &models.Device{BaseModel: models.BaseModel{ID: uuid.New()}, ApplicationID: f.app.ID, Name: "x"}
		d2 := &models.Device{BaseModel: models.BaseModel{ID: uuid.New()}, ApplicationID: f.app.ID, Name: "y"}
		err := f.store.CreateDevices(ctx, []*models.Device{d1, d2}, []*models.NetworkTypeLink{
			deviceLink(f.lora.ID, d1.ID, "bbbbbbbbbbbbbbbb"),
			deviceLink(f.lora.ID, d2.ID, "bbbbbbbbbbbbbbbb"),
		})
		assert.ErrorIs(t, err, ErrDuplicateKey)

		devices, total, err := f.store.ListDevices(ctx, DeviceFilters{ApplicationID: &f.app.ID}, 100, 0)
		require.NoError(t, err)
		assert.EqualValues(t, 1, total)
		assert.Len(t, devices, 1)
	})

	t.Run("success", func(t *testing.T) {
		d1 := &models.Device{BaseModel: models.BaseModel{ID: uuid.New()}, ApplicationID: f.app.ID, Name: "x"}
		d2 := &models.Device{BaseModel: models.BaseModel{ID: uuid.New()}, ApplicationID: f.app.ID, Name: "y"}
		err := f.store.CreateDevices(ctx, []*models.Device{d1, d2}, []*models.NetworkTypeLink{
			deviceLink(f.lora.ID, d1.ID, "cccccccccccccccc"),
			deviceLink(f.lora.ID, d2.ID, "dddddddddddddddd"),
		})
		require.NoError(t, err)

		links, err := f.store.ListLinks(ctx, models.KindDevice, d2.ID)
		require.NoError(t, err)
		require.Len(t, links, 1)
		assert.Equal(t, "dddddddddddddddd", links[0].DevEUI())
	})
}

func TestMemoryStoreReferences(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	d := &models.Device{ApplicationID: f.app.ID, Name: "a"}
	require.NoError(t, f.store.CreateDevice(ctx, d))

	assert.ErrorIs(t, f.store.DeleteApplication(ctx, f.app.ID), ErrReferenced)
	assert.ErrorIs(t, f.store.DeleteCompany(ctx, f.company.ID), ErrReferenced)

	orphan := &models.Device{ApplicationID: uuid.New(), Name: "b"}
	assert.ErrorIs(t, f.store.CreateDevice(ctx, orphan), ErrReferenced)

	require.NoError(t, f.store.DeleteDevice(ctx, d.ID))
	require.NoError(t, f.store.DeleteApplication(ctx, f.app.ID))
	require.NoError(t, f.store.DeleteCompany(ctx, f.company.ID))
	assert.ErrorIs(t, f.store.DeleteCompany(ctx, f.company.ID), ErrNotFound)
}

func TestMemoryStoreRemoteMappings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	n := &models.Network{Name: "cs", NetworkTypeID: f.lora.ID, ProtocolName: "ChirpStack", ProtocolVersion: "2.0", Enabled: true}
	require.NoError(t, f.store.CreateNetwork(ctx, n))

	m := &models.RemoteMapping{Kind: models.KindCompany, EntityID: f.company.ID, NetworkID: n.ID, RemoteID: "7", Status: models.SyncStatusSynced}
	require.NoError(t, f.store.UpsertRemoteMapping(ctx, m))
	firstID := m.ID

	again := &models.RemoteMapping{Kind: models.KindCompany, EntityID: f.company.ID, NetworkID: n.ID, RemoteID: "7", Status: models.SyncStatusSynced}
	require.NoError(t, f.store.UpsertRemoteMapping(ctx, again))
	assert.Equal(t, firstID, again.ID)

	all, err := f.store.ListRemoteMappings(ctx, models.KindCompany, f.company.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	// mappings go with their network
	require.NoError(t, f.store.DeleteNetwork(ctx, n.ID))
	_, err = f.store.GetRemoteMapping(ctx, models.KindCompany, f.company.ID, n.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreSecurityDataIsCopied(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sd := models.Variables{"apiKey": "k"}
	n := &models.Network{Name: "loriot", NetworkTypeID: f.lora.ID, SecurityData: sd}
	require.NoError(t, f.store.CreateNetwork(ctx, n))
	sd["apiKey"] = "changed"

	got, err := f.store.GetNetwork(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, "k", got.SecurityData.String("apiKey"))

	require.NoError(t, f.store.UpdateNetworkSecurityData(ctx, n.ID, models.Variables{"apiKey": "k", "accessToken": "t"}))
	got, err = f.store.GetNetwork(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, "t", got.SecurityData.String("accessToken"))

	enabled, err := f.store.ListNetworks(ctx, NetworkFilters{EnabledOnly: true})
	require.NoError(t, err)
	assert.Empty(t, enabled)
}
