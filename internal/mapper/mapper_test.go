package mapper

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lpwan-bridge/internal/models"
)

func testProfile() *models.DeviceProfile {
	return &models.DeviceProfile{
		Name:              "class-a-eu868",
		Description:       "default profile",
		MACVersion:        "1.0.2",
		RegParamsRevision: "B",
		MaxEIRP:           14,
		RFRegion:          "EU868",
		SupportsJoin:      true,
		SupportsClassC:    true,
		ClassCTimeout:     5,
		UplinkInterval:    3600,
	}
}

func TestDeviceProfileRoundTrip(t *testing.T) {
	for _, schema := range []Schema{SchemaLoraOSV1, SchemaLoraOSV2, SchemaChirpStackV1, SchemaChirpStackV2} {
		t.Run(string(schema), func(t *testing.T) {
			payload, err := ToRemote(schema, testProfile(), Refs{CompanyID: "7", NetworkServerID: "1"})
			require.NoError(t, err)

			canon, err := FromRemote(schema, KindDeviceProfile, payload)
			require.NoError(t, err)

			assert.Equal(t, "class-a-eu868", canon["name"])
			assert.Equal(t, "1.0.2", canon["macVersion"])
			assert.Equal(t, true, canon["supportsJoin"])
			assert.Equal(t, true, canon["supportsClassC"])
			assert.Equal(t, "7", canon["companyRef"])
		})
	}
}

func TestDeviceProfileLayouts(t *testing.T) {
	t.Run("loraos v1 nests radio settings", func(t *testing.T) {
		payload, err := ToRemote(SchemaLoraOSV1, testProfile(), Refs{CompanyID: "7", NetworkServerID: "1"})
		require.NoError(t, err)

		assert.Equal(t, "class-a-eu868", payload["name"])
		assert.Equal(t, "7", payload["organizationID"])
		assert.Equal(t, "1", payload["networkServerID"])

		inner := payload.Map("deviceProfile")
		require.NotNil(t, inner)
		assert.Equal(t, "1.0.2", inner["macVersion"])
		assert.Equal(t, true, inner["supportsJoin"])
		assert.Nil(t, inner["name"])
	})

	t.Run("chirpstack v1 renders interval as duration", func(t *testing.T) {
		payload, err := ToRemote(SchemaChirpStackV1, testProfile(), Refs{})
		require.NoError(t, err)

		body := payload.Map("deviceProfile")
		require.NotNil(t, body)
		assert.Equal(t, "3600s", body["uplinkInterval"])

		canon, err := FromRemote(SchemaChirpStackV1, KindDeviceProfile, payload)
		require.NoError(t, err)
		assert.Equal(t, 3600, canon["uplinkInterval"])
	})

	t.Run("chirpstack v2 uses enum mac version and otaa flag", func(t *testing.T) {
		payload, err := ToRemote(SchemaChirpStackV2, testProfile(), Refs{CompanyID: "tenant-1"})
		require.NoError(t, err)

		body := payload.Map("deviceProfile")
		require.NotNil(t, body)
		assert.Equal(t, "LORAWAN_1_0_2", body["macVersion"])
		assert.Equal(t, true, body["supportsOtaa"])
		assert.Equal(t, "EU868", body["region"])
		assert.Equal(t, "tenant-1", body["tenantId"])
		_, hasJoin := body["supportsJoin"]
		assert.False(t, hasJoin)
	})
}

// A profile written through one version and read through the next keeps its
// MAC version and join support.
func TestDeviceProfileAcrossVersions(t *testing.T) {
	stored, err := ToRemote(SchemaLoraOSV1, testProfile(), Refs{})
	require.NoError(t, err)
	v1, err := FromRemote(SchemaLoraOSV1, KindDeviceProfile, stored)
	require.NoError(t, err)

	// what a 2.x server returns for the same record
	upgraded := models.Variables{"deviceProfile": models.Variables{
		"id":                "dp-1",
		"name":              stored["name"],
		"macVersion":        stored.Map("deviceProfile")["macVersion"],
		"supportsJoin":      stored.Map("deviceProfile")["supportsJoin"],
		"supports32BitFCnt": false,
	}}
	v2, err := FromRemote(SchemaLoraOSV2, KindDeviceProfile, upgraded)
	require.NoError(t, err)

	assert.Equal(t, v1["macVersion"], v2["macVersion"])
	assert.Equal(t, v1["supportsJoin"], v2["supportsJoin"])
	assert.Equal(t, "dp-1", v2["remoteId"])
}

func TestDeviceMapping(t *testing.T) {
	dev := &Device{
		Device:     &models.Device{BaseModel: models.BaseModel{ID: uuid.New()}, Name: "sensor-1"},
		DevEUI:     "00-11-22-33-44-55-66-77",
		Keys:       &models.DeviceKeys{AppKey: "000102030405060708090A0B0C0D0E0F"},
		Activation: &models.DeviceActivation{DevAddr: "26011BDA", AppSKey: "aa", NwkSEncKey: "bb", FCntUp: 3},
	}

	t.Run("chirpstack v2", func(t *testing.T) {
		payload, err := ToRemote(SchemaChirpStackV2, dev, Refs{ApplicationID: "app-1", DeviceProfileID: "dp-1"})
		require.NoError(t, err)

		body := payload.Map("device")
		require.NotNil(t, body)
		assert.Equal(t, "0011223344556677", body["devEui"])
		assert.Equal(t, "app-1", body["applicationId"])
		assert.Equal(t, "dp-1", body["deviceProfileId"])
		assert.Nil(t, body["appKey"])
	})

	t.Run("loriot carries keys and session", func(t *testing.T) {
		payload, err := ToRemote(SchemaLoriotV4, dev, Refs{ApplicationID: "BE7A0000"})
		require.NoError(t, err)

		assert.Equal(t, "0011223344556677", payload["deveui"])
		assert.Equal(t, "000102030405060708090A0B0C0D0E0F", payload["appkey"])
		assert.Equal(t, "26011BDA", payload["devaddr"])
		assert.Equal(t, 3, payload["seqno"])
		assert.Equal(t, "BE7A0000", payload["appid"])
		assert.Equal(t, "sensor-1", payload["title"])
	})

	t.Run("read-only fields flow inward only", func(t *testing.T) {
		canon, err := FromRemote(SchemaLoraOSV1, KindDevice, models.Variables{
			"devEUI":              "0011223344556677",
			"name":                "sensor-1",
			"lastSeenAt":          "2023-01-01T00:00:00Z",
			"deviceStatusBattery": float64(254),
		})
		require.NoError(t, err)
		assert.Equal(t, "2023-01-01T00:00:00Z", canon["lastSeenAt"])
		assert.Equal(t, 254, canon["batteryLevel"])

		dev := &Device{Device: &models.Device{Name: "sensor-1"}, DevEUI: "0011223344556677"}
		out, err := ToRemote(SchemaLoraOSV1, dev, Refs{})
		require.NoError(t, err)
		_, hasLastSeen := out["lastSeenAt"]
		assert.False(t, hasLastSeen)
	})
}

func TestDownlinkMapping(t *testing.T) {
	fcnt := uint32(12)
	dl := &models.Downlink{
		Data:       "AQID",
		FPort:      10,
		Confirmed:  true,
		FCnt:       &fcnt,
		JSONObject: models.Variables{"led": "on"},
	}

	t.Run("loraos v2 encodes json object as string", func(t *testing.T) {
		payload, err := ToRemote(SchemaLoraOSV2, dl, Refs{})
		require.NoError(t, err)
		item := payload.Map("deviceQueueItem")
		require.NotNil(t, item)
		assert.Equal(t, `{"led":"on"}`, item["jsonObject"])
		assert.Equal(t, 10, item["fPort"])
		assert.Equal(t, 12, item["fCnt"])
	})

	t.Run("chirpstack v2 sends object", func(t *testing.T) {
		payload, err := ToRemote(SchemaChirpStackV2, dl, Refs{})
		require.NoError(t, err)
		item := payload.Map("queueItem")
		require.NotNil(t, item)
		assert.Equal(t, models.Variables{"led": "on"}, item["object"])
		assert.Equal(t, 12, item["fCntDown"])
	})

	t.Run("loriot sends hex", func(t *testing.T) {
		payload, err := ToRemote(SchemaLoriotV4, dl, Refs{})
		require.NoError(t, err)
		assert.Equal(t, "010203", payload["data"])
		assert.Equal(t, "tx", payload["cmd"])
		assert.Equal(t, 10, payload["port"])
	})
}

func TestUplinkDecoding(t *testing.T) {
	t.Run("chirpstack v2 device info", func(t *testing.T) {
		canon, err := FromRemote(SchemaChirpStackV2, KindUplink, models.Variables{
			"fCnt":  float64(7),
			"fPort": float64(1),
			"data":  "AQID",
			"deviceInfo": map[string]interface{}{
				"applicationId": "app-1",
				"deviceName":    "sensor-1",
				"devEui":        "ABEiM0RVZnc=",
			},
		})
		require.NoError(t, err)
		assert.Equal(t, "0011223344556677", canon["devEUI"])
		assert.Equal(t, "sensor-1", canon["deviceName"])
		assert.Equal(t, 7, canon["fCnt"])
		assert.Equal(t, "AQID", canon["data"])
	})

	t.Run("loriot hex payload", func(t *testing.T) {
		canon, err := FromRemote(SchemaLoriotV4, KindUplink, models.Variables{
			"cmd":  "rx",
			"EUI":  "0011223344556677",
			"fcnt": float64(9),
			"port": float64(2),
			"data": "010203",
			"ts":   float64(1672531200000),
		})
		require.NoError(t, err)
		assert.Equal(t, "AQID", canon["data"])
		assert.Equal(t, 9, canon["fCnt"])
		assert.Equal(t, "2023-01-01T00:00:00Z", canon["receivedAt"])
	})
}

func TestUnsupported(t *testing.T) {
	_, err := ToRemote(SchemaLoriotV4, &models.Company{Name: "acme"}, Refs{})
	require.ErrorIs(t, err, ErrUnsupported)

	assert.False(t, Supports(SchemaLoriotV4, KindDeviceProfile))
	assert.True(t, Supports(SchemaChirpStackV2, KindDeviceKeys))

	_, err = FromRemote("nope", KindDevice, nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnsupported)

	_, err = ToRemote(SchemaLoraOSV1, struct{}{}, Refs{})
	require.Error(t, err)
}
