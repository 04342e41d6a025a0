package mapper

import (
	"github.com/lorawan-server/lpwan-bridge/internal/models"
)

var (
	remoteID   = ro("remoteId", "id", nil)
	timestamps = []field{
		ro("createdAt", "createdAt", nil),
		ro("updatedAt", "updatedAt", nil),
	}
	deviceStatus = []field{
		ro("createdAt", "createdAt", nil),
		ro("updatedAt", "updatedAt", nil),
		ro("lastSeenAt", "lastSeenAt", nil),
		ro("batteryLevel", "deviceStatusBattery", toInt),
		ro("margin", "deviceStatusMargin", toInt),
	}

	// LoRa Server lineage uplink event, shared by every version before the
	// v4 rewrite.
	loraServerUplink = &shape{
		fields: []field{
			f("applicationRef", "applicationID"),
			f("deviceName", "deviceName"),
			fc("devEUI", "devEUI", nil, euiAny),
			fc("fCnt", "fCnt", nil, toInt),
			fc("fPort", "fPort", nil, toInt),
			f("data", "data"),
			f("object", "object"),
			f("rxInfo", "rxInfo"),
		},
	}
)

var schemas = map[Schema]map[Kind]*shape{
	SchemaLoraOSV1:     loraOSV1(),
	SchemaLoraOSV2:     loraOSV2(),
	SchemaChirpStackV1: chirpStackV1(),
	SchemaChirpStackV2: chirpStackV2(),
	SchemaLoriotV4:     loriotV4(),
}

func profileRadioFields() []field {
	return []field{
		fc("macVersion", "macVersion", macDotted, macDotted),
		f("regParamsRevision", "regParamsRevision"),
		fc("maxEIRP", "maxEIRP", nil, toInt),
		f("rfRegion", "rfRegion"),
		f("supportsJoin", "supportsJoin"),
		f("supportsClassB", "supportsClassB"),
		fc("classBTimeout", "classBTimeout", nil, toInt),
		f("supportsClassC", "supportsClassC"),
		fc("classCTimeout", "classCTimeout", nil, toInt),
	}
}

// LoRa Server 1.x: flat bodies, single root key, LoRaWAN 1.0 session.
func loraOSV1() map[Kind]*shape {
	return map[Kind]*shape{
		KindCompany: {
			fields: []field{
				remoteID,
				f("name", "name"),
				f("description", "displayName"),
				f("canHaveGateways", "canHaveGateways"),
			},
			envelope: timestamps,
		},
		KindApplication: {
			fields: []field{
				remoteID,
				f("name", "name"),
				f("description", "description"),
				f("companyRef", "organizationID"),
				f("serviceProfileRef", "serviceProfileID"),
			},
		},
		KindDeviceProfile: {
			nested: "deviceProfile",
			outer: []field{
				ro("remoteId", "deviceProfileID", nil),
				f("name", "name"),
				f("companyRef", "organizationID"),
				f("networkServerRef", "networkServerID"),
			},
			fields: append(profileRadioFields(),
				f("supports32BitFCnt", "supports32bitFCnt")),
			envelope: timestamps,
		},
		KindDevice: {
			fields: []field{
				fc("devEUI", "devEUI", euiLower, euiLower),
				f("name", "name"),
				f("description", "description"),
				f("applicationRef", "applicationID"),
				f("deviceProfileRef", "deviceProfileID"),
			},
			envelope: deviceStatus,
		},
		KindDeviceKeys: {
			wrap:   "deviceKeys",
			fields: []field{f("appKey", "appKey")},
		},
		KindDeviceActivation: {
			fields: []field{
				f("devAddr", "devAddr"),
				f("appSKey", "appSKey"),
				f("nwkSEncKey", "nwkSKey"),
				fc("fCntUp", "fCntUp", nil, toInt),
				fc("nFCntDown", "fCntDown", nil, toInt),
			},
			defaults: models.Variables{"skipFCntCheck": false},
		},
		KindDownlink: {
			fields: []field{
				f("confirmed", "confirmed"),
				fc("fPort", "fPort", nil, toInt),
				f("data", "data"),
				fc("fCnt", "fCnt", nil, toInt),
			},
		},
		KindUplink: loraServerUplink,
	}
}

// LoRa Server 2.x: wrapped bodies, LoRaWAN 1.1 key set.
func loraOSV2() map[Kind]*shape {
	return map[Kind]*shape{
		KindCompany: {
			wrap: "organization",
			fields: []field{
				remoteID,
				f("name", "name"),
				f("description", "displayName"),
				f("canHaveGateways", "canHaveGateways"),
			},
			envelope: timestamps,
		},
		KindApplication: {
			wrap: "application",
			fields: []field{
				remoteID,
				f("name", "name"),
				f("description", "description"),
				f("companyRef", "organizationID"),
				f("serviceProfileRef", "serviceProfileID"),
			},
			defaults: models.Variables{"payloadCodec": ""},
		},
		KindDeviceProfile: {
			wrap: "deviceProfile",
			fields: append([]field{
				remoteID,
				f("name", "name"),
				f("companyRef", "organizationID"),
				f("networkServerRef", "networkServerID"),
				f("supports32BitFCnt", "supports32BitFCnt"),
			}, profileRadioFields()...),
			envelope: timestamps,
		},
		KindDevice: {
			wrap: "device",
			fields: []field{
				fc("devEUI", "devEUI", euiLower, euiLower),
				f("name", "name"),
				f("description", "description"),
				f("applicationRef", "applicationID"),
				f("deviceProfileRef", "deviceProfileID"),
			},
			envelope: deviceStatus,
			defaults: models.Variables{"skipFCntCheck": false},
		},
		KindDeviceKeys: {
			wrap: "deviceKeys",
			fields: []field{
				f("nwkKey", "nwkKey"),
				f("appKey", "appKey"),
			},
		},
		KindDeviceActivation: {
			wrap:   "deviceActivation",
			fields: lorawan11Activation(),
		},
		KindDownlink: {
			wrap: "deviceQueueItem",
			fields: []field{
				f("confirmed", "confirmed"),
				fc("fPort", "fPort", nil, toInt),
				f("data", "data"),
				fc("jsonObject", "jsonObject", jsonString, jsonObject),
				fc("fCnt", "fCnt", nil, toInt),
			},
		},
		KindUplink: loraServerUplink,
	}
}

func lorawan11Activation() []field {
	return []field{
		f("devAddr", "devAddr"),
		f("appSKey", "appSKey"),
		f("nwkSEncKey", "nwkSEncKey"),
		f("sNwkSIntKey", "sNwkSIntKey"),
		f("fNwkSIntKey", "fNwkSIntKey"),
		fc("fCntUp", "fCntUp", nil, toInt),
		fc("nFCntDown", "nFCntDown", nil, toInt),
		fc("aFCntDown", "aFCntDown", nil, toInt),
	}
}

// ChirpStack application server v3: the LoRa Server 2.x layout plus uplink
// interval and profile descriptions.
func chirpStackV1() map[Kind]*shape {
	shapes := loraOSV2()
	shapes[KindDeviceProfile] = &shape{
		wrap: "deviceProfile",
		fields: append([]field{
			remoteID,
			f("name", "name"),
			f("companyRef", "organizationID"),
			f("networkServerRef", "networkServerID"),
			f("supports32BitFCnt", "supports32BitFCnt"),
			fc("uplinkInterval", "uplinkInterval", secondsString, parseSeconds),
		}, profileRadioFields()...),
		envelope: timestamps,
	}
	shapes[KindApplication].defaults = models.Variables{"payloadCodec": "", "payloadEncoderScript": "", "payloadDecoderScript": ""}
	return shapes
}

// ChirpStack v4: tenants, camel-case ids, enum MAC versions, OTAA flag named
// supportsOtaa.
func chirpStackV2() map[Kind]*shape {
	return map[Kind]*shape{
		KindCompany: {
			wrap: "tenant",
			fields: []field{
				remoteID,
				f("name", "name"),
				f("description", "description"),
				f("canHaveGateways", "canHaveGateways"),
			},
			envelope: timestamps,
		},
		KindApplication: {
			wrap: "application",
			fields: []field{
				remoteID,
				f("name", "name"),
				f("description", "description"),
				f("companyRef", "tenantId"),
			},
			envelope: timestamps,
		},
		KindDeviceProfile: {
			wrap: "deviceProfile",
			fields: []field{
				remoteID,
				f("companyRef", "tenantId"),
				f("name", "name"),
				f("description", "description"),
				f("rfRegion", "region"),
				fc("macVersion", "macVersion", macEnum, macDotted),
				f("regParamsRevision", "regParamsRevision"),
				f("supportsJoin", "supportsOtaa"),
				f("supportsClassB", "supportsClassB"),
				fc("classBTimeout", "classBTimeout", nil, toInt),
				f("supportsClassC", "supportsClassC"),
				fc("classCTimeout", "classCTimeout", nil, toInt),
				fc("uplinkInterval", "uplinkInterval", nil, toInt),
			},
			envelope: timestamps,
		},
		KindDevice: {
			wrap: "device",
			fields: []field{
				fc("devEUI", "devEui", euiLower, euiLower),
				f("name", "name"),
				f("description", "description"),
				f("applicationRef", "applicationId"),
				f("deviceProfileRef", "deviceProfileId"),
			},
			envelope: []field{
				ro("createdAt", "createdAt", nil),
				ro("updatedAt", "updatedAt", nil),
				ro("lastSeenAt", "lastSeenAt", nil),
			},
		},
		KindDeviceKeys: {
			wrap: "deviceKeys",
			fields: []field{
				f("nwkKey", "nwkKey"),
				f("appKey", "appKey"),
			},
		},
		KindDeviceActivation: {
			wrap:   "deviceActivation",
			fields: lorawan11Activation(),
		},
		KindDownlink: {
			wrap: "queueItem",
			fields: []field{
				f("confirmed", "confirmed"),
				fc("fPort", "fPort", nil, toInt),
				f("data", "data"),
				fc("jsonObject", "object", nil, jsonObject),
				fc("fCnt", "fCntDown", nil, toInt),
			},
		},
		KindUplink: {
			nested: "deviceInfo",
			outer: []field{
				fc("fCnt", "fCnt", nil, toInt),
				fc("fPort", "fPort", nil, toInt),
				f("data", "data"),
				f("object", "object"),
				f("rxInfo", "rxInfo"),
			},
			fields: []field{
				f("applicationRef", "applicationId"),
				f("deviceName", "deviceName"),
				fc("devEUI", "devEui", nil, euiAny),
			},
		},
	}
}

// Loriot: no organizations or device profiles; keys and session travel with
// the device record; payloads are hex.
func loriotV4() map[Kind]*shape {
	return map[Kind]*shape{
		KindApplication: {
			fields: []field{
				ro("remoteId", "_id", nil),
				f("name", "title"),
				ro("capacity", "capacity", toInt),
			},
			defaults: models.Variables{"capacity": 10, "visibility": "private"},
		},
		KindDevice: {
			fields: []field{
				ro("remoteId", "_id", nil),
				fc("devEUI", "deveui", euiUpper, euiLower),
				f("name", "title"),
				f("description", "description"),
				f("applicationRef", "appid"),
				fc("appKey", "appkey", euiUpper, euiLower),
				fc("devAddr", "devaddr", euiUpper, euiLower),
				fc("nwkSEncKey", "nwkskey", euiUpper, euiLower),
				fc("appSKey", "appskey", euiUpper, euiLower),
				fc("fCntUp", "seqno", nil, toInt),
				fc("nFCntDown", "seqdn", nil, toInt),
				ro("lastSeenAt", "lastSeen", unixMillis),
			},
		},
		KindDownlink: {
			fields: []field{
				fc("fPort", "port", nil, toInt),
				fc("data", "data", base64ToHex, hexToBase64),
				f("confirmed", "confirmed"),
				fc("fCnt", "seqdn", nil, toInt),
			},
			defaults: models.Variables{"cmd": "tx"},
		},
		KindUplink: {
			fields: []field{
				fc("devEUI", "EUI", nil, euiAny),
				fc("fCnt", "fcnt", nil, toInt),
				fc("fPort", "port", nil, toInt),
				fc("data", "data", nil, hexToBase64),
				ro("rssi", "rssi", nil),
				ro("snr", "snr", nil),
				ro("receivedAt", "ts", unixMillis),
			},
		},
	}
}
