// Package loraserver implements the protocol handlers of the LoRa Server
// lineage: LoRa Server (open source) 1.x and 2.x and ChirpStack application
// server v3 and v4. They share resource layout and differ in naming, so one
// handler is parameterized by a dialect.
package loraserver

import (
	"github.com/lorawan-server/lpwan-bridge/internal/mapper"
	"github.com/lorawan-server/lpwan-bridge/internal/protocol"
)

const networkTypeLoRa = "LoRa"

const (
	LoraOSName     = "LoraOpenSource"
	ChirpStackName = "ChirpStack"
)

type dialect struct {
	meta   protocol.Metadata
	schema mapper.Schema

	companies  string
	authHeader string

	// list filter names
	companyParam     string
	applicationParam string

	integration integrationDialect
}

type integrationDialect struct {
	wrapped  bool
	urlField string
	appField string
	extra    map[string]interface{}
}

var loraOSV1 = dialect{
	meta: protocol.Metadata{
		ProtocolHandlerName: LoraOSName,
		Version:             protocol.Version{VersionText: "Version 1.0", VersionValue: "1.0"},
		NetworkType:         networkTypeLoRa,
		AuthStyle:           protocol.AuthPassword,
		ProtocolHandlerNetworkFields: []protocol.NetworkField{
			protocol.UsernameField,
			protocol.PasswordField,
			protocol.NetworkServerIDField(false),
			protocol.ServiceProfileIDField(false),
		},
	},
	schema:           mapper.SchemaLoraOSV1,
	companies:        "/api/organizations",
	authHeader:       "Grpc-Metadata-Authorization",
	companyParam:     "organizationID",
	applicationParam: "applicationID",
	integration: integrationDialect{
		urlField: "dataUpURL",
		appField: "id",
	},
}

var loraOSV2 = dialect{
	meta: protocol.Metadata{
		ProtocolHandlerName: LoraOSName,
		Version:             protocol.Version{VersionText: "Version 2.0", VersionValue: "2.0"},
		NetworkType:         networkTypeLoRa,
		AuthStyle:           protocol.AuthPassword,
		ProtocolHandlerNetworkFields: []protocol.NetworkField{
			protocol.UsernameField,
			protocol.PasswordField,
			protocol.NetworkServerIDField(true),
			protocol.ServiceProfileIDField(true),
		},
	},
	schema:           mapper.SchemaLoraOSV2,
	companies:        "/api/organizations",
	authHeader:       "Grpc-Metadata-Authorization",
	companyParam:     "organizationID",
	applicationParam: "applicationID",
	integration: integrationDialect{
		wrapped:  true,
		urlField: "uplinkDataURL",
		appField: "applicationID",
	},
}

var chirpStackV1 = dialect{
	meta: protocol.Metadata{
		ProtocolHandlerName: ChirpStackName,
		Version:             protocol.Version{VersionText: "Version 1.0", VersionValue: "1.0"},
		NetworkType:         networkTypeLoRa,
		AuthStyle:           protocol.AuthPassword,
		ProtocolHandlerNetworkFields: []protocol.NetworkField{
			protocol.UsernameField,
			protocol.PasswordField,
			protocol.NetworkServerIDField(true),
			protocol.ServiceProfileIDField(true),
		},
	},
	schema:           mapper.SchemaChirpStackV1,
	companies:        "/api/organizations",
	authHeader:       "Grpc-Metadata-Authorization",
	companyParam:     "organizationID",
	applicationParam: "applicationID",
	integration: integrationDialect{
		wrapped:  true,
		urlField: "uplinkDataURL",
		appField: "applicationID",
		extra:    map[string]interface{}{"marshaler": "JSON"},
	},
}

var chirpStackV2 = dialect{
	meta: protocol.Metadata{
		ProtocolHandlerName: ChirpStackName,
		Version:             protocol.Version{VersionText: "Version 2.0", VersionValue: "2.0"},
		NetworkType:         networkTypeLoRa,
		AuthStyle:           protocol.AuthAPIKey,
		ProtocolHandlerNetworkFields: []protocol.NetworkField{
			protocol.APIKeyField,
		},
	},
	schema:           mapper.SchemaChirpStackV2,
	companies:        "/api/tenants",
	authHeader:       "Authorization",
	companyParam:     "tenantId",
	applicationParam: "applicationId",
	integration: integrationDialect{
		wrapped:  true,
		urlField: "eventEndpointUrl",
		appField: "applicationId",
		extra:    map[string]interface{}{"encoding": "JSON"},
	},
}
