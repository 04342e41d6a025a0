package protocol

import (
	"fmt"
	"strings"

	"github.com/lorawan-server/lpwan-bridge/internal/models"
)

// AuthStyle is how a vendor authenticates API calls.
type AuthStyle string

const (
	AuthPassword AuthStyle = "password"
	AuthAPIKey   AuthStyle = "apiKey"
	AuthOAuth    AuthStyle = "oauth"
)

// Version identifies a protocol version.
type Version struct {
	VersionText  string `json:"versionText"`
	VersionValue string `json:"versionValue"`
}

// NetworkField describes one credential field the operator must fill in.
type NetworkField struct {
	Name                string `json:"name"`
	Description         string `json:"description"`
	Help                string `json:"help"`
	Type                string `json:"type"`
	Label               string `json:"label"`
	Value               string `json:"value"`
	Required            bool   `json:"required"`
	Placeholder         string `json:"placeholder"`
	OAuthQueryParameter string `json:"oauthQueryParameter"`
}

// Metadata is the static description of one protocol handler.
type Metadata struct {
	ProtocolHandlerName          string         `json:"protocolHandlerName"`
	Version                      Version        `json:"version"`
	NetworkType                  string         `json:"networkType"`
	OAuthURL                     string         `json:"oauthUrl"`
	AuthStyle                    AuthStyle      `json:"authStyle"`
	ProtocolHandlerNetworkFields []NetworkField `json:"protocolHandlerNetworkFields"`
}

// Key identifies a handler in the registry.
type Key struct {
	Name    string
	Version string
}

func (k Key) String() string {
	return k.Name + "/" + k.Version
}

// Key returns the registry key of m.
func (m Metadata) Key() Key {
	return Key{Name: m.ProtocolHandlerName, Version: m.Version.VersionValue}
}

// ValidateSecurityData checks that every required credential field is set.
func (m Metadata) ValidateSecurityData(sd models.Variables) error {
	var missing []string
	for _, f := range m.ProtocolHandlerNetworkFields {
		if !f.Required {
			continue
		}
		if strings.TrimSpace(sd.String(f.Name)) == "" {
			missing = append(missing, f.Name)
		}
	}
	if len(missing) > 0 {
		return NewValidationError("validate security data",
			fmt.Sprintf("%s missing required fields: %s", m.Key(), strings.Join(missing, ", ")))
	}
	return nil
}

// UsernameField, PasswordField and APIKeyField are shared credential fields.
var (
	UsernameField = NetworkField{
		Name:        "username",
		Description: "The username of the account on the network server",
		Type:        "text",
		Label:       "Username",
		Required:    true,
		Placeholder: "admin",
	}
	PasswordField = NetworkField{
		Name:        "password",
		Description: "The password of the account on the network server",
		Type:        "password",
		Label:       "Password",
		Required:    true,
	}
	APIKeyField = NetworkField{
		Name:        "apiKey",
		Description: "API key issued by the network server",
		Help:        "Create an API key with admin rights in the network server UI",
		Type:        "password",
		Label:       "API Key",
		Required:    true,
	}
)

// NetworkServerIDField returns the network-server id field.
func NetworkServerIDField(required bool) NetworkField {
	return NetworkField{
		Name:        "networkServerId",
		Description: "Id of the network server entry used for device profiles",
		Type:        "text",
		Label:       "Network Server ID",
		Required:    required,
		Placeholder: "1",
	}
}

// ServiceProfileIDField returns the service-profile id field.
func ServiceProfileIDField(required bool) NetworkField {
	return NetworkField{
		Name:        "serviceProfileId",
		Description: "Service profile assigned to applications created by the bridge",
		Type:        "text",
		Label:       "Service Profile ID",
		Required:    required,
	}
}
