// Package mapper translates canonical entities to and from the payload shape
// of each vendor API version. It does no I/O.
package mapper

import (
	"errors"
	"fmt"

	"github.com/lorawan-server/lpwan-bridge/internal/models"
	"github.com/lorawan-server/lpwan-bridge/pkg/lorawan"
)

// ErrUnsupported is returned when a vendor has no equivalent for an entity.
var ErrUnsupported = errors.New("not supported by protocol")

// Schema names one vendor wire format.
type Schema string

const (
	SchemaLoraOSV1     Schema = "loraos-v1"
	SchemaLoraOSV2     Schema = "loraos-v2"
	SchemaChirpStackV1 Schema = "chirpstack-v1"
	SchemaChirpStackV2 Schema = "chirpstack-v2"
	SchemaLoriotV4     Schema = "loriot-v4"
)

// Kind is the payload type being mapped.
type Kind string

const (
	KindCompany          = Kind(models.KindCompany)
	KindApplication      = Kind(models.KindApplication)
	KindDeviceProfile    = Kind(models.KindDeviceProfile)
	KindDevice           = Kind(models.KindDevice)
	KindDeviceKeys       Kind = "deviceKeys"
	KindDeviceActivation Kind = "deviceActivation"
	KindDownlink         Kind = "downlink"
	KindUplink           Kind = "uplink"
)

// Refs carries the remote ids of the entities a payload points at.
type Refs struct {
	CompanyID        string
	ApplicationID    string
	DeviceProfileID  string
	NetworkServerID  string
	ServiceProfileID string
}

// Device is a canonical device together with the network specific settings
// of its link.
type Device struct {
	*models.Device
	DevEUI     string
	Keys       *models.DeviceKeys
	Activation *models.DeviceActivation
}

// DeviceFromLink combines a device and its network type link.
func DeviceFromLink(d *models.Device, link *models.NetworkTypeLink) *Device {
	out := &Device{Device: d}
	if link != nil {
		out.DevEUI = link.DevEUI()
		out.Keys = link.DeviceKeys()
		out.Activation = link.DeviceActivation()
	}
	return out
}

// ToRemote builds the vendor payload for entity.
func ToRemote(schema Schema, entity interface{}, refs Refs) (models.Variables, error) {
	kind, canon, err := canonicalOf(entity)
	if err != nil {
		return nil, err
	}
	addRefs(canon, refs)

	sh, err := lookup(schema, kind)
	if err != nil {
		return nil, err
	}
	return sh.toRemote(canon), nil
}

// FromRemote extracts canonical fields from a vendor payload. Vendor computed
// fields (timestamps, status, signal margin) only flow in this direction.
func FromRemote(schema Schema, kind Kind, payload models.Variables) (models.Variables, error) {
	sh, err := lookup(schema, kind)
	if err != nil {
		return nil, err
	}
	return sh.fromRemote(payload), nil
}

// Supports reports whether schema has a mapping for kind.
func Supports(schema Schema, kind Kind) bool {
	_, err := lookup(schema, kind)
	return err == nil
}

func lookup(schema Schema, kind Kind) (*shape, error) {
	shapes, ok := schemas[schema]
	if !ok {
		return nil, fmt.Errorf("unknown schema %q", schema)
	}
	sh, ok := shapes[kind]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", schema, kind, ErrUnsupported)
	}
	return sh, nil
}

func canonicalOf(entity interface{}) (Kind, models.Variables, error) {
	switch e := entity.(type) {
	case *models.Company:
		return KindCompany, models.Variables{
			"name":            e.Name,
			"description":     e.Description,
			"canHaveGateways": e.CanHaveGateways,
		}, nil

	case *models.Application:
		return KindApplication, models.Variables{
			"name":        e.Name,
			"description": e.Description,
		}, nil

	case *models.DeviceProfile:
		return KindDeviceProfile, models.Variables{
			"name":              e.Name,
			"description":       e.Description,
			"macVersion":        e.MACVersion,
			"regParamsRevision": e.RegParamsRevision,
			"maxEIRP":           e.MaxEIRP,
			"rfRegion":          e.RFRegion,
			"supportsJoin":      e.SupportsJoin,
			"supports32BitFCnt": e.Supports32BitFCnt,
			"supportsClassB":    e.SupportsClassB,
			"classBTimeout":     e.ClassBTimeout,
			"supportsClassC":    e.SupportsClassC,
			"classCTimeout":     e.ClassCTimeout,
			"uplinkInterval":    e.UplinkInterval,
		}, nil

	case *Device:
		if e.Device == nil {
			return "", nil, errors.New("device is nil")
		}
		canon := models.Variables{
			"name":        e.Name,
			"description": e.Description,
			"devEUI":      lorawan.NormalizeHex(e.DevEUI),
		}
		if e.Keys != nil {
			mergeKeys(canon, e.Keys)
		}
		if e.Activation != nil {
			mergeActivation(canon, e.Activation)
		}
		return KindDevice, canon, nil

	case *models.DeviceKeys:
		canon := models.Variables{}
		mergeKeys(canon, e)
		return KindDeviceKeys, canon, nil

	case *models.DeviceActivation:
		canon := models.Variables{}
		mergeActivation(canon, e)
		return KindDeviceActivation, canon, nil

	case *models.Downlink:
		canon := models.Variables{
			"fPort":     int(e.FPort),
			"confirmed": e.Confirmed,
		}
		if e.Data != "" {
			canon["data"] = e.Data
		}
		if e.JSONObject != nil {
			canon["jsonObject"] = e.JSONObject
		}
		if e.FCnt != nil {
			canon["fCnt"] = int(*e.FCnt)
		}
		return KindDownlink, canon, nil
	}
	return "", nil, fmt.Errorf("cannot map %T", entity)
}

func mergeKeys(dst models.Variables, k *models.DeviceKeys) {
	if k.AppKey != "" {
		dst["appKey"] = lorawan.NormalizeHex(k.AppKey)
	}
	if k.NwkKey != "" {
		dst["nwkKey"] = lorawan.NormalizeHex(k.NwkKey)
	}
}

func mergeActivation(dst models.Variables, a *models.DeviceActivation) {
	dst["devAddr"] = lorawan.NormalizeHex(a.DevAddr)
	dst["appSKey"] = lorawan.NormalizeHex(a.AppSKey)
	dst["nwkSEncKey"] = lorawan.NormalizeHex(a.NwkSEncKey)
	if a.SNwkSIntKey != "" {
		dst["sNwkSIntKey"] = lorawan.NormalizeHex(a.SNwkSIntKey)
	}
	if a.FNwkSIntKey != "" {
		dst["fNwkSIntKey"] = lorawan.NormalizeHex(a.FNwkSIntKey)
	}
	dst["fCntUp"] = int(a.FCntUp)
	dst["nFCntDown"] = int(a.NFCntDown)
	dst["aFCntDown"] = int(a.AFCntDown)
}

func addRefs(dst models.Variables, refs Refs) {
	set := func(key, v string) {
		if v != "" {
			dst[key] = v
		}
	}
	set("companyRef", refs.CompanyID)
	set("applicationRef", refs.ApplicationID)
	set("deviceProfileRef", refs.DeviceProfileID)
	set("networkServerRef", refs.NetworkServerID)
	set("serviceProfileRef", refs.ServiceProfileID)
}
