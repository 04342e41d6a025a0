package mapper

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lorawan-server/lpwan-bridge/internal/models"
	"github.com/lorawan-server/lpwan-bridge/pkg/lorawan"
)

type convert func(interface{}) interface{}

// field maps one canonical key to one vendor key.
type field struct {
	canonical string
	remote    string
	out       convert
	in        convert
	readOnly  bool
}

func f(canonical, remote string) field {
	return field{canonical: canonical, remote: remote}
}

func fc(canonical, remote string, out, in convert) field {
	return field{canonical: canonical, remote: remote, out: out, in: in}
}

// ro is a vendor computed field, only read back.
func ro(canonical, remote string, in convert) field {
	return field{canonical: canonical, remote: remote, in: in, readOnly: true}
}

// shape is the layout of one payload type in one schema.
//
//	{wrap: {outer..., nested: {fields...}}, envelope...}
type shape struct {
	wrap     string
	nested   string
	outer    []field
	fields   []field
	envelope []field
	defaults models.Variables
}

func (sh *shape) toRemote(canon models.Variables) models.Variables {
	body := models.Variables{}
	for k, v := range sh.defaults {
		body[k] = v
	}

	inner := body
	if sh.nested != "" {
		inner = models.Variables{}
		body[sh.nested] = inner
	}
	put(body, sh.outer, canon)
	put(inner, sh.fields, canon)

	if sh.wrap != "" {
		return models.Variables{sh.wrap: body}
	}
	return body
}

func (sh *shape) fromRemote(payload models.Variables) models.Variables {
	out := models.Variables{}
	if payload == nil {
		return out
	}

	body := payload
	if sh.wrap != "" {
		if m := payload.Map(sh.wrap); m != nil {
			body = m
		}
	}
	inner := body
	if sh.nested != "" {
		if m := body.Map(sh.nested); m != nil {
			inner = m
		}
	}

	// list items are not enveloped, so envelope fields may sit in the body
	get(out, body, sh.envelope)
	get(out, payload, sh.envelope)
	get(out, body, sh.outer)
	get(out, inner, sh.fields)
	return out
}

func put(dst models.Variables, fields []field, canon models.Variables) {
	for _, fd := range fields {
		if fd.readOnly {
			continue
		}
		v, ok := canon[fd.canonical]
		if !ok {
			continue
		}
		if fd.out != nil {
			v = fd.out(v)
		}
		dst[fd.remote] = v
	}
}

func get(dst models.Variables, src models.Variables, fields []field) {
	for _, fd := range fields {
		v, ok := src[fd.remote]
		if !ok || v == nil {
			continue
		}
		if fd.in != nil {
			v = fd.in(v)
		}
		dst[fd.canonical] = v
	}
}

// Conversions

func toInt(v interface{}) interface{} {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case uint32:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err == nil {
			return int(i)
		}
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return v
}

func macDotted(v interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		return v
	}
	mv, err := lorawan.ParseMACVersion(s)
	if err != nil {
		return s
	}
	return string(mv)
}

func macEnum(v interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		return v
	}
	mv, err := lorawan.ParseMACVersion(s)
	if err != nil {
		return s
	}
	return mv.EnumName()
}

// secondsString renders an interval as a protobuf duration, "3600s".
func secondsString(v interface{}) interface{} {
	n, ok := toInt(v).(int)
	if !ok {
		return v
	}
	return fmt.Sprintf("%ds", n)
}

func parseSeconds(v interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		return toInt(v)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return v
	}
	return int(d / time.Second)
}

func euiLower(v interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		return v
	}
	return lorawan.NormalizeHex(s)
}

func euiUpper(v interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		return v
	}
	return strings.ToUpper(lorawan.NormalizeHex(s))
}

// euiAny accepts hex or the base64 form some protobuf JSON encoders emit.
func euiAny(v interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if _, err := lorawan.ParseEUI64(s); err == nil {
		return lorawan.NormalizeHex(s)
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == 8 {
		return hex.EncodeToString(b)
	}
	return s
}

func base64ToHex(v interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		return v
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return s
	}
	return hex.EncodeToString(b)
}

func hexToBase64(v interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		return v
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return s
	}
	return base64.StdEncoding.EncodeToString(b)
}

// jsonString encodes an object as the JSON string older APIs expect.
func jsonString(v interface{}) interface{} {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func jsonObject(v interface{}) interface{} {
	switch o := v.(type) {
	case string:
		if o == "" {
			return nil
		}
		var out models.Variables
		if err := json.Unmarshal([]byte(o), &out); err != nil {
			return o
		}
		return out
	case map[string]interface{}:
		return models.Variables(o)
	}
	return v
}

func unixMillis(v interface{}) interface{} {
	n, ok := toInt(v).(int)
	if !ok {
		return v
	}
	return time.UnixMilli(int64(n)).UTC().Format(time.RFC3339Nano)
}
