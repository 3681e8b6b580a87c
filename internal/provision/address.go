package provision

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// AddressInput は住所入力欄からの入力。
// 自由入力の文字列（FreeTextAddress）か、ジオコーダーで解決済みの住所（ResolvedAddress）のどちらか。
type AddressInput interface {
	applyTo(d *Draft)
}

// FreeTextAddress は候補を選ばずに入力された住所文字列。
type FreeTextAddress string

func (a FreeTextAddress) applyTo(d *Draft) {
	d.Address = string(a)
}

// ResolvedAddress はジオコーダーの候補から選ばれた住所。
type ResolvedAddress struct {
	Formatted   string `json:"formatted"`
	HouseNumber string `json:"houseNumber"`
	Street      string `json:"street"`
	Suburb      string `json:"suburb"`
	Postcode    string `json:"postcode"`
}

func (a ResolvedAddress) applyTo(d *Draft) {
	d.Address = a.Formatted
	d.HouseNumber = a.HouseNumber
	d.Street = a.Street
	d.Suburb = a.Suburb
	d.Postcode = a.Postcode
}

// ApplyAddress は住所入力を下書きに反映する。
// nilの場合は構造化された住所の各項目だけを消去し、住所文字列は残す。
func (d *Draft) ApplyAddress(in AddressInput) {
	if in == nil {
		d.HouseNumber = ""
		d.Street = ""
		d.Suburb = ""
		d.Postcode = ""
		return
	}
	in.applyTo(d)
}

// ResolvedFromProperties はGeoapify形式のプロパティから住所を組み立てる。
// キー名はプロバイダーごとに揺れがあるため、候補を順に参照する。
func ResolvedFromProperties(formatted string, props map[string]any) ResolvedAddress {
	if formatted == "" {
		formatted = firstString(props, "formatted")
	}
	return ResolvedAddress{
		Formatted:   formatted,
		HouseNumber: firstString(props, "housenumber", "house_number"),
		Street:      firstString(props, "street", "road", "street_name"),
		Suburb:      firstString(props, "suburb", "city_district", "neighbourhood", "city"),
		Postcode:    firstString(props, "postcode", "postal_code"),
	}
}

// ParseAddressInput はJSONの住所入力を解釈する。
// null は nil、文字列は FreeTextAddress、オブジェクトは ResolvedAddress になる。
// オブジェクトは {"formatted": ..., "properties": {...}} の形式と、
// ResolvedAddressのフィールドを直接持つ形式のどちらも受け付ける。
func ParseAddressInput(raw json.RawMessage) (AddressInput, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}

	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("invalid address: %w", err)
		}
		return FreeTextAddress(s), nil
	}

	var place struct {
		Formatted  string         `json:"formatted"`
		Properties map[string]any `json:"properties"`
	}
	if err := json.Unmarshal(raw, &place); err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}
	if place.Properties != nil {
		return ResolvedFromProperties(place.Formatted, place.Properties), nil
	}

	var resolved ResolvedAddress
	if err := json.Unmarshal(raw, &resolved); err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}
	return resolved, nil
}

// firstString はkeysの順に、空でない文字列または数値の値を返す。
func firstString(props map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := props[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case json.Number:
			return v.String()
		}
	}
	return ""
}
